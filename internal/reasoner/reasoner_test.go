package reasoner

import (
	"testing"

	"github.com/ontospan/triplestore/internal/dictionary"
	"github.com/ontospan/triplestore/internal/index"
	"github.com/ontospan/triplestore/internal/kv"
	"github.com/ontospan/triplestore/pkg/rdf"
)

type fixture struct {
	engine  *kv.Engine
	dict    *dictionary.Dictionary
	ix      *index.Index
	derived *index.Derived
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	engine, err := kv.Open("", kv.Options{InMemory: true})
	if err != nil {
		t.Fatalf("open engine: %v", err)
	}
	t.Cleanup(func() { _ = engine.Close() })
	dict, err := dictionary.Open(engine)
	if err != nil {
		t.Fatalf("open dictionary: %v", err)
	}
	return &fixture{engine: engine, dict: dict, ix: index.New(engine), derived: index.NewDerived(engine)}
}

func (f *fixture) encode(t *testing.T, term rdf.Term) dictionary.TermId {
	t.Helper()
	id, err := f.dict.Encode(term)
	if err != nil {
		t.Fatalf("encode %v: %v", term, err)
	}
	return id
}

func (f *fixture) add(t *testing.T, s, p, o rdf.Term) index.Triple {
	t.Helper()
	triple := index.Triple{S: f.encode(t, s), P: f.encode(t, p), O: f.encode(t, o)}
	if _, err := f.ix.Insert(triple); err != nil {
		t.Fatalf("insert: %v", err)
	}
	return triple
}

func (f *fixture) reasoner(t *testing.T, profile Profile) *Reasoner {
	t.Helper()
	tbox, err := NewTBoxCache(f.engine, f.dict, f.ix, f.derived)
	if err != nil {
		t.Fatalf("tbox: %v", err)
	}
	return New(f.engine, f.dict, f.ix, f.derived, tbox, Options{Profile: profile})
}

func (f *fixture) holds(t *testing.T, s, p, o rdf.Term) bool {
	t.Helper()
	triple := index.Triple{S: f.encode(t, s), P: f.encode(t, p), O: f.encode(t, o)}
	explicit, err := f.ix.Exists(triple)
	if err != nil {
		t.Fatalf("exists: %v", err)
	}
	if explicit {
		return true
	}
	derived, err := f.derived.Exists(triple)
	if err != nil {
		t.Fatalf("derived exists: %v", err)
	}
	return derived
}

func ex(s string) *rdf.NamedNode { return rdf.NewNamedNode("http://example.org/" + s) }

func TestSubClassMembership(t *testing.T) {
	f := newFixture(t)
	f.add(t, ex("Student"), rdf.RDFSSubClassOf, ex("Person"))
	f.add(t, ex("alice"), rdf.RDFType, ex("Student"))

	r := f.reasoner(t, ProfileRDFS)
	res, err := r.Materialize()
	if err != nil {
		t.Fatalf("materialize: %v", err)
	}
	if res.Derived == 0 {
		t.Fatalf("expected derivations")
	}
	if !f.holds(t, ex("alice"), rdf.RDFType, ex("Person")) {
		t.Errorf("alice should be inferred a Person")
	}
}

func TestTransitiveProperty(t *testing.T) {
	f := newFixture(t)
	f.add(t, ex("contains"), rdf.RDFType, rdf.OWLTransitiveProperty)
	f.add(t, ex("a"), ex("contains"), ex("b"))
	f.add(t, ex("b"), ex("contains"), ex("c"))

	r := f.reasoner(t, ProfileOWL2RL)
	if _, err := r.Materialize(); err != nil {
		t.Fatalf("materialize: %v", err)
	}
	if !f.holds(t, ex("a"), ex("contains"), ex("c")) {
		t.Errorf("transitive closure a contains c missing")
	}
}

func TestSymmetricProperty(t *testing.T) {
	f := newFixture(t)
	f.add(t, ex("partner"), rdf.RDFType, rdf.OWLSymmetricProperty)
	f.add(t, ex("a"), ex("partner"), ex("b"))

	r := f.reasoner(t, ProfileOWL2RL)
	if _, err := r.Materialize(); err != nil {
		t.Fatalf("materialize: %v", err)
	}
	if !f.holds(t, ex("b"), ex("partner"), ex("a")) {
		t.Errorf("symmetric inverse missing")
	}
}

func TestDomainRange(t *testing.T) {
	f := newFixture(t)
	f.add(t, ex("teaches"), rdf.RDFSDomain, ex("Teacher"))
	f.add(t, ex("teaches"), rdf.RDFSRange, ex("Course"))
	f.add(t, ex("bob"), ex("teaches"), ex("math101"))

	r := f.reasoner(t, ProfileRDFS)
	if _, err := r.Materialize(); err != nil {
		t.Fatalf("materialize: %v", err)
	}
	if !f.holds(t, ex("bob"), rdf.RDFType, ex("Teacher")) {
		t.Errorf("domain inference missing")
	}
	if !f.holds(t, ex("math101"), rdf.RDFType, ex("Course")) {
		t.Errorf("range inference missing")
	}
}

func TestSameAsEquivalenceAndSubstitution(t *testing.T) {
	f := newFixture(t)
	f.add(t, ex("clark"), rdf.OWLSameAs, ex("superman"))
	f.add(t, ex("clark"), ex("worksAt"), ex("dailyPlanet"))

	r := f.reasoner(t, ProfileOWL2RL)
	if _, err := r.Materialize(); err != nil {
		t.Fatalf("materialize: %v", err)
	}

	if !f.holds(t, ex("superman"), rdf.OWLSameAs, ex("clark")) {
		t.Errorf("sameAs symmetry missing")
	}
	if !f.holds(t, ex("clark"), rdf.OWLSameAs, ex("clark")) {
		t.Errorf("sameAs reflexivity missing")
	}
	if !f.holds(t, ex("dailyPlanet"), rdf.OWLSameAs, ex("dailyPlanet")) {
		t.Errorf("sameAs reflexivity should cover object positions too")
	}
	if !f.holds(t, ex("superman"), ex("worksAt"), ex("dailyPlanet")) {
		t.Errorf("sameAs subject substitution missing")
	}
}

func TestMaterializeDeterministic(t *testing.T) {
	f := newFixture(t)
	f.add(t, ex("B"), rdf.RDFSSubClassOf, ex("A"))
	f.add(t, ex("C"), rdf.RDFSSubClassOf, ex("B"))
	f.add(t, ex("x"), rdf.RDFType, ex("C"))

	r := f.reasoner(t, ProfileRDFS)
	first, err := r.Materialize()
	if err != nil {
		t.Fatalf("first materialize: %v", err)
	}
	second, err := r.Materialize()
	if err != nil {
		t.Fatalf("second materialize: %v", err)
	}
	if first.Iterations != second.Iterations || first.Derived != second.Derived {
		t.Errorf("materialization not deterministic: %+v vs %+v", first, second)
	}
}

func TestIncrementalAdd(t *testing.T) {
	f := newFixture(t)
	f.add(t, ex("Student"), rdf.RDFSSubClassOf, ex("Person"))
	r := f.reasoner(t, ProfileRDFS)
	if _, err := r.Materialize(); err != nil {
		t.Fatalf("materialize: %v", err)
	}

	fresh := f.add(t, ex("carol"), rdf.RDFType, ex("Student"))
	if _, err := r.IncrementalAdd([]index.Triple{fresh}); err != nil {
		t.Fatalf("incremental add: %v", err)
	}
	if !f.holds(t, ex("carol"), rdf.RDFType, ex("Person")) {
		t.Errorf("incremental add should derive carol's membership")
	}
}

func TestIncrementalDeleteRetractsUnsupported(t *testing.T) {
	f := newFixture(t)
	f.add(t, ex("Student"), rdf.RDFSSubClassOf, ex("Person"))
	assertion := f.add(t, ex("alice"), rdf.RDFType, ex("Student"))

	r := f.reasoner(t, ProfileRDFS)
	if _, err := r.Materialize(); err != nil {
		t.Fatalf("materialize: %v", err)
	}
	if !f.holds(t, ex("alice"), rdf.RDFType, ex("Person")) {
		t.Fatalf("precondition failed: derivation missing")
	}

	if _, err := f.ix.Delete(assertion); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := r.IncrementalDelete([]index.Triple{assertion}); err != nil {
		t.Fatalf("incremental delete: %v", err)
	}
	if f.holds(t, ex("alice"), rdf.RDFType, ex("Person")) {
		t.Errorf("derivation should be retracted with its only support gone")
	}
}

func TestIncrementalDeleteKeepsAlternativeSupport(t *testing.T) {
	f := newFixture(t)
	f.add(t, ex("Student"), rdf.RDFSSubClassOf, ex("Person"))
	f.add(t, ex("Employee"), rdf.RDFSSubClassOf, ex("Person"))
	viaStudent := f.add(t, ex("alice"), rdf.RDFType, ex("Student"))
	f.add(t, ex("alice"), rdf.RDFType, ex("Employee"))

	r := f.reasoner(t, ProfileRDFS)
	if _, err := r.Materialize(); err != nil {
		t.Fatalf("materialize: %v", err)
	}

	if _, err := f.ix.Delete(viaStudent); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := r.IncrementalDelete([]index.Triple{viaStudent}); err != nil {
		t.Fatalf("incremental delete: %v", err)
	}
	if !f.holds(t, ex("alice"), rdf.RDFType, ex("Person")) {
		t.Errorf("derivation with an independent support must survive")
	}
}
