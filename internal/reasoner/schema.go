package reasoner

import (
	"sync/atomic"

	"github.com/ontospan/triplestore/internal/dictionary"
	"github.com/ontospan/triplestore/internal/errs"
	"github.com/ontospan/triplestore/internal/index"
	"github.com/ontospan/triplestore/internal/kv"
	"github.com/ontospan/triplestore/pkg/rdf"
)

// InversePair is a (p, owl:inverseOf, q) axiom.
type InversePair struct{ P, Q dictionary.TermId }

// SchemaInfo is the extracted TBox summary rule compilation filters and
// specializes against. It is immutable once built;
// TBoxCache installs a fresh one atomically after any schema change.
type SchemaInfo struct {
	HasSubClass    bool
	HasSubProperty bool
	HasDomain      bool
	HasRange       bool
	HasSameAs      bool
	HasRestriction bool

	Transitive        map[dictionary.TermId]bool
	Symmetric         map[dictionary.TermId]bool
	Functional        map[dictionary.TermId]bool
	InverseFunctional map[dictionary.TermId]bool
	Inverse           []InversePair

	// SubClassOf/SubPropertyOf are the transitive closures of the
	// hierarchy edges, used by the executor's schema-aware membership
	// checks and the cache's invalidation predicate set.
	SubClassOf    map[dictionary.TermId]map[dictionary.TermId]bool
	SubPropertyOf map[dictionary.TermId]map[dictionary.TermId]bool
}

// schemaPredicates allocates and lists every predicate whose presence
// marks a triple as schema-changing. The vocabulary is encoded eagerly
// (not looked up) so the identifiers are stable from store open onward,
// whether or not any ontology has been loaded yet.
func schemaPredicates(dict *dictionary.Dictionary) (map[dictionary.TermId]bool, error) {
	out := map[dictionary.TermId]bool{}
	for _, iri := range []string{
		rdfsSubClassOf, rdfsSubPropertyOf, rdfsDomain, rdfsRange,
		owlSameAs, owlInverseOf,
		owlHasValue, owlOnProperty, owlSomeValuesFrom, owlAllValuesFrom,
	} {
		id, err := dict.Encode(rdf.NewNamedNode(iri))
		if err != nil {
			return nil, err
		}
		out[id] = true
	}
	return out, nil
}

// characteristicClasses allocates the owl property-characteristic class
// identifiers: a `?p rdf:type owl:X` assertion with X among these is a
// schema change even though its predicate is plain rdf:type.
func characteristicClasses(dict *dictionary.Dictionary) (typeID dictionary.TermId, classes map[dictionary.TermId]bool, err error) {
	typeID, err = dict.Encode(rdf.RDFType)
	if err != nil {
		return 0, nil, err
	}
	classes = map[dictionary.TermId]bool{}
	for _, iri := range []string{
		"http://www.w3.org/2002/07/owl#TransitiveProperty",
		"http://www.w3.org/2002/07/owl#SymmetricProperty",
		"http://www.w3.org/2002/07/owl#FunctionalProperty",
		"http://www.w3.org/2002/07/owl#InverseFunctionalProperty",
	} {
		id, err := dict.Encode(rdf.NewNamedNode(iri))
		if err != nil {
			return 0, nil, err
		}
		classes[id] = true
	}
	return typeID, classes, nil
}

const owlInverseOf = "http://www.w3.org/2002/07/owl#inverseOf"

// ExtractSchema scans the explicit index for TBox axioms and builds a
// fresh SchemaInfo. Called once after store open and
// whenever the coordinator detects a schema-predicate write.
func ExtractSchema(engine *kv.Engine, dict *dictionary.Dictionary, ix *index.Index, derived *index.Derived) (*SchemaInfo, error) {
	snap := engine.Snapshot()
	defer snap.Close()

	lookup := func(iri string) (dictionary.TermId, bool, error) { return dict.Lookup(rdf.NewNamedNode(iri)) }

	si := &SchemaInfo{
		Transitive:        map[dictionary.TermId]bool{},
		Symmetric:         map[dictionary.TermId]bool{},
		Functional:        map[dictionary.TermId]bool{},
		InverseFunctional: map[dictionary.TermId]bool{},
		SubClassOf:        map[dictionary.TermId]map[dictionary.TermId]bool{},
		SubPropertyOf:     map[dictionary.TermId]map[dictionary.TermId]bool{},
	}

	scanAxiom := func(predIRI string, visit func(t index.Triple)) error {
		predID, ok, err := lookup(predIRI)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		it, err := ix.Scan(snap, index.Pattern{P: &predID})
		if err != nil {
			return err
		}
		defer it.Close()
		for it.Next() {
			visit(it.Triple())
		}
		return nil
	}

	if err := scanAxiom(rdfsSubClassOf, func(t index.Triple) {
		si.HasSubClass = true
		addEdge(si.SubClassOf, t.S, t.O)
	}); err != nil {
		return nil, err
	}
	closeTransitively(si.SubClassOf)

	if err := scanAxiom(rdfsSubPropertyOf, func(t index.Triple) {
		si.HasSubProperty = true
		addEdge(si.SubPropertyOf, t.S, t.O)
	}); err != nil {
		return nil, err
	}
	closeTransitively(si.SubPropertyOf)

	if err := scanAxiom(rdfsDomain, func(t index.Triple) { si.HasDomain = true }); err != nil {
		return nil, err
	}
	if err := scanAxiom(rdfsRange, func(t index.Triple) { si.HasRange = true }); err != nil {
		return nil, err
	}
	if err := scanAxiom(owlSameAs, func(t index.Triple) { si.HasSameAs = true }); err != nil {
		return nil, err
	}
	if err := scanAxiom(owlHasValue, func(t index.Triple) { si.HasRestriction = true }); err != nil {
		return nil, err
	}
	if err := scanAxiom(owlSomeValuesFrom, func(t index.Triple) { si.HasRestriction = true }); err != nil {
		return nil, err
	}
	if err := scanAxiom(owlAllValuesFrom, func(t index.Triple) { si.HasRestriction = true }); err != nil {
		return nil, err
	}

	// Class-characteristic axioms are asserted as `?p rdf:type owl:X`
	// triples, so they are found via the rdfType predicate's scan rather
	// than a dedicated predicate scan.
	typeID, ok, err := lookup(rdfType)
	if err != nil {
		return nil, err
	}
	if ok {
		classIDs := map[string]dictionary.TermId{}
		for _, iri := range []string{
			"http://www.w3.org/2002/07/owl#TransitiveProperty",
			"http://www.w3.org/2002/07/owl#SymmetricProperty",
			"http://www.w3.org/2002/07/owl#FunctionalProperty",
			"http://www.w3.org/2002/07/owl#InverseFunctionalProperty",
		} {
			if id, ok, err := lookup(iri); err != nil {
				return nil, err
			} else if ok {
				classIDs[iri] = id
			}
		}
		it, err := ix.Scan(snap, index.Pattern{P: &typeID})
		if err != nil {
			return nil, err
		}
		for it.Next() {
			t := it.Triple()
			switch t.O {
			case classIDs["http://www.w3.org/2002/07/owl#TransitiveProperty"]:
				si.Transitive[t.S] = true
			case classIDs["http://www.w3.org/2002/07/owl#SymmetricProperty"]:
				si.Symmetric[t.S] = true
			case classIDs["http://www.w3.org/2002/07/owl#FunctionalProperty"]:
				si.Functional[t.S] = true
			case classIDs["http://www.w3.org/2002/07/owl#InverseFunctionalProperty"]:
				si.InverseFunctional[t.S] = true
			}
		}
		it.Close()
	}

	if err := scanAxiom(owlInverseOf, func(t index.Triple) {
		si.Inverse = append(si.Inverse, InversePair{P: t.S, Q: t.O})
	}); err != nil {
		return nil, err
	}

	return si, nil
}

func addEdge(m map[dictionary.TermId]map[dictionary.TermId]bool, a, b dictionary.TermId) {
	if m[a] == nil {
		m[a] = map[dictionary.TermId]bool{}
	}
	m[a][b] = true
}

// closeTransitively computes the reflexive-free transitive closure of an
// edge map in place (Floyd-Warshall-ish fixpoint, fine at TBox scale).
func closeTransitively(m map[dictionary.TermId]map[dictionary.TermId]bool) {
	changed := true
	for changed {
		changed = false
		for a, succs := range m {
			for b := range succs {
				for c := range m[b] {
					if !m[a][c] {
						addEdge(m, a, c)
						changed = true
					}
				}
			}
		}
	}
}

// TBoxCache installs SchemaInfo snapshots atomically. Readers (rule
// compilation, the executor's schema-aware lookups) observe one version
// for the lifetime of their call.
type TBoxCache struct {
	engine  *kv.Engine
	dict    *dictionary.Dictionary
	ix      *index.Index
	derived *index.Derived

	schemaPreds  map[dictionary.TermId]bool
	typeID       dictionary.TermId
	charClasses  map[dictionary.TermId]bool
	current      atomic.Pointer[SchemaInfo]
}

func NewTBoxCache(engine *kv.Engine, dict *dictionary.Dictionary, ix *index.Index, derived *index.Derived) (*TBoxCache, error) {
	preds, err := schemaPredicates(dict)
	if err != nil {
		return nil, err
	}
	typeID, classes, err := characteristicClasses(dict)
	if err != nil {
		return nil, err
	}
	tc := &TBoxCache{
		engine: engine, dict: dict, ix: ix, derived: derived,
		schemaPreds: preds, typeID: typeID, charClasses: classes,
	}
	if err := tc.Rebuild(); err != nil {
		return nil, err
	}
	return tc, nil
}

// IsSchemaPredicate reports whether p is one of the fixed TBox-axiom
// predicates, used by the transaction coordinator to decide whether a
// commit must trigger a schema rebuild.
func (tc *TBoxCache) IsSchemaPredicate(p dictionary.TermId) bool { return tc.schemaPreds[p] }

// IsSchemaTriple additionally catches property-characteristic assertions
// (`?p rdf:type owl:TransitiveProperty` and friends), whose predicate is
// the ordinary rdf:type.
func (tc *TBoxCache) IsSchemaTriple(t index.Triple) bool {
	if tc.schemaPreds[t.P] {
		return true
	}
	return t.P == tc.typeID && tc.charClasses[t.O]
}

// Rebuild recomputes SchemaInfo from scratch and installs it.
func (tc *TBoxCache) Rebuild() error {
	si, err := ExtractSchema(tc.engine, tc.dict, tc.ix, tc.derived)
	if err != nil {
		return errs.Wrap(errs.KindStorageFailure, "schema extraction failed", err)
	}
	tc.current.Store(si)
	return nil
}

// Current returns the installed SchemaInfo. Lock-free: readers within a
// single query hold the pointer they got for their whole query even if a
// concurrent Rebuild installs a newer one mid-query.
func (tc *TBoxCache) Current() *SchemaInfo { return tc.current.Load() }
