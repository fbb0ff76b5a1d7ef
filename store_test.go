package triplestore

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ontospan/triplestore/pkg/rdf"
	"github.com/ontospan/triplestore/pkg/sparql/ast"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open("", Options{InMemory: true, CreateIfMissing: true})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func ex(name string) *rdf.NamedNode { return rdf.NewNamedNode("http://example.org/" + name) }

func foaf(name string) *rdf.NamedNode {
	return rdf.NewNamedNode("http://xmlns.com/foaf/0.1/" + name)
}

func tvVar(name string) ast.TermOrVariable {
	return ast.TermOrVariable{Variable: &ast.Variable{Name: name}}
}

func tvTerm(term rdf.Term) ast.TermOrVariable { return ast.TermOrVariable{Term: term} }

func askQuery(patterns ...*ast.TriplePattern) *ast.Query {
	return &ast.Query{Type: ast.QueryTypeAsk, Ask: &ast.AskQuery{
		Where: &ast.GraphPattern{Patterns: patterns},
	}}
}

func selectAll(patterns ...*ast.TriplePattern) *ast.Query {
	return &ast.Query{Type: ast.QueryTypeSelect, Select: &ast.SelectQuery{
		Where: &ast.GraphPattern{Patterns: patterns},
	}}
}

func TestLoadExportRoundTrip(t *testing.T) {
	s := openTestStore(t)
	triples := []*rdf.Triple{
		rdf.NewTriple(ex("a"), foaf("name"), rdf.NewLiteral("Alice")),
		rdf.NewTriple(ex("a"), foaf("age"), rdf.NewIntegerLiteral(30)),
		rdf.NewTriple(ex("b"), foaf("name"), rdf.NewLiteralWithLanguage("Bob", "en")),
	}
	n, err := s.Load(context.Background(), triples)
	if err != nil || n != 3 {
		t.Fatalf("load: n=%d err=%v", n, err)
	}

	exported, err := s.Export(context.Background(), nil, nil, nil)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if len(exported) != 3 {
		t.Fatalf("expected 3 exported triples, got %d", len(exported))
	}
	for _, want := range triples {
		found := false
		for _, got := range exported {
			if got.Equals(want) {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("exported set missing %v", want)
		}
	}
}

func TestSubclassInference(t *testing.T) {
	s := openTestStore(t)
	_, err := s.Load(context.Background(), []*rdf.Triple{
		rdf.NewTriple(ex("Student"), rdf.RDFSSubClassOf, ex("Person")),
		rdf.NewTriple(ex("alice"), rdf.RDFType, ex("Student")),
	})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if _, err := s.Materialize(context.Background(), ProfileRDFS); err != nil {
		t.Fatalf("materialize: %v", err)
	}

	res, err := s.Query(context.Background(), askQuery(&ast.TriplePattern{
		Subject: tvTerm(ex("alice")), Predicate: tvTerm(rdf.RDFType), Object: tvTerm(ex("Person")),
	}))
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if !res.Bool {
		t.Errorf("ASK should confirm inferred class membership")
	}
}

func TestTransitivePropertyQuery(t *testing.T) {
	s := openTestStore(t)
	_, err := s.Load(context.Background(), []*rdf.Triple{
		rdf.NewTriple(ex("contains"), rdf.RDFType, rdf.OWLTransitiveProperty),
		rdf.NewTriple(ex("a"), ex("contains"), ex("b")),
		rdf.NewTriple(ex("b"), ex("contains"), ex("c")),
	})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if _, err := s.Materialize(context.Background(), ProfileOWL2RL); err != nil {
		t.Fatalf("materialize: %v", err)
	}

	res, err := s.Query(context.Background(), selectAll(&ast.TriplePattern{
		Subject: tvTerm(ex("a")), Predicate: tvTerm(ex("contains")), Object: tvVar("x"),
	}))
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(res.Bindings) != 2 {
		t.Fatalf("expected {b, c}, got %d bindings: %v", len(res.Bindings), res.Bindings)
	}
}

func TestCachedCountRefreshesAfterInsert(t *testing.T) {
	s := openTestStore(t)
	_, err := s.Load(context.Background(), []*rdf.Triple{
		rdf.NewTriple(ex("a"), foaf("name"), rdf.NewLiteral("Alice")),
		rdf.NewTriple(ex("b"), foaf("name"), rdf.NewLiteral("Bob")),
	})
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	countQuery := &ast.Query{Type: ast.QueryTypeSelect, Select: &ast.SelectQuery{
		Where: &ast.GraphPattern{Patterns: []*ast.TriplePattern{{
			Subject: tvVar("s"), Predicate: tvTerm(foaf("name")), Object: tvVar("o"),
		}}},
		Projections: []*ast.ProjectedVar{{
			Variable: &ast.Variable{Name: "n"},
			Expr:     &ast.AggregateExpression{Function: "count", Wildcard: true},
		}},
	}}

	count := func() string {
		t.Helper()
		res, err := s.Query(context.Background(), countQuery)
		if err != nil {
			t.Fatalf("query: %v", err)
		}
		return res.Bindings[0]["n"].(*rdf.Literal).Value
	}

	if got := count(); got != "2" {
		t.Fatalf("expected 2, got %s", got)
	}
	// Cached now; run again to exercise the hit path.
	if got := count(); got != "2" {
		t.Fatalf("cached result wrong: %s", got)
	}

	if _, err := s.Insert(context.Background(), []*rdf.Triple{
		rdf.NewTriple(ex("c"), foaf("name"), rdf.NewLiteral("Cara")),
	}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if got := count(); got != "3" {
		t.Errorf("stale cached count served after write: got %s, want 3", got)
	}
}

func TestUpdateModifyViaSparql(t *testing.T) {
	s := openTestStore(t)
	_, err := s.Update(context.Background(), &ast.Update{Operations: []ast.UpdateOperation{
		&ast.InsertData{Triples: []*rdf.Triple{
			rdf.NewTriple(ex("a"), foaf("name"), rdf.NewLiteral("Alice")),
		}},
	}})
	if err != nil {
		t.Fatalf("update: %v", err)
	}

	res, err := s.Query(context.Background(), askQuery(&ast.TriplePattern{
		Subject: tvTerm(ex("a")), Predicate: tvTerm(foaf("name")), Object: tvTerm(rdf.NewLiteral("Alice")),
	}))
	if err != nil || !res.Bool {
		t.Fatalf("inserted triple not visible: res=%v err=%v", res, err)
	}
}

func TestIncrementalDeleteEndToEnd(t *testing.T) {
	s := openTestStore(t)
	assertion := rdf.NewTriple(ex("alice"), rdf.RDFType, ex("Student"))
	_, err := s.Load(context.Background(), []*rdf.Triple{
		rdf.NewTriple(ex("Student"), rdf.RDFSSubClassOf, ex("Person")),
		assertion,
	})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if _, err := s.Materialize(context.Background(), ProfileRDFS); err != nil {
		t.Fatalf("materialize: %v", err)
	}

	isPerson := askQuery(&ast.TriplePattern{
		Subject: tvTerm(ex("alice")), Predicate: tvTerm(rdf.RDFType), Object: tvTerm(ex("Person")),
	})
	res, err := s.Query(context.Background(), isPerson)
	if err != nil || !res.Bool {
		t.Fatalf("precondition: derivation missing: res=%v err=%v", res, err)
	}

	if _, err := s.Delete(context.Background(), []*rdf.Triple{assertion}); err != nil {
		t.Fatalf("delete: %v", err)
	}
	res, err = s.Query(context.Background(), isPerson)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if res.Bool {
		t.Errorf("derivation should be retracted once its only support is deleted")
	}
}

func TestConstructInstantiatesTemplate(t *testing.T) {
	s := openTestStore(t)
	_, err := s.Load(context.Background(), []*rdf.Triple{
		rdf.NewTriple(ex("a"), foaf("name"), rdf.NewLiteral("Alice")),
	})
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	q := &ast.Query{Type: ast.QueryTypeConstruct, Construct: &ast.ConstructQuery{
		Template: []*ast.TriplePattern{{
			Subject: tvVar("p"), Predicate: tvTerm(ex("label")), Object: tvVar("n"),
		}},
		Where: &ast.GraphPattern{Patterns: []*ast.TriplePattern{{
			Subject: tvVar("p"), Predicate: tvTerm(foaf("name")), Object: tvVar("n"),
		}}},
	}}
	res, err := s.Query(context.Background(), q)
	if err != nil {
		t.Fatalf("construct: %v", err)
	}
	if len(res.Triples) != 1 {
		t.Fatalf("expected 1 constructed triple, got %d", len(res.Triples))
	}
	want := rdf.NewTriple(ex("a"), ex("label"), rdf.NewLiteral("Alice"))
	if !res.Triples[0].Equals(want) {
		t.Errorf("constructed %v, want %v", res.Triples[0], want)
	}
	nt := res.SerializeTriples()
	if nt != "<http://example.org/a> <http://example.org/label> \"Alice\" .\n" {
		t.Errorf("unexpected canonical serialization: %q", nt)
	}
}

func TestConstructSkolemizesTemplateBlankNodes(t *testing.T) {
	s := openTestStore(t)
	_, err := s.Load(context.Background(), []*rdf.Triple{
		rdf.NewTriple(ex("a"), foaf("name"), rdf.NewLiteral("Alice")),
		rdf.NewTriple(ex("b"), foaf("name"), rdf.NewLiteral("Bob")),
	})
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	// CONSTRUCT { _:card <holder> ?p . _:card <label> ?n } WHERE { ?p <name> ?n }
	card := ast.TermOrVariable{Term: rdf.NewBlankNode("card")}
	q := &ast.Query{Type: ast.QueryTypeConstruct, Construct: &ast.ConstructQuery{
		Template: []*ast.TriplePattern{
			{Subject: card, Predicate: tvTerm(ex("holder")), Object: tvVar("p")},
			{Subject: card, Predicate: tvTerm(ex("label")), Object: tvVar("n")},
		},
		Where: &ast.GraphPattern{Patterns: []*ast.TriplePattern{{
			Subject: tvVar("p"), Predicate: tvTerm(foaf("name")), Object: tvVar("n"),
		}}},
	}}
	res, err := s.Query(context.Background(), q)
	if err != nil {
		t.Fatalf("construct: %v", err)
	}
	if len(res.Triples) != 4 {
		t.Fatalf("expected 4 constructed triples, got %d", len(res.Triples))
	}

	// Within one solution the label is shared; across solutions it is fresh.
	bySubject := map[string][]*rdf.Triple{}
	for _, tr := range res.Triples {
		bn, ok := tr.Subject.(*rdf.BlankNode)
		if !ok {
			t.Fatalf("template blank node should stay a blank node, got %v", tr.Subject)
		}
		if bn.ID == "card" {
			t.Fatalf("template blank node label must not leak into the result")
		}
		bySubject[bn.ID] = append(bySubject[bn.ID], tr)
	}
	if len(bySubject) != 2 {
		t.Errorf("each solution should mint its own blank node, got %d distinct", len(bySubject))
	}
	for id, group := range bySubject {
		if len(group) != 2 {
			t.Errorf("blank node %s should appear in both of its solution's triples, got %d", id, len(group))
		}
	}
}

func TestDescribeBoundedDescription(t *testing.T) {
	s := openTestStore(t)
	_, err := s.Load(context.Background(), []*rdf.Triple{
		rdf.NewTriple(ex("a"), foaf("name"), rdf.NewLiteral("Alice")),
		rdf.NewTriple(ex("b"), foaf("knows"), ex("a")),
		rdf.NewTriple(ex("b"), foaf("name"), rdf.NewLiteral("Bob")),
	})
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	q := &ast.Query{Type: ast.QueryTypeDescribe, Describe: &ast.DescribeQuery{
		Resources: []ast.TermOrVariable{tvTerm(ex("a"))},
	}}
	res, err := s.Query(context.Background(), q)
	if err != nil {
		t.Fatalf("describe: %v", err)
	}
	if len(res.Triples) != 2 {
		t.Errorf("description of a should include it as subject and object: got %d triples", len(res.Triples))
	}
}

func TestStatsAndHealth(t *testing.T) {
	s := openTestStore(t)
	_, err := s.Load(context.Background(), []*rdf.Triple{
		rdf.NewTriple(ex("a"), foaf("name"), rdf.NewLiteral("Alice")),
		rdf.NewTriple(ex("a"), foaf("age"), rdf.NewIntegerLiteral(30)),
	})
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	st, err := s.Stats()
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if st.TripleCount != 2 || st.DistinctPredicates != 2 {
		t.Errorf("unexpected stats: %+v", st)
	}

	report, err := s.Health()
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	if report.Status != "ok" {
		t.Errorf("fresh store should be healthy, got %s: %+v", report.Status, report.Checks)
	}
}

func TestExplainRendersPlan(t *testing.T) {
	s := openTestStore(t)
	_, err := s.Load(context.Background(), []*rdf.Triple{
		rdf.NewTriple(ex("a"), foaf("name"), rdf.NewLiteral("Alice")),
	})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	out, err := s.Explain(selectAll(&ast.TriplePattern{
		Subject: tvVar("s"), Predicate: tvTerm(foaf("name")), Object: tvVar("o"),
	}))
	if err != nil {
		t.Fatalf("explain: %v", err)
	}
	if !strings.Contains(out, "BGP") || !strings.Contains(out, "?s") {
		t.Errorf("explain output missing plan detail:\n%s", out)
	}
}

func TestBackupRestore(t *testing.T) {
	dir := t.TempDir()
	src, err := Open(filepath.Join(dir, "src"), Options{CreateIfMissing: true})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer src.Close()

	triples := []*rdf.Triple{
		rdf.NewTriple(ex("a"), foaf("name"), rdf.NewLiteral("Alice")),
		rdf.NewTriple(ex("b"), foaf("name"), rdf.NewLiteral("Bob")),
	}
	if _, err := src.Load(context.Background(), triples); err != nil {
		t.Fatalf("load: %v", err)
	}

	backupDir := filepath.Join(dir, "backup")
	meta, err := src.Backup(backupDir)
	if err != nil {
		t.Fatalf("backup: %v", err)
	}
	if meta.Counters.IRI == 0 {
		t.Errorf("backup metadata should carry counter state: %+v", meta)
	}
	if _, err := os.Stat(filepath.Join(backupDir, ".counter_state")); err != nil {
		t.Errorf("counter sidecar missing: %v", err)
	}

	restored, err := Restore(backupDir, filepath.Join(dir, "dst"), Options{})
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	defer restored.Close()

	exported, err := restored.Export(context.Background(), nil, nil, nil)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if len(exported) != 2 {
		t.Errorf("restored store should hold 2 triples, got %d", len(exported))
	}

	// New terms keep allocating without colliding with restored ones.
	if _, err := restored.Insert(context.Background(), []*rdf.Triple{
		rdf.NewTriple(ex("c"), foaf("name"), rdf.NewLiteral("Cara")),
	}); err != nil {
		t.Fatalf("insert after restore: %v", err)
	}
}

func TestClosedStoreRefusesOperations(t *testing.T) {
	s, err := Open("", Options{InMemory: true, CreateIfMissing: true})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := s.Stats(); err == nil {
		t.Errorf("operations on a closed store must fail")
	}
}

func TestLoadOptionsFromYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.yaml")
	content := "create_if_missing: true\nbatch_size: 500\nprofile: owl2rl\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	opts, err := LoadOptions(path)
	if err != nil {
		t.Fatalf("load options: %v", err)
	}
	if !opts.CreateIfMissing || opts.BatchSize != 500 || opts.Profile != ProfileOWL2RL {
		t.Errorf("unexpected options: %+v", opts)
	}

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(bad, []byte("profile: dl\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := LoadOptions(bad); err == nil {
		t.Errorf("unknown profile should be rejected")
	}
}

func TestEncodeDecodeTripleStream(t *testing.T) {
	s := openTestStore(t)
	in := []*rdf.Triple{
		rdf.NewTriple(ex("a"), foaf("name"), rdf.NewLiteralWithLanguage("Alice", "en")),
		rdf.NewTriple(rdf.NewBlankNode("b0"), foaf("age"), rdf.NewIntegerLiteral(7)),
	}
	encoded, err := s.EncodeTriples(NewSliceSource(in))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	out, err := s.DecodeTriples(encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out) != len(in) {
		t.Fatalf("length mismatch: %d vs %d", len(out), len(in))
	}
	for i := range in {
		if !out[i].Equals(in[i]) {
			t.Errorf("round trip mismatch at %d: %v vs %v", i, out[i], in[i])
		}
	}
}
