package executor

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/ontospan/triplestore/internal/algebra"
	"github.com/ontospan/triplestore/internal/dictionary"
	"github.com/ontospan/triplestore/internal/index"
	"github.com/ontospan/triplestore/internal/kv"
	"github.com/ontospan/triplestore/internal/sparql/evaluator"
	"github.com/ontospan/triplestore/pkg/rdf"
	"github.com/ontospan/triplestore/pkg/sparql/ast"
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
	return &fixture{
		engine:  engine,
		dict:    dict,
		ix:      index.New(engine),
		derived: index.NewDerived(engine),
	}
}

func (f *fixture) add(t *testing.T, s, p, o rdf.Term) {
	t.Helper()
	sid, err := f.dict.Encode(s)
	if err != nil {
		t.Fatalf("encode subject: %v", err)
	}
	pid, err := f.dict.Encode(p)
	if err != nil {
		t.Fatalf("encode predicate: %v", err)
	}
	oid, err := f.dict.Encode(o)
	if err != nil {
		t.Fatalf("encode object: %v", err)
	}
	if _, err := f.ix.Insert(index.Triple{S: sid, P: pid, O: oid}); err != nil {
		t.Fatalf("insert: %v", err)
	}
}

// run compiles and executes q's WHERE tree, returning each solution as a
// variable-name to term map.
func (f *fixture) run(t *testing.T, q *ast.Query) []map[string]rdf.Term {
	t.Helper()
	compiler := algebra.NewCompiler(f.dict)
	plan, err := compiler.Compile(q)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}

	snap := f.engine.Snapshot()
	defer snap.Close()
	store := &Store{Snap: snap, Idx: f.ix, Derived: f.derived}
	exec := New(context.Background(), store, f.dict, plan.Vars, evaluator.Context{Now: time.Now()})

	it, err := exec.Build(plan.Root)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	defer it.Close()

	var out []map[string]rdf.Term
	for it.Next() {
		row := it.Row()
		decoded := map[string]rdf.Term{}
		for i := 0; i < plan.Vars.Width(); i++ {
			id, ok := row.Get(i)
			if !ok {
				continue
			}
			term, err := f.dict.Decode(id)
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			decoded[plan.Vars.Name(algebra.Slot(i))] = term
		}
		out = append(out, decoded)
	}
	if err := it.Err(); err != nil {
		t.Fatalf("iterate: %v", err)
	}
	return out
}

func iri(s string) *rdf.NamedNode { return rdf.NewNamedNode("http://example.org/" + s) }

func tvVar(name string) ast.TermOrVariable {
	return ast.TermOrVariable{Variable: &ast.Variable{Name: name}}
}

func tvTerm(term rdf.Term) ast.TermOrVariable { return ast.TermOrVariable{Term: term} }

func selectQuery(where *ast.GraphPattern) *ast.Query {
	return &ast.Query{Type: ast.QueryTypeSelect, Select: &ast.SelectQuery{Where: where}}
}

func TestBGPJoinSharedVariable(t *testing.T) {
	f := newFixture(t)
	name := iri("name")
	age := iri("age")
	f.add(t, iri("alice"), name, rdf.NewLiteral("Alice"))
	f.add(t, iri("alice"), age, rdf.NewIntegerLiteral(30))
	f.add(t, iri("bob"), name, rdf.NewLiteral("Bob"))

	q := selectQuery(&ast.GraphPattern{Patterns: []*ast.TriplePattern{
		{Subject: tvVar("p"), Predicate: tvTerm(name), Object: tvVar("n")},
		{Subject: tvVar("p"), Predicate: tvTerm(age), Object: tvVar("a")},
	}})
	rows := f.run(t, q)
	if len(rows) != 1 {
		t.Fatalf("expected 1 row, got %d", len(rows))
	}
	if got := rows[0]["n"].(*rdf.Literal).Value; got != "Alice" {
		t.Errorf("wrong name: %s", got)
	}
}

func TestEmptyBGPYieldsOneEmptyBinding(t *testing.T) {
	f := newFixture(t)
	rows := f.run(t, selectQuery(&ast.GraphPattern{}))
	if len(rows) != 1 {
		t.Fatalf("empty BGP should yield exactly one binding, got %d", len(rows))
	}
	if len(rows[0]) != 0 {
		t.Errorf("binding should be empty, got %v", rows[0])
	}
}

func TestOptionalWithBoundFilter(t *testing.T) {
	f := newFixture(t)
	name := iri("name")
	age := iri("age")
	f.add(t, iri("alice"), name, rdf.NewLiteral("Alice"))
	f.add(t, iri("alice"), age, rdf.NewIntegerLiteral(30))
	f.add(t, iri("bob"), name, rdf.NewLiteral("Bob"))

	// SELECT ?n ?a { ?p <name> ?n OPTIONAL { ?p <age> ?a }
	//                FILTER(!BOUND(?a) || ?a >= 18) }
	where := &ast.GraphPattern{
		Type: ast.GraphPatternTypeOptional,
		Patterns: []*ast.TriplePattern{
			{Subject: tvVar("p"), Predicate: tvTerm(name), Object: tvVar("n")},
		},
		Children: []*ast.GraphPattern{{
			Patterns: []*ast.TriplePattern{
				{Subject: tvVar("p"), Predicate: tvTerm(age), Object: tvVar("a")},
			},
		}},
	}
	filter := &ast.BinaryExpression{
		Operator: ast.OpOr,
		Left: &ast.UnaryExpression{
			Operator: ast.OpNot,
			Operand:  &ast.FunctionCallExpression{Function: "bound", Arguments: []ast.Expression{&ast.VariableExpression{Variable: &ast.Variable{Name: "a"}}}},
		},
		Right: &ast.BinaryExpression{
			Operator: ast.OpGreaterThanOrEqual,
			Left:     &ast.VariableExpression{Variable: &ast.Variable{Name: "a"}},
			Right:    &ast.LiteralExpression{Term: rdf.NewIntegerLiteral(18)},
		},
	}
	outer := &ast.GraphPattern{Children: []*ast.GraphPattern{where}, Filters: []*ast.Filter{{Expression: filter}}}

	rows := f.run(t, selectQuery(outer))
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows (Alice with age, Bob without), got %d: %v", len(rows), rows)
	}
	byName := map[string]map[string]rdf.Term{}
	for _, row := range rows {
		byName[row["n"].(*rdf.Literal).Value] = row
	}
	if _, bound := byName["Alice"]["a"]; !bound {
		t.Errorf("Alice's age should be bound")
	}
	if _, bound := byName["Bob"]["a"]; bound {
		t.Errorf("Bob's age should be unbound")
	}
}

func TestUnionConcatenates(t *testing.T) {
	f := newFixture(t)
	p1, p2 := iri("p1"), iri("p2")
	f.add(t, iri("a"), p1, rdf.NewLiteral("x"))
	f.add(t, iri("b"), p2, rdf.NewLiteral("y"))

	where := &ast.GraphPattern{
		Type: ast.GraphPatternTypeUnion,
		Children: []*ast.GraphPattern{
			{Patterns: []*ast.TriplePattern{{Subject: tvVar("s"), Predicate: tvTerm(p1), Object: tvVar("o")}}},
			{Patterns: []*ast.TriplePattern{{Subject: tvVar("s"), Predicate: tvTerm(p2), Object: tvVar("o")}}},
		},
	}
	rows := f.run(t, selectQuery(where))
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(rows))
	}
}

func TestMinusRemovesCompatible(t *testing.T) {
	f := newFixture(t)
	knows, dislikes := iri("knows"), iri("dislikes")
	f.add(t, iri("a"), knows, iri("b"))
	f.add(t, iri("a"), knows, iri("c"))
	f.add(t, iri("a"), dislikes, iri("c"))

	where := &ast.GraphPattern{
		Type: ast.GraphPatternTypeMinus,
		Patterns: []*ast.TriplePattern{
			{Subject: tvVar("s"), Predicate: tvTerm(knows), Object: tvVar("o")},
		},
		Children: []*ast.GraphPattern{{
			Patterns: []*ast.TriplePattern{
				{Subject: tvVar("s"), Predicate: tvTerm(dislikes), Object: tvVar("o")},
			},
		}},
	}
	rows := f.run(t, selectQuery(where))
	if len(rows) != 1 {
		t.Fatalf("expected 1 row, got %d", len(rows))
	}
	if rows[0]["o"].(*rdf.NamedNode).IRI != iri("b").IRI {
		t.Errorf("expected only b to survive, got %v", rows[0]["o"])
	}
}

func TestGroupAggregates(t *testing.T) {
	f := newFixture(t)
	dept, salary := iri("dept"), iri("salary")
	f.add(t, iri("e1"), dept, rdf.NewLiteral("eng"))
	f.add(t, iri("e1"), salary, rdf.NewIntegerLiteral(100))
	f.add(t, iri("e2"), dept, rdf.NewLiteral("eng"))
	f.add(t, iri("e2"), salary, rdf.NewIntegerLiteral(200))
	f.add(t, iri("e3"), dept, rdf.NewLiteral("ops"))
	f.add(t, iri("e3"), salary, rdf.NewIntegerLiteral(80))

	where := &ast.GraphPattern{Patterns: []*ast.TriplePattern{
		{Subject: tvVar("e"), Predicate: tvTerm(dept), Object: tvVar("d")},
		{Subject: tvVar("e"), Predicate: tvTerm(salary), Object: tvVar("s")},
	}}
	q := &ast.Query{Type: ast.QueryTypeSelect, Select: &ast.SelectQuery{
		Where:   where,
		GroupBy: []ast.Expression{&ast.VariableExpression{Variable: &ast.Variable{Name: "d"}}},
		Projections: []*ast.ProjectedVar{
			{Variable: &ast.Variable{Name: "d"}},
			{Variable: &ast.Variable{Name: "total"}, Expr: &ast.AggregateExpression{
				Function: "sum",
				Operand:  &ast.VariableExpression{Variable: &ast.Variable{Name: "s"}},
			}},
			{Variable: &ast.Variable{Name: "n"}, Expr: &ast.AggregateExpression{
				Function: "count", Wildcard: true,
			}},
		},
	}}
	rows := f.run(t, q)
	if len(rows) != 2 {
		t.Fatalf("expected 2 groups, got %d", len(rows))
	}
	totals := map[string]string{}
	counts := map[string]string{}
	for _, row := range rows {
		d := row["d"].(*rdf.Literal).Value
		totals[d] = row["total"].(*rdf.Literal).Value
		counts[d] = row["n"].(*rdf.Literal).Value
	}
	if totals["eng"] != "300" || totals["ops"] != "80" {
		t.Errorf("wrong sums: %v", totals)
	}
	if counts["eng"] != "2" || counts["ops"] != "1" {
		t.Errorf("wrong counts: %v", counts)
	}
}

func TestImplicitGroupOnEmptyInput(t *testing.T) {
	f := newFixture(t)
	where := &ast.GraphPattern{Patterns: []*ast.TriplePattern{
		{Subject: tvVar("s"), Predicate: tvTerm(iri("absent")), Object: tvVar("o")},
	}}
	q := &ast.Query{Type: ast.QueryTypeSelect, Select: &ast.SelectQuery{
		Where: where,
		Projections: []*ast.ProjectedVar{
			{Variable: &ast.Variable{Name: "n"}, Expr: &ast.AggregateExpression{Function: "count", Wildcard: true}},
		},
	}}
	rows := f.run(t, q)
	if len(rows) != 1 {
		t.Fatalf("implicit grouping must emit exactly one row, got %d", len(rows))
	}
	if rows[0]["n"].(*rdf.Literal).Value != "0" {
		t.Errorf("COUNT(*) over empty input should be 0, got %v", rows[0]["n"])
	}
}

func TestOrderByLimitOffset(t *testing.T) {
	f := newFixture(t)
	val := iri("val")
	for i, n := range []int64{30, 10, 20, 40} {
		f.add(t, iri(string(rune('a'+i))), val, rdf.NewIntegerLiteral(n))
	}
	limit := int64(2)
	offset := int64(1)
	q := &ast.Query{Type: ast.QueryTypeSelect, Select: &ast.SelectQuery{
		Where: &ast.GraphPattern{Patterns: []*ast.TriplePattern{
			{Subject: tvVar("s"), Predicate: tvTerm(val), Object: tvVar("v")},
		}},
		OrderBy: []*ast.OrderCondition{{
			Expression: &ast.VariableExpression{Variable: &ast.Variable{Name: "v"}},
			Ascending:  true,
		}},
		Limit:  &limit,
		Offset: &offset,
	}}
	rows := f.run(t, q)
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(rows))
	}
	got := []string{
		rows[0]["v"].(*rdf.Literal).Value,
		rows[1]["v"].(*rdf.Literal).Value,
	}
	if got[0] != "20" || got[1] != "30" {
		t.Errorf("expected [20 30], got %v", got)
	}
}

func TestDistinct(t *testing.T) {
	f := newFixture(t)
	p := iri("p")
	f.add(t, iri("a"), p, rdf.NewLiteral("x"))
	f.add(t, iri("b"), p, rdf.NewLiteral("x"))
	q := &ast.Query{Type: ast.QueryTypeSelect, Select: &ast.SelectQuery{
		Distinct: true,
		Where: &ast.GraphPattern{Patterns: []*ast.TriplePattern{
			{Subject: tvVar("s"), Predicate: tvTerm(p), Object: tvVar("o")},
		}},
		Projections: []*ast.ProjectedVar{{Variable: &ast.Variable{Name: "o"}}},
	}}
	rows := f.run(t, q)
	if len(rows) != 1 {
		t.Fatalf("expected 1 distinct row, got %d", len(rows))
	}
}

func TestValuesJoin(t *testing.T) {
	f := newFixture(t)
	p := iri("p")
	f.add(t, iri("a"), p, rdf.NewLiteral("x"))
	f.add(t, iri("b"), p, rdf.NewLiteral("y"))

	where := &ast.GraphPattern{
		Patterns: []*ast.TriplePattern{
			{Subject: tvVar("s"), Predicate: tvTerm(p), Object: tvVar("o")},
		},
		Values: &ast.ValuesBlock{
			Variables: []*ast.Variable{{Name: "s"}},
			Rows:      [][]rdf.Term{{iri("a")}},
		},
	}
	rows := f.run(t, selectQuery(where))
	if len(rows) != 1 {
		t.Fatalf("expected 1 row after VALUES restriction, got %d", len(rows))
	}
	if rows[0]["o"].(*rdf.Literal).Value != "x" {
		t.Errorf("wrong row survived: %v", rows[0])
	}
}

func TestPathOneOrMoreAndZeroOrMore(t *testing.T) {
	f := newFixture(t)
	next := iri("next")
	for i := 1; i < 5; i++ {
		f.add(t, iri("n"+string(rune('0'+i))), next, iri("n"+string(rune('1'+i))))
	}

	runPath := func(path ast.Path) []string {
		where := &ast.GraphPattern{Paths: []*ast.PathPattern{{
			Subject: tvTerm(iri("n1")),
			Path:    path,
			Object:  tvVar("x"),
		}}}
		rows := f.run(t, selectQuery(where))
		var names []string
		for _, row := range rows {
			names = append(names, row["x"].(*rdf.NamedNode).IRI)
		}
		sort.Strings(names)
		return names
	}

	plus := runPath(&ast.PathOneOrMore{Path: &ast.PathLink{IRI: next}})
	if len(plus) != 4 {
		t.Fatalf("next+ from n1 should reach 4 nodes, got %v", plus)
	}
	star := runPath(&ast.PathZeroOrMore{Path: &ast.PathLink{IRI: next}})
	if len(star) != 5 {
		t.Fatalf("next* from n1 should reach 5 nodes (incl. n1), got %v", star)
	}
}

func TestPathBothEndpointsBound(t *testing.T) {
	f := newFixture(t)
	next := iri("next")
	for i := 1; i < 5; i++ {
		f.add(t, iri("n"+string(rune('0'+i))), next, iri("n"+string(rune('1'+i))))
	}

	ask := func(subj, obj rdf.Term, path ast.Path) bool {
		t.Helper()
		where := &ast.GraphPattern{Paths: []*ast.PathPattern{{
			Subject: tvTerm(subj),
			Path:    path,
			Object:  tvTerm(obj),
		}}}
		return len(f.run(t, selectQuery(where))) > 0
	}

	plus := &ast.PathOneOrMore{Path: &ast.PathLink{IRI: next}}
	star := &ast.PathZeroOrMore{Path: &ast.PathLink{IRI: next}}
	if !ask(iri("n1"), iri("n4"), plus) {
		t.Errorf("n1 next+ n4 should hold")
	}
	if ask(iri("n4"), iri("n1"), plus) {
		t.Errorf("n4 next+ n1 should not hold against the edge direction")
	}
	if ask(iri("n1"), iri("n1"), plus) {
		t.Errorf("n1 next+ n1 needs a cycle, none exists")
	}
	if !ask(iri("n1"), iri("n1"), star) {
		t.Errorf("n1 next* n1 holds by the zero-length match")
	}
}

func TestPathTerminatesOnCycle(t *testing.T) {
	f := newFixture(t)
	next := iri("next")
	f.add(t, iri("a"), next, iri("b"))
	f.add(t, iri("b"), next, iri("c"))
	f.add(t, iri("c"), next, iri("a"))

	where := &ast.GraphPattern{Paths: []*ast.PathPattern{{
		Subject: tvTerm(iri("a")),
		Path:    &ast.PathOneOrMore{Path: &ast.PathLink{IRI: next}},
		Object:  tvVar("x"),
	}}}
	rows := f.run(t, selectQuery(where))
	if len(rows) != 3 {
		t.Fatalf("cycle closure should visit each node once, got %d rows", len(rows))
	}
}

func TestRepeatedVariableInPattern(t *testing.T) {
	f := newFixture(t)
	p := iri("p")
	f.add(t, iri("a"), p, iri("a"))
	f.add(t, iri("a"), p, iri("b"))

	where := &ast.GraphPattern{Patterns: []*ast.TriplePattern{
		{Subject: tvVar("x"), Predicate: tvTerm(p), Object: tvVar("x")},
	}}
	rows := f.run(t, selectQuery(where))
	if len(rows) != 1 {
		t.Fatalf("only the self-loop should match ?x p ?x, got %d rows", len(rows))
	}
}

func TestExtendBind(t *testing.T) {
	f := newFixture(t)
	val := iri("val")
	f.add(t, iri("a"), val, rdf.NewIntegerLiteral(21))

	where := &ast.GraphPattern{
		Patterns: []*ast.TriplePattern{
			{Subject: tvVar("s"), Predicate: tvTerm(val), Object: tvVar("v")},
		},
		Binds: []*ast.Bind{{
			Variable: &ast.Variable{Name: "double"},
			Expression: &ast.BinaryExpression{
				Operator: ast.OpMultiply,
				Left:     &ast.VariableExpression{Variable: &ast.Variable{Name: "v"}},
				Right:    &ast.LiteralExpression{Term: rdf.NewIntegerLiteral(2)},
			},
		}},
	}
	rows := f.run(t, selectQuery(where))
	if len(rows) != 1 {
		t.Fatalf("expected 1 row, got %d", len(rows))
	}
	if rows[0]["double"].(*rdf.Literal).Value != "42" {
		t.Errorf("BIND result wrong: %v", rows[0]["double"])
	}
}
