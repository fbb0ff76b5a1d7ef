package optimizer

import (
	"testing"

	"github.com/ontospan/triplestore/internal/algebra"
	"github.com/ontospan/triplestore/internal/dictionary"
	"github.com/ontospan/triplestore/internal/index"
	"github.com/ontospan/triplestore/internal/stats"
	"github.com/ontospan/triplestore/pkg/rdf"
	"github.com/ontospan/triplestore/pkg/sparql/ast"
)

// seededStats builds a statistics snapshot where rare appears once and
// common appears often, so selectivity ordering is unambiguous.
func seededStats(rare, common dictionary.TermId) *stats.Stats {
	st := stats.New()
	st.Observe(index.Triple{S: 1, P: rare, O: 2})
	for i := 0; i < 100; i++ {
		st.Observe(index.Triple{S: dictionary.TermId(10 + i), P: common, O: 3})
	}
	st.Refresh()
	return st
}

func boundPred(id dictionary.TermId) algebra.TermSlot {
	return algebra.TermSlot{Bound: true, Value: id}
}

func varSlot(s algebra.Slot) algebra.TermSlot { return algebra.TermSlot{Var: s} }

func TestBGPReorderPutsSelectiveFirst(t *testing.T) {
	rare, common := dictionary.TermId(100), dictionary.TermId(200)
	o, err := New(seededStats(rare, common), 0)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	plan := &algebra.Plan{
		Vars: algebra.NewVarTable(),
		Root: &algebra.BGP{Patterns: []algebra.TriplePatternNode{
			{Subject: varSlot(0), Predicate: boundPred(common), Object: varSlot(1)},
			{Subject: varSlot(0), Predicate: boundPred(rare), Object: varSlot(2)},
		}},
	}
	out := o.Optimize(plan)
	bgp, ok := out.Root.(*algebra.BGP)
	if !ok {
		t.Fatalf("root should stay a BGP, got %T", out.Root)
	}
	first, _ := bgp.Patterns[0].Predicate.Value.(dictionary.TermId)
	if first != rare {
		t.Errorf("most selective pattern should come first, got predicate %d", first)
	}
}

func TestLeapfrogChosenForConnectedTriangle(t *testing.T) {
	st := stats.New()
	st.Refresh()
	o, err := New(st, 0)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	p := dictionary.TermId(7)
	plan := &algebra.Plan{
		Vars: algebra.NewVarTable(),
		Root: &algebra.BGP{Patterns: []algebra.TriplePatternNode{
			{Subject: varSlot(0), Predicate: boundPred(p), Object: varSlot(1)},
			{Subject: varSlot(1), Predicate: boundPred(p), Object: varSlot(2)},
			{Subject: varSlot(2), Predicate: boundPred(p), Object: varSlot(0)},
		}},
	}
	out := o.Optimize(plan)
	bgp := out.Root.(*algebra.BGP)
	if bgp.Strategy != algebra.BGPLeapfrog {
		t.Errorf("connected 3-pattern BGP should use leapfrog, got %v", bgp.Strategy)
	}
	if len(bgp.VarOrder) != 3 {
		t.Errorf("leapfrog variable order should cover all 3 variables, got %v", bgp.VarOrder)
	}
}

func TestFilterConstantCollapse(t *testing.T) {
	st := stats.New()
	st.Refresh()
	o, err := New(st, 0)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	inner := &algebra.BGP{Patterns: []algebra.TriplePatternNode{
		{Subject: varSlot(0), Predicate: boundPred(1), Object: varSlot(1)},
	}}

	alwaysTrue := &algebra.Plan{Vars: algebra.NewVarTable(), Root: &algebra.Filter{
		Input: inner,
		Expr:  &algebra.ConstExpr{Value: rdf.NewBooleanLiteral(true)},
	}}
	if _, ok := o.Optimize(alwaysTrue).Root.(*algebra.BGP); !ok {
		t.Errorf("FILTER(true) should collapse to its input")
	}

	alwaysFalse := &algebra.Plan{Vars: algebra.NewVarTable(), Root: &algebra.Filter{
		Input: inner,
		Expr:  &algebra.ConstExpr{Value: rdf.NewBooleanLiteral(false)},
	}}
	if _, ok := o.Optimize(alwaysFalse).Root.(*algebra.Values); !ok {
		t.Errorf("FILTER(false) should prune to the empty relation")
	}
}

func TestFilterPushesPastJoin(t *testing.T) {
	st := stats.New()
	st.Refresh()
	o, err := New(st, 0)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	left := &algebra.BGP{Patterns: []algebra.TriplePatternNode{
		{Subject: varSlot(0), Predicate: boundPred(1), Object: varSlot(1)},
	}}
	right := &algebra.BGP{Patterns: []algebra.TriplePatternNode{
		{Subject: varSlot(0), Predicate: boundPred(2), Object: varSlot(2)},
	}}
	// The filter only references the left side's object variable.
	plan := &algebra.Plan{Vars: algebra.NewVarTable(), Root: &algebra.Filter{
		Input: &algebra.Join{Left: left, Right: right},
		Expr: &algebra.BinaryExpr{
			Op:    ast.OpEqual,
			Left:  &algebra.VarExpr{Slot: 1},
			Right: &algebra.VarExpr{Slot: 1},
		},
	}}
	out := o.Optimize(plan)
	join, ok := out.Root.(*algebra.Join)
	if !ok {
		t.Fatalf("expected Join at root after push-down, got %T", out.Root)
	}
	if _, ok := join.Left.(*algebra.Filter); !ok {
		t.Errorf("filter should have moved onto the join's left side, left is %T", join.Left)
	}
}

func TestPlanCacheServesRepeatedShape(t *testing.T) {
	st := stats.New()
	st.Refresh()
	o, err := New(st, 64)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	plan := &algebra.Plan{
		Vars: algebra.NewVarTable(),
		Root: &algebra.BGP{Patterns: []algebra.TriplePatternNode{
			{Subject: varSlot(0), Predicate: boundPred(5), Object: varSlot(1)},
		}},
	}
	first := o.Optimize(plan)
	second := o.Optimize(plan)
	if first != second {
		t.Errorf("structurally identical plan should hit the cache")
	}

	o.Invalidate()
	third := o.Optimize(plan)
	if third == first {
		t.Errorf("invalidation should force a fresh optimization")
	}
}
