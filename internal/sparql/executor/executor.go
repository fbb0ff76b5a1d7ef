// Package executor runs a compiled, optimized algebra.Plan against a
// point-in-time kv.Snapshot using the Volcano iterator model: every
// algebra node becomes a RowIter with a pull-based Next/Row/Close
// contract: one iterator type per operator, join iterators driving a
// right-hand builder per left row. Bindings are slot arrays indexed by
// the plan's variable table rather than string-keyed maps.
package executor

import (
	"context"

	"github.com/ontospan/triplestore/internal/algebra"
	"github.com/ontospan/triplestore/internal/dictionary"
	"github.com/ontospan/triplestore/internal/errs"
	"github.com/ontospan/triplestore/internal/index"
	"github.com/ontospan/triplestore/internal/kv"
	"github.com/ontospan/triplestore/internal/sparql/binding"
	"github.com/ontospan/triplestore/internal/sparql/evaluator"
)

// Resource guards: a query that would
// exceed any of these fails with KindResourceExceeded rather than
// consuming unbounded memory or time.
const (
	MaxDistinctRows  = 100_000
	MaxOrderByRows   = 1_000_000
	MaxPathDepth     = 1_000
	MaxPathFrontier  = 100_000
	MaxPathVisited   = 1_000_000
	MaxPathResults   = 1_000_000
)

// RowIter is the pull-based row stream every plan node compiles to.
type RowIter interface {
	// Next advances to the next row, returning false at end of stream or
	// on error (distinguished by a subsequent Err() call).
	Next() bool
	Row() binding.Binding
	Err() error
	Close() error
}

// Store is the read-only view an Executor runs a plan against: the
// asserted index plus the reasoner's derived keyspace, both resolved over
// the same point-in-time snapshot so a query never observes a commit that
// lands mid-execution.
type Store struct {
	Snap    *kv.Snapshot
	Idx     *index.Index
	Derived *index.Derived
}

// Scan returns every triple matching pattern, asserted facts first, then
// derived facts. internal/reasoner never writes a derived triple that is
// already asserted (its semi-naive fixpoint checks index.Exists before
// inserting into the derived keyspace), so the two streams are disjoint
// and need no de-duplication here.
func (s *Store) Scan(pattern index.Pattern) (TripleIter, error) {
	assertedIt, err := s.Idx.Scan(s.Snap, pattern)
	if err != nil {
		return nil, err
	}
	derivedIt, err := s.Derived.Scan(s.Snap, pattern)
	if err != nil {
		assertedIt.Close()
		return nil, err
	}
	return &chainedTripleIter{iters: []*scanSource{
		{next: assertedIt.Next, triple: assertedIt.Triple, close: assertedIt.Close},
		{next: derivedIt.Next, triple: derivedIt.Triple, close: derivedIt.Close},
	}}, nil
}

// Exists reports whether t holds as either an asserted or a derived fact.
func (s *Store) Exists(t index.Triple) (bool, error) {
	ok, err := s.Idx.Exists(t)
	if err != nil || ok {
		return ok, err
	}
	return s.Derived.Exists(t)
}

// TripleIter is the raw (undecoded) triple stream a pattern scan yields.
type TripleIter interface {
	Next() bool
	Triple() index.Triple
	Close() error
}

type scanSource struct {
	next   func() bool
	triple func() index.Triple
	close  func() error
}

type chainedTripleIter struct {
	iters   []*scanSource
	current int
}

func (c *chainedTripleIter) Next() bool {
	for c.current < len(c.iters) {
		if c.iters[c.current].next() {
			return true
		}
		c.current++
	}
	return false
}

func (c *chainedTripleIter) Triple() index.Triple { return c.iters[c.current].triple() }

func (c *chainedTripleIter) Close() error {
	var first error
	for _, s := range c.iters {
		if err := s.close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Executor builds and drives RowIter trees for a single query against a
// fixed Store, variable table, and dictionary.
type Executor struct {
	ctx   context.Context
	store *Store
	dict  *dictionary.Dictionary
	vars  *algebra.VarTable
	now   evaluator.Context
}

// New builds an Executor bound to ctx's deadline/cancellation (checked
// at every operator's Next boundary) and plan's variable table.
func New(ctx context.Context, store *Store, dict *dictionary.Dictionary, vars *algebra.VarTable, evalCtx evaluator.Context) *Executor {
	evalCtx.Dict = dict
	return &Executor{ctx: ctx, store: store, dict: dict, vars: vars, now: evalCtx}
}

func (e *Executor) checkDeadline() error {
	select {
	case <-e.ctx.Done():
		return errs.Timeout("query execution deadline exceeded")
	default:
		return nil
	}
}

func (e *Executor) evalContext() *evaluator.Context {
	ctx := e.now
	ctx.Exists = e.existsSubquery
	return &ctx
}

// existsSubquery runs pattern as an ASK-shaped check for EXISTS/NOT
// EXISTS, with the outer row's bindings substituted in as constants.
func (e *Executor) existsSubquery(pattern algebra.Node, outer binding.Binding) (bool, error) {
	it, err := e.Build(substituteBound(pattern, outer))
	if err != nil {
		return false, err
	}
	defer it.Close()
	found := it.Next()
	if err := it.Err(); err != nil {
		return false, err
	}
	return found, nil
}

// Build compiles n into a RowIter tree.
func (e *Executor) Build(n algebra.Node) (RowIter, error) {
	if err := e.checkDeadline(); err != nil {
		return nil, err
	}
	switch t := n.(type) {
	case *algebra.BGP:
		return e.buildBGP(t)
	case *algebra.Path:
		return e.buildPath(t, binding.New(e.vars.Width()))
	case *algebra.Join:
		return e.buildJoin(t)
	case *algebra.LeftJoin:
		return e.buildLeftJoin(t)
	case *algebra.Union:
		return e.buildUnion(t)
	case *algebra.Minus:
		return e.buildMinus(t)
	case *algebra.Filter:
		return e.buildFilter(t)
	case *algebra.Extend:
		return e.buildExtend(t)
	case *algebra.Project:
		return e.buildProject(t)
	case *algebra.Distinct:
		return e.buildDistinct(t.Input)
	case *algebra.Reduced:
		return e.buildDistinct(t.Input)
	case *algebra.OrderBy:
		return e.buildOrderBy(t)
	case *algebra.Slice:
		return e.buildSlice(t)
	case *algebra.Group:
		return e.buildGroup(t)
	case *algebra.Values:
		return e.buildValues(t)
	default:
		return nil, errs.New(errs.KindInvalidSparql, "unrecognized plan node")
	}
}

// sliceOfSlots converts []algebra.Slot to []int for binding package calls.
func sliceOfSlots(slots []algebra.Slot) []int {
	out := make([]int, len(slots))
	for i, s := range slots {
		out[i] = int(s)
	}
	return out
}

// errIter is a RowIter that immediately fails with err.
type errIter struct{ err error }

func (e *errIter) Next() bool      { return false }
func (e *errIter) Row() binding.Binding { return binding.Binding{} }
func (e *errIter) Err() error      { return e.err }
func (e *errIter) Close() error    { return nil }

// sliceRowIter replays a pre-materialized row set (used by operators that
// must see the whole input before producing output: OrderBy, Group,
// Distinct's cap check, property-path results, VALUES).
type sliceRowIter struct {
	rows []binding.Binding
	pos  int
}

func (s *sliceRowIter) Next() bool {
	if s.pos >= len(s.rows) {
		return false
	}
	s.pos++
	return true
}
func (s *sliceRowIter) Row() binding.Binding { return s.rows[s.pos-1] }
func (s *sliceRowIter) Err() error           { return nil }
func (s *sliceRowIter) Close() error         { return nil }

// drain reads every row from it into memory, subject to cap (0 = unbounded).
func drain(it RowIter, cap int, category string) ([]binding.Binding, error) {
	var out []binding.Binding
	for it.Next() {
		if cap > 0 && len(out) >= cap {
			it.Close()
			return nil, errs.ResourceExceeded(category, cap)
		}
		out = append(out, it.Row().Clone())
	}
	err := it.Err()
	closeErr := it.Close()
	if err != nil {
		return nil, err
	}
	if closeErr != nil {
		return nil, closeErr
	}
	return out, nil
}

// substituteBound rewrites n so every in-scope variable already bound in
// outer becomes a constant, used to push EXISTS{}'s enclosing bindings
// into the inner pattern before evaluating it as a standalone ASK.
func substituteBound(n algebra.Node, outer binding.Binding) algebra.Node {
	switch t := n.(type) {
	case *algebra.BGP:
		patterns := make([]algebra.TriplePatternNode, len(t.Patterns))
		for i, p := range t.Patterns {
			patterns[i] = algebra.TriplePatternNode{
				Subject:   substituteTerm(p.Subject, outer),
				Predicate: substituteTerm(p.Predicate, outer),
				Object:    substituteTerm(p.Object, outer),
			}
		}
		return &algebra.BGP{Patterns: patterns, Strategy: t.Strategy, VarOrder: t.VarOrder}
	case *algebra.Path:
		return &algebra.Path{
			Subject: substituteTerm(t.Subject, outer),
			Object:  substituteTerm(t.Object, outer),
			Expr:    t.Expr,
		}
	case *algebra.Join:
		return &algebra.Join{Left: substituteBound(t.Left, outer), Right: substituteBound(t.Right, outer), Strategy: t.Strategy}
	case *algebra.Union:
		return &algebra.Union{Left: substituteBound(t.Left, outer), Right: substituteBound(t.Right, outer)}
	case *algebra.Filter:
		return &algebra.Filter{Input: substituteBound(t.Input, outer), Expr: t.Expr}
	case *algebra.Extend:
		return &algebra.Extend{Input: substituteBound(t.Input, outer), Slot: t.Slot, Expr: t.Expr}
	default:
		// Compound shapes left unsubstituted still evaluate correctly: the
		// nested-loop driver checks join compatibility and merges the
		// outer row back in.
		return n
	}
}

func substituteTerm(ts algebra.TermSlot, outer binding.Binding) algebra.TermSlot {
	if ts.Bound {
		return ts
	}
	if v, ok := outer.Get(int(ts.Var)); ok {
		return algebra.TermSlot{Bound: true, Value: v}
	}
	return ts
}
