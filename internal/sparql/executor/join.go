package executor

import (
	"github.com/ontospan/triplestore/internal/algebra"
	"github.com/ontospan/triplestore/internal/sparql/binding"
	"github.com/ontospan/triplestore/internal/sparql/evaluator"
)

func (e *Executor) buildJoin(j *algebra.Join) (RowIter, error) {
	strategy := j.Strategy
	if strategy == algebra.JoinAuto {
		strategy = algebra.JoinNestedLoop // unoptimized plan: still correct, just not cost-chosen
	}
	if strategy == algebra.JoinHash {
		return e.buildHashJoin(j)
	}
	return e.buildNestedLoopJoin(j)
}

// buildNestedLoopJoin streams Left and, for every row, rebuilds Right with
// that row's bindings pushed in as constants — the same push-down a BGP's
// own pattern chain uses, applied one level up for a Join whose Right is
// itself a compound subtree (e.g. a UNION or OPTIONAL branch).
func (e *Executor) buildNestedLoopJoin(j *algebra.Join) (RowIter, error) {
	left, err := e.Build(j.Left)
	if err != nil {
		return nil, err
	}
	return &nestedLoopIter{
		left: left,
		buildRight: func(leftRow binding.Binding) (RowIter, error) {
			return e.Build(substituteBound(j.Right, leftRow))
		},
	}, nil
}

// buildHashJoin materializes Right, buckets it by the variables shared
// with Left, then streams Left probing each bucket. Only sound when Left
// and Right actually share a variable; the
// optimizer never annotates JoinHash otherwise.
func (e *Executor) buildHashJoin(j *algebra.Join) (RowIter, error) {
	leftScope, rightScope := algebra.InScope(j.Left), algebra.InScope(j.Right)
	var shared []int
	for v := range leftScope {
		if rightScope[v] {
			shared = append(shared, int(v))
		}
	}
	if len(shared) == 0 {
		return e.buildNestedLoopJoin(j)
	}

	rightIter, err := e.Build(j.Right)
	if err != nil {
		return nil, err
	}
	buckets := map[binding.Key][]binding.Binding{}
	for rightIter.Next() {
		row := rightIter.Row().Clone()
		buckets[row.Key(shared)] = append(buckets[row.Key(shared)], row)
	}
	if err := rightIter.Err(); err != nil {
		rightIter.Close()
		return nil, err
	}
	if err := rightIter.Close(); err != nil {
		return nil, err
	}

	left, err := e.Build(j.Left)
	if err != nil {
		return nil, err
	}
	return &hashJoinIter{left: left, buckets: buckets, shared: shared}, nil
}

type hashJoinIter struct {
	left    RowIter
	buckets map[binding.Key][]binding.Binding
	shared  []int

	matches []binding.Binding
	idx     int
	current binding.Binding
}

func (h *hashJoinIter) Next() bool {
	for {
		if h.idx < len(h.matches) {
			h.current = h.left.Row().Merge(h.matches[h.idx])
			h.idx++
			return true
		}
		if !h.left.Next() {
			return false
		}
		key := h.left.Row().Key(h.shared)
		h.matches = h.buckets[key]
		h.idx = 0
	}
}

func (h *hashJoinIter) Row() binding.Binding { return h.current }
func (h *hashJoinIter) Err() error           { return h.left.Err() }
func (h *hashJoinIter) Close() error         { return h.left.Close() }

// buildLeftJoin implements OPTIONAL: every Left row survives, merged with
// a matching Right row when one exists (and satisfies Filter, if present),
// or alone with Right's variables left unbound otherwise.
func (e *Executor) buildLeftJoin(lj *algebra.LeftJoin) (RowIter, error) {
	left, err := e.Build(lj.Left)
	if err != nil {
		return nil, err
	}
	return &leftJoinIter{exec: e, left: left, lj: lj}, nil
}

type leftJoinIter struct {
	exec *Executor
	left RowIter
	lj   *algebra.LeftJoin

	leftRow    binding.Binding
	right      RowIter
	matched    bool
	emittedAny bool
	current    binding.Binding
	err        error
}

func (it *leftJoinIter) Next() bool {
	for {
		if it.right != nil {
			for it.right.Next() {
				if !it.leftRow.Compatible(it.right.Row()) {
					continue
				}
				candidate := it.leftRow.Merge(it.right.Row())
				if it.lj.Filter != nil {
					v, err := evaluator.Eval(it.exec.evalContext(), it.lj.Filter, candidate)
					if err != nil {
						continue
					}
					ok, err := evaluator.EBV(v)
					if err != nil || !ok {
						continue
					}
				}
				it.matched = true
				it.emittedAny = true
				it.current = candidate
				return true
			}
			if err := it.right.Err(); err != nil {
				it.err = err
				return false
			}
			it.right.Close()
			it.right = nil
			if !it.emittedAny {
				it.current = it.leftRow
				it.emittedAny = true
				return true
			}
		}
		if !it.left.Next() {
			if err := it.left.Err(); err != nil {
				it.err = err
			}
			return false
		}
		it.leftRow = it.left.Row()
		it.emittedAny = false
		right, err := it.exec.Build(substituteBound(it.lj.Right, it.leftRow))
		if err != nil {
			it.err = err
			return false
		}
		it.right = right
	}
}

func (it *leftJoinIter) Row() binding.Binding { return it.current }
func (it *leftJoinIter) Err() error           { return it.err }
func (it *leftJoinIter) Close() error {
	var firstErr error
	if it.right != nil {
		firstErr = it.right.Close()
	}
	if err := it.left.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// buildUnion concatenates Left's rows then Right's.
func (e *Executor) buildUnion(u *algebra.Union) (RowIter, error) {
	left, err := e.Build(u.Left)
	if err != nil {
		return nil, err
	}
	right, err := e.Build(u.Right)
	if err != nil {
		left.Close()
		return nil, err
	}
	return &unionIter{iters: []RowIter{left, right}}, nil
}

type unionIter struct {
	iters   []RowIter
	current int
}

func (u *unionIter) Next() bool {
	for u.current < len(u.iters) {
		if u.iters[u.current].Next() {
			return true
		}
		if err := u.iters[u.current].Err(); err != nil {
			return false
		}
		u.current++
	}
	return false
}

func (u *unionIter) Row() binding.Binding { return u.iters[u.current].Row() }
func (u *unionIter) Err() error {
	if u.current < len(u.iters) {
		return u.iters[u.current].Err()
	}
	return nil
}
func (u *unionIter) Close() error {
	var firstErr error
	for _, it := range u.iters {
		if err := it.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// buildMinus removes every Left row compatible with some Right row that
// shares at least one variable (SPARQL MINUS — a no-op when the two sides
// share no variable at all).
func (e *Executor) buildMinus(m *algebra.Minus) (RowIter, error) {
	left, err := e.Build(m.Left)
	if err != nil {
		return nil, err
	}
	leftScope, rightScope := algebra.InScope(m.Left), algebra.InScope(m.Right)
	var shared []int
	for v := range leftScope {
		if rightScope[v] {
			shared = append(shared, int(v))
		}
	}
	if len(shared) == 0 {
		return left, nil
	}

	right, err := e.Build(m.Right)
	if err != nil {
		left.Close()
		return nil, err
	}
	exclude := map[binding.Key]bool{}
	for right.Next() {
		exclude[right.Row().Key(shared)] = true
	}
	if err := right.Err(); err != nil {
		right.Close()
		left.Close()
		return nil, err
	}
	if err := right.Close(); err != nil {
		left.Close()
		return nil, err
	}
	return &minusIter{left: left, shared: shared, exclude: exclude}, nil
}

type minusIter struct {
	left    RowIter
	shared  []int
	exclude map[binding.Key]bool
	current binding.Binding
}

func (m *minusIter) Next() bool {
	for m.left.Next() {
		row := m.left.Row()
		if m.exclude[row.Key(m.shared)] {
			continue
		}
		m.current = row
		return true
	}
	return false
}

func (m *minusIter) Row() binding.Binding { return m.current }
func (m *minusIter) Err() error           { return m.left.Err() }
func (m *minusIter) Close() error         { return m.left.Close() }
