package executor

import (
	"sort"

	"github.com/ontospan/triplestore/internal/algebra"
	"github.com/ontospan/triplestore/internal/dictionary"
	"github.com/ontospan/triplestore/internal/errs"
	"github.com/ontospan/triplestore/internal/sparql/binding"
	"github.com/ontospan/triplestore/internal/sparql/evaluator"
	"github.com/ontospan/triplestore/pkg/rdf"
)

// buildFilter drops every row whose Expr does not evaluate to EBV true;
// an error or unbound result also drops the row, per three-valued FILTER
// semantics.
func (e *Executor) buildFilter(f *algebra.Filter) (RowIter, error) {
	input, err := e.Build(f.Input)
	if err != nil {
		return nil, err
	}
	return &filterIter{exec: e, input: input, expr: f.Expr}, nil
}

type filterIter struct {
	exec    *Executor
	input   RowIter
	expr    algebra.Expr
	current binding.Binding
}

func (it *filterIter) Next() bool {
	for it.input.Next() {
		row := it.input.Row()
		v, err := evaluator.Eval(it.exec.evalContext(), it.expr, row)
		if err != nil {
			continue
		}
		ok, err := evaluator.EBV(v)
		if err != nil || !ok {
			continue
		}
		it.current = row
		return true
	}
	return false
}

func (it *filterIter) Row() binding.Binding { return it.current }
func (it *filterIter) Err() error           { return it.input.Err() }
func (it *filterIter) Close() error         { return it.input.Close() }

// buildExtend is BIND: evaluates Expr per row and sets Slot, leaving it
// unbound (never failing the query) if evaluation errors, per SPARQL
// 1.1's BIND error handling.
func (e *Executor) buildExtend(ext *algebra.Extend) (RowIter, error) {
	input, err := e.Build(ext.Input)
	if err != nil {
		return nil, err
	}
	return &extendIter{exec: e, input: input, ext: ext}, nil
}

type extendIter struct {
	exec    *Executor
	input   RowIter
	ext     *algebra.Extend
	current binding.Binding
}

func (it *extendIter) Next() bool {
	if !it.input.Next() {
		return false
	}
	row := it.input.Row()
	v, err := evaluator.Eval(it.exec.evalContext(), it.ext.Expr, row)
	if err == nil && v != nil {
		id, encErr := it.exec.dict.Encode(v)
		if encErr == nil {
			row = row.With(int(it.ext.Slot), id)
		}
	}
	it.current = row
	return true
}

func (it *extendIter) Row() binding.Binding { return it.current }
func (it *extendIter) Err() error           { return it.input.Err() }
func (it *extendIter) Close() error         { return it.input.Close() }

// buildProject restricts each row to Slots, in order (the executor keeps
// the slot-array representation throughout; Names is consulted only when
// shaping final SELECT results, not during execution).
func (e *Executor) buildProject(p *algebra.Project) (RowIter, error) {
	input, err := e.Build(p.Input)
	if err != nil {
		return nil, err
	}
	return &projectIter{input: input, slots: sliceOfSlots(p.Slots)}, nil
}

type projectIter struct {
	input   RowIter
	slots   []int
	current binding.Binding
}

func (it *projectIter) Next() bool {
	if !it.input.Next() {
		return false
	}
	it.current = it.input.Row().Project(it.slots)
	return true
}

func (it *projectIter) Row() binding.Binding { return it.current }
func (it *projectIter) Err() error           { return it.input.Err() }
func (it *projectIter) Close() error         { return it.input.Close() }

// buildDistinct materializes Input (capped at MaxDistinctRows) and
// replays only the first occurrence of each distinct row.
func (e *Executor) buildDistinct(input algebra.Node) (RowIter, error) {
	it, err := e.Build(input)
	if err != nil {
		return nil, err
	}
	rows, err := drain(it, MaxDistinctRows, "distinct rows")
	if err != nil {
		return nil, err
	}
	seen := map[binding.Key]bool{}
	var out []binding.Binding
	for _, row := range rows {
		width := row.Width()
		keys := make([]int, width)
		for i := range keys {
			keys[i] = i
		}
		k := row.Key(keys)
		if !seen[k] {
			seen[k] = true
			out = append(out, row)
		}
	}
	return &sliceRowIter{rows: out}, nil
}

// buildOrderBy materializes Input (capped at MaxOrderByRows) and performs
// a stable multi-key sort using the evaluator's term comparison; rows
// where a sort key errors or is unbound sort last for that key, matching
// SPARQL 1.1 §15.1's "error ordered after all other values" convention.
func (e *Executor) buildOrderBy(ob *algebra.OrderBy) (RowIter, error) {
	it, err := e.Build(ob.Input)
	if err != nil {
		return nil, err
	}
	rows, err := drain(it, MaxOrderByRows, "order by rows")
	if err != nil {
		return nil, err
	}
	ctx := e.evalContext()
	sort.SliceStable(rows, func(i, j int) bool {
		for _, cond := range ob.Conditions {
			vi, erri := evaluator.Eval(ctx, cond.Expr, rows[i])
			vj, errj := evaluator.Eval(ctx, cond.Expr, rows[j])
			cmp, tied := compareOrderValues(vi, erri, vj, errj)
			if tied {
				continue
			}
			// DESC reverses only the order of two valid values; an
			// erroring or unbound key stays last either way.
			if !cond.Ascending && erri == nil && vi != nil && errj == nil && vj != nil {
				cmp = -cmp
			}
			return cmp < 0
		}
		return false
	})
	return &sliceRowIter{rows: rows}, nil
}

// compareOrderValues reports (cmp, tied): tied is true when this condition
// does not distinguish the two rows (both errored/unbound, or the
// evaluator itself found the pair incomparable), in which case the sort
// falls through to the next ORDER BY condition. A valid value sorts before
// an erroring/unbound one.
func compareOrderValues(vi rdf.Term, erri error, vj rdf.Term, errj error) (cmp int, tied bool) {
	iOK, jOK := erri == nil && vi != nil, errj == nil && vj != nil
	switch {
	case iOK && jOK:
		c, err := evaluator.Compare(vi, vj)
		if err != nil {
			return 0, true
		}
		return c, c == 0
	case iOK:
		return -1, false
	case jOK:
		return 1, false
	default:
		return 0, true
	}
}

// buildSlice applies OFFSET/LIMIT (Limit == -1 means unbounded).
func (e *Executor) buildSlice(s *algebra.Slice) (RowIter, error) {
	input, err := e.Build(s.Input)
	if err != nil {
		return nil, err
	}
	return &sliceIter{input: input, offset: s.Offset, limit: s.Limit}, nil
}

type sliceIter struct {
	input   RowIter
	offset  int64
	limit   int64
	skipped int64
	emitted int64
	current binding.Binding
}

func (it *sliceIter) Next() bool {
	for it.skipped < it.offset {
		if !it.input.Next() {
			return false
		}
		it.skipped++
	}
	if it.limit >= 0 && it.emitted >= it.limit {
		return false
	}
	if !it.input.Next() {
		return false
	}
	it.current = it.input.Row()
	it.emitted++
	return true
}

func (it *sliceIter) Row() binding.Binding { return it.current }
func (it *sliceIter) Err() error           { return it.input.Err() }
func (it *sliceIter) Close() error         { return it.input.Close() }

// buildValues realizes an inline VALUES block as a literal row set, UNDEF
// cells left unbound.
func (e *Executor) buildValues(v *algebra.Values) (RowIter, error) {
	rows := make([]binding.Binding, 0, len(v.Rows))
	for _, r := range v.Rows {
		row := binding.New(e.vars.Width())
		for i, cell := range r {
			if cell == nil {
				continue
			}
			id, ok := cell.(dictionary.TermId)
			if !ok {
				return nil, errs.New(errs.KindInvalidSparql, "VALUES cell is not a resolved term")
			}
			row = row.With(int(v.Vars[i]), id)
		}
		rows = append(rows, row)
	}
	return &sliceRowIter{rows: rows}, nil
}
