package executor

import (
	"github.com/ontospan/triplestore/internal/algebra"
	"github.com/ontospan/triplestore/internal/sparql/binding"
	"github.com/ontospan/triplestore/internal/sparql/evaluator"
)

// buildGroup partitions Input's rows by the GROUP BY key tuple and folds
// each aggregate over every partition. With no keys (implicit grouping)
// exactly one row is emitted, even when Input is empty — COUNT(*) over an
// empty store is 0, not no-rows.
func (e *Executor) buildGroup(g *algebra.Group) (RowIter, error) {
	input, err := e.Build(g.Input)
	if err != nil {
		return nil, err
	}
	rows, err := drain(input, 0, "")
	if err != nil {
		return nil, err
	}

	keySlots := sliceOfSlots(g.By)
	type partition struct {
		first binding.Binding
		accs  []*evaluator.Accumulator
	}
	newPartition := func(first binding.Binding) (*partition, error) {
		p := &partition{first: first, accs: make([]*evaluator.Accumulator, len(g.Aggregates))}
		for i, a := range g.Aggregates {
			acc, err := evaluator.NewAccumulator(a.Function, a.Distinct, a.Separator)
			if err != nil {
				return nil, err
			}
			p.accs[i] = acc
		}
		return p, nil
	}

	parts := map[binding.Key]*partition{}
	var order []binding.Key
	if len(keySlots) == 0 {
		p, err := newPartition(binding.New(e.vars.Width()))
		if err != nil {
			return nil, err
		}
		parts[""] = p
		order = append(order, "")
	}

	ctx := e.evalContext()
	for _, row := range rows {
		if err := e.checkDeadline(); err != nil {
			return nil, err
		}
		k := binding.Key("")
		if len(keySlots) > 0 {
			k = row.Key(keySlots)
		}
		p, ok := parts[k]
		if !ok {
			p, err = newPartition(row)
			if err != nil {
				return nil, err
			}
			parts[k] = p
			order = append(order, k)
		}
		for i, a := range g.Aggregates {
			if a.Wildcard || a.Operand == nil {
				p.accs[i].AddRow()
				continue
			}
			v, evalErr := evaluator.Eval(ctx, a.Operand, row)
			if evalErr != nil {
				continue
			}
			p.accs[i].Add(v)
		}
	}

	out := make([]binding.Binding, 0, len(order))
	for _, k := range order {
		p := parts[k]
		row := binding.New(e.vars.Width())
		for _, s := range keySlots {
			if v, ok := p.first.Get(s); ok {
				row = row.With(s, v)
			}
		}
		for i, a := range g.Aggregates {
			result := p.accs[i].Result()
			if result == nil {
				continue
			}
			id, encErr := e.dict.Encode(result)
			if encErr != nil {
				continue
			}
			row = row.With(int(a.Slot), id)
		}
		out = append(out, row)
	}
	return &sliceRowIter{rows: out}, nil
}
