package txn

import (
	"context"
	"time"

	"github.com/ontospan/triplestore/internal/algebra"
	"github.com/ontospan/triplestore/internal/dictionary"
	"github.com/ontospan/triplestore/internal/errs"
	"github.com/ontospan/triplestore/internal/index"
	"github.com/ontospan/triplestore/internal/sparql/binding"
	"github.com/ontospan/triplestore/internal/sparql/evaluator"
	"github.com/ontospan/triplestore/internal/sparql/executor"
	"github.com/ontospan/triplestore/pkg/rdf"
	"github.com/ontospan/triplestore/pkg/sparql/ast"
)

// UpdateExecutor runs parsed SPARQL Update operations. The
// WHERE phase of each operation reads a snapshot opened before any of its
// writes; the writes themselves go through the coordinator, so an
// operation's delete and insert sets are computed against one consistent
// state and applied in one serialized commit, deletes first.
type UpdateExecutor struct {
	coord *Coordinator
	dict  *dictionary.Dictionary
}

func NewUpdateExecutor(coord *Coordinator, dict *dictionary.Dictionary) *UpdateExecutor {
	return &UpdateExecutor{coord: coord, dict: dict}
}

// Execute applies every operation of upd in order, returning the total net
// triple count changed (insertions plus deletions).
func (u *UpdateExecutor) Execute(ctx context.Context, upd *ast.Update) (int, error) {
	total := 0
	for _, op := range upd.Operations {
		n, err := u.executeOne(ctx, op)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

func (u *UpdateExecutor) executeOne(ctx context.Context, op ast.UpdateOperation) (int, error) {
	switch t := op.(type) {
	case *ast.InsertData:
		inserts, err := u.encodeGround(t.Triples)
		if err != nil {
			return 0, err
		}
		res, err := u.coord.Apply(ctx, nil, inserts)
		return res.Inserted, err

	case *ast.DeleteData:
		deletes, err := u.lookupGround(t.Triples)
		if err != nil {
			return 0, err
		}
		res, err := u.coord.Apply(ctx, deletes, nil)
		return res.Deleted, err

	case *ast.DeleteWhere:
		res, err := u.modify(ctx, t.Pattern.Patterns, nil, t.Pattern)
		return res.Deleted, err

	case *ast.Modify:
		res, err := u.modify(ctx, t.DeleteTemplate, t.InsertTemplate, t.Where)
		return res.Deleted + res.Inserted, err

	case *ast.Clear:
		if err := u.coord.Clear(ctx); err != nil {
			if t.Silent {
				return 0, nil
			}
			return 0, err
		}
		return 0, nil

	default:
		return 0, errs.New(errs.KindInvalidSparql, "unrecognized update operation")
	}
}

// modify runs the WHERE pattern under a snapshot, instantiates the delete
// and insert templates for every binding, and applies both sets in a
// single commit.
func (u *UpdateExecutor) modify(ctx context.Context, delTemplate, insTemplate []*ast.TriplePattern, where *ast.GraphPattern) (Result, error) {
	compiler := algebra.NewCompiler(u.dict)
	plan, err := compiler.CompileWhere(where)
	if err != nil {
		return Result{}, err
	}
	plan = u.coord.plans.Optimize(plan)

	snap := u.coord.engine.Snapshot()
	defer snap.Close()

	store := &executor.Store{Snap: snap, Idx: u.coord.ix, Derived: u.coord.derived}
	exec := executor.New(ctx, store, u.dict, plan.Vars, evaluator.Context{Now: time.Now()})
	it, err := exec.Build(plan.Root)
	if err != nil {
		return Result{}, err
	}

	var deletes, inserts []index.Triple
	for it.Next() {
		row := it.Row()
		ds, err := u.instantiate(delTemplate, compiler.Vars(), row, false)
		if err != nil {
			it.Close()
			return Result{}, err
		}
		deletes = append(deletes, ds...)
		is, err := u.instantiate(insTemplate, compiler.Vars(), row, true)
		if err != nil {
			it.Close()
			return Result{}, err
		}
		inserts = append(inserts, is...)
	}
	if err := it.Err(); err != nil {
		it.Close()
		return Result{}, err
	}
	if err := it.Close(); err != nil {
		return Result{}, err
	}

	return u.coord.Apply(ctx, deletes, inserts)
}

// instantiate grounds template against row. A template triple with any
// position left unbound by row is skipped (SPARQL 1.1 Update §3.1.3), as
// is a delete-template triple naming a term the store has never seen.
func (u *UpdateExecutor) instantiate(template []*ast.TriplePattern, vars *algebra.VarTable, row binding.Binding, allocate bool) ([]index.Triple, error) {
	var out []index.Triple
	for _, tp := range template {
		s, ok, err := u.resolvePosition(tp.Subject, vars, row, allocate)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		p, ok, err := u.resolvePosition(tp.Predicate, vars, row, allocate)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		o, ok, err := u.resolvePosition(tp.Object, vars, row, allocate)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		out = append(out, index.Triple{S: s, P: p, O: o})
	}
	return out, nil
}

func (u *UpdateExecutor) resolvePosition(tv ast.TermOrVariable, vars *algebra.VarTable, row binding.Binding, allocate bool) (dictionary.TermId, bool, error) {
	if tv.IsVariable() {
		id, ok := row.Get(int(vars.Slot(tv.Variable.Name)))
		return id, ok, nil
	}
	if allocate {
		id, err := u.dict.Encode(tv.Term)
		if err != nil {
			return 0, false, err
		}
		return id, true, nil
	}
	id, ok, err := u.dict.Lookup(tv.Term)
	if err != nil {
		return 0, false, err
	}
	return id, ok, nil
}

// encodeGround turns ground triples into TermId triples, allocating
// dictionary entries for unseen terms.
func (u *UpdateExecutor) encodeGround(triples []*rdf.Triple) ([]index.Triple, error) {
	out := make([]index.Triple, 0, len(triples))
	for _, t := range triples {
		s, err := u.dict.Encode(t.Subject)
		if err != nil {
			return nil, err
		}
		p, err := u.dict.Encode(t.Predicate)
		if err != nil {
			return nil, err
		}
		o, err := u.dict.Encode(t.Object)
		if err != nil {
			return nil, err
		}
		out = append(out, index.Triple{S: s, P: p, O: o})
	}
	return out, nil
}

// lookupGround resolves ground triples without allocating; a triple naming
// an unseen term cannot be stored and is dropped from the delete set.
func (u *UpdateExecutor) lookupGround(triples []*rdf.Triple) ([]index.Triple, error) {
	out := make([]index.Triple, 0, len(triples))
	for _, t := range triples {
		s, ok, err := u.dict.Lookup(t.Subject)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		p, ok, err := u.dict.Lookup(t.Predicate)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		o, ok, err := u.dict.Lookup(t.Object)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		out = append(out, index.Triple{S: s, P: p, O: o})
	}
	return out, nil
}
