package triplestore

import (
	"context"
	"strings"
	"time"

	"github.com/ontospan/triplestore/internal/algebra"
	"github.com/ontospan/triplestore/internal/dictionary"
	"github.com/ontospan/triplestore/internal/errs"
	"github.com/ontospan/triplestore/internal/index"
	"github.com/ontospan/triplestore/internal/sparql/binding"
	"github.com/ontospan/triplestore/internal/sparql/evaluator"
	"github.com/ontospan/triplestore/internal/sparql/executor"
	"github.com/ontospan/triplestore/internal/sparql/optimizer"
	"github.com/ontospan/triplestore/pkg/rdf"
	"github.com/ontospan/triplestore/pkg/sparql/ast"
)

// maxDescribeTriples bounds the concise bounded description of a single
// DESCRIBE target.
const maxDescribeTriples = 10_000

// ResultForm tags which payload a Results carries.
type ResultForm int

const (
	ResultBindings ResultForm = iota // SELECT
	ResultBool                       // ASK
	ResultTriples                    // CONSTRUCT / DESCRIBE
)

// Results is a query's decoded, materialized outcome.
type Results struct {
	Form ResultForm

	// Vars and Bindings are set for SELECT. A variable absent from a row's
	// map was unbound in that solution.
	Vars     []string
	Bindings []map[string]rdf.Term

	// Bool is set for ASK.
	Bool bool

	// Triples is set for CONSTRUCT and DESCRIBE, deduplicated.
	Triples []*rdf.Triple
}

// SerializeTriples renders a CONSTRUCT/DESCRIBE result as canonical
// N-Triples text; empty for the other result forms.
func (r *Results) SerializeTriples() string {
	return rdf.SerializeTriplesCanonical(r.Triples)
}

func (r *Results) rowCount() int {
	switch r.Form {
	case ResultBindings:
		return len(r.Bindings)
	case ResultTriples:
		return len(r.Triples)
	default:
		return 1
	}
}

// Query runs a parsed SPARQL query against a snapshot of the current
// state. Results are served from the result cache when a structurally
// identical query has run since the last write touching its predicates.
func (s *Store) Query(ctx context.Context, q *ast.Query) (*Results, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	compiler := algebra.NewCompiler(s.dict)
	plan, err := compiler.Compile(q)
	if err != nil {
		return nil, err
	}
	plan = s.plans.Optimize(plan)

	// CONSTRUCT templates and DESCRIBE targets live in the AST, not the
	// algebra, so the plan hash alone cannot distinguish two of them with
	// the same WHERE clause; only SELECT and ASK results are memoized.
	cacheable := q.Type == ast.QueryTypeSelect || q.Type == ast.QueryTypeAsk
	key := optimizer.PlanKey(plan)
	if cacheable {
		if hit, ok := s.results.Get(key); ok {
			return hit.(*Results), nil
		}
	}

	snap := s.engine.Snapshot()
	defer snap.Close()
	est := &executor.Store{Snap: snap, Idx: s.ix, Derived: s.derived}
	exec := executor.New(ctx, est, s.dict, plan.Vars, evaluator.Context{Now: time.Now()})

	var res *Results
	switch q.Type {
	case ast.QueryTypeSelect:
		res, err = s.shapeSelect(exec, plan, q.Select)
	case ast.QueryTypeAsk:
		res, err = s.shapeAsk(exec, plan)
	case ast.QueryTypeConstruct:
		res, err = s.shapeConstruct(exec, plan, q.Construct)
	case ast.QueryTypeDescribe:
		res, err = s.shapeDescribe(ctx, exec, plan, q.Describe, est)
	default:
		return nil, errs.New(errs.KindInvalidSparql, "unrecognized query form")
	}
	if err != nil {
		return nil, err
	}

	if cacheable {
		preds, wildcard := algebra.PredicateAccess(plan.Root)
		predList := make([]dictionary.TermId, 0, len(preds))
		for p := range preds {
			predList = append(predList, p)
		}
		s.results.Put(key, res, res.rowCount(), predList, wildcard)
	}
	return res, nil
}

// selectVars determines the output variable list: the explicit projection
// when present, otherwise every user variable the plan can bind
// (synthetic slots minted by the compiler are hidden).
func selectVars(plan *algebra.Plan, sq *ast.SelectQuery) []string {
	if sq != nil && sq.Projections != nil {
		names := make([]string, len(sq.Projections))
		for i, pv := range sq.Projections {
			names[i] = pv.Variable.Name
		}
		return names
	}
	var names []string
	for i := 0; i < plan.Vars.Width(); i++ {
		name := plan.Vars.Name(algebra.Slot(i))
		if strings.HasPrefix(name, "\x00") {
			continue
		}
		names = append(names, name)
	}
	return names
}

func (s *Store) shapeSelect(exec *executor.Executor, plan *algebra.Plan, sq *ast.SelectQuery) (*Results, error) {
	vars := selectVars(plan, sq)
	slots := make([]int, len(vars))
	for i, name := range vars {
		slots[i] = int(plan.Vars.Slot(name))
	}

	it, err := exec.Build(plan.Root)
	if err != nil {
		return nil, err
	}
	defer it.Close()

	res := &Results{Form: ResultBindings, Vars: vars}
	for it.Next() {
		row := it.Row()
		decoded := make(map[string]rdf.Term, len(vars))
		for i, name := range vars {
			id, ok := row.Get(slots[i])
			if !ok {
				continue
			}
			term, err := s.dict.Decode(id)
			if err != nil {
				return nil, err
			}
			decoded[name] = term
		}
		res.Bindings = append(res.Bindings, decoded)
	}
	if err := it.Err(); err != nil {
		return nil, err
	}
	return res, nil
}

func (s *Store) shapeAsk(exec *executor.Executor, plan *algebra.Plan) (*Results, error) {
	it, err := exec.Build(plan.Root)
	if err != nil {
		return nil, err
	}
	defer it.Close()
	found := it.Next()
	if err := it.Err(); err != nil {
		return nil, err
	}
	return &Results{Form: ResultBool, Bool: found}, nil
}

// shapeConstruct instantiates the CONSTRUCT template once per solution,
// dropping template triples any of whose positions stays unbound or
// would put a literal in subject position or a non-IRI in predicate
// position.
func (s *Store) shapeConstruct(exec *executor.Executor, plan *algebra.Plan, cq *ast.ConstructQuery) (*Results, error) {
	it, err := exec.Build(plan.Root)
	if err != nil {
		return nil, err
	}
	defer it.Close()

	res := &Results{Form: ResultTriples}
	seen := map[string]bool{}
	for it.Next() {
		row := it.Row()
		// Template blank nodes are scoped to one solution: each label gets
		// a fresh skolem node per row, shared across that row's triples.
		bnodes := map[string]*rdf.BlankNode{}
		for _, tp := range cq.Template {
			sub, ok, err := s.templateTerm(tp.Subject, plan, row, bnodes)
			if err != nil {
				return nil, err
			}
			if !ok || sub.Type() == rdf.TermTypeLiteral {
				continue
			}
			pred, ok, err := s.templateTerm(tp.Predicate, plan, row, bnodes)
			if err != nil {
				return nil, err
			}
			if !ok || pred.Type() != rdf.TermTypeNamedNode {
				continue
			}
			obj, ok, err := s.templateTerm(tp.Object, plan, row, bnodes)
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
			t := rdf.NewTriple(sub, pred, obj)
			key := t.String()
			if seen[key] {
				continue
			}
			seen[key] = true
			res.Triples = append(res.Triples, t)
		}
	}
	if err := it.Err(); err != nil {
		return nil, err
	}
	return res, nil
}

func (s *Store) templateTerm(tv ast.TermOrVariable, plan *algebra.Plan, row binding.Binding, bnodes map[string]*rdf.BlankNode) (rdf.Term, bool, error) {
	if !tv.IsVariable() {
		if bn, isBlank := tv.Term.(*rdf.BlankNode); isBlank {
			fresh, minted := bnodes[bn.ID]
			if !minted {
				fresh = rdf.NewSkolemBlankNode()
				bnodes[bn.ID] = fresh
			}
			return fresh, true, nil
		}
		return tv.Term, true, nil
	}
	id, ok := row.Get(int(plan.Vars.Slot(tv.Variable.Name)))
	if !ok {
		return nil, false, nil
	}
	term, err := s.dict.Decode(id)
	if err != nil {
		return nil, false, err
	}
	return term, true, nil
}

// shapeDescribe emits the concise bounded description of each target: all
// triples (explicit and derived) with the target in subject or object
// position, capped per target.
func (s *Store) shapeDescribe(ctx context.Context, exec *executor.Executor, plan *algebra.Plan, dq *ast.DescribeQuery, est *executor.Store) (*Results, error) {
	var targets []dictionary.TermId
	seenTarget := map[dictionary.TermId]bool{}
	addTarget := func(id dictionary.TermId) {
		if !seenTarget[id] {
			seenTarget[id] = true
			targets = append(targets, id)
		}
	}

	varNames := map[string]bool{}
	for _, r := range dq.Resources {
		if r.IsVariable() {
			varNames[r.Variable.Name] = true
			continue
		}
		id, ok, err := s.dict.Lookup(r.Term)
		if err != nil {
			return nil, err
		}
		if ok {
			addTarget(id)
		}
	}

	if len(varNames) > 0 {
		it, err := exec.Build(plan.Root)
		if err != nil {
			return nil, err
		}
		for it.Next() {
			row := it.Row()
			for name := range varNames {
				if id, ok := row.Get(int(plan.Vars.Slot(name))); ok {
					addTarget(id)
				}
			}
		}
		if err := it.Err(); err != nil {
			it.Close()
			return nil, err
		}
		if err := it.Close(); err != nil {
			return nil, err
		}
	}

	res := &Results{Form: ResultTriples}
	seen := map[index.Triple]bool{}
	for _, target := range targets {
		if err := ctx.Err(); err != nil {
			return nil, errs.Timeout("describe cancelled")
		}
		count := 0
		for _, pat := range []index.Pattern{{S: &target}, {O: &target}} {
			it, err := est.Scan(pat)
			if err != nil {
				return nil, err
			}
			for it.Next() && count < maxDescribeTriples {
				t := it.Triple()
				if seen[t] {
					continue
				}
				seen[t] = true
				count++
				decoded, err := s.decodeTriple(t)
				if err != nil {
					it.Close()
					return nil, err
				}
				res.Triples = append(res.Triples, decoded)
			}
			it.Close()
		}
	}
	return res, nil
}
