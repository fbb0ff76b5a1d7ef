package algebra

import (
	"github.com/ontospan/triplestore/internal/dictionary"
	"github.com/ontospan/triplestore/internal/errs"
	"github.com/ontospan/triplestore/pkg/rdf"
	"github.com/ontospan/triplestore/pkg/sparql/ast"
)

// noSuchTerm is a TermId that can never have been dictionary-allocated
// (Kind 0 is never issued); a pattern position bound to it is compiled as
// an always-false constraint, letting plans short-circuit to the empty
// result instead of the optimizer needing to special-case "term unseen".
const noSuchTerm = dictionary.TermId(0)

// Compiler lowers an ast.Query/ast.Update into the algebra IR, resolving
// every ground term through dict. It never allocates dictionary entries:
// an unseen IRI/literal in a query pattern compiles to noSuchTerm, which
// matches nothing.
type Compiler struct {
	dict *dictionary.Dictionary
	vars *VarTable
}

func NewCompiler(dict *dictionary.Dictionary) *Compiler {
	return &Compiler{dict: dict, vars: NewVarTable()}
}

// Compile lowers a parsed query into a Plan. The returned Plan.Vars
// assigns every variable mentioned anywhere in the query (including ones
// only used inside OPTIONAL/EXISTS) a stable slot.
func (c *Compiler) Compile(q *ast.Query) (*Plan, error) {
	switch q.Type {
	case ast.QueryTypeSelect:
		return c.compileSelect(q.Select)
	case ast.QueryTypeAsk:
		root, err := c.compileGraphPattern(q.Ask.Where)
		if err != nil {
			return nil, err
		}
		return &Plan{Root: root, Vars: c.vars, Forms: FormAsk}, nil
	case ast.QueryTypeConstruct:
		root, err := c.compileGraphPattern(q.Construct.Where)
		if err != nil {
			return nil, err
		}
		return &Plan{Root: root, Vars: c.vars, Forms: FormConstruct}, nil
	case ast.QueryTypeDescribe:
		var root Node = &BGP{}
		if q.Describe.Where != nil {
			var err error
			root, err = c.compileGraphPattern(q.Describe.Where)
			if err != nil {
				return nil, err
			}
		}
		return &Plan{Root: root, Vars: c.vars, Forms: FormDescribe}, nil
	default:
		return nil, errs.New(errs.KindInvalidSparql, "unrecognized query form")
	}
}

// CompileWhere lowers a bare WHERE graph pattern, as used by the update
// path (DELETE WHERE / INSERT ... WHERE run their pattern as if it were a
// SELECT * over the same snapshot).
func (c *Compiler) CompileWhere(gp *ast.GraphPattern) (*Plan, error) {
	root, err := c.compileGraphPattern(gp)
	if err != nil {
		return nil, err
	}
	return &Plan{Root: root, Vars: c.vars, Forms: FormSelect}, nil
}

// Vars exposes the compiler's variable table so update templates can map
// their variable names onto the slots the WHERE plan bound.
func (c *Compiler) Vars() *VarTable { return c.vars }

func (c *Compiler) compileSelect(sq *ast.SelectQuery) (*Plan, error) {
	root, err := c.compileGraphPattern(sq.Where)
	if err != nil {
		return nil, err
	}

	if len(sq.GroupBy) > 0 || selectHasAggregate(sq.Projections) {
		root, err = c.compileGroup(root, sq)
		if err != nil {
			return nil, err
		}
	}

	// Computed (non-aggregate, non-bare-variable) projections become an
	// Extend ahead of Project, same as an explicit BIND would.
	for _, pv := range sq.Projections {
		if pv.Expr == nil {
			continue
		}
		if _, isAgg := pv.Expr.(*ast.AggregateExpression); isAgg {
			continue // already materialized into a Group slot below
		}
		e, err := c.compileExpr(pv.Expr)
		if err != nil {
			return nil, err
		}
		root = &Extend{Input: root, Slot: c.vars.Slot(pv.Variable.Name), Expr: e}
	}

	if len(sq.OrderBy) > 0 {
		conds := make([]OrderCondition, len(sq.OrderBy))
		for i, oc := range sq.OrderBy {
			e, err := c.compileExpr(oc.Expression)
			if err != nil {
				return nil, err
			}
			conds[i] = OrderCondition{Expr: e, Ascending: oc.Ascending}
		}
		root = &OrderBy{Input: root, Conditions: conds}
	}

	if sq.Projections != nil {
		slots := make([]Slot, len(sq.Projections))
		names := make([]string, len(sq.Projections))
		for i, pv := range sq.Projections {
			slots[i] = c.vars.Slot(pv.Variable.Name)
			names[i] = pv.Variable.Name
		}
		root = &Project{Input: root, Slots: slots, Names: names}
	}

	if sq.Distinct {
		root = &Distinct{Input: root}
	} else if sq.Reduced {
		root = &Reduced{Input: root}
	}

	if sq.Limit != nil || sq.Offset != nil {
		limit := int64(-1)
		if sq.Limit != nil {
			limit = *sq.Limit
		}
		var offset int64
		if sq.Offset != nil {
			offset = *sq.Offset
		}
		root = &Slice{Input: root, Offset: offset, Limit: limit}
	}

	return &Plan{Root: root, Vars: c.vars, Forms: FormSelect}, nil
}

func selectHasAggregate(projections []*ast.ProjectedVar) bool {
	for _, pv := range projections {
		if _, ok := pv.Expr.(*ast.AggregateExpression); ok {
			return true
		}
	}
	return false
}

// compileGroup builds the Group node with one AggregateBinding per
// aggregate projection/HAVING reference, and assigns the GROUP BY key
// variables their slots.
func (c *Compiler) compileGroup(input Node, sq *ast.SelectQuery) (Node, error) {
	by := make([]Slot, len(sq.GroupBy))
	for i, e := range sq.GroupBy {
		ve, ok := e.(*ast.VariableExpression)
		if !ok {
			return nil, errs.New(errs.KindInvalidSparql, "GROUP BY key must be a variable")
		}
		by[i] = c.vars.Slot(ve.Variable.Name)
	}

	g := &Group{Input: input, By: by}
	for _, pv := range sq.Projections {
		agg, ok := pv.Expr.(*ast.AggregateExpression)
		if !ok {
			continue
		}
		binding, err := c.compileAggregate(c.vars.Slot(pv.Variable.Name), agg)
		if err != nil {
			return nil, err
		}
		g.Aggregates = append(g.Aggregates, binding)
	}

	var node Node = g
	for _, h := range sq.Having {
		e, err := c.compileExpr(h)
		if err != nil {
			return nil, err
		}
		node = &Filter{Input: node, Expr: e}
	}
	return node, nil
}

func (c *Compiler) compileAggregate(slot Slot, a *ast.AggregateExpression) (AggregateBinding, error) {
	b := AggregateBinding{
		Slot:      slot,
		Function:  a.Function,
		Distinct:  a.Distinct,
		Wildcard:  a.Wildcard,
		Separator: a.Separator,
	}
	if a.Operand != nil {
		e, err := c.compileExpr(a.Operand)
		if err != nil {
			return AggregateBinding{}, err
		}
		b.Operand = e
	}
	return b, nil
}

// compileGraphPattern lowers one WHERE-clause subtree to its algebra
// equivalent. A BGP's triple patterns are emitted unordered; selectivity
// reordering is the optimizer's job, not the
// compiler's.
func (c *Compiler) compileGraphPattern(gp *ast.GraphPattern) (Node, error) {
	if gp == nil {
		return &BGP{}, nil
	}

	switch gp.Type {
	case ast.GraphPatternTypeUnion:
		if len(gp.Children) < 2 {
			return nil, errs.New(errs.KindInvalidSparql, "UNION requires at least two branches")
		}
		left, err := c.compileGraphPattern(gp.Children[0])
		if err != nil {
			return nil, err
		}
		for _, child := range gp.Children[1:] {
			right, err := c.compileGraphPattern(child)
			if err != nil {
				return nil, err
			}
			left = &Union{Left: left, Right: right}
		}
		return c.wrapLocalClauses(left, gp)

	case ast.GraphPatternTypeOptional:
		if len(gp.Children) != 1 {
			return nil, errs.New(errs.KindInvalidSparql, "OPTIONAL requires exactly one nested pattern")
		}
		base, err := c.compileBasic(gp)
		if err != nil {
			return nil, err
		}
		right, err := c.compileGraphPattern(gp.Children[0])
		if err != nil {
			return nil, err
		}
		return c.wrapLocalClauses(&LeftJoin{Left: base, Right: right}, gp)

	case ast.GraphPatternTypeMinus:
		if len(gp.Children) != 1 {
			return nil, errs.New(errs.KindInvalidSparql, "MINUS requires exactly one nested pattern")
		}
		base, err := c.compileBasic(gp)
		if err != nil {
			return nil, err
		}
		right, err := c.compileGraphPattern(gp.Children[0])
		if err != nil {
			return nil, err
		}
		return c.wrapLocalClauses(&Minus{Left: base, Right: right}, gp)

	case ast.GraphPatternTypeSubSelect:
		if gp.SubQuery == nil {
			return nil, errs.New(errs.KindInvalidSparql, "nested SELECT pattern missing its query")
		}
		sub, err := c.compileSelect(gp.SubQuery)
		if err != nil {
			return nil, err
		}
		return sub.Root, nil

	default: // Basic / Group
		node, err := c.compileBasic(gp)
		if err != nil {
			return nil, err
		}
		for _, child := range gp.Children {
			childNode, err := c.compileGraphPattern(child)
			if err != nil {
				return nil, err
			}
			node = &Join{Left: node, Right: childNode}
		}
		// FILTER and BIND scope over the whole group, children included.
		return c.wrapLocalClauses(node, gp)
	}
}

// compileBasic builds the BGP/paths/values local to gp, without
// descending into gp.Children and without applying FILTER/BIND clauses
// (callers attach children first, then wrapLocalClauses, since a filter
// may reference variables bound only inside a child).
func (c *Compiler) compileBasic(gp *ast.GraphPattern) (Node, error) {
	var node Node = &BGP{}

	if len(gp.Patterns) > 0 {
		bgp := &BGP{Patterns: make([]TriplePatternNode, len(gp.Patterns))}
		for i, tp := range gp.Patterns {
			s, err := c.compileTermSlot(tp.Subject)
			if err != nil {
				return nil, err
			}
			p, err := c.compileTermSlot(tp.Predicate)
			if err != nil {
				return nil, err
			}
			o, err := c.compileTermSlot(tp.Object)
			if err != nil {
				return nil, err
			}
			bgp.Patterns[i] = TriplePatternNode{Subject: s, Predicate: p, Object: o}
		}
		node = bgp
	}

	for _, pp := range gp.Paths {
		s, err := c.compileTermSlot(pp.Subject)
		if err != nil {
			return nil, err
		}
		o, err := c.compileTermSlot(pp.Object)
		if err != nil {
			return nil, err
		}
		expr, err := c.compilePath(pp.Path)
		if err != nil {
			return nil, err
		}
		node = &Join{Left: node, Right: &Path{Subject: s, Object: o, Expr: expr}}
	}

	if gp.Values != nil {
		v, err := c.compileValues(gp.Values)
		if err != nil {
			return nil, err
		}
		node = &Join{Left: node, Right: v}
	}

	return node, nil
}

// wrapLocalClauses applies gp's FILTERs and BINDs, which scope over the
// whole pattern regardless of its Type.
func (c *Compiler) wrapLocalClauses(node Node, gp *ast.GraphPattern) (Node, error) {
	for _, b := range gp.Binds {
		e, err := c.compileExpr(b.Expression)
		if err != nil {
			return nil, err
		}
		node = &Extend{Input: node, Slot: c.vars.Slot(b.Variable.Name), Expr: e}
	}
	for _, f := range gp.Filters {
		e, err := c.compileExpr(f.Expression)
		if err != nil {
			return nil, err
		}
		node = &Filter{Input: node, Expr: e}
	}
	return node, nil
}

func (c *Compiler) compileValues(vb *ast.ValuesBlock) (Node, error) {
	slots := make([]Slot, len(vb.Variables))
	for i, v := range vb.Variables {
		slots[i] = c.vars.Slot(v.Name)
	}
	rows := make([][]interface{}, len(vb.Rows))
	for i, row := range vb.Rows {
		cells := make([]interface{}, len(row))
		for j, term := range row {
			if term == nil {
				continue // UNDEF
			}
			id, err := c.resolveTerm(term)
			if err != nil {
				return nil, err
			}
			cells[j] = id
		}
		rows[i] = cells
	}
	return &Values{Vars: slots, Rows: rows}, nil
}

func (c *Compiler) compileTermSlot(tv ast.TermOrVariable) (TermSlot, error) {
	if tv.IsVariable() {
		return TermSlot{Var: c.vars.Slot(tv.Variable.Name), VarName: tv.Variable.Name}, nil
	}
	id, err := c.resolveTerm(tv.Term)
	if err != nil {
		return TermSlot{}, err
	}
	return TermSlot{Bound: true, Value: id}, nil
}

// resolveTerm looks up term's TermId without allocating; an unseen term
// resolves to noSuchTerm, a valid (never matching) value rather than an
// error, since "the term simply isn't in the store" is not a SPARQL error.
func (c *Compiler) resolveTerm(term rdf.Term) (dictionary.TermId, error) {
	id, ok, err := c.dict.Lookup(term)
	if err != nil {
		return 0, err
	}
	if !ok {
		return noSuchTerm, nil
	}
	return id, nil
}

func (c *Compiler) compilePath(p ast.Path) (PathExpr, error) {
	switch t := p.(type) {
	case *ast.PathLink:
		id, err := c.resolveTerm(t.IRI)
		if err != nil {
			return nil, err
		}
		return &PathEdge{Predicate: id}, nil
	case *ast.PathInverse:
		inner, err := c.compilePath(t.Path)
		if err != nil {
			return nil, err
		}
		return &PathInverse{Inner: inner}, nil
	case *ast.PathSeq:
		l, err := c.compilePath(t.Left)
		if err != nil {
			return nil, err
		}
		r, err := c.compilePath(t.Right)
		if err != nil {
			return nil, err
		}
		return &PathSeq{Left: l, Right: r}, nil
	case *ast.PathAlt:
		l, err := c.compilePath(t.Left)
		if err != nil {
			return nil, err
		}
		r, err := c.compilePath(t.Right)
		if err != nil {
			return nil, err
		}
		return &PathAlt{Left: l, Right: r}, nil
	case *ast.PathZeroOrMore:
		inner, err := c.compilePath(t.Path)
		if err != nil {
			return nil, err
		}
		return &PathStar{Inner: inner}, nil
	case *ast.PathOneOrMore:
		inner, err := c.compilePath(t.Path)
		if err != nil {
			return nil, err
		}
		return &PathPlus{Inner: inner}, nil
	case *ast.PathZeroOrOne:
		inner, err := c.compilePath(t.Path)
		if err != nil {
			return nil, err
		}
		return &PathOpt{Inner: inner}, nil
	case *ast.PathNegatedSet:
		fwd := make([]interface{}, len(t.IRIs))
		for i, iri := range t.IRIs {
			id, err := c.resolveTerm(iri)
			if err != nil {
				return nil, err
			}
			fwd[i] = id
		}
		rev := make([]interface{}, len(t.Inverse))
		for i, iri := range t.Inverse {
			id, err := c.resolveTerm(iri)
			if err != nil {
				return nil, err
			}
			rev[i] = id
		}
		return &PathNegatedSet{Forward: fwd, Reverse: rev}, nil
	default:
		return nil, errs.New(errs.KindInvalidSparql, "unrecognized property path node")
	}
}

func (c *Compiler) compileExpr(e ast.Expression) (Expr, error) {
	switch t := e.(type) {
	case *ast.LiteralExpression:
		return &ConstExpr{Value: t.Term}, nil
	case *ast.VariableExpression:
		return &VarExpr{Slot: c.vars.Slot(t.Variable.Name)}, nil
	case *ast.BinaryExpression:
		l, err := c.compileExpr(t.Left)
		if err != nil {
			return nil, err
		}
		r, err := c.compileExpr(t.Right)
		if err != nil {
			return nil, err
		}
		return &BinaryExpr{Left: l, Right: r, Op: t.Operator}, nil
	case *ast.UnaryExpression:
		operand, err := c.compileExpr(t.Operand)
		if err != nil {
			return nil, err
		}
		return &UnaryExpr{Operand: operand, Op: t.Operator}, nil
	case *ast.FunctionCallExpression:
		args := make([]Expr, len(t.Arguments))
		for i, a := range t.Arguments {
			ce, err := c.compileExpr(a)
			if err != nil {
				return nil, err
			}
			args[i] = ce
		}
		return &CallExpr{Function: t.Function, Args: args}, nil
	case *ast.AggregateExpression:
		// A bare aggregate expression reached directly by compileExpr (as
		// opposed to one already lifted into a Group.Aggregates binding by
		// compileGroup) appears in a HAVING or ORDER BY clause that
		// re-states the aggregate rather than referencing its projected
		// alias; give it its own synthetic slot so the executor computes
		// it once per group alongside the rest.
		return &AggregateRefExpr{Slot: c.vars.Slot(aggregateSyntheticName(t))}, nil
	case *ast.ExistsExpression:
		pattern, err := c.compileGraphPattern(t.Pattern)
		if err != nil {
			return nil, err
		}
		return &ExistsExpr{Pattern: pattern, Negated: t.Negated}, nil
	default:
		return nil, errs.New(errs.KindInvalidSparql, "unrecognized expression node")
	}
}

// aggregateSyntheticName gives an inline (non-GROUP-BY-declared) aggregate
// a private, unspellable-in-SPARQL slot name so it can never collide with a
// user variable.
func aggregateSyntheticName(a *ast.AggregateExpression) string {
	return "\x00agg:" + a.Function
}
