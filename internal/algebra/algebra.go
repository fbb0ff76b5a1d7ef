// Package algebra is the SPARQL algebra IR that sits between the
// external parser's AST and the optimizer/executor. Plan nodes are a
// closed sum (an interface with an unexported marker method) so the
// evaluator can exhaustively switch on concrete type instead of relying
// on open-ended polymorphism.
package algebra

import (
	"github.com/ontospan/triplestore/pkg/sparql/ast"
)

// Slot is a variable's position in a binding's fixed-size value array.
type Slot int

// VarTable assigns every distinct variable in a query a stable Slot, and is
// threaded through compilation so every plan node addresses variables by
// slot rather than by name.
type VarTable struct {
	names []string
	index map[string]Slot
}

func NewVarTable() *VarTable {
	return &VarTable{index: make(map[string]Slot)}
}

// Slot returns name's slot, assigning the next free one on first sight.
func (vt *VarTable) Slot(name string) Slot {
	if s, ok := vt.index[name]; ok {
		return s
	}
	s := Slot(len(vt.names))
	vt.names = append(vt.names, name)
	vt.index[name] = s
	return s
}

func (vt *VarTable) Name(s Slot) string { return vt.names[s] }
func (vt *VarTable) Width() int         { return len(vt.names) }

// Node is any algebra plan node.
type Node interface{ planNode() }

// TermSlot is a triple-pattern position: a bound TermId-producing term, or
// an unbound variable occupying Slot. Compiled from ast.TermOrVariable
// during ast→algebra lowering, after dictionary lookup for bound terms.
type TermSlot struct {
	Bound   bool
	Value   interface{} // dictionary.TermId; interface{} to avoid an import cycle risk, asserted by the executor
	Var     Slot
	VarName string
}

// BGP is a basic graph pattern: a set of triple patterns matched
// conjunctively, already reordered by the optimizer's selectivity pass.
// Strategy and VarOrder are filled in by the optimizer; a
// freshly compiled BGP has Strategy == BGPScanChain and an empty VarOrder.
type BGP struct {
	Patterns []TriplePatternNode
	Strategy BGPStrategy
	VarOrder []Slot // leapfrog variable order, only meaningful when Strategy == BGPLeapfrog
}

// BGPStrategy picks how a BGP's patterns are joined together.
type BGPStrategy int

const (
	// BGPScanChain joins Patterns left to right as a chain of pairwise
	// joins (nested-loop or hash, chosen per pair by the optimizer).
	BGPScanChain BGPStrategy = iota
	// BGPLeapfrog evaluates all of Patterns together with a single
	// variable-at-a-time leapfrog triejoin.
	BGPLeapfrog
)

type TriplePatternNode struct {
	Subject, Predicate, Object TermSlot
}

// Path is a single-edge-or-path triple pattern whose predicate is a
// property path rather than a plain term.
type Path struct {
	Subject, Object TermSlot
	Expr            PathExpr
}

// PathExpr mirrors ast.Path but is lowered (IRIs resolved to TermIds via
// the dictionary at compile time where possible).
type PathExpr interface{ pathExprNode() }

type PathEdge struct{ Predicate interface{} } // dictionary.TermId
type PathInverse struct{ Inner PathExpr }
type PathSeq struct{ Left, Right PathExpr }
type PathAlt struct{ Left, Right PathExpr }
type PathStar struct{ Inner PathExpr }
type PathPlus struct{ Inner PathExpr }
type PathOpt struct{ Inner PathExpr }
type PathNegatedSet struct {
	Forward []interface{} // []dictionary.TermId
	Reverse []interface{}
}

func (*PathEdge) pathExprNode()       {}
func (*PathInverse) pathExprNode()    {}
func (*PathSeq) pathExprNode()        {}
func (*PathAlt) pathExprNode()        {}
func (*PathStar) pathExprNode()       {}
func (*PathPlus) pathExprNode()       {}
func (*PathOpt) pathExprNode()        {}
func (*PathNegatedSet) pathExprNode() {}

// Join is an inner join of Left and Right over shared variables. Strategy
// is chosen by the optimizer's cost model; a freshly compiled
// Join has Strategy == JoinAuto, meaning "optimizer has not run yet" — the
// executor treats JoinAuto as JoinNestedLoop so an unoptimized plan still
// executes correctly.
type Join struct {
	Left, Right Node
	Strategy    JoinStrategy
}

type JoinStrategy int

const (
	JoinAuto JoinStrategy = iota
	JoinNestedLoop
	JoinHash
)

// LeftJoin is OPTIONAL: every left binding is preserved even when no right
// binding (satisfying Filter, if present) matches.
type LeftJoin struct {
	Left, Right Node
	Filter      Expr // may be nil
}

// Union is UNION: the concatenation of both branches' bindings.
type Union struct{ Left, Right Node }

// Minus removes from Left every binding compatible with some Right binding
// that shares at least one variable (SPARQL MINUS semantics).
type Minus struct{ Left, Right Node }

// Filter keeps only bindings for which Expr has effective boolean value true.
type Filter struct {
	Input Node
	Expr  Expr
}

// Extend is BIND: adds a new slot computed from Expr.
type Extend struct {
	Input Node
	Slot  Slot
	Expr  Expr
}

// Project keeps only the listed slots, in order (SELECT's projection list).
type Project struct {
	Input Node
	Slots []Slot
	Names []string
}

// Distinct/Reduced de-duplicate Input's bindings; Reduced permits (but does
// not require) de-duplication, so the executor treats it as Distinct.
type Distinct struct{ Input Node }
type Reduced struct{ Input Node }

type OrderBy struct {
	Input      Node
	Conditions []OrderCondition
}

type OrderCondition struct {
	Expr      Expr
	Ascending bool
}

// Slice is LIMIT/OFFSET.
type Slice struct {
	Input  Node
	Offset int64
	Limit  int64 // -1 means unbounded
}

// Group is GROUP BY plus the aggregate expressions computed per group.
type Group struct {
	Input      Node
	By         []Slot
	Aggregates []AggregateBinding
}

type AggregateBinding struct {
	Slot     Slot
	Function string // "count", "sum", "avg", "min", "max", "group_concat", "sample"
	Operand  Expr   // nil for COUNT(*)
	Distinct bool
	Wildcard bool
	Separator string
}

// Values is an inline VALUES data block.
type Values struct {
	Vars []Slot
	Rows [][]interface{} // each cell a dictionary.TermId or nil for UNDEF
}

func (*BGP) planNode()      {}
func (*Path) planNode()     {}
func (*Join) planNode()     {}
func (*LeftJoin) planNode() {}
func (*Union) planNode()    {}
func (*Minus) planNode()    {}
func (*Filter) planNode()   {}
func (*Extend) planNode()   {}
func (*Project) planNode()  {}
func (*Distinct) planNode() {}
func (*Reduced) planNode()  {}
func (*OrderBy) planNode()  {}
func (*Slice) planNode()    {}
func (*Group) planNode()    {}
func (*Values) planNode()   {}

// Expr is the algebra-level expression IR (three-valued-logic aware),
// lowered from ast.Expression.
type Expr interface{ exprNode() }

type ConstExpr struct{ Value interface{} } // rdf.Term, always bound
type VarExpr struct{ Slot Slot }

type BinaryExpr struct {
	Left, Right Expr
	Op          ast.Operator
}

type UnaryExpr struct {
	Operand Expr
	Op      ast.Operator
}

type CallExpr struct {
	Function string
	Args     []Expr
}

type AggregateRefExpr struct{ Slot Slot } // references a Group-computed aggregate

type ExistsExpr struct {
	Pattern Node
	Negated bool
}

func (*ConstExpr) exprNode()        {}
func (*VarExpr) exprNode()          {}
func (*BinaryExpr) exprNode()       {}
func (*UnaryExpr) exprNode()        {}
func (*CallExpr) exprNode()         {}
func (*AggregateRefExpr) exprNode() {}
func (*ExistsExpr) exprNode()       {}

// Plan is a fully compiled query: the algebra root plus the variable table
// used to interpret every Slot in it.
type Plan struct {
	Root  Node
	Vars  *VarTable
	Forms PlanForm
}

type PlanForm int

const (
	FormSelect PlanForm = iota
	FormAsk
	FormConstruct
	FormDescribe
)

// ConstructTemplate is the CONSTRUCT template, kept alongside the WHERE
// plan for CONSTRUCT queries.
type ConstructTemplate struct {
	Patterns []TriplePatternNode
}

// InScope computes n's in-scope variables: every slot a binding produced by
// n may have bound. Used by the optimizer's filter push-down pass (a filter
// may move below a Join only once every variable it references is already
// in scope) and by the executor's hash-join key inference.
func InScope(n Node) map[Slot]bool {
	out := map[Slot]bool{}
	inScopeInto(n, out)
	return out
}

func inScopeInto(n Node, out map[Slot]bool) {
	switch t := n.(type) {
	case *BGP:
		for _, p := range t.Patterns {
			addTermSlot(p.Subject, out)
			addTermSlot(p.Predicate, out)
			addTermSlot(p.Object, out)
		}
	case *Path:
		addTermSlot(t.Subject, out)
		addTermSlot(t.Object, out)
	case *Join:
		inScopeInto(t.Left, out)
		inScopeInto(t.Right, out)
	case *LeftJoin:
		inScopeInto(t.Left, out)
		inScopeInto(t.Right, out)
	case *Union:
		inScopeInto(t.Left, out)
		inScopeInto(t.Right, out)
	case *Minus:
		inScopeInto(t.Left, out)
	case *Filter:
		inScopeInto(t.Input, out)
	case *Extend:
		inScopeInto(t.Input, out)
		out[t.Slot] = true
	case *Project:
		for _, s := range t.Slots {
			out[s] = true
		}
	case *Distinct:
		inScopeInto(t.Input, out)
	case *Reduced:
		inScopeInto(t.Input, out)
	case *OrderBy:
		inScopeInto(t.Input, out)
	case *Slice:
		inScopeInto(t.Input, out)
	case *Group:
		for _, s := range t.By {
			out[s] = true
		}
		for _, a := range t.Aggregates {
			out[a.Slot] = true
		}
	case *Values:
		for _, s := range t.Vars {
			out[s] = true
		}
	}
}

func addTermSlot(ts TermSlot, out map[Slot]bool) {
	if !ts.Bound {
		out[ts.Var] = true
	}
}

// ExprVars returns every variable slot e references.
func ExprVars(e Expr) map[Slot]bool {
	out := map[Slot]bool{}
	exprVarsInto(e, out)
	return out
}

func exprVarsInto(e Expr, out map[Slot]bool) {
	switch t := e.(type) {
	case *VarExpr:
		out[t.Slot] = true
	case *BinaryExpr:
		exprVarsInto(t.Left, out)
		exprVarsInto(t.Right, out)
	case *UnaryExpr:
		exprVarsInto(t.Operand, out)
	case *CallExpr:
		for _, a := range t.Args {
			exprVarsInto(a, out)
		}
	case *AggregateRefExpr:
		out[t.Slot] = true
	case *ExistsExpr:
		for s := range InScope(t.Pattern) {
			out[s] = true
		}
	}
}
