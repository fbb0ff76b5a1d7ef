package algebra

import (
	"github.com/ontospan/triplestore/internal/dictionary"
)

// PredicateAccess computes the set of predicate TermIds a plan rooted at n
// may read. Wildcard is true when some scan's predicate position is a
// variable, in which case the plan can touch any predicate and a cached
// result for it must be dropped on every write.
func PredicateAccess(n Node) (preds map[dictionary.TermId]bool, wildcard bool) {
	preds = map[dictionary.TermId]bool{}
	wildcard = accessInto(n, preds)
	return preds, wildcard
}

func accessInto(n Node, preds map[dictionary.TermId]bool) bool {
	wildcard := false
	switch t := n.(type) {
	case *BGP:
		for _, p := range t.Patterns {
			if !p.Predicate.Bound {
				wildcard = true
				continue
			}
			if id, ok := p.Predicate.Value.(dictionary.TermId); ok {
				preds[id] = true
			}
		}
	case *Path:
		if pathAccessInto(t.Expr, preds) {
			wildcard = true
		}
	case *Join:
		wildcard = accessInto(t.Left, preds) || wildcard
		wildcard = accessInto(t.Right, preds) || wildcard
	case *LeftJoin:
		wildcard = accessInto(t.Left, preds) || wildcard
		wildcard = accessInto(t.Right, preds) || wildcard
		if t.Filter != nil {
			wildcard = exprAccessInto(t.Filter, preds) || wildcard
		}
	case *Union:
		wildcard = accessInto(t.Left, preds) || wildcard
		wildcard = accessInto(t.Right, preds) || wildcard
	case *Minus:
		wildcard = accessInto(t.Left, preds) || wildcard
		wildcard = accessInto(t.Right, preds) || wildcard
	case *Filter:
		wildcard = accessInto(t.Input, preds) || wildcard
		wildcard = exprAccessInto(t.Expr, preds) || wildcard
	case *Extend:
		wildcard = accessInto(t.Input, preds) || wildcard
		wildcard = exprAccessInto(t.Expr, preds) || wildcard
	case *Project:
		wildcard = accessInto(t.Input, preds) || wildcard
	case *Distinct:
		wildcard = accessInto(t.Input, preds) || wildcard
	case *Reduced:
		wildcard = accessInto(t.Input, preds) || wildcard
	case *OrderBy:
		wildcard = accessInto(t.Input, preds) || wildcard
	case *Slice:
		wildcard = accessInto(t.Input, preds) || wildcard
	case *Group:
		wildcard = accessInto(t.Input, preds) || wildcard
	case *Values:
	}
	return wildcard
}

// pathAccessInto collects the constant predicates a path expression can
// traverse. Negated property sets scan every predicate and filter after
// the fact, so they count as wildcard access.
func pathAccessInto(p PathExpr, preds map[dictionary.TermId]bool) bool {
	switch t := p.(type) {
	case *PathEdge:
		if id, ok := t.Predicate.(dictionary.TermId); ok {
			preds[id] = true
		}
		return false
	case *PathInverse:
		return pathAccessInto(t.Inner, preds)
	case *PathSeq:
		l := pathAccessInto(t.Left, preds)
		return pathAccessInto(t.Right, preds) || l
	case *PathAlt:
		l := pathAccessInto(t.Left, preds)
		return pathAccessInto(t.Right, preds) || l
	case *PathStar:
		return pathAccessInto(t.Inner, preds)
	case *PathPlus:
		return pathAccessInto(t.Inner, preds)
	case *PathOpt:
		return pathAccessInto(t.Inner, preds)
	case *PathNegatedSet:
		return true
	}
	return true
}

// exprAccessInto accounts for EXISTS subpatterns embedded in expressions;
// plain value expressions read no triples.
func exprAccessInto(e Expr, preds map[dictionary.TermId]bool) bool {
	switch t := e.(type) {
	case *BinaryExpr:
		l := exprAccessInto(t.Left, preds)
		return exprAccessInto(t.Right, preds) || l
	case *UnaryExpr:
		return exprAccessInto(t.Operand, preds)
	case *CallExpr:
		wildcard := false
		for _, a := range t.Args {
			wildcard = exprAccessInto(a, preds) || wildcard
		}
		return wildcard
	case *ExistsExpr:
		return accessInto(t.Pattern, preds)
	}
	return false
}
