package triplestore

import (
	"fmt"
	"strings"

	"github.com/ontospan/triplestore/internal/algebra"
	"github.com/ontospan/triplestore/internal/dictionary"
	"github.com/ontospan/triplestore/pkg/sparql/ast"
)

// Explain compiles and optimizes q without executing it, returning a
// human-readable rendering of the chosen plan (operators, join
// strategies, pattern order).
func (s *Store) Explain(q *ast.Query) (string, error) {
	if err := s.guard(); err != nil {
		return "", err
	}
	compiler := algebra.NewCompiler(s.dict)
	plan, err := compiler.Compile(q)
	if err != nil {
		return "", err
	}
	plan = s.plans.Optimize(plan)

	var b strings.Builder
	s.renderNode(&b, plan.Root, plan.Vars, 0)
	return b.String(), nil
}

func (s *Store) renderNode(b *strings.Builder, n algebra.Node, vars *algebra.VarTable, depth int) {
	indent := strings.Repeat("  ", depth)
	switch t := n.(type) {
	case *algebra.BGP:
		strategy := "scan-chain"
		if t.Strategy == algebra.BGPLeapfrog {
			strategy = "leapfrog"
		}
		fmt.Fprintf(b, "%sBGP[%s] (%d patterns)\n", indent, strategy, len(t.Patterns))
		for _, p := range t.Patterns {
			fmt.Fprintf(b, "%s  %s %s %s\n", indent,
				s.renderSlot(p.Subject, vars), s.renderSlot(p.Predicate, vars), s.renderSlot(p.Object, vars))
		}
	case *algebra.Path:
		fmt.Fprintf(b, "%sPath %s ... %s\n", indent, s.renderSlot(t.Subject, vars), s.renderSlot(t.Object, vars))
	case *algebra.Join:
		strategy := "nested-loop"
		if t.Strategy == algebra.JoinHash {
			strategy = "hash"
		}
		fmt.Fprintf(b, "%sJoin[%s]\n", indent, strategy)
		s.renderNode(b, t.Left, vars, depth+1)
		s.renderNode(b, t.Right, vars, depth+1)
	case *algebra.LeftJoin:
		fmt.Fprintf(b, "%sLeftJoin\n", indent)
		s.renderNode(b, t.Left, vars, depth+1)
		s.renderNode(b, t.Right, vars, depth+1)
	case *algebra.Union:
		fmt.Fprintf(b, "%sUnion\n", indent)
		s.renderNode(b, t.Left, vars, depth+1)
		s.renderNode(b, t.Right, vars, depth+1)
	case *algebra.Minus:
		fmt.Fprintf(b, "%sMinus\n", indent)
		s.renderNode(b, t.Left, vars, depth+1)
		s.renderNode(b, t.Right, vars, depth+1)
	case *algebra.Filter:
		fmt.Fprintf(b, "%sFilter\n", indent)
		s.renderNode(b, t.Input, vars, depth+1)
	case *algebra.Extend:
		fmt.Fprintf(b, "%sExtend ?%s\n", indent, vars.Name(t.Slot))
		s.renderNode(b, t.Input, vars, depth+1)
	case *algebra.Project:
		fmt.Fprintf(b, "%sProject %v\n", indent, t.Names)
		s.renderNode(b, t.Input, vars, depth+1)
	case *algebra.Distinct:
		fmt.Fprintf(b, "%sDistinct\n", indent)
		s.renderNode(b, t.Input, vars, depth+1)
	case *algebra.Reduced:
		fmt.Fprintf(b, "%sReduced\n", indent)
		s.renderNode(b, t.Input, vars, depth+1)
	case *algebra.OrderBy:
		fmt.Fprintf(b, "%sOrderBy (%d keys)\n", indent, len(t.Conditions))
		s.renderNode(b, t.Input, vars, depth+1)
	case *algebra.Slice:
		fmt.Fprintf(b, "%sSlice offset=%d limit=%d\n", indent, t.Offset, t.Limit)
		s.renderNode(b, t.Input, vars, depth+1)
	case *algebra.Group:
		fmt.Fprintf(b, "%sGroup (%d keys, %d aggregates)\n", indent, len(t.By), len(t.Aggregates))
		s.renderNode(b, t.Input, vars, depth+1)
	case *algebra.Values:
		fmt.Fprintf(b, "%sValues (%d rows)\n", indent, len(t.Rows))
	default:
		fmt.Fprintf(b, "%s%T\n", indent, n)
	}
}

func (s *Store) renderSlot(ts algebra.TermSlot, vars *algebra.VarTable) string {
	if !ts.Bound {
		return "?" + vars.Name(ts.Var)
	}
	id, _ := ts.Value.(dictionary.TermId)
	if term, err := s.dict.Decode(id); err == nil {
		return term.String()
	}
	return fmt.Sprintf("#%d", uint64(id))
}
