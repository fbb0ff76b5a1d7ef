package executor

import (
	"runtime"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/ontospan/triplestore/internal/algebra"
	"github.com/ontospan/triplestore/internal/dictionary"
	"github.com/ontospan/triplestore/internal/errs"
	"github.com/ontospan/triplestore/internal/index"
	"github.com/ontospan/triplestore/internal/sparql/binding"
)

// buildPath evaluates a SPARQL property path as the relation its PathExpr
// denotes, computed by BFS over term ids rather than a literal
// NFA-over-triples construction: Seq/Alt/Inverse compose the relation
// recursively one hop at a time, and Star/Plus/Opt take the closure of
// their inner relation inside expandStep. The top level applies the
// expression exactly once — a bare edge is one hop, a starred edge is its
// own closure. Hard caps (MaxPathDepth/Frontier/Visited/Results) bound
// the search regardless of how the path is shaped.
func (e *Executor) buildPath(p *algebra.Path, parent binding.Binding) (RowIter, error) {
	sVal, sBound := slotValue(p.Subject, parent)
	oVal, oBound := slotValue(p.Object, parent)

	switch {
	case sBound && oBound:
		ok, err := e.reachable(p.Expr, sVal, oVal)
		if err != nil {
			return nil, err
		}
		if ok {
			return &sliceRowIter{rows: []binding.Binding{parent}}, nil
		}
		return &sliceRowIter{}, nil

	case sBound && !oBound:
		reached, err := e.expandStep(p.Expr, []dictionary.TermId{sVal}, true)
		if err != nil {
			return nil, err
		}
		return bindPathSet(reached, p.Object, parent)

	case !sBound && oBound:
		reached, err := e.expandStep(p.Expr, []dictionary.TermId{oVal}, false)
		if err != nil {
			return nil, err
		}
		return bindPathSet(reached, p.Subject, parent)

	default:
		starts, err := e.allSubjects()
		if err != nil {
			return nil, err
		}
		var rows []binding.Binding
		for _, s := range starts {
			reached, err := e.expandStep(p.Expr, []dictionary.TermId{s}, true)
			if err != nil {
				return nil, err
			}
			for _, o := range reached {
				row := parent.With(int(p.Subject.Var), s)
				row = row.With(int(p.Object.Var), o)
				rows = append(rows, row)
				if len(rows) > MaxPathResults {
					return nil, errs.ResourceExceeded("path results", MaxPathResults)
				}
			}
		}
		return &sliceRowIter{rows: rows}, nil
	}
}

// reachable decides the both-endpoints-bound case. A closure expression
// (Star/Plus at the top) runs a bidirectional BFS over its inner relation
// meeting in the middle, so the depth cap applies to each side rather
// than the full span; Opt checks the zero-length match and one hop; any
// other expression is a single match.
func (e *Executor) reachable(expr algebra.PathExpr, s, o dictionary.TermId) (bool, error) {
	switch t := expr.(type) {
	case *algebra.PathStar:
		if s == o {
			return true, nil
		}
		return e.bidirectionalReach(t.Inner, []dictionary.TermId{s}, o)
	case *algebra.PathPlus:
		// At least one hop: seed the forward side with the first hop so a
		// zero-length s == o meeting cannot count.
		hop1, err := e.expandStep(t.Inner, []dictionary.TermId{s}, true)
		if err != nil {
			return false, err
		}
		for _, n := range hop1 {
			if n == o {
				return true, nil
			}
		}
		return e.bidirectionalReach(t.Inner, hop1, o)
	case *algebra.PathOpt:
		if s == o {
			return true, nil
		}
		hop1, err := e.expandStep(t.Inner, []dictionary.TermId{s}, true)
		if err != nil {
			return false, err
		}
		for _, n := range hop1 {
			if n == o {
				return true, nil
			}
		}
		return false, nil
	default:
		reached, err := e.expandStep(expr, []dictionary.TermId{s}, true)
		if err != nil {
			return false, err
		}
		for _, n := range reached {
			if n == o {
				return true, nil
			}
		}
		return false, nil
	}
}

// bidirectionalReach alternates one-step expansions of whichever frontier
// is currently smaller — forward over inner from the start set, backward
// from the target — and reports whether the two visited sets ever meet.
func (e *Executor) bidirectionalReach(inner algebra.PathExpr, starts []dictionary.TermId, target dictionary.TermId) (bool, error) {
	if len(starts) == 0 {
		return false, nil
	}
	fwdSeen := map[dictionary.TermId]bool{}
	for _, s := range starts {
		if s == target {
			return true, nil
		}
		fwdSeen[s] = true
	}
	bwdSeen := map[dictionary.TermId]bool{target: true}
	fwd := append([]dictionary.TermId(nil), starts...)
	bwd := []dictionary.TermId{target}

	for depth := 0; depth < MaxPathDepth && len(fwd) > 0 && len(bwd) > 0; depth++ {
		if err := e.checkDeadline(); err != nil {
			return false, err
		}
		forward := len(fwd) <= len(bwd)
		frontier := fwd
		if !forward {
			frontier = bwd
		}
		next, err := e.expandStep(inner, frontier, forward)
		if err != nil {
			return false, err
		}
		var fresh []dictionary.TermId
		for _, n := range next {
			seen, other := fwdSeen, bwdSeen
			if !forward {
				seen, other = bwdSeen, fwdSeen
			}
			if other[n] {
				return true, nil
			}
			if !seen[n] {
				seen[n] = true
				fresh = append(fresh, n)
				if len(fwdSeen)+len(bwdSeen) > MaxPathVisited {
					return false, errs.ResourceExceeded("path visited set", MaxPathVisited)
				}
			}
		}
		if forward {
			fwd = fresh
		} else {
			bwd = fresh
		}
	}
	return false, nil
}

func bindPathSet(reached []dictionary.TermId, slot algebra.TermSlot, parent binding.Binding) (RowIter, error) {
	rows := make([]binding.Binding, 0, len(reached))
	for _, v := range reached {
		rows = append(rows, parent.With(int(slot.Var), v))
	}
	return &sliceRowIter{rows: rows}, nil
}

// allSubjects collects every distinct node that appears as a subject,
// bounded by MaxPathFrontier — the fallback used only when a path pattern
// leaves both endpoints unbound.
func (e *Executor) allSubjects() ([]dictionary.TermId, error) {
	it, err := e.store.Scan(index.Pattern{})
	if err != nil {
		return nil, err
	}
	defer it.Close()
	seen := map[dictionary.TermId]bool{}
	var out []dictionary.TermId
	for it.Next() {
		s := it.Triple().S
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
			if len(out) > MaxPathFrontier {
				return nil, errs.ResourceExceeded("path frontier", MaxPathFrontier)
			}
		}
	}
	return out, nil
}

// pathClosure runs a capped BFS from start, returning the
// reflexive-transitive closure of expr's one-step relation — the helper
// Star and Plus build on (the returned set always includes start, which
// is exactly Star's zero-length match; Plus strips it by seeding the
// closure with the first hop instead of the origin).
func (e *Executor) pathClosure(expr algebra.PathExpr, start []dictionary.TermId, forward bool) (map[dictionary.TermId]bool, error) {
	visited := map[dictionary.TermId]bool{}
	frontier := append([]dictionary.TermId(nil), start...)
	for _, s := range frontier {
		visited[s] = true
	}
	for depth := 0; depth < MaxPathDepth && len(frontier) > 0; depth++ {
		next, err := e.expandStep(expr, frontier, forward)
		if err != nil {
			return nil, err
		}
		var fresh []dictionary.TermId
		for _, n := range next {
			if !visited[n] {
				visited[n] = true
				fresh = append(fresh, n)
				if len(visited) > MaxPathVisited {
					return nil, errs.ResourceExceeded("path visited set", MaxPathVisited)
				}
			}
		}
		if len(fresh) == 0 {
			break
		}
		frontier = fresh
	}
	return visited, nil
}

// expandStep computes, for expr, the set of nodes reachable from any node
// in frontier by exactly one match of expr in the given direction. This is
// the compositional definition of SPARQL path matching: Seq composes two
// sub-relations, Alt unions them, Inverse swaps direction, Star/Plus/Opt
// are closures of their inner relation (handled by the caller wrapping
// pathClosure around expandStep, except where a single recursive call
// suffices below).
func (e *Executor) expandStep(expr algebra.PathExpr, frontier []dictionary.TermId, forward bool) ([]dictionary.TermId, error) {
	switch t := expr.(type) {
	case *algebra.PathEdge:
		pred, _ := t.Predicate.(dictionary.TermId)
		return e.hop(frontier, pred, forward)

	case *algebra.PathInverse:
		return e.expandStep(t.Inner, frontier, !forward)

	case *algebra.PathSeq:
		if forward {
			mid, err := e.expandStep(t.Left, frontier, forward)
			if err != nil {
				return nil, err
			}
			return e.expandStep(t.Right, mid, forward)
		}
		mid, err := e.expandStep(t.Right, frontier, forward)
		if err != nil {
			return nil, err
		}
		return e.expandStep(t.Left, mid, forward)

	case *algebra.PathAlt:
		left, err := e.expandStep(t.Left, frontier, forward)
		if err != nil {
			return nil, err
		}
		right, err := e.expandStep(t.Right, frontier, forward)
		if err != nil {
			return nil, err
		}
		return union(left, right), nil

	case *algebra.PathStar:
		closure, err := e.pathClosure(t.Inner, frontier, forward)
		if err != nil {
			return nil, err
		}
		return keys(closure), nil

	case *algebra.PathPlus:
		hop1, err := e.expandStep(t.Inner, frontier, forward)
		if err != nil {
			return nil, err
		}
		rest, err := e.pathClosure(t.Inner, hop1, forward)
		if err != nil {
			return nil, err
		}
		return keys(rest), nil

	case *algebra.PathOpt:
		hop1, err := e.expandStep(t.Inner, frontier, forward)
		if err != nil {
			return nil, err
		}
		return union(frontier, hop1), nil

	case *algebra.PathNegatedSet:
		return e.hopNegated(frontier, t, forward)

	default:
		return nil, errs.New(errs.KindInvalidSparql, "unrecognized property path expression")
	}
}

// hop resolves one direct-predicate step for every node in frontier,
// fanning the per-node index scans out across goroutines (the search is
// I/O-bound on kv iterator seeks, and frontiers are independent of each
// other by construction).
func (e *Executor) hop(frontier []dictionary.TermId, pred dictionary.TermId, forward bool) ([]dictionary.TermId, error) {
	var mu sync.Mutex
	seen := map[dictionary.TermId]bool{}
	var out []dictionary.TermId
	g := new(errgroup.Group)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for _, node := range frontier {
		node := node
		g.Go(func() error {
			var pattern index.Pattern
			if forward {
				pattern = index.Pattern{S: &node, P: &pred}
			} else {
				pattern = index.Pattern{P: &pred, O: &node}
			}
			it, err := e.store.Scan(pattern)
			if err != nil {
				return err
			}
			defer it.Close()
			var local []dictionary.TermId
			for it.Next() {
				t := it.Triple()
				if forward {
					local = append(local, t.O)
				} else {
					local = append(local, t.S)
				}
			}
			mu.Lock()
			for _, n := range local {
				if !seen[n] {
					seen[n] = true
					out = append(out, n)
				}
			}
			tooMany := len(out) > MaxPathFrontier
			mu.Unlock()
			if tooMany {
				return errs.ResourceExceeded("path frontier", MaxPathFrontier)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// hopNegated steps over every predicate NOT named in ns's set for the
// traversal direction in play (SPARQL's !(iri1|...|iriN) / !(^iri1|...)
// negated property set).
func (e *Executor) hopNegated(frontier []dictionary.TermId, ns *algebra.PathNegatedSet, forward bool) ([]dictionary.TermId, error) {
	excluded := map[dictionary.TermId]bool{}
	list := ns.Forward
	if !forward {
		list = ns.Reverse
	}
	for _, v := range list {
		id, _ := v.(dictionary.TermId)
		excluded[id] = true
	}
	seen := map[dictionary.TermId]bool{}
	var out []dictionary.TermId
	for _, node := range frontier {
		var pattern index.Pattern
		if forward {
			pattern = index.Pattern{S: &node}
		} else {
			pattern = index.Pattern{O: &node}
		}
		it, err := e.store.Scan(pattern)
		if err != nil {
			return nil, err
		}
		for it.Next() {
			t := it.Triple()
			if excluded[t.P] {
				continue
			}
			n := t.O
			if !forward {
				n = t.S
			}
			if !seen[n] {
				seen[n] = true
				out = append(out, n)
			}
		}
		it.Close()
		if len(out) > MaxPathFrontier {
			return nil, errs.ResourceExceeded("path frontier", MaxPathFrontier)
		}
	}
	return out, nil
}

func union(a, b []dictionary.TermId) []dictionary.TermId {
	seen := map[dictionary.TermId]bool{}
	out := make([]dictionary.TermId, 0, len(a)+len(b))
	for _, list := range [][]dictionary.TermId{a, b} {
		for _, v := range list {
			if !seen[v] {
				seen[v] = true
				out = append(out, v)
			}
		}
	}
	return out
}

func keys(m map[dictionary.TermId]bool) []dictionary.TermId {
	out := make([]dictionary.TermId, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
