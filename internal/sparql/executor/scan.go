package executor

import (
	"sort"

	"github.com/ontospan/triplestore/internal/algebra"
	"github.com/ontospan/triplestore/internal/dictionary"
	"github.com/ontospan/triplestore/internal/index"
	"github.com/ontospan/triplestore/internal/sparql/binding"
)

// buildBGP dispatches on the optimizer-chosen strategy: a
// scan-chain is a sequence of pairwise nested-loop joins, left to right;
// leapfrog evaluates every pattern together, one shared variable at a
// time.
func (e *Executor) buildBGP(bgp *algebra.BGP) (RowIter, error) {
	if len(bgp.Patterns) == 0 {
		return &sliceRowIter{rows: []binding.Binding{binding.New(e.vars.Width())}}, nil
	}
	if bgp.Strategy == algebra.BGPLeapfrog && len(bgp.VarOrder) > 0 {
		return e.buildLeapfrog(bgp)
	}
	return e.buildScanChain(bgp.Patterns, binding.New(e.vars.Width()))
}

// buildScanChain joins patterns left to right: the first pattern's scan is
// the outer loop, and each subsequent pattern is re-scanned once per outer
// row with that row's already-bound variables substituted in as
// constraints.
func (e *Executor) buildScanChain(patterns []algebra.TriplePatternNode, base binding.Binding) (RowIter, error) {
	first, err := e.patternIter(patterns[0], base)
	if err != nil {
		return nil, err
	}
	var chain RowIter = first
	for i := 1; i < len(patterns); i++ {
		p := patterns[i]
		chain = &nestedLoopIter{
			left: chain,
			buildRight: func(left binding.Binding) (RowIter, error) {
				return e.patternIter(p, left)
			},
		}
	}
	return chain, nil
}

// patternIter scans pattern, constraining any of its positions already
// bound in parent (either a compile-time constant or a variable the outer
// loop already resolved), and binds the rest into a cloned row per match.
func (e *Executor) patternIter(pattern algebra.TriplePatternNode, parent binding.Binding) (RowIter, error) {
	pat := resolvePattern(pattern, parent)
	raw, err := e.store.Scan(pat)
	if err != nil {
		return nil, err
	}
	return &patternRowIter{raw: raw, pattern: pattern, parent: parent}, nil
}

type patternRowIter struct {
	raw     TripleIter
	pattern algebra.TriplePatternNode
	parent  binding.Binding
	current binding.Binding
}

func (p *patternRowIter) Next() bool {
	for p.raw.Next() {
		row, ok := bindPattern(p.pattern, p.raw.Triple(), p.parent)
		if !ok {
			continue
		}
		p.current = row
		return true
	}
	return false
}

func (p *patternRowIter) Row() binding.Binding { return p.current }
func (p *patternRowIter) Err() error           { return nil }
func (p *patternRowIter) Close() error         { return p.raw.Close() }

// resolvePattern projects pattern's bound/known positions into an
// index.Pattern usable for a prefix scan; positions whose variable is not
// yet bound in row stay unbound (nil).
func resolvePattern(pattern algebra.TriplePatternNode, row binding.Binding) index.Pattern {
	var out index.Pattern
	if id, ok := slotValue(pattern.Subject, row); ok {
		v := id
		out.S = &v
	}
	if id, ok := slotValue(pattern.Predicate, row); ok {
		v := id
		out.P = &v
	}
	if id, ok := slotValue(pattern.Object, row); ok {
		v := id
		out.O = &v
	}
	return out
}

func slotValue(ts algebra.TermSlot, row binding.Binding) (dictionary.TermId, bool) {
	if ts.Bound {
		id, _ := ts.Value.(dictionary.TermId)
		return id, true
	}
	return row.Get(int(ts.Var))
}

// bindPattern extends row with t's values at pattern's variable positions,
// failing if a position is already bound (to a constant or an earlier
// pattern's match, including the same pattern using one variable twice)
// to a different value.
func bindPattern(pattern algebra.TriplePatternNode, t index.Triple, row binding.Binding) (binding.Binding, bool) {
	row, ok := applyPosition(row, pattern.Subject, t.S)
	if !ok {
		return row, false
	}
	row, ok = applyPosition(row, pattern.Predicate, t.P)
	if !ok {
		return row, false
	}
	return applyPosition(row, pattern.Object, t.O)
}

func applyPosition(row binding.Binding, ts algebra.TermSlot, val dictionary.TermId) (binding.Binding, bool) {
	if ts.Bound {
		id, _ := ts.Value.(dictionary.TermId)
		return row, id == val
	}
	if existing, ok := row.Get(int(ts.Var)); ok {
		return row, existing == val
	}
	return row.With(int(ts.Var), val), true
}

// --- leapfrog BGP strategy ---

// buildLeapfrog evaluates bgp's patterns together, resolving one variable
// of bgp.VarOrder at a time. For each variable it scans every pattern that
// mentions it (holding already-resolved variables fixed) and intersects
// their candidate value sets — the leapfrog seek-to-max-then-advance
// algorithm applied per variable — so a value survives only if every
// pattern sharing that variable actually offers it, the same guarantee a
// streaming trie-iterator join gives, before recursing into the next
// variable.
func (e *Executor) buildLeapfrog(bgp *algebra.BGP) (RowIter, error) {
	constOK, err := verifyConstantPatterns(bgp.Patterns, e.store)
	if err != nil {
		return nil, err
	}
	if !constOK {
		return &sliceRowIter{}, nil
	}
	it := newProducerIter(func(emit func(binding.Binding) bool) error {
		return e.solveLeapfrog(bgp.Patterns, bgp.VarOrder, 0, binding.New(e.vars.Width()), emit)
	})
	return it, nil
}

func (e *Executor) solveLeapfrog(patterns []algebra.TriplePatternNode, order []algebra.Slot, idx int, row binding.Binding, emit func(binding.Binding) bool) error {
	if err := e.checkDeadline(); err != nil {
		return err
	}
	if idx == len(order) {
		emit(row)
		return nil
	}
	v := order[idx]
	values, err := e.valuesForVar(patterns, v, row)
	if err != nil {
		return err
	}
	for _, val := range values {
		next := row.With(int(v), val)
		ok, err := verifyGroundedPatterns(patterns, next, e.store)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		if err := e.solveLeapfrog(patterns, order, idx+1, next, emit); err != nil {
			return err
		}
	}
	return nil
}

// valuesForVar computes, for every pattern mentioning v, the sorted set of
// values v may take given row's existing bindings, then intersects them:
// a leapfrog join only ever advances past a candidate every relation
// agrees on.
func (e *Executor) valuesForVar(patterns []algebra.TriplePatternNode, v algebra.Slot, row binding.Binding) ([]dictionary.TermId, error) {
	var sets [][]dictionary.TermId
	for _, p := range patterns {
		if !mentions(p, v) {
			continue
		}
		pat := resolvePattern(p, row)
		it, err := e.store.Scan(pat)
		if err != nil {
			return nil, err
		}
		seen := map[dictionary.TermId]bool{}
		var vals []dictionary.TermId
		for it.Next() {
			candidate, ok := bindPattern(p, it.Triple(), row)
			if !ok {
				continue
			}
			val, _ := candidate.Get(int(v))
			if !seen[val] {
				seen[val] = true
				vals = append(vals, val)
			}
		}
		it.Close()
		sort.Slice(vals, func(i, j int) bool { return vals[i] < vals[j] })
		sets = append(sets, vals)
	}
	return intersectSorted(sets), nil
}

func mentions(p algebra.TriplePatternNode, v algebra.Slot) bool {
	for _, ts := range []algebra.TermSlot{p.Subject, p.Predicate, p.Object} {
		if !ts.Bound && ts.Var == v {
			return true
		}
	}
	return false
}

// intersectSorted merges N sorted, deduplicated slices via the classic
// leapfrog seek: always advance whichever iterator sits behind the
// current maximum, until either one is exhausted or all agree.
func intersectSorted(sets [][]dictionary.TermId) []dictionary.TermId {
	if len(sets) == 0 {
		return nil
	}
	idx := make([]int, len(sets))
	var out []dictionary.TermId
	for {
		var max dictionary.TermId
		for i, s := range sets {
			if idx[i] >= len(s) {
				return out
			}
			if v := s[idx[i]]; v > max {
				max = v
			}
		}
		allEqual := true
		for i, s := range sets {
			for idx[i] < len(s) && s[idx[i]] < max {
				idx[i]++
			}
			if idx[i] >= len(s) {
				return out
			}
			if s[idx[i]] != max {
				allEqual = false
			}
		}
		if allEqual {
			out = append(out, max)
			for i := range sets {
				idx[i]++
			}
		}
	}
}

func verifyConstantPatterns(patterns []algebra.TriplePatternNode, store *Store) (bool, error) {
	for _, p := range patterns {
		if !p.Subject.Bound || !p.Predicate.Bound || !p.Object.Bound {
			continue
		}
		t := index.Triple{}
		t.S, _ = p.Subject.Value.(dictionary.TermId)
		t.P, _ = p.Predicate.Value.(dictionary.TermId)
		t.O, _ = p.Object.Value.(dictionary.TermId)
		ok, err := store.Exists(t)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

// verifyGroundedPatterns checks every pattern whose three positions are
// now all resolvable from row, confirming the join candidate that just
// became fully bound actually exists (guards against a pattern with two
// occurrences of the variable just assigned landing on an inconsistent
// triple that intersectSorted's single-variable view couldn't see).
func verifyGroundedPatterns(patterns []algebra.TriplePatternNode, row binding.Binding, store *Store) (bool, error) {
	for _, p := range patterns {
		s, sok := slotValue(p.Subject, row)
		pr, pok := slotValue(p.Predicate, row)
		o, ook := slotValue(p.Object, row)
		if !sok || !pok || !ook {
			continue
		}
		ok, err := store.Exists(index.Triple{S: s, P: pr, O: o})
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}
