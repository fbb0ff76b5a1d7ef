package reasoner

import (
	"sort"

	"github.com/ontospan/triplestore/internal/dictionary"
	"github.com/ontospan/triplestore/internal/index"
)

// matchRule joins rule's body against full, requiring that at least one
// body atom is satisfied using a fact drawn from delta — the semi-naive
// trick that avoids rederiving old conclusions. Over-generation across
// different delta positions is expected
// and harmless: the caller dedupes against the accumulated derived set
// before writing anything.
func matchRule(rule CompiledRule, delta, full *factSet) []index.Triple {
	var out []index.Triple
	for deltaPos := range rule.Body {
		out = append(out, joinFrom(rule, deltaPos, delta, full)...)
	}
	return out
}

// joinFrom recursively matches rule.Body, sourcing position deltaPos's
// candidates from delta and every other position from full.
func joinFrom(rule CompiledRule, deltaPos int, delta, full *factSet) []index.Triple {
	var results []index.Triple
	var walk func(i int, bound map[int]dictionary.TermId)
	walk = func(i int, bound map[int]dictionary.TermId) {
		if i == len(rule.Body) {
			t, ok := instantiate(rule.Head, bound)
			if ok {
				results = append(results, t)
			}
			return
		}
		src := full
		if i == deltaPos {
			src = delta
		}
		pat := rule.Body[i]
		for _, cand := range src.candidates(pat, bound) {
			next, ok := extend(pat, cand, bound)
			if !ok {
				continue
			}
			walk(i+1, next)
		}
	}
	walk(0, map[int]dictionary.TermId{})
	return results
}

// extend checks cand against pat under the current bindings and, if
// compatible, returns the (possibly enlarged) binding map.
func extend(pat compiledPattern, cand index.Triple, bound map[int]dictionary.TermId) (map[int]dictionary.TermId, bool) {
	next := make(map[int]dictionary.TermId, len(bound)+3)
	for k, v := range bound {
		next[k] = v
	}
	if !unify(pat.S, cand.S, next) {
		return nil, false
	}
	if !unify(pat.P, cand.P, next) {
		return nil, false
	}
	if !unify(pat.O, cand.O, next) {
		return nil, false
	}
	return next, true
}

func unify(t compiledTerm, val dictionary.TermId, bound map[int]dictionary.TermId) bool {
	if !t.isVar {
		return t.id == val
	}
	if existing, ok := bound[t.slot]; ok {
		return existing == val
	}
	bound[t.slot] = val
	return true
}

// instantiate builds the head triple from bound variable assignments.
// Fails (ok=false) if the head references a variable the body join never
// assigned — unreachable for a Compile-validated rule, kept defensive.
func instantiate(head compiledPattern, bound map[int]dictionary.TermId) (index.Triple, bool) {
	s, ok := resolveSlot(head.S, bound)
	if !ok {
		return index.Triple{}, false
	}
	p, ok := resolveSlot(head.P, bound)
	if !ok {
		return index.Triple{}, false
	}
	o, ok := resolveSlot(head.O, bound)
	if !ok {
		return index.Triple{}, false
	}
	return index.Triple{S: s, P: p, O: o}, true
}

// ruleLayers groups rules into dependency layers for parallel
// evaluation: a rule belongs to layer
// L if its body mentions no constant head predicate of another rule in
// layer L or later — i.e. every rule whose output it reads sits in an
// earlier layer, and no two rules in one layer feed each other. Layer 0
// runs first. Rules whose head predicate is itself a variable (e.g.
// cls-hv2) conservatively go in the last layer, since their output
// predicate can't be resolved ahead of time.
func ruleLayers(rules []CompiledRule) [][]CompiledRule {
	headPred := make([]dictionary.TermId, len(rules))
	headIsVar := make([]bool, len(rules))
	for i, r := range rules {
		if r.Head.P.isVar {
			headIsVar[i] = true
			continue
		}
		headPred[i] = r.Head.P.id
	}
	dependsOn := func(a, b int) bool {
		// a depends on b if a's body mentions b's head predicate.
		if headIsVar[b] {
			return false
		}
		for _, p := range rules[a].Body {
			if !p.P.isVar && p.P.id == headPred[b] {
				return true
			}
		}
		return false
	}
	remaining := make([]int, len(rules))
	for i := range rules {
		remaining[i] = i
	}
	var layers [][]CompiledRule
	placed := make([]bool, len(rules))
	for len(remaining) > 0 {
		var layerIdx []int
		var rest []int
		for _, i := range remaining {
			dependsOnUnplaced := false
			for _, j := range remaining {
				if i == j || placed[j] {
					continue
				}
				if dependsOn(i, j) {
					dependsOnUnplaced = true
					break
				}
			}
			if headIsVar[i] {
				dependsOnUnplaced = true // conservative: always last
			}
			if dependsOnUnplaced {
				rest = append(rest, i)
			} else {
				layerIdx = append(layerIdx, i)
			}
		}
		if len(layerIdx) == 0 {
			// Cycle (e.g. sameAs/transitive families feeding each other):
			// flush everything remaining as one final layer rather than
			// looping forever.
			layerIdx = rest
			rest = nil
		}
		layer := make([]CompiledRule, len(layerIdx))
		for k, i := range layerIdx {
			layer[k] = rules[i]
			placed[i] = true
		}
		layers = append(layers, layer)
		remaining = rest
	}
	return layers
}

// sortTriples gives a deterministic order over a derived batch before it
// is written, so concurrent rule evaluation still produces the same
// on-disk outcome every run.
func sortTriples(ts []index.Triple) {
	sort.Slice(ts, func(i, j int) bool {
		if ts[i].S != ts[j].S {
			return ts[i].S < ts[j].S
		}
		if ts[i].P != ts[j].P {
			return ts[i].P < ts[j].P
		}
		return ts[i].O < ts[j].O
	})
}
