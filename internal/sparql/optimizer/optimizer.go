// Package optimizer rewrites a compiled algebra.Plan into one the executor
// can run efficiently: constant folding, BGP
// pattern reordering by selectivity, filter push-down, join strategy
// selection, and a cache of previously-optimized plans keyed by a
// structural hash. Cardinality estimates come from internal/stats, and
// join/strategy choice is annotated onto the algebra nodes themselves
// rather than a parallel plan tree.
package optimizer

import (
	"encoding/binary"
	"sort"

	"github.com/dgraph-io/ristretto/v2"
	"github.com/zeebo/xxh3"

	"github.com/ontospan/triplestore/internal/algebra"
	"github.com/ontospan/triplestore/internal/dictionary"
	"github.com/ontospan/triplestore/internal/sparql/evaluator"
	"github.com/ontospan/triplestore/internal/stats"
	"github.com/ontospan/triplestore/pkg/rdf"
)

// dpMaxPatterns bounds the subset table of the join-order dynamic
// program (2^n states); beyond it the greedy attachment order takes
// over.
const dpMaxPatterns = 16

// joinSelectivity is the assumed shrink factor of a shared-variable
// equi-join step, applied per connected extension in the join-order DP.
const joinSelectivity = 0.1

// Optimizer rewrites plans against a live statistics snapshot. It is safe
// for concurrent use: Optimize only reads from stats and the plan cache.
type Optimizer struct {
	stats *stats.Stats
	cache *ristretto.Cache[uint64, *algebra.Plan]
}

// New builds an Optimizer backed by st and an in-memory plan cache of
// capacity maxEntries (0 disables caching).
func New(st *stats.Stats, maxEntries int64) (*Optimizer, error) {
	o := &Optimizer{stats: st}
	if maxEntries <= 0 {
		return o, nil
	}
	c, err := ristretto.NewCache(&ristretto.Config[uint64, *algebra.Plan]{
		NumCounters: maxEntries * 10,
		MaxCost:     maxEntries,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	o.cache = c
	return o, nil
}

// Optimize returns an optimized copy of plan. A structurally identical
// plan (same algebra shape, slot numbering, and bound term values) served
// twice hits the cache on the second call.
func (o *Optimizer) Optimize(plan *algebra.Plan) *algebra.Plan {
	key := planHash(plan)
	if o.cache != nil {
		if cached, ok := o.cache.Get(key); ok {
			return cached
		}
	}
	snap := o.stats.Snapshot()
	out := &algebra.Plan{
		Root:  o.optimizeNode(plan.Root, &snap),
		Vars:  plan.Vars,
		Forms: plan.Forms,
	}
	if o.cache != nil {
		o.cache.Set(key, out, 1)
		// Admission is asynchronous; waiting keeps Optimize read-your-write
		// so a repeated query shape hits on its very next arrival.
		o.cache.Wait()
	}
	return out
}

// Invalidate drops every cached plan. Called by the transaction
// coordinator after a commit touches predicates the plans depend on
// (the plan cache itself has no per-predicate index, unlike the result
// cache, so a commit clears it wholesale; the
// costlier per-query recompilation is cheap relative to a stale plan
// silently using superseded selectivity estimates).
func (o *Optimizer) Invalidate() {
	if o.cache != nil {
		o.cache.Clear()
	}
}

// PlanKey returns plan's canonical structural hash — the same key the
// plan cache uses, exported so the result cache can share it.
func PlanKey(plan *algebra.Plan) uint64 { return planHash(plan) }

func planHash(plan *algebra.Plan) uint64 {
	h := xxh3.New()
	hashNode(h, plan.Root)
	var formByte [1]byte
	formByte[0] = byte(plan.Forms)
	h.Write(formByte[:])
	return h.Sum64()
}

func hashNode(h *xxh3.Hasher, n algebra.Node) {
	switch t := n.(type) {
	case *algebra.BGP:
		h.Write([]byte{1})
		for _, p := range t.Patterns {
			hashTermSlot(h, p.Subject)
			hashTermSlot(h, p.Predicate)
			hashTermSlot(h, p.Object)
		}
	case *algebra.Path:
		h.Write([]byte{2})
		hashTermSlot(h, t.Subject)
		hashTermSlot(h, t.Object)
		hashPath(h, t.Expr)
	case *algebra.Join:
		h.Write([]byte{3})
		hashNode(h, t.Left)
		hashNode(h, t.Right)
	case *algebra.LeftJoin:
		h.Write([]byte{4})
		hashNode(h, t.Left)
		hashNode(h, t.Right)
		if t.Filter != nil {
			hashExpr(h, t.Filter)
		}
	case *algebra.Union:
		h.Write([]byte{5})
		hashNode(h, t.Left)
		hashNode(h, t.Right)
	case *algebra.Minus:
		h.Write([]byte{6})
		hashNode(h, t.Left)
		hashNode(h, t.Right)
	case *algebra.Filter:
		h.Write([]byte{7})
		hashExpr(h, t.Expr)
		hashNode(h, t.Input)
	case *algebra.Extend:
		h.Write([]byte{8, byte(t.Slot)})
		hashExpr(h, t.Expr)
		hashNode(h, t.Input)
	case *algebra.Project:
		h.Write([]byte{9})
		hashNode(h, t.Input)
		for _, s := range t.Slots {
			h.Write([]byte{byte(s)})
		}
	case *algebra.Distinct:
		h.Write([]byte{10})
		hashNode(h, t.Input)
	case *algebra.Reduced:
		h.Write([]byte{11})
		hashNode(h, t.Input)
	case *algebra.OrderBy:
		h.Write([]byte{12})
		for _, c := range t.Conditions {
			dir := byte(0)
			if c.Ascending {
				dir = 1
			}
			h.Write([]byte{dir})
			hashExpr(h, c.Expr)
		}
		hashNode(h, t.Input)
	case *algebra.Slice:
		h.Write([]byte{13})
		hashInt64(h, t.Offset)
		hashInt64(h, t.Limit)
		hashNode(h, t.Input)
	case *algebra.Group:
		h.Write([]byte{14})
		for _, s := range t.By {
			h.Write([]byte{byte(s)})
		}
		for _, a := range t.Aggregates {
			h.Write([]byte{byte(a.Slot)})
			h.Write([]byte(a.Function))
			flags := byte(0)
			if a.Distinct {
				flags |= 1
			}
			if a.Wildcard {
				flags |= 2
			}
			h.Write([]byte{flags})
			h.Write([]byte(a.Separator))
			if a.Operand != nil {
				hashExpr(h, a.Operand)
			}
		}
		hashNode(h, t.Input)
	case *algebra.Values:
		h.Write([]byte{15})
		for _, s := range t.Vars {
			h.Write([]byte{byte(s)})
		}
		for _, row := range t.Rows {
			h.Write([]byte{16})
			for _, cell := range row {
				if cell == nil {
					h.Write([]byte{0})
					continue
				}
				id, _ := cell.(dictionary.TermId)
				b := id.Bytes()
				h.Write([]byte{1})
				h.Write(b[:])
			}
		}
	}
}

func hashInt64(h *xxh3.Hasher, v int64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(v))
	h.Write(b[:])
}

// hashExpr folds an expression's full structure into the plan hash; two
// plans differing only in a filter constant must never share a cache
// entry.
func hashExpr(h *xxh3.Hasher, e algebra.Expr) {
	switch t := e.(type) {
	case *algebra.ConstExpr:
		h.Write([]byte{20})
		if term, ok := t.Value.(rdf.Term); ok && term != nil {
			h.Write([]byte(term.String()))
		}
	case *algebra.VarExpr:
		h.Write([]byte{21, byte(t.Slot)})
	case *algebra.BinaryExpr:
		h.Write([]byte{22, byte(t.Op)})
		hashExpr(h, t.Left)
		hashExpr(h, t.Right)
	case *algebra.UnaryExpr:
		h.Write([]byte{23, byte(t.Op)})
		hashExpr(h, t.Operand)
	case *algebra.CallExpr:
		h.Write([]byte{24})
		h.Write([]byte(t.Function))
		for _, a := range t.Args {
			hashExpr(h, a)
		}
	case *algebra.AggregateRefExpr:
		h.Write([]byte{25, byte(t.Slot)})
	case *algebra.ExistsExpr:
		neg := byte(0)
		if t.Negated {
			neg = 1
		}
		h.Write([]byte{26, neg})
		hashNode(h, t.Pattern)
	}
}

// hashPath folds a property path expression's shape into the plan hash.
func hashPath(h *xxh3.Hasher, p algebra.PathExpr) {
	switch t := p.(type) {
	case *algebra.PathEdge:
		h.Write([]byte{30})
		if id, ok := t.Predicate.(dictionary.TermId); ok {
			b := id.Bytes()
			h.Write(b[:])
		}
	case *algebra.PathInverse:
		h.Write([]byte{31})
		hashPath(h, t.Inner)
	case *algebra.PathSeq:
		h.Write([]byte{32})
		hashPath(h, t.Left)
		hashPath(h, t.Right)
	case *algebra.PathAlt:
		h.Write([]byte{33})
		hashPath(h, t.Left)
		hashPath(h, t.Right)
	case *algebra.PathStar:
		h.Write([]byte{34})
		hashPath(h, t.Inner)
	case *algebra.PathPlus:
		h.Write([]byte{35})
		hashPath(h, t.Inner)
	case *algebra.PathOpt:
		h.Write([]byte{36})
		hashPath(h, t.Inner)
	case *algebra.PathNegatedSet:
		h.Write([]byte{37})
		for _, lists := range [][]interface{}{t.Forward, t.Reverse} {
			h.Write([]byte{38})
			for _, v := range lists {
				if id, ok := v.(dictionary.TermId); ok {
					b := id.Bytes()
					h.Write(b[:])
				}
			}
		}
	}
}

func hashTermSlot(h *xxh3.Hasher, ts algebra.TermSlot) {
	if !ts.Bound {
		h.Write([]byte{0, byte(ts.Var)})
		return
	}
	id, _ := ts.Value.(dictionary.TermId)
	b := id.Bytes()
	h.Write([]byte{1})
	h.Write(b[:])
}

// optimizeNode walks n bottom-up, rewriting as it goes. Filter push-down
// happens in the same walk: a Filter's input is optimized first, so its
// in-scope variables are known, and pushFilter then moves the Filter
// below that optimized input where it can.
func (o *Optimizer) optimizeNode(n algebra.Node, snap *stats.Snapshot) algebra.Node {
	switch t := n.(type) {
	case *algebra.BGP:
		return o.optimizeBGP(t, snap)
	case *algebra.Join:
		left := o.optimizeNode(t.Left, snap)
		right := o.optimizeNode(t.Right, snap)
		return &algebra.Join{Left: left, Right: right, Strategy: chooseJoinStrategy(left, right)}
	case *algebra.LeftJoin:
		return &algebra.LeftJoin{
			Left:   o.optimizeNode(t.Left, snap),
			Right:  o.optimizeNode(t.Right, snap),
			Filter: foldExpr(t.Filter),
		}
	case *algebra.Union:
		return &algebra.Union{Left: o.optimizeNode(t.Left, snap), Right: o.optimizeNode(t.Right, snap)}
	case *algebra.Minus:
		return &algebra.Minus{Left: o.optimizeNode(t.Left, snap), Right: o.optimizeNode(t.Right, snap)}
	case *algebra.Filter:
		input := o.optimizeNode(t.Input, snap)
		folded := foldExpr(t.Expr)
		// A filter folded to a constant either disappears or empties the
		// whole subtree (an empty VALUES is the empty relation).
		if c, ok := folded.(*algebra.ConstExpr); ok {
			if term, isTerm := c.Value.(rdf.Term); isTerm {
				if ebv, err := evaluator.EBV(term); err == nil {
					if ebv {
						return input
					}
					return &algebra.Values{}
				}
			}
		}
		return pushFilter(&algebra.Filter{Input: input, Expr: folded})
	case *algebra.Extend:
		return &algebra.Extend{Input: o.optimizeNode(t.Input, snap), Slot: t.Slot, Expr: foldExpr(t.Expr)}
	case *algebra.Project:
		return &algebra.Project{Input: o.optimizeNode(t.Input, snap), Slots: t.Slots, Names: t.Names}
	case *algebra.Distinct:
		return &algebra.Distinct{Input: o.optimizeNode(t.Input, snap)}
	case *algebra.Reduced:
		return &algebra.Reduced{Input: o.optimizeNode(t.Input, snap)}
	case *algebra.OrderBy:
		conds := make([]algebra.OrderCondition, len(t.Conditions))
		for i, c := range t.Conditions {
			conds[i] = algebra.OrderCondition{Expr: foldExpr(c.Expr), Ascending: c.Ascending}
		}
		return &algebra.OrderBy{Input: o.optimizeNode(t.Input, snap), Conditions: conds}
	case *algebra.Slice:
		return &algebra.Slice{Input: o.optimizeNode(t.Input, snap), Offset: t.Offset, Limit: t.Limit}
	case *algebra.Group:
		aggs := make([]algebra.AggregateBinding, len(t.Aggregates))
		for i, a := range t.Aggregates {
			a.Operand = foldExpr(a.Operand)
			aggs[i] = a
		}
		return &algebra.Group{Input: o.optimizeNode(t.Input, snap), By: t.By, Aggregates: aggs}
	default:
		return n // Path, Values: nothing to rewrite
	}
}

func foldExpr(e algebra.Expr) algebra.Expr {
	if e == nil {
		return nil
	}
	if val, ok := evaluator.ConstantFold(e); ok {
		return &algebra.ConstExpr{Value: val}
	}
	switch t := e.(type) {
	case *algebra.BinaryExpr:
		return &algebra.BinaryExpr{Left: foldExpr(t.Left), Right: foldExpr(t.Right), Op: t.Op}
	case *algebra.UnaryExpr:
		return &algebra.UnaryExpr{Operand: foldExpr(t.Operand), Op: t.Op}
	case *algebra.CallExpr:
		args := make([]algebra.Expr, len(t.Args))
		for i, a := range t.Args {
			args[i] = foldExpr(a)
		}
		return &algebra.CallExpr{Function: t.Function, Args: args}
	default:
		return e
	}
}

// optimizeBGP reorders Patterns by estimated selectivity and annotates the
// chosen join/scan strategy.
func (o *Optimizer) optimizeBGP(bgp *algebra.BGP, snap *stats.Snapshot) algebra.Node {
	if len(bgp.Patterns) <= 1 {
		return bgp
	}
	ordered := reorderPatterns(bgp.Patterns, snap)
	if len(ordered) >= 3 {
		if vars, ok := sharedVarOrder(ordered); ok {
			return &algebra.BGP{Patterns: ordered, Strategy: algebra.BGPLeapfrog, VarOrder: vars}
		}
	}
	return &algebra.BGP{Patterns: ordered, Strategy: algebra.BGPScanChain}
}

// reorderPatterns picks the minimum-cost left-deep pattern order via
// dynamic programming over connected subsets of the join graph; only a
// BGP too wide for the subset table falls back to the greedy attachment
// order.
func reorderPatterns(patterns []algebra.TriplePatternNode, snap *stats.Snapshot) []algebra.TriplePatternNode {
	remaining := append([]algebra.TriplePatternNode(nil), patterns...)
	sort.SliceStable(remaining, func(i, j int) bool {
		return patternCost(remaining[i], snap) < patternCost(remaining[j], snap)
	})
	if len(remaining) <= dpMaxPatterns {
		return dpOrder(remaining, snap)
	}
	return growByAttachment(remaining, snap)
}

// dpOrder runs the DPccp-style dynamic program: patterns are the join
// graph's vertices, shared variables its edges, a DP state is a pattern
// subset, and each transition extends a subset with one adjacent pattern
// (a cartesian extension is admitted only when the subset has no
// adjacent pattern left, i.e. the product is required by the query
// shape). The recorded cost is the running sum of estimated intermediate
// cardinalities; the minimum-cost full subset's backtrace is the order.
func dpOrder(patterns []algebra.TriplePatternNode, snap *stats.Snapshot) []algebra.TriplePatternNode {
	n := len(patterns)
	if n <= 1 {
		return patterns
	}

	pvars := make([]map[algebra.Slot]bool, n)
	costs := make([]float64, n)
	for i, p := range patterns {
		pvars[i] = patternVars(p)
		costs[i] = patternCost(p, snap)
	}
	adjacent := func(mask uint32, j int) bool {
		for i := 0; i < n; i++ {
			if mask&(1<<i) != 0 && sharesVar(pvars[i], pvars[j]) {
				return true
			}
		}
		return false
	}

	type state struct {
		cost float64
		card float64
		last int
		prev uint32
	}
	best := make(map[uint32]state, 1<<uint(n))
	for i := 0; i < n; i++ {
		best[1<<uint(i)] = state{cost: costs[i], card: costs[i], last: i}
	}

	full := uint32(1)<<uint(n) - 1
	// Ascending mask order visits every subset after all of its subsets.
	for mask := uint32(1); mask < full; mask++ {
		st, ok := best[mask]
		if !ok {
			continue
		}
		anyAdjacent := false
		for j := 0; j < n; j++ {
			if mask&(1<<uint(j)) == 0 && adjacent(mask, j) {
				anyAdjacent = true
				break
			}
		}
		for j := 0; j < n; j++ {
			if mask&(1<<uint(j)) != 0 {
				continue
			}
			connected := adjacent(mask, j)
			if anyAdjacent && !connected {
				continue
			}
			card := st.card * costs[j]
			if connected {
				card *= joinSelectivity
			}
			if card < 1 {
				card = 1
			}
			cost := st.cost + card
			next := mask | 1<<uint(j)
			if old, ok := best[next]; !ok || cost < old.cost {
				best[next] = state{cost: cost, card: card, last: j, prev: mask}
			}
		}
	}

	st, ok := best[full]
	if !ok {
		return patterns
	}
	order := make([]int, 0, n)
	for mask := full; mask != 0; {
		order = append(order, st.last)
		mask = st.prev
		st = best[mask]
	}
	out := make([]algebra.TriplePatternNode, 0, n)
	for i := len(order) - 1; i >= 0; i-- {
		out = append(out, patterns[order[i]])
	}
	return out
}

func growByAttachment(remaining []algebra.TriplePatternNode, snap *stats.Snapshot) []algebra.TriplePatternNode {
	ordered := []algebra.TriplePatternNode{remaining[0]}
	pool := append([]algebra.TriplePatternNode(nil), remaining[1:]...)
	bound := patternVars(remaining[0])

	for len(pool) > 0 {
		bestIdx, bestCost := -1, -1.0
		for i, p := range pool {
			if !sharesVar(patternVars(p), bound) {
				continue
			}
			c := patternCost(p, snap)
			if bestIdx == -1 || c < bestCost {
				bestIdx, bestCost = i, c
			}
		}
		if bestIdx == -1 {
			bestIdx = 0 // no shared variable with anything chosen: cartesian join, take cheapest remaining
		}
		chosen := pool[bestIdx]
		ordered = append(ordered, chosen)
		for v := range patternVars(chosen) {
			bound[v] = true
		}
		pool = append(pool[:bestIdx], pool[bestIdx+1:]...)
	}
	return ordered
}

func patternVars(p algebra.TriplePatternNode) map[algebra.Slot]bool {
	out := map[algebra.Slot]bool{}
	for _, ts := range []algebra.TermSlot{p.Subject, p.Predicate, p.Object} {
		if !ts.Bound {
			out[ts.Var] = true
		}
	}
	return out
}

func sharesVar(a, b map[algebra.Slot]bool) bool {
	for v := range a {
		if b[v] {
			return true
		}
	}
	return false
}

// patternCost estimates a pattern's result cardinality as a fraction of
// the total triple count, given which positions are bound.
func patternCost(p algebra.TriplePatternNode, snap *stats.Snapshot) float64 {
	total := float64(snap.TripleCount)
	if total == 0 {
		return 1
	}
	cost := total
	if p.Predicate.Bound {
		if id, ok := p.Predicate.Value.(dictionary.TermId); ok {
			cost = total * snap.Selectivity(id)
		}
	} else {
		cost *= 1.0 / float64(snap.DistinctPredicates+1)
	}
	if p.Subject.Bound {
		if snap.DistinctSubjects > 0 {
			cost /= float64(snap.DistinctSubjects)
		}
	}
	if p.Object.Bound {
		if snap.DistinctObjects > 0 {
			cost /= float64(snap.DistinctObjects)
		}
	}
	if cost < 1 {
		cost = 1
	}
	return cost
}

// sharedVarOrder reports whether patterns form a single connected
// component over a shared-variable graph, and if so returns a variable
// visiting order suitable for leapfrog triejoin (every pattern attaches to
// at least one already-visited variable). Leapfrog needs the join
// variables ordered consistently across every pattern's position, so a
// disconnected BGP (a cartesian product of two sub-patterns) falls back
// to the scan-chain strategy instead.
func sharedVarOrder(patterns []algebra.TriplePatternNode) ([]algebra.Slot, bool) {
	seen := map[algebra.Slot]bool{}
	var order []algebra.Slot
	addAll := func(p algebra.TriplePatternNode) {
		for v := range patternVars(p) {
			if !seen[v] {
				seen[v] = true
				order = append(order, v)
			}
		}
	}
	addAll(patterns[0])
	remaining := patterns[1:]
	for len(remaining) > 0 {
		progressed := false
		for i, p := range remaining {
			if sharesVar(patternVars(p), seen) {
				addAll(p)
				remaining = append(remaining[:i], remaining[i+1:]...)
				progressed = true
				break
			}
		}
		if !progressed {
			return nil, false
		}
	}
	return order, true
}

// pushFilter moves f below a Join once every variable f.Expr references is
// already in scope on one side, so the filter runs as early as possible
// instead of after the full join materializes. It never descends into a
// LeftJoin's optional (Right) side,
// since a filter there would incorrectly discard rows the OPTIONAL is
// supposed to preserve unbound.
func pushFilter(f *algebra.Filter) algebra.Node {
	needed := algebra.ExprVars(f.Expr)
	switch t := f.Input.(type) {
	case *algebra.Join:
		leftScope := algebra.InScope(t.Left)
		if subsetOf(needed, leftScope) {
			return &algebra.Join{Left: pushFilter(&algebra.Filter{Input: t.Left, Expr: f.Expr}), Right: t.Right, Strategy: t.Strategy}
		}
		rightScope := algebra.InScope(t.Right)
		if subsetOf(needed, rightScope) {
			return &algebra.Join{Left: t.Left, Right: pushFilter(&algebra.Filter{Input: t.Right, Expr: f.Expr}), Strategy: t.Strategy}
		}
		return f
	case *algebra.LeftJoin:
		leftScope := algebra.InScope(t.Left)
		if subsetOf(needed, leftScope) {
			return &algebra.LeftJoin{Left: pushFilter(&algebra.Filter{Input: t.Left, Expr: f.Expr}), Right: t.Right, Filter: t.Filter}
		}
		return f
	default:
		return f
	}
}

func subsetOf(needed, scope map[algebra.Slot]bool) bool {
	for v := range needed {
		if !scope[v] {
			return false
		}
	}
	return true
}

// chooseJoinStrategy picks nested-loop when either input is a Path or
// Values node (cheap to probe with a nested loop since they stream rather
// than materialize) or when the two sides share no variable, and hash
// join otherwise. Input sizes are not consulted.
func chooseJoinStrategy(left, right algebra.Node) algebra.JoinStrategy {
	if isStreaming(left) || isStreaming(right) {
		return algebra.JoinNestedLoop
	}
	leftVars, rightVars := algebra.InScope(left), algebra.InScope(right)
	if !sharesVar(leftVars, rightVars) {
		return algebra.JoinNestedLoop // cartesian product: no hash key to build on
	}
	return algebra.JoinHash
}

func isStreaming(n algebra.Node) bool {
	switch n.(type) {
	case *algebra.Path, *algebra.Values:
		return true
	default:
		return false
	}
}
