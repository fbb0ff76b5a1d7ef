package reasoner

import (
	"sort"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/ontospan/triplestore/internal/dictionary"
	"github.com/ontospan/triplestore/internal/errs"
	"github.com/ontospan/triplestore/internal/index"
	"github.com/ontospan/triplestore/internal/kv"
)

// State is the reasoner's lifecycle as reported by ReasoningStatus.
type State int

const (
	StateUnmaterialized State = iota
	StateMaterialized
	StateStale
)

func (s State) String() string {
	switch s {
	case StateMaterialized:
		return "materialized"
	case StateStale:
		return "stale"
	default:
		return "unmaterialized"
	}
}

// Status is the reasoning_status(store) payload.
type Status struct {
	Profile                Profile
	State                  State
	DerivedCount           int
	NeedsRematerialization bool
}

// MaterializeResult is materialize(store, profile)'s payload.
type MaterializeResult struct {
	Iterations int
	Derived    int
}

// Reasoner owns the OWL 2 RL forward-chaining fixpoint over a single
// store's explicit and derived keyspaces.
type Reasoner struct {
	engine  *kv.Engine
	dict    *dictionary.Dictionary
	ix      *index.Index
	derived *index.Derived
	tbox    *TBoxCache

	mu                 sync.Mutex // serializes Materialize/incremental calls, mirrors the coordinator's single-writer rule
	profile            Profile
	maxIterations      int
	maxFacts           int
	maxSpecializations int

	state        atomic.Int32 // State
	derivedCount atomic.Int64
}

// Options configures resource bounds for the fixpoint loop.
type Options struct {
	Profile            Profile
	MaxIterations       int
	MaxFacts            int
	MaxSpecializations  int
}

func New(engine *kv.Engine, dict *dictionary.Dictionary, ix *index.Index, derived *index.Derived, tbox *TBoxCache, opts Options) *Reasoner {
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = 1000
	}
	if opts.MaxFacts <= 0 {
		opts.MaxFacts = 10_000_000
	}
	r := &Reasoner{
		engine: engine, dict: dict, ix: ix, derived: derived, tbox: tbox,
		profile: opts.Profile, maxIterations: opts.MaxIterations,
		maxFacts: opts.MaxFacts, maxSpecializations: opts.MaxSpecializations,
	}
	r.state.Store(int32(StateUnmaterialized))
	return r
}

func (r *Reasoner) Status() Status {
	return Status{
		Profile:                r.profile,
		State:                  State(r.state.Load()),
		DerivedCount:           int(r.derivedCount.Load()),
		NeedsRematerialization: State(r.state.Load()) == StateStale,
	}
}

// SetProfile switches the active rule profile for subsequent
// materializations. Changing profile invalidates prior derivations, so
// the state drops back to stale when anything was materialized before.
func (r *Reasoner) SetProfile(p Profile) {
	r.mu.Lock()
	changed := r.profile != p
	r.profile = p
	r.mu.Unlock()
	if changed {
		r.MarkStale()
	}
}

// MarkStale is called by the transaction coordinator after a commit whose
// mutated predicates intersect the TBox cache's schema predicates, or
// after any explicit-fact mutation once a materialization has already
// run.
func (r *Reasoner) MarkStale() {
	if State(r.state.Load()) != StateUnmaterialized {
		r.state.Store(int32(StateStale))
	}
}

// loadExplicit reads every asserted triple into an in-memory fact set.
func (r *Reasoner) loadExplicit() (*factSet, error) {
	fs := newFactSet()
	snap := r.engine.Snapshot()
	defer snap.Close()
	it, err := r.ix.Scan(snap, index.Pattern{})
	if err != nil {
		return nil, err
	}
	defer it.Close()
	for it.Next() {
		fs.Add(it.Triple())
	}
	return fs, nil
}

func (r *Reasoner) loadDerived() (*factSet, error) {
	fs := newFactSet()
	snap := r.engine.Snapshot()
	defer snap.Close()
	ts, err := r.derived.All(snap)
	if err != nil {
		return nil, err
	}
	for _, t := range ts {
		fs.Add(t)
	}
	return fs, nil
}

// clearDerived empties the derived keyspace ahead of a full run.
func (r *Reasoner) clearDerived() error {
	old, err := r.loadDerived()
	if err != nil {
		return err
	}
	if old.Len() == 0 {
		return nil
	}
	return r.deleteDerivedBatch(old.Slice())
}

// Materialize runs the full semi-naive fixpoint from scratch:
// Δ₀ = explicit facts, derived starts empty. Deterministic: two
// runs over the same explicit set produce the same iteration count and
// derived set, since rule layering and within-layer sorting are
// both fixed functions of the compiled rule set and the candidate facts.
func (r *Reasoner) Materialize() (MaterializeResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	// A full run always starts from a freshly extracted schema, so a
	// materialization requested right after a bulk load cannot observe a
	// TBox summary predating the load.
	if err := r.tbox.Rebuild(); err != nil {
		return MaterializeResult{}, err
	}
	// And from an empty derived keyspace: conclusions of a schema that has
	// since changed must not survive into the new fixpoint.
	if err := r.clearDerived(); err != nil {
		return MaterializeResult{}, err
	}

	explicit, err := r.loadExplicit()
	if err != nil {
		return MaterializeResult{}, err
	}
	rules, err := Compile(r.profile, r.tbox.Current(), r.dict, r.maxSpecializations)
	if err != nil {
		return MaterializeResult{}, err
	}
	layers := ruleLayers(rules)

	derivedFacts := newFactSet()
	delta := explicit
	iterations := 0
	for delta.Len() > 0 && iterations < r.maxIterations {
		full := unionFacts(explicit, derivedFacts)
		newFacts, err := evalLayers(layers, delta, full)
		if err != nil {
			return MaterializeResult{}, err
		}
		fresh := dedupeAgainst(newFacts, explicit, derivedFacts)
		if len(fresh) == 0 {
			break
		}
		if derivedFacts.Len()+len(fresh) > r.maxFacts {
			return MaterializeResult{}, errs.ResourceExceeded("derived facts", r.maxFacts)
		}
		if err := r.writeDerivedBatch(fresh); err != nil {
			return MaterializeResult{}, err
		}
		next := newFactSet()
		for _, t := range fresh {
			derivedFacts.Add(t)
			next.Add(t)
		}
		delta = next
		iterations++
	}

	r.derivedCount.Store(int64(derivedFacts.Len()))
	r.state.Store(int32(StateMaterialized))
	return MaterializeResult{Iterations: iterations, Derived: derivedFacts.Len()}, nil
}

// IncrementalAdd runs a fresh semi-naive pass seeded by newFacts alone,
// against the existing derived set as the starting full state.
// Called by the transaction coordinator right
// after a commit that adds explicit facts, when the reasoner is enabled
// and already materialized.
func (r *Reasoner) IncrementalAdd(newFacts []index.Triple) (MaterializeResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	explicit, err := r.loadExplicit()
	if err != nil {
		return MaterializeResult{}, err
	}
	derivedFacts, err := r.loadDerived()
	if err != nil {
		return MaterializeResult{}, err
	}
	rules, err := Compile(r.profile, r.tbox.Current(), r.dict, r.maxSpecializations)
	if err != nil {
		return MaterializeResult{}, err
	}
	layers := ruleLayers(rules)

	delta := newFactSet()
	for _, t := range newFacts {
		delta.Add(t)
	}
	iterations := 0
	for delta.Len() > 0 && iterations < r.maxIterations {
		full := unionFacts(explicit, derivedFacts)
		newDerived, err := evalLayers(layers, delta, full)
		if err != nil {
			return MaterializeResult{}, err
		}
		fresh := dedupeAgainst(newDerived, explicit, derivedFacts)
		if len(fresh) == 0 {
			break
		}
		if derivedFacts.Len()+len(fresh) > r.maxFacts {
			return MaterializeResult{}, errs.ResourceExceeded("derived facts", r.maxFacts)
		}
		if err := r.writeDerivedBatch(fresh); err != nil {
			return MaterializeResult{}, err
		}
		next := newFactSet()
		for _, t := range fresh {
			derivedFacts.Add(t)
			next.Add(t)
		}
		delta = next
		iterations++
	}

	r.derivedCount.Store(int64(derivedFacts.Len()))
	r.state.Store(int32(StateMaterialized))
	return MaterializeResult{Iterations: iterations, Derived: derivedFacts.Len()}, nil
}

// IncrementalDelete implements backward-forward maintenance: find every
// derived fact whose support might have used one of deleted, then attempt
// to re-derive each suspect from what remains, cascading until stable —
// the surviving derived set is exactly what a fresh materialization of
// the remaining explicit facts would produce.
func (r *Reasoner) IncrementalDelete(deleted []index.Triple) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	explicit, err := r.loadExplicit()
	if err != nil {
		return err
	}
	derivedFacts, err := r.loadDerived()
	if err != nil {
		return err
	}
	rules, err := Compile(r.profile, r.tbox.Current(), r.dict, r.maxSpecializations)
	if err != nil {
		return err
	}

	removed := newFactSet()
	for _, t := range deleted {
		removed.Add(t)
	}

	// Backward: a derived fact is suspect if removing `removed` could have
	// broken every one of its supporting derivations. Conservative
	// version: suspect if ANY single supporting
	// derivation used a fact now in removed ∪ already-suspect.
	suspect := newFactSet()
	// The deleted facts may already be gone from the explicit index, so
	// they are added back for the derivation replay.
	replayFull := unionFacts(unionFacts(explicit, derivedFacts), removed)
	changed := true
	for changed {
		changed = false
		for _, f := range derivedFacts.Slice() {
			if suspect.Contains(f) {
				continue
			}
			if supportUsesRemoved(f, rules, replayFull, removed, suspect) {
				suspect.Add(f)
				changed = true
			}
		}
	}

	// Forward: try to re-derive every suspect fact from the facts that
	// remain (explicit minus removed, plus derived facts not suspect).
	survivingExplicit := newFactSet()
	for _, t := range explicit.Slice() {
		if !removed.Contains(t) {
			survivingExplicit.Add(t)
		}
	}
	survivingDerived := newFactSet()
	for _, t := range derivedFacts.Slice() {
		if !suspect.Contains(t) {
			survivingDerived.Add(t)
		}
	}

	stable := false
	for !stable {
		stable = true
		full := unionFacts(survivingExplicit, survivingDerived)
		for _, f := range suspect.Slice() {
			if survivingDerived.Contains(f) {
				continue
			}
			if rederivable(f, rules, full) {
				survivingDerived.Add(f)
				stable = false
			}
		}
	}

	// Anything still in `suspect` minus survivingDerived is genuinely gone.
	var toDelete []index.Triple
	for _, f := range derivedFacts.Slice() {
		if suspect.Contains(f) && !survivingDerived.Contains(f) {
			toDelete = append(toDelete, f)
		}
	}
	if err := r.deleteDerivedBatch(toDelete); err != nil {
		return err
	}

	r.derivedCount.Store(int64(survivingDerived.Len()))
	return nil
}

// supportUsesRemoved reports whether f has some ground instantiation of
// some rule whose body touches a removed or already-suspect fact, i.e.
// whether f might depend on what's being deleted.
func supportUsesRemoved(f index.Triple, rules []CompiledRule, full *factSet, removed, suspect *factSet) bool {
	for _, rule := range rules {
		if headMatches(rule.Head, f) == nil {
			continue
		}
		if ruleProducesViaTainted(rule, f, full, removed, suspect) {
			return true
		}
	}
	return false
}

// rederivable reports whether some rule can still produce f from full.
func rederivable(f index.Triple, rules []CompiledRule, full *factSet) bool {
	for _, rule := range rules {
		bindings := headMatches(rule.Head, f)
		if bindings == nil {
			continue
		}
		if bodyFullySatisfiable(rule.Body, 0, bindings, full) {
			return true
		}
	}
	return false
}

// ruleProducesViaTainted checks whether rule can derive f using at least
// one body atom bound to a fact in removed ∪ suspect.
func ruleProducesViaTainted(rule CompiledRule, f index.Triple, full *factSet, removed, suspect *factSet) bool {
	bindings := headMatches(rule.Head, f)
	if bindings == nil {
		return false
	}
	return bodySatisfiableWithTaint(rule.Body, 0, bindings, full, removed, suspect, false)
}

// headMatches unifies rule's head against f, returning the resulting
// bindings or nil if f doesn't match the head's shape at all.
func headMatches(head compiledPattern, f index.Triple) map[int]dictionary.TermId {
	bound := map[int]dictionary.TermId{}
	if !unify(head.S, f.S, bound) {
		return nil
	}
	if !unify(head.P, f.P, bound) {
		return nil
	}
	if !unify(head.O, f.O, bound) {
		return nil
	}
	return bound
}

func bodyFullySatisfiable(body []compiledPattern, i int, bound map[int]dictionary.TermId, full *factSet) bool {
	if i == len(body) {
		return true
	}
	for _, cand := range full.candidates(body[i], bound) {
		if next, ok := extend(body[i], cand, bound); ok {
			if bodyFullySatisfiable(body, i+1, next, full) {
				return true
			}
		}
	}
	return false
}

func bodySatisfiableWithTaint(body []compiledPattern, i int, bound map[int]dictionary.TermId, full, removed, suspect *factSet, usedTaint bool) bool {
	if i == len(body) {
		return usedTaint
	}
	for _, cand := range full.candidates(body[i], bound) {
		next, ok := extend(body[i], cand, bound)
		if !ok {
			continue
		}
		taint := usedTaint || removed.Contains(cand) || suspect.Contains(cand)
		if bodySatisfiableWithTaint(body, i+1, next, full, removed, suspect, taint) {
			return true
		}
	}
	return false
}

// evalLayers runs each dependency layer's rules over delta/full, merging
// every layer's output before the next iteration.
func evalLayers(layers [][]CompiledRule, delta, full *factSet) ([]index.Triple, error) {
	var all []index.Triple
	for _, layer := range layers {
		results := make([][]index.Triple, len(layer))
		g := new(errgroup.Group)
		for i, rule := range layer {
			i, rule := i, rule
			g.Go(func() error {
				results[i] = matchRule(rule, delta, full)
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
		for _, r := range results {
			all = append(all, r...)
		}
	}
	sortTriples(all)
	return all, nil
}

func unionFacts(a, b *factSet) *factSet {
	out := newFactSet()
	for _, t := range a.Slice() {
		out.Add(t)
	}
	for _, t := range b.Slice() {
		out.Add(t)
	}
	return out
}

// dedupeAgainst filters candidates down to those not already present in
// explicit or derived, sorted for determinism.
func dedupeAgainst(candidates []index.Triple, explicit, derived *factSet) []index.Triple {
	seen := map[index.Triple]bool{}
	var out []index.Triple
	for _, t := range candidates {
		if explicit.Contains(t) || derived.Contains(t) || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	sortTriples(out)
	return out
}

func (r *Reasoner) writeDerivedBatch(facts []index.Triple) error {
	return r.engine.Batch(func(b *kv.Batch) error {
		for _, t := range facts {
			if _, err := r.derived.QueueInsert(b, t); err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *Reasoner) deleteDerivedBatch(facts []index.Triple) error {
	if len(facts) == 0 {
		return nil
	}
	sort.Slice(facts, func(i, j int) bool { return facts[i].S < facts[j].S })
	return r.engine.Batch(func(b *kv.Batch) error {
		for _, t := range facts {
			if _, err := r.derived.QueueDelete(b, t); err != nil {
				return err
			}
		}
		return nil
	})
}
