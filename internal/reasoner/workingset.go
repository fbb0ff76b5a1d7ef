package reasoner

import (
	"github.com/ontospan/triplestore/internal/dictionary"
	"github.com/ontospan/triplestore/internal/index"
)

// factSet is an in-memory, triple-indexed working set the evaluator joins
// rule bodies against. Kept separate from internal/index's on-disk SPO/POS/
// OSP orderings: materialization runs over a single snapshot's worth of
// facts that comfortably fits in memory for the rule-body join pattern (a
// handful of bound/unbound positions per atom), and rebuilding a disk
// iterator per semi-naive round would otherwise mean repeated scans.
type factSet struct {
	all    map[index.Triple]bool
	bySubj map[dictionary.TermId][]index.Triple
	byPred map[dictionary.TermId][]index.Triple
	byObj  map[dictionary.TermId][]index.Triple
}

func newFactSet() *factSet {
	return &factSet{
		all:    map[index.Triple]bool{},
		bySubj: map[dictionary.TermId][]index.Triple{},
		byPred: map[dictionary.TermId][]index.Triple{},
		byObj:  map[dictionary.TermId][]index.Triple{},
	}
}

// Add records t, returning whether it was new.
func (fs *factSet) Add(t index.Triple) bool {
	if fs.all[t] {
		return false
	}
	fs.all[t] = true
	fs.bySubj[t.S] = append(fs.bySubj[t.S], t)
	fs.byPred[t.P] = append(fs.byPred[t.P], t)
	fs.byObj[t.O] = append(fs.byObj[t.O], t)
	return true
}

func (fs *factSet) Contains(t index.Triple) bool { return fs.all[t] }
func (fs *factSet) Len() int                     { return len(fs.all) }

func (fs *factSet) Slice() []index.Triple {
	out := make([]index.Triple, 0, len(fs.all))
	for t := range fs.all {
		out = append(out, t)
	}
	return out
}

// candidates returns every fact that could satisfy pattern given bindings
// already assigned, picking the most selective available index (a bound
// subject beats a bound predicate beats a bound object beats a full scan).
func (fs *factSet) candidates(p compiledPattern, bound map[int]dictionary.TermId) []index.Triple {
	sVal, sBound := resolveSlot(p.S, bound)
	pVal, pBound := resolveSlot(p.P, bound)
	oVal, oBound := resolveSlot(p.O, bound)
	switch {
	case sBound:
		return fs.bySubj[sVal]
	case pBound:
		return fs.byPred[pVal]
	case oBound:
		return fs.byObj[oVal]
	default:
		return fs.Slice()
	}
}

// resolveSlot returns a compiledTerm's current value given bound, and
// whether it is currently known (bound as a constant, or bound via an
// earlier pattern's variable assignment).
func resolveSlot(t compiledTerm, bound map[int]dictionary.TermId) (dictionary.TermId, bool) {
	if !t.isVar {
		return t.id, true
	}
	v, ok := bound[t.slot]
	return v, ok
}
