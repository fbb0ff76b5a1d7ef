package stats

import (
	"testing"

	"github.com/ontospan/triplestore/internal/dictionary"
	"github.com/ontospan/triplestore/internal/index"
	"github.com/ontospan/triplestore/internal/kv"
)

func id(n uint64) dictionary.TermId {
	return dictionary.TermId(uint64(dictionary.KindIRI)<<60 | n)
}

func TestObserveRefreshSnapshot(t *testing.T) {
	st := New()
	triples := []index.Triple{
		{S: id(1), P: id(10), O: id(100)},
		{S: id(2), P: id(10), O: id(101)},
		{S: id(1), P: id(11), O: id(100)},
	}
	for _, tr := range triples {
		st.Observe(tr)
	}
	st.Refresh()
	snap := st.Snapshot()

	if snap.TripleCount != 3 {
		t.Errorf("TripleCount = %d, want 3", snap.TripleCount)
	}
	if snap.DistinctPredicates != 2 {
		t.Errorf("DistinctPredicates = %d, want 2", snap.DistinctPredicates)
	}
	if snap.DistinctSubjects != 2 {
		t.Errorf("DistinctSubjects = %d, want 2", snap.DistinctSubjects)
	}
	if snap.DistinctObjects != 2 {
		t.Errorf("DistinctObjects = %d, want 2", snap.DistinctObjects)
	}
	if snap.PredicateFrequency[id(10)] != 2 {
		t.Errorf("PredicateFrequency[10] = %d, want 2", snap.PredicateFrequency[id(10)])
	}
}

func TestUnobserveDecrementsExactFrequency(t *testing.T) {
	st := New()
	tr := index.Triple{S: id(1), P: id(10), O: id(100)}
	st.Observe(tr)
	st.Observe(tr)
	st.Unobserve(tr)
	st.Refresh()
	snap := st.Snapshot()
	if snap.TripleCount != 1 {
		t.Errorf("TripleCount = %d, want 1", snap.TripleCount)
	}
	if snap.PredicateFrequency[id(10)] != 1 {
		t.Errorf("PredicateFrequency[10] = %d, want 1", snap.PredicateFrequency[id(10)])
	}
}

func TestSelectivityFallsBackForUnseenPredicate(t *testing.T) {
	st := New()
	st.Observe(index.Triple{S: id(1), P: id(10), O: id(100)})
	st.Refresh()
	snap := st.Snapshot()

	if got := snap.Selectivity(id(10)); got != 1.0 {
		t.Errorf("Selectivity(seen) = %v, want 1.0", got)
	}
	if got := snap.Selectivity(id(999)); got <= 0 || got >= 1 {
		t.Errorf("Selectivity(unseen) = %v, want in (0,1)", got)
	}
}

func TestRebuildFromIndex(t *testing.T) {
	engine, err := kv.Open("", kv.Options{InMemory: true})
	if err != nil {
		t.Fatalf("open engine: %v", err)
	}
	defer engine.Close()
	ix := index.New(engine)

	triples := []index.Triple{
		{S: id(1), P: id(10), O: id(100)},
		{S: id(2), P: id(10), O: id(101)},
	}
	if _, err := ix.InsertBatch(triples, 10); err != nil {
		t.Fatalf("insert batch: %v", err)
	}

	st, err := Rebuild(engine, ix)
	if err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	snap := st.Snapshot()
	if snap.TripleCount != 2 {
		t.Errorf("TripleCount = %d, want 2", snap.TripleCount)
	}
	if snap.DistinctPredicates != 1 {
		t.Errorf("DistinctPredicates = %d, want 1", snap.DistinctPredicates)
	}
}
