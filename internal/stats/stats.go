// Package stats maintains the cardinality counters the optimizer and the
// health checks consult: total triple count, exact
// distinct predicate count, approximate distinct subject/object counts, and
// a per-predicate frequency table.
package stats

import (
	"encoding/binary"
	"sync"

	"github.com/RoaringBitmap/roaring"
	"github.com/zeebo/xxh3"

	"github.com/ontospan/triplestore/internal/dictionary"
	"github.com/ontospan/triplestore/internal/index"
	"github.com/ontospan/triplestore/internal/kv"
)

// Snapshot is an immutable view of the statistics at some point in time,
// read lock-free by concurrent query planning.
type Snapshot struct {
	TripleCount       uint64
	DistinctSubjects  uint64 // approximate
	DistinctPredicates uint64 // exact
	DistinctObjects   uint64 // approximate
	// PredicateFrequency maps a predicate TermId to how many triples use it
	// as their predicate.
	PredicateFrequency map[dictionary.TermId]uint64
}

// Selectivity estimates the fraction of triples matching a bound predicate,
// falling back to a conservative default when the predicate is unseen.
func (s *Snapshot) Selectivity(predicate dictionary.TermId) float64 {
	if s.TripleCount == 0 {
		return 0
	}
	freq, ok := s.PredicateFrequency[predicate]
	if !ok {
		return 1.0 / float64(s.TripleCount+1)
	}
	return float64(freq) / float64(s.TripleCount)
}

// Stats owns the mutable counters and the atomically-swapped read snapshot
// consumed by the optimizer and the health checks. The approximate
// subject/object counts are Roaring bitmaps of a 32-bit hash of each TermId:
// collisions only ever merge two distinct terms into one bit, so the
// cardinality is a (typically tight) underestimate, never an overestimate
// beyond the birthday-bound error of the hash.
type Stats struct {
	mu sync.Mutex

	tripleCount uint64
	subjects    *roaring.Bitmap
	objects     *roaring.Bitmap
	predFreq    map[dictionary.TermId]uint64

	snapshot Snapshot // guarded by mu; swapped wholesale on Refresh
}

func New() *Stats {
	st := &Stats{
		subjects: roaring.NewBitmap(),
		objects:  roaring.NewBitmap(),
		predFreq: make(map[dictionary.TermId]uint64),
	}
	st.snapshot = Snapshot{PredicateFrequency: map[dictionary.TermId]uint64{}}
	return st
}

// termHash32 folds a TermId down to 32 bits for the approximate-cardinality
// bitmaps. xxh3 is already wired in for the optimizer's plan hashing, so
// stats reuses it rather than adding a second hash dependency.
func termHash32(id dictionary.TermId) uint32 {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(id))
	return uint32(xxh3.Hash(buf[:]))
}

// Observe records one newly-inserted triple. Called on the write path while
// the coordinator holds the commit lock, so no separate locking is needed
// beyond serializing against concurrent Refresh/Snapshot reads.
func (s *Stats) Observe(t index.Triple) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tripleCount++
	s.subjects.Add(termHash32(t.S))
	s.objects.Add(termHash32(t.O))
	s.predFreq[t.P]++
}

// Unobserve records a deleted triple, the inverse of Observe. The
// subject/object bitmaps are not shrunk (a hash bit removed from one triple
// may still be owned by another triple with a colliding hash), so the
// approximate counts are monotonically non-decreasing between explicit
// Rebuild calls; exact predicate frequency is decremented precisely.
func (s *Stats) Unobserve(t index.Triple) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tripleCount > 0 {
		s.tripleCount--
	}
	if n := s.predFreq[t.P]; n > 1 {
		s.predFreq[t.P] = n - 1
	} else {
		delete(s.predFreq, t.P)
	}
}

// Refresh republishes the current counters as the read snapshot. Cheap: it
// copies the predicate map and bitmap cardinalities, not the bitmaps
// themselves.
func (s *Stats) Refresh() {
	s.mu.Lock()
	defer s.mu.Unlock()
	freq := make(map[dictionary.TermId]uint64, len(s.predFreq))
	for k, v := range s.predFreq {
		freq[k] = v
	}
	s.snapshot = Snapshot{
		TripleCount:        s.tripleCount,
		DistinctSubjects:   s.subjects.GetCardinality(),
		DistinctPredicates: uint64(len(freq)),
		DistinctObjects:    s.objects.GetCardinality(),
		PredicateFrequency: freq,
	}
}

// Snapshot returns the most recently refreshed read view. Safe to call
// concurrently with Observe/Unobserve/Refresh.
func (s *Stats) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot
}

// Reset zeroes every counter, used when the store is cleared wholesale.
func (s *Stats) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tripleCount = 0
	s.subjects = roaring.NewBitmap()
	s.objects = roaring.NewBitmap()
	s.predFreq = make(map[dictionary.TermId]uint64)
	s.snapshot = Snapshot{PredicateFrequency: map[dictionary.TermId]uint64{}}
}

// Rebuild recomputes every counter from scratch by scanning the full SPO
// keyspace, discarding any approximate-count drift accumulated from
// Unobserve calls. Used on store open.
func Rebuild(engine *kv.Engine, ix *index.Index) (*Stats, error) {
	st := New()
	snap := engine.Snapshot()
	defer snap.Close()

	it, err := ix.Scan(snap, index.Pattern{})
	if err != nil {
		return nil, err
	}
	defer it.Close()

	for it.Next() {
		st.Observe(it.Triple())
	}
	st.Refresh()
	return st, nil
}
