// Package cache is the predicate-indexed result cache: a
// bounded memoization of shaped query results keyed by the canonical plan
// hash, invalidated per predicate rather than wholesale. The admission and
// eviction policy is ristretto's TinyLFU; the package adds the reverse
// index from predicate TermId to the cache keys whose plans read that
// predicate, so a commit only drops the entries its mutated predicates
// can actually have changed.
package cache

import (
	"sync"

	"github.com/dgraph-io/ristretto/v2"

	"github.com/ontospan/triplestore/internal/dictionary"
)

// DefaultMaxRows is the result-size admission threshold: results with more
// rows than this are never cached (they are cheap to stream relative to
// the memory they would pin).
const DefaultMaxRows = 10_000

// Entry is one cached result with its predicate access set.
type Entry struct {
	Value     interface{}
	Rows      int
	Preds     []dictionary.TermId
	Wildcard  bool // plan scans an unbound predicate position
}

// ResultCache memoizes query results until a write invalidates them.
type ResultCache struct {
	cache   *ristretto.Cache[uint64, *Entry]
	maxRows int

	mu        sync.Mutex
	byPred    map[dictionary.TermId]map[uint64]bool
	wildcards map[uint64]bool
	entries   map[uint64][]dictionary.TermId
	hits      uint64
	misses    uint64
}

// New builds a cache admitting up to maxEntries results of at most maxRows
// rows each. maxEntries <= 0 disables caching entirely (every Get misses).
func New(maxEntries int64, maxRows int) (*ResultCache, error) {
	if maxRows <= 0 {
		maxRows = DefaultMaxRows
	}
	rc := &ResultCache{
		maxRows:   maxRows,
		byPred:    map[dictionary.TermId]map[uint64]bool{},
		wildcards: map[uint64]bool{},
		entries:   map[uint64][]dictionary.TermId{},
	}
	if maxEntries <= 0 {
		return rc, nil
	}
	c, err := ristretto.NewCache(&ristretto.Config[uint64, *Entry]{
		NumCounters: maxEntries * 10,
		MaxCost:     maxEntries,
		BufferItems: 64,
		OnEvict: func(item *ristretto.Item[*Entry]) {
			rc.forget(item.Key)
		},
	})
	if err != nil {
		return nil, err
	}
	rc.cache = c
	return rc, nil
}

// Get returns the cached result for key, if still valid.
func (rc *ResultCache) Get(key uint64) (interface{}, bool) {
	if rc.cache == nil {
		return nil, false
	}
	e, ok := rc.cache.Get(key)
	rc.mu.Lock()
	if ok {
		rc.hits++
	} else {
		rc.misses++
	}
	rc.mu.Unlock()
	if !ok {
		return nil, false
	}
	return e.Value, true
}

// Put admits value under key unless its row count exceeds the threshold.
// preds is the plan's predicate access set; wildcard marks a plan that can
// read any predicate and must be dropped on every write.
func (rc *ResultCache) Put(key uint64, value interface{}, rows int, preds []dictionary.TermId, wildcard bool) {
	if rc.cache == nil || rows > rc.maxRows {
		return
	}
	e := &Entry{Value: value, Rows: rows, Preds: preds, Wildcard: wildcard}
	rc.mu.Lock()
	rc.entries[key] = preds
	if wildcard {
		rc.wildcards[key] = true
	}
	for _, p := range preds {
		set, ok := rc.byPred[p]
		if !ok {
			set = map[uint64]bool{}
			rc.byPred[p] = set
		}
		set[key] = true
	}
	rc.mu.Unlock()
	rc.cache.Set(key, e, 1)
	// Admission is asynchronous by default; waiting here makes Put
	// read-your-write, which the coordinator's invalidation ordering
	// depends on (an entry must not surface after the write that would
	// have invalidated it).
	rc.cache.Wait()
}

// forget removes key's reverse-index bookkeeping after eviction.
func (rc *ResultCache) forget(key uint64) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	for _, p := range rc.entries[key] {
		delete(rc.byPred[p], key)
		if len(rc.byPred[p]) == 0 {
			delete(rc.byPred, p)
		}
	}
	delete(rc.entries, key)
	delete(rc.wildcards, key)
}

// Invalidate drops every entry whose access set intersects mutated, plus
// every wildcard entry. Called by the transaction coordinator on commit.
func (rc *ResultCache) Invalidate(mutated map[dictionary.TermId]bool) {
	if rc.cache == nil {
		return
	}
	rc.mu.Lock()
	doomed := map[uint64]bool{}
	for k := range rc.wildcards {
		doomed[k] = true
	}
	for p := range mutated {
		for k := range rc.byPred[p] {
			doomed[k] = true
		}
	}
	rc.mu.Unlock()
	for k := range doomed {
		rc.forget(k)
		rc.cache.Del(k)
	}
}

// Clear drops everything, used by CLEAR and by close.
func (rc *ResultCache) Clear() {
	if rc.cache == nil {
		return
	}
	rc.mu.Lock()
	rc.byPred = map[dictionary.TermId]map[uint64]bool{}
	rc.wildcards = map[uint64]bool{}
	rc.entries = map[uint64][]dictionary.TermId{}
	rc.mu.Unlock()
	rc.cache.Clear()
}

// HitRate reports the cache's lifetime hit ratio, for the health surface.
func (rc *ResultCache) HitRate() (hits, misses uint64) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.hits, rc.misses
}
