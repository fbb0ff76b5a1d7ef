package cache

import (
	"testing"

	"github.com/ontospan/triplestore/internal/dictionary"
)

func putAndSettle(rc *ResultCache, key uint64, value interface{}, preds []dictionary.TermId, wildcard bool) {
	rc.Put(key, value, 1, preds, wildcard)
}

func TestPutGetInvalidate(t *testing.T) {
	rc, err := New(128, 0)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	p1, p2 := dictionary.TermId(101), dictionary.TermId(102)

	putAndSettle(rc, 1, "one", []dictionary.TermId{p1}, false)
	putAndSettle(rc, 2, "two", []dictionary.TermId{p2}, false)

	if v, ok := rc.Get(1); !ok || v != "one" {
		t.Fatalf("expected hit for key 1, got ok=%v v=%v", ok, v)
	}

	rc.Invalidate(map[dictionary.TermId]bool{p1: true})
	if _, ok := rc.Get(1); ok {
		t.Errorf("key 1 should be invalidated via predicate %d", p1)
	}
	if _, ok := rc.Get(2); !ok {
		t.Errorf("key 2 should survive an unrelated invalidation")
	}
}

func TestWildcardEntriesDropOnAnyWrite(t *testing.T) {
	rc, err := New(128, 0)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	putAndSettle(rc, 7, "wild", nil, true)

	rc.Invalidate(map[dictionary.TermId]bool{dictionary.TermId(999): true})
	if _, ok := rc.Get(7); ok {
		t.Errorf("wildcard entry must be dropped on every invalidation")
	}
}

func TestOversizedResultNotAdmitted(t *testing.T) {
	rc, err := New(128, 10)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	rc.Put(3, "big", 11, nil, false)
	if _, ok := rc.Get(3); ok {
		t.Errorf("result above the row threshold must not be cached")
	}
}

func TestDisabledCacheAlwaysMisses(t *testing.T) {
	rc, err := New(0, 0)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	rc.Put(1, "x", 1, nil, false)
	if _, ok := rc.Get(1); ok {
		t.Errorf("disabled cache must never hit")
	}
}

func TestClear(t *testing.T) {
	rc, err := New(128, 0)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	putAndSettle(rc, 5, "v", []dictionary.TermId{dictionary.TermId(5)}, false)
	rc.Clear()
	if _, ok := rc.Get(5); ok {
		t.Errorf("cache should be empty after Clear")
	}
}
