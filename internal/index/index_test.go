package index

import (
	"testing"

	"github.com/ontospan/triplestore/internal/dictionary"
	"github.com/ontospan/triplestore/internal/kv"
)

func openTestEngine(t *testing.T) *kv.Engine {
	t.Helper()
	e, err := kv.Open("", kv.Options{InMemory: true})
	if err != nil {
		t.Fatalf("open engine: %v", err)
	}
	t.Cleanup(func() { _ = e.Close() })
	return e
}

// id builds a distinguishable IRI-kind TermId for test purposes, without
// going through the dictionary's allocator.
func id(n uint64) dictionary.TermId {
	return dictionary.TermId(uint64(dictionary.KindIRI)<<60 | n)
}

func TestInsertExistsDelete(t *testing.T) {
	engine := openTestEngine(t)
	ix := New(engine)

	tr := Triple{S: id(1), P: id(2), O: id(3)}

	ok, err := ix.Exists(tr)
	if err != nil || ok {
		t.Fatalf("expected absent before insert: ok=%v err=%v", ok, err)
	}

	changed, err := ix.Insert(tr)
	if err != nil || !changed {
		t.Fatalf("insert: changed=%v err=%v", changed, err)
	}

	changed, err = ix.Insert(tr)
	if err != nil || changed {
		t.Fatalf("re-insert should be a no-op: changed=%v err=%v", changed, err)
	}

	ok, err = ix.Exists(tr)
	if err != nil || !ok {
		t.Fatalf("expected present after insert: ok=%v err=%v", ok, err)
	}

	changed, err = ix.Delete(tr)
	if err != nil || !changed {
		t.Fatalf("delete: changed=%v err=%v", changed, err)
	}

	ok, err = ix.Exists(tr)
	if err != nil || ok {
		t.Fatalf("expected absent after delete: ok=%v err=%v", ok, err)
	}
}

func TestScanPatterns(t *testing.T) {
	engine := openTestEngine(t)
	ix := New(engine)

	triples := []Triple{
		{S: id(1), P: id(10), O: id(100)},
		{S: id(1), P: id(10), O: id(101)},
		{S: id(1), P: id(11), O: id(100)},
		{S: id(2), P: id(10), O: id(100)},
	}
	if _, err := ix.InsertBatch(triples, 2); err != nil {
		t.Fatalf("insert batch: %v", err)
	}

	snap := engine.Snapshot()
	defer snap.Close()

	scanAll := func(p Pattern) []Triple {
		it, err := ix.Scan(snap, p)
		if err != nil {
			t.Fatalf("scan: %v", err)
		}
		defer it.Close()
		var out []Triple
		for it.Next() {
			out = append(out, it.Triple())
		}
		return out
	}

	s1 := id(1)
	p10 := id(10)
	o100 := id(100)

	if got := scanAll(Pattern{S: &s1}); len(got) != 3 {
		t.Errorf("S-bound scan: got %d results, want 3", len(got))
	}
	if got := scanAll(Pattern{S: &s1, P: &p10}); len(got) != 2 {
		t.Errorf("S,P-bound scan: got %d results, want 2", len(got))
	}
	if got := scanAll(Pattern{P: &p10}); len(got) != 3 {
		t.Errorf("P-bound scan: got %d results, want 3", len(got))
	}
	if got := scanAll(Pattern{O: &o100}); len(got) != 3 {
		t.Errorf("O-bound scan: got %d results, want 3", len(got))
	}
	if got := scanAll(Pattern{S: &s1, O: &o100}); len(got) != 2 {
		t.Errorf("S,O-bound (post-filter) scan: got %d results, want 2", len(got))
	}
	if got := scanAll(Pattern{}); len(got) != 4 {
		t.Errorf("unbound scan: got %d results, want 4", len(got))
	}
}

func TestDerivedKeyspaceIsolated(t *testing.T) {
	engine := openTestEngine(t)
	ix := New(engine)
	dv := NewDerived(engine)

	explicit := Triple{S: id(1), P: id(2), O: id(3)}
	derived := Triple{S: id(4), P: id(5), O: id(6)}

	if _, err := ix.Insert(explicit); err != nil {
		t.Fatalf("insert explicit: %v", err)
	}
	if err := engine.Batch(func(b *kv.Batch) error {
		_, err := dv.QueueInsert(b, derived)
		return err
	}); err != nil {
		t.Fatalf("insert derived: %v", err)
	}

	ok, err := ix.Exists(derived)
	if err != nil {
		t.Fatalf("exists: %v", err)
	}
	if ok {
		t.Errorf("derived triple should not appear in the explicit index")
	}

	ok, err = dv.Exists(explicit)
	if err != nil {
		t.Fatalf("exists: %v", err)
	}
	if ok {
		t.Errorf("explicit triple should not appear in the derived keyspace")
	}

	snap := engine.Snapshot()
	defer snap.Close()
	all, err := dv.All(snap)
	if err != nil {
		t.Fatalf("all: %v", err)
	}
	if len(all) != 1 || !(all[0] == derived) {
		t.Errorf("derived.All() = %v, want [%v]", all, derived)
	}
}
