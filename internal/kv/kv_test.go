package kv

import "testing"

func openTest(t *testing.T) *Engine {
	t.Helper()
	e, err := Open("", Options{InMemory: true})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func TestGetPutDelete(t *testing.T) {
	e := openTest(t)

	_, err := e.Get(SPO, []byte("k1"))
	if err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if err := e.Put(SPO, []byte("k1"), []byte("v1")); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, err := e.Get(SPO, []byte("k1"))
	if err != nil || string(got) != "v1" {
		t.Fatalf("get after put: %q, %v", got, err)
	}

	if err := e.Delete(SPO, []byte("k1")); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := e.Get(SPO, []byte("k1")); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestKeyspaceIsolation(t *testing.T) {
	e := openTest(t)
	if err := e.Put(SPO, []byte("x"), []byte("spo-value")); err != nil {
		t.Fatalf("put spo: %v", err)
	}
	if _, err := e.Get(POS, []byte("x")); err != ErrNotFound {
		t.Fatalf("expected key in SPO to be invisible from POS, got %v", err)
	}
}

func TestBatchAtomicity(t *testing.T) {
	e := openTest(t)
	err := e.Batch(func(b *Batch) error {
		b.Put(SPO, []byte("a"), []byte("1"))
		b.Put(POS, []byte("a"), []byte("1"))
		b.Put(OSP, []byte("a"), []byte("1"))
		return nil
	})
	if err != nil {
		t.Fatalf("batch: %v", err)
	}
	for _, ks := range []Keyspace{SPO, POS, OSP} {
		if ok, err := e.Exists(ks, []byte("a")); err != nil || !ok {
			t.Errorf("keyspace %v missing key after atomic batch: ok=%v err=%v", ks, ok, err)
		}
	}
}

func TestPrefixIteratorOrder(t *testing.T) {
	e := openTest(t)
	keys := [][]byte{
		{0x00, 0x01},
		{0x00, 0x02},
		{0x00, 0x03},
		{0x01, 0x00},
	}
	for _, k := range keys {
		if err := e.Put(SPO, k, []byte("v")); err != nil {
			t.Fatalf("put: %v", err)
		}
	}

	snap := e.Snapshot()
	defer snap.Close()

	it, err := snap.PrefixIterator(SPO, []byte{0x00})
	if err != nil {
		t.Fatalf("prefix iterator: %v", err)
	}
	defer it.Close()

	var got [][]byte
	for it.Next() {
		got = append(got, append([]byte(nil), it.Key()...))
	}
	if len(got) != 3 {
		t.Fatalf("got %d keys, want 3", len(got))
	}
	for i, k := range got {
		if len(k) != 2 || k[0] != 0x00 || k[1] != byte(i+1) {
			t.Errorf("key %d = %v, want prefix-matched ordered key", i, k)
		}
	}
}

func TestSnapshotIsolationFromLaterWrites(t *testing.T) {
	e := openTest(t)
	if err := e.Put(SPO, []byte("k"), []byte("before")); err != nil {
		t.Fatalf("put: %v", err)
	}
	snap := e.Snapshot()
	defer snap.Close()

	if err := e.Put(SPO, []byte("k"), []byte("after")); err != nil {
		t.Fatalf("put: %v", err)
	}

	got, err := snap.Get(SPO, []byte("k"))
	if err != nil {
		t.Fatalf("snapshot get: %v", err)
	}
	if string(got) != "before" {
		t.Errorf("snapshot should see pre-write value, got %q", got)
	}

	latest, err := e.Get(SPO, []byte("k"))
	if err != nil || string(latest) != "after" {
		t.Errorf("engine Get should see latest value, got %q, %v", latest, err)
	}
}

func TestSeekRepositions(t *testing.T) {
	e := openTest(t)
	for i := byte(0); i < 5; i++ {
		if err := e.Put(SPO, []byte{i}, []byte("v")); err != nil {
			t.Fatalf("put: %v", err)
		}
	}
	snap := e.Snapshot()
	defer snap.Close()
	it, err := snap.PrefixIterator(SPO, nil)
	if err != nil {
		t.Fatalf("prefix iterator: %v", err)
	}
	defer it.Close()

	it.Seek([]byte{3})
	if !it.Next() {
		t.Fatalf("expected a result after seeking to {3}")
	}
	if got := it.Key(); len(got) != 1 || got[0] != 3 {
		t.Errorf("seek landed on %v, want [3]", got)
	}
}
