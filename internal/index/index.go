package index

import (
	"github.com/ontospan/triplestore/internal/kv"
)

// Index maintains the SPO/POS/OSP invariant: a triple exists iff its key
// is present in all three orderings.
type Index struct {
	engine *kv.Engine
}

func New(engine *kv.Engine) *Index { return &Index{engine: engine} }

var allOrders = [3]Order{OrderSPO, OrderPOS, OrderOSP}

// Exists reports whether t is already stored, checked against SPO (any one
// ordering suffices given the invariant).
func (ix *Index) Exists(t Triple) (bool, error) {
	return ix.engine.Exists(kv.SPO, OrderSPO.encodeKey(t))
}

// QueueInsert adds t's three index entries to b if t is not already
// present, returning whether it added anything. Re-inserting an existing
// triple is a no-op.
func (ix *Index) QueueInsert(b *kv.Batch, t Triple) (bool, error) {
	exists, err := ix.Exists(t)
	if err != nil {
		return false, err
	}
	if exists {
		return false, nil
	}
	for _, o := range allOrders {
		b.Put(o.keyspace(), o.encodeKey(t), nil)
	}
	return true, nil
}

// QueueDelete removes t's three index entries from b if present, returning
// whether anything was removed. Deleting an absent triple is a no-op.
func (ix *Index) QueueDelete(b *kv.Batch, t Triple) (bool, error) {
	exists, err := ix.Exists(t)
	if err != nil {
		return false, err
	}
	if !exists {
		return false, nil
	}
	for _, o := range allOrders {
		b.Delete(o.keyspace(), o.encodeKey(t))
	}
	return true, nil
}

// Insert is a single-triple convenience wrapper that commits its own batch.
func (ix *Index) Insert(t Triple) (bool, error) {
	var changed bool
	err := ix.engine.Batch(func(b *kv.Batch) error {
		var err error
		changed, err = ix.QueueInsert(b, t)
		return err
	})
	return changed, err
}

// Delete is a single-triple convenience wrapper that commits its own batch.
func (ix *Index) Delete(t Triple) (bool, error) {
	var changed bool
	err := ix.engine.Batch(func(b *kv.Batch) error {
		var err error
		changed, err = ix.QueueDelete(b, t)
		return err
	})
	return changed, err
}

// InsertBatch groups triples into commits of at most flushSize triples,
// each one an atomic three-index write.
func (ix *Index) InsertBatch(triples []Triple, flushSize int) (int, error) {
	if flushSize <= 0 {
		flushSize = 1000
	}
	total := 0
	for start := 0; start < len(triples); start += flushSize {
		end := start + flushSize
		if end > len(triples) {
			end = len(triples)
		}
		chunk := triples[start:end]
		err := ix.engine.Batch(func(b *kv.Batch) error {
			for _, t := range chunk {
				changed, err := ix.QueueInsert(b, t)
				if err != nil {
					return err
				}
				if changed {
					total++
				}
			}
			return nil
		})
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// DeleteBatch is InsertBatch's deletion counterpart.
func (ix *Index) DeleteBatch(triples []Triple, flushSize int) (int, error) {
	if flushSize <= 0 {
		flushSize = 1000
	}
	total := 0
	for start := 0; start < len(triples); start += flushSize {
		end := start + flushSize
		if end > len(triples) {
			end = len(triples)
		}
		chunk := triples[start:end]
		err := ix.engine.Batch(func(b *kv.Batch) error {
			for _, t := range chunk {
				changed, err := ix.QueueDelete(b, t)
				if err != nil {
					return err
				}
				if changed {
					total++
				}
			}
			return nil
		})
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
