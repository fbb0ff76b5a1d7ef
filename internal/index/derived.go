package index

import "github.com/ontospan/triplestore/internal/kv"

// Derived manages the `derived` keyspace: triples materialized
// by the reasoner, stored in SPO shape only — there is no POS/OSP
// ordering for derived facts, so P- or O-only patterns fall back to a full
// scan of the (typically much smaller) derived set.
type Derived struct {
	engine *kv.Engine
}

func NewDerived(engine *kv.Engine) *Derived { return &Derived{engine: engine} }

func (d *Derived) Exists(t Triple) (bool, error) {
	return d.engine.Exists(kv.Derived, OrderSPO.encodeKey(t))
}

func (d *Derived) QueueInsert(b *kv.Batch, t Triple) (bool, error) {
	exists, err := d.Exists(t)
	if err != nil {
		return false, err
	}
	if exists {
		return false, nil
	}
	b.Put(kv.Derived, OrderSPO.encodeKey(t), nil)
	return true, nil
}

func (d *Derived) QueueDelete(b *kv.Batch, t Triple) (bool, error) {
	exists, err := d.Exists(t)
	if err != nil {
		return false, err
	}
	if !exists {
		return false, nil
	}
	b.Delete(kv.Derived, OrderSPO.encodeKey(t))
	return true, nil
}

// Scan yields every derived triple matching pattern. S-bound patterns seek
// directly to a prefix; P/O-only patterns scan the whole keyspace and
// post-filter, since derived has no secondary ordering.
func (d *Derived) Scan(snap *kv.Snapshot, pattern Pattern) (*DerivedIterator, error) {
	var prefix []byte
	if pattern.S != nil {
		b := pattern.S.Bytes()
		prefix = b[:]
	}
	it, err := snap.PrefixIterator(kv.Derived, prefix)
	if err != nil {
		return nil, err
	}
	return &DerivedIterator{it: it, pattern: pattern}, nil
}

// All returns every triple currently in the derived keyspace.
func (d *Derived) All(snap *kv.Snapshot) ([]Triple, error) {
	it, err := d.Scan(snap, Pattern{})
	if err != nil {
		return nil, err
	}
	defer it.Close()
	var out []Triple
	for it.Next() {
		out = append(out, it.Triple())
	}
	return out, nil
}

type DerivedIterator struct {
	it      *kv.Iterator
	pattern Pattern
	current Triple
}

func (it *DerivedIterator) Next() bool {
	for it.it.Next() {
		key := it.it.Key()
		if len(key) < 24 {
			continue
		}
		t := OrderSPO.decodeKey(key)
		if !it.pattern.Matches(t) {
			continue
		}
		it.current = t
		return true
	}
	return false
}

func (it *DerivedIterator) Triple() Triple { return it.current }
func (it *DerivedIterator) Close() error   { return it.it.Close() }
