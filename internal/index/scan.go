package index

import "github.com/ontospan/triplestore/internal/kv"

// Scan resolves pattern against snap, returning a lazy stream of matching
// triples decoded from the chosen ordering's 24-byte keys.
func (ix *Index) Scan(snap *kv.Snapshot, pattern Pattern) (*ScanIterator, error) {
	order, postFilterS := pattern.route()
	prefix := pattern.prefix(order)
	it, err := snap.PrefixIterator(order.keyspace(), prefix)
	if err != nil {
		return nil, err
	}
	return &ScanIterator{
		it:          it,
		order:       order,
		pattern:     pattern,
		postFilterS: postFilterS,
	}, nil
}

// ScanIterator yields triples one at a time; call Next until it returns
// false, then Close.
type ScanIterator struct {
	it          *kv.Iterator
	order       Order
	pattern     Pattern
	postFilterS bool
	current     Triple
}

// Next advances to the next matching triple.
func (s *ScanIterator) Next() bool {
	for s.it.Next() {
		key := s.it.Key()
		if len(key) < 24 {
			continue
		}
		t := s.order.decodeKey(key)
		if s.postFilterS && s.pattern.S != nil && *s.pattern.S != t.S {
			continue
		}
		s.current = t
		return true
	}
	return false
}

// Triple returns the triple at the iterator's current position.
func (s *ScanIterator) Triple() Triple { return s.current }

func (s *ScanIterator) Close() error { return s.it.Close() }
