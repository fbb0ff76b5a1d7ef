// Package index maintains the three redundant triple orderings (SPO,
// POS, OSP) that back every triple pattern lookup in O(log n).
package index

import (
	"github.com/ontospan/triplestore/internal/dictionary"
	"github.com/ontospan/triplestore/internal/kv"
)

// Order names one of the three physical orderings a key can be encoded in.
type Order byte

const (
	OrderSPO Order = iota
	OrderPOS
	OrderOSP
)

func (o Order) keyspace() kv.Keyspace {
	switch o {
	case OrderSPO:
		return kv.SPO
	case OrderPOS:
		return kv.POS
	default:
		return kv.OSP
	}
}

// Triple is an (s, p, o) triple of TermIds — the in-memory unit the index
// layer and everything above it operates on.
type Triple struct {
	S, P, O dictionary.TermId
}

// components returns (a, b, c) such that encoding them in that order
// produces o's physical key, i.e. the permutation SPO/POS/OSP implies.
func (o Order) components(t Triple) (a, b, c dictionary.TermId) {
	switch o {
	case OrderSPO:
		return t.S, t.P, t.O
	case OrderPOS:
		return t.P, t.O, t.S
	default: // OrderOSP
		return t.O, t.S, t.P
	}
}

// fromComponents is the inverse of components.
func (o Order) fromComponents(a, b, c dictionary.TermId) Triple {
	switch o {
	case OrderSPO:
		return Triple{S: a, P: b, O: c}
	case OrderPOS:
		return Triple{S: c, P: a, O: b}
	default: // OrderOSP
		return Triple{S: b, P: c, O: a}
	}
}

// encodeKey builds the (up to) 24-byte physical key for t in order o.
func (o Order) encodeKey(t Triple) []byte {
	a, b, c := o.components(t)
	ab, bb, cb := a.Bytes(), b.Bytes(), c.Bytes()
	key := make([]byte, 0, 24)
	key = append(key, ab[:]...)
	key = append(key, bb[:]...)
	key = append(key, cb[:]...)
	return key
}

// decodeKey reverses encodeKey for a full 24-byte key.
func (o Order) decodeKey(key []byte) Triple {
	a := dictionary.TermIdFromBytes(key[0:8])
	b := dictionary.TermIdFromBytes(key[8:16])
	c := dictionary.TermIdFromBytes(key[16:24])
	return o.fromComponents(a, b, c)
}
