// Package binding implements the executor's variable-to-value map as a
// fixed-size slot array rather than a string-keyed map:
// every variable in a compiled query is assigned a Slot at compile time
// (algebra.VarTable), and a Binding is just the array of TermIds indexed
// by that slot. TermId 0 (the zero value) never arises from a real
// encode, so it doubles as the "unbound" sentinel without a parallel
// bitset.
package binding

import "github.com/ontospan/triplestore/internal/dictionary"

// Binding maps a query's variable slots to TermIds. The zero value is a
// valid empty binding of width 0; use New to size one to a VarTable.
type Binding struct {
	vals []dictionary.TermId
}

// New returns an all-unbound Binding with room for width variables.
func New(width int) Binding {
	return Binding{vals: make([]dictionary.TermId, width)}
}

// Get returns slot's value and whether it is bound.
func (b Binding) Get(slot int) (dictionary.TermId, bool) {
	if slot < 0 || slot >= len(b.vals) {
		return 0, false
	}
	v := b.vals[slot]
	return v, v != 0
}

// Width reports how many slots b has room for.
func (b Binding) Width() int { return len(b.vals) }

// Clone returns an independent copy, safe to mutate without affecting b.
func (b Binding) Clone() Binding {
	out := make([]dictionary.TermId, len(b.vals))
	copy(out, b.vals)
	return Binding{vals: out}
}

// With returns a copy of b with slot set to v. The receiver is unmodified,
// so callers threading a parent binding through a fan-out iterator (e.g.
// NestedLoop substituting the outer binding into the inner scan) never see
// a sibling's write.
func (b Binding) With(slot int, v dictionary.TermId) Binding {
	out := b.Clone()
	if slot >= 0 && slot < len(out.vals) {
		out.vals[slot] = v
	}
	return out
}

// Merge returns a binding combining b and other, preferring other's value
// for any slot bound in both (callers are expected to have already checked
// join compatibility — equal on every slot bound in both sides — before
// merging an inner loop's probe result).
func (b Binding) Merge(other Binding) Binding {
	width := len(b.vals)
	if len(other.vals) > width {
		width = len(other.vals)
	}
	out := make([]dictionary.TermId, width)
	copy(out, b.vals)
	for i, v := range other.vals {
		if v != 0 {
			out[i] = v
		}
	}
	return Binding{vals: out}
}

// Compatible reports whether b and other agree on every slot bound in
// both — the SPARQL join-compatibility test used by Join/LeftJoin/Minus.
func (b Binding) Compatible(other Binding) bool {
	n := len(b.vals)
	if len(other.vals) < n {
		n = len(other.vals)
	}
	for i := 0; i < n; i++ {
		if b.vals[i] != 0 && other.vals[i] != 0 && b.vals[i] != other.vals[i] {
			return false
		}
	}
	return true
}

// SharesVariable reports whether two bindings have at least one slot
// bound in both, used by Minus (which applies only when the two sides
// share a variable and behaves as identity otherwise).
func SharesVariable(keys []int, a, b Binding) bool {
	for _, k := range keys {
		if _, ok := a.Get(k); !ok {
			continue
		}
		if _, ok := b.Get(k); ok {
			return true
		}
	}
	return false
}

// Project restricts b to exactly the listed slots, zeroing everything
// else — used by the Project operator and by hash-join key extraction.
func (b Binding) Project(slots []int) Binding {
	width := len(b.vals)
	out := make([]dictionary.TermId, width)
	for _, s := range slots {
		if s >= 0 && s < width {
			out[s] = b.vals[s]
		}
	}
	return Binding{vals: out}
}

// Key builds a comparable string key from b's values at keys, for use as a
// Go map key in HashJoin/Distinct/Group; each slot contributes a
// bound/unbound flag byte followed by the TermId's 8 bytes, so no valid
// TermId can collide with the "unbound" encoding.
type Key string

func (b Binding) Key(keys []int) Key {
	buf := make([]byte, 0, 9*len(keys))
	for _, s := range keys {
		v, ok := b.Get(s)
		if ok {
			buf = append(buf, 1)
		} else {
			buf = append(buf, 0)
		}
		bs := v.Bytes()
		buf = append(buf, bs[:]...)
	}
	return Key(buf)
}
