package index

import "github.com/ontospan/triplestore/internal/dictionary"

// Pattern is a triple pattern over TermIds: a nil position is unbound.
type Pattern struct {
	S, P, O *dictionary.TermId
}

// route picks the index and key prefix for the bound positions. The
// returned order determines which physical table is scanned; postFilterS
// reports whether the caller must additionally check equality on the
// subject after decoding (set for the S,_,O case, which is routed to OSP;
// the OSP prefix already holds O then S, so the check confirms what the
// prefix selected).
func (p Pattern) route() (order Order, postFilterS bool) {
	sBound, pBound, oBound := p.S != nil, p.P != nil, p.O != nil
	switch {
	case sBound && pBound:
		return OrderSPO, false // covers S,P,O and S,P,_
	case pBound && oBound:
		return OrderPOS, false // _,P,O
	case oBound && sBound:
		return OrderOSP, true // S,_,O: osp key starts with O, post-filter S
	case sBound:
		return OrderSPO, false
	case pBound:
		return OrderPOS, false
	case oBound:
		return OrderOSP, false
	default:
		return OrderSPO, false // _,_,_: full scan
	}
}

// prefix builds the scan prefix (the bound leading components, in the
// chosen order) for p.
func (p Pattern) prefix(order Order) []byte {
	get := func(pos byte) *dictionary.TermId {
		switch pos {
		case 'S':
			return p.S
		case 'P':
			return p.P
		default:
			return p.O
		}
	}
	var seq [3]byte
	switch order {
	case OrderSPO:
		seq = [3]byte{'S', 'P', 'O'}
	case OrderPOS:
		seq = [3]byte{'P', 'O', 'S'}
	default:
		seq = [3]byte{'O', 'S', 'P'}
	}
	var out []byte
	for _, pos := range seq {
		v := get(pos)
		if v == nil {
			break
		}
		b := v.Bytes()
		out = append(out, b[:]...)
	}
	return out
}

// Matches reports whether t satisfies every bound position of p.
func (p Pattern) Matches(t Triple) bool {
	if p.S != nil && *p.S != t.S {
		return false
	}
	if p.P != nil && *p.P != t.P {
		return false
	}
	if p.O != nil && *p.O != t.O {
		return false
	}
	return true
}
