package triplestore

import (
	"context"

	"github.com/ontospan/triplestore/internal/dictionary"
	"github.com/ontospan/triplestore/internal/index"
	"github.com/ontospan/triplestore/pkg/rdf"
)

// EncodedTriple is a triple in the store's identifier space, the unit the
// surface-syntax parsers' output is converted into before loading.
type EncodedTriple struct {
	S, P, O uint64
}

// TripleSource is a pull-based stream of external triples, the shape an
// RDF parser (Turtle, N-Triples, RDF/XML) feeds the store. Next returns
// nil at end of stream, and a non-nil error on a parse or I/O failure.
type TripleSource interface {
	Next() (*rdf.Triple, error)
}

// sliceSource adapts an in-memory triple slice to TripleSource.
type sliceSource struct {
	triples []*rdf.Triple
	pos     int
}

func (s *sliceSource) Next() (*rdf.Triple, error) {
	if s.pos >= len(s.triples) {
		return nil, nil
	}
	t := s.triples[s.pos]
	s.pos++
	return t, nil
}

// NewSliceSource wraps already-parsed triples as a TripleSource.
func NewSliceSource(triples []*rdf.Triple) TripleSource {
	return &sliceSource{triples: triples}
}

// EncodeTriples drains src through the dictionary, allocating identifiers
// for unseen terms. Language-tagged literals, typed literals, and blank
// nodes all round-trip losslessly through DecodeTriples within a single
// load: the dictionary mapping is bijective, so a term's identifier is
// stable for the store's lifetime.
func (s *Store) EncodeTriples(src TripleSource) ([]EncodedTriple, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	var out []EncodedTriple
	for {
		t, err := src.Next()
		if err != nil {
			return nil, err
		}
		if t == nil {
			return out, nil
		}
		enc, err := s.encodeTriples([]*rdf.Triple{t})
		if err != nil {
			return nil, err
		}
		out = append(out, EncodedTriple{
			S: uint64(enc[0].S), P: uint64(enc[0].P), O: uint64(enc[0].O),
		})
	}
}

// DecodeTriples converts identifier triples back to external triples, the
// inverse of EncodeTriples for every identifier the store has issued.
func (s *Store) DecodeTriples(encoded []EncodedTriple) ([]*rdf.Triple, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	out := make([]*rdf.Triple, 0, len(encoded))
	for _, e := range encoded {
		t, err := s.decodeTriple(index.Triple{
			S: dictionary.TermId(e.S),
			P: dictionary.TermId(e.P),
			O: dictionary.TermId(e.O),
		})
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// LoadSource bulk-loads a parser's triple stream, committing batches of
// the configured flush size as it drains. Returns the net number of
// triples added.
func (s *Store) LoadSource(ctx context.Context, src TripleSource) (int, error) {
	if err := s.guard(); err != nil {
		return 0, err
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	total := 0
	batch := make([]*rdf.Triple, 0, s.opts.BatchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		n, err := s.Insert(ctx, batch)
		total += n
		batch = batch[:0]
		return err
	}
	for {
		t, err := src.Next()
		if err != nil {
			return total, err
		}
		if t == nil {
			return total, flush()
		}
		batch = append(batch, t)
		if len(batch) >= s.opts.BatchSize {
			if err := flush(); err != nil {
				return total, err
			}
		}
	}
}
