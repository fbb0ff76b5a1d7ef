package dictionary

import (
	"sync"
	"sync/atomic"

	"github.com/ontospan/triplestore/internal/errs"
	"github.com/ontospan/triplestore/internal/kv"
	"github.com/ontospan/triplestore/pkg/rdf"
)

// checkpointInterval is how often a kind's sequence counter is persisted.
const checkpointInterval = 1000

// recoveryMargin is added to the last persisted counter value on open, so
// an unflushed-but-already-emitted TermId can never be reissued.
const recoveryMargin = 1000

// counterState is the in-process state for one dictionary kind's sequence.
type counterState struct {
	mu        sync.Mutex // serializes encode() for this kind
	next      atomic.Uint64
	persisted uint64 // last value durably written to the counters keyspace
}

// Dictionary is the bijective term<->TermId mapping.
type Dictionary struct {
	engine *kv.Engine

	iri     counterState
	blank   counterState
	literal counterState
}

// Open loads (or initializes) a dictionary backed by engine, recovering
// sequence counters with the mandated safety margin.
func Open(engine *kv.Engine) (*Dictionary, error) {
	d := &Dictionary{engine: engine}
	for kind, cs := range d.counters() {
		persisted, err := loadCounter(engine, kind)
		if err != nil {
			return nil, err
		}
		cs.persisted = persisted
		cs.next.Store(persisted + recoveryMargin)
		// Persist the advanced counter at once, so ids issued in this
		// session stay above the value the next recovery starts from.
		cs.mu.Lock()
		err = d.checkpoint(kind, cs)
		cs.mu.Unlock()
		if err != nil {
			return nil, err
		}
	}
	return d, nil
}

func (d *Dictionary) counters() map[Kind]*counterState {
	return map[Kind]*counterState{
		KindIRI:     &d.iri,
		KindBlankNode: &d.blank,
		KindLiteral: &d.literal,
	}
}

func counterKey(kind Kind) []byte { return []byte{byte(kind)} }

func loadCounter(engine *kv.Engine, kind Kind) (uint64, error) {
	raw, err := engine.Get(kv.Counters, counterKey(kind))
	if err == kv.ErrNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return TermIdFromBytes(raw).Payload(), nil
}

func (d *Dictionary) stateFor(kind Kind) *counterState {
	switch kind {
	case KindIRI:
		return &d.iri
	case KindBlankNode:
		return &d.blank
	case KindLiteral:
		return &d.literal
	default:
		return nil
	}
}

// kindOfTerm classifies a (non-inline) term for sequence allocation.
func kindOfTerm(term rdf.Term) (Kind, error) {
	switch term.(type) {
	case *rdf.NamedNode:
		return KindIRI, nil
	case *rdf.BlankNode:
		return KindBlankNode, nil
	case *rdf.Literal:
		return KindLiteral, nil
	default:
		return 0, errs.New(errs.KindInvalidArgument, "unrecognized term type")
	}
}

// Encode returns term's TermId, allocating one if this is the first time
// the term has been seen. Inline-encodable literals never touch storage.
func (d *Dictionary) Encode(term rdf.Term) (TermId, error) {
	if id, ok, err := tryInlineEncode(term); err != nil {
		return 0, err
	} else if ok {
		return id, nil
	}

	canon, err := canonicalize(term)
	if err != nil {
		return 0, err
	}
	kind, err := kindOfTerm(term)
	if err != nil {
		return 0, err
	}

	if id, err := d.engine.Get(kv.Str2ID, canon); err == nil {
		return TermIdFromBytes(id), nil
	} else if err != kv.ErrNotFound {
		return 0, err
	}

	cs := d.stateFor(kind)
	cs.mu.Lock()
	defer cs.mu.Unlock()

	// Re-check under the lock: another goroutine may have raced us between
	// the unlocked lookup above and acquiring the per-kind lock.
	if id, err := d.engine.Get(kv.Str2ID, canon); err == nil {
		return TermIdFromBytes(id), nil
	} else if err != kv.ErrNotFound {
		return 0, err
	}

	seq := cs.next.Add(1) - 1
	id := newSequenceID(kind, seq)
	idBytes := id.Bytes()

	err = d.engine.Batch(func(b *kv.Batch) error {
		b.Put(kv.Str2ID, canon, idBytes[:])
		b.Put(kv.ID2Str, idBytes[:], canon)
		return nil
	})
	if err != nil {
		return 0, err
	}

	if seq%checkpointInterval == 0 {
		if err := d.checkpoint(kind, cs); err != nil {
			return 0, err
		}
	}

	return id, nil
}

// checkpoint persists cs's current counter value. Must be called with
// cs.mu held.
func (d *Dictionary) checkpoint(kind Kind, cs *counterState) error {
	val := cs.next.Load()
	id := makeTermID(kind, val)
	idBytes := id.Bytes()
	if err := d.engine.Put(kv.Counters, counterKey(kind), idBytes[:]); err != nil {
		return err
	}
	cs.persisted = val
	return nil
}

// CounterValues snapshots each kind's current sequence counter, used by
// backups to write the counter sidecar.
func (d *Dictionary) CounterValues() map[Kind]uint64 {
	out := make(map[Kind]uint64, 3)
	for kind, cs := range d.counters() {
		out[kind] = cs.next.Load()
	}
	return out
}

// CheckpointAll persists every kind's counter immediately, so a backup
// taken right after carries exact values instead of the last periodic
// checkpoint.
func (d *Dictionary) CheckpointAll() error {
	for kind, cs := range d.counters() {
		cs.mu.Lock()
		err := d.checkpoint(kind, cs)
		cs.mu.Unlock()
		if err != nil {
			return err
		}
	}
	return nil
}

// SeedCounters writes counter values directly into engine's counters
// keyspace, used by restore to install a backup's sidecar counter state
// before the dictionary is opened on top of it.
func SeedCounters(engine *kv.Engine, values map[Kind]uint64) error {
	return engine.Batch(func(b *kv.Batch) error {
		for kind, v := range values {
			id := makeTermID(kind, v)
			idBytes := id.Bytes()
			b.Put(kv.Counters, counterKey(kind), idBytes[:])
		}
		return nil
	})
}

// Lookup returns term's TermId without allocating one.
func (d *Dictionary) Lookup(term rdf.Term) (TermId, bool, error) {
	if id, ok, err := tryInlineEncode(term); err != nil {
		return 0, false, err
	} else if ok {
		return id, true, nil
	}
	canon, err := canonicalize(term)
	if err != nil {
		return 0, false, err
	}
	raw, err := d.engine.Get(kv.Str2ID, canon)
	if err == kv.ErrNotFound {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return TermIdFromBytes(raw), true, nil
}

// Decode reconstructs the term id refers to. Inline kinds decode without
// any storage I/O.
func (d *Dictionary) Decode(id TermId) (rdf.Term, error) {
	if id.IsInline() {
		return decodeInline(id)
	}
	idBytes := id.Bytes()
	raw, err := d.engine.Get(kv.ID2Str, idBytes[:])
	if err != nil {
		if err == kv.ErrNotFound {
			return nil, errs.CorruptState("TermId has no id2str entry")
		}
		return nil, err
	}
	return decanonicalize(id.Kind(), raw)
}
