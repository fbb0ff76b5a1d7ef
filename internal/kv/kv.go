// Package kv is the thin adapter between the store and its ordered
// key-value backend. The
// backend engine itself — compression, caching, compaction, the on-disk
// format — is an external black box; this package only narrows badger's
// API down to the contract the rest of the kernel is written against
// (open/close, get/put/delete/exists, atomic batches, prefix iteration
// with seek, and independent snapshots). Swapping the backend means
// reimplementing this one file.
package kv

import (
	"bytes"
	"fmt"
	"io"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/ontospan/triplestore/internal/errs"
)

// Keyspace names one of the store's logical tables.
// Keys are namespaced by a one-byte prefix so multiple keyspaces can share
// the same underlying badger instance.
type Keyspace byte

const (
	Str2ID Keyspace = iota
	ID2Str
	SPO
	POS
	OSP
	Derived
	Counters
	keyspaceCount
)

func (k Keyspace) String() string {
	switch k {
	case Str2ID:
		return "str2id"
	case ID2Str:
		return "id2str"
	case SPO:
		return "spo"
	case POS:
		return "pos"
	case OSP:
		return "osp"
	case Derived:
		return "derived"
	case Counters:
		return "counters"
	default:
		return "unknown"
	}
}

func prefixed(ks Keyspace, key []byte) []byte {
	out := make([]byte, 1+len(key))
	out[0] = byte(ks)
	copy(out[1:], key)
	return out
}

// ErrNotFound is returned by Get/Snapshot.Get when a key is absent.
var ErrNotFound = fmt.Errorf("kv: key not found")

// Engine is an open ordered key-value backend.
type Engine struct {
	db *badger.DB
}

// Options controls how the engine is opened.
type Options struct {
	CreateIfMissing bool
	InMemory        bool
	SyncWrites      bool
}

// Open opens (and optionally creates) the engine at path.
func Open(path string, opts Options) (*Engine, error) {
	bopts := badger.DefaultOptions(path)
	bopts.Logger = nil
	bopts.SyncWrites = opts.SyncWrites
	if opts.InMemory {
		bopts = bopts.WithInMemory(true)
	}
	db, err := badger.Open(bopts)
	if err != nil {
		return nil, errs.StorageFailure(err)
	}
	return &Engine{db: db}, nil
}

// Close releases the engine. Safe to call while snapshots/iterators opened
// from this engine are still alive: badger keeps the underlying value log
// segments referenced by an open transaction pinned until it is discarded.
func (e *Engine) Close() error {
	if err := e.db.Close(); err != nil {
		return errs.StorageFailure(err)
	}
	return nil
}

// Sync flushes buffered writes to stable storage.
func (e *Engine) Sync() error {
	if err := e.db.Sync(); err != nil {
		return errs.StorageFailure(err)
	}
	return nil
}

// Backup streams a full engine-native backup to w, returning the version
// watermark of the backed-up state.
func (e *Engine) Backup(w io.Writer) (uint64, error) {
	since, err := e.db.Backup(w, 0)
	if err != nil {
		return 0, errs.StorageFailure(err)
	}
	return since, nil
}

// Load replays a backup stream produced by Backup into this (empty) engine.
func (e *Engine) Load(r io.Reader) error {
	if err := e.db.Load(r, 16); err != nil {
		return errs.StorageFailure(err)
	}
	return nil
}

// Get reads a single value from ks, reading the latest committed state.
func (e *Engine) Get(ks Keyspace, key []byte) ([]byte, error) {
	var out []byte
	err := e.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(prefixed(ks, key))
		if err != nil {
			if err == badger.ErrKeyNotFound {
				return ErrNotFound
			}
			return err
		}
		return item.Value(func(val []byte) error {
			out = append([]byte(nil), val...)
			return nil
		})
	})
	if err != nil && err != ErrNotFound {
		return nil, errs.StorageFailure(err)
	}
	return out, err
}

// Exists reports whether key is present in ks.
func (e *Engine) Exists(ks Keyspace, key []byte) (bool, error) {
	_, err := e.Get(ks, key)
	if err == ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Put writes a single key-value pair, outside of any caller-managed batch.
func (e *Engine) Put(ks Keyspace, key, value []byte) error {
	return e.Batch(func(b *Batch) error {
		b.Put(ks, key, value)
		return nil
	})
}

// Delete removes a single key.
func (e *Engine) Delete(ks Keyspace, key []byte) error {
	return e.Batch(func(b *Batch) error {
		b.Delete(ks, key)
		return nil
	})
}

// mutation is one queued write or delete.
type mutation struct {
	ks     Keyspace
	key    []byte
	value  []byte
	delete bool
}

// Batch accumulates puts/deletes that commit atomically across keyspaces.
type Batch struct {
	muts []mutation
	sync bool
}

func (b *Batch) Put(ks Keyspace, key, value []byte) {
	b.muts = append(b.muts, mutation{ks: ks, key: append([]byte(nil), key...), value: append([]byte(nil), value...)})
}

func (b *Batch) Delete(ks Keyspace, key []byte) {
	b.muts = append(b.muts, mutation{ks: ks, key: append([]byte(nil), key...), delete: true})
}

// WithSync requests a durable (fsync'd) commit instead of the default
// latency-optimized one.
func (b *Batch) WithSync() { b.sync = true }

// Batch runs fn to collect mutations, then commits them as a single
// all-or-nothing badger transaction: either every key lands or none do,
// which is how the index layer keeps SPO/POS/OSP in lockstep.
func (e *Engine) Batch(fn func(b *Batch) error) error {
	b := &Batch{}
	if err := fn(b); err != nil {
		return err
	}
	if len(b.muts) == 0 {
		return nil
	}
	err := e.db.Update(func(txn *badger.Txn) error {
		for _, m := range b.muts {
			k := prefixed(m.ks, m.key)
			if m.delete {
				if err := txn.Delete(k); err != nil {
					return err
				}
				continue
			}
			if err := txn.Set(k, m.value); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return errs.StorageFailure(err)
	}
	if b.sync {
		return e.Sync()
	}
	return nil
}

// Snapshot opens an independent, point-in-time consistent read view. The
// returned Snapshot keeps the backing storage version alive — including
// across a later Engine.Close — until its own Close is called.
func (e *Engine) Snapshot() *Snapshot {
	return &Snapshot{txn: e.db.NewTransaction(false)}
}

// Snapshot is a released-on-demand, point-in-time read view.
type Snapshot struct {
	txn    *badger.Txn
	closed bool
}

func (s *Snapshot) Get(ks Keyspace, key []byte) ([]byte, error) {
	if s.closed {
		return nil, errs.New(errs.KindSnapshotReleased, "snapshot already released")
	}
	item, err := s.txn.Get(prefixed(ks, key))
	if err != nil {
		if err == badger.ErrKeyNotFound {
			return nil, ErrNotFound
		}
		return nil, errs.StorageFailure(err)
	}
	var out []byte
	err = item.Value(func(val []byte) error {
		out = append([]byte(nil), val...)
		return nil
	})
	if err != nil {
		return nil, errs.StorageFailure(err)
	}
	return out, nil
}

// PrefixIterator returns a lazily-advancing, lexicographically ordered
// iterator over keys in ks sharing prefix.
func (s *Snapshot) PrefixIterator(ks Keyspace, prefix []byte) (*Iterator, error) {
	if s.closed {
		return nil, errs.New(errs.KindSnapshotReleased, "snapshot already released")
	}
	opts := badger.DefaultIteratorOptions
	full := prefixed(ks, prefix)
	opts.Prefix = full
	it := s.txn.NewIterator(opts)
	return &Iterator{it: it, ksPrefixLen: 1, scanPrefix: full, seekKey: full}, nil
}

// Close releases the snapshot's reference on the backing storage version.
func (s *Snapshot) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.txn.Discard()
	return nil
}

// Iterator walks keys in ascending lexicographic order. Usage:
//
//	for it.Next() {
//	    k, v := it.Key(), it.Value()
//	}
//	it.Close()
type Iterator struct {
	it          *badger.Iterator
	ksPrefixLen int
	scanPrefix  []byte
	seekKey     []byte
	started     bool
	closed      bool
}

// Seek repositions the iterator at the first key >= the keyspace-relative
// target (a refinement of the fixed scan prefix given at construction),
// then invalidates it until the next Next().
func (it *Iterator) Seek(target []byte) {
	full := make([]byte, it.ksPrefixLen+len(target))
	copy(full, it.scanPrefix[:it.ksPrefixLen])
	copy(full[it.ksPrefixLen:], target)
	it.seekKey = full
	it.started = false
}

// Next advances to (or, right after construction or Seek, to the first
// matching) item and reports whether one was found.
func (it *Iterator) Next() bool {
	if it.closed {
		return false
	}
	if !it.started {
		it.it.Seek(it.seekKey)
		it.started = true
	} else {
		it.it.Next()
	}
	return it.it.ValidForPrefix(it.scanPrefix)
}

func (it *Iterator) Key() []byte {
	k := it.it.Item().Key()
	if len(k) <= it.ksPrefixLen {
		return nil
	}
	return k[it.ksPrefixLen:]
}

func (it *Iterator) Value() ([]byte, error) {
	var out []byte
	err := it.it.Item().Value(func(val []byte) error {
		out = append([]byte(nil), val...)
		return nil
	})
	if err != nil {
		return nil, errs.StorageFailure(err)
	}
	return out, nil
}

func (it *Iterator) Close() error {
	if it.closed {
		return nil
	}
	it.closed = true
	it.it.Close()
	return nil
}

// HasPrefix reports whether key starts with prefix; exported so index
// scans written against Iterator can cheaply bound post-filters.
func HasPrefix(key, prefix []byte) bool { return bytes.HasPrefix(key, prefix) }
