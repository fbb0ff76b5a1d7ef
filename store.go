// Package triplestore is a persistent, embeddable RDF triple store with
// SPARQL 1.1 query and update and OWL 2 RL forward-chaining inference,
// layered over an ordered key-value backend. The package exposes the
// store lifecycle and the public operations; parsing of RDF surface
// syntaxes and SPARQL text is left to external collaborators, which hand
// this package triple streams (pkg/rdf) and parsed queries
// (pkg/sparql/ast) respectively.
package triplestore

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/ontospan/triplestore/internal/backup"
	"github.com/ontospan/triplestore/internal/cache"
	"github.com/ontospan/triplestore/internal/dictionary"
	"github.com/ontospan/triplestore/internal/errs"
	"github.com/ontospan/triplestore/internal/health"
	"github.com/ontospan/triplestore/internal/index"
	"github.com/ontospan/triplestore/internal/kv"
	"github.com/ontospan/triplestore/internal/reasoner"
	"github.com/ontospan/triplestore/internal/sparql/optimizer"
	"github.com/ontospan/triplestore/internal/stats"
	"github.com/ontospan/triplestore/internal/txn"
	"github.com/ontospan/triplestore/pkg/rdf"
	"github.com/ontospan/triplestore/pkg/sparql/ast"
)

// Store is an open triple store. All methods are safe for concurrent use;
// writes are serialized internally, reads run against independent
// snapshots and never block.
type Store struct {
	opts    Options
	engine  *kv.Engine
	dict    *dictionary.Dictionary
	ix      *index.Index
	derived *index.Derived
	stats   *stats.Stats
	plans   *optimizer.Optimizer
	results *cache.ResultCache
	tbox    *reasoner.TBoxCache
	rsn     *reasoner.Reasoner
	coord   *txn.Coordinator
	updates *txn.UpdateExecutor

	closed atomic.Bool
}

// Open opens (and with CreateIfMissing, creates) the store at path.
func Open(path string, opts Options) (*Store, error) {
	opts = opts.withDefaults()
	engine, err := kv.Open(path, kv.Options{
		CreateIfMissing: opts.CreateIfMissing,
		InMemory:        opts.InMemory,
		SyncWrites:      opts.SyncWrites,
	})
	if err != nil {
		return nil, err
	}
	s, err := assemble(engine, opts)
	if err != nil {
		engine.Close()
		return nil, err
	}
	return s, nil
}

// assemble wires the component graph on top of an already-open engine,
// shared by Open and Restore.
func assemble(engine *kv.Engine, opts Options) (*Store, error) {
	dict, err := dictionary.Open(engine)
	if err != nil {
		return nil, err
	}
	ix := index.New(engine)
	derived := index.NewDerived(engine)

	st, err := stats.Rebuild(engine, ix)
	if err != nil {
		return nil, err
	}
	plans, err := optimizer.New(st, opts.PlanCacheEntries)
	if err != nil {
		return nil, err
	}
	results, err := cache.New(opts.ResultCacheEntries, opts.ResultCacheMaxRows)
	if err != nil {
		return nil, err
	}

	tbox, err := reasoner.NewTBoxCache(engine, dict, ix, derived)
	if err != nil {
		return nil, err
	}
	rsn := reasoner.New(engine, dict, ix, derived, tbox, reasoner.Options{
		Profile: internalProfile(opts.Profile),
	})

	coord := txn.New(txn.Config{
		Engine:    engine,
		Index:     ix,
		Derived:   derived,
		Stats:     st,
		Plans:     plans,
		Results:   results,
		TBox:      tbox,
		Reasoner:  rsn,
		BatchSize: opts.BatchSize,
	})

	s := &Store{
		opts:    opts,
		engine:  engine,
		dict:    dict,
		ix:      ix,
		derived: derived,
		stats:   st,
		plans:   plans,
		results: results,
		tbox:    tbox,
		rsn:     rsn,
		coord:   coord,
	}
	s.updates = txn.NewUpdateExecutor(coord, dict)
	return s, nil
}

func internalProfile(p Profile) reasoner.Profile {
	if p == ProfileOWL2RL {
		return reasoner.ProfileOWL2RL
	}
	return reasoner.ProfileRDFS
}

// Close releases the store. Snapshots and iterators already handed out
// stay valid until they are individually closed; only then is the backing
// storage fully released.
func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.results.Clear()
	return s.engine.Close()
}

func (s *Store) guard() error {
	if s.closed.Load() {
		return errs.New(errs.KindAlreadyClosed, "store is closed")
	}
	return nil
}

// opContext applies the store's default timeout when ctx carries no
// deadline of its own.
func (s *Store) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok || s.opts.Timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.opts.Timeout)
}

// Insert adds triples, returning the net number actually added
// (re-inserting an existing triple counts zero).
func (s *Store) Insert(ctx context.Context, triples []*rdf.Triple) (int, error) {
	if err := s.guard(); err != nil {
		return 0, err
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	encoded, err := s.encodeTriples(triples)
	if err != nil {
		return 0, err
	}
	res, err := s.coord.Apply(ctx, nil, encoded)
	if err == nil && res.Inserted > 0 {
		s.opts.emit("commit", fmt.Sprintf("+%d triples", res.Inserted))
	}
	return res.Inserted, err
}

// Delete removes triples, returning the net number actually removed.
func (s *Store) Delete(ctx context.Context, triples []*rdf.Triple) (int, error) {
	if err := s.guard(); err != nil {
		return 0, err
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	resolved, err := s.lookupTriples(triples)
	if err != nil {
		return 0, err
	}
	res, err := s.coord.Apply(ctx, resolved, nil)
	if err == nil && res.Deleted > 0 {
		s.opts.emit("commit", fmt.Sprintf("-%d triples", res.Deleted))
	}
	return res.Deleted, err
}

// Load bulk-loads a triple stream, committing in batches of the
// configured flush size. Returns the net number of triples added.
func (s *Store) Load(ctx context.Context, triples []*rdf.Triple) (int, error) {
	return s.Insert(ctx, triples)
}

// Export streams out every stored explicit triple matching the optional
// pattern (nil positions are wildcards). Derived triples are not
// exported: a load of an export reproduces the asserted state, and
// rematerialization reproduces the rest.
func (s *Store) Export(ctx context.Context, subject, predicate, object rdf.Term) ([]*rdf.Triple, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	pat, empty, err := s.resolvePattern(subject, predicate, object)
	if err != nil {
		return nil, err
	}
	if empty {
		return nil, nil
	}

	snap := s.engine.Snapshot()
	defer snap.Close()
	it, err := s.ix.Scan(snap, pat)
	if err != nil {
		return nil, err
	}
	defer it.Close()

	var out []*rdf.Triple
	for it.Next() {
		if err := ctx.Err(); err != nil {
			return nil, errs.Timeout("export cancelled")
		}
		t, err := s.decodeTriple(it.Triple())
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// Update applies a parsed SPARQL Update, returning the total number of
// triples changed across its operations.
func (s *Store) Update(ctx context.Context, upd *ast.Update) (int, error) {
	if err := s.guard(); err != nil {
		return 0, err
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	n, err := s.updates.Execute(ctx, upd)
	if err == nil && n > 0 {
		s.opts.emit("update", fmt.Sprintf("%d triples changed", n))
	}
	return n, err
}

// MaterializeResult reports a completed forward-chaining run.
type MaterializeResult struct {
	Iterations int
	Derived    int
	Duration   time.Duration
}

// Materialize runs the forward-chaining fixpoint for profile, replacing
// any previous derivations' staleness.
func (s *Store) Materialize(ctx context.Context, profile Profile) (MaterializeResult, error) {
	if err := s.guard(); err != nil {
		return MaterializeResult{}, err
	}
	if err := ctx.Err(); err != nil {
		return MaterializeResult{}, errs.Timeout("materialize cancelled")
	}
	if profile != ProfileNone {
		s.rsn.SetProfile(internalProfile(profile))
	}
	start := time.Now()
	res, err := s.rsn.Materialize()
	if err != nil {
		return MaterializeResult{}, err
	}
	// Derivations change what queries can see, so memoized results are no
	// longer trustworthy.
	s.plans.Invalidate()
	s.results.Clear()
	out := MaterializeResult{
		Iterations: res.Iterations,
		Derived:    res.Derived,
		Duration:   time.Since(start),
	}
	s.opts.emit("materialize", fmt.Sprintf("%d facts in %d iterations", out.Derived, out.Iterations))
	return out, nil
}

// ReasoningStatus reports the reasoner's profile, lifecycle state, and
// derived fact count.
func (s *Store) ReasoningStatus() (reasoner.Status, error) {
	if err := s.guard(); err != nil {
		return reasoner.Status{}, err
	}
	return s.rsn.Status(), nil
}

// StatsReport is the stats(store) payload.
type StatsReport struct {
	TripleCount        uint64
	DistinctSubjects   uint64 // approximate
	DistinctPredicates uint64 // exact
	DistinctObjects    uint64 // approximate
}

// Stats returns the store's cardinality counters.
func (s *Store) Stats() (StatsReport, error) {
	if err := s.guard(); err != nil {
		return StatsReport{}, err
	}
	snap := s.stats.Snapshot()
	return StatsReport{
		TripleCount:        snap.TripleCount,
		DistinctSubjects:   snap.DistinctSubjects,
		DistinctPredicates: snap.DistinctPredicates,
		DistinctObjects:    snap.DistinctObjects,
	}, nil
}

// Health evaluates the store's read-only health checks.
func (s *Store) Health() (health.Report, error) {
	if err := s.guard(); err != nil {
		return health.Report{}, err
	}
	return health.Evaluate(health.Probe{
		Engine:   s.engine,
		Stats:    s.stats,
		Cache:    s.results.HitRate,
		Reasoner: s.rsn,
		Commits:  s.coord.Commits(),
	}), nil
}

// Backup writes an engine-native checkpoint plus the dictionary counter
// sidecar into dir.
func (s *Store) Backup(dir string) (backup.Metadata, error) {
	if err := s.guard(); err != nil {
		return backup.Metadata{}, err
	}
	meta, err := backup.Create(s.engine, s.dict, dir)
	if err == nil {
		s.opts.emit("backup", dir)
	}
	return meta, err
}

// Restore replays the backup at src into a new store at dst and opens it.
// When the backup predates counter sidecars, the dictionary falls back to
// its checkpoint-plus-margin recovery.
func Restore(src, dst string, opts Options) (*Store, error) {
	opts = opts.withDefaults()
	engine, err := backup.Restore(src, dst, kv.Options{SyncWrites: opts.SyncWrites})
	if err != nil {
		return nil, err
	}
	s, err := assemble(engine, opts)
	if err != nil {
		engine.Close()
		return nil, err
	}
	return s, nil
}

// --- term plumbing ---

func (s *Store) encodeTriples(triples []*rdf.Triple) ([]index.Triple, error) {
	out := make([]index.Triple, 0, len(triples))
	for _, t := range triples {
		sub, err := s.dict.Encode(t.Subject)
		if err != nil {
			return nil, err
		}
		pred, err := s.dict.Encode(t.Predicate)
		if err != nil {
			return nil, err
		}
		obj, err := s.dict.Encode(t.Object)
		if err != nil {
			return nil, err
		}
		out = append(out, index.Triple{S: sub, P: pred, O: obj})
	}
	return out, nil
}

// lookupTriples resolves triples without allocating dictionary entries;
// a triple naming an unseen term cannot be stored and is dropped.
func (s *Store) lookupTriples(triples []*rdf.Triple) ([]index.Triple, error) {
	out := make([]index.Triple, 0, len(triples))
	for _, t := range triples {
		var enc index.Triple
		ok := true
		for _, pos := range []struct {
			term rdf.Term
			dst  *dictionary.TermId
		}{{t.Subject, &enc.S}, {t.Predicate, &enc.P}, {t.Object, &enc.O}} {
			id, found, err := s.dict.Lookup(pos.term)
			if err != nil {
				return nil, err
			}
			if !found {
				ok = false
				break
			}
			*pos.dst = id
		}
		if ok {
			out = append(out, enc)
		}
	}
	return out, nil
}

// resolvePattern maps optional pattern terms onto TermIds. empty is true
// when a non-nil pattern term has never been seen, so nothing can match.
func (s *Store) resolvePattern(subject, predicate, object rdf.Term) (index.Pattern, bool, error) {
	var pat index.Pattern
	for _, pos := range []struct {
		term rdf.Term
		dst  **dictionary.TermId
	}{{subject, &pat.S}, {predicate, &pat.P}, {object, &pat.O}} {
		if pos.term == nil {
			continue
		}
		id, ok, err := s.dict.Lookup(pos.term)
		if err != nil {
			return index.Pattern{}, false, err
		}
		if !ok {
			return index.Pattern{}, true, nil
		}
		v := id
		*pos.dst = &v
	}
	return pat, false, nil
}

func (s *Store) decodeTriple(t index.Triple) (*rdf.Triple, error) {
	sub, err := s.dict.Decode(t.S)
	if err != nil {
		return nil, err
	}
	pred, err := s.dict.Decode(t.P)
	if err != nil {
		return nil, err
	}
	obj, err := s.dict.Decode(t.O)
	if err != nil {
		return nil, err
	}
	return rdf.NewTriple(sub, pred, obj), nil
}
