// Package txn is the transaction coordinator: the single
// serialization point every write flows through. Readers never take the
// coordinator's lock — they open their own storage snapshot and run
// entirely against it — so a long query and a committing update never
// block each other; the commit is simply invisible to the in-flight
// snapshot.
package txn

import (
	"context"
	"sync"

	"github.com/ontospan/triplestore/internal/cache"
	"github.com/ontospan/triplestore/internal/dictionary"
	"github.com/ontospan/triplestore/internal/errs"
	"github.com/ontospan/triplestore/internal/index"
	"github.com/ontospan/triplestore/internal/kv"
	"github.com/ontospan/triplestore/internal/reasoner"
	"github.com/ontospan/triplestore/internal/sparql/optimizer"
	"github.com/ontospan/triplestore/internal/stats"
)

// Coordinator serializes writers and owns post-commit bookkeeping: cache
// invalidation, statistics maintenance, and reasoner upkeep. One per store.
type Coordinator struct {
	mu sync.Mutex // the single-writer serialization point

	engine  *kv.Engine
	ix      *index.Index
	derived *index.Derived
	stats   *stats.Stats
	plans   *optimizer.Optimizer
	results *cache.ResultCache
	tbox    *reasoner.TBoxCache
	rsn     *reasoner.Reasoner // nil when reasoning is disabled

	batchSize int
	commits   uint64
}

// Config wires the coordinator to the store-owned components it maintains.
// Reasoner and TBox may be nil.
type Config struct {
	Engine    *kv.Engine
	Index     *index.Index
	Derived   *index.Derived
	Stats     *stats.Stats
	Plans     *optimizer.Optimizer
	Results   *cache.ResultCache
	TBox      *reasoner.TBoxCache
	Reasoner  *reasoner.Reasoner
	BatchSize int
}

func New(cfg Config) *Coordinator {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1000
	}
	return &Coordinator{
		engine:    cfg.Engine,
		ix:        cfg.Index,
		derived:   cfg.Derived,
		stats:     cfg.Stats,
		plans:     cfg.Plans,
		results:   cfg.Results,
		tbox:      cfg.TBox,
		rsn:       cfg.Reasoner,
		batchSize: cfg.BatchSize,
	}
}

// Result reports a commit's net effect.
type Result struct {
	Deleted  int
	Inserted int
}

// Apply commits deletes then inserts (deletes first, so a triple in both
// sets ends up present). Both sets are deduplicated; re-inserting an
// existing triple or deleting an absent one contributes nothing to the
// result counts. Large sets are flushed in chunks, each chunk one atomic
// three-index batch.
func (c *Coordinator) Apply(ctx context.Context, deletes, inserts []index.Triple) (Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	deletes = dedupe(deletes)
	inserts = dedupe(inserts)

	var res Result
	var deleted, inserted []index.Triple

	flush := func(triples []index.Triple, del bool) error {
		for start := 0; start < len(triples); start += c.batchSize {
			if err := ctx.Err(); err != nil {
				return errs.Timeout("update cancelled mid-commit")
			}
			end := start + c.batchSize
			if end > len(triples) {
				end = len(triples)
			}
			chunk := triples[start:end]
			err := c.engine.Batch(func(b *kv.Batch) error {
				for _, t := range chunk {
					var changed bool
					var err error
					if del {
						changed, err = c.ix.QueueDelete(b, t)
						if err == nil && changed {
							// A deleted explicit fact must not linger as a
							// derived duplicate either.
							if _, derr := c.derived.QueueDelete(b, t); derr != nil {
								return derr
							}
						}
					} else {
						changed, err = c.ix.QueueInsert(b, t)
						if err == nil && changed {
							// Promotion: an asserted fact supersedes its
							// derived copy.
							if _, derr := c.derived.QueueDelete(b, t); derr != nil {
								return derr
							}
						}
					}
					if err != nil {
						return err
					}
					if changed {
						if del {
							res.Deleted++
							deleted = append(deleted, t)
						} else {
							res.Inserted++
							inserted = append(inserted, t)
						}
					}
				}
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	}

	if err := flush(deletes, true); err != nil {
		return res, err
	}
	if err := flush(inserts, false); err != nil {
		return res, err
	}

	if res.Deleted == 0 && res.Inserted == 0 {
		return res, nil
	}
	c.commits++
	c.afterCommit(deleted, inserted)
	return res, nil
}

// afterCommit invalidates caches, maintains statistics, and keeps the
// reasoner honest. Runs under the coordinator lock.
func (c *Coordinator) afterCommit(deleted, inserted []index.Triple) {
	mutated := map[dictionary.TermId]bool{}
	for _, t := range deleted {
		mutated[t.P] = true
		c.stats.Unobserve(t)
	}
	for _, t := range inserted {
		mutated[t.P] = true
		c.stats.Observe(t)
	}
	c.stats.Refresh()

	c.plans.Invalidate()
	if c.results != nil {
		c.results.Invalidate(mutated)
	}

	if c.tbox == nil {
		return
	}
	schemaTouched := false
	for _, t := range deleted {
		if c.tbox.IsSchemaTriple(t) {
			schemaTouched = true
			break
		}
	}
	if !schemaTouched {
		for _, t := range inserted {
			if c.tbox.IsSchemaTriple(t) {
				schemaTouched = true
				break
			}
		}
	}
	if schemaTouched {
		// Schema axioms changed: every prior derivation is suspect, so the
		// hierarchy caches are rebuilt and the reasoner flags itself for
		// full rematerialization rather than attempting incremental repair.
		c.tbox.Rebuild()
		if c.rsn != nil {
			c.rsn.MarkStale()
		}
		return
	}
	if c.rsn == nil {
		return
	}
	if c.rsn.Status().State != reasoner.StateMaterialized {
		return
	}
	if len(deleted) > 0 {
		if err := c.rsn.IncrementalDelete(deleted); err != nil {
			c.rsn.MarkStale()
			return
		}
	}
	if len(inserted) > 0 {
		if _, err := c.rsn.IncrementalAdd(inserted); err != nil {
			c.rsn.MarkStale()
		}
	}
}

// Clear empties the three triple indices and the derived keyspace,
// retaining the dictionary. Serialized like any other write.
func (c *Coordinator) Clear(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap := c.engine.Snapshot()
	defer snap.Close()
	for _, ks := range []kv.Keyspace{kv.SPO, kv.POS, kv.OSP, kv.Derived} {
		if err := ctx.Err(); err != nil {
			return errs.Timeout("clear cancelled")
		}
		it, err := snap.PrefixIterator(ks, nil)
		if err != nil {
			return err
		}
		var keys [][]byte
		for it.Next() {
			keys = append(keys, append([]byte(nil), it.Key()...))
		}
		it.Close()
		for start := 0; start < len(keys); start += c.batchSize {
			end := start + c.batchSize
			if end > len(keys) {
				end = len(keys)
			}
			chunk := keys[start:end]
			err := c.engine.Batch(func(b *kv.Batch) error {
				for _, k := range chunk {
					b.Delete(ks, k)
				}
				return nil
			})
			if err != nil {
				return err
			}
		}
	}

	c.commits++
	c.stats.Reset()
	c.plans.Invalidate()
	if c.results != nil {
		c.results.Clear()
	}
	if c.tbox != nil {
		c.tbox.Rebuild()
	}
	if c.rsn != nil {
		c.rsn.MarkStale()
	}
	return nil
}

// Commits reports how many writes have landed, for the health surface.
func (c *Coordinator) Commits() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.commits
}

func dedupe(triples []index.Triple) []index.Triple {
	if len(triples) < 2 {
		return triples
	}
	seen := make(map[index.Triple]bool, len(triples))
	out := triples[:0]
	for _, t := range triples {
		if seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}
