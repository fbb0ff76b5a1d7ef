// Package health aggregates the store's operational counters into a
// pass/warn/fail report. Every check is read-only and
// derived from state the other components already maintain; evaluating
// health never takes the writer lock or touches a triple index.
package health

import (
	"fmt"

	"github.com/dustin/go-humanize"

	"github.com/ontospan/triplestore/internal/kv"
	"github.com/ontospan/triplestore/internal/reasoner"
	"github.com/ontospan/triplestore/internal/stats"
)

// Status is a check's (and the aggregate report's) verdict.
type Status string

const (
	StatusOK   Status = "ok"
	StatusWarn Status = "warn"
	StatusFail Status = "fail"
)

// Check is one named probe's outcome.
type Check struct {
	Name    string
	Status  Status
	Message string
}

// Report is the health(store) payload.
type Report struct {
	Status Status
	Checks []Check
}

// CacheCounters reports the result cache's lifetime hits and misses.
type CacheCounters func() (hits, misses uint64)

// Probe carries the read-only handles Evaluate inspects. Reasoner may be
// nil when reasoning is disabled.
type Probe struct {
	Engine   *kv.Engine
	Stats    *stats.Stats
	Cache    CacheCounters
	Reasoner *reasoner.Reasoner
	Commits  uint64
}

// Evaluate runs every check and folds the worst individual status into
// the aggregate.
func Evaluate(p Probe) Report {
	var checks []Check

	checks = append(checks, storageCheck(p.Engine))
	checks = append(checks, statsCheck(p.Stats, p.Commits))
	if p.Cache != nil {
		checks = append(checks, cacheCheck(p.Cache))
	}
	if p.Reasoner != nil {
		checks = append(checks, reasonerCheck(p.Reasoner))
	}

	worst := StatusOK
	for _, c := range checks {
		if c.Status == StatusFail {
			worst = StatusFail
			break
		}
		if c.Status == StatusWarn {
			worst = StatusWarn
		}
	}
	return Report{Status: worst, Checks: checks}
}

// storageCheck confirms the engine answers a point read.
func storageCheck(engine *kv.Engine) Check {
	_, err := engine.Get(kv.Counters, []byte{0})
	if err != nil && err != kv.ErrNotFound {
		return Check{Name: "storage", Status: StatusFail, Message: err.Error()}
	}
	return Check{Name: "storage", Status: StatusOK, Message: "reachable"}
}

func statsCheck(st *stats.Stats, commits uint64) Check {
	snap := st.Snapshot()
	return Check{
		Name:   "statistics",
		Status: StatusOK,
		Message: fmt.Sprintf("%s triples, %s predicates, %s commits",
			humanize.Comma(int64(snap.TripleCount)),
			humanize.Comma(int64(snap.DistinctPredicates)),
			humanize.Comma(int64(commits))),
	}
}

func cacheCheck(counters CacheCounters) Check {
	hits, misses := counters()
	total := hits + misses
	if total == 0 {
		return Check{Name: "result_cache", Status: StatusOK, Message: "no lookups yet"}
	}
	rate := float64(hits) / float64(total)
	status := StatusOK
	if total > 1000 && rate < 0.05 {
		status = StatusWarn
	}
	return Check{
		Name:   "result_cache",
		Status: status,
		Message: fmt.Sprintf("%.0f%% hit rate over %s lookups",
			rate*100, humanize.Comma(int64(total))),
	}
}

func reasonerCheck(r *reasoner.Reasoner) Check {
	s := r.Status()
	status := StatusOK
	msg := fmt.Sprintf("%s, %s derived facts", s.State, humanize.Comma(int64(s.DerivedCount)))
	if s.NeedsRematerialization {
		status = StatusWarn
		msg += " (stale, rematerialization pending)"
	}
	return Check{Name: "reasoner", Status: status, Message: msg}
}
