package triplestore

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ontospan/triplestore/internal/errs"
)

// Profile selects the inference profile for Materialize and the
// reasoner's incremental maintenance.
type Profile string

const (
	ProfileNone   Profile = ""
	ProfileRDFS   Profile = "rdfs"
	ProfileOWL2RL Profile = "owl2rl"
)

// Options is the flat configuration bag accepted by Open. The zero value
// opens an existing on-disk store with default bounds.
type Options struct {
	// CreateIfMissing creates the store directory when absent.
	CreateIfMissing bool `yaml:"create_if_missing"`
	// InMemory runs the backend without touching disk, for tests and
	// ephemeral stores. Path is ignored.
	InMemory bool `yaml:"in_memory"`
	// SyncWrites fsyncs every commit instead of trading durability for
	// latency.
	SyncWrites bool `yaml:"sync_writes"`

	// Timeout is the default deadline applied to Query/Update calls whose
	// context carries none. Zero means no default deadline.
	Timeout time.Duration `yaml:"timeout"`
	// BatchSize is the flush size for bulk loads and update commits.
	BatchSize int `yaml:"batch_size"`

	// Profile selects the reasoner's starting rule profile: OWL 2 RL for
	// owl2rl, RDFS otherwise, including when empty. Materialize called
	// with ProfileNone keeps the current profile and runs it; it does not
	// fail.
	Profile Profile `yaml:"profile"`

	// PlanCacheEntries bounds the optimizer's plan cache (0 uses the
	// default, negative disables).
	PlanCacheEntries int64 `yaml:"plan_cache_entries"`
	// ResultCacheEntries bounds the result cache (0 uses the default,
	// negative disables).
	ResultCacheEntries int64 `yaml:"result_cache_entries"`
	// ResultCacheMaxRows is the largest result admitted to the cache.
	ResultCacheMaxRows int `yaml:"result_cache_max_rows"`

	// Hooks receives operational events (commits, materializations,
	// backups). Not loadable from YAML.
	Hooks Hooks `yaml:"-"`
}

// Hooks is the optional observability surface: the store pushes events,
// the embedding application decides what to do with them.
type Hooks struct {
	OnEvent func(Event)
}

// Event is one operational occurrence, e.g. {"commit", "12 triples"}.
type Event struct {
	Name   string
	Detail string
}

func (o *Options) emit(name, detail string) {
	if o.Hooks.OnEvent != nil {
		o.Hooks.OnEvent(Event{Name: name, Detail: detail})
	}
}

const (
	defaultBatchSize          = 1000
	defaultPlanCacheEntries   = 1024
	defaultResultCacheEntries = 1024
)

func (o Options) withDefaults() Options {
	if o.BatchSize <= 0 {
		o.BatchSize = defaultBatchSize
	}
	if o.PlanCacheEntries == 0 {
		o.PlanCacheEntries = defaultPlanCacheEntries
	}
	if o.ResultCacheEntries == 0 {
		o.ResultCacheEntries = defaultResultCacheEntries
	}
	return o
}

// LoadOptions reads an Options bag from a YAML file, for embedders that
// keep store tuning alongside their other service configuration.
func LoadOptions(path string) (Options, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Options{}, errs.Wrap(errs.KindInvalidArgument, "options file unreadable", err)
	}
	var opts Options
	if err := yaml.Unmarshal(raw, &opts); err != nil {
		return Options{}, errs.Wrap(errs.KindInvalidArgument, "options file is not valid YAML", err)
	}
	switch opts.Profile {
	case ProfileNone, ProfileRDFS, ProfileOWL2RL:
	default:
		return Options{}, errs.New(errs.KindInvalidArgument, "unrecognized profile "+string(opts.Profile))
	}
	return opts, nil
}
