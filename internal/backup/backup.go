// Package backup writes and restores engine-native checkpoints plus the
// dictionary counter sidecar. Only the mechanical data-format work lives
// here; scheduling, retention, and transport belong to whatever embeds
// the store.
package backup

import (
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ontospan/triplestore/internal/dictionary"
	"github.com/ontospan/triplestore/internal/errs"
	"github.com/ontospan/triplestore/internal/kv"
)

// DataFile is the engine backup stream inside a backup directory.
const DataFile = "data.backup"

// CounterSidecar is the recognized sidecar name carrying the dictionary's
// sequence counters. A restore that finds no sidecar falls back to the
// checkpointed counters inside the data stream plus the usual recovery
// margin.
const CounterSidecar = ".counter_state"

// CounterState is the sidecar's payload.
type CounterState struct {
	IRI     uint64 `yaml:"iri"`
	Blank   uint64 `yaml:"blank"`
	Literal uint64 `yaml:"literal"`
}

// Metadata describes a completed backup.
type Metadata struct {
	Path      string       `yaml:"path"`
	CreatedAt time.Time    `yaml:"created_at"`
	Version   uint64       `yaml:"version"`
	Counters  CounterState `yaml:"counters"`
}

// Create writes a full backup of engine into dir (created if absent):
// the engine's own backup stream plus the counter sidecar.
func Create(engine *kv.Engine, dict *dictionary.Dictionary, dir string) (Metadata, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Metadata{}, errs.StorageFailure(err)
	}

	// Persist exact counters first so the data stream and the sidecar agree.
	if err := dict.CheckpointAll(); err != nil {
		return Metadata{}, err
	}

	f, err := os.Create(filepath.Join(dir, DataFile))
	if err != nil {
		return Metadata{}, errs.StorageFailure(err)
	}
	version, err := engine.Backup(f)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return Metadata{}, err
	}

	counters := dict.CounterValues()
	state := CounterState{
		IRI:     counters[dictionary.KindIRI],
		Blank:   counters[dictionary.KindBlankNode],
		Literal: counters[dictionary.KindLiteral],
	}
	raw, err := yaml.Marshal(state)
	if err != nil {
		return Metadata{}, errs.Wrap(errs.KindStorageFailure, "encoding counter sidecar", err)
	}
	if err := os.WriteFile(filepath.Join(dir, CounterSidecar), raw, 0o644); err != nil {
		return Metadata{}, errs.StorageFailure(err)
	}

	return Metadata{
		Path:      dir,
		CreatedAt: time.Now().UTC(),
		Version:   version,
		Counters:  state,
	}, nil
}

// Restore replays the backup in src into a fresh engine at dst, seeding
// the dictionary counters from the sidecar when present. The returned
// engine is open and ready for dictionary.Open (which adds its safety
// margin on top of whatever counters Restore installed).
func Restore(src, dst string, opts kv.Options) (*kv.Engine, error) {
	f, err := os.Open(filepath.Join(src, DataFile))
	if err != nil {
		return nil, errs.Wrap(errs.KindInvalidArgument, "backup data file unreadable", err)
	}
	defer f.Close()

	opts.CreateIfMissing = true
	engine, err := kv.Open(dst, opts)
	if err != nil {
		return nil, err
	}
	if err := engine.Load(f); err != nil {
		engine.Close()
		return nil, err
	}

	state, ok, err := readSidecar(src)
	if err != nil {
		engine.Close()
		return nil, err
	}
	if ok {
		seed := map[dictionary.Kind]uint64{
			dictionary.KindIRI:       state.IRI,
			dictionary.KindBlankNode: state.Blank,
			dictionary.KindLiteral:   state.Literal,
		}
		if err := dictionary.SeedCounters(engine, seed); err != nil {
			engine.Close()
			return nil, err
		}
	}
	return engine, nil
}

// readSidecar loads and validates the counter sidecar; ok is false when
// the file simply does not exist (an old backup).
func readSidecar(dir string) (CounterState, bool, error) {
	raw, err := os.ReadFile(filepath.Join(dir, CounterSidecar))
	if os.IsNotExist(err) {
		return CounterState{}, false, nil
	}
	if err != nil {
		return CounterState{}, false, errs.StorageFailure(err)
	}
	var state CounterState
	if err := yaml.Unmarshal(raw, &state); err != nil {
		return CounterState{}, false, errs.CorruptState("counter sidecar is not valid YAML")
	}
	return state, true, nil
}
