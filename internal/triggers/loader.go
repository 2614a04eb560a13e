package triggers

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"github.com/watzon/ember/internal/logproto"
	"github.com/watzon/ember/internal/metrics"
	"github.com/watzon/ember/internal/registry"
	"github.com/watzon/ember/internal/worker"
)

// DefaultRegion is assumed for triggers that do not declare a region.
const DefaultRegion = "us-central1"

// Worker is the slice of a spawned worker the loader needs.
type Worker interface {
	worker.LogSource
	WaitExit(ctx context.Context) (int, error)
	Kill(sig os.Signal) error
}

// SpawnFunc starts one worker for the given bundle.
type SpawnFunc func(bundle *worker.Bundle, opts *worker.Options) (Worker, error)

// LoaderConfig holds the per-project inputs of the trigger loader.
type LoaderConfig struct {
	ProjectID        string
	FunctionsDir     string
	Host             string
	Port             int
	DisabledFeatures []string
}

// Loader rebuilds the trigger table by running diagnostic workers and
// registers newly discovered event triggers with sibling emulators. The
// table is published wholesale so readers never observe a torn snapshot.
type Loader struct {
	cfg       LoaderConfig
	spawn     SpawnFunc
	registrar *Registrar
	directory registry.Directory

	mu    sync.Mutex // serializes reloads
	table atomic.Pointer[Table]

	knownMu sync.Mutex
	// known holds trigger names already registered with siblings. The set is
	// monotonic for the process lifetime.
	// TODO: triggers removed by a reload are never unregistered from siblings.
	known map[string]struct{}
}

// NewLoader returns a loader with an empty trigger table.
func NewLoader(cfg LoaderConfig, spawn SpawnFunc, registrar *Registrar, dir registry.Directory) *Loader {
	l := &Loader{
		cfg:       cfg,
		spawn:     spawn,
		registrar: registrar,
		directory: dir,
		known:     make(map[string]struct{}),
	}
	l.table.Store(NewTable(nil))
	return l
}

// Table returns the current trigger table snapshot.
func (l *Loader) Table() *Table {
	return l.table.Load()
}

// Reload runs one diagnostic worker, replaces the table on success, and
// registers triggers not seen before. On failure the previous table stays in
// place. Concurrent calls are serialized; at most one diagnostic worker runs
// at a time.
func (l *Loader) Reload(ctx context.Context) (*Table, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	bundle := &worker.Bundle{
		ProjectID:        l.cfg.ProjectID,
		Cwd:              l.cfg.FunctionsDir,
		Ports:            l.directory.Ports(),
		DisabledFeatures: l.cfg.DisabledFeatures,
	}

	w, err := l.spawn(bundle, nil)
	if err != nil {
		return nil, fmt.Errorf("spawning diagnostic worker: %w", err)
	}

	parsed := worker.WaitFor(w, logproto.LevelSystem, logproto.TypeTriggersParsed, nil)
	removeForward := w.OnLog(logproto.Forward)
	defer removeForward()

	rec, err := parsed.Wait(ctx)
	if err != nil {
		_ = w.Kill(nil)
		return nil, fmt.Errorf("enumerating triggers: %w", err)
	}

	defs, err := decodeDefinitions(rec)
	if err != nil {
		return nil, err
	}

	table := NewTable(defs)
	l.table.Store(table)
	metrics.RecordReload()

	log.Info().Int("count", table.Len()).Msg("Trigger table reloaded")

	l.registerNew(ctx, table)

	return table, nil
}

func decodeDefinitions(rec logproto.Record) ([]*Definition, error) {
	raw, ok := rec.Data["triggerDefinitions"]
	if !ok {
		return nil, fmt.Errorf("triggers-parsed record carries no definitions")
	}

	encoded, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("re-encoding trigger definitions: %w", err)
	}

	var defs []*Definition
	if err := json.Unmarshal(encoded, &defs); err != nil {
		return nil, fmt.Errorf("decoding trigger definitions: %w", err)
	}
	return defs, nil
}

// registerNew handles the set difference between the new table and the
// known-trigger set, then grows the set. Registration failures do not abort
// the reload.
func (l *Loader) registerNew(ctx context.Context, table *Table) {
	for _, def := range table.List() {
		l.knownMu.Lock()
		_, seen := l.known[def.Name]
		l.knownMu.Unlock()
		if seen {
			continue
		}

		switch {
		case def.IsHTTP():
			log.Info().
				Str("trigger", def.Name).
				Str("url", l.publicURL(def)).
				Msg("HTTP function initialized")

		case def.Event != nil && def.Event.Service == ServiceFirestore && l.siblingKnown(ServiceFirestore):
			if err := l.registrar.Register(ctx, l.cfg.ProjectID, def); err != nil {
				log.Warn().Err(err).Str("trigger", def.Name).Msg("Sibling registration failed")
			}

		default:
			// Covers unknown services and event triggers whose sibling
			// emulator port is not known.
			log.Warn().
				Str("trigger", def.Name).
				Str("service", def.Service()).
				Msg("Unsupported service, trigger is not yet supported")
		}

		l.knownMu.Lock()
		l.known[def.Name] = struct{}{}
		l.knownMu.Unlock()
	}
}

func (l *Loader) siblingKnown(service string) bool {
	_, ok := l.directory.Lookup(service)
	return ok
}

func (l *Loader) publicURL(def *Definition) string {
	region := def.Region
	if region == "" {
		region = DefaultRegion
	}
	return fmt.Sprintf("http://%s:%d/%s/%s/%s", l.cfg.Host, l.cfg.Port, l.cfg.ProjectID, region, def.Name)
}
