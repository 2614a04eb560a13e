package triggers

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/require"

	"github.com/watzon/ember/internal/logproto"
	"github.com/watzon/ember/internal/registry"
	"github.com/watzon/ember/internal/worker"
)

// fakeWorker stands in for a diagnostic worker process.
type fakeWorker struct {
	mu      sync.Mutex
	subs    map[int]func(logproto.Record)
	nextSub int
	exited  chan struct{}
	killed  atomic.Bool
}

func newFakeWorker() *fakeWorker {
	return &fakeWorker{
		subs:   make(map[int]func(logproto.Record)),
		exited: make(chan struct{}),
	}
}

func (f *fakeWorker) OnLog(fn func(logproto.Record)) func() {
	f.mu.Lock()
	id := f.nextSub
	f.nextSub++
	f.subs[id] = fn
	f.mu.Unlock()
	return func() {
		f.mu.Lock()
		delete(f.subs, id)
		f.mu.Unlock()
	}
}

func (f *fakeWorker) Exited() <-chan struct{} { return f.exited }

func (f *fakeWorker) WaitExit(ctx context.Context) (int, error) {
	select {
	case <-f.exited:
		return 0, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (f *fakeWorker) Kill(sig os.Signal) error {
	f.killed.Store(true)
	return nil
}

func (f *fakeWorker) emit(rec logproto.Record) {
	f.mu.Lock()
	fns := make([]func(logproto.Record), 0, len(f.subs))
	for _, fn := range f.subs {
		fns = append(fns, fn)
	}
	f.mu.Unlock()
	for _, fn := range fns {
		fn(rec)
	}
}

func (f *fakeWorker) exit() { close(f.exited) }

func parsedRecord(defs ...map[string]any) logproto.Record {
	list := make([]any, 0, len(defs))
	for _, d := range defs {
		list = append(list, d)
	}
	return logproto.Record{
		Level: logproto.LevelSystem,
		Type:  logproto.TypeTriggersParsed,
		Data:  map[string]any{"triggerDefinitions": list},
	}
}

func httpDef(name string) map[string]any {
	return map[string]any{
		"name":         name,
		"region":       "us-central1",
		"httpsTrigger": map[string]any{},
	}
}

func firestoreDef(name string) map[string]any {
	return map[string]any{
		"name": name,
		"eventTrigger": map[string]any{
			"service":  "firestore",
			"resource": "projects/_/documents/a",
		},
	}
}

func authDef(name string) map[string]any {
	return map[string]any{
		"name": name,
		"eventTrigger": map[string]any{
			"service": "firebase.auth",
		},
	}
}

// spawnEmitting returns a SpawnFunc whose workers emit the given record
// shortly after spawning, then exit.
func spawnEmitting(rec logproto.Record, spawns *atomic.Int32) SpawnFunc {
	return func(b *worker.Bundle, o *worker.Options) (Worker, error) {
		if spawns != nil {
			spawns.Add(1)
		}
		fw := newFakeWorker()
		go func() {
			time.Sleep(10 * time.Millisecond)
			fw.emit(rec)
			fw.exit()
		}()
		return fw, nil
	}
}

func testLoader(t *testing.T, spawn SpawnFunc, dir registry.Directory) *Loader {
	t.Helper()
	if dir == nil {
		dir = registry.Static{}
	}
	return NewLoader(
		LoaderConfig{
			ProjectID:    "demo-proj",
			FunctionsDir: t.TempDir(),
			Host:         "127.0.0.1",
			Port:         5001,
		},
		spawn,
		NewRegistrar(dir),
		dir,
	)
}

func TestLoader_ReloadPublishesTable(t *testing.T) {
	rec := parsedRecord(httpDef("echo"), firestoreDef("onWrite"), authDef("onAuth"))
	loader := testLoader(t, spawnEmitting(rec, nil), nil)

	table, err := loader.Reload(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, table.Len())

	echo, ok := table.Get("echo")
	require.True(t, ok)
	require.True(t, echo.IsHTTP())

	// Unsupported definitions stay in the table; invocations fail later.
	onAuth, ok := table.Get("onAuth")
	require.True(t, ok)
	require.False(t, onAuth.Supported())

	require.Same(t, table, loader.Table())
}

func TestLoader_RegistersNewFirestoreTriggersOnce(t *testing.T) {
	var puts atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		puts.Add(1)
		_, _ = w.Write([]byte("{}"))
	}))
	defer ts.Close()

	dir := siblingDirectory(t, ts)
	rec := parsedRecord(firestoreDef("onWrite"))
	loader := testLoader(t, spawnEmitting(rec, nil), dir)

	_, err := loader.Reload(context.Background())
	require.NoError(t, err)
	require.Equal(t, int32(1), puts.Load())

	// A second reload sees the same trigger: already known, not re-registered.
	_, err = loader.Reload(context.Background())
	require.NoError(t, err)
	require.Equal(t, int32(1), puts.Load())
}

func TestLoader_RegistrationFailureDoesNotAbortReload(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	dir := siblingDirectory(t, ts)
	ts.Close()

	rec := parsedRecord(firestoreDef("onWrite"), httpDef("echo"))
	loader := testLoader(t, spawnEmitting(rec, nil), dir)

	table, err := loader.Reload(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, table.Len())
}

func TestLoader_FailedReloadKeepsPreviousTable(t *testing.T) {
	good := spawnEmitting(parsedRecord(httpDef("echo")), nil)
	bad := func(b *worker.Bundle, o *worker.Options) (Worker, error) {
		fw := newFakeWorker()
		go func() {
			time.Sleep(10 * time.Millisecond)
			fw.exit()
		}()
		return fw, nil
	}

	loader := testLoader(t, good, nil)
	table, err := loader.Reload(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, table.Len())

	loader.spawn = bad
	_, err = loader.Reload(context.Background())
	require.Error(t, err)

	require.Same(t, table, loader.Table())
}

func TestLoader_FirestoreWithoutSiblingLogsUnsupported(t *testing.T) {
	var buf bytes.Buffer
	prev := log.Logger
	log.Logger = zerolog.New(&buf)
	defer func() { log.Logger = prev }()

	// No firestore emulator in the directory: the trigger must take the
	// unsupported-service WARN branch, not a silent skip.
	rec := parsedRecord(firestoreDef("onWrite"))
	loader := testLoader(t, spawnEmitting(rec, nil), registry.Static{})

	_, err := loader.Reload(context.Background())
	require.NoError(t, err)

	out := buf.String()
	require.Contains(t, out, `"level":"warn"`)
	require.Contains(t, out, "Unsupported service")
	require.Contains(t, out, "onWrite")
}

func TestLoader_DiagnosticBundle(t *testing.T) {
	var gotBundle *worker.Bundle
	spawn := func(b *worker.Bundle, o *worker.Options) (Worker, error) {
		gotBundle = b
		fw := newFakeWorker()
		go func() {
			time.Sleep(10 * time.Millisecond)
			fw.emit(parsedRecord())
			fw.exit()
		}()
		return fw, nil
	}

	loader := testLoader(t, spawn, nil)
	_, err := loader.Reload(context.Background())
	require.NoError(t, err)

	require.NotNil(t, gotBundle)
	require.True(t, gotBundle.Diagnostic())
	require.Equal(t, "demo-proj", gotBundle.ProjectID)
}
