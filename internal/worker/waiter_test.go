package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/watzon/ember/internal/logproto"
)

// fakeSource is an in-process LogSource for exercising waiter semantics
// without a real child process.
type fakeSource struct {
	mu      sync.Mutex
	subs    map[int]func(logproto.Record)
	nextSub int
	exited  chan struct{}
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		subs:   make(map[int]func(logproto.Record)),
		exited: make(chan struct{}),
	}
}

func (f *fakeSource) OnLog(fn func(logproto.Record)) func() {
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

func (f *fakeSource) Exited() <-chan struct{} {
	return f.exited
}

func (f *fakeSource) emit(rec logproto.Record) {
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

func (f *fakeSource) exit() {
	close(f.exited)
}

func TestWaitFor_FirstMatchWins(t *testing.T) {
	src := newFakeSource()
	waiter := WaitFor(src, logproto.LevelSystem, logproto.TypeTriggersParsed, nil)

	src.emit(logproto.Record{Level: logproto.LevelInfo, Text: "noise"})
	src.emit(logproto.Record{Level: logproto.LevelSystem, Type: logproto.TypeTriggersParsed, Text: "first"})
	src.emit(logproto.Record{Level: logproto.LevelSystem, Type: logproto.TypeTriggersParsed, Text: "second"})

	rec, err := waiter.Wait(context.Background())
	if err != nil {
		t.Fatalf("waiting: %v", err)
	}
	if rec.Text != "first" {
		t.Fatalf("expected first match, got %q", rec.Text)
	}
}

func TestWaitFor_InstalledBeforeEmission(t *testing.T) {
	src := newFakeSource()

	// The waiter exists before the record fires, so a record emitted during
	// startup is not missed even though Wait is called afterwards.
	waiter := WaitFor(src, logproto.LevelSystem, logproto.TypeTriggersParsed, nil)
	src.emit(logproto.Record{Level: logproto.LevelSystem, Type: logproto.TypeTriggersParsed})
	src.exit()

	if _, err := waiter.Wait(context.Background()); err != nil {
		t.Fatalf("expected buffered match after exit, got %v", err)
	}
}

func TestWaitFor_ExitWithoutMatch(t *testing.T) {
	src := newFakeSource()
	waiter := WaitFor(src, logproto.LevelSystem, logproto.TypeTriggersParsed, nil)

	src.emit(logproto.Record{Level: logproto.LevelSystem, Type: logproto.TypeRuntimeStatus, Text: "ready"})
	src.exit()

	if _, err := waiter.Wait(context.Background()); !errors.Is(err, ErrNoMatchingLog) {
		t.Fatalf("expected ErrNoMatchingLog, got %v", err)
	}
}

func TestWaitFor_PredicateFilters(t *testing.T) {
	src := newFakeSource()
	waiter := WaitFor(src, logproto.LevelSystem, logproto.TypeRuntimeStatus, func(rec logproto.Record) bool {
		return rec.Text == "killed"
	})

	src.emit(logproto.Record{Level: logproto.LevelSystem, Type: logproto.TypeRuntimeStatus, Text: "ready"})
	src.emit(logproto.Record{Level: logproto.LevelSystem, Type: logproto.TypeRuntimeStatus, Text: "killed"})

	rec, err := waiter.Wait(context.Background())
	if err != nil {
		t.Fatalf("waiting: %v", err)
	}
	if rec.Text != "killed" {
		t.Fatalf("predicate not applied, got %q", rec.Text)
	}
}

func TestWaitFor_ContextCancellation(t *testing.T) {
	src := newFakeSource()
	waiter := WaitFor(src, logproto.LevelSystem, logproto.TypeTriggersParsed, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if _, err := waiter.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
}
