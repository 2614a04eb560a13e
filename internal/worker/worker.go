package worker

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/watzon/ember/internal/logproto"
)

var (
	// ErrExitedBeforeReady is returned to ready waiters when the worker
	// process terminates before announcing its IPC socket.
	ErrExitedBeforeReady = errors.New("worker exited before ready")
	// ErrNoMatchingLog is returned by log waiters when the worker exits
	// without ever emitting a matching record.
	ErrNoMatchingLog = errors.New("worker exited without a matching log record")
)

// DefaultKillSignal is the signal used for FATAL-triggered and unspecified
// kills.
var DefaultKillSignal os.Signal = syscall.SIGTERM

// Worker is a live handle on one spawned worker process. It is created by
// the supervisor, owned by a single invocation, and cannot be revived after
// exit.
type Worker struct {
	cmd *exec.Cmd

	mu      sync.Mutex
	subs    map[int]func(logproto.Record)
	nextSub int
	meta    map[string]string

	readyOnce  sync.Once
	readyCh    chan struct{}
	readyErr   error
	socketPath string

	exitCh   chan struct{}
	exitCode int

	killOnce sync.Once

	pumps sync.WaitGroup
}

func newWorker(cmd *exec.Cmd) *Worker {
	return &Worker{
		cmd:     cmd,
		subs:    make(map[int]func(logproto.Record)),
		meta:    make(map[string]string),
		readyCh: make(chan struct{}),
		exitCh:  make(chan struct{}),
	}
}

// Pid returns the worker's process id.
func (w *Worker) Pid() int {
	if w.cmd.Process == nil {
		return 0
	}
	return w.cmd.Process.Pid
}

// OnLog registers fn to receive every subsequent log record. Records from a
// single pipe arrive in write order; stdout and stderr interleave in arrival
// order. The returned function removes the subscription.
func (w *Worker) OnLog(fn func(logproto.Record)) func() {
	w.mu.Lock()
	id := w.nextSub
	w.nextSub++
	w.subs[id] = fn
	w.mu.Unlock()

	return func() {
		w.mu.Lock()
		delete(w.subs, id)
		w.mu.Unlock()
	}
}

// WaitReady blocks until the worker announces its IPC socket, the worker
// exits, or ctx is done. On success it returns the announced socket path.
func (w *Worker) WaitReady(ctx context.Context) (string, error) {
	select {
	case <-w.readyCh:
		if w.readyErr != nil {
			return "", w.readyErr
		}
		return w.socketPath, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// WaitExit blocks until the worker process exits and returns its exit code.
func (w *Worker) WaitExit(ctx context.Context) (int, error) {
	select {
	case <-w.exitCh:
		return w.exitCode, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Exited is closed once the worker process has terminated and all of its
// log records have been delivered.
func (w *Worker) Exited() <-chan struct{} {
	return w.exitCh
}

// Metadata returns a copy of the worker's metadata map. The announced
// socket path is stored under "socketPath" once ready fires.
func (w *Worker) Metadata() map[string]string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make(map[string]string, len(w.meta))
	for k, v := range w.meta {
		out[k] = v
	}
	return out
}

// Kill terminates the worker with the given signal (DefaultKillSignal when
// nil) and emits a synthetic runtime-status "killed" record so downstream
// readers learn the cause. Kill is idempotent and safe after exit.
func (w *Worker) Kill(sig os.Signal) error {
	var err error
	w.killOnce.Do(func() {
		if sig == nil {
			sig = DefaultKillSignal
		}
		w.emit(logproto.Record{
			Level: logproto.LevelSystem,
			Type:  logproto.TypeRuntimeStatus,
			Text:  "killed",
		})
		if w.cmd.Process == nil {
			return
		}
		if sigErr := w.cmd.Process.Signal(sig); sigErr != nil && !errors.Is(sigErr, os.ErrProcessDone) {
			err = sigErr
		}
	})
	return err
}

// emit handles supervisor-level control records, then fans the record out to
// subscribers. It never blocks on a consumer.
func (w *Worker) emit(rec logproto.Record) {
	if rec.IsReady() {
		w.readyOnce.Do(func() {
			w.mu.Lock()
			w.socketPath = rec.DataString(logproto.SocketPathKey)
			w.meta[logproto.SocketPathKey] = w.socketPath
			w.mu.Unlock()
			close(w.readyCh)
		})
	}

	w.mu.Lock()
	fns := make([]func(logproto.Record), 0, len(w.subs))
	for _, fn := range w.subs {
		fns = append(fns, fn)
	}
	w.mu.Unlock()

	for _, fn := range fns {
		fn(rec)
	}

	if rec.Level == logproto.LevelFatal {
		if err := w.Kill(nil); err != nil {
			log.Warn().Err(err).Int("pid", w.Pid()).Msg("Failed to kill worker after FATAL log")
		}
	}
}

// waitLoop reaps the process after both pipe pumps have drained, so every
// log record is delivered before exitCh closes.
func (w *Worker) waitLoop() {
	w.pumps.Wait()

	err := w.cmd.Wait()
	code := w.cmd.ProcessState.ExitCode()
	if err != nil && code == 0 {
		code = -1
	}

	w.exitCode = code
	w.readyOnce.Do(func() {
		w.readyErr = ErrExitedBeforeReady
		close(w.readyCh)
	})
	close(w.exitCh)

	log.Debug().Int("pid", w.Pid()).Int("code", code).Msg("Worker exited")
}
