package worker

import (
	"context"
	"sync"

	"github.com/watzon/ember/internal/logproto"
)

// LogSource is the slice of a worker a log waiter needs.
type LogSource interface {
	OnLog(fn func(logproto.Record)) func()
	Exited() <-chan struct{}
}

// LogWaiter resolves with the first record matching its filter. Install the
// waiter before the act that may cause the log: subscribers attached after
// emission miss the event.
type LogWaiter struct {
	src    LogSource
	ch     chan logproto.Record
	cancel func()
}

// WaitFor installs a waiter for the first record with the given level and
// type that satisfies pred (pred may be nil).
func WaitFor(src LogSource, level logproto.Level, typ string, pred func(logproto.Record) bool) *LogWaiter {
	lw := &LogWaiter{
		src: src,
		ch:  make(chan logproto.Record, 1),
	}

	var once sync.Once
	lw.cancel = src.OnLog(func(rec logproto.Record) {
		if rec.Level != level || rec.Type != typ {
			return
		}
		if pred != nil && !pred(rec) {
			return
		}
		once.Do(func() {
			lw.ch <- rec
		})
	})

	return lw
}

// Wait blocks until a match arrives, the source exits without one
// (ErrNoMatchingLog), or ctx is done.
func (lw *LogWaiter) Wait(ctx context.Context) (logproto.Record, error) {
	defer lw.cancel()

	// A match delivered before exit wins even if both have happened.
	select {
	case rec := <-lw.ch:
		return rec, nil
	default:
	}

	select {
	case rec := <-lw.ch:
		return rec, nil
	case <-lw.src.Exited():
		select {
		case rec := <-lw.ch:
			return rec, nil
		default:
		}
		return logproto.Record{}, ErrNoMatchingLog
	case <-ctx.Done():
		return logproto.Record{}, ctx.Err()
	}
}
