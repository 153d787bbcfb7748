// ABOUTME: Wraps an agent iterator so stalled turns still produce periodic keepalive items.
// ABOUTME: A single outstanding Next is kept across heartbeat ticks and never re-issued.

package stream

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/2389/browser-gateway/internal/agent"
)

// Item is one element of a turn's output: either a real agent event or a
// synthetic heartbeat. Err is set only on the final item of a failed turn.
type Item struct {
	Event     agent.Event
	Heartbeat bool
	Err       error
	At        time.Time
}

type nextResult struct {
	event agent.Event
	err   error
}

// Heartbeat drains it in a background goroutine and returns the resulting
// items. Whenever interval elapses without a real event, a heartbeat item is
// emitted and the timer restarts while the same Next call keeps running.
// An interval of zero or less disables heartbeats.
//
// The channel is closed when the sequence ends, after a terminal error item,
// or once ctx is cancelled. The iterator is closed on every exit path, so
// cancelling ctx is how a caller aborts the turn.
func Heartbeat(ctx context.Context, it agent.Iterator, interval time.Duration) <-chan Item {
	out := make(chan Item)
	go func() {
		defer close(out)
		defer it.Close()
		pump(ctx, it, interval, out)
	}()
	return out
}

func pump(ctx context.Context, it agent.Iterator, interval time.Duration, out chan<- Item) {
	emit := func(item Item) bool {
		select {
		case out <- item:
			return true
		case <-ctx.Done():
			return false
		}
	}

	var tick <-chan time.Time
	var timer *time.Timer
	if interval > 0 {
		timer = time.NewTimer(interval)
		defer timer.Stop()
		tick = timer.C
	}
	resetTimer := func() {
		if timer != nil {
			timer.Reset(interval)
		}
	}

	var pending chan nextResult
	for {
		if ctx.Err() != nil {
			return
		}
		if pending == nil {
			pending = make(chan nextResult, 1)
			go func(ch chan<- nextResult) {
				ev, err := it.Next(ctx)
				ch <- nextResult{event: ev, err: err}
			}(pending)
		}

		select {
		case r := <-pending:
			pending = nil
			if errors.Is(r.err, io.EOF) {
				return
			}
			if r.err != nil {
				if ctx.Err() != nil {
					return
				}
				emit(Item{Err: r.err, At: time.Now()})
				return
			}
			if !emit(Item{Event: r.event, At: time.Now()}) {
				return
			}
			resetTimer()

		case <-tick:
			if !emit(Item{Heartbeat: true, At: time.Now()}) {
				return
			}
			resetTimer()

		case <-ctx.Done():
			return
		}
	}
}
