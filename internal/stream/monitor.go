// ABOUTME: Fatal inactivity watchdog layered over a heartbeat stream.
// ABOUTME: Any item, real or heartbeat, pushes the absolute deadline forward.

package stream

import (
	"context"
	"errors"
	"io"
	"sync/atomic"
	"time"
)

// ErrEventGapTimeout indicates no item of any kind arrived within the gap.
// Callers treat it as fatal: the turn is aborted, the session deleted and
// the client disconnected.
var ErrEventGapTimeout = errors.New("event gap timeout")

// Monitor races each item against lastEventTime + gap.
type Monitor struct {
	src       <-chan Item
	gap       time.Duration
	lastEvent atomic.Int64
}

// NewMonitor watches src. A gap of zero or less disables the deadline.
// The clock starts at construction.
func NewMonitor(src <-chan Item, gap time.Duration) *Monitor {
	m := &Monitor{src: src, gap: gap}
	m.lastEvent.Store(time.Now().UnixNano())
	return m
}

// Next returns the next item. It returns io.EOF when the stream has ended,
// the error carried by a failed turn, ErrEventGapTimeout once the deadline
// passes, or ctx's error if ctx is cancelled first.
func (m *Monitor) Next(ctx context.Context) (Item, error) {
	if err := ctx.Err(); err != nil {
		return Item{}, err
	}

	var expired <-chan time.Time
	if m.gap > 0 {
		remaining := time.Until(m.LastEventTime().Add(m.gap))
		if remaining <= 0 {
			return Item{}, ErrEventGapTimeout
		}
		timer := time.NewTimer(remaining)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case item, ok := <-m.src:
		if !ok {
			return Item{}, io.EOF
		}
		m.lastEvent.Store(time.Now().UnixNano())
		if item.Err != nil {
			return item, item.Err
		}
		return item, nil
	case <-expired:
		return Item{}, ErrEventGapTimeout
	case <-ctx.Done():
		return Item{}, ctx.Err()
	}
}

// LastEventTime reports when the most recent item was received.
func (m *Monitor) LastEventTime() time.Time {
	return time.Unix(0, m.lastEvent.Load())
}
