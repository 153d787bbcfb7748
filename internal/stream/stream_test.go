// ABOUTME: Tests for heartbeat injection and the event gap watchdog.
// ABOUTME: Uses a channel-driven fake iterator so tests control exactly when events arrive.

package stream

import (
	"context"
	"errors"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/browser-gateway/internal/agent"
)

type fakeIterator struct {
	events    chan agent.Event
	errs      chan error
	nextCalls atomic.Int32
	closed    atomic.Int32
}

func newFakeIterator() *fakeIterator {
	return &fakeIterator{
		events: make(chan agent.Event),
		errs:   make(chan error, 1),
	}
}

func (f *fakeIterator) Next(ctx context.Context) (agent.Event, error) {
	f.nextCalls.Add(1)
	select {
	case ev, ok := <-f.events:
		if !ok {
			return agent.Event{}, io.EOF
		}
		return ev, nil
	case err := <-f.errs:
		return agent.Event{}, err
	case <-ctx.Done():
		return agent.Event{}, ctx.Err()
	}
}

func (f *fakeIterator) Close() error {
	f.closed.Add(1)
	return nil
}

func receive(t *testing.T, ch <-chan Item) (Item, bool) {
	t.Helper()
	select {
	case item, ok := <-ch:
		return item, ok
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for stream item")
		return Item{}, false
	}
}

func TestHeartbeat_PassesEventsThrough(t *testing.T) {
	it := newFakeIterator()
	items := Heartbeat(context.Background(), it, time.Hour)

	go func() {
		it.events <- agent.NewEvent(agent.TypeThinking, "hmm", nil)
		it.events <- agent.NewEvent(agent.TypeResponse, "done", map[string]int{"n": 1})
		close(it.events)
	}()

	first, ok := receive(t, items)
	require.True(t, ok)
	assert.False(t, first.Heartbeat)
	assert.Equal(t, agent.TypeThinking, first.Event.Type)
	assert.JSONEq(t, `"hmm"`, string(first.Event.Content))

	second, ok := receive(t, items)
	require.True(t, ok)
	assert.Equal(t, agent.TypeResponse, second.Event.Type)
	assert.JSONEq(t, `{"n":1}`, string(second.Event.Metadata))

	_, ok = receive(t, items)
	assert.False(t, ok, "stream closes at end of sequence")
	require.Eventually(t, func() bool { return it.closed.Load() == 1 }, time.Second, time.Millisecond)
}

func TestHeartbeat_StalledIteratorKeepsSinglePendingNext(t *testing.T) {
	it := newFakeIterator()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	items := Heartbeat(ctx, it, 10*time.Millisecond)

	for i := 0; i < 5; i++ {
		item, ok := receive(t, items)
		require.True(t, ok)
		assert.True(t, item.Heartbeat)
		assert.False(t, item.At.IsZero())
	}
	assert.Equal(t, int32(1), it.nextCalls.Load(), "heartbeat ticks must not re-issue Next")

	// The original Next is still the one that delivers the real event.
	it.events <- agent.NewEvent(agent.TypeResponse, "late", nil)
	for {
		item, ok := receive(t, items)
		require.True(t, ok)
		if item.Heartbeat {
			continue
		}
		assert.Equal(t, agent.TypeResponse, item.Event.Type)
		break
	}
}

func TestHeartbeat_HeartbeatIntervalRestartsAfterEvent(t *testing.T) {
	it := newFakeIterator()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	items := Heartbeat(ctx, it, 100*time.Millisecond)

	go func() {
		time.Sleep(20 * time.Millisecond)
		it.events <- agent.NewEvent(agent.TypeThinking, nil, nil)
	}()

	start := time.Now()
	first, ok := receive(t, items)
	require.True(t, ok)
	assert.False(t, first.Heartbeat)

	second, ok := receive(t, items)
	require.True(t, ok)
	assert.True(t, second.Heartbeat)
	// Measured from the real event, not from the start of the turn.
	assert.GreaterOrEqual(t, time.Since(start), 110*time.Millisecond)
}

func TestHeartbeat_AbortClosesIterator(t *testing.T) {
	it := newFakeIterator()
	ctx, cancel := context.WithCancel(context.Background())

	items := Heartbeat(ctx, it, 10*time.Millisecond)
	_, ok := receive(t, items)
	require.True(t, ok)

	cancel()
	for {
		_, ok := receive(t, items)
		if !ok {
			break
		}
	}
	assert.Equal(t, int32(1), it.closed.Load())
}

func TestHeartbeat_IteratorErrorIsTerminal(t *testing.T) {
	it := newFakeIterator()
	items := Heartbeat(context.Background(), it, time.Hour)

	boom := errors.New("agent crashed")
	it.errs <- boom

	item, ok := receive(t, items)
	require.True(t, ok)
	assert.ErrorIs(t, item.Err, boom)

	_, ok = receive(t, items)
	assert.False(t, ok)
}

func TestHeartbeat_DisabledInterval(t *testing.T) {
	it := newFakeIterator()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	items := Heartbeat(ctx, it, 0)

	select {
	case item := <-items:
		t.Fatalf("unexpected item with heartbeats disabled: %+v", item)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMonitor_TimesOutOnSilence(t *testing.T) {
	src := make(chan Item)
	mon := NewMonitor(src, 30*time.Millisecond)

	start := time.Now()
	_, err := mon.Next(context.Background())
	assert.ErrorIs(t, err, ErrEventGapTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)

	// Once expired, the deadline stays expired.
	_, err = mon.Next(context.Background())
	assert.ErrorIs(t, err, ErrEventGapTimeout)
}

func TestMonitor_HeartbeatsKeepSlowTurnAlive(t *testing.T) {
	it := newFakeIterator()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mon := NewMonitor(Heartbeat(ctx, it, 10*time.Millisecond), 50*time.Millisecond)

	deadline := time.Now().Add(200 * time.Millisecond)
	heartbeats := 0
	for time.Now().Before(deadline) {
		item, err := mon.Next(ctx)
		require.NoError(t, err)
		require.True(t, item.Heartbeat)
		heartbeats++
	}
	assert.Greater(t, heartbeats, 5)
}

func TestMonitor_DeadlineSpansHeartbeats(t *testing.T) {
	src := make(chan Item, 4)
	mon := NewMonitor(src, 40*time.Millisecond)

	src <- Item{Heartbeat: true, At: time.Now()}
	item, err := mon.Next(context.Background())
	require.NoError(t, err)
	assert.True(t, item.Heartbeat)
	first := mon.LastEventTime()

	time.Sleep(20 * time.Millisecond)
	src <- Item{Heartbeat: true, At: time.Now()}
	_, err = mon.Next(context.Background())
	require.NoError(t, err)
	assert.True(t, mon.LastEventTime().After(first))

	// Heartbeats stop entirely.
	start := time.Now()
	_, err = mon.Next(context.Background())
	assert.ErrorIs(t, err, ErrEventGapTimeout)
	assert.Less(t, time.Since(start), time.Second)
}

func TestMonitor_EndOfStream(t *testing.T) {
	src := make(chan Item)
	close(src)
	mon := NewMonitor(src, time.Second)

	_, err := mon.Next(context.Background())
	assert.ErrorIs(t, err, io.EOF)
}

func TestMonitor_SurfacesTurnError(t *testing.T) {
	boom := errors.New("boom")
	src := make(chan Item, 1)
	src <- Item{Err: boom}
	mon := NewMonitor(src, time.Second)

	_, err := mon.Next(context.Background())
	assert.ErrorIs(t, err, boom)
}

func TestMonitor_ContextCancelled(t *testing.T) {
	mon := NewMonitor(make(chan Item), time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := mon.Next(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMonitor_Disabled(t *testing.T) {
	src := make(chan Item)
	mon := NewMonitor(src, 0)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := mon.Next(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
