// ABOUTME: Tests for the periodic idle sweeper.
// ABOUTME: Validates eviction callbacks, processing sessions surviving, and shutdown.

package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/browser-gateway/internal/agent"
)

func TestSweeper_Sweep_ReportsEvicted(t *testing.T) {
	ctx := context.Background()
	m, _, clock := newTestManager(t, 2, time.Minute)

	_, err := m.CreateSession(ctx, "stale", agent.Config{})
	require.NoError(t, err)
	_, err = m.CreateSession(ctx, "working", agent.Config{})
	require.NoError(t, err)
	_, err = m.MarkProcessing("working")
	require.NoError(t, err)

	var got []Info
	s := NewSweeper(m, time.Hour, func(infos []Info) { got = infos }, nil)

	assert.Nil(t, s.Sweep(ctx), "nothing has expired yet")
	assert.Nil(t, got)

	clock.Advance(2 * time.Minute)
	evicted := s.Sweep(ctx)
	require.Len(t, evicted, 1)
	assert.Equal(t, "stale", evicted[0].ID)
	assert.Equal(t, evicted, got)
}

func TestSweeper_Run_EvictsOnTicker(t *testing.T) {
	ctx := context.Background()
	m, _, clock := newTestManager(t, 1, time.Minute)

	_, err := m.CreateSession(ctx, "a", agent.Config{})
	require.NoError(t, err)
	clock.Advance(time.Hour)

	var mu sync.Mutex
	var evicted []string
	s := NewSweeper(m, 5*time.Millisecond, func(infos []Info) {
		mu.Lock()
		defer mu.Unlock()
		for _, info := range infos {
			evicted = append(evicted, info.ID)
		}
	}, nil)

	go s.Run(ctx)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(evicted) == 1
	}, time.Second, time.Millisecond)

	s.Stop()
	s.Stop()
	assert.Equal(t, 0, m.Capacity().Active)
}

func TestSweeper_Run_StopsOnContext(t *testing.T) {
	m, _, _ := newTestManager(t, 1, time.Minute)
	s := NewSweeper(m, time.Millisecond, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	returned := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(returned)
	}()
	cancel()

	select {
	case <-returned:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}
