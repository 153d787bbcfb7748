// ABOUTME: Periodic idle-session reclamation running on its own ticker.
// ABOUTME: Evicted sessions are reported to a callback so transports can close their clients.

package session

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DefaultSweepInterval is used when the configured interval is zero.
const DefaultSweepInterval = time.Minute

// Sweeper evicts idle sessions from a Manager on a fixed interval.
type Sweeper struct {
	manager  *Manager
	interval time.Duration
	onEvict  func([]Info)
	logger   *slog.Logger

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewSweeper creates a Sweeper. onEvict may be nil.
func NewSweeper(m *Manager, interval time.Duration, onEvict func([]Info), logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		manager:  m,
		interval: interval,
		onEvict:  onEvict,
		logger:   logger,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Run sweeps until ctx is cancelled or Stop is called.
func (s *Sweeper) Run(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.Sweep(ctx)
		case <-s.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Sweep runs a single eviction pass.
func (s *Sweeper) Sweep(ctx context.Context) []Info {
	evicted := s.manager.EvictIdle(ctx)
	if len(evicted) == 0 {
		return nil
	}
	s.logger.Info("idle sweep evicted sessions", "count", len(evicted))
	if s.onEvict != nil {
		s.onEvict(evicted)
	}
	return evicted
}

// Stop ends Run and waits for it to return. Safe to call multiple times,
// but only after Run has been started.
func (s *Sweeper) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	<-s.done
}
