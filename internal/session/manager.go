// ABOUTME: Capacity-bounded session lifecycle: admission, state transitions, deletion.
// ABOUTME: Every check-then-mutate happens under one lock so concurrent admissions cannot overshoot.

package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/2389/browser-gateway/internal/agent"
)

// ErrCapacityExceeded indicates the session limit has been reached.
var ErrCapacityExceeded = errors.New("capacity exceeded")

// ErrSessionNotFound indicates the session does not exist or is being deleted.
var ErrSessionNotFound = errors.New("session not found")

// ErrSessionExists indicates a session with the same id already exists.
var ErrSessionExists = errors.New("session already exists")

// ErrAlreadyProcessing indicates the session is already handling a message.
var ErrAlreadyProcessing = errors.New("session is already processing a message")

// ErrReservationReleased indicates a reservation was used after release or reuse.
var ErrReservationReleased = errors.New("reservation no longer valid")

// Config contains configuration options for the Manager.
type Config struct {
	MaxSessions int
	// IdleTimeout is how long an idle session may go without activity before
	// FindIdleSessions reports it. Zero disables idle eviction.
	IdleTimeout time.Duration
	Factory     agent.Factory
	Logger      *slog.Logger
}

// Option customizes a Manager.
type Option func(*Manager)

// WithClock replaces the wall clock used for activity timestamps.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// Manager owns the session store and enforces the capacity limit.
type Manager struct {
	maxSessions int
	idleTimeout time.Duration
	factory     agent.Factory
	logger      *slog.Logger
	now         func() time.Time

	mu       sync.Mutex
	store    *Store
	reserved int
	creating map[string]struct{}

	created  uint64
	deleted  uint64
	evicted  uint64
	rejected uint64
}

// NewManager creates a Manager with an empty store.
func NewManager(cfg Config, opts ...Option) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		maxSessions: cfg.MaxSessions,
		idleTimeout: cfg.IdleTimeout,
		factory:     cfg.Factory,
		logger:      logger,
		now:         time.Now,
		store:       newStore(),
		creating:    make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// activeLocked counts stored sessions plus outstanding reservations. Must be called with mu held.
func (m *Manager) activeLocked() int {
	return m.store.len() + m.reserved
}

// Reservation holds one unit of capacity until it is consumed by
// CreateFromReservation or released.
type Reservation struct {
	m    *Manager
	done bool
}

// Reserve claims a capacity slot without allocating anything else. It lets a
// transport refuse a connection before accepting it.
func (m *Manager) Reserve() (*Reservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.activeLocked() >= m.maxSessions {
		m.rejected++
		return nil, ErrCapacityExceeded
	}
	m.reserved++
	return &Reservation{m: m}, nil
}

// Release returns the slot if it has not been consumed. Safe to call multiple times.
func (r *Reservation) Release() {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()

	if !r.done {
		r.done = true
		r.m.reserved--
	}
}

// CreateSession admits a new session, building its agent only after
// capacity has been secured. Returns ErrCapacityExceeded without allocating
// anything when the limit has been reached.
func (m *Manager) CreateSession(ctx context.Context, id string, cfg agent.Config) (*Session, error) {
	res, err := m.Reserve()
	if err != nil {
		return nil, err
	}
	return m.CreateFromReservation(ctx, res, id, cfg)
}

// CreateFromReservation builds the session for a slot obtained from Reserve.
// The reservation is consumed whether or not creation succeeds.
func (m *Manager) CreateFromReservation(ctx context.Context, res *Reservation, id string, cfg agent.Config) (*Session, error) {
	m.mu.Lock()
	if res == nil || res.m != m || res.done {
		m.mu.Unlock()
		return nil, ErrReservationReleased
	}
	_, exists := m.store.get(id)
	_, pending := m.creating[id]
	if exists || pending {
		res.done = true
		m.reserved--
		m.mu.Unlock()
		return nil, ErrSessionExists
	}
	m.creating[id] = struct{}{}
	m.mu.Unlock()

	cfg.SessionID = id
	a, err := m.factory(ctx, cfg)

	m.mu.Lock()
	delete(m.creating, id)
	res.done = true
	m.reserved--
	if err != nil {
		m.mu.Unlock()
		return nil, fmt.Errorf("creating agent: %w", err)
	}
	sess := newSession(id, a, m.now())
	m.store.put(sess)
	m.created++
	active := m.activeLocked()
	m.mu.Unlock()

	m.logger.Info("=== SESSION CREATED ===",
		"session_id", id,
		"active_sessions", active,
		"max_sessions", m.maxSessions,
	)
	return sess, nil
}

// Get returns the live session with id.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.store.get(id)
	if !ok || sess.closing {
		return nil, false
	}
	return sess, true
}

// Info returns a snapshot of the session with id.
func (m *Manager) Info(id string) (Info, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.store.get(id)
	if !ok || sess.closing {
		return Info{}, false
	}
	return sess.info(), true
}

// List returns snapshots of every live session.
func (m *Manager) List() []Info {
	m.mu.Lock()
	defer m.mu.Unlock()

	infos := make([]Info, 0, m.store.len())
	m.store.each(func(s *Session) {
		if !s.closing {
			infos = append(infos, s.info())
		}
	})
	return infos
}

// MarkProcessing moves the session from idle to processing. It returns false,
// leaving the session untouched, if a message is already being processed.
func (m *Manager) MarkProcessing(id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.store.get(id)
	if !ok || sess.closing {
		return false, ErrSessionNotFound
	}
	if sess.state == StateProcessing {
		return false, nil
	}
	sess.state = StateProcessing
	sess.lastActivityAt = m.now()
	return true, nil
}

// MarkIdle moves the session from processing back to idle, refreshing its
// activity time and counting the completed message. Calling it on an idle
// session is a no-op.
func (m *Manager) MarkIdle(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.store.get(id)
	if !ok || sess.closing {
		return ErrSessionNotFound
	}
	if sess.state != StateProcessing {
		return nil
	}
	sess.state = StateIdle
	sess.lastActivityAt = m.now()
	sess.messageCount++
	return nil
}

// Touch refreshes the session's activity time without changing its state.
func (m *Manager) Touch(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.store.get(id)
	if !ok || sess.closing {
		return ErrSessionNotFound
	}
	sess.lastActivityAt = m.now()
	return nil
}

// isExpiredLocked reports whether sess may be evicted. Must be called with mu held.
func (m *Manager) isExpiredLocked(sess *Session, now time.Time) bool {
	return !sess.closing &&
		sess.state == StateIdle &&
		now.Sub(sess.lastActivityAt) > m.idleTimeout
}

// FindIdleSessions returns the ids of idle sessions inactive for longer than
// the idle timeout. Processing sessions are never returned.
func (m *Manager) FindIdleSessions() []string {
	if m.idleTimeout <= 0 {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	var ids []string
	m.store.each(func(s *Session) {
		if m.isExpiredLocked(s, now) {
			ids = append(ids, s.ID)
		}
	})
	return ids
}

// EvictIdle deletes every expired idle session and returns their final
// snapshots. Expiry is re-checked against the live state while claiming each
// session, so a session that started processing after FindIdleSessions is kept.
func (m *Manager) EvictIdle(ctx context.Context) []Info {
	if m.idleTimeout <= 0 {
		return nil
	}

	m.mu.Lock()
	now := m.now()
	var claimed []*Session
	var infos []Info
	m.store.each(func(s *Session) {
		if m.isExpiredLocked(s, now) {
			s.closing = true
			claimed = append(claimed, s)
			infos = append(infos, s.info())
		}
	})
	m.evicted += uint64(len(claimed))
	m.mu.Unlock()

	for i, sess := range claimed {
		if err := m.finishDelete(ctx, sess); err != nil {
			m.logger.Warn("error destroying idle session", "session_id", sess.ID, "error", err)
		}
		m.logger.Info("evicted idle session",
			"session_id", sess.ID,
			"idle_for", now.Sub(infos[i].LastActivityAt),
		)
	}
	return infos
}

// DeleteSession destroys the session's agent and removes the record once
// destruction has completed. Concurrent calls for the same id wait for the
// first to finish.
func (m *Manager) DeleteSession(ctx context.Context, id string) error {
	m.mu.Lock()
	sess, ok := m.store.get(id)
	if !ok {
		m.mu.Unlock()
		return ErrSessionNotFound
	}
	if sess.closing {
		m.mu.Unlock()
		select {
		case <-sess.destroyed:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	sess.closing = true
	m.mu.Unlock()

	return m.finishDelete(ctx, sess)
}

// finishDelete awaits agent teardown, then drops the record. The session must
// already be marked closing. If ctx ends first the error is returned but the
// record keeps its slot until the agent has actually been destroyed.
func (m *Manager) finishDelete(ctx context.Context, sess *Session) error {
	if sess.Agent == nil {
		m.release(sess, nil)
		return nil
	}

	done := make(chan error, 1)
	go func() { done <- sess.Agent.Destroy(context.WithoutCancel(ctx)) }()

	select {
	case err := <-done:
		m.release(sess, err)
		if err != nil {
			return fmt.Errorf("destroying agent for session %s: %w", sess.ID, err)
		}
		return nil
	case <-ctx.Done():
		m.logger.Warn("agent teardown outlived caller, holding slot until it finishes",
			"session_id", sess.ID,
			"error", ctx.Err(),
		)
		go func() { m.release(sess, <-done) }()
		return fmt.Errorf("destroying agent for session %s: %w", sess.ID, ctx.Err())
	}
}

// release removes a destroyed session and frees its slot.
func (m *Manager) release(sess *Session, destroyErr error) {
	m.mu.Lock()
	m.store.remove(sess.ID)
	m.deleted++
	active := m.activeLocked()
	messages := sess.messageCount
	m.mu.Unlock()
	close(sess.destroyed)

	if destroyErr != nil {
		m.logger.Warn("agent destroy failed", "session_id", sess.ID, "error", destroyErr)
	}
	m.logger.Info("=== SESSION DELETED ===",
		"session_id", sess.ID,
		"messages", messages,
		"active_sessions", active,
	)
}

// Close deletes every session concurrently.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	var ids []string
	m.store.each(func(s *Session) { ids = append(ids, s.ID) })
	m.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, id := range ids {
		g.Go(func() error {
			err := m.DeleteSession(gctx, id)
			if errors.Is(err, ErrSessionNotFound) {
				return nil
			}
			return err
		})
	}
	return g.Wait()
}

// Capacity is the admission view of the manager.
type Capacity struct {
	Active     int `json:"active"`
	Max        int `json:"max"`
	Available  int `json:"available"`
	Idle       int `json:"idle"`
	Processing int `json:"processing"`
	// Closing sessions are being torn down and still hold their slot.
	Closing int `json:"closing"`
}

// Capacity returns current usage against the configured limit.
func (m *Manager) Capacity() Capacity {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := Capacity{Active: m.activeLocked(), Max: m.maxSessions}
	c.Available = max(c.Max-c.Active, 0)
	m.store.each(func(s *Session) {
		switch {
		case s.closing:
			c.Closing++
		case s.state == StateIdle:
			c.Idle++
		case s.state == StateProcessing:
			c.Processing++
		}
	})
	return c
}

// Metrics aggregates session activity for health reporting.
type Metrics struct {
	Active          int     `json:"active"`
	Idle            int     `json:"idle"`
	Processing      int     `json:"processing"`
	Closing         int     `json:"closing"`
	TotalMessages   int     `json:"total_messages"`
	AverageMessages float64 `json:"average_messages"`
	Created         uint64  `json:"created"`
	Deleted         uint64  `json:"deleted"`
	Evicted         uint64  `json:"evicted"`
	Rejected        uint64  `json:"rejected"`
}

// Metrics returns a read-only snapshot of session counters.
func (m *Manager) Metrics() Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()

	mt := Metrics{
		Active:   m.store.len(),
		Created:  m.created,
		Deleted:  m.deleted,
		Evicted:  m.evicted,
		Rejected: m.rejected,
	}
	m.store.each(func(s *Session) {
		switch {
		case s.closing:
			mt.Closing++
		case s.state == StateIdle:
			mt.Idle++
		case s.state == StateProcessing:
			mt.Processing++
		}
		mt.TotalMessages += s.messageCount
	})
	if mt.Active > 0 {
		mt.AverageMessages = float64(mt.TotalMessages) / float64(mt.Active)
	}
	return mt
}
