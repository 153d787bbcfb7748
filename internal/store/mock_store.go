// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite

package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu       sync.RWMutex
	sessions map[string]*SessionRecord
	closed   bool
}

var _ Store = (*MockStore)(nil)

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{sessions: make(map[string]*SessionRecord)}
}

// RecordSessionOpened stores a new open session.
func (m *MockStore) RecordSessionOpened(_ context.Context, id, remoteAddr string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[id]; ok {
		return ErrDuplicateSession
	}
	m.sessions[id] = &SessionRecord{ID: id, RemoteAddr: remoteAddr, OpenedAt: at.UTC()}
	return nil
}

// RecordSessionClosed marks a stored session closed.
func (m *MockStore) RecordSessionClosed(_ context.Context, id, reason string, messageCount int, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	closedAt := at.UTC()
	rec.ClosedAt = &closedAt
	rec.CloseReason = reason
	rec.MessageCount = messageCount
	return nil
}

// GetSession returns a copy of the stored record.
func (m *MockStore) GetSession(_ context.Context, id string) (*SessionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

// ListSessions returns copies ordered newest first.
func (m *MockStore) ListSessions(_ context.Context, limit int) ([]*SessionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	records := make([]*SessionRecord, 0, len(m.sessions))
	for _, rec := range m.sessions {
		cp := *rec
		records = append(records, &cp)
	}
	sort.Slice(records, func(i, j int) bool {
		if records[i].OpenedAt.Equal(records[j].OpenedAt) {
			return records[i].ID < records[j].ID
		}
		return records[i].OpenedAt.After(records[j].OpenedAt)
	})
	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}

// Stats aggregates the stored records.
func (m *MockStore) Stats(context.Context) (*HistoryStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := &HistoryStats{Total: len(m.sessions), ClosedByReason: make(map[string]int)}
	for _, rec := range m.sessions {
		stats.Messages += rec.MessageCount
		if rec.ClosedAt == nil {
			stats.Open++
			continue
		}
		stats.ClosedByReason[rec.CloseReason]++
	}
	return stats, nil
}

// Close marks the store closed.
func (m *MockStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// IsClosed reports whether Close was called.
func (m *MockStore) IsClosed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}
