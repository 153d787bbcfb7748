// ABOUTME: Store interface and data types for browser-gateway session history
// ABOUTME: Records when sessions open and close, why they closed, and how busy they were

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateSession is returned when a session id is recorded as opened twice
var ErrDuplicateSession = errors.New("session already recorded")

// Close reasons recorded for ended sessions
const (
	ReasonClientDisconnect = "client_disconnect"
	ReasonIdleTimeout      = "idle_timeout"
	ReasonEventGapTimeout  = "event_gap_timeout"
	ReasonShutdown         = "shutdown"
	ReasonError            = "error"
)

// SessionRecord is the persisted history of one client session
type SessionRecord struct {
	ID           string     `json:"id"`
	RemoteAddr   string     `json:"remote_addr,omitempty"`
	OpenedAt     time.Time  `json:"opened_at"`
	ClosedAt     *time.Time `json:"closed_at,omitempty"`
	CloseReason  string     `json:"close_reason,omitempty"`
	MessageCount int        `json:"message_count"`
}

// HistoryStats summarizes the session history
type HistoryStats struct {
	Total          int            `json:"total"`
	Open           int            `json:"open"`
	Messages       int            `json:"messages"`
	ClosedByReason map[string]int `json:"closed_by_reason"`
}

// Store defines the interface for session history persistence
type Store interface {
	// RecordSessionOpened inserts a new open session
	RecordSessionOpened(ctx context.Context, id, remoteAddr string, at time.Time) error

	// RecordSessionClosed marks a session closed. Returns ErrNotFound if it was never opened.
	RecordSessionClosed(ctx context.Context, id, reason string, messageCount int, at time.Time) error

	// GetSession retrieves one session record
	GetSession(ctx context.Context, id string) (*SessionRecord, error)

	// ListSessions returns the most recently opened sessions first
	ListSessions(ctx context.Context, limit int) ([]*SessionRecord, error)

	// Stats aggregates the whole history
	Stats(ctx context.Context) (*HistoryStats, error)

	// Close closes the underlying storage
	Close() error
}
