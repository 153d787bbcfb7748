// ABOUTME: Session records and the store that indexes them by id.
// ABOUTME: Mutable fields are only touched while the owning Manager holds its lock.

package session

import (
	"time"

	"github.com/2389/browser-gateway/internal/agent"
)

// State is the execution state of a session.
type State string

const (
	StateIdle       State = "idle"
	StateProcessing State = "processing"
)

// Session binds one client connection to one agent instance.
type Session struct {
	ID        string
	Agent     agent.Agent
	CreatedAt time.Time

	state          State
	lastActivityAt time.Time
	messageCount   int

	// closing is set once deletion has begun; the session is then invisible
	// to new work but still counts toward capacity until destroyed.
	closing   bool
	destroyed chan struct{}
}

func newSession(id string, a agent.Agent, now time.Time) *Session {
	return &Session{
		ID:             id,
		Agent:          a,
		CreatedAt:      now,
		state:          StateIdle,
		lastActivityAt: now,
		destroyed:      make(chan struct{}),
	}
}

// Info is a point-in-time copy of a session's public fields.
type Info struct {
	ID             string    `json:"id"`
	State          State     `json:"state"`
	CreatedAt      time.Time `json:"created_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
	MessageCount   int       `json:"message_count"`
}

func (s *Session) info() Info {
	return Info{
		ID:             s.ID,
		State:          s.state,
		CreatedAt:      s.CreatedAt,
		LastActivityAt: s.lastActivityAt,
		MessageCount:   s.messageCount,
	}
}

// Store maps session ids to records. It is not safe for concurrent use;
// the Manager serializes every access.
type Store struct {
	sessions map[string]*Session
}

func newStore() *Store {
	return &Store{sessions: make(map[string]*Session)}
}

func (s *Store) get(id string) (*Session, bool) {
	sess, ok := s.sessions[id]
	return sess, ok
}

func (s *Store) put(sess *Session) {
	s.sessions[sess.ID] = sess
}

func (s *Store) remove(id string) {
	delete(s.sessions, id)
}

func (s *Store) len() int {
	return len(s.sessions)
}

func (s *Store) each(fn func(*Session)) {
	for _, sess := range s.sessions {
		fn(sess)
	}
}
