// ABOUTME: Process-wide gateway counters shared by the transport and health endpoints.
// ABOUTME: All counters are atomic; Snapshot returns a JSON-friendly copy.

package stats

import (
	"sync/atomic"
	"time"
)

// Stats is owned by the gateway and handed to the components that update it.
type Stats struct {
	startedAt time.Time

	connectionsAccepted atomic.Uint64
	connectionsRejected atomic.Uint64
	connectionsLimited  atomic.Uint64
	messagesProcessed   atomic.Uint64
	messagesRejected    atomic.Uint64
	eventsForwarded     atomic.Uint64
	heartbeatsSent      atomic.Uint64
	eventGapTimeouts    atomic.Uint64
	idleEvictions       atomic.Uint64
	turnErrors          atomic.Uint64
}

// New creates an empty Stats starting now.
func New() *Stats {
	return &Stats{startedAt: time.Now()}
}

func (s *Stats) ConnectionAccepted() { s.connectionsAccepted.Add(1) }

// ConnectionRejected counts a refusal because the gateway was at capacity.
func (s *Stats) ConnectionRejected() { s.connectionsRejected.Add(1) }

// ConnectionLimited counts a refusal by the admission rate limiter.
func (s *Stats) ConnectionLimited() { s.connectionsLimited.Add(1) }

func (s *Stats) MessageProcessed() { s.messagesProcessed.Add(1) }

// MessageRejected counts a message refused because its session was busy.
func (s *Stats) MessageRejected() { s.messagesRejected.Add(1) }

func (s *Stats) EventForwarded() { s.eventsForwarded.Add(1) }
func (s *Stats) HeartbeatSent() { s.heartbeatsSent.Add(1) }
func (s *Stats) EventGapTimeout() { s.eventGapTimeouts.Add(1) }

// IdleEvicted counts sessions removed by the sweeper.
func (s *Stats) IdleEvicted(n int) { s.idleEvictions.Add(uint64(n)) }

func (s *Stats) TurnError() { s.turnErrors.Add(1) }

// Uptime is the time since New.
func (s *Stats) Uptime() time.Duration {
	return time.Since(s.startedAt)
}

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	ConnectionsAccepted uint64 `json:"connections_accepted"`
	ConnectionsRejected uint64 `json:"connections_rejected"`
	ConnectionsLimited  uint64 `json:"connections_limited"`
	MessagesProcessed   uint64 `json:"messages_processed"`
	MessagesRejected    uint64 `json:"messages_rejected"`
	EventsForwarded     uint64 `json:"events_forwarded"`
	HeartbeatsSent      uint64 `json:"heartbeats_sent"`
	EventGapTimeouts    uint64 `json:"event_gap_timeouts"`
	IdleEvictions       uint64 `json:"idle_evictions"`
	TurnErrors          uint64 `json:"turn_errors"`
}

// Snapshot reads every counter. Counters are read independently, so the
// result is not a single atomic view.
func (s *Stats) Snapshot() Snapshot {
	return Snapshot{
		ConnectionsAccepted: s.connectionsAccepted.Load(),
		ConnectionsRejected: s.connectionsRejected.Load(),
		ConnectionsLimited:  s.connectionsLimited.Load(),
		MessagesProcessed:   s.messagesProcessed.Load(),
		MessagesRejected:    s.messagesRejected.Load(),
		EventsForwarded:     s.eventsForwarded.Load(),
		HeartbeatsSent:      s.heartbeatsSent.Load(),
		EventGapTimeouts:    s.eventGapTimeouts.Load(),
		IdleEvictions:       s.idleEvictions.Load(),
		TurnErrors:          s.turnErrors.Load(),
	}
}
