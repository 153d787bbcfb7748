// ABOUTME: Collaborator interface for the automation agent bound to each session.
// ABOUTME: Events are opaque to the gateway and are forwarded to clients unmodified.

package agent

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"
)

// ErrAgentDestroyed indicates Execute was called after Destroy.
var ErrAgentDestroyed = errors.New("agent destroyed")

// ErrTurnInProgress indicates Execute was called while a previous turn is still running.
var ErrTurnInProgress = errors.New("agent turn already in progress")

// Event types produced by the built-in agents. Other agents may emit any type;
// the gateway does not interpret them.
const (
	TypeInit       = "init"
	TypeThinking   = "thinking"
	TypeToolUse    = "tool_use"
	TypeToolResult = "tool_result"
	TypeResponse   = "response"
	TypeCompletion = "completion"
	TypeError      = "error"
)

// Event is a single item of an agent's execution sequence.
type Event struct {
	Type     string          `json:"type"`
	Content  json.RawMessage `json:"content,omitempty"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

// NewEvent builds an Event, marshalling content and metadata.
// Values that fail to marshal are replaced with their error text.
func NewEvent(eventType string, content, metadata any) Event {
	ev := Event{Type: eventType}
	if content != nil {
		ev.Content = mustRaw(content)
	}
	if metadata != nil {
		ev.Metadata = mustRaw(metadata)
	}
	return ev
}

func mustRaw(v any) json.RawMessage {
	if raw, ok := v.(json.RawMessage); ok {
		return raw
	}
	data, err := json.Marshal(v)
	if err != nil {
		data, _ = json.Marshal(err.Error())
	}
	return data
}

// Iterator is the asynchronous event sequence of one agent turn.
// Next returns io.EOF once the sequence is exhausted. Only one call to Next
// may be outstanding at a time. Close releases the turn's resources and is
// safe to call more than once.
type Iterator interface {
	Next(ctx context.Context) (Event, error)
	Close() error
}

// Agent is one automation-agent instance, owned exclusively by a session.
type Agent interface {
	// Execute starts a turn for message and returns its event sequence.
	Execute(ctx context.Context, message string) (Iterator, error)
	// Abort signals cancellation of the running turn, if any.
	Abort()
	// Destroy releases every resource held by the agent. It is idempotent
	// and returns once teardown has completed.
	Destroy(ctx context.Context) error
}

// Caller sends RPCs to the remote controller.
type Caller interface {
	SendRequest(ctx context.Context, action string, payload any, timeout time.Duration) (json.RawMessage, error)
}

// Config carries what a Factory needs to build the agent for one session.
type Config struct {
	SessionID  string
	Controller Caller
	Logger     *slog.Logger
	// Options is passed through to the agent unmodified.
	Options json.RawMessage
}

// Factory constructs a new agent for a session.
type Factory func(ctx context.Context, cfg Config) (Agent, error)
