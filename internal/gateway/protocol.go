// ABOUTME: JSON frames exchanged with browser-automation clients over /ws.
// ABOUTME: Agent events are forwarded with their content and metadata untouched.

package gateway

import (
	"encoding/json"

	"github.com/2389/browser-gateway/internal/agent"
)

// Inbound frame types.
const (
	FrameMessage = "message"
	FrameAbort   = "abort"
	FramePing    = "ping"
)

// Outbound frame types. Agent events keep their own type.
const (
	FrameConnection = "connection"
	FrameProcessing = "processing"
	FrameHeartbeat  = "heartbeat"
	FramePong       = "pong"
	FrameError      = "error"
)

// WebSocket close codes in the private range, so clients can tell why they were dropped.
const (
	CloseIdleTimeout     = 4000
	CloseAgentFailure    = 4001
	CloseEventGapTimeout = 4008
)

// Error strings sent in error frames and HTTP refusals.
const (
	errCapacityExceeded  = "capacity exceeded"
	errAlreadyProcessing = "already processing"
	errTooManyAttempts   = "too many connection attempts"
	errInvalidFrame      = "invalid message"
	errUnknownFrame      = "unknown message type"
	errSessionGone       = "session not found"
)

// ClientFrame is a frame received from a client.
type ClientFrame struct {
	Type    string `json:"type"`
	Content string `json:"content,omitempty"`
}

// ServerFrame is a frame sent to a client.
type ServerFrame struct {
	Type     string          `json:"type"`
	Content  json.RawMessage `json:"content,omitempty"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
	Data     any             `json:"data,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// ConnectionData is the payload of the connection frame sent on admission.
type ConnectionData struct {
	Status    string `json:"status"`
	SessionID string `json:"sessionId"`
	Timestamp int64  `json:"timestamp"`
}

func eventFrame(ev agent.Event) ServerFrame {
	return ServerFrame{Type: ev.Type, Content: ev.Content, Metadata: ev.Metadata}
}

func errorFrame(msg string) ServerFrame {
	return ServerFrame{Type: FrameError, Error: msg}
}
