// ABOUTME: Wire frames exchanged between the bridge and a remote controller.
// ABOUTME: JSON requests/responses correlated by id, plus ping/pong keepalives.

package controller

import "encoding/json"

// Frame types that carry no request id.
const (
	FramePing = "ping"
	FramePong = "pong"
)

// Request is sent to the primary controller.
type Request struct {
	ID      string `json:"id"`
	Action  string `json:"action"`
	Payload any    `json:"payload"`
}

// Response is returned by a controller for a Request with the same ID.
type Response struct {
	ID    string          `json:"id"`
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error string          `json:"error,omitempty"`
}

// control is a keepalive frame.
type control struct {
	Type string `json:"type"`
}

// inbound is the union of frames a controller may send.
type inbound struct {
	Type  string          `json:"type,omitempty"`
	ID    string          `json:"id,omitempty"`
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error string          `json:"error,omitempty"`
}

// RemoteError is a failure reported by the controller itself.
type RemoteError struct {
	RequestID string
	Action    string
	Message   string
}

func (e *RemoteError) Error() string {
	if e.Message == "" {
		return "controller returned an error for " + e.Action
	}
	return e.Message
}
