// ABOUTME: DirectAgent forwards structured client commands straight to the controller.
// ABOUTME: It performs no reasoning; each message is one {action, payload} RPC.

package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Command is the message format understood by DirectAgent.
type Command struct {
	Action    string          `json:"action"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	TimeoutMS int             `json:"timeout_ms,omitempty"`
}

// DirectAgent executes each message as a single controller request.
type DirectAgent struct {
	sessionID  string
	controller Caller
	logger     *slog.Logger
	turns      *turns
}

// NewDirectAgent is a Factory producing DirectAgents.
func NewDirectAgent(_ context.Context, cfg Config) (Agent, error) {
	if cfg.Controller == nil {
		return nil, errors.New("direct agent requires a controller")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &DirectAgent{
		sessionID:  cfg.SessionID,
		controller: cfg.Controller,
		logger:     logger.With("component", "direct-agent", "session_id", cfg.SessionID),
		turns:      newTurns(),
	}, nil
}

// ParseCommand decodes a client message into a Command.
func ParseCommand(message string) (*Command, error) {
	var cmd Command
	if err := json.Unmarshal([]byte(strings.TrimSpace(message)), &cmd); err != nil {
		return nil, fmt.Errorf("message must be a JSON object with action and payload: %w", err)
	}
	if cmd.Action == "" {
		return nil, errors.New("action is required")
	}
	return &cmd, nil
}

// Execute starts a turn that dispatches message to the controller.
func (a *DirectAgent) Execute(ctx context.Context, message string) (Iterator, error) {
	it, err := a.turns.start(ctx, func(ctx context.Context, emit func(Event) error) error {
		return a.run(ctx, message, emit)
	})
	if err != nil {
		return nil, err
	}
	return it, nil
}

func (a *DirectAgent) run(ctx context.Context, message string, emit func(Event) error) error {
	if err := emit(NewEvent(TypeInit, map[string]string{"session_id": a.sessionID}, nil)); err != nil {
		return err
	}

	cmd, err := ParseCommand(message)
	if err != nil {
		if err := emit(NewEvent(TypeError, err.Error(), nil)); err != nil {
			return err
		}
		return emit(NewEvent(TypeCompletion, map[string]bool{"ok": false}, nil))
	}

	var payload any
	if len(cmd.Payload) > 0 {
		payload = cmd.Payload
	}
	if err := emit(NewEvent(TypeToolUse, map[string]any{"action": cmd.Action, "payload": payload}, nil)); err != nil {
		return err
	}

	started := time.Now()
	timeout := time.Duration(cmd.TimeoutMS) * time.Millisecond
	data, err := a.controller.SendRequest(ctx, cmd.Action, payload, timeout)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}

	meta := map[string]any{"duration_ms": time.Since(started).Milliseconds()}
	if err != nil {
		a.logger.Warn("controller request failed", "action", cmd.Action, "error", err)
		if err := emit(NewEvent(TypeToolResult, map[string]any{"ok": false, "error": err.Error()}, meta)); err != nil {
			return err
		}
		return emit(NewEvent(TypeCompletion, map[string]bool{"ok": false}, nil))
	}

	result := map[string]any{"ok": true}
	if len(data) > 0 {
		result["data"] = data
	}
	if err := emit(NewEvent(TypeToolResult, result, meta)); err != nil {
		return err
	}
	return emit(NewEvent(TypeCompletion, map[string]bool{"ok": true}, nil))
}

// Abort cancels the running turn.
func (a *DirectAgent) Abort() {
	a.turns.abort()
}

// Destroy stops any running turn. DirectAgent holds no other resources.
func (a *DirectAgent) Destroy(ctx context.Context) error {
	return a.turns.destroy(ctx, nil)
}
