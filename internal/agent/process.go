// ABOUTME: ProcessAgent runs an external agent command per turn and speaks NDJSON over stdio.
// ABOUTME: tool_call lines are forwarded to the controller and answered on the process stdin.

package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// typeToolCall is the control line a process emits to request a controller action.
const typeToolCall = "tool_call"

// maxLineSize bounds a single NDJSON line from the agent process.
const maxLineSize = 4 * 1024 * 1024

// ProcessOptions describes the command launched for every turn.
type ProcessOptions struct {
	Command string
	Args    []string
	Env     []string
	Dir     string
	// WaitDelay bounds how long Wait blocks on I/O after the process is killed.
	WaitDelay time.Duration
}

// ProcessAgent hosts an external agent executable.
type ProcessAgent struct {
	opts       ProcessOptions
	sessionID  string
	controller Caller
	logger     *slog.Logger
	turns      *turns
}

// NewProcessFactory returns a Factory that builds ProcessAgents for opts.
func NewProcessFactory(opts ProcessOptions) Factory {
	return func(_ context.Context, cfg Config) (Agent, error) {
		if opts.Command == "" {
			return nil, errors.New("process agent requires a command")
		}
		if _, err := exec.LookPath(opts.Command); err != nil {
			return nil, fmt.Errorf("resolving agent command: %w", err)
		}
		logger := cfg.Logger
		if logger == nil {
			logger = slog.Default()
		}
		if opts.WaitDelay == 0 {
			opts.WaitDelay = 5 * time.Second
		}
		return &ProcessAgent{
			opts:       opts,
			sessionID:  cfg.SessionID,
			controller: cfg.Controller,
			logger:     logger.With("component", "process-agent", "session_id", cfg.SessionID),
			turns:      newTurns(),
		}, nil
	}
}

// processLine is one line read from the agent's stdout.
type processLine struct {
	Type      string          `json:"type"`
	Content   json.RawMessage `json:"content,omitempty"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
	ID        string          `json:"id,omitempty"`
	Action    string          `json:"action,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	TimeoutMS int             `json:"timeout_ms,omitempty"`
}

// processInput is one line written to the agent's stdin.
type processInput struct {
	Type      string          `json:"type"`
	SessionID string          `json:"session_id,omitempty"`
	Content   string          `json:"content,omitempty"`
	ID        string          `json:"id,omitempty"`
	OK        bool            `json:"ok,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// Execute launches the agent command for message.
func (a *ProcessAgent) Execute(ctx context.Context, message string) (Iterator, error) {
	it, err := a.turns.start(ctx, func(ctx context.Context, emit func(Event) error) error {
		return a.run(ctx, message, emit)
	})
	if err != nil {
		return nil, err
	}
	return it, nil
}

func (a *ProcessAgent) run(ctx context.Context, message string, emit func(Event) error) error {
	cmd := exec.CommandContext(ctx, a.opts.Command, a.opts.Args...)
	cmd.Dir = a.opts.Dir
	cmd.Env = append(os.Environ(), a.opts.Env...)
	cmd.WaitDelay = a.opts.WaitDelay
	cmd.Stderr = &logWriter{logger: a.logger}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("opening agent stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("opening agent stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting agent process: %w", err)
	}
	a.logger.Debug("agent process started", "pid", cmd.Process.Pid)

	// Children of the command can hold stdout open after it is killed.
	stop := context.AfterFunc(ctx, func() { _ = stdout.Close() })
	defer stop()

	in := &lineWriter{w: stdin}
	runErr := a.pump(ctx, stdout, in, message, emit)
	_ = stdin.Close()

	waitErr := cmd.Wait()
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if runErr != nil {
		return runErr
	}
	if waitErr != nil {
		return fmt.Errorf("agent process exited: %w", waitErr)
	}
	return nil
}

func (a *ProcessAgent) pump(ctx context.Context, stdout io.Reader, in *lineWriter, message string, emit func(Event) error) error {
	if err := in.write(processInput{Type: "message", SessionID: a.sessionID, Content: message}); err != nil {
		return fmt.Errorf("writing message to agent: %w", err)
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	for scanner.Scan() {
		raw := strings.TrimSpace(scanner.Text())
		if raw == "" {
			continue
		}

		var line processLine
		if err := json.Unmarshal([]byte(raw), &line); err != nil || line.Type == "" {
			if err := emit(NewEvent(TypeResponse, raw, nil)); err != nil {
				return err
			}
			continue
		}

		if line.Type == typeToolCall {
			if err := a.handleToolCall(ctx, line, in, emit); err != nil {
				return err
			}
			continue
		}

		if err := emit(Event{Type: line.Type, Content: line.Content, Metadata: line.Metadata}); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("reading agent output: %w", err)
	}
	return nil
}

func (a *ProcessAgent) handleToolCall(ctx context.Context, line processLine, in *lineWriter, emit func(Event) error) error {
	var payload any
	if len(line.Payload) > 0 {
		payload = line.Payload
	}
	meta := map[string]string{"id": line.ID}
	if err := emit(NewEvent(TypeToolUse, map[string]any{"action": line.Action, "payload": payload}, meta)); err != nil {
		return err
	}

	reply := processInput{Type: "tool_result", ID: line.ID}
	switch {
	case a.controller == nil:
		reply.Error = "no controller available"
	case line.Action == "":
		reply.Error = "action is required"
	default:
		timeout := time.Duration(line.TimeoutMS) * time.Millisecond
		data, err := a.controller.SendRequest(ctx, line.Action, payload, timeout)
		if err != nil {
			reply.Error = err.Error()
		} else {
			reply.OK = true
			reply.Data = data
		}
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	result := map[string]any{"ok": reply.OK}
	if reply.OK && len(reply.Data) > 0 {
		result["data"] = reply.Data
	}
	if reply.Error != "" {
		result["error"] = reply.Error
	}
	if err := emit(NewEvent(TypeToolResult, result, meta)); err != nil {
		return err
	}
	if err := in.write(reply); err != nil {
		return fmt.Errorf("writing tool result to agent: %w", err)
	}
	return nil
}

// Abort kills the running agent process.
func (a *ProcessAgent) Abort() {
	a.turns.abort()
}

// Destroy kills any running agent process and waits for it to exit.
func (a *ProcessAgent) Destroy(ctx context.Context) error {
	return a.turns.destroy(ctx, nil)
}

// lineWriter serializes JSON lines onto the agent's stdin.
type lineWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lineWriter) write(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	_, err = l.w.Write(append(data, '\n'))
	return err
}

// logWriter forwards agent stderr to the logger line by line.
type logWriter struct {
	logger *slog.Logger
}

func (w *logWriter) Write(p []byte) (int, error) {
	for _, line := range strings.Split(strings.TrimRight(string(p), "\n"), "\n") {
		if line != "" {
			w.logger.Debug("agent stderr", "line", line)
		}
	}
	return len(p), nil
}
