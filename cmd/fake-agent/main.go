// ABOUTME: Minimal fake process agent for E2E testing, speaks NDJSON on stdin/stdout.
// ABOUTME: Usage: agent.kind=process with agent.command=fake-agent [-step 50ms]
package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"
)

type input struct {
	Type      string          `json:"type"`
	SessionID string          `json:"session_id,omitempty"`
	Content   string          `json:"content,omitempty"`
	ID        string          `json:"id,omitempty"`
	OK        bool            `json:"ok,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     string          `json:"error,omitempty"`
}

func main() {
	step := flag.Duration("step", 50*time.Millisecond, "delay between emitted events")
	flag.Parse()

	// stderr is captured by the gateway's debug log.
	log.SetOutput(os.Stderr)

	if err := run(*step); err != nil {
		log.Fatal(err)
	}
}

func run(step time.Duration) error {
	in := bufio.NewScanner(os.Stdin)
	in.Buffer(make([]byte, 64*1024), 4*1024*1024)
	out := json.NewEncoder(os.Stdout)

	if !in.Scan() {
		return fmt.Errorf("no message on stdin: %w", in.Err())
	}
	var msg input
	if err := json.Unmarshal(in.Bytes(), &msg); err != nil {
		return fmt.Errorf("decoding message: %w", err)
	}
	log.Printf("received message [%s]: %s", msg.SessionID, msg.Content)

	emit := func(v any) error {
		time.Sleep(step)
		return out.Encode(v)
	}

	if err := emit(map[string]any{"type": "init", "content": map[string]any{"agent": "fake-agent", "pid": os.Getpid()}}); err != nil {
		return err
	}
	if err := emit(map[string]any{"type": "thinking", "content": "Planning how to handle: " + msg.Content}); err != nil {
		return err
	}

	// "open <url>" and "screenshot" drive the controller; anything else is echoed.
	fields := strings.Fields(msg.Content)
	var call map[string]any
	switch {
	case len(fields) == 2 && fields[0] == "open":
		call = map[string]any{"type": "tool_call", "id": "call-1", "action": "navigate", "payload": map[string]string{"url": fields[1]}}
	case len(fields) == 1 && fields[0] == "screenshot":
		call = map[string]any{"type": "tool_call", "id": "call-1", "action": "screenshot"}
	}

	reply := fmt.Sprintf("Echo: **%s**", msg.Content)
	if call != nil {
		if err := emit(call); err != nil {
			return err
		}
		if !in.Scan() {
			return fmt.Errorf("no tool result on stdin: %w", in.Err())
		}
		var result input
		if err := json.Unmarshal(in.Bytes(), &result); err != nil {
			return fmt.Errorf("decoding tool result: %w", err)
		}
		if result.OK {
			reply = fmt.Sprintf("Done: %s returned %s", call["action"], string(result.Data))
		} else {
			reply = fmt.Sprintf("Failed: %s", result.Error)
		}
	}

	if err := emit(map[string]any{"type": "response", "content": reply}); err != nil {
		return err
	}
	return emit(map[string]any{"type": "completion", "content": map[string]bool{"ok": true}})
}
