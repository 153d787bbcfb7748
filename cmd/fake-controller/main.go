// ABOUTME: Minimal fake browser controller for E2E testing, dials the gateway and answers requests.
// ABOUTME: Usage: fake-controller [-addr localhost:8081] [-delay 0s] [-fail click,type]
package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

type request struct {
	Type    string          `json:"type,omitempty"`
	ID      string          `json:"id,omitempty"`
	Action  string          `json:"action,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type response struct {
	ID    string `json:"id"`
	OK    bool   `json:"ok"`
	Data  any    `json:"data,omitempty"`
	Error string `json:"error,omitempty"`
}

// onePixelPNG is a valid 1x1 transparent PNG.
var onePixelPNG = []byte{
	0x89, 0x50, 0x4e, 0x47, 0x0d, 0x0a, 0x1a, 0x0a, 0x00, 0x00, 0x00, 0x0d,
	0x49, 0x48, 0x44, 0x52, 0x00, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x01,
	0x08, 0x06, 0x00, 0x00, 0x00, 0x1f, 0x15, 0xc4, 0x89, 0x00, 0x00, 0x00,
	0x0d, 0x49, 0x44, 0x41, 0x54, 0x78, 0x9c, 0x63, 0x00, 0x01, 0x00, 0x00,
	0x05, 0x00, 0x01, 0x0d, 0x0a, 0x2d, 0xb4, 0x00, 0x00, 0x00, 0x00, 0x49,
	0x45, 0x4e, 0x44, 0xae, 0x42, 0x60, 0x82,
}

func main() {
	addr := flag.String("addr", "localhost:8081", "gateway controller address")
	delay := flag.Duration("delay", 0, "artificial delay before each response")
	fail := flag.String("fail", "", "comma-separated actions that always fail")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	failing := make(map[string]bool)
	for _, a := range strings.Split(*fail, ",") {
		if a = strings.TrimSpace(a); a != "" {
			failing[a] = true
		}
	}

	// Reconnect until interrupted so gateway restarts can be exercised.
	backoff := time.Second
	for {
		err := run(ctx, *addr, *delay, failing)
		if ctx.Err() != nil {
			return
		}
		log.Printf("disconnected: %v (retrying in %s)", err, backoff)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return
		}
		backoff = min(backoff*2, 30*time.Second)
	}
}

func run(ctx context.Context, addr string, delay time.Duration, failing map[string]bool) error {
	u := url.URL{Scheme: "ws", Host: addr, Path: "/controller"}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	fmt.Fprintf(os.Stderr, "connected to %s\n", u.String())

	for {
		var req request
		if err := conn.ReadJSON(&req); err != nil {
			if ctx.Err() != nil {
				return nil // graceful shutdown
			}
			return fmt.Errorf("read error: %w", err)
		}

		if req.Type == "ping" {
			if err := conn.WriteJSON(map[string]string{"type": "pong"}); err != nil {
				return fmt.Errorf("send pong: %w", err)
			}
			continue
		}
		if req.ID == "" {
			continue
		}

		log.Printf("request [%s]: %s %s", req.ID, req.Action, string(req.Payload))

		if delay > 0 {
			time.Sleep(delay)
		}

		resp := handle(req, failing)
		if err := conn.WriteJSON(resp); err != nil {
			return fmt.Errorf("send response: %w", err)
		}
	}
}

func handle(req request, failing map[string]bool) response {
	if failing[req.Action] {
		return response{ID: req.ID, Error: fmt.Sprintf("%s failed (simulated)", req.Action)}
	}

	var payload map[string]any
	if len(req.Payload) > 0 {
		if err := json.Unmarshal(req.Payload, &payload); err != nil {
			return response{ID: req.ID, Error: "payload must be a JSON object"}
		}
	}

	switch req.Action {
	case "navigate":
		target, _ := payload["url"].(string)
		if target == "" {
			return response{ID: req.ID, Error: "url is required"}
		}
		return response{ID: req.ID, OK: true, Data: map[string]any{"url": target, "title": "Fake page", "status": 200}}
	case "screenshot":
		return response{ID: req.ID, OK: true, Data: map[string]any{
			"format": "png",
			"data":   base64.StdEncoding.EncodeToString(onePixelPNG),
		}}
	case "click", "type", "scroll":
		return response{ID: req.ID, OK: true, Data: map[string]any{"action": req.Action, "payload": payload}}
	case "evaluate":
		return response{ID: req.ID, OK: true, Data: map[string]any{"result": nil}}
	default:
		return response{ID: req.ID, Error: "unknown action: " + req.Action}
	}
}
