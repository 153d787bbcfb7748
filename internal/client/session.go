// ABOUTME: Client-side WebSocket session: connection handshake, message/abort/ping frames
// ABOUTME: and a read loop that delivers every server frame on a channel.

package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/2389/browser-gateway/internal/agent"
	"github.com/2389/browser-gateway/internal/gateway"
)

const (
	writeWait  = 10 * time.Second
	frameQueue = 64
)

// ErrSessionClosed is returned by writes after the session has ended.
var ErrSessionClosed = errors.New("session closed")

// Frame is a server frame as received by the client. Content and
// Metadata are left raw since agents define their shape.
type Frame struct {
	Type     string          `json:"type"`
	Content  json.RawMessage `json:"content,omitempty"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// Terminal reports whether the frame ends a turn.
func (f Frame) Terminal() bool {
	return f.Type == agent.TypeCompletion || f.Type == gateway.FrameError
}

// CloseError describes how the gateway ended the session.
type CloseError struct {
	Code   int
	Reason string
}

func (e *CloseError) Error() string {
	return fmt.Sprintf("session closed by gateway: %d %s", e.Code, e.Reason)
}

// Session is one admitted client connection.
type Session struct {
	ID          string
	ConnectedAt time.Time

	conn    *websocket.Conn
	writeMu sync.Mutex
	frames  chan Frame
	done    chan struct{}

	closeOnce sync.Once
	err       error
}

// Connect opens /ws and waits for the connection frame. A 503 refusal
// maps to ErrCapacityExceeded and a 429 to ErrRateLimited.
func (c *Client) Connect(ctx context.Context) (*Session, error) {
	u := *c.base
	u.Path += "/ws"
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}

	conn, resp, err := c.dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusSwitchingProtocols {
				return nil, statusError(resp)
			}
		}
		return nil, fmt.Errorf("dialing gateway: %w", err)
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(deadline)
	}
	var first Frame
	if err := conn.ReadJSON(&first); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("reading connection frame: %w", err)
	}
	_ = conn.SetReadDeadline(time.Time{})

	if first.Type != gateway.FrameConnection {
		_ = conn.Close()
		return nil, fmt.Errorf("expected connection frame, got %q", first.Type)
	}
	var data gateway.ConnectionData
	if err := json.Unmarshal(first.Data, &data); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("decoding connection frame: %w", err)
	}

	s := &Session{
		ID:          data.SessionID,
		ConnectedAt: time.UnixMilli(data.Timestamp),
		conn:        conn,
		frames:      make(chan Frame, frameQueue),
		done:        make(chan struct{}),
	}
	go s.readLoop()
	return s, nil
}

func (s *Session) readLoop() {
	defer close(s.frames)
	for {
		var f Frame
		if err := s.conn.ReadJSON(&f); err != nil {
			s.finish(err, false)
			return
		}
		select {
		case s.frames <- f:
		case <-s.done:
			return
		}
	}
}

// finish records why the session ended, keeping the first cause.
func (s *Session) finish(err error, sendClose bool) {
	s.closeOnce.Do(func() {
		var ce *websocket.CloseError
		if errors.As(err, &ce) {
			err = &CloseError{Code: ce.Code, Reason: ce.Text}
		}
		s.err = err
		close(s.done)

		if sendClose {
			s.writeMu.Lock()
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
			s.writeMu.Unlock()
		}
		_ = s.conn.Close()
	})
}

// Frames delivers server frames in order. It is closed when the session ends.
func (s *Session) Frames() <-chan Frame {
	return s.frames
}

// Done is closed once the session has ended.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Err returns why the session ended, or nil while it is open. A close
// initiated by the gateway is reported as *CloseError.
func (s *Session) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

func (s *Session) write(f gateway.ClientFrame) error {
	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := s.conn.WriteJSON(f); err != nil {
		return fmt.Errorf("writing %s frame: %w", f.Type, err)
	}
	return nil
}

// Send starts a turn with content.
func (s *Session) Send(content string) error {
	return s.write(gateway.ClientFrame{Type: gateway.FrameMessage, Content: content})
}

// Abort cancels the in-flight turn, if any.
func (s *Session) Abort() error {
	return s.write(gateway.ClientFrame{Type: gateway.FrameAbort})
}

// Ping asks the gateway for a pong frame.
func (s *Session) Ping() error {
	return s.write(gateway.ClientFrame{Type: gateway.FramePing})
}

// Turn sends content and returns every frame up to and including the
// turn's completion or error frame. Heartbeats are skipped.
func (s *Session) Turn(ctx context.Context, content string) ([]Frame, error) {
	if err := s.Send(content); err != nil {
		return nil, err
	}

	var frames []Frame
	for {
		select {
		case f, ok := <-s.frames:
			if !ok {
				return frames, s.Err()
			}
			if f.Type == gateway.FrameHeartbeat {
				continue
			}
			frames = append(frames, f)
			if f.Terminal() {
				return frames, nil
			}
		case <-ctx.Done():
			return frames, ctx.Err()
		}
	}
}

// Close sends a normal close frame and releases the connection.
func (s *Session) Close() error {
	s.finish(ErrSessionClosed, true)
	return nil
}
