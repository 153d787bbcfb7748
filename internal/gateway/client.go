// ABOUTME: One admitted client WebSocket bound to one session and its agent.
// ABOUTME: Runs turns through the heartbeat stream and event gap monitor, then tears the session down.

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/2389/browser-gateway/internal/logging"
	"github.com/2389/browser-gateway/internal/session"
	"github.com/2389/browser-gateway/internal/store"
	"github.com/2389/browser-gateway/internal/stream"
)

const (
	clientWriteTimeout = 10 * time.Second
	clientReadLimit    = 1 << 20
	closeGracePeriod   = time.Second
	teardownTimeout    = 10 * time.Second
)

// clientConn owns the socket for one session.
type clientConn struct {
	id     string
	conn   *websocket.Conn
	sess   *session.Session
	gw     *Gateway
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	writeMu sync.Mutex

	turnMu     sync.Mutex
	turnCancel context.CancelFunc
	turnDone   chan struct{}

	messages atomic.Int64

	closeOnce sync.Once
	reasonMu  sync.Mutex
	reason    string
}

func newClientConn(gw *Gateway, conn *websocket.Conn, sess *session.Session) *clientConn {
	ctx, cancel := context.WithCancel(gw.baseCtx)
	return &clientConn{
		id:     sess.ID,
		conn:   conn,
		sess:   sess,
		gw:     gw,
		logger: gw.logger.With("component", logging.CompClient, "session_id", sess.ID),
		ctx:    ctx,
		cancel: cancel,
	}
}

// send writes one frame. Safe for concurrent use.
func (c *clientConn) send(frame ServerFrame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = c.conn.SetWriteDeadline(time.Now().Add(clientWriteTimeout))
	return c.conn.WriteJSON(frame)
}

// serve reads frames until the socket fails or is closed by terminate.
func (c *clientConn) serve() {
	c.conn.SetReadLimit(clientReadLimit)

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug("client read error", "error", err)
			}
			c.setReason(store.ReasonClientDisconnect)
			return
		}

		var frame ClientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.logger.Warn("invalid client frame", "error", err)
			_ = c.send(errorFrame(errInvalidFrame))
			continue
		}

		switch frame.Type {
		case FrameMessage:
			c.handleMessage(frame.Content)
		case FrameAbort:
			c.logger.Info("client requested abort")
			c.abortTurn()
		case FramePing:
			_ = c.gw.sessions.Touch(c.id)
			_ = c.send(ServerFrame{Type: FramePong})
		default:
			_ = c.send(errorFrame(errUnknownFrame))
		}
	}
}

// handleMessage admits a message if the session is idle and runs its turn in
// the background so aborts and pings are still read.
func (c *clientConn) handleMessage(content string) {
	ok, err := c.gw.sessions.MarkProcessing(c.id)
	if err != nil {
		_ = c.send(errorFrame(errSessionGone))
		return
	}
	if !ok {
		c.gw.stats.MessageRejected()
		_ = c.send(errorFrame(errAlreadyProcessing))
		return
	}
	c.gw.stats.MessageProcessed()

	if err := c.send(ServerFrame{Type: FrameProcessing}); err != nil {
		_ = c.gw.sessions.MarkIdle(c.id)
		return
	}

	turnCtx, cancel := context.WithCancel(c.ctx)
	done := make(chan struct{})

	c.turnMu.Lock()
	c.turnCancel = cancel
	c.turnDone = done
	c.turnMu.Unlock()

	go c.runTurn(turnCtx, cancel, content, done)
}

func (c *clientConn) runTurn(ctx context.Context, cancel context.CancelFunc, content string, done chan struct{}) {
	defer close(done)
	defer cancel()
	defer func() {
		if err := c.gw.sessions.MarkIdle(c.id); err == nil {
			c.messages.Add(1)
		}
	}()

	start := time.Now()
	it, err := c.sess.Agent.Execute(ctx, content)
	if err != nil {
		c.gw.stats.TurnError()
		c.logger.Error("agent execute failed", "error", err)
		_ = c.send(errorFrame(err.Error()))
		return
	}

	items := stream.Heartbeat(ctx, it, c.gw.config.Capacity.HeartbeatInterval)
	mon := stream.NewMonitor(items, c.gw.config.Capacity.EventGapTimeout)

	for {
		item, err := mon.Next(ctx)
		switch {
		case err == nil:
			frame := eventFrame(item.Event)
			if item.Heartbeat {
				frame = ServerFrame{Type: FrameHeartbeat}
			}
			if err := c.send(frame); err != nil {
				c.logger.Debug("dropping turn, client write failed", "error", err)
				return
			}
			if item.Heartbeat {
				c.gw.stats.HeartbeatSent()
			} else {
				c.gw.stats.EventForwarded()
			}

		case errors.Is(err, io.EOF):
			c.logger.Debug("turn complete", "duration", time.Since(start))
			return

		case errors.Is(err, stream.ErrEventGapTimeout):
			c.gw.stats.EventGapTimeout()
			c.logger.Warn("event gap timeout, closing session",
				"gap", c.gw.config.Capacity.EventGapTimeout,
				"last_event", mon.LastEventTime(),
			)
			cancel()
			c.terminate(store.ReasonEventGapTimeout, CloseEventGapTimeout, "event gap timeout")
			return

		case ctx.Err() != nil:
			c.logger.Info("turn aborted", "duration", time.Since(start))
			return

		default:
			c.gw.stats.TurnError()
			c.logger.Error("turn failed", "error", err)
			_ = c.send(errorFrame(err.Error()))
			return
		}
	}
}

// abortTurn cancels the running turn, if any, and waits for it to stop.
func (c *clientConn) abortTurn() {
	c.turnMu.Lock()
	cancel, done := c.turnCancel, c.turnDone
	c.turnMu.Unlock()

	if cancel == nil {
		return
	}
	c.sess.Agent.Abort()
	cancel()

	select {
	case <-done:
	case <-time.After(teardownTimeout):
		c.logger.Warn("turn did not stop after abort")
	}
}

func (c *clientConn) setReason(reason string) {
	c.reasonMu.Lock()
	defer c.reasonMu.Unlock()
	if c.reason == "" {
		c.reason = reason
	}
}

func (c *clientConn) closeReason() string {
	c.reasonMu.Lock()
	defer c.reasonMu.Unlock()
	if c.reason == "" {
		return store.ReasonClientDisconnect
	}
	return c.reason
}

// terminate records why the gateway is dropping the client, sends a close
// frame and closes the socket, which ends serve.
func (c *clientConn) terminate(reason string, code int, text string) {
	c.closeOnce.Do(func() {
		c.setReason(reason)
		msg := websocket.FormatCloseMessage(code, text)
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGracePeriod))
		_ = c.conn.Close()
	})
}

// finish stops any running turn, deletes the session and records the close.
func (c *clientConn) finish() {
	c.abortTurn()
	c.cancel()

	ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
	defer cancel()

	if err := c.gw.sessions.DeleteSession(ctx, c.id); err != nil && !errors.Is(err, session.ErrSessionNotFound) {
		c.logger.Warn("error deleting session", "error", err)
	}

	reason := c.closeReason()
	c.gw.recordClosed(ctx, c.id, reason, int(c.messages.Load()))

	c.closeOnce.Do(func() { _ = c.conn.Close() })

	c.logger.Info("=== CLIENT DISCONNECTED ===",
		"reason", reason,
		"messages", c.messages.Load(),
	)
}
