// ABOUTME: Bridge forwards RPCs to the primary controller and correlates responses by id.
// ABOUTME: Handles request deadlines, primary loss with standby promotion, and shutdown.

package controller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/2389/browser-gateway/internal/tombstone"
)

// ErrControllerDisconnected indicates no primary controller is connected.
var ErrControllerDisconnected = errors.New("controller disconnected")

// ErrRequestTimeout indicates the controller did not answer before the deadline.
var ErrRequestTimeout = errors.New("request timed out")

// ErrPrimaryLost indicates the primary connection closed while the request was in flight.
var ErrPrimaryLost = errors.New("primary controller lost")

// ErrBridgeClosing indicates the bridge is shutting down.
var ErrBridgeClosing = errors.New("controller bridge closing")

// Default timings, overridable through Config.
const (
	DefaultRequestTimeout = 30 * time.Second
	DefaultPingInterval   = 15 * time.Second
	DefaultPongTimeout    = 45 * time.Second
)

// Abandoned request ids are remembered this long so late responses can be recognised.
const (
	abandonedTTL  = 5 * time.Minute
	abandonedSize = 4096
)

// Reasons recorded for requests settled without a controller response.
const (
	abandonTimeout     = "timeout"
	abandonCancelled   = "cancelled"
	abandonSendFailed  = "send failed"
	abandonPrimaryLost = "primary lost"
)

// Config contains configuration options for the Bridge.
type Config struct {
	RequestTimeout time.Duration
	// PingInterval is how often each connection is pinged. Zero disables pings.
	PingInterval time.Duration
	// PongTimeout closes a connection that has sent nothing for this long. Zero disables it.
	PongTimeout time.Duration
	Logger      *slog.Logger
}

type outcome struct {
	data json.RawMessage
	err  error
}

// pendingRequest is an RPC awaiting its response. It is settled exactly once:
// whoever removes it from the pending table delivers the outcome.
type pendingRequest struct {
	id     string
	action string
	sentAt time.Time
	timer  *time.Timer
	result chan outcome
}

// Bridge owns every controller connection and the table of in-flight requests.
type Bridge struct {
	logger         *slog.Logger
	requestTimeout time.Duration
	pingInterval   time.Duration
	pongTimeout    time.Duration
	now            func() time.Time

	mu        sync.Mutex
	conns     map[string]*Connection
	primaryID string
	pending   map[string]*pendingRequest
	abandoned *tombstone.Set
	closed    bool
	server    *http.Server

	seq       atomic.Uint64
	sent      atomic.Uint64
	succeeded atomic.Uint64
	failed    atomic.Uint64
	timedOut  atomic.Uint64
	late      atomic.Uint64

	done chan struct{}
	wg   sync.WaitGroup
}

// NewBridge creates a Bridge with no connections.
func NewBridge(cfg Config) *Bridge {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}

	return &Bridge{
		logger:         logger,
		requestTimeout: timeout,
		pingInterval:   cfg.PingInterval,
		pongTimeout:    cfg.PongTimeout,
		now:            time.Now,
		conns:          make(map[string]*Connection),
		pending:        make(map[string]*pendingRequest),
		abandoned:      tombstone.New(abandonedTTL, abandonedSize),
		done:           make(chan struct{}),
	}
}

// RegisterConnection takes ownership of socket and starts reading from it.
// The first connection while no primary exists becomes primary; others wait
// as standby. Returns the assigned connection id.
func (b *Bridge) RegisterConnection(socket Socket) (string, error) {
	id := uuid.New().String()
	conn := newConnection(id, socket, b.now(), b.logger.With("connection_id", id))

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		_ = socket.Close()
		return "", ErrBridgeClosing
	}
	b.conns[id] = conn
	role := RoleStandby
	if b.primaryID == "" {
		b.primaryID = id
		role = RolePrimary
	}
	total := len(b.conns)
	b.wg.Add(2)
	b.mu.Unlock()

	go b.readLoop(conn)
	go b.keepalive(conn)

	b.logger.Info("=== CONTROLLER CONNECTED ===",
		"connection_id", id,
		"role", role,
		"total_connections", total,
	)
	return id, nil
}

// IsConnected reports whether a primary controller exists.
func (b *Bridge) IsConnected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.primaryID != ""
}

// PrimaryID returns the id of the primary connection, or "" if none.
func (b *Bridge) PrimaryID() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.primaryID
}

// Role returns the role of the connection with the given id.
func (b *Bridge) Role(id string) (Role, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.conns[id]; !ok {
		return "", false
	}
	if id == b.primaryID {
		return RolePrimary, true
	}
	return RoleStandby, true
}

// SendRequest sends action to the primary controller and waits for its
// response, the deadline, primary loss, bridge shutdown or ctx cancellation,
// whichever comes first. A timeout of zero uses the bridge default.
// Requests are never retried.
func (b *Bridge) SendRequest(ctx context.Context, action string, payload any, timeout time.Duration) (json.RawMessage, error) {
	if timeout <= 0 {
		timeout = b.requestTimeout
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrBridgeClosing
	}
	conn, ok := b.conns[b.primaryID]
	if !ok {
		b.mu.Unlock()
		b.failed.Add(1)
		return nil, ErrControllerDisconnected
	}

	id := b.nextRequestID()
	p := &pendingRequest{
		id:     id,
		action: action,
		sentAt: b.now(),
		result: make(chan outcome, 1),
	}
	p.timer = time.AfterFunc(timeout, func() {
		if b.settle(id, func(*pendingRequest) outcome {
			b.abandoned.Add(id, abandonTimeout)
			return outcome{err: fmt.Errorf("request %s (%s) timed out after %dms: %w", id, action, timeout.Milliseconds(), ErrRequestTimeout)}
		}) {
			b.logger.Warn("controller request timed out",
				"request_id", id,
				"action", action,
				"timeout", timeout,
			)
		}
	})
	b.pending[id] = p
	b.mu.Unlock()

	b.sent.Add(1)
	if err := conn.send(Request{ID: id, Action: action, Payload: payload}); err != nil {
		b.settle(id, func(*pendingRequest) outcome {
			b.abandoned.Add(id, abandonSendFailed)
			return outcome{err: fmt.Errorf("sending request %s (%s): %w", id, action, err)}
		})
	} else {
		b.logger.Debug("→ request sent to controller",
			"request_id", id,
			"action", action,
			"connection_id", conn.ID,
		)
	}

	var out outcome
	select {
	case out = <-p.result:
	case <-ctx.Done():
		ctxErr := ctx.Err()
		b.settle(id, func(*pendingRequest) outcome {
			b.abandoned.Add(id, abandonCancelled)
			return outcome{err: ctxErr}
		})
		out = <-p.result
	}

	switch {
	case out.err == nil:
		b.succeeded.Add(1)
	case errors.Is(out.err, ErrRequestTimeout):
		b.timedOut.Add(1)
	default:
		b.failed.Add(1)
	}
	return out.data, out.err
}

// nextRequestID combines a wall-clock timestamp with a process-local counter
// so ids stay unique across restarts.
func (b *Bridge) nextRequestID() string {
	return fmt.Sprintf("%d-%d", b.now().UnixMilli(), b.seq.Add(1))
}

// settle removes the pending request with id and delivers build's outcome.
// build runs before the waiting caller is released.
// Returns false if the request was already settled or never existed.
func (b *Bridge) settle(id string, build func(*pendingRequest) outcome) bool {
	b.mu.Lock()
	p, ok := b.pending[id]
	if ok {
		delete(b.pending, id)
	}
	b.mu.Unlock()

	if !ok {
		return false
	}
	p.timer.Stop()
	p.result <- build(p)
	return true
}

// HandleResponse routes a controller response to the waiting caller.
// Responses for requests that already timed out or were abandoned are counted
// as late and discarded; responses for ids never issued are logged as unknown.
func (b *Bridge) HandleResponse(resp Response) {
	settled := b.settle(resp.ID, func(p *pendingRequest) outcome {
		if resp.OK {
			return outcome{data: resp.Data}
		}
		return outcome{err: &RemoteError{RequestID: p.id, Action: p.action, Message: resp.Error}}
	})
	if !settled {
		if reason, ok := b.abandoned.Lookup(resp.ID); ok {
			b.late.Add(1)
			b.logger.Debug("discarding late controller response",
				"request_id", resp.ID,
				"abandoned", reason,
			)
			return
		}
		b.logger.Warn("received response for unknown request",
			"request_id", resp.ID,
		)
		return
	}
	b.logger.Debug("← controller responded",
		"request_id", resp.ID,
		"ok", resp.OK,
	)
}

// readLoop consumes frames from conn until the socket fails.
func (b *Bridge) readLoop(conn *Connection) {
	defer b.wg.Done()

	for {
		_, data, err := conn.socket.ReadMessage()
		if err != nil {
			b.handleDisconnect(conn, err)
			return
		}
		conn.touch(b.now())
		b.handleFrame(conn, data)
	}
}

func (b *Bridge) handleFrame(conn *Connection, data []byte) {
	var f inbound
	if err := json.Unmarshal(data, &f); err != nil {
		b.logger.Warn("discarding malformed controller frame",
			"connection_id", conn.ID,
			"error", err,
		)
		return
	}

	switch f.Type {
	case FramePing:
		if err := conn.send(control{Type: FramePong}); err != nil {
			b.logger.Debug("failed to answer ping", "connection_id", conn.ID, "error", err)
		}
		return
	case FramePong:
		return
	}

	if f.ID == "" {
		b.logger.Warn("discarding controller frame without id",
			"connection_id", conn.ID,
			"type", f.Type,
		)
		return
	}
	b.HandleResponse(Response{ID: f.ID, OK: f.OK, Data: f.Data, Error: f.Error})
}

// keepalive pings conn and closes it once it has been silent past the pong timeout.
func (b *Bridge) keepalive(conn *Connection) {
	defer b.wg.Done()

	if b.pingInterval <= 0 {
		return
	}
	ticker := time.NewTicker(b.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-conn.done:
			return
		case <-b.done:
			return
		case <-ticker.C:
			if b.pongTimeout > 0 && b.now().Sub(conn.LastSeen()) > b.pongTimeout {
				b.logger.Warn("controller unresponsive, closing connection",
					"connection_id", conn.ID,
					"last_seen", conn.LastSeen(),
				)
				_ = conn.Close()
				return
			}
			if err := conn.send(control{Type: FramePing}); err != nil {
				b.logger.Debug("failed to ping controller", "connection_id", conn.ID, "error", err)
			}
		}
	}
}

// handleDisconnect removes conn. If it was primary, every in-flight request
// is rejected with ErrPrimaryLost and the longest-connected standby is promoted.
func (b *Bridge) handleDisconnect(conn *Connection, cause error) {
	b.mu.Lock()
	if current, ok := b.conns[conn.ID]; !ok || current != conn {
		b.mu.Unlock()
		_ = conn.Close()
		return
	}
	delete(b.conns, conn.ID)

	wasPrimary := b.primaryID == conn.ID
	var lost []*pendingRequest
	if wasPrimary {
		b.primaryID = ""
		for id, p := range b.pending {
			delete(b.pending, id)
			lost = append(lost, p)
		}
		var oldest *Connection
		for _, c := range b.conns {
			if oldest == nil || c.ConnectedAt.Before(oldest.ConnectedAt) {
				oldest = c
			}
		}
		if oldest != nil {
			b.primaryID = oldest.ID
		}
	}
	promoted := b.primaryID
	remaining := len(b.conns)
	b.mu.Unlock()

	_ = conn.Close()
	for _, p := range lost {
		p.timer.Stop()
		b.abandoned.Add(p.id, abandonPrimaryLost)
		p.result <- outcome{err: fmt.Errorf("request %s (%s): %w", p.id, p.action, ErrPrimaryLost)}
	}

	b.logger.Info("=== CONTROLLER DISCONNECTED ===",
		"connection_id", conn.ID,
		"was_primary", wasPrimary,
		"cause", cause,
		"rejected_requests", len(lost),
		"total_connections", remaining,
	)
	if !wasPrimary {
		return
	}
	if promoted != "" {
		b.logger.Info("promoted standby controller to primary", "connection_id", promoted)
	} else {
		b.logger.Warn("no standby controller available, bridge disconnected")
	}
}

// PendingCount returns the number of requests awaiting a response.
func (b *Bridge) PendingCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Status summarizes the bridge for health reporting.
type Status struct {
	Connected         bool   `json:"connected"`
	PrimaryID         string `json:"primary_id,omitempty"`
	Connections       int    `json:"connections"`
	Standby           int    `json:"standby"`
	Pending           int    `json:"pending"`
	RequestsSent      uint64 `json:"requests_sent"`
	RequestsSucceeded uint64 `json:"requests_succeeded"`
	RequestsFailed    uint64 `json:"requests_failed"`
	RequestsTimedOut  uint64 `json:"requests_timed_out"`
	LateResponses     uint64 `json:"late_responses"`
}

// Status returns a snapshot of connection and request counters.
func (b *Bridge) Status() Status {
	b.mu.Lock()
	s := Status{
		Connected:   b.primaryID != "",
		PrimaryID:   b.primaryID,
		Connections: len(b.conns),
		Pending:     len(b.pending),
	}
	b.mu.Unlock()

	s.Standby = s.Connections
	if s.Connected {
		s.Standby--
	}
	s.RequestsSent = b.sent.Load()
	s.RequestsSucceeded = b.succeeded.Load()
	s.RequestsFailed = b.failed.Load()
	s.RequestsTimedOut = b.timedOut.Load()
	s.LateResponses = b.late.Load()
	return s
}

// Close rejects every pending request with ErrBridgeClosing, closes all
// connections and releases the listener. It is safe to call multiple times.
func (b *Bridge) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true

	conns := make([]*Connection, 0, len(b.conns))
	for id, c := range b.conns {
		conns = append(conns, c)
		delete(b.conns, id)
	}
	b.primaryID = ""

	pending := make([]*pendingRequest, 0, len(b.pending))
	for id, p := range b.pending {
		pending = append(pending, p)
		delete(b.pending, id)
	}
	server := b.server
	b.mu.Unlock()

	close(b.done)
	for _, p := range pending {
		p.timer.Stop()
		p.result <- outcome{err: fmt.Errorf("request %s (%s): %w", p.id, p.action, ErrBridgeClosing)}
	}
	for _, c := range conns {
		_ = c.Close()
	}

	var err error
	if server != nil {
		err = server.Close()
	}
	b.wg.Wait()

	b.logger.Info("controller bridge closed",
		"connections_closed", len(conns),
		"pending_rejected", len(pending),
	)
	return err
}
