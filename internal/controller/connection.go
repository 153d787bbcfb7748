// ABOUTME: Represents a single connected controller and serializes writes to its socket.
// ABOUTME: Tracks the last time any frame arrived so the bridge can detect dead peers.

package controller

import (
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// Role is a connection's position in the failover order.
type Role string

const (
	RolePrimary Role = "primary"
	RoleStandby Role = "standby"
)

// writeTimeout bounds a single frame write on sockets that support deadlines.
const writeTimeout = 10 * time.Second

// Socket is the duplex message transport to a controller. *websocket.Conn
// satisfies it.
type Socket interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

type writeDeadliner interface {
	SetWriteDeadline(t time.Time) error
}

// Connection is one controller socket owned by the bridge.
type Connection struct {
	ID          string
	ConnectedAt time.Time

	socket   Socket
	writeMu  sync.Mutex
	lastSeen atomic.Int64
	logger   *slog.Logger

	closeOnce sync.Once
	done      chan struct{}
}

func newConnection(id string, socket Socket, now time.Time, logger *slog.Logger) *Connection {
	c := &Connection{
		ID:          id,
		ConnectedAt: now,
		socket:      socket,
		logger:      logger,
		done:        make(chan struct{}),
	}
	c.touch(now)
	return c
}

// send marshals v and writes it as a single text frame.
func (c *Connection) send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if d, ok := c.socket.(writeDeadliner); ok {
		_ = d.SetWriteDeadline(time.Now().Add(writeTimeout))
	}
	return c.socket.WriteMessage(websocket.TextMessage, data)
}

func (c *Connection) touch(t time.Time) {
	c.lastSeen.Store(t.UnixNano())
}

// LastSeen returns when the controller last sent any frame.
func (c *Connection) LastSeen() time.Time {
	return time.Unix(0, c.lastSeen.Load())
}

// Close closes the underlying socket. It is safe to call multiple times.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.socket.Close()
	})
	return err
}
