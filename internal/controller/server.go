// ABOUTME: WebSocket endpoint that inbound controller processes dial into.
// ABOUTME: Each upgraded socket is handed to the Bridge for registration.

package controller

import (
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// Path is the HTTP path controllers connect to.
const Path = "/controller"

// maxFrameSize bounds a single inbound controller frame (screenshots and DOM dumps can be large).
const maxFrameSize = 32 * 1024 * 1024

var upgrader = websocket.Upgrader{
	ReadBufferSize:  64 * 1024,
	WriteBufferSize: 64 * 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Handler upgrades requests to WebSocket and registers them as controller connections.
func (b *Bridge) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			b.logger.Warn("controller upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
			return
		}
		conn.SetReadLimit(maxFrameSize)

		if _, err := b.RegisterConnection(conn); err != nil {
			b.logger.Warn("rejected controller connection", "remote_addr", r.RemoteAddr, "error", err)
		}
	})
}

// Serve accepts controller connections on ln until Close is called.
// The listener is owned by the bridge from this point on.
func (b *Bridge) Serve(ln net.Listener) error {
	mux := http.NewServeMux()
	mux.Handle(Path, b.Handler())

	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		_ = ln.Close()
		return ErrBridgeClosing
	}
	b.server = srv
	b.mu.Unlock()

	b.logger.Info("controller listener ready", "addr", ln.Addr().String(), "path", Path)
	err := srv.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
