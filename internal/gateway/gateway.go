// ABOUTME: Gateway orchestrator that coordinates the client and controller servers
// ABOUTME: Owns the session manager, controller bridge, history store and their lifecycle

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
	"tailscale.com/tsnet"

	"github.com/2389/browser-gateway/internal/agent"
	"github.com/2389/browser-gateway/internal/config"
	"github.com/2389/browser-gateway/internal/controller"
	"github.com/2389/browser-gateway/internal/logging"
	"github.com/2389/browser-gateway/internal/session"
	"github.com/2389/browser-gateway/internal/stats"
	"github.com/2389/browser-gateway/internal/store"
)

const shutdownTimeout = 5 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  16 * 1024,
	WriteBufferSize: 16 * 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Gateway orchestrates the browser-gateway server components.
// It serves client sessions over HTTP and controller connections on a separate listener.
type Gateway struct {
	config      *config.Config
	logger      *slog.Logger
	bridge      *controller.Bridge
	sessions    *session.Manager
	sweeper     *session.Sweeper
	history     store.Store
	stats       *stats.Stats
	limiter     *rate.Limiter
	httpServer  *http.Server
	tsnetServer *tsnet.Server

	// baseCtx parents every client context and is cancelled on shutdown.
	baseCtx    context.Context
	baseCancel context.CancelFunc

	clientsMu sync.Mutex
	clients   map[string]*clientConn
	clientsWG sync.WaitGroup

	shutdownOnce sync.Once
	shutdownErr  error
}

// Option customizes a Gateway.
type Option func(*gatewayOptions)

type gatewayOptions struct {
	factory    agent.Factory
	history    store.Store
	historySet bool
}

// WithAgentFactory overrides the agent built for each session.
func WithAgentFactory(f agent.Factory) Option {
	return func(o *gatewayOptions) { o.factory = f }
}

// WithStore overrides the session history store. A nil store disables history.
func WithStore(s store.Store) Option {
	return func(o *gatewayOptions) {
		o.history = s
		o.historySet = true
	}
}

// New creates a Gateway from cfg. Nothing listens until Run is called.
func New(cfg *config.Config, logger *slog.Logger, opts ...Option) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var o gatewayOptions
	for _, opt := range opts {
		opt(&o)
	}

	if o.factory == nil {
		f, err := agentFactory(cfg.Agent)
		if err != nil {
			return nil, err
		}
		o.factory = f
	}

	if !o.historySet && cfg.Database.Path != "" {
		s, err := store.NewSQLiteStore(cfg.Database.Path, logger)
		if err != nil {
			return nil, fmt.Errorf("opening session history: %w", err)
		}
		o.history = s
	}

	baseCtx, baseCancel := context.WithCancel(context.Background())
	gw := &Gateway{
		config:     cfg,
		logger:     logger.With("component", logging.CompGateway),
		history:    o.history,
		stats:      stats.New(),
		baseCtx:    baseCtx,
		baseCancel: baseCancel,
		clients:    make(map[string]*clientConn),
	}

	gw.bridge = controller.NewBridge(controller.Config{
		RequestTimeout: cfg.Controller.RequestTimeout,
		PingInterval:   cfg.Controller.PingInterval,
		PongTimeout:    cfg.Controller.PongTimeout,
		Logger:         logger.With("component", logging.CompController),
	})

	gw.sessions = session.NewManager(session.Config{
		MaxSessions: cfg.Capacity.MaxSessions,
		IdleTimeout: cfg.Capacity.IdleTimeout,
		Factory:     o.factory,
		Logger:      logger.With("component", logging.CompSession),
	})
	gw.sweeper = session.NewSweeper(gw.sessions, cfg.Capacity.SweepInterval, gw.handleEvicted, logger.With("component", logging.CompSweeper))

	if cfg.Server.AdmissionRate > 0 {
		burst := cfg.Server.AdmissionBurst
		if burst <= 0 {
			burst = max(1, int(cfg.Server.AdmissionRate))
		}
		gw.limiter = rate.NewLimiter(rate.Limit(cfg.Server.AdmissionRate), burst)
	}

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           gw.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return gw, nil
}

// agentFactory builds the configured agent kind.
func agentFactory(cfg config.AgentConfig) (agent.Factory, error) {
	switch cfg.Kind {
	case "", config.AgentDirect:
		return agent.NewDirectAgent, nil
	case config.AgentProcess:
		return agent.NewProcessFactory(agent.ProcessOptions{
			Command: cfg.Command,
			Args:    cfg.Args,
			Env:     cfg.Env,
			Dir:     cfg.Dir,
		}), nil
	default:
		return nil, fmt.Errorf("unknown agent kind %q", cfg.Kind)
	}
}

// Handler returns the client-facing HTTP routes.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", g.handleWebSocket)
	mux.HandleFunc("/health", g.handleHealth)
	mux.HandleFunc("/health/ready", g.handleReady)
	mux.HandleFunc("/api/sessions", g.handleSessions)
	return mux
}

// Bridge exposes the controller bridge, mainly for tests and embedding.
func (g *Gateway) Bridge() *controller.Bridge {
	return g.bridge
}

// handleWebSocket admits a client: rate limit, capacity reservation, upgrade,
// then session creation. Over capacity the request is refused before upgrading.
func (g *Gateway) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if g.limiter != nil && !g.limiter.Allow() {
		g.stats.ConnectionLimited()
		g.sendJSONError(w, http.StatusTooManyRequests, errTooManyAttempts)
		return
	}

	res, err := g.sessions.Reserve()
	if err != nil {
		g.stats.ConnectionRejected()
		c := g.sessions.Capacity()
		g.logger.Warn("rejecting client, at capacity",
			"remote_addr", r.RemoteAddr,
			"active", c.Active,
			"max", c.Max,
		)
		g.sendJSONError(w, http.StatusServiceUnavailable, errCapacityExceeded)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		res.Release()
		g.logger.Warn("client upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}

	id := uuid.NewString()
	sess, err := g.sessions.CreateFromReservation(g.baseCtx, res, id, agent.Config{
		Controller: g.bridge,
		Logger:     g.logger.With("component", logging.CompAgent),
	})
	if err != nil {
		g.logger.Error("creating session failed", "error", err)
		msg := websocket.FormatCloseMessage(CloseAgentFailure, "agent unavailable")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGracePeriod))
		_ = conn.Close()
		return
	}

	c := newClientConn(g, conn, sess)
	if !g.addClient(c) {
		c.terminate(store.ReasonShutdown, websocket.CloseGoingAway, "gateway shutting down")
		c.finish()
		return
	}
	defer g.removeClient(c)

	g.stats.ConnectionAccepted()
	g.recordOpened(id, r.RemoteAddr, sess.CreatedAt)

	g.logger.Info("=== CLIENT CONNECTED ===",
		"session_id", id,
		"remote_addr", r.RemoteAddr,
	)

	err = c.send(ServerFrame{
		Type: FrameConnection,
		Data: ConnectionData{
			Status:    "connected",
			SessionID: id,
			Timestamp: time.Now().UnixMilli(),
		},
	})
	if err == nil {
		c.serve()
	}
	c.finish()
}

// addClient registers c unless the gateway is shutting down.
func (g *Gateway) addClient(c *clientConn) bool {
	g.clientsMu.Lock()
	defer g.clientsMu.Unlock()

	if g.baseCtx.Err() != nil {
		return false
	}
	g.clients[c.id] = c
	g.clientsWG.Add(1)
	return true
}

func (g *Gateway) removeClient(c *clientConn) {
	g.clientsMu.Lock()
	delete(g.clients, c.id)
	g.clientsMu.Unlock()
	g.clientsWG.Done()
}

func (g *Gateway) client(id string) (*clientConn, bool) {
	g.clientsMu.Lock()
	defer g.clientsMu.Unlock()
	c, ok := g.clients[id]
	return c, ok
}

// handleEvicted closes the sockets of sessions the sweeper removed.
func (g *Gateway) handleEvicted(infos []session.Info) {
	g.stats.IdleEvicted(len(infos))
	for _, info := range infos {
		if c, ok := g.client(info.ID); ok {
			c.terminate(store.ReasonIdleTimeout, CloseIdleTimeout, "idle timeout")
		}
	}
}

func (g *Gateway) recordOpened(id, remoteAddr string, at time.Time) {
	if g.history == nil {
		return
	}
	ctx, cancel := context.WithTimeout(g.baseCtx, 5*time.Second)
	defer cancel()
	if err := g.history.RecordSessionOpened(ctx, id, remoteAddr, at); err != nil {
		g.logger.Warn("recording session open", "session_id", id, "error", err)
	}
}

func (g *Gateway) recordClosed(ctx context.Context, id, reason string, messages int) {
	if g.history == nil {
		return
	}
	if err := g.history.RecordSessionClosed(ctx, id, reason, messages, time.Now()); err != nil {
		g.logger.Warn("recording session close", "session_id", id, "error", err)
	}
}

// setupTCPListeners creates standard TCP listeners for clients and controllers.
func (g *Gateway) setupTCPListeners() (httpLn, ctrlLn net.Listener, err error) {
	g.logger.Info("starting gateway",
		"http_addr", g.config.Server.HTTPAddr,
		"controller_addr", g.config.Server.ControllerAddr,
	)

	httpLn, err = net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("listening on HTTP address: %w", err)
	}

	ctrlLn, err = net.Listen("tcp", g.config.Server.ControllerAddr)
	if err != nil {
		_ = httpLn.Close()
		return nil, nil, fmt.Errorf("listening on controller address: %w", err)
	}

	return httpLn, ctrlLn, nil
}

// setupListeners creates listeners based on configuration (Tailscale or TCP).
func (g *Gateway) setupListeners(ctx context.Context) (httpLn, ctrlLn net.Listener, err error) {
	if g.config.Tailscale.Enabled {
		return g.setupTailscaleListeners(ctx)
	}
	return g.setupTCPListeners()
}

// Run starts the servers and the idle sweeper, and blocks until ctx is
// cancelled or a server fails. Shutdown always runs before Run returns.
// Returns nil on graceful shutdown.
func (g *Gateway) Run(ctx context.Context) error {
	httpLn, ctrlLn, err := g.setupListeners(ctx)
	if err != nil {
		return err
	}
	return g.serve(ctx, httpLn, ctrlLn)
}

func (g *Gateway) serve(ctx context.Context, httpLn, ctrlLn net.Listener) error {
	eg, egCtx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		g.logger.Info("HTTP server listening", "addr", httpLn.Addr().String())
		if err := g.httpServer.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server: %w", err)
		}
		return nil
	})

	eg.Go(func() error {
		if err := g.bridge.Serve(ctrlLn); err != nil && !errors.Is(err, controller.ErrBridgeClosing) {
			return fmt.Errorf("controller server: %w", err)
		}
		return nil
	})

	eg.Go(func() error {
		g.sweeper.Run(egCtx)
		return nil
	})

	eg.Go(func() error {
		<-egCtx.Done()
		if ctx.Err() != nil {
			g.logger.Info("context canceled, initiating shutdown")
		}
		return g.gracefulShutdown()
	})

	return eg.Wait()
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// Uses context.Background() since the run context is already canceled.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return g.Shutdown(ctx)
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown stops accepting clients, disconnects every client with a going-away
// close frame, destroys all sessions, then closes the bridge and store.
// Safe to call multiple times.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.shutdownOnce.Do(func() {
		g.shutdownErr = g.shutdown(ctx)
	})
	return g.shutdownErr
}

func (g *Gateway) shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))

	g.clientsMu.Lock()
	g.baseCancel()
	clients := make([]*clientConn, 0, len(g.clients))
	for _, c := range g.clients {
		clients = append(clients, c)
	}
	g.clientsMu.Unlock()

	for _, c := range clients {
		c.terminate(store.ReasonShutdown, websocket.CloseGoingAway, "gateway shutting down")
	}

	drained := make(chan struct{})
	go func() {
		g.clientsWG.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
		g.logger.Warn("timed out waiting for clients to disconnect")
	}

	errs = appendCloseError(errs, "session close", g.sessions.Close(ctx))
	errs = appendCloseError(errs, "controller bridge close", g.bridge.Close())

	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}
	if g.history != nil {
		errs = appendCloseError(errs, "store close", g.history.Close())
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
	}
	return nil
}
