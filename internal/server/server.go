// Package server implements the ECP transport core: the WebSocket
// listener, the per-connection auth state machine, the dispatch
// pipeline and the notification broker.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/codedeck/ecpd/internal/adapter/registry"
	"github.com/codedeck/ecpd/internal/adapter/system"
	"github.com/codedeck/ecpd/internal/config"
	"github.com/codedeck/ecpd/internal/domain/auth"
	"github.com/codedeck/ecpd/internal/domain/middleware"
	"github.com/codedeck/ecpd/pkg/ecp"
)

// Default buffer sizes for the WebSocket upgrader.
const (
	wsReadBufferSize  = 4096
	wsWriteBufferSize = 4096
)

// Server multiplexes ECP clients over WebSocket. One instance owns the
// connection table, the adapter registry and the middleware chain.
type Server struct {
	cfg      *config.Config
	logger   *slog.Logger
	registry *registry.Registry
	chain    *middleware.Chain
	verifier *auth.Verifier

	metrics *Metrics
	promReg *prometheus.Registry
	tracer  trace.Tracer

	httpServer *http.Server
	listener   net.Listener

	mu      sync.RWMutex
	conns   map[uint64]*Conn
	connSeq atomic.Uint64

	baseCtx   context.Context
	startTime time.Time
}

// New creates a server. The registry and chain are assembled by the
// caller; the server only drives them. The verifier must not be nil.
func New(cfg *config.Config, logger *slog.Logger, reg *registry.Registry, chain *middleware.Chain, verifier *auth.Verifier) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return &Server{
		cfg:       cfg,
		logger:    logger,
		registry:  reg,
		chain:     chain,
		verifier:  verifier,
		metrics:   NewMetrics(promReg),
		promReg:   promReg,
		tracer:    otel.Tracer("ecpd/server"),
		conns:     make(map[uint64]*Conn),
		baseCtx:   context.Background(),
		startTime: time.Now(),
	}
}

// Handler builds the HTTP mux: the WebSocket endpoint, health and
// metrics, and the optional static file server as the catch-all.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", promhttp.HandlerFor(s.promReg, promhttp.HandlerOpts{
		Registry: s.promReg,
	}))
	mux.Handle("/favicon.ico", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	if s.cfg.Static.Enabled {
		mux.Handle("/", newStaticHandler(s.cfg.Static, s.logger))
	}
	return mux
}

// Start binds the listener and serves until the context is cancelled.
// Port 0 picks an ephemeral port; Addr reports the bound address once
// Start has returned from net.Listen.
func (s *Server) Start(ctx context.Context) error {
	s.baseCtx = ctx

	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = ln

	if s.cfg.Server.Host == "0.0.0.0" && len(s.cfg.Server.AllowedOrigins) == 0 {
		s.logger.Warn("listening on all interfaces without an origin allow-list; any local browser page can attempt a connection")
	}

	s.httpServer = &http.Server{Handler: s.Handler()}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", "addr", ln.Addr().String())
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	go s.heartbeatLoop(ctx)

	select {
	case <-ctx.Done():
		s.logger.Info("shutdown requested")
		return s.Shutdown()
	case err := <-errCh:
		return err
	}
}

// Addr reports the bound listener address, empty before Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Shutdown closes every connection with a normal-closure frame and
// stops the HTTP server.
func (s *Server) Shutdown() error {
	s.mu.RLock()
	conns := make([]*Conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.RUnlock()

	for _, c := range conns {
		c.closeWith(websocket.CloseNormalClosure, "Server shutting down")
	}

	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Error("error during server shutdown", "error", err)
		return err
	}
	s.logger.Info("server shutdown complete")
	return nil
}

// Status snapshots the counters reported by the system adapter and the
// health endpoint.
func (s *Server) Status() system.Status {
	s.mu.RLock()
	clients := len(s.conns)
	authenticated := 0
	for _, c := range s.conns {
		if c.State() == auth.StateAuthenticated {
			authenticated++
		}
	}
	s.mu.RUnlock()

	return system.Status{
		Clients:       clients,
		Authenticated: authenticated,
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
		WorkspaceRoot: s.cfg.Server.Workspace,
		ServerVersion: ecp.Version,
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Server.CORSEnabled {
		w.Header().Set("Access-Control-Allow-Origin", "*")
	}
	status := s.Status()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":         "ok",
		"clients":        status.Clients,
		"authenticated":  status.Authenticated,
		"uptime_seconds": status.UptimeSeconds,
		"version":        status.ServerVersion,
	})
}

// handleWebSocket upgrades the request and runs the connection's read
// loop until the peer goes away.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	active := len(s.conns)
	s.mu.RUnlock()
	if active >= s.cfg.Server.MaxConnections {
		s.logger.Warn("connection limit reached, refusing upgrade",
			"active", active, "limit", s.cfg.Server.MaxConnections)
		http.Error(w, "connection limit reached", http.StatusServiceUnavailable)
		return
	}

	// Deprecated query-parameter auth: verified before the upgrade so a
	// bad token costs one HTTP 401, not a socket.
	legacyToken := ""
	if s.cfg.Auth.AllowLegacy {
		legacyToken = r.URL.Query().Get("token")
		if legacyToken != "" {
			ok, err := s.verifier.Verify(legacyToken)
			if err != nil || !ok {
				s.metrics.HandshakeFailures.WithLabelValues("legacy_token").Inc()
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
		}
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  wsReadBufferSize,
		WriteBufferSize: wsWriteBufferSize,
		CheckOrigin: func(r *http.Request) bool {
			return originAllowed(r, s.cfg.Server.Host, s.cfg.Server.AllowedOrigins)
		},
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}

	c := newConn(s.connSeq.Add(1), ws, s.logger)

	if !s.addConn(c) {
		s.logger.Warn("connection limit reached, closing upgraded socket",
			"remote_addr", c.remote, "limit", s.cfg.Server.MaxConnections)
		msg := websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "connection limit reached")
		_ = ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		_ = ws.Close()
		return
	}
	s.metrics.ConnectionsTotal.Inc()
	s.metrics.ConnectionsActive.Inc()

	s.logger.Info("client connected",
		"conn_id", c.id,
		"remote_addr", c.remote,
		"legacy_auth", legacyToken != "",
	)

	go c.writePump()

	if legacyToken != "" {
		s.authenticateLegacy(c)
	} else {
		c.sendNotification(ecp.NotifyAuthRequired, map[string]any{
			"serverVersion": ecp.Version,
			"timeout":       s.cfg.Server.HandshakeTimeout.Milliseconds(),
		})
		c.armHandshakeTimer(s.cfg.Server.HandshakeTimeout, func() {
			s.expireHandshake(c)
		})
	}

	s.readLoop(c)
}

// readLoop reads frames until the socket closes. It is the only
// goroutine that mutates the connection's auth state.
func (s *Server) readLoop(c *Conn) {
	defer s.removeConn(c)

	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetPongHandler(func(string) error {
		c.touch()
		return nil
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.logger.Warn("websocket read error", "conn_id", c.id, "error", err)
			}
			return
		}
		s.dispatch(s.baseCtx, c, data)
	}
}

// addConn inserts c into the table unless it is at capacity. The count
// check and the insert share the write lock, so racing upgrades cannot
// push the table past the limit.
func (s *Server) addConn(c *Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.conns) >= s.cfg.Server.MaxConnections {
		return false
	}
	s.conns[c.id] = c
	return true
}

func (s *Server) removeConn(c *Conn) {
	c.closeWith(websocket.CloseNormalClosure, "")

	s.mu.Lock()
	_, present := s.conns[c.id]
	delete(s.conns, c.id)
	s.mu.Unlock()

	if present {
		s.metrics.ConnectionsActive.Dec()
		if c.State() == auth.StateAuthenticated {
			s.metrics.AuthenticatedActive.Dec()
		}
		s.logger.Info("client disconnected",
			"conn_id", c.id,
			"session_id", c.SessionID(),
			"connected_for", time.Since(c.connectedAt).Round(time.Millisecond),
		)
	}
}
