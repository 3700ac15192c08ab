// Package api is the HTTP control surface of the policy engine: connection
// evaluation, rule editing, network signals and a websocket change stream.
package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"grimm.is/appwall/internal/audit"
	"grimm.is/appwall/internal/brand"
	"grimm.is/appwall/internal/clock"
	"grimm.is/appwall/internal/engine"
	"grimm.is/appwall/internal/logging"
	"grimm.is/appwall/internal/metrics"
)

// ServerConfig holds HTTP server limits.
type ServerConfig struct {
	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int
	MaxBodyBytes      int64
	ShutdownTimeout   time.Duration
	ServeMetrics      bool
}

// DefaultServerConfig returns the default limits.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 16,
		MaxBodyBytes:      1 << 20,
		ShutdownTimeout:   10 * time.Second,
		ServeMetrics:      true,
	}
}

// Server handles API requests.
type Server struct {
	engine    *engine.Engine
	cfg       *ServerConfig
	logger    *logging.Logger
	metrics   *metrics.Registry
	history   *audit.Store
	ws        *WSManager
	startTime time.Time

	mux *http.ServeMux
}

// ServerOptions holds dependencies for the API server
type ServerOptions struct {
	Engine  *engine.Engine
	Config  *ServerConfig
	Logger  *logging.Logger
	Metrics *metrics.Registry // optional; /metrics is not served without it
	History *audit.Store      // optional; /api/history is not served without it
}

// NewServer creates a new API server with the provided options
func NewServer(opts ServerOptions) (*Server, error) {
	if opts.Engine == nil {
		return nil, errors.New("api: engine is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Default()
	}
	cfg := opts.Config
	if cfg == nil {
		cfg = DefaultServerConfig()
	}

	s := &Server{
		engine:    opts.Engine,
		cfg:       cfg,
		logger:    logger.WithComponent("api"),
		metrics:   opts.Metrics,
		history:   opts.History,
		startTime: clock.Now(),
	}
	if hub := opts.Engine.Events(); hub != nil {
		s.ws = NewWSManager(hub, s.logger)
	}
	s.initRoutes()
	return s, nil
}

// initRoutes initializes the HTTP router
func (s *Server) initRoutes() {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /api/status", s.handleStatus)

	// Decision path
	mux.HandleFunc("POST /api/evaluate", s.handleEvaluate)

	// App policies
	mux.HandleFunc("GET /api/apps", s.handleListApps)
	mux.HandleFunc("POST /api/apps/bulk", s.handleBulkApps)
	mux.HandleFunc("GET /api/apps/{uid}", s.handleGetApp)
	mux.HandleFunc("PUT /api/apps/{uid}/mode", s.handleSetAppMode)
	mux.HandleFunc("POST /api/apps/{uid}/toggle", s.handleToggleApp)
	mux.HandleFunc("POST /api/apps/{uid}/move", s.handleMoveApp)
	mux.HandleFunc("DELETE /api/apps/{uid}", s.handleResetApp)

	// IP rules
	mux.HandleFunc("GET /api/iprules", s.handleListIPRules)
	mux.HandleFunc("PUT /api/iprules", s.handleUpsertIPRule)
	mux.HandleFunc("DELETE /api/iprules", s.handleDeleteIPRule)
	mux.HandleFunc("PUT /api/iprules/proxy", s.handleAssignIPProxy)
	mux.HandleFunc("GET /api/iprules/resolve", s.handleResolveIP)

	// Domain rules
	mux.HandleFunc("GET /api/domainrules", s.handleListDomainRules)
	mux.HandleFunc("PUT /api/domainrules", s.handleUpsertDomainRule)
	mux.HandleFunc("DELETE /api/domainrules", s.handleDeleteDomainRule)
	mux.HandleFunc("PUT /api/domainrules/proxy", s.handleAssignDomainProxy)
	mux.HandleFunc("GET /api/domainrules/resolve", s.handleResolveDomain)

	// Proxy ledger, network signal, catalog
	mux.HandleFunc("GET /api/proxy", s.handleListProxies)
	mux.HandleFunc("GET /api/proxy/{cc}", s.handleGetProxy)
	mux.HandleFunc("GET /api/network", s.handleGetNetwork)
	mux.HandleFunc("PUT /api/network", s.handleSetNetwork)
	mux.HandleFunc("GET /api/ruleset", s.handleRuleset)
	mux.HandleFunc("GET /api/ruleset/{id}", s.handleRulesetEntry)
	mux.HandleFunc("GET /api/stats", s.handleStats)

	if s.history != nil {
		mux.HandleFunc("GET /api/history", s.handleHistory)
	}
	if s.ws != nil {
		mux.HandleFunc("GET /api/ws/events", s.handleEventsWS)
	}
	if s.metrics != nil && s.cfg.ServeMetrics {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}

	s.mux = mux
}

// Handler returns the instrumented router.
func (s *Server) Handler() http.Handler {
	return s.accessLog(s.mux)
}

// Serve listens on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.ServeListener(ctx, ln)
}

// ServeListener is Serve on an existing listener.
func (s *Server) ServeListener(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: s.cfg.ReadHeaderTimeout,
		ReadTimeout:       s.cfg.ReadTimeout,
		WriteTimeout:      s.cfg.WriteTimeout,
		IdleTimeout:       s.cfg.IdleTimeout,
		MaxHeaderBytes:    s.cfg.MaxHeaderBytes,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("API listening", "addr", ln.Addr().String(), "version", brand.Version)
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if s.ws != nil {
		s.ws.Close()
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	s.logger.Info("API stopped")
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// StatusResponse is the body of GET /api/status.
type StatusResponse struct {
	Name     string `json:"name"`
	Version  string `json:"version"`
	Uptime   string `json:"uptime"`
	Metering string `json:"metering"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if s.metrics != nil {
		s.metrics.UpdateUptime()
	}
	WriteJSON(w, http.StatusOK, StatusResponse{
		Name:     brand.Name,
		Version:  brand.Version,
		Uptime:   clock.Since(s.startTime).Truncate(time.Second).String(),
		Metering: s.engine.Metering().String(),
	})
}
