// Package server is the HTTP front of bulwark: the ingress proxy that admits
// or refuses traffic, the admin API and the health, version and metrics
// routes.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/bulwarkhq/bulwark/internal/core/detector"
	"github.com/bulwarkhq/bulwark/internal/core/engine"
	"github.com/bulwarkhq/bulwark/internal/core/mitigation"
	apperrors "github.com/bulwarkhq/bulwark/internal/errors"
	"github.com/bulwarkhq/bulwark/internal/observability"
	"github.com/bulwarkhq/bulwark/internal/server/handlers"
	servermw "github.com/bulwarkhq/bulwark/internal/server/middleware"
)

const (
	defaultReadTimeout  = 30 * time.Second
	defaultWriteTimeout = 30 * time.Second
	defaultIdleTimeout  = 120 * time.Second
	defaultMaxBodyBytes = 1 << 20
)

// Gateway is the engine surface the HTTP layer drives. *engine.Engine
// implements it.
type Gateway interface {
	Select(ctx context.Context, ip string) (*engine.Lease, *engine.Refusal)
	Release(l *engine.Lease)
	Record(ip, path, method string, size int64, status int) detector.Analysis
	Snapshot(ctx context.Context) engine.Snapshot
	Rules() []engine.RuleView
	ApplyRule(m engine.ManualRule) (mitigation.Rule, mitigation.Outcome, error)
	RemoveRule(target string) (mitigation.Rule, bool)
}

// Options configures a Server.
type Options struct {
	Host string
	Port int

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration

	// MaxBodyBytes caps request bodies forwarded to backends.
	MaxBodyBytes int64

	Gateway Gateway
	Health  *handlers.HealthManager

	// AdminToken enables the /admin routes. Empty leaves them unregistered.
	AdminToken string
}

// Server represents the HTTP server
type Server struct {
	router *chi.Mux
	server *http.Server
	opts   Options
	gw     Gateway
	health *handlers.HealthManager
}

// New creates a new HTTP server instance
func New(opts Options) (*Server, error) {
	if opts.Gateway == nil {
		return nil, errors.New("server requires a gateway")
	}
	if opts.Health == nil {
		opts.Health = handlers.NewHealthManager(handlers.AppVersion)
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = defaultMaxBodyBytes
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = defaultReadTimeout
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = defaultIdleTimeout
	}

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(servermw.RequestID)      // correlation first
	r.Use(servermw.RequestMetrics) // measure everything, refusals included
	r.Use(servermw.Recovery)

	r.MethodNotAllowed(func(w http.ResponseWriter, req *http.Request) {
		HandleError(w, req, apperrors.NewMethodNotAllowedError("The requested method is not allowed for this resource"))
	})

	s := &Server{
		router: r,
		opts:   opts,
		gw:     opts.Gateway,
		health: opts.Health,
	}

	s.registerRoutes()

	return s, nil
}

func (s *Server) addr() string {
	return net.JoinHostPort(s.opts.Host, strconv.Itoa(s.opts.Port))
}

func (s *Server) httpServer() *http.Server {
	s.server = &http.Server{
		Addr:         s.addr(),
		Handler:      s.router,
		ReadTimeout:  s.opts.ReadTimeout,
		WriteTimeout: s.opts.WriteTimeout,
		IdleTimeout:  s.opts.IdleTimeout,
	}
	return s.server
}

// Start listens on the configured address and serves until Shutdown.
func (s *Server) Start() error {
	srv := s.httpServer()
	logInfo("Starting HTTP server",
		zap.String("host", s.opts.Host),
		zap.Int("port", s.opts.Port),
		zap.String("addr", srv.Addr))
	return srv.ListenAndServe()
}

// Serve accepts connections on l until Shutdown.
func (s *Server) Serve(l net.Listener) error {
	srv := s.httpServer()
	logInfo("Starting HTTP server", zap.String("addr", l.Addr().String()))
	return srv.Serve(l)
}

// Shutdown gracefully shuts down the HTTP server
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	logInfo("Shutting down HTTP server")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

// Handler exposes the underlying router for testing and instrumentation
func (s *Server) Handler() http.Handler {
	return s.router
}

// Port returns the configured port.
func (s *Server) Port() int {
	return s.opts.Port
}

func logInfo(msg string, fields ...zap.Field) {
	if observability.ServerLogger != nil {
		observability.ServerLogger.Info(msg, fields...)
	}
}
