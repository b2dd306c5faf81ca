package server

import (
	"net/http"

	"github.com/fulmenhq/gofulmen/signals"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	apperrors "github.com/bulwarkhq/bulwark/internal/errors"
	"github.com/bulwarkhq/bulwark/internal/observability"
	"github.com/bulwarkhq/bulwark/internal/server/handlers"
	servermw "github.com/bulwarkhq/bulwark/internal/server/middleware"
)

// registerRoutes installs the reserved routes, then hands every other path
// to the ingress proxy.
func (s *Server) registerRoutes() {
	s.router.Get("/health", s.health.HealthHandler)
	s.router.Get("/health/live", s.health.LivenessHandler)
	s.router.Get("/health/ready", s.health.ReadinessHandler)
	s.router.Get("/health/startup", s.health.StartupHandler)

	s.router.Get("/version", handlers.VersionHandler)
	s.router.Get("/metrics", MetricsHandler)

	s.registerAdminRoutes()

	s.router.Handle("/*", s.ingressHandler())
}

// registerAdminRoutes mounts /admin behind bearer auth when a token is set.
func (s *Server) registerAdminRoutes() {
	logger := observability.ServerLogger
	token := s.opts.AdminToken
	if token == "" {
		// Keep /admin reserved so it is never proxied to a backend.
		s.router.HandleFunc("/admin/*", func(w http.ResponseWriter, r *http.Request) {
			HandleError(w, r, apperrors.NewNotFoundError("admin API is disabled"))
		})
		if logger != nil {
			logger.Debug("Admin API disabled (no admin token configured)")
		}
		return
	}

	signalHandler := signals.NewHTTPHandler(signals.HTTPConfig{
		TokenAuth: token,
		RateLimit: 10, // per minute
		RateBurst: 5,
	})

	s.router.Route("/admin", func(r chi.Router) {
		r.Use(servermw.BearerAuth(token))
		r.Get("/snapshot", s.handleSnapshot)
		r.Get("/rules", s.handleListRules)
		r.Post("/rules", s.handleApplyRule)
		r.Delete("/rules/{ip}", s.handleRemoveRule)
		r.Post("/signal", signalHandler.ServeHTTP)
	})

	if logger != nil {
		logger.Info("Admin API enabled",
			zap.String("path", "/admin"),
			zap.String("auth", "bearer token"))
		logger.Warn("Admin API enabled - ensure this server is not exposed to public internet")
	}
}
