package cmd

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/fulmenhq/gofulmen/signals"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/bulwarkhq/bulwark/internal/appid"
	"github.com/bulwarkhq/bulwark/internal/config"
	"github.com/bulwarkhq/bulwark/internal/core/detector"
	errwrap "github.com/bulwarkhq/bulwark/internal/errors"
	"github.com/bulwarkhq/bulwark/internal/metrics"
	"github.com/bulwarkhq/bulwark/internal/observability"
	"github.com/bulwarkhq/bulwark/internal/server"
	"github.com/bulwarkhq/bulwark/internal/server/handlers"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the admission proxy",
	Long: `Start the admission proxy in front of the configured backend pool.

Every request outside /health, /version, /metrics and /admin is checked
against the mitigation rules, forwarded to the best healthy backend and
then fed to the detector.

Signal Handling:
  • Ctrl+C (SIGINT) or SIGTERM: Graceful shutdown
  • Ctrl+C twice within 2s: Force quit
  • SIGHUP: Reload detection thresholds from the config file`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	identity := appid.Get()
	namespace := identity.TelemetryNamespace()

	cfg, err := loadConfig()
	if err != nil {
		return errwrap.WrapConfigInvalid(ctx, err, "configuration rejected")
	}

	observability.InitServerLogger(observability.ServerLoggerOptions{
		Service:   identity.BinaryName,
		Level:     cfg.Logging.Level,
		Profile:   cfg.Logging.Profile,
		Namespace: namespace,
	})
	log := observability.ServerLogger

	if cfg.Metrics.Enabled {
		if err := observability.InitMetrics(observability.MetricsOptions{
			Namespace: namespace,
			Port:      cfg.Metrics.Port,
		}); err != nil {
			log.Error("Failed to initialize metrics", zap.Error(err))
			return errwrap.WrapInternal(ctx, err, "metrics initialization failed")
		}
	}

	st, err := buildStack(ctx, cfg, stackOptions{withJournal: true})
	if err != nil {
		return errwrap.WrapInternal(ctx, err, "engine assembly failed")
	}

	health := handlers.NewHealthManager(versionInfo.Version)
	registerHealthCheckers(health, st)

	srv, err := server.New(server.Options{
		Host:         cfg.Server.Host,
		Port:         cfg.Server.Port,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
		MaxBodyBytes: cfg.Server.MaxBodyBytes,
		Gateway:      st.engine,
		Health:       health,
		AdminToken:   adminToken(cfg),
	})
	if err != nil {
		_ = st.close()
		return errwrap.WrapInternal(ctx, err, "server setup failed")
	}

	log.Info("Initializing server",
		zap.String("service", identity.BinaryName),
		zap.String("namespace", namespace),
		zap.String("version", versionInfo.Version),
		zap.String("host", cfg.Server.Host),
		zap.Int("port", cfg.Server.Port),
		zap.Int("backends", len(st.backends)),
		zap.String("limiter", cfg.Mitigation.Limiter),
		zap.Bool("journal", st.journal != nil),
		zap.Int("metrics_port", observability.GetMetricsPort()))

	engineCtx, stopEngine := context.WithCancel(context.Background())
	st.start(engineCtx)

	reloader := &thresholdReloader{apply: st.engine.Reload}
	watchConfig(reloader)

	// Shutdown handlers run LIFO: server, then engine, then metrics, then logger.
	signals.OnShutdown(func(ctx context.Context) error {
		if err := log.Sync(); err != nil {
			log.Warn("Logger sync returned error (may be benign)", zap.Error(err))
		}
		return nil
	})
	signals.OnShutdown(func(ctx context.Context) error {
		if err := observability.ShutdownMetrics(); err != nil {
			log.Warn("Metrics exporter stop failed", zap.Error(err))
		}
		return nil
	})
	signals.OnShutdown(func(ctx context.Context) error {
		log.Info("Stopping engine...")
		stopEngine()
		if err := st.close(); err != nil {
			log.Warn("Engine shutdown reported errors", zap.Error(err))
		}
		return nil
	})
	signals.OnShutdown(func(ctx context.Context) error {
		log.Info("Shutting down HTTP server...")
		shutdownCtx, cancel := context.WithTimeout(ctx, cfg.Server.ShutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			return errwrap.WrapInternal(ctx, err, "server shutdown failed")
		}
		log.Info("HTTP server stopped gracefully")
		return nil
	})

	signals.OnReload(func(ctx context.Context) error {
		log.Info("Received SIGHUP: reloading detection thresholds")
		if err := viper.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return errwrap.WrapConfigInvalid(ctx, err, "config reload failed")
			}
		}
		if err := reloader.reload(); err != nil {
			return errwrap.WrapConfigInvalid(ctx, err, "config reload failed")
		}
		return nil
	})

	if err := signals.EnableDoubleTap(signals.DoubleTapConfig{
		Window:  2 * time.Second,
		Message: "Press Ctrl+C again within 2 seconds to force quit",
	}); err != nil {
		log.Warn("Failed to enable double-tap force quit", zap.Error(err))
	}

	metrics.SetServerStartTime(time.Now().Unix())
	health.MarkStarted()

	errChan := make(chan error, 1)
	go func() {
		log.Info("Starting HTTP server...",
			zap.String("host", cfg.Server.Host),
			zap.Int("port", cfg.Server.Port))
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	go func() {
		if err := signals.Listen(ctx); err != nil {
			log.Error("Signal handler error", zap.Error(err))
			errChan <- err
		}
	}()

	if err := <-errChan; err != nil {
		stopEngine()
		_ = st.close()
		return errwrap.WrapInternal(ctx, err, "server error")
	}
	return nil
}

// adminToken is admin.token (BULWARK_ADMIN_TOKEN), or empty when the admin
// API is disabled.
func adminToken(cfg *config.Config) string {
	if !cfg.Admin.Enabled {
		return ""
	}
	return cfg.Admin.Token
}

// thresholdReloader re-reads the config and pushes the detection thresholds
// to the engine. Reloads are serialized.
type thresholdReloader struct {
	mu    sync.Mutex
	apply func(th detector.Thresholds) error
}

func (r *thresholdReloader) reload() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := r.apply(cfg.Detection.Thresholds); err != nil {
		return err
	}
	if log := observability.ServerLogger; log != nil {
		th := cfg.Detection.Thresholds
		log.Info("Detection thresholds reloaded",
			zap.Float64("request_rate", th.RequestRate),
			zap.Float64("failure_rate", th.FailureRate),
			zap.Float64("pattern_score", th.PatternScore),
			zap.Float64("burst_score", th.BurstScore))
	}
	return nil
}

// watchConfig reloads thresholds whenever the config file changes on disk.
func watchConfig(r *thresholdReloader) {
	if viper.ConfigFileUsed() == "" {
		return
	}
	viper.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		if err := r.reload(); err != nil && observability.ServerLogger != nil {
			observability.ServerLogger.Warn("Ignoring config change",
				zap.String("file", e.Name),
				zap.Error(fmt.Errorf("reload thresholds: %w", err)))
		}
	})
	viper.WatchConfig()
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("host", "localhost", "server host")
	serveCmd.Flags().IntP("port", "p", 8080, "server port")
	serveCmd.Flags().String("admin-token", "", "bearer token for the /admin API (env BULWARK_ADMIN_TOKEN)")

	_ = viper.BindPFlag("server.host", serveCmd.Flags().Lookup("host"))
	_ = viper.BindPFlag("server.port", serveCmd.Flags().Lookup("port"))
	_ = viper.BindPFlag("admin.token", serveCmd.Flags().Lookup("admin-token"))
}
