package cmd

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	errwrap "github.com/bulwarkhq/bulwark/internal/errors"
	"github.com/bulwarkhq/bulwark/internal/observability"
	"github.com/bulwarkhq/bulwark/internal/server/handlers"
)

var healthURL string

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Run self-health check",
	Long: `Run a self-health check: version metadata, logger and configuration.

With --url, also probe the readiness endpoint of a running server.`,
	Run: func(cmd *cobra.Command, args []string) {
		log := observability.CLILogger
		log.Info("Running health check...")

		if versionInfo.Version == "" {
			ExitWithCode(log, foundry.ExitConfigInvalid, "Version information missing", errwrap.NewConfigInvalidError("Version information missing"))
			return
		}
		log.Debug("Version check passed", zap.String("version", versionInfo.Version))
		log.Info("✅ Version information available")

		cfg, err := loadConfig()
		if err != nil {
			ExitWithCode(log, foundry.ExitConfigInvalid, "Configuration rejected", err)
			return
		}
		log.Info("✅ Configuration valid",
			zap.Int("backends", len(cfg.Backends)),
			zap.String("limiter", cfg.Mitigation.Limiter))

		if url := strings.TrimSpace(healthURL); url != "" {
			if err := probeReady(cmd.Context(), url); err != nil {
				ExitWithCode(log, foundry.ExitFailure, "Server not ready", err)
				return
			}
			log.Info("✅ Server ready", zap.String("url", url))
		}

		log.Info("")
		log.Info("✅ All health checks passed")
	},
}

func probeReady(ctx context.Context, base string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(base, "/")+"/health/ready", nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close() // nolint:errcheck // read-only probe
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("readiness returned %s", resp.Status)
	}
	return nil
}

// registerHealthCheckers installs the serve-time dependency checks.
func registerHealthCheckers(hm *handlers.HealthManager, st *stack) {
	hm.RegisterChecker("backends", handlers.CheckerFunc(func(context.Context) error {
		healthy := st.selector.HealthyCount()
		total := len(st.backends)
		switch {
		case healthy == 0:
			return errwrap.NewServiceUnavailableError("no healthy backends")
		case healthy < total:
			return fmt.Errorf("%w: %d of %d backends healthy", handlers.ErrDegraded, healthy, total)
		}
		return nil
	}))

	hm.RegisterChecker("telemetry", handlers.CheckerFunc(func(context.Context) error {
		if observability.TelemetrySystem == nil {
			return fmt.Errorf("%w: metrics exporter disabled", handlers.ErrDegraded)
		}
		return nil
	}))

	if st.db == nil {
		return
	}
	hm.RegisterChecker("journal", handlers.CheckerFunc(func(ctx context.Context) error {
		if err := st.db.CheckHealth(ctx); err != nil {
			return err
		}
		if stats := st.journal.Stats(); stats.Failed > 0 {
			return fmt.Errorf("%w: %d journal events failed to write", handlers.ErrDegraded, stats.Failed)
		}
		return nil
	}))
}

func init() {
	rootCmd.AddCommand(healthCmd)
	healthCmd.Flags().StringVar(&healthURL, "url", "", "base URL of a running server to probe (e.g. http://localhost:8080)")
}
