package cmd

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/fulmenhq/gofulmen/ascii"
	"github.com/spf13/cobra"

	"github.com/bulwarkhq/bulwark/internal/config"
	"github.com/bulwarkhq/bulwark/internal/observability"
	"github.com/bulwarkhq/bulwark/internal/output"
	"github.com/bulwarkhq/bulwark/internal/simulate"
)

const defaultSimulatedProcessing = 100 * time.Millisecond

var simConfig = simulate.DefaultConfig()

var simSimulatedOnly bool

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Drive the engine with synthetic normal and attack traffic",
	Long: `Run the admission engine in-process against the configured backend
pool and replay paced traffic from normal clients and attackers.

Attackers hammer a single endpoint with large POST bodies; normal clients
browse a spread of pages. The summary reports how many requests were
admitted or refused and which sources ended up blocked.`,
	Example: `  bulwark simulate --duration 30s --attackers 5 --attack-rate 80
  bulwark simulate -o json --out sim.json`,
	RunE: runSimulate,
}

func runSimulate(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if _, err := resolveOutputFormat(cmd); err != nil {
		return err
	}
	if err := simConfig.Validate(); err != nil {
		return err
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if simSimulatedOnly {
		cfg.Backends = simulatedPool(cfg.Backends)
	}

	st, err := buildStack(ctx, cfg, stackOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = st.close() }()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	st.start(runCtx)

	runner, err := simulate.NewRunner(st.engine, simConfig, observability.Component("simulate"))
	if err != nil {
		return err
	}

	_, _ = fmt.Fprint(cmd.ErrOrStderr(), ascii.DrawBox(simulationBanner(simConfig, cfg), 0))
	summary := runner.Run(runCtx)
	snap := st.engine.Snapshot(runCtx)

	return writeOutput(cmd, "simulate", func(f output.Formatter) (string, error) {
		report, err := f.FormatSimulation(summary)
		if err != nil {
			return "", err
		}
		format, _ := resolveOutputFormat(cmd)
		if format != output.FormatTable && format != output.FormatMarkdown {
			return report, nil
		}
		state, err := f.FormatSnapshot(snap)
		if err != nil {
			return "", err
		}
		return report + "\n" + state, nil
	})
}

func simulationBanner(sc simulate.Config, cfg *config.Config) string {
	lines := []string{
		"Traffic Simulation",
		"",
		fmt.Sprintf("duration:  %s", sc.Duration),
		fmt.Sprintf("normal:    %d clients @ %.1f req/s", sc.NormalClients, sc.NormalRate),
		fmt.Sprintf("attackers: %d clients @ %.1f req/s", sc.Attackers, sc.AttackRate),
		fmt.Sprintf("backends:  %d", len(cfg.Backends)),
		fmt.Sprintf("limiter:   %s", cfg.Mitigation.Limiter),
	}
	return strings.Join(lines, "\n")
}

// simulatedPool swaps HTTP members for simulated ones of the same size so a
// simulation never sends traffic to a real origin.
func simulatedPool(pool []config.BackendConfig) []config.BackendConfig {
	out := make([]config.BackendConfig, len(pool))
	for i, b := range pool {
		if b.Kind == config.BackendHTTP {
			b.Kind = config.BackendSimulated
			b.URL = ""
			if b.ProcessingTime <= 0 {
				b.ProcessingTime = defaultSimulatedProcessing
			}
		}
		out[i] = b
	}
	return out
}

func init() {
	rootCmd.AddCommand(simulateCmd)
	addOutputFlags(simulateCmd)

	f := simulateCmd.Flags()
	f.DurationVar(&simConfig.Duration, "duration", simConfig.Duration, "how long to generate traffic")
	f.IntVar(&simConfig.NormalClients, "clients", simConfig.NormalClients, "number of normal clients")
	f.Float64Var(&simConfig.NormalRate, "client-rate", simConfig.NormalRate, "requests per second per normal client")
	f.IntVar(&simConfig.Attackers, "attackers", simConfig.Attackers, "number of attacking clients")
	f.Float64Var(&simConfig.AttackRate, "attack-rate", simConfig.AttackRate, "requests per second per attacker")
	f.Uint64Var(&simConfig.Seed, "seed", simConfig.Seed, "seed for generated addresses, paths and sizes")
	f.BoolVar(&simSimulatedOnly, "simulated-only", true, "replace http backends with simulated ones")
}
