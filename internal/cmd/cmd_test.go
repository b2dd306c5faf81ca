package cmd

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	gferrors "github.com/fulmenhq/gofulmen/errors"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bulwarkhq/bulwark/internal/config"
	"github.com/bulwarkhq/bulwark/internal/core/engine"
	"github.com/bulwarkhq/bulwark/internal/core/mitigation"
	"github.com/bulwarkhq/bulwark/internal/output"
	"github.com/bulwarkhq/bulwark/internal/simulate"
)

func newOutputCommand(t *testing.T, args ...string) (*cobra.Command, *bytes.Buffer) {
	t.Helper()
	c := &cobra.Command{Use: "test"}
	addOutputFlags(c)
	require.NoError(t, c.ParseFlags(args))
	var buf bytes.Buffer
	c.SetOut(&buf)
	return c, &buf
}

func TestWriteOutput(t *testing.T) {
	rules := []engine.RuleView{{Rule: mitigation.Rule{Target: "192.0.2.1", Action: "block", Score: 0.9}}}
	render := func(f output.Formatter) (string, error) { return f.FormatRules(rules) }

	t.Run("Stdout", func(t *testing.T) {
		c, buf := newOutputCommand(t, "-o", "json")
		require.NoError(t, writeOutput(c, "rules", render))
		assert.True(t, strings.HasPrefix(buf.String(), "["))
		assert.Contains(t, buf.String(), `"target": "192.0.2.1"`)
	})

	t.Run("OutDir", func(t *testing.T) {
		dir := filepath.Join(t.TempDir(), "reports")
		c, buf := newOutputCommand(t, "-o", "yaml", "--out-dir", dir)
		require.NoError(t, writeOutput(c, "rules", render))
		assert.Empty(t, buf.String())

		data, err := os.ReadFile(filepath.Join(dir, "rules.yaml"))
		require.NoError(t, err)
		assert.Contains(t, string(data), "target: 192.0.2.1")
	})

	t.Run("ExclusiveTargets", func(t *testing.T) {
		c, _ := newOutputCommand(t, "--out", "a.txt", "--out-dir", "b")
		require.Error(t, writeOutput(c, "rules", render))
	})

	t.Run("UnknownFormat", func(t *testing.T) {
		c, _ := newOutputCommand(t, "-o", "xml")
		require.Error(t, writeOutput(c, "rules", render))
	})
}

func TestRuleRequestFromFlags(t *testing.T) {
	reset := func() {
		ruleAction, ruleDuration, ruleReason = "block", 0, ""
		ruleScore, ruleRateLimit, ruleForce = 0, 0, false
	}
	t.Cleanup(reset)

	newCmd := func(t *testing.T, args ...string) *cobra.Command {
		c := &cobra.Command{Use: "apply"}
		c.Flags().Float64Var(&ruleRateLimit, "rate-limit", 0, "")
		require.NoError(t, c.ParseFlags(args))
		return c
	}

	t.Run("Throttle", func(t *testing.T) {
		reset()
		ruleAction, ruleDuration = "throttle", 90*time.Second
		req, err := ruleRequestFromFlags(newCmd(t, "--rate-limit", "5"), " 198.51.100.4 ")
		require.NoError(t, err)
		assert.Equal(t, "198.51.100.4", req.Target)
		assert.Equal(t, "1m30s", req.Duration)
		require.NotNil(t, req.RateLimit)
		assert.Equal(t, 5.0, *req.RateLimit)
	})

	t.Run("DefaultsLeftToServer", func(t *testing.T) {
		reset()
		req, err := ruleRequestFromFlags(newCmd(t), "198.51.100.4")
		require.NoError(t, err)
		assert.Empty(t, req.Duration)
		assert.Nil(t, req.RateLimit)
	})

	t.Run("Rejected", func(t *testing.T) {
		reset()
		_, err := ruleRequestFromFlags(newCmd(t, "--rate-limit", "0"), "198.51.100.4")
		require.Error(t, err)

		reset()
		_, err = ruleRequestFromFlags(newCmd(t), " ")
		require.Error(t, err)

		reset()
		ruleDuration = -time.Second
		_, err = ruleRequestFromFlags(newCmd(t), "198.51.100.4")
		require.Error(t, err)
	})
}

func TestHistoryQuery(t *testing.T) {
	t.Cleanup(func() { historyTarget, historyKind, historySince, historyLimit = "", "", 0, 100 })
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	historyTarget, historyKind, historySince, historyLimit = " 192.0.2.8 ", "Removed", time.Hour, 20
	q, err := historyQuery(now)
	require.NoError(t, err)
	assert.Equal(t, "192.0.2.8", q.Target)
	assert.Equal(t, mitigation.ChangeRemoved, q.Kind)
	assert.Equal(t, now.Add(-time.Hour), q.Since)
	assert.Equal(t, 20, q.Limit)

	historySince = -time.Minute
	_, err = historyQuery(now)
	require.Error(t, err)

	historySince, historyLimit = 0, -1
	_, err = historyQuery(now)
	require.Error(t, err)
}

func TestSimulatedPool(t *testing.T) {
	pool := []config.BackendConfig{
		{Name: "origin", Kind: config.BackendHTTP, URL: "http://10.0.0.5", MaxConnections: 50},
		{Name: "sim", Kind: config.BackendSimulated, MaxConnections: 10, ProcessingTime: time.Millisecond},
	}
	out := simulatedPool(pool)
	require.Len(t, out, 2)
	assert.Equal(t, config.BackendSimulated, out[0].Kind)
	assert.Empty(t, out[0].URL)
	assert.Equal(t, 50, out[0].MaxConnections)
	assert.Equal(t, defaultSimulatedProcessing, out[0].ProcessingTime)
	assert.Equal(t, pool[1], out[1])
	assert.Equal(t, config.BackendHTTP, pool[0].Kind, "input is not modified")
}

func TestSimulationBanner(t *testing.T) {
	cfg := &config.Config{
		Backends:   make([]config.BackendConfig, 3),
		Mitigation: config.MitigationConfig{Limiter: config.LimiterMemory},
	}
	banner := simulationBanner(simulate.DefaultConfig(), cfg)
	assert.Contains(t, banner, "attackers: 3 clients @ 50.0 req/s")
	assert.Contains(t, banner, "backends:  3")
	assert.Contains(t, banner, "limiter:   memory")
}

func TestWriteVersion(t *testing.T) {
	prev := versionInfo
	t.Cleanup(func() { versionInfo = prev })
	SetVersionInfo("1.2.3", "abc123", "2026-10-01")

	var short bytes.Buffer
	writeVersion(&short, false)
	assert.Equal(t, "bulwark 1.2.3\n", short.String())

	var long bytes.Buffer
	writeVersion(&long, true)
	assert.Contains(t, long.String(), "Commit: abc123")
	assert.Contains(t, long.String(), "Gofulmen: ")
	assert.Contains(t, long.String(), "Crucible: ")
}

func TestDescribeFailure(t *testing.T) {
	assert.Equal(t, "FATAL: boom", describeFailure("boom", nil))
	assert.Equal(t, "FATAL: boom: disk full", describeFailure("boom", errors.New("disk full")))

	env := gferrors.NewErrorEnvelope("CONFIG_INVALID", "bad thresholds")
	env, err := env.WithContext(map[string]interface{}{"wrapped_error": "burst_score > 1"})
	require.NoError(t, err)
	assert.Equal(t, "FATAL: boom [CONFIG_INVALID]: bad thresholds (burst_score > 1)", describeFailure("boom", env))
}
