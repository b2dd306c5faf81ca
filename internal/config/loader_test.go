package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bulwarkhq/bulwark/internal/core"
)

func loadForTest(t *testing.T, yaml string) (*Config, error) {
	t.Helper()
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("XDG_DATA_HOME", t.TempDir())

	path := ""
	if yaml != "" {
		path = filepath.Join(t.TempDir(), "config.yaml")
		require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))
	}

	v := viper.New()
	_, err := Configure(v, path)
	require.NoError(t, err)
	return Load(v)
}

func TestLoad(t *testing.T) {
	t.Run("LoadDefaults", func(t *testing.T) {
		cfg, err := loadForTest(t, "")
		require.NoError(t, err)
		require.NotNil(t, cfg)

		// Verify server defaults
		assert.Equal(t, "localhost", cfg.Server.Host)
		assert.Equal(t, 8080, cfg.Server.Port)
		assert.Equal(t, 30*time.Second, cfg.Server.ReadTimeout)
		assert.Equal(t, 10*time.Second, cfg.Server.ShutdownTimeout)

		// Verify detection defaults
		assert.Equal(t, 60*time.Second, cfg.Detection.Window)
		assert.Equal(t, 100.0, cfg.Detection.Thresholds.RequestRate)
		assert.Equal(t, 0.3, cfg.Detection.Thresholds.FailureRate)
		assert.Equal(t, 0.6, cfg.Detection.Thresholds.PatternScore)
		assert.Equal(t, 0.8, cfg.Detection.Thresholds.BurstScore)
		assert.Equal(t, core.DefaultDurations(), cfg.Detection.Durations)
		assert.Equal(t, 5, cfg.Detection.TopOffenders)

		// Verify mitigation and balancer defaults
		assert.Equal(t, LimiterMemory, cfg.Mitigation.Limiter)
		assert.Equal(t, 10.0, cfg.Mitigation.DefaultRateLimit)
		assert.Equal(t, 5*time.Second, cfg.Balancer.HealthInterval)
		assert.Equal(t, 2*time.Second, cfg.Balancer.MaxResponseTime)
		assert.Equal(t, 3, cfg.Balancer.FailureThreshold)

		// Verify backend pool defaults
		require.Len(t, cfg.Backends, 3)
		assert.Equal(t, "sim-1", cfg.Backends[0].Name)
		assert.Equal(t, BackendSimulated, cfg.Backends[0].Kind)
		assert.Equal(t, 100, cfg.Backends[0].MaxConnections)
		assert.Equal(t, 100*time.Millisecond, cfg.Backends[0].ProcessingTime)

		// Verify journal defaults
		assert.False(t, cfg.Journal.Enabled)
		assert.Equal(t, "libsql", cfg.Journal.Driver)
		assert.NotEmpty(t, cfg.Journal.Path)

		assert.Same(t, cfg, GetConfig())
	})

	t.Run("FileOverrides", func(t *testing.T) {
		cfg, err := loadForTest(t, `
server:
  port: 9000
detection:
  window: 30s
  thresholds:
    request_rate: 30
  durations:
    low: 1m
backends:
  - name: origin
    kind: http
    url: http://127.0.0.1:9999
    max_connections: 20
`)
		require.NoError(t, err)

		assert.Equal(t, 9000, cfg.Server.Port)
		assert.Equal(t, 30*time.Second, cfg.Detection.Window)
		assert.Equal(t, 30.0, cfg.Detection.Thresholds.RequestRate)
		assert.Equal(t, 0.3, cfg.Detection.Thresholds.FailureRate, "unset keys keep defaults")
		assert.Equal(t, time.Minute, cfg.Detection.Durations.Low)
		require.Len(t, cfg.Backends, 1)
		assert.Equal(t, BackendHTTP, cfg.Backends[0].Kind)
	})

	t.Run("EnvironmentOverrides", func(t *testing.T) {
		t.Setenv("BULWARK_ADMIN_TOKEN", "s3cret")
		t.Setenv("BULWARK_DETECTION_THRESHOLDS_REQUEST_RATE", "42")
		t.Setenv("BULWARK_SERVER_PORT", "7000")

		cfg, err := loadForTest(t, "")
		require.NoError(t, err)
		assert.Equal(t, "s3cret", cfg.Admin.Token)
		assert.Equal(t, 42.0, cfg.Detection.Thresholds.RequestRate)
		assert.Equal(t, 7000, cfg.Server.Port)
	})

	t.Run("MissingExplicitFile", func(t *testing.T) {
		v := viper.New()
		_, err := Configure(v, filepath.Join(t.TempDir(), "nope.yaml"))
		assert.Error(t, err)
	})
}

func TestValidate(t *testing.T) {
	base := func(t *testing.T) *Config {
		cfg, err := loadForTest(t, "")
		require.NoError(t, err)
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"BadThreshold", func(c *Config) { c.Detection.Thresholds.FailureRate = 1.5 }, "failure_rate"},
		{"ZeroWindow", func(c *Config) { c.Detection.Window = 0 }, "detection.window"},
		{"DecreasingDurations", func(c *Config) { c.Detection.Durations.High = time.Second }, "durations"},
		{"UnknownLimiter", func(c *Config) { c.Mitigation.Limiter = "etcd" }, "mitigation.limiter"},
		{"RedisWithoutAddr", func(c *Config) { c.Mitigation.Limiter = LimiterRedis }, "redis.addr"},
		{"NoBackends", func(c *Config) { c.Backends = nil }, "at least one backend"},
		{"DuplicateBackend", func(c *Config) { c.Backends[1].Name = c.Backends[0].Name }, "duplicated"},
		{"MissingBackendName", func(c *Config) { c.Backends[0].Name = "" }, "name is required"},
		{"ZeroMaxConnections", func(c *Config) { c.Backends[0].MaxConnections = 0 }, "max_connections"},
		{"HTTPWithoutURL", func(c *Config) { c.Backends[0].Kind = BackendHTTP }, "absolute URL"},
		{"UnknownKind", func(c *Config) { c.Backends[0].Kind = "grpc" }, "kind"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base(t)
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}

	t.Run("DefaultsAreValid", func(t *testing.T) {
		assert.NoError(t, base(t).Validate())
	})
}

func TestDetectorConfig(t *testing.T) {
	cfg, err := loadForTest(t, "")
	require.NoError(t, err)

	dc := cfg.Detection.DetectorConfig()
	assert.Equal(t, cfg.Detection.Window, dc.Window)
	assert.Equal(t, cfg.Detection.Thresholds, dc.Thresholds)
	assert.Equal(t, cfg.Detection.SweepInterval, dc.SweepInterval)
}
