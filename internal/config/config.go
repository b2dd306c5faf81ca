package config

import (
	"time"

	"github.com/bulwarkhq/bulwark/internal/core"
	"github.com/bulwarkhq/bulwark/internal/core/balancer"
	"github.com/bulwarkhq/bulwark/internal/core/detector"
)

// Config represents the complete application configuration.
// Values are layered: defaults set in code, an optional YAML file, then
// BULWARK_* environment variables and bound flags.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Admin      AdminConfig      `mapstructure:"admin"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	Health     HealthConfig     `mapstructure:"health"`
	Detection  DetectionConfig  `mapstructure:"detection"`
	Mitigation MitigationConfig `mapstructure:"mitigation"`
	Balancer   balancer.Config  `mapstructure:"balancer"`
	Backends   []BackendConfig  `mapstructure:"backends"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Journal    JournalConfig    `mapstructure:"journal"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`

	// MaxBodyBytes caps the request body forwarded to a backend.
	MaxBodyBytes int64 `mapstructure:"max_body_bytes"`
}

// AdminConfig controls the /admin API.
type AdminConfig struct {
	Enabled bool `mapstructure:"enabled"`

	// Token is the bearer token required on /admin routes
	// (BULWARK_ADMIN_TOKEN). An empty token disables the admin API.
	Token string `mapstructure:"token"`

	// URL is where the status and rules commands reach a running server.
	URL string `mapstructure:"url"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	// Level controls the minimum log level
	// Valid values: trace, debug, info, warn, error
	Level string `mapstructure:"level"`

	// Profile selects the logging complexity level
	// Valid values: simple, structured
	Profile string `mapstructure:"profile"`
}

// MetricsConfig contains Prometheus metrics configuration
type MetricsConfig struct {
	// Enabled controls whether metrics are exposed
	Enabled bool `mapstructure:"enabled"`

	// Port is the dedicated metrics endpoint port (Prometheus format)
	Port int `mapstructure:"port"`
}

// HealthConfig contains health check configuration
type HealthConfig struct {
	// Enabled controls whether health endpoints are exposed
	Enabled bool `mapstructure:"enabled"`
}

// DetectionConfig configures per-source traffic analysis.
type DetectionConfig struct {
	Window        time.Duration       `mapstructure:"window"`
	Thresholds    detector.Thresholds `mapstructure:"thresholds"`
	Durations     core.DurationTable  `mapstructure:"durations"`
	SweepInterval time.Duration       `mapstructure:"sweep_interval"`
	TopOffenders  int                 `mapstructure:"top_offenders"`
}

// DetectorConfig converts the section into the detector's own config.
func (d DetectionConfig) DetectorConfig() detector.Config {
	return detector.Config{
		Window:        d.Window,
		Thresholds:    d.Thresholds,
		Durations:     d.Durations,
		SweepInterval: d.SweepInterval,
	}
}

// Limiter backends for throttle enforcement.
const (
	LimiterMemory = "memory"
	LimiterRedis  = "redis"
)

// MitigationConfig configures rule enforcement.
type MitigationConfig struct {
	// Limiter selects where throttle windows live: memory or redis.
	Limiter string `mapstructure:"limiter"`

	// DefaultRateLimit applies to throttle rules without their own limit.
	DefaultRateLimit float64 `mapstructure:"default_rate_limit"`

	// ChallengeDuration is the default lifetime of a manual challenge rule.
	ChallengeDuration time.Duration `mapstructure:"challenge_duration"`

	// ExpireInterval is how often idle rules are expired in the background.
	ExpireInterval time.Duration `mapstructure:"expire_interval"`
}

// Backend kinds.
const (
	BackendSimulated = "simulated"
	BackendHTTP      = "http"
)

// BackendConfig declares one pool member.
type BackendConfig struct {
	Name           string        `mapstructure:"name"`
	Kind           string        `mapstructure:"kind"`
	URL            string        `mapstructure:"url"`
	MaxConnections int           `mapstructure:"max_connections"`
	ProcessingTime time.Duration `mapstructure:"processing_time"`

	// FailureRate makes a simulated backend fail this fraction of requests.
	FailureRate float64 `mapstructure:"failure_rate"`
}

// RedisConfig configures the shared throttle limiter.
type RedisConfig struct {
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// JournalConfig configures the mitigation audit journal.
type JournalConfig struct {
	Enabled    bool `mapstructure:"enabled"`
	BufferSize int  `mapstructure:"buffer_size"`

	StoreConfig `mapstructure:",squash"`
}

// StoreConfig contains database configuration for libsql/Turso
type StoreConfig struct {
	Driver    string `mapstructure:"driver"`
	Path      string `mapstructure:"path"`
	URL       string `mapstructure:"url"`
	AuthToken string `mapstructure:"auth_token"`
}
