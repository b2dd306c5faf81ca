// Package config provides centralized configuration management for bulwark.
// Defaults are registered on a viper instance, overlaid by an optional YAML
// file and BULWARK_* environment variables, then decoded into Config.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
	"sync"

	gfconfig "github.com/fulmenhq/gofulmen/config"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/bulwarkhq/bulwark/internal/appid"
)

var (
	// appConfig holds the current application configuration
	appConfig *Config
	configMu  sync.RWMutex
)

// Configure points v at the config file and environment. An explicit path
// wins; otherwise the XDG config directory and ./config are searched. A
// missing file is not an error.
func Configure(v *viper.Viper, cfgFile string) (string, error) {
	identity := appid.Get()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		if dir := gfconfig.GetAppConfigDir(identity.ConfigName); dir != "" {
			v.AddConfigPath(dir)
		}
		v.AddConfigPath("./config")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix(identity.ViperPrefix())
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	SetDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return "", nil
		}
		return "", fmt.Errorf("read config: %w", err)
	}
	return v.ConfigFileUsed(), nil
}

// SetDefaults registers every default value on v.
func SetDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("server.max_body_bytes", 1<<20)

	// Admin defaults
	v.SetDefault("admin.enabled", true)
	v.SetDefault("admin.token", "")
	v.SetDefault("admin.url", "http://localhost:8080")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.profile", "structured")

	// Metrics defaults
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.port", 9090)

	// Health check defaults
	v.SetDefault("health.enabled", true)

	// Detection defaults
	v.SetDefault("detection.window", "60s")
	v.SetDefault("detection.thresholds.request_rate", 100.0)
	v.SetDefault("detection.thresholds.failure_rate", 0.3)
	v.SetDefault("detection.thresholds.pattern_score", 0.6)
	v.SetDefault("detection.thresholds.burst_score", 0.8)
	v.SetDefault("detection.durations.low", "300s")
	v.SetDefault("detection.durations.medium", "900s")
	v.SetDefault("detection.durations.high", "1800s")
	v.SetDefault("detection.sweep_interval", "60s")
	v.SetDefault("detection.top_offenders", 5)

	// Mitigation defaults
	v.SetDefault("mitigation.limiter", LimiterMemory)
	v.SetDefault("mitigation.default_rate_limit", 10.0)
	v.SetDefault("mitigation.challenge_duration", "60s")
	v.SetDefault("mitigation.expire_interval", "10s")

	// Balancer defaults
	v.SetDefault("balancer.health_interval", "5s")
	v.SetDefault("balancer.max_response_time", "2s")
	v.SetDefault("balancer.check_timeout", "2s")
	v.SetDefault("balancer.failure_threshold", 3)
	v.SetDefault("balancer.history_size", 100)

	// Backend pool defaults: three in-process simulated servers
	v.SetDefault("backends", []map[string]any{
		{"name": "sim-1", "kind": BackendSimulated, "max_connections": 100, "processing_time": "100ms"},
		{"name": "sim-2", "kind": BackendSimulated, "max_connections": 100, "processing_time": "100ms"},
		{"name": "sim-3", "kind": BackendSimulated, "max_connections": 100, "processing_time": "100ms"},
	})

	// Redis defaults
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.key_prefix", "bulwark:throttle:")

	// Journal defaults
	v.SetDefault("journal.enabled", false)
	v.SetDefault("journal.buffer_size", 256)
	v.SetDefault("journal.driver", "libsql")
	v.SetDefault("journal.path", DefaultStorePath())
	v.SetDefault("journal.url", "")
	v.SetDefault("journal.auth_token", "")
}

// Load decodes v into a Config, validates it and makes it current.
func Load(v *viper.Viper) (*Config, error) {
	cfg := &Config{}
	err := v.Unmarshal(cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
		mapstructure.StringToFloat64HookFunc(),
	)))
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	for i := range cfg.Backends {
		if strings.TrimSpace(cfg.Backends[i].Kind) == "" {
			cfg.Backends[i].Kind = BackendSimulated
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	setConfig(cfg)
	return cfg, nil
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	var errs []error

	if c.Detection.Window <= 0 {
		errs = append(errs, errors.New("detection.window must be positive"))
	}
	if err := c.Detection.Thresholds.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("detection.thresholds: %w", err))
	}
	d := c.Detection.Durations
	if d.Low <= 0 || d.Medium <= 0 || d.High <= 0 {
		errs = append(errs, errors.New("detection.durations must all be positive"))
	} else if d.Low > d.Medium || d.Medium > d.High {
		errs = append(errs, errors.New("detection.durations must not decrease with severity"))
	}

	switch c.Mitigation.Limiter {
	case LimiterMemory:
	case LimiterRedis:
		if strings.TrimSpace(c.Redis.Addr) == "" {
			errs = append(errs, errors.New("redis.addr is required when mitigation.limiter is redis"))
		}
	default:
		errs = append(errs, fmt.Errorf("mitigation.limiter must be %q or %q, got %q", LimiterMemory, LimiterRedis, c.Mitigation.Limiter))
	}
	if c.Mitigation.DefaultRateLimit <= 0 {
		errs = append(errs, errors.New("mitigation.default_rate_limit must be positive"))
	}

	if c.Balancer.MaxResponseTime <= 0 {
		errs = append(errs, errors.New("balancer.max_response_time must be positive"))
	}
	if c.Balancer.HealthInterval <= 0 {
		errs = append(errs, errors.New("balancer.health_interval must be positive"))
	}

	if len(c.Backends) == 0 {
		errs = append(errs, errors.New("at least one backend is required"))
	}
	seen := make(map[string]struct{}, len(c.Backends))
	for i, b := range c.Backends {
		field := fmt.Sprintf("backends[%d]", i)
		if strings.TrimSpace(b.Name) == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", field))
		} else if _, dup := seen[b.Name]; dup {
			errs = append(errs, fmt.Errorf("%s.name %q is duplicated", field, b.Name))
		}
		seen[b.Name] = struct{}{}

		if b.MaxConnections <= 0 {
			errs = append(errs, fmt.Errorf("%s.max_connections must be positive", field))
		}
		switch b.Kind {
		case BackendSimulated:
			if b.FailureRate < 0 || b.FailureRate > 1 {
				errs = append(errs, fmt.Errorf("%s.failure_rate must be within [0,1]", field))
			}
		case BackendHTTP:
			if u, err := url.Parse(b.URL); err != nil || u.Scheme == "" || u.Host == "" {
				errs = append(errs, fmt.Errorf("%s.url must be an absolute URL", field))
			}
		default:
			errs = append(errs, fmt.Errorf("%s.kind must be %q or %q, got %q", field, BackendSimulated, BackendHTTP, b.Kind))
		}
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// GetConfig returns the current application configuration (thread-safe)
func GetConfig() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return appConfig
}

// setConfig updates the current configuration (thread-safe)
func setConfig(cfg *Config) {
	configMu.Lock()
	defer configMu.Unlock()
	appConfig = cfg
}

// DefaultConfigPath returns the XDG-compliant path to the user config file.
func DefaultConfigPath() string {
	configDir := gfconfig.GetAppConfigDir(appid.Get().ConfigName)
	if strings.TrimSpace(configDir) == "" {
		return ""
	}
	return filepath.Join(configDir, "config.yaml")
}

// DefaultDataDir returns the XDG-compliant data directory for the app.
func DefaultDataDir() string {
	return gfconfig.GetAppDataDir(appid.Get().ConfigName)
}

// DefaultStorePath returns the XDG-compliant path to the journal database.
func DefaultStorePath() string {
	identity := appid.Get()
	dataDir := DefaultDataDir()
	if strings.TrimSpace(dataDir) == "" {
		return "./" + identity.BinaryName + ".db"
	}
	return filepath.Join(dataDir, identity.BinaryName+".db")
}
