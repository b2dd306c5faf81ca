// Package appid holds the fixed identity of the bulwark binary: its name,
// environment prefix and config directory name.
package appid

import "strings"

// Identity describes how the binary names itself on disk and in the
// environment.
type Identity struct {
	BinaryName  string
	EnvPrefix   string
	ConfigName  string
	Description string
}

var current = Identity{
	BinaryName:  "bulwark",
	EnvPrefix:   "BULWARK_",
	ConfigName:  "bulwark",
	Description: "Traffic admission control and DDoS mitigation in front of a backend pool",
}

// Get returns the application identity.
func Get() Identity {
	return current
}

// Env returns the environment variable name for key, e.g. Env("ADMIN_TOKEN")
// is BULWARK_ADMIN_TOKEN.
func (i Identity) Env(key string) string {
	prefix := i.EnvPrefix
	if !strings.HasSuffix(prefix, "_") {
		prefix += "_"
	}
	return prefix + strings.ToUpper(key)
}

// ViperPrefix returns the prefix in the form viper.SetEnvPrefix expects.
func (i Identity) ViperPrefix() string {
	return strings.TrimSuffix(i.EnvPrefix, "_")
}

// TelemetryNamespace returns the metric and log namespace.
func (i Identity) TelemetryNamespace() string {
	return strings.ReplaceAll(i.BinaryName, "-", "_")
}
