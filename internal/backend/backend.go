package backend

import (
	"fmt"
	"net/http"

	"github.com/bulwarkhq/bulwark/internal/config"
	"github.com/bulwarkhq/bulwark/internal/core"
)

// Runnable is a backend with an administrative running switch.
type Runnable interface {
	core.Backend
	Start()
	Stop()
}

// FromConfig builds and starts the backend a config entry describes.
func FromConfig(cfg config.BackendConfig, client *http.Client) (Runnable, error) {
	switch cfg.Kind {
	case config.BackendSimulated, "":
		s := NewSimulated(SimulatedConfig{
			Name:           cfg.Name,
			MaxConnections: cfg.MaxConnections,
			ProcessingTime: cfg.ProcessingTime,
			FailureRate:    cfg.FailureRate,
		})
		s.Start()
		return s, nil
	case config.BackendHTTP:
		return NewHTTP(HTTPConfig{
			Name:           cfg.Name,
			URL:            cfg.URL,
			MaxConnections: cfg.MaxConnections,
			Client:         client,
		})
	default:
		return nil, fmt.Errorf("backend %s: unsupported kind %q", cfg.Name, cfg.Kind)
	}
}
