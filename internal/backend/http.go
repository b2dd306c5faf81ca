package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/bulwarkhq/bulwark/internal/core"
)

// maxResponseBytes caps how much of an origin response is buffered.
const maxResponseBytes = 10 << 20

var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// HTTPConfig configures an HTTP backend.
type HTTPConfig struct {
	Name           string
	URL            string
	MaxConnections int
	Client         *http.Client
}

// HTTP forwards admitted requests to a remote origin.
type HTTP struct {
	name    string
	base    *url.URL
	maxConn int
	client  *http.Client

	mu        sync.Mutex
	running   bool
	active    int
	total     int64
	errors    int64
	responses [responseHistory]time.Duration
	respNext  int
	respCount int
	lastProbe core.HealthReport
}

var _ core.Backend = (*HTTP)(nil)

// NewHTTP creates a running HTTP backend.
func NewHTTP(cfg HTTPConfig) (*HTTP, error) {
	base, err := url.Parse(strings.TrimRight(cfg.URL, "/"))
	if err != nil {
		return nil, fmt.Errorf("backend %s: invalid url: %w", cfg.Name, err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("backend %s: url must be absolute, got %q", cfg.Name, cfg.URL)
	}
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = 100
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTP{
		name:    cfg.Name,
		base:    base,
		maxConn: cfg.MaxConnections,
		client:  client,
		running: true,
	}, nil
}

// Name returns the configured backend name.
func (h *HTTP) Name() string {
	return h.name
}

// Start re-enables forwarding.
func (h *HTTP) Start() {
	h.mu.Lock()
	h.running = true
	h.mu.Unlock()
}

// Stop disables forwarding.
func (h *HTTP) Stop() {
	h.mu.Lock()
	h.running = false
	h.mu.Unlock()
}

// Handle proxies the request to the origin.
func (h *HTTP) Handle(ctx context.Context, req core.BackendRequest) (core.BackendResponse, error) {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return core.BackendResponse{}, core.ErrBackendNotRunning
	}
	h.total++
	if h.active >= h.maxConn {
		h.mu.Unlock()
		return core.BackendResponse{}, core.ErrBackendAtCapacity
	}
	h.active++
	h.mu.Unlock()

	start := time.Now()
	resp, err := h.forward(ctx, req)

	h.mu.Lock()
	if h.active > 0 {
		h.active--
	}
	if err != nil || resp.StatusCode >= http.StatusInternalServerError {
		h.errors++
	}
	if err == nil {
		h.responses[h.respNext] = time.Since(start)
		h.respNext = (h.respNext + 1) % responseHistory
		if h.respCount < responseHistory {
			h.respCount++
		}
	}
	h.mu.Unlock()

	return resp, err
}

func (h *HTTP) forward(ctx context.Context, req core.BackendRequest) (core.BackendResponse, error) {
	target := *h.base
	target.Path = h.base.Path + req.Path
	target.RawQuery = req.RawQuery

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	out, err := http.NewRequestWithContext(ctx, req.Method, target.String(), body)
	if err != nil {
		return core.BackendResponse{}, err
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			out.Header.Add(k, v)
		}
	}
	for _, k := range hopHeaders {
		out.Header.Del(k)
	}
	if req.ClientIP != "" {
		if prior := out.Header.Get("X-Forwarded-For"); prior != "" {
			out.Header.Set("X-Forwarded-For", prior+", "+req.ClientIP)
		} else {
			out.Header.Set("X-Forwarded-For", req.ClientIP)
		}
	}

	resp, err := h.client.Do(out)
	if err != nil {
		return core.BackendResponse{}, fmt.Errorf("backend %s: %w", h.name, err)
	}
	defer resp.Body.Close() // nolint:errcheck // best-effort cleanup on HTTP response body

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return core.BackendResponse{}, fmt.Errorf("backend %s: read response: %w", h.name, err)
	}

	header := resp.Header.Clone()
	for _, k := range hopHeaders {
		header.Del(k)
	}
	header.Del("Content-Length")
	return core.BackendResponse{StatusCode: resp.StatusCode, Header: header, Body: data}, nil
}

// Metrics combines local connection counters with the last probe's load.
func (h *HTTP) Metrics(context.Context) (core.BackendMetrics, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	load := float64(h.active) / float64(h.maxConn) * 100
	if h.lastProbe.Load > load {
		load = h.lastProbe.Load
	}
	return core.BackendMetrics{
		Load:              load,
		ActiveConnections: h.active,
		TotalRequests:     h.total,
		ErrorCount:        h.errors,
		AvgResponseTime:   h.avgResponseLocked(),
		Running:           h.running,
	}, nil
}

type originHealth struct {
	Status          string  `json:"status"`
	Load            float64 `json:"load"`
	AvgResponseTime float64 `json:"avg_response_time"`
	ErrorRate       float64 `json:"error_rate"`
}

// HealthCheck GETs <url>/health. A 200 is healthy; if the body carries the
// usual status fields they are reported as well.
func (h *HTTP) HealthCheck(ctx context.Context) (core.HealthReport, error) {
	target := *h.base
	target.Path = h.base.Path + "/health"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return core.HealthReport{}, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return core.HealthReport{}, fmt.Errorf("backend %s health: %w", h.name, err)
	}
	defer resp.Body.Close() // nolint:errcheck // best-effort cleanup on HTTP response body

	report := core.HealthReport{Status: core.HealthHealthy}
	if resp.StatusCode != http.StatusOK {
		report.Status = core.HealthUnhealthy
		report.Message = fmt.Sprintf("health endpoint returned %d", resp.StatusCode)
	}

	var body originHealth
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&body); err == nil {
		report.Load = body.Load
		report.ErrorRate = body.ErrorRate
		report.AvgResponseTime = time.Duration(body.AvgResponseTime * float64(time.Second))
		if body.Status != "" && body.Status != string(core.HealthHealthy) && report.Status == core.HealthHealthy {
			report.Status = core.HealthUnhealthy
			report.Message = "origin reports " + body.Status
		}
	}

	h.mu.Lock()
	running := h.running
	h.lastProbe = report
	h.mu.Unlock()

	if !running && report.Status == core.HealthHealthy {
		report.Status = core.HealthUnhealthy
		report.Message = "not running"
	}
	return report, nil
}

func (h *HTTP) avgResponseLocked() time.Duration {
	if h.respCount == 0 {
		return 0
	}
	var sum time.Duration
	for i := 0; i < h.respCount; i++ {
		sum += h.responses[i]
	}
	return sum / time.Duration(h.respCount)
}
