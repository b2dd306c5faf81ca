// Package balancer tracks backend health and picks the backend that serves
// each admitted request.
package balancer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/bulwarkhq/bulwark/internal/core"
)

// Config configures a Selector.
type Config struct {
	HealthInterval   time.Duration `mapstructure:"health_interval" json:"health_interval" yaml:"health_interval"`
	MaxResponseTime  time.Duration `mapstructure:"max_response_time" json:"max_response_time" yaml:"max_response_time"`
	CheckTimeout     time.Duration `mapstructure:"check_timeout" json:"check_timeout" yaml:"check_timeout"`
	FailureThreshold int           `mapstructure:"failure_threshold" json:"failure_threshold" yaml:"failure_threshold"`
	HistorySize      int           `mapstructure:"history_size" json:"history_size" yaml:"history_size"`
}

// DefaultConfig returns the stock selector settings.
func DefaultConfig() Config {
	return Config{
		HealthInterval:   5 * time.Second,
		MaxResponseTime:  2 * time.Second,
		CheckTimeout:     2 * time.Second,
		FailureThreshold: 3,
		HistorySize:      100,
	}
}

// Health is the selector's view of one backend.
type Health struct {
	Healthy             bool              `json:"is_healthy" yaml:"is_healthy"`
	ConsecutiveFailures int               `json:"consecutive_failures" yaml:"consecutive_failures"`
	Status              core.HealthStatus `json:"status" yaml:"status"`
	Message             string            `json:"message,omitempty" yaml:"message,omitempty"`
	LastCheck           time.Time         `json:"last_check" yaml:"last_check"`
	AvgResponseTime     time.Duration     `json:"avg_response_time" yaml:"avg_response_time"`
}

// Status is a backend's health plus its load as last observed.
type Status struct {
	Name              string              `json:"name" yaml:"name"`
	Health            Health              `json:"health" yaml:"health"`
	ActiveConnections int                 `json:"active_connections" yaml:"active_connections"`
	MaxConnections    int                 `json:"max_connections" yaml:"max_connections"`
	Metrics           core.BackendMetrics `json:"metrics" yaml:"metrics"`
	MetricsError      string              `json:"metrics_error,omitempty" yaml:"metrics_error,omitempty"`
}

type member struct {
	backend core.Backend
	maxConn int
	active  int
	health  Health

	history []time.Duration
	next    int
}

func (m *member) observe(d time.Duration, size int) {
	if len(m.history) < size {
		m.history = append(m.history, d)
	} else {
		m.history[m.next] = d
		m.next = (m.next + 1) % size
	}
	var sum time.Duration
	for _, v := range m.history {
		sum += v
	}
	m.health.AvgResponseTime = sum / time.Duration(len(m.history))
}

// Selector owns backend health and active-connection counters.
type Selector struct {
	// Clock overrides time.Now for tests.
	Clock func() time.Time
	// OnTransition observes health flips. It runs outside the selector lock.
	OnTransition func(name string, healthy bool)
	// OnCheck observes every probe. It runs outside the selector lock.
	OnCheck func(name string, healthy bool, elapsed time.Duration)

	log core.Logger
	cfg Config

	mu      sync.Mutex
	members []*member
	byName  map[string]*member

	runMu  sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an empty Selector. A nil logger discards output.
func New(cfg Config, log core.Logger) *Selector {
	if log == nil {
		log = core.NopLogger()
	}
	def := DefaultConfig()
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = def.HealthInterval
	}
	if cfg.MaxResponseTime <= 0 {
		cfg.MaxResponseTime = def.MaxResponseTime
	}
	if cfg.CheckTimeout <= 0 {
		cfg.CheckTimeout = def.CheckTimeout
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = def.HistorySize
	}
	return &Selector{
		log:    log,
		cfg:    cfg,
		byName: make(map[string]*member),
	}
}

// Register adds a backend to the pool. Backends start healthy.
func (s *Selector) Register(b core.Backend, maxConn int) error {
	if b == nil {
		return fmt.Errorf("backend is nil")
	}
	if maxConn <= 0 {
		return fmt.Errorf("backend %s: max connections must be positive, got %d", b.Name(), maxConn)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byName[b.Name()]; exists {
		return fmt.Errorf("backend %s already registered", b.Name())
	}
	m := &member{
		backend: b,
		maxConn: maxConn,
		health:  Health{Healthy: true, Status: core.HealthHealthy},
	}
	s.members = append(s.members, m)
	s.byName[b.Name()] = m
	return nil
}

// Names returns the registered backend names in registration order.
func (s *Selector) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, len(s.members))
	for i, m := range s.members {
		names[i] = m.backend.Name()
	}
	return names
}

// Backend returns the registered backend with the given name.
func (s *Selector) Backend(name string) (core.Backend, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.byName[name]
	if !ok {
		return nil, false
	}
	return m.backend, true
}

type probe struct {
	m       *member
	report  core.HealthReport
	err     error
	elapsed time.Duration
}

// CheckAll probes every backend once and applies the results.
func (s *Selector) CheckAll(ctx context.Context) {
	s.mu.Lock()
	members := append([]*member(nil), s.members...)
	s.mu.Unlock()

	probes := make([]probe, len(members))
	var wg sync.WaitGroup
	for i, m := range members {
		wg.Add(1)
		go func(i int, m *member) {
			defer wg.Done()
			checkCtx, cancel := context.WithTimeout(ctx, s.cfg.CheckTimeout)
			defer cancel()
			start := time.Now()
			report, err := m.backend.HealthCheck(checkCtx)
			probes[i] = probe{m: m, report: report, err: err, elapsed: time.Since(start)}
		}(i, m)
	}
	wg.Wait()

	if ctx.Err() != nil {
		return
	}

	type flip struct {
		name    string
		healthy bool
	}
	var flips []flip

	now := s.now()
	s.mu.Lock()
	for _, p := range probes {
		if s.apply(p, now) {
			flips = append(flips, flip{p.m.backend.Name(), p.m.health.Healthy})
		}
	}
	s.mu.Unlock()

	for _, p := range probes {
		healthy := p.err == nil && p.report.Status == core.HealthHealthy
		if s.OnCheck != nil {
			s.OnCheck(p.m.backend.Name(), healthy, p.elapsed)
		}
	}
	for _, f := range flips {
		if f.healthy {
			s.log.Info("Backend recovered", zap.String("backend", f.name))
		} else {
			s.log.Warn("Backend marked unhealthy", zap.String("backend", f.name))
		}
		if s.OnTransition != nil {
			s.OnTransition(f.name, f.healthy)
		}
	}
}

// apply folds one probe into the member's health and reports a flip.
func (s *Selector) apply(p probe, now time.Time) bool {
	h := &p.m.health
	was := h.Healthy
	h.LastCheck = now

	if p.err == nil && p.report.Status == core.HealthHealthy {
		h.ConsecutiveFailures = 0
		h.Healthy = true
		h.Status = core.HealthHealthy
		h.Message = p.report.Message
		p.m.observe(p.elapsed, s.cfg.HistorySize)
		return !was
	}

	h.ConsecutiveFailures++
	switch {
	case p.err != nil:
		h.Status = core.HealthError
		h.Message = p.err.Error()
	default:
		h.Status = p.report.Status
		h.Message = p.report.Message
	}
	s.log.Debug("Backend health check failed",
		zap.String("backend", p.m.backend.Name()),
		zap.Int("consecutive_failures", h.ConsecutiveFailures),
		zap.String("status", string(h.Status)),
		zap.String("message", h.Message))

	if h.ConsecutiveFailures >= s.cfg.FailureThreshold {
		h.Healthy = false
	}
	return was && !h.Healthy
}

// Select picks the best healthy, running backend among candidates and
// reserves a connection on it. Empty candidates means every backend.
func (s *Selector) Select(ctx context.Context, candidates []string) (core.Backend, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pool := s.members
	if len(candidates) > 0 {
		pool = make([]*member, 0, len(candidates))
		for _, name := range candidates {
			if m, ok := s.byName[name]; ok {
				pool = append(pool, m)
			}
		}
	}

	var best *member
	bestScore := 0.0
	for _, m := range pool {
		if !m.health.Healthy || m.active >= m.maxConn {
			continue
		}
		metrics, err := m.backend.Metrics(ctx)
		if err != nil {
			s.log.Debug("Skipping backend with unreadable metrics",
				zap.String("backend", m.backend.Name()),
				zap.Error(err))
			continue
		}
		if !metrics.Running {
			continue
		}
		score := s.score(m, metrics)
		if best == nil || score > bestScore {
			best, bestScore = m, score
		}
	}

	if best == nil {
		return nil, false
	}
	best.active++
	return best.backend, true
}

func (s *Selector) score(m *member, metrics core.BackendMetrics) float64 {
	load := 1 - metrics.Load/100
	conns := 1 - float64(m.active)/float64(m.maxConn)
	rt := 1 - min(float64(metrics.AvgResponseTime)/float64(s.cfg.MaxResponseTime), 1)
	return 0.4*load + 0.4*conns + 0.2*rt
}

// Release returns a connection reserved by Select. The counter never goes
// below zero.
func (s *Selector) Release(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.byName[name]; ok && m.active > 0 {
		m.active--
	}
}

// Health returns the health record for name.
func (s *Selector) Health(name string) (Health, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.byName[name]
	if !ok {
		return Health{}, false
	}
	return m.health, true
}

// Statuses returns every backend's health and load in registration order.
func (s *Selector) Statuses(ctx context.Context) []Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Status, 0, len(s.members))
	for _, m := range s.members {
		st := Status{
			Name:              m.backend.Name(),
			Health:            m.health,
			ActiveConnections: m.active,
			MaxConnections:    m.maxConn,
		}
		metrics, err := m.backend.Metrics(ctx)
		if err != nil {
			st.MetricsError = err.Error()
		} else {
			st.Metrics = metrics
		}
		out = append(out, st)
	}
	return out
}

// HealthyCount returns how many backends are currently marked healthy.
func (s *Selector) HealthyCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, m := range s.members {
		if m.health.Healthy {
			n++
		}
	}
	return n
}

// Start runs the health loop: one immediate pass, then one per interval.
func (s *Selector) Start(ctx context.Context) {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.CheckAll(ctx)

		ticker := time.NewTicker(s.cfg.HealthInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.CheckAll(ctx)
			}
		}
	}()
}

// Stop cancels the health loop and waits for the in-flight pass.
func (s *Selector) Stop() {
	s.runMu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.runMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	s.wg.Wait()
}

func (s *Selector) now() time.Time {
	if s.Clock != nil {
		return s.Clock()
	}
	return time.Now().UTC()
}
