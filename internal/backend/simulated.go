// Package backend provides the pool members bulwark routes admitted traffic
// to: an in-process simulated server and a reverse proxy to a remote origin.
package backend

import (
	"context"
	"fmt"
	"math/rand/v2"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/bulwarkhq/bulwark/internal/core"
)

const (
	responseHistory = 100
	errorHistory    = 60
)

// Health limits for a simulated server.
const (
	maxHealthyLoad         = 90.0
	maxHealthyErrorRate    = 0.1
	maxHealthyResponseTime = time.Second
)

// SimulatedConfig configures a Simulated backend.
type SimulatedConfig struct {
	Name           string
	MaxConnections int
	ProcessingTime time.Duration
	// FailureRate is the fraction of requests answered with a 500.
	FailureRate float64
}

// Simulated is an in-process server that sleeps for a fixed processing time
// per request and keeps the load and error statistics a real server would
// report.
type Simulated struct {
	// Clock overrides time.Now for tests.
	Clock func() time.Time

	cfg  SimulatedConfig
	rand func() float64

	mu        sync.Mutex
	running   bool
	startedAt time.Time
	active    int
	total     int64
	errors    int64

	responses   [responseHistory]time.Duration
	respNext    int
	respCount   int
	minute      int64
	minuteCount int
	minutes     [errorHistory]int
	minuteNext  int
	minuteLen   int
}

var _ core.Backend = (*Simulated)(nil)

// NewSimulated creates a stopped simulated backend.
func NewSimulated(cfg SimulatedConfig) *Simulated {
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = 100
	}
	if cfg.ProcessingTime < 0 {
		cfg.ProcessingTime = 0
	}
	return &Simulated{cfg: cfg, rand: rand.Float64}
}

// Name returns the configured backend name.
func (s *Simulated) Name() string {
	return s.cfg.Name
}

// Start marks the server as running.
func (s *Simulated) Start() {
	s.mu.Lock()
	s.running = true
	s.startedAt = s.now()
	s.mu.Unlock()
}

// Stop marks the server as not running. In-flight requests complete.
func (s *Simulated) Stop() {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
}

// Handle simulates serving one request.
func (s *Simulated) Handle(ctx context.Context, req core.BackendRequest) (core.BackendResponse, error) {
	start := s.now()

	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return core.BackendResponse{}, core.ErrBackendNotRunning
	}
	s.total++
	if s.active >= s.cfg.MaxConnections {
		s.mu.Unlock()
		return core.BackendResponse{}, core.ErrBackendAtCapacity
	}
	s.active++
	active := s.active
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		if s.active > 0 {
			s.active--
		}
		s.mu.Unlock()
	}()

	if err := sleep(ctx, s.cfg.ProcessingTime); err != nil {
		s.recordError(s.now())
		return core.BackendResponse{}, err
	}

	if s.cfg.FailureRate > 0 && s.rand() < s.cfg.FailureRate {
		now := s.now()
		s.recordError(now)
		s.recordResponse(now.Sub(start))
		return core.BackendResponse{
			StatusCode: http.StatusInternalServerError,
			Header:     map[string][]string{"Content-Type": {"text/plain; charset=utf-8"}},
			Body:       []byte("Internal Server Error\n"),
		}, nil
	}

	now := s.now()
	s.recordResponse(now.Sub(start))

	body := fmt.Sprintf("Request processed successfully\nServer: %s\nPath: %s\nTime: %s\nActive Connections: %d\n",
		s.cfg.Name, req.Path, now.Format(time.RFC3339), active)
	return core.BackendResponse{
		StatusCode: http.StatusOK,
		Header: map[string][]string{
			"Content-Type": {"text/plain; charset=utf-8"},
			"X-Backend":    {s.cfg.Name},
		},
		Body: []byte(body),
	}, nil
}

// Metrics reports current load without blocking.
func (s *Simulated) Metrics(context.Context) (core.BackendMetrics, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return core.BackendMetrics{
		Load:              s.loadLocked(),
		ActiveConnections: s.active,
		TotalRequests:     s.total,
		ErrorCount:        s.errors,
		AvgResponseTime:   s.avgResponseLocked(),
		Running:           s.running,
	}, nil
}

// HealthCheck reports healthy iff load, error rate and response time are all
// within limits and the server is running.
func (s *Simulated) HealthCheck(context.Context) (core.HealthReport, error) {
	now := s.now()

	s.mu.Lock()
	s.rolloverLocked(now)
	load := s.loadLocked()
	avg := s.avgResponseLocked()
	errRate := s.errorRateLocked()
	running := s.running
	s.mu.Unlock()

	report := core.HealthReport{
		Status:          core.HealthHealthy,
		Load:            load,
		AvgResponseTime: avg,
		ErrorRate:       errRate,
	}

	var problems []string
	if !running {
		problems = append(problems, "not running")
	}
	if load >= maxHealthyLoad {
		problems = append(problems, fmt.Sprintf("load %.1f%%", load))
	}
	if errRate >= maxHealthyErrorRate {
		problems = append(problems, fmt.Sprintf("error rate %.2f", errRate))
	}
	if avg >= maxHealthyResponseTime {
		problems = append(problems, fmt.Sprintf("avg response %s", avg))
	}
	if len(problems) > 0 {
		report.Status = core.HealthUnhealthy
		report.Message = strings.Join(problems, "; ")
	}
	return report, nil
}

func (s *Simulated) loadLocked() float64 {
	return float64(s.active) / float64(s.cfg.MaxConnections) * 100
}

func (s *Simulated) avgResponseLocked() time.Duration {
	if s.respCount == 0 {
		return 0
	}
	var sum time.Duration
	for i := 0; i < s.respCount; i++ {
		sum += s.responses[i]
	}
	return sum / time.Duration(s.respCount)
}

// errorRateLocked averages errors per minute over the completed minutes in
// the history window.
func (s *Simulated) errorRateLocked() float64 {
	sum := 0
	for i := 0; i < s.minuteLen; i++ {
		sum += s.minutes[i]
	}
	return float64(sum) / errorHistory
}

func (s *Simulated) recordResponse(d time.Duration) {
	s.mu.Lock()
	s.responses[s.respNext] = d
	s.respNext = (s.respNext + 1) % responseHistory
	if s.respCount < responseHistory {
		s.respCount++
	}
	s.mu.Unlock()
}

func (s *Simulated) recordError(now time.Time) {
	s.mu.Lock()
	s.errors++
	s.rolloverLocked(now)
	s.minuteCount++
	s.mu.Unlock()
}

// rolloverLocked closes out every minute that ended before now, including
// idle minutes, which count as zero errors.
func (s *Simulated) rolloverLocked(now time.Time) {
	minute := now.Unix() / 60
	if s.minute == 0 {
		s.minute = minute
		return
	}
	if minute <= s.minute {
		return
	}

	s.pushMinute(s.minuteCount)
	idle := minute - s.minute - 1
	if idle > errorHistory {
		idle = errorHistory
	}
	for i := int64(0); i < idle; i++ {
		s.pushMinute(0)
	}
	s.minute = minute
	s.minuteCount = 0
}

func (s *Simulated) pushMinute(n int) {
	s.minutes[s.minuteNext] = n
	s.minuteNext = (s.minuteNext + 1) % errorHistory
	if s.minuteLen < errorHistory {
		s.minuteLen++
	}
}

func (s *Simulated) now() time.Time {
	if s.Clock != nil {
		return s.Clock()
	}
	return time.Now()
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
