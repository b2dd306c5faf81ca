package backend

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bulwarkhq/bulwark/internal/config"
	"github.com/bulwarkhq/bulwark/internal/core"
)

func TestSimulatedRequiresStart(t *testing.T) {
	s := NewSimulated(SimulatedConfig{Name: "sim", MaxConnections: 2})

	_, err := s.Handle(context.Background(), core.BackendRequest{Path: "/"})
	assert.ErrorIs(t, err, core.ErrBackendNotRunning)

	s.Start()
	resp, err := s.Handle(context.Background(), core.BackendRequest{Path: "/hello"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(resp.Body), "Server: sim")
	assert.Equal(t, []string{"sim"}, resp.Header["X-Backend"])

	m, _ := s.Metrics(context.Background())
	assert.Equal(t, int64(1), m.TotalRequests)
	assert.Equal(t, 0, m.ActiveConnections)
	assert.True(t, m.Running)

	s.Stop()
	m, _ = s.Metrics(context.Background())
	assert.False(t, m.Running)
	h, _ := s.HealthCheck(context.Background())
	assert.Equal(t, core.HealthUnhealthy, h.Status)
	assert.Contains(t, h.Message, "not running")
}

func TestSimulatedCapacityAndLoad(t *testing.T) {
	s := NewSimulated(SimulatedConfig{Name: "sim", MaxConnections: 2, ProcessingTime: 200 * time.Millisecond})
	s.Start()

	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = s.Handle(ctx, core.BackendRequest{Path: "/"})
		}()
	}

	require.Eventually(t, func() bool {
		m, _ := s.Metrics(ctx)
		return m.ActiveConnections == 2
	}, time.Second, 5*time.Millisecond)

	m, _ := s.Metrics(ctx)
	assert.InDelta(t, 100.0, m.Load, 1e-9)

	_, err := s.Handle(ctx, core.BackendRequest{Path: "/"})
	assert.ErrorIs(t, err, core.ErrBackendAtCapacity)

	h, _ := s.HealthCheck(ctx)
	assert.Equal(t, core.HealthUnhealthy, h.Status)
	assert.Contains(t, h.Message, "load")

	wg.Wait()
	m, _ = s.Metrics(ctx)
	assert.Equal(t, 0, m.ActiveConnections)
	assert.Equal(t, int64(3), m.TotalRequests)
	assert.GreaterOrEqual(t, m.AvgResponseTime, 200*time.Millisecond)
}

func TestSimulatedHandleHonorsContext(t *testing.T) {
	s := NewSimulated(SimulatedConfig{Name: "sim", ProcessingTime: time.Hour})
	s.Start()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := s.Handle(ctx, core.BackendRequest{Path: "/"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	m, _ := s.Metrics(context.Background())
	assert.Equal(t, int64(1), m.ErrorCount)
	assert.Equal(t, 0, m.ActiveConnections)
}

func TestSimulatedErrorRateCountsCompletedMinutes(t *testing.T) {
	now := time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)
	s := NewSimulated(SimulatedConfig{Name: "sim", FailureRate: 1})
	s.Clock = func() time.Time { return now }
	s.Start()

	ctx := context.Background()
	for i := 0; i < 12; i++ {
		resp, err := s.Handle(ctx, core.BackendRequest{Path: "/"})
		require.NoError(t, err)
		assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	}

	h, _ := s.HealthCheck(ctx)
	assert.Zero(t, h.ErrorRate, "the current minute is still open")

	now = now.Add(time.Minute)
	h, _ = s.HealthCheck(ctx)
	assert.InDelta(t, 12.0/60.0, h.ErrorRate, 1e-9)
	assert.Equal(t, core.HealthUnhealthy, h.Status)
	assert.Contains(t, h.Message, "error rate")

	// An hour of quiet pushes the bad minute out of the history.
	now = now.Add(61 * time.Minute)
	h, _ = s.HealthCheck(ctx)
	assert.Zero(t, h.ErrorRate)
	assert.Equal(t, core.HealthHealthy, h.Status)
}

func TestSimulatedResponseHistoryIsBounded(t *testing.T) {
	s := NewSimulated(SimulatedConfig{Name: "sim"})
	for i := 0; i < responseHistory*2; i++ {
		s.recordResponse(time.Duration(i) * time.Millisecond)
	}
	m, _ := s.Metrics(context.Background())
	// Holds the last 100 samples: 100ms..199ms.
	assert.Equal(t, 149500*time.Microsecond, m.AvgResponseTime)
}

func TestFromConfig(t *testing.T) {
	b, err := FromConfig(config.BackendConfig{Name: "a", Kind: config.BackendSimulated, MaxConnections: 5}, nil)
	require.NoError(t, err)
	m, _ := b.Metrics(context.Background())
	assert.True(t, m.Running, "simulated backends start running")

	b, err = FromConfig(config.BackendConfig{Name: "b", Kind: config.BackendHTTP, URL: "http://127.0.0.1:1", MaxConnections: 5}, nil)
	require.NoError(t, err)
	assert.Equal(t, "b", b.Name())

	_, err = FromConfig(config.BackendConfig{Name: "c", Kind: "grpc"}, nil)
	assert.Error(t, err)
}
