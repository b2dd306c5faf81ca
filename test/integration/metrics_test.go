package integration

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bulwarkhq/bulwark/internal/backend"
	"github.com/bulwarkhq/bulwark/internal/core/balancer"
	"github.com/bulwarkhq/bulwark/internal/core/detector"
	"github.com/bulwarkhq/bulwark/internal/core/engine"
	"github.com/bulwarkhq/bulwark/internal/core/mitigation"
	"github.com/bulwarkhq/bulwark/internal/observability"
	"github.com/bulwarkhq/bulwark/internal/server"
)

const (
	testNamespace = "bulwark_it"
	testToken     = "integration-token"
)

// isPermissionError normalizes OS-specific permission errors (macOS/Linux/BSD)
// so we can gracefully skip when loopback sockets are blocked.
func isPermissionError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, os.ErrPermission) || errors.Is(err, syscall.EACCES) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, fragment := range []string{"permission denied", "operation not permitted", "not permitted"} {
		if strings.Contains(msg, fragment) {
			return true
		}
	}

	return false
}

// initMetricsOrSkip starts the exporter on a free port, skipping when the
// sandbox forbids binds.
func initMetricsOrSkip(t *testing.T) {
	t.Helper()

	if err := observability.InitMetrics(observability.MetricsOptions{Namespace: testNamespace, Host: "127.0.0.1"}); err != nil {
		if isPermissionError(err) {
			t.Skipf("skipping metrics tests due to sandbox permissions: %v", err)
		}
		require.NoError(t, err)
	}
	t.Cleanup(func() { _ = observability.ShutdownMetrics() })
}

// newGateway assembles a real engine over two fast simulated backends.
func newGateway(t *testing.T) *engine.Engine {
	t.Helper()

	sel := balancer.New(balancer.DefaultConfig(), nil)
	for i := 1; i <= 2; i++ {
		b := backend.NewSimulated(backend.SimulatedConfig{
			Name:           fmt.Sprintf("sim-%d", i),
			MaxConnections: 50,
			ProcessingTime: time.Millisecond,
		})
		b.Start()
		require.NoError(t, sel.Register(b, 50))
	}

	e, err := engine.New(engine.Options{
		Detector: detector.New(detector.DefaultConfig(), nil),
		Rules:    mitigation.NewStore(mitigation.Config{}, nil, nil),
		Selector: sel,
	})
	require.NoError(t, err)
	return e
}

// newTestServer binds to IPv4 loopback explicitly (avoiding IPv6-only defaults)
// and skips when the sandbox refuses to open sockets.
func newTestServer(t *testing.T) (*httptest.Server, *http.Client) {
	t.Helper()
	srv, err := server.New(server.Options{Gateway: newGateway(t), AdminToken: testToken})
	require.NoError(t, err)

	listener, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		if isPermissionError(err) {
			t.Skipf("skipping metrics server setup: %v", err)
		}
		require.NoError(t, err)
	}

	ts := &httptest.Server{
		Listener: listener,
		Config:   &http.Server{Handler: srv.Handler()},
	}
	ts.Start()
	t.Cleanup(ts.Close)
	return ts, ts.Client()
}

func get(t *testing.T, client *http.Client, url, ip string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	require.NoError(t, err)
	req.Header.Set("X-Real-IP", ip)
	resp, err := client.Do(req)
	require.NoError(t, err)
	return resp
}

func scrape(t *testing.T, client *http.Client, base string) (string, *http.Response) {
	t.Helper()
	resp, err := client.Get(base + "/metrics")
	require.NoError(t, err)
	body, readErr := io.ReadAll(resp.Body)
	require.NoError(t, resp.Body.Close())
	require.NoError(t, readErr)
	return string(body), resp
}

func TestMetricsEndpoint_Integration(t *testing.T) {
	observability.InitServerLogger(observability.ServerLoggerOptions{Service: "bulwark-test", Level: "warn"})
	initMetricsOrSkip(t)

	ts, client := newTestServer(t)

	req, err := http.NewRequest(http.MethodPost, ts.URL+"/admin/rules",
		bytes.NewBufferString(`{"target":"203.0.113.66","action":"block","duration":"5m"}`))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+testToken)
	resp, err := client.Do(req)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	const numRequests = 60
	const numWorkers = 10

	requestChan := make(chan int, numRequests)
	for i := 0; i < numRequests; i++ {
		requestChan <- i
	}
	close(requestChan)

	start := time.Now()
	var (
		mu       sync.Mutex
		statuses = map[int]int{}
	)

	var wg sync.WaitGroup
	wg.Add(numWorkers)
	for i := 0; i < numWorkers; i++ {
		go func() {
			defer wg.Done()
			for reqNum := range requestChan {
				ip := fmt.Sprintf("10.1.0.%d", 1+reqNum%20)
				path := fmt.Sprintf("/catalog/%d", reqNum%5)
				if reqNum%3 == 0 {
					ip = "203.0.113.66"
				}
				req, err := http.NewRequest(http.MethodGet, ts.URL+path, nil)
				if err != nil {
					continue
				}
				req.Header.Set("X-Real-IP", ip)
				resp, err := client.Do(req)
				if err != nil {
					continue
				}
				_ = resp.Body.Close()
				mu.Lock()
				statuses[resp.StatusCode]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	elapsed := time.Since(start)

	assert.Equal(t, numRequests/3, statuses[http.StatusForbidden], "blocked source is refused every time")
	assert.Equal(t, numRequests-numRequests/3, statuses[http.StatusOK])

	metricsContent, resp := scrape(t, client, ts.URL)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, metricsContent, testNamespace+"_http_requests_total", "Should have HTTP request metrics")
	assert.Contains(t, metricsContent, testNamespace+"_http_request_duration_ms", "Should have duration metrics")
	assert.Contains(t, metricsContent, testNamespace+"_admission_decisions_total", "Should have admission metrics")
	assert.Contains(t, metricsContent, testNamespace+"_backend_selection_total", "Should have selection metrics")
	assert.True(t, elapsed < 10*time.Second, "Load test should complete in reasonable time")
	t.Logf("Load test completed: %d requests in %v (%.2f req/s)", numRequests, elapsed, float64(numRequests)/elapsed.Seconds())
}

func TestMetricsEndpoint_PrometheusFormat(t *testing.T) {
	initMetricsOrSkip(t)
	ts, client := newTestServer(t)

	resp := get(t, client, ts.URL+"/format-test", "10.2.0.1")
	require.NoError(t, resp.Body.Close())
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	metricsContent, resp := scrape(t, client, ts.URL)
	contentType := resp.Header.Get("Content-Type")
	assert.True(t,
		contentType == "text/plain; version=0.0.4" ||
			contentType == "text/plain; version=0.0.4; charset=utf-8",
		"Expected Prometheus content type, got: %s", contentType)

	lines := strings.Split(strings.TrimSpace(metricsContent), "\n")
	metricLines := 0
	labelled := false
	for _, line := range lines {
		if strings.HasPrefix(line, "#") || strings.TrimSpace(line) == "" {
			continue
		}
		metricLines++
		if strings.Contains(line, "{") && len(strings.Fields(line)) >= 2 {
			labelled = true
		}
	}
	assert.True(t, labelled, "Should have valid Prometheus metric lines")
	assert.Greater(t, metricLines, 0, "Should have actual metric values")
}

func TestMetricsEndpoint_WithTelemetryDisabled(t *testing.T) {
	require.NoError(t, observability.ShutdownMetrics())
	ts, client := newTestServer(t)

	resp := get(t, client, ts.URL+"/anything", "10.3.0.1")
	require.NoError(t, resp.Body.Close())
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	_, resp = scrape(t, client, ts.URL)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}
