package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bulwarkhq/bulwark/internal/backend"
	"github.com/bulwarkhq/bulwark/internal/core"
	"github.com/bulwarkhq/bulwark/internal/core/balancer"
	"github.com/bulwarkhq/bulwark/internal/core/detector"
	"github.com/bulwarkhq/bulwark/internal/core/engine"
	"github.com/bulwarkhq/bulwark/internal/core/mitigation"
	apperrors "github.com/bulwarkhq/bulwark/internal/errors"
)

const adminToken = "t0ken"

type fixedClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type harness struct {
	srv    *Server
	engine *engine.Engine
	clock  *fixedClock
}

type failingBackend struct {
	name string
	err  error
}

func (f failingBackend) Name() string { return f.name }

func (f failingBackend) Metrics(context.Context) (core.BackendMetrics, error) {
	return core.BackendMetrics{Running: true}, nil
}

func (f failingBackend) HealthCheck(context.Context) (core.HealthReport, error) {
	return core.HealthReport{Status: core.HealthHealthy}, nil
}

func (f failingBackend) Handle(context.Context, core.BackendRequest) (core.BackendResponse, error) {
	return core.BackendResponse{}, f.err
}

func newHarness(t *testing.T, backends ...core.Backend) *harness {
	t.Helper()
	clock := &fixedClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}

	det := detector.New(detector.DefaultConfig(), nil)
	det.Clock = clock.Now
	rules := mitigation.NewStore(mitigation.Config{}, nil, nil)
	rules.Clock = clock.Now
	sel := balancer.New(balancer.DefaultConfig(), nil)
	sel.Clock = clock.Now

	if len(backends) == 0 {
		sim := backend.NewSimulated(backend.SimulatedConfig{Name: "sim-1", MaxConnections: 50})
		sim.Start()
		backends = []core.Backend{sim}
	}
	for _, b := range backends {
		require.NoError(t, sel.Register(b, 50))
	}

	e, err := engine.New(engine.Options{Detector: det, Rules: rules, Selector: sel})
	require.NoError(t, err)
	e.Clock = clock.Now

	srv, err := New(Options{
		Host:         "127.0.0.1",
		Gateway:      e,
		AdminToken:   adminToken,
		MaxBodyBytes: 64,
	})
	require.NoError(t, err)
	return &harness{srv: srv, engine: e, clock: clock}
}

func (h *harness) do(t *testing.T, method, path, ip string, body []byte, admin bool) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if ip != "" {
		req.RemoteAddr = ip + ":40000"
	}
	if admin {
		req.Header.Set("Authorization", "Bearer "+adminToken)
	}
	rec := httptest.NewRecorder()
	h.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func (h *harness) applyRule(t *testing.T, req RuleRequest) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(req)
	require.NoError(t, err)
	return h.do(t, http.MethodPost, "/admin/rules", "127.0.0.1", body, true)
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) apperrors.HTTPErrorResponse {
	t.Helper()
	var body apperrors.HTTPErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), rec.Body.String())
	return body
}

func TestNewRequiresGateway(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)
}

func TestIngressProxiesAdmittedRequest(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodGet, "/catalog/shoes?page=2", "198.51.100.4", nil, false)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "sim-1", rec.Header().Get(BackendHeader))
	assert.Contains(t, rec.Body.String(), "Path: /catalog/shoes")
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	snap := h.engine.Snapshot(context.Background())
	assert.EqualValues(t, 1, snap.Traffic.RequestsSeen)
	assert.EqualValues(t, 1, snap.Traffic.Admitted)
	assert.Zero(t, snap.Backends[0].ActiveConnections, "lease released")
}

func TestIngressRefusals(t *testing.T) {
	tests := []struct {
		name   string
		rule   RuleRequest
		status int
		code   string
		header string
	}{
		{
			name:   "Block",
			rule:   RuleRequest{Target: "203.0.113.9", Action: "block", Reason: "scraper"},
			status: http.StatusForbidden,
			code:   apperrors.CodeForbidden,
		},
		{
			name:   "Challenge",
			rule:   RuleRequest{Target: "203.0.113.9", Action: "challenge"},
			status: http.StatusTooManyRequests,
			code:   apperrors.CodeChallengeRequired,
			header: ChallengeHeader,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			require.Equal(t, http.StatusCreated, h.applyRule(t, tt.rule).Code)

			rec := h.do(t, http.MethodGet, "/", "203.0.113.9", nil, false)
			require.Equal(t, tt.status, rec.Code)
			if tt.header != "" {
				assert.NotEmpty(t, rec.Header().Get(tt.header))
			}

			body := decodeError(t, rec)
			assert.Equal(t, tt.code, body.Error.Code)
			assert.Equal(t, tt.rule.Action, body.Error.Details["action"])
			assert.EqualValues(t, 1.0, body.Error.Details["score"])

			// Refused traffic is still fed to detection.
			assert.EqualValues(t, 1, h.engine.Snapshot(context.Background()).Traffic.RequestsSeen)
		})
	}
}

func TestIngressThrottle(t *testing.T) {
	h := newHarness(t)
	limit := 1.0
	require.Equal(t, http.StatusCreated, h.applyRule(t, RuleRequest{Target: "192.0.2.10", Action: "throttle", RateLimit: &limit}).Code)

	assert.Equal(t, http.StatusOK, h.do(t, http.MethodGet, "/a", "192.0.2.10", nil, false).Code)

	rec := h.do(t, http.MethodGet, "/b", "192.0.2.10", nil, false)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
	assert.Equal(t, apperrors.CodeTooManyRequests, decodeError(t, rec).Error.Code)

	h.clock.Advance(1100 * time.Millisecond)
	assert.Equal(t, http.StatusOK, h.do(t, http.MethodGet, "/c", "192.0.2.10", nil, false).Code)
}

func TestIngressUsesRealIP(t *testing.T) {
	h := newHarness(t)
	require.Equal(t, http.StatusCreated, h.applyRule(t, RuleRequest{Target: "203.0.113.50", Action: "block"}).Code)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.2:1234"
	req.Header.Set("X-Real-IP", "203.0.113.50")
	rec := httptest.NewRecorder()
	h.srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestIngressNoHealthyBackends(t *testing.T) {
	sim := backend.NewSimulated(backend.SimulatedConfig{Name: "sim-1", MaxConnections: 10})
	h := newHarness(t, sim) // never started

	rec := h.do(t, http.MethodGet, "/", "198.51.100.4", nil, false)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	body := decodeError(t, rec)
	assert.Equal(t, apperrors.CodeServiceUnavailable, body.Error.Code)
	assert.Equal(t, string(engine.RefusalNoBackends), body.Error.Details["kind"])
}

func TestIngressBackendError(t *testing.T) {
	h := newHarness(t, failingBackend{name: "flaky", err: core.ErrBackendAtCapacity})

	rec := h.do(t, http.MethodGet, "/", "198.51.100.4", nil, false)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	body := decodeError(t, rec)
	assert.Equal(t, "flaky", body.Error.Details["backend"])
	assert.Equal(t, "at_capacity", body.Error.Details["error_type"])

	snap := h.engine.Snapshot(context.Background())
	assert.EqualValues(t, 1, snap.Traffic.RequestsSeen)
	assert.Zero(t, snap.Backends[0].ActiveConnections)
}

func TestIngressBodyTooLarge(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodPost, "/upload", "198.51.100.4", bytes.Repeat([]byte("x"), 65), false)
	require.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Equal(t, apperrors.CodeRequestTooLarge, decodeError(t, rec).Error.Code)
}

func TestBackendErrorType(t *testing.T) {
	assert.Equal(t, "at_capacity", backendErrorType(core.ErrBackendAtCapacity))
	assert.Equal(t, "not_running", backendErrorType(core.ErrBackendNotRunning))
	assert.Equal(t, "canceled", backendErrorType(context.DeadlineExceeded))
	assert.Equal(t, "transport", backendErrorType(assert.AnError))
}

func TestClientIP(t *testing.T) {
	for addr, want := range map[string]string{
		"192.0.2.1:8080":  "192.0.2.1",
		"[2001:db8::1]:9": "2001:db8::1",
		"192.0.2.7":       "192.0.2.7",
	} {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = addr
		assert.Equal(t, want, clientIP(req), addr)
	}
}

func TestForwardHeader(t *testing.T) {
	in := http.Header{}
	in.Set("Connection", "keep-alive")
	in.Set("X-Forwarded-For", "10.1.1.1")
	in.Set("Accept", "text/html")

	out := http.Header(forwardHeader(in, "192.0.2.1"))
	assert.Empty(t, out.Get("Connection"))
	assert.Equal(t, "10.1.1.1, 192.0.2.1", out.Get("X-Forwarded-For"))
	assert.Equal(t, "text/html", out.Get("Accept"))
}

func TestAdminRequiresToken(t *testing.T) {
	h := newHarness(t)

	assert.Equal(t, http.StatusUnauthorized, h.do(t, http.MethodGet, "/admin/rules", "127.0.0.1", nil, false).Code)
	assert.Equal(t, http.StatusOK, h.do(t, http.MethodGet, "/admin/rules", "127.0.0.1", nil, true).Code)
}

func TestAdminDisabledIsNotProxied(t *testing.T) {
	h := newHarness(t)
	srv, err := New(Options{Gateway: h.engine})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/admin/rules", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Empty(t, rec.Header().Get(BackendHeader))
}

func TestAdminRuleLifecycle(t *testing.T) {
	h := newHarness(t)

	rec := h.applyRule(t, RuleRequest{Target: "198.51.100.20", Action: "block", Score: 0.8, Duration: "10m"})
	require.Equal(t, http.StatusCreated, rec.Code)
	var created RuleResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Equal(t, "created", created.Outcome)
	assert.Equal(t, h.clock.Now().Add(10*time.Minute), created.Rule.ExpiresAt.UTC())

	rec = h.applyRule(t, RuleRequest{Target: "198.51.100.20", Action: "throttle", Score: 0.5})
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, apperrors.CodeConflict, decodeError(t, rec).Error.Code)

	rec = h.applyRule(t, RuleRequest{Target: "198.51.100.20", Action: "throttle", Score: 0.5, Force: true})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(t, http.MethodGet, "/admin/rules", "127.0.0.1", nil, true)
	var list RuleList
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Equal(t, 1, list.Count)
	assert.Equal(t, core.ActionThrottle, list.Rules[0].Action)

	rec = h.do(t, http.MethodDelete, "/admin/rules/198.51.100.20", "127.0.0.1", nil, true)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, http.StatusNotFound, h.do(t, http.MethodDelete, "/admin/rules/198.51.100.20", "127.0.0.1", nil, true).Code)
}

func TestAdminApplyRuleValidation(t *testing.T) {
	h := newHarness(t)

	for name, body := range map[string]string{
		"Malformed":     `{"target":`,
		"UnknownField":  `{"target":"192.0.2.1","action":"block","ttl":"1m"}`,
		"NotAnIP":       `{"target":"example.com","action":"block"}`,
		"BadAction":     `{"target":"192.0.2.1","action":"tarpit"}`,
		"BadDuration":   `{"target":"192.0.2.1","action":"block","duration":"soon"}`,
		"MissingTarget": `{"action":"block"}`,
	} {
		t.Run(name, func(t *testing.T) {
			rec := h.do(t, http.MethodPost, "/admin/rules", "127.0.0.1", []byte(body), true)
			assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
		})
	}
}

func TestAdminSnapshot(t *testing.T) {
	h := newHarness(t)
	h.do(t, http.MethodGet, "/", "198.51.100.4", nil, false)

	rec := h.do(t, http.MethodGet, "/admin/snapshot", "127.0.0.1", nil, true)
	require.Equal(t, http.StatusOK, rec.Code)

	var snap engine.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.EqualValues(t, 1, snap.Traffic.RequestsSeen)
	assert.Equal(t, 1, snap.HealthyBackends)
	require.Len(t, snap.Backends, 1)
	assert.Equal(t, detector.DefaultConfig().Thresholds, snap.Thresholds)
}

func TestReservedRoutes(t *testing.T) {
	h := newHarness(t)

	for _, path := range []string{"/version", "/health/live"} {
		rec := h.do(t, http.MethodGet, path, "127.0.0.1", nil, false)
		assert.Equal(t, http.StatusOK, rec.Code, path)
		assert.Empty(t, rec.Header().Get(BackendHeader), path)
	}

	rec := h.do(t, http.MethodGet, "/health/startup", "127.0.0.1", nil, false)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "starting"))
}
