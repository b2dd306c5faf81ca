package server

import (
	"context"
	stderrors "errors"
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/fulmenhq/gofulmen/errors"
	"go.uber.org/zap"

	"github.com/bulwarkhq/bulwark/internal/core"
	"github.com/bulwarkhq/bulwark/internal/core/engine"
	apperrors "github.com/bulwarkhq/bulwark/internal/errors"
	"github.com/bulwarkhq/bulwark/internal/metrics"
	"github.com/bulwarkhq/bulwark/internal/observability"
)

const (
	// BackendHeader names the backend that served a proxied response.
	BackendHeader = "X-Bulwark-Backend"
	// ChallengeHeader is set on responses refused by a challenge rule.
	ChallengeHeader = "X-Bulwark-Challenge"
)

// hopHeaders are connection-scoped and never forwarded.
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

func isHopHeader(key string) bool {
	for _, h := range hopHeaders {
		if strings.EqualFold(key, h) {
			return true
		}
	}
	return false
}

func (s *Server) ingressHandler() http.HandlerFunc {
	return s.handleIngress
}

// handleIngress admits or refuses a request, forwards admitted ones to a
// leased backend, then feeds the outcome to detection. Refused requests are
// recorded too: a blocked source that keeps hammering stays flagged.
func (s *Server) handleIngress(w http.ResponseWriter, r *http.Request) {
	ip := clientIP(r)
	status := http.StatusOK
	size := max(r.ContentLength, 0)
	defer func() {
		s.gw.Record(ip, r.URL.Path, r.Method, size, status)
	}()

	lease, refusal := s.gw.Select(r.Context(), ip)
	if refusal != nil {
		status = s.refuse(w, r, refusal)
		return
	}
	defer s.gw.Release(lease)

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.opts.MaxBodyBytes))
	if err != nil {
		status = s.rejectBody(w, r, err)
		return
	}
	size = int64(len(body))

	resp, err := lease.Backend.Handle(r.Context(), core.BackendRequest{
		Method:   r.Method,
		Path:     r.URL.Path,
		RawQuery: r.URL.RawQuery,
		Header:   forwardHeader(r.Header, ip),
		Body:     body,
		ClientIP: ip,
	})
	if err != nil {
		status = s.backendFailed(w, r, lease, err)
		return
	}

	for key, values := range resp.Header {
		if isHopHeader(key) {
			continue
		}
		for _, v := range values {
			w.Header().Add(key, v)
		}
	}
	w.Header().Set(BackendHeader, lease.Backend.Name())

	status = resp.StatusCode
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	if _, err := w.Write(resp.Body); err != nil && observability.ServerLogger != nil {
		observability.ServerLogger.Debug("Client went away mid-response",
			zap.String("backend", lease.Backend.Name()),
			zap.Error(err))
	}
}

// refuse writes the error response for a refused request and returns its
// status.
func (s *Server) refuse(w http.ResponseWriter, r *http.Request, refusal *engine.Refusal) int {
	d := refusal.Decision
	details := map[string]interface{}{
		"kind":   string(refusal.Kind),
		"reason": refusal.Reason,
	}
	if d.Action != "" {
		details["action"] = string(d.Action)
		details["score"] = d.Score
	}

	var envelope *errors.ErrorEnvelope
	switch refusal.Kind {
	case engine.RefusalRateLimited:
		w.Header().Set("Retry-After", "1")
		envelope = apperrors.NewTooManyRequestsError("rate limit exceeded", details)
	case engine.RefusalChallenged:
		w.Header().Set(ChallengeHeader, "required")
		envelope = apperrors.NewChallengeRequiredError("challenge required", details)
	case engine.RefusalNoBackends:
		envelope = apperrors.NewServiceUnavailableError(refusal.Reason).WithDetails(details)
	default:
		envelope = apperrors.NewForbiddenError("request blocked", details)
	}

	return HandleError(w, r, envelope)
}

func (s *Server) rejectBody(w http.ResponseWriter, r *http.Request, err error) int {
	var tooLarge *http.MaxBytesError
	if stderrors.As(err, &tooLarge) {
		envelope := errors.NewErrorEnvelope(apperrors.CodeRequestTooLarge, "request body too large").
			WithDetails(map[string]interface{}{"limit_bytes": tooLarge.Limit})
		return HandleError(w, r, envelope)
	}
	return HandleError(w, r, apperrors.WrapInvalidInput(r.Context(), err, "unable to read request body"))
}

func (s *Server) backendFailed(w http.ResponseWriter, r *http.Request, lease *engine.Lease, err error) int {
	name := lease.Backend.Name()
	errorType := backendErrorType(err)
	metrics.RecordBackendError(name, errorType)

	envelope := apperrors.WrapServiceUnavailable(r.Context(), err, "backend unavailable").
		WithDetails(map[string]interface{}{
			"backend":    name,
			"error_type": errorType,
		})
	return HandleError(w, r, envelope)
}

func backendErrorType(err error) string {
	switch {
	case stderrors.Is(err, core.ErrBackendAtCapacity):
		return "at_capacity"
	case stderrors.Is(err, core.ErrBackendNotRunning):
		return "not_running"
	case stderrors.Is(err, context.Canceled), stderrors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "transport"
	}
}

// forwardHeader copies the request headers minus hop-by-hop ones and appends
// the client to X-Forwarded-For.
func forwardHeader(in http.Header, ip string) map[string][]string {
	out := make(http.Header, len(in)+1)
	for key, values := range in {
		if isHopHeader(key) {
			continue
		}
		out[key] = append([]string(nil), values...)
	}
	if ip != "" {
		if prior := out.Get("X-Forwarded-For"); prior != "" {
			out.Set("X-Forwarded-For", prior+", "+ip)
		} else {
			out.Set("X-Forwarded-For", ip)
		}
	}
	return out
}

// clientIP is RemoteAddr without its port. middleware.RealIP has already
// substituted the forwarded address when one was sent.
func clientIP(r *http.Request) string {
	addr := strings.TrimSpace(r.RemoteAddr)
	if host, _, err := net.SplitHostPort(addr); err == nil {
		addr = host
	}
	if ip := net.ParseIP(addr); ip != nil {
		return ip.String()
	}
	return addr
}
