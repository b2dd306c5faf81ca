// Package engine is the admission front door. It feeds traffic to the
// detector, forwards recommendations to the rule store, and leases backends
// to admitted requests.
package engine

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/bulwarkhq/bulwark/internal/core"
	"github.com/bulwarkhq/bulwark/internal/core/balancer"
	"github.com/bulwarkhq/bulwark/internal/core/detector"
	"github.com/bulwarkhq/bulwark/internal/core/mitigation"
	"github.com/bulwarkhq/bulwark/internal/metrics"
)

const (
	defaultTopOffenders   = 5
	defaultExpireInterval = 10 * time.Second
	defaultChallengeTTL   = 5 * time.Minute
)

// ChangeSink receives every rule-table change, e.g. the mitigation journal.
type ChangeSink interface {
	Record(change mitigation.Change)
}

// Options wires an Engine.
type Options struct {
	Detector *detector.Detector
	Rules    *mitigation.Store
	Selector *balancer.Selector
	// Sink is optional.
	Sink ChangeSink

	Durations         core.DurationTable
	ChallengeDuration time.Duration
	ExpireInterval    time.Duration
	TopOffenders      int

	Logger core.Logger
}

// Engine coordinates detection, enforcement and backend selection.
type Engine struct {
	// Clock overrides time.Now for tests.
	Clock func() time.Time

	det   *detector.Detector
	rules *mitigation.Store
	sel   *balancer.Selector
	sink  ChangeSink
	log   core.Logger

	durations      core.DurationTable
	challengeTTL   time.Duration
	expireInterval time.Duration
	topN           int

	runMu  sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New validates the options and installs the engine's hooks on the rule
// store and selector.
func New(opts Options) (*Engine, error) {
	if opts.Detector == nil || opts.Rules == nil || opts.Selector == nil {
		return nil, errors.New("engine requires a detector, a rule store and a selector")
	}
	if opts.Logger == nil {
		opts.Logger = core.NopLogger()
	}
	if opts.Durations == (core.DurationTable{}) {
		opts.Durations = core.DefaultDurations()
	}
	if opts.ChallengeDuration <= 0 {
		opts.ChallengeDuration = defaultChallengeTTL
	}
	if opts.ExpireInterval <= 0 {
		opts.ExpireInterval = defaultExpireInterval
	}
	if opts.TopOffenders <= 0 {
		opts.TopOffenders = defaultTopOffenders
	}

	e := &Engine{
		det:            opts.Detector,
		rules:          opts.Rules,
		sel:            opts.Selector,
		sink:           opts.Sink,
		log:            opts.Logger,
		durations:      opts.Durations,
		challengeTTL:   opts.ChallengeDuration,
		expireInterval: opts.ExpireInterval,
		topN:           opts.TopOffenders,
	}

	e.rules.OnChange = e.onRuleChange
	e.sel.OnTransition = e.onTransition
	e.sel.OnCheck = func(name string, healthy bool, elapsed time.Duration) {
		metrics.RecordHealthCheck("backend:"+name, healthy, elapsed)
	}
	return e, nil
}

// Record feeds a completed request into detection and applies whatever it
// recommends. The result takes effect from the source's next request.
func (e *Engine) Record(ip, path, method string, size int64, status int) detector.Analysis {
	analysis := e.det.Record(ip, path, method, size, status)
	for _, rec := range analysis.Recommendations {
		metrics.RecordRecommendation(string(rec.Action), string(rec.Check), string(rec.Tier))
		e.rules.Apply(rec)
	}
	metrics.SetDetectorTrackers(e.det.TrackerCount())
	return analysis
}

// Check returns the admission decision for ip.
func (e *Engine) Check(ctx context.Context, ip string) core.Decision {
	d := e.rules.Check(ctx, ip)
	metrics.RecordAdmission(admissionLabel(d))
	return d
}

func admissionLabel(d core.Decision) string {
	switch {
	case d.Admitted():
		return "admit"
	case d.RateLimited():
		return "rate_limited"
	case d.Verdict == core.VerdictChallenge:
		return "challenge"
	default:
		return "deny"
	}
}

// Select checks ip against the rule table and, when admitted, leases the
// best healthy backend. Exactly one of the results is non-nil.
func (e *Engine) Select(ctx context.Context, ip string) (*Lease, *Refusal) {
	d := e.Check(ctx, ip)
	if !d.Admitted() {
		return nil, refusalFor(d)
	}

	b, ok := e.sel.Select(ctx, nil)
	if !ok {
		metrics.RecordBackendUnavailable()
		return nil, &Refusal{
			Kind:     RefusalNoBackends,
			Decision: d,
			Reason:   "no healthy backends available",
		}
	}

	metrics.RecordBackendSelection(b.Name())
	return &Lease{Backend: b, IP: ip, Decision: d, AcquiredAt: e.now()}, nil
}

// Release returns a lease's connection to the selector. Releasing the same
// lease twice, or a nil lease, is a no-op.
func (e *Engine) Release(l *Lease) {
	if l == nil || l.Backend == nil {
		return
	}
	if !l.released.CompareAndSwap(false, true) {
		return
	}
	e.sel.Release(l.Backend.Name())
}

// ManualRule is an operator-supplied rule.
type ManualRule struct {
	Target    string        `json:"target" yaml:"target"`
	Action    core.Action   `json:"action" yaml:"action"`
	Duration  time.Duration `json:"duration,omitempty" yaml:"duration,omitempty"`
	Reason    string        `json:"reason,omitempty" yaml:"reason,omitempty"`
	Score     float64       `json:"score,omitempty" yaml:"score,omitempty"`
	RateLimit *float64      `json:"rate_limit,omitempty" yaml:"rate_limit,omitempty"`
	// Force replaces a live rule even when its score is higher.
	Force bool `json:"force,omitempty" yaml:"force,omitempty"`
}

// ApplyRule installs a manual rule. Without Force it follows the same
// score-monotonic path as detector recommendations.
func (e *Engine) ApplyRule(m ManualRule) (mitigation.Rule, mitigation.Outcome, error) {
	target := strings.TrimSpace(m.Target)
	if net.ParseIP(target) == nil {
		return mitigation.Rule{}, "", fmt.Errorf("target %q is not an IP address", m.Target)
	}
	action, err := core.ParseAction(string(m.Action))
	if err != nil {
		return mitigation.Rule{}, "", err
	}

	score := m.Score
	if score == 0 {
		score = 1
	}
	tier := core.TierForScore(score)

	duration := m.Duration
	if duration <= 0 {
		if action == core.ActionChallenge {
			duration = e.challengeTTL
		} else {
			duration = e.durations.For(tier)
		}
	}

	reason := strings.TrimSpace(m.Reason)
	if reason == "" {
		reason = "Manual " + string(action)
	}

	rec := core.Recommendation{
		Target:    target,
		Action:    action,
		Check:     core.CheckManual,
		Tier:      tier,
		Duration:  duration,
		Reason:    reason,
		Score:     score,
		RateLimit: m.RateLimit,
	}
	if err := mitigation.ValidateRecommendation(rec); err != nil {
		return mitigation.Rule{}, "", err
	}

	rule, outcome := e.rules.ApplyManual(rec, m.Force)
	e.log.Debug("Manual rule submitted",
		zap.String("target", target),
		zap.Bool("force", m.Force),
		zap.String("outcome", string(outcome)))
	return rule, outcome, nil
}

// RemoveRule deletes the live rule for target, whitelisting it until the
// detector flags it again.
func (e *Engine) RemoveRule(target string) (mitigation.Rule, bool) {
	return e.rules.Remove(strings.TrimSpace(target))
}

// Rules returns the live rules with their remaining lifetime.
func (e *Engine) Rules() []RuleView {
	now := e.now()
	rules := e.rules.Rules()
	out := make([]RuleView, 0, len(rules))
	for _, r := range rules {
		out = append(out, viewOf(r, now))
	}
	return out
}

// Reload swaps the detection thresholds in place.
func (e *Engine) Reload(th detector.Thresholds) error {
	if err := e.det.SetThresholds(th); err != nil {
		return err
	}
	e.log.Info("Detection thresholds reloaded",
		zap.Float64("request_rate", th.RequestRate),
		zap.Float64("failure_rate", th.FailureRate),
		zap.Float64("pattern_score", th.PatternScore),
		zap.Float64("burst_score", th.BurstScore))
	return nil
}

// Thresholds returns the detection thresholds in effect.
func (e *Engine) Thresholds() detector.Thresholds {
	return e.det.Thresholds()
}

// Start launches the detector sweep, the health loop and the rule expiry
// loop. Calling Start twice is a no-op.
func (e *Engine) Start(ctx context.Context) {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	if e.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	e.det.Start(ctx)
	e.sel.Start(ctx)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ticker := time.NewTicker(e.expireInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := e.rules.Expire(); n > 0 {
					e.log.Debug("Expired mitigation rules", zap.Int("count", n))
				}
				metrics.SetActiveRules(len(e.rules.Rules()))
			}
		}
	}()
}

// Stop cancels background work and waits for it to finish.
func (e *Engine) Stop() {
	e.runMu.Lock()
	cancel := e.cancel
	e.cancel = nil
	e.runMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	e.wg.Wait()
	e.sel.Stop()
	e.det.Stop()
}

func (e *Engine) onRuleChange(c mitigation.Change) {
	metrics.RecordRuleChange(string(c.Kind), string(c.Rule.Action))
	if e.sink != nil {
		e.sink.Record(c)
	}
}

func (e *Engine) onTransition(name string, healthy bool) {
	metrics.SetBackendHealthy(name, healthy)
	if healthy {
		e.log.Info("Backend recovered", zap.String("backend", name))
		return
	}
	e.log.Warn("Backend marked unhealthy", zap.String("backend", name))
}

func (e *Engine) now() time.Time {
	if e.Clock != nil {
		return e.Clock()
	}
	return time.Now()
}

// Lease is a reserved connection on a backend.
type Lease struct {
	Backend    core.Backend
	IP         string
	Decision   core.Decision
	AcquiredAt time.Time

	released atomic.Bool
}

// RefusalKind classifies why a request was not given a backend.
type RefusalKind string

const (
	RefusalBlocked     RefusalKind = "blocked"
	RefusalRateLimited RefusalKind = "rate_limited"
	RefusalChallenged  RefusalKind = "challenged"
	RefusalNoBackends  RefusalKind = "no_backends"
)

// Refusal is a decision value, not an error.
type Refusal struct {
	Kind     RefusalKind
	Decision core.Decision
	Reason   string
}

// StatusCode is the HTTP status a refusal is answered with.
func (r *Refusal) StatusCode() int {
	switch r.Kind {
	case RefusalRateLimited, RefusalChallenged:
		return http.StatusTooManyRequests
	case RefusalNoBackends:
		return http.StatusServiceUnavailable
	default:
		return http.StatusForbidden
	}
}

func refusalFor(d core.Decision) *Refusal {
	kind := RefusalBlocked
	switch {
	case d.RateLimited():
		kind = RefusalRateLimited
	case d.Verdict == core.VerdictChallenge:
		kind = RefusalChallenged
	}
	return &Refusal{Kind: kind, Decision: d, Reason: d.Reason}
}
