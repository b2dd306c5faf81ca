package engine

import (
	"context"
	"time"

	"github.com/bulwarkhq/bulwark/internal/core/balancer"
	"github.com/bulwarkhq/bulwark/internal/core/detector"
	"github.com/bulwarkhq/bulwark/internal/core/mitigation"
)

// RuleView is a live rule plus its remaining lifetime.
type RuleView struct {
	mitigation.Rule `yaml:",inline"`
	Remaining       time.Duration `json:"-" yaml:"-"`
	RemainingSecs   float64       `json:"remaining_seconds" yaml:"remaining_seconds"`
}

func viewOf(r mitigation.Rule, now time.Time) RuleView {
	remaining := r.Remaining(now)
	return RuleView{Rule: r, Remaining: remaining, RemainingSecs: remaining.Seconds()}
}

// Traffic combines detection-side and enforcement-side totals.
type Traffic struct {
	RequestsSeen int64 `json:"total_requests" yaml:"total_requests"`
	Flagged      int64 `json:"flagged_requests" yaml:"flagged_requests"`
	TrackedIPs   int   `json:"total_ips" yaml:"total_ips"`
	Admitted     int64 `json:"admitted" yaml:"admitted"`
	Denied       int64 `json:"denied" yaml:"denied"`
	Throttled    int64 `json:"throttled" yaml:"throttled"`
	Challenged   int64 `json:"challenged" yaml:"challenged"`
}

// Snapshot is a read-only view of the whole engine.
type Snapshot struct {
	GeneratedAt      time.Time           `json:"generated_at" yaml:"generated_at"`
	Backends         []balancer.Status   `json:"backends" yaml:"backends"`
	HealthyBackends  int                 `json:"healthy_backends" yaml:"healthy_backends"`
	Traffic          Traffic             `json:"traffic" yaml:"traffic"`
	Rules            []RuleView          `json:"rules" yaml:"rules"`
	ThrottledTargets int                 `json:"throttled_targets" yaml:"throttled_targets"`
	SuspiciousIPs    []string            `json:"suspicious_ips" yaml:"suspicious_ips"`
	TopOffenders     []detector.Offender `json:"top_offenders" yaml:"top_offenders"`
	Thresholds       detector.Thresholds `json:"thresholds" yaml:"thresholds"`
}

// Snapshot gathers state from each component in turn. Components are read
// one at a time, so the view is consistent per component only.
func (e *Engine) Snapshot(ctx context.Context) Snapshot {
	stats := e.det.Stats(e.topN)
	counters := e.rules.Stats()
	backends := e.sel.Statuses(ctx)

	healthy := 0
	for _, b := range backends {
		if b.Health.Healthy {
			healthy++
		}
	}

	suspicious := stats.SuspiciousIPs
	if suspicious == nil {
		suspicious = []string{}
	}
	offenders := stats.TopOffenders
	if offenders == nil {
		offenders = []detector.Offender{}
	}

	return Snapshot{
		GeneratedAt:     e.now(),
		Backends:        backends,
		HealthyBackends: healthy,
		Traffic: Traffic{
			RequestsSeen: stats.RequestsSeen,
			Flagged:      stats.Flagged,
			TrackedIPs:   stats.TrackedIPs,
			Admitted:     counters.Admitted,
			Denied:       counters.Denied,
			Throttled:    counters.Throttled,
			Challenged:   counters.Challenged,
		},
		Rules:            e.Rules(),
		ThrottledTargets: e.rules.ThrottledCount(),
		SuspiciousIPs:    suspicious,
		TopOffenders:     offenders,
		Thresholds:       e.det.Thresholds(),
	}
}
