package core

import (
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Logger is the structured logger handed to core components at construction.
// Both *zap.Logger and the gofulmen *logging.Logger satisfy it.
type Logger interface {
	Debug(msg string, fields ...zap.Field)
	Info(msg string, fields ...zap.Field)
	Warn(msg string, fields ...zap.Field)
	Error(msg string, fields ...zap.Field)
}

// NopLogger returns a Logger that discards everything.
func NopLogger() Logger {
	return zap.NewNop()
}

// Action identifies a mitigation action.
type Action string

const (
	ActionThrottle  Action = "throttle"
	ActionBlock     Action = "block"
	ActionChallenge Action = "challenge"
)

// ParseAction validates and normalizes an action string.
func ParseAction(value string) (Action, error) {
	switch Action(strings.ToLower(strings.TrimSpace(value))) {
	case ActionThrottle:
		return ActionThrottle, nil
	case ActionBlock:
		return ActionBlock, nil
	case ActionChallenge:
		return ActionChallenge, nil
	default:
		return "", fmt.Errorf("unsupported action: %q", value)
	}
}

// Check identifies which analysis produced a recommendation.
type Check string

const (
	CheckRate    Check = "rate"
	CheckFailure Check = "failure"
	CheckPattern Check = "pattern"
	CheckBurst   Check = "burst"
	CheckManual  Check = "manual"
)

// Tier is a severity bucket derived from a score.
type Tier string

const (
	TierLow    Tier = "low"
	TierMedium Tier = "medium"
	TierHigh   Tier = "high"
)

// TierForScore buckets a score: >=0.9 high, >=0.7 medium, otherwise low.
func TierForScore(score float64) Tier {
	switch {
	case score >= 0.9:
		return TierHigh
	case score >= 0.7:
		return TierMedium
	default:
		return TierLow
	}
}

// DurationTable maps severity tiers to mitigation durations.
type DurationTable struct {
	Low    time.Duration `mapstructure:"low" json:"low" yaml:"low"`
	Medium time.Duration `mapstructure:"medium" json:"medium" yaml:"medium"`
	High   time.Duration `mapstructure:"high" json:"high" yaml:"high"`
}

// DefaultDurations returns the stock duration table.
func DefaultDurations() DurationTable {
	return DurationTable{
		Low:    300 * time.Second,
		Medium: 900 * time.Second,
		High:   1800 * time.Second,
	}
}

// For returns the duration configured for a tier.
func (d DurationTable) For(tier Tier) time.Duration {
	switch tier {
	case TierHigh:
		return d.High
	case TierMedium:
		return d.Medium
	default:
		return d.Low
	}
}

// RequestRecord is one observed request from a source.
type RequestRecord struct {
	Timestamp  time.Time
	Path       string
	Method     string
	Size       int64
	StatusCode int
}

// Failed reports whether the record counts as a failure.
func (r RequestRecord) Failed() bool {
	return r.StatusCode >= 400
}

// Recommendation is an immutable mitigation proposal for a target.
type Recommendation struct {
	Target    string        `json:"target"`
	Action    Action        `json:"action"`
	Check     Check         `json:"check"`
	Tier      Tier          `json:"tier"`
	Duration  time.Duration `json:"duration"`
	Reason    string        `json:"reason"`
	Score     float64       `json:"score"`
	RateLimit *float64      `json:"rate_limit,omitempty"`
}

// Verdict is the outcome class of an admission decision.
type Verdict string

const (
	VerdictAdmit     Verdict = "admit"
	VerdictDeny      Verdict = "deny"
	VerdictChallenge Verdict = "challenge"
)

// ReasonRateLimited is the deny reason used when a throttle rule is at capacity.
const ReasonRateLimited = "rate limit exceeded"

// Decision is the admission outcome for a single request.
type Decision struct {
	Verdict Verdict `json:"verdict"`
	Action  Action  `json:"action,omitempty"`
	Reason  string  `json:"reason,omitempty"`
	Score   float64 `json:"score,omitempty"`
}

// Admit returns an admitting decision with no rule attached.
func Admit() Decision {
	return Decision{Verdict: VerdictAdmit}
}

// Admitted reports whether the request may proceed.
func (d Decision) Admitted() bool {
	return d.Verdict == VerdictAdmit
}

// RateLimited reports whether the decision is a throttle denial.
func (d Decision) RateLimited() bool {
	return d.Verdict == VerdictDeny && d.Action == ActionThrottle
}

// Float returns a pointer to v.
func Float(v float64) *float64 {
	return &v
}
