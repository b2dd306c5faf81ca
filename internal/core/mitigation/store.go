// Package mitigation holds the active mitigation rules and enforces them on
// admission checks.
package mitigation

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/bulwarkhq/bulwark/internal/core"
)

// Rule is an active mitigation for one target.
type Rule struct {
	Target    string      `json:"target" yaml:"target"`
	Action    core.Action `json:"action" yaml:"action"`
	Check     core.Check  `json:"check" yaml:"check"`
	Reason    string      `json:"reason" yaml:"reason"`
	Score     float64     `json:"score" yaml:"score"`
	RateLimit *float64    `json:"rate_limit,omitempty" yaml:"rate_limit,omitempty"`
	CreatedAt time.Time   `json:"created_at" yaml:"created_at"`
	ExpiresAt time.Time   `json:"expires_at" yaml:"expires_at"`
}

// Expired reports whether the rule is over at now.
func (r Rule) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// Remaining returns the time left before expiry, never negative.
func (r Rule) Remaining(now time.Time) time.Duration {
	if r.Expired(now) {
		return 0
	}
	return r.ExpiresAt.Sub(now)
}

// Outcome is the effect of applying a recommendation.
type Outcome string

const (
	OutcomeCreated  Outcome = "created"
	OutcomeReplaced Outcome = "replaced"
	OutcomeIgnored  Outcome = "ignored"
)

// ChangeKind classifies a rule-table change.
type ChangeKind string

const (
	ChangeCreated  ChangeKind = "created"
	ChangeReplaced ChangeKind = "replaced"
	ChangeRemoved  ChangeKind = "removed"
	ChangeExpired  ChangeKind = "expired"
)

// Change describes one mutation of the rule table.
type Change struct {
	Kind ChangeKind
	Rule Rule
	At   time.Time
}

// Counters are enforcement-side totals.
type Counters struct {
	Admitted   int64 `json:"admitted" yaml:"admitted"`
	Denied     int64 `json:"denied" yaml:"denied"`
	Throttled  int64 `json:"throttled" yaml:"throttled"`
	Challenged int64 `json:"challenged" yaml:"challenged"`
}

// Config configures a Store.
type Config struct {
	// DefaultRateLimit applies to throttle rules that carry no limit.
	DefaultRateLimit float64
}

// Store is the per-target rule table.
type Store struct {
	// Clock overrides time.Now for tests.
	Clock func() time.Time
	// OnChange, when set, observes every rule change. It runs outside the
	// store lock, in the goroutine that caused the change.
	OnChange func(Change)

	log              core.Logger
	limiter          Limiter
	defaultRateLimit float64

	mu         sync.Mutex
	rules      map[string]Rule
	nextExpiry time.Time

	admitted   atomic.Int64
	denied     atomic.Int64
	throttled  atomic.Int64
	challenged atomic.Int64
}

// NewStore creates a Store. A nil limiter uses a MemoryLimiter; a nil
// logger discards output.
func NewStore(cfg Config, limiter Limiter, log core.Logger) *Store {
	if limiter == nil {
		limiter = NewMemoryLimiter()
	}
	if log == nil {
		log = core.NopLogger()
	}
	if cfg.DefaultRateLimit <= 0 {
		cfg.DefaultRateLimit = 10
	}
	return &Store{
		log:              log,
		limiter:          limiter,
		defaultRateLimit: cfg.DefaultRateLimit,
		rules:            make(map[string]Rule),
	}
}

// Apply installs a detector recommendation. A live rule is replaced only by
// a strictly higher score.
func (s *Store) Apply(rec core.Recommendation) (Rule, Outcome) {
	return s.apply(rec, false)
}

// ApplyManual installs an operator rule. With force the score comparison is
// skipped.
func (s *Store) ApplyManual(rec core.Recommendation, force bool) (Rule, Outcome) {
	return s.apply(rec, force)
}

func (s *Store) apply(rec core.Recommendation, force bool) (Rule, Outcome) {
	now := s.now()
	var changes []Change

	s.mu.Lock()
	existing, ok := s.rules[rec.Target]
	if ok && existing.Expired(now) {
		delete(s.rules, rec.Target)
		changes = append(changes, Change{Kind: ChangeExpired, Rule: existing, At: now})
		ok = false
	}
	if ok && !force && rec.Score <= existing.Score {
		s.mu.Unlock()
		s.emit(changes)
		return existing, OutcomeIgnored
	}

	rule := Rule{
		Target:    rec.Target,
		Action:    rec.Action,
		Check:     rec.Check,
		Reason:    rec.Reason,
		Score:     rec.Score,
		RateLimit: rec.RateLimit,
		CreatedAt: now,
		ExpiresAt: now.Add(rec.Duration),
	}
	s.rules[rec.Target] = rule
	if s.nextExpiry.IsZero() || rule.ExpiresAt.Before(s.nextExpiry) {
		s.nextExpiry = rule.ExpiresAt
	}
	s.mu.Unlock()

	outcome, kind := OutcomeCreated, ChangeCreated
	if ok {
		outcome, kind = OutcomeReplaced, ChangeReplaced
	}
	changes = append(changes, Change{Kind: kind, Rule: rule, At: now})

	if ok && existing.Action == core.ActionThrottle && rule.Action != core.ActionThrottle {
		s.forget(rec.Target)
	}
	s.emit(changes)

	s.log.Info("Mitigation rule "+string(outcome),
		zap.String("target", rule.Target),
		zap.String("action", string(rule.Action)),
		zap.String("check", string(rule.Check)),
		zap.Float64("score", rule.Score),
		zap.Time("expires_at", rule.ExpiresAt),
		zap.String("reason", rule.Reason))

	return rule, outcome
}

// Remove deletes the target's rule, if any.
func (s *Store) Remove(target string) (Rule, bool) {
	now := s.now()

	s.mu.Lock()
	rule, ok := s.rules[target]
	if ok {
		delete(s.rules, target)
	}
	s.mu.Unlock()

	if !ok {
		return Rule{}, false
	}
	s.forget(target)
	s.emit([]Change{{Kind: ChangeRemoved, Rule: rule, At: now}})
	s.log.Info("Mitigation rule removed",
		zap.String("target", target),
		zap.String("action", string(rule.Action)))
	return rule, true
}

// Check expires stale rules and returns the admission decision for ip.
func (s *Store) Check(ctx context.Context, ip string) core.Decision {
	now := s.now()

	s.mu.Lock()
	expired := s.expireLocked(now)
	rule, ok := s.rules[ip]
	s.mu.Unlock()

	s.retire(expired, now)

	if !ok {
		s.admitted.Add(1)
		return core.Admit()
	}

	switch rule.Action {
	case core.ActionBlock:
		s.denied.Add(1)
		return core.Decision{Verdict: core.VerdictDeny, Action: rule.Action, Reason: rule.Reason, Score: rule.Score}
	case core.ActionChallenge:
		s.challenged.Add(1)
		return core.Decision{Verdict: core.VerdictChallenge, Action: rule.Action, Reason: rule.Reason, Score: rule.Score}
	case core.ActionThrottle:
		limit := s.defaultRateLimit
		if rule.RateLimit != nil {
			limit = *rule.RateLimit
		}
		allowed, err := s.limiter.Allow(ctx, ip, limit, now)
		if err != nil {
			s.log.Warn("Throttle limiter unavailable; admitting",
				zap.String("ip", ip),
				zap.Error(err))
			allowed = true
		}
		if !allowed {
			s.throttled.Add(1)
			return core.Decision{Verdict: core.VerdictDeny, Action: rule.Action, Reason: core.ReasonRateLimited, Score: rule.Score}
		}
		s.admitted.Add(1)
		return core.Decision{Verdict: core.VerdictAdmit, Action: rule.Action, Reason: rule.Reason, Score: rule.Score}
	default:
		s.log.Warn("Unknown mitigation action; admitting",
			zap.String("ip", ip),
			zap.String("action", string(rule.Action)))
		s.admitted.Add(1)
		return core.Admit()
	}
}

// Expire removes every rule that is over and returns how many were removed.
func (s *Store) Expire() int {
	now := s.now()
	s.mu.Lock()
	expired := s.expireLocked(now)
	s.mu.Unlock()
	s.retire(expired, now)
	return len(expired)
}

// Rules returns the live rules ordered by target.
func (s *Store) Rules() []Rule {
	now := s.now()

	s.mu.Lock()
	expired := s.expireLocked(now)
	rules := make([]Rule, 0, len(s.rules))
	for _, r := range s.rules {
		rules = append(rules, r)
	}
	s.mu.Unlock()

	s.retire(expired, now)
	sort.Slice(rules, func(i, j int) bool { return rules[i].Target < rules[j].Target })
	return rules
}

// Lookup returns the live rule for target.
func (s *Store) Lookup(target string) (Rule, bool) {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rules[target]
	if !ok || r.Expired(now) {
		return Rule{}, false
	}
	return r, true
}

// ThrottledCount returns the number of live throttle rules.
func (s *Store) ThrottledCount() int {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, r := range s.rules {
		if r.Action == core.ActionThrottle && !r.Expired(now) {
			n++
		}
	}
	return n
}

// Stats returns the enforcement counters.
func (s *Store) Stats() Counters {
	return Counters{
		Admitted:   s.admitted.Load(),
		Denied:     s.denied.Load(),
		Throttled:  s.throttled.Load(),
		Challenged: s.challenged.Load(),
	}
}

func (s *Store) expireLocked(now time.Time) []Rule {
	if s.nextExpiry.IsZero() || now.Before(s.nextExpiry) {
		return nil
	}

	var expired []Rule
	next := time.Time{}
	for target, r := range s.rules {
		if r.Expired(now) {
			delete(s.rules, target)
			expired = append(expired, r)
			continue
		}
		if next.IsZero() || r.ExpiresAt.Before(next) {
			next = r.ExpiresAt
		}
	}
	s.nextExpiry = next
	return expired
}

func (s *Store) retire(expired []Rule, now time.Time) {
	if len(expired) == 0 {
		return
	}
	changes := make([]Change, 0, len(expired))
	for _, r := range expired {
		s.forget(r.Target)
		changes = append(changes, Change{Kind: ChangeExpired, Rule: r, At: now})
		s.log.Debug("Mitigation rule expired",
			zap.String("target", r.Target),
			zap.String("action", string(r.Action)))
	}
	s.emit(changes)
}

func (s *Store) forget(target string) {
	if err := s.limiter.Forget(context.Background(), target); err != nil {
		s.log.Warn("Failed to clear throttle window",
			zap.String("target", target),
			zap.Error(err))
	}
}

func (s *Store) emit(changes []Change) {
	if s.OnChange == nil {
		return
	}
	for _, c := range changes {
		s.OnChange(c)
	}
}

func (s *Store) now() time.Time {
	if s.Clock != nil {
		return s.Clock()
	}
	return time.Now().UTC()
}

// ValidateRecommendation checks an operator-supplied recommendation.
func ValidateRecommendation(rec core.Recommendation) error {
	if rec.Target == "" {
		return fmt.Errorf("target is required")
	}
	if _, err := core.ParseAction(string(rec.Action)); err != nil {
		return err
	}
	if rec.Duration <= 0 {
		return fmt.Errorf("duration must be positive, got %s", rec.Duration)
	}
	if rec.Score < 0 || rec.Score > 1 {
		return fmt.Errorf("score must be within [0,1], got %v", rec.Score)
	}
	if rec.RateLimit != nil && *rec.RateLimit <= 0 {
		return fmt.Errorf("rate_limit must be positive, got %v", *rec.RateLimit)
	}
	return nil
}
