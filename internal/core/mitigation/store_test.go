package mitigation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bulwarkhq/bulwark/internal/core"
)

var epoch = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestStore() (*Store, *time.Time) {
	now := epoch
	s := NewStore(Config{DefaultRateLimit: 10}, nil, nil)
	s.Clock = func() time.Time { return now }
	return s, &now
}

func rec(target string, action core.Action, score float64, d time.Duration) core.Recommendation {
	return core.Recommendation{
		Target:   target,
		Action:   action,
		Check:    core.CheckFailure,
		Tier:     core.TierForScore(score),
		Duration: d,
		Reason:   "test",
		Score:    score,
	}
}

func TestStoreApplyKeepsHighestScore(t *testing.T) {
	for _, order := range [][]float64{{0.5, 0.8}, {0.8, 0.5}} {
		s, _ := newTestStore()
		for _, score := range order {
			s.Apply(rec("1.2.3.4", core.ActionBlock, score, time.Minute))
		}
		r, ok := s.Lookup("1.2.3.4")
		require.True(t, ok)
		assert.Equal(t, 0.8, r.Score, "order %v", order)
	}
}

func TestStoreApplyOutcomes(t *testing.T) {
	s, now := newTestStore()

	_, out := s.Apply(rec("1.2.3.4", core.ActionThrottle, 0.5, time.Minute))
	assert.Equal(t, OutcomeCreated, out)

	_, out = s.Apply(rec("1.2.3.4", core.ActionBlock, 0.5, time.Minute))
	assert.Equal(t, OutcomeIgnored, out, "equal score does not replace")

	*now = now.Add(10 * time.Second)
	r, out := s.Apply(rec("1.2.3.4", core.ActionBlock, 0.6, time.Minute))
	assert.Equal(t, OutcomeReplaced, out)
	assert.Equal(t, core.ActionBlock, r.Action)
	assert.Equal(t, now.Add(time.Minute), r.ExpiresAt)

	_, out = s.ApplyManual(rec("1.2.3.4", core.ActionChallenge, 0.1, time.Minute), true)
	assert.Equal(t, OutcomeReplaced, out, "force overrides the score check")

	*now = now.Add(2 * time.Minute)
	_, out = s.Apply(rec("1.2.3.4", core.ActionBlock, 0.05, time.Minute))
	assert.Equal(t, OutcomeCreated, out, "an expired rule does not compete")
}

func TestStoreCheckDecisions(t *testing.T) {
	s, _ := newTestStore()
	ctx := context.Background()

	assert.Equal(t, core.Admit(), s.Check(ctx, "9.9.9.9"))

	s.Apply(rec("1.1.1.1", core.ActionBlock, 0.95, time.Minute))
	d := s.Check(ctx, "1.1.1.1")
	assert.Equal(t, core.VerdictDeny, d.Verdict)
	assert.Equal(t, "test", d.Reason)
	assert.Equal(t, 0.95, d.Score)

	s.ApplyManual(rec("2.2.2.2", core.ActionChallenge, 1, time.Minute), false)
	d = s.Check(ctx, "2.2.2.2")
	assert.Equal(t, core.VerdictChallenge, d.Verdict)
	assert.NotEmpty(t, d.Reason)

	stats := s.Stats()
	assert.Equal(t, int64(1), stats.Admitted)
	assert.Equal(t, int64(1), stats.Denied)
	assert.Equal(t, int64(1), stats.Challenged)
}

func TestStoreThrottleEnforcesRateLimit(t *testing.T) {
	s, now := newTestStore()
	ctx := context.Background()

	r := rec("3.3.3.3", core.ActionThrottle, 0.6, time.Minute)
	r.RateLimit = core.Float(5)
	s.Apply(r)

	for i := 0; i < 5; i++ {
		assert.True(t, s.Check(ctx, "3.3.3.3").Admitted(), "call %d", i)
		*now = now.Add(100 * time.Millisecond)
	}
	d := s.Check(ctx, "3.3.3.3")
	assert.True(t, d.RateLimited())
	assert.Equal(t, core.ReasonRateLimited, d.Reason)

	*now = now.Add(600 * time.Millisecond)
	assert.True(t, s.Check(ctx, "3.3.3.3").Admitted(), "window slid")

	assert.Equal(t, int64(1), s.Stats().Throttled)
	assert.Equal(t, 1, s.ThrottledCount())
}

func TestStoreThrottleFallsBackToDefaultLimit(t *testing.T) {
	s, _ := newTestStore()
	ctx := context.Background()

	s.Apply(rec("4.4.4.4", core.ActionThrottle, 0.6, time.Minute))
	admitted := 0
	for i := 0; i < 20; i++ {
		if s.Check(ctx, "4.4.4.4").Admitted() {
			admitted++
		}
	}
	assert.Equal(t, 10, admitted)
}

type failingLimiter struct{}

func (failingLimiter) Allow(context.Context, string, float64, time.Time) (bool, error) {
	return false, errors.New("connection refused")
}

func (failingLimiter) Forget(context.Context, string) error { return nil }

func TestStoreThrottleFailsOpen(t *testing.T) {
	s := NewStore(Config{}, failingLimiter{}, nil)
	r := rec("5.5.5.5", core.ActionThrottle, 0.6, time.Minute)
	r.RateLimit = core.Float(1)
	s.Apply(r)

	for i := 0; i < 3; i++ {
		assert.True(t, s.Check(context.Background(), "5.5.5.5").Admitted())
	}
}

func TestStoreExpiresAtExactDeadline(t *testing.T) {
	s, now := newTestStore()
	ctx := context.Background()

	var changes []Change
	s.OnChange = func(c Change) { changes = append(changes, c) }

	s.Apply(rec("6.6.6.6", core.ActionBlock, 1, 30*time.Second))

	*now = epoch.Add(30*time.Second - time.Nanosecond)
	assert.False(t, s.Check(ctx, "6.6.6.6").Admitted())

	*now = epoch.Add(30 * time.Second)
	assert.True(t, s.Check(ctx, "6.6.6.6").Admitted())
	assert.Empty(t, s.Rules())

	require.Len(t, changes, 2)
	assert.Equal(t, ChangeCreated, changes[0].Kind)
	assert.Equal(t, ChangeExpired, changes[1].Kind)
	assert.Equal(t, "6.6.6.6", changes[1].Rule.Target)
}

func TestStoreRemove(t *testing.T) {
	s, _ := newTestStore()
	limiter := s.limiter.(*MemoryLimiter)

	r := rec("7.7.7.7", core.ActionThrottle, 0.6, time.Minute)
	r.RateLimit = core.Float(3)
	s.Apply(r)
	s.Check(context.Background(), "7.7.7.7")
	require.Equal(t, 1, limiter.Keys())

	removed, ok := s.Remove("7.7.7.7")
	require.True(t, ok)
	assert.Equal(t, core.ActionThrottle, removed.Action)
	assert.Equal(t, 0, limiter.Keys(), "limiter state goes with the rule")

	_, ok = s.Remove("7.7.7.7")
	assert.False(t, ok)
	assert.True(t, s.Check(context.Background(), "7.7.7.7").Admitted())
}

func TestStoreRulesAreSortedAndLive(t *testing.T) {
	s, now := newTestStore()
	s.Apply(rec("10.0.0.2", core.ActionBlock, 0.5, time.Minute))
	s.Apply(rec("10.0.0.1", core.ActionBlock, 0.5, 2*time.Minute))
	s.Apply(rec("10.0.0.3", core.ActionBlock, 0.5, 10*time.Second))

	*now = now.Add(20 * time.Second)
	rules := s.Rules()
	require.Len(t, rules, 2)
	assert.Equal(t, "10.0.0.1", rules[0].Target)
	assert.Equal(t, "10.0.0.2", rules[1].Target)
	assert.Equal(t, 100*time.Second, rules[0].Remaining(*now))
}

func TestStoreConcurrentApplyConvergesToMax(t *testing.T) {
	s := NewStore(Config{}, nil, nil)

	var wg sync.WaitGroup
	for i := 1; i <= 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s.Apply(rec("8.8.8.8", core.ActionBlock, float64(i)/100, time.Hour))
		}(i)
	}
	wg.Wait()

	r, ok := s.Lookup("8.8.8.8")
	require.True(t, ok)
	assert.Equal(t, 1.0, r.Score)
}

func TestValidateRecommendation(t *testing.T) {
	good := rec("1.2.3.4", core.ActionBlock, 0.5, time.Minute)
	require.NoError(t, ValidateRecommendation(good))

	bad := good
	bad.Target = ""
	assert.Error(t, ValidateRecommendation(bad))

	bad = good
	bad.Action = "drop"
	assert.Error(t, ValidateRecommendation(bad))

	bad = good
	bad.Duration = 0
	assert.Error(t, ValidateRecommendation(bad))

	bad = good
	bad.Score = 1.5
	assert.Error(t, ValidateRecommendation(bad))

	bad = good
	bad.RateLimit = core.Float(0)
	assert.Error(t, ValidateRecommendation(bad))
}
