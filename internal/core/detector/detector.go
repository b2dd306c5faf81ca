// Package detector scores per-source traffic over a sliding window and turns
// anomalous scores into mitigation recommendations.
package detector

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/bulwarkhq/bulwark/internal/core"
)

// Thresholds are the trigger levels for each recommendation rule.
type Thresholds struct {
	RequestRate  float64 `mapstructure:"request_rate" json:"request_rate" yaml:"request_rate"`
	FailureRate  float64 `mapstructure:"failure_rate" json:"failure_rate" yaml:"failure_rate"`
	PatternScore float64 `mapstructure:"pattern_score" json:"pattern_score" yaml:"pattern_score"`
	BurstScore   float64 `mapstructure:"burst_score" json:"burst_score" yaml:"burst_score"`
}

// Validate rejects thresholds that would make a rule meaningless.
func (t Thresholds) Validate() error {
	if t.RequestRate <= 0 {
		return fmt.Errorf("request_rate threshold must be positive, got %v", t.RequestRate)
	}
	for name, v := range map[string]float64{
		"failure_rate":  t.FailureRate,
		"pattern_score": t.PatternScore,
		"burst_score":   t.BurstScore,
	} {
		if v < 0 || v > 1 {
			return fmt.Errorf("%s threshold must be within [0,1], got %v", name, v)
		}
	}
	return nil
}

// Config configures a Detector.
type Config struct {
	Window        time.Duration
	Thresholds    Thresholds
	Durations     core.DurationTable
	SweepInterval time.Duration
}

// DefaultConfig returns the stock detection settings.
func DefaultConfig() Config {
	return Config{
		Window: 60 * time.Second,
		Thresholds: Thresholds{
			RequestRate:  100,
			FailureRate:  0.3,
			PatternScore: 0.6,
			BurstScore:   0.8,
		},
		Durations:     core.DefaultDurations(),
		SweepInterval: 60 * time.Second,
	}
}

// Analysis is the result of recording one request.
type Analysis struct {
	IP              string                `json:"ip"`
	Recommendations []core.Recommendation `json:"recommendations"`
	Suspicious      bool                  `json:"is_suspicious"`
	Metrics         Metrics               `json:"metrics"`
}

// Offender summarizes one source for the top-offender list.
type Offender struct {
	IP      string  `json:"ip" yaml:"ip"`
	Score   float64 `json:"score" yaml:"score"`
	Metrics Metrics `json:"metrics" yaml:"metrics"`
}

// Stats are detection-side counters. Flagged counts detection events, not
// enforced denials.
type Stats struct {
	TrackedIPs    int        `json:"total_ips" yaml:"total_ips"`
	SuspiciousIPs []string   `json:"suspicious_ips" yaml:"suspicious_ips"`
	RequestsSeen  int64      `json:"total_requests" yaml:"total_requests"`
	Flagged       int64      `json:"blocked_requests" yaml:"blocked_requests"`
	TopOffenders  []Offender `json:"top_offenders" yaml:"top_offenders"`
}

var errNonFinite = errors.New("non-finite statistic")

// Detector owns the per-source trackers.
type Detector struct {
	// Clock overrides time.Now for tests.
	Clock func() time.Time

	log core.Logger

	mu         sync.RWMutex
	cfg        Config
	trackers   map[string]*Tracker
	suspicious map[string]struct{}

	requestsSeen atomic.Int64
	flagged      atomic.Int64

	runMu  sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Detector. A nil logger discards output.
func New(cfg Config, log core.Logger) *Detector {
	if log == nil {
		log = core.NopLogger()
	}
	defaults := DefaultConfig()
	if cfg.Window <= 0 {
		cfg.Window = defaults.Window
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = defaults.SweepInterval
	}
	if cfg.Durations == (core.DurationTable{}) {
		cfg.Durations = defaults.Durations
	}
	return &Detector{
		log:        log,
		cfg:        cfg,
		trackers:   make(map[string]*Tracker),
		suspicious: make(map[string]struct{}),
	}
}

// Record feeds one request into the source's tracker and evaluates the rules.
// A failure while analyzing one source yields a neutral result.
func (d *Detector) Record(ip, path, method string, size int64, status int) Analysis {
	now := d.now()
	d.requestsSeen.Add(1)

	rec := core.RequestRecord{
		Timestamp:  now,
		Path:       path,
		Method:     method,
		Size:       size,
		StatusCode: status,
	}

	d.mu.RLock()
	cfg := d.cfg
	d.mu.RUnlock()

	analysis, err := d.analyze(ip, rec, now, cfg)
	if err != nil {
		d.log.Error("Traffic analysis failed; treating source as neutral",
			zap.String("ip", ip),
			zap.Error(err))
		return Analysis{IP: ip}
	}

	if analysis.Suspicious {
		d.flagged.Add(1)
		d.mu.Lock()
		d.suspicious[ip] = struct{}{}
		d.mu.Unlock()

		d.log.Debug("Source flagged as suspicious",
			zap.String("ip", ip),
			zap.Int("recommendations", len(analysis.Recommendations)),
			zap.Float64("request_rate", analysis.Metrics.RequestRate))
	}

	return analysis
}

func (d *Detector) analyze(ip string, rec core.RequestRecord, now time.Time, cfg Config) (analysis Analysis, err error) {
	defer func() {
		if r := recover(); r != nil {
			analysis = Analysis{IP: ip}
			err = fmt.Errorf("panic during analysis: %v", r)
		}
	}()

	m := d.observe(ip, rec, now)
	if !finite(m.RequestRate, m.FailureRate, m.PatternScore, m.BurstScore) {
		return Analysis{IP: ip}, errNonFinite
	}

	recs := Evaluate(ip, m, cfg.Thresholds, cfg.Durations)
	suspicious := false
	for _, r := range recs {
		if r.Score >= cfg.Thresholds.PatternScore {
			suspicious = true
			break
		}
	}

	return Analysis{
		IP:              ip,
		Recommendations: recs,
		Suspicious:      suspicious,
		Metrics:         m,
	}, nil
}

// observe adds the record to the source's tracker and returns fresh metrics.
// A tracker retired by a concurrent sweep is replaced.
func (d *Detector) observe(ip string, rec core.RequestRecord, now time.Time) Metrics {
	for {
		if m, ok := d.tracker(ip).observe(rec, now); ok {
			return m
		}
	}
}

func (t *Tracker) observe(rec core.RequestRecord, now time.Time) (Metrics, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.retired {
		return Metrics{}, false
	}
	t.add(rec, now)
	return t.metrics(now), true
}

func (d *Detector) tracker(ip string) *Tracker {
	d.mu.RLock()
	t, ok := d.trackers[ip]
	window := d.cfg.Window
	d.mu.RUnlock()
	if ok {
		return t
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	// Trackers leave the map in the same critical section that retires them.
	if t, ok := d.trackers[ip]; ok {
		return t
	}
	t = NewTracker(window)
	d.trackers[ip] = t
	return t
}

// Evaluate applies the recommendation rules to a set of metrics. Each rule
// yields at most one recommendation.
func Evaluate(ip string, m Metrics, th Thresholds, durations core.DurationTable) []core.Recommendation {
	var recs []core.Recommendation

	build := func(action core.Action, check core.Check, score float64, reason string, limit *float64) core.Recommendation {
		score = clamp01(score)
		tier := core.TierForScore(score)
		return core.Recommendation{
			Target:    ip,
			Action:    action,
			Check:     check,
			Tier:      tier,
			Duration:  durations.For(tier),
			Reason:    reason,
			Score:     score,
			RateLimit: limit,
		}
	}

	if m.RequestRate > th.RequestRate {
		recs = append(recs, build(core.ActionThrottle, core.CheckRate,
			math.Min(1, m.RequestRate/(2*th.RequestRate)),
			fmt.Sprintf("High request rate: %.1f req/s", m.RequestRate),
			core.Float(0.8*th.RequestRate)))
	}

	if m.FailureRate > th.FailureRate {
		recs = append(recs, build(core.ActionBlock, core.CheckFailure,
			m.FailureRate,
			fmt.Sprintf("High failure rate: %.1f%%", m.FailureRate*100),
			nil))
	}

	if m.PatternScore > th.PatternScore {
		recs = append(recs, build(core.ActionBlock, core.CheckPattern,
			m.PatternScore,
			"Suspicious request pattern detected",
			nil))
	}

	if m.BurstScore > th.BurstScore {
		recs = append(recs, build(core.ActionThrottle, core.CheckBurst,
			m.BurstScore,
			"Request burst detected",
			core.Float(0.5*th.RequestRate)))
	}

	return recs
}

// SetThresholds swaps the thresholds used for subsequent analyses.
func (d *Detector) SetThresholds(th Thresholds) error {
	if err := th.Validate(); err != nil {
		return err
	}
	d.mu.Lock()
	d.cfg.Thresholds = th
	d.mu.Unlock()
	d.log.Info("Detection thresholds updated",
		zap.Float64("request_rate", th.RequestRate),
		zap.Float64("failure_rate", th.FailureRate),
		zap.Float64("pattern_score", th.PatternScore),
		zap.Float64("burst_score", th.BurstScore))
	return nil
}

// Thresholds returns the thresholds currently in effect.
func (d *Detector) Thresholds() Thresholds {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.cfg.Thresholds
}

// Sweep removes trackers whose windows are empty, along with their
// suspicion flags, and returns how many were removed.
func (d *Detector) Sweep() int {
	now := d.now()

	d.mu.Lock()
	defer d.mu.Unlock()

	removed := 0
	for ip, t := range d.trackers {
		t.mu.Lock()
		t.evict(now)
		if t.size() == 0 {
			t.retired = true
			delete(d.trackers, ip)
			delete(d.suspicious, ip)
			removed++
		}
		t.mu.Unlock()
	}
	for ip := range d.suspicious {
		if _, ok := d.trackers[ip]; !ok {
			delete(d.suspicious, ip)
		}
	}
	return removed
}

// Start launches the idle sweep. It is a no-op when already running.
func (d *Detector) Start(ctx context.Context) {
	d.runMu.Lock()
	defer d.runMu.Unlock()
	if d.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel

	d.mu.RLock()
	interval := d.cfg.SweepInterval
	d.mu.RUnlock()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := d.Sweep(); n > 0 {
					d.log.Debug("Swept idle trackers", zap.Int("removed", n))
				}
			}
		}
	}()
}

// Stop cancels the idle sweep and waits for it to exit.
func (d *Detector) Stop() {
	d.runMu.Lock()
	cancel := d.cancel
	d.cancel = nil
	d.runMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	d.wg.Wait()
}

// Stats returns detection counters and the top offenders.
func (d *Detector) Stats(topN int) Stats {
	now := d.now()

	d.mu.RLock()
	trackers := make(map[string]*Tracker, len(d.trackers))
	for ip, t := range d.trackers {
		trackers[ip] = t
	}
	suspicious := make([]string, 0, len(d.suspicious))
	for ip := range d.suspicious {
		suspicious = append(suspicious, ip)
	}
	d.mu.RUnlock()
	sort.Strings(suspicious)

	offenders := make([]Offender, 0, len(trackers))
	for ip, t := range trackers {
		m := t.Metrics(now)
		if m.TotalRequests == 0 {
			continue
		}
		offenders = append(offenders, Offender{
			IP:      ip,
			Score:   math.Max(m.PatternScore, math.Max(m.BurstScore, m.FailureRate)),
			Metrics: m,
		})
	}
	sort.Slice(offenders, func(i, j int) bool {
		if offenders[i].Score == offenders[j].Score {
			return offenders[i].IP < offenders[j].IP
		}
		return offenders[i].Score > offenders[j].Score
	})
	if topN >= 0 && len(offenders) > topN {
		offenders = offenders[:topN]
	}

	return Stats{
		TrackedIPs:    len(trackers),
		SuspiciousIPs: suspicious,
		RequestsSeen:  d.requestsSeen.Load(),
		Flagged:       d.flagged.Load(),
		TopOffenders:  offenders,
	}
}

// TrackerCount returns the number of live trackers.
func (d *Detector) TrackerCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.trackers)
}

// IsSuspicious reports whether ip is currently flagged.
func (d *Detector) IsSuspicious(ip string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.suspicious[ip]
	return ok
}

func (d *Detector) now() time.Time {
	if d != nil && d.Clock != nil {
		return d.Clock()
	}
	return time.Now().UTC()
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v), v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

func finite(values ...float64) bool {
	for _, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}
