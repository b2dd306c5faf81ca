// Package simulate drives the engine in-process with synthetic normal and
// attacking clients and tallies what happened to their requests.
package simulate

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
	"go.uber.org/zap"

	"github.com/bulwarkhq/bulwark/internal/core"
	"github.com/bulwarkhq/bulwark/internal/core/detector"
	"github.com/bulwarkhq/bulwark/internal/core/engine"
)

// Gateway is the subset of the engine the simulation drives.
type Gateway interface {
	Select(ctx context.Context, ip string) (*engine.Lease, *engine.Refusal)
	Release(l *engine.Lease)
	Record(ip, path, method string, size int64, status int) detector.Analysis
}

// Config shapes the synthetic traffic.
type Config struct {
	Duration time.Duration `json:"duration" yaml:"duration"`

	NormalClients int     `json:"normal_clients" yaml:"normal_clients"`
	NormalRate    float64 `json:"normal_rate" yaml:"normal_rate"`

	Attackers  int     `json:"attackers" yaml:"attackers"`
	AttackRate float64 `json:"attack_rate" yaml:"attack_rate"`

	// Seed makes the generated addresses, paths and sizes repeatable.
	Seed uint64 `json:"seed" yaml:"seed"`
}

// DefaultConfig is a short run in which three attackers hammer one path
// while ten clients browse normally.
func DefaultConfig() Config {
	return Config{
		Duration:      10 * time.Second,
		NormalClients: 10,
		NormalRate:    2,
		Attackers:     3,
		AttackRate:    50,
		Seed:          1,
	}
}

// Validate rejects configurations that would generate no traffic.
func (c Config) Validate() error {
	if c.Duration <= 0 {
		return fmt.Errorf("duration must be positive, got %s", c.Duration)
	}
	if c.NormalClients < 0 || c.Attackers < 0 {
		return errors.New("client counts must not be negative")
	}
	if c.NormalClients+c.Attackers == 0 {
		return errors.New("at least one client is required")
	}
	if c.NormalClients > 0 && c.NormalRate <= 0 {
		return fmt.Errorf("normal rate must be positive, got %v", c.NormalRate)
	}
	if c.Attackers > 0 && c.AttackRate <= 0 {
		return fmt.Errorf("attack rate must be positive, got %v", c.AttackRate)
	}
	return nil
}

// Summary tallies the outcome of every synthetic request.
type Summary struct {
	Elapsed       time.Duration `json:"elapsed" yaml:"elapsed"`
	Total         int64         `json:"total" yaml:"total"`
	Admitted      int64         `json:"admitted" yaml:"admitted"`
	Denied        int64         `json:"denied" yaml:"denied"`
	RateLimited   int64         `json:"rate_limited" yaml:"rate_limited"`
	Challenged    int64         `json:"challenged" yaml:"challenged"`
	Unavailable   int64         `json:"unavailable" yaml:"unavailable"`
	BackendErrors int64         `json:"backend_errors" yaml:"backend_errors"`

	// BlockedIPs are the sources refused at least once.
	BlockedIPs []string `json:"blocked_ips" yaml:"blocked_ips"`
	// AttackersCaught counts attacking sources among BlockedIPs.
	AttackersCaught int `json:"attackers_caught" yaml:"attackers_caught"`
	AttackerIPs     int `json:"attacker_ips" yaml:"attacker_ips"`
	// FalsePositives counts normal sources among BlockedIPs.
	FalsePositives int `json:"false_positives" yaml:"false_positives"`
}

var normalPaths = []string{
	"/", "/products", "/products/42", "/products/77", "/cart", "/search",
	"/about", "/blog", "/blog/launch", "/account", "/help", "/static/app.js",
}

type tally struct {
	total, admitted, denied, rateLimited, challenged, unavailable, backendErrors atomic.Int64

	mu        sync.Mutex
	refused   map[string]bool // ip -> attacker
	attackers map[string]struct{}
}

// Runner executes a simulation against a gateway.
type Runner struct {
	gw  Gateway
	cfg Config
	log core.Logger
}

// NewRunner validates cfg and returns a Runner.
func NewRunner(gw Gateway, cfg Config, log core.Logger) (*Runner, error) {
	if gw == nil {
		return nil, errors.New("simulation requires a gateway")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = core.NopLogger()
	}
	return &Runner{gw: gw, cfg: cfg, log: log}, nil
}

// Run generates traffic until the configured duration elapses or ctx is
// cancelled, then returns the tally.
func (r *Runner) Run(ctx context.Context) Summary {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.Duration)
	defer cancel()

	t := &tally{refused: make(map[string]bool), attackers: make(map[string]struct{})}
	start := time.Now()

	var wg sync.WaitGroup
	for i := 0; i < r.cfg.NormalClients; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			r.client(ctx, t, id, false)
		}(i)
	}
	for i := 0; i < r.cfg.Attackers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			r.client(ctx, t, r.cfg.NormalClients+id, true)
		}(i)
	}
	wg.Wait()

	summary := t.summary()
	summary.Elapsed = time.Since(start)
	r.log.Info("Simulation finished",
		zap.Int64("total", summary.Total),
		zap.Int64("admitted", summary.Admitted),
		zap.Int("blocked_ips", len(summary.BlockedIPs)),
		zap.Int("attackers_caught", summary.AttackersCaught))
	return summary
}

func (r *Runner) client(ctx context.Context, t *tally, id int, attacker bool) {
	rps := r.cfg.NormalRate
	if attacker {
		rps = r.cfg.AttackRate
	}
	limiter := rate.NewLimiter(rate.Limit(rps), 1)
	rng := rand.New(rand.NewPCG(r.cfg.Seed, uint64(id)))

	// Attackers keep one address from a small range; normal clients roam a
	// wide one.
	ip := fmt.Sprintf("192.168.1.%d", 1+id%20)
	if attacker {
		t.mu.Lock()
		t.attackers[ip] = struct{}{}
		t.mu.Unlock()
	}

	for {
		if err := limiter.Wait(ctx); err != nil {
			return
		}
		if attacker {
			r.fire(ctx, t, ip, "/login", http.MethodPost, int64(5000+rng.IntN(4001)), true)
			continue
		}
		normalIP := fmt.Sprintf("10.0.%d.%d", rng.IntN(256), 1+rng.IntN(254))
		path := normalPaths[rng.IntN(len(normalPaths))]
		r.fire(ctx, t, normalIP, path, http.MethodGet, int64(1000+rng.IntN(3001)), false)
	}
}

func (r *Runner) fire(ctx context.Context, t *tally, ip, path, method string, size int64, attacker bool) {
	lease, refusal := r.gw.Select(ctx, ip)
	if refusal != nil {
		t.total.Add(1)
		t.refuse(ip, refusal.Kind, attacker)
		r.gw.Record(ip, path, method, size, refusal.StatusCode())
		return
	}

	resp, err := lease.Backend.Handle(ctx, core.BackendRequest{
		Method:   method,
		Path:     path,
		ClientIP: ip,
		Body:     make([]byte, 0),
	})
	r.gw.Release(lease)
	if err != nil && ctx.Err() != nil {
		// Cut off by the end of the run; not an outcome.
		return
	}

	t.total.Add(1)
	status := resp.StatusCode
	if err != nil {
		t.backendErrors.Add(1)
		status = http.StatusServiceUnavailable
	} else {
		t.admitted.Add(1)
	}
	r.gw.Record(ip, path, method, size, status)
}

func (t *tally) refuse(ip string, kind engine.RefusalKind, attacker bool) {
	switch kind {
	case engine.RefusalRateLimited:
		t.rateLimited.Add(1)
	case engine.RefusalChallenged:
		t.challenged.Add(1)
	case engine.RefusalNoBackends:
		t.unavailable.Add(1)
		return
	default:
		t.denied.Add(1)
	}
	t.mu.Lock()
	t.refused[ip] = attacker
	t.mu.Unlock()
}

func (t *tally) summary() Summary {
	s := Summary{
		Total:         t.total.Load(),
		Admitted:      t.admitted.Load(),
		Denied:        t.denied.Load(),
		RateLimited:   t.rateLimited.Load(),
		Challenged:    t.challenged.Load(),
		Unavailable:   t.unavailable.Load(),
		BackendErrors: t.backendErrors.Load(),
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	s.AttackerIPs = len(t.attackers)
	s.BlockedIPs = make([]string, 0, len(t.refused))
	for ip, attacker := range t.refused {
		s.BlockedIPs = append(s.BlockedIPs, ip)
		if attacker {
			s.AttackersCaught++
		} else {
			s.FalsePositives++
		}
	}
	sort.Strings(s.BlockedIPs)
	return s
}
