package cmd

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/bulwarkhq/bulwark/internal/backend"
	"github.com/bulwarkhq/bulwark/internal/config"
	"github.com/bulwarkhq/bulwark/internal/core/balancer"
	"github.com/bulwarkhq/bulwark/internal/core/detector"
	"github.com/bulwarkhq/bulwark/internal/core/engine"
	"github.com/bulwarkhq/bulwark/internal/core/mitigation"
	"github.com/bulwarkhq/bulwark/internal/core/store"
	"github.com/bulwarkhq/bulwark/internal/observability"
)

// stack is an assembled engine and everything it owns.
type stack struct {
	engine   *engine.Engine
	selector *balancer.Selector
	rules    *mitigation.Store
	backends []backend.Runnable

	// journal and db are nil unless journal.enabled is set.
	journal *store.Journal
	db      *store.Store

	closers   []func() error
	closeOnce sync.Once
	closeErr  error
}

type stackOptions struct {
	// withJournal opens the journal store when the config enables it.
	withJournal bool
}

// buildStack wires limiter, detector, rule store, backends, selector and
// engine from cfg. Nothing is started.
func buildStack(ctx context.Context, cfg *config.Config, opts stackOptions) (_ *stack, err error) {
	rt := &stack{}
	defer func() {
		if err != nil {
			_ = rt.close()
		}
	}()

	limiter, err := newLimiter(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if closer, ok := limiter.(interface{ Close() error }); ok {
		rt.closers = append(rt.closers, closer.Close)
	}

	det := detector.New(cfg.Detection.DetectorConfig(), observability.Component("detector"))
	rt.rules = mitigation.NewStore(mitigation.Config{
		DefaultRateLimit: cfg.Mitigation.DefaultRateLimit,
	}, limiter, observability.Component("mitigation"))
	rt.selector = balancer.New(cfg.Balancer, observability.Component("balancer"))

	for _, bc := range cfg.Backends {
		b, err := backend.FromConfig(bc, nil)
		if err != nil {
			return nil, err
		}
		rt.backends = append(rt.backends, b)
		if err := rt.selector.Register(b, bc.MaxConnections); err != nil {
			return nil, err
		}
	}

	engineOpts := engine.Options{
		Detector:          det,
		Rules:             rt.rules,
		Selector:          rt.selector,
		Durations:         cfg.Detection.Durations,
		ChallengeDuration: cfg.Mitigation.ChallengeDuration,
		ExpireInterval:    cfg.Mitigation.ExpireInterval,
		TopOffenders:      cfg.Detection.TopOffenders,
		Logger:            observability.Component("engine"),
	}

	if opts.withJournal && cfg.Journal.Enabled {
		db, err := openStore(ctx, cfg.Journal.StoreConfig)
		if err != nil {
			return nil, err
		}
		rt.db = db
		rt.journal = store.NewJournal(db, cfg.Journal.BufferSize, observability.Component("journal"))
		engineOpts.Sink = rt.journal
	}

	rt.engine, err = engine.New(engineOpts)
	if err != nil {
		return nil, err
	}
	return rt, nil
}

func newLimiter(ctx context.Context, cfg *config.Config) (mitigation.Limiter, error) {
	switch cfg.Mitigation.Limiter {
	case config.LimiterRedis:
		l, err := mitigation.NewRedisLimiter(ctx, mitigation.RedisConfig{
			Addr:      cfg.Redis.Addr,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			KeyPrefix: cfg.Redis.KeyPrefix,
		})
		if err != nil {
			return nil, fmt.Errorf("redis limiter: %w", err)
		}
		return l, nil
	default:
		return mitigation.NewMemoryLimiter(), nil
	}
}

// start launches the engine loops and the journal writer.
func (rt *stack) start(ctx context.Context) {
	if rt.journal != nil {
		rt.journal.Start(ctx)
	}
	rt.engine.Start(ctx)
}

// close stops background work, then releases backends and connections.
// The journal stops after the engine so the final expiries are written.
// Only the first call does anything.
func (rt *stack) close() error {
	rt.closeOnce.Do(func() { rt.closeErr = rt.shutdown() })
	return rt.closeErr
}

func (rt *stack) shutdown() error {
	if rt.engine != nil {
		rt.engine.Stop()
	}
	if rt.journal != nil {
		rt.journal.Stop()
		stats := rt.journal.Stats()
		observability.Component("journal").Info("Journal stopped",
			zap.Int64("written", stats.Written),
			zap.Int64("dropped", stats.Dropped),
			zap.Int64("failed", stats.Failed))
	}
	for _, b := range rt.backends {
		b.Stop()
	}

	var errs []error
	if rt.db != nil {
		errs = append(errs, rt.db.Close())
	}
	for _, c := range rt.closers {
		errs = append(errs, c())
	}
	return errors.Join(errs...)
}
