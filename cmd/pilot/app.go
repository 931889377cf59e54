package main

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/entrhq/pilot/pkg/browser"
	"github.com/entrhq/pilot/pkg/config"
	"github.com/entrhq/pilot/pkg/engine"
	"github.com/entrhq/pilot/pkg/llm/openai"
	"github.com/entrhq/pilot/pkg/logging"
	"github.com/entrhq/pilot/pkg/plan"
	"github.com/entrhq/pilot/pkg/pool"
	"github.com/entrhq/pilot/pkg/store"
	"github.com/entrhq/pilot/pkg/task"
)

// app owns the long-lived pipeline components of one pilot process.
type app struct {
	cfg      *config.Config
	logger   *logging.Logger
	launcher browser.Launcher
	pool     *pool.Pool
	store    *store.SQLite
	manager  *task.Manager

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// newReasoner picks the goal reasoner named by the configuration.
func newReasoner(cfg *config.Config, logger *logging.Logger) (plan.Reasoner, error) {
	if cfg.Reasoner.Provider != config.ProviderOpenAI {
		return plan.NewHeuristicReasoner(), nil
	}

	key := cfg.APIKey()
	if key == "" {
		return nil, fmt.Errorf("reasoner provider is %s but %s is not set", config.ProviderOpenAI, cfg.Reasoner.APIKeyEnv)
	}
	opts := []openai.ReasonerOption{
		openai.WithModel(cfg.Reasoner.Model),
		openai.WithTemperature(cfg.Reasoner.Temperature),
		openai.WithMaxPromptTokens(cfg.Reasoner.MaxPromptTokens),
		openai.WithLogger(logger),
	}
	if cfg.Reasoner.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.Reasoner.BaseURL))
	}
	return openai.NewReasoner(key, opts...)
}

// newApp wires pool, engine, generator, store and task manager around a
// browser launcher. The app takes ownership of the launcher.
func newApp(cfg *config.Config, launcher browser.Launcher, reasoner plan.Reasoner, logger *logging.Logger) (*app, error) {
	logger = logging.OrNop(logger)

	validator, err := plan.NewValidator(cfg.ValidatorPolicy())
	if err != nil {
		return nil, fmt.Errorf("invalid validator policy: %w", err)
	}

	a := &app{cfg: cfg, logger: logger, launcher: launcher}

	var recorder task.Recorder
	if cfg.Store.Path != "" {
		st, err := store.Open(config.ExpandHome(cfg.Store.Path), logger.With("store"))
		if err != nil {
			return nil, err
		}
		a.store = st
		recorder = st
	}

	a.pool = pool.New(launcher, cfg.PoolOptions(), logger.With("pool"))
	generator := plan.NewGenerator(reasoner, validator, cfg.GeneratorConfig(), logger.With("planner"))
	executor := engine.New(a.pool, cfg.EngineConfig(), logger.With("engine"))
	a.manager = task.NewManager(generator, executor, cfg.TaskConfig(validator, recorder), logger.With("tasks"))
	return a, nil
}

// start runs the background loops and pre-warms the pool.
func (a *app) start(ctx context.Context) {
	ctx, a.cancel = context.WithCancel(ctx)

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.manager.Run(ctx)
	}()

	if a.store != nil && a.cfg.Store.PoolStatsInterval > 0 {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			a.recordPoolStats(ctx, a.cfg.Store.PoolStatsInterval)
		}()
	}

	if n := a.cfg.Pool.Warm; n > 0 {
		warmed, err := a.pool.Warm(ctx, n)
		if err != nil {
			a.logger.Warnf("Pool warm-up created %d of %d sessions: %v", warmed, n, err)
		} else {
			a.logger.Infof("Pool warmed with %d sessions", warmed)
		}
	}
}

func (a *app) recordPoolStats(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			a.savePoolStats(ctx, now)
			if pruned := a.pool.Prune(); pruned > 0 {
				a.logger.Debugf("Pruned %d idle sessions", pruned)
			}
		}
	}
}

func (a *app) savePoolStats(ctx context.Context, at time.Time) {
	if err := a.store.SavePoolStats(ctx, at, a.pool.Stats()); err != nil {
		a.logger.Warnf("Failed to save pool stats: %v", err)
	}
}

// Close stops the background loops and releases every component. The
// final pool snapshot is stored before the pool shuts down.
func (a *app) Close() error {
	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()

	var errs []error
	if err := a.manager.Close(); err != nil {
		errs = append(errs, fmt.Errorf("task manager: %w", err))
	}
	if a.store != nil {
		a.savePoolStats(context.Background(), time.Now())
	}
	if err := a.pool.ShutdownAll(); err != nil {
		errs = append(errs, fmt.Errorf("pool: %w", err))
	}
	if err := a.launcher.Close(); err != nil {
		errs = append(errs, fmt.Errorf("browser: %w", err))
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("store: %w", err))
		}
	}
	return errors.Join(errs...)
}
