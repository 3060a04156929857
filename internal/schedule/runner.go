// Package schedule runs a periodic task once per shard. Shards (workspaces)
// are discovered from durable state; each gets its own loop so a slow shard
// never delays the others, and a shared semaphore bounds how many ticks run
// at once.
package schedule

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/pitabwire/flowcore/internal/observability"
)

// ShardSource lists the shards that currently need a loop.
type ShardSource func(ctx context.Context) ([]string, error)

// TickFunc performs one tick for a shard.
type TickFunc func(ctx context.Context, shard string) error

// Config tunes a Runner.
type Config struct {
	// Name labels logs and metrics, e.g. "sla" or "cron".
	Name              string
	Interval          time.Duration
	Timeout           time.Duration
	ReconcileInterval time.Duration
	Concurrency       int
}

func (c *Config) applyDefaults() {
	if c.Interval <= 0 {
		c.Interval = 5 * time.Second
	}
	if c.Timeout <= 0 || c.Timeout > c.Interval {
		c.Timeout = c.Interval
	}
	if c.ReconcileInterval <= 0 {
		c.ReconcileInterval = 30 * time.Second
	}
	if c.Concurrency < 1 {
		c.Concurrency = 1
	}
}

// ErrStarted is returned by Start on a running Runner.
var ErrStarted = errors.New("schedule: runner already started")

// Runner owns one periodic loop per shard. It is started and stopped
// explicitly; all progress lives in the tick function's store.
type Runner struct {
	cfg     Config
	source  ShardSource
	tick    TickFunc
	sem     *semaphore.Weighted
	logger  *zap.Logger
	metrics *observability.Metrics

	mu     sync.Mutex
	loops  map[string]context.CancelFunc
	runCtx context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRunner creates a Runner.
func NewRunner(cfg Config, source ShardSource, tick TickFunc, logger *zap.Logger, metrics *observability.Metrics) *Runner {
	cfg.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		cfg:     cfg,
		source:  source,
		tick:    tick,
		sem:     semaphore.NewWeighted(int64(cfg.Concurrency)),
		logger:  logger.With(zap.String("loop", cfg.Name)),
		metrics: metrics,
		loops:   make(map[string]context.CancelFunc),
	}
}

// Start reconciles shards once and keeps reconciling in the background
// until Stop is called or ctx is cancelled.
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.cancel != nil {
		r.mu.Unlock()
		return ErrStarted
	}
	r.runCtx, r.cancel = context.WithCancel(ctx)
	runCtx := r.runCtx
	r.mu.Unlock()

	if err := r.Reconcile(runCtx); err != nil {
		r.logger.Warn("initial shard reconcile failed", zap.Error(err))
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.cfg.ReconcileInterval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				if err := r.Reconcile(runCtx); err != nil {
					r.logger.Warn("shard reconcile failed", zap.Error(err))
				}
			}
		}
	}()

	r.logger.Info("scheduler started",
		zap.Duration("interval", r.cfg.Interval),
		zap.Int("concurrency", r.cfg.Concurrency),
	)
	return nil
}

// Stop cancels every loop and waits for in-flight ticks to return.
func (r *Runner) Stop() {
	r.mu.Lock()
	cancel := r.cancel
	if cancel == nil || r.runCtx == nil {
		r.mu.Unlock()
		return
	}
	// Reconcile starts nothing once runCtx is cleared, so no loop is added
	// to wg while Wait runs. cancel stays set until the loops are gone,
	// which keeps Start from racing the shutdown.
	r.runCtx = nil
	r.mu.Unlock()

	cancel()
	r.wg.Wait()

	r.mu.Lock()
	r.loops = make(map[string]context.CancelFunc)
	r.cancel = nil
	r.mu.Unlock()
	r.metrics.SetScheduleShards(r.cfg.Name, 0)
	r.logger.Info("scheduler stopped")
}

// Reconcile starts loops for new shards and stops loops for shards that no
// longer need one.
func (r *Runner) Reconcile(ctx context.Context) error {
	shards, err := r.source(ctx)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.runCtx == nil {
		return nil
	}

	want := make(map[string]bool, len(shards))
	for _, shard := range shards {
		want[shard] = true
		if _, running := r.loops[shard]; running {
			continue
		}
		loopCtx, cancel := context.WithCancel(r.runCtx)
		r.loops[shard] = cancel
		r.wg.Add(1)
		go r.run(loopCtx, shard)
		r.logger.Debug("shard loop started", zap.String("shard", shard))
	}
	for shard, cancel := range r.loops {
		if !want[shard] {
			cancel()
			delete(r.loops, shard)
			r.logger.Debug("shard loop stopped", zap.String("shard", shard))
		}
	}
	r.metrics.SetScheduleShards(r.cfg.Name, len(r.loops))
	return nil
}

// Shards returns the shards with a running loop, sorted.
func (r *Runner) Shards() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	shards := make([]string, 0, len(r.loops))
	for shard := range r.loops {
		shards = append(shards, shard)
	}
	sort.Strings(shards)
	return shards
}

func (r *Runner) run(ctx context.Context, shard string) {
	defer r.wg.Done()
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.runOnce(ctx, shard)
		}
	}
}

// runOnce performs a single bounded tick. Errors are logged; the next tick
// retries.
func (r *Runner) runOnce(ctx context.Context, shard string) {
	if err := r.sem.Acquire(ctx, 1); err != nil {
		return
	}
	defer r.sem.Release(1)

	tickCtx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	if err := r.tick(tickCtx, shard); err != nil && ctx.Err() == nil {
		r.logger.Error("shard tick failed", zap.String("shard", shard), zap.Error(err))
	}
}
