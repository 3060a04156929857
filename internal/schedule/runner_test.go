package schedule

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/pitabwire/flowcore/internal/observability"
)

type shardList struct {
	mu     sync.Mutex
	shards []string
	err    error
}

func (s *shardList) set(shards ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shards = shards
}

func (s *shardList) source(context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.shards...), s.err
}

type tickCounter struct {
	mu     sync.Mutex
	counts map[string]int
}

func (c *tickCounter) inc(shard string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.counts == nil {
		c.counts = make(map[string]int)
	}
	c.counts[shard]++
}

func (c *tickCounter) get(shard string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[shard]
}

func fastConfig() Config {
	return Config{
		Name:              "test",
		Interval:          5 * time.Millisecond,
		Timeout:           5 * time.Millisecond,
		ReconcileInterval: time.Hour,
		Concurrency:       4,
	}
}

func eventually(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func mustStart(t *testing.T, r *Runner) {
	t.Helper()
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
}

func TestRunner_ticksEveryShard(t *testing.T) {
	shards := &shardList{}
	shards.set("ws-1", "ws-2")
	counter := &tickCounter{}

	r := NewRunner(fastConfig(), shards.source, func(_ context.Context, shard string) error {
		counter.inc(shard)
		return nil
	}, nil, nil)
	mustStart(t, r)
	defer r.Stop()

	if got := r.Shards(); !reflect.DeepEqual(got, []string{"ws-1", "ws-2"}) {
		t.Errorf("Shards = %v, want [ws-1 ws-2]", got)
	}
	eventually(t, func() bool {
		return counter.get("ws-1") >= 3 && counter.get("ws-2") >= 3
	}, "three ticks per shard")
}

func TestRunner_reconcileFollowsShards(t *testing.T) {
	shards := &shardList{}
	shards.set("ws-1", "ws-2")
	metrics := observability.InitMetrics(prometheus.NewRegistry())
	gauge := metrics.ScheduleShards.WithLabelValues("test")

	r := NewRunner(fastConfig(), shards.source, func(context.Context, string) error { return nil }, nil, metrics)
	mustStart(t, r)
	defer r.Stop()
	if got := testutil.ToFloat64(gauge); got != 2 {
		t.Errorf("shard gauge = %v, want 2", got)
	}

	shards.set("ws-2", "ws-3")
	if err := r.Reconcile(context.Background()); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if got := r.Shards(); !reflect.DeepEqual(got, []string{"ws-2", "ws-3"}) {
		t.Errorf("Shards = %v, want [ws-2 ws-3]", got)
	}

	shards.mu.Lock()
	shards.err = errors.New("store down")
	shards.mu.Unlock()
	if err := r.Reconcile(context.Background()); err == nil {
		t.Error("Reconcile should report the source failure")
	}
	if got := r.Shards(); !reflect.DeepEqual(got, []string{"ws-2", "ws-3"}) {
		t.Errorf("a failed reconcile changed the loops: %v", got)
	}

	r.Stop()
	if got := r.Shards(); len(got) != 0 {
		t.Errorf("Shards after Stop = %v", got)
	}
	if got := testutil.ToFloat64(gauge); got != 0 {
		t.Errorf("shard gauge after Stop = %v, want 0", got)
	}
}

func TestRunner_reconcileDuringStopStartsNothing(t *testing.T) {
	shards := &shardList{}
	shards.set("ws-1")
	inTick := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	counter := &tickCounter{}

	cfg := fastConfig()
	cfg.Timeout = time.Second
	r := NewRunner(cfg, shards.source, func(_ context.Context, shard string) error {
		counter.inc(shard)
		if shard == "ws-1" {
			once.Do(func() {
				close(inTick)
				<-release
			})
		}
		return nil
	}, nil, nil)
	mustStart(t, r)
	<-inTick

	stopped := make(chan struct{})
	go func() {
		r.Stop()
		close(stopped)
	}()
	time.Sleep(20 * time.Millisecond)

	shards.set("ws-1", "ws-late")
	if err := r.Reconcile(context.Background()); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	for _, s := range r.Shards() {
		if s == "ws-late" {
			t.Error("Reconcile started a loop while the runner was stopping")
		}
	}

	close(release)
	<-stopped
	if n := counter.get("ws-late"); n != 0 {
		t.Errorf("ws-late ticked %d times after Stop began", n)
	}
	if got := r.Shards(); len(got) != 0 {
		t.Errorf("Shards after Stop = %v", got)
	}
}

func TestRunner_slowShardDoesNotDelayOthers(t *testing.T) {
	shards := &shardList{}
	shards.set("fast", "slow")
	counter := &tickCounter{}
	var deadlines atomic.Int32

	cfg := fastConfig()
	cfg.Timeout = 20 * time.Millisecond
	cfg.Interval = 20 * time.Millisecond
	r := NewRunner(cfg, shards.source, func(ctx context.Context, shard string) error {
		if shard == "slow" {
			<-ctx.Done()
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				deadlines.Add(1)
			}
			return ctx.Err()
		}
		counter.inc(shard)
		return nil
	}, nil, nil)
	mustStart(t, r)
	defer r.Stop()

	eventually(t, func() bool {
		return counter.get("fast") >= 5 && deadlines.Load() >= 1
	}, "fast ticks while the slow shard times out")
}

func TestRunner_boundsConcurrentTicks(t *testing.T) {
	shards := &shardList{}
	shards.set("a", "b", "c", "d")
	var active, peak, ticks atomic.Int32

	cfg := fastConfig()
	cfg.Concurrency = 2
	cfg.Timeout = time.Second
	r := NewRunner(cfg, shards.source, func(context.Context, string) error {
		n := active.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(2 * time.Millisecond)
		active.Add(-1)
		ticks.Add(1)
		return nil
	}, nil, nil)
	mustStart(t, r)
	defer r.Stop()

	eventually(t, func() bool { return ticks.Load() >= 20 }, "20 ticks")
	if p := peak.Load(); p > 2 {
		t.Errorf("peak concurrent ticks = %d, want <= 2", p)
	}
}

func TestRunner_lifecycle(t *testing.T) {
	shards := &shardList{}
	shards.set("ws-1")
	counter := &tickCounter{}

	r := NewRunner(fastConfig(), shards.source, func(_ context.Context, shard string) error {
		counter.inc(shard)
		return nil
	}, nil, nil)

	r.Stop()
	mustStart(t, r)
	if err := r.Start(context.Background()); !errors.Is(err, ErrStarted) {
		t.Errorf("second Start = %v, want ErrStarted", err)
	}

	eventually(t, func() bool { return counter.get("ws-1") >= 1 }, "first tick")
	r.Stop()
	stopped := counter.get("ws-1")
	time.Sleep(30 * time.Millisecond)
	if got := counter.get("ws-1"); got != stopped {
		t.Errorf("ticks after Stop: %d -> %d", stopped, got)
	}

	if err := r.Start(context.Background()); err != nil {
		t.Errorf("restart after Stop: %v", err)
	}
	r.Stop()
}

func TestConfig_defaults(t *testing.T) {
	cfg := Config{Interval: time.Second, Timeout: time.Minute}
	cfg.applyDefaults()
	if cfg.Timeout != time.Second || cfg.Concurrency != 1 || cfg.ReconcileInterval != 30*time.Second {
		t.Errorf("defaults = %+v", cfg)
	}
}
