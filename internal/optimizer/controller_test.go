package optimizer_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/mender/internal/config"
	"github.com/xkilldash9x/mender/internal/events"
	"github.com/xkilldash9x/mender/internal/models"
	"github.com/xkilldash9x/mender/internal/optimizer"
)

type staticMetrics struct {
	mu     sync.Mutex
	values map[string]float64
}

func (s *staticMetrics) Snapshot() map[string]float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]float64, len(s.values))
	for k, v := range s.values {
		out[k] = v
	}
	return out
}

func (s *staticMetrics) set(k string, v float64) {
	s.mu.Lock()
	s.values[k] = v
	s.mu.Unlock()
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	ctrl    *optimizer.Controller
	metrics *staticMetrics
	rec     *events.Recorder
	clock   *fakeClock
}

func newFixture(t *testing.T, mutate func(*config.OptimizerConfig), opts ...optimizer.Option) *fixture {
	t.Helper()
	cfg := config.NewDefaultConfig().Optimizer()
	if mutate != nil {
		mutate(&cfg)
	}
	f := &fixture{
		metrics: &staticMetrics{values: map[string]float64{}},
		rec:     events.NewRecorder(),
		clock:   &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
	}
	opts = append([]optimizer.Option{optimizer.WithClock(f.clock.Now)}, opts...)
	f.ctrl = optimizer.NewController(zaptest.NewLogger(t), cfg, f.metrics, f.rec, opts...)
	return f
}

func counting(name string, cooldown time.Duration, calls *int32) optimizer.Strategy {
	return optimizer.Strategy{
		Name:      name,
		Cooldown:  cooldown,
		Predicate: func(map[string]float64) bool { return true },
		Action: func(context.Context) error {
			atomic.AddInt32(calls, 1)
			return nil
		},
	}
}

func TestTick_CooldownGatesRepeatedExecution(t *testing.T) {
	f := newFixture(t, nil)
	var calls int32
	require.NoError(t, f.ctrl.AddStrategy(counting("cache-flush", 300000*time.Millisecond, &calls)))

	assert.Equal(t, 1, f.ctrl.Tick(context.Background()))
	f.clock.Advance(1000 * time.Millisecond)
	assert.Equal(t, 0, f.ctrl.Tick(context.Background()))
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))

	f.clock.Advance(300 * time.Second)
	assert.Equal(t, 1, f.ctrl.Tick(context.Background()))
	assert.EqualValues(t, 2, atomic.LoadInt32(&calls))

	completions := f.rec.ByTopic(events.TopicOptimizationComplete)
	require.Len(t, completions, 2)
	p, _ := events.Payload[events.OptimizationComplete](completions[0])
	assert.Equal(t, "cache-flush", p.Strategy)
}

func TestTick_CooldownRecheckedAfterLatch(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	var calls, checks int32
	s := counting("once", time.Hour, &calls)
	s.Predicate = func(map[string]float64) bool {
		// The first evaluation is overtaken by a second Tick that runs the
		// strategy to completion before the first one takes the latch.
		if atomic.AddInt32(&checks, 1) == 1 {
			f.ctrl.Tick(ctx)
		}
		return true
	}
	require.NoError(t, f.ctrl.AddStrategy(s))

	assert.Zero(t, f.ctrl.Tick(ctx))
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
	assert.EqualValues(t, 2, atomic.LoadInt32(&checks))
}

func TestTick_PredicateFalseSkips(t *testing.T) {
	f := newFixture(t, nil)
	var calls int32
	s := counting("noop", 0, &calls)
	s.Predicate = func(m map[string]float64) bool { return m["load"] > 1 }
	require.NoError(t, f.ctrl.AddStrategy(s))

	f.ctrl.Tick(context.Background())
	assert.Zero(t, atomic.LoadInt32(&calls))

	f.metrics.set("load", 2)
	f.ctrl.Tick(context.Background())
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

func TestTick_ActionErrorIsIsolated(t *testing.T) {
	f := newFixture(t, nil)
	boom := errors.New("boom")
	require.NoError(t, f.ctrl.AddStrategy(optimizer.Strategy{
		Name:      "failing",
		Predicate: func(map[string]float64) bool { return true },
		Action:    func(context.Context) error { return boom },
	}))
	require.NoError(t, f.ctrl.AddStrategy(optimizer.Strategy{
		Name:      "panicking",
		Predicate: func(map[string]float64) bool { return true },
		Action:    func(context.Context) error { panic("kaboom") },
	}))
	var calls int32
	require.NoError(t, f.ctrl.AddStrategy(counting("healthy", 0, &calls)))

	assert.Equal(t, 3, f.ctrl.Tick(context.Background()))
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
	assert.False(t, f.ctrl.Optimizing())

	failures := f.rec.ByTopic(events.TopicOptimizationError)
	require.Len(t, failures, 2)
	p, _ := events.Payload[events.OptimizationError](failures[0])
	assert.Equal(t, "failing", p.Strategy)
	assert.Contains(t, p.Error, "boom")
	p, _ = events.Payload[events.OptimizationError](failures[1])
	assert.Contains(t, p.Error, "kaboom")
	assert.Equal(t, 1, f.rec.Count(events.TopicOptimizationComplete))

	// A failed action still starts its cooldown.
	for _, info := range f.ctrl.Strategies() {
		assert.Equal(t, 1, info.Runs, info.Name)
	}
}

func TestTick_ActionTimeout(t *testing.T) {
	f := newFixture(t, func(c *config.OptimizerConfig) { c.ActionTimeout = 10 * time.Millisecond })
	require.NoError(t, f.ctrl.AddStrategy(optimizer.Strategy{
		Name:      "slow",
		Predicate: func(map[string]float64) bool { return true },
		Action: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		},
	}))
	f.ctrl.Tick(context.Background())
	failures := f.rec.ByTopic(events.TopicOptimizationError)
	require.Len(t, failures, 1)
	p, _ := events.Payload[events.OptimizationError](failures[0])
	assert.Contains(t, p.Error, context.DeadlineExceeded.Error())
}

func TestTick_GlobalMutualExclusion(t *testing.T) {
	f := newFixture(t, nil)
	release := make(chan struct{})
	started := make(chan struct{})
	var running, peak int32
	action := func(context.Context) error {
		n := atomic.AddInt32(&running, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
		atomic.AddInt32(&running, -1)
		return nil
	}
	for _, name := range []string{"a", "b"} {
		require.NoError(t, f.ctrl.AddStrategy(optimizer.Strategy{
			Name:      name,
			Predicate: func(map[string]float64) bool { return true },
			Action:    action,
		}))
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		f.ctrl.Tick(context.Background())
	}()
	<-started
	assert.True(t, f.ctrl.Optimizing())
	// A concurrent tick sees the latch and runs nothing.
	assert.Equal(t, 0, f.ctrl.Tick(context.Background()))
	close(release)
	wg.Wait()
	assert.EqualValues(t, 1, atomic.LoadInt32(&peak))
}

func TestTick_StopsWhenCancelled(t *testing.T) {
	f := newFixture(t, nil)
	var calls int32
	require.NoError(t, f.ctrl.AddStrategy(counting("x", 0, &calls)))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Zero(t, f.ctrl.Tick(ctx))
	assert.Zero(t, atomic.LoadInt32(&calls))
}

func TestAddStrategy_Validation(t *testing.T) {
	f := newFixture(t, nil)
	var calls int32
	assert.Error(t, f.ctrl.AddStrategy(optimizer.Strategy{}))
	assert.Error(t, f.ctrl.AddStrategy(optimizer.Strategy{Name: "x"}))
	require.NoError(t, f.ctrl.AddStrategy(counting("x", 0, &calls)))
	assert.Error(t, f.ctrl.AddStrategy(counting("x", 0, &calls)))
}

func TestAddAnomalyStrategy_ForwardsAboveThreshold(t *testing.T) {
	var handled []models.Anomaly
	handler := optimizer.AnomalyHandlerFunc(func(_ context.Context, a models.Anomaly, latest float64) error {
		handled = append(handled, a)
		assert.Equal(t, 200.0, latest)
		return nil
	})
	f := newFixture(t, nil, optimizer.WithAnomalyHandler(handler))
	a := models.Anomaly{Metric: "apiResponseTime", Mean: 100, StdDev: 20, Value: 400}

	name := f.ctrl.AddAnomalyStrategy(a)
	infos := f.ctrl.Strategies()
	require.Len(t, infos, 1)
	assert.Equal(t, name, infos[0].Name)
	assert.True(t, infos[0].Dynamic)
	assert.Equal(t, 3*time.Minute, infos[0].Cooldown)

	f.metrics.set("apiResponseTime", 120)
	assert.Zero(t, f.ctrl.Tick(context.Background()), "exactly mean+stddev does not fire")

	f.metrics.set("apiResponseTime", 200)
	assert.Equal(t, 1, f.ctrl.Tick(context.Background()))
	require.Len(t, handled, 1)

	forwarded := f.rec.ByTopic(events.TopicAnomalyForwarded)
	require.Len(t, forwarded, 1)
	p, _ := events.Payload[events.AnomalyForwarded](forwarded[0])
	assert.Equal(t, name, p.Strategy)
	assert.Equal(t, 200.0, p.Latest)

	f.clock.Advance(time.Minute)
	assert.Zero(t, f.ctrl.Tick(context.Background()), "3 minute cooldown")
}

func TestAddAnomalyStrategy_UnboundedByDefault(t *testing.T) {
	f := newFixture(t, nil)
	for i := 0; i < 50; i++ {
		f.ctrl.AddAnomalyStrategy(models.Anomaly{Metric: "m", Mean: 1, StdDev: 1})
	}
	assert.Len(t, f.ctrl.Strategies(), 50)
}

func TestAddAnomalyStrategy_LRUCap(t *testing.T) {
	f := newFixture(t, func(c *config.OptimizerConfig) { c.MaxDynamicStrategies = 2 })
	var calls int32
	require.NoError(t, f.ctrl.AddStrategy(counting("static", time.Hour, &calls)))

	first := f.ctrl.AddAnomalyStrategy(models.Anomaly{Metric: "a", Mean: 1, StdDev: 1})
	f.clock.Advance(time.Second)
	second := f.ctrl.AddAnomalyStrategy(models.Anomaly{Metric: "b", Mean: 1, StdDev: 1})
	f.clock.Advance(time.Second)

	// Activity on the first strategy makes the second the eviction candidate.
	f.metrics.set("a", 10)
	f.ctrl.Tick(context.Background())
	f.clock.Advance(time.Second)

	third := f.ctrl.AddAnomalyStrategy(models.Anomaly{Metric: "c", Mean: 1, StdDev: 1})

	var names []string
	for _, info := range f.ctrl.Strategies() {
		names = append(names, info.Name)
	}
	assert.Equal(t, []string{"static", first, third}, names)
	assert.NotContains(t, names, second)
}

func TestBuiltins(t *testing.T) {
	t.Run("MemoryPressure", func(t *testing.T) {
		s := optimizer.MemoryPressure(100, time.Minute)
		assert.False(t, s.Predicate(map[string]float64{optimizer.MetricHeapAllocMB: 100}))
		assert.True(t, s.Predicate(map[string]float64{optimizer.MetricHeapAllocMB: 101}))
		assert.NoError(t, s.Action(context.Background()))
	})

	t.Run("FixBacklog", func(t *testing.T) {
		d := &drainer{}
		s := optimizer.FixBacklog(10, time.Minute, d)
		assert.False(t, s.Predicate(map[string]float64{optimizer.MetricPendingFixes: 9}))
		assert.True(t, s.Predicate(map[string]float64{optimizer.MetricPendingFixes: 10}))
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		require.NoError(t, s.Action(ctx), "the drain runs outside the action's context")
		assert.EqualValues(t, 1, atomic.LoadInt32(&d.calls))
	})
}

type drainer struct{ calls int32 }

func (d *drainer) Kick() {
	atomic.AddInt32(&d.calls, 1)
}

func TestRun_StopsWithContext(t *testing.T) {
	defer goleak.VerifyNone(t)
	cfg := config.NewDefaultConfig().Optimizer()
	cfg.TickInterval = 5 * time.Millisecond
	ctrl := optimizer.NewController(zaptest.NewLogger(t), cfg, nil, nil)
	var calls int32
	require.NoError(t, ctrl.AddStrategy(counting("x", time.Hour, &calls)))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		ctrl.Run(ctx)
		close(done)
	}()
	assert.Eventually(t, func() bool { return atomic.LoadInt32(&calls) == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	<-done
}
