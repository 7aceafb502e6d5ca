// internal/optimizer/controller.go
package optimizer

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/mender/internal/config"
	"github.com/xkilldash9x/mender/internal/events"
	"github.com/xkilldash9x/mender/internal/models"
)

// Strategy is a cooldown-gated corrective action. Predicate sees a snapshot
// of the current metrics; Action runs only when it returns true.
type Strategy struct {
	Name      string
	Predicate func(metrics map[string]float64) bool
	Action    func(ctx context.Context) error
	Cooldown  time.Duration
}

// StrategyInfo describes a registered strategy.
type StrategyInfo struct {
	Name     string        `json:"name"`
	Cooldown time.Duration `json:"cooldown"`
	LastRun  time.Time     `json:"last_run,omitempty"`
	Runs     int           `json:"runs"`
	Dynamic  bool          `json:"dynamic"`
}

// ActionError wraps a failed or panicking strategy action.
type ActionError struct {
	Strategy string
	Err      error
}

func (e *ActionError) Error() string {
	return fmt.Sprintf("strategy %s failed: %v", e.Strategy, e.Err)
}

func (e *ActionError) Unwrap() error { return e.Err }

// MetricSource provides the metric snapshot handed to predicates.
type MetricSource interface {
	Snapshot() map[string]float64
}

// AnomalyHandler receives anomalies forwarded by synthesized strategies.
type AnomalyHandler interface {
	HandleAnomaly(ctx context.Context, a models.Anomaly, latest float64) error
}

// AnomalyHandlerFunc adapts a function to AnomalyHandler.
type AnomalyHandlerFunc func(ctx context.Context, a models.Anomaly, latest float64) error

func (f AnomalyHandlerFunc) HandleAnomaly(ctx context.Context, a models.Anomaly, latest float64) error {
	return f(ctx, a, latest)
}

type entry struct {
	Strategy
	lastRun    time.Time
	lastActive time.Time
	runs       int
	dynamic    bool
}

// Controller evaluates strategies on a tick. At most one action runs at a
// time across the whole controller.
type Controller struct {
	logger  *zap.Logger
	cfg     config.OptimizerConfig
	metrics MetricSource
	emitter events.Emitter
	handler AnomalyHandler
	now     func() time.Time

	mu         sync.Mutex
	strategies []*entry
	seq        int

	isOptimizing atomic.Bool
}

// Option customizes a Controller.
type Option func(*Controller)

// WithClock overrides the time source used for cooldowns.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// WithAnomalyHandler sets where synthesized strategies forward anomalies.
func WithAnomalyHandler(h AnomalyHandler) Option {
	return func(c *Controller) { c.handler = h }
}

// NewController creates a controller with no strategies.
func NewController(logger *zap.Logger, cfg config.OptimizerConfig, metrics MetricSource, emitter events.Emitter, opts ...Option) *Controller {
	if emitter == nil {
		emitter = events.Discard{}
	}
	c := &Controller{
		logger:  logger.Named("optimizer"),
		cfg:     cfg,
		metrics: metrics,
		emitter: emitter,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// AddStrategy appends a strategy. Names must be unique.
func (c *Controller) AddStrategy(s Strategy) error {
	if s.Name == "" {
		return fmt.Errorf("strategy name is required")
	}
	if s.Predicate == nil || s.Action == nil {
		return fmt.Errorf("strategy %s needs both a predicate and an action", s.Name)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.strategies {
		if e.Name == s.Name {
			return fmt.Errorf("strategy %s already registered", s.Name)
		}
	}
	c.strategies = append(c.strategies, &entry{Strategy: s, lastActive: c.now()})
	c.logger.Debug("Strategy registered", zap.String("strategy", s.Name), zap.Duration("cooldown", s.Cooldown))
	return nil
}

// AddAnomalyStrategy synthesizes a strategy that fires while the anomalous
// metric stays above mean+stddev and forwards the anomaly when it does.
func (c *Controller) AddAnomalyStrategy(a models.Anomaly) string {
	cooldown := c.cfg.AnomalyCooldown
	if cooldown <= 0 {
		cooldown = 3 * time.Minute
	}

	c.mu.Lock()
	c.seq++
	name := fmt.Sprintf("anomaly-%s-%d", a.Metric, c.seq)
	c.mu.Unlock()

	threshold := a.Threshold()
	var latest atomic.Value
	s := Strategy{
		Name:     name,
		Cooldown: cooldown,
		Predicate: func(m map[string]float64) bool {
			v, ok := m[a.Metric]
			if ok {
				latest.Store(v)
			}
			return ok && v > threshold
		},
		Action: func(ctx context.Context) error {
			v, _ := latest.Load().(float64)
			if err := c.emitter.Post(ctx, events.TopicAnomalyForwarded, events.AnomalyForwarded{Strategy: name, Anomaly: a, Latest: v}); err != nil {
				c.logger.Debug("Failed to publish forwarded anomaly", zap.Error(err))
			}
			if c.handler == nil {
				return nil
			}
			return c.handler.HandleAnomaly(ctx, a, v)
		},
	}

	c.mu.Lock()
	c.strategies = append(c.strategies, &entry{Strategy: s, lastActive: c.now(), dynamic: true})
	evicted := c.evictLocked()
	c.mu.Unlock()

	c.logger.Info("Synthesized anomaly strategy",
		zap.String("strategy", name),
		zap.String("anomaly", a.String()),
		zap.Float64("threshold", threshold))
	for _, n := range evicted {
		c.logger.Info("Evicted dynamic strategy", zap.String("strategy", n))
	}
	return name
}

// evictLocked enforces MaxDynamicStrategies by dropping the least recently
// active dynamic strategies. Zero means unbounded.
func (c *Controller) evictLocked() []string {
	limit := c.cfg.MaxDynamicStrategies
	if limit <= 0 {
		return nil
	}
	var evicted []string
	for {
		dynamic, oldest := 0, -1
		for i, e := range c.strategies {
			if !e.dynamic {
				continue
			}
			dynamic++
			if oldest < 0 || e.lastActive.Before(c.strategies[oldest].lastActive) {
				oldest = i
			}
		}
		if dynamic <= limit {
			return evicted
		}
		evicted = append(evicted, c.strategies[oldest].Name)
		c.strategies = append(c.strategies[:oldest], c.strategies[oldest+1:]...)
	}
}

// Tick evaluates every strategy once in order and returns how many actions ran.
func (c *Controller) Tick(ctx context.Context) int {
	c.mu.Lock()
	list := make([]*entry, len(c.strategies))
	copy(list, c.strategies)
	c.mu.Unlock()

	executed := 0
	for _, e := range list {
		if ctx.Err() != nil {
			return executed
		}
		if c.evaluate(ctx, e) {
			executed++
		}
	}
	return executed
}

func (c *Controller) evaluate(ctx context.Context, e *entry) bool {
	if c.isOptimizing.Load() {
		return false
	}

	if c.cooling(e) {
		return false
	}

	var snapshot map[string]float64
	if c.metrics != nil {
		snapshot = c.metrics.Snapshot()
	}
	if !e.Predicate(snapshot) {
		return false
	}

	if !c.isOptimizing.CompareAndSwap(false, true) {
		return false
	}
	defer c.isOptimizing.Store(false)
	// Another Tick may have run this strategy since the first check.
	if c.cooling(e) {
		return false
	}

	c.logger.Info("Running strategy", zap.String("strategy", e.Name))
	start := c.now()
	err := c.run(ctx, e)

	c.mu.Lock()
	e.lastRun = c.now()
	e.lastActive = e.lastRun
	e.runs++
	c.mu.Unlock()

	if err != nil {
		c.logger.Warn("Strategy action failed", zap.String("strategy", e.Name), zap.Error(err))
		c.emit(ctx, events.TopicOptimizationError, events.OptimizationError{Strategy: e.Name, Error: err.Error()})
		return true
	}
	c.emit(ctx, events.TopicOptimizationComplete, events.OptimizationComplete{
		Strategy: e.Name,
		Result:   "success",
		Duration: c.now().Sub(start),
	})
	return true
}

func (c *Controller) cooling(e *entry) bool {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	return !e.lastRun.IsZero() && now.Sub(e.lastRun) < e.Cooldown
}

func (c *Controller) run(ctx context.Context, e *entry) (err error) {
	if c.cfg.ActionTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.ActionTimeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = &ActionError{Strategy: e.Name, Err: fmt.Errorf("panic: %v", r)}
		}
	}()
	if aerr := e.Action(ctx); aerr != nil {
		return &ActionError{Strategy: e.Name, Err: aerr}
	}
	return nil
}

// Run ticks until ctx ends.
func (c *Controller) Run(ctx context.Context) {
	interval := c.cfg.TickInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Tick(ctx)
		}
	}
}

// Optimizing reports whether an action is currently executing.
func (c *Controller) Optimizing() bool { return c.isOptimizing.Load() }

// Strategies lists the registered strategies in evaluation order.
func (c *Controller) Strategies() []StrategyInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]StrategyInfo, 0, len(c.strategies))
	for _, e := range c.strategies {
		out = append(out, StrategyInfo{
			Name:     e.Name,
			Cooldown: e.Cooldown,
			LastRun:  e.lastRun,
			Runs:     e.runs,
			Dynamic:  e.dynamic,
		})
	}
	return out
}

func (c *Controller) emit(ctx context.Context, topic events.Topic, payload interface{}) {
	if err := c.emitter.Post(ctx, topic, payload); err != nil {
		c.logger.Debug("Failed to publish event", zap.String("topic", string(topic)), zap.Error(err))
	}
}
