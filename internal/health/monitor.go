// internal/health/monitor.go
package health

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/mender/internal/config"
	"github.com/xkilldash9x/mender/internal/events"
	"github.com/xkilldash9x/mender/internal/models"
)

// Threshold holds the levels at which a metric becomes warning or critical.
// A value at or above a level counts as breaching it.
type Threshold struct {
	Warning  float64
	Critical float64
}

// Classify maps a value onto a status.
func (t Threshold) Classify(v float64) models.Status {
	switch {
	case v >= t.Critical:
		return models.StatusCritical
	case v >= t.Warning:
		return models.StatusWarning
	default:
		return models.StatusHealthy
	}
}

// Component is the tracked health of a single metric.
type Component struct {
	Name      string        `json:"name"`
	Status    models.Status `json:"status"`
	Current   float64       `json:"current"`
	Timestamp time.Time     `json:"timestamp"`
	LastCheck time.Time     `json:"last_check"`
	Stale     bool          `json:"stale"`
}

// Monitor turns metric samples into component and overall health.
type Monitor struct {
	logger     *zap.Logger
	emitter    events.Emitter
	staleAfter time.Duration
	tick       time.Duration
	now        func() time.Time

	mu         sync.RWMutex
	thresholds map[string]Threshold
	components map[string]*Component
	overall    models.Status
}

// Option customizes a Monitor.
type Option func(*Monitor)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

// NewMonitor creates a monitor from the configured threshold table.
func NewMonitor(logger *zap.Logger, cfg config.HealthConfig, emitter events.Emitter, opts ...Option) *Monitor {
	if emitter == nil {
		emitter = events.Discard{}
	}
	m := &Monitor{
		logger:     logger.Named("health_monitor"),
		emitter:    emitter,
		staleAfter: cfg.StaleAfter,
		tick:       cfg.TickInterval,
		now:        time.Now,
		thresholds: make(map[string]Threshold, len(cfg.Thresholds)),
		components: make(map[string]*Component),
		overall:    models.StatusHealthy,
	}
	for _, t := range cfg.Thresholds {
		m.thresholds[t.Metric] = Threshold{Warning: t.Warning, Critical: t.Critical}
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SetThreshold adds or replaces the threshold of a metric.
func (m *Monitor) SetThreshold(metric string, t Threshold) {
	m.mu.Lock()
	m.thresholds[metric] = t
	m.mu.Unlock()
}

// RecordSample updates one component and recomputes the overall status once.
func (m *Monitor) RecordSample(ctx context.Context, name string, value float64) events.HealthUpdate {
	now := m.now()

	m.mu.Lock()
	c, ok := m.components[name]
	if !ok {
		c = &Component{Name: name}
		m.components[name] = c
	}
	c.Current = value
	c.Timestamp = now
	c.LastCheck = now
	c.Stale = false
	c.Status = m.classifyLocked(name, value)
	m.overall = m.worstLocked()
	update := events.HealthUpdate{
		Component:       name,
		ComponentStatus: c.Status,
		Value:           value,
		Overall:         m.overall,
		Timestamp:       now,
	}
	m.mu.Unlock()

	if update.ComponentStatus != models.StatusHealthy {
		m.logger.Debug("Component unhealthy",
			zap.String("component", name),
			zap.String("status", string(update.ComponentStatus)),
			zap.Float64("value", value))
	}
	m.emit(ctx, events.TopicHealthUpdate, update)
	return update
}

// Evaluate re-checks every component for staleness. Components that just
// went stale emit component-stale; a changed overall status emits a
// health-update with an empty component name.
func (m *Monitor) Evaluate(ctx context.Context) models.Status {
	now := m.now()

	m.mu.Lock()
	var newlyStale []events.ComponentStale
	for _, c := range m.components {
		age := now.Sub(c.LastCheck)
		stale := m.staleAfter > 0 && age > m.staleAfter
		status := m.classifyLocked(c.Name, c.Current)
		if stale {
			status = models.Worst(status, models.StatusWarning)
			if !c.Stale {
				newlyStale = append(newlyStale, events.ComponentStale{Component: c.Name, LastCheck: c.LastCheck, Age: age})
			}
		}
		c.Stale = stale
		c.Status = status
	}
	previous := m.overall
	m.overall = m.worstLocked()
	overall := m.overall
	m.mu.Unlock()

	sort.Slice(newlyStale, func(i, j int) bool { return newlyStale[i].Component < newlyStale[j].Component })
	for _, s := range newlyStale {
		m.logger.Warn("Component stale", zap.String("component", s.Component), zap.Duration("age", s.Age))
		m.emit(ctx, events.TopicComponentStale, s)
	}
	if overall != previous {
		m.emit(ctx, events.TopicHealthUpdate, events.HealthUpdate{Overall: overall, Timestamp: now})
	}
	return overall
}

// Run evaluates on every tick until ctx ends.
func (m *Monitor) Run(ctx context.Context) {
	interval := m.tick
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Evaluate(ctx)
		}
	}
}

// Overall returns the worst status across all components.
func (m *Monitor) Overall() models.Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.overall
}

// Component returns a copy of one component.
func (m *Monitor) Component(name string) (Component, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.components[name]
	if !ok {
		return Component{}, false
	}
	return *c, true
}

// Components returns copies of every component ordered by name.
func (m *Monitor) Components() []Component {
	m.mu.RLock()
	out := make([]Component, 0, len(m.components))
	for _, c := range m.components {
		out = append(out, *c)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Reset forgets every component. Thresholds are kept.
func (m *Monitor) Reset() {
	m.mu.Lock()
	m.components = make(map[string]*Component)
	m.overall = models.StatusHealthy
	m.mu.Unlock()
	m.logger.Info("Health monitor reset.")
}

func (m *Monitor) classifyLocked(name string, value float64) models.Status {
	t, ok := m.thresholds[name]
	if !ok {
		return models.StatusHealthy
	}
	return t.Classify(value)
}

func (m *Monitor) worstLocked() models.Status {
	worst := models.StatusHealthy
	for _, c := range m.components {
		worst = models.Worst(worst, c.Status)
	}
	return worst
}

func (m *Monitor) emit(ctx context.Context, topic events.Topic, payload interface{}) {
	if err := m.emitter.Post(ctx, topic, payload); err != nil {
		m.logger.Debug("Failed to publish event", zap.String("topic", string(topic)), zap.Error(err))
	}
}
