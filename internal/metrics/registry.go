// internal/metrics/registry.go
package metrics

import (
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/mender/internal/models"
)

// Sample is the latest observed value of a metric.
type Sample struct {
	Value     float64   `json:"value"`
	Timestamp time.Time `json:"timestamp"`
}

// Registry holds the latest value of every metric the pipeline knows about and
// mirrors each one into a prometheus gauge.
type Registry struct {
	logger *zap.Logger
	now    func() time.Time

	mu       sync.RWMutex
	latest   map[string]Sample
	detector *Detector

	prom      *prometheus.Registry
	values    *prometheus.GaugeVec
	updates   *prometheus.CounterVec
	anomalies *prometheus.CounterVec
}

// Option customizes a Registry.
type Option func(*Registry)

// WithAnomalyDetection enables the rolling z-score detector.
func WithAnomalyDetection(window int, sigma float64) Option {
	return func(r *Registry) {
		r.detector = NewDetector(window, sigma)
	}
}

// WithClock overrides the time source used for sample timestamps.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		r.now = now
	}
}

// NewRegistry creates an empty registry backed by its own prometheus registry,
// so multiple instances never collide on collector registration.
func NewRegistry(logger *zap.Logger, opts ...Option) *Registry {
	r := &Registry{
		logger: logger.Named("metrics"),
		now:    time.Now,
		latest: make(map[string]Sample),
		prom:   prometheus.NewRegistry(),
		values: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "mender",
			Name:      "metric_value",
			Help:      "Latest value reported for each pipeline metric",
		}, []string{"metric"}),
		updates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mender",
			Name:      "metric_updates_total",
			Help:      "Number of samples recorded per metric",
		}, []string{"metric"}),
		anomalies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mender",
			Name:      "anomalies_total",
			Help:      "Anomalies raised by the rolling detector per metric",
		}, []string{"metric"}),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.prom.MustRegister(r.values, r.updates, r.anomalies)
	return r
}

// Set records a sample. When anomaly detection is enabled and the value
// deviates from the metric's rolling window, the anomaly is returned.
func (r *Registry) Set(name string, value float64) *models.Anomaly {
	now := r.now()

	r.mu.Lock()
	r.latest[name] = Sample{Value: value, Timestamp: now}
	var anomaly *models.Anomaly
	if r.detector != nil {
		anomaly = r.detector.Observe(name, value, now)
	}
	r.mu.Unlock()

	r.values.WithLabelValues(name).Set(value)
	r.updates.WithLabelValues(name).Inc()
	if anomaly != nil {
		r.anomalies.WithLabelValues(name).Inc()
		r.logger.Info("Anomaly detected", zap.String("metric", name), zap.Stringer("anomaly", anomaly))
	}
	return anomaly
}

// Get returns the latest sample for a metric.
func (r *Registry) Get(name string) (Sample, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.latest[name]
	return s, ok
}

// Latest returns only the value of the latest sample.
func (r *Registry) Latest(name string) (float64, bool) {
	s, ok := r.Get(name)
	return s.Value, ok
}

// Snapshot copies every latest value.
func (r *Registry) Snapshot() map[string]float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]float64, len(r.latest))
	for name, s := range r.latest {
		out[name] = s.Value
	}
	return out
}

// Names returns the known metric names in lexical order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.latest))
	for name := range r.latest {
		names = append(names, name)
	}
	r.mu.RUnlock()
	sort.Strings(names)
	return names
}

// Reset forgets every value and every detector window.
func (r *Registry) Reset() {
	r.mu.Lock()
	r.latest = make(map[string]Sample)
	if r.detector != nil {
		r.detector.Reset()
	}
	r.mu.Unlock()
	r.values.Reset()
	r.logger.Debug("Metrics registry reset.")
}

// Gatherer exposes the prometheus registry.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.prom
}

// Register adds extra collectors, such as the Go runtime collector, to the
// underlying prometheus registry.
func (r *Registry) Register(cs ...prometheus.Collector) error {
	for _, c := range cs {
		if err := r.prom.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// Handler serves the registry in the prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.prom, promhttp.HandlerOpts{})
}
