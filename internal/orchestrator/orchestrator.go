// File: internal/orchestrator/orchestrator.go
// Description: Builds every pipeline component, wires them together over the
// event bus and supervises the goroutines that keep them running.

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/mender/internal/analyzer"
	"github.com/xkilldash9x/mender/internal/config"
	"github.com/xkilldash9x/mender/internal/events"
	"github.com/xkilldash9x/mender/internal/health"
	"github.com/xkilldash9x/mender/internal/logwatch"
	"github.com/xkilldash9x/mender/internal/metrics"
	"github.com/xkilldash9x/mender/internal/models"
	"github.com/xkilldash9x/mender/internal/optimizer"
	"github.com/xkilldash9x/mender/internal/patterns"
	"github.com/xkilldash9x/mender/internal/remediation"
	"github.com/xkilldash9x/mender/internal/testexec"
)

// Synthetic and runtime metric names.
const (
	MetricSystemHealth       = "systemHealth"
	MetricOptimizationPrefix = "optimization_"
	MetricGoroutines         = "goroutines"
	MetricFixesApplied       = "fixes_applied"
	MetricFixesFailed        = "fixes_failed"
)

// How many times one supervised routine may be restarted before recovery is
// declared failed.
const maxRestarts = 3

// Deps carries the configuration and the replaceable collaborators. Only
// Config and Logger are required.
type Deps struct {
	Config config.Interface
	Logger *zap.Logger

	Harness        testexec.Harness
	Providers      []analyzer.Provider
	Diagnostics    []analyzer.DiagnosticProvider
	Quality        analyzer.QualityScorer
	HistoryStore   remediation.HistoryStore
	PatternStore   patterns.Store
	Committer      remediation.Committer
	FileSystem     remediation.FileSystem
	AnomalyHandler optimizer.AnomalyHandler

	// RecoveryCheck runs after the health and metrics subsystems are
	// reinitialized. An error makes the recovery fail.
	RecoveryCheck func(ctx context.Context) error
}

// Orchestrator owns every component of the pipeline.
type Orchestrator struct {
	cfg    config.Interface
	logger *zap.Logger

	Bus        *events.Bus
	Metrics    *metrics.Registry
	Health     *health.Monitor
	Optimizer  *optimizer.Controller
	Analyzer   *analyzer.Analyzer
	Learner    *patterns.Learner
	Remediator *remediation.Remediator
	Tests      *testexec.Service

	recoveryCheck func(ctx context.Context) error
	watcher       *logwatch.Watcher

	mu       sync.Mutex
	ctx      context.Context
	cancel   context.CancelFunc
	restarts map[string]int
	wg       sync.WaitGroup
	started  bool

	recovering     sync.Mutex
	recoveryFailed atomic.Bool
	fixesApplied   atomic.Int64
	fixesFailed    atomic.Int64
}

// New builds the components and connects them. Nothing runs until Start.
func New(deps Deps) (*Orchestrator, error) {
	if deps.Config == nil || deps.Logger == nil {
		return nil, fmt.Errorf("cannot initialize orchestrator with nil dependencies")
	}
	cfg := deps.Config
	logger := deps.Logger.Named("orchestrator")

	o := &Orchestrator{
		cfg:           cfg,
		logger:        logger,
		recoveryCheck: deps.RecoveryCheck,
		restarts:      make(map[string]int),
	}

	o.Bus = events.NewBus(deps.Logger, cfg.Orchestrator().BusBufferSize)

	var metricOpts []metrics.Option
	if oc := cfg.Orchestrator(); oc.AnomalyDetection {
		metricOpts = append(metricOpts, metrics.WithAnomalyDetection(oc.AnomalyWindow, oc.AnomalySigma))
	}
	o.Metrics = metrics.NewRegistry(deps.Logger, metricOpts...)
	o.Health = health.NewMonitor(deps.Logger, cfg.Health(), o.Bus)

	harness, err := buildHarness(deps, cfg.Tests(), cfg.Analyzer().Root)
	if err != nil {
		return nil, err
	}
	o.Tests = testexec.NewService(deps.Logger, harness, o.Bus, cfg.Tests().Timeout)

	var remOpts []remediation.Option
	if deps.FileSystem != nil {
		remOpts = append(remOpts, remediation.WithFileSystem(deps.FileSystem))
	}
	committer := deps.Committer
	if committer == nil && cfg.Remediation().Git.Commit {
		gc, err := remediation.NewGitCommitter(deps.Logger, cfg.Analyzer().Root, cfg.Remediation().Git)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize git committer: %w", err)
		}
		committer = gc
	}
	if committer != nil {
		remOpts = append(remOpts, remediation.WithCommitter(committer))
	}
	o.Remediator, err = remediation.New(deps.Logger, cfg.Remediation(), o.Tests,
		remediation.NewHistory(deps.HistoryStore), o.Bus, remOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize remediator: %w", err)
	}

	o.Learner = patterns.NewLearner(deps.Logger, deps.PatternStore)

	providers := deps.Providers
	if providers == nil {
		rules, err := analyzer.NewRegexProvider(cfg.Analyzer().Rules)
		if err != nil {
			return nil, fmt.Errorf("invalid analyzer rules: %w", err)
		}
		providers = []analyzer.Provider{rules}
	}
	diagnostics := deps.Diagnostics
	if diagnostics == nil && len(cfg.Analyzer().Diagnostics) > 0 {
		cd, err := analyzer.NewCommandDiagnostics(deps.Logger, cfg.Analyzer().Diagnostics)
		if err != nil {
			return nil, err
		}
		diagnostics = []analyzer.DiagnosticProvider{cd}
	}
	o.Analyzer = analyzer.New(deps.Logger, cfg.Analyzer(), o.Bus, analyzer.Options{
		Providers:   providers,
		Diagnostics: diagnostics,
		Weights:     o.Learner,
		Coverage:    o.Tests,
		Quality:     deps.Quality,
		Sink:        o.Remediator,
	})

	var optOpts []optimizer.Option
	if deps.AnomalyHandler != nil {
		optOpts = append(optOpts, optimizer.WithAnomalyHandler(deps.AnomalyHandler))
	}
	o.Optimizer = optimizer.NewController(deps.Logger, cfg.Optimizer(), o.Metrics, o.Bus, optOpts...)
	if err := o.seedStrategies(); err != nil {
		return nil, err
	}
	return o, nil
}

func buildHarness(deps Deps, tc config.TestsConfig, root string) (testexec.Harness, error) {
	if deps.Harness != nil {
		return deps.Harness, nil
	}
	switch tc.Harness {
	case "", "go":
		return testexec.NewGoTestHarness(deps.Logger), nil
	case "command":
		return testexec.NewCommandHarness(deps.Logger, tc.Command, root)
	default:
		return nil, fmt.Errorf("unsupported test harness: %q", tc.Harness)
	}
}

func (o *Orchestrator) seedStrategies() error {
	oc := o.cfg.Optimizer()
	if oc.MemoryPressureMB > 0 {
		if err := o.Optimizer.AddStrategy(optimizer.MemoryPressure(oc.MemoryPressureMB, oc.MemoryCooldown)); err != nil {
			return err
		}
	}
	// With remediation disabled fixes only queue up; nothing may drain them.
	if oc.FixBacklog > 0 && o.cfg.Remediation().Enabled {
		if err := o.Optimizer.AddStrategy(optimizer.FixBacklog(oc.FixBacklog, oc.FixBacklogCooldown, o.Remediator)); err != nil {
			return err
		}
	}
	return nil
}

// Start loads persisted state, subscribes the components to each other and
// launches the periodic loops. It returns once everything is running.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.started {
		o.mu.Unlock()
		return fmt.Errorf("orchestrator already started")
	}
	o.started = true
	o.ctx, o.cancel = context.WithCancel(ctx)
	runCtx := o.ctx
	o.mu.Unlock()

	if err := o.Learner.Load(runCtx); err != nil {
		o.logger.Warn("Failed to load pattern weights, starting empty.", zap.Error(err))
	}
	if err := o.Remediator.History().Load(runCtx); err != nil {
		o.logger.Warn("Failed to load fix history, starting empty.", zap.Error(err))
	}

	// One goroutine per subscription, so a slow handler never blocks another topic.
	o.subscribe(events.TopicHealthUpdate, o.onHealthUpdate)
	o.subscribe(events.TopicOptimizationComplete, o.onOptimizationComplete)
	o.subscribe(events.TopicAnomalyDetected, o.onAnomaly)
	o.subscribe(events.TopicFixApplied, o.onFixOutcome)
	o.subscribe(events.TopicFixFailed, o.onFixOutcome)

	if sinkCfg := o.cfg.Events(); sinkCfg.SinkFile != "" {
		sink := events.NewJSONLSink(o.logger, o.Bus, sinkCfg)
		o.Go("event-sink", func(ctx context.Context) error {
			sink.Run(ctx)
			return sink.Close()
		})
	}

	o.supervise("health-monitor", func(ctx context.Context) error {
		o.Health.Run(ctx)
		return nil
	})
	o.supervise("optimizer", func(ctx context.Context) error {
		o.Optimizer.Run(ctx)
		return nil
	})
	o.supervise("self-check", o.runSelfCheck)

	if interval := o.cfg.Analyzer().ScanInterval; interval > 0 {
		o.Go("periodic-scan", func(ctx context.Context) error {
			return o.runPeriodicScan(ctx, interval)
		})
	}

	if lw := o.cfg.LogWatch(); lw.Enabled {
		w, err := logwatch.NewWatcher(o.logger, lw, o.cfg.Analyzer().Root, o.RecordMetric, o.onCrash)
		if err != nil {
			return fmt.Errorf("failed to initialize log watcher: %w", err)
		}
		if err := w.Start(runCtx); err != nil {
			return err
		}
		o.watcher = w
	}

	if addr := o.cfg.Orchestrator().MetricsAddr; addr != "" {
		o.serveMetrics(addr)
	}

	o.logger.Info("Orchestrator started.")
	return nil
}

// Stop cancels every loop, waits for them and drains the bus.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	cancel := o.cancel
	o.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	o.Remediator.Close()
	o.Tests.Close()
	o.wg.Wait()
	if o.watcher != nil {
		<-o.watcher.Done()
	}
	o.Bus.Shutdown()
	o.logger.Info("Orchestrator stopped.")
}

func (o *Orchestrator) subscribe(topic events.Topic, handler func(context.Context, events.Message)) {
	ch, unsubscribe := o.Bus.Subscribe(topic)
	o.Go("subscriber:"+string(topic), func(ctx context.Context) error {
		defer unsubscribe()
		o.Bus.Consume(ctx, ch, handler)
		return nil
	})
}

// RecordMetric is the entry point for metric producers. Samples reach the
// registry and the health monitor; anomalies found on the way are published.
func (o *Orchestrator) RecordMetric(ctx context.Context, name string, value float64) {
	if a := o.Metrics.Set(name, value); a != nil {
		if err := o.ReportAnomaly(ctx, *a); err != nil {
			o.logger.Debug("Failed to report anomaly", zap.Error(err))
		}
	}
	o.Health.RecordSample(ctx, name, value)
}

// ReportAnomaly publishes an anomaly from any scoring source.
func (o *Orchestrator) ReportAnomaly(ctx context.Context, a models.Anomaly) error {
	if a.Metric == "" {
		return fmt.Errorf("anomaly must name a metric")
	}
	if a.DetectedAt.IsZero() {
		a.DetectedAt = time.Now()
	}
	return o.Bus.Post(ctx, events.TopicAnomalyDetected, events.AnomalyDetected{Anomaly: a})
}

// Scan runs one analysis pass over the configured root.
func (o *Orchestrator) Scan(ctx context.Context) (*analyzer.ScanSummary, error) {
	return o.Analyzer.StartScan(ctx, o.cfg.Analyzer().Root)
}

// -- Event handlers --

// Synthetic metrics go to the registry only. Feeding them back into the
// health monitor would loop health-update events.
func (o *Orchestrator) onHealthUpdate(_ context.Context, msg events.Message) {
	p, ok := events.Payload[events.HealthUpdate](msg)
	if !ok {
		return
	}
	o.Metrics.Set(MetricSystemHealth, float64(p.Overall.Rank()))
}

func (o *Orchestrator) onOptimizationComplete(_ context.Context, msg events.Message) {
	p, ok := events.Payload[events.OptimizationComplete](msg)
	if !ok {
		return
	}
	o.Metrics.Set(MetricOptimizationPrefix+p.Strategy, 1)
}

func (o *Orchestrator) onAnomaly(ctx context.Context, msg events.Message) {
	p, ok := events.Payload[events.AnomalyDetected](msg)
	if !ok {
		return
	}
	weight, err := o.Learner.LearnPattern(ctx, patterns.FromAnomaly(p.Anomaly))
	if err != nil {
		o.logger.Warn("Failed to learn pattern from anomaly", zap.String("anomaly", p.Anomaly.String()), zap.Error(err))
	}
	name := o.Optimizer.AddAnomalyStrategy(p.Anomaly)
	o.logger.Info("Anomaly handled",
		zap.String("anomaly", p.Anomaly.String()),
		zap.Float64("pattern_weight", weight),
		zap.String("strategy", name))
}

func (o *Orchestrator) onFixOutcome(_ context.Context, msg events.Message) {
	switch msg.Topic {
	case events.TopicFixApplied:
		o.Metrics.Set(MetricFixesApplied, float64(o.fixesApplied.Add(1)))
	case events.TopicFixFailed:
		o.Metrics.Set(MetricFixesFailed, float64(o.fixesFailed.Add(1)))
	}
}

// onCrash analyzes the file a watched application panicked in. Frames
// outside the project root are ignored.
func (o *Orchestrator) onCrash(_ context.Context, c logwatch.Crash) {
	if c.File == "" {
		return
	}
	root := o.cfg.Analyzer().Root
	path := c.File
	if !filepath.IsAbs(path) {
		path = filepath.Join(root, path)
	}
	if !withinRoot(root, path) {
		o.logger.Debug("Ignoring crash outside the project", zap.String("file", c.File))
		return
	}
	o.Go("crash-analysis", func(ctx context.Context) error {
		if _, err := o.Analyzer.ScanFile(ctx, path); err != nil {
			o.logger.Warn("Failed to analyze crashing file", zap.String("file", path), zap.Error(err))
		}
		return nil
	})
}

func withinRoot(root, path string) bool {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return false
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	rel, err := filepath.Rel(absRoot, absPath)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// -- Loops --

func (o *Orchestrator) runSelfCheck(ctx context.Context) error {
	interval := o.cfg.Orchestrator().SelfCheckInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			o.SelfCheck(ctx)
		}
	}
}

// SelfCheck samples runtime and pipeline metrics and republishes every
// current metric as a snapshot.
func (o *Orchestrator) SelfCheck(ctx context.Context) events.MetricsSnapshot {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	o.RecordMetric(ctx, optimizer.MetricHeapAllocMB, float64(ms.HeapAlloc)/(1<<20))
	o.RecordMetric(ctx, MetricGoroutines, float64(runtime.NumGoroutine()))
	o.RecordMetric(ctx, optimizer.MetricPendingFixes, float64(o.Remediator.GetFixStatus().PendingFixes))

	snap := events.MetricsSnapshot{
		Metrics:   o.Metrics.Snapshot(),
		Overall:   o.Health.Overall(),
		Timestamp: time.Now(),
	}
	if err := o.Bus.Post(ctx, events.TopicMetricsSnapshot, snap); err != nil {
		o.logger.Debug("Failed to publish metrics snapshot", zap.Error(err))
	}
	return snap
}

func (o *Orchestrator) runPeriodicScan(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := o.Scan(ctx); err != nil {
			switch {
			case ctx.Err() != nil:
				return nil
			case errors.Is(err, analyzer.ErrScanInProgress):
				o.logger.Debug("Skipping periodic scan, one is already running.")
			default:
				o.logger.Warn("Periodic scan failed", zap.Error(err))
			}
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (o *Orchestrator) serveMetrics(addr string) {
	srv := &http.Server{Addr: addr, Handler: o.Metrics.Handler(), ReadHeaderTimeout: 5 * time.Second}
	o.Go("metrics-server", func(ctx context.Context) error {
		errc := make(chan error, 1)
		go func() { errc <- srv.ListenAndServe() }()
		select {
		case err := <-errc:
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return fmt.Errorf("metrics server: %w", err)
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		}
	})
	o.logger.Info("Serving metrics.", zap.String("addr", addr))
}
