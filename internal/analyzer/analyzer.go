// internal/analyzer/analyzer.go
package analyzer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/mender/internal/config"
	"github.com/xkilldash9x/mender/internal/events"
	"github.com/xkilldash9x/mender/internal/models"
)

// ErrScanInProgress is returned when a scan is requested while one is running.
var ErrScanInProgress = errors.New("a scan is already in progress")

// AnalysisError describes a failure confined to one file (or one project-wide
// diagnostic pass). The scan carries on after it.
type AnalysisError struct {
	File  string
	Stage string
	Err   error
}

func (e *AnalysisError) Error() string {
	return fmt.Sprintf("analysis of %s failed at %s: %v", e.File, e.Stage, e.Err)
}

func (e *AnalysisError) Unwrap() error { return e.Err }

// ScanSummary is the aggregate outcome of one StartScan call.
type ScanSummary struct {
	Root      string                `json:"root"`
	Files     int                   `json:"files"`
	Issues    int                   `json:"issues"`
	Errors    int                   `json:"errors"`
	Forwarded int                   `json:"forwarded"`
	Duration  time.Duration         `json:"duration"`
	Reports   []events.FileAnalyzed `json:"reports"`
}

// Options carries the pluggable collaborators of an Analyzer. Every field is optional.
type Options struct {
	Providers   []Provider
	Diagnostics []DiagnosticProvider
	Weights     Weighter
	Coverage    CoverageSource
	Quality     QualityScorer
	Sink        FixSink
}

// Analyzer scans a source tree, scores the issues its providers report and
// forwards high-confidence fixable issues to a FixSink.
type Analyzer struct {
	logger  *zap.Logger
	cfg     config.AnalyzerConfig
	emitter events.Emitter
	opts    Options

	sink      atomic.Pointer[FixSink]
	analyzing atomic.Bool
}

// New creates an Analyzer.
func New(logger *zap.Logger, cfg config.AnalyzerConfig, emitter events.Emitter, opts Options) *Analyzer {
	if emitter == nil {
		emitter = events.Discard{}
	}
	a := &Analyzer{
		logger:  logger.Named("analyzer"),
		cfg:     cfg,
		emitter: emitter,
		opts:    opts,
	}
	if opts.Sink != nil {
		a.SetFixSink(opts.Sink)
	}
	return a
}

// SetFixSink binds the receiver of auto-forwarded fixes.
func (a *Analyzer) SetFixSink(sink FixSink) {
	a.sink.Store(&sink)
}

// Analyzing reports whether a scan is currently running.
func (a *Analyzer) Analyzing() bool { return a.analyzing.Load() }

// StartScan analyzes every eligible file under root in lexical order.
func (a *Analyzer) StartScan(ctx context.Context, root string) (*ScanSummary, error) {
	if !a.analyzing.CompareAndSwap(false, true) {
		return nil, ErrScanInProgress
	}
	defer a.analyzing.Store(false)

	start := time.Now()
	root = filepath.Clean(root)
	if !isDir(root) {
		return nil, fmt.Errorf("scan root %s is not a directory", root)
	}

	w, err := newWalker(root, a.cfg.SkipDirs, a.cfg.Extensions, a.cfg.RespectGitignore)
	if err != nil {
		return nil, err
	}
	files, err := w.files(root)
	if err != nil {
		return nil, err
	}
	a.logger.Info("Starting scan", zap.String("root", root), zap.Int("files", len(files)))

	summary := &ScanSummary{Root: root}
	diags := a.collectDiagnostics(ctx, Project{Root: root, Files: files}, summary)

	for _, file := range files {
		if err := ctx.Err(); err != nil {
			summary.Duration = time.Since(start)
			return summary, fmt.Errorf("scan of %s cancelled: %w", root, err)
		}

		report, nerrs, forwarded := a.process(ctx, file, diags[file])
		summary.Errors += nerrs
		if report == nil {
			continue
		}
		summary.Files++
		summary.Issues += len(report.Issues)
		summary.Reports = append(summary.Reports, *report)
		if forwarded {
			summary.Forwarded++
		}
	}

	summary.Duration = time.Since(start)
	a.logger.Info("Scan complete",
		zap.String("root", root),
		zap.Int("files", summary.Files),
		zap.Int("issues", summary.Issues),
		zap.Int("errors", summary.Errors),
		zap.Int("forwarded", summary.Forwarded),
		zap.Duration("duration", summary.Duration),
	)
	return summary, nil
}

// ScanFile analyzes a single file outside of a full scan, reporting and
// forwarding exactly as StartScan does. Project-wide diagnostics are not run.
func (a *Analyzer) ScanFile(ctx context.Context, path string) (*events.FileAnalyzed, error) {
	path = filepath.Clean(path)
	report, nerrs, _ := a.process(ctx, path, nil)
	if report == nil {
		return nil, fmt.Errorf("failed to analyze %s: %d errors", path, nerrs)
	}
	return report, nil
}

func (a *Analyzer) process(ctx context.Context, file string, diags []Diagnostic) (*events.FileAnalyzed, int, bool) {
	report, errs := a.AnalyzeFile(ctx, file, diags)
	for _, aerr := range errs {
		a.reportError(ctx, aerr)
	}
	if report == nil {
		return nil, len(errs), false
	}
	a.emit(ctx, events.TopicFileAnalyzed, *report)
	return report, len(errs), a.forward(file, report.Issues)
}

// AnalyzeFile runs every provider on one file. The report is nil only when
// the file could not be read; provider failures are returned alongside a
// partial report.
func (a *Analyzer) AnalyzeFile(ctx context.Context, path string, diags []Diagnostic) (*events.FileAnalyzed, []*AnalysisError) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, []*AnalysisError{{File: path, Stage: "read", Err: err}}
	}

	perProvider := make([][]Finding, len(a.opts.Providers))
	providerErrs := make([]error, len(a.opts.Providers))
	var g errgroup.Group
	for i, p := range a.opts.Providers {
		g.Go(func() error {
			perProvider[i], providerErrs[i] = a.runProvider(ctx, p, path, content)
			return nil
		})
	}
	_ = g.Wait()

	var errs []*AnalysisError
	var issues []models.Issue
	// Merge in provider order so results are deterministic.
	for i, findings := range perProvider {
		if providerErrs[i] != nil {
			errs = append(errs, &AnalysisError{File: path, Stage: a.opts.Providers[i].Name(), Err: providerErrs[i]})
			continue
		}
		for _, f := range findings {
			issues = append(issues, a.issueFromFinding(path, f))
		}
	}
	for _, d := range diags {
		issues = append(issues, a.issueFromDiagnostic(d))
	}

	report := &events.FileAnalyzed{File: path, Issues: issues}

	if report.Complexity, err = Complexity(ctx, path, content); err != nil {
		errs = append(errs, &AnalysisError{File: path, Stage: "complexity", Err: err})
	}
	if a.opts.Coverage != nil {
		report.Coverage, report.HasCoverage = a.opts.Coverage.CoverageFor(path)
	}
	if a.opts.Quality != nil {
		score, err := a.scoreQuality(ctx, path, content)
		if err != nil {
			errs = append(errs, &AnalysisError{File: path, Stage: "quality", Err: err})
		}
		report.ExternalQualityScore = score
	}
	return report, errs
}

func (a *Analyzer) runProvider(ctx context.Context, p Provider, path string, content []byte) (findings []Finding, err error) {
	ctx, cancel := a.withTimeout(ctx)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("Panic recovered in provider", zap.String("provider", p.Name()), zap.Any("panic_value", r))
			err = fmt.Errorf("provider %s panicked: %v", p.Name(), r)
		}
	}()
	return p.Analyze(ctx, path, content)
}

func (a *Analyzer) scoreQuality(ctx context.Context, path string, content []byte) (float64, error) {
	ctx, cancel := a.withTimeout(ctx)
	defer cancel()
	score, err := a.opts.Quality.Score(ctx, path, content)
	if err != nil {
		return 0, err
	}
	return score, nil
}

// collectDiagnostics runs each diagnostic provider once and groups the results by file.
func (a *Analyzer) collectDiagnostics(ctx context.Context, project Project, summary *ScanSummary) map[string][]Diagnostic {
	byFile := make(map[string][]Diagnostic)
	for _, dp := range a.opts.Diagnostics {
		diags, err := a.runDiagnostics(ctx, dp, project)
		if err != nil {
			summary.Errors++
			a.reportError(ctx, &AnalysisError{File: project.Root, Stage: dp.Name(), Err: err})
			continue
		}
		for _, d := range diags {
			file := filepath.Clean(d.File)
			byFile[file] = append(byFile[file], d)
		}
	}
	for file := range byFile {
		ds := byFile[file]
		sort.SliceStable(ds, func(i, j int) bool {
			if ds[i].Line != ds[j].Line {
				return ds[i].Line < ds[j].Line
			}
			return ds[i].Column < ds[j].Column
		})
	}
	return byFile
}

func (a *Analyzer) runDiagnostics(ctx context.Context, dp DiagnosticProvider, project Project) (diags []Diagnostic, err error) {
	ctx, cancel := a.withTimeout(ctx)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("diagnostic provider %s panicked: %v", dp.Name(), r)
		}
	}()
	return dp.Diagnose(ctx, project)
}

func (a *Analyzer) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if a.cfg.ProviderTimeout > 0 {
		return context.WithTimeout(ctx, a.cfg.ProviderTimeout)
	}
	return context.WithCancel(ctx)
}

func (a *Analyzer) issueFromFinding(path string, f Finding) models.Issue {
	return models.Issue{
		File:         path,
		Line:         f.Line,
		Column:       f.Column,
		Severity:     f.Severity,
		Message:      f.Message,
		Code:         f.RuleID,
		Confidence:   a.confidence(f.Severity, f.RuleID),
		SuggestedFix: f.SuggestedFix,
	}
}

func (a *Analyzer) issueFromDiagnostic(d Diagnostic) models.Issue {
	return models.Issue{
		File:       d.File,
		Line:       d.Line,
		Column:     d.Column,
		Severity:   d.Severity,
		Message:    d.Message,
		Code:       d.Code,
		Confidence: a.confidence(d.Severity, d.Code),
	}
}

// confidence is the severity base raised, never lowered, by the learned weight.
func (a *Analyzer) confidence(sev models.Severity, code string) float64 {
	c := sev.BaseConfidence()
	if a.opts.Weights != nil && code != "" {
		if w := a.opts.Weights.Weight(code); w > c {
			c = w
		}
	}
	return models.ClampConfidence(c)
}

// forward hands the first eligible issue of a file to the sink. Suggested
// fixes are full-file replacements, so at most one is forwarded per file
// per scan.
func (a *Analyzer) forward(path string, issues []models.Issue) bool {
	sinkPtr := a.sink.Load()
	if sinkPtr == nil || *sinkPtr == nil {
		return false
	}
	for _, is := range issues {
		if !is.Fixable() || is.Confidence <= a.cfg.AutoFixThreshold {
			continue
		}
		original, err := os.ReadFile(path)
		if err != nil {
			a.logger.Warn("Could not read file for auto-fix", zap.String("file", path), zap.Error(err))
			return false
		}
		if string(original) == *is.SuggestedFix {
			continue
		}
		(*sinkPtr).EnqueueFix(models.Fix{
			ID:         uuid.New().String(),
			File:       path,
			Original:   string(original),
			Fixed:      *is.SuggestedFix,
			Confidence: is.Confidence,
			Type:       is.Code,
			State:      models.FixPending,
			CreatedAt:  time.Now().UTC(),
		})
		a.logger.Info("Auto-forwarded fix",
			zap.String("file", path),
			zap.String("code", is.Code),
			zap.Float64("confidence", is.Confidence))
		return true
	}
	return false
}

func (a *Analyzer) reportError(ctx context.Context, aerr *AnalysisError) {
	a.logger.Warn("Analysis error", zap.String("file", aerr.File), zap.String("stage", aerr.Stage), zap.Error(aerr.Err))
	a.emit(ctx, events.TopicAnalysisError, events.AnalysisError{
		File:  aerr.File,
		Stage: aerr.Stage,
		Error: aerr.Err.Error(),
	})
}

func (a *Analyzer) emit(ctx context.Context, topic events.Topic, payload interface{}) {
	if err := a.emitter.Post(ctx, topic, payload); err != nil {
		a.logger.Debug("Failed to publish event", zap.String("topic", string(topic)), zap.Error(err))
	}
}
