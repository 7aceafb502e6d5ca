// internal/logwatch/watcher.go
package logwatch

import (
	"context"
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/hpcloud/tail"
	"go.uber.org/zap"

	"github.com/xkilldash9x/mender/internal/config"
)

// Metric names produced by the watcher.
const (
	MetricErrors = "log_errors"
	MetricPanics = "log_panics"
)

// How long a panic trace may go without a new line before it is considered complete.
const traceSettle = 100 * time.Millisecond

// -- Regex Definitions --
var newEntryRegex = regexp.MustCompile(`^(\d{4}[-/]\d{2}[-/]\d{2}|\{.*"ts":|INFO|WARN|ERROR|DEBUG|panic:)`)
var panicRegex = regexp.MustCompile(`("level":"panic"|"level":"fatal"|panic:)`)
var errorRegex = regexp.MustCompile(`("level":"error"|\bERROR\b|level=error)`)
var jsonStackRegex = regexp.MustCompile(`"stacktrace":"(.*?)"`)
var locationRegex = regexp.MustCompile(`^\s*(.*?\.go):(\d+)`)
var jsonMessageRegex = regexp.MustCompile(`"msg":"(.*?)"`)

// Crash is a panic found in the watched log.
type Crash struct {
	ID      string    `json:"id"`
	Time    time.Time `json:"time"`
	Message string    `json:"message"`
	File    string    `json:"file,omitempty"`
	Line    int       `json:"line,omitempty"`
	Trace   string    `json:"trace"`
}

// SampleFunc receives the per-interval counters.
type SampleFunc func(ctx context.Context, name string, value float64)

// CrashFunc receives every detected crash. It runs on the watcher goroutine.
type CrashFunc func(ctx context.Context, c Crash)

// Watcher tails an application log and turns error lines and panic traces
// into metric samples.
type Watcher struct {
	logger      *zap.Logger
	path        string
	interval    time.Duration
	projectRoot string
	record      SampleFunc
	onCrash     CrashFunc

	errors atomic.Int64
	panics atomic.Int64
	done   chan struct{}
}

// NewWatcher validates the configuration and returns an unstarted watcher.
func NewWatcher(logger *zap.Logger, cfg config.LogWatchConfig, projectRoot string, record SampleFunc, onCrash CrashFunc) (*Watcher, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("logwatch.path must be configured")
	}
	if record == nil {
		return nil, fmt.Errorf("a sample recorder is required")
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Watcher{
		logger:      logger.Named("log_watcher"),
		path:        cfg.Path,
		interval:    interval,
		projectRoot: projectRoot,
		record:      record,
		onCrash:     onCrash,
		done:        make(chan struct{}),
	}, nil
}

// Start begins tailing from the end of the file. The loop stops when ctx ends.
func (w *Watcher) Start(ctx context.Context) error {
	w.logger.Info("Starting log watcher...", zap.String("path", w.path), zap.Duration("interval", w.interval))

	t, err := tail.TailFile(w.path, tail.Config{
		Follow:    true,
		ReOpen:    true,
		MustExist: true,
		Location:  &tail.SeekInfo{Offset: 0, Whence: 2},
		Logger:    tail.DiscardingLogger,
	})
	if err != nil {
		close(w.done)
		return fmt.Errorf("failed to tail log file: %w", err)
	}

	go w.monitorLoop(ctx, t)
	return nil
}

// Done is closed once the monitor loop has exited.
func (w *Watcher) Done() <-chan struct{} { return w.done }

// Flush reports and resets the counters accumulated since the last flush.
func (w *Watcher) Flush(ctx context.Context) (errs, panics int64) {
	errs = w.errors.Swap(0)
	panics = w.panics.Swap(0)
	w.record(ctx, MetricErrors, float64(errs))
	w.record(ctx, MetricPanics, float64(panics))
	return errs, panics
}

// The loop buffers multi-line panic traces from the shared log and flushes
// counters on every interval.
func (w *Watcher) monitorLoop(ctx context.Context, t *tail.Tail) {
	defer close(w.done)
	defer func() {
		t.Stop()
		t.Cleanup()
	}()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	var currentTrace []string
	settle := time.NewTimer(traceSettle)
	if !settle.Stop() {
		<-settle.C
	}
	stopSettle := func() {
		if !settle.Stop() {
			select {
			case <-settle.C:
			default:
			}
		}
	}

	processTrace := func() {
		if len(currentTrace) == 0 {
			return
		}
		trace := currentTrace
		currentTrace = nil
		w.handlePanic(ctx, trace)
	}

	for {
		select {
		case <-ctx.Done():
			processTrace()
			w.logger.Info("Stopping log watcher.")
			return

		case line, ok := <-t.Lines:
			if !ok {
				processTrace()
				w.logger.Info("Log tailer channel closed.")
				return
			}
			if line.Err != nil {
				w.logger.Warn("Error reading from log file", zap.Error(line.Err))
				continue
			}

			text := line.Text
			isNewEntry := newEntryRegex.MatchString(text)
			isPanic := panicRegex.MatchString(text)

			if len(currentTrace) > 0 && isNewEntry {
				processTrace()
				stopSettle()
			}

			switch {
			case isPanic:
				if len(currentTrace) == 0 {
					currentTrace = append(currentTrace, text)
					settle.Reset(traceSettle)
				}
			case len(currentTrace) > 0:
				currentTrace = append(currentTrace, text)
				settle.Reset(traceSettle)
			case errorRegex.MatchString(text):
				w.errors.Add(1)
			}

		case <-settle.C:
			processTrace()

		case <-ticker.C:
			w.Flush(ctx)
		}
	}
}

func (w *Watcher) handlePanic(ctx context.Context, trace []string) {
	w.panics.Add(1)

	// Structured logs carry the whole trace on the first line.
	if strings.Contains(trace[0], "{") && strings.Contains(trace[0], "stacktrace") {
		if m := jsonStackRegex.FindStringSubmatch(trace[0]); len(m) > 1 {
			if unquoted, err := strconv.Unquote(`"` + m[1] + `"`); err == nil {
				trace = append([]string{trace[0]}, strings.Split(unquoted, "\n")...)
			}
		}
	}

	full := strings.Join(trace, "\n")
	crash := Crash{
		ID:      uuid.New().String(),
		Time:    time.Now(),
		Message: extractPanicMessage(trace[0]),
		Trace:   full,
	}

	if file, line, err := parsePanicLocation(full); err != nil {
		w.logger.Debug("Could not locate panic in application code", zap.Error(err))
	} else {
		normalized, err := w.normalizeFilePath(file)
		if err != nil {
			w.logger.Debug("Could not normalize panic path, using raw path", zap.String("path", file), zap.Error(err))
			normalized = file
		}
		crash.File, crash.Line = normalized, line
	}

	w.logger.Warn("Panic detected in watched log",
		zap.String("crash_id", crash.ID),
		zap.String("message", crash.Message),
		zap.String("file", crash.File),
		zap.Int("line", crash.Line))

	if w.onCrash != nil {
		w.onCrash(ctx, crash)
	}
}

func parsePanicLocation(stackTrace string) (string, int, error) {
	for _, line := range strings.Split(stackTrace, "\n") {
		// Go stack traces indent file paths with a tab.
		if !strings.HasPrefix(line, "\t") {
			continue
		}
		m := locationRegex.FindStringSubmatch(strings.TrimSpace(line))
		if len(m) != 3 {
			continue
		}
		file := m[1]
		if strings.Contains(file, "runtime/") || strings.Contains(file, "/go/src/") || strings.Contains(file, "/vendor/") {
			continue
		}
		n, _ := strconv.Atoi(m[2])
		return file, n, nil
	}
	return "", 0, fmt.Errorf("could not determine panic location from stack trace")
}

func extractPanicMessage(panicLine string) string {
	if strings.HasPrefix(panicLine, "{") {
		if m := jsonMessageRegex.FindStringSubmatch(panicLine); len(m) > 1 {
			return strings.TrimSpace(m[1])
		}
	}
	if parts := strings.SplitN(panicLine, "panic: ", 2); len(parts) > 1 {
		return strings.TrimSpace(parts[1])
	}
	return strings.TrimSpace(panicLine)
}

// normalizeFilePath makes absolute paths inside the project root relative to it.
func (w *Watcher) normalizeFilePath(file string) (string, error) {
	if w.projectRoot == "" || !filepath.IsAbs(file) {
		return filepath.ToSlash(file), nil
	}
	root, err := filepath.Abs(w.projectRoot)
	if err != nil {
		return "", fmt.Errorf("invalid project root: %w", err)
	}
	rel, err := filepath.Rel(root, file)
	if err != nil {
		return "", err
	}
	if strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("file path '%s' is outside the project root '%s'", file, w.projectRoot)
	}
	return filepath.ToSlash(rel), nil
}
