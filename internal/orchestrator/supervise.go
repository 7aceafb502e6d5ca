// File: internal/orchestrator/supervise.go
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strings"

	"go.uber.org/zap"

	"github.com/xkilldash9x/mender/internal/events"
)

// RecoveryError reports that the recovery routine itself failed.
type RecoveryError struct {
	Source string
	Err    error
}

func (e *RecoveryError) Error() string {
	return fmt.Sprintf("recovery after %s crash failed: %v", e.Source, e.Err)
}

func (e *RecoveryError) Unwrap() error { return e.Err }

// crash describes why a supervised routine stopped.
type crash struct {
	source string
	reason string
	file   string
	line   int
}

// Go runs fn on a tracked goroutine. A panic or a returned error while the
// orchestrator is still running is routed into recovery. The routine is not
// restarted.
func (o *Orchestrator) Go(name string, fn func(ctx context.Context) error) {
	o.spawn(name, fn, false)
}

// supervise is Go for monitoring loops: after a successful recovery the loop
// is restarted.
func (o *Orchestrator) supervise(name string, fn func(ctx context.Context) error) {
	o.spawn(name, fn, true)
}

func (o *Orchestrator) spawn(name string, fn func(ctx context.Context) error, restart bool) {
	o.mu.Lock()
	ctx := o.ctx
	o.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		c, ok := o.run(ctx, name, fn)
		if !ok || ctx.Err() != nil {
			return
		}
		if o.recoverFrom(ctx, c) && restart && o.allowRestart(name) {
			o.logger.Info("Restarting routine after recovery.", zap.String("routine", name))
			o.spawn(name, fn, restart)
		}
	}()
}

// run executes fn and reports whether it crashed.
func (o *Orchestrator) run(ctx context.Context, name string, fn func(ctx context.Context) error) (c crash, crashed bool) {
	defer func() {
		if r := recover(); r != nil {
			file, line := panicSite()
			c = crash{source: name, reason: fmt.Sprintf("panic: %v", r), file: file, line: line}
			crashed = true
		}
	}()
	if err := fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return crash{source: name, reason: err.Error()}, true
	}
	return crash{}, false
}

func (o *Orchestrator) allowRestart(name string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.restarts[name]++
	return o.restarts[name] <= maxRestarts
}

// recoverFrom reinitializes the health and metrics subsystems. It reports
// whether monitoring may resume. Once a recovery has failed no further
// recovery is attempted.
func (o *Orchestrator) recoverFrom(ctx context.Context, c crash) bool {
	o.recovering.Lock()
	defer o.recovering.Unlock()

	if o.recoveryFailed.Load() {
		o.logger.Error("Routine crashed after a failed recovery; not recovering.",
			zap.String("routine", c.source), zap.String("reason", c.reason))
		return false
	}

	o.logger.Error("Routine crashed, starting recovery.",
		zap.String("routine", c.source),
		zap.String("reason", c.reason),
		zap.String("file", c.file),
		zap.Int("line", c.line))
	o.emit(ctx, events.TopicRecoveryStarted, events.RecoveryStarted{Source: c.source, Reason: c.reason, File: c.file, Line: c.line})

	err := o.reinitialize(ctx)
	if err == nil {
		o.mu.Lock()
		exhausted := o.restarts[c.source] >= maxRestarts
		o.mu.Unlock()
		if exhausted {
			err = fmt.Errorf("routine %s crashed more than %d times", c.source, maxRestarts)
		}
	}
	if err != nil {
		rerr := &RecoveryError{Source: c.source, Err: err}
		o.recoveryFailed.Store(true)
		o.logger.Error("Recovery failed; automatic recovery is disabled.", zap.Error(rerr))
		o.emit(ctx, events.TopicRecoveryFailed, events.RecoveryFailed{Reason: c.reason, Error: rerr.Error()})
		return false
	}
	o.logger.Info("Recovery complete, monitoring resumed.", zap.String("routine", c.source))
	return true
}

func (o *Orchestrator) reinitialize(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic during recovery: %v", r)
		}
	}()
	o.Health.Reset()
	o.Metrics.Reset()
	if o.recoveryCheck != nil {
		return o.recoveryCheck(ctx)
	}
	return nil
}

// RecoveryFailed reports whether automatic recovery has been disabled.
func (o *Orchestrator) RecoveryFailed() bool { return o.recoveryFailed.Load() }

func (o *Orchestrator) emit(ctx context.Context, topic events.Topic, payload interface{}) {
	if err := o.Bus.Post(ctx, topic, payload); err != nil {
		o.logger.Debug("Failed to publish event", zap.String("topic", string(topic)), zap.Error(err))
	}
}

// panicSite returns the first non-runtime frame below the panic.
func panicSite() (string, int) {
	pcs := make([]uintptr, 64)
	n := runtime.Callers(3, pcs)
	frames := runtime.CallersFrames(pcs[:n])
	afterPanic := false
	for {
		f, more := frames.Next()
		if afterPanic && !strings.HasPrefix(f.Function, "runtime.") {
			return f.File, f.Line
		}
		if f.Function == "runtime.gopanic" {
			afterPanic = true
		}
		if !more {
			return "", 0
		}
	}
}
