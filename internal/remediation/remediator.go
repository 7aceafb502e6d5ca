// internal/remediation/remediator.go
package remediation

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	homedir "github.com/mitchellh/go-homedir"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/mender/internal/config"
	"github.com/xkilldash9x/mender/internal/events"
	"github.com/xkilldash9x/mender/internal/models"
	"github.com/xkilldash9x/mender/internal/testexec"
)

// Verifier runs test suites. testexec.Service satisfies it.
type Verifier interface {
	AddTestSuite(suite testexec.Suite) *testexec.Ticket
}

// Outcome describes how ApplyFix finished.
type Outcome struct {
	Fix            models.Fix
	TestFile       string
	TestsPassed    bool
	WeaklyVerified bool
	CommitHash     string
}

// Status summarizes the remediation pipeline.
type Status struct {
	PendingFixes int `json:"pending_fixes"`
	FilesFixed   int `json:"files_fixed"`
	TotalFixes   int `json:"total_fixes"`
}

// Remediator applies fixes one at a time: backup, write, verify, then commit
// or roll back.
type Remediator struct {
	logger    *zap.Logger
	cfg       config.RemediationConfig
	fs        FileSystem
	verifier  Verifier
	history   *History
	emitter   events.Emitter
	committer Committer
	limiter   *rate.Limiter
	backupDir string
	now       func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// applyMu guarantees a single fix is in flight at any time.
	applyMu sync.Mutex

	mu       sync.Mutex
	queue    []models.Fix
	draining bool
	closed   bool
}

// Option customizes a Remediator.
type Option func(*Remediator)

// WithCommitter commits every verified fix.
func WithCommitter(c Committer) Option {
	return func(r *Remediator) { r.committer = c }
}

// WithFileSystem replaces the local disk.
func WithFileSystem(fs FileSystem) Option {
	return func(r *Remediator) { r.fs = fs }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Remediator) { r.now = now }
}

// New creates a Remediator. The backup directory may start with "~".
func New(logger *zap.Logger, cfg config.RemediationConfig, verifier Verifier, history *History, emitter events.Emitter, opts ...Option) (*Remediator, error) {
	backupDir, err := homedir.Expand(cfg.BackupDir)
	if err != nil {
		return nil, fmt.Errorf("failed to expand backup dir %q: %w", cfg.BackupDir, err)
	}
	if history == nil {
		history = NewHistory(nil)
	}
	if emitter == nil {
		emitter = events.Discard{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &Remediator{
		logger:    logger.Named("remediator"),
		cfg:       cfg,
		fs:        OSFileSystem{},
		verifier:  verifier,
		history:   history,
		emitter:   emitter,
		backupDir: backupDir,
		now:       time.Now,
		ctx:       ctx,
		cancel:    cancel,
	}
	if cfg.MaxFixesPerMinute > 0 {
		r.limiter = rate.NewLimiter(rate.Limit(cfg.MaxFixesPerMinute/60), 1)
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// History exposes the verified fix history.
func (r *Remediator) History() *History { return r.history }

// EnqueueFix appends a fix to the FIFO queue. With remediation enabled a
// drain starts in the background if none is running.
func (r *Remediator) EnqueueFix(fix models.Fix) {
	if fix.ID == "" {
		fix.ID = uuid.New().String()
	}
	if fix.CreatedAt.IsZero() {
		fix.CreatedAt = r.now().UTC()
	}
	fix.State = models.FixPending
	fix.Confidence = models.ClampConfidence(fix.Confidence)

	r.mu.Lock()
	r.queue = append(r.queue, fix)
	pending := len(r.queue)
	r.mu.Unlock()

	r.logger.Debug("Fix queued", zap.String("id", fix.ID), zap.String("file", fix.File), zap.Int("pending", pending))
	if r.cfg.Enabled {
		r.Kick()
	}
}

// Kick starts a background drain under the remediator's own context. It is
// a no-op once Close has been called.
func (r *Remediator) Kick() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.ProcessQueue(r.ctx)
	}()
}

// ProcessQueue drains the queue, applying fixes one after another. It
// returns immediately when another drain is in progress. Fixes still queued
// when ctx ends stay queued, and a fix interrupted by ctx is rolled back and
// put back at the head of the queue.
func (r *Remediator) ProcessQueue(ctx context.Context) int {
	r.mu.Lock()
	if r.draining {
		r.mu.Unlock()
		return 0
	}
	r.draining = true
	r.mu.Unlock()

	applied := 0
	for {
		r.mu.Lock()
		if len(r.queue) == 0 || ctx.Err() != nil {
			r.draining = false
			r.mu.Unlock()
			return applied
		}
		fix := r.queue[0]
		r.queue = r.queue[1:]
		r.mu.Unlock()

		if _, err := r.ApplyFix(ctx, fix); err != nil {
			if interrupted(ctx, err) {
				r.mu.Lock()
				r.queue = append([]models.Fix{fix}, r.queue...)
				r.mu.Unlock()
				r.logger.Info("Fix interrupted; requeued", zap.String("id", fix.ID), zap.String("file", fix.File))
				continue
			}
			r.logger.Warn("Fix not applied", zap.String("id", fix.ID), zap.String("file", fix.File), zap.Error(err))
			continue
		}
		applied++
	}
}

// interrupted reports whether err came from ctx ending rather than from the
// fix itself.
func interrupted(ctx context.Context, err error) bool {
	if ctx.Err() == nil {
		return false
	}
	var vf *VerificationFailure
	return !errors.As(err, &vf)
}

// PendingFixes returns a copy of the queue.
func (r *Remediator) PendingFixes() []models.Fix {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.Fix(nil), r.queue...)
}

// GetFixStatus reports queue and history sizes.
func (r *Remediator) GetFixStatus() Status {
	r.mu.Lock()
	pending := len(r.queue)
	r.mu.Unlock()
	return Status{
		PendingFixes: pending,
		FilesFixed:   len(r.history.Files()),
		TotalFixes:   r.history.Total(),
	}
}

// ApplyFix runs one fix through backup, write and verification. On any
// failure after the backup the file is restored byte for byte.
func (r *Remediator) ApplyFix(ctx context.Context, fix models.Fix) (Outcome, error) {
	if r.limiter != nil {
		if err := r.limiter.Wait(ctx); err != nil {
			return Outcome{Fix: fix}, fmt.Errorf("waiting for fix slot: %w", err)
		}
	}

	r.applyMu.Lock()
	defer r.applyMu.Unlock()

	fix.Confidence = models.ClampConfidence(fix.Confidence)
	log := r.logger.With(zap.String("id", fix.ID), zap.String("file", fix.File))

	backup, err := r.backup(fix)
	if err != nil {
		aerr := &ApplyError{Fix: fix, Stage: "backup", Err: err}
		fix.Outcome = aerr.Error()
		r.emit(ctx, events.TopicFixFailed, events.FixFailed{Fix: fix, Reason: aerr.Error()})
		return Outcome{Fix: fix}, aerr
	}
	fix.State = models.FixBackedUp

	out, err := r.applyAndVerify(ctx, fix)
	if err != nil {
		return r.rollback(ctx, out, backup, err)
	}

	fix = out.Fix
	fix.State = models.FixVerified
	fix.CommittedAt = r.now().UTC()
	if out.WeaklyVerified {
		fix.Outcome = "weakly verified: no test file"
	} else {
		fix.Outcome = "verified by " + out.TestFile
	}
	if err := r.history.Append(ctx, fix); err != nil {
		log.Error("Fix verified but history could not be persisted", zap.Error(err))
	}
	if r.committer != nil {
		if hash, err := r.committer.Commit(ctx, fix); err != nil {
			log.Warn("Fix verified but not committed", zap.Error(err))
		} else {
			out.CommitHash = hash
		}
	}
	out.Fix = fix

	r.removeBackup(backup)
	r.emit(ctx, events.TopicFixApplied, events.FixApplied{Fix: fix, TestFile: out.TestFile, WeaklyVerified: out.WeaklyVerified})
	log.Info("Fix applied", zap.Bool("weakly_verified", out.WeaklyVerified), zap.Float64("confidence", fix.Confidence))
	return out, nil
}

// applyAndVerify writes the fix and waits for its tests. Panics are returned as errors.
func (r *Remediator) applyAndVerify(ctx context.Context, fix models.Fix) (out Outcome, err error) {
	out.Fix = fix
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("Panic recovered while applying fix", zap.String("id", fix.ID), zap.Any("panic_value", p))
			err = &ApplyError{Fix: out.Fix, Stage: "panic", Err: fmt.Errorf("%v", p)}
		}
	}()

	if err := r.fs.WriteFile(fix.File, []byte(fix.Fixed)); err != nil {
		return out, &ApplyError{Fix: fix, Stage: "write", Err: err}
	}
	out.Fix.State = models.FixApplied

	testFile, ok := testexec.LocateTestFile(fix.File, r.fs.Exists)
	if !ok || r.verifier == nil {
		out.WeaklyVerified = true
		out.Fix.WeaklyVerified = true
		out.Fix.Confidence = models.ClampConfidence(fix.Confidence * r.cfg.UntestedConfidenceFactor)
		return out, nil
	}

	out.TestFile = testFile
	ticket := r.verifier.AddTestSuite(testexec.Suite{
		Name:  "verify-" + fix.ID,
		Files: []string{testFile},
	})
	results, err := ticket.Wait(ctx)
	if err != nil {
		return out, &ApplyError{Fix: out.Fix, Stage: "verify", Err: err}
	}
	if !testexec.Passed(results) {
		msg := ""
		for _, res := range results {
			if !res.Passed {
				msg = res.FailureMessage
				break
			}
		}
		return out, &VerificationFailure{Fix: out.Fix, TestFile: testFile, Message: msg}
	}
	out.TestsPassed = true
	return out, nil
}

// rollback restores the backup and reports the failure.
func (r *Remediator) rollback(ctx context.Context, out Outcome, backup string, cause error) (Outcome, error) {
	fix := out.Fix
	restored := true
	if err := r.fs.Copy(backup, fix.File); err != nil {
		// The backup is kept so the file can be recovered by hand.
		restored = false
		cause = errors.Join(cause, &ApplyError{Fix: fix, Stage: "restore", Err: err})
		r.logger.Error("Failed to restore file from backup; backup kept",
			zap.String("file", fix.File), zap.String("backup", backup), zap.Error(err))
	} else {
		r.removeBackup(backup)
	}
	fix.State = models.FixRolledBack
	fix.Outcome = cause.Error()
	out.Fix = fix
	out.TestsPassed = false

	r.emit(ctx, events.TopicFixFailed, events.FixFailed{
		Fix:         fix,
		Reason:      cause.Error(),
		TestsPassed: false,
		Restored:    restored,
	})
	r.logger.Warn("Fix rolled back", zap.String("id", fix.ID), zap.String("file", fix.File), zap.Error(cause))
	return out, cause
}

func (r *Remediator) backup(fix models.Fix) (string, error) {
	if !r.fs.Exists(fix.File) {
		return "", fmt.Errorf("%s does not exist", fix.File)
	}
	if fix.Original != "" {
		current, err := r.fs.ReadFile(fix.File)
		if err != nil {
			return "", err
		}
		if string(current) != fix.Original {
			return "", fmt.Errorf("%s changed since the fix was proposed", fix.File)
		}
	}
	if err := r.fs.MkdirAll(r.backupDir); err != nil {
		return "", err
	}
	path := filepath.Join(r.backupDir, fmt.Sprintf("%s-%s.bak", fix.ID, filepath.Base(fix.File)))
	if err := r.fs.Copy(fix.File, path); err != nil {
		return "", err
	}
	return path, nil
}

func (r *Remediator) removeBackup(path string) {
	if err := r.fs.Remove(path); err != nil {
		r.logger.Warn("Failed to remove backup", zap.String("backup", path), zap.Error(err))
	}
}

func (r *Remediator) emit(ctx context.Context, topic events.Topic, payload interface{}) {
	if err := r.emitter.Post(ctx, topic, payload); err != nil {
		r.logger.Debug("Failed to publish event", zap.String("topic", string(topic)), zap.Error(err))
	}
}

// Close stops background drains and waits for them to finish.
func (r *Remediator) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.cancel()
	r.wg.Wait()
}
