package remediation_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/mender/internal/config"
	"github.com/xkilldash9x/mender/internal/events"
	"github.com/xkilldash9x/mender/internal/models"
	"github.com/xkilldash9x/mender/internal/remediation"
	"github.com/xkilldash9x/mender/internal/testexec"
)

// -- Test Doubles --

// memFS is an in-memory FileSystem with failure injection.
type memFS struct {
	mu    sync.Mutex
	files map[string][]byte

	failCopyFrom string
	failCopyTo   string
	failWrite    bool
}

func newMemFS(files map[string]string) *memFS {
	m := &memFS{files: make(map[string][]byte)}
	for k, v := range files {
		m.files[k] = []byte(v)
	}
	return m
}

func (m *memFS) ReadFile(path string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.files[path]
	if !ok {
		return nil, &remediation.IOError{Op: "read", Path: path, Err: errors.New("not found")}
	}
	return append([]byte(nil), b...), nil
}

func (m *memFS) WriteFile(path string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWrite {
		return &remediation.IOError{Op: "write", Path: path, Err: errors.New("disk full")}
	}
	m.files[path] = append([]byte(nil), data...)
	return nil
}

func (m *memFS) Copy(src, dst string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if (m.failCopyFrom != "" && strings.HasPrefix(src, m.failCopyFrom)) || (m.failCopyTo != "" && strings.HasPrefix(dst, m.failCopyTo)) {
		return &remediation.IOError{Op: "copy", Path: dst, Err: errors.New("permission denied")}
	}
	b, ok := m.files[src]
	if !ok {
		return &remediation.IOError{Op: "copy", Path: src, Err: errors.New("not found")}
	}
	m.files[dst] = append([]byte(nil), b...)
	return nil
}

func (m *memFS) Remove(path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.files, path)
	return nil
}

func (m *memFS) Exists(path string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.files[path]
	return ok
}

func (m *memFS) MkdirAll(string) error { return nil }

func (m *memFS) content(path string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return string(m.files[path])
}

func (m *memFS) backups() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for k := range m.files {
		if strings.HasPrefix(k, backupDir) {
			out = append(out, k)
		}
	}
	return out
}

const backupDir = "/backups"

func testConfig() config.RemediationConfig {
	cfg := config.NewDefaultConfig().Remediation()
	cfg.BackupDir = backupDir
	return cfg
}

type fixture struct {
	fs       *memFS
	rec      *events.Recorder
	svc      *testexec.Service
	history  *remediation.History
	rem      *remediation.Remediator
	harnessN atomic.Int32
}

func newFixture(t *testing.T, files map[string]string, harness testexec.HarnessFunc, mutate func(*config.RemediationConfig)) *fixture {
	t.Helper()
	f := &fixture{fs: newMemFS(files), rec: events.NewRecorder(), history: remediation.NewHistory(nil)}
	logger := zaptest.NewLogger(t)
	counting := testexec.HarnessFunc(func(ctx context.Context, file string) (testexec.Report, error) {
		f.harnessN.Add(1)
		return harness(ctx, file)
	})
	f.svc = testexec.NewService(logger, counting, f.rec, time.Second)
	cfg := testConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	rem, err := remediation.New(logger, cfg, f.svc, f.history, f.rec, remediation.WithFileSystem(f.fs))
	require.NoError(t, err)
	f.rem = rem
	t.Cleanup(func() {
		rem.Close()
		f.svc.Close()
	})
	return f
}

func passing(context.Context, string) (testexec.Report, error) {
	return testexec.Report{Status: testexec.StatusPassed}, nil
}

func failing(context.Context, string) (testexec.Report, error) {
	return testexec.Report{Status: testexec.StatusFailed, Message: "expected 2, got 3"}, nil
}

// -- Test Cases --

func TestAutoFixWithoutTestFile(t *testing.T) {
	f := newFixture(t, map[string]string{"a.x": "old"}, passing, nil)

	f.rem.EnqueueFix(models.Fix{File: "a.x", Original: "old", Fixed: "new", Confidence: 0.95, Type: "rule"})

	require.Eventually(t, func() bool {
		st := f.rem.GetFixStatus()
		return st.TotalFixes == 1 && st.PendingFixes == 0
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, remediation.Status{PendingFixes: 0, FilesFixed: 1, TotalFixes: 1}, f.rem.GetFixStatus())
	assert.Equal(t, "new", f.fs.content("a.x"))
	assert.Empty(t, f.fs.backups(), "backups are removed after commit")
	assert.Zero(t, f.harnessN.Load(), "no test file means no harness run")

	fixes := f.history.ForFile("a.x")
	require.Len(t, fixes, 1)
	assert.Equal(t, models.FixVerified, fixes[0].State)
	assert.True(t, fixes[0].WeaklyVerified)
	assert.InDelta(t, 0.95*0.8, fixes[0].Confidence, 1e-9)

	require.Equal(t, 1, f.rec.Count(events.TopicFixApplied))
	p, _ := events.Payload[events.FixApplied](f.rec.ByTopic(events.TopicFixApplied)[0])
	assert.True(t, p.WeaklyVerified)
}

func TestFailingHarnessRestoresFile(t *testing.T) {
	files := map[string]string{"pkg/x.go": "package pkg // original\n", "pkg/x_test.go": "package pkg\n"}
	f := newFixture(t, files, failing, nil)
	fix := models.Fix{ID: "fix-1", File: "pkg/x.go", Original: files["pkg/x.go"], Fixed: "package pkg // broken\n", Confidence: 0.99}

	out, err := f.rem.ApplyFix(context.Background(), fix)
	require.Error(t, err)
	var vf *remediation.VerificationFailure
	require.ErrorAs(t, err, &vf)
	assert.Equal(t, "pkg/x_test.go", vf.TestFile)
	assert.Contains(t, vf.Error(), "expected 2, got 3")

	assert.Equal(t, files["pkg/x.go"], f.fs.content("pkg/x.go"), "file is byte-identical after rollback")
	assert.Equal(t, models.FixRolledBack, out.Fix.State)
	assert.Zero(t, f.history.Total())
	assert.Empty(t, f.fs.backups())
	assert.EqualValues(t, 1, f.harnessN.Load())

	require.Equal(t, 1, f.rec.Count(events.TopicFixFailed))
	p, _ := events.Payload[events.FixFailed](f.rec.ByTopic(events.TopicFixFailed)[0])
	assert.False(t, p.TestsPassed)
	assert.True(t, p.Restored)
	assert.NotEmpty(t, p.Reason)
	assert.Zero(t, f.rec.Count(events.TopicFixApplied))
}

func TestPassingHarnessCommitsFix(t *testing.T) {
	files := map[string]string{"src/a.ts": "var a = 1;\n", "src/a.spec.ts": "test\n"}
	f := newFixture(t, files, passing, nil)

	out, err := f.rem.ApplyFix(context.Background(), models.Fix{ID: "f", File: "src/a.ts", Fixed: "let a = 1;\n", Confidence: 0.9})
	require.NoError(t, err)
	assert.True(t, out.TestsPassed)
	assert.False(t, out.WeaklyVerified)
	assert.Equal(t, "src/a.spec.ts", out.TestFile)
	assert.Equal(t, 0.9, out.Fix.Confidence, "tested fixes keep their confidence")
	assert.Equal(t, models.FixVerified, out.Fix.State)
	assert.Equal(t, "let a = 1;\n", f.fs.content("src/a.ts"))
	assert.True(t, f.history.Contains("f"))

	r, ok := f.svc.Result("src/a.spec.ts")
	require.True(t, ok)
	assert.True(t, r.Passed)
}

func TestHarnessErrorRollsBack(t *testing.T) {
	files := map[string]string{"x.go": "orig", "x_test.go": "t"}
	f := newFixture(t, files, func(context.Context, string) (testexec.Report, error) {
		return testexec.Report{}, errors.New("go binary missing")
	}, nil)

	_, err := f.rem.ApplyFix(context.Background(), models.Fix{ID: "f", File: "x.go", Fixed: "new"})
	require.Error(t, err)
	assert.Equal(t, "orig", f.fs.content("x.go"))
	assert.Zero(t, f.history.Total())
}

func TestBackupFailureLeavesFileUntouched(t *testing.T) {
	f := newFixture(t, map[string]string{"a.go": "orig"}, passing, nil)
	f.fs.failCopyTo = backupDir

	_, err := f.rem.ApplyFix(context.Background(), models.Fix{ID: "f", File: "a.go", Fixed: "new"})
	var aerr *remediation.ApplyError
	require.ErrorAs(t, err, &aerr)
	assert.Equal(t, "backup", aerr.Stage)
	var ioErr *remediation.IOError
	assert.ErrorAs(t, err, &ioErr)

	assert.Equal(t, "orig", f.fs.content("a.go"))
	assert.Zero(t, f.history.Total())
	require.Equal(t, 1, f.rec.Count(events.TopicFixFailed))
	p, _ := events.Payload[events.FixFailed](f.rec.ByTopic(events.TopicFixFailed)[0])
	assert.False(t, p.Restored)
}

func TestWriteFailureRestores(t *testing.T) {
	f := newFixture(t, map[string]string{"a.go": "orig"}, passing, nil)
	f.fs.failWrite = true

	_, err := f.rem.ApplyFix(context.Background(), models.Fix{ID: "f", File: "a.go", Fixed: "new"})
	var aerr *remediation.ApplyError
	require.ErrorAs(t, err, &aerr)
	assert.Equal(t, "write", aerr.Stage)
	assert.Equal(t, "orig", f.fs.content("a.go"))
	assert.Empty(t, f.fs.backups())
}

func TestRestoreFailureKeepsBackup(t *testing.T) {
	f := newFixture(t, map[string]string{"x.go": "orig", "x_test.go": "t"}, failing, nil)
	f.fs.failCopyFrom = backupDir

	_, err := f.rem.ApplyFix(context.Background(), models.Fix{ID: "f", File: "x.go", Fixed: "new"})
	require.Error(t, err)
	var vf *remediation.VerificationFailure
	assert.ErrorAs(t, err, &vf)
	assert.Len(t, f.fs.backups(), 1, "the backup is the only copy of the original")

	p, _ := events.Payload[events.FixFailed](f.rec.ByTopic(events.TopicFixFailed)[0])
	assert.False(t, p.Restored)
}

func TestStaleOriginalIsRejected(t *testing.T) {
	f := newFixture(t, map[string]string{"a.go": "edited by a human"}, passing, nil)

	_, err := f.rem.ApplyFix(context.Background(), models.Fix{ID: "f", File: "a.go", Original: "orig", Fixed: "new"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "changed since the fix was proposed")
	assert.Equal(t, "edited by a human", f.fs.content("a.go"))
}

func TestFixIsNeverInQueueAndHistoryAtOnce(t *testing.T) {
	gate := make(chan struct{})
	entered := make(chan struct{}, 1)
	files := map[string]string{"x.go": "orig", "x_test.go": "t"}
	f := newFixture(t, files, func(ctx context.Context, _ string) (testexec.Report, error) {
		entered <- struct{}{}
		<-gate
		return testexec.Report{Status: testexec.StatusPassed}, nil
	}, nil)

	f.rem.EnqueueFix(models.Fix{ID: "only", File: "x.go", Fixed: "new"})
	<-entered

	// Mid-verification the fix is neither pending nor committed.
	assert.Empty(t, f.rem.PendingFixes())
	assert.False(t, f.history.Contains("only"))
	close(gate)

	require.Eventually(t, func() bool { return f.history.Contains("only") }, 2*time.Second, 5*time.Millisecond)
	assert.Empty(t, f.rem.PendingFixes())
}

func TestFixesApplyOneAtATimeInOrder(t *testing.T) {
	var inFlight, maxInFlight atomic.Int32
	var mu sync.Mutex
	var order []string
	files := map[string]string{"a.go": "a", "a_test.go": "", "b.go": "b", "b_test.go": "", "c.go": "c", "c_test.go": ""}
	f := newFixture(t, files, func(_ context.Context, file string) (testexec.Report, error) {
		n := inFlight.Add(1)
		for {
			m := maxInFlight.Load()
			if n <= m || maxInFlight.CompareAndSwap(m, n) {
				break
			}
		}
		mu.Lock()
		order = append(order, file)
		mu.Unlock()
		time.Sleep(5 * time.Millisecond)
		inFlight.Add(-1)
		return testexec.Report{Status: testexec.StatusPassed}, nil
	}, nil)

	for _, name := range []string{"a", "b", "c"} {
		f.rem.EnqueueFix(models.Fix{ID: name, File: name + ".go", Fixed: name + "2"})
	}
	require.Eventually(t, func() bool { return f.history.Total() == 3 }, 3*time.Second, 5*time.Millisecond)

	assert.EqualValues(t, 1, maxInFlight.Load())
	assert.Equal(t, []string{"a_test.go", "b_test.go", "c_test.go"}, order)
}

func TestDisabledRemediationOnlyQueues(t *testing.T) {
	f := newFixture(t, map[string]string{"a.x": "old"}, passing, func(c *config.RemediationConfig) { c.Enabled = false })

	f.rem.EnqueueFix(models.Fix{File: "a.x", Fixed: "new", Confidence: 1})
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, f.rem.GetFixStatus().PendingFixes)
	assert.Equal(t, "old", f.fs.content("a.x"))

	assert.Equal(t, 1, f.rem.ProcessQueue(context.Background()))
	assert.Equal(t, remediation.Status{PendingFixes: 0, FilesFixed: 1, TotalFixes: 1}, f.rem.GetFixStatus())
}

func TestProcessQueueStopsOnCancelledContext(t *testing.T) {
	f := newFixture(t, map[string]string{"a.x": "old"}, passing, func(c *config.RemediationConfig) { c.Enabled = false })
	f.rem.EnqueueFix(models.Fix{File: "a.x", Fixed: "new"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Zero(t, f.rem.ProcessQueue(ctx))
	assert.Equal(t, 1, f.rem.GetFixStatus().PendingFixes, "unprocessed fixes stay queued")
}

func TestInterruptedFixIsRequeued(t *testing.T) {
	slow := func(context.Context, string) (testexec.Report, error) {
		time.Sleep(200 * time.Millisecond)
		return testexec.Report{Status: testexec.StatusPassed}, nil
	}
	files := map[string]string{"a.go": "package a // old", "a_test.go": ""}
	f := newFixture(t, files, slow, func(c *config.RemediationConfig) { c.Enabled = false })
	f.rem.EnqueueFix(models.Fix{ID: "slow", File: "a.go", Original: "package a // old", Fixed: "package a // new"})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.Zero(t, f.rem.ProcessQueue(ctx))

	assert.Equal(t, "package a // old", f.fs.content("a.go"))
	pending := f.rem.PendingFixes()
	require.Len(t, pending, 1)
	assert.Equal(t, "slow", pending[0].ID)
	assert.Zero(t, f.history.Total())

	assert.Equal(t, 1, f.rem.ProcessQueue(context.Background()))
	assert.Equal(t, "package a // new", f.fs.content("a.go"))
	assert.Equal(t, remediation.Status{PendingFixes: 0, FilesFixed: 1, TotalFixes: 1}, f.rem.GetFixStatus())
}

func TestFailedVerificationIsNotRequeued(t *testing.T) {
	f := newFixture(t, map[string]string{"a.go": "old", "a_test.go": ""}, failing, func(c *config.RemediationConfig) { c.Enabled = false })
	f.rem.EnqueueFix(models.Fix{File: "a.go", Fixed: "new"})

	assert.Zero(t, f.rem.ProcessQueue(context.Background()))
	assert.Empty(t, f.rem.PendingFixes())
	assert.Equal(t, "old", f.fs.content("a.go"))
}

func TestKickAfterCloseIsNoop(t *testing.T) {
	f := newFixture(t, map[string]string{"a.x": "old"}, passing, func(c *config.RemediationConfig) { c.Enabled = false })
	f.rem.EnqueueFix(models.Fix{File: "a.x", Fixed: "new"})
	f.rem.Close()

	f.rem.Kick()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, "old", f.fs.content("a.x"))
	assert.Equal(t, 1, f.rem.GetFixStatus().PendingFixes)
}

func TestEnqueueFixClampsConfidence(t *testing.T) {
	f := newFixture(t, nil, passing, func(c *config.RemediationConfig) { c.Enabled = false })
	f.rem.EnqueueFix(models.Fix{File: "a.x", Confidence: 1.7})
	f.rem.EnqueueFix(models.Fix{File: "b.x", Confidence: -2})

	pending := f.rem.PendingFixes()
	require.Len(t, pending, 2)
	assert.Equal(t, 1.0, pending[0].Confidence)
	assert.Equal(t, 0.0, pending[1].Confidence)
	assert.NotEmpty(t, pending[0].ID)
	assert.Equal(t, models.FixPending, pending[0].State)
}

type failingHistoryStore struct{}

func (failingHistoryStore) AppendFix(context.Context, models.Fix) error { return errors.New("db down") }
func (failingHistoryStore) LoadFixes(context.Context) ([]models.Fix, error) {
	return []models.Fix{{ID: "old", File: "z.go"}}, nil
}

func TestHistory(t *testing.T) {
	h := remediation.NewHistory(failingHistoryStore{})
	require.NoError(t, h.Load(context.Background()))
	assert.Equal(t, 1, h.Total())

	err := h.Append(context.Background(), models.Fix{ID: "new", File: "a.go"})
	assert.ErrorContains(t, err, "db down")
	assert.True(t, h.Contains("new"), "the in-memory record survives a persistence failure")
	assert.Equal(t, []string{"a.go", "z.go"}, h.Files())
	assert.Len(t, h.ForFile("a.go"), 1)
}
