// internal/testexec/service.go
package testexec

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/mender/internal/events"
	"github.com/xkilldash9x/mender/internal/models"
)

// Suite is a named group of test files run back to back.
type Suite struct {
	ID     string
	Name   string
	Files  []string
	Config map[string]string
}

// Ticket tracks one submitted suite until it has run.
type Ticket struct {
	Suite Suite

	done    chan struct{}
	results []models.TestResult
	err     error
}

// Wait blocks until the suite has run or ctx ends.
func (t *Ticket) Wait(ctx context.Context) ([]models.TestResult, error) {
	select {
	case <-t.done:
		return t.results, t.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Done is closed once the suite has run.
func (t *Ticket) Done() <-chan struct{} { return t.done }

// Passed reports whether every file of a finished suite passed.
func Passed(results []models.TestResult) bool {
	for _, r := range results {
		if !r.Passed {
			return false
		}
	}
	return true
}

// Service executes test suites strictly in submission order, one harness
// invocation at a time.
type Service struct {
	logger  *zap.Logger
	harness Harness
	emitter events.Emitter
	timeout time.Duration
	now     func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	queue   []*Ticket
	running bool
	results map[string]models.TestResult
}

// NewService creates the execution service. A non-positive timeout disables
// the per-file deadline.
func NewService(logger *zap.Logger, harness Harness, emitter events.Emitter, timeout time.Duration) *Service {
	if emitter == nil {
		emitter = events.Discard{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		logger:  logger.Named("test_executor"),
		harness: harness,
		emitter: emitter,
		timeout: timeout,
		now:     time.Now,
		ctx:     ctx,
		cancel:  cancel,
		results: make(map[string]models.TestResult),
	}
}

// AddTestSuite enqueues a suite and starts draining if the service is idle.
func (s *Service) AddTestSuite(suite Suite) *Ticket {
	if suite.ID == "" {
		suite.ID = uuid.New().String()
	}
	t := &Ticket{Suite: suite, done: make(chan struct{})}

	s.mu.Lock()
	s.queue = append(s.queue, t)
	start := !s.running
	if start {
		s.running = true
	}
	s.mu.Unlock()

	s.logger.Debug("Suite queued", zap.String("suite", suite.Name), zap.Int("files", len(suite.Files)))
	if start {
		s.wg.Add(1)
		go s.drain()
	}
	return t
}

// drain runs queued suites until the queue is empty. Only one drain runs at a time.
func (s *Service) drain() {
	defer s.wg.Done()
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.running = false
			s.mu.Unlock()
			return
		}
		t := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		s.runSuite(s.ctx, t)
	}
}

func (s *Service) runSuite(ctx context.Context, t *Ticket) {
	defer close(t.done)

	for _, file := range t.Suite.Files {
		if err := ctx.Err(); err != nil {
			t.err = fmt.Errorf("suite %s cancelled: %w", t.Suite.Name, err)
			break
		}
		t.results = append(t.results, s.runFile(ctx, t.Suite, file))
	}

	passed := t.err == nil && Passed(t.results)
	s.emit(ctx, events.TopicSuiteComplete, events.SuiteComplete{
		SuiteID: t.Suite.ID,
		Name:    t.Suite.Name,
		Passed:  passed,
		Files:   len(t.results),
	})
	s.logger.Info("Suite finished", zap.String("suite", t.Suite.Name), zap.Bool("passed", passed))
}

func (s *Service) runFile(ctx context.Context, suite Suite, file string) models.TestResult {
	start := s.now()
	report, err := s.invoke(ctx, file)
	result := models.TestResult{
		File:       file,
		Suite:      suite.Name,
		Duration:   s.now().Sub(start),
		FinishedAt: s.now(),
	}

	if err != nil {
		herr := &HarnessError{File: file, Err: err}
		result.Passed = false
		result.FailureMessage = herr.Error()
		s.store(result)
		s.logger.Warn("Test harness error", zap.String("file", file), zap.Error(err))
		s.emit(ctx, events.TopicTestError, events.TestError{Result: result, Error: herr.Error()})
		return result
	}

	result.Passed = report.Passed()
	result.FailureMessage = report.Message
	if report.Coverage != nil {
		result.Coverage = *report.Coverage
	}
	s.store(result)
	s.emit(ctx, events.TopicTestComplete, events.TestComplete{Result: result})
	return result
}

// invoke calls the harness under the per-file timeout, converting panics into errors.
func (s *Service) invoke(ctx context.Context, file string) (report Report, err error) {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("harness panic: %v", r)
		}
	}()
	return s.harness.Run(ctx, file)
}

func (s *Service) store(r models.TestResult) {
	s.mu.Lock()
	s.results[r.File] = r
	s.mu.Unlock()
}

func (s *Service) emit(ctx context.Context, topic events.Topic, payload interface{}) {
	if err := s.emitter.Post(ctx, topic, payload); err != nil {
		s.logger.Debug("Failed to publish event", zap.String("topic", string(topic)), zap.Error(err))
	}
}

// Result returns the most recent result for a test file.
func (s *Service) Result(file string) (models.TestResult, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.results[file]
	return r, ok
}

// Results returns every stored result ordered by file.
func (s *Service) Results() []models.TestResult {
	s.mu.Lock()
	out := make([]models.TestResult, 0, len(s.results))
	for _, r := range s.results {
		out = append(out, r)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].File < out[j].File })
	return out
}

// Coverage returns the coverage recorded for a test file.
func (s *Service) Coverage(file string) (models.Coverage, bool) {
	r, ok := s.Result(file)
	return r.Coverage, ok
}

// QueueLength reports how many suites are waiting (excluding a running one).
func (s *Service) QueueLength() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Running reports whether a drain is in progress.
func (s *Service) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Close cancels outstanding work and waits for the drain to exit. Queued
// suites finish immediately with a cancellation error.
func (s *Service) Close() {
	s.cancel()
	s.wg.Wait()
}
