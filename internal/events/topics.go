// internal/events/topics.go
package events

import (
	"reflect"
	"time"

	"github.com/xkilldash9x/mender/internal/models"
)

// Topic names an event stream. Every topic carries exactly one payload type.
type Topic string

const (
	TopicFileAnalyzed         Topic = "file-analyzed"
	TopicAnalysisError        Topic = "analysis-error"
	TopicFixApplied           Topic = "fix-applied"
	TopicFixFailed            Topic = "fix-failed"
	TopicTestComplete         Topic = "test-complete"
	TopicTestError            Topic = "test-error"
	TopicSuiteComplete        Topic = "suite-complete"
	TopicHealthUpdate         Topic = "health-update"
	TopicComponentStale       Topic = "component-stale"
	TopicOptimizationComplete Topic = "optimization-complete"
	TopicOptimizationError    Topic = "optimization-error"
	TopicAnomalyDetected      Topic = "anomaly-detected"
	TopicAnomalyForwarded     Topic = "anomaly-forwarded"
	TopicMetricsSnapshot      Topic = "metrics-snapshot"
	TopicRecoveryStarted      Topic = "recovery-started"
	TopicRecoveryFailed       Topic = "recovery-failed"
)

// FileAnalyzed reports the outcome of analyzing a single file.
type FileAnalyzed struct {
	File                 string          `json:"file"`
	Issues               []models.Issue  `json:"issues"`
	Complexity           int             `json:"complexity"`
	Coverage             models.Coverage `json:"coverage"`
	HasCoverage          bool            `json:"has_coverage"`
	ExternalQualityScore float64         `json:"external_quality_score"`
}

// AnalysisError reports a per-file failure; the scan continues.
type AnalysisError struct {
	File  string `json:"file"`
	Stage string `json:"stage"`
	Error string `json:"error"`
}

// FixApplied reports a committed (verified) fix.
type FixApplied struct {
	Fix            models.Fix `json:"fix"`
	TestFile       string     `json:"test_file,omitempty"`
	WeaklyVerified bool       `json:"weakly_verified"`
}

// FixFailed reports a rolled back or aborted fix.
type FixFailed struct {
	Fix         models.Fix `json:"fix"`
	Reason      string     `json:"reason"`
	TestsPassed bool       `json:"tests_passed"`
	// Restored is false only when the backup step itself failed, in which
	// case the file was never touched.
	Restored bool `json:"restored"`
}

// TestComplete reports one executed test file.
type TestComplete struct {
	Result models.TestResult `json:"result"`
}

// TestError reports a harness-level failure, recorded as a failed result.
type TestError struct {
	Result models.TestResult `json:"result"`
	Error  string            `json:"error"`
}

// SuiteComplete marks the end of one suite in the execution queue.
type SuiteComplete struct {
	SuiteID string `json:"suite_id"`
	Name    string `json:"name"`
	Passed  bool   `json:"passed"`
	Files   int    `json:"files"`
}

// HealthUpdate is the rollup after a single metric sample or tick.
type HealthUpdate struct {
	Component       string        `json:"component"`
	ComponentStatus models.Status `json:"component_status"`
	Value           float64       `json:"value"`
	Overall         models.Status `json:"overall"`
	Timestamp       time.Time     `json:"timestamp"`
}

// ComponentStale reports a component that stopped reporting.
type ComponentStale struct {
	Component string        `json:"component"`
	LastCheck time.Time     `json:"last_check"`
	Age       time.Duration `json:"age"`
}

// OptimizationComplete reports a successful strategy action.
type OptimizationComplete struct {
	Strategy string        `json:"strategy"`
	Result   string        `json:"result"`
	Duration time.Duration `json:"duration"`
}

// OptimizationError reports a failed strategy action.
type OptimizationError struct {
	Strategy string `json:"strategy"`
	Error    string `json:"error"`
}

// AnomalyDetected carries an anomaly into the pipeline.
type AnomalyDetected struct {
	Anomaly models.Anomaly `json:"anomaly"`
}

// AnomalyForwarded is emitted when a dynamic strategy hands its anomaly on
// for handling by external consumers.
type AnomalyForwarded struct {
	Strategy string         `json:"strategy"`
	Anomaly  models.Anomaly `json:"anomaly"`
	Latest   float64        `json:"latest"`
}

// MetricsSnapshot is the periodic republication of every current metric.
type MetricsSnapshot struct {
	Metrics   map[string]float64 `json:"metrics"`
	Overall   models.Status      `json:"overall"`
	Timestamp time.Time          `json:"timestamp"`
}

// RecoveryStarted reports a crash routed into the recovery routine.
type RecoveryStarted struct {
	Source string `json:"source"`
	Reason string `json:"reason"`
	File   string `json:"file,omitempty"`
	Line   int    `json:"line,omitempty"`
}

// RecoveryFailed is terminal: no further automatic recovery is attempted.
type RecoveryFailed struct {
	Reason string `json:"reason"`
	Error  string `json:"error"`
}

// payloadTypes binds every topic to its payload type. Post rejects mismatches.
var payloadTypes = map[Topic]reflect.Type{
	TopicFileAnalyzed:         reflect.TypeOf(FileAnalyzed{}),
	TopicAnalysisError:        reflect.TypeOf(AnalysisError{}),
	TopicFixApplied:           reflect.TypeOf(FixApplied{}),
	TopicFixFailed:            reflect.TypeOf(FixFailed{}),
	TopicTestComplete:         reflect.TypeOf(TestComplete{}),
	TopicTestError:            reflect.TypeOf(TestError{}),
	TopicSuiteComplete:        reflect.TypeOf(SuiteComplete{}),
	TopicHealthUpdate:         reflect.TypeOf(HealthUpdate{}),
	TopicComponentStale:       reflect.TypeOf(ComponentStale{}),
	TopicOptimizationComplete: reflect.TypeOf(OptimizationComplete{}),
	TopicOptimizationError:    reflect.TypeOf(OptimizationError{}),
	TopicAnomalyDetected:      reflect.TypeOf(AnomalyDetected{}),
	TopicAnomalyForwarded:     reflect.TypeOf(AnomalyForwarded{}),
	TopicMetricsSnapshot:      reflect.TypeOf(MetricsSnapshot{}),
	TopicRecoveryStarted:      reflect.TypeOf(RecoveryStarted{}),
	TopicRecoveryFailed:       reflect.TypeOf(RecoveryFailed{}),
}

// AllTopics lists every known topic, in declaration order.
func AllTopics() []Topic {
	return []Topic{
		TopicFileAnalyzed, TopicAnalysisError, TopicFixApplied, TopicFixFailed,
		TopicTestComplete, TopicTestError, TopicSuiteComplete, TopicHealthUpdate,
		TopicComponentStale, TopicOptimizationComplete, TopicOptimizationError,
		TopicAnomalyDetected, TopicAnomalyForwarded, TopicMetricsSnapshot,
		TopicRecoveryStarted, TopicRecoveryFailed,
	}
}

// Payload extracts the typed payload of a message.
func Payload[T any](msg Message) (T, bool) {
	p, ok := msg.Payload.(T)
	return p, ok
}
