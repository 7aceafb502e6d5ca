// internal/models/models.go
package models

import (
	"fmt"
	"time"
)

// Severity classifies a reported issue.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
	SeverityInfo    Severity = "info"
	SeverityHint    Severity = "hint"
)

// BaseConfidence is the analyzer-default confidence for an issue of this
// severity, before any learned weight is applied.
func (s Severity) BaseConfidence() float64 {
	switch s {
	case SeverityError:
		return 0.8
	case SeverityWarning:
		return 0.6
	case SeverityInfo:
		return 0.4
	default:
		return 0.2
	}
}

// ParseSeverity maps provider severities onto the four known levels.
func ParseSeverity(s string) Severity {
	switch s {
	case "error", "fatal", "critical", "2":
		return SeverityError
	case "warning", "warn", "1":
		return SeverityWarning
	case "info", "information":
		return SeverityInfo
	default:
		return SeverityHint
	}
}

// ClampConfidence forces a score into [0,1]. NaN is treated as 0.
func ClampConfidence(c float64) float64 {
	if c != c || c < 0 {
		return 0
	}
	if c > 1 {
		return 1
	}
	return c
}

// Issue is a defect reported for one file during an analysis pass.
type Issue struct {
	File         string   `json:"file"`
	Line         int      `json:"line"`
	Column       int      `json:"column"`
	Severity     Severity `json:"severity"`
	Message      string   `json:"message"`
	Code         string   `json:"code"`
	Confidence   float64  `json:"confidence"`
	SuggestedFix *string  `json:"suggested_fix,omitempty"`
}

// Fixable reports whether the issue carries a machine-suggested replacement.
func (i Issue) Fixable() bool { return i.SuggestedFix != nil }

// FixState is the lifecycle position of a Fix.
type FixState string

const (
	FixPending    FixState = "PENDING"
	FixBackedUp   FixState = "BACKED_UP"
	FixApplied    FixState = "APPLIED"
	FixVerified   FixState = "VERIFIED"
	FixRolledBack FixState = "ROLLED_BACK"
)

// Fix is a proposed full-content replacement for a single file.
type Fix struct {
	ID         string   `json:"id"`
	File       string   `json:"file"`
	Original   string   `json:"original"`
	Fixed      string   `json:"fixed"`
	Confidence float64  `json:"confidence"`
	Type       string   `json:"type"`
	State      FixState `json:"state"`
	Outcome    string   `json:"outcome,omitempty"`
	// WeaklyVerified marks a fix committed without a test file to run.
	WeaklyVerified bool      `json:"weakly_verified,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	CommittedAt    time.Time `json:"committed_at,omitempty"`
}

// Coverage percentages for a file, each in [0,100].
type Coverage struct {
	Statements float64 `json:"statements"`
	Branches   float64 `json:"branches"`
	Functions  float64 `json:"functions"`
	Lines      float64 `json:"lines"`
}

// TestResult is the last known outcome of running one test file.
type TestResult struct {
	File           string        `json:"file"`
	Passed         bool          `json:"passed"`
	FailureMessage string        `json:"failure_message,omitempty"`
	Coverage       Coverage      `json:"coverage"`
	Duration       time.Duration `json:"duration"`
	Suite          string        `json:"suite"`
	FinishedAt     time.Time     `json:"finished_at"`
}

// Status is a component or system health level.
type Status string

const (
	StatusHealthy  Status = "healthy"
	StatusWarning  Status = "warning"
	StatusCritical Status = "critical"
)

// Rank orders statuses: healthy < warning < critical.
func (s Status) Rank() int {
	switch s {
	case StatusCritical:
		return 2
	case StatusWarning:
		return 1
	default:
		return 0
	}
}

// Worst returns the more severe of two statuses.
func Worst(a, b Status) Status {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// Anomaly is an externally detected deviation of a monitored metric.
type Anomaly struct {
	Metric string  `json:"metric"`
	Mean   float64 `json:"mean"`
	StdDev float64 `json:"std_dev"`
	Value  float64 `json:"value"`
	// Code optionally ties the anomaly to an issue code so pattern learning
	// can raise that code's confidence. Defaults to the metric name.
	Code       string    `json:"code,omitempty"`
	DetectedAt time.Time `json:"detected_at"`
}

// PatternCode is the issue code the anomaly teaches the pattern learner about.
func (a Anomaly) PatternCode() string {
	if a.Code != "" {
		return a.Code
	}
	return a.Metric
}

// Threshold is the value above which a metric is considered anomalous.
func (a Anomaly) Threshold() float64 { return a.Mean + a.StdDev }

func (a Anomaly) String() string {
	return fmt.Sprintf("%s=%.3f (mean %.3f, stddev %.3f)", a.Metric, a.Value, a.Mean, a.StdDev)
}

// PatternWeight is the persisted confidence weight of one pattern signature.
type PatternWeight struct {
	Signature string    `json:"signature"`
	Code      string    `json:"code"`
	Weight    float64   `json:"weight"`
	UpdatedAt time.Time `json:"updated_at"`
}
