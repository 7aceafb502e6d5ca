// internal/analyzer/provider.go
package analyzer

import (
	"context"

	"github.com/xkilldash9x/mender/internal/models"
)

// Finding is a single problem reported by a Provider for one file.
type Finding struct {
	Line     int
	Column   int
	Severity models.Severity
	Message  string
	RuleID   string
	// SuggestedFix, when set, is the full replacement content of the file.
	SuggestedFix *string
}

// Provider analyzes one file at a time.
type Provider interface {
	Name() string
	Analyze(ctx context.Context, path string, content []byte) ([]Finding, error)
}

// Project describes the tree handed to diagnostic providers.
type Project struct {
	Root  string
	Files []string
}

// Diagnostic is a compiler-style message tied to a file position.
type Diagnostic struct {
	File     string
	Line     int
	Column   int
	Severity models.Severity
	Message  string
	Code     string
}

// DiagnosticProvider inspects the whole project once per scan.
type DiagnosticProvider interface {
	Name() string
	Diagnose(ctx context.Context, project Project) ([]Diagnostic, error)
}

// QualityScorer is an external service scoring a file's overall quality.
type QualityScorer interface {
	Score(ctx context.Context, path string, content []byte) (float64, error)
}

// Weighter returns the learned confidence weight of an issue code.
type Weighter interface {
	Weight(code string) float64
}

// CoverageSource supplies the last known test coverage of a source file.
type CoverageSource interface {
	CoverageFor(sourceFile string) (models.Coverage, bool)
}

// FixSink receives fixes the analyzer is confident enough to apply unattended.
type FixSink interface {
	EnqueueFix(fix models.Fix)
}
