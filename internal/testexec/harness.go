// internal/testexec/harness.go
package testexec

import (
	"context"
	"fmt"

	"github.com/xkilldash9x/mender/internal/models"
)

// Report statuses returned by a Harness.
const (
	StatusPassed = "passed"
	StatusFailed = "failed"
)

// Report is what a harness says about one test file.
type Report struct {
	Status   string
	Message  string
	Coverage *models.Coverage
}

// Passed reports whether the run succeeded.
func (r Report) Passed() bool { return r.Status == StatusPassed }

// Harness runs a single test file. A returned error means the harness itself
// could not run the file; failing tests are reported through Report.
type Harness interface {
	Run(ctx context.Context, testFile string) (Report, error)
}

// HarnessFunc adapts a function to the Harness interface.
type HarnessFunc func(ctx context.Context, testFile string) (Report, error)

func (f HarnessFunc) Run(ctx context.Context, testFile string) (Report, error) {
	return f(ctx, testFile)
}

// HarnessError wraps a harness-level failure for one file.
type HarnessError struct {
	File string
	Err  error
}

func (e *HarnessError) Error() string {
	return fmt.Sprintf("harness failed for %s: %v", e.File, e.Err)
}

func (e *HarnessError) Unwrap() error { return e.Err }
