// internal/remediation/errors.go
package remediation

import (
	"fmt"

	"github.com/xkilldash9x/mender/internal/models"
)

// ApplyError is a failure while backing up, writing or restoring a file.
type ApplyError struct {
	Fix   models.Fix
	Stage string
	Err   error
}

func (e *ApplyError) Error() string {
	return fmt.Sprintf("applying fix %s to %s failed at %s: %v", e.Fix.ID, e.Fix.File, e.Stage, e.Err)
}

func (e *ApplyError) Unwrap() error { return e.Err }

// VerificationFailure means the tests covering a fixed file did not pass.
type VerificationFailure struct {
	Fix      models.Fix
	TestFile string
	Message  string
}

func (e *VerificationFailure) Error() string {
	msg := fmt.Sprintf("tests in %s failed for fix %s", e.TestFile, e.Fix.ID)
	if e.Message != "" {
		msg += ": " + e.Message
	}
	return msg
}
