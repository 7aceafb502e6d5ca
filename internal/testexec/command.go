// internal/testexec/command.go
package testexec

import (
	"context"
	"errors"
	"fmt"
	"os/exec"

	"go.uber.org/zap"
)

// CommandHarness runs an arbitrary command with the test file appended as the
// final argument. Exit status 0 means the tests passed.
type CommandHarness struct {
	logger *zap.Logger
	argv   []string
	dir    string
}

// NewCommandHarness creates a harness for argv, run from dir.
func NewCommandHarness(logger *zap.Logger, argv []string, dir string) (*CommandHarness, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("command harness needs a command")
	}
	return &CommandHarness{logger: logger.Named("command_harness"), argv: argv, dir: dir}, nil
}

func (h *CommandHarness) Run(ctx context.Context, testFile string) (Report, error) {
	args := append(append([]string{}, h.argv[1:]...), testFile)
	cmd := exec.CommandContext(ctx, h.argv[0], args...)
	cmd.Dir = h.dir
	output, err := cmd.CombinedOutput()
	if err == nil {
		return Report{Status: StatusPassed}, nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && ctx.Err() == nil {
		h.logger.Debug("Test command failed.", zap.String("file", testFile), zap.Int("exit_code", exitErr.ExitCode()))
		return Report{Status: StatusFailed, Message: tail(output)}, nil
	}
	return Report{}, fmt.Errorf("running %s: %w", h.argv[0], errors.Join(err, ctx.Err()))
}
