// internal/analyzer/diagnostics.go
package analyzer

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/xkilldash9x/mender/internal/models"
)

// diagnosticLine matches "file:line:col: message" and "file:line: message".
var diagnosticLine = regexp.MustCompile(`^(.+?):(\d+):(?:(\d+):)?\s*(.*)$`)

// CommandDiagnostics runs a compiler or linter once per scan and parses its
// output, for example `go vet ./...` or `tsc --noEmit`.
type CommandDiagnostics struct {
	logger *zap.Logger
	argv   []string
	code   string
}

func NewCommandDiagnostics(logger *zap.Logger, argv []string) (*CommandDiagnostics, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("diagnostics command must not be empty")
	}
	return &CommandDiagnostics{
		logger: logger.Named("diagnostics"),
		argv:   argv,
		code:   filepath.Base(argv[0]),
	}, nil
}

func (d *CommandDiagnostics) Name() string { return d.code }

// Diagnose runs the command in the project root. A non-zero exit is expected
// whenever the tool reports something, so only a failure to start is an error.
func (d *CommandDiagnostics) Diagnose(ctx context.Context, project Project) ([]Diagnostic, error) {
	cmd := exec.CommandContext(ctx, d.argv[0], d.argv[1:]...)
	cmd.Dir = project.Root
	output, err := cmd.CombinedOutput()
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) || ctx.Err() != nil {
			return nil, fmt.Errorf("running %s: %w", d.code, errors.Join(err, ctx.Err()))
		}
	}
	diags := ParseDiagnostics(output, project.Root, d.code)
	d.logger.Debug("Diagnostics collected", zap.Int("count", len(diags)))
	return diags, nil
}

// ParseDiagnostics extracts positioned messages from tool output. Relative
// paths are resolved against root.
func ParseDiagnostics(output []byte, root, code string) []Diagnostic {
	var diags []Diagnostic
	scanner := bufio.NewScanner(bytes.NewReader(output))
	for scanner.Scan() {
		m := diagnosticLine.FindStringSubmatch(strings.TrimSpace(scanner.Text()))
		if m == nil {
			continue
		}
		line, err := strconv.Atoi(m[2])
		if err != nil {
			continue
		}
		col, _ := strconv.Atoi(m[3])
		file := m[1]
		if !filepath.IsAbs(file) {
			file = filepath.Join(root, file)
		}

		msg := m[4]
		sev := models.SeverityError
		if lower := strings.ToLower(msg); strings.HasPrefix(lower, "warning") {
			sev = models.SeverityWarning
		}
		diags = append(diags, Diagnostic{
			File:     filepath.Clean(file),
			Line:     line,
			Column:   col,
			Severity: sev,
			Message:  msg,
			Code:     code,
		})
	}
	return diags
}
