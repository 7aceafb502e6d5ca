// internal/testexec/gotest.go
package testexec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/tools/cover"

	"github.com/xkilldash9x/mender/internal/models"
)

// maxMessage bounds the command output kept as a failure message.
const maxMessage = 4096

// GoTestHarness runs `go test` for the package that holds the test file and
// derives coverage from the generated profile.
type GoTestHarness struct {
	logger *zap.Logger
	// GoBinary defaults to "go".
	GoBinary string
}

func NewGoTestHarness(logger *zap.Logger) *GoTestHarness {
	return &GoTestHarness{logger: logger.Named("go_test_harness"), GoBinary: "go"}
}

func (h *GoTestHarness) Run(ctx context.Context, testFile string) (Report, error) {
	pkgDir := filepath.Dir(testFile)
	profile, err := os.CreateTemp("", "mender-cover-*.out")
	if err != nil {
		return Report{}, fmt.Errorf("failed to create coverage profile: %w", err)
	}
	profilePath := profile.Name()
	profile.Close()
	defer os.Remove(profilePath)

	// The package path, not the file, is handed to go test.
	cmd := exec.CommandContext(ctx, h.GoBinary, "test", "-count=1", "-coverprofile="+profilePath, ".")
	cmd.Dir = pkgDir
	output, runErr := cmd.CombinedOutput()

	if runErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) || ctx.Err() != nil {
			// The binary never ran or was killed; that is not a test verdict.
			return Report{}, fmt.Errorf("go test in %s: %w", pkgDir, errors.Join(runErr, ctx.Err()))
		}
		h.logger.Debug("Tests failed.", zap.String("package", pkgDir))
		return Report{Status: StatusFailed, Message: tail(output)}, nil
	}

	report := Report{Status: StatusPassed}
	if cov, err := coverageFromProfile(profilePath, pkgDir); err != nil {
		h.logger.Debug("Coverage unavailable.", zap.String("package", pkgDir), zap.Error(err))
	} else {
		report.Coverage = cov
	}
	return report, nil
}

// coverageFromProfile converts a cover profile into percentages. Each profile
// block is a basic block, so block coverage stands in for branch coverage.
func coverageFromProfile(profilePath, pkgDir string) (*models.Coverage, error) {
	profiles, err := cover.ParseProfiles(profilePath)
	if err != nil {
		return nil, fmt.Errorf("failed to parse coverage profile: %w", err)
	}
	if len(profiles) == 0 {
		return nil, fmt.Errorf("empty coverage profile")
	}

	var totalStmts, coveredStmts, totalBlocks, coveredBlocks int
	lines := make(map[string]bool)
	covered := make(map[string][]cover.ProfileBlock)
	for _, p := range profiles {
		base := filepath.Base(p.FileName)
		for _, b := range p.Blocks {
			totalStmts += b.NumStmt
			totalBlocks++
			for l := b.StartLine; l <= b.EndLine; l++ {
				key := fmt.Sprintf("%s:%d", base, l)
				lines[key] = lines[key] || b.Count > 0
			}
			if b.Count > 0 {
				coveredStmts += b.NumStmt
				coveredBlocks++
				covered[base] = append(covered[base], b)
			}
		}
	}
	var coveredLines int
	for _, hit := range lines {
		if hit {
			coveredLines++
		}
	}

	totalFuncs, coveredFuncs := functionCoverage(pkgDir, covered)
	return &models.Coverage{
		Statements: percent(coveredStmts, totalStmts),
		Branches:   percent(coveredBlocks, totalBlocks),
		Functions:  percent(coveredFuncs, totalFuncs),
		Lines:      percent(coveredLines, len(lines)),
	}, nil
}

// functionCoverage counts non-test functions in pkgDir and how many contain
// at least one executed block.
func functionCoverage(pkgDir string, covered map[string][]cover.ProfileBlock) (total, hit int) {
	fset := token.NewFileSet()
	matches, _ := filepath.Glob(filepath.Join(pkgDir, "*.go"))
	for _, path := range matches {
		if strings.HasSuffix(path, "_test.go") {
			continue
		}
		file, err := parser.ParseFile(fset, path, nil, parser.SkipObjectResolution)
		if err != nil {
			continue
		}
		blocks := covered[filepath.Base(path)]
		for _, decl := range file.Decls {
			fn, ok := decl.(*ast.FuncDecl)
			if !ok || fn.Body == nil {
				continue
			}
			total++
			start := fset.Position(fn.Body.Pos()).Line
			end := fset.Position(fn.Body.End()).Line
			for _, b := range blocks {
				if b.StartLine >= start && b.EndLine <= end {
					hit++
					break
				}
			}
		}
	}
	return total, hit
}

func percent(n, d int) float64 {
	if d == 0 {
		return 0
	}
	return float64(n) * 100 / float64(d)
}

func tail(output []byte) string {
	output = bytes.TrimSpace(output)
	if len(output) > maxMessage {
		output = output[len(output)-maxMessage:]
	}
	return string(output)
}
