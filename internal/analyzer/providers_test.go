package analyzer_test

import (
	"context"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/mender/internal/analyzer"
	"github.com/xkilldash9x/mender/internal/config"
	"github.com/xkilldash9x/mender/internal/models"
)

func TestRegexProvider(t *testing.T) {
	p, err := analyzer.NewRegexProvider([]config.RuleConfig{
		{ID: "todo", Pattern: `TODO`, Severity: "info"},
		{ID: "eq", Pattern: `==`, Severity: "warning", Message: "use ===", Replace: "==="},
	})
	require.NoError(t, err)
	assert.Equal(t, "rules", p.Name())

	findings, err := p.Analyze(context.Background(), "a.js", []byte("// TODO\nif (a == b && c == d) {}\n"))
	require.NoError(t, err)
	require.Len(t, findings, 3)

	assert.Equal(t, "todo", findings[0].RuleID)
	assert.Equal(t, models.SeverityInfo, findings[0].Severity)
	assert.Equal(t, 1, findings[0].Line)
	assert.Equal(t, 4, findings[0].Column)
	assert.Nil(t, findings[0].SuggestedFix)
	assert.Equal(t, "matches rule todo", findings[0].Message)

	assert.Equal(t, 2, findings[1].Line)
	assert.Equal(t, 7, findings[1].Column)
	require.NotNil(t, findings[1].SuggestedFix)
	assert.Equal(t, "// TODO\nif (a === b && c === d) {}\n", *findings[1].SuggestedFix)
	assert.Equal(t, "use ===", findings[2].Message)
}

func TestRegexProvider_InvalidPattern(t *testing.T) {
	_, err := analyzer.NewRegexProvider([]config.RuleConfig{{ID: "bad", Pattern: "("}})
	assert.ErrorContains(t, err, "rule bad")
}

func TestParseDiagnostics(t *testing.T) {
	output := []byte(`# example.com/p
./a.go:3:2: undefined: x
b.go:10: warning: unreachable code
/abs/c.go:1:1: syntax error
not a diagnostic line
`)
	diags := analyzer.ParseDiagnostics(output, "/root/proj", "vet")
	require.Len(t, diags, 3)

	assert.Equal(t, filepath.Join("/root/proj", "a.go"), diags[0].File)
	assert.Equal(t, 3, diags[0].Line)
	assert.Equal(t, 2, diags[0].Column)
	assert.Equal(t, models.SeverityError, diags[0].Severity)
	assert.Equal(t, "undefined: x", diags[0].Message)
	assert.Equal(t, "vet", diags[0].Code)

	assert.Equal(t, 0, diags[1].Column)
	assert.Equal(t, models.SeverityWarning, diags[1].Severity)
	assert.Equal(t, "/abs/c.go", diags[2].File)
}

func TestCommandDiagnostics(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	root := t.TempDir()
	d, err := analyzer.NewCommandDiagnostics(zaptest.NewLogger(t), []string{"sh", "-c", "echo 'a.go:1:1: bad thing'; exit 1"})
	require.NoError(t, err)

	diags, err := d.Diagnose(context.Background(), analyzer.Project{Root: root})
	require.NoError(t, err, "a non-zero exit with output is a normal report")
	require.Len(t, diags, 1)
	assert.Equal(t, filepath.Join(root, "a.go"), diags[0].File)
	assert.Equal(t, "sh", diags[0].Code)

	_, err = analyzer.NewCommandDiagnostics(zaptest.NewLogger(t), nil)
	assert.Error(t, err)
}
