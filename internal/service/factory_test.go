package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/mender/internal/config"
	"github.com/xkilldash9x/mender/internal/orchestrator"
	"github.com/xkilldash9x/mender/internal/testexec"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.NewDefaultConfig()
	cfg.AnalyzerCfg.Root = t.TempDir()
	cfg.RemediationCfg.BackupDir = t.TempDir()
	cfg.DatabaseCfg.URL = ""
	return cfg
}

var passing = testexec.HarnessFunc(func(context.Context, string) (testexec.Report, error) {
	return testexec.Report{Status: testexec.StatusPassed}, nil
})

func TestCreate_WithoutDatabase(t *testing.T) {
	factory := NewComponentFactory(orchestrator.Deps{Harness: passing})
	components, err := factory.Create(context.Background(), testConfig(t), zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(components.Shutdown)

	assert.Nil(t, components.Store)
	assert.Nil(t, components.DBPool)
	require.NotNil(t, components.Orchestrator)
	assert.NotNil(t, components.Orchestrator.Remediator)
}

func TestCreate_InvalidDatabaseURL(t *testing.T) {
	cfg := testConfig(t)
	cfg.DatabaseCfg.URL = "postgres://mender@localhost:notaport/mender"

	_, err := NewComponentFactory().Create(context.Background(), cfg, zaptest.NewLogger(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to initialize store")
}

func TestCreate_InvalidRules(t *testing.T) {
	cfg := testConfig(t)
	cfg.AnalyzerCfg.Rules = []config.RuleConfig{{ID: "broken", Pattern: "(", Severity: "error"}}

	_, err := NewComponentFactory(orchestrator.Deps{Harness: passing}).Create(context.Background(), cfg, zaptest.NewLogger(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to create orchestrator")
}

func TestInitializeStore_NoURL(t *testing.T) {
	st, pool, err := InitializeStore(context.Background(), config.DatabaseConfig{}, zaptest.NewLogger(t))
	assert.NoError(t, err)
	assert.Nil(t, st)
	assert.Nil(t, pool)
}
