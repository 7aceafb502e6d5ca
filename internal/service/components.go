// File: internal/service/components.go
package service

import (
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xkilldash9x/mender/internal/observability"
	"github.com/xkilldash9x/mender/internal/orchestrator"
	"github.com/xkilldash9x/mender/internal/store"
)

// Components holds everything a command needs to run the pipeline and
// centralizes its teardown.
type Components struct {
	Orchestrator *orchestrator.Orchestrator
	// Store and DBPool are nil when no database is configured.
	Store  *store.Store
	DBPool *pgxpool.Pool
}

// Shutdown stops the pipeline before closing the database pool, so fixes
// still in flight reach the history store.
func (c *Components) Shutdown() {
	logger := observability.GetLogger()
	logger.Debug("Beginning components shutdown sequence.")

	if c.Orchestrator != nil {
		c.Orchestrator.Stop()
		logger.Debug("Orchestrator stopped.")
	}
	if c.DBPool != nil {
		c.DBPool.Close()
		logger.Debug("Database connection pool closed.")
	}
	logger.Info("All components shut down.")
}
