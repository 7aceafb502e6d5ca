// File: internal/service/initializers.go
package service

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/xkilldash9x/mender/internal/config"
	"github.com/xkilldash9x/mender/internal/store"
)

// InitializeStore connects to Postgres and brings the schema up to date.
// With no database URL configured it returns a nil store and the pipeline
// keeps its history and pattern weights in memory.
func InitializeStore(ctx context.Context, cfg config.DatabaseConfig, logger *zap.Logger) (*store.Store, *pgxpool.Pool, error) {
	if cfg.URL == "" {
		logger.Warn("No database configured; fix history and learned patterns will be lost on exit.")
		return nil, nil, nil
	}

	pool, err := store.Connect(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	st, err := store.New(ctx, pool, logger)
	if err != nil {
		pool.Close()
		return nil, nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	logger.Debug("Database store initialized.")
	return st, pool, nil
}
