package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/xkilldash9x/mender/internal/config"
	"github.com/xkilldash9x/mender/internal/models"
)

// DBPool is an interface that abstracts the pgxpool.Pool to allow for mocking in tests.
type DBPool interface {
	Ping(ctx context.Context) error
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Store persists fix history and learned pattern weights in PostgreSQL.
type Store struct {
	pool DBPool
	log  *zap.Logger
}

const (
	sqlCreateFixHistory = `
        CREATE TABLE IF NOT EXISTS fix_history (
            id TEXT PRIMARY KEY,
            file TEXT NOT NULL,
            original TEXT NOT NULL,
            fixed TEXT NOT NULL,
            confidence DOUBLE PRECISION NOT NULL,
            fix_type TEXT NOT NULL,
            state TEXT NOT NULL,
            outcome TEXT NOT NULL,
            weakly_verified BOOLEAN NOT NULL DEFAULT FALSE,
            created_at TIMESTAMPTZ NOT NULL,
            committed_at TIMESTAMPTZ NOT NULL
        );
    `
	sqlCreateFixHistoryIndex = `
        CREATE INDEX IF NOT EXISTS fix_history_file_idx ON fix_history (file, committed_at);
    `
	sqlCreatePatternWeights = `
        CREATE TABLE IF NOT EXISTS pattern_weights (
            signature TEXT PRIMARY KEY,
            code TEXT NOT NULL,
            weight DOUBLE PRECISION NOT NULL CHECK (weight >= 0 AND weight <= 1),
            updated_at TIMESTAMPTZ NOT NULL
        );
    `
	sqlInsertFix = `
        INSERT INTO fix_history (id, file, original, fixed, confidence, fix_type, state, outcome, weakly_verified, created_at, committed_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
        ON CONFLICT (id) DO NOTHING;
    `
	sqlSelectFixes = `
        SELECT id, file, original, fixed, confidence, fix_type, state, outcome, weakly_verified, created_at, committed_at
        FROM fix_history
        ORDER BY committed_at ASC, id ASC;
    `
	sqlUpsertWeight = `
        INSERT INTO pattern_weights (signature, code, weight, updated_at)
        VALUES ($1, $2, $3, $4)
        ON CONFLICT (signature) DO UPDATE SET
            weight = GREATEST(pattern_weights.weight, EXCLUDED.weight),
            updated_at = EXCLUDED.updated_at;
    `
	sqlSelectWeights = `
        SELECT signature, code, weight, updated_at
        FROM pattern_weights
        ORDER BY signature ASC;
    `
)

// Connect opens a pgx pool sized from the database configuration.
func Connect(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid database url: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	return pool, nil
}

// New creates a new store instance and verifies the connection.
func New(ctx context.Context, pool DBPool, logger *zap.Logger) (*Store, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{
		pool: pool,
		log:  logger.Named("store"),
	}, nil
}

// Migrate creates the tables in a single transaction. It is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if rollbackErr := tx.Rollback(ctx); rollbackErr != nil && !errors.Is(rollbackErr, pgx.ErrTxClosed) {
			s.log.Error("Failed to rollback transaction", zap.Error(rollbackErr))
		}
	}()

	for _, stmt := range []string{sqlCreateFixHistory, sqlCreateFixHistoryIndex, sqlCreatePatternWeights} {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	s.log.Debug("Schema is up to date.")
	return nil
}

// AppendFix records a verified fix. Re-appending the same fix ID is a no-op.
func (s *Store) AppendFix(ctx context.Context, fix models.Fix) error {
	_, err := s.pool.Exec(ctx, sqlInsertFix,
		fix.ID, fix.File, fix.Original, fix.Fixed, fix.Confidence,
		fix.Type, string(fix.State), fix.Outcome, fix.WeaklyVerified,
		fix.CreatedAt.UTC(), fix.CommittedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert fix %s: %w", fix.ID, err)
	}
	return nil
}

// LoadFixes returns every recorded fix in commit order.
func (s *Store) LoadFixes(ctx context.Context) ([]models.Fix, error) {
	rows, err := s.pool.Query(ctx, sqlSelectFixes)
	if err != nil {
		return nil, fmt.Errorf("failed to query fix history: %w", err)
	}
	defer rows.Close()

	var fixes []models.Fix
	for rows.Next() {
		var f models.Fix
		var state string
		if err := rows.Scan(
			&f.ID, &f.File, &f.Original, &f.Fixed, &f.Confidence,
			&f.Type, &state, &f.Outcome, &f.WeaklyVerified,
			&f.CreatedAt, &f.CommittedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan fix row: %w", err)
		}
		f.State = models.FixState(state)
		fixes = append(fixes, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return fixes, nil
}

// SavePatternWeight upserts a weight. The stored value never decreases.
func (s *Store) SavePatternWeight(ctx context.Context, w models.PatternWeight) error {
	if _, err := s.pool.Exec(ctx, sqlUpsertWeight, w.Signature, w.Code, w.Weight, w.UpdatedAt.UTC()); err != nil {
		return fmt.Errorf("failed to save pattern weight %s: %w", w.Code, err)
	}
	return nil
}

// LoadPatternWeights returns every stored weight.
func (s *Store) LoadPatternWeights(ctx context.Context) ([]models.PatternWeight, error) {
	rows, err := s.pool.Query(ctx, sqlSelectWeights)
	if err != nil {
		return nil, fmt.Errorf("failed to query pattern weights: %w", err)
	}
	defer rows.Close()

	var weights []models.PatternWeight
	for rows.Next() {
		var w models.PatternWeight
		if err := rows.Scan(&w.Signature, &w.Code, &w.Weight, &w.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan pattern weight row: %w", err)
		}
		weights = append(weights, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return weights, nil
}
