// Package store keeps an audit trail of finished jobs in PostgreSQL. It is
// optional: the bot runs without a database and simply skips the history.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/xkilldash9x/harvestbot/api/schemas"
)

// DBPool is an interface that abstracts the pgxpool.Pool to allow for mocking in tests.
type DBPool interface {
	Ping(ctx context.Context) error
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Store is the PostgreSQL job history.
type Store struct {
	pool DBPool
	log  *zap.Logger
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

// Open connects a pgx pool to url, verifies it and prepares the schema. The
// returned func closes the pool.
func Open(ctx context.Context, url string, logger *zap.Logger) (*Store, func(), error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	s, err := New(ctx, pool, logger)
	if err != nil {
		pool.Close()
		return nil, nil, err
	}
	if err := s.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, nil, err
	}
	return s, pool.Close, nil
}

const (
	sqlCreateTable = `
        CREATE TABLE IF NOT EXISTS job_history (
            id          TEXT PRIMARY KEY,
            user_id     BIGINT NOT NULL,
            module      TEXT NOT NULL,
            outcome     TEXT NOT NULL,
            attempted   INTEGER NOT NULL DEFAULT 0,
            succeeded   INTEGER NOT NULL DEFAULT 0,
            failed      INTEGER NOT NULL DEFAULT 0,
            started_at  TIMESTAMPTZ NOT NULL,
            finished_at TIMESTAMPTZ NOT NULL,
            error       TEXT NOT NULL DEFAULT ''
        );
    `
	sqlCreateIndex = `
        CREATE INDEX IF NOT EXISTS job_history_user_idx
            ON job_history (user_id, finished_at DESC);
    `
	sqlInsertJob = `
        INSERT INTO job_history (id, user_id, module, outcome, attempted, succeeded, failed, started_at, finished_at, error)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
        ON CONFLICT (id) DO UPDATE SET
            outcome = EXCLUDED.outcome,
            attempted = EXCLUDED.attempted,
            succeeded = EXCLUDED.succeeded,
            failed = EXCLUDED.failed,
            finished_at = EXCLUDED.finished_at,
            error = EXCLUDED.error;
    `
	sqlRecentJobs = `
        SELECT id, user_id, module, outcome, attempted, succeeded, failed, started_at, finished_at, error
        FROM job_history
        WHERE user_id = $1
        ORDER BY finished_at DESC
        LIMIT $2;
    `
)

// EnsureSchema creates the history table and its index if they are missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if rollbackErr := tx.Rollback(ctx); rollbackErr != nil && !errors.Is(rollbackErr, pgx.ErrTxClosed) {
			s.log.Error("Failed to rollback transaction", zap.Error(rollbackErr))
		}
	}()

	for _, stmt := range []string{sqlCreateTable, sqlCreateIndex} {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create job history schema: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// RecordJob upserts one finished job. Timestamps are stored in UTC.
func (s *Store) RecordJob(ctx context.Context, rec schemas.JobRecord) error {
	_, err := s.pool.Exec(ctx, sqlInsertJob,
		rec.ID, rec.UserID, rec.Module.String(), string(rec.Outcome),
		rec.Report.Attempted, rec.Report.Succeeded, rec.Report.Failed,
		rec.StartedAt.UTC(), rec.FinishedAt.UTC(), rec.Error,
	)
	if err != nil {
		return fmt.Errorf("failed to record job %s: %w", rec.ID, err)
	}
	s.log.Debug("Recorded job.", zap.String("job_id", rec.ID), zap.String("outcome", string(rec.Outcome)))
	return nil
}

// RecentJobs returns up to limit of the user's jobs, newest first.
func (s *Store) RecentJobs(ctx context.Context, userID int64, limit int) ([]schemas.JobRecord, error) {
	rows, err := s.pool.Query(ctx, sqlRecentJobs, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query job history: %w", err)
	}
	defer rows.Close()

	var out []schemas.JobRecord
	for rows.Next() {
		var (
			rec             schemas.JobRecord
			module, outcome string
		)
		err := rows.Scan(
			&rec.ID, &rec.UserID, &module, &outcome,
			&rec.Report.Attempted, &rec.Report.Succeeded, &rec.Report.Failed,
			&rec.StartedAt, &rec.FinishedAt, &rec.Error,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job history row: %w", err)
		}
		rec.Module = schemas.Module(module)
		rec.Outcome = schemas.Outcome(outcome)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return out, nil
}
