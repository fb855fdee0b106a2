package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/wehubfusion/Daedalus/pkg/run"
)

// Execer runs a statement. *pgxpool.Pool satisfies it.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS node_runs (
	run_id      TEXT PRIMARY KEY,
	flow_run_id TEXT NOT NULL,
	line        INTEGER NOT NULL,
	node        TEXT NOT NULL,
	status      TEXT NOT NULL,
	aggregation BOOLEAN NOT NULL DEFAULT FALSE,
	record      JSONB NOT NULL,
	started_at  TIMESTAMPTZ,
	finished_at TIMESTAMPTZ
);
CREATE TABLE IF NOT EXISTS line_runs (
	run_id      TEXT PRIMARY KEY,
	flow_run_id TEXT NOT NULL,
	flow_id     TEXT NOT NULL,
	line        INTEGER NOT NULL,
	status      TEXT NOT NULL,
	record      JSONB NOT NULL,
	started_at  TIMESTAMPTZ,
	finished_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS line_runs_flow_run_idx ON line_runs (flow_run_id, line);
`

const upsertNodeSQL = `
INSERT INTO node_runs (run_id, flow_run_id, line, node, status, aggregation, record, started_at, finished_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (run_id) DO UPDATE SET
	status = EXCLUDED.status,
	record = EXCLUDED.record,
	started_at = EXCLUDED.started_at,
	finished_at = EXCLUDED.finished_at`

const upsertLineSQL = `
INSERT INTO line_runs (run_id, flow_run_id, flow_id, line, status, record, started_at, finished_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (run_id) DO UPDATE SET
	status = EXCLUDED.status,
	record = EXCLUDED.record,
	started_at = EXCLUDED.started_at,
	finished_at = EXCLUDED.finished_at`

// NewPool connects to Postgres and verifies the connection.
func NewPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	cfg.MaxConns = 10
	cfg.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return pool, nil
}

// PostgresStorage upserts records into node_runs and line_runs.
type PostgresStorage struct {
	db     Execer
	closer func()
	logger *zap.Logger
}

// NewPostgresStorage wraps db. closer, if set, runs on Close.
func NewPostgresStorage(db Execer, closer func(), logger *zap.Logger) (*PostgresStorage, error) {
	if db == nil {
		return nil, errors.New("db cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PostgresStorage{db: db, closer: closer, logger: logger}, nil
}

// Migrate creates the tables if they do not exist.
func (s *PostgresStorage) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("migrate run tables: %w", err)
	}
	return nil
}

// PersistNodeRun upserts a node_runs row.
func (s *PostgresStorage) PersistNodeRun(ctx context.Context, info *run.RunInfo) error {
	data, err := encodeNode(info)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(ctx, upsertNodeSQL,
		info.RunID, info.FlowRunID, info.Index, info.Node, string(info.Status), info.Aggregation,
		data, nullTime(info.StartTime), nullTime(info.EndTime))
	if err != nil {
		return fmt.Errorf("upsert node run %s: %w", info.RunID, err)
	}
	return nil
}

// PersistLineRun upserts a line_runs row.
func (s *PostgresStorage) PersistLineRun(ctx context.Context, result *run.LineResult) error {
	data, err := encodeLine(result)
	if err != nil {
		return err
	}
	ri := result.RunInfo
	_, err = s.db.Exec(ctx, upsertLineSQL,
		ri.RunID, ri.ParentRunID, ri.FlowID, ri.Index, string(ri.Status),
		data, nullTime(ri.StartTime), nullTime(ri.EndTime))
	if err != nil {
		return fmt.Errorf("upsert line run %s: %w", ri.RunID, err)
	}
	return nil
}

// Close releases the pool.
func (s *PostgresStorage) Close() error {
	if s.closer != nil {
		s.closer()
	}
	return nil
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
