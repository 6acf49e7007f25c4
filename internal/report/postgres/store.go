// Package postgres persists run reports into Postgres.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/wayback-retriever/internal/report"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the Postgres connection pool used for report rows.
type Config struct {
	DSN             string
	RunsTable       string
	TasksTable      string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Begin(context.Context) (pgx.Tx, error)
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Close()
}

// Store writes one row per run and one row per task.
type Store struct {
	pool       pool
	runsTable  string
	tasksTable string
}

// New connects to Postgres using cfg.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, errors.New("report.postgres.dsn is required")
	}
	runs, tasks, err := tableNames(cfg.RunsTable, cfg.TasksTable)
	if err != nil {
		return nil, err
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
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
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: p, runsTable: runs, tasksTable: tasks}, nil
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(p pool, runsTable, tasksTable string) (*Store, error) {
	if p == nil {
		return nil, errors.New("pool is required")
	}
	runs, tasks, err := tableNames(runsTable, tasksTable)
	if err != nil {
		return nil, err
	}
	return &Store{pool: p, runsTable: runs, tasksTable: tasks}, nil
}

func tableNames(runs, tasks string) (string, string, error) {
	if runs == "" {
		runs = "wayback_runs"
	}
	if tasks == "" {
		tasks = "wayback_tasks"
	}
	for _, name := range []string{runs, tasks} {
		if !validTableName.MatchString(name) {
			return "", "", fmt.Errorf("invalid table name %q", name)
		}
	}
	return runs, tasks, nil
}

// EnsureSchema creates the report tables when they do not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	run_id UUID PRIMARY KEY,
	domain TEXT NOT NULL,
	download_date TIMESTAMPTZ NOT NULL,
	total_files INTEGER NOT NULL,
	completed INTEGER NOT NULL,
	failed INTEGER NOT NULL,
	bytes_downloaded BIGINT NOT NULL,
	throughput_bytes_per_sec DOUBLE PRECISION NOT NULL
)`, s.runsTable),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	run_id UUID NOT NULL REFERENCES %s (run_id),
	url TEXT NOT NULL,
	timestamp TEXT NOT NULL,
	status TEXT NOT NULL,
	output_path TEXT NOT NULL,
	error TEXT,
	bytes BIGINT NOT NULL,
	attempts INTEGER NOT NULL
)`, s.tasksTable, s.runsTable),
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("create report schema: %w", err)
		}
	}
	return nil
}

// Save writes the run and its tasks in a single transaction.
func (s *Store) Save(ctx context.Context, r report.Report) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin report tx: %w", err)
	}

	runQuery := fmt.Sprintf(`INSERT INTO %s (
	run_id, domain, download_date, total_files, completed, failed, bytes_downloaded, throughput_bytes_per_sec
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`, s.runsTable)
	if _, err := tx.Exec(ctx, runQuery,
		r.RunID.String(),
		r.Domain,
		r.DownloadDate,
		r.TotalFiles,
		r.Completed,
		r.Failed,
		r.BytesDownloaded,
		r.ThroughputBytesPerSec,
	); err != nil {
		return rollback(ctx, tx, fmt.Errorf("insert run: %w", err))
	}

	taskQuery := fmt.Sprintf(`INSERT INTO %s (
	run_id, url, timestamp, status, output_path, error, bytes, attempts
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`, s.tasksTable)
	for _, t := range r.Tasks {
		var errText *string
		if t.Error != "" {
			errText = &t.Error
		}
		if _, err := tx.Exec(ctx, taskQuery,
			r.RunID.String(),
			t.URL,
			t.Timestamp,
			t.Status,
			t.OutputPath,
			errText,
			t.Bytes,
			t.Attempts,
		); err != nil {
			return rollback(ctx, tx, fmt.Errorf("insert task %s: %w", t.URL, err))
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit report tx: %w", err)
	}
	return nil
}

// Close releases the pool.
func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

func rollback(ctx context.Context, tx pgx.Tx, cause error) error {
	if err := tx.Rollback(ctx); err != nil {
		return errors.Join(cause, fmt.Errorf("rollback: %w", err))
	}
	return cause
}
