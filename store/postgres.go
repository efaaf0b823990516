package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jupark12/docflow/models"
)

// PostgresConfig configures the connection pool.
type PostgresConfig struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
	DialTimeout     time.Duration
}

// Postgres keeps the roster in a periods table.
type Postgres struct {
	pool *pgxpool.Pool
	log  *slog.Logger
}

// OpenPostgres connects and creates the periods table if needed.
func OpenPostgres(ctx context.Context, cfg PostgresConfig, logger *slog.Logger) (*Postgres, error) {
	if logger == nil {
		logger = slog.Default()
	}
	pc, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if cfg.MaxConns > 0 {
		pc.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		pc.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		pc.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		pc.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	pc.ConnConfig.RuntimeParams["application_name"] = "docflow"

	if cfg.DialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.DialTimeout)
		defer cancel()
	}
	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS periods (
  id TEXT PRIMARY KEY,
  label TEXT NOT NULL,
  category TEXT NOT NULL DEFAULT '',
  state TEXT NOT NULL,
  record_count INTEGER NOT NULL DEFAULT 0,
  job_ids TEXT[] NOT NULL DEFAULT '{}',
  counted_job_ids TEXT[] NOT NULL DEFAULT '{}',
  created_at TIMESTAMPTZ NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL,
  last_processed_at TIMESTAMPTZ,
  version BIGINT NOT NULL
)`); err != nil {
		pool.Close()
		return nil, fmt.Errorf("create periods table: %w", err)
	}
	if _, err := pool.Exec(ctx, `ALTER TABLE periods ADD COLUMN IF NOT EXISTS counted_job_ids TEXT[] NOT NULL DEFAULT '{}'`); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate periods table: %w", err)
	}
	logger.Info("store.postgres.connected")
	return &Postgres{pool: pool, log: logger}, nil
}

func (s *Postgres) Close() { s.pool.Close() }

func (s *Postgres) Load(ctx context.Context) ([]models.Period, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, label, category, state, record_count, job_ids, counted_job_ids, created_at, updated_at, last_processed_at, version
       FROM periods ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Period
	for rows.Next() {
		var (
			p     models.Period
			state string
		)
		if err := rows.Scan(&p.ID, &p.Label, &p.Category, &state, &p.RecordCount, &p.JobIDs, &p.CountedJobIDs,
			&p.CreatedAt, &p.UpdatedAt, &p.LastProcessedAt, &p.Version); err != nil {
			return nil, err
		}
		p.State = models.PeriodState(state)
		out = append(out, p)
	}
	return out, rows.Err()
}

// Save upserts p when its version is newer than the stored row.
func (s *Postgres) Save(ctx context.Context, p models.Period) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO periods (id, label, category, state, record_count, job_ids, counted_job_ids, created_at, updated_at, last_processed_at, version)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
ON CONFLICT (id) DO UPDATE SET
  label = EXCLUDED.label,
  category = EXCLUDED.category,
  state = EXCLUDED.state,
  record_count = EXCLUDED.record_count,
  job_ids = EXCLUDED.job_ids,
  counted_job_ids = EXCLUDED.counted_job_ids,
  updated_at = EXCLUDED.updated_at,
  last_processed_at = EXCLUDED.last_processed_at,
  version = EXCLUDED.version
WHERE EXCLUDED.version > periods.version`,
		p.ID, p.Label, p.Category, string(p.State), p.RecordCount, nonNil(p.JobIDs), nonNil(p.CountedJobIDs),
		p.CreatedAt, p.UpdatedAt, p.LastProcessedAt, p.Version,
	)
	return err
}

func (s *Postgres) Delete(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM periods WHERE id = $1`, id)
	return err
}
