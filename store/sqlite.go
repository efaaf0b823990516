package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/jupark12/docflow/models"
)

// SQLite keeps the roster in a periods table.
type SQLite struct {
	db *sql.DB
}

func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// sqlite allows a single writer
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`
CREATE TABLE IF NOT EXISTS periods (
  id TEXT PRIMARY KEY,
  label TEXT NOT NULL,
  category TEXT NOT NULL DEFAULT '',
  state TEXT NOT NULL,
  record_count INTEGER NOT NULL DEFAULT 0,
  job_ids TEXT NOT NULL DEFAULT '[]',
  counted_job_ids TEXT NOT NULL DEFAULT '[]',
  created_at INTEGER NOT NULL,
  updated_at INTEGER NOT NULL,
  last_processed_at INTEGER,
  version INTEGER NOT NULL
);
`); err != nil {
		db.Close()
		return nil, err
	}
	// rosters created before counted_job_ids existed
	if _, err := db.Exec(`ALTER TABLE periods ADD COLUMN counted_job_ids TEXT NOT NULL DEFAULT '[]'`); err != nil &&
		!strings.Contains(err.Error(), "duplicate column") {
		db.Close()
		return nil, err
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Close() error { return s.db.Close() }

func (s *SQLite) Load(ctx context.Context) ([]models.Period, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, label, category, state, record_count, job_ids, counted_job_ids, created_at, updated_at, last_processed_at, version
       FROM periods ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Period
	for rows.Next() {
		var (
			p                         models.Period
			state, jobIDs, countedIDs string
			createdMs, updatedMs      int64
			processedMs               sql.NullInt64
		)
		if err := rows.Scan(&p.ID, &p.Label, &p.Category, &state, &p.RecordCount, &jobIDs, &countedIDs, &createdMs, &updatedMs, &processedMs, &p.Version); err != nil {
			return nil, err
		}
		p.State = models.PeriodState(state)
		p.CreatedAt = time.UnixMilli(createdMs)
		p.UpdatedAt = time.UnixMilli(updatedMs)
		if processedMs.Valid {
			t := time.UnixMilli(processedMs.Int64)
			p.LastProcessedAt = &t
		}
		if err := json.Unmarshal([]byte(jobIDs), &p.JobIDs); err != nil {
			return nil, fmt.Errorf("decode job ids of %s: %w", p.ID, err)
		}
		if err := json.Unmarshal([]byte(countedIDs), &p.CountedJobIDs); err != nil {
			return nil, fmt.Errorf("decode counted job ids of %s: %w", p.ID, err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Save upserts p when its version is newer than the stored row.
func (s *SQLite) Save(ctx context.Context, p models.Period) error {
	jobIDs, err := json.Marshal(nonNil(p.JobIDs))
	if err != nil {
		return err
	}
	countedIDs, err := json.Marshal(nonNil(p.CountedJobIDs))
	if err != nil {
		return err
	}
	var processed sql.NullInt64
	if p.LastProcessedAt != nil {
		processed = sql.NullInt64{Int64: p.LastProcessedAt.UnixMilli(), Valid: true}
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO periods (id, label, category, state, record_count, job_ids, counted_job_ids, created_at, updated_at, last_processed_at, version)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
  label = excluded.label,
  category = excluded.category,
  state = excluded.state,
  record_count = excluded.record_count,
  job_ids = excluded.job_ids,
  counted_job_ids = excluded.counted_job_ids,
  updated_at = excluded.updated_at,
  last_processed_at = excluded.last_processed_at,
  version = excluded.version
WHERE excluded.version > periods.version`,
		p.ID, p.Label, p.Category, string(p.State), p.RecordCount, string(jobIDs), string(countedIDs),
		p.CreatedAt.UnixMilli(), p.UpdatedAt.UnixMilli(), processed, p.Version,
	)
	return err
}

func (s *SQLite) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM periods WHERE id = ?`, id)
	return err
}

func nonNil(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return ids
}
