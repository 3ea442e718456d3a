// Package checkpoint persists per-table synchronization progress in an
// embedded SQLite database. Checkpoints survive process restart; each
// Set is a single atomic upsert, so a crash between an index write and
// the checkpoint write only ever costs re-running the in-flight batch
// (idempotent upserts make the duplicated work safe).
package checkpoint

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Statuses a table's sync can be in.
const (
	StatusIdle      = "idle"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Checkpoint records one table's sync progress.
type Checkpoint struct {
	Table         string
	Watermark     string // last successful watermark value
	LastRowID     string // last processed row id, for mid-table resumption
	RowsProcessed int64
	RowsFailed    int64
	Status        string
	LastError     string
	UpdatedAt     time.Time
}

// Store is the durable checkpoint store. Checkpoints for different
// tables are independent rows; concurrent updates to different tables
// do not block each other beyond SQLite's short write lock.
type Store struct {
	db *sql.DB
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS checkpoints (
	table_name     TEXT PRIMARY KEY,
	watermark      TEXT NOT NULL DEFAULT '',
	last_row_id    TEXT NOT NULL DEFAULT '',
	rows_processed INTEGER NOT NULL DEFAULT 0,
	rows_failed    INTEGER NOT NULL DEFAULT 0,
	status         TEXT NOT NULL DEFAULT 'idle',
	last_error     TEXT NOT NULL DEFAULT '',
	updated_at     TIMESTAMP NOT NULL
);
`

// Open creates or opens the checkpoint database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("checkpoint: open database: %w", err)
	}
	db.SetMaxOpenConns(1) // single writer
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("checkpoint: create schema: %w", err)
	}
	s := &Store{db: db}
	if err := s.ensureKnownRows(); err != nil {
		db.Close()
		return nil, fmt.Errorf("checkpoint: create schema: %w", err)
	}
	return s, nil
}

// Get returns the checkpoint for table, or nil if none exists.
func (s *Store) Get(ctx context.Context, table string) (*Checkpoint, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT table_name, watermark, last_row_id, rows_processed, rows_failed,
		       status, last_error, updated_at
		FROM checkpoints WHERE table_name = ?`, table)

	cp, err := scanCheckpoint(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("checkpoint: get %s: %w", table, err)
	}
	return cp, nil
}

// Set atomically overwrites the checkpoint for cp.Table.
func (s *Store) Set(ctx context.Context, cp *Checkpoint) error {
	if cp.Table == "" {
		return fmt.Errorf("checkpoint: table name is required")
	}
	cp.UpdatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO checkpoints
			(table_name, watermark, last_row_id, rows_processed, rows_failed, status, last_error, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(table_name) DO UPDATE SET
			watermark      = excluded.watermark,
			last_row_id    = excluded.last_row_id,
			rows_processed = excluded.rows_processed,
			rows_failed    = excluded.rows_failed,
			status         = excluded.status,
			last_error     = excluded.last_error,
			updated_at     = excluded.updated_at`,
		cp.Table, cp.Watermark, cp.LastRowID, cp.RowsProcessed, cp.RowsFailed,
		cp.Status, cp.LastError, cp.UpdatedAt)
	if err != nil {
		return fmt.Errorf("checkpoint: set %s: %w", cp.Table, err)
	}
	return nil
}

// All returns every stored checkpoint, ordered by table name.
func (s *Store) All(ctx context.Context) ([]*Checkpoint, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT table_name, watermark, last_row_id, rows_processed, rows_failed,
		       status, last_error, updated_at
		FROM checkpoints ORDER BY table_name`)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: list: %w", err)
	}
	defer rows.Close()

	var out []*Checkpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("checkpoint: scan: %w", err)
		}
		out = append(out, cp)
	}
	return out, rows.Err()
}

// Clear removes the checkpoint for table, or every checkpoint when
// table is empty.
func (s *Store) Clear(ctx context.Context, table string) error {
	var err error
	if table == "" {
		_, err = s.db.ExecContext(ctx, `DELETE FROM checkpoints`)
	} else {
		_, err = s.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE table_name = ?`, table)
	}
	if err != nil {
		return fmt.Errorf("checkpoint: clear: %w", err)
	}
	return nil
}

// Close releases the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func scanCheckpoint(scan func(dest ...any) error) (*Checkpoint, error) {
	var cp Checkpoint
	err := scan(&cp.Table, &cp.Watermark, &cp.LastRowID, &cp.RowsProcessed,
		&cp.RowsFailed, &cp.Status, &cp.LastError, &cp.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &cp, nil
}
