package checkpoint

import (
	"context"
	"database/sql"
	"fmt"
)

// The known_rows table records which row ids have been ingested per
// table. Delete reconciliation samples from it; the source itself keeps
// no deletion log.

const knownSchemaSQL = `
CREATE TABLE IF NOT EXISTS known_rows (
	table_name TEXT NOT NULL,
	row_id     TEXT NOT NULL,
	PRIMARY KEY (table_name, row_id)
);
`

const reconcileSchemaSQL = `
CREATE TABLE IF NOT EXISTS reconcile_cursor (
	table_name TEXT PRIMARY KEY,
	after_id   TEXT NOT NULL DEFAULT ''
);
`

func (s *Store) ensureKnownRows() error {
	if _, err := s.db.Exec(knownSchemaSQL); err != nil {
		return err
	}
	_, err := s.db.Exec(reconcileSchemaSQL)
	return err
}

// RecordKnownIDs remembers ingested row ids for later reconciliation.
func (s *Store) RecordKnownIDs(ctx context.Context, table string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("checkpoint: record known ids: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT OR IGNORE INTO known_rows (table_name, row_id) VALUES (?, ?)`)
	if err != nil {
		return fmt.Errorf("checkpoint: record known ids: %w", err)
	}
	defer stmt.Close()

	for _, id := range ids {
		if _, err := stmt.ExecContext(ctx, table, id); err != nil {
			return fmt.Errorf("checkpoint: record known ids: %w", err)
		}
	}
	return tx.Commit()
}

// SampleKnownIDs returns up to limit previously-ingested row ids for
// table, rotating through the id space so repeated reconciliation runs
// cover different rows.
func (s *Store) SampleKnownIDs(ctx context.Context, table string, afterID string, limit int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT row_id FROM known_rows
		WHERE table_name = ? AND row_id > ?
		ORDER BY row_id ASC LIMIT ?`, table, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: sample known ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ReconcileCursor returns the persisted rotation position for table's
// reconciliation sampling, or "" when rotation starts from the top.
func (s *Store) ReconcileCursor(ctx context.Context, table string) (string, error) {
	var after string
	err := s.db.QueryRowContext(ctx,
		`SELECT after_id FROM reconcile_cursor WHERE table_name = ?`, table).Scan(&after)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("checkpoint: reconcile cursor %s: %w", table, err)
	}
	return after, nil
}

// SetReconcileCursor persists the rotation position so consecutive runs
// walk successive windows of the id space.
func (s *Store) SetReconcileCursor(ctx context.Context, table, afterID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO reconcile_cursor (table_name, after_id) VALUES (?, ?)
		ON CONFLICT(table_name) DO UPDATE SET after_id = excluded.after_id`,
		table, afterID)
	if err != nil {
		return fmt.Errorf("checkpoint: set reconcile cursor %s: %w", table, err)
	}
	return nil
}

// ForgetKnownIDs drops ids confirmed deleted from the source.
func (s *Store) ForgetKnownIDs(ctx context.Context, table string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("checkpoint: forget known ids: %w", err)
	}
	defer tx.Rollback()

	for _, id := range ids {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM known_rows WHERE table_name = ? AND row_id = ?`, table, id); err != nil {
			return fmt.Errorf("checkpoint: forget known ids: %w", err)
		}
	}
	return tx.Commit()
}
