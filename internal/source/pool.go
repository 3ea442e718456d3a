// Package source implements pooled, read-only, streaming access to the
// source PostgreSQL database. No other package talks to the source
// directly.
package source

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/eos60614/colpali-vespa-visual-retrieval-sub000/internal/ingest"
	"github.com/eos60614/colpali-vespa-visual-retrieval-sub000/internal/retry"
)

// Pool wraps the source database connection pool.
type Pool struct {
	DB     *sql.DB
	Schema string

	policy retry.Policy
	log    *zap.Logger
}

// Options configure the pool.
type Options struct {
	DSN             string
	Schema          string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	Retry           retry.Policy
}

// Open creates the pool and verifies connectivity with bounded retry.
func Open(ctx context.Context, opts Options, log *zap.Logger) (*Pool, error) {
	db, err := sql.Open("postgres", opts.DSN)
	if err != nil {
		return nil, ingest.WrapError(ingest.CodeConnection, false, fmt.Errorf("open source database: %w", err))
	}

	if opts.MaxOpenConns <= 0 {
		opts.MaxOpenConns = 25
	}
	if opts.MaxIdleConns <= 0 {
		opts.MaxIdleConns = 5
	}
	if opts.ConnMaxLifetime <= 0 {
		opts.ConnMaxLifetime = 5 * time.Minute
	}
	db.SetMaxOpenConns(opts.MaxOpenConns)
	db.SetMaxIdleConns(opts.MaxIdleConns)
	db.SetConnMaxLifetime(opts.ConnMaxLifetime)

	policy := opts.Retry
	if policy.MaxAttempts == 0 {
		policy = retry.DefaultPolicy()
	}

	p := &Pool{DB: db, Schema: opts.Schema, policy: policy, log: log}
	if err := p.Ping(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return p, nil
}

// Ping verifies connectivity, retrying transient failures.
func (p *Pool) Ping(ctx context.Context) error {
	err := p.policy.Do(ctx, func(ctx context.Context) error {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return p.DB.PingContext(pingCtx)
	})
	if err != nil {
		return ingest.WrapError(ingest.CodeConnection, false, fmt.Errorf("ping source database: %w", err))
	}
	return nil
}

// ServerVersion returns the source server version string.
func (p *Pool) ServerVersion(ctx context.Context) (string, error) {
	var version string
	if err := p.DB.QueryRowContext(ctx, "SELECT version()").Scan(&version); err != nil {
		return "", ingest.WrapError(ingest.CodeConnection, true, err)
	}
	return version, nil
}

// Query executes a parameterized query and returns a streaming cursor over
// the result. The cursor is finite and non-restartable; the caller bounds
// memory by limiting the query itself (batch LIMIT), rows are never
// collected eagerly. Cancelling ctx aborts the underlying query.
func (p *Pool) Query(ctx context.Context, query string, args ...any) (ingest.Iterator[ingest.Record], error) {
	rows, err := p.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classifyQueryError(fmt.Errorf("source query failed: %w", err))
	}

	cols, err := rows.Columns()
	if err != nil {
		rows.Close()
		return nil, classifyQueryError(fmt.Errorf("read result columns: %w", err))
	}

	return &rowIterator{rows: rows, cols: cols}, nil
}

// classifyQueryError separates statement-scoped failures from lost
// connectivity. A table dropped after discovery (42P01) or a revoked
// grant (42501) fails only the table it belongs to; connection,
// authentication and server-shutdown classes abort the run.
func classifyQueryError(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Class() {
		case "08", "28", "53", "57":
			return ingest.WrapError(ingest.CodeConnection, true, err)
		default:
			return ingest.WrapError(ingest.CodeSchema, false, err)
		}
	}
	return ingest.WrapError(ingest.CodeConnection, true, err)
}

// QueryRow executes a single-row query.
func (p *Pool) QueryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return p.DB.QueryRowContext(ctx, query, args...)
}

// Close releases database resources.
func (p *Pool) Close() error {
	if p.DB != nil {
		return p.DB.Close()
	}
	return nil
}

// rowIterator wraps sql.Rows as an ingest.Iterator.
type rowIterator struct {
	rows    *sql.Rows
	cols    []string
	current ingest.Record
	err     error
}

func (it *rowIterator) Next() bool {
	if !it.rows.Next() {
		it.err = it.rows.Err()
		return false
	}

	values := make([]any, len(it.cols))
	valuePtrs := make([]any, len(it.cols))
	for i := range values {
		valuePtrs[i] = &values[i]
	}

	if err := it.rows.Scan(valuePtrs...); err != nil {
		it.err = err
		return false
	}

	record := make(ingest.Record, len(it.cols))
	for i, col := range it.cols {
		record[col] = values[i]
	}
	it.current = record
	return true
}

func (it *rowIterator) Value() ingest.Record { return it.current }
func (it *rowIterator) Err() error           { return it.err }
func (it *rowIterator) Close() error         { return it.rows.Close() }
