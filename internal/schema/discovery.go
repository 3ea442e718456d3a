package schema

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/eos60614/colpali-vespa-visual-retrieval-sub000/internal/source"
)

// sampleSize bounds the value probe used to confirm file-reference columns.
const sampleSize = 5

// Engine introspects the source catalog and produces a SchemaMap.
type Engine struct {
	pool *source.Pool
	log  *zap.Logger
}

// NewEngine creates a discovery engine over pool.
func NewEngine(pool *source.Pool, log *zap.Logger) *Engine {
	return &Engine{pool: pool, log: log}
}

// Discover enumerates all tables in the configured schema and builds a
// complete SchemaMap. Discovery never fails partially: a table whose
// column enumeration fails is recorded with an error flag and omitted
// from relationship inference, but the map is still returned.
func (e *Engine) Discover(ctx context.Context) (*SchemaMap, error) {
	names, err := e.listTables(ctx)
	if err != nil {
		return nil, err
	}

	m := &SchemaMap{
		Source:       e.pool.Schema,
		DiscoveredAt: time.Now().UTC().Format(time.RFC3339),
		Tables:       make([]*Table, 0, len(names)),
	}

	for _, name := range names {
		table, err := e.introspectTable(ctx, name)
		if err != nil {
			e.log.Warn("table introspection failed",
				zap.String("table", name), zap.Error(err))
			table = &Table{Name: name, Error: err.Error()}
		}
		m.Tables = append(m.Tables, table)
	}

	m.Relationships = inferRelationships(m)

	e.log.Info("schema discovery completed",
		zap.Int("tables", len(m.Tables)),
		zap.Int("relationships", len(m.Relationships)))
	return m, nil
}

// listTables returns base table names in the default schema.
func (e *Engine) listTables(ctx context.Context) ([]string, error) {
	query := `
		SELECT table_name
		FROM information_schema.tables
		WHERE table_schema = $1 AND table_type = 'BASE TABLE'
		ORDER BY table_name
	`
	rows, err := e.pool.DB.QueryContext(ctx, query, e.pool.Schema)
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (e *Engine) introspectTable(ctx context.Context, name string) (*Table, error) {
	cols, err := e.fetchColumns(ctx, name)
	if err != nil {
		return nil, err
	}

	table := &Table{
		Name:             name,
		RowEstimate:      e.estimateRows(ctx, name),
		Columns:          cols,
		WatermarkColumns: watermarkCandidates(cols),
	}
	table.FileColumns = e.detectFileColumns(ctx, name, cols)
	return table, nil
}

// fetchColumns reads column metadata from information_schema.
func (e *Engine) fetchColumns(ctx context.Context, table string) ([]*Column, error) {
	query := `
		SELECT
			column_name,
			data_type,
			is_nullable,
			COALESCE(column_default, ''),
			COALESCE(character_maximum_length, 0)
		FROM information_schema.columns
		WHERE table_schema = $1 AND table_name = $2
		ORDER BY ordinal_position
	`
	rows, err := e.pool.DB.QueryContext(ctx, query, e.pool.Schema, table)
	if err != nil {
		return nil, fmt.Errorf("fetch columns: %w", err)
	}
	defer rows.Close()

	var cols []*Column
	for rows.Next() {
		var c Column
		var isNullable string
		if err := rows.Scan(&c.Name, &c.DataType, &isNullable, &c.Default, &c.MaxLength); err != nil {
			return nil, fmt.Errorf("scan column: %w", err)
		}
		c.Nullable = isNullable == "YES"
		cols = append(cols, &c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(cols) == 0 {
		return nil, fmt.Errorf("no columns found for %s", table)
	}
	return cols, nil
}

// estimateRows reads a fast row-count estimate from pg_class. Falls back
// to zero when statistics are unavailable; estimates are advisory.
func (e *Engine) estimateRows(ctx context.Context, table string) int64 {
	query := `
		SELECT COALESCE(reltuples::bigint, 0)
		FROM pg_class c
		JOIN pg_namespace n ON c.relnamespace = n.oid
		WHERE n.nspname = $1 AND c.relname = $2
	`
	var count int64
	_ = e.pool.DB.QueryRowContext(ctx, query, e.pool.Schema, table).Scan(&count)
	if count < 0 {
		count = 0
	}
	return count
}

// detectFileColumns applies the two-part heuristic: the column name must
// match a known pattern AND a sample of non-null values must match the
// expected shape. A failed sample query just rejects the candidate.
func (e *Engine) detectFileColumns(ctx context.Context, table string, cols []*Column) []*FileReferenceColumn {
	var out []*FileReferenceColumn
	for _, c := range cols {
		kind := fileColumnNameKind(c.Name)
		if kind == "" {
			continue
		}
		samples, err := e.sampleColumn(ctx, table, c.Name)
		if err != nil {
			e.log.Debug("file column sample failed",
				zap.String("table", table), zap.String("column", c.Name), zap.Error(err))
			continue
		}
		if !confirmFileKind(kind, samples) {
			continue
		}
		out = append(out, &FileReferenceColumn{
			Column:  c.Name,
			Kind:    kind,
			Pattern: patternFor(kind),
		})
	}
	return out
}

func (e *Engine) sampleColumn(ctx context.Context, table, column string) ([]string, error) {
	// Identifiers come from information_schema, not user input; quote them
	// anyway since table and column names are interpolated.
	query := fmt.Sprintf(
		`SELECT %s::text FROM %s.%s WHERE %s IS NOT NULL LIMIT %d`,
		quoteIdent(column), quoteIdent(e.pool.Schema), quoteIdent(table), quoteIdent(column), sampleSize,
	)
	rows, err := e.pool.DB.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var samples []string
	for rows.Next() {
		var v sql.NullString
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		if v.Valid {
			samples = append(samples, v.String)
		}
	}
	return samples, rows.Err()
}

func quoteIdent(name string) string {
	return `"` + name + `"`
}
