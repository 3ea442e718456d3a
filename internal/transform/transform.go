// Package transform converts raw source rows into normalized,
// index-ready IngestedRecords using the discovered SchemaMap. It is the
// single place that interprets the generic row shape; serialization is
// deterministic so re-ingesting an unchanged row produces an identical
// document.
package transform

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/eos60614/colpali-vespa-visual-retrieval-sub000/internal/config"
	"github.com/eos60614/colpali-vespa-visual-retrieval-sub000/internal/ingest"
	"github.com/eos60614/colpali-vespa-visual-retrieval-sub000/internal/schema"
)

// Transformer turns rows of one SchemaMap into IngestedRecords.
type Transformer struct {
	schemaMap *schema.SchemaMap
	tables    map[string]config.TableConfig
	log       *zap.Logger

	now func() time.Time

	// NullRefWarnings counts relationship references skipped because the
	// foreign-key value was null. Never a failure.
	NullRefWarnings int64
}

// New creates a Transformer over the given schema snapshot.
func New(m *schema.SchemaMap, tables map[string]config.TableConfig, log *zap.Logger) *Transformer {
	if tables == nil {
		tables = map[string]config.TableConfig{}
	}
	return &Transformer{
		schemaMap: m,
		tables:    tables,
		log:       log,
		now:       time.Now,
	}
}

// Transform produces one IngestedRecord from a raw row. A failure here
// isolates to the row: the caller counts it and continues the batch.
func (t *Transformer) Transform(table *schema.Table, row ingest.Record) (*ingest.IngestedRecord, error) {
	tc := t.tables[table.Name]

	idCol := tc.IDColumn
	if idCol == "" {
		idCol = "id"
	}
	rowID, ok, err := serializeValue(table.ColumnByName(idCol), row[idCol])
	if err != nil || !ok || rowID == "" {
		return nil, ingest.WrapError(ingest.CodeTransform, false,
			fmt.Errorf("table %s: missing or invalid row id column %q", table.Name, idCol))
	}

	rec := &ingest.IngestedRecord{
		DocumentID:  ingest.DocumentID(table.Name, rowID),
		SourceTable: table.Name,
		SourceRowID: rowID,
		Fields:      make(map[string]string, len(table.Columns)),
		IngestedAt:  t.now().UTC().Format(time.RFC3339),
	}

	for _, col := range table.Columns {
		val, present, err := serializeValue(col, row[col.Name])
		if err != nil {
			return nil, ingest.WrapError(ingest.CodeTransform, false,
				fmt.Errorf("table %s row %s column %s: %w", table.Name, rowID, col.Name, err))
		}
		if !present {
			continue // NULL is omitted, never an empty string
		}
		rec.Fields[col.Name] = val
	}

	if wm := table.WatermarkColumn(); wm != "" {
		rec.SourceUpdated = rec.Fields[wm]
	}
	if tc.PartitionColumn != "" {
		rec.PartitionKey = rec.Fields[tc.PartitionColumn]
	}

	rec.Relationships = t.extractRelationships(table, rec)
	rec.SearchText = t.searchText(table, tc, rec)
	return rec, nil
}

// extractRelationships emits a reference for every inferred relationship
// whose source column is non-null on this row. A null foreign key is a
// counted warning, not a failure.
func (t *Transformer) extractRelationships(table *schema.Table, rec *ingest.IngestedRecord) []ingest.RelationshipRef {
	var refs []ingest.RelationshipRef
	for _, rel := range t.schemaMap.RelationshipsFor(table.Name) {
		target, ok := rec.Fields[rel.SourceColumn]
		if !ok || target == "" {
			t.NullRefWarnings++
			t.log.Debug("null foreign key skipped",
				zap.String("table", table.Name),
				zap.String("row", rec.SourceRowID),
				zap.String("column", rel.SourceColumn))
			continue
		}
		refs = append(refs, ingest.RelationshipRef{
			SourceColumn: rel.SourceColumn,
			TargetTable:  rel.TargetTable,
			TargetID:     target,
		})
	}
	return refs
}

// searchText concatenates the configured content columns in order,
// skipping nulls. Tables with no configured content columns fall back to
// all string-typed, non-file-reference columns in declaration order.
func (t *Transformer) searchText(table *schema.Table, tc config.TableConfig, rec *ingest.IngestedRecord) string {
	cols := tc.ContentColumns
	if len(cols) == 0 {
		for _, c := range table.Columns {
			if !isStringType(c.DataType) || table.FileColumn(c.Name) != nil {
				continue
			}
			cols = append(cols, c.Name)
		}
	}

	var parts []string
	for _, name := range cols {
		if v, ok := rec.Fields[name]; ok && v != "" {
			parts = append(parts, v)
		}
	}
	return strings.Join(parts, " ")
}

func isStringType(dataType string) bool {
	dt := strings.ToLower(dataType)
	return strings.Contains(dt, "char") || dt == "text" || dt == "citext" || dt == "name"
}

// serializeValue applies the deterministic per-type serialization rules.
// The bool result reports presence: NULLs are absent, never rendered.
func serializeValue(col *schema.Column, v any) (string, bool, error) {
	if v == nil {
		return "", false, nil
	}

	declared := ""
	if col != nil {
		declared = strings.ToLower(col.DataType)
	}

	switch val := v.(type) {
	case time.Time:
		return val.UTC().Format(time.RFC3339), true, nil
	case bool:
		return strconv.FormatBool(val), true, nil
	case int64:
		return strconv.FormatInt(val, 10), true, nil
	case float64:
		if isIntegerType(declared) {
			return strconv.FormatInt(int64(val), 10), true, nil
		}
		return strconv.FormatFloat(val, 'g', -1, 64), true, nil
	case []byte:
		return serializeText(declared, string(val))
	case string:
		return serializeText(declared, val)
	default:
		return fmt.Sprint(val), true, nil
	}
}

// serializeText handles values the driver delivers as text, applying the
// declared-type rules for timestamps, booleans and structured columns.
func serializeText(declared, s string) (string, bool, error) {
	switch {
	case isTimestampType(declared):
		ts, err := parseTimestamp(s)
		if err != nil {
			return "", false, fmt.Errorf("unparseable timestamp %q", s)
		}
		return ts.UTC().Format(time.RFC3339), true, nil
	case declared == "boolean":
		b, err := strconv.ParseBool(normalizeBool(s))
		if err != nil {
			return "", false, fmt.Errorf("unparseable boolean %q", s)
		}
		return strconv.FormatBool(b), true, nil
	case isStructuredType(declared):
		canon, err := canonicalJSON(s)
		if err != nil {
			return "", false, fmt.Errorf("unparseable %s value: %w", declared, err)
		}
		return canon, true, nil
	default:
		return s, true, nil
	}
}

func isIntegerType(declared string) bool {
	switch declared {
	case "integer", "bigint", "smallint", "int", "int2", "int4", "int8", "serial", "bigserial":
		return true
	}
	return false
}

func isTimestampType(declared string) bool {
	return strings.Contains(declared, "timestamp") || declared == "date"
}

func isStructuredType(declared string) bool {
	return declared == "json" || declared == "jsonb" || strings.HasSuffix(declared, "[]") ||
		declared == "array"
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func parseTimestamp(s string) (time.Time, error) {
	for _, layout := range timestampLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, fmt.Errorf("no layout matched %q", s)
}

func normalizeBool(s string) string {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "t", "true", "yes", "on":
		return "true"
	case "f", "false", "no", "off":
		return "false"
	}
	return s
}

// canonicalJSON re-marshals a JSON document into its canonical string
// form: object keys sorted, no insignificant whitespace. Array element
// order is preserved.
func canonicalJSON(s string) (string, error) {
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return "", err
	}
	var b strings.Builder
	writeCanonical(&b, v)
	return b.String(), nil
}

func writeCanonical(b *strings.Builder, v any) {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			kb, _ := json.Marshal(k)
			b.Write(kb)
			b.WriteByte(':')
			writeCanonical(b, val[k])
		}
		b.WriteByte('}')
	case []any:
		b.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				b.WriteByte(',')
			}
			writeCanonical(b, item)
		}
		b.WriteByte(']')
	default:
		enc, _ := json.Marshal(val)
		b.Write(enc)
	}
}
