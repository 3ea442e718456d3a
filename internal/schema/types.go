// Package schema implements discovery over the source database catalog:
// table and column enumeration, row-count estimates, watermark candidate
// classification, file-reference column detection and implicit
// relationship inference. The source declares no foreign keys, so
// relationships are inferred from naming conventions and surfaced as
// advisory metadata only.
package schema

// Reference column kinds drive the detector's parsing strategy.
const (
	RefDirectKey   = "direct-key"
	RefSignedURL   = "signed-url"
	RefKeyValueMap = "key-value-map"
)

// SchemaMap is an immutable snapshot of the discovered source structure.
// It is regenerated by re-running discovery, never partially mutated.
type SchemaMap struct {
	Source        string                  `json:"source"`
	DiscoveredAt  string                  `json:"discoveredAt"`
	Tables        []*Table                `json:"tables"`
	Relationships []*ImplicitRelationship `json:"relationships,omitempty"`
}

// Table describes one source table. Read-only after discovery.
type Table struct {
	Name             string                 `json:"name"`
	RowEstimate      int64                  `json:"rowEstimate"`
	Columns          []*Column              `json:"columns"`
	WatermarkColumns []string               `json:"watermarkColumns,omitempty"`
	FileColumns      []*FileReferenceColumn `json:"fileColumns,omitempty"`

	// Error is set when column enumeration failed for this table.
	// The table is then excluded from relationship inference but kept
	// in the SchemaMap so discovery as a whole still completes.
	Error string `json:"error,omitempty"`
}

// Column describes one declared column.
type Column struct {
	Name      string `json:"name"`
	DataType  string `json:"dataType"`
	Nullable  bool   `json:"nullable"`
	Default   string `json:"default,omitempty"`
	MaxLength int    `json:"maxLength,omitempty"`
}

// FileReferenceColumn marks a column carrying embedded asset references.
type FileReferenceColumn struct {
	Column  string `json:"column"`
	Kind    string `json:"kind"` // RefDirectKey | RefSignedURL | RefKeyValueMap
	Pattern string `json:"pattern"`
}

// ImplicitRelationship is an inferred foreign-key-like link. Advisory
// only: never enforced, surfaced as navigation metadata.
type ImplicitRelationship struct {
	SourceTable  string `json:"sourceTable"`
	SourceColumn string `json:"sourceColumn"`
	TargetTable  string `json:"targetTable"`
	TargetColumn string `json:"targetColumn"`
	Cardinality  string `json:"cardinality"`
}

// TableByName returns the named table, or nil.
func (m *SchemaMap) TableByName(name string) *Table {
	for _, t := range m.Tables {
		if t.Name == name {
			return t
		}
	}
	return nil
}

// RelationshipsFor returns the inferred relationships originating in table.
func (m *SchemaMap) RelationshipsFor(table string) []*ImplicitRelationship {
	var out []*ImplicitRelationship
	for _, r := range m.Relationships {
		if r.SourceTable == table {
			out = append(out, r)
		}
	}
	return out
}

// ColumnByName returns the named column of t, or nil.
func (t *Table) ColumnByName(name string) *Column {
	for _, c := range t.Columns {
		if c.Name == name {
			return c
		}
	}
	return nil
}

// FileColumn returns the file-reference descriptor for col, or nil.
func (t *Table) FileColumn(col string) *FileReferenceColumn {
	for _, f := range t.FileColumns {
		if f.Column == col {
			return f
		}
	}
	return nil
}

// WatermarkColumn returns the preferred watermark column, or "".
func (t *Table) WatermarkColumn() string {
	if len(t.WatermarkColumns) == 0 {
		return ""
	}
	return t.WatermarkColumns[0]
}
