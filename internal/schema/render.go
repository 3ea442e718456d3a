package schema

import (
	"encoding/json"
	"fmt"
	"strings"
)

// JSON returns the structured form of the map for machine consumers.
func (m *SchemaMap) JSON() ([]byte, error) {
	return json.MarshalIndent(m, "", "  ")
}

// Render returns a human-readable report of the discovered schema.
func (m *SchemaMap) Render() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Schema %q discovered at %s: %d tables, %d inferred relationships\n",
		m.Source, m.DiscoveredAt, len(m.Tables), len(m.Relationships))

	for _, t := range m.Tables {
		if t.Error != "" {
			fmt.Fprintf(&b, "\n%s  [introspection failed: %s]\n", t.Name, t.Error)
			continue
		}
		fmt.Fprintf(&b, "\n%s  (~%d rows)\n", t.Name, t.RowEstimate)
		for _, c := range t.Columns {
			null := "NOT NULL"
			if c.Nullable {
				null = "NULL"
			}
			fmt.Fprintf(&b, "  %-30s %-20s %s\n", c.Name, c.DataType, null)
		}
		if wm := t.WatermarkColumn(); wm != "" {
			fmt.Fprintf(&b, "  watermark: %s\n", wm)
		}
		for _, f := range t.FileColumns {
			fmt.Fprintf(&b, "  file reference: %s (%s)\n", f.Column, f.Kind)
		}
		for _, r := range m.RelationshipsFor(t.Name) {
			fmt.Fprintf(&b, "  -> %s.%s via %s (%s)\n", r.TargetTable, r.TargetColumn, r.SourceColumn, r.Cardinality)
		}
	}
	return b.String()
}
