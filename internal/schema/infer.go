package schema

import (
	"encoding/json"
	"regexp"
	"strings"
)

// Pure inference rules. Everything here operates on already-fetched
// metadata and sampled values; no database access.

var (
	pathShape = regexp.MustCompile(`^[A-Za-z0-9_\-./ ]+/[A-Za-z0-9_\-./ ]+\.[A-Za-z0-9]{1,8}$`)
	urlShape  = regexp.MustCompile(`^https?://[^\s]+$`)
)

// watermarkCandidates classifies timestamp-like columns, ordered by
// preference: an "updated" semantic wins over a "created" semantic when
// both exist.
func watermarkCandidates(cols []*Column) []string {
	var updated, created, other []string
	for _, c := range cols {
		if !isTimestampType(c.DataType) {
			continue
		}
		name := strings.ToLower(c.Name)
		switch {
		case strings.Contains(name, "updated") || strings.Contains(name, "modified"):
			updated = append(updated, c.Name)
		case strings.Contains(name, "created") || strings.Contains(name, "inserted"):
			created = append(created, c.Name)
		default:
			other = append(other, c.Name)
		}
	}
	out := make([]string, 0, len(updated)+len(created)+len(other))
	out = append(out, updated...)
	out = append(out, created...)
	out = append(out, other...)
	return out
}

func isTimestampType(dataType string) bool {
	dt := strings.ToLower(dataType)
	return strings.Contains(dt, "timestamp") || dt == "date" || strings.Contains(dt, "datetime")
}

// fileColumnNameKind returns the reference kind suggested by the column
// name alone, or "" when the name matches no known pattern. This is the
// first half of the two-part heuristic; a value sample must confirm it.
func fileColumnNameKind(name string) string {
	n := strings.ToLower(name)
	switch {
	case strings.HasSuffix(n, "_url") || strings.HasSuffix(n, "_uri") || strings.HasSuffix(n, "_link"):
		return RefSignedURL
	case strings.HasSuffix(n, "_key") || strings.HasSuffix(n, "_path") || strings.HasSuffix(n, "_file"):
		return RefDirectKey
	case n == "attachments" || n == "files" || n == "assets" || n == "images" || n == "documents":
		return RefKeyValueMap
	}
	return ""
}

// confirmFileKind checks a sample of non-null values against the shape
// expected for kind. At least one sampled value must match; an empty
// sample rejects the candidate.
func confirmFileKind(kind string, samples []string) bool {
	for _, s := range samples {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		switch kind {
		case RefSignedURL:
			if urlShape.MatchString(s) {
				return true
			}
		case RefDirectKey:
			if pathShape.MatchString(s) {
				return true
			}
		case RefKeyValueMap:
			if jsonObjectOfPaths(s) {
				return true
			}
		}
	}
	return false
}

// jsonObjectOfPaths reports whether s is a JSON object whose values are
// path-like strings.
func jsonObjectOfPaths(s string) bool {
	var obj map[string]any
	if err := json.Unmarshal([]byte(s), &obj); err != nil {
		return false
	}
	if len(obj) == 0 {
		return false
	}
	for _, v := range obj {
		str, ok := v.(string)
		if !ok || !pathShape.MatchString(strings.TrimSpace(str)) {
			return false
		}
	}
	return true
}

func patternFor(kind string) string {
	switch kind {
	case RefSignedURL:
		return urlShape.String()
	default:
		return pathShape.String()
	}
}

// idSuffix is the naming convention for implicit foreign keys.
const idSuffix = "_id"

// inferRelationships derives advisory links: a column named "<prefix>_id"
// points at the table obtained by pluralizing (or keeping) the prefix,
// provided a table of that name exists in the same map. Unmatched
// candidates are discarded, not guessed further. Tables flagged with an
// introspection error are excluded entirely.
func inferRelationships(m *SchemaMap) []*ImplicitRelationship {
	names := make(map[string]bool, len(m.Tables))
	for _, t := range m.Tables {
		if t.Error == "" {
			names[t.Name] = true
		}
	}

	var rels []*ImplicitRelationship
	for _, t := range m.Tables {
		if t.Error != "" {
			continue
		}
		for _, c := range t.Columns {
			name := strings.ToLower(c.Name)
			if !strings.HasSuffix(name, idSuffix) || name == "id" {
				continue
			}
			prefix := strings.TrimSuffix(name, idSuffix)
			target := matchTargetTable(prefix, names)
			if target == "" || target == t.Name {
				continue
			}
			rels = append(rels, &ImplicitRelationship{
				SourceTable:  t.Name,
				SourceColumn: c.Name,
				TargetTable:  target,
				TargetColumn: "id",
				Cardinality:  "many-to-one",
			})
		}
	}
	return rels
}

// matchTargetTable tries plural and singular derivations of prefix
// against the known table names.
func matchTargetTable(prefix string, names map[string]bool) string {
	for _, cand := range pluralForms(prefix) {
		if names[cand] {
			return cand
		}
	}
	return ""
}

func pluralForms(prefix string) []string {
	forms := []string{prefix + "s", prefix}
	if strings.HasSuffix(prefix, "y") {
		forms = append(forms, strings.TrimSuffix(prefix, "y")+"ies")
	}
	if strings.HasSuffix(prefix, "s") || strings.HasSuffix(prefix, "x") ||
		strings.HasSuffix(prefix, "ch") || strings.HasSuffix(prefix, "sh") {
		forms = append(forms, prefix+"es")
	}
	return forms
}
