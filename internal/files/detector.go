// Package files finds embedded asset references inside ingested rows and
// downloads the bytes they point to. Detection is pure; downloads run on
// a bounded worker pool so a slow object store cannot stall metadata
// ingestion.
package files

import (
	"encoding/json"
	"net/url"
	"path"
	"sort"
	"strings"

	"github.com/eos60614/colpali-vespa-visual-retrieval-sub000/internal/ingest"
	"github.com/eos60614/colpali-vespa-visual-retrieval-sub000/internal/schema"
)

// Detect extracts every file reference from one ingested record,
// dispatching on the declared reference kind of each file column.
func Detect(table *schema.Table, rec *ingest.IngestedRecord) []ingest.DetectedFile {
	var out []ingest.DetectedFile
	for _, fc := range table.FileColumns {
		raw, ok := rec.Fields[fc.Column]
		if !ok || raw == "" {
			continue
		}
		switch fc.Kind {
		case schema.RefDirectKey:
			out = append(out, newDetected(table.Name, rec.SourceRowID, fc.Column, raw, ""))
		case schema.RefSignedURL:
			if u, err := url.Parse(raw); err == nil && (u.Scheme == "http" || u.Scheme == "https") {
				out = append(out, newDetected(table.Name, rec.SourceRowID, fc.Column, raw, ""))
			}
		case schema.RefKeyValueMap:
			out = append(out, detectMap(table.Name, rec.SourceRowID, fc.Column, raw)...)
		}
	}
	return out
}

// detectMap enumerates every value of a JSON object column. The object
// key is retained for provenance. Keys are walked in sorted order so
// detection output is deterministic.
func detectMap(table, rowID, column, raw string) []ingest.DetectedFile {
	var obj map[string]string
	if err := json.Unmarshal([]byte(raw), &obj); err != nil {
		return nil
	}
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]ingest.DetectedFile, 0, len(keys))
	for _, k := range keys {
		if obj[k] == "" {
			continue
		}
		out = append(out, newDetected(table, rowID, column, obj[k], k))
	}
	return out
}

func newDetected(table, rowID, column, key, provenance string) ingest.DetectedFile {
	return ingest.DetectedFile{
		Key:           key,
		Table:         table,
		RowID:         rowID,
		Column:        column,
		ProvenanceKey: provenance,
		Filename:      filenameOf(key),
	}
}

// filenameOf derives the declared filename from the trailing path segment.
func filenameOf(key string) string {
	if u, err := url.Parse(key); err == nil && u.Scheme != "" {
		key = u.Path
	}
	return path.Base(strings.TrimRight(key, "/"))
}

// extensionOf returns the lowercase extension without the dot, or "".
func extensionOf(key string) string {
	ext := path.Ext(filenameOf(key))
	return strings.ToLower(strings.TrimPrefix(ext, "."))
}
