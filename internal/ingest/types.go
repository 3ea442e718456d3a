// Package ingest defines the shared types that flow through the
// ingestion pipeline: raw records, iterators, ingested documents and
// file references. All pipeline packages depend on this one; it depends
// on nothing but the standard library.
package ingest

import (
	"crypto/sha1"
	"encoding/hex"
)

// Record represents a single raw source row as column name -> value.
type Record = map[string]any

// Iterator provides streaming access to a finite, non-restartable
// sequence of values.
type Iterator[T any] interface {
	// Next advances to the next value. Returns false when done or on error.
	Next() bool

	// Value returns the current value. Only valid after Next() returns true.
	Value() T

	// Err returns any error encountered during iteration.
	Err() error

	// Close releases resources. Must be called when done.
	Close() error
}

// RelationshipRef is one inferred link from a row to a row in another table.
type RelationshipRef struct {
	SourceColumn string `json:"sourceColumn"`
	TargetTable  string `json:"targetTable"`
	TargetID     string `json:"targetId"`
}

// FileRef records one file reference found on a row, together with the
// outcome of its download.
type FileRef struct {
	Key      string `json:"key"`
	Column   string `json:"column"`
	Filename string `json:"filename,omitempty"`
	Status   string `json:"status"`
	Reason   string `json:"reason,omitempty"`
}

// IngestedRecord is the normalized, index-ready form of one source row.
type IngestedRecord struct {
	DocumentID    string            `json:"documentId"`
	SourceTable   string            `json:"sourceTable"`
	SourceRowID   string            `json:"sourceRowId"`
	PartitionKey  string            `json:"partitionKey,omitempty"`
	Fields        map[string]string `json:"fields"`
	Relationships []RelationshipRef `json:"relationships,omitempty"`
	Files         []FileRef         `json:"files,omitempty"`
	SearchText    string            `json:"searchText,omitempty"`
	SourceUpdated string            `json:"sourceUpdated,omitempty"`
	IngestedAt    string            `json:"ingestedAt"`
}

// DetectedFile is one file reference extracted from a row, before download.
type DetectedFile struct {
	Key           string // storage key, path or URL
	Table         string
	RowID         string
	Column        string
	ProvenanceKey string // object key for map-type columns, "" otherwise
	Filename      string
	SizeBytes     int64 // declared size, 0 when unknown
}

// Download statuses.
const (
	DownloadPending = "pending"
	DownloadSuccess = "success"
	DownloadSkipped = "skipped"
	DownloadFailed  = "failed"
)

// DownloadResult is the outcome of fetching one DetectedFile.
type DownloadResult struct {
	Key      string
	Status   string
	Location string // local path or byte location on success
	Reason   string // failure or skip reason
}

// DocumentID derives the deterministic index document id for a row.
// Re-ingesting the same row always yields the same id, which is what
// makes downstream upserts idempotent.
func DocumentID(table, rowID string) string {
	sum := sha1.Sum([]byte(table + "\x00" + rowID))
	return hex.EncodeToString(sum[:])
}
