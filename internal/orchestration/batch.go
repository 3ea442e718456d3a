package orchestration

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/eos60614/colpali-vespa-visual-retrieval-sub000/internal/changes"
	"github.com/eos60614/colpali-vespa-visual-retrieval-sub000/internal/files"
	"github.com/eos60614/colpali-vespa-visual-retrieval-sub000/internal/ingest"
	"github.com/eos60614/colpali-vespa-visual-retrieval-sub000/internal/schema"
	"github.com/eos60614/colpali-vespa-visual-retrieval-sub000/internal/transform"
)

// fileOwner ties a detected file back to the record and FileRef slot it
// came from, so download outcomes land on the right document.
type fileOwner struct {
	rec    *ingest.IngestedRecord
	refIdx int
}

// tableSync owns one table's in-flight progress. Downloads attach
// asynchronously per batch, so every TableResult access goes through the
// mutex, and the table is finished only after its downloads drain.
type tableSync struct {
	mu        sync.Mutex
	tr        *TableResult
	downloads sync.WaitGroup
}

func newTableSync(table string) *tableSync {
	return &tableSync{tr: &TableResult{Table: table}}
}

func (t *tableSync) update(fn func(*TableResult)) {
	t.mu.Lock()
	fn(t.tr)
	t.mu.Unlock()
}

func (t *tableSync) snapshot() *TableResult {
	t.mu.Lock()
	cp := *t.tr
	t.mu.Unlock()
	return &cp
}

// processBatch consumes one bounded batch from it: transform, upsert,
// detect files and hand them to the background download pool, then
// report the advanced cursor. Row-level failures are counted and
// recorded; only iterator (source) failures propagate.
func (e *Engine) processBatch(ctx context.Context, job *SyncJob, transformer *transform.Transformer,
	table *schema.Table, ts *tableSync, idCol, wmCol string, cursor changes.Cursor,
	it ingest.Iterator[ingest.Record], opts RunOptions) (int, changes.Cursor, error) {

	defer it.Close()

	next := cursor
	count := 0
	var (
		knownIDs []string
		detected []ingest.DetectedFile
		owners   []fileOwner
	)

	for it.Next() {
		row := it.Value()
		count++

		// The cursor advances off the raw row, not the transform result:
		// the watermark never regresses even when a row fails, since
		// failed rows are retried through run bookkeeping, not rewinds.
		if rawID := rawString(row[idCol]); rawID != "" {
			next.RowID = rawID
		}
		if wmCol != "" {
			if wm := rawString(row[wmCol]); wm > next.Watermark {
				next.Watermark = wm
			}
		}

		rec, err := transformer.Transform(table, row)
		if err != nil {
			ts.update(func(tr *TableResult) { tr.RowsFailed++ })
			job.addError(JobError{
				Table:   table.Name,
				RowID:   rawString(row[idCol]),
				Code:    ingest.CodeOf(err),
				Message: err.Error(),
			})
			e.log.Warn("row transform failed",
				zap.String("table", table.Name),
				zap.String("row", rawString(row[idCol])),
				zap.Error(err))
			continue
		}

		det := files.Detect(table, rec)
		for _, f := range det {
			rec.Files = append(rec.Files, ingest.FileRef{
				Key:      f.Key,
				Column:   f.Column,
				Filename: f.Filename,
				Status:   ingest.DownloadPending,
			})
		}

		if !opts.DryRun {
			if err := e.upsert(ctx, rec); err != nil {
				ts.update(func(tr *TableResult) { tr.RowsFailed++ })
				job.addError(JobError{
					Table:   table.Name,
					RowID:   rec.SourceRowID,
					Code:    ingest.CodeOf(err),
					Message: err.Error(),
				})
				continue
			}
		}

		ts.update(func(tr *TableResult) { tr.RowsProcessed++ })
		knownIDs = append(knownIDs, rec.SourceRowID)

		for i := range det {
			owners = append(owners, fileOwner{rec: rec, refIdx: len(rec.Files) - len(det) + i})
			detected = append(detected, det[i])
		}
	}
	if err := it.Err(); err != nil {
		return count, next, ingest.WrapError(ingest.CodeConnection, true,
			fmt.Errorf("stream %s: %w", table.Name, err))
	}

	// Downloads run behind the batch loop: the next batch's metadata is
	// read and indexed while these bytes are still in flight. syncTable
	// drains the group before the table is reported done.
	if !opts.DryRun && len(detected) > 0 {
		ts.downloads.Add(1)
		go func(detected []ingest.DetectedFile, owners []fileOwner) {
			defer ts.downloads.Done()
			e.downloadAndAttach(ctx, job, table.Name, ts, detected, owners)
		}(detected, owners)
	}

	if !opts.DryRun {
		if err := e.store.RecordKnownIDs(ctx, table.Name, knownIDs); err != nil {
			e.log.Warn("record known ids failed", zap.String("table", table.Name), zap.Error(err))
		}
	}
	return count, next, nil
}

// downloadAndAttach runs the download pool for one batch and attaches
// the outcomes to the already-upserted documents via follow-up field
// updates. A failed or skipped download never blocks the owning record.
func (e *Engine) downloadAndAttach(ctx context.Context, job *SyncJob, table string,
	ts *tableSync, detected []ingest.DetectedFile, owners []fileOwner) {

	results := e.downloader.DownloadAll(ctx, detected)
	for i, res := range results {
		o := owners[i]
		ref := &o.rec.Files[o.refIdx]
		ref.Status = res.Status
		ref.Reason = res.Reason

		switch res.Status {
		case ingest.DownloadSuccess:
			ts.update(func(tr *TableResult) { tr.FilesDownloaded++ })
		case ingest.DownloadSkipped:
			ts.update(func(tr *TableResult) { tr.FilesSkipped++ })
		case ingest.DownloadFailed:
			ts.update(func(tr *TableResult) { tr.FilesFailed++ })
			job.addError(JobError{
				Table:   table,
				RowID:   o.rec.SourceRowID,
				Code:    ingest.CodeDownload,
				Message: fmt.Sprintf("%s: %s", res.Key, res.Reason),
			})
		}
	}

	seen := make(map[string]bool)
	for _, o := range owners {
		if seen[o.rec.DocumentID] {
			continue
		}
		seen[o.rec.DocumentID] = true
		if err := e.indexer.UpdateFields(ctx, o.rec.DocumentID, map[string]any{"files": o.rec.Files}); err != nil {
			job.addError(JobError{
				Table:   table,
				RowID:   o.rec.SourceRowID,
				Code:    ingest.CodeIndexWrite,
				Message: err.Error(),
			})
		}
	}
}

// upsert writes one document, retrying a retryable rejection once per
// batch before recording the row as failed.
func (e *Engine) upsert(ctx context.Context, rec *ingest.IngestedRecord) error {
	fields := indexFields(rec)
	err := e.indexer.Upsert(ctx, rec.DocumentID, fields)
	if err != nil && ingest.IsRetryable(err) {
		err = e.indexer.Upsert(ctx, rec.DocumentID, fields)
	}
	return err
}

func indexFields(rec *ingest.IngestedRecord) map[string]any {
	f := map[string]any{
		"source_table":  rec.SourceTable,
		"source_row_id": rec.SourceRowID,
		"ingested_at":   rec.IngestedAt,
		"fields":        rec.Fields,
	}
	if rec.PartitionKey != "" {
		f["partition_key"] = rec.PartitionKey
	}
	if rec.SearchText != "" {
		f["search_text"] = rec.SearchText
	}
	if rec.SourceUpdated != "" {
		f["source_updated"] = rec.SourceUpdated
	}
	if len(rec.Relationships) > 0 {
		f["relationships"] = rec.Relationships
	}
	if len(rec.Files) > 0 {
		f["files"] = rec.Files
	}
	return f
}

// rawString renders a raw driver value for cursor bookkeeping.
func rawString(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case []byte:
		return string(val)
	case time.Time:
		return val.UTC().Format(time.RFC3339)
	default:
		return fmt.Sprint(val)
	}
}
