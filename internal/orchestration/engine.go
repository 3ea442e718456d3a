package orchestration

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/eos60614/colpali-vespa-visual-retrieval-sub000/internal/changes"
	"github.com/eos60614/colpali-vespa-visual-retrieval-sub000/internal/checkpoint"
	"github.com/eos60614/colpali-vespa-visual-retrieval-sub000/internal/config"
	"github.com/eos60614/colpali-vespa-visual-retrieval-sub000/internal/files"
	"github.com/eos60614/colpali-vespa-visual-retrieval-sub000/internal/index"
	"github.com/eos60614/colpali-vespa-visual-retrieval-sub000/internal/ingest"
	"github.com/eos60614/colpali-vespa-visual-retrieval-sub000/internal/schema"
	"github.com/eos60614/colpali-vespa-visual-retrieval-sub000/internal/transform"
)

// BatchSource produces bounded, ordered row batches for one table.
// *changes.Detector is the production implementation; tests substitute
// an in-memory one.
type BatchSource interface {
	FullBatch(ctx context.Context, table *schema.Table, idCol string, cursor changes.Cursor, batch int) (ingest.Iterator[ingest.Record], error)
	IncrementalBatch(ctx context.Context, table *schema.Table, wmCol, idCol string, cursor changes.Cursor, batch int) (ingest.Iterator[ingest.Record], error)
	MissingIDs(ctx context.Context, table *schema.Table, idCol string, knownIDs []string) ([]string, error)
}

var _ BatchSource = (*changes.Detector)(nil)

// Discoverer produces SchemaMaps. *schema.Engine in production.
type Discoverer interface {
	Discover(ctx context.Context) (*schema.SchemaMap, error)
}

// Engine is the sync orchestrator. It is the explicit context object the
// whole pipeline shares: pool-backed batch source, checkpoint store,
// index client, downloader and the cached SchemaMap. No component
// reaches for ambient global state.
type Engine struct {
	cfg        *config.Config
	source     BatchSource
	discoverer Discoverer
	store      *checkpoint.Store
	indexer    index.Client
	downloader *files.Downloader
	log        *zap.Logger

	mu        sync.Mutex
	schemaMap *schema.SchemaMap
	jobs      map[string]*SyncJob
}

// NewEngine wires the orchestrator.
func NewEngine(cfg *config.Config, src BatchSource, disc Discoverer, store *checkpoint.Store,
	indexer index.Client, downloader *files.Downloader, log *zap.Logger) *Engine {
	return &Engine{
		cfg:        cfg,
		source:     src,
		discoverer: disc,
		store:      store,
		indexer:    indexer,
		downloader: downloader,
		log:        log,
		jobs:       make(map[string]*SyncJob),
	}
}

// RunOptions filter and shape a run.
type RunOptions struct {
	// Include limits the run to the named tables; empty means all.
	Include []string

	// Exclude removes tables from the run.
	Exclude []string

	// DryRun transforms and counts but writes nothing: no index upserts,
	// no downloads, no checkpoint updates.
	DryRun bool

	// ReconcileDeletes opts in to best-effort delete detection on
	// incremental runs.
	ReconcileDeletes bool
}

// SchemaMap returns the cached schema snapshot, running discovery once.
func (e *Engine) SchemaMap(ctx context.Context) (*schema.SchemaMap, error) {
	e.mu.Lock()
	cached := e.schemaMap
	e.mu.Unlock()
	if cached != nil {
		return cached, nil
	}
	return e.RunDiscovery(ctx)
}

// RunDiscovery re-runs schema discovery and replaces the cached snapshot.
func (e *Engine) RunDiscovery(ctx context.Context) (*schema.SchemaMap, error) {
	m, err := e.discoverer.Discover(ctx)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	e.schemaMap = m
	e.mu.Unlock()
	return m, nil
}

// RunFull streams every included table in batches from the beginning.
func (e *Engine) RunFull(ctx context.Context, opts RunOptions) (*SyncResult, error) {
	return e.run(ctx, ModeFull, opts)
}

// RunIncremental streams only rows past each table's checkpoint
// watermark, and optionally reconciles deletes.
func (e *Engine) RunIncremental(ctx context.Context, opts RunOptions) (*SyncResult, error) {
	return e.run(ctx, ModeIncremental, opts)
}

// Status returns the persisted per-table sync status.
func (e *Engine) Status(ctx context.Context) ([]*checkpoint.Checkpoint, error) {
	return e.store.All(ctx)
}

// Job returns a snapshot of a known job, or nil.
func (e *Engine) Job(id string) *SyncResult {
	e.mu.Lock()
	job := e.jobs[id]
	e.mu.Unlock()
	if job == nil {
		return nil
	}
	return job.result()
}

var errCancelled = errors.New("run cancelled")

func (e *Engine) run(ctx context.Context, mode string, opts RunOptions) (*SyncResult, error) {
	job := newJob(mode)
	e.mu.Lock()
	e.jobs[job.ID] = job
	e.mu.Unlock()

	m, err := e.SchemaMap(ctx)
	if err != nil {
		job.transition(StateRunning)
		job.addError(JobError{Code: ingest.CodeOf(err), Message: err.Error()})
		job.transition(StateFailed)
		return job.result(), err
	}

	tables := filterTables(m.Tables, opts.Include, opts.Exclude)
	job.transition(StateRunning)
	e.log.Info("sync run started",
		zap.String("job", job.ID),
		zap.String("mode", mode),
		zap.Int("tables", len(tables)),
		zap.Bool("dryRun", opts.DryRun))

	workers := e.cfg.TableWorkers
	if workers <= 0 {
		workers = 1
	}
	batch := e.cfg.BatchSize
	if batch <= 0 {
		batch = 500
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for _, table := range tables {
		table := table
		g.Go(func() error {
			return e.syncTable(gctx, job, m, table, mode, batch, opts)
		})
	}
	err = g.Wait()

	switch {
	case err == nil:
		job.transition(StateCompleted)
	case errors.Is(err, errCancelled) || errors.Is(err, context.Canceled):
		job.transition(StateCancelled)
	default:
		// Only run-fatal errors reach here; everything else was recorded
		// on the job and swallowed by the table worker.
		job.addError(JobError{Code: ingest.CodeOf(err), Message: err.Error()})
		job.transition(StateFailed)
	}

	res := job.result()
	e.log.Info("sync run finished",
		zap.String("job", job.ID),
		zap.String("state", res.State),
		zap.Int64("rowsProcessed", res.RowsProcessed),
		zap.Int64("rowsFailed", res.RowsFailed),
		zap.Int("errors", len(res.Errors)))
	return res, err
}

// syncTable drives one table: batch read, transform, upsert, checkpoint,
// with downloads attaching asynchronously so a slow object store never
// stalls the next batch read. Table-level failures are recorded on the
// job and abort only this table; run-fatal errors propagate.
func (e *Engine) syncTable(ctx context.Context, job *SyncJob, m *schema.SchemaMap,
	table *schema.Table, mode string, batch int, opts RunOptions) error {

	ts := newTableSync(table.Name)
	defer func() {
		ts.downloads.Wait()
		job.setTable(ts.snapshot())
	}()

	if table.Error != "" {
		ts.update(func(tr *TableResult) { tr.Error = table.Error })
		job.addError(JobError{Table: table.Name, Code: ingest.CodeSchema, Message: table.Error})
		return nil
	}

	tc := e.cfg.Tables.Tables[table.Name]
	idCol := tc.IDColumn
	if idCol == "" {
		idCol = "id"
	}

	wmCol := table.WatermarkColumn()
	incremental := mode == ModeIncremental
	if incremental && wmCol == "" {
		// Degrades to a full re-scan; surfaced, never silent.
		ts.update(func(tr *TableResult) {
			tr.Warning = "no watermark-capable column; falling back to full re-scan"
		})
		e.log.Warn("incremental sync degraded to full scan", zap.String("table", table.Name))
		incremental = false
	}

	cursor, cp := e.resumeCursor(ctx, table.Name, incremental)
	ts.update(func(tr *TableResult) {
		tr.Watermark = cursor.Watermark
		if cp != nil {
			tr.RowsProcessed = cp.RowsProcessed
			tr.RowsFailed = cp.RowsFailed
		}
	})

	transformer := transform.New(m, e.cfg.Tables.Tables, e.log)

	tableFailed := func(err error) {
		ts.update(func(tr *TableResult) { tr.Error = err.Error() })
		job.addError(JobError{Table: table.Name, Code: ingest.CodeOf(err), Message: err.Error()})
		if !opts.DryRun {
			e.writeCheckpoint(ctx, ts.snapshot(), cursor, checkpoint.StatusFailed, err.Error())
		}
	}

	if !opts.DryRun {
		e.writeCheckpoint(ctx, ts.snapshot(), cursor, checkpoint.StatusRunning, "")
	}

	for {
		if ctx.Err() != nil {
			return errCancelled
		}

		var (
			it  ingest.Iterator[ingest.Record]
			err error
		)
		if incremental {
			it, err = e.source.IncrementalBatch(ctx, table, wmCol, idCol, cursor, batch)
		} else {
			it, err = e.source.FullBatch(ctx, table, idCol, cursor, batch)
		}
		if err != nil {
			if ingest.IsRunFatal(err) {
				if !opts.DryRun {
					e.writeCheckpoint(ctx, ts.snapshot(), cursor, checkpoint.StatusFailed, err.Error())
				}
				return err
			}
			tableFailed(err)
			return nil
		}

		n, next, err := e.processBatch(ctx, job, transformer, table, ts, idCol, wmCol, cursor, it, opts)
		if err != nil {
			if ingest.IsRunFatal(err) {
				if !opts.DryRun {
					e.writeCheckpoint(ctx, ts.snapshot(), cursor, checkpoint.StatusFailed, err.Error())
				}
				return err
			}
			tableFailed(err)
			return nil
		}
		cursor = next
		ts.update(func(tr *TableResult) {
			tr.Watermark = cursor.Watermark
			tr.NullRefWarnings = transformer.NullRefWarnings
		})

		// Checkpoint after every completed batch, not only at table end,
		// so interruption loses at most one in-flight batch.
		if !opts.DryRun && n > 0 {
			e.writeCheckpoint(ctx, ts.snapshot(), cursor, checkpoint.StatusRunning, "")
		}
		job.setTable(ts.snapshot())

		if n < batch {
			break
		}
	}

	if incremental && opts.ReconcileDeletes && !opts.DryRun {
		e.reconcileDeletes(ctx, job, table, idCol, ts)
	}

	if !opts.DryRun {
		e.writeCheckpoint(ctx, ts.snapshot(), cursor, checkpoint.StatusCompleted, "")
	}
	return nil
}

// resumeCursor derives the starting cursor for a table. A checkpoint
// left in "running" means the previous run died mid-table: resume from
// its last processed row. Otherwise incremental runs start strictly
// after the stored watermark and full runs start from the beginning.
func (e *Engine) resumeCursor(ctx context.Context, table string, incremental bool) (changes.Cursor, *checkpoint.Checkpoint) {
	cp, err := e.store.Get(ctx, table)
	if err != nil {
		e.log.Warn("checkpoint read failed", zap.String("table", table), zap.Error(err))
		return changes.Cursor{}, nil
	}
	if cp == nil {
		return changes.Cursor{}, nil
	}

	if cp.Status == checkpoint.StatusRunning {
		return changes.Cursor{Watermark: cp.Watermark, RowID: cp.LastRowID}, cp
	}
	if incremental {
		return changes.Cursor{Watermark: cp.Watermark}, nil
	}
	return changes.Cursor{}, nil
}

func (e *Engine) writeCheckpoint(ctx context.Context, tr *TableResult, cursor changes.Cursor, status, lastErr string) {
	cp := &checkpoint.Checkpoint{
		Table:         tr.Table,
		Watermark:     cursor.Watermark,
		LastRowID:     cursor.RowID,
		RowsProcessed: tr.RowsProcessed,
		RowsFailed:    tr.RowsFailed,
		Status:        status,
		LastError:     lastErr,
	}
	if status == checkpoint.StatusCompleted {
		cp.LastRowID = ""
	}
	if err := e.store.Set(ctx, cp); err != nil {
		e.log.Error("checkpoint write failed", zap.String("table", tr.Table), zap.Error(err))
	}
}

// reconcileDeletes checks one bounded window of previously-known row ids
// for absence. The window position persists across runs and wraps at the
// end of the id space, so consecutive runs eventually cover every known
// row rather than re-checking the first sample forever.
func (e *Engine) reconcileDeletes(ctx context.Context, job *SyncJob, table *schema.Table, idCol string, ts *tableSync) {
	after, err := e.store.ReconcileCursor(ctx, table.Name)
	if err != nil {
		after = ""
	}
	sample, err := e.store.SampleKnownIDs(ctx, table.Name, after, e.cfg.DeleteSampleSize)
	if err != nil {
		return
	}
	if len(sample) == 0 && after != "" {
		after = ""
		if sample, err = e.store.SampleKnownIDs(ctx, table.Name, "", e.cfg.DeleteSampleSize); err != nil {
			return
		}
	}
	if len(sample) == 0 {
		return
	}

	missing, err := e.source.MissingIDs(ctx, table, idCol, sample)
	if err != nil {
		job.addError(JobError{Table: table.Name, Code: ingest.CodeOf(err),
			Message: fmt.Sprintf("delete reconciliation: %v", err)})
		return
	}
	var forgotten []string
	for _, id := range missing {
		if err := e.indexer.Delete(ctx, ingest.DocumentID(table.Name, id)); err != nil {
			job.addError(JobError{Table: table.Name, RowID: id,
				Code: ingest.CodeIndexWrite, Message: err.Error()})
			continue
		}
		forgotten = append(forgotten, id)
		ts.update(func(tr *TableResult) { tr.DeletesIssued++ })
	}
	if err := e.store.ForgetKnownIDs(ctx, table.Name, forgotten); err != nil {
		e.log.Warn("forget known ids failed", zap.String("table", table.Name), zap.Error(err))
	}

	next := ""
	if len(sample) == e.cfg.DeleteSampleSize {
		next = sample[len(sample)-1]
	}
	if err := e.store.SetReconcileCursor(ctx, table.Name, next); err != nil {
		e.log.Warn("reconcile cursor write failed", zap.String("table", table.Name), zap.Error(err))
	}
}

func filterTables(tables []*schema.Table, include, exclude []string) []*schema.Table {
	inc := toSet(include)
	exc := toSet(exclude)
	var out []*schema.Table
	for _, t := range tables {
		if len(inc) > 0 && !inc[t.Name] {
			continue
		}
		if exc[t.Name] {
			continue
		}
		out = append(out, t)
	}
	return out
}

func toSet(names []string) map[string]bool {
	if len(names) == 0 {
		return nil
	}
	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[n] = true
	}
	return set
}
