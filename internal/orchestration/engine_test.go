package orchestration

import (
	"context"
	"errors"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/eos60614/colpali-vespa-visual-retrieval-sub000/internal/changes"
	"github.com/eos60614/colpali-vespa-visual-retrieval-sub000/internal/checkpoint"
	"github.com/eos60614/colpali-vespa-visual-retrieval-sub000/internal/config"
	"github.com/eos60614/colpali-vespa-visual-retrieval-sub000/internal/files"
	"github.com/eos60614/colpali-vespa-visual-retrieval-sub000/internal/index"
	"github.com/eos60614/colpali-vespa-visual-retrieval-sub000/internal/ingest"
	"github.com/eos60614/colpali-vespa-visual-retrieval-sub000/internal/objectstore"
	"github.com/eos60614/colpali-vespa-visual-retrieval-sub000/internal/retry"
	"github.com/eos60614/colpali-vespa-visual-retrieval-sub000/internal/schema"
)

// sliceIter adapts a slice of rows to the pull iterator shape.
type sliceIter struct {
	rows []ingest.Record
	i    int
}

func (s *sliceIter) Next() bool {
	if s.i >= len(s.rows) {
		return false
	}
	s.i++
	return true
}

func (s *sliceIter) Value() ingest.Record { return s.rows[s.i-1] }
func (s *sliceIter) Err() error           { return nil }
func (s *sliceIter) Close() error         { return nil }

// fakeSource serves batches from in-memory rows, keyed by table. Rows
// must be pre-sorted by id; watermarks are compared as strings the same
// way the cursor bookkeeping does.
type fakeSource struct {
	rows      map[string][]ingest.Record
	batchErr  error
	tableErrs map[string]error
}

func (f *fakeSource) FullBatch(_ context.Context, table *schema.Table, idCol string,
	cursor changes.Cursor, batch int) (ingest.Iterator[ingest.Record], error) {
	if err := f.tableErrs[table.Name]; err != nil {
		return nil, err
	}
	if f.batchErr != nil {
		return nil, f.batchErr
	}
	var out []ingest.Record
	for _, row := range f.rows[table.Name] {
		if rawString(row[idCol]) <= cursor.RowID {
			continue
		}
		out = append(out, row)
		if len(out) == batch {
			break
		}
	}
	return &sliceIter{rows: out}, nil
}

func (f *fakeSource) IncrementalBatch(_ context.Context, table *schema.Table, wmCol, idCol string,
	cursor changes.Cursor, batch int) (ingest.Iterator[ingest.Record], error) {
	if err := f.tableErrs[table.Name]; err != nil {
		return nil, err
	}
	if f.batchErr != nil {
		return nil, f.batchErr
	}
	matching := make([]ingest.Record, 0)
	for _, row := range f.rows[table.Name] {
		wm, id := rawString(row[wmCol]), rawString(row[idCol])
		if wm > cursor.Watermark || (wm == cursor.Watermark && id > cursor.RowID) {
			matching = append(matching, row)
		}
	}
	sort.SliceStable(matching, func(a, b int) bool {
		wa, wb := rawString(matching[a][wmCol]), rawString(matching[b][wmCol])
		if wa != wb {
			return wa < wb
		}
		return rawString(matching[a][idCol]) < rawString(matching[b][idCol])
	})
	if len(matching) > batch {
		matching = matching[:batch]
	}
	return &sliceIter{rows: matching}, nil
}

func (f *fakeSource) MissingIDs(_ context.Context, table *schema.Table, idCol string,
	knownIDs []string) ([]string, error) {
	present := map[string]bool{}
	for _, row := range f.rows[table.Name] {
		present[rawString(row[idCol])] = true
	}
	var missing []string
	for _, id := range knownIDs {
		if !present[id] {
			missing = append(missing, id)
		}
	}
	return missing, nil
}

type fakeDiscoverer struct{ m *schema.SchemaMap }

func (f fakeDiscoverer) Discover(context.Context) (*schema.SchemaMap, error) { return f.m, nil }

func ordersSchema() *schema.SchemaMap {
	return &schema.SchemaMap{
		Tables: []*schema.Table{
			{
				Name: "customers",
				Columns: []*schema.Column{
					{Name: "id", DataType: "integer"},
					{Name: "name", DataType: "text"},
				},
			},
			{
				Name: "orders",
				Columns: []*schema.Column{
					{Name: "id", DataType: "integer"},
					{Name: "customer_id", DataType: "integer"},
					{Name: "note", DataType: "text"},
					{Name: "updated_at", DataType: "timestamp with time zone"},
				},
				WatermarkColumns: []string{"updated_at"},
			},
		},
		Relationships: []*schema.ImplicitRelationship{
			{SourceTable: "orders", SourceColumn: "customer_id", TargetTable: "customers",
				TargetColumn: "id", Cardinality: "many-to-one"},
		},
	}
}

func wm(day int) time.Time {
	return time.Date(2025, 3, day, 0, 0, 0, 0, time.UTC)
}

func orderRow(id, customer int64, note string, updated any) ingest.Record {
	return ingest.Record{"id": id, "customer_id": customer, "note": note, "updated_at": updated}
}

type testEnv struct {
	engine *Engine
	mem    *index.Memory
	store  *checkpoint.Store
	src    *fakeSource
}

func newTestEnv(t *testing.T, m *schema.SchemaMap, src *fakeSource) *testEnv {
	t.Helper()
	local := objectstore.NewLocalStore(t.TempDir())
	_ = local.Put("co/x/1/a.pdf", []byte("pdf-bytes"))
	return newTestEnvWithStore(t, m, src, local)
}

func newTestEnvWithStore(t *testing.T, m *schema.SchemaMap, src *fakeSource, objStore objectstore.Store) *testEnv {
	t.Helper()

	store, err := checkpoint.Open(filepath.Join(t.TempDir(), "cp.db"))
	if err != nil {
		t.Fatalf("checkpoint.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	dl := files.NewDownloader(objStore, files.DownloaderOptions{
		Workers:             2,
		SupportedExtensions: []string{"pdf"},
		Dir:                 t.TempDir(),
		Retry:               retry.Policy{MaxAttempts: 2, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1},
	}, zap.NewNop())

	cfg := &config.Config{
		BatchSize:        2,
		TableWorkers:     2,
		DeleteSampleSize: 10,
		Tables: config.TablesConfig{
			Tables: map[string]config.TableConfig{
				"orders": {ContentColumns: []string{"note"}},
			},
		},
	}

	mem := index.NewMemory()
	eng := NewEngine(cfg, src, fakeDiscoverer{m}, store, mem, dl, zap.NewNop())
	return &testEnv{engine: eng, mem: mem, store: store, src: src}
}

func tableResult(t *testing.T, res *SyncResult, name string) *TableResult {
	t.Helper()
	for _, tr := range res.Tables {
		if tr.Table == name {
			return tr
		}
	}
	t.Fatalf("no result for table %s", name)
	return nil
}

func TestRunFull_PartialFailureIsolatesRows(t *testing.T) {
	src := &fakeSource{rows: map[string][]ingest.Record{
		"orders": {
			orderRow(1, 10, "first", wm(1)),
			orderRow(2, 10, "second", []byte("not-a-timestamp")),
			orderRow(3, 11, "third", wm(3)),
		},
	}}
	env := newTestEnv(t, ordersSchema(), src)

	res, err := env.engine.RunFull(context.Background(), RunOptions{Include: []string{"orders"}})
	if err != nil {
		t.Fatalf("RunFull: %v", err)
	}
	if res.State != StateCompleted {
		t.Errorf("state = %s, want completed", res.State)
	}

	tr := tableResult(t, res, "orders")
	if tr.RowsProcessed != 2 || tr.RowsFailed != 1 {
		t.Errorf("rows = %d processed / %d failed, want 2/1", tr.RowsProcessed, tr.RowsFailed)
	}
	if env.mem.Len() != 2 {
		t.Errorf("index has %d docs, want 2", env.mem.Len())
	}

	var found bool
	for _, e := range res.Errors {
		if e.Table == "orders" && e.RowID == "2" && e.Code == ingest.CodeTransform {
			found = true
		}
	}
	if !found {
		t.Errorf("missing structured row error, got %+v", res.Errors)
	}

	cp, err := env.store.Get(context.Background(), "orders")
	if err != nil || cp == nil {
		t.Fatalf("checkpoint missing: %v", err)
	}
	if cp.Status != checkpoint.StatusCompleted {
		t.Errorf("checkpoint status = %s", cp.Status)
	}
	if cp.RowsProcessed != 2 || cp.RowsFailed != 1 {
		t.Errorf("checkpoint counters = %d/%d", cp.RowsProcessed, cp.RowsFailed)
	}
}

func TestRunFull_Idempotent(t *testing.T) {
	src := &fakeSource{rows: map[string][]ingest.Record{
		"orders": {
			orderRow(1, 10, "first", wm(1)),
			orderRow(2, 10, "second", wm(2)),
		},
	}}
	env := newTestEnv(t, ordersSchema(), src)
	ctx := context.Background()

	if _, err := env.engine.RunFull(ctx, RunOptions{Include: []string{"orders"}}); err != nil {
		t.Fatal(err)
	}
	first := env.mem.Len()

	res, err := env.engine.RunFull(ctx, RunOptions{Include: []string{"orders"}})
	if err != nil {
		t.Fatal(err)
	}
	if env.mem.Len() != first {
		t.Errorf("re-run changed doc count: %d -> %d", first, env.mem.Len())
	}
	if tr := tableResult(t, res, "orders"); tr.RowsProcessed != 2 {
		t.Errorf("re-run processed %d rows, want full re-scan of 2", tr.RowsProcessed)
	}
}

func TestRunIncremental_OnlyNewRows(t *testing.T) {
	src := &fakeSource{rows: map[string][]ingest.Record{
		"orders": {
			orderRow(1, 10, "first", wm(1)),
			orderRow(2, 10, "second", wm(2)),
			orderRow(3, 11, "third", wm(3)),
		},
	}}
	env := newTestEnv(t, ordersSchema(), src)
	ctx := context.Background()

	if _, err := env.engine.RunFull(ctx, RunOptions{Include: []string{"orders"}}); err != nil {
		t.Fatal(err)
	}

	src.rows["orders"] = append(src.rows["orders"], orderRow(4, 11, "fourth", wm(4)))
	res, err := env.engine.RunIncremental(ctx, RunOptions{Include: []string{"orders"}})
	if err != nil {
		t.Fatal(err)
	}

	tr := tableResult(t, res, "orders")
	if tr.RowsProcessed != 1 {
		t.Errorf("incremental processed %d rows, want only the new one", tr.RowsProcessed)
	}

	cp, _ := env.store.Get(ctx, "orders")
	if cp.Watermark != wm(4).Format(time.RFC3339) {
		t.Errorf("watermark = %q, want advanced to row 4", cp.Watermark)
	}
}

func TestRunIncremental_NoWatermarkDegradesToFullScan(t *testing.T) {
	m := &schema.SchemaMap{Tables: []*schema.Table{{
		Name: "tags",
		Columns: []*schema.Column{
			{Name: "id", DataType: "integer"},
			{Name: "label", DataType: "text"},
		},
	}}}
	src := &fakeSource{rows: map[string][]ingest.Record{
		"tags": {
			{"id": int64(1), "label": "a"},
			{"id": int64(2), "label": "b"},
		},
	}}
	env := newTestEnv(t, m, src)

	res, err := env.engine.RunIncremental(context.Background(), RunOptions{})
	if err != nil {
		t.Fatal(err)
	}
	tr := tableResult(t, res, "tags")
	if tr.Warning == "" {
		t.Error("degraded incremental run must surface a warning")
	}
	if tr.RowsProcessed != 2 {
		t.Errorf("processed %d rows, want full re-scan of 2", tr.RowsProcessed)
	}
}

func TestRunFull_ResumesMidTable(t *testing.T) {
	src := &fakeSource{rows: map[string][]ingest.Record{
		"orders": {
			orderRow(1, 10, "first", wm(1)),
			orderRow(2, 10, "second", wm(2)),
			orderRow(3, 11, "third", wm(3)),
		},
	}}
	env := newTestEnv(t, ordersSchema(), src)
	ctx := context.Background()

	// A checkpoint left running means the previous process died mid-table.
	if err := env.store.Set(ctx, &checkpoint.Checkpoint{
		Table: "orders", Watermark: wm(1).Format(time.RFC3339), LastRowID: "1",
		RowsProcessed: 1, Status: checkpoint.StatusRunning,
	}); err != nil {
		t.Fatal(err)
	}

	res, err := env.engine.RunFull(ctx, RunOptions{Include: []string{"orders"}})
	if err != nil {
		t.Fatal(err)
	}
	tr := tableResult(t, res, "orders")
	if tr.RowsProcessed != 3 {
		t.Errorf("RowsProcessed = %d, want prior 1 plus resumed 2", tr.RowsProcessed)
	}
	if env.mem.Len() != 2 {
		t.Errorf("index has %d docs, want only the 2 rows past the resume point", env.mem.Len())
	}
	if env.mem.Get(ingest.DocumentID("orders", "1")) != nil {
		t.Error("row 1 must not be re-read on resume")
	}
}

func TestRunFull_DryRunWritesNothing(t *testing.T) {
	src := &fakeSource{rows: map[string][]ingest.Record{
		"orders": {orderRow(1, 10, "first", wm(1))},
	}}
	env := newTestEnv(t, ordersSchema(), src)
	ctx := context.Background()

	res, err := env.engine.RunFull(ctx, RunOptions{Include: []string{"orders"}, DryRun: true})
	if err != nil {
		t.Fatal(err)
	}
	if tr := tableResult(t, res, "orders"); tr.RowsProcessed != 1 {
		t.Errorf("dry run must still count rows, got %d", tr.RowsProcessed)
	}
	if env.mem.Len() != 0 {
		t.Errorf("dry run wrote %d documents", env.mem.Len())
	}
	cps, _ := env.store.All(ctx)
	if len(cps) != 0 {
		t.Errorf("dry run wrote %d checkpoints", len(cps))
	}
}

func TestRunIncremental_ReconcilesDeletes(t *testing.T) {
	src := &fakeSource{rows: map[string][]ingest.Record{
		"orders": {
			orderRow(1, 10, "first", wm(1)),
			orderRow(2, 10, "second", wm(2)),
		},
	}}
	env := newTestEnv(t, ordersSchema(), src)
	ctx := context.Background()

	if _, err := env.engine.RunFull(ctx, RunOptions{Include: []string{"orders"}}); err != nil {
		t.Fatal(err)
	}
	if env.mem.Len() != 2 {
		t.Fatalf("seed failed: %d docs", env.mem.Len())
	}

	// Row 2 disappears from the source without any tombstone.
	src.rows["orders"] = src.rows["orders"][:1]

	res, err := env.engine.RunIncremental(ctx,
		RunOptions{Include: []string{"orders"}, ReconcileDeletes: true})
	if err != nil {
		t.Fatal(err)
	}
	if tr := tableResult(t, res, "orders"); tr.DeletesIssued != 1 {
		t.Errorf("DeletesIssued = %d, want 1", tr.DeletesIssued)
	}
	if env.mem.Get(ingest.DocumentID("orders", "2")) != nil {
		t.Error("deleted row's document still in index")
	}
	if env.mem.Get(ingest.DocumentID("orders", "1")) == nil {
		t.Error("surviving row's document was removed")
	}

	ids, _ := env.store.SampleKnownIDs(ctx, "orders", "", 10)
	for _, id := range ids {
		if id == "2" {
			t.Error("reconciled id must be forgotten")
		}
	}
}

func TestRun_FatalConnectionErrorFailsRun(t *testing.T) {
	src := &fakeSource{
		rows: map[string][]ingest.Record{"orders": {orderRow(1, 10, "first", wm(1))}},
	}
	src.batchErr = ingest.WrapError(ingest.CodeConnection, true, errors.New("connection refused"))
	env := newTestEnv(t, ordersSchema(), src)

	res, err := env.engine.RunFull(context.Background(), RunOptions{Include: []string{"orders"}})
	if err == nil {
		t.Fatal("expected run-fatal error")
	}
	if res.State != StateFailed {
		t.Errorf("state = %s, want failed", res.State)
	}

	cp, _ := env.store.Get(context.Background(), "orders")
	if cp == nil || cp.Status != checkpoint.StatusFailed {
		t.Errorf("checkpoint = %+v, want failed status", cp)
	}
}

func TestRunFull_UpsertFailureCountsRow(t *testing.T) {
	src := &fakeSource{rows: map[string][]ingest.Record{
		"orders": {
			orderRow(1, 10, "first", wm(1)),
			orderRow(2, 10, "second", wm(2)),
		},
	}}
	env := newTestEnv(t, ordersSchema(), src)
	env.mem.FailUpserts = map[string]error{
		ingest.DocumentID("orders", "2"): ingest.WrapError(ingest.CodeIndexWrite, false, errors.New("schema mismatch")),
	}

	res, err := env.engine.RunFull(context.Background(), RunOptions{Include: []string{"orders"}})
	if err != nil {
		t.Fatal(err)
	}
	tr := tableResult(t, res, "orders")
	if tr.RowsProcessed != 1 || tr.RowsFailed != 1 {
		t.Errorf("rows = %d/%d, want 1 processed 1 failed", tr.RowsProcessed, tr.RowsFailed)
	}
	if res.State != StateCompleted {
		t.Errorf("row-level index rejection must not fail the run, state = %s", res.State)
	}
}

func TestRunFull_DownloadsAndAttachesFiles(t *testing.T) {
	m := &schema.SchemaMap{Tables: []*schema.Table{{
		Name: "documents",
		Columns: []*schema.Column{
			{Name: "id", DataType: "integer"},
			{Name: "title", DataType: "text"},
			{Name: "storage_key", DataType: "text"},
		},
		FileColumns: []*schema.FileReferenceColumn{
			{Column: "storage_key", Kind: schema.RefDirectKey},
		},
	}}}
	src := &fakeSource{rows: map[string][]ingest.Record{
		"documents": {
			{"id": int64(1), "title": "report", "storage_key": "co/x/1/a.pdf"},
			{"id": int64(2), "title": "draft", "storage_key": "co/x/1/missing.pdf"},
		},
	}}
	env := newTestEnv(t, m, src)

	res, err := env.engine.RunFull(context.Background(), RunOptions{})
	if err != nil {
		t.Fatal(err)
	}
	tr := tableResult(t, res, "documents")
	if tr.RowsProcessed != 2 {
		t.Fatalf("rows processed = %d", tr.RowsProcessed)
	}
	if tr.FilesDownloaded != 1 || tr.FilesFailed != 1 {
		t.Errorf("files = %d downloaded / %d failed, want 1/1", tr.FilesDownloaded, tr.FilesFailed)
	}

	doc := env.mem.Get(ingest.DocumentID("documents", "1"))
	if doc == nil {
		t.Fatal("document missing")
	}
	refs, ok := doc["files"].([]ingest.FileRef)
	if !ok || len(refs) != 1 {
		t.Fatalf("files field = %#v", doc["files"])
	}
	if refs[0].Status != ingest.DownloadSuccess {
		t.Errorf("file status = %s (%s)", refs[0].Status, refs[0].Reason)
	}

	// A failed download must not block the owning record's document.
	if env.mem.Get(ingest.DocumentID("documents", "2")) == nil {
		t.Error("record with failed download missing from index")
	}
}

func TestRun_ExcludeFiltersTables(t *testing.T) {
	src := &fakeSource{rows: map[string][]ingest.Record{
		"orders":    {orderRow(1, 10, "first", wm(1))},
		"customers": {{"id": int64(10), "name": "acme"}},
	}}
	env := newTestEnv(t, ordersSchema(), src)

	res, err := env.engine.RunFull(context.Background(), RunOptions{Exclude: []string{"orders"}})
	if err != nil {
		t.Fatal(err)
	}
	for _, tr := range res.Tables {
		if tr.Table == "orders" {
			t.Error("excluded table was synced")
		}
	}
	if env.mem.Get(ingest.DocumentID("customers", "10")) == nil {
		t.Error("included table missing from index")
	}
}

func TestRun_ErroredTableIsReportedNotSynced(t *testing.T) {
	m := ordersSchema()
	m.Tables[0].Error = "permission denied for table customers"
	src := &fakeSource{rows: map[string][]ingest.Record{
		"orders": {orderRow(1, 10, "first", wm(1))},
	}}
	env := newTestEnv(t, m, src)

	res, err := env.engine.RunFull(context.Background(), RunOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if res.State != StateCompleted {
		t.Errorf("state = %s, one broken table must not fail the run", res.State)
	}
	tr := tableResult(t, res, "customers")
	if tr.Error == "" {
		t.Error("errored table must carry its introspection error")
	}
	if tableResult(t, res, "orders").RowsProcessed != 1 {
		t.Error("healthy table must still sync")
	}
}

func TestRunFull_TableScopedQueryErrorIsolates(t *testing.T) {
	src := &fakeSource{
		rows: map[string][]ingest.Record{
			"orders":    {orderRow(1, 10, "first", wm(1))},
			"customers": {{"id": int64(10), "name": "acme"}},
		},
		tableErrs: map[string]error{
			"customers": ingest.WrapError(ingest.CodeSchema, false,
				errors.New(`relation "public.customers" does not exist`)),
		},
	}
	env := newTestEnv(t, ordersSchema(), src)

	res, err := env.engine.RunFull(context.Background(), RunOptions{})
	if err != nil {
		t.Fatalf("a dropped table must not abort the run: %v", err)
	}
	if res.State != StateCompleted {
		t.Errorf("state = %s, want completed", res.State)
	}
	if tr := tableResult(t, res, "customers"); tr.Error == "" {
		t.Error("failing table must carry its error")
	}
	if tableResult(t, res, "orders").RowsProcessed != 1 {
		t.Error("healthy table must still sync")
	}

	cp, _ := env.store.Get(context.Background(), "customers")
	if cp == nil || cp.Status != checkpoint.StatusFailed {
		t.Errorf("failing table's checkpoint = %+v, want failed", cp)
	}
}

func TestReconcileDeletes_WindowRotates(t *testing.T) {
	src := &fakeSource{rows: map[string][]ingest.Record{
		"orders": {
			orderRow(1, 10, "first", wm(1)),
			orderRow(2, 10, "second", wm(2)),
			orderRow(3, 11, "third", wm(3)),
		},
	}}
	env := newTestEnv(t, ordersSchema(), src)
	env.engine.cfg.DeleteSampleSize = 1
	ctx := context.Background()

	if _, err := env.engine.RunFull(ctx, RunOptions{Include: []string{"orders"}}); err != nil {
		t.Fatal(err)
	}

	// Row 3 vanishes; with a sample bound of 1 it sits outside the first
	// window and is only reachable if the window advances across runs.
	src.rows["orders"] = src.rows["orders"][:2]

	for i := 0; i < 3; i++ {
		if _, err := env.engine.RunIncremental(ctx,
			RunOptions{Include: []string{"orders"}, ReconcileDeletes: true}); err != nil {
			t.Fatal(err)
		}
	}

	if env.mem.Get(ingest.DocumentID("orders", "3")) != nil {
		t.Error("deleted row 3's document still indexed after three rotating windows")
	}
	ids, _ := env.store.SampleKnownIDs(ctx, "orders", "", 10)
	for _, id := range ids {
		if id == "3" {
			t.Error("reconciled id must be forgotten")
		}
	}
	if env.mem.Get(ingest.DocumentID("orders", "1")) == nil {
		t.Error("surviving row's document was removed")
	}
}

// gatedStore blocks every fetch until released, signalling each start.
type gatedStore struct {
	started chan string
	release chan struct{}
}

func newGatedStore() *gatedStore {
	return &gatedStore{started: make(chan string, 8), release: make(chan struct{})}
}

func (g *gatedStore) Ping(context.Context) error { return nil }

func (g *gatedStore) Fetch(ctx context.Context, key string) ([]byte, error) {
	g.started <- key
	select {
	case <-g.release:
		return []byte("bytes"), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func TestRunFull_DownloadsDoNotStallNextBatch(t *testing.T) {
	m := &schema.SchemaMap{Tables: []*schema.Table{{
		Name: "documents",
		Columns: []*schema.Column{
			{Name: "id", DataType: "integer"},
			{Name: "storage_key", DataType: "text"},
		},
		FileColumns: []*schema.FileReferenceColumn{
			{Column: "storage_key", Kind: schema.RefDirectKey},
		},
	}}}
	src := &fakeSource{rows: map[string][]ingest.Record{
		"documents": {
			{"id": int64(1), "storage_key": "co/x/1/a.pdf"},
			{"id": int64(2), "storage_key": "co/x/2/b.pdf"},
		},
	}}
	store := newGatedStore()
	env := newTestEnvWithStore(t, m, src, store)
	env.engine.cfg.BatchSize = 1

	done := make(chan *SyncResult, 1)
	go func() {
		res, err := env.engine.RunFull(context.Background(), RunOptions{})
		if err != nil {
			t.Errorf("RunFull: %v", err)
		}
		done <- res
	}()

	<-store.started

	// With the first batch's download still in flight, the second row's
	// metadata must reach the index.
	doc2 := ingest.DocumentID("documents", "2")
	deadline := time.After(5 * time.Second)
	for env.mem.Get(doc2) == nil {
		select {
		case <-deadline:
			t.Fatal("second batch stalled behind an in-flight download")
		case <-time.After(5 * time.Millisecond):
		}
	}

	close(store.release)
	res := <-done
	tr := tableResult(t, res, "documents")
	if tr.FilesDownloaded != 2 {
		t.Errorf("FilesDownloaded = %d, want both attached before the run finished", tr.FilesDownloaded)
	}
	doc := env.mem.Get(ingest.DocumentID("documents", "1"))
	refs, ok := doc["files"].([]ingest.FileRef)
	if !ok || len(refs) != 1 || refs[0].Status != ingest.DownloadSuccess {
		t.Errorf("files field = %#v", doc["files"])
	}
}

func TestRunFull_SurfacesNullReferenceWarnings(t *testing.T) {
	src := &fakeSource{rows: map[string][]ingest.Record{
		"orders": {
			orderRow(1, 10, "first", wm(1)),
			{"id": int64(2), "customer_id": nil, "note": "orphan", "updated_at": wm(2)},
		},
	}}
	env := newTestEnv(t, ordersSchema(), src)

	res, err := env.engine.RunFull(context.Background(), RunOptions{Include: []string{"orders"}})
	if err != nil {
		t.Fatal(err)
	}
	if tr := tableResult(t, res, "orders"); tr.NullRefWarnings != 1 {
		t.Errorf("NullRefWarnings = %d, want 1", tr.NullRefWarnings)
	}
	if res.NullRefWarnings != 1 {
		t.Errorf("run aggregate NullRefWarnings = %d, want 1", res.NullRefWarnings)
	}
	if tr := tableResult(t, res, "orders"); tr.RowsFailed != 0 {
		t.Errorf("null foreign key is a warning, not a failure: %d failed", tr.RowsFailed)
	}
}

func TestRunFull_ZeroBatchSizeTerminates(t *testing.T) {
	src := &fakeSource{rows: map[string][]ingest.Record{
		"orders": {
			orderRow(1, 10, "first", wm(1)),
			orderRow(2, 10, "second", wm(2)),
		},
	}}
	env := newTestEnv(t, ordersSchema(), src)
	env.engine.cfg.BatchSize = 0

	res, err := env.engine.RunFull(context.Background(), RunOptions{Include: []string{"orders"}})
	if err != nil {
		t.Fatal(err)
	}
	if tr := tableResult(t, res, "orders"); tr.RowsProcessed != 2 {
		t.Errorf("RowsProcessed = %d, want 2", tr.RowsProcessed)
	}
}
