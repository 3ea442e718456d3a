// Package orchestration drives full and incremental synchronization runs
// across all tables: schema discovery, table-level concurrency, error
// aggregation and run status. A run's outcome is always a structured
// result with per-table counters; partial success is a first-class,
// expected outcome, never a bare boolean.
package orchestration

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Run modes.
const (
	ModeFull        = "full"
	ModeIncremental = "incremental"
	ModeDiscovery   = "schema-discovery"
)

// Job states. Pending -> Running -> {Completed, Failed, Cancelled}.
// Running -> Failed happens only on a run-fatal error class; table and
// row failures accumulate into the result without forcing it.
const (
	StatePending   = "pending"
	StateRunning   = "running"
	StateCompleted = "completed"
	StateFailed    = "failed"
	StateCancelled = "cancelled"
)

// JobError is one structured error recorded during a run.
type JobError struct {
	Table   string `json:"table,omitempty"`
	RowID   string `json:"rowId,omitempty"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// TableResult aggregates one table's progress within a run.
type TableResult struct {
	Table           string `json:"table"`
	RowsProcessed   int64  `json:"rowsProcessed"`
	RowsFailed      int64  `json:"rowsFailed"`
	FilesDownloaded int64  `json:"filesDownloaded"`
	FilesSkipped    int64  `json:"filesSkipped"`
	FilesFailed     int64  `json:"filesFailed"`
	DeletesIssued   int64  `json:"deletesIssued"`
	NullRefWarnings int64  `json:"nullRefWarnings"`
	Watermark       string `json:"watermark,omitempty"`
	Warning         string `json:"warning,omitempty"`
	Error           string `json:"error,omitempty"`
}

// SyncJob tracks one run. Created and mutated only by the engine; the
// exported snapshot becomes immutable once the job is terminal.
type SyncJob struct {
	ID   string
	Mode string

	mu        sync.Mutex
	state     string
	startedAt time.Time
	endedAt   time.Time
	tables    map[string]*TableResult
	errors    []JobError
}

func newJob(mode string) *SyncJob {
	return &SyncJob{
		ID:     uuid.NewString(),
		Mode:   mode,
		state:  StatePending,
		tables: make(map[string]*TableResult),
	}
}

func (j *SyncJob) transition(state string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	switch state {
	case StateRunning:
		j.startedAt = time.Now().UTC()
	case StateCompleted, StateFailed, StateCancelled:
		j.endedAt = time.Now().UTC()
	}
	j.state = state
}

// State returns the job's current state.
func (j *SyncJob) State() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

// setTable publishes a snapshot of one table's progress. Workers own
// their TableResult locally and publish copies at batch boundaries.
func (j *SyncJob) setTable(tr *TableResult) {
	j.mu.Lock()
	defer j.mu.Unlock()
	cp := *tr
	j.tables[tr.Table] = &cp
}

func (j *SyncJob) addError(e JobError) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.errors = append(j.errors, e)
}

// SyncResult is the immutable outcome snapshot of a run.
type SyncResult struct {
	JobID     string         `json:"jobId"`
	Mode      string         `json:"mode"`
	State     string         `json:"state"`
	StartedAt time.Time      `json:"startedAt"`
	EndedAt   time.Time      `json:"endedAt"`
	Tables    []*TableResult `json:"tables"`
	Errors    []JobError     `json:"errors,omitempty"`

	RowsProcessed   int64 `json:"rowsProcessed"`
	RowsFailed      int64 `json:"rowsFailed"`
	FilesFetched    int64 `json:"filesFetched"`
	DeletesIssued   int64 `json:"deletesIssued"`
	NullRefWarnings int64 `json:"nullRefWarnings"`
}

func (j *SyncJob) result() *SyncResult {
	j.mu.Lock()
	defer j.mu.Unlock()

	res := &SyncResult{
		JobID:     j.ID,
		Mode:      j.Mode,
		State:     j.state,
		StartedAt: j.startedAt,
		EndedAt:   j.endedAt,
		Errors:    append([]JobError(nil), j.errors...),
	}
	for _, tr := range j.tables {
		cp := *tr
		res.Tables = append(res.Tables, &cp)
		res.RowsProcessed += tr.RowsProcessed
		res.RowsFailed += tr.RowsFailed
		res.FilesFetched += tr.FilesDownloaded
		res.DeletesIssued += tr.DeletesIssued
		res.NullRefWarnings += tr.NullRefWarnings
	}
	sort.Slice(res.Tables, func(a, b int) bool {
		return res.Tables[a].Table < res.Tables[b].Table
	})
	return res
}
