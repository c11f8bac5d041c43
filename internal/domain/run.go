package domain

import "time"

// RunStatus is the lifecycle state of an ingestion run. Running is the only
// non-terminal status.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusPartial   RunStatus = "partial"
	RunStatusFailed    RunStatus = "failed"
)

// RunCounters aggregates row outcomes across all stations in a run.
type RunCounters struct {
	FilesProcessed int64 `json:"files_processed"`
	RowsSeen       int64 `json:"rows_seen"`
	RowsCreated    int64 `json:"rows_created"`
	RowsSkipped    int64 `json:"rows_skipped"`
	RowsInvalid    int64 `json:"rows_invalid"`
	RowsDuplicate  int64 `json:"rows_duplicate"`
	FileErrors     int64 `json:"file_errors"`
	StationErrors  int64 `json:"station_errors"`
}

// IngestionRun records one invocation of the ingestion engine. It is created
// at run start with status Running and finalized exactly once.
type IngestionRun struct {
	ID            string
	Status        RunStatus
	Source        string
	StationFilter []string
	StationLimit  int
	Counters      RunCounters
	ErrorLogPath  string
	StartedAt     time.Time
	FinishedAt    *time.Time
	Error         string
}

// SuccessRate is created rows over rows seen, guarding against empty runs.
func (r *IngestionRun) SuccessRate() float64 {
	seen := r.Counters.RowsSeen
	if seen < 1 {
		seen = 1
	}
	return float64(r.Counters.RowsCreated) / float64(seen)
}

// Clean reports whether the run saw no invalid rows, duplicates, or
// file/station errors, the condition for a Completed (vs Partial) status.
func (c RunCounters) Clean() bool {
	return c.RowsInvalid == 0 && c.RowsDuplicate == 0 && c.FileErrors == 0 && c.StationErrors == 0
}
