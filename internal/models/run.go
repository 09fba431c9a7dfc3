package models

import "time"

// RunStatus is the lifecycle state of an aggregation run
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusPartial   RunStatus = "partial"
	RunStatusFailed    RunStatus = "failed"
)

// RunCounters is the progress of a run as persisted after every chunk
type RunCounters struct {
	ChunksTotal  int     `json:"chunks_total"`
	ChunksDone   int     `json:"chunks_done"`
	Pings        int64   `json:"pings"`
	SkippedPings int64   `json:"skipped_pings"`
	OutOfOrder   int64   `json:"out_of_order"`
	Cells        int     `json:"cells"`
	ProgressPct  float64 `json:"progress_percent"`
}

// Run is one aggregation pass over an input dataset
type Run struct {
	ID         string    `json:"id"`
	InputPath  string    `json:"input_path"`
	IndexName  string    `json:"index"`
	Resolution int       `json:"resolution"`
	ConfigJSON string    `json:"config"`
	Status     RunStatus `json:"status"`
	RunCounters
	ErrorMessage string     `json:"error_message,omitempty"`
	ImputeError  string     `json:"impute_error,omitempty"`
	StartedAt    time.Time  `json:"started_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}
