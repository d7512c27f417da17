package storage

import (
	"errors"
	"time"
)

// ErrRunNotFound is returned when no run has the requested id
var ErrRunNotFound = errors.New("run not found")

// Run represents one pipeline run
type Run struct {
	ID            string     `json:"id"`
	Kind          string     `json:"kind"`  // "analysis", "report", "complete"
	State         string     `json:"state"` // coordinator state name
	IncidentTitle string     `json:"incident_title,omitempty"`
	FilePath      string     `json:"file_path,omitempty"`
	StartedAt     time.Time  `json:"started_at"`
	FinishedAt    *time.Time `json:"finished_at,omitempty"`
	Duration      *string    `json:"duration,omitempty"`
	Error         string     `json:"error,omitempty"`
}

// StageExecution represents one worker executing a stage
type StageExecution struct {
	ID         int64      `json:"id"`
	RunID      string     `json:"run_id"`
	Stage      string     `json:"stage"`
	Outcome    string     `json:"outcome"` // "running", "success", "failure", "timed_out"
	Message    string     `json:"message,omitempty"`
	ReportPath string     `json:"report_path,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Duration   *string    `json:"duration,omitempty"`
}
