package runner

import (
	"errors"
	"fmt"
	"time"

	"dfirpipe/engine"
)

// Stage is one of the two pipeline phases
type Stage string

const (
	StageAnalysis Stage = engine.StageAnalysis
	StageReport   Stage = engine.StageReport
)

// Label is the name used in user-facing messages
func (s Stage) Label() string {
	switch s {
	case StageAnalysis:
		return "DFIR analysis"
	case StageReport:
		return "Report generation"
	default:
		return string(s)
	}
}

func (s Stage) activity() string {
	if s == StageReport {
		return "report generation"
	}
	return s.Label()
}

// OutcomeKind is how a stage ended
type OutcomeKind int

const (
	OutcomeSuccess OutcomeKind = iota
	OutcomeFailure
	OutcomeTimedOut
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSuccess:
		return "success"
	case OutcomeFailure:
		return "failure"
	case OutcomeTimedOut:
		return "timed_out"
	default:
		return "unknown"
	}
}

// ErrorKind classifies stage failures
type ErrorKind string

const (
	KindDirectorySetup ErrorKind = "DirectorySetupFailure"
	KindEngine         ErrorKind = "EngineFailure"
	KindEngineTimeout  ErrorKind = "EngineTimeout"
	KindArtifact       ErrorKind = "ArtifactInvalid"
	KindOutputWrite    ErrorKind = "OutputWriteFailure"
	KindWorkerCrash    ErrorKind = "WorkerCrash"
)

// StageError is a failure with its kind attached
type StageError struct {
	Kind ErrorKind
	Err  error
}

func (e *StageError) Error() string {
	return e.Err.Error()
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// stageErr wraps err with a kind
func stageErr(kind ErrorKind, format string, args ...any) error {
	return &StageError{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the kind of a failure, EngineFailure when it has none
func KindOf(err error) ErrorKind {
	var se *StageError
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindEngine
}

var (
	// ErrStageBusy is returned when a stage already has a live worker
	ErrStageBusy = errors.New("stage is already running")
	// ErrAnalysisNotFound is returned when the report stage has nothing to read
	ErrAnalysisNotFound = errors.New("DFIR analysis not found. Please run DFIR analysis first.")
	// ErrArtifactInvalid is returned when the stored analysis has an unusable shape
	ErrArtifactInvalid = errors.New("invalid artifact shape")
)

// StageResult is what a successful worker reports back
type StageResult struct {
	FinalText     string `json:"final_text,omitempty"`
	Shape         string `json:"shape,omitempty"`
	ReportPath    string `json:"report_path,omitempty"`
	RunReportPath string `json:"run_report_path,omitempty"`
	Bytes         int    `json:"bytes,omitempty"`
	Steps         int    `json:"steps,omitempty"`
}

// Outcome is the terminal result of one stage execution
type Outcome struct {
	Kind     OutcomeKind
	ErrKind  ErrorKind
	Message  string
	Result   *StageResult
	Duration time.Duration
}

// Succeeded reports whether the stage finished with a result
func (o Outcome) Succeeded() bool {
	return o.Kind == OutcomeSuccess && o.Result != nil
}

// State is the coordinator position for a run
type State int

const (
	StateIdle State = iota
	StateAnalysisRunning
	StateAnalysisDone
	StateReportRunning
	StateComplete
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAnalysisRunning:
		return "analysis_running"
	case StateAnalysisDone:
		return "analysis_done"
	case StateReportRunning:
		return "report_running"
	case StateComplete:
		return "complete"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Terminal reports whether no further transition happens for the run
func (s State) Terminal() bool {
	return s == StateComplete || s == StateFailed
}

// Run kinds
const (
	RunAnalysis = "analysis"
	RunReport   = "report"
	RunComplete = "complete"
)

// PipelineRun is one invocation of the coordinator
type PipelineRun struct {
	ID            string    `json:"id"`
	Kind          string    `json:"kind"`
	State         State     `json:"state"`
	StartedAt     time.Time `json:"started_at"`
	StageDeadline time.Time `json:"stage_deadline"`
	IncidentTitle string    `json:"incident_title,omitempty"`
	FilePath      string    `json:"file_path,omitempty"`
	Error         string    `json:"error,omitempty"`
}
