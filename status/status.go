// Package status holds the progress record shared between the stage that is
// running and whoever is watching it.
package status

import (
	"sync"
	"time"
)

// Step is the human-facing name of the pipeline position
type Step string

const (
	StepIdle           Step = ""
	StepInitialization Step = "Initialization"
	StepAnalysis       Step = "DFIR Analysis"
	StepAnalysisDone   Step = "DFIR Completed"
	StepReport         Step = "Report Generation"
	StepCompleted      Step = "Completed"
	StepError          Step = "Error"
)

// Terminal reports whether the step ends a run
func (s Step) Terminal() bool {
	return s == StepCompleted || s == StepError || s == StepAnalysisDone
}

// Record is a point-in-time copy of the progress channel
type Record struct {
	Running       bool      `json:"running"`
	Progress      string    `json:"progress"`
	CurrentStep   Step      `json:"current_step"`
	Errors        []string  `json:"errors"`
	Warnings      []string  `json:"warnings"`
	ArtifactReady bool      `json:"artifact_ready"`
	ReportPath    *string   `json:"report_path"`
	RunID         string    `json:"run_id,omitempty"`
	Seq           uint64    `json:"seq"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func (r Record) clone() Record {
	out := r
	out.Errors = append(make([]string, 0, len(r.Errors)), r.Errors...)
	out.Warnings = append(make([]string, 0, len(r.Warnings)), r.Warnings...)
	if r.ReportPath != nil {
		p := *r.ReportPath
		out.ReportPath = &p
	}
	return out
}

// Fields is a partial update. Nil fields are left alone.
type Fields struct {
	Running       *bool
	Progress      *string
	CurrentStep   *Step
	ArtifactReady *bool
	ReportPath    *string
	RunID         *string
}

// Ptr is a helper for building Fields
func Ptr[T any](v T) *T {
	return &v
}

// Publisher receives every new snapshot, in mutation order
type Publisher interface {
	Publish(Record)
}

// Channel is the concurrently shared progress record. All mutation happens
// under one lock and each snapshot is published before the lock is released,
// so observers see updates in exactly the order they were made.
type Channel struct {
	mu        sync.Mutex
	rec       Record
	publisher Publisher
	now       func() time.Time
}

// NewChannel creates an empty channel. publisher may be nil.
func NewChannel(publisher Publisher) *Channel {
	return &Channel{
		rec:       Record{Errors: []string{}, Warnings: []string{}},
		publisher: publisher,
		now:       time.Now,
	}
}

// Reset clears the per-run fields at the start of a stage. The last report
// path and the artifact flag describe durable state and survive.
func (c *Channel) Reset() {
	c.mutate(func(r *Record) {
		r.Running = false
		r.Progress = ""
		r.CurrentStep = StepIdle
		r.Errors = []string{}
		r.Warnings = []string{}
		r.RunID = ""
	})
}

// Update applies the non-nil fields
func (c *Channel) Update(f Fields) {
	c.mutate(func(r *Record) {
		if f.Running != nil {
			r.Running = *f.Running
		}
		if f.Progress != nil {
			r.Progress = *f.Progress
		}
		if f.CurrentStep != nil {
			r.CurrentStep = *f.CurrentStep
		}
		if f.ArtifactReady != nil {
			r.ArtifactReady = *f.ArtifactReady
		}
		if f.ReportPath != nil {
			p := *f.ReportPath
			r.ReportPath = &p
		}
		if f.RunID != nil {
			r.RunID = *f.RunID
		}
	})
}

// SetProgress records a checkpoint message
func (c *Channel) SetProgress(msg string) {
	c.Update(Fields{Progress: &msg})
}

// AppendError adds an error message
func (c *Channel) AppendError(msg string) {
	c.mutate(func(r *Record) {
		r.Errors = append(r.Errors, msg)
	})
}

// AppendWarning adds a warning message
func (c *Channel) AppendWarning(msg string) {
	c.mutate(func(r *Record) {
		r.Warnings = append(r.Warnings, msg)
	})
}

// Snapshot returns a consistent copy
func (c *Channel) Snapshot() Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rec.clone()
}

// Apply runs fn against the record under the lock when cond accepts the
// current state. It reports whether fn ran. Used for check-then-set
// transitions that must not interleave with other writers.
func (c *Channel) Apply(cond func(Record) bool, fn func(*Record)) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cond != nil && !cond(c.rec.clone()) {
		return false
	}
	c.apply(fn)
	return true
}

func (c *Channel) mutate(fn func(*Record)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.apply(fn)
}

func (c *Channel) apply(fn func(*Record)) {
	fn(&c.rec)
	c.rec.Seq++
	c.rec.UpdatedAt = c.now()
	if c.publisher != nil {
		c.publisher.Publish(c.rec.clone())
	}
}
