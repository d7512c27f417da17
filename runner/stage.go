package runner

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"dfirpipe/status"
)

// crashMessage is reported when a worker exits without an error or result
const crashMessage = "worker exited without reporting an outcome"

// StageRunner starts stage workers and supervises them until they finish or
// run out of time.
type StageRunner struct {
	Launcher Launcher
	Channel  *status.Channel
	Dirs     []string // created before every stage
	Logger   *slog.Logger
}

// PrepareDirs makes sure the durable directories exist. Failing to create one
// is fatal; failing to relax its permissions is only a warning.
func (r *StageRunner) PrepareDirs() error {
	for _, dir := range r.Dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return stageErr(KindDirectorySetup, "failed to create directory %s: %w", dir, err)
		}
		if err := os.Chmod(dir, 0o777); err != nil {
			r.Channel.AppendWarning(fmt.Sprintf("Could not set permissions on %s: %v", dir, err))
		}
	}
	return nil
}

// Start prepares directories and launches a worker for job. The returned
// Execution must be waited on.
func (r *StageRunner) Start(ctx context.Context, job Job, timeout time.Duration) (*Execution, error) {
	if err := r.PrepareDirs(); err != nil {
		return nil, err
	}

	startedAt := time.Now()
	w, err := r.Launcher.Launch(ctx, job)
	if err != nil {
		return nil, stageErr(KindWorkerCrash, "failed to launch %s worker: %w", job.Stage, err)
	}

	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Execution{
		Job:       job,
		StartedAt: startedAt,
		Deadline:  startedAt.Add(timeout),
		worker:    w,
		channel:   r.Channel,
		logger:    logger.With("stage", job.Stage, "run_id", job.RunID, "pid", w.Pid()),
	}, nil
}

// Execution is one supervised worker
type Execution struct {
	Job       Job
	StartedAt time.Time
	Deadline  time.Time

	worker    Worker
	channel   *status.Channel
	logger    *slog.Logger
	historyID int64

	once    sync.Once
	outcome Outcome
}

// Wait blocks until the stage reaches an outcome. Safe to call more than once.
func (e *Execution) Wait() Outcome {
	e.once.Do(func() {
		e.outcome = e.supervise()
		e.outcome.Duration = time.Since(e.StartedAt)
	})
	return e.outcome
}

// Alive reports whether the worker process has not exited yet. A timed out
// worker stays alive until its process group is gone.
func (e *Execution) Alive() bool {
	select {
	case <-e.worker.Done():
		return false
	default:
		return true
	}
}

// Worker returns the underlying worker handle
func (e *Execution) Worker() Worker {
	return e.worker
}

func (e *Execution) supervise() Outcome {
	timer := time.NewTimer(time.Until(e.Deadline))
	defer timer.Stop()

	var (
		result  *StageResult
		failure *Message
	)
	msgs := e.worker.Messages()
	for msgs != nil {
		select {
		case m, ok := <-msgs:
			if !ok {
				msgs = nil
				continue
			}
			switch m.Type {
			case MsgProgress:
				e.channel.SetProgress(m.Text)
			case MsgWarning:
				e.channel.AppendWarning(m.Text)
			case MsgError:
				failure = &m
			case MsgResult:
				result = m.Result
			}
		case <-timer.C:
			return e.timeout()
		}
	}

	select {
	case <-e.worker.Done():
	case <-timer.C:
		return e.timeout()
	}

	switch {
	case failure != nil:
		kind := failure.Kind
		if kind == "" {
			kind = KindEngine
		}
		for _, w := range Diagnose(e.Job.Stage, failure.Text) {
			e.channel.AppendWarning(w)
		}
		e.logger.Warn("❌ stage failed", "kind", kind, "error", truncate(failure.Text, 200))
		return Outcome{Kind: OutcomeFailure, ErrKind: kind, Message: failure.Text}
	case result != nil:
		e.logger.Info("✅ stage finished", "steps", result.Steps)
		return Outcome{Kind: OutcomeSuccess, Result: result}
	default:
		msg := crashMessage
		if err := e.worker.ExitErr(); err != nil {
			msg = fmt.Sprintf("%s: %v", crashMessage, err)
		}
		for _, w := range Diagnose(e.Job.Stage, msg) {
			e.channel.AppendWarning(w)
		}
		e.logger.Error("💥 worker crashed", "error", msg)
		return Outcome{Kind: OutcomeFailure, ErrKind: KindWorkerCrash, Message: msg}
	}
}

// timeout abandons the worker. Cancellation and the kill run in the
// background; the coordinator does not wait for them.
func (e *Execution) timeout() Outcome {
	e.channel.AppendWarning(e.Job.Stage.Label() + " exceeded the time limit.")
	e.worker.Kill()
	limit := e.Deadline.Sub(e.StartedAt).Round(time.Millisecond)
	e.logger.Warn("⏱️ stage timed out", "limit", limit)
	return Outcome{
		Kind:    OutcomeTimedOut,
		ErrKind: KindEngineTimeout,
		Message: fmt.Sprintf("%s timed out after %s", e.Job.Stage.Label(), limit),
	}
}
