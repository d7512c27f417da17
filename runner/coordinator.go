package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"dfirpipe/artifact"
	"dfirpipe/config"
	"dfirpipe/status"
)

// statusGrace bounds how long a status read waits for an exited worker's
// outcome to be recorded
const statusGrace = 2 * time.Second

// History records runs and stage executions. Failures are logged, never fatal.
type History interface {
	CreateRun(id, kind, filePath, incidentTitle string, startedAt time.Time) error
	UpdateRunState(id, state, errMsg string) error
	CreateStageExecution(runID, stage string, startedAt time.Time) (int64, error)
	FinishStageExecution(id int64, outcome, message, reportPath string, duration time.Duration) error
}

// AnalysisRequest starts the analysis stage
type AnalysisRequest struct {
	FilePath   string
	UserPrompt string
}

// ReportRequest starts the report stage
type ReportRequest struct {
	IncidentTitle string
}

// CompleteRequest runs both stages back to back
type CompleteRequest struct {
	FilePath      string
	UserPrompt    string
	IncidentTitle string
}

// Options configures a Coordinator
type Options struct {
	Runner    *StageRunner
	Channel   *status.Channel
	Store     *artifact.Store
	Timeouts  config.Timeouts
	UploadDir string
	History   History
	Logger    *slog.Logger
}

// slot reserves a stage for a run until its outcome is recorded
type slot struct {
	run      *PipelineRun
	released chan struct{}
}

// Coordinator owns the pipeline state machine. Every check-and-transition
// happens under mu, so two racing start requests can never both launch a
// worker for the same stage.
type Coordinator struct {
	mu       sync.Mutex
	runner   *StageRunner
	channel  *status.Channel
	store    *artifact.Store
	timeouts config.Timeouts
	upload   string
	history  History
	logger   *slog.Logger

	slots   map[Stage]*slot
	execs   map[Stage]*Execution // last execution per stage, kept while its worker lives
	current *PipelineRun

	wg    sync.WaitGroup
	newID func() string
}

// NewCoordinator creates an idle coordinator
func NewCoordinator(opts Options) *Coordinator {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	c := &Coordinator{
		runner:   opts.Runner,
		channel:  opts.Channel,
		store:    opts.Store,
		timeouts: opts.Timeouts,
		upload:   opts.UploadDir,
		history:  opts.History,
		logger:   logger,
		slots:    make(map[Stage]*slot),
		execs:    make(map[Stage]*Execution),
		newID:    func() string { return uuid.NewString() },
	}
	c.channel.Update(status.Fields{ArtifactReady: status.Ptr(c.artifactUsable())})
	return c
}

// Channel returns the progress channel the coordinator writes to
func (c *Coordinator) Channel() *status.Channel {
	return c.channel
}

// Store returns the artifact store
func (c *Coordinator) Store() *artifact.Store {
	return c.store
}

// StartAnalysis launches the analysis stage and returns without waiting
func (c *Coordinator) StartAnalysis(req AnalysisRequest) (PipelineRun, error) {
	path, err := c.resolveEvidence(req.FilePath)
	if err != nil {
		return PipelineRun{}, err
	}

	c.mu.Lock()
	if c.busyLocked(StageAnalysis) {
		c.mu.Unlock()
		return PipelineRun{}, ErrStageBusy
	}
	run := c.beginLocked(RunAnalysis, path, "", StageAnalysis)
	exec, err := c.launchLocked(run, StageAnalysis, Job{
		RunID:      run.ID,
		Stage:      StageAnalysis,
		FilePath:   path,
		UserPrompt: req.UserPrompt,
	}, c.timeouts.Analysis)
	snapshot := *run
	c.mu.Unlock()
	if err != nil {
		return snapshot, err
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		outcome := exec.Wait()
		c.mu.Lock()
		defer c.mu.Unlock()
		c.settleAnalysisLocked(run, exec, outcome, true)
		c.releaseLocked(run, StageAnalysis)
	}()
	return snapshot, nil
}

// StartReport launches the report stage. It fails immediately, without
// touching the progress channel, when there is no usable analysis.
func (c *Coordinator) StartReport(req ReportRequest) (PipelineRun, error) {
	c.mu.Lock()
	if err := c.checkArtifact(); err != nil {
		c.mu.Unlock()
		return PipelineRun{}, err
	}
	if c.busyLocked(StageReport) {
		c.mu.Unlock()
		return PipelineRun{}, ErrStageBusy
	}
	title := reportTitle(req.IncidentTitle)
	run := c.beginLocked(RunReport, "", title, StageReport)
	exec, err := c.launchLocked(run, StageReport, Job{
		RunID:         run.ID,
		Stage:         StageReport,
		IncidentTitle: title,
	}, c.timeouts.Report)
	snapshot := *run
	c.mu.Unlock()
	if err != nil {
		return snapshot, err
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		outcome := exec.Wait()
		c.mu.Lock()
		defer c.mu.Unlock()
		c.settleReportLocked(run, exec, outcome)
		c.releaseLocked(run, StageReport)
	}()
	return snapshot, nil
}

// StartComplete runs both stages in the background
func (c *Coordinator) StartComplete(req CompleteRequest) (PipelineRun, error) {
	run, exec, b, err := c.beginComplete(req)
	if err != nil {
		return copyRun(run), err
	}
	snapshot := copyRun(run)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		_, _ = c.finishComplete(context.Background(), run, exec, b)
	}()
	return snapshot, nil
}

// RunComplete runs analysis then report in the foreground under one combined
// budget. A failed analysis never reaches the report stage.
func (c *Coordinator) RunComplete(ctx context.Context, req CompleteRequest) (PipelineRun, error) {
	run, exec, b, err := c.beginComplete(req)
	if err != nil {
		return copyRun(run), err
	}
	return c.finishComplete(ctx, run, exec, b)
}

func copyRun(run *PipelineRun) PipelineRun {
	if run == nil {
		return PipelineRun{}
	}
	return *run
}

// budget is the combined deadline of a complete run; zero means none
type budget struct {
	deadline time.Time
}

func (b budget) cap(stage time.Duration) time.Duration {
	if b.deadline.IsZero() {
		return stage
	}
	if remaining := time.Until(b.deadline); remaining < stage {
		return remaining
	}
	return stage
}

func (c *Coordinator) beginComplete(req CompleteRequest) (*PipelineRun, *Execution, budget, error) {
	path, err := c.resolveEvidence(req.FilePath)
	if err != nil {
		return nil, nil, budget{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.busyLocked(StageAnalysis) || c.busyLocked(StageReport) {
		return nil, nil, budget{}, ErrStageBusy
	}

	title := reportTitle(req.IncidentTitle)
	run := c.beginLocked(RunComplete, path, title, StageAnalysis)
	c.reserveLocked(run, StageReport)

	var b budget
	if c.timeouts.Workflow > 0 {
		b.deadline = run.StartedAt.Add(c.timeouts.Workflow)
	}
	exec, err := c.launchLocked(run, StageAnalysis, Job{
		RunID:      run.ID,
		Stage:      StageAnalysis,
		FilePath:   path,
		UserPrompt: req.UserPrompt,
	}, b.cap(c.timeouts.Analysis))
	if err != nil {
		c.releaseLocked(run, StageReport)
		return run, nil, b, err
	}
	return run, exec, b, nil
}

func (c *Coordinator) finishComplete(ctx context.Context, run *PipelineRun, exec *Execution, b budget) (PipelineRun, error) {
	outcome := c.await(ctx, exec)

	c.mu.Lock()
	ok := c.settleAnalysisLocked(run, exec, outcome, false)
	c.releaseLocked(run, StageAnalysis)
	if !ok {
		c.releaseLocked(run, StageReport)
		out := *run
		c.mu.Unlock()
		return out, fmt.Errorf("analysis failed: %s", out.Error)
	}

	remaining := b.cap(c.timeouts.Report)
	if remaining <= 0 || ctx.Err() != nil {
		msg := "workflow exceeded the time limit before report generation"
		if ctx.Err() != nil {
			msg = "cancelled before report generation: " + ctx.Err().Error()
		}
		c.failLocked(run, StageReport, Outcome{Kind: OutcomeTimedOut, ErrKind: KindEngineTimeout, Message: msg})
		c.releaseLocked(run, StageReport)
		out := *run
		c.mu.Unlock()
		return out, errors.New(msg)
	}

	c.channel.Update(status.Fields{
		CurrentStep: status.Ptr(status.StepReport),
		Progress:    status.Ptr("Starting report generation..."),
	})
	exec, err := c.launchLocked(run, StageReport, Job{
		RunID:         run.ID,
		Stage:         StageReport,
		IncidentTitle: run.IncidentTitle,
	}, remaining)
	if err != nil {
		c.releaseLocked(run, StageReport)
		out := *run
		c.mu.Unlock()
		return out, err
	}
	c.mu.Unlock()

	outcome = c.await(ctx, exec)

	c.mu.Lock()
	defer c.mu.Unlock()
	ok = c.settleReportLocked(run, exec, outcome)
	c.releaseLocked(run, StageReport)
	if !ok {
		return *run, fmt.Errorf("report generation failed: %s", run.Error)
	}
	return *run, nil
}

// await waits for the outcome, abandoning the worker when ctx ends first
func (c *Coordinator) await(ctx context.Context, exec *Execution) Outcome {
	done := make(chan Outcome, 1)
	go func() { done <- exec.Wait() }()
	select {
	case o := <-done:
		return o
	case <-ctx.Done():
		exec.Worker().Kill()
		<-done
		return Outcome{Kind: OutcomeFailure, ErrKind: KindEngine, Message: "cancelled: " + ctx.Err().Error()}
	}
}

// Status returns the progress snapshot after checking it against worker
// liveness. A record claiming to run with no live worker is settled first.
func (c *Coordinator) Status() status.Record {
	snap := c.channel.Snapshot()
	if !snap.Running {
		return snap
	}

	c.mu.Lock()
	alive := c.aliveLocked()
	var pending []chan struct{}
	for _, s := range c.slots {
		pending = append(pending, s.released)
	}
	c.mu.Unlock()
	if alive {
		return snap
	}

	if len(pending) > 0 {
		timer := time.NewTimer(statusGrace)
		defer timer.Stop()
	wait:
		for _, ch := range pending {
			select {
			case <-ch:
			case <-timer.C:
				break wait
			}
		}
		snap = c.channel.Snapshot()
		if !snap.Running {
			return snap
		}
		c.mu.Lock()
		alive = c.aliveLocked()
		reserved := len(c.slots) > 0
		c.mu.Unlock()
		if alive || reserved {
			return snap
		}
	}

	seq := snap.Seq
	forced := c.channel.Apply(func(r status.Record) bool {
		return r.Running && r.Seq == seq
	}, func(r *status.Record) {
		r.Running = false
		r.CurrentStep = status.StepError
		r.Progress = "Error: " + crashMessage
		r.Errors = append(r.Errors, crashMessage)
	})
	if forced {
		c.logger.Warn("status reconciled: no live worker behind running flag")
	}
	return c.channel.Snapshot()
}

// State returns the state of the most recent run
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return StateIdle
	}
	return c.current.State
}

// CurrentRun returns the most recent run, if any
func (c *Coordinator) CurrentRun() (PipelineRun, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return PipelineRun{}, false
	}
	return *c.current, true
}

// Busy reports whether a stage has a run in flight or a live worker
func (c *Coordinator) Busy(stage Stage) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.busyLocked(stage)
}

// LiveWorkers counts worker processes that have not exited
func (c *Coordinator) LiveWorkers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, e := range c.execs {
		if e.Alive() {
			n++
		}
	}
	return n
}

// Wait blocks until every background run has settled
func (c *Coordinator) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown kills live workers and waits for their runs to settle
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	for _, e := range c.execs {
		if e.Alive() {
			e.Worker().Kill()
		}
	}
	c.mu.Unlock()
	return c.Wait(ctx)
}

func (c *Coordinator) resolveEvidence(path string) (string, error) {
	if path == "" {
		return LatestEvidence(c.upload)
	}
	return ValidateEvidence(path, c.upload)
}

func (c *Coordinator) checkArtifact() error {
	_, shape, err := c.store.Read()
	if errors.Is(err, artifact.ErrNotFound) {
		return ErrAnalysisNotFound
	}
	if err != nil || !shape.Usable() {
		return ErrArtifactInvalid
	}
	return nil
}

func (c *Coordinator) artifactUsable() bool {
	_, shape, err := c.store.Read()
	return err == nil && shape.Usable()
}

func reportTitle(title string) string {
	if title == "" {
		return DefaultIncidentTitle
	}
	return title
}

func (c *Coordinator) busyLocked(stage Stage) bool {
	if _, ok := c.slots[stage]; ok {
		return true
	}
	e := c.execs[stage]
	return e != nil && e.Alive()
}

func (c *Coordinator) aliveLocked() bool {
	for _, e := range c.execs {
		if e.Alive() {
			return true
		}
	}
	return false
}

func (c *Coordinator) reserveLocked(run *PipelineRun, stage Stage) {
	c.slots[stage] = &slot{run: run, released: make(chan struct{})}
}

func (c *Coordinator) releaseLocked(run *PipelineRun, stage Stage) {
	s, ok := c.slots[stage]
	if !ok || s.run != run {
		return
	}
	delete(c.slots, stage)
	close(s.released)
}

// beginLocked creates the run, reserves its first stage and resets the channel
func (c *Coordinator) beginLocked(kind, filePath, title string, stage Stage) *PipelineRun {
	run := &PipelineRun{
		ID:            c.newID(),
		Kind:          kind,
		State:         StateIdle,
		StartedAt:     time.Now(),
		FilePath:      filePath,
		IncidentTitle: title,
	}
	c.current = run
	c.reserveLocked(run, stage)

	progress := "Starting DFIR analysis..."
	fields := status.Fields{
		Running:     status.Ptr(true),
		CurrentStep: status.Ptr(status.StepInitialization),
		RunID:       status.Ptr(run.ID),
	}
	if stage == StageReport {
		progress = "Starting report generation..."
	} else {
		fields.ArtifactReady = status.Ptr(false)
	}
	fields.Progress = &progress
	c.channel.Reset()
	c.channel.Update(fields)

	if c.history != nil {
		if err := c.history.CreateRun(run.ID, kind, filePath, title, run.StartedAt); err != nil {
			c.logger.Warn("failed to record run", "run_id", run.ID, "error", err)
		}
	}
	c.logger.Info("🚀 run started", "run_id", run.ID, "kind", kind)
	return run
}

// launchLocked starts a stage worker for run. On failure the run is failed
// and the stage released.
func (c *Coordinator) launchLocked(run *PipelineRun, stage Stage, job Job, timeout time.Duration) (*Execution, error) {
	if stage == StageAnalysis {
		run.State = StateAnalysisRunning
		c.channel.Update(status.Fields{CurrentStep: status.Ptr(status.StepAnalysis)})
	} else {
		run.State = StateReportRunning
		c.channel.Update(status.Fields{CurrentStep: status.Ptr(status.StepReport)})
	}

	exec, err := c.runner.Start(context.Background(), job, timeout)
	if err != nil {
		c.failLocked(run, stage, Outcome{Kind: OutcomeFailure, ErrKind: KindOf(err), Message: err.Error()})
		c.releaseLocked(run, stage)
		return nil, err
	}
	c.execs[stage] = exec
	run.StageDeadline = exec.Deadline
	c.recordStageStart(run, exec)
	return exec, nil
}

// settleAnalysisLocked applies an analysis outcome. The artifact on disk is
// authoritative; the returned text is only a fallback. final marks the end of
// the run rather than a hand-off to the report stage.
func (c *Coordinator) settleAnalysisLocked(run *PipelineRun, exec *Execution, outcome Outcome, final bool) bool {
	if outcome.Succeeded() {
		shape, err := c.store.Adopt(outcome.Result.FinalText, run.FilePath)
		if err != nil || !shape.Usable() {
			msg := ErrArtifactInvalid.Error()
			if err != nil {
				msg = fmt.Sprintf("%s: %v", msg, err)
			}
			outcome = Outcome{Kind: OutcomeFailure, ErrKind: KindArtifact, Message: msg, Duration: outcome.Duration}
		} else if shape == artifact.ValidLegacy {
			c.channel.AppendWarning("Analysis uses the legacy single-field format; the report will have an executive summary only.")
		}
	}
	c.recordStageFinish(exec, outcome, "")

	if !outcome.Succeeded() {
		c.failLocked(run, StageAnalysis, outcome)
		return false
	}

	run.State = StateAnalysisDone
	c.channel.Update(status.Fields{
		Running:       status.Ptr(!final),
		CurrentStep:   status.Ptr(status.StepAnalysisDone),
		Progress:      status.Ptr("DFIR analysis completed successfully"),
		ArtifactReady: status.Ptr(true),
	})
	if final {
		c.recordRunState(run)
	}
	c.logger.Info("🟢 analysis completed", "run_id", run.ID, "duration", outcome.Duration.Round(time.Millisecond))
	return true
}

func (c *Coordinator) settleReportLocked(run *PipelineRun, exec *Execution, outcome Outcome) bool {
	path := ""
	if outcome.Succeeded() {
		path = outcome.Result.RunReportPath
		if path == "" {
			path = outcome.Result.ReportPath
		}
	}
	c.recordStageFinish(exec, outcome, path)

	if !outcome.Succeeded() {
		c.failLocked(run, StageReport, outcome)
		return false
	}

	run.State = StateComplete
	c.channel.Update(status.Fields{
		Running:     status.Ptr(false),
		CurrentStep: status.Ptr(status.StepCompleted),
		Progress:    status.Ptr("HTML report generated successfully"),
		ReportPath:  &path,
	})
	c.recordRunState(run)
	c.logger.Info("🏁 report completed", "run_id", run.ID, "path", path)
	return true
}

// failLocked moves run to Failed and copies the outcome into the channel
func (c *Coordinator) failLocked(run *PipelineRun, stage Stage, outcome Outcome) {
	var errMsg, progress string
	switch {
	case outcome.ErrKind == KindArtifact:
		errMsg = outcome.Message
		progress = "Error: " + truncate(outcome.Message, 100)
	case outcome.Kind == OutcomeTimedOut:
		errMsg = fmt.Sprintf("Timeout during %s: %s", stage.activity(), outcome.Message)
		progress = "Error: Timeout"
	default:
		errMsg = fmt.Sprintf("Error during %s: %s", stage.activity(), outcome.Message)
		progress = "Error: " + truncate(outcome.Message, 100)
	}

	run.State = StateFailed
	run.Error = errMsg
	c.channel.AppendError(errMsg)
	c.channel.Update(status.Fields{
		Running:       status.Ptr(false),
		CurrentStep:   status.Ptr(status.StepError),
		Progress:      &progress,
		ArtifactReady: status.Ptr(c.artifactUsable()),
	})
	c.recordRunState(run)
	c.logger.Warn("❌ run failed", "run_id", run.ID, "stage", stage, "kind", outcome.ErrKind, "error", truncate(outcome.Message, 200))
}

func (c *Coordinator) recordRunState(run *PipelineRun) {
	if c.history == nil {
		return
	}
	if err := c.history.UpdateRunState(run.ID, run.State.String(), run.Error); err != nil {
		c.logger.Warn("failed to record run state", "run_id", run.ID, "error", err)
	}
}

func (c *Coordinator) recordStageStart(run *PipelineRun, exec *Execution) {
	if c.history == nil {
		return
	}
	id, err := c.history.CreateStageExecution(run.ID, string(exec.Job.Stage), exec.StartedAt)
	if err != nil {
		c.logger.Warn("failed to record stage", "run_id", run.ID, "error", err)
		return
	}
	exec.historyID = id
}

func (c *Coordinator) recordStageFinish(exec *Execution, outcome Outcome, reportPath string) {
	if c.history == nil {
		return
	}
	if exec.historyID == 0 {
		return
	}
	msg := outcome.Message
	if outcome.ErrKind != "" {
		msg = string(outcome.ErrKind) + ": " + msg
	}
	if err := c.history.FinishStageExecution(exec.historyID, outcome.Kind.String(), truncate(msg, 2000), reportPath, outcome.Duration); err != nil {
		c.logger.Warn("failed to record stage outcome", "error", err)
	}
}
