package runner

import (
	"context"
	"encoding/json"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dfirpipe/artifact"
	"dfirpipe/config"
	"dfirpipe/report"
	"dfirpipe/status"
)

func TestAnalysisSucceeds(t *testing.T) {
	h := newHarness(t, "valid", defaultTimeouts())

	run, err := h.coord.StartAnalysis(AnalysisRequest{FilePath: h.evidence, UserPrompt: "Find the intrusion"})
	require.NoError(t, err)
	assert.Equal(t, StateAnalysisRunning, run.State)
	assert.False(t, run.StageDeadline.IsZero())
	h.wait(t)

	assert.Equal(t, StateAnalysisDone, h.coord.State())
	snap := h.coord.Status()
	assert.False(t, snap.Running)
	assert.Equal(t, status.StepAnalysisDone, snap.CurrentStep)
	assert.Equal(t, "DFIR analysis completed successfully", snap.Progress)
	assert.True(t, snap.ArtifactReady)
	assert.Empty(t, snap.Errors)

	rec, shape, err := h.store.Read()
	require.NoError(t, err)
	assert.Equal(t, artifact.Valid, shape)
	assert.Equal(t, h.evidence, rec[artifact.KeyFilePath])
	assert.FileExists(t, filepath.Join(h.base, "logs", "worker_analysis.log"))
}

func TestCompleteWorkflow(t *testing.T) {
	h := newHarness(t, "valid", defaultTimeouts())

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	run, err := h.coord.RunComplete(ctx, CompleteRequest{
		FilePath:      h.evidence,
		UserPrompt:    "Find the intrusion",
		IncidentTitle: "SSH Brute Force",
	})
	require.NoError(t, err)
	assert.Equal(t, StateComplete, run.State)
	assert.Equal(t, RunComplete, run.Kind)

	snap := h.coord.Status()
	assert.False(t, snap.Running)
	assert.Equal(t, status.StepCompleted, snap.CurrentStep)
	require.NotNil(t, snap.ReportPath)
	assert.Equal(t, "dfir_report_ssh_brute_force.html", filepath.Base(*snap.ReportPath))

	latest, err := os.ReadFile(filepath.Join(h.base, "dfir_reports", report.LatestFileName))
	require.NoError(t, err)
	perRun, err := os.ReadFile(*snap.ReportPath)
	require.NoError(t, err)
	assert.Equal(t, latest, perRun)
	assert.Contains(t, string(latest), `<div class="number">3</div><div class="label">IOCs</div>`)
}

func TestReportWithoutAnalysisSpawnsNothing(t *testing.T) {
	h := newHarness(t, "valid", defaultTimeouts())
	before := h.channel.Snapshot()

	_, err := h.coord.StartReport(ReportRequest{IncidentTitle: "x"})
	assert.ErrorIs(t, err, ErrAnalysisNotFound)
	assert.Equal(t, 0, h.coord.LiveWorkers())
	assert.False(t, h.coord.Busy(StageReport))
	assert.Equal(t, before.Seq, h.channel.Snapshot().Seq)
}

func TestReportRejectsInvalidArtifact(t *testing.T) {
	h := newHarness(t, "valid", defaultTimeouts())
	require.NoError(t, os.MkdirAll(h.store.Dir(), 0o755))
	require.NoError(t, os.WriteFile(h.store.Path(), []byte(`["not", "an", "object"]`), 0o644))

	_, err := h.coord.StartReport(ReportRequest{})
	assert.ErrorIs(t, err, ErrArtifactInvalid)
	assert.Equal(t, 0, h.coord.LiveWorkers())
}

func TestReportFromLegacyArtifact(t *testing.T) {
	h := newHarness(t, "valid", defaultTimeouts())
	require.NoError(t, os.MkdirAll(h.store.Dir(), 0o755))
	require.NoError(t, os.WriteFile(h.store.Path(), []byte(`{"analysis": "text"}`), 0o644))

	_, err := h.coord.StartReport(ReportRequest{IncidentTitle: "Legacy"})
	require.NoError(t, err)
	h.wait(t)

	assert.Equal(t, StateComplete, h.coord.State())
	snap := h.coord.Status()
	require.NotNil(t, snap.ReportPath)
	html, err := os.ReadFile(*snap.ReportPath)
	require.NoError(t, err)
	assert.Contains(t, string(html), "text")

	raw, err := os.ReadFile(h.store.Path())
	require.NoError(t, err)
	assert.JSONEq(t, `{"analysis": "text"}`, string(raw), "the report stage never touches the artifact")
}

func TestInvalidArtifactFailsRun(t *testing.T) {
	h := newHarness(t, "invalid", defaultTimeouts())

	_, err := h.coord.StartAnalysis(AnalysisRequest{FilePath: h.evidence})
	require.NoError(t, err)
	h.wait(t)

	assert.Equal(t, StateFailed, h.coord.State())
	snap := h.coord.Status()
	assert.Equal(t, status.StepError, snap.CurrentStep)
	assert.Contains(t, snap.Errors, ErrArtifactInvalid.Error())
	assert.False(t, snap.ArtifactReady)

	_, err = h.coord.StartReport(ReportRequest{})
	assert.ErrorIs(t, err, ErrArtifactInvalid)
}

func TestCompleteWorkflowStopsAfterFailedAnalysis(t *testing.T) {
	h := newHarness(t, "invalid", defaultTimeouts())

	run, err := h.coord.RunComplete(context.Background(), CompleteRequest{FilePath: h.evidence})
	require.Error(t, err)
	assert.Equal(t, StateFailed, run.State)
	assert.NoFileExists(t, filepath.Join(h.store.Dir(), report.LatestFileName))
}

func TestProseAnalysisIsWrapped(t *testing.T) {
	h := newHarness(t, "prose", defaultTimeouts())

	_, err := h.coord.StartAnalysis(AnalysisRequest{FilePath: h.evidence})
	require.NoError(t, err)
	h.wait(t)

	assert.Equal(t, StateAnalysisDone, h.coord.State())
	_, shape, err := h.store.Read()
	require.NoError(t, err)
	assert.Equal(t, artifact.ValidLegacy, shape)
	assert.NotEmpty(t, h.coord.Status().Warnings)
}

func TestAnalysisTimeout(t *testing.T) {
	timeouts := defaultTimeouts()
	timeouts.Analysis = 500 * time.Millisecond
	h := newHarness(t, "hang", timeouts)

	_, err := h.coord.StartAnalysis(AnalysisRequest{FilePath: h.evidence})
	require.NoError(t, err)
	h.wait(t)

	assert.Equal(t, StateFailed, h.coord.State())
	snap := h.coord.Status()
	assert.False(t, snap.Running)
	assert.Equal(t, status.StepError, snap.CurrentStep)
	assert.Equal(t, "Error: Timeout", snap.Progress)
	assert.Contains(t, snap.Warnings, "DFIR analysis exceeded the time limit.")

	require.Eventually(t, func() bool { return h.coord.LiveWorkers() == 0 }, 10*time.Second, 50*time.Millisecond)
	assert.False(t, h.coord.Busy(StageAnalysis))
}

func TestWorkerCrash(t *testing.T) {
	h := newHarness(t, "crash", defaultTimeouts())

	_, err := h.coord.StartAnalysis(AnalysisRequest{FilePath: h.evidence})
	require.NoError(t, err)
	h.wait(t)

	assert.Equal(t, StateFailed, h.coord.State())
	snap := h.coord.Status()
	assert.False(t, snap.Running)
	require.Len(t, snap.Errors, 1)
	assert.Contains(t, snap.Errors[0], crashMessage)
	assert.Equal(t, 0, h.coord.LiveWorkers())
}

func TestEngineFailureAddsDiagnostics(t *testing.T) {
	h := newHarness(t, "fail", defaultTimeouts())

	_, err := h.coord.StartAnalysis(AnalysisRequest{FilePath: h.evidence})
	require.NoError(t, err)
	h.wait(t)

	snap := h.coord.Status()
	assert.Equal(t, status.StepError, snap.CurrentStep)
	require.Len(t, snap.Errors, 1)
	assert.Contains(t, snap.Errors[0], "Error during DFIR analysis: model context length exceeded")
	assert.Contains(t, snap.Warnings, "⚠️ Context/token limit exceeded.")
	assert.LessOrEqual(t, len([]rune(snap.Progress)), len("Error: ")+100)
}

func TestSecondAnalysisIsRefusedWhileRunning(t *testing.T) {
	h := newHarness(t, "hang", defaultTimeouts())

	_, err := h.coord.StartAnalysis(AnalysisRequest{FilePath: h.evidence})
	require.NoError(t, err)
	_, err = h.coord.StartAnalysis(AnalysisRequest{FilePath: h.evidence})
	assert.ErrorIs(t, err, ErrStageBusy)
	_, err = h.coord.StartComplete(CompleteRequest{FilePath: h.evidence})
	assert.ErrorIs(t, err, ErrStageBusy)

	snap := h.coord.Status()
	assert.True(t, snap.Running)
	assert.Equal(t, status.StepAnalysis, snap.CurrentStep)
}

func TestMissingEvidence(t *testing.T) {
	h := newHarness(t, "valid", defaultTimeouts())
	_, err := h.coord.StartAnalysis(AnalysisRequest{FilePath: filepath.Join(h.base, "nope.json")})
	assert.ErrorIs(t, err, ErrEvidenceNotFound)
	assert.Equal(t, StateIdle, h.coord.State())
}

func TestStatusReconcilesDeadWorker(t *testing.T) {
	ch := status.NewChannel(nil)
	c := NewCoordinator(Options{
		Runner:  &StageRunner{Launcher: &fakeLauncher{}, Channel: ch},
		Channel: ch,
		Store:   artifact.NewStore(t.TempDir()),
	})
	// a record left claiming to run with nothing behind it
	ch.Update(status.Fields{Running: status.Ptr(true), CurrentStep: status.Ptr(status.StepAnalysis)})

	snap := c.Status()
	assert.False(t, snap.Running)
	assert.Equal(t, status.StepError, snap.CurrentStep)
	assert.Contains(t, snap.Errors, crashMessage)
}

// fakeLauncher runs workers in-process and tracks how many are alive per stage
type fakeLauncher struct {
	mu         sync.Mutex
	live       map[Stage]int
	violations atomic.Int32
	launched   atomic.Int32
}

func (l *fakeLauncher) Launch(ctx context.Context, job Job) (Worker, error) {
	l.mu.Lock()
	if l.live == nil {
		l.live = make(map[Stage]int)
	}
	l.live[job.Stage]++
	if l.live[job.Stage] > 1 {
		l.violations.Add(1)
	}
	l.mu.Unlock()
	l.launched.Add(1)

	w := &fakeWorker{
		messages: make(chan Message, 1),
		done:     make(chan struct{}),
		kill:     make(chan struct{}),
	}
	delay := time.Duration(rand.Intn(3000)) * time.Microsecond
	go func() {
		select {
		case <-time.After(delay):
			w.messages <- Message{Type: MsgResult, Result: &StageResult{FinalText: "ok"}}
		case <-w.kill:
		}
		close(w.messages)
		l.mu.Lock()
		l.live[job.Stage]--
		l.mu.Unlock()
		close(w.done)
	}()
	return w, nil
}

type fakeWorker struct {
	messages chan Message
	done     chan struct{}
	kill     chan struct{}
	once     sync.Once
}

func (w *fakeWorker) Messages() <-chan Message { return w.messages }
func (w *fakeWorker) Done() <-chan struct{}    { return w.done }
func (w *fakeWorker) ExitErr() error           { return nil }
func (w *fakeWorker) Cancel()                  {}
func (w *fakeWorker) Pid() int                 { return 0 }
func (w *fakeWorker) Kill()                    { w.once.Do(func() { close(w.kill) }) }

func TestAtMostOneWorkerPerStage(t *testing.T) {
	base := t.TempDir()
	evidence := filepath.Join(base, "evidence.json")
	require.NoError(t, os.WriteFile(evidence, []byte(`{}`), 0o644))
	store := artifact.NewStore(filepath.Join(base, "dfir_reports"))
	_, err := store.Write(`{"EXECUTIVE_SUMMARY": "x"}`, "")
	require.NoError(t, err)

	launcher := &fakeLauncher{}
	ch := status.NewChannel(nil)
	c := NewCoordinator(Options{
		Runner:   &StageRunner{Launcher: launcher, Channel: ch},
		Channel:  ch,
		Store:    store,
		Timeouts: config.Timeouts{Analysis: time.Minute, Report: time.Minute, Workflow: 2 * time.Minute},
	})

	var wg sync.WaitGroup
	var busy atomic.Int32
	for g := 0; g < 16; g++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))
			for i := 0; i < 40; i++ {
				var err error
				switch rng.Intn(3) {
				case 0:
					_, err = c.StartAnalysis(AnalysisRequest{FilePath: evidence})
				case 1:
					_, err = c.StartReport(ReportRequest{IncidentTitle: "t"})
				case 2:
					_, err = c.StartComplete(CompleteRequest{FilePath: evidence})
				}
				if err == ErrStageBusy {
					busy.Add(1)
				} else {
					assert.NoError(t, err)
				}
				_ = c.Status()
				time.Sleep(time.Duration(rng.Intn(500)) * time.Microsecond)
			}
		}(int64(g))
	}
	wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, c.Wait(ctx))

	assert.Zero(t, launcher.violations.Load(), "two workers of one stage were alive at once")
	assert.Positive(t, launcher.launched.Load())
	assert.Positive(t, busy.Load())
	assert.False(t, c.Status().Running)
}

func TestPipelineRunJSON(t *testing.T) {
	data, err := json.Marshal(PipelineRun{ID: "r1", Kind: RunAnalysis, State: StateAnalysisRunning})
	require.NoError(t, err)
	assert.Contains(t, string(data), `"state":"analysis_running"`)
}

func TestDirectorySetupFailureLaunchesNothing(t *testing.T) {
	base := t.TempDir()
	blocker := filepath.Join(base, "not_a_dir")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o644))
	evidence := filepath.Join(base, "auth.json")
	require.NoError(t, os.WriteFile(evidence, []byte(`{}`), 0o644))

	launcher := &fakeLauncher{}
	ch := status.NewChannel(nil)
	c := NewCoordinator(Options{
		Runner:  &StageRunner{Launcher: launcher, Channel: ch, Dirs: []string{filepath.Join(blocker, "reports")}},
		Channel: ch,
		Store:   artifact.NewStore(filepath.Join(base, "reports")),
	})

	run, err := c.StartAnalysis(AnalysisRequest{FilePath: evidence})
	require.Error(t, err)
	assert.Equal(t, KindDirectorySetup, KindOf(err))
	assert.Equal(t, StateFailed, run.State)
	assert.Zero(t, launcher.launched.Load())
	assert.False(t, c.Busy(StageAnalysis))
	assert.Equal(t, status.StepError, c.Status().CurrentStep)
}

func TestStateTerminal(t *testing.T) {
	for _, s := range []State{StateComplete, StateFailed} {
		assert.True(t, s.Terminal(), s.String())
	}
	for _, s := range []State{StateIdle, StateAnalysisRunning, StateAnalysisDone, StateReportRunning} {
		assert.False(t, s.Terminal(), s.String())
	}
}
