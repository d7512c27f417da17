package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"dfirpipe/artifact"
	"dfirpipe/config"
	"dfirpipe/engine"
	"dfirpipe/status"
)

// The test binary doubles as the worker executable: when the mode variable is
// set it serves one job on stdin/stdout instead of running tests.
const (
	workerModeEnv = "DFIRPIPE_TEST_WORKER"
	workerBaseEnv = "DFIRPIPE_TEST_BASE"
)

func TestMain(m *testing.M) {
	if mode := os.Getenv(workerModeEnv); mode != "" {
		os.Exit(runFakeWorker(mode))
	}
	os.Exit(m.Run())
}

const validAnalysis = `{
  "INCIDENT_TITLE": "SSH brute force",
  "EXECUTIVE_SUMMARY": "Repeated SSH failures from 203.0.113.7 followed by a successful root login.",
  "STATISTICS_CARDS": [{"number": 3, "label": "IOCs"}]
}`

func runFakeWorker(mode string) int {
	cfg := config.Default()
	cfg.BaseDir = os.Getenv(workerBaseEnv)
	cfg.Engine.ReportMode = config.ReportModeTemplate

	stages := NewStages(cfg, slog.New(slog.NewTextHandler(os.Stderr, nil)))
	var exec StageExecutor = stages

	switch mode {
	case "crash":
		exec = StageExecutorFunc(func(ctx context.Context, job Job, r Reporter) (*StageResult, error) {
			r.Progress("about to crash")
			os.Exit(3)
			return nil, nil
		})
	case "invalid":
		// reports success while leaving an unusable artifact behind
		exec = StageExecutorFunc(func(ctx context.Context, job Job, r Reporter) (*StageResult, error) {
			if err := artifact.WriteFile(stages.Store.Path(), []byte(`"bare string"`)); err != nil {
				return nil, err
			}
			return &StageResult{FinalText: "Analysis saved."}, nil
		})
	default:
		stages.NewEngine = func(stage Stage) (engine.Engine, error) {
			if stage == StageReport {
				return &engine.TemplateEngine{Renderer: stages.Renderer}, nil
			}
			return &scriptEngine{mode: mode, path: stages.Store.Path()}, nil
		}
	}

	if err := ServeWorker(context.Background(), os.Stdin, os.Stdout, exec); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return 0
}

// scriptEngine stands in for the agent
type scriptEngine struct {
	mode string
	path string
}

func (e *scriptEngine) Invoke(ctx context.Context, instruction string, maxSteps int) (engine.Result, error) {
	switch e.mode {
	case "valid":
		if err := artifact.WriteFile(e.path, []byte(validAnalysis)); err != nil {
			return engine.Result{}, err
		}
		return engine.Result{FinalText: "Analysis saved to dfir_reports/dfir_analysis.json", Steps: 2}, nil
	case "prose":
		return engine.Result{FinalText: "## Findings\nroot login from 203.0.113.7", Steps: 1}, nil
	case "hang":
		// ignores cancellation on purpose so only the kill can stop it
		time.Sleep(time.Hour)
		return engine.Result{}, nil
	case "fail":
		return engine.Result{Steps: 1}, errors.New("model context length exceeded: 210000 tokens")
	default:
		return engine.Result{}, fmt.Errorf("unknown mode %q", e.mode)
	}
}

type harness struct {
	base     string
	evidence string
	channel  *status.Channel
	store    *artifact.Store
	coord    *Coordinator
}

func newHarness(t *testing.T, mode string, timeouts config.Timeouts) *harness {
	t.Helper()
	base := t.TempDir()
	reports := filepath.Join(base, "dfir_reports")
	logs := filepath.Join(base, "logs")
	uploads := filepath.Join(base, "test_data")
	if err := os.MkdirAll(uploads, 0o755); err != nil {
		t.Fatal(err)
	}
	evidence := filepath.Join(uploads, "wazuh.json")
	if err := os.WriteFile(evidence, []byte(`{"rule": {"id": 5710}}`), 0o644); err != nil {
		t.Fatal(err)
	}

	ch := status.NewChannel(nil)
	launcher := &ProcessLauncher{
		Executable: os.Args[0],
		Env:        []string{workerModeEnv + "=" + mode, workerBaseEnv + "=" + base},
		LogDir:     logs,
		Grace:      100 * time.Millisecond,
	}
	store := artifact.NewStore(reports)
	coord := NewCoordinator(Options{
		Runner:    &StageRunner{Launcher: launcher, Channel: ch, Dirs: []string{reports, logs}},
		Channel:   ch,
		Store:     store,
		Timeouts:  timeouts,
		UploadDir: uploads,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = coord.Shutdown(ctx)
	})
	return &harness{base: base, evidence: evidence, channel: ch, store: store, coord: coord}
}

func (h *harness) wait(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	if err := h.coord.Wait(ctx); err != nil {
		t.Fatalf("runs did not settle: %v", err)
	}
}

func defaultTimeouts() config.Timeouts {
	return config.Timeouts{Analysis: 20 * time.Second, Report: 20 * time.Second, Workflow: 40 * time.Second}
}
