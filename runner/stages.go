package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"dfirpipe/artifact"
	"dfirpipe/config"
	"dfirpipe/engine"
	"dfirpipe/report"
)

// EngineFactory builds the engine a stage talks to
type EngineFactory func(stage Stage) (engine.Engine, error)

// Stages runs the analysis and report stages inside the worker process
type Stages struct {
	Config    *config.Config
	Store     *artifact.Store
	Renderer  *report.Renderer
	NewEngine EngineFactory
	Logger    *slog.Logger
}

// NewStages wires the stages against the configured engine backend
func NewStages(cfg *config.Config, logger *slog.Logger) *Stages {
	if logger == nil {
		logger = slog.Default()
	}
	store := artifact.NewStore(cfg.ReportsPath())
	s := &Stages{
		Config:   cfg,
		Store:    store,
		Renderer: &report.Renderer{Store: store, TemplatePath: cfg.Resolve(cfg.TemplatePath)},
		Logger:   logger,
	}
	s.NewEngine = s.defaultEngine
	return s
}

func (s *Stages) defaultEngine(stage Stage) (engine.Engine, error) {
	if stage == StageReport && s.Config.Engine.ReportMode == config.ReportModeTemplate {
		return &engine.TemplateEngine{Renderer: s.Renderer}, nil
	}

	ep := s.Config.Engine.Resolve()
	if ep.Model == "" {
		return nil, errors.New("no model configured")
	}
	tools := engine.Toolset(string(stage), s.Config.Capabilities, engine.Deps{
		BaseDir:        s.Config.Resolve("."),
		CommandTimeout: s.Config.Engine.CommandTimeout,
		Renderer:       s.Renderer,
	})
	s.Logger.Info("🤖 engine ready", "stage", stage, "provider", ep.Provider, "model", ep.Model, "tools", len(tools))
	return engine.NewAgent(ep, SystemPrompt(stage), tools, engine.WithLogger(s.Logger)), nil
}

// Execute implements StageExecutor
func (s *Stages) Execute(ctx context.Context, job Job, r Reporter) (*StageResult, error) {
	switch job.Stage {
	case StageAnalysis:
		return s.analyze(ctx, job, r)
	case StageReport:
		return s.report(ctx, job, r)
	default:
		return nil, fmt.Errorf("unknown stage %q", job.Stage)
	}
}

func (s *Stages) analyze(ctx context.Context, job Job, r Reporter) (*StageResult, error) {
	r.Progress("Initializing DFIR agents...")
	eng, err := s.NewEngine(StageAnalysis)
	if err != nil {
		return nil, stageErr(KindEngine, "failed to initialize engine: %w", err)
	}

	r.Progress("Running DFIR analysis...")
	mark := markOutput(s.Store.Path())
	res, err := eng.Invoke(ctx, AnalysisInstruction(job), s.Config.Engine.AnalysisMaxSteps)
	if err != nil && !s.tolerateStepLimit(err, mark, r) {
		return nil, engineErr(ctx, err)
	}

	r.Progress("Saving DFIR analysis...")
	var shape artifact.Shape
	if mark.written() {
		shape, err = s.Store.Reconcile(res.FinalText, job.FilePath)
	} else {
		// a file from an earlier run is superseded, never adopted
		shape, err = s.Store.Write(res.FinalText, job.FilePath)
	}
	if err != nil {
		return nil, stageErr(KindOutputWrite, "failed to save analysis: %w", err)
	}
	if shape == artifact.ValidLegacy {
		r.Warning("Analysis was saved in the legacy single-field format.")
	}

	return &StageResult{
		FinalText:  res.FinalText,
		Shape:      shape.String(),
		ReportPath: s.Store.Path(),
		Steps:      res.Steps,
	}, nil
}

// tolerateStepLimit keeps the run going when the agent ran out of steps after
// it already saved a usable analysis.
func (s *Stages) tolerateStepLimit(err error, mark outputMark, r Reporter) bool {
	if !errors.Is(err, engine.ErrMaxSteps) || !mark.written() {
		return false
	}
	_, shape, readErr := s.Store.Read()
	if readErr != nil || !shape.Usable() {
		return false
	}
	r.Warning("Agent reached its step limit; using the analysis it saved.")
	return true
}

func engineErr(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return stageErr(KindEngineTimeout, "engine timed out: %w", err)
	}
	if errors.Is(err, context.Canceled) {
		return stageErr(KindEngine, "cancelled: %w", err)
	}
	return stageErr(KindEngine, "%w", err)
}

func (s *Stages) report(ctx context.Context, job Job, r Reporter) (*StageResult, error) {
	_, shape, err := s.Store.Read()
	if errors.Is(err, artifact.ErrNotFound) {
		return nil, stageErr(KindArtifact, "%w", ErrAnalysisNotFound)
	}
	if err != nil {
		return nil, stageErr(KindArtifact, "failed to read analysis: %w", err)
	}
	if !shape.Usable() {
		return nil, stageErr(KindArtifact, "%w", ErrArtifactInvalid)
	}

	r.Progress("Initializing reporting agent...")
	eng, err := s.NewEngine(StageReport)
	if err != nil {
		return nil, stageErr(KindEngine, "failed to initialize engine: %w", err)
	}

	r.Progress("Generating HTML report...")
	mark := markOutput(s.Renderer.LatestPath())
	res, err := eng.Invoke(ctx, ReportInstruction(job), s.Config.Engine.ReportMaxSteps)
	if err != nil && !(errors.Is(err, engine.ErrMaxSteps) && mark.written()) {
		return nil, engineErr(ctx, err)
	}

	html, err := s.latestHTML(mark, res.FinalText, r)
	if err != nil {
		return nil, err
	}

	title := job.IncidentTitle
	if strings.TrimSpace(title) == "" {
		title = DefaultIncidentTitle
	}
	runPath := filepath.Join(s.Store.Dir(), report.RunFileName(title))
	if err := artifact.WriteFile(runPath, html); err != nil {
		return nil, stageErr(KindOutputWrite, "failed to save report: %w", err)
	}

	return &StageResult{
		FinalText:     truncate(res.FinalText, 200),
		ReportPath:    s.Renderer.LatestPath(),
		RunReportPath: runPath,
		Bytes:         len(html),
		Steps:         res.Steps,
	}, nil
}

// outputMark records the state of a stage output file before the engine runs,
// so that a file left by an earlier run is never taken for this run's output.
type outputMark struct {
	path   string
	before os.FileInfo // nil when the file did not exist
}

func markOutput(path string) outputMark {
	info, err := os.Stat(path)
	if err != nil {
		info = nil
	}
	return outputMark{path: path, before: info}
}

// written reports whether the file was created or replaced since the mark.
// Atomic writes replace the file, so identity is checked as well as the
// full-precision modification time and size.
func (m outputMark) written() bool {
	info, err := os.Stat(m.path)
	if err != nil || !info.Mode().IsRegular() {
		return false
	}
	if m.before == nil {
		return true
	}
	return !os.SameFile(m.before, info) ||
		!info.ModTime().Equal(m.before.ModTime()) ||
		info.Size() != m.before.Size()
}

// latestHTML returns the report the engine produced. When the render tool was
// never called the engine's own HTML answer is used, and failing that the
// report is rendered here.
func (s *Stages) latestHTML(mark outputMark, finalText string, r Reporter) ([]byte, error) {
	latest := mark.path
	if mark.written() {
		data, err := os.ReadFile(latest)
		if err != nil {
			return nil, stageErr(KindOutputWrite, "failed to read report: %w", err)
		}
		return data, nil
	}

	trimmed := strings.TrimSpace(finalText)
	lower := strings.ToLower(trimmed)
	if strings.HasPrefix(lower, "<!doctype html") || strings.HasPrefix(lower, "<html") {
		r.Warning("Report was returned inline instead of through the render tool.")
		if err := artifact.WriteFile(latest, []byte(trimmed)); err != nil {
			return nil, stageErr(KindOutputWrite, "failed to save report: %w", err)
		}
		return []byte(trimmed), nil
	}

	r.Warning("Engine did not render the report; rendering from the template.")
	path, _, err := s.Renderer.RenderToFile()
	if err != nil {
		return nil, stageErr(KindOutputWrite, "failed to render report: %w", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, stageErr(KindOutputWrite, "failed to read report: %w", err)
	}
	return data, nil
}
