package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"

	"dfirpipe/runner"
	"dfirpipe/status"
)

var (
	stepColor    = color.New(color.FgCyan, color.Bold)
	warningColor = color.New(color.FgYellow)
	errorColor   = color.New(color.FgRed, color.Bold)
	successColor = color.New(color.FgGreen, color.Bold)
)

// progressPrinter writes status changes to a terminal. Publish is called by
// the channel in order, one call at a time.
type progressPrinter struct {
	out  io.Writer
	last status.Record
}

func newProgressPrinter(out io.Writer) *progressPrinter {
	return &progressPrinter{out: out}
}

// Publish implements status.Publisher
func (p *progressPrinter) Publish(rec status.Record) {
	if rec.CurrentStep != p.last.CurrentStep && rec.CurrentStep != status.StepIdle {
		c := stepColor
		switch {
		case rec.CurrentStep == status.StepError:
			c = errorColor
		case rec.CurrentStep.Terminal():
			c = successColor
		}
		c.Fprintf(p.out, "== %s\n", rec.CurrentStep)
	}
	if rec.Progress != p.last.Progress && rec.Progress != "" {
		fmt.Fprintf(p.out, "   %s\n", rec.Progress)
	}
	for _, w := range newEntries(p.last.Warnings, rec.Warnings) {
		warningColor.Fprintf(p.out, "   warning: %s\n", w)
	}
	for _, e := range newEntries(p.last.Errors, rec.Errors) {
		errorColor.Fprintf(p.out, "   error: %s\n", e)
	}
	p.last = rec
}

// newEntries returns what was appended since prev. A shorter list means the
// channel was reset.
func newEntries(prev, cur []string) []string {
	if len(cur) < len(prev) {
		return cur
	}
	return cur[len(prev):]
}

// foreground runs a started stage to completion in the terminal. An
// interrupt kills the workers.
func foreground(ctx context.Context, a *app, start func() (runner.PipelineRun, error)) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if _, err := start(); err != nil {
		return err
	}
	if err := a.coord.Wait(ctx); err != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = a.coord.Shutdown(shutdownCtx)
	}
	return summarize(a)
}

// summarize prints how the last run ended and returns an error when it failed
func summarize(a *app) error {
	snap := a.coord.Status()
	run, _ := a.coord.CurrentRun()
	switch {
	case run.State == runner.StateComplete:
		path := ""
		if snap.ReportPath != nil {
			path = *snap.ReportPath
		}
		successColor.Fprintf(os.Stdout, "✅ Report ready: %s\n", path)
	case run.State == runner.StateAnalysisDone:
		successColor.Fprintf(os.Stdout, "✅ Analysis saved: %s\n", a.store.Path())
	case !run.State.Terminal():
		errorColor.Fprintf(os.Stdout, "❌ Run %s interrupted in state %s\n", run.ID, run.State)
		return fmt.Errorf("run interrupted in state %s", run.State)
	default:
		errorColor.Fprintf(os.Stdout, "❌ Run %s ended in state %s\n", run.ID, run.State)
		if run.Error != "" {
			return fmt.Errorf("%s", run.Error)
		}
		return fmt.Errorf("run ended in state %s", run.State)
	}
	fmt.Fprintf(os.Stdout, "📊 Run ID: %s | Status: %s | Duration: %s\n", run.ID, run.State, durationSince(run))
	return nil
}
