package cmd

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"

	"dfirpipe/status"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, parseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, parseLevel(" warning "))
	assert.Equal(t, slog.LevelError, parseLevel("error"))
	assert.Equal(t, slog.LevelInfo, parseLevel(""))
	assert.Equal(t, slog.LevelInfo, parseLevel("verbose"))
}

func TestArgOrEnv(t *testing.T) {
	t.Setenv("DFIR_INCIDENT_TITLE", "From Env")
	args := []string{"auth.json", ""}

	assert.Equal(t, "auth.json", argOrEnv(args, 0, "DFIR_FILE_PATH"))
	assert.Equal(t, "From Env", argOrEnv(args, 1, "DFIR_INCIDENT_TITLE"), "empty argument falls back")
	assert.Equal(t, "From Env", argOrEnv(args, 2, "DFIR_INCIDENT_TITLE"))
	assert.Empty(t, argOrEnv(nil, 0, "DFIR_UNSET_FOR_TEST"))
}

func TestNewEntries(t *testing.T) {
	assert.Equal(t, []string{"c"}, newEntries([]string{"a", "b"}, []string{"a", "b", "c"}))
	assert.Empty(t, newEntries([]string{"a"}, []string{"a"}))
	assert.Equal(t, []string{"x"}, newEntries([]string{"a", "b"}, []string{"x"}), "reset starts over")
}

func TestProgressPrinter(t *testing.T) {
	color.NoColor = true
	var out bytes.Buffer
	p := newProgressPrinter(&out)

	p.Publish(status.Record{CurrentStep: status.StepInitialization, Progress: "Initializing DFIR agents..."})
	p.Publish(status.Record{CurrentStep: status.StepInitialization, Progress: "Initializing DFIR agents..."})
	p.Publish(status.Record{
		CurrentStep: status.StepAnalysis,
		Progress:    "Running DFIR analysis...",
		Warnings:    []string{"⚠️ Timeout detected during DFIR analysis."},
	})
	p.Publish(status.Record{
		CurrentStep: status.StepError,
		Progress:    "Error: Timeout",
		Warnings:    []string{"⚠️ Timeout detected during DFIR analysis."},
		Errors:      []string{"DFIR analysis exceeded the time limit."},
	})

	want := "== Initialization\n" +
		"   Initializing DFIR agents...\n" +
		"== DFIR Analysis\n" +
		"   Running DFIR analysis...\n" +
		"   warning: ⚠️ Timeout detected during DFIR analysis.\n" +
		"== Error\n" +
		"   Error: Timeout\n" +
		"   error: DFIR analysis exceeded the time limit.\n"
	assert.Equal(t, want, out.String())
}
