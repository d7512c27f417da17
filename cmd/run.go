package cmd

import (
	"os"
	"time"

	"github.com/spf13/cobra"

	"dfirpipe/runner"
)

var runCmd = &cobra.Command{
	Use:   "run [file] [prompt] [title]",
	Short: "Run analysis and report back to back in the foreground",
	Long: `Runs the complete workflow: the analysis stage on the evidence file, then the
report stage, under one combined time budget.

Arguments fall back to DFIR_FILE_PATH, DFIR_USER_PROMPT and DFIR_INCIDENT_TITLE.
Without a file the newest JSON export in the upload directory is used.`,
	Args: cobra.MaximumNArgs(3),
	RunE: runRun,
}

// argOrEnv returns args[i] when present, else the environment variable
func argOrEnv(args []string, i int, key string) string {
	if i < len(args) && args[i] != "" {
		return args[i]
	}
	return os.Getenv(key)
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.LogLevel, os.Stderr)

	a, err := newApp(cfg, logger, newProgressPrinter(os.Stdout))
	if err != nil {
		return err
	}
	defer a.close()

	req := runner.CompleteRequest{
		FilePath:      argOrEnv(args, 0, "DFIR_FILE_PATH"),
		UserPrompt:    argOrEnv(args, 1, "DFIR_USER_PROMPT"),
		IncidentTitle: argOrEnv(args, 2, "DFIR_INCIDENT_TITLE"),
	}
	return foreground(cmd.Context(), a, func() (runner.PipelineRun, error) {
		return a.coord.StartComplete(req)
	})
}

func durationSince(run runner.PipelineRun) time.Duration {
	if run.StartedAt.IsZero() {
		return 0
	}
	return time.Since(run.StartedAt).Round(time.Second)
}
