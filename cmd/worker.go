package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"dfirpipe/runner"
)

// workerCmd is the child side of a stage. It reads one job from stdin and
// answers on stdout, so it must never print anything else there.
var workerCmd = &cobra.Command{
	Use:    "worker",
	Short:  "Run one pipeline stage (started by the coordinator)",
	Hidden: true,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		logger := newLogger(cfg.LogLevel, os.Stderr).With("pid", os.Getpid())
		logger.Info("🤖 worker started", "source", cfg.Source())

		stages := runner.NewStages(cfg, logger)
		if err := runner.ServeWorker(cmd.Context(), os.Stdin, os.Stdout, stages); err != nil {
			logger.Error("worker failed", "error", err)
			return err
		}
		return nil
	},
}
