// Package cmd holds the dfirpipe command line.
package cmd

import (
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"dfirpipe/config"
)

// version is set at build time via -ldflags
var version = "dev"

var configPath string

var rootCmd = &cobra.Command{
	Use:   "dfirpipe",
	Short: "Two-stage DFIR pipeline: evidence analysis, then an HTML incident report",
	Long: `dfirpipe analyzes security evidence exports with an LLM agent and renders the
result as an HTML incident report. Each stage runs in its own worker process
under a time limit.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	CompletionOptions: cobra.CompletionOptions{
		HiddenDefaultCmd: true,
	},
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		// Load .env file if it exists (ignore errors if it doesn't)
		_ = godotenv.Load()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", config.DefaultPath, "config file (YAML, optional)")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(analyzeCmd)
	rootCmd.AddCommand(reportCmd)
	rootCmd.AddCommand(mcpCmd)
	rootCmd.AddCommand(workerCmd)
	rootCmd.Version = version
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func loadConfig() (*config.Config, error) {
	return config.Load(configPath)
}
