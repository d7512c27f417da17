package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"dfirpipe/runner"
)

var (
	analyzeFile   string
	analyzePrompt string
	reportTitle   string
)

var analyzeCmd = &cobra.Command{
	Use:   "analyze",
	Short: "Run only the analysis stage in the foreground",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		a, err := newApp(cfg, newLogger(cfg.LogLevel, os.Stderr), newProgressPrinter(os.Stdout))
		if err != nil {
			return err
		}
		defer a.close()

		req := runner.AnalysisRequest{FilePath: analyzeFile, UserPrompt: analyzePrompt}
		return foreground(cmd.Context(), a, func() (runner.PipelineRun, error) {
			return a.coord.StartAnalysis(req)
		})
	},
}

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Render the HTML report from the stored analysis in the foreground",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		a, err := newApp(cfg, newLogger(cfg.LogLevel, os.Stderr), newProgressPrinter(os.Stdout))
		if err != nil {
			return err
		}
		defer a.close()

		req := runner.ReportRequest{IncidentTitle: reportTitle}
		return foreground(cmd.Context(), a, func() (runner.PipelineRun, error) {
			return a.coord.StartReport(req)
		})
	},
}

func init() {
	analyzeCmd.Flags().StringVarP(&analyzeFile, "file", "f", "", "evidence file (default: newest JSON export in the upload directory)")
	analyzeCmd.Flags().StringVarP(&analyzePrompt, "prompt", "p", "", "what to investigate")
	reportCmd.Flags().StringVarP(&reportTitle, "title", "t", "", "incident title (default \""+runner.DefaultIncidentTitle+"\")")
}
