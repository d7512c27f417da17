package cmd

import (
	"context"
	"os"

	"github.com/spf13/cobra"

	dfirmcp "dfirpipe/mcp"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the pipeline tools over MCP on stdin/stdout",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		// stdout carries the protocol
		logger := newLogger(cfg.LogLevel, os.Stderr)

		a, err := newApp(cfg, logger, nil)
		if err != nil {
			return err
		}
		defer a.close()

		srv := dfirmcp.New(a.coord, cfg.ReportsPath(), version, logger)
		logger.Info("starting dfirpipe MCP server over stdio")
		serveErr := srv.ServeStdio()

		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = a.coord.Shutdown(ctx)
		return serveErr
	},
}
