package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"dfirpipe/api"
	"dfirpipe/events"
	dfirmcp "dfirpipe/mcp"
)

const shutdownTimeout = 15 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API, the SSE progress stream and the /mcp endpoint",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.LogLevel, os.Stdout)

	broker := events.NewBroker(logger)
	a, err := newApp(cfg, logger, broker)
	if err != nil {
		return err
	}
	defer a.close()

	mcpServer := dfirmcp.New(a.coord, cfg.ReportsPath(), version, logger)
	handler := api.NewHandler(api.Deps{
		Pipeline:   a.coord,
		Broker:     broker,
		History:    a.history,
		ReportsDir: cfg.ReportsPath(),
		LogsDir:    cfg.LogsPath(),
		Upload: api.UploadOptions{
			Dir:      cfg.UploadPath(),
			MaxBytes: cfg.MaxUploadBytes,
			Allowed:  cfg.AllowedUpload,
		},
		MCP:    mcpServer.HTTPHandler(),
		Logger: logger,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("🚀 Starting dfirpipe server", "port", cfg.Port, "reports", cfg.ReportsPath())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		if cerr := a.coord.Shutdown(shutdownCtx); err == nil {
			err = cerr
		}
		return err
	})

	return g.Wait()
}
