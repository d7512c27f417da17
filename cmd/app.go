package cmd

import (
	"fmt"
	"log/slog"
	"path/filepath"

	"dfirpipe/artifact"
	"dfirpipe/config"
	"dfirpipe/runner"
	"dfirpipe/runner/storage"
	"dfirpipe/status"
)

var _ runner.History = (*storage.Storage)(nil)

// app is the wired pipeline shared by the commands
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	channel *status.Channel
	store   *artifact.Store
	history *storage.Storage // nil when the database could not be opened
	coord   *runner.Coordinator
}

// newApp wires the progress channel, the worker launcher and the coordinator.
// Progress snapshots are handed to publisher.
func newApp(cfg *config.Config, logger *slog.Logger, publisher status.Publisher) (*app, error) {
	workerConfig := cfg.Source()
	if workerConfig != "" {
		abs, err := filepath.Abs(workerConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve config path: %w", err)
		}
		workerConfig = abs
	}
	launcher, err := runner.NewProcessLauncher(workerConfig, cfg.LogsPath(), logger)
	if err != nil {
		return nil, err
	}

	a := &app{
		cfg:     cfg,
		logger:  logger,
		channel: status.NewChannel(publisher),
		store:   artifact.NewStore(cfg.ReportsPath()),
	}

	opts := runner.Options{
		Runner: &runner.StageRunner{
			Launcher: launcher,
			Channel:  a.channel,
			Dirs:     []string{cfg.ReportsPath(), cfg.LogsPath()},
			Logger:   logger,
		},
		Channel:   a.channel,
		Store:     a.store,
		Timeouts:  cfg.Timeouts,
		UploadDir: cfg.UploadPath(),
		Logger:    logger,
	}

	if cfg.DatabasePath != "" {
		history, err := storage.NewStorage(cfg.Resolve(cfg.DatabasePath))
		if err != nil {
			logger.Warn("run history disabled", "error", err)
		} else {
			a.history = history
			opts.History = history
		}
	}

	a.coord = runner.NewCoordinator(opts)
	return a, nil
}

func (a *app) close() {
	if a.history != nil {
		a.history.Close()
	}
}
