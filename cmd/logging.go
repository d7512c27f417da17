package cmd

import (
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
)

// newLogger builds the tint handler used by every command. Colour is only
// used when w is a terminal.
func newLogger(level string, w *os.File) *slog.Logger {
	handler := tint.NewHandler(w, &tint.Options{
		NoColor:    !isatty.IsTerminal(w.Fd()),
		TimeFormat: time.Kitchen,
		Level:      parseLevel(level),
	})
	return slog.New(handler)
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
