package api

import (
	"log/slog"
	"net/http"

	"dfirpipe/events"
	"dfirpipe/runner/storage"
)

// Deps is everything the routes serve from
type Deps struct {
	Pipeline   Pipeline
	Broker     *events.EventBroker
	History    *storage.Storage // nil disables the history routes
	ReportsDir string
	LogsDir    string // worker logs served by /api/logs when set
	Upload     UploadOptions
	MCP        http.Handler // mounted at /mcp when set
	Logger     *slog.Logger
}

// NewHandler builds the API mux wrapped in the CORS middleware
func NewHandler(d Deps) http.Handler {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}

	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	})

	mux.HandleFunc("/api/analyze", PostAnalyze(d.Pipeline, logger))
	mux.HandleFunc("/api/report", PostReport(d.Pipeline, logger))
	mux.HandleFunc("/api/run", PostRun(d.Pipeline, logger))
	mux.HandleFunc("/api/status", GetStatus(d.Pipeline))
	mux.HandleFunc("/api/reports", GetReports(d.ReportsDir))
	mux.HandleFunc("/api/reports/", GetReport(d.ReportsDir))
	mux.HandleFunc("/api/upload", PostUpload(d.Upload, logger))

	if d.LogsDir != "" {
		mux.HandleFunc("/api/logs", GetLogs(d.LogsDir))
	}
	if d.Broker != nil {
		mux.HandleFunc("/api/events", SSEHandler(d.Broker, d.Pipeline.Status))
	}
	if d.History != nil {
		mux.HandleFunc("/api/runs", GetRuns(d.History))
		mux.HandleFunc("/api/runs/", GetRun(d.History))
		mux.HandleFunc("/api/stats", GetStats(d.History))
	}
	if d.MCP != nil {
		mux.Handle("/mcp", d.MCP)
	}

	return corsMiddleware(mux)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}
