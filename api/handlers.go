// Package api is the HTTP boundary of the pipeline: start requests, status
// polling, reports, uploads and run history.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"dfirpipe/report"
	"dfirpipe/runner"
	"dfirpipe/status"
)

// Pipeline is the coordinator as seen by the handlers
type Pipeline interface {
	StartAnalysis(req runner.AnalysisRequest) (runner.PipelineRun, error)
	StartReport(req runner.ReportRequest) (runner.PipelineRun, error)
	StartComplete(req runner.CompleteRequest) (runner.PipelineRun, error)
	Status() status.Record
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]any{"error": msg})
}

// startError maps a refused start to its status code
func startError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, runner.ErrStageBusy):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, runner.ErrEvidenceNotFound),
		errors.Is(err, runner.ErrAnalysisNotFound),
		errors.Is(err, runner.ErrArtifactInvalid):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// decodeBody reads an optional JSON body into v. An empty body is allowed.
func decodeBody(r *http.Request, v any) error {
	err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func started(w http.ResponseWriter, message string, run runner.PipelineRun) {
	writeJSON(w, http.StatusAccepted, map[string]any{
		"success": true,
		"message": message,
		"run":     run,
	})
}

// PostAnalyze starts the analysis stage
func PostAnalyze(p Pipeline, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
			return
		}

		var req struct {
			FilePath   string `json:"file_path"`
			UserPrompt string `json:"user_prompt"`
		}
		if err := decodeBody(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request: %v", err))
			return
		}
		if req.FilePath == "" {
			writeError(w, http.StatusBadRequest, "File path not provided")
			return
		}

		run, err := p.StartAnalysis(runner.AnalysisRequest{FilePath: req.FilePath, UserPrompt: req.UserPrompt})
		if err != nil {
			logger.Warn("analysis refused", "error", err)
			startError(w, err)
			return
		}
		logger.Info("🚀 analysis triggered", "run_id", run.ID, "file", run.FilePath)
		started(w, "DFIR analysis started", run)
	}
}

// PostReport starts the report stage
func PostReport(p Pipeline, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
			return
		}

		var req struct {
			IncidentTitle string `json:"incident_title"`
		}
		if err := decodeBody(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request: %v", err))
			return
		}

		run, err := p.StartReport(runner.ReportRequest{IncidentTitle: req.IncidentTitle})
		if err != nil {
			logger.Warn("report refused", "error", err)
			startError(w, err)
			return
		}
		logger.Info("🚀 report triggered", "run_id", run.ID, "title", run.IncidentTitle)
		started(w, "Report generation started", run)
	}
}

// PostRun starts the complete workflow in the background
func PostRun(p Pipeline, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
			return
		}

		var req struct {
			FilePath      string `json:"file_path"`
			UserPrompt    string `json:"user_prompt"`
			IncidentTitle string `json:"incident_title"`
		}
		if err := decodeBody(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request: %v", err))
			return
		}

		run, err := p.StartComplete(runner.CompleteRequest{
			FilePath:      req.FilePath,
			UserPrompt:    req.UserPrompt,
			IncidentTitle: req.IncidentTitle,
		})
		if err != nil {
			logger.Warn("workflow refused", "error", err)
			startError(w, err)
			return
		}
		logger.Info("🚀 workflow triggered", "run_id", run.ID, "file", run.FilePath)
		started(w, "Complete DFIR workflow started", run)
	}
}

// GetStatus returns the reconciled progress snapshot
func GetStatus(p Pipeline) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		writeJSON(w, http.StatusOK, p.Status())
	}
}

// GetReports lists rendered reports, newest first
func GetReports(reportsDir string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		entries, err := report.List(reportsDir)
		if err != nil {
			http.Error(w, fmt.Sprintf("Failed to list reports: %v", err), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, entries)
	}
}

// GetReport serves one report: /api/reports/:name
func GetReport(reportsDir string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		name := strings.TrimPrefix(r.URL.Path, "/api/reports/")
		path, ok := report.Resolve(reportsDir, name)
		if !ok {
			writeError(w, http.StatusNotFound, "Report not found")
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		http.ServeFile(w, r, path)
	}
}

// UploadOptions bounds what PostUpload accepts
type UploadOptions struct {
	Dir      string
	MaxBytes int64
	Allowed  func(name string) bool
}

// PostUpload stores a multipart "file" in the upload directory
func PostUpload(opts UploadOptions, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
			return
		}

		if opts.MaxBytes > 0 {
			r.Body = http.MaxBytesReader(w, r.Body, opts.MaxBytes)
		}
		file, header, err := r.FormFile("file")
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				writeError(w, http.StatusRequestEntityTooLarge, "File too large")
				return
			}
			writeError(w, http.StatusBadRequest, "No file provided")
			return
		}
		defer file.Close()

		filename := SecureFilename(header.Filename)
		if filename == "" {
			writeError(w, http.StatusBadRequest, "No file selected")
			return
		}
		if opts.Allowed != nil && !opts.Allowed(filename) {
			writeError(w, http.StatusBadRequest, "Invalid file type")
			return
		}

		if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
			writeError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to create upload directory: %v", err))
			return
		}
		path := filepath.Join(opts.Dir, filename)
		out, err := os.Create(path)
		if err != nil {
			writeError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to save file: %v", err))
			return
		}
		size, err := io.Copy(out, file)
		if cerr := out.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			os.Remove(path)
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				writeError(w, http.StatusRequestEntityTooLarge, "File too large")
				return
			}
			writeError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to save file: %v", err))
			return
		}

		logger.Info("📁 evidence uploaded", "file", filename, "size", size)
		writeJSON(w, http.StatusOK, map[string]any{
			"success":  true,
			"filename": filename,
			"path":     path,
			"size":     size,
			"message":  fmt.Sprintf("File %s uploaded successfully", filename),
		})
	}
}

// SecureFilename reduces a client supplied name to a safe base name: ASCII
// letters, digits, dots, dashes and underscores, no leading dots.
func SecureFilename(name string) string {
	name = strings.ReplaceAll(name, `\`, "/")
	name = filepath.Base(name)
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			b.WriteRune(r)
		case r == ' ':
			b.WriteByte('_')
		}
	}
	return strings.TrimLeft(b.String(), "._")
}
