package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"dfirpipe/runner/storage"
)

// GetRuns returns recent runs: /api/runs?limit=n
func GetRuns(store *storage.Storage) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		limit := 100
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				http.Error(w, "Invalid limit", http.StatusBadRequest)
				return
			}
			limit = n
		}

		runs, err := store.GetRuns(limit)
		if err != nil {
			http.Error(w, fmt.Sprintf("Failed to get runs: %v", err), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, runs)
	}
}

// GetRun returns a single run with its stage executions: /api/runs/:id
func GetRun(store *storage.Storage) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		// Parse run ID from URL: /api/runs/:id
		pathParts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
		if len(pathParts) != 3 || pathParts[2] == "" {
			http.Error(w, "Invalid path", http.StatusBadRequest)
			return
		}
		runID := pathParts[2]

		run, err := store.GetRun(runID)
		if errors.Is(err, storage.ErrRunNotFound) {
			http.Error(w, "Run not found", http.StatusNotFound)
			return
		}
		if err != nil {
			http.Error(w, fmt.Sprintf("Failed to get run: %v", err), http.StatusInternalServerError)
			return
		}

		stages, err := store.GetStageExecutions(runID)
		if err != nil {
			http.Error(w, fmt.Sprintf("Failed to get stages: %v", err), http.StatusInternalServerError)
			return
		}

		type RunResponse struct {
			Run    *storage.Run              `json:"run"`
			Stages []*storage.StageExecution `json:"stages"`
		}
		writeJSON(w, http.StatusOK, RunResponse{Run: run, Stages: stages})
	}
}

// GetStats returns per-stage outcome counts
func GetStats(store *storage.Storage) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		stats, err := store.GetStageStats()
		if err != nil {
			http.Error(w, fmt.Sprintf("Failed to get stage stats: %v", err), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, stats)
	}
}
