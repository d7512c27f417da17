package api

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"strconv"

	"dfirpipe/runner"
)

const (
	defaultLogLines = 100
	maxLogLines     = 1000
	// only the end of a log is read
	maxLogTail = 256 << 10
)

// GetLogs returns the last lines of a stage's worker log:
// GET /api/logs?stage=analysis&lines=100
func GetLogs(logsDir string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		stage := runner.Stage(r.URL.Query().Get("stage"))
		if stage == "" {
			stage = runner.StageAnalysis
		}
		if stage != runner.StageAnalysis && stage != runner.StageReport {
			writeError(w, http.StatusBadRequest, "Invalid stage")
			return
		}

		n := defaultLogLines
		if v := r.URL.Query().Get("lines"); v != "" {
			parsed, err := strconv.Atoi(v)
			if err != nil || parsed <= 0 {
				writeError(w, http.StatusBadRequest, "Invalid lines")
				return
			}
			n = min(parsed, maxLogLines)
		}

		path := filepath.Join(logsDir, fmt.Sprintf("worker_%s.log", stage))
		lines, err := tailLines(path, n)
		if err != nil {
			writeError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to read log: %v", err))
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"stage": stage,
			"lines": lines,
		})
	}
}

// tailLines returns up to n of the last lines in path. A missing file has no
// lines.
func tailLines(path string, n int) ([]string, error) {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return []string{}, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	offset := info.Size() - maxLogTail
	if offset > 0 {
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			return nil, err
		}
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	if offset > 0 {
		// drop the partial first line
		if i := bytes.IndexByte(data, '\n'); i >= 0 {
			data = data[i+1:]
		}
	}

	lines := []string{}
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64<<10), maxLogTail)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines, nil
}
