package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetLogsTail(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, os.MkdirAll(f.logs, 0o755))
	var b strings.Builder
	for i := 1; i <= 5; i++ {
		fmt.Fprintf(&b, "line %d\n", i)
	}
	require.NoError(t, os.WriteFile(filepath.Join(f.logs, "worker_report.log"), []byte(b.String()), 0o644))

	rec := f.do(http.MethodGet, "/api/logs?stage=report&lines=2", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Stage string   `json:"stage"`
		Lines []string `json:"lines"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "report", body.Stage)
	assert.Equal(t, []string{"line 4", "line 5"}, body.Lines)
}

func TestGetLogsMissingFileIsEmpty(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodGet, "/api/logs", "")
	require.Equal(t, http.StatusOK, rec.Code)
	out := decode(t, rec)
	assert.Equal(t, "analysis", out["stage"])
	assert.Equal(t, []any{}, out["lines"])
}

func TestGetLogsRejectsBadQuery(t *testing.T) {
	f := newFixture(t)

	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodGet, "/api/logs?stage=../secret", "").Code)
	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodGet, "/api/logs?lines=-3", "").Code)
	assert.Equal(t, http.StatusMethodNotAllowed, f.do(http.MethodPost, "/api/logs", "").Code)
}

func TestTailLinesDropsPartialFirstLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "worker_analysis.log")
	long := strings.Repeat("x", maxLogTail)
	require.NoError(t, os.WriteFile(path, []byte(long+"\nlast\n"), 0o644))

	lines, err := tailLines(path, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"last"}, lines)
}
