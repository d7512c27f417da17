package runner

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiagnose(t *testing.T) {
	tests := []struct {
		name  string
		stage Stage
		msg   string
		want  []string
	}{
		{"timeout", StageReport, "request timed out", []string{"⚠️ Timeout detected during report generation."}},
		{"deadline", StageAnalysis, "context deadline exceeded", []string{"⚠️ Timeout detected during DFIR analysis."}},
		{"tokens", StageAnalysis, "maximum context length is 128000 tokens", []string{"⚠️ Context/token limit exceeded."}},
		{"signal", StageAnalysis, "exit: signal: killed", []string{"⚠️ Worker was terminated by a signal."}},
		{"timeout and signal", StageAnalysis, "Timeout, worker got SIGKILL", []string{
			"⚠️ Timeout detected during DFIR analysis.",
			"⚠️ Worker was terminated by a signal.",
		}},
		{"plain", StageAnalysis, "upstream returned 500", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Diagnose(tt.stage, tt.msg))
		})
	}
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", truncate("abc", 5))
	assert.Equal(t, "ab", truncate("abc", 2))
	assert.Equal(t, "⚠️", truncate("⚠️ warning", 2))
}

func TestStageLabels(t *testing.T) {
	assert.Equal(t, "DFIR analysis", StageAnalysis.Label())
	assert.Equal(t, "Report generation", StageReport.Label())
	assert.Equal(t, "report generation", StageReport.activity())
}

func TestValidateEvidence(t *testing.T) {
	uploads := t.TempDir()
	path := filepath.Join(uploads, "auth.json")
	require.NoError(t, os.WriteFile(path, []byte(`{}`), 0o644))

	got, err := ValidateEvidence(path, uploads)
	require.NoError(t, err)
	assert.Equal(t, path, got)

	got, err = ValidateEvidence("elsewhere/auth.json", uploads)
	require.NoError(t, err)
	assert.Equal(t, path, got)

	_, err = ValidateEvidence("", uploads)
	assert.ErrorIs(t, err, ErrEvidenceNotFound)
	_, err = ValidateEvidence(uploads, uploads)
	assert.ErrorIs(t, err, ErrEvidenceNotFound, "directories are not evidence")
}

func TestLatestEvidence(t *testing.T) {
	uploads := t.TempDir()
	_, err := LatestEvidence(uploads)
	assert.ErrorIs(t, err, ErrEvidenceNotFound)

	older := filepath.Join(uploads, "older.json")
	newer := filepath.Join(uploads, "nested", "newer.json")
	require.NoError(t, os.MkdirAll(filepath.Dir(newer), 0o755))
	require.NoError(t, os.WriteFile(older, []byte(`{}`), 0o644))
	require.NoError(t, os.WriteFile(newer, []byte(`{}`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(uploads, "notes.txt"), []byte("x"), 0o644))
	past := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(older, past, past))

	got, err := LatestEvidence(uploads)
	require.NoError(t, err)
	assert.Equal(t, newer, got)
}
