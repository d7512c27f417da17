// Package artifact is the durable hand-off between the analysis and report
// stages: a JSON record stored at dfir_reports/dfir_analysis.json.
//
// The store never trusts a record it has not validated. A record is Valid when
// it is a JSON object carrying the executive summary, ValidLegacy when it only
// carries the single "analysis" field older runs produced, and Invalid
// otherwise.
package artifact

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// FileName is the artifact's well-known name inside the reports directory
const FileName = "dfir_analysis.json"

// Canonical keys. They double as the report template placeholders.
const (
	KeyIncidentTitle       = "INCIDENT_TITLE"
	KeyIncidentDates       = "INCIDENT_DATES"
	KeyExecutiveSummary    = "EXECUTIVE_SUMMARY"
	KeyStatisticsCards     = "STATISTICS_CARDS"
	KeyEntryPoints         = "ENTRY_POINTS_CONTENT"
	KeyTimelineDescription = "TIMELINE_DESCRIPTION"
	KeyTimelineEvents      = "TIMELINE_EVENTS"
	KeyAttackObjectives    = "ATTACK_OBJECTIVES"
	KeyIOCs                = "IOCS_CONTENT"
	KeyRecommendations     = "RECOMMENDATIONS_CONTENT"
	KeyForensicConclusion  = "FORENSIC_CONCLUSION"
	KeyReportFooter        = "REPORT_FOOTER"

	KeyAnalysis  = "analysis"
	KeyTimestamp = "timestamp"
	KeyFilePath  = "file_path"

	keySummaryLower = "executive_summary"
)

// ErrNotFound is returned when no artifact has been written yet
var ErrNotFound = errors.New("artifact not found")

// Record is the artifact as stored: a JSON object
type Record map[string]any

// Shape is the outcome of validating a record
type Shape int

const (
	Invalid Shape = iota
	Valid
	ValidLegacy
)

func (s Shape) String() string {
	switch s {
	case Valid:
		return "valid"
	case ValidLegacy:
		return "valid_legacy"
	default:
		return "invalid"
	}
}

// Usable reports whether the report stage may consume a record of this shape
func (s Shape) Usable() bool {
	return s == Valid || s == ValidLegacy
}

// Validate classifies a decoded JSON value
func Validate(v any) Shape {
	var obj map[string]any
	switch t := v.(type) {
	case Record:
		obj = t
	case map[string]any:
		obj = t
	default:
		return Invalid
	}
	if obj == nil {
		return Invalid
	}
	if _, ok := obj[KeyExecutiveSummary]; ok {
		return Valid
	}
	if _, ok := obj[keySummaryLower]; ok {
		return Valid
	}
	if _, ok := obj[KeyAnalysis]; ok {
		return ValidLegacy
	}
	return Invalid
}

// ValidateBytes parses data and classifies it. Unparseable input is Invalid.
func ValidateBytes(data []byte) Shape {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return Invalid
	}
	return Validate(v)
}

// Store reads and writes the artifact file
type Store struct {
	dir string
	now func() time.Time
}

// NewStore creates a store rooted at the reports directory
func NewStore(dir string) *Store {
	return &Store{dir: dir, now: time.Now}
}

// Dir returns the reports directory
func (s *Store) Dir() string {
	return s.dir
}

// Path returns the artifact file path
func (s *Store) Path() string {
	return filepath.Join(s.dir, FileName)
}

// Read loads and validates the artifact. The shape is returned alongside the
// record even when Invalid so callers can report what they found.
func (s *Store) Read() (Record, Shape, error) {
	data, err := os.ReadFile(s.Path())
	if errors.Is(err, os.ErrNotExist) {
		return nil, Invalid, ErrNotFound
	}
	if err != nil {
		return nil, Invalid, fmt.Errorf("failed to read artifact: %w", err)
	}

	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, Invalid, nil
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, Invalid, nil
	}
	rec := Record(obj)
	return rec, Validate(rec), nil
}

// Write stores text as the artifact. Text that parses as a usable record is
// stored as such; anything else is wrapped under the legacy "analysis" field,
// so the file on disk always parses.
func (s *Store) Write(text, sourceFile string) (Shape, error) {
	var v any
	if err := json.Unmarshal([]byte(text), &v); err == nil {
		if obj, ok := v.(map[string]any); ok && Validate(obj).Usable() {
			rec := Record(obj)
			if err := s.WriteRecord(rec, sourceFile); err != nil {
				return Invalid, err
			}
			return Validate(rec), nil
		}
	}

	rec := Record{KeyAnalysis: text}
	if err := s.WriteRecord(rec, sourceFile); err != nil {
		return Invalid, err
	}
	return ValidLegacy, nil
}

// WriteRecord stamps run metadata that is missing and writes rec atomically
func (s *Store) WriteRecord(rec Record, sourceFile string) error {
	if _, ok := rec[KeyTimestamp]; !ok {
		rec[KeyTimestamp] = s.now().Format(time.RFC3339)
	}
	if _, ok := rec[KeyFilePath]; !ok {
		if sourceFile == "" {
			rec[KeyFilePath] = nil
		} else {
			rec[KeyFilePath] = sourceFile
		}
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(rec); err != nil {
		return fmt.Errorf("failed to encode artifact: %w", err)
	}
	return writeFileAtomic(s.Path(), buf.Bytes())
}

// Reconcile runs after the analysis engine returns, inside the worker. The
// engine is expected to have written the artifact through its own tools, so
// the file wins whenever it validates; the engine's final text is only used
// when the file is missing or unusable.
func (s *Store) Reconcile(finalText, sourceFile string) (Shape, error) {
	rec, shape, err := s.Read()
	if err != nil && !errors.Is(err, ErrNotFound) {
		return Invalid, err
	}
	if shape.Usable() {
		if needsMetadata(rec) {
			if err := s.WriteRecord(rec, sourceFile); err != nil {
				return Invalid, err
			}
		}
		return shape, nil
	}
	return s.Write(finalText, sourceFile)
}

// Adopt is the coordinator's strict re-read. Durable storage is authoritative;
// the in-memory final text is accepted only when the file is absent or
// unusable AND the text itself is a usable record. Nothing is wrapped here, so
// a worker that left garbage behind yields Invalid.
func (s *Store) Adopt(finalText, sourceFile string) (Shape, error) {
	_, shape, err := s.Read()
	if err != nil && !errors.Is(err, ErrNotFound) {
		return Invalid, err
	}
	if shape.Usable() {
		return shape, nil
	}

	var v any
	if json.Unmarshal([]byte(finalText), &v) != nil {
		return Invalid, nil
	}
	obj, ok := v.(map[string]any)
	if !ok || !Validate(obj).Usable() {
		return Invalid, nil
	}
	rec := Record(obj)
	if err := s.WriteRecord(rec, sourceFile); err != nil {
		return Invalid, err
	}
	return Validate(rec), nil
}

func needsMetadata(rec Record) bool {
	_, ts := rec[KeyTimestamp]
	_, fp := rec[KeyFilePath]
	return !ts || !fp
}

// writeFileAtomic replaces path so readers never observe a half-written file
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace %s: %w", path, err)
	}
	return nil
}

// WriteFile exposes the atomic write for other durable outputs (rendered reports)
func WriteFile(path string, data []byte) error {
	return writeFileAtomic(path, data)
}
