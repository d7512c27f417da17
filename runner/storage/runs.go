package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const runColumns = "id, kind, state, incident_title, file_path, started_at, finished_at, duration, error"

// CreateRun creates a new run record
func (s *Storage) CreateRun(id, kind, filePath, incidentTitle string, startedAt time.Time) error {
	_, err := s.db.Exec(
		"INSERT INTO runs (id, kind, state, incident_title, file_path, started_at) VALUES (?, ?, ?, ?, ?, ?)",
		id, kind, "running", incidentTitle, filePath, startedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}
	return nil
}

// UpdateRunState records the state a run settled in, with its finish time and
// duration
func (s *Storage) UpdateRunState(id, state, errMsg string) error {
	var startedAt time.Time
	err := s.db.QueryRow("SELECT started_at FROM runs WHERE id = ?", id).Scan(&startedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrRunNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to get run: %w", err)
	}

	now := time.Now()
	_, err = s.db.Exec(
		"UPDATE runs SET state = ?, error = ?, finished_at = ?, duration = ? WHERE id = ?",
		state, errMsg, now, now.Sub(startedAt).Round(time.Millisecond).String(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to update run state: %w", err)
	}
	return nil
}

// GetRuns retrieves runs, most recent first
func (s *Storage) GetRuns(limit int) ([]*Run, error) {
	rows, err := s.db.Query("SELECT "+runColumns+" FROM runs ORDER BY started_at DESC LIMIT ?", limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	runs := make([]*Run, 0)
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}

	return runs, rows.Err()
}

// GetRun retrieves a single run by ID
func (s *Storage) GetRun(id string) (*Run, error) {
	r, err := scanRun(s.db.QueryRow("SELECT "+runColumns+" FROM runs WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	return r, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*Run, error) {
	var r Run
	var finishedAt sql.NullTime
	var duration sql.NullString

	err := row.Scan(&r.ID, &r.Kind, &r.State, &r.IncidentTitle, &r.FilePath, &r.StartedAt, &finishedAt, &duration, &r.Error)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan run: %w", err)
	}

	if finishedAt.Valid {
		r.FinishedAt = &finishedAt.Time
	}
	if duration.Valid {
		durationStr := duration.String
		r.Duration = &durationStr
	}
	return &r, nil
}
