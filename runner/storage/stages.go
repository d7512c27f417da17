package storage

import (
	"database/sql"
	"fmt"
	"time"
)

// CreateStageExecution records a stage worker starting for a run
func (s *Storage) CreateStageExecution(runID, stage string, startedAt time.Time) (int64, error) {
	result, err := s.db.Exec(
		"INSERT INTO stage_executions (run_id, stage, outcome, started_at) VALUES (?, ?, ?, ?)",
		runID, stage, "running", startedAt,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to create stage execution: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get stage execution ID: %w", err)
	}
	return id, nil
}

// FinishStageExecution stores the outcome of a stage execution
func (s *Storage) FinishStageExecution(id int64, outcome, message, reportPath string, duration time.Duration) error {
	_, err := s.db.Exec(
		"UPDATE stage_executions SET outcome = ?, message = ?, report_path = ?, finished_at = ?, duration = ? WHERE id = ?",
		outcome, message, reportPath, time.Now(), duration.Round(time.Millisecond).String(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to update stage execution: %w", err)
	}
	return nil
}

// GetStageExecutions retrieves the stage executions of a run in start order
func (s *Storage) GetStageExecutions(runID string) ([]*StageExecution, error) {
	rows, err := s.db.Query(
		`SELECT id, run_id, stage, outcome, message, report_path, started_at, finished_at, duration
		FROM stage_executions WHERE run_id = ? ORDER BY id ASC`,
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query stage executions: %w", err)
	}
	defer rows.Close()

	stages := make([]*StageExecution, 0)
	for rows.Next() {
		var se StageExecution
		var finishedAt sql.NullTime
		var duration sql.NullString

		err := rows.Scan(&se.ID, &se.RunID, &se.Stage, &se.Outcome, &se.Message, &se.ReportPath, &se.StartedAt, &finishedAt, &duration)
		if err != nil {
			return nil, fmt.Errorf("failed to scan stage execution: %w", err)
		}

		if finishedAt.Valid {
			se.FinishedAt = &finishedAt.Time
		}
		if duration.Valid {
			durationStr := duration.String
			se.Duration = &durationStr
		}

		stages = append(stages, &se)
	}

	return stages, rows.Err()
}
