package storage

import (
	"database/sql"
	"fmt"
)

// StageStats summarizes the executions of one stage
type StageStats struct {
	Stage        string  `json:"stage"`
	Total        int     `json:"total"`
	Succeeded    int     `json:"succeeded"`
	Failed       int     `json:"failed"`
	TimedOut     int     `json:"timed_out"`
	LastOutcome  string  `json:"last_outcome"`
	LastStarted  string  `json:"last_started"`
	LastDuration *string `json:"last_duration,omitempty"`
}

// GetStageStats returns per-stage outcome counts together with each stage's
// latest execution
func (s *Storage) GetStageStats() ([]StageStats, error) {
	query := `
		SELECT
			se.stage,
			COUNT(*),
			SUM(CASE WHEN se.outcome = 'success' THEN 1 ELSE 0 END),
			SUM(CASE WHEN se.outcome = 'failure' THEN 1 ELSE 0 END),
			SUM(CASE WHEN se.outcome = 'timed_out' THEN 1 ELSE 0 END),
			latest.outcome,
			latest.started_at,
			latest.duration
		FROM stage_executions se
		JOIN stage_executions latest ON latest.id = (
			SELECT id FROM stage_executions WHERE stage = se.stage ORDER BY id DESC LIMIT 1
		)
		GROUP BY se.stage
		ORDER BY se.stage
	`

	rows, err := s.db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("failed to query stage stats: %w", err)
	}
	defer rows.Close()

	stats := make([]StageStats, 0)
	for rows.Next() {
		var stat StageStats
		var duration sql.NullString

		err := rows.Scan(
			&stat.Stage,
			&stat.Total,
			&stat.Succeeded,
			&stat.Failed,
			&stat.TimedOut,
			&stat.LastOutcome,
			&stat.LastStarted,
			&duration,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan stage stats: %w", err)
		}

		if duration.Valid {
			durationStr := duration.String
			stat.LastDuration = &durationStr
		}

		stats = append(stats, stat)
	}

	return stats, rows.Err()
}
