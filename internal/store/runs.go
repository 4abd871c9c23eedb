package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mhartvig/runlink/run-tracker-app/internal/run"
)

// StoredRun is one persisted run row.
type StoredRun struct {
	ID               uuid.UUID
	StartedAt        time.Time
	FinishedAt       time.Time
	DistanceKm       float64
	DurationSeconds  int
	AvgPaceSecPerKm  int
	SplitsJSON       string
	HasScore         bool
	Score            int
	DataSource       string
	TreadmillBrand   string
	TargetKind       string
	PlannedWorkoutID string // empty for free runs
}

// SaveResult persists a finalized result. Saving the same run ID twice
// is a no-op; the run UUID deduplicates retries.
func (s *Store) SaveResult(result run.Result) error {
	splitsJSON, err := result.SplitsJSON()
	if err != nil {
		return err
	}

	var score sql.NullInt64
	if result.HasScore {
		score = sql.NullInt64{Int64: int64(result.Score), Valid: true}
	}

	var plannedID string
	if result.Target.Kind == run.TargetPlanned {
		plannedID = result.Target.PlannedWorkoutID.String()
	}

	_, err = s.db.Exec(`
		INSERT INTO runs (
			id, started_at, finished_at, distance_km, duration_seconds,
			avg_pace_sec_per_km, km_splits_json, completion_score,
			data_source, treadmill_brand, target_kind, planned_workout_id
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`,
		result.ID.String(),
		result.StartedAt.UTC().Format(time.RFC3339),
		result.FinishedAt.UTC().Format(time.RFC3339),
		result.DistanceKm,
		result.DurationSeconds,
		result.AvgPaceSecPerKm,
		splitsJSON,
		score,
		result.DataSource,
		result.TreadmillBrand,
		result.Target.Kind.String(),
		plannedID,
	)
	if err != nil {
		return fmt.Errorf("saving run: %w", err)
	}
	return nil
}

// GetResult retrieves one run by ID.
func (s *Store) GetResult(id uuid.UUID) (*StoredRun, error) {
	row := s.db.QueryRow(`
		SELECT id, started_at, finished_at, distance_km, duration_seconds,
			avg_pace_sec_per_km, km_splits_json, completion_score,
			data_source, treadmill_brand, target_kind, planned_workout_id
		FROM runs
		WHERE id = ?
	`, id.String())

	return scanRun(row)
}

// ListResults returns runs ordered by start time descending.
func (s *Store) ListResults(limit int) ([]StoredRun, error) {
	rows, err := s.db.Query(`
		SELECT id, started_at, finished_at, distance_km, duration_seconds,
			avg_pace_sec_per_km, km_splits_json, completion_score,
			data_source, treadmill_brand, target_kind, planned_workout_id
		FROM runs
		ORDER BY started_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []StoredRun
	for rows.Next() {
		stored, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *stored)
	}
	return result, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*StoredRun, error) {
	var (
		stored     StoredRun
		idStr      string
		startedAt  string
		finishedAt string
		score      sql.NullInt64
		brand      sql.NullString
		plannedID  sql.NullString
	)

	err := row.Scan(
		&idStr, &startedAt, &finishedAt, &stored.DistanceKm,
		&stored.DurationSeconds, &stored.AvgPaceSecPerKm, &stored.SplitsJSON,
		&score, &stored.DataSource, &brand, &stored.TargetKind, &plannedID,
	)
	if err == sql.ErrNoRows {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, err
	}

	stored.ID, err = uuid.Parse(idStr)
	if err != nil {
		return nil, fmt.Errorf("parsing run id: %w", err)
	}
	stored.StartedAt, err = time.Parse(time.RFC3339, startedAt)
	if err != nil {
		return nil, fmt.Errorf("parsing started_at: %w", err)
	}
	stored.FinishedAt, err = time.Parse(time.RFC3339, finishedAt)
	if err != nil {
		return nil, fmt.Errorf("parsing finished_at: %w", err)
	}
	if score.Valid {
		stored.HasScore = true
		stored.Score = int(score.Int64)
	}
	stored.TreadmillBrand = brand.String
	stored.PlannedWorkoutID = plannedID.String
	return &stored, nil
}
