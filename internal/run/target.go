package run

import (
	"github.com/google/uuid"
)

// TargetKind distinguishes a free run from a planned workout.
type TargetKind int

const (
	TargetFree TargetKind = iota
	TargetPlanned
)

func (k TargetKind) String() string {
	if k == TargetPlanned {
		return "planned"
	}
	return "free"
}

// Target is the goal configuration supplied at session start. It is
// immutable for the session's lifetime; the engine never re-derives
// plan content. Every planned field is optional and gated by its Has
// flag. A smaller seconds-per-km pace value is a faster pace.
type Target struct {
	Kind             TargetKind
	PlannedWorkoutID uuid.UUID

	HasDistance bool
	DistanceKm  float64

	HasDuration bool
	DurationMin float64

	HasPaceRange    bool
	PaceMinSecPerKm int
	PaceMaxSecPerKm int
}

// FreeRun returns the target for an untargeted session.
func FreeRun() Target {
	return Target{Kind: TargetFree}
}

// PaceBandMidpoint returns the midpoint of the target pace range in
// seconds per km, or false when no range is set.
func (t Target) PaceBandMidpoint() (float64, bool) {
	if !t.HasPaceRange {
		return 0, false
	}
	return float64(t.PaceMinSecPerKm+t.PaceMaxSecPerKm) / 2, true
}
