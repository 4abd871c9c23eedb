package run

import (
	"math"
)

// ScoreWeights are the relative contributions of the three sub-scores.
// Weights for absent targets are dropped and the rest renormalized, so
// a plan with only a distance target is scored on distance alone.
type ScoreWeights struct {
	Distance float64
	Pace     float64
	Duration float64
}

// DefaultScoreWeights favor covering the planned distance, then
// holding the pace band, then duration.
var DefaultScoreWeights = ScoreWeights{
	Distance: 0.45,
	Pace:     0.35,
	Duration: 0.20,
}

// paceFalloffSecPerKm is how far outside the target band the pace
// sub-score takes to degrade from full to zero.
const paceFalloffSecPerKm = 60.0

// Score computes the 0-100 completion score with the default weights.
// Free runs have nothing to score against and return false.
func Score(r Result) (int, bool) {
	return ScoreWithWeights(r, DefaultScoreWeights)
}

// ScoreWithWeights is Score with explicit weights. Deterministic and
// side-effect-free; identical input always yields identical output.
func ScoreWithWeights(r Result, w ScoreWeights) (int, bool) {
	if r.Target.Kind != TargetPlanned {
		return 0, false
	}

	var weighted, totalWeight float64

	if r.Target.HasDistance && r.Target.DistanceKm > 0 {
		weighted += w.Distance * ratioScore(r.DistanceKm, r.Target.DistanceKm)
		totalWeight += w.Distance
	}
	if r.Target.HasPaceRange {
		weighted += w.Pace * paceScore(r, r.Target)
		totalWeight += w.Pace
	}
	if r.Target.HasDuration && r.Target.DurationMin > 0 {
		actualMin := float64(r.DurationSeconds) / 60
		weighted += w.Duration * ratioScore(actualMin, r.Target.DurationMin)
		totalWeight += w.Duration
	}

	if totalWeight <= 0 {
		// A planned run with no measurable targets cannot be scored.
		return 0, false
	}

	score := int(math.Round(weighted / totalWeight * 100))
	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	return score, true
}

// ratioScore rewards meeting or exceeding the target; falling short
// scores proportionally.
func ratioScore(actual, target float64) float64 {
	if actual >= target {
		return 1
	}
	if actual <= 0 {
		return 0
	}
	return actual / target
}

// paceScore is full inside the target band and degrades linearly with
// the distance to the nearest band edge. A run with no covered
// distance has no average pace and scores zero here.
func paceScore(r Result, t Target) float64 {
	if r.AvgPaceSecPerKm <= 0 {
		return 0
	}
	pace := float64(r.AvgPaceSecPerKm)
	min := float64(t.PaceMinSecPerKm)
	max := float64(t.PaceMaxSecPerKm)

	if pace >= min && pace <= max {
		return 1
	}
	var off float64
	if pace < min {
		off = min - pace
	} else {
		off = pace - max
	}
	if off >= paceFalloffSecPerKm {
		return 0
	}
	return 1 - off/paceFalloffSecPerKm
}
