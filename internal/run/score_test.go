package run

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func plannedTarget() Target {
	return Target{
		Kind:            TargetPlanned,
		HasDistance:     true,
		DistanceKm:      5.0,
		HasPaceRange:    true,
		PaceMinSecPerKm: 300,
		PaceMaxSecPerKm: 330,
	}
}

func TestScore_FreeRunHasNoScore(t *testing.T) {
	result := Result{
		Target:          FreeRun(),
		DistanceKm:      8.0,
		DurationSeconds: 2400,
		AvgPaceSecPerKm: 300,
	}
	_, ok := Score(result)
	assert.False(t, ok)
}

func TestScore_ExactTargetMatchScoresMaximum(t *testing.T) {
	result := Result{
		Target:          plannedTarget(),
		DistanceKm:      5.2,
		DurationSeconds: 1620,
		AvgPaceSecPerKm: 312,
	}
	score, ok := Score(result)
	require.True(t, ok)
	assert.Equal(t, 100, score)
}

func TestScore_HalfDistanceOffPaceScoresStrictlyLower(t *testing.T) {
	full := Result{
		Target:          plannedTarget(),
		DistanceKm:      5.0,
		DurationSeconds: 1575,
		AvgPaceSecPerKm: 315,
	}
	half := Result{
		Target:          plannedTarget(),
		DistanceKm:      2.5,
		DurationSeconds: 1050,
		AvgPaceSecPerKm: 420,
	}

	fullScore, ok := Score(full)
	require.True(t, ok)
	halfScore, ok := Score(half)
	require.True(t, ok)

	assert.Less(t, halfScore, fullScore)
	// Distance contributes half its weight, pace is 90 s/km off the
	// band and contributes nothing.
	assert.Equal(t, 28, halfScore)
}

func TestScore_PaceDegradesSmoothlyOutsideBand(t *testing.T) {
	inBand := Result{Target: plannedTarget(), DistanceKm: 5.0, AvgPaceSecPerKm: 315}
	slightlyOff := Result{Target: plannedTarget(), DistanceKm: 5.0, AvgPaceSecPerKm: 345}
	wayOff := Result{Target: plannedTarget(), DistanceKm: 5.0, AvgPaceSecPerKm: 420}

	a, _ := Score(inBand)
	b, _ := Score(slightlyOff)
	c, _ := Score(wayOff)

	assert.Greater(t, a, b)
	assert.Greater(t, b, c)
}

func TestScore_TooFastIsAlsoOffBand(t *testing.T) {
	// Pace scoring is symmetric: 30 s/km under the band costs the same
	// as 30 s/km over it.
	under := Result{Target: plannedTarget(), DistanceKm: 5.0, AvgPaceSecPerKm: 270}
	over := Result{Target: plannedTarget(), DistanceKm: 5.0, AvgPaceSecPerKm: 360}

	a, _ := Score(under)
	b, _ := Score(over)
	assert.Equal(t, a, b)

	inBand := Result{Target: plannedTarget(), DistanceKm: 5.0, AvgPaceSecPerKm: 315}
	best, _ := Score(inBand)
	assert.Greater(t, best, a)
}

func TestScore_WeightsRenormalizeOverPresentTargets(t *testing.T) {
	// Distance-only plan: hitting the distance scores 100 even though
	// pace and duration weights exist.
	target := Target{
		Kind:        TargetPlanned,
		HasDistance: true,
		DistanceKm:  10.0,
	}
	result := Result{Target: target, DistanceKm: 10.0, DurationSeconds: 3600}

	score, ok := Score(result)
	require.True(t, ok)
	assert.Equal(t, 100, score)
}

func TestScore_DurationTarget(t *testing.T) {
	target := Target{
		Kind:        TargetPlanned,
		HasDuration: true,
		DurationMin: 30,
	}

	met := Result{Target: target, DurationSeconds: 1800}
	short := Result{Target: target, DurationSeconds: 900}

	a, ok := Score(met)
	require.True(t, ok)
	assert.Equal(t, 100, a)

	b, ok := Score(short)
	require.True(t, ok)
	assert.Equal(t, 50, b)
}

func TestScore_PlannedWithoutTargetsIsUnscorable(t *testing.T) {
	result := Result{
		Target:          Target{Kind: TargetPlanned},
		DistanceKm:      5.0,
		DurationSeconds: 1500,
	}
	_, ok := Score(result)
	assert.False(t, ok)
}

func TestScore_ClampedToBounds(t *testing.T) {
	result := Result{
		Target:          plannedTarget(),
		DistanceKm:      20.0, // far beyond target
		AvgPaceSecPerKm: 315,
	}
	score, ok := Score(result)
	require.True(t, ok)
	assert.Equal(t, 100, score)

	zero := Result{Target: plannedTarget(), DistanceKm: 0, AvgPaceSecPerKm: 0}
	score, ok = Score(zero)
	require.True(t, ok)
	assert.Equal(t, 0, score)
}

func TestScore_Deterministic(t *testing.T) {
	result := Result{
		Target:          plannedTarget(),
		DistanceKm:      4.1,
		DurationSeconds: 1400,
		AvgPaceSecPerKm: 341,
	}
	first, ok := Score(result)
	require.True(t, ok)
	for i := 0; i < 10; i++ {
		again, ok := Score(result)
		require.True(t, ok)
		assert.Equal(t, first, again)
	}
}

func TestScore_CustomWeights(t *testing.T) {
	result := Result{
		Target:          plannedTarget(),
		DistanceKm:      2.5,
		AvgPaceSecPerKm: 315,
	}

	// All weight on pace: in-band pace alone gives the maximum.
	score, ok := ScoreWithWeights(result, ScoreWeights{Distance: 0, Pace: 1, Duration: 0})
	require.True(t, ok)
	assert.Equal(t, 100, score)

	// All weight on distance: half the target distance gives half.
	score, ok = ScoreWithWeights(result, ScoreWeights{Distance: 1, Pace: 0, Duration: 0})
	require.True(t, ok)
	assert.Equal(t, 50, score)
}
