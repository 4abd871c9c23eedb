package run

import (
	"fmt"
	"math"
	"time"
)

// PaceZone classifies current pace against the target range. A smaller
// seconds-per-km value is a faster pace, so below the range minimum is
// too fast and above the maximum is too slow.
type PaceZone int

const (
	ZoneNoTarget PaceZone = iota
	ZoneTooFast
	ZoneOnPace
	ZoneTooSlow
)

func (z PaceZone) String() string {
	switch z {
	case ZoneTooFast:
		return "Too Fast"
	case ZoneOnPace:
		return "On Pace"
	case ZoneTooSlow:
		return "Too Slow"
	default:
		return "No Target"
	}
}

// NoPaceSentinel is displayed when speed has been zero or absent for a
// sustained period; never a divide-by-zero artifact.
const NoPaceSentinel = "--:--"

const (
	// PaceWindow is the trailing window current pace is derived from.
	// Instantaneous device speed alone is too jittery.
	PaceWindow = 15 * time.Second

	// NoPaceAfter is how long the belt must be stopped before current
	// pace switches to the sentinel.
	NoPaceAfter = 5 * time.Second

	// PaceGraphMaxPoints bounds the pace-graph series.
	PaceGraphMaxPoints = 120
)

// Split is one sealed per-kilometer record. Sealed splits are never
// renumbered or edited afterward, except for the fastest flag and
// diff-from-fastest recompute across the whole set.
type Split struct {
	Kilometer          int    // 1-based
	PaceSeconds        int    // seconds per km for this kilometer
	Pace               string // M:SS
	CumulativeSeconds  int    // session time at the boundary
	CumulativeTime     string // M:SS or H:MM:SS
	IsFastest          bool
	DiffFromFastestSec int // 0 for the fastest split
}

// Snapshot is one consistent view of the live metrics, emitted after
// every accepted sample.
type Snapshot struct {
	SessionState   SessionState
	ElapsedSeconds int
	DistanceKm     float64

	HasPace      bool
	PaceSecPerKm float64
	Pace         string // NoPaceSentinel when HasPace is false

	Zone PaceZone

	HasDrift bool
	DriftSec float64 // signed; positive means slower than reference
	Drift    string

	HasHeartRate bool
	HeartRateBPM int

	Splits    []Split
	PaceGraph []float64 // normalized 0-1, bounded length
}

type metricPoint struct {
	t     time.Time
	distM float64
}

// Metrics derives pace, zone, drift, splits and the pace graph from
// the ordered sample stream. Recompute runs synchronously in the
// ingestion path and performs no I/O.
type Metrics struct {
	target  Target
	startAt time.Time

	window  []metricPoint
	prev    metricPoint
	hasPrev bool

	lastMoveAt time.Time
	hasPace    bool
	paceSec    float64

	nextSplitKm     int
	lastBoundarySec float64
	splits          []Split

	graph []float64 // raw sec/km history, capped
}

// NewMetrics creates a metrics engine for a session starting at
// startAt with the given target.
func NewMetrics(target Target, startAt time.Time) *Metrics {
	return &Metrics{
		target:      target,
		startAt:     startAt,
		lastMoveAt:  startAt,
		nextSplitKm: 1,
	}
}

// Observe feeds one accepted sample's state: timestamp, monotonic
// cumulative distance, and the device's instantaneous speed when
// present. Must be called in sample order.
func (m *Metrics) Observe(t time.Time, distanceM float64, speedMPS float64, hasSpeed bool) {
	moved := m.hasPrev && distanceM > m.prev.distM
	if moved || (hasSpeed && speedMPS > 0) {
		m.lastMoveAt = t
	}

	point := metricPoint{t: t, distM: distanceM}
	m.window = append(m.window, point)
	m.pruneWindow(t)

	m.recomputePace(t)
	m.sealSplits(point)

	if m.hasPace {
		m.graph = append(m.graph, m.paceSec)
		if len(m.graph) > PaceGraphMaxPoints {
			m.graph = m.graph[len(m.graph)-PaceGraphMaxPoints:]
		}
	}

	m.prev = point
	m.hasPrev = true
}

func (m *Metrics) pruneWindow(now time.Time) {
	cutoff := now.Add(-PaceWindow)
	keep := 0
	for keep < len(m.window) && m.window[keep].t.Before(cutoff) {
		keep++
	}
	m.window = m.window[keep:]
}

func (m *Metrics) recomputePace(now time.Time) {
	if now.Sub(m.lastMoveAt) >= NoPaceAfter {
		m.hasPace = false
		return
	}
	if len(m.window) < 2 {
		// Keep the previous pace until the window fills or the belt
		// stops long enough for the sentinel.
		return
	}
	first := m.window[0]
	last := m.window[len(m.window)-1]
	dd := last.distM - first.distM
	dt := last.t.Sub(first.t).Seconds()
	if dd <= 0 || dt <= 0 {
		return
	}
	m.paceSec = dt / (dd / 1000)
	m.hasPace = true
}

// sealSplits closes every whole-kilometer boundary the new point
// crosses. The boundary crossing time is interpolated linearly between
// the previous and current point, so splits stay consistent no matter
// how samples straddle the boundary.
func (m *Metrics) sealSplits(point metricPoint) {
	if !m.hasPrev {
		return
	}
	for {
		boundaryM := float64(m.nextSplitKm) * 1000
		if point.distM < boundaryM {
			return
		}

		crossSec := point.t.Sub(m.startAt).Seconds()
		if span := point.distM - m.prev.distM; span > 0 {
			frac := (boundaryM - m.prev.distM) / span
			prevSec := m.prev.t.Sub(m.startAt).Seconds()
			crossSec = prevSec + frac*(point.t.Sub(m.prev.t).Seconds())
		}

		paceSec := crossSec - m.lastBoundarySec
		m.splits = append(m.splits, Split{
			Kilometer:         m.nextSplitKm,
			PaceSeconds:       int(math.Round(paceSec)),
			Pace:              FormatPace(int(math.Round(paceSec))),
			CumulativeSeconds: int(math.Round(crossSec)),
			CumulativeTime:    FormatDuration(int(math.Round(crossSec))),
		})
		m.lastBoundarySec = crossSec
		m.nextSplitKm++
		m.recomputeFastest()
	}
}

// recomputeFastest marks the single fastest split, ties resolved to the
// earliest, and refreshes every split's whole-second diff.
func (m *Metrics) recomputeFastest() {
	if len(m.splits) == 0 {
		return
	}
	fastest := 0
	for i := 1; i < len(m.splits); i++ {
		if m.splits[i].PaceSeconds < m.splits[fastest].PaceSeconds {
			fastest = i
		}
	}
	for i := range m.splits {
		m.splits[i].IsFastest = i == fastest
		m.splits[i].DiffFromFastestSec = m.splits[i].PaceSeconds - m.splits[fastest].PaceSeconds
	}
}

// CurrentPace returns the smoothed pace in seconds per km, false when
// the no-pace sentinel applies.
func (m *Metrics) CurrentPace() (float64, bool) {
	if !m.hasPace {
		return 0, false
	}
	return m.paceSec, true
}

// Zone classifies the current pace against the target range.
func (m *Metrics) Zone() PaceZone {
	if !m.target.HasPaceRange || !m.hasPace {
		return ZoneNoTarget
	}
	switch {
	case m.paceSec < float64(m.target.PaceMinSecPerKm):
		return ZoneTooFast
	case m.paceSec > float64(m.target.PaceMaxSecPerKm):
		return ZoneTooSlow
	default:
		return ZoneOnPace
	}
}

// Drift returns the signed deviation of current pace from the
// reference pace: the target band midpoint for planned runs with a
// range, the session's own average otherwise. Positive is slower.
func (m *Metrics) Drift(sessionAvgSecPerKm float64) (float64, bool) {
	if !m.hasPace {
		return 0, false
	}
	ref, ok := m.target.PaceBandMidpoint()
	if !ok {
		if sessionAvgSecPerKm <= 0 {
			return 0, false
		}
		ref = sessionAvgSecPerKm
	}
	return m.paceSec - ref, true
}

// Splits returns a copy of the sealed splits in kilometer order.
func (m *Metrics) Splits() []Split {
	result := make([]Split, len(m.splits))
	copy(result, m.splits)
	return result
}

// PaceGraph returns the bounded pace series normalized to 0-1 over its
// own min/max. Purely for visualization; never persisted.
func (m *Metrics) PaceGraph() []float64 {
	if len(m.graph) == 0 {
		return nil
	}
	min, max := m.graph[0], m.graph[0]
	for _, p := range m.graph {
		if p < min {
			min = p
		}
		if p > max {
			max = p
		}
	}
	result := make([]float64, len(m.graph))
	if max == min {
		for i := range result {
			result[i] = 0.5
		}
		return result
	}
	for i, p := range m.graph {
		result[i] = (p - min) / (max - min)
	}
	return result
}

// FormatPace renders seconds-per-km as M:SS.
func FormatPace(secPerKm int) string {
	if secPerKm <= 0 {
		return NoPaceSentinel
	}
	return fmt.Sprintf("%d:%02d", secPerKm/60, secPerKm%60)
}

// FormatDuration renders a duration as M:SS below one hour and
// H:MM:SS from one hour up, matching the splits contract downstream.
func FormatDuration(totalSec int) string {
	if totalSec < 0 {
		totalSec = 0
	}
	if totalSec < 3600 {
		return fmt.Sprintf("%d:%02d", totalSec/60, totalSec%60)
	}
	return fmt.Sprintf("%d:%02d:%02d", totalSec/3600, (totalSec%3600)/60, totalSec%60)
}

// FormatDrift renders a signed pace drift as, for example, "+12s" or
// "-5s".
func FormatDrift(driftSec float64) string {
	rounded := int(math.Round(driftSec))
	if rounded >= 0 {
		return fmt.Sprintf("+%ds", rounded)
	}
	return fmt.Sprintf("%ds", rounded)
}
