package run

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Result is the finalized, immutable snapshot of a finished session.
// It is the sole artifact handed to the persistence collaborator and
// the scoring service.
type Result struct {
	ID         uuid.UUID
	StartedAt  time.Time
	FinishedAt time.Time
	Target     Target

	DistanceKm      float64
	DurationSeconds int
	AvgPaceSecPerKm int // 0 when no distance was covered
	Splits          []Split

	DataSource     string // DataSourceBluetoothFTMS
	TreadmillBrand string // advertised device name

	HasScore bool
	Score    int
}

// splitJSON is the backend-compatible wire form of one split.
type splitJSON struct {
	Kilometer int    `json:"kilometer"`
	Pace      string `json:"pace"`
	Time      string `json:"time"`
}

// SplitsJSON serializes the splits in the form the backend's run model
// stores: [{"kilometer":1,"pace":"5:10","time":"5:10"}, ...]. An empty
// split list serializes as an empty array, not null.
func (r Result) SplitsJSON() (string, error) {
	out := make([]splitJSON, 0, len(r.Splits))
	for _, s := range r.Splits {
		out = append(out, splitJSON{
			Kilometer: s.Kilometer,
			Pace:      s.Pace,
			Time:      s.CumulativeTime,
		})
	}
	buf, err := json.Marshal(out)
	if err != nil {
		return "", fmt.Errorf("failed to serialize splits: %w", err)
	}
	return string(buf), nil
}

// AvgPace renders the average pace, or the sentinel when no distance
// was covered.
func (r Result) AvgPace() string {
	return FormatPace(r.AvgPaceSecPerKm)
}
