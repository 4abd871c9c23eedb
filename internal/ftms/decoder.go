package ftms

import (
	"time"
)

// Sample is one decoded device reading in SI base units. A single
// notification rarely carries every field; the Has* flags record which
// fields were present on the wire. Samples are immutable once produced.
type Sample struct {
	Time time.Time // monotonic receive time, assigned at decode

	HasSpeed bool
	SpeedMPS float64 // m/s

	HasDistance    bool
	DistanceMeters float64 // cumulative meters as reported by the device

	HasElapsed     bool
	ElapsedSeconds uint16 // device session clock, may diverge from ours

	HasHeartRate bool
	HeartRateBPM int
}

// Decoder turns one raw notification payload into a Sample. Decoding
// is pure and stateless: the same bytes always produce the same sample.
// A payload shorter than the minimum implied by its own flags is
// rejected with an error; callers drop the payload and move on.
type Decoder interface {
	Decode(buf []byte, at time.Time) (Sample, error)
}
