package ftms

import (
	"fmt"
	"time"
)

// Heart Rate Measurement flag bits
// See: https://www.bluetooth.com/specifications/specs/heart-rate-service-1-0/
const (
	hrFlagValueFormat16 = 1 << 0 // Bit 0: 0 = UINT8, 1 = UINT16
)

// HeartRateDecoder decodes the standard Heart Rate Measurement
// characteristic (0x2A37). Heart rate straps notify on their own
// characteristic at their own cadence; the resulting samples are merged
// with treadmill samples downstream by timestamp proximity.
type HeartRateDecoder struct{}

var _ Decoder = HeartRateDecoder{}

func (HeartRateDecoder) Decode(buf []byte, at time.Time) (Sample, error) {
	if len(buf) < 2 {
		return Sample{}, fmt.Errorf("heart rate data too short: %d bytes", len(buf))
	}

	flags := buf[0]

	var heartRate uint16
	if flags&hrFlagValueFormat16 != 0 {
		if len(buf) < 3 {
			return Sample{}, fmt.Errorf("heart rate UINT16 data too short: %d bytes", len(buf))
		}
		heartRate = uint16(buf[1]) | (uint16(buf[2]) << 8)
	} else {
		heartRate = uint16(buf[1])
	}

	return Sample{
		Time:         at,
		HasHeartRate: true,
		HeartRateBPM: int(heartRate),
	}, nil
}
