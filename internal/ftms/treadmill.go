package ftms

import (
	"fmt"
	"time"
)

// Treadmill Data flag bit positions (FTMS 1.0 spec)
// See: https://www.bluetooth.com/specifications/specs/fitness-machine-service-1-0/
const (
	tdFlagMoreData          = 1 << 0  // Bit 0: 0 = Instantaneous Speed present, 1 = not present
	tdFlagAverageSpeed      = 1 << 1  // Bit 1: Average Speed present
	tdFlagTotalDistance     = 1 << 2  // Bit 2: Total Distance present
	tdFlagInclination       = 1 << 3  // Bit 3: Inclination and Ramp Angle present
	tdFlagElevationGain     = 1 << 4  // Bit 4: Positive/Negative Elevation Gain present
	tdFlagInstantaneousPace = 1 << 5  // Bit 5: Instantaneous Pace present
	tdFlagAveragePace       = 1 << 6  // Bit 6: Average Pace present
	tdFlagExpendedEnergy    = 1 << 7  // Bit 7: Expended Energy present
	tdFlagHeartRate         = 1 << 8  // Bit 8: Heart Rate present
	tdFlagMetabolicEquiv    = 1 << 9  // Bit 9: Metabolic Equivalent present
	tdFlagElapsedTime       = 1 << 10 // Bit 10: Elapsed Time present
	tdFlagRemainingTime     = 1 << 11 // Bit 11: Remaining Time present
	tdFlagForceAndPower     = 1 << 12 // Bit 12: Force on Belt and Power Output present
)

// treadmillData holds all fields of the FTMS Treadmill Data
// characteristic in device-native units.
type treadmillData struct {
	HasInstantaneousSpeed bool
	HasAverageSpeed       bool
	HasTotalDistance      bool
	HasInclination        bool
	HasElevationGain      bool
	HasInstantaneousPace  bool
	HasAveragePace        bool
	HasExpendedEnergy     bool
	HasHeartRate          bool
	HasMetabolicEquiv     bool
	HasElapsedTime        bool
	HasRemainingTime      bool
	HasForceAndPower      bool

	InstantaneousSpeedKmh float64 // km/h
	AverageSpeedKmh       float64 // km/h
	TotalDistanceMeters   uint32  // meters
	InclinationPercent    float64 // percent
	RampAngleDegrees      float64 // degrees
	PositiveElevationM    float64 // meters
	NegativeElevationM    float64 // meters
	InstantaneousPace     float64 // km/min
	AveragePace           float64 // km/min
	TotalEnergyKcal       uint16  // kcal
	EnergyPerHourKcal     uint16  // kcal/hour
	EnergyPerMinuteKcal   uint8   // kcal/min
	HeartRateBpm          uint8   // bpm
	MetabolicEquivalent   float64 // MET
	ElapsedTimeSeconds    uint16  // seconds
	RemainingTimeSeconds  uint16  // seconds
	ForceOnBeltNewtons    int16   // N
	PowerOutputWatts      int16   // watts
}

// TreadmillDataDecoder decodes the FTMS Treadmill Data characteristic
// (0x2ACD) into a Sample, converting device units to SI base units at
// the boundary so downstream code never sees hundredths of km/h.
type TreadmillDataDecoder struct{}

var _ Decoder = TreadmillDataDecoder{}

func (TreadmillDataDecoder) Decode(buf []byte, at time.Time) (Sample, error) {
	data, err := parseTreadmillData(buf)
	if err != nil {
		return Sample{}, err
	}

	sample := Sample{Time: at}
	if data.HasInstantaneousSpeed {
		sample.HasSpeed = true
		sample.SpeedMPS = data.InstantaneousSpeedKmh / 3.6
	}
	if data.HasTotalDistance {
		sample.HasDistance = true
		sample.DistanceMeters = float64(data.TotalDistanceMeters)
	}
	if data.HasElapsedTime {
		sample.HasElapsed = true
		sample.ElapsedSeconds = data.ElapsedTimeSeconds
	}
	if data.HasHeartRate {
		sample.HasHeartRate = true
		sample.HeartRateBPM = int(data.HeartRateBpm)
	}
	return sample, nil
}

// parseTreadmillData walks the payload field by field. Every field's
// presence and width is gated by its flag bit; the cursor only advances
// over fields that are actually present.
func parseTreadmillData(buf []byte) (*treadmillData, error) {
	if len(buf) < 2 {
		return nil, fmt.Errorf("treadmill data too short: %d bytes", len(buf))
	}

	// Flags are first 2 bytes (little-endian UINT16)
	flags := uint16(buf[0]) | (uint16(buf[1]) << 8)
	offset := 2

	data := &treadmillData{}

	// Bit 0 (More Data) is inverted: 0 means Instantaneous Speed IS present
	data.HasInstantaneousSpeed = (flags & tdFlagMoreData) == 0
	data.HasAverageSpeed = (flags & tdFlagAverageSpeed) != 0
	data.HasTotalDistance = (flags & tdFlagTotalDistance) != 0
	data.HasInclination = (flags & tdFlagInclination) != 0
	data.HasElevationGain = (flags & tdFlagElevationGain) != 0
	data.HasInstantaneousPace = (flags & tdFlagInstantaneousPace) != 0
	data.HasAveragePace = (flags & tdFlagAveragePace) != 0
	data.HasExpendedEnergy = (flags & tdFlagExpendedEnergy) != 0
	data.HasHeartRate = (flags & tdFlagHeartRate) != 0
	data.HasMetabolicEquiv = (flags & tdFlagMetabolicEquiv) != 0
	data.HasElapsedTime = (flags & tdFlagElapsedTime) != 0
	data.HasRemainingTime = (flags & tdFlagRemainingTime) != 0
	data.HasForceAndPower = (flags & tdFlagForceAndPower) != 0

	// Parse fields in order according to spec

	// 1. Instantaneous Speed (UINT16, 0.01 km/h resolution)
	if data.HasInstantaneousSpeed {
		if offset+2 > len(buf) {
			return nil, fmt.Errorf("buffer too short for instantaneous speed at offset %d", offset)
		}
		raw := uint16(buf[offset]) | (uint16(buf[offset+1]) << 8)
		data.InstantaneousSpeedKmh = float64(raw) * 0.01
		offset += 2
	}

	// 2. Average Speed (UINT16, 0.01 km/h resolution)
	if data.HasAverageSpeed {
		if offset+2 > len(buf) {
			return nil, fmt.Errorf("buffer too short for average speed at offset %d", offset)
		}
		raw := uint16(buf[offset]) | (uint16(buf[offset+1]) << 8)
		data.AverageSpeedKmh = float64(raw) * 0.01
		offset += 2
	}

	// 3. Total Distance (UINT24, 1 meter resolution)
	if data.HasTotalDistance {
		if offset+3 > len(buf) {
			return nil, fmt.Errorf("buffer too short for total distance at offset %d", offset)
		}
		data.TotalDistanceMeters = uint32(buf[offset]) | (uint32(buf[offset+1]) << 8) | (uint32(buf[offset+2]) << 16)
		offset += 3
	}

	// 4. Inclination (SINT16, 0.1 %) + Ramp Angle Setting (SINT16, 0.1 degree)
	if data.HasInclination {
		if offset+4 > len(buf) {
			return nil, fmt.Errorf("buffer too short for inclination at offset %d", offset)
		}
		incl := int16(uint16(buf[offset]) | (uint16(buf[offset+1]) << 8))
		ramp := int16(uint16(buf[offset+2]) | (uint16(buf[offset+3]) << 8))
		data.InclinationPercent = float64(incl) * 0.1
		data.RampAngleDegrees = float64(ramp) * 0.1
		offset += 4
	}

	// 5. Positive Elevation Gain (UINT16, 0.1 m) + Negative Elevation Gain (UINT16, 0.1 m)
	if data.HasElevationGain {
		if offset+4 > len(buf) {
			return nil, fmt.Errorf("buffer too short for elevation gain at offset %d", offset)
		}
		pos := uint16(buf[offset]) | (uint16(buf[offset+1]) << 8)
		neg := uint16(buf[offset+2]) | (uint16(buf[offset+3]) << 8)
		data.PositiveElevationM = float64(pos) * 0.1
		data.NegativeElevationM = float64(neg) * 0.1
		offset += 4
	}

	// 6. Instantaneous Pace (UINT8, 0.1 km/min resolution)
	if data.HasInstantaneousPace {
		if offset+1 > len(buf) {
			return nil, fmt.Errorf("buffer too short for instantaneous pace at offset %d", offset)
		}
		data.InstantaneousPace = float64(buf[offset]) * 0.1
		offset += 1
	}

	// 7. Average Pace (UINT8, 0.1 km/min resolution)
	if data.HasAveragePace {
		if offset+1 > len(buf) {
			return nil, fmt.Errorf("buffer too short for average pace at offset %d", offset)
		}
		data.AveragePace = float64(buf[offset]) * 0.1
		offset += 1
	}

	// 8. Expended Energy (UINT16 Total + UINT16 Per Hour + UINT8 Per Minute)
	if data.HasExpendedEnergy {
		if offset+5 > len(buf) {
			return nil, fmt.Errorf("buffer too short for expended energy at offset %d", offset)
		}
		data.TotalEnergyKcal = uint16(buf[offset]) | (uint16(buf[offset+1]) << 8)
		offset += 2
		data.EnergyPerHourKcal = uint16(buf[offset]) | (uint16(buf[offset+1]) << 8)
		offset += 2
		data.EnergyPerMinuteKcal = buf[offset]
		offset += 1
	}

	// 9. Heart Rate (UINT8, 1 bpm resolution)
	if data.HasHeartRate {
		if offset+1 > len(buf) {
			return nil, fmt.Errorf("buffer too short for heart rate at offset %d", offset)
		}
		data.HeartRateBpm = buf[offset]
		offset += 1
	}

	// 10. Metabolic Equivalent (UINT8, 0.1 MET resolution)
	if data.HasMetabolicEquiv {
		if offset+1 > len(buf) {
			return nil, fmt.Errorf("buffer too short for metabolic equivalent at offset %d", offset)
		}
		data.MetabolicEquivalent = float64(buf[offset]) * 0.1
		offset += 1
	}

	// 11. Elapsed Time (UINT16, 1 second resolution)
	if data.HasElapsedTime {
		if offset+2 > len(buf) {
			return nil, fmt.Errorf("buffer too short for elapsed time at offset %d", offset)
		}
		data.ElapsedTimeSeconds = uint16(buf[offset]) | (uint16(buf[offset+1]) << 8)
		offset += 2
	}

	// 12. Remaining Time (UINT16, 1 second resolution)
	if data.HasRemainingTime {
		if offset+2 > len(buf) {
			return nil, fmt.Errorf("buffer too short for remaining time at offset %d", offset)
		}
		data.RemainingTimeSeconds = uint16(buf[offset]) | (uint16(buf[offset+1]) << 8)
		offset += 2
	}

	// 13. Force on Belt (SINT16, 1 N) + Power Output (SINT16, 1 watt)
	if data.HasForceAndPower {
		if offset+4 > len(buf) {
			return nil, fmt.Errorf("buffer too short for force and power at offset %d", offset)
		}
		data.ForceOnBeltNewtons = int16(uint16(buf[offset]) | (uint16(buf[offset+1]) << 8))
		data.PowerOutputWatts = int16(uint16(buf[offset+2]) | (uint16(buf[offset+3]) << 8))
		// offset += 4 // Not needed, last field
	}

	return data, nil
}
