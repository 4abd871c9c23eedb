package run

import (
	"github.com/mhartvig/runlink/run-tracker-app/internal/ftms"
)

// Standard Bluetooth SIG UUIDs for the two telemetry sources the
// tracker consumes.
const (
	FitnessMachineServiceUUID    = "00001826-0000-1000-8000-00805f9b34fb"
	TreadmillDataCharUUID        = "00002acd-0000-1000-8000-00805f9b34fb"
	HeartRateServiceUUID         = "0000180d-0000-1000-8000-00805f9b34fb"
	HeartRateMeasurementCharUUID = "00002a37-0000-1000-8000-00805f9b34fb"
)

// DataSourceBluetoothFTMS tags results produced from live FTMS
// telemetry, matching the backend's run model.
const DataSourceBluetoothFTMS = "bluetooth_ftms"

// TelemetryStream binds one notification characteristic to its decoder.
// Treadmill data and heart rate arrive on independent characteristics
// at independent rates; each stream feeds the same tracker.
type TelemetryStream struct {
	Name               string
	ServiceUUID        string
	CharacteristicUUID string
	Decoder            ftms.Decoder
}

// TelemetryStreams returns the streams the tracker subscribes to on a
// connected treadmill. The heart-rate stream is optional on the device
// side; a missing characteristic there is tolerated.
func TelemetryStreams() []TelemetryStream {
	return []TelemetryStream{
		{
			Name:               "treadmill",
			ServiceUUID:        FitnessMachineServiceUUID,
			CharacteristicUUID: TreadmillDataCharUUID,
			Decoder:            ftms.TreadmillDataDecoder{},
		},
		{
			Name:               "heart-rate",
			ServiceUUID:        HeartRateServiceUUID,
			CharacteristicUUID: HeartRateMeasurementCharUUID,
			Decoder:            ftms.HeartRateDecoder{},
		},
	}
}
