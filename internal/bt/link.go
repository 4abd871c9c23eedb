package bt

// ScanResult is one advertisement seen during discovery.
type ScanResult struct {
	Address      string
	Name         string
	RSSI         int16
	ServiceUUIDs []string
}

// Link abstracts the BLE adapter so the Manager can be driven by a fake
// in tests. The real implementation wraps tinygo.org/x/bluetooth.
type Link interface {
	// Enable powers up the adapter. A failure here means the radio is
	// unavailable, not that a device is out of range.
	Enable() error

	// Scan blocks, invoking yield for every advertisement, until
	// StopScan is called.
	Scan(yield func(ScanResult)) error

	StopScan() error

	// Connect opens a connection to a previously scanned device.
	Connect(address string) (Conn, error)

	// SetDisconnectHandler registers fn, invoked with the device address
	// whenever an established connection drops for any reason.
	SetDisconnectHandler(fn func(address string))
}

// Conn is one established GATT connection.
type Conn interface {
	Address() string
	Name() string

	// EnableNotifications subscribes to a characteristic. A missing
	// service or characteristic is a hard error; there is no partial
	// telemetry fallback.
	EnableNotifications(serviceUUID, charUUID string, fn func(buf []byte)) error
	DisableNotifications(serviceUUID, charUUID string) error

	Disconnect() error
}
