package bt

import (
	"fmt"
	"log"
	"sync"

	"tinygo.org/x/bluetooth"
)

// bleLink is the production Link backed by a tinygo bluetooth adapter.
// It remembers the native address of every scanned device so Connect
// can be called with the plain address string.
type bleLink struct {
	adapter *bluetooth.Adapter
	logger  *log.Logger

	mu           sync.Mutex
	addrByString map[string]bluetooth.Address
	nameByString map[string]string
	disconnectFn func(address string)
}

// NewBLELink wraps a bluetooth adapter in the Link interface.
func NewBLELink(adapter *bluetooth.Adapter, logger *log.Logger) Link {
	if adapter == nil {
		panic("bleLink: adapter cannot be nil")
	}
	if logger == nil {
		panic("bleLink: logger cannot be nil")
	}
	return &bleLink{
		adapter:      adapter,
		logger:       logger,
		addrByString: make(map[string]bluetooth.Address),
		nameByString: make(map[string]string),
	}
}

func (l *bleLink) Enable() error {
	l.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		addr := device.Address.String()
		if connected {
			l.logger.Printf("bleLink: device connected: %s", addr)
			return
		}
		l.logger.Printf("bleLink: device disconnected: %s", addr)
		l.mu.Lock()
		fn := l.disconnectFn
		l.mu.Unlock()
		if fn != nil {
			fn(addr)
		}
	})
	return l.adapter.Enable()
}

func (l *bleLink) SetDisconnectHandler(fn func(address string)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.disconnectFn = fn
}

func (l *bleLink) Scan(yield func(ScanResult)) error {
	return l.adapter.Scan(func(adapter *bluetooth.Adapter, result bluetooth.ScanResult) {
		addr := result.Address.String()
		name := result.LocalName()

		l.mu.Lock()
		l.addrByString[addr] = result.Address
		if name != "" {
			l.nameByString[addr] = name
		}
		l.mu.Unlock()

		uuids := make([]string, 0, len(result.ServiceUUIDs()))
		for _, u := range result.ServiceUUIDs() {
			uuids = append(uuids, u.String())
		}

		yield(ScanResult{
			Address:      addr,
			Name:         name,
			RSSI:         result.RSSI,
			ServiceUUIDs: uuids,
		})
	})
}

func (l *bleLink) StopScan() error {
	return l.adapter.StopScan()
}

func (l *bleLink) Connect(address string) (Conn, error) {
	l.mu.Lock()
	nativeAddr, ok := l.addrByString[address]
	name := l.nameByString[address]
	l.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("unknown device address: %s", address)
	}

	device, err := l.adapter.Connect(nativeAddr, bluetooth.ConnectionParams{})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", address, err)
	}

	return newBLEConn(l.logger, address, name, &device), nil
}

// bleConn is one live GATT connection. Service and characteristic
// discovery happens once and is cached: discovering a single service a
// second time can interrupt notifications on an earlier one, so we
// discover everything up front.
type bleConn struct {
	logger  *log.Logger
	address string
	name    string
	device  *bluetooth.Device

	// Serializes GATT operations; concurrent discovery corrupts some stacks.
	mu                    sync.Mutex
	serviceByUUID         map[string]*bluetooth.DeviceService
	charByUUID            map[string]*bluetooth.DeviceCharacteristic
	charsDiscovered       map[string]bool
	allServicesDiscovered bool
}

func newBLEConn(logger *log.Logger, address, name string, device *bluetooth.Device) *bleConn {
	return &bleConn{
		logger:          logger,
		address:         address,
		name:            name,
		device:          device,
		serviceByUUID:   make(map[string]*bluetooth.DeviceService),
		charByUUID:      make(map[string]*bluetooth.DeviceCharacteristic),
		charsDiscovered: make(map[string]bool),
	}
}

func (c *bleConn) Address() string { return c.address }

func (c *bleConn) Name() string {
	if c.name == "" {
		return "Unknown"
	}
	return c.name
}

func (c *bleConn) EnableNotifications(serviceUUID, charUUID string, fn func(buf []byte)) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	characteristic, err := c.characteristic(serviceUUID, charUUID)
	if err != nil {
		return err
	}
	if err := characteristic.EnableNotifications(fn); err != nil {
		return fmt.Errorf("failed to enable notifications on %s: %w", charUUID, err)
	}
	c.logger.Printf("bleConn: notifications enabled for %s", charUUID)
	return nil
}

func (c *bleConn) DisableNotifications(serviceUUID, charUUID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	characteristic, err := c.characteristic(serviceUUID, charUUID)
	if err != nil {
		return err
	}
	// A nil callback disables notifications.
	if err := characteristic.EnableNotifications(nil); err != nil {
		return fmt.Errorf("failed to disable notifications on %s: %w", charUUID, err)
	}
	return nil
}

func (c *bleConn) Disconnect() error {
	return c.device.Disconnect()
}

// characteristic resolves a service/characteristic pair, discovering
// and caching on first use. Must be called with c.mu held.
func (c *bleConn) characteristic(serviceUUIDStr, charUUIDStr string) (*bluetooth.DeviceCharacteristic, error) {
	comboKey := serviceUUIDStr + "_" + charUUIDStr
	if char, ok := c.charByUUID[comboKey]; ok {
		return char, nil
	}

	service, err := c.service(serviceUUIDStr)
	if err != nil {
		return nil, err
	}

	if !c.charsDiscovered[serviceUUIDStr] {
		c.logger.Printf("bleConn: discovering characteristics for service %s", serviceUUIDStr)
		chars, err := service.DiscoverCharacteristics(nil)
		if err != nil {
			return nil, fmt.Errorf("could not discover characteristics for service %s: %w", serviceUUIDStr, err)
		}
		for i := range chars {
			char := &chars[i]
			c.charByUUID[serviceUUIDStr+"_"+char.UUID().String()] = char
		}
		c.charsDiscovered[serviceUUIDStr] = true
	}

	char, ok := c.charByUUID[comboKey]
	if !ok {
		return nil, fmt.Errorf("characteristic %s not found in service %s", charUUIDStr, serviceUUIDStr)
	}
	return char, nil
}

// service resolves a service by UUID. Must be called with c.mu held.
func (c *bleConn) service(serviceUUIDStr string) (*bluetooth.DeviceService, error) {
	if service, ok := c.serviceByUUID[serviceUUIDStr]; ok {
		return service, nil
	}

	if _, err := bluetooth.ParseUUID(serviceUUIDStr); err != nil {
		return nil, fmt.Errorf("invalid service UUID %q: %w", serviceUUIDStr, err)
	}

	if !c.allServicesDiscovered {
		c.logger.Printf("bleConn: discovering all services for %s", c.address)
		services, err := c.device.DiscoverServices(nil)
		if err != nil {
			return nil, fmt.Errorf("error discovering services: %w", err)
		}
		for i := range services {
			svc := &services[i]
			c.serviceByUUID[svc.UUID().String()] = svc
		}
		c.allServicesDiscovered = true
	}

	service, ok := c.serviceByUUID[serviceUUIDStr]
	if !ok {
		return nil, fmt.Errorf("service %s not found on device", serviceUUIDStr)
	}
	return service, nil
}
