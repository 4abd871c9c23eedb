package bt

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/mhartvig/runlink/run-tracker-app/internal/events"
	"github.com/mhartvig/runlink/run-tracker-app/internal/safego"
)

// ConnectionState is the lifecycle state of the manager's single
// treadmill connection.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateAdapterOff
	StateScanning
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "Disconnected"
	case StateAdapterOff:
		return "Adapter Off"
	case StateScanning:
		return "Scanning"
	case StateConnecting:
		return "Connecting"
	case StateConnected:
		return "Connected"
	case StateReconnecting:
		return "Reconnecting"
	default:
		return fmt.Sprintf("ConnectionState(%d)", int(s))
	}
}

// Device is one discovered peripheral as shown to the UI.
type Device struct {
	Address  string
	Name     string
	RSSI     int16
	LastSeen time.Time
}

// Config tunes scan and reconnect behavior. Zero values take defaults.
type Config struct {
	ScanStaleAfter    time.Duration // drop devices not seen for this long
	ReconnectAttempts int           // bounded; never retries forever
	ReconnectBackoff  time.Duration // attempt N waits N * backoff
}

const (
	defaultScanStaleAfter    = 10 * time.Second
	defaultReconnectAttempts = 5
	defaultReconnectBackoff  = 2 * time.Second
)

// subscription records an active notification registration so it can be
// re-established after a reconnect.
type subscription struct {
	serviceUUID string
	charUUID    string
	fn          func(buf []byte)
}

// Manager owns the BLE lifecycle: scanning, the single active
// connection, link-loss detection and bounded reconnection. State and
// device list changes are published through observables so the UI and
// the run tracker can react without polling.
type Manager struct {
	link   Link
	logger *log.Logger
	cfg    Config

	mu               sync.RWMutex
	state            ConnectionState
	conn             Conn
	lastAddress      string
	devicesByAddress map[string]Device
	scanFilter       map[string]struct{}
	subscriptions    []subscription
	expectingDrop    bool
	reconnectCancel  chan struct{}

	scanCtx       context.Context
	scanCtxCancel context.CancelFunc

	stateEvent   *events.Observable[ConnectionState]
	devicesEvent *events.Observable[[]Device]

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager wires a Manager onto a Link. The config's zero fields are
// filled with defaults.
func NewManager(link Link, logger *log.Logger, cfg Config) *Manager {
	if link == nil {
		panic("Manager: link cannot be nil")
	}
	if logger == nil {
		panic("Manager: logger cannot be nil")
	}
	if cfg.ScanStaleAfter <= 0 {
		cfg.ScanStaleAfter = defaultScanStaleAfter
	}
	if cfg.ReconnectAttempts <= 0 {
		cfg.ReconnectAttempts = defaultReconnectAttempts
	}
	if cfg.ReconnectBackoff <= 0 {
		cfg.ReconnectBackoff = defaultReconnectBackoff
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		link:             link,
		logger:           logger,
		cfg:              cfg,
		state:            StateDisconnected,
		devicesByAddress: make(map[string]Device),
		stateEvent:       events.NewObservable[ConnectionState](),
		devicesEvent:     events.NewObservable[[]Device](),
		ctx:              ctx,
		cancel:           cancel,
	}
	m.stateEvent.Set(StateDisconnected)
	return m
}

// Enable powers up the adapter and registers the link-loss handler.
// An enable failure leaves the manager in Adapter Off; every other
// operation refuses to run from that state.
func (m *Manager) Enable() error {
	m.link.SetDisconnectHandler(m.handleLinkLoss)
	if err := m.link.Enable(); err != nil {
		m.setState(StateAdapterOff)
		return fmt.Errorf("failed to enable adapter: %w", err)
	}
	return nil
}

// State returns the current connection state.
func (m *Manager) State() ConnectionState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// ListenToState registers a channel for connection state changes and
// returns a deregistration function. The current state is replayed on
// registration.
func (m *Manager) ListenToState(ch chan<- ConnectionState) func() {
	return m.stateEvent.Listen(ch)
}

// ListenToDevices registers a channel for scan result list changes.
// Returns a deregistration function.
func (m *Manager) ListenToDevices(ch chan<- []Device) func() {
	return m.devicesEvent.Listen(ch)
}

// StartScan begins discovery, keeping only devices that advertise one
// of the given service UUIDs (nil means keep everything). Calling it
// while already scanning is a no-op: the running scan and its filter
// stay in place. Adapters reject overlapping scans, so the only safe
// alternatives are not starting a second one or a full stop first.
func (m *Manager) StartScan(serviceUUIDFilter []string) error {
	m.mu.Lock()
	if m.state == StateAdapterOff {
		m.mu.Unlock()
		return fmt.Errorf("cannot scan: adapter is off")
	}
	if m.state == StateConnected || m.state == StateConnecting || m.state == StateReconnecting {
		m.mu.Unlock()
		return fmt.Errorf("cannot scan while %s", m.state)
	}
	if m.state == StateScanning {
		m.mu.Unlock()
		m.logger.Println("Manager: scan already running")
		return nil
	}

	var filterSet map[string]struct{}
	if serviceUUIDFilter != nil {
		filterSet = make(map[string]struct{}, len(serviceUUIDFilter))
		for _, u := range serviceUUIDFilter {
			filterSet[u] = struct{}{}
		}
	}
	m.scanFilter = filterSet
	m.state = StateScanning
	m.scanCtx, m.scanCtxCancel = context.WithCancel(m.ctx)
	scanCtx := m.scanCtx
	m.mu.Unlock()

	m.stateEvent.Set(StateScanning)
	m.logger.Printf("Manager: starting scan (filter: %v)", serviceUUIDFilter)

	m.wg.Add(1)
	safego.Go(m.logger, func() {
		defer m.wg.Done()
		defer m.logger.Println("Manager: exiting scan loop")

		err := m.link.Scan(func(result ScanResult) {
			select {
			case <-scanCtx.Done():
				return
			default:
			}
			m.recordScanResult(result)
		})
		if err != nil {
			m.logger.Printf("Manager: scan error: %v", err)
		}
	})

	// Emit the device list once a second and prune devices that have
	// gone quiet, so the UI list stays fresh without per-advert churn.
	m.wg.Add(1)
	safego.Go(m.logger, func() {
		defer m.wg.Done()
		defer m.logger.Println("Manager: exiting scan emit loop")

		ticker := time.NewTicker(1 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-scanCtx.Done():
				return
			case <-ticker.C:
				m.pruneStaleDevices()
				m.devicesEvent.Set(m.Devices())
			}
		}
	})

	return nil
}

func (m *Manager) recordScanResult(result ScanResult) {
	m.mu.Lock()
	if m.scanFilter != nil {
		found := false
		for _, u := range result.ServiceUUIDs {
			if _, ok := m.scanFilter[u]; ok {
				found = true
				break
			}
		}
		if !found {
			m.mu.Unlock()
			return
		}
	}

	_, known := m.devicesByAddress[result.Address]
	existing := m.devicesByAddress[result.Address]
	name := result.Name
	if name == "" {
		name = existing.Name
	}
	if name == "" {
		name = "Unknown"
	}
	m.devicesByAddress[result.Address] = Device{
		Address:  result.Address,
		Name:     name,
		RSSI:     result.RSSI,
		LastSeen: time.Now(),
	}
	m.mu.Unlock()

	if !known {
		m.logger.Printf("Manager: found device: %s (%s) [RSSI: %d]", name, result.Address, result.RSSI)
	}
}

func (m *Manager) pruneStaleDevices() {
	m.mu.Lock()
	now := time.Now()
	var removed []string
	for addr, device := range m.devicesByAddress {
		if now.Sub(device.LastSeen) > m.cfg.ScanStaleAfter {
			delete(m.devicesByAddress, addr)
			removed = append(removed, addr)
		}
	}
	m.mu.Unlock()

	for _, addr := range removed {
		m.logger.Printf("Manager: device timeout: %s (not seen for %v)", addr, m.cfg.ScanStaleAfter)
	}
}

// Devices returns the discovered devices sorted by signal strength,
// strongest first.
func (m *Manager) Devices() []Device {
	m.mu.RLock()
	result := make([]Device, 0, len(m.devicesByAddress))
	for _, device := range m.devicesByAddress {
		result = append(result, device)
	}
	m.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		if result[i].RSSI != result[j].RSSI {
			return result[i].RSSI > result[j].RSSI
		}
		return result[i].Address < result[j].Address
	})
	return result
}

// StopScan halts discovery. Safe to call when no scan is active (the
// scan auto-stop timer may fire after a connect already stopped it);
// the adapter is only told to stop when a scan was actually running.
// Already-discovered devices are kept until they go stale.
func (m *Manager) StopScan() error {
	m.mu.Lock()
	hadScan := m.scanCtxCancel != nil
	if hadScan {
		m.scanCtxCancel()
		m.scanCtxCancel = nil
	}
	wasScanning := m.state == StateScanning
	if wasScanning {
		m.state = StateDisconnected
	}
	m.mu.Unlock()

	if wasScanning {
		m.stateEvent.Set(StateDisconnected)
	}
	if !hadScan {
		return nil
	}
	return m.link.StopScan()
}

// Connect establishes a connection to a scanned device. Scanning stops
// first; only one connection is held at a time. A Disconnect issued
// while the connect is still negotiating wins: the late connection is
// torn down instead of overriding the user's intent.
func (m *Manager) Connect(address string) error {
	if err := m.StopScan(); err != nil {
		m.logger.Printf("Manager: error stopping scan before connect: %v", err)
	}

	m.mu.Lock()
	switch m.state {
	case StateAdapterOff:
		m.mu.Unlock()
		return fmt.Errorf("cannot connect: adapter is off")
	case StateConnected, StateConnecting:
		state := m.state
		m.mu.Unlock()
		return fmt.Errorf("cannot connect while %s", state)
	}
	// A user-initiated connect supersedes any in-flight reconnect loop.
	if m.reconnectCancel != nil {
		close(m.reconnectCancel)
		m.reconnectCancel = nil
	}
	m.state = StateConnecting
	m.mu.Unlock()

	m.stateEvent.Set(StateConnecting)
	m.logger.Printf("Manager: connecting to %s", address)

	conn, err := m.link.Connect(address)
	if err != nil {
		m.mu.Lock()
		stillConnecting := m.state == StateConnecting
		if stillConnecting {
			m.state = StateDisconnected
		}
		m.mu.Unlock()
		if stillConnecting {
			m.stateEvent.Set(StateDisconnected)
		}
		return fmt.Errorf("failed to connect to %s: %w", address, err)
	}

	m.mu.Lock()
	if m.state != StateConnecting {
		// Disconnected (or otherwise moved on) while we were
		// negotiating; the stale connection must not win.
		m.mu.Unlock()
		m.logger.Printf("Manager: discarding connection to %s, state moved during connect", address)
		if err := conn.Disconnect(); err != nil {
			m.logger.Printf("Manager: error discarding stale connection: %v", err)
		}
		return fmt.Errorf("connect to %s aborted", address)
	}
	m.conn = conn
	m.lastAddress = address
	m.subscriptions = nil
	m.expectingDrop = false
	m.state = StateConnected
	m.mu.Unlock()

	m.stateEvent.Set(StateConnected)
	m.logger.Printf("Manager: connected to %s (%s)", conn.Name(), address)
	return nil
}

// ConnectedDevice returns the connected device's address and name, or
// false when no connection is held.
func (m *Manager) ConnectedDevice() (address, name string, ok bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.state != StateConnected || m.conn == nil {
		return "", "", false
	}
	return m.conn.Address(), m.conn.Name(), true
}

// Subscribe enables notifications on a characteristic of the connected
// device. The registration is remembered and re-established after a
// reconnect.
func (m *Manager) Subscribe(serviceUUID, charUUID string, fn func(buf []byte)) error {
	if fn == nil {
		panic("Manager: subscription callback cannot be nil")
	}

	m.mu.Lock()
	if m.state != StateConnected || m.conn == nil {
		m.mu.Unlock()
		return fmt.Errorf("cannot subscribe while %s", m.state)
	}
	conn := m.conn
	m.subscriptions = append(m.subscriptions, subscription{
		serviceUUID: serviceUUID,
		charUUID:    charUUID,
		fn:          fn,
	})
	m.mu.Unlock()

	if err := conn.EnableNotifications(serviceUUID, charUUID, fn); err != nil {
		m.mu.Lock()
		m.subscriptions = m.subscriptions[:len(m.subscriptions)-1]
		m.mu.Unlock()
		return err
	}
	return nil
}

// Disconnect drops the active connection deliberately. No reconnection
// is attempted.
func (m *Manager) Disconnect() error {
	m.mu.Lock()
	conn := m.conn
	m.conn = nil
	m.subscriptions = nil
	m.expectingDrop = conn != nil
	if m.reconnectCancel != nil {
		close(m.reconnectCancel)
		m.reconnectCancel = nil
	}
	m.state = StateDisconnected
	m.mu.Unlock()

	m.stateEvent.Set(StateDisconnected)

	if conn == nil {
		return nil
	}
	m.logger.Printf("Manager: disconnecting from %s", conn.Address())
	return conn.Disconnect()
}

// handleLinkLoss runs when the link reports a dropped connection. A
// deliberate Disconnect sets expectingDrop first, which suppresses the
// reconnect loop.
func (m *Manager) handleLinkLoss(address string) {
	m.mu.Lock()
	if m.expectingDrop {
		m.expectingDrop = false
		m.mu.Unlock()
		return
	}
	if m.state != StateConnected || address != m.lastAddress {
		m.mu.Unlock()
		return
	}
	m.conn = nil
	m.state = StateReconnecting
	cancel := make(chan struct{})
	m.reconnectCancel = cancel
	m.mu.Unlock()

	m.logger.Printf("Manager: link lost to %s, reconnecting", address)
	m.stateEvent.Set(StateReconnecting)

	m.wg.Add(1)
	safego.Go(m.logger, func() {
		defer m.wg.Done()
		m.reconnectLoop(address, cancel)
	})
}

// reconnectLoop retries the lost connection with linear backoff. On
// success it re-enables every remembered subscription; after the final
// failed attempt the manager settles in Disconnected.
func (m *Manager) reconnectLoop(address string, cancel <-chan struct{}) {
	for attempt := 1; attempt <= m.cfg.ReconnectAttempts; attempt++ {
		wait := time.Duration(attempt) * m.cfg.ReconnectBackoff
		m.logger.Printf("Manager: reconnect attempt %d/%d to %s in %v",
			attempt, m.cfg.ReconnectAttempts, address, wait)

		timer := time.NewTimer(wait)
		select {
		case <-cancel:
			timer.Stop()
			m.logger.Println("Manager: reconnect cancelled")
			return
		case <-m.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		conn, err := m.link.Connect(address)
		if err != nil {
			m.logger.Printf("Manager: reconnect attempt %d failed: %v", attempt, err)
			continue
		}

		m.mu.Lock()
		if m.state != StateReconnecting {
			// Cancelled between Connect returning and taking the lock.
			m.mu.Unlock()
			_ = conn.Disconnect()
			return
		}
		m.conn = conn
		m.state = StateConnected
		m.reconnectCancel = nil
		subs := make([]subscription, len(m.subscriptions))
		copy(subs, m.subscriptions)
		m.mu.Unlock()

		m.stateEvent.Set(StateConnected)
		m.logger.Printf("Manager: reconnected to %s on attempt %d", address, attempt)

		for _, sub := range subs {
			if err := conn.EnableNotifications(sub.serviceUUID, sub.charUUID, sub.fn); err != nil {
				m.logger.Printf("Manager: failed to re-enable notifications on %s: %v", sub.charUUID, err)
			}
		}
		return
	}

	m.logger.Printf("Manager: giving up on %s after %d attempts", address, m.cfg.ReconnectAttempts)
	m.mu.Lock()
	if m.state == StateReconnecting {
		m.state = StateDisconnected
		m.reconnectCancel = nil
		m.mu.Unlock()
		m.stateEvent.Set(StateDisconnected)
		return
	}
	m.mu.Unlock()
}

func (m *Manager) setState(state ConnectionState) {
	m.mu.Lock()
	m.state = state
	m.mu.Unlock()
	m.stateEvent.Set(state)
}

// Shutdown disconnects, stops scanning and waits for all goroutines.
func (m *Manager) Shutdown() {
	m.logger.Println("Manager: shutting down")
	if err := m.Disconnect(); err != nil {
		m.logger.Printf("Manager: error disconnecting during shutdown: %v", err)
	}
	if err := m.StopScan(); err != nil {
		m.logger.Printf("Manager: error stopping scan during shutdown: %v", err)
	}
	m.cancel()
	m.wg.Wait()
	m.logger.Println("Manager: shutdown complete")
}
