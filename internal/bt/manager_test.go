package bt

import (
	"errors"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

// fakeLink is an in-memory Link for driving the Manager in tests. It
// mirrors real adapter semantics: a second overlapping Scan is
// rejected, and stopping without a scan running is an error.
type fakeLink struct {
	mu           sync.Mutex
	enabled      bool
	enableErr    error
	scanning     bool
	yield        func(ScanResult)
	scanStopped  chan struct{}
	scanCalls    int
	scanRejects  int
	stopCalls    int
	connectErr   error
	connectCalls int
	connectGate  chan struct{}
	conns        []*fakeConn
	disconnectFn func(address string)
}

func newFakeLink() *fakeLink {
	return &fakeLink{}
}

func (l *fakeLink) Enable() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.enableErr != nil {
		return l.enableErr
	}
	l.enabled = true
	return nil
}

func (l *fakeLink) Scan(yield func(ScanResult)) error {
	l.mu.Lock()
	if l.scanning {
		l.scanRejects++
		l.mu.Unlock()
		return errors.New("scan already in progress")
	}
	l.scanning = true
	l.scanCalls++
	l.yield = yield
	stopped := make(chan struct{})
	l.scanStopped = stopped
	l.mu.Unlock()
	<-stopped
	return nil
}

func (l *fakeLink) StopScan() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stopCalls++
	if !l.scanning {
		return errors.New("not scanning")
	}
	if l.scanStopped != nil {
		close(l.scanStopped)
		l.scanStopped = nil
	}
	l.scanning = false
	l.yield = nil
	return nil
}

func (l *fakeLink) Connect(address string) (Conn, error) {
	l.mu.Lock()
	l.connectCalls++
	gate := l.connectGate
	l.mu.Unlock()

	if gate != nil {
		<-gate
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.connectErr != nil {
		return nil, l.connectErr
	}
	conn := &fakeConn{address: address, name: "Fake " + address}
	l.conns = append(l.conns, conn)
	return conn, nil
}

func (l *fakeLink) SetDisconnectHandler(fn func(address string)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.disconnectFn = fn
}

// advertise delivers one scan result, waiting briefly for the scan
// goroutine to register its callback.
func (l *fakeLink) advertise(result ScanResult) {
	deadline := time.Now().Add(2 * time.Second)
	for {
		l.mu.Lock()
		yield := l.yield
		l.mu.Unlock()
		if yield != nil {
			yield(result)
			return
		}
		if time.Now().After(deadline) {
			return
		}
		time.Sleep(time.Millisecond)
	}
}

func (l *fakeLink) dropLink(address string) {
	l.mu.Lock()
	fn := l.disconnectFn
	l.mu.Unlock()
	if fn != nil {
		fn(address)
	}
}

func (l *fakeLink) setConnectErr(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.connectErr = err
}

func (l *fakeLink) connectCallCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.connectCalls
}

func (l *fakeLink) scanCallCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.scanCalls
}

func (l *fakeLink) scanRejectCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.scanRejects
}

func (l *fakeLink) stopScanCallCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stopCalls
}

type fakeConn struct {
	address string
	name    string

	mu            sync.Mutex
	notifications map[string]func(buf []byte)
	disconnected  bool
}

func (c *fakeConn) Address() string { return c.address }
func (c *fakeConn) Name() string    { return c.name }

func (c *fakeConn) EnableNotifications(serviceUUID, charUUID string, fn func(buf []byte)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.notifications == nil {
		c.notifications = make(map[string]func(buf []byte))
	}
	c.notifications[serviceUUID+"_"+charUUID] = fn
	return nil
}

func (c *fakeConn) DisableNotifications(serviceUUID, charUUID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.notifications, serviceUUID+"_"+charUUID)
	return nil
}

func (c *fakeConn) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnected = true
	return nil
}

func (c *fakeConn) notificationCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.notifications)
}

func fastConfig() Config {
	return Config{
		ScanStaleAfter:    time.Minute,
		ReconnectAttempts: 3,
		ReconnectBackoff:  5 * time.Millisecond,
	}
}

func waitForState(t *testing.T, m *Manager, want ConnectionState) {
	t.Helper()
	require.Eventually(t, func() bool {
		return m.State() == want
	}, 2*time.Second, 5*time.Millisecond, "expected state %s, got %s", want, m.State())
}

func TestNewManager_PanicsOnNilArgs(t *testing.T) {
	assert.Panics(t, func() { NewManager(nil, testLogger(), Config{}) })
	assert.Panics(t, func() { NewManager(newFakeLink(), nil, Config{}) })
}

func TestManager_EnableFailureIsAdapterOff(t *testing.T) {
	link := newFakeLink()
	link.enableErr = errors.New("no radio")
	m := NewManager(link, testLogger(), fastConfig())
	defer m.Shutdown()

	require.Error(t, m.Enable())
	assert.Equal(t, StateAdapterOff, m.State())

	assert.Error(t, m.StartScan(nil))
	assert.Error(t, m.Connect("AA:BB"))
}

func TestManager_ScanPopulatesSortedDevices(t *testing.T) {
	link := newFakeLink()
	m := NewManager(link, testLogger(), fastConfig())
	defer m.Shutdown()

	require.NoError(t, m.Enable())
	require.NoError(t, m.StartScan(nil))
	assert.Equal(t, StateScanning, m.State())

	link.advertise(ScanResult{Address: "AA:01", Name: "Weak", RSSI: -80})
	link.advertise(ScanResult{Address: "AA:02", Name: "Strong", RSSI: -40})
	link.advertise(ScanResult{Address: "AA:03", Name: "Medium", RSSI: -60})

	devices := m.Devices()
	require.Len(t, devices, 3)
	assert.Equal(t, "Strong", devices[0].Name)
	assert.Equal(t, "Medium", devices[1].Name)
	assert.Equal(t, "Weak", devices[2].Name)
}

func TestManager_ScanFilterByServiceUUID(t *testing.T) {
	link := newFakeLink()
	m := NewManager(link, testLogger(), fastConfig())
	defer m.Shutdown()

	require.NoError(t, m.Enable())
	require.NoError(t, m.StartScan([]string{"00001826-0000-1000-8000-00805f9b34fb"}))

	link.advertise(ScanResult{
		Address:      "AA:01",
		Name:         "Treadmill",
		RSSI:         -50,
		ServiceUUIDs: []string{"00001826-0000-1000-8000-00805f9b34fb"},
	})
	link.advertise(ScanResult{
		Address:      "AA:02",
		Name:         "Headphones",
		RSSI:         -30,
		ServiceUUIDs: []string{"0000110b-0000-1000-8000-00805f9b34fb"},
	})

	devices := m.Devices()
	require.Len(t, devices, 1)
	assert.Equal(t, "Treadmill", devices[0].Name)
}

func TestManager_StartScanWhileScanningIsNoOp(t *testing.T) {
	link := newFakeLink()
	m := NewManager(link, testLogger(), fastConfig())
	defer m.Shutdown()

	require.NoError(t, m.Enable())
	require.NoError(t, m.StartScan(nil))
	link.advertise(ScanResult{Address: "AA:01", Name: "First", RSSI: -50})

	// The second call must leave the running scan alone: no second
	// adapter scan is attempted and the original delivery path stays
	// live.
	require.NoError(t, m.StartScan(nil))
	link.advertise(ScanResult{Address: "AA:02", Name: "Second", RSSI: -60})

	assert.Equal(t, StateScanning, m.State())
	assert.Equal(t, 1, link.scanCallCount())
	assert.Equal(t, 0, link.scanRejectCount())

	devices := m.Devices()
	require.Len(t, devices, 2)
	assert.Equal(t, "First", devices[0].Name)
	assert.Equal(t, "Second", devices[1].Name)
}

func TestManager_UnnamedDeviceShownAsUnknown(t *testing.T) {
	link := newFakeLink()
	m := NewManager(link, testLogger(), fastConfig())
	defer m.Shutdown()

	require.NoError(t, m.Enable())
	require.NoError(t, m.StartScan(nil))
	link.advertise(ScanResult{Address: "AA:01", RSSI: -50})

	devices := m.Devices()
	require.Len(t, devices, 1)
	assert.Equal(t, "Unknown", devices[0].Name)
}

func TestManager_ConnectTransitionsAndStopsScan(t *testing.T) {
	link := newFakeLink()
	m := NewManager(link, testLogger(), fastConfig())
	defer m.Shutdown()

	require.NoError(t, m.Enable())
	require.NoError(t, m.StartScan(nil))
	link.advertise(ScanResult{Address: "AA:01", Name: "Treadmill", RSSI: -50})

	require.NoError(t, m.Connect("AA:01"))
	assert.Equal(t, StateConnected, m.State())

	address, name, ok := m.ConnectedDevice()
	require.True(t, ok)
	assert.Equal(t, "AA:01", address)
	assert.Equal(t, "Fake AA:01", name)
}

func TestManager_ConnectFailureReturnsToDisconnected(t *testing.T) {
	link := newFakeLink()
	link.setConnectErr(errors.New("out of range"))
	m := NewManager(link, testLogger(), fastConfig())
	defer m.Shutdown()

	require.NoError(t, m.Enable())
	require.Error(t, m.Connect("AA:01"))
	assert.Equal(t, StateDisconnected, m.State())

	_, _, ok := m.ConnectedDevice()
	assert.False(t, ok)
}

func TestManager_DisconnectDuringConnectWins(t *testing.T) {
	link := newFakeLink()
	gate := make(chan struct{})
	link.connectGate = gate
	m := NewManager(link, testLogger(), fastConfig())
	defer m.Shutdown()

	require.NoError(t, m.Enable())

	connectDone := make(chan error, 1)
	go func() {
		connectDone <- m.Connect("AA:01")
	}()

	// Wait until the connect is in flight, then disconnect before the
	// link finishes negotiating.
	require.Eventually(t, func() bool {
		return link.connectCallCount() == 1
	}, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, m.Disconnect())
	close(gate)

	select {
	case err := <-connectDone:
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("connect did not return")
	}

	// The user's disconnect stands and the stale connection was torn
	// down, not adopted.
	assert.Equal(t, StateDisconnected, m.State())
	_, _, ok := m.ConnectedDevice()
	assert.False(t, ok)

	link.mu.Lock()
	require.Len(t, link.conns, 1)
	stale := link.conns[0]
	link.mu.Unlock()
	stale.mu.Lock()
	assert.True(t, stale.disconnected)
	stale.mu.Unlock()
}

func TestManager_StopScanWhenIdleSkipsAdapter(t *testing.T) {
	link := newFakeLink()
	m := NewManager(link, testLogger(), fastConfig())
	defer m.Shutdown()

	require.NoError(t, m.Enable())

	// No scan running: nothing to tell the adapter, no error either.
	require.NoError(t, m.StopScan())
	assert.Equal(t, 0, link.stopScanCallCount())

	require.NoError(t, m.StartScan(nil))
	link.advertise(ScanResult{Address: "AA:01", RSSI: -50})
	require.NoError(t, m.StopScan())
	assert.Equal(t, 1, link.stopScanCallCount())

	// The scan auto-stop timer firing late must stay quiet.
	require.NoError(t, m.StopScan())
	assert.Equal(t, 1, link.stopScanCallCount())
}

func TestManager_SubscribeRequiresConnection(t *testing.T) {
	link := newFakeLink()
	m := NewManager(link, testLogger(), fastConfig())
	defer m.Shutdown()

	require.NoError(t, m.Enable())
	err := m.Subscribe("svc", "char", func(buf []byte) {})
	assert.Error(t, err)
}

func TestManager_LinkLossReconnectsAndResubscribes(t *testing.T) {
	link := newFakeLink()
	cfg := fastConfig()
	cfg.ReconnectBackoff = 50 * time.Millisecond
	m := NewManager(link, testLogger(), cfg)
	defer m.Shutdown()

	require.NoError(t, m.Enable())
	require.NoError(t, m.Connect("AA:01"))
	require.NoError(t, m.Subscribe("svc", "char", func(buf []byte) {}))

	link.dropLink("AA:01")
	waitForState(t, m, StateReconnecting)
	waitForState(t, m, StateConnected)

	// Second connection carries the remembered subscription.
	link.mu.Lock()
	require.Len(t, link.conns, 2)
	reconnected := link.conns[1]
	link.mu.Unlock()
	assert.Equal(t, 1, reconnected.notificationCount())
}

func TestManager_ReconnectGivesUpAfterBoundedAttempts(t *testing.T) {
	link := newFakeLink()
	m := NewManager(link, testLogger(), fastConfig())
	defer m.Shutdown()

	require.NoError(t, m.Enable())
	require.NoError(t, m.Connect("AA:01"))
	callsBefore := link.connectCallCount()

	link.setConnectErr(errors.New("gone"))
	link.dropLink("AA:01")

	waitForState(t, m, StateDisconnected)
	assert.Equal(t, callsBefore+3, link.connectCallCount())
}

func TestManager_DeliberateDisconnectSuppressesReconnect(t *testing.T) {
	link := newFakeLink()
	m := NewManager(link, testLogger(), fastConfig())
	defer m.Shutdown()

	require.NoError(t, m.Enable())
	require.NoError(t, m.Connect("AA:01"))
	callsBefore := link.connectCallCount()

	require.NoError(t, m.Disconnect())
	assert.Equal(t, StateDisconnected, m.State())

	// The link reports the drop after our own Disconnect; no reconnect
	// attempts should follow.
	link.dropLink("AA:01")
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, StateDisconnected, m.State())
	assert.Equal(t, callsBefore, link.connectCallCount())
}

func TestManager_DisconnectCancelsReconnectLoop(t *testing.T) {
	link := newFakeLink()
	cfg := fastConfig()
	cfg.ReconnectBackoff = 200 * time.Millisecond
	m := NewManager(link, testLogger(), cfg)
	defer m.Shutdown()

	require.NoError(t, m.Enable())
	require.NoError(t, m.Connect("AA:01"))
	callsBefore := link.connectCallCount()

	link.setConnectErr(errors.New("gone"))
	link.dropLink("AA:01")
	waitForState(t, m, StateReconnecting)

	require.NoError(t, m.Disconnect())
	waitForState(t, m, StateDisconnected)

	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, callsBefore, link.connectCallCount())
}

func TestManager_StateListenerReplaysCurrent(t *testing.T) {
	link := newFakeLink()
	m := NewManager(link, testLogger(), fastConfig())
	defer m.Shutdown()

	ch := make(chan ConnectionState, 8)
	deregister := m.ListenToState(ch)
	defer deregister()

	select {
	case state := <-ch:
		assert.Equal(t, StateDisconnected, state)
	case <-time.After(time.Second):
		t.Fatal("no replayed state")
	}
}

func TestConnectionState_String(t *testing.T) {
	assert.Equal(t, "Disconnected", StateDisconnected.String())
	assert.Equal(t, "Adapter Off", StateAdapterOff.String())
	assert.Equal(t, "Scanning", StateScanning.String())
	assert.Equal(t, "Connecting", StateConnecting.String())
	assert.Equal(t, "Connected", StateConnected.String())
	assert.Equal(t, "Reconnecting", StateReconnecting.String())
}
