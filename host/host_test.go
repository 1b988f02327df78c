package host

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/ardnew/xhci/host/hal"
	"github.com/ardnew/xhci/pkg"
)

// =============================================================================
// Mock HAL for Testing
// =============================================================================

// mockHAL answers standard requests from a fixed descriptor set and records
// what the host asked of the controller.
type mockHAL struct {
	mu sync.Mutex

	initErr    error
	addressErr error
	numPorts   int
	connected  map[int]bool
	nextAddr   hal.DeviceAddress

	descriptors map[uint8][]byte // by descriptor type

	running    bool
	configured map[hal.DeviceAddress][]hal.EndpointDescriptor
	released   []hal.DeviceAddress
	setups     []hal.SetupPacket

	connectCh    chan int
	disconnectCh chan int
}

func newMockHAL() *mockHAL {
	return &mockHAL{
		numPorts:  4,
		connected: make(map[int]bool),
		nextAddr:  1,
		descriptors: map[uint8][]byte{
			hal.DescriptorDevice:        testDeviceDescriptor,
			hal.DescriptorConfiguration: testConfiguration,
			hal.DescriptorString:        {6, hal.DescriptorString, 'a', 0, 'b', 0},
		},
		configured:   make(map[hal.DeviceAddress][]hal.EndpointDescriptor),
		connectCh:    make(chan int, 16),
		disconnectCh: make(chan int, 16),
	}
}

var testDeviceDescriptor = []byte{
	18, hal.DescriptorDevice, 0x00, 0x02, 0xff, 0, 0, 64,
	0x34, 0x12, 0x78, 0x56, 0x00, 0x01,
	1, 2, 0, // manufacturer, product, no serial
	1,
}

var testConfiguration = func() []byte {
	b := []byte{
		9, hal.DescriptorConfiguration, 0, 0, 1, 1, 0, 0x80, 50,
		// interface 0, alt 0
		9, hal.DescriptorInterface, 0, 0, 3, 0xff, 0, 0, 0,
		7, hal.DescriptorEndpoint, 0x81, 0x02, 0x00, 0x02, 0,
		7, hal.DescriptorEndpoint, 0x02, 0x02, 0x00, 0x02, 0,
		7, hal.DescriptorEndpoint, 0x83, 0x01, 0x00, 0x01, 1,
		// interface 0, alt 1
		9, hal.DescriptorInterface, 0, 1, 1, 0xff, 0, 0, 0,
		7, hal.DescriptorEndpoint, 0x84, 0x03, 0x08, 0x00, 4,
	}
	b[2] = byte(len(b))
	return b
}()

func (m *mockHAL) Init(ctx context.Context) error { return m.initErr }

func (m *mockHAL) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.running = true
	return nil
}

func (m *mockHAL) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.running = false
	return nil
}

func (m *mockHAL) Close() error { return nil }

func (m *mockHAL) NumPorts() int { return m.numPorts }

func (m *mockHAL) GetPortStatus(port int) (hal.PortStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	on := m.connected[port]
	return hal.PortStatus{Connected: on, Enabled: on, PowerOn: true, Speed: hal.SpeedHigh}, nil
}

func (m *mockHAL) PortSpeed(port int) hal.Speed { return hal.SpeedHigh }

func (m *mockHAL) ResetPort(port int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected[port] {
		return pkg.ErrNoDevice
	}
	return nil
}

func (m *mockHAL) AddressDevice(ctx context.Context, port int) (hal.DeviceAddress, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.addressErr != nil {
		return 0, m.addressErr
	}
	addr := m.nextAddr
	m.nextAddr++
	return addr, nil
}

func (m *mockHAL) ConfigureEndpoints(ctx context.Context, addr hal.DeviceAddress, eps []hal.EndpointDescriptor) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.configured[addr] = append([]hal.EndpointDescriptor(nil), eps...)
	return nil
}

func (m *mockHAL) ReleaseDevice(ctx context.Context, addr hal.DeviceAddress) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.released = append(m.released, addr)
	return nil
}

func (m *mockHAL) ControlTransfer(ctx context.Context, addr hal.DeviceAddress, setup *hal.SetupPacket, data []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setups = append(m.setups, *setup)
	if setup.RequestType != RequestTypeIn || setup.Request != hal.RequestGetDescriptor {
		return 0, nil
	}
	desc, ok := m.descriptors[uint8(setup.Value>>8)]
	if !ok {
		return 0, pkg.ErrStall
	}
	return copy(data[:setup.Length], desc), nil
}

func (m *mockHAL) BulkTransfer(ctx context.Context, addr hal.DeviceAddress, endpoint uint8, data []byte) (int, error) {
	return len(data), nil
}

func (m *mockHAL) InterruptTransfer(ctx context.Context, addr hal.DeviceAddress, endpoint uint8, data []byte) (int, error) {
	return len(data), nil
}

func (m *mockHAL) WaitForConnection(ctx context.Context) (int, error) {
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case port := <-m.connectCh:
		return port, nil
	}
}

func (m *mockHAL) WaitForDisconnection(ctx context.Context) (int, error) {
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case port := <-m.disconnectCh:
		return port, nil
	}
}

func (m *mockHAL) plug(port int, on bool) {
	m.mu.Lock()
	m.connected[port] = on
	m.mu.Unlock()
	if on {
		m.connectCh <- port
	} else {
		m.disconnectCh <- port
	}
}

func (m *mockHAL) releasedAddrs() []hal.DeviceAddress {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]hal.DeviceAddress(nil), m.released...)
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// =============================================================================
// Lifecycle Tests
// =============================================================================

func TestHost_StartStop(t *testing.T) {
	m := newMockHAL()
	h := New(m)

	if err := h.Start(testContext(t)); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !h.IsRunning() || !m.running {
		t.Error("host or controller not running after Start")
	}
	if err := h.Start(testContext(t)); !errors.Is(err, pkg.ErrInvalidState) {
		t.Errorf("second Start error = %v, want ErrInvalidState", err)
	}
	if err := h.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if h.IsRunning() || m.running {
		t.Error("host or controller running after Stop")
	}
	if err := h.Stop(); err != nil {
		t.Errorf("second Stop: %v", err)
	}
	if err := h.Start(testContext(t)); err != nil {
		t.Fatalf("restart: %v", err)
	}
	if err := h.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}

func TestHost_StartInitError(t *testing.T) {
	m := newMockHAL()
	m.initErr = pkg.ErrControllerNotReady
	h := New(m)

	if err := h.Start(testContext(t)); !errors.Is(err, pkg.ErrControllerNotReady) {
		t.Fatalf("Start error = %v, want ErrControllerNotReady", err)
	}
	if h.IsRunning() {
		t.Error("host running after failed Start")
	}
}

// =============================================================================
// Enumeration Tests
// =============================================================================

func TestHost_EnumeratesAttached(t *testing.T) {
	m := newMockHAL()
	m.connected[2] = true
	h := New(m)
	if err := h.Start(testContext(t)); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { h.Close() })

	devs := h.Devices()
	if len(devs) != 1 {
		t.Fatalf("Devices() = %d devices, want 1", len(devs))
	}
	dev := devs[0]
	if dev.Port() != 2 || dev.Address() != 1 || dev.Speed() != hal.SpeedHigh {
		t.Errorf("device port=%d address=%d speed=%s", dev.Port(), dev.Address(), dev.Speed())
	}
	if h.GetDevice(1) != dev {
		t.Error("GetDevice(1) did not return the enumerated device")
	}
	if dev.VendorID() != 0x1234 || dev.ProductID() != 0x5678 {
		t.Errorf("vid:pid = %04x:%04x, want 1234:5678", dev.VendorID(), dev.ProductID())
	}
	if dev.Manufacturer() != "ab" || dev.Product() != "ab" || dev.SerialNumber() != "" {
		t.Errorf("strings = %q %q %q", dev.Manufacturer(), dev.Product(), dev.SerialNumber())
	}
	if got := len(dev.Interfaces()); got != 2 {
		t.Errorf("Interfaces() = %d, want 2", got)
	}
	if iface := dev.GetInterface(0); iface == nil || iface.NumEndpoints != 3 {
		t.Errorf("GetInterface(0) = %+v", iface)
	}
	if got := len(dev.Endpoints()); got != 3 {
		t.Errorf("Endpoints() = %d, want 3 from the default alternate setting", got)
	}
	if dev.GetEndpoint(0x84) != nil {
		t.Error("endpoint of alternate setting 1 was kept")
	}

	var configured []uint8
	for _, ep := range m.configured[dev.Address()] {
		configured = append(configured, ep.Address)
	}
	if !slices.Equal(configured, []uint8{0x81, 0x02}) {
		t.Errorf("configured endpoints = %#v, want bulk endpoints only", configured)
	}

	last := m.setups[len(m.setups)-1]
	if last.Request != hal.RequestSetConfiguration || last.Value != 1 {
		t.Errorf("last request = %s, want SET_CONFIGURATION(1)", last.String())
	}
	if dev.State() != DeviceStateConfigured || dev.GetConfiguration() != 1 {
		t.Errorf("state = %s configuration = %d", dev.State(), dev.GetConfiguration())
	}

	got, err := h.WaitDevice(testContext(t))
	if err != nil || got != dev {
		t.Errorf("WaitDevice() = %v, %v", got, err)
	}
}

func TestHost_EnumerationFailureReleases(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(m *mockHAL)
	}{
		{"short device descriptor", func(m *mockHAL) {
			m.descriptors[hal.DescriptorDevice] = testDeviceDescriptor[:8]
		}},
		{"configuration stalls", func(m *mockHAL) {
			delete(m.descriptors, hal.DescriptorConfiguration)
		}},
		{"configuration too short", func(m *mockHAL) {
			m.descriptors[hal.DescriptorConfiguration] = []byte{9, hal.DescriptorConfiguration, 4, 0, 1, 1, 0, 0x80, 50}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newMockHAL()
			m.connected[1] = true
			tt.mutate(m)
			h := New(m)
			if err := h.Start(testContext(t)); err != nil {
				t.Fatalf("Start: %v", err)
			}
			t.Cleanup(func() { h.Close() })

			if n := len(h.Devices()); n != 0 {
				t.Errorf("Devices() = %d, want 0", n)
			}
			if got := m.releasedAddrs(); !slices.Equal(got, []hal.DeviceAddress{1}) {
				t.Errorf("released = %v, want [1]", got)
			}
		})
	}
}

func TestHost_AddressFailure(t *testing.T) {
	m := newMockHAL()
	m.connected[1] = true
	m.addressErr = pkg.ErrCommandFailed
	h := New(m)
	if err := h.Start(testContext(t)); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { h.Close() })

	if n := len(h.Devices()); n != 0 {
		t.Errorf("Devices() = %d, want 0", n)
	}
	if got := m.releasedAddrs(); len(got) != 0 {
		t.Errorf("released = %v, want nothing", got)
	}
}

// =============================================================================
// Hotplug Tests
// =============================================================================

func TestHost_Hotplug(t *testing.T) {
	m := newMockHAL()
	h := New(m)
	if err := h.Start(testContext(t)); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { h.Close() })

	connected := make(chan *Device, 1)
	h.SetOnDeviceConnect(func(d *Device) { connected <- d })
	disconnected := make(chan *Device, 1)
	h.SetOnDeviceDisconnect(func(d *Device) { disconnected <- d })

	ctx := testContext(t)
	m.plug(3, true)
	dev, err := h.WaitDevice(ctx)
	if err != nil {
		t.Fatalf("WaitDevice: %v", err)
	}
	if dev.Port() != 3 {
		t.Errorf("device on port %d, want 3", dev.Port())
	}
	if cb := <-connected; cb != dev {
		t.Error("connect callback got a different device")
	}

	m.plug(3, false)
	gone, err := h.WaitDisconnect(ctx)
	if err != nil {
		t.Fatalf("WaitDisconnect: %v", err)
	}
	if gone != dev || dev.State() != DeviceStateDetached {
		t.Errorf("disconnected %v in state %s", gone, dev.State())
	}
	if cb := <-disconnected; cb != dev {
		t.Error("disconnect callback got a different device")
	}
	if h.GetDevice(dev.Address()) != nil {
		t.Error("device still tracked after disconnect")
	}
	if got := m.releasedAddrs(); !slices.Equal(got, []hal.DeviceAddress{dev.Address()}) {
		t.Errorf("released = %v", got)
	}
}

func TestHost_StopReleasesDevices(t *testing.T) {
	m := newMockHAL()
	m.connected[1] = true
	m.connected[2] = true
	h := New(m)
	if err := h.Start(testContext(t)); err != nil {
		t.Fatalf("Start: %v", err)
	}
	devs := h.Devices()
	if len(devs) != 2 {
		t.Fatalf("Devices() = %d, want 2", len(devs))
	}
	if err := h.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	got := m.releasedAddrs()
	slices.Sort(got)
	if !slices.Equal(got, []hal.DeviceAddress{1, 2}) {
		t.Errorf("released = %v, want [1 2]", got)
	}
	for _, d := range devs {
		if d.State() != DeviceStateDetached {
			t.Errorf("device %d state = %s after Stop", d.Address(), d.State())
		}
	}
}
