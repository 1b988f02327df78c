package host

import (
	"context"
	"fmt"
	"sync"

	"github.com/ardnew/xhci/host/hal"
	"github.com/ardnew/xhci/pkg"
)

// Host enumerates the devices on a controller's root ports and tracks them
// while they stay attached.
type Host struct {
	hal hal.HostHAL

	mutex   sync.RWMutex
	devices map[hal.DeviceAddress]*Device
	ports   map[int]*Device
	running bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	deviceConnected    chan *Device
	deviceDisconnected chan *Device

	onDeviceConnect    func(*Device)
	onDeviceDisconnect func(*Device)
}

// eventQueue bounds the connect and disconnect notifications buffered for
// WaitDevice and WaitDisconnect.
const eventQueue = 16

// New returns a host driving h.
func New(h hal.HostHAL) *Host {
	return &Host{
		hal:                h,
		devices:            make(map[hal.DeviceAddress]*Device),
		ports:              make(map[int]*Device),
		deviceConnected:    make(chan *Device, eventQueue),
		deviceDisconnected: make(chan *Device, eventQueue),
	}
}

// Start initializes and starts the controller, enumerates the devices that
// are already attached and then watches the ports for changes. Enumeration
// failures are logged; they do not fail Start.
func (h *Host) Start(ctx context.Context) error {
	h.mutex.Lock()
	if h.running {
		h.mutex.Unlock()
		return fmt.Errorf("%w: host already running", pkg.ErrInvalidState)
	}
	h.ctx, h.cancel = context.WithCancel(ctx)
	h.mutex.Unlock()

	if err := h.hal.Init(h.ctx); err != nil {
		h.cancel()
		return err
	}
	if err := h.hal.Start(); err != nil {
		h.cancel()
		return err
	}

	h.mutex.Lock()
	h.running = true
	h.mutex.Unlock()
	pkg.LogInfo(pkg.ComponentHost, "host started", "ports", h.hal.NumPorts())

	for port := 1; port <= h.hal.NumPorts(); port++ {
		st, err := h.hal.GetPortStatus(port)
		if err != nil || !st.Connected {
			continue
		}
		h.attach(port)
	}

	h.wg.Add(2)
	go h.monitorConnections()
	go h.monitorDisconnections()
	return nil
}

// Stop releases every device and halts the controller. The host can be
// started again.
func (h *Host) Stop() error {
	h.mutex.Lock()
	if !h.running {
		h.mutex.Unlock()
		return nil
	}
	h.running = false
	h.cancel()
	h.mutex.Unlock()
	h.wg.Wait()

	h.mutex.Lock()
	devices := make([]*Device, 0, len(h.devices))
	for _, dev := range h.devices {
		devices = append(devices, dev)
	}
	clear(h.devices)
	clear(h.ports)
	h.mutex.Unlock()

	for _, dev := range devices {
		if err := dev.Close(context.Background()); err != nil {
			pkg.LogWarn(pkg.ComponentHost, "device release failed",
				"address", dev.address,
				"error", err)
		}
	}

	if err := h.hal.Stop(); err != nil {
		return err
	}
	pkg.LogInfo(pkg.ComponentHost, "host stopped")
	return nil
}

// Close stops the host and releases the controller.
func (h *Host) Close() error {
	if err := h.Stop(); err != nil {
		h.hal.Close()
		return err
	}
	return h.hal.Close()
}

// IsRunning reports whether the host is started.
func (h *Host) IsRunning() bool {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return h.running
}

// Devices returns the enumerated devices in no particular order.
func (h *Host) Devices() []*Device {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	result := make([]*Device, 0, len(h.devices))
	for _, dev := range h.devices {
		result = append(result, dev)
	}
	return result
}

// GetDevice returns the device at addr, or nil.
func (h *Host) GetDevice(addr hal.DeviceAddress) *Device {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return h.devices[addr]
}

// WaitDevice blocks until a device is enumerated. Devices enumerated by
// Start are delivered too.
func (h *Host) WaitDevice(ctx context.Context) (*Device, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-h.done():
		return nil, pkg.ErrCancelled
	case dev := <-h.deviceConnected:
		return dev, nil
	}
}

// WaitDisconnect blocks until an enumerated device is unplugged.
func (h *Host) WaitDisconnect(ctx context.Context) (*Device, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-h.done():
		return nil, pkg.ErrCancelled
	case dev := <-h.deviceDisconnected:
		return dev, nil
	}
}

func (h *Host) done() <-chan struct{} {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	if h.ctx == nil {
		return nil
	}
	return h.ctx.Done()
}

// SetOnDeviceConnect sets the callback run for each enumerated device.
func (h *Host) SetOnDeviceConnect(cb func(*Device)) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.onDeviceConnect = cb
}

// SetOnDeviceDisconnect sets the callback run for each unplugged device.
func (h *Host) SetOnDeviceDisconnect(cb func(*Device)) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.onDeviceDisconnect = cb
}

func (h *Host) NumPorts() int { return h.hal.NumPorts() }

func (h *Host) GetPortStatus(port int) (hal.PortStatus, error) {
	return h.hal.GetPortStatus(port)
}

func (h *Host) monitorConnections() {
	defer h.wg.Done()
	for {
		port, err := h.hal.WaitForConnection(h.ctx)
		if err != nil {
			if h.ctx.Err() != nil {
				return
			}
			pkg.LogWarn(pkg.ComponentHost, "error waiting for connection", "error", err)
			continue
		}
		pkg.LogInfo(pkg.ComponentHost, "device connected", "port", port)
		h.attach(port)
	}
}

func (h *Host) monitorDisconnections() {
	defer h.wg.Done()
	for {
		port, err := h.hal.WaitForDisconnection(h.ctx)
		if err != nil {
			if h.ctx.Err() != nil {
				return
			}
			pkg.LogWarn(pkg.ComponentHost, "error waiting for disconnection", "error", err)
			continue
		}
		h.detach(port)
	}
}

// attach enumerates the device on port unless the port already has one.
func (h *Host) attach(port int) {
	h.mutex.RLock()
	_, busy := h.ports[port]
	h.mutex.RUnlock()
	if busy {
		return
	}

	dev, err := h.enumerateDevice(h.ctx, port)
	if err != nil {
		pkg.LogWarn(pkg.ComponentHost, "enumeration failed",
			"port", port,
			"error", err)
		return
	}

	h.mutex.Lock()
	h.devices[dev.address] = dev
	h.ports[port] = dev
	cb := h.onDeviceConnect
	h.mutex.Unlock()

	pkg.LogInfo(pkg.ComponentHost, "device enumerated",
		"port", port,
		"address", dev.address,
		"vendor", fmt.Sprintf("%04x", dev.descriptor.VendorID),
		"product", fmt.Sprintf("%04x", dev.descriptor.ProductID))

	select {
	case h.deviceConnected <- dev:
	default:
	}
	if cb != nil {
		cb(dev)
	}
}

// detach forgets the device on port and releases its controller slot.
func (h *Host) detach(port int) {
	h.mutex.Lock()
	dev, ok := h.ports[port]
	if ok {
		delete(h.ports, port)
		delete(h.devices, dev.address)
	}
	cb := h.onDeviceDisconnect
	h.mutex.Unlock()
	if !ok {
		return
	}

	pkg.LogInfo(pkg.ComponentHost, "device disconnected",
		"port", port,
		"address", dev.address)
	if err := dev.Close(h.ctx); err != nil {
		pkg.LogWarn(pkg.ComponentHost, "device release failed",
			"address", dev.address,
			"error", err)
	}

	select {
	case h.deviceDisconnected <- dev:
	default:
	}
	if cb != nil {
		cb(dev)
	}
}
