package xhci

import (
	"context"
	"fmt"

	"github.com/ardnew/xhci/host/hal"
	"github.com/ardnew/xhci/pkg"
)

var _ hal.HostHAL = (*Controller)(nil)

// USB request constants used while addressing a device.
const (
	reqGetDescriptor = 0x06
	descDevice       = 0x01
)

// AddressDevice enables a slot for the device on port, hands the controller
// its contexts and EP0 ring, and issues Address Device. The EP0 max packet
// size is then corrected from the device descriptor with Evaluate Context.
// Each command waits for its completion before the next is issued.
func (c *Controller) AddressDevice(ctx context.Context, port int) (hal.DeviceAddress, error) {
	if err := c.checkPort(port); err != nil {
		return 0, err
	}
	speed := c.PortSpeed(port)
	if speed == hal.SpeedUnknown {
		return 0, fmt.Errorf("%w: port %d", pkg.ErrNoDevice, port)
	}

	slot, err := c.EnableSlot(ctx)
	if err != nil {
		return 0, fmt.Errorf("enable slot: %w", err)
	}
	dev := &Device{SlotID: slot, Port: port, Speed: speed}

	if err := c.addressDevice(ctx, dev); err != nil {
		c.abandon(ctx, dev)
		return 0, err
	}

	pkg.LogInfo(pkg.ComponentController, "device addressed",
		"port", port,
		"slot", slot,
		"address", dev.Address,
		"speed", speed.String(),
		"ep0MaxPacket", dev.EP0().MaxPacketSize)
	return dev.Address, nil
}

func (c *Controller) addressDevice(ctx context.Context, dev *Device) error {
	var err error
	if dev.out, err = allocOutputContext(c.alloc, c.caps.contextSize); err != nil {
		return err
	}
	if dev.in, err = allocInputContext(c.alloc, c.caps.contextSize); err != nil {
		return err
	}
	ep0, err := initControlEndpointContext(c.alloc, dev.in, dev.Speed, dev.Port, c.cfg.TransferRingSize)
	if err != nil {
		return err
	}
	dev.endpoints[1] = ep0

	c.alloc.Flush(dev.out.Phys(), dev.out.Region().Len())
	c.dcbaa.update(dev.SlotID, dev.out.Phys())

	if err := c.AddressDeviceCommand(ctx, dev.SlotID, dev.in, false); err != nil {
		return fmt.Errorf("address device: %w", err)
	}

	c.alloc.Flush(dev.out.Phys(), dev.out.Region().Len())
	addr := deviceAddress(dev.out)
	if addr == 0 {
		return fmt.Errorf("%w: slot %d has no address after Address Device",
			pkg.ErrProtocol, dev.SlotID)
	}
	dev.Address = hal.DeviceAddress(addr)
	dev.state = deviceAddressed

	c.devMu.Lock()
	if old, ok := c.byAddr[dev.Address]; ok && old != dev {
		c.devMu.Unlock()
		return fmt.Errorf("%w: address %d already in use by slot %d",
			pkg.ErrInvalidState, addr, old.SlotID)
	}
	c.devices[dev.SlotID] = dev
	c.byAddr[dev.Address] = dev
	c.devMu.Unlock()

	return c.fixEP0MaxPacket(ctx, dev)
}

// fixEP0MaxPacket reads the first eight bytes of the device descriptor and
// updates EP0 if bMaxPacketSize0 differs from the speed default.
func (c *Controller) fixEP0MaxPacket(ctx context.Context, dev *Device) error {
	var desc [8]byte
	setup := &hal.SetupPacket{
		RequestType: 0x80,
		Request:     reqGetDescriptor,
		Value:       descDevice << 8,
		Length:      uint16(len(desc)),
	}
	n, err := c.controlTransfer(ctx, dev, setup, desc[:])
	if err != nil {
		return fmt.Errorf("device descriptor: %w", err)
	}
	if n < len(desc) {
		return fmt.Errorf("%w: device descriptor %d bytes", pkg.ErrProtocol, n)
	}

	mps := uint16(desc[7])
	if dev.Speed == hal.SpeedSuper {
		mps = 1 << min(desc[7], 15)
	}
	if mps == 0 || mps == dev.EP0().MaxPacketSize {
		return nil
	}
	return c.evaluateEP0(ctx, dev, mps)
}

// evaluateEP0 changes the EP0 max packet size with Evaluate Context.
func (c *Controller) evaluateEP0(ctx context.Context, dev *Device, mps uint16) error {
	setEP0MaxPacket(dev.in, mps)
	if err := c.EvaluateContext(ctx, dev.SlotID, dev.in); err != nil {
		return fmt.Errorf("evaluate EP0: %w", err)
	}
	dev.EP0().MaxPacketSize = mps
	return nil
}

// abandon gives up on a device whose setup failed.
func (c *Controller) abandon(ctx context.Context, dev *Device) {
	if err := c.DisableSlot(ctx, dev.SlotID); err != nil {
		pkg.LogWarn(pkg.ComponentController, "disable slot",
			"slot", dev.SlotID,
			"error", err)
	}
	c.forget(dev)
	dev.release(c.alloc)
}

// forget removes dev from the slot and address tables and clears its DCBAA
// entry.
func (c *Controller) forget(dev *Device) {
	c.devMu.Lock()
	if c.devices[dev.SlotID] == dev {
		c.devices[dev.SlotID] = nil
	}
	if c.byAddr[dev.Address] == dev {
		delete(c.byAddr, dev.Address)
	}
	c.devMu.Unlock()
	if c.dcbaa != nil {
		c.dcbaa.update(dev.SlotID, 0)
	}
}

// ConfigureEndpoints adds eps to the device at addr with one Configure
// Endpoint command. Each endpoint gets its own transfer ring.
func (c *Controller) ConfigureEndpoints(ctx context.Context, addr hal.DeviceAddress, eps []hal.EndpointDescriptor) error {
	dev, err := c.lookup(addr)
	if err != nil {
		return err
	}
	if dev.state != deviceAddressed {
		return fmt.Errorf("%w: device %d already configured", pkg.ErrInvalidState, addr)
	}
	if len(eps) == 0 {
		return fmt.Errorf("%w: no endpoints", pkg.ErrInvalidParameter)
	}

	created := make([]*Endpoint, 0, len(eps))
	dcis := make([]int, 0, len(eps))
	fail := func(err error) error {
		for _, ep := range created {
			ep.free()
		}
		return err
	}
	seen := make(map[int]bool)
	for _, desc := range eps {
		ep, err := newEndpoint(c.alloc, desc, dev.Speed, c.cfg.TransferRingSize)
		if err != nil {
			return fail(err)
		}
		created = append(created, ep)
		if seen[ep.DCI] {
			return fail(fmt.Errorf("%w: duplicate endpoint %#02x", pkg.ErrInvalidEndpoint, desc.Address))
		}
		seen[ep.DCI] = true
		dcis = append(dcis, ep.DCI)
		configureEndpointContext(dev.in, ep)
	}

	c.alloc.Flush(dev.out.Phys(), dev.out.Region().Len())
	dev.in.Slot().r.Write(0, dev.out.Slot().r.Bytes())
	updateSlotContext(dev.in, dcis...)

	if err := c.ConfigureEndpoint(ctx, dev.SlotID, dev.in, false); err != nil {
		return fail(fmt.Errorf("configure endpoint: %w", err))
	}

	c.devMu.Lock()
	for _, ep := range created {
		dev.endpoints[ep.DCI] = ep
	}
	dev.state = deviceConfigured
	c.devMu.Unlock()

	pkg.LogInfo(pkg.ComponentController, "endpoints configured",
		"address", addr,
		"slot", dev.SlotID,
		"dcis", dcis)
	return nil
}

// ReleaseDevice disables the slot of the device at addr and frees its
// contexts and rings. Transfers still queued fail with ErrNoDevice.
func (c *Controller) ReleaseDevice(ctx context.Context, addr hal.DeviceAddress) error {
	dev, err := c.lookup(addr)
	if err != nil {
		return err
	}
	for _, ep := range dev.endpoints {
		if ep != nil {
			c.failPending(ep, pkg.ErrNoDevice)
		}
	}
	err = c.DisableSlot(ctx, dev.SlotID)
	c.forget(dev)
	dev.release(c.alloc)

	pkg.LogInfo(pkg.ComponentController, "device released",
		"address", addr,
		"slot", dev.SlotID)
	if err != nil {
		return fmt.Errorf("disable slot: %w", err)
	}
	return nil
}
