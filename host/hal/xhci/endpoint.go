package xhci

import (
	"fmt"
	"math/bits"
	"sync"

	"github.com/ardnew/xhci/host/hal"
	"github.com/ardnew/xhci/host/hal/xhci/dma"
	"github.com/ardnew/xhci/pkg"
)

// Endpoint is the driver's private state for one endpoint of a device.
type Endpoint struct {
	Address       uint8
	DCI           int
	Type          hal.TransferType
	MaxPacketSize uint16
	Interval      uint8

	ctxType uint32
	ring    *Ring

	// pending TDs in the order they were queued; guarded by the
	// controller's transfer tracker.
	pending []*pendingTransfer

	mu sync.Mutex // serializes producers on ring
}

// newEndpoint creates endpoint state for desc and allocates its transfer
// ring.
func newEndpoint(alloc dma.Allocator, desc hal.EndpointDescriptor, speed hal.Speed, ringSize int) (*Endpoint, error) {
	if desc.Number() == 0 {
		return nil, fmt.Errorf("%w: %#02x is the default control endpoint",
			pkg.ErrInvalidEndpoint, desc.Address)
	}
	if desc.MaxPacketSize == 0 {
		return nil, fmt.Errorf("%w: %#02x has zero max packet size",
			pkg.ErrInvalidEndpoint, desc.Address)
	}
	typ, err := endpointType(&desc)
	if err != nil {
		return nil, err
	}
	ring, err := NewRing(alloc, 64, ringSize)
	if err != nil {
		return nil, fmt.Errorf("endpoint %#02x: %w", desc.Address, err)
	}

	ep := &Endpoint{
		Address:       desc.Address,
		DCI:           DCI(desc.Address),
		Type:          desc.TransferType(),
		MaxPacketSize: desc.MaxPacketSize & 0x7ff,
		ctxType:       typ,
		ring:          ring,
	}
	if ep.Type == hal.TransferInterrupt {
		ep.Interval = intervalExponent(speed, desc.Interval)
	}

	pkg.LogDebug(pkg.ComponentEndpoint, "endpoint created",
		"address", fmt.Sprintf("%#02x", desc.Address),
		"dci", ep.DCI,
		"mps", ep.MaxPacketSize)
	return ep, nil
}

// Ring returns the endpoint's transfer ring.
func (e *Endpoint) Ring() *Ring {
	return e.ring
}

// IsIn returns true for device-to-host endpoints.
func (e *Endpoint) IsIn() bool {
	return e.Address&0x80 != 0
}

// free releases the transfer ring.
func (e *Endpoint) free() {
	if e.ring != nil {
		e.ring.Free()
		e.ring = nil
	}
}

// intervalExponent converts a descriptor bInterval into the endpoint
// context's 125us exponent.
func intervalExponent(speed hal.Speed, interval uint8) uint8 {
	switch speed {
	case hal.SpeedHigh, hal.SpeedSuper:
		if interval == 0 {
			return 0
		}
		return min(interval-1, 15)
	default:
		// Frames of 1ms, expressed in microframes.
		if interval == 0 {
			interval = 1
		}
		exp := uint8(bits.Len16(uint16(interval)*8) - 1)
		return min(max(exp, 3), 10)
	}
}

// deviceState tracks a slot through its command sequence.
type deviceState uint8

const (
	deviceEnabled deviceState = iota
	deviceAddressed
	deviceConfigured
)

// Device is the controller's state for one attached device (one slot).
type Device struct {
	SlotID  uint8
	Port    int
	Speed   hal.Speed
	Address hal.DeviceAddress

	in    *DeviceContext
	out   *DeviceContext
	state deviceState

	endpoints [MaxEndpointContexts + 1]*Endpoint // by DCI, [1] is EP0
}

// endpoint returns the endpoint with the given DCI, or nil.
func (d *Device) endpoint(dci int) *Endpoint {
	if dci < 1 || dci > MaxEndpointContexts {
		return nil
	}
	return d.endpoints[dci]
}

// EP0 returns the default control endpoint.
func (d *Device) EP0() *Endpoint {
	return d.endpoints[1]
}

// Endpoint returns the endpoint with USB address epAddr, or nil.
func (d *Device) Endpoint(epAddr uint8) *Endpoint {
	return d.endpoint(DCI(epAddr))
}

// OutputContext returns the output device context written by the controller.
func (d *Device) OutputContext() *DeviceContext {
	return d.out
}

// InputContext returns the input context used for slot commands.
func (d *Device) InputContext() *DeviceContext {
	return d.in
}

// release frees every ring and context held by the device.
func (d *Device) release(alloc dma.Allocator) {
	for i, ep := range d.endpoints {
		if ep != nil {
			ep.free()
			d.endpoints[i] = nil
		}
	}
	d.in.Free(alloc)
	d.out.Free(alloc)
}
