package xhci

import (
	"fmt"

	"github.com/ardnew/xhci/host/hal"
	"github.com/ardnew/xhci/host/hal/xhci/dma"
	"github.com/ardnew/xhci/pkg"
)

// Device context geometry.
const (
	MaxEndpointContexts = 31  // endpoint contexts per device context (DCI 1-31)
	dcbaaEntries        = 256 // slot 0 is the scratchpad array pointer
	contextAlign        = 64
	dcbaaAlign          = 64
)

// Endpoint types as encoded in an endpoint context.
const (
	epTypeNotValid   = 0
	epTypeIsochOut   = 1
	epTypeBulkOut    = 2
	epTypeIntrOut    = 3
	epTypeControl    = 4
	epTypeIsochIn    = 5
	epTypeBulkIn     = 6
	epTypeIntrIn     = 7
	defaultErrCount  = 3
	controlAvgLength = 8
)

// Slot states reported in the output slot context.
const (
	SlotStateDisabled   = 0
	SlotStateDefault    = 1
	SlotStateAddressed  = 2
	SlotStateConfigured = 3
)

// Endpoint states reported in an output endpoint context.
const (
	EndpointStateDisabled = 0
	EndpointStateRunning  = 1
	EndpointStateHalted   = 2
	EndpointStateStopped  = 3
	EndpointStateError    = 4
)

func getBits(r *dma.Region, dword int, shift uint, mask uint32) uint32 {
	return (r.Load32(dword*4) >> shift) & mask
}

func setBits(r *dma.Region, dword int, shift uint, mask uint32, v uint32) {
	w := r.Load32(dword * 4)
	w = w&^(mask<<shift) | (v&mask)<<shift
	r.Store32(dword*4, w)
}

// SlotContext is a view of a slot context entry.
type SlotContext struct{ r *dma.Region }

// Speed returns the port speed ID.
func (s SlotContext) Speed() uint32 { return getBits(s.r, 0, 20, 0xf) }

// SetSpeed sets the port speed ID.
func (s SlotContext) SetSpeed(v uint32) { setBits(s.r, 0, 20, 0xf, v) }

// ContextEntries returns the index of the last valid endpoint context.
func (s SlotContext) ContextEntries() uint32 { return getBits(s.r, 0, 27, 0x1f) }

// SetContextEntries sets the index of the last valid endpoint context.
func (s SlotContext) SetContextEntries(v uint32) { setBits(s.r, 0, 27, 0x1f, v) }

// RootHubPort returns the root hub port number.
func (s SlotContext) RootHubPort() uint32 { return getBits(s.r, 1, 16, 0xff) }

// SetRootHubPort sets the root hub port number.
func (s SlotContext) SetRootHubPort(v uint32) { setBits(s.r, 1, 16, 0xff, v) }

// SetInterrupterTarget sets the interrupter that receives slot events.
func (s SlotContext) SetInterrupterTarget(v uint32) { setBits(s.r, 2, 22, 0x3ff, v) }

// Region returns the memory of the slot context.
func (s SlotContext) Region() *dma.Region { return s.r }

// DeviceAddress returns the USB address assigned by the controller.
func (s SlotContext) DeviceAddress() uint8 { return uint8(getBits(s.r, 3, 0, 0xff)) }

// SetDeviceAddress is used by controller models to report the address.
func (s SlotContext) SetDeviceAddress(v uint8) { setBits(s.r, 3, 0, 0xff, uint32(v)) }

// State returns the slot state.
func (s SlotContext) State() uint32 { return getBits(s.r, 3, 27, 0x1f) }

// SetState is used by controller models to report the slot state.
func (s SlotContext) SetState(v uint32) { setBits(s.r, 3, 27, 0x1f, v) }

// EndpointContext is a view of an endpoint context entry.
type EndpointContext struct{ r *dma.Region }

// Region returns the memory of the endpoint context.
func (e EndpointContext) Region() *dma.Region { return e.r }

// State returns the endpoint state.
func (e EndpointContext) State() uint32 { return getBits(e.r, 0, 0, 0x7) }

// SetState is used by controller models to report the endpoint state.
func (e EndpointContext) SetState(v uint32) { setBits(e.r, 0, 0, 0x7, v) }

// Interval returns the polling interval exponent.
func (e EndpointContext) Interval() uint32 { return getBits(e.r, 0, 16, 0xff) }

// SetInterval sets the polling interval exponent.
func (e EndpointContext) SetInterval(v uint32) { setBits(e.r, 0, 16, 0xff, v) }

// ErrorCount returns the CErr field.
func (e EndpointContext) ErrorCount() uint32 { return getBits(e.r, 1, 1, 0x3) }

// SetErrorCount sets the CErr field.
func (e EndpointContext) SetErrorCount(v uint32) { setBits(e.r, 1, 1, 0x3, v) }

// Type returns the endpoint type.
func (e EndpointContext) Type() uint32 { return getBits(e.r, 1, 3, 0x7) }

// SetType sets the endpoint type.
func (e EndpointContext) SetType(v uint32) { setBits(e.r, 1, 3, 0x7, v) }

// MaxPacketSize returns the maximum packet size.
func (e EndpointContext) MaxPacketSize() uint32 { return getBits(e.r, 1, 16, 0xffff) }

// SetMaxPacketSize sets the maximum packet size.
func (e EndpointContext) SetMaxPacketSize(v uint32) { setBits(e.r, 1, 16, 0xffff, v) }

// Dequeue returns the TR dequeue pointer and dequeue cycle state.
func (e EndpointContext) Dequeue() (uint64, uint32) {
	v := e.r.Load64(8)
	return v &^ 0xf, uint32(v & 1)
}

// SetDequeue sets the TR dequeue pointer and dequeue cycle state.
func (e EndpointContext) SetDequeue(phys uint64, cycle uint32) {
	e.r.Store64(8, phys&^0xf|uint64(cycle&1))
}

// AverageTRBLength returns the average TRB length hint.
func (e EndpointContext) AverageTRBLength() uint32 { return getBits(e.r, 4, 0, 0xffff) }

// SetAverageTRBLength sets the average TRB length hint.
func (e EndpointContext) SetAverageTRBLength(v uint32) { setBits(e.r, 4, 0, 0xffff, v) }

// InputControlContext is a view of the input control context.
type InputControlContext struct{ r *dma.Region }

// DropFlags returns the drop context flags.
func (c InputControlContext) DropFlags() uint32 { return c.r.Load32(0) }

// AddFlags returns the add context flags.
func (c InputControlContext) AddFlags() uint32 { return c.r.Load32(4) }

// SetFlags replaces both flag words.
func (c InputControlContext) SetFlags(drop, add uint32) {
	c.r.Store32(0, drop)
	c.r.Store32(4, add)
}

// DeviceContext is an input or output device context in coherent memory.
type DeviceContext struct {
	mem   *dma.Region
	csz   int
	input bool
}

// allocInputContext allocates a zeroed input context: input control context,
// slot context and 31 endpoint contexts.
func allocInputContext(alloc dma.Allocator, csz int) (*DeviceContext, error) {
	return allocDeviceContext(alloc, csz, true)
}

// allocOutputContext allocates a zeroed output device context: slot context
// and 31 endpoint contexts.
func allocOutputContext(alloc dma.Allocator, csz int) (*DeviceContext, error) {
	return allocDeviceContext(alloc, csz, false)
}

func allocDeviceContext(alloc dma.Allocator, csz int, input bool) (*DeviceContext, error) {
	entries := 1 + MaxEndpointContexts
	if input {
		entries++
	}
	mem, err := alloc.Alloc(contextAlign, entries*csz)
	if err != nil {
		return nil, fmt.Errorf("device context: %w", err)
	}
	if mem.Phys()&(contextAlign-1) != 0 {
		alloc.Free(mem)
		return nil, fmt.Errorf("device context: %w", pkg.ErrAlignment)
	}
	return &DeviceContext{mem: mem, csz: csz, input: input}, nil
}

// NewDeviceContext wraps existing memory as a device context, as a
// controller model does when it follows a DCBAA entry or command parameter.
func NewDeviceContext(mem *dma.Region, csz int, input bool) *DeviceContext {
	return &DeviceContext{mem: mem, csz: csz, input: input}
}

// Phys returns the physical address of the context.
func (d *DeviceContext) Phys() uint64 {
	return d.mem.Phys()
}

// Region returns the backing memory.
func (d *DeviceContext) Region() *dma.Region {
	return d.mem
}

func (d *DeviceContext) entry(i int) *dma.Region {
	if d.input {
		i++
	}
	return d.mem.Slice(i*d.csz, d.csz)
}

// Control returns the input control context. It panics on an output context.
func (d *DeviceContext) Control() InputControlContext {
	if !d.input {
		panic("xhci: output context has no input control context")
	}
	return InputControlContext{d.mem.Slice(0, d.csz)}
}

// Slot returns the slot context.
func (d *DeviceContext) Slot() SlotContext {
	return SlotContext{d.entry(0)}
}

// Endpoint returns the endpoint context for dci (1-31).
func (d *DeviceContext) Endpoint(dci int) EndpointContext {
	return EndpointContext{d.entry(dci)}
}

// Free returns the context memory to the allocator.
func (d *DeviceContext) Free(alloc dma.Allocator) {
	if d != nil && d.mem != nil {
		alloc.Free(d.mem)
		d.mem = nil
	}
}

// DCI returns the device context index of the endpoint with USB address
// epAddr: 1 for endpoint 0, otherwise 2*number plus 1 for IN.
func DCI(epAddr uint8) int {
	num := int(epAddr & 0x0f)
	if num == 0 {
		return 1
	}
	dci := 2 * num
	if epAddr&0x80 != 0 {
		dci++
	}
	return dci
}

// slotSpeed returns the protocol speed ID the controller uses for speed.
func slotSpeed(speed hal.Speed) (uint32, error) {
	switch speed {
	case hal.SpeedFull:
		return 1, nil
	case hal.SpeedLow:
		return 2, nil
	case hal.SpeedHigh:
		return 3, nil
	case hal.SpeedSuper:
		return 4, nil
	default:
		return 0, fmt.Errorf("%w: %v", pkg.ErrInvalidSpeed, speed)
	}
}

// speedFromID converts a PORTSC / slot context speed ID to a hal.Speed.
func speedFromID(id uint32) hal.Speed {
	switch id {
	case 1:
		return hal.SpeedFull
	case 2:
		return hal.SpeedLow
	case 3:
		return hal.SpeedHigh
	case 4:
		return hal.SpeedSuper
	default:
		return hal.SpeedUnknown
	}
}

// ep0MaxPacket returns the initial endpoint 0 max packet size for speed.
// Full speed starts at 8 and is corrected with Evaluate Context once the
// device descriptor has been read.
func ep0MaxPacket(speed hal.Speed) (uint32, error) {
	switch speed {
	case hal.SpeedLow, hal.SpeedFull:
		return 8, nil
	case hal.SpeedHigh:
		return 64, nil
	case hal.SpeedSuper:
		return 512, nil
	default:
		return 0, fmt.Errorf("%w: %v", pkg.ErrInvalidSpeed, speed)
	}
}

// initControlEndpointContext prepares in for Address Device: it selects the
// slot and EP0 contexts, fills the slot context for a device on port at
// speed, and allocates EP0's transfer ring of ringSize TRBs.
func initControlEndpointContext(alloc dma.Allocator, in *DeviceContext, speed hal.Speed, port int, ringSize int) (*Endpoint, error) {
	sp, err := slotSpeed(speed)
	if err != nil {
		return nil, err
	}
	mps, err := ep0MaxPacket(speed)
	if err != nil {
		return nil, err
	}
	ring, err := NewRing(alloc, 64, ringSize)
	if err != nil {
		return nil, fmt.Errorf("EP0: %w", err)
	}

	in.Control().SetFlags(0, 1<<0|1<<1)

	slot := in.Slot()
	slot.SetSpeed(sp)
	slot.SetRootHubPort(uint32(port))
	slot.SetContextEntries(1)
	slot.SetInterrupterTarget(0)

	ep0 := in.Endpoint(1)
	ep0.SetType(epTypeControl)
	ep0.SetMaxPacketSize(mps)
	ep0.SetErrorCount(defaultErrCount)
	ep0.SetAverageTRBLength(controlAvgLength)
	ep0.SetDequeue(ring.Phys(), ring.Cycle())

	return &Endpoint{
		DCI:           1,
		Type:          hal.TransferControl,
		MaxPacketSize: uint16(mps),
		ctxType:       epTypeControl,
		ring:          ring,
	}, nil
}

// setEP0MaxPacket selects only EP0 in in and sets its max packet size, for
// Evaluate Context.
func setEP0MaxPacket(in *DeviceContext, mps uint16) {
	in.Control().SetFlags(0, 1<<1)
	in.Endpoint(1).SetMaxPacketSize(uint32(mps))
}

// updateSlotContext selects the slot context and the endpoint contexts at
// dcis for Configure Endpoint, and sets Context Entries to the highest of
// dcis. EP0 (DCI 1) is always valid.
func updateSlotContext(in *DeviceContext, dcis ...int) {
	add := uint32(1 << 0)
	last := uint32(1)
	for _, dci := range dcis {
		add |= 1 << uint(dci)
		last = max(last, uint32(dci))
	}
	in.Control().SetFlags(0, add)
	in.Slot().SetContextEntries(last)
}

// endpointType returns the endpoint context type for ep.
func endpointType(ep *hal.EndpointDescriptor) (uint32, error) {
	in := ep.IsIn()
	switch ep.TransferType() {
	case hal.TransferControl:
		return epTypeControl, nil
	case hal.TransferBulk:
		if in {
			return epTypeBulkIn, nil
		}
		return epTypeBulkOut, nil
	case hal.TransferInterrupt:
		if in {
			return epTypeIntrIn, nil
		}
		return epTypeIntrOut, nil
	default:
		return epTypeNotValid, fmt.Errorf("%w: isochronous endpoint %#02x",
			pkg.ErrNotSupported, ep.Address)
	}
}

// configureEndpointContext fills the endpoint context for ep in the input
// context.
func configureEndpointContext(in *DeviceContext, ep *Endpoint) {
	ctx := in.Endpoint(ep.DCI)
	ctx.r.Zero()
	ctx.SetType(ep.ctxType)
	ctx.SetMaxPacketSize(uint32(ep.MaxPacketSize))
	ctx.SetErrorCount(defaultErrCount)
	ctx.SetInterval(uint32(ep.Interval))
	ctx.SetAverageTRBLength(uint32(ep.MaxPacketSize))
	ctx.SetDequeue(ep.ring.Phys(), ep.ring.Cycle())
}

// deviceAddress returns the USB address the controller assigned, from the
// slot context of an output context.
func deviceAddress(out *DeviceContext) uint8 {
	return out.Slot().DeviceAddress()
}

// DCBAA is the Device Context Base Address Array.
type DCBAA struct {
	mem   *dma.Region
	alloc dma.Allocator
}

// allocDCBAA allocates a zeroed 256-entry DCBAA.
func allocDCBAA(alloc dma.Allocator) (*DCBAA, error) {
	mem, err := alloc.Alloc(dcbaaAlign, dcbaaEntries*8)
	if err != nil {
		return nil, fmt.Errorf("dcbaa: %w", err)
	}
	if mem.Phys()&(dcbaaAlign-1) != 0 {
		alloc.Free(mem)
		return nil, fmt.Errorf("dcbaa: %w", pkg.ErrAlignment)
	}
	d := &DCBAA{mem: mem, alloc: alloc}
	d.flush()
	return d, nil
}

// Phys returns the physical address of the array.
func (d *DCBAA) Phys() uint64 {
	return d.mem.Phys()
}

// Entry returns the output context pointer for slot.
func (d *DCBAA) Entry(slot uint8) uint64 {
	return d.mem.Load64(int(slot) * 8)
}

// update installs phys as the output context pointer for slot. Slot 0 holds
// the scratchpad buffer array pointer.
func (d *DCBAA) update(slot uint8, phys uint64) {
	d.mem.Store64(int(slot)*8, phys)
	d.alloc.Flush(d.mem.Phys()+uint64(slot)*8, 8)
}

func (d *DCBAA) flush() {
	d.alloc.Flush(d.mem.Phys(), d.mem.Len())
}

// Free returns the array to the allocator.
func (d *DCBAA) Free() {
	if d != nil && d.mem != nil {
		d.alloc.Free(d.mem)
		d.mem = nil
	}
}
