package sim

import (
	"github.com/ardnew/xhci/host/hal"
	"github.com/ardnew/xhci/host/hal/xhci"
	"github.com/ardnew/xhci/host/hal/xhci/dma"
	"github.com/ardnew/xhci/pkg"
)

// slot is the model's view of an enabled device slot.
type slot struct {
	id    uint8
	out   *xhci.DeviceContext
	port  int
	dev   *Device
	state uint32
	eps   [xhci.MaxEndpointContexts + 1]*endpoint
}

// endpoint is the model's cursor into one transfer ring.
type endpoint struct {
	dci   int
	state uint32
	deq   uint64
	ccs   uint32

	// TD in progress
	edtla uint32
	short bool
	setup hal.SetupPacket
	resp  []byte // control IN response
	out   []byte // accumulated OUT data
}

// ring records a doorbell write. The caller holds mu.
func (c *Controller) ring(slot uint8, target uint32) {
	c.doorbells[doorbell{slot, target}] = true
	select {
	case c.kick <- struct{}{}:
	default:
	}
}

// serve processes doorbells until Close.
func (c *Controller) serve() {
	defer c.wg.Done()
	for {
		select {
		case <-c.done:
			return
		case <-c.kick:
		}
		c.mu.Lock()
		c.process()
		raise := c.interruptible()
		c.mu.Unlock()
		if raise {
			c.assert()
		}
	}
}

// process services every rung doorbell. The caller holds mu.
func (c *Controller) process() {
	if c.cmd&cmdRun == 0 {
		return
	}
	bells := make([]doorbell, 0, len(c.doorbells))
	for db := range c.doorbells {
		bells = append(bells, db)
	}
	clear(c.doorbells)

	for _, db := range bells {
		if db.slot == 0 {
			c.runCommands()
			continue
		}
		if int(db.slot) >= len(c.slots) || c.slots[db.slot] == nil {
			continue
		}
		s := c.slots[db.slot]
		if ep := s.endpoint(int(db.target)); ep != nil {
			c.runEndpoint(s, ep)
		}
	}
	// Endpoints that were waiting on device data may now progress.
	for _, s := range c.slots {
		if s == nil {
			continue
		}
		for _, ep := range s.eps {
			if ep != nil && ep.state == xhci.EndpointStateRunning {
				c.runEndpoint(s, ep)
			}
		}
	}
}

func (s *slot) endpoint(dci int) *endpoint {
	if dci < 1 || dci > xhci.MaxEndpointContexts {
		return nil
	}
	return s.eps[dci]
}

// readTRB reads the TRB at phys, control word first.
func (c *Controller) readTRB(phys uint64) (xhci.TRB, bool) {
	r, ok := c.Resolve(phys, xhci.TRBSize)
	if !ok {
		return xhci.TRB{}, false
	}
	var t xhci.TRB
	t.Control = r.Load32(12)
	t.Parameter = r.Load64(0)
	t.Status = r.Load32(8)
	return t, true
}

// runCommands executes command TRBs until one is not owned by the
// controller.
func (c *Controller) runCommands() {
	for {
		trb, ok := c.readTRB(c.cmdDeq)
		if !ok {
			c.sts |= stsHCE
			return
		}
		if trb.Cycle() != c.cmdCCS {
			return
		}
		if xhci.IsLink(trb) {
			c.cmdDeq = trb.Parameter &^ 0xf
			if trb.Control&trbTC != 0 {
				c.cmdCCS ^= 1
			}
			continue
		}

		code, slotID := c.execute(trb)
		c.post(xhci.TRB{
			Parameter: c.cmdDeq,
			Status:    uint32(code) << 24,
			Control:   uint32(xhci.TRBCommandComplete)<<10 | uint32(slotID)<<24,
		})
		c.cmdDeq += xhci.TRBSize
	}
}

// execute runs one command and returns its completion code and slot ID.
func (c *Controller) execute(trb xhci.TRB) (xhci.CompletionCode, uint8) {
	id := trb.SlotID()
	pkg.LogDebug(pkg.ComponentPlatform, "sim command",
		"type", trb.Type().String(),
		"slot", id)

	switch trb.Type() {
	case xhci.TRBNoOpCommand:
		return xhci.CompletionSuccess, 0

	case xhci.TRBEnableSlot:
		for i := 1; i < len(c.slots); i++ {
			if c.slots[i] == nil {
				c.slots[i] = &slot{id: uint8(i), state: xhci.SlotStateDefault}
				return xhci.CompletionSuccess, uint8(i)
			}
		}
		return xhci.CompletionNoSlots, 0
	}

	s := c.slotFor(id)
	if s == nil {
		return xhci.CompletionSlotNotEnabled, id
	}

	switch trb.Type() {
	case xhci.TRBDisableSlot:
		if s.out != nil {
			s.out.Slot().SetState(xhci.SlotStateDisabled)
		}
		c.slots[id] = nil
		return xhci.CompletionSuccess, id

	case xhci.TRBAddressDevice:
		return c.addressDevice(s, trb), id

	case xhci.TRBConfigureEP:
		return c.configureEndpoints(s, trb), id

	case xhci.TRBEvaluateContext:
		return c.evaluateContext(s, trb), id

	case xhci.TRBStopEP:
		ep := s.endpoint(int(trb.EndpointID()))
		if ep == nil || ep.state != xhci.EndpointStateRunning {
			return xhci.CompletionContextState, id
		}
		c.stopEndpoint(s, ep)
		return xhci.CompletionSuccess, id

	case xhci.TRBResetEP:
		ep := s.endpoint(int(trb.EndpointID()))
		if ep == nil || ep.state != xhci.EndpointStateHalted {
			return xhci.CompletionContextState, id
		}
		c.setEndpointState(s, ep, xhci.EndpointStateStopped)
		return xhci.CompletionSuccess, id

	case xhci.TRBSetTRDequeue:
		ep := s.endpoint(int(trb.EndpointID()))
		if ep == nil || (ep.state != xhci.EndpointStateStopped && ep.state != xhci.EndpointStateError) {
			return xhci.CompletionContextState, id
		}
		ep.deq = trb.Parameter &^ 0xf
		ep.ccs = uint32(trb.Parameter & 1)
		ep.resetTD()
		s.out.Endpoint(ep.dci).SetDequeue(ep.deq, ep.ccs)
		return xhci.CompletionSuccess, id
	}
	return xhci.CompletionTRB, id
}

func (c *Controller) slotFor(id uint8) *slot {
	if id == 0 || int(id) >= len(c.slots) {
		return nil
	}
	return c.slots[id]
}

// context resolves a device context at phys.
func (c *Controller) context(phys uint64, input bool) (*xhci.DeviceContext, bool) {
	n := (1 + xhci.MaxEndpointContexts) * c.cfg.ContextSize
	if input {
		n += c.cfg.ContextSize
	}
	r, ok := c.Resolve(phys, n)
	if !ok {
		return nil, false
	}
	return xhci.NewDeviceContext(r, c.cfg.ContextSize, input), true
}

// outputContext follows the DCBAA entry for slot.
func (c *Controller) outputContext(id uint8) (*xhci.DeviceContext, bool) {
	base := uint64(c.dcbaap[1])<<32 | uint64(c.dcbaap[0])
	arr, ok := c.Resolve(base, 256*8)
	if !ok {
		return nil, false
	}
	phys := arr.Load64(int(id) * 8)
	if phys == 0 {
		return nil, false
	}
	return c.context(phys, false)
}

func copyContext(dst, src *dma.Region) {
	dst.Write(0, src.Bytes())
}

func (c *Controller) addressDevice(s *slot, trb xhci.TRB) xhci.CompletionCode {
	if s.state != xhci.SlotStateDefault {
		return xhci.CompletionContextState
	}
	in, ok := c.context(trb.Parameter, true)
	if !ok {
		return xhci.CompletionParameter
	}
	if in.Control().AddFlags()&0x3 != 0x3 {
		return xhci.CompletionParameter
	}
	out, ok := c.outputContext(s.id)
	if !ok {
		return xhci.CompletionContextState
	}
	port := int(in.Slot().RootHubPort())
	if port < 1 || port > len(c.ports) || c.ports[port-1].dev == nil {
		return xhci.CompletionUSBTransaction
	}

	copyContext(out.Slot().Region(), in.Slot().Region())
	copyContext(out.Endpoint(1).Region(), in.Endpoint(1).Region())
	s.out = out
	s.port = port
	s.dev = c.ports[port-1].dev

	if trb.Control&trbBSR == 0 {
		s.state = xhci.SlotStateAddressed
		out.Slot().SetDeviceAddress(s.id)
		s.dev.setAddress(s.id)
	}
	out.Slot().SetState(s.state)

	ep0 := &endpoint{dci: 1}
	ep0.deq, ep0.ccs = in.Endpoint(1).Dequeue()
	s.eps[1] = ep0
	c.setEndpointState(s, ep0, xhci.EndpointStateRunning)
	return xhci.CompletionSuccess
}

func (c *Controller) configureEndpoints(s *slot, trb xhci.TRB) xhci.CompletionCode {
	if s.state != xhci.SlotStateAddressed && s.state != xhci.SlotStateConfigured {
		return xhci.CompletionContextState
	}
	if trb.Control&trbDC != 0 {
		for dci := 2; dci <= xhci.MaxEndpointContexts; dci++ {
			if s.eps[dci] != nil {
				c.setEndpointState(s, s.eps[dci], xhci.EndpointStateDisabled)
				s.eps[dci] = nil
			}
		}
		s.state = xhci.SlotStateAddressed
		s.out.Slot().SetState(s.state)
		return xhci.CompletionSuccess
	}

	in, ok := c.context(trb.Parameter, true)
	if !ok {
		return xhci.CompletionParameter
	}
	ctl := in.Control()
	for dci := 2; dci <= xhci.MaxEndpointContexts; dci++ {
		if ctl.DropFlags()&(1<<dci) != 0 && s.eps[dci] != nil {
			c.setEndpointState(s, s.eps[dci], xhci.EndpointStateDisabled)
			s.eps[dci] = nil
		}
	}
	for dci := 2; dci <= xhci.MaxEndpointContexts; dci++ {
		if ctl.AddFlags()&(1<<dci) == 0 {
			continue
		}
		src := in.Endpoint(dci)
		if src.Type() == 0 || src.MaxPacketSize() == 0 {
			return xhci.CompletionParameter
		}
		copyContext(s.out.Endpoint(dci).Region(), src.Region())
		ep := &endpoint{dci: dci}
		ep.deq, ep.ccs = src.Dequeue()
		s.eps[dci] = ep
		c.setEndpointState(s, ep, xhci.EndpointStateRunning)
	}
	if ctl.AddFlags()&1 != 0 {
		s.out.Slot().SetContextEntries(in.Slot().ContextEntries())
	}
	s.state = xhci.SlotStateConfigured
	s.out.Slot().SetState(s.state)
	return xhci.CompletionSuccess
}

func (c *Controller) evaluateContext(s *slot, trb xhci.TRB) xhci.CompletionCode {
	if s.out == nil {
		return xhci.CompletionContextState
	}
	in, ok := c.context(trb.Parameter, true)
	if !ok {
		return xhci.CompletionParameter
	}
	if in.Control().AddFlags()&(1<<1) != 0 {
		s.out.Endpoint(1).SetMaxPacketSize(in.Endpoint(1).MaxPacketSize())
	}
	return xhci.CompletionSuccess
}

func (c *Controller) setEndpointState(s *slot, ep *endpoint, state uint32) {
	ep.state = state
	if s.out != nil {
		ctx := s.out.Endpoint(ep.dci)
		ctx.SetState(state)
		ctx.SetDequeue(ep.deq, ep.ccs)
	}
}

// stopEndpoint stops ep. A TD that has been started reports Stopped.
func (c *Controller) stopEndpoint(s *slot, ep *endpoint) {
	if trb, ok := c.readTRB(ep.deq); ok && trb.Cycle() == ep.ccs && !xhci.IsLink(trb) {
		c.post(xhci.TRB{
			Parameter: ep.deq,
			Status:    uint32(xhci.CompletionStopped) << 24,
			Control:   uint32(xhci.TRBTransferEvent)<<10 | uint32(ep.dci)<<16 | uint32(s.id)<<24,
		})
	}
	c.setEndpointState(s, ep, xhci.EndpointStateStopped)
}

func (ep *endpoint) resetTD() {
	ep.edtla = 0
	ep.short = false
	ep.resp = nil
	ep.out = nil
}
