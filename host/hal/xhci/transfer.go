package xhci

import (
	"context"
	"fmt"
	"math/bits"

	"github.com/ardnew/xhci/host/hal"
	"github.com/ardnew/xhci/host/hal/xhci/dma"
	"github.com/ardnew/xhci/pkg"
)

// pendingTransfer is a TD queued on an endpoint ring and not yet completed.
type pendingTransfer struct {
	ep     *Endpoint
	cookie uint64 // Event Data parameter, 0 for control TDs
	stage  int    // index of the Data Stage TRB within the TD, control IN only
	data   uint64 // physical address of that TRB
	last   uint64 // physical address of the TD's last TRB
	length int

	events      int // completion events still expected
	transferred int
	done        chan transferResult
}

type transferResult struct {
	n    int
	code CompletionCode
	err  error
}

// tdSize returns the TD Size field for a fragment: the number of max-packet
// sized packets of the TD still to be sent after this fragment, clipped to
// 31, and 0 for the last fragment.
func tdSize(total, mps, sent, length int, last bool) uint32 {
	if last || mps == 0 {
		return 0
	}
	packets := (total + mps - 1) / mps
	done := (sent + length) / mps
	n := packets - done
	if n < 0 {
		return 0
	}
	return uint32(min(n, trbTDSizeMax))
}

// buildNormalTD returns the Normal TRBs for a bulk or interrupt transfer of
// length bytes at bufPhys, followed by an Event Data TRB carrying cookie.
// Every fragment is chained, the last data fragment sets ENT, and only the
// Event Data TRB interrupts.
func buildNormalTD(bufPhys uint64, length int, mps uint16, cookie uint64) ([]TRB, error) {
	if mps == 0 {
		return nil, fmt.Errorf("%w: max packet size 0", pkg.ErrInvalidParameter)
	}
	if length < 0 {
		return nil, fmt.Errorf("%w: length %d", pkg.ErrInvalidParameter, length)
	}

	var trbs []TRB
	normal := typeBits(TRBNormal) | trbChain
	if length == 0 {
		trbs = append(trbs, TRB{
			Parameter: bufPhys,
			Status:    transferStatus(0, 0),
			Control:   normal | trbENT,
		})
	}
	for sent := 0; sent < length; {
		n := min(length-sent, MaxTRBTransfer)
		// Never let a fragment cross a 64 KiB boundary.
		if rem := MaxTRBTransfer - int((bufPhys+uint64(sent))%MaxTRBTransfer); n > rem {
			n = rem
		}
		last := sent+n == length
		ctrl := normal
		if last {
			ctrl |= trbENT
		}
		trbs = append(trbs, TRB{
			Parameter: bufPhys + uint64(sent),
			Status:    transferStatus(uint32(n), tdSize(length, int(mps), sent, n, last)),
			Control:   ctrl,
		})
		sent += n
	}

	trbs = append(trbs, TRB{
		Parameter: cookie,
		Control:   typeBits(TRBEventData) | trbIOC,
	})
	return trbs, nil
}

// buildControlTD returns the Setup, optional Data and Status stage TRBs for
// setup with its data buffer at bufPhys.
func buildControlTD(setup *hal.SetupPacket, bufPhys uint64) []TRB {
	in := setup.IsIn()
	// TRT names the data stage direction, not the SETUP token, which is
	// always sent host to device. Controllers reject a Setup TRB whose TRT
	// disagrees with the Data stage TRB.
	trt := uint32(trtNoData)
	if setup.Length > 0 {
		trt = trtOut
		if in {
			trt = trtIn
		}
	}

	trbs := []TRB{{
		Parameter: setup.Uint64(),
		Status:    transferStatus(hal.SetupPacketSize, 0),
		Control:   typeBits(TRBSetup) | trbIDT | trt<<trbTRTShift,
	}}

	statusIn := true
	if setup.Length > 0 {
		ctrl := typeBits(TRBData)
		if in {
			ctrl |= trbDirIn | trbIOC
			statusIn = false
		}
		trbs = append(trbs, TRB{
			Parameter: bufPhys,
			Status:    transferStatus(uint32(setup.Length), 0),
			Control:   ctrl,
		})
	}

	status := typeBits(TRBStatus) | trbIOC
	if statusIn {
		status |= trbDirIn
	}
	return append(trbs, TRB{Control: status})
}

// configureSetupStage queues a control transfer on EP0 of dev and rings the
// EP0 doorbell. The Data Stage is only present when the request has a data
// phase.
func (c *Controller) configureSetupStage(dev *Device, setup *hal.SetupPacket, bufPhys uint64) (*pendingTransfer, error) {
	ep := dev.EP0()
	if ep == nil || ep.ring == nil {
		return nil, fmt.Errorf("%w: slot %d has no EP0 ring", pkg.ErrInvalidEndpoint, dev.SlotID)
	}

	trbs := buildControlTD(setup, bufPhys)
	p := &pendingTransfer{
		ep:     ep,
		length: int(setup.Length),
		events: 1,
		done:   make(chan transferResult, 1),
	}
	if setup.Length > 0 && setup.IsIn() {
		p.stage = 1
		p.events = 2
	}
	if err := c.queueTD(dev, ep, p, trbs); err != nil {
		return nil, err
	}
	return p, nil
}

// fillTransferRing queues a bulk or interrupt transfer of length bytes at
// bufPhys on ep and rings the endpoint's doorbell.
func (c *Controller) fillTransferRing(dev *Device, ep *Endpoint, bufPhys uint64, length int) (*pendingTransfer, error) {
	if ep == nil || ep.ring == nil {
		return nil, fmt.Errorf("%w: no transfer ring", pkg.ErrInvalidEndpoint)
	}
	cookie := c.nextCookie.Add(1)
	trbs, err := buildNormalTD(bufPhys, length, ep.MaxPacketSize, cookie)
	if err != nil {
		return nil, err
	}
	p := &pendingTransfer{
		ep:     ep,
		cookie: cookie,
		length: length,
		events: 1,
		done:   make(chan transferResult, 1),
	}
	if err := c.queueTD(dev, ep, p, trbs); err != nil {
		return nil, err
	}
	return p, nil
}

// queueTD writes trbs to the endpoint ring, registers p, flushes once and
// rings the doorbell for the endpoint.
func (c *Controller) queueTD(dev *Device, ep *Endpoint, p *pendingTransfer, trbs []TRB) error {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	c.xferMu.Lock()
	ep.pending = append(ep.pending, p)
	c.xferMu.Unlock()

	slots, err := ep.ring.EnqueueTD(trbs)
	if err != nil {
		c.xferMu.Lock()
		ep.pending = ep.pending[:len(ep.pending)-1]
		c.xferMu.Unlock()
		return err
	}

	c.xferMu.Lock()
	p.last = slots[len(slots)-1].Phys
	if p.stage > 0 {
		p.data = slots[p.stage].Phys
	}
	c.xferMu.Unlock()

	ep.ring.Flush()
	c.regs.ringDoorbell(dev.SlotID, uint32(ep.DCI))

	pkg.LogDebug(pkg.ComponentTransfer, "TD queued",
		"slot", dev.SlotID,
		"dci", ep.DCI,
		"trbs", len(trbs),
		"length", p.length)
	return nil
}

// completeTransfer handles a Transfer Event. TDs on an endpoint complete in
// the order they were queued, so the event belongs to the oldest pending TD.
func (c *Controller) completeTransfer(evt TRB) bool {
	dev := c.device(evt.SlotID())
	if dev == nil {
		return false
	}
	ep := dev.endpoint(int(evt.EndpointID()))
	if ep == nil || ep.ring == nil {
		return false
	}

	code := evt.CompletionCode()
	metricTransfers.WithLabelValues(code.String()).Inc()

	c.xferMu.Lock()
	if len(ep.pending) == 0 {
		c.xferMu.Unlock()
		return false
	}
	p := ep.pending[0]

	if !evt.IsEventData() {
		ep.ring.Retire(evt.Parameter)
	}

	var result *transferResult
	switch {
	case code != CompletionSuccess && code != CompletionShortPacket:
		result = &transferResult{n: p.transferred, code: code, err: transferError(code)}
	case evt.IsEventData():
		if evt.Parameter != p.cookie {
			c.xferMu.Unlock()
			return false
		}
		// Event Data Transfer Length Accumulator.
		p.transferred = int(evt.TransferLength())
		p.events--
	default:
		if p.stage > 0 && evt.Parameter == p.data {
			p.transferred = p.length - int(evt.TransferLength())
		} else if p.stage == 0 && p.cookie == 0 {
			p.transferred = p.length
		}
		p.events--
	}
	if result == nil && p.events == 0 {
		result = &transferResult{n: p.transferred, code: code}
	}
	if result != nil {
		ep.pending = ep.pending[1:]
		ep.ring.Retire(p.last)
	}
	c.xferMu.Unlock()

	if result != nil {
		p.done <- *result
	}
	return true
}

// failPending resolves every TD queued on ep with err.
func (c *Controller) failPending(ep *Endpoint, err error) {
	c.xferMu.Lock()
	pending := ep.pending
	ep.pending = nil
	c.xferMu.Unlock()

	for _, p := range pending {
		p.done <- transferResult{n: p.transferred, err: err}
	}
}

// transferError maps a failing completion code to the shared transfer errors.
func transferError(code CompletionCode) error {
	return fmt.Errorf("%w: %s", code.TransferStatus().Err(), code)
}

// wait blocks until p completes. When ctx is done first, the endpoint is
// stopped and moved past every queued TD.
func (c *Controller) wait(ctx context.Context, dev *Device, p *pendingTransfer) (int, error) {
	select {
	case r := <-p.done:
		if r.code == CompletionStall {
			if err := c.recoverHalted(context.WithoutCancel(ctx), dev, p.ep); err != nil {
				pkg.LogWarn(pkg.ComponentTransfer, "stall recovery failed",
					"slot", dev.SlotID,
					"dci", p.ep.DCI,
					"error", err)
			}
		}
		return r.n, r.err
	case <-ctx.Done():
		c.cancel(context.WithoutCancel(ctx), dev, p.ep)
		return 0, ctx.Err()
	}
}

// recoverHalted clears a halted endpoint: Reset Endpoint, then Set TR
// Dequeue Pointer past any TDs that followed the failed one.
func (c *Controller) recoverHalted(ctx context.Context, dev *Device, ep *Endpoint) error {
	if err := c.ResetEndpoint(ctx, dev.SlotID, ep.DCI); err != nil {
		return err
	}
	return c.skipQueued(ctx, dev, ep)
}

// cancel stops ep and drops every TD queued on it.
func (c *Controller) cancel(ctx context.Context, dev *Device, ep *Endpoint) {
	ep.mu.Lock()
	err := c.updateEndpointTransferRing(ctx, dev.SlotID, ep.DCI, ep.ring)
	if err == nil {
		ep.ring.Discard()
	}
	ep.mu.Unlock()

	c.failPending(ep, pkg.ErrCancelled)
	if err != nil {
		pkg.LogWarn(pkg.ComponentTransfer, "cancel failed",
			"slot", dev.SlotID,
			"dci", ep.DCI,
			"error", err)
	}
}

func (c *Controller) skipQueued(ctx context.Context, dev *Device, ep *Endpoint) error {
	ep.mu.Lock()
	phys, cycle := ep.ring.EnqueuePointer()
	err := c.SetTRDequeuePointer(ctx, dev.SlotID, ep.DCI, phys, cycle)
	if err == nil {
		ep.ring.Discard()
	}
	ep.mu.Unlock()

	c.failPending(ep, pkg.ErrCancelled)
	return err
}

// ReplaceTransferRing gives the endpoint epAddr of addr a new transfer ring
// of n TRBs. TDs still queued on the old ring are cancelled.
func (c *Controller) ReplaceTransferRing(ctx context.Context, addr hal.DeviceAddress, epAddr uint8, n int) error {
	dev, err := c.lookup(addr)
	if err != nil {
		return err
	}
	ep := dev.Endpoint(epAddr)
	if ep == nil {
		return fmt.Errorf("%w: %#02x", pkg.ErrInvalidEndpoint, epAddr)
	}
	ring, err := NewRing(c.alloc, 64, n)
	if err != nil {
		return err
	}

	ep.mu.Lock()
	err = c.updateEndpointTransferRing(ctx, dev.SlotID, ep.DCI, ring)
	if err != nil {
		ep.mu.Unlock()
		ring.Free()
		return err
	}
	old := ep.ring
	ep.ring = ring
	ep.mu.Unlock()

	c.failPending(ep, pkg.ErrCancelled)
	old.Free()
	return nil
}

// bounceAlign returns the alignment for a coherent buffer of n bytes: the
// next power of two, up to 64 KiB, so no TRB buffer crosses a 64 KiB
// boundary.
func bounceAlign(n int) int {
	if n <= 64 {
		return 64
	}
	if n >= MaxTRBTransfer {
		return MaxTRBTransfer
	}
	return 1 << bits.Len(uint(n-1))
}

func (c *Controller) allocBounce(n int) (*dma.Region, error) {
	if n == 0 {
		return nil, nil
	}
	return c.alloc.Alloc(bounceAlign(n), n)
}

func (c *Controller) freeBounce(r *dma.Region) {
	if r != nil {
		c.alloc.Free(r)
	}
}

// ControlTransfer performs a control transfer on EP0 of the device at addr.
func (c *Controller) ControlTransfer(ctx context.Context, addr hal.DeviceAddress, setup *hal.SetupPacket, data []byte) (int, error) {
	if setup == nil {
		return 0, fmt.Errorf("%w: nil setup packet", pkg.ErrInvalidParameter)
	}
	dev, err := c.lookup(addr)
	if err != nil {
		return 0, err
	}
	return c.controlTransfer(ctx, dev, setup, data)
}

func (c *Controller) controlTransfer(ctx context.Context, dev *Device, setup *hal.SetupPacket, data []byte) (int, error) {
	if int(setup.Length) > len(data) {
		return 0, fmt.Errorf("%w: wLength %d, buffer %d",
			pkg.ErrInvalidParameter, setup.Length, len(data))
	}
	pkg.LogDebug(pkg.ComponentTransfer, "control transfer",
		"slot", dev.SlotID,
		"setup", setup.String())
	buf, err := c.allocBounce(int(setup.Length))
	if err != nil {
		return 0, err
	}
	defer c.freeBounce(buf)

	var phys uint64
	if buf != nil {
		phys = buf.Phys()
		if !setup.IsIn() {
			buf.Write(0, data[:setup.Length])
			c.alloc.Flush(phys, buf.Len())
		}
	}

	p, err := c.configureSetupStage(dev, setup, phys)
	if err != nil {
		return 0, err
	}
	n, err := c.wait(ctx, dev, p)
	if err != nil {
		return n, err
	}
	if buf != nil && setup.IsIn() {
		c.alloc.Flush(phys, buf.Len())
		n = buf.Read(0, data[:min(n, int(setup.Length))])
	}
	return n, nil
}

// BulkTransfer performs a bulk transfer on endpoint of the device at addr.
func (c *Controller) BulkTransfer(ctx context.Context, addr hal.DeviceAddress, endpoint uint8, data []byte) (int, error) {
	return c.normalTransfer(ctx, addr, endpoint, hal.TransferBulk, data)
}

// InterruptTransfer performs an interrupt transfer on endpoint of the device
// at addr.
func (c *Controller) InterruptTransfer(ctx context.Context, addr hal.DeviceAddress, endpoint uint8, data []byte) (int, error) {
	return c.normalTransfer(ctx, addr, endpoint, hal.TransferInterrupt, data)
}

func (c *Controller) normalTransfer(ctx context.Context, addr hal.DeviceAddress, endpoint uint8, typ hal.TransferType, data []byte) (int, error) {
	dev, err := c.lookup(addr)
	if err != nil {
		return 0, err
	}
	ep := dev.Endpoint(endpoint)
	if ep == nil || ep.Type != typ || endpoint&0x0f == 0 {
		return 0, fmt.Errorf("%w: %#02x", pkg.ErrInvalidEndpoint, endpoint)
	}

	buf, err := c.allocBounce(len(data))
	if err != nil {
		return 0, err
	}
	defer c.freeBounce(buf)

	var phys uint64
	if buf != nil {
		phys = buf.Phys()
		if !ep.IsIn() {
			buf.Write(0, data)
			c.alloc.Flush(phys, buf.Len())
		}
	}

	p, err := c.fillTransferRing(dev, ep, phys, len(data))
	if err != nil {
		return 0, err
	}
	n, err := c.wait(ctx, dev, p)
	if err != nil {
		return n, err
	}
	if buf != nil && ep.IsIn() {
		c.alloc.Flush(phys, buf.Len())
		n = buf.Read(0, data[:min(n, len(data))])
	}
	return n, nil
}
