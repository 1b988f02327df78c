package sim

import (
	"github.com/ardnew/xhci/host/hal"
	"github.com/ardnew/xhci/host/hal/xhci"
)

const trbDirIn = 1 << 16

// runEndpoint consumes TRBs from ep's ring until it reaches one the driver
// has not handed over, the endpoint halts, or an IN transfer has to wait for
// device data.
func (c *Controller) runEndpoint(s *slot, ep *endpoint) {
	if ep.state == xhci.EndpointStateStopped {
		c.setEndpointState(s, ep, xhci.EndpointStateRunning)
	}
	if ep.state != xhci.EndpointStateRunning {
		return
	}
	defer func() {
		if s.out != nil {
			s.out.Endpoint(ep.dci).SetDequeue(ep.deq, ep.ccs)
		}
	}()

	for {
		trb, ok := c.readTRB(ep.deq)
		if !ok {
			c.sts |= stsHCE
			return
		}
		if trb.Cycle() != ep.ccs {
			return
		}
		if xhci.IsLink(trb) {
			ep.deq = trb.Parameter &^ 0xf
			if trb.Control&trbTC != 0 {
				ep.ccs ^= 1
			}
			continue
		}
		if !c.transfer(s, ep, trb) {
			return
		}
		ep.deq += xhci.TRBSize
	}
}

// transfer executes one transfer TRB. It reports false when the endpoint
// cannot advance past it.
func (c *Controller) transfer(s *slot, ep *endpoint, trb xhci.TRB) bool {
	switch trb.Type() {
	case xhci.TRBSetup:
		ep.resetTD()
		ep.setup = hal.SetupPacketFromUint64(trb.Parameter)
		setup := &ep.setup
		if setup.IsIn() || setup.Length == 0 {
			resp, ok := s.dev.control(setup, nil)
			if !ok {
				return c.halt(s, ep, ep.deq)
			}
			ep.resp = resp
		}
		return true

	case xhci.TRBData:
		length := int(trb.TransferLength())
		buf, ok := c.Resolve(trb.Parameter, length)
		if !ok {
			return c.fail(s, ep, xhci.CompletionDataBuffer)
		}
		if trb.Control&trbDirIn != 0 {
			n := buf.Write(0, ep.resp)
			code := xhci.CompletionSuccess
			if n < length {
				code = xhci.CompletionShortPacket
			}
			if trb.Control&trbIOC != 0 || (code == xhci.CompletionShortPacket && trb.Control&trbISP != 0) {
				c.transferEvent(s, ep, ep.deq, code, uint32(length-n))
			}
			return true
		}
		ep.out = append(ep.out[:0], buf.Bytes()...)
		if trb.Control&trbIOC != 0 {
			c.transferEvent(s, ep, ep.deq, xhci.CompletionSuccess, 0)
		}
		return true

	case xhci.TRBStatus:
		setup := &ep.setup
		if !setup.IsIn() && setup.Length > 0 {
			if _, ok := s.dev.control(setup, ep.out); !ok {
				return c.halt(s, ep, ep.deq)
			}
		}
		if trb.Control&trbIOC != 0 {
			c.transferEvent(s, ep, ep.deq, xhci.CompletionSuccess, 0)
		}
		ep.resetTD()
		return true

	case xhci.TRBNormal:
		length := int(trb.TransferLength())
		in := ep.dci&1 == 1
		if s.dev.stalled(ep.dci) {
			return c.halt(s, ep, ep.deq)
		}
		var n int
		if in {
			if ep.short || length == 0 {
				n = 0
			} else {
				data, ok := s.dev.read(ep.dci, length)
				if !ok {
					if ep.edtla == 0 {
						// NAK: retry when another doorbell arrives.
						return false
					}
					ep.short = true
				}
				buf, ok := c.Resolve(trb.Parameter, length)
				if !ok {
					return c.fail(s, ep, xhci.CompletionDataBuffer)
				}
				n = buf.Write(0, data)
				if n < length {
					ep.short = true
				}
			}
		} else if length > 0 {
			buf, ok := c.Resolve(trb.Parameter, length)
			if !ok {
				return c.fail(s, ep, xhci.CompletionDataBuffer)
			}
			ep.out = append(ep.out, buf.Bytes()...)
			n = length
		}
		ep.edtla += uint32(n)

		if trb.Control&trbIOC != 0 || (ep.short && trb.Control&trbISP != 0) {
			code := xhci.CompletionSuccess
			if ep.short {
				code = xhci.CompletionShortPacket
			}
			c.transferEvent(s, ep, ep.deq, code, uint32(length-n))
		}
		if trb.Control&trbChain == 0 {
			c.endTD(s, ep)
		}
		return true

	case xhci.TRBEventData:
		code := xhci.CompletionSuccess
		if ep.short {
			code = xhci.CompletionShortPacket
		}
		if trb.Control&trbIOC != 0 {
			c.post(xhci.TRB{
				Parameter: trb.Parameter,
				Status:    uint32(code)<<24 | ep.edtla&0xffffff,
				Control: uint32(xhci.TRBTransferEvent)<<10 | trbED |
					uint32(ep.dci)<<16 | uint32(s.id)<<24,
			})
		}
		if trb.Control&trbChain == 0 {
			c.endTD(s, ep)
		}
		return true

	case xhci.TRBNoOp:
		if trb.Control&trbIOC != 0 {
			c.transferEvent(s, ep, ep.deq, xhci.CompletionSuccess, 0)
		}
		return true
	}

	return c.fail(s, ep, xhci.CompletionTRB)
}

// endTD hands accumulated OUT data to the device and clears TD state.
func (c *Controller) endTD(s *slot, ep *endpoint) {
	if ep.dci&1 == 0 && ep.dci > 1 {
		s.dev.write(ep.dci, ep.out)
	}
	ep.resetTD()
}

func (c *Controller) transferEvent(s *slot, ep *endpoint, phys uint64, code xhci.CompletionCode, residual uint32) {
	c.post(xhci.TRB{
		Parameter: phys,
		Status:    uint32(code)<<24 | residual&0xffffff,
		Control:   uint32(xhci.TRBTransferEvent)<<10 | uint32(ep.dci)<<16 | uint32(s.id)<<24,
	})
}

// halt reports a STALL on the TRB at phys and halts the endpoint.
func (c *Controller) halt(s *slot, ep *endpoint, phys uint64) bool {
	c.transferEvent(s, ep, phys, xhci.CompletionStall, 0)
	ep.resetTD()
	c.setEndpointState(s, ep, xhci.EndpointStateHalted)
	return false
}

// fail reports code on the current TRB and halts the endpoint.
func (c *Controller) fail(s *slot, ep *endpoint, code xhci.CompletionCode) bool {
	c.transferEvent(s, ep, ep.deq, code, 0)
	ep.resetTD()
	c.setEndpointState(s, ep, xhci.EndpointStateHalted)
	return false
}
