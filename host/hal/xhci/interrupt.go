package xhci

import (
	"context"
	"fmt"

	"github.com/ardnew/xhci/pkg"
)

// HandleInterrupt services the controller's interrupt line. It checks
// USBSTS for fatal errors, drains the event ring, dispatches each event and
// acknowledges the interrupt. It does not block: fatal recovery is handed to
// the controller's supervisor goroutine.
func (c *Controller) HandleInterrupt() {
	c.intrMu.Lock()
	defer c.intrMu.Unlock()

	if c.State() != StateRunning {
		return
	}
	metricInterrupts.Inc()

	sts := c.regs.readOp(opUSBSts)
	if sts&(stsHSE|stsHCE) != 0 {
		// Acknowledge and mask the interrupter so the line stays quiet
		// until recovery arms it again.
		c.disableInterrupts()
		select {
		case c.fatal <- sts:
		default:
		}
		return
	}

	n := c.drainEvents()
	c.acknowledge()

	pkg.LogDebug(pkg.ComponentEvent, "interrupt serviced",
		"status", fmt.Sprintf("%#x", sts),
		"events", n)
}

// drainEvents consumes every event the controller has posted.
func (c *Controller) drainEvents() int {
	n := 0
	for {
		evt, ok := c.events.Next()
		if !ok {
			return n
		}
		n++
		metricEvents.Inc()
		c.dispatch(evt)
	}
}

// dispatch routes one event to the command tracker, the transfer tracker or
// the port change queues, then to any listeners.
func (c *Controller) dispatch(evt TRB) {
	switch evt.Type() {
	case TRBCommandComplete:
		metricCompletions.WithLabelValues(evt.CompletionCode().String()).Inc()
		c.cmdRing.Retire(evt.Parameter)
		if !c.commands.complete(evt) {
			metricUnmatched.Inc()
			pkg.LogDebug(pkg.ComponentEvent, "unmatched command completion",
				"trb", fmt.Sprintf("%#x", evt.Parameter),
				"code", evt.CompletionCode().String())
		}

	case TRBTransferEvent:
		if !c.completeTransfer(evt) {
			metricUnmatched.Inc()
			pkg.LogDebug(pkg.ComponentEvent, "unmatched transfer event",
				"slot", evt.SlotID(),
				"dci", evt.EndpointID(),
				"code", evt.CompletionCode().String())
		}

	case TRBPortStatusChange:
		c.portChanged(int(evt.Parameter >> 24 & 0xff))

	case TRBHostController:
		pkg.LogDebug(pkg.ComponentEvent, "host controller event",
			"code", evt.CompletionCode().String())

	default:
		pkg.LogDebug(pkg.ComponentEvent, "ignored event", "trb", evt.String())
	}

	c.listenMu.RLock()
	for _, fn := range c.listeners {
		fn(evt)
	}
	c.listenMu.RUnlock()
}

// acknowledge clears IMAN.IP (keeping IE set), clears USBSTS.EINT and
// writes back the dequeue pointer with EHB to release the event handler.
func (c *Controller) acknowledge() {
	c.regs.writeIR(irIMAN, imanIP|imanIE)
	c.regs.writeOp(opUSBSts, stsEINT)
	c.regs.write64(c.regs.ir0+irERDP, c.events.DequeuePointer()|erdpEHB)
}

// enableInterrupts arms interrupter 0, then the controller-wide interrupt
// enable.
func (c *Controller) enableInterrupts() {
	c.regs.writeIR(irIMAN, c.regs.readIR(irIMAN)|imanIE)
	c.regs.writeOp(opUSBCmd, c.regs.readOp(opUSBCmd)|cmdINTE)
}

func (c *Controller) disableInterrupts() {
	c.regs.writeOp(opUSBCmd, c.regs.readOp(opUSBCmd)&^cmdINTE)
	c.regs.writeIR(irIMAN, imanIP)
}

// OnEvent registers fn to be called for every event drained from the event
// ring, after internal dispatch. fn runs on the interrupt path and must not
// block.
func (c *Controller) OnEvent(fn func(TRB)) {
	c.listenMu.Lock()
	c.listeners = append(c.listeners, fn)
	c.listenMu.Unlock()
}

// portChanged clears the change bits of port and queues a connect or
// disconnect notification. Port Reset Change is left for ResetPort, which
// polls for it.
func (c *Controller) portChanged(port int) {
	if port < 1 || port > int(c.caps.maxPorts) {
		return
	}
	off := portSC(port)
	v := c.regs.readOp(off)
	c.regs.writeOp(off, portPreserve(v)|v&(portChangeMsk&^portPRC))

	if v&portCSC == 0 {
		return
	}
	ch := c.disconnects
	if v&portCCS != 0 {
		ch = c.connects
	}
	select {
	case ch <- port:
	default:
		pkg.LogWarn(pkg.ComponentEvent, "port change dropped", "port", port)
	}
}

// supervise runs fatal-error recovery outside interrupt context until ctx
// is done.
func (c *Controller) supervise(ctx context.Context) {
	defer close(c.supervised)
	for {
		select {
		case <-ctx.Done():
			return
		case sts := <-c.fatal:
			if !c.recoverFatal(ctx, sts) {
				return
			}
		}
	}
}

// recoverFatal fails every outstanding request, resets the controller and
// starts it again. Device slots do not survive the reset; their memory is
// released on Close, since callers may still hold their endpoints. It reports
// whether the controller is running again.
func (c *Controller) recoverFatal(ctx context.Context, sts uint32) bool {
	metricFatal.Inc()
	pkg.LogError(pkg.ComponentController, "controller fatal error",
		"status", fmt.Sprintf("%#x", sts),
		"hse", sts&stsHSE != 0,
		"hce", sts&stsHCE != 0)

	c.cmdMu.Lock()
	defer c.cmdMu.Unlock()
	c.intrMu.Lock()
	defer c.intrMu.Unlock()

	failed := c.commands.failAll(pkg.ErrControllerFatal)
	c.devMu.Lock()
	for slot, dev := range c.devices {
		if dev == nil {
			continue
		}
		for _, ep := range dev.endpoints {
			if ep != nil {
				c.failPending(ep, pkg.ErrControllerFatal)
			}
		}
		c.orphans = append(c.orphans, dev)
		c.devices[slot] = nil
	}
	clear(c.byAddr)
	c.devMu.Unlock()

	err := c.reset(ctx)
	if err == nil {
		err = c.run(ctx)
	}
	if err != nil {
		c.setState(StateStopped)
		metricRunning.Set(0)
		pkg.LogError(pkg.ComponentController, "fatal recovery failed", "error", err)
		return false
	}
	pkg.LogInfo(pkg.ComponentController, "controller recovered",
		"failedCommands", failed)
	return true
}
