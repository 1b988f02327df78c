package xhci

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ardnew/xhci/pkg"
)

// Command is a command TRB before it is placed on the command ring.
type Command struct {
	Type       TRBType
	SlotID     uint8
	EndpointID uint8  // DCI, for endpoint commands
	Parameter  uint64 // input context, new dequeue pointer, or 0
	Flags      uint32 // BSR, DC, ...
}

// trb encodes the command. The cycle bit is applied by the ring.
func (c Command) trb() TRB {
	return TRB{
		Parameter: c.Parameter,
		Control: typeBits(c.Type) |
			uint32(c.SlotID)<<trbSlotShift |
			uint32(c.EndpointID&trbEPMask)<<trbEPShift |
			c.Flags,
	}
}

// CommandCompletion is the outcome of a command as reported by its Command
// Completion Event.
type CommandCompletion struct {
	Code   CompletionCode
	SlotID uint8
	TRB    uint64 // physical address of the command TRB
	Event  TRB
}

// CompletionError reports a command that completed with a code other than
// Success.
type CompletionError struct {
	Type   TRBType
	Code   CompletionCode
	SlotID uint8
}

func (e *CompletionError) Error() string {
	return fmt.Sprintf("%s: %s (slot %d)", e.Type, e.Code, e.SlotID)
}

// Is matches pkg.ErrCommandFailed.
func (e *CompletionError) Is(target error) bool {
	return target == pkg.ErrCommandFailed
}

// PendingCommand is a command that has been issued and not yet waited on.
type PendingCommand struct {
	Type TRBType
	TRB  uint64

	done    chan CommandCompletion
	fail    chan error
	tracker *commandTracker
	timeout time.Duration
}

// Wait blocks until the command completes, ctx is done, or the command
// timeout elapses. A completion code other than Success is returned as a
// *CompletionError along with the completion.
func (p *PendingCommand) Wait(ctx context.Context) (CommandCompletion, error) {
	timer := time.NewTimer(p.timeout)
	defer timer.Stop()

	select {
	case c := <-p.done:
		if c.Code != CompletionSuccess {
			return c, &CompletionError{Type: p.Type, Code: c.Code, SlotID: c.SlotID}
		}
		return c, nil
	case err := <-p.fail:
		return CommandCompletion{}, err
	case <-timer.C:
		p.tracker.forget(p.TRB)
		pkg.LogWarn(pkg.ComponentCommand, "command timed out",
			"type", p.Type.String(),
			"trb", fmt.Sprintf("%#x", p.TRB))
		return CommandCompletion{}, fmt.Errorf("%w: %s", pkg.ErrCommandTimeout, p.Type)
	case <-ctx.Done():
		p.tracker.forget(p.TRB)
		return CommandCompletion{}, ctx.Err()
	}
}

// commandTracker correlates Command Completion Events with outstanding
// commands by command TRB address.
type commandTracker struct {
	mu      sync.Mutex
	pending map[uint64]*PendingCommand
}

func newCommandTracker() *commandTracker {
	return &commandTracker{pending: make(map[uint64]*PendingCommand)}
}

// add registers a command at phys. It must be called before the command is
// visible to the controller.
func (t *commandTracker) add(phys uint64, typ TRBType, timeout time.Duration) *PendingCommand {
	p := &PendingCommand{
		Type:    typ,
		TRB:     phys,
		done:    make(chan CommandCompletion, 1),
		fail:    make(chan error, 1),
		tracker: t,
		timeout: timeout,
	}
	t.mu.Lock()
	t.pending[phys] = p
	t.mu.Unlock()
	return p
}

func (t *commandTracker) forget(phys uint64) {
	t.mu.Lock()
	delete(t.pending, phys)
	t.mu.Unlock()
}

// complete resolves the command addressed by evt. It reports false for an
// event that matches no outstanding command.
func (t *commandTracker) complete(evt TRB) bool {
	t.mu.Lock()
	p, ok := t.pending[evt.Parameter]
	if ok {
		delete(t.pending, evt.Parameter)
	}
	t.mu.Unlock()
	if !ok {
		return false
	}
	p.done <- CommandCompletion{
		Code:   evt.CompletionCode(),
		SlotID: evt.SlotID(),
		TRB:    evt.Parameter,
		Event:  evt,
	}
	return true
}

// failAll resolves every outstanding command with err.
func (t *commandTracker) failAll(err error) int {
	t.mu.Lock()
	pending := t.pending
	t.pending = make(map[uint64]*PendingCommand)
	t.mu.Unlock()

	for _, p := range pending {
		p.fail <- err
	}
	return len(pending)
}

// outstanding returns the number of commands awaiting completion.
func (t *commandTracker) outstanding() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// IssueCommand places cmd on the command ring and rings doorbell 0. It never
// waits for completion; use the returned PendingCommand for that.
func (c *Controller) IssueCommand(cmd Command) (*PendingCommand, error) {
	if s := c.State(); s != StateRunning {
		return nil, fmt.Errorf("%w: controller %s", pkg.ErrNotRunning, s)
	}

	c.cmdMu.Lock()
	defer c.cmdMu.Unlock()

	slot, err := c.cmdRing.Reserve()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", cmd.Type, err)
	}
	p := c.commands.add(slot.Phys, cmd.Type, c.cfg.CommandTimeout)
	c.cmdRing.Write(slot, cmd.trb())
	c.cmdRing.Flush()
	c.regs.ringDoorbell(0, 0)

	metricCommands.WithLabelValues(cmd.Type.String()).Inc()
	pkg.LogDebug(pkg.ComponentCommand, "command issued",
		"type", cmd.Type.String(),
		"slot", cmd.SlotID,
		"trb", fmt.Sprintf("%#x", slot.Phys))
	return p, nil
}

// execute issues cmd and waits for its completion.
func (c *Controller) execute(ctx context.Context, cmd Command) (CommandCompletion, error) {
	p, err := c.IssueCommand(cmd)
	if err != nil {
		return CommandCompletion{}, err
	}
	return p.Wait(ctx)
}

// NoOp runs a No Op command, which exercises the command ring and event
// ring round trip.
func (c *Controller) NoOp(ctx context.Context) error {
	_, err := c.execute(ctx, Command{Type: TRBNoOpCommand})
	return err
}

// EnableSlot obtains a device slot from the controller.
func (c *Controller) EnableSlot(ctx context.Context) (uint8, error) {
	comp, err := c.execute(ctx, Command{Type: TRBEnableSlot})
	if err != nil {
		return 0, err
	}
	if comp.SlotID == 0 || comp.SlotID > c.maxSlots {
		return 0, fmt.Errorf("%w: controller returned slot %d", pkg.ErrInvalidSlot, comp.SlotID)
	}
	return comp.SlotID, nil
}

// DisableSlot releases slot.
func (c *Controller) DisableSlot(ctx context.Context, slot uint8) error {
	if err := c.checkSlot(slot); err != nil {
		return err
	}
	_, err := c.execute(ctx, Command{Type: TRBDisableSlot, SlotID: slot})
	return err
}

// AddressDeviceCommand issues Address Device for slot with input context in.
// With bsr set the controller enables the slot without sending SET_ADDRESS.
func (c *Controller) AddressDeviceCommand(ctx context.Context, slot uint8, in *DeviceContext, bsr bool) error {
	if err := c.checkSlot(slot); err != nil {
		return err
	}
	cmd := Command{Type: TRBAddressDevice, SlotID: slot, Parameter: in.Phys()}
	if bsr {
		cmd.Flags |= trbBSR
	}
	c.alloc.Flush(in.Phys(), in.Region().Len())
	_, err := c.execute(ctx, cmd)
	return err
}

// ConfigureEndpoint issues Configure Endpoint for slot. With deconfigure set
// every endpoint except EP0 is disabled and in is ignored.
func (c *Controller) ConfigureEndpoint(ctx context.Context, slot uint8, in *DeviceContext, deconfigure bool) error {
	if err := c.checkSlot(slot); err != nil {
		return err
	}
	cmd := Command{Type: TRBConfigureEP, SlotID: slot}
	if deconfigure {
		cmd.Flags |= trbDC
	} else {
		cmd.Parameter = in.Phys()
		c.alloc.Flush(in.Phys(), in.Region().Len())
	}
	_, err := c.execute(ctx, cmd)
	return err
}

// EvaluateContext issues Evaluate Context for slot.
func (c *Controller) EvaluateContext(ctx context.Context, slot uint8, in *DeviceContext) error {
	if err := c.checkSlot(slot); err != nil {
		return err
	}
	c.alloc.Flush(in.Phys(), in.Region().Len())
	_, err := c.execute(ctx, Command{Type: TRBEvaluateContext, SlotID: slot, Parameter: in.Phys()})
	return err
}

// StopEndpoint stops the endpoint at dci.
func (c *Controller) StopEndpoint(ctx context.Context, slot uint8, dci int) error {
	if err := c.checkSlot(slot); err != nil {
		return err
	}
	_, err := c.execute(ctx, Command{Type: TRBStopEP, SlotID: slot, EndpointID: uint8(dci)})
	return err
}

// ResetEndpoint clears the halted state of the endpoint at dci.
func (c *Controller) ResetEndpoint(ctx context.Context, slot uint8, dci int) error {
	if err := c.checkSlot(slot); err != nil {
		return err
	}
	_, err := c.execute(ctx, Command{Type: TRBResetEP, SlotID: slot, EndpointID: uint8(dci)})
	return err
}

// SetTRDequeuePointer moves the endpoint's dequeue pointer to phys with the
// given dequeue cycle state. The endpoint must be stopped or halted.
func (c *Controller) SetTRDequeuePointer(ctx context.Context, slot uint8, dci int, phys uint64, cycle uint32) error {
	if err := c.checkSlot(slot); err != nil {
		return err
	}
	if phys&0xf != 0 {
		return fmt.Errorf("%w: dequeue pointer %#x", pkg.ErrAlignment, phys)
	}
	_, err := c.execute(ctx, Command{
		Type:       TRBSetTRDequeue,
		SlotID:     slot,
		EndpointID: uint8(dci),
		Parameter:  phys | uint64(cycle&1),
	})
	return err
}

// updateEndpointTransferRing points the endpoint at ring: it stops the
// endpoint, waits, then issues Set TR Dequeue Pointer to the ring's enqueue
// position. An endpoint that is already stopped or halted is accepted.
func (c *Controller) updateEndpointTransferRing(ctx context.Context, slot uint8, dci int, ring *Ring) error {
	err := c.StopEndpoint(ctx, slot, dci)
	var ce *CompletionError
	if err != nil && !(errors.As(err, &ce) && ce.Code == CompletionContextState) {
		return fmt.Errorf("stop endpoint %d: %w", dci, err)
	}
	phys, cycle := ring.EnqueuePointer()
	if err := c.SetTRDequeuePointer(ctx, slot, dci, phys, cycle); err != nil {
		return fmt.Errorf("set dequeue endpoint %d: %w", dci, err)
	}
	return nil
}

func (c *Controller) checkSlot(slot uint8) error {
	if slot == 0 || slot > c.maxSlots {
		return fmt.Errorf("%w: %d", pkg.ErrInvalidSlot, slot)
	}
	return nil
}
