package xhci

import (
	"context"
	"fmt"

	"github.com/ardnew/xhci/host/hal"
	"github.com/ardnew/xhci/pkg"
)

// NumPorts returns the number of root hub ports.
func (c *Controller) NumPorts() int {
	return int(c.caps.maxPorts)
}

func (c *Controller) checkPort(port int) error {
	if c.State() == StateUninitialized || c.State() == StateClosed {
		return fmt.Errorf("%w: controller %s", pkg.ErrInvalidState, c.State())
	}
	if port < 1 || port > int(c.caps.maxPorts) {
		return fmt.Errorf("%w: port %d", pkg.ErrInvalidParameter, port)
	}
	return nil
}

// GetPortStatus decodes PORTSC of port (1-indexed).
func (c *Controller) GetPortStatus(port int) (hal.PortStatus, error) {
	if err := c.checkPort(port); err != nil {
		return hal.PortStatus{}, err
	}
	v := c.regs.readOp(portSC(port))
	return hal.PortStatus{
		Connected:     v&portCCS != 0,
		Enabled:       v&portPED != 0,
		OverCurrent:   v&portOCA != 0,
		Reset:         v&portPR != 0,
		PowerOn:       v&portPP != 0,
		Speed:         speedFromID((v & portSpeedMask) >> 10),
		ConnectChange: v&portCSC != 0,
		EnableChange:  v&portPEC != 0,
		ResetChange:   v&portPRC != 0,
	}, nil
}

// PortSpeed returns the speed of the device on port, or SpeedUnknown.
func (c *Controller) PortSpeed(port int) hal.Speed {
	st, err := c.GetPortStatus(port)
	if err != nil || !st.Connected {
		return hal.SpeedUnknown
	}
	return st.Speed
}

// ResetPort resets port and waits for Port Reset Change.
func (c *Controller) ResetPort(port int) error {
	if err := c.checkPort(port); err != nil {
		return err
	}
	off := portSC(port)
	v := c.regs.readOp(off)
	if v&portCCS == 0 {
		return fmt.Errorf("%w: port %d", pkg.ErrNoDevice, port)
	}
	c.regs.writeOp(off, portPreserve(v)|portPR)

	if err := c.waitFor(context.Background(), off, portPRC, portPRC); err != nil {
		return fmt.Errorf("port %d reset: %w", port, err)
	}
	v = c.regs.readOp(off)
	c.regs.writeOp(off, portPreserve(v)|portPRC)

	pkg.LogDebug(pkg.ComponentController, "port reset",
		"port", port,
		"enabled", v&portPED != 0,
		"speed", speedFromID((v&portSpeedMask)>>10).String())
	if v&portPED == 0 {
		return fmt.Errorf("%w: port %d not enabled after reset", pkg.ErrProtocol, port)
	}
	return nil
}

// WaitForConnection blocks until a port reports a connect status change to
// connected.
func (c *Controller) WaitForConnection(ctx context.Context) (int, error) {
	select {
	case port := <-c.connects:
		return port, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// WaitForDisconnection blocks until a port reports a disconnect.
func (c *Controller) WaitForDisconnection(ctx context.Context) (int, error) {
	select {
	case port := <-c.disconnects:
		return port, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}
