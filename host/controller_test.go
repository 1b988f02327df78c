package host

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/ardnew/xhci/host/hal"
	"github.com/ardnew/xhci/host/hal/xhci"
	"github.com/ardnew/xhci/host/hal/xhci/sim"
)

// startSim returns a started host over the xHCI engine driving a model with
// a device already attached to port 1.
func startSim(t *testing.T, speed hal.Speed) (*sim.Controller, *sim.Device, *Host) {
	t.Helper()
	model, err := sim.New(sim.DefaultConfig())
	if err != nil {
		t.Fatalf("sim.New: %v", err)
	}
	t.Cleanup(func() { model.Close() })

	simDev := sim.NewDevice(speed)
	if err := model.Attach(1, simDev); err != nil {
		t.Fatalf("Attach: %v", err)
	}

	cfg := xhci.DefaultConfig()
	cfg.CommandTimeout = 2 * time.Second
	h := New(xhci.New(model, model, model, cfg))
	if err := h.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { h.Close() })
	return model, simDev, h
}

// =============================================================================
// Controller Tests
// =============================================================================

func TestHost_EnumeratesOverController(t *testing.T) {
	tests := []struct {
		name  string
		speed hal.Speed
	}{
		{"high speed", hal.SpeedHigh},
		{"super speed", hal.SpeedSuper},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, simDev, h := startSim(t, tt.speed)

			dev, err := h.WaitDevice(testContext(t))
			if err != nil {
				t.Fatalf("WaitDevice: %v", err)
			}
			if got := simDev.Address(); got != uint8(dev.Address()) {
				t.Errorf("device saw address %d, host has %d", got, dev.Address())
			}
			if dev.VendorID() != simDev.VendorID || dev.ProductID() != simDev.ProductID {
				t.Errorf("vid:pid = %04x:%04x", dev.VendorID(), dev.ProductID())
			}
			if dev.Speed() != tt.speed {
				t.Errorf("speed = %s, want %s", dev.Speed(), tt.speed)
			}
			if got := simDev.Configuration(); got != 1 {
				t.Errorf("device configuration = %d, want 1", got)
			}
			if got := len(dev.Endpoints()); got != len(simDev.Endpoints) {
				t.Errorf("Endpoints() = %d, want %d", got, len(simDev.Endpoints))
			}
			status, err := dev.GetStatus(testContext(t))
			if err != nil || status != 0 {
				t.Errorf("GetStatus() = %#x, %v", status, err)
			}
		})
	}
}

func TestPipe_Loopback(t *testing.T) {
	_, _, h := startSim(t, hal.SpeedHigh)
	ctx := testContext(t)
	dev, err := h.WaitDevice(ctx)
	if err != nil {
		t.Fatalf("WaitDevice: %v", err)
	}

	pipe, err := NewPipe(dev, 0x81, 0x01)
	if err != nil {
		t.Fatalf("NewPipe: %v", err)
	}
	msg := []byte("enumerated over xhci")
	if n, err := pipe.Write(ctx, msg); err != nil || n != len(msg) {
		t.Fatalf("Write = %d, %v", n, err)
	}

	var got []byte
	chunk := make([]byte, 3)
	for len(got) < len(msg) {
		n, err := pipe.Read(ctx, chunk)
		if err != nil {
			t.Fatalf("Read after %d bytes: %v", len(got), err)
		}
		got = append(got, chunk[:n]...)
	}
	if !bytes.Equal(got, msg) {
		t.Errorf("read %q, want %q", got, msg)
	}
	if pipe.Buffered() != 0 {
		t.Errorf("Buffered() = %d after draining", pipe.Buffered())
	}
}

func TestNewPipe_InvalidEndpoints(t *testing.T) {
	_, _, h := startSim(t, hal.SpeedHigh)
	dev, err := h.WaitDevice(testContext(t))
	if err != nil {
		t.Fatalf("WaitDevice: %v", err)
	}

	tests := []struct {
		name    string
		in, out uint8
	}{
		{"swapped", 0x01, 0x81},
		{"interrupt IN", 0x82, 0x01},
		{"missing", 0x85, 0x05},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewPipe(dev, tt.in, tt.out); err == nil {
				t.Errorf("NewPipe(%#02x, %#02x) succeeded", tt.in, tt.out)
			}
		})
	}
}

func TestHost_ControllerHotplug(t *testing.T) {
	model, _, h := startSim(t, hal.SpeedHigh)
	ctx := testContext(t)
	first, err := h.WaitDevice(ctx)
	if err != nil {
		t.Fatalf("WaitDevice: %v", err)
	}

	if err := model.Detach(1); err != nil {
		t.Fatalf("Detach: %v", err)
	}
	gone, err := h.WaitDisconnect(ctx)
	if err != nil {
		t.Fatalf("WaitDisconnect: %v", err)
	}
	if gone != first || first.State() != DeviceStateDetached {
		t.Errorf("disconnected device %p in state %s, want %p detached", gone, first.State(), first)
	}

	second := sim.NewDevice(hal.SpeedSuper)
	if err := model.Attach(2, second); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	dev, err := h.WaitDevice(ctx)
	if err != nil {
		t.Fatalf("WaitDevice after attach: %v", err)
	}
	if dev.Port() != 2 || second.Configuration() != 1 {
		t.Errorf("device on port %d, configuration %d", dev.Port(), second.Configuration())
	}
	if n := len(h.Devices()); n != 1 {
		t.Errorf("Devices() = %d, want 1", n)
	}
}
