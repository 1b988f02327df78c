package sim

import (
	"bytes"
	"errors"
	"testing"

	"github.com/ardnew/xhci/host/hal"
	"github.com/ardnew/xhci/host/hal/xhci"
	"github.com/ardnew/xhci/pkg"
)

// =============================================================================
// Controller Model Tests
// =============================================================================

func TestNew_InvalidConfig(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"context size", Config{ContextSize: 48}},
		{"too many ports", Config{Ports: 300}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.cfg); !errors.Is(err, pkg.ErrInvalidParameter) {
				t.Errorf("New error = %v, want ErrInvalidParameter", err)
			}
		})
	}
}

func TestController_PowerOnState(t *testing.T) {
	c, err := New(Config{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Close()

	if got := c.Read32(regUSBSts); got&stsHalted == 0 {
		t.Errorf("USBSTS = %#x, want halted", got)
	}
	caps := c.Read32(0x04)
	if slots, ports := caps&0xff, caps>>24; slots != 8 || ports != 2 {
		t.Errorf("HCSPARAMS1 slots=%d ports=%d, want 8 2", slots, ports)
	}
	if got := c.Read32(regPortBase); got&portPP == 0 || got&portCCS != 0 {
		t.Errorf("PORTSC = %#x, want powered and empty", got)
	}
}

func TestController_AttachDetach(t *testing.T) {
	c, err := New(Config{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Close()

	if err := c.Attach(0, NewDevice(hal.SpeedHigh)); !errors.Is(err, pkg.ErrInvalidParameter) {
		t.Errorf("Attach(0) error = %v, want ErrInvalidParameter", err)
	}
	if err := c.Attach(2, NewDevice(hal.SpeedHigh)); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	sc := c.Read32(regPortBase + 0x10)
	if sc&portCCS == 0 || sc&portCSC == 0 {
		t.Errorf("PORTSC after attach = %#x, want CCS|CSC", sc)
	}
	if speed := sc >> portSpeed & 0xf; speed != 3 {
		t.Errorf("port speed id = %d, want 3", speed)
	}

	// CSC is write-1-to-clear.
	c.Write32(regPortBase+0x10, portCSC)
	if sc := c.Read32(regPortBase + 0x10); sc&portCSC != 0 {
		t.Errorf("PORTSC after clear = %#x", sc)
	}

	if err := c.Detach(2); err != nil {
		t.Fatalf("Detach: %v", err)
	}
	if sc := c.Read32(regPortBase + 0x10); sc&portCCS != 0 || sc&portCSC == 0 {
		t.Errorf("PORTSC after detach = %#x", sc)
	}
}

func TestController_Reset(t *testing.T) {
	c, err := New(Config{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Close()

	c.Attach(1, NewDevice(hal.SpeedFull))
	c.Write32(regPortBase, portPR)
	if sc := c.Read32(regPortBase); sc&portPED == 0 {
		t.Fatalf("PORTSC after port reset = %#x, want enabled", sc)
	}

	c.Write32(regUSBCmd, cmdReset)
	if got := c.Read32(regUSBCmd); got&cmdReset != 0 {
		t.Errorf("USBCMD = %#x, reset did not complete", got)
	}
	sc := c.Read32(regPortBase)
	if sc&portPED != 0 || sc&portCCS == 0 {
		t.Errorf("PORTSC after controller reset = %#x, want connected and disabled", sc)
	}
}

// =============================================================================
// Device Model Tests
// =============================================================================

func TestDevice_Descriptors(t *testing.T) {
	tests := []struct {
		speed hal.Speed
		mps0  uint8
		bcd   uint16
		bulk  uint16
	}{
		{hal.SpeedLow, 8, 0x0200, 8},
		{hal.SpeedFull, 64, 0x0200, 64},
		{hal.SpeedHigh, 64, 0x0200, 512},
		{hal.SpeedSuper, 9, 0x0320, 1024},
	}
	for _, tt := range tests {
		t.Run(tt.speed.String(), func(t *testing.T) {
			d := NewDevice(tt.speed)
			resp, ok := d.control(&hal.SetupPacket{
				RequestType: 0x80, Request: reqGetDescriptor, Value: descDevice << 8, Length: 64,
			}, nil)
			if !ok || len(resp) != 18 {
				t.Fatalf("device descriptor = %d bytes, ok=%v", len(resp), ok)
			}
			if resp[7] != tt.mps0 {
				t.Errorf("bMaxPacketSize0 = %d, want %d", resp[7], tt.mps0)
			}
			if bcd := uint16(resp[2]) | uint16(resp[3])<<8; bcd != tt.bcd {
				t.Errorf("bcdUSB = %#04x, want %#04x", bcd, tt.bcd)
			}

			cfg, ok := d.control(&hal.SetupPacket{
				RequestType: 0x80, Request: reqGetDescriptor, Value: descConfig << 8, Length: 255,
			}, nil)
			if !ok {
				t.Fatal("configuration descriptor stalled")
			}
			if total := int(cfg[2]) | int(cfg[3])<<8; total != len(cfg) || total != 9+9+3*7 {
				t.Errorf("wTotalLength = %d, len %d", total, len(cfg))
			}
			// First endpoint descriptor follows the configuration and
			// interface descriptors.
			ep := cfg[18:25]
			if ep[2] != 0x81 || uint16(ep[4])|uint16(ep[5])<<8 != tt.bulk {
				t.Errorf("endpoint descriptor = % x", ep)
			}
		})
	}
}

func TestDevice_ControlRequests(t *testing.T) {
	d := NewDevice(hal.SpeedHigh)

	// Responses are clipped to wLength.
	resp, ok := d.control(&hal.SetupPacket{
		RequestType: 0x80, Request: reqGetDescriptor, Value: descDevice << 8, Length: 8,
	}, nil)
	if !ok || len(resp) != 8 {
		t.Errorf("clipped descriptor = %d bytes, ok=%v", len(resp), ok)
	}

	if _, ok := d.control(&hal.SetupPacket{RequestType: 0x00, Request: reqSetConfiguration, Value: 2}, nil); !ok {
		t.Fatal("SET_CONFIGURATION stalled")
	}
	if d.Configuration() != 2 {
		t.Errorf("Configuration() = %d, want 2", d.Configuration())
	}

	// The controller assigns the address; a SET_ADDRESS request stalls.
	if _, ok := d.control(&hal.SetupPacket{RequestType: 0x00, Request: reqSetAddress, Value: 5}, nil); ok {
		t.Error("SET_ADDRESS did not stall")
	}

	payload := []byte{1, 2, 3}
	d.control(&hal.SetupPacket{RequestType: 0x40, Request: ReqVendorStore, Length: 3}, payload)
	resp, ok = d.control(&hal.SetupPacket{RequestType: 0xc0, Request: ReqVendorLoad, Length: 16}, nil)
	if !ok || !bytes.Equal(resp, payload) {
		t.Errorf("vendor load = % x, ok=%v", resp, ok)
	}
}

func TestDevice_StallAndClear(t *testing.T) {
	d := NewDevice(hal.SpeedHigh)
	d.Stall(0x81)
	if !d.stalled(xhci.DCI(0x81)) {
		t.Fatal("endpoint 0x81 not stalled")
	}
	if d.stalled(xhci.DCI(0x01)) {
		t.Error("endpoint 0x01 stalled")
	}
	_, ok := d.control(&hal.SetupPacket{
		RequestType: 0x02, Request: reqClearFeature, Value: featureEndpointHalt, Index: 0x81,
	}, nil)
	if !ok || d.stalled(xhci.DCI(0x81)) {
		t.Error("CLEAR_FEATURE(ENDPOINT_HALT) did not clear the stall")
	}
}

func TestDevice_Loopback(t *testing.T) {
	d := NewDevice(hal.SpeedHigh)
	d.write(xhci.DCI(0x01), []byte("hello"))
	d.Queue(0x81, []byte("!"))

	got, ok := d.read(xhci.DCI(0x81), 3)
	if !ok || string(got) != "hel" {
		t.Fatalf("read(3) = %q, %v", got, ok)
	}
	got, _ = d.read(xhci.DCI(0x81), 64)
	if string(got) != "lo" {
		t.Errorf("read remainder = %q, want \"lo\"", got)
	}
	got, _ = d.read(xhci.DCI(0x81), 64)
	if string(got) != "!" {
		t.Errorf("read queued = %q, want \"!\"", got)
	}
	if _, ok := d.read(xhci.DCI(0x81), 64); ok {
		t.Error("read from empty queue succeeded")
	}
}
