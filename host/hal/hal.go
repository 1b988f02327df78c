package hal

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/ardnew/xhci/pkg"
)

// Speed is the signalling rate a root hub port negotiated with its device.
type Speed uint8

// Device speeds.
const (
	SpeedUnknown Speed = iota
	SpeedLow           // 1.5 Mbit/s
	SpeedFull          // 12 Mbit/s
	SpeedHigh          // 480 Mbit/s
	SpeedSuper         // 5 Gbit/s
)

var speedNames = [...]string{
	SpeedUnknown: "Unknown",
	SpeedLow:     "Low Speed",
	SpeedFull:    "Full Speed",
	SpeedHigh:    "High Speed",
	SpeedSuper:   "SuperSpeed",
}

func (s Speed) String() string {
	if int(s) >= len(speedNames) {
		return speedNames[SpeedUnknown]
	}
	return speedNames[s]
}

// PortStatus is a decoded root hub port status register. The change flags
// stay set until the port's change bits are acknowledged.
type PortStatus struct {
	Connected   bool
	Enabled     bool
	OverCurrent bool
	Reset       bool // reset in progress
	PowerOn     bool
	Speed       Speed

	ConnectChange bool
	EnableChange  bool
	ResetChange   bool
}

// Standard request codes.
const (
	RequestGetStatus        = 0x00
	RequestClearFeature     = 0x01
	RequestSetFeature       = 0x03
	RequestSetAddress       = 0x05
	RequestGetDescriptor    = 0x06
	RequestGetConfiguration = 0x08
	RequestSetConfiguration = 0x09
)

// Descriptor types.
const (
	DescriptorDevice        = 0x01
	DescriptorConfiguration = 0x02
	DescriptorString        = 0x03
	DescriptorInterface     = 0x04
	DescriptorEndpoint      = 0x05
)

// FeatureEndpointHalt is the feature selector that clears a stalled endpoint.
const FeatureEndpointHalt = 0x00

// SetupPacketSize is the length of a SETUP packet on the wire.
const SetupPacketSize = 8

// SetupPacket is the 8-byte request that opens every control transfer.
type SetupPacket struct {
	RequestType uint8
	Request     uint8
	Value       uint16
	Index       uint16
	Length      uint16
}

// DescriptorRequest returns a standard device GET_DESCRIPTOR request.
func DescriptorRequest(typ, index uint8, length uint16) *SetupPacket {
	return &SetupPacket{
		RequestType: 0x80,
		Request:     RequestGetDescriptor,
		Value:       uint16(typ)<<8 | uint16(index),
		Length:      length,
	}
}

// SetupPacketFromUint64 decodes a setup packet carried as immediate data.
func SetupPacketFromUint64(v uint64) SetupPacket {
	var b [SetupPacketSize]byte
	binary.LittleEndian.PutUint64(b[:], v)
	return SetupPacket{
		RequestType: b[0],
		Request:     b[1],
		Value:       binary.LittleEndian.Uint16(b[2:]),
		Index:       binary.LittleEndian.Uint16(b[4:]),
		Length:      binary.LittleEndian.Uint16(b[6:]),
	}
}

// Uint64 packs the setup packet into the little-endian quadword a Setup
// Stage TRB carries as immediate data.
func (s *SetupPacket) Uint64() uint64 {
	return uint64(s.RequestType) |
		uint64(s.Request)<<8 |
		uint64(s.Value)<<16 |
		uint64(s.Index)<<32 |
		uint64(s.Length)<<48
}

// IsIn reports whether the data stage moves data from device to host.
func (s *SetupPacket) IsIn() bool {
	return s.RequestType&0x80 != 0
}

func (s *SetupPacket) String() string {
	return fmt.Sprintf("%02x %02x %04x %04x %04x",
		s.RequestType, s.Request, s.Value, s.Index, s.Length)
}

// TransferType is the bmAttributes transfer type of an endpoint.
type TransferType uint8

// Transfer types.
const (
	TransferControl     TransferType = 0
	TransferIsochronous TransferType = 1
	TransferBulk        TransferType = 2
	TransferInterrupt   TransferType = 3
)

func (t TransferType) String() string {
	switch t & 0x03 {
	case TransferControl:
		return "control"
	case TransferIsochronous:
		return "isochronous"
	case TransferBulk:
		return "bulk"
	default:
		return "interrupt"
	}
}

// EndpointDescriptor carries the endpoint descriptor fields a controller
// needs to build an endpoint context.
type EndpointDescriptor struct {
	Address       uint8 // bit 7 set for IN
	Attributes    uint8
	MaxPacketSize uint16
	Interval      uint8
}

func (e *EndpointDescriptor) Number() uint8 { return e.Address & 0x0f }

func (e *EndpointDescriptor) IsIn() bool { return e.Address&0x80 != 0 }

func (e *EndpointDescriptor) TransferType() TransferType {
	return TransferType(e.Attributes & 0x03)
}

// ParseEndpoints walks a full configuration descriptor and returns the
// endpoints of every interface's default alternate setting. Descriptors of
// other types, such as SuperSpeed companions, are skipped.
func ParseEndpoints(config []byte) ([]EndpointDescriptor, error) {
	if len(config) < 9 || config[1] != DescriptorConfiguration {
		return nil, fmt.Errorf("%w: not a configuration descriptor", pkg.ErrInvalidParameter)
	}
	if total := int(binary.LittleEndian.Uint16(config[2:])); total < len(config) {
		config = config[:total]
	}

	var eps []EndpointDescriptor
	alt := uint8(0)
	for off := 0; off < len(config); {
		n := int(config[off])
		if n < 2 || off+n > len(config) {
			return nil, fmt.Errorf("%w: truncated descriptor at offset %d", pkg.ErrInvalidParameter, off)
		}
		d := config[off : off+n]
		switch d[1] {
		case DescriptorInterface:
			if n >= 4 {
				alt = d[3]
			}
		case DescriptorEndpoint:
			if n < 7 {
				return nil, fmt.Errorf("%w: endpoint descriptor length %d", pkg.ErrInvalidParameter, n)
			}
			if alt == 0 {
				eps = append(eps, EndpointDescriptor{
					Address:       d[2],
					Attributes:    d[3],
					MaxPacketSize: binary.LittleEndian.Uint16(d[4:]),
					Interval:      d[6],
				})
			}
		}
		off += n
	}
	return eps, nil
}

// DeviceAddress is the USB address a controller assigned to a device (1-127).
type DeviceAddress uint8

// HostHAL is the contract between a host stack and a USB host controller
// driver. Devices are named by the address the controller assigned in
// AddressDevice; ports are numbered from 1.
type HostHAL interface {
	// Init resets the controller and prepares its data structures. The
	// controller is left halted.
	Init(ctx context.Context) error

	// Start sets the controller running.
	Start() error

	// Stop halts the controller. Start may be called again afterward.
	Stop() error

	// Close halts the controller and releases everything Init acquired.
	Close() error

	NumPorts() int
	GetPortStatus(port int) (PortStatus, error)
	PortSpeed(port int) Speed

	// ResetPort resets port and returns once the port reports the reset
	// complete and is enabled.
	ResetPort(port int) error

	// AddressDevice assigns an address to the device on a reset port and
	// readies its default control endpoint.
	AddressDevice(ctx context.Context, port int) (DeviceAddress, error)

	// ConfigureEndpoints adds eps to an addressed device.
	ConfigureEndpoints(ctx context.Context, addr DeviceAddress, eps []EndpointDescriptor) error

	// ReleaseDevice returns every resource held for addr to the controller.
	ReleaseDevice(ctx context.Context, addr DeviceAddress) error

	// ControlTransfer runs setup on the default control endpoint. data is the
	// data stage buffer in either direction; its length must cover
	// setup.Length. The data stage byte count is returned.
	ControlTransfer(ctx context.Context, addr DeviceAddress, setup *SetupPacket, data []byte) (int, error)

	// BulkTransfer moves data through a bulk endpoint; the direction comes
	// from bit 7 of endpoint.
	BulkTransfer(ctx context.Context, addr DeviceAddress, endpoint uint8, data []byte) (int, error)

	// InterruptTransfer moves data through an interrupt endpoint.
	InterruptTransfer(ctx context.Context, addr DeviceAddress, endpoint uint8, data []byte) (int, error)

	// WaitForConnection returns the next port whose device connected.
	WaitForConnection(ctx context.Context) (int, error)

	// WaitForDisconnection returns the next port whose device disconnected.
	WaitForDisconnection(ctx context.Context) (int, error)
}
