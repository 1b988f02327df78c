package host

import (
	"encoding/binary"
	"fmt"

	"github.com/ardnew/xhci/host/hal"
	"github.com/ardnew/xhci/pkg"
)

// DeviceState is where a device is in its life on the bus, as the host
// sees it.
type DeviceState uint8

// Device states.
const (
	DeviceStateDetached   DeviceState = iota // released or unplugged
	DeviceStateAddress                       // controller assigned an address
	DeviceStateConfigured                    // SET_CONFIGURATION succeeded
)

var deviceStateNames = [...]string{
	DeviceStateDetached:   "Detached",
	DeviceStateAddress:    "Address",
	DeviceStateConfigured: "Configured",
}

func (s DeviceState) String() string {
	if int(s) >= len(deviceStateNames) {
		return fmt.Sprintf("DeviceState(%d)", uint8(s))
	}
	return deviceStateNames[s]
}

// Limits on what the host caches per device.
const (
	// MaxStringsPerDevice bounds the string descriptor index cached.
	MaxStringsPerDevice = 16

	// MaxConfigurationSize caps the configuration descriptor read during
	// enumeration.
	MaxConfigurationSize = 1024

	maxStringSize = 255
)

// bmRequestType fields.
const (
	RequestTypeOut       = 0x00
	RequestTypeIn        = 0x80
	RequestTypeStandard  = 0x00
	RequestTypeClass     = 0x20
	RequestTypeVendor    = 0x40
	RequestTypeDevice    = 0x00
	RequestTypeInterface = 0x01
	RequestTypeEndpoint  = 0x02
)

// LangIDUSEnglish is the language ID string descriptors are requested in.
const LangIDUSEnglish = 0x0409

// Descriptor sizes.
const (
	DeviceDescriptorSize        = 18
	ConfigurationDescriptorSize = 9
	InterfaceDescriptorSize     = 9
)

// DeviceDescriptor is a decoded standard device descriptor.
type DeviceDescriptor struct {
	USBVersion        uint16
	DeviceClass       uint8
	DeviceSubClass    uint8
	DeviceProtocol    uint8
	MaxPacketSize0    uint8
	VendorID          uint16
	ProductID         uint16
	DeviceVersion     uint16
	ManufacturerIndex uint8
	ProductIndex      uint8
	SerialNumberIndex uint8
	NumConfigurations uint8
}

// ParseDeviceDescriptor decodes a device descriptor.
func ParseDeviceDescriptor(data []byte) (DeviceDescriptor, error) {
	if len(data) < DeviceDescriptorSize || data[1] != hal.DescriptorDevice {
		return DeviceDescriptor{}, fmt.Errorf("%w: not a device descriptor (%d bytes)",
			pkg.ErrInvalidParameter, len(data))
	}
	return DeviceDescriptor{
		USBVersion:        binary.LittleEndian.Uint16(data[2:]),
		DeviceClass:       data[4],
		DeviceSubClass:    data[5],
		DeviceProtocol:    data[6],
		MaxPacketSize0:    data[7],
		VendorID:          binary.LittleEndian.Uint16(data[8:]),
		ProductID:         binary.LittleEndian.Uint16(data[10:]),
		DeviceVersion:     binary.LittleEndian.Uint16(data[12:]),
		ManufacturerIndex: data[14],
		ProductIndex:      data[15],
		SerialNumberIndex: data[16],
		NumConfigurations: data[17],
	}, nil
}

// ConfigurationDescriptor is a decoded configuration descriptor header.
type ConfigurationDescriptor struct {
	TotalLength        uint16
	NumInterfaces      uint8
	ConfigurationValue uint8
	ConfigurationIndex uint8
	Attributes         uint8
	MaxPower           uint8 // in 2 mA units (8 mA for SuperSpeed)
}

// ParseConfigurationDescriptor decodes the header of a configuration
// descriptor.
func ParseConfigurationDescriptor(data []byte) (ConfigurationDescriptor, error) {
	if len(data) < ConfigurationDescriptorSize || data[1] != hal.DescriptorConfiguration {
		return ConfigurationDescriptor{}, fmt.Errorf("%w: not a configuration descriptor",
			pkg.ErrInvalidParameter)
	}
	return ConfigurationDescriptor{
		TotalLength:        binary.LittleEndian.Uint16(data[2:]),
		NumInterfaces:      data[4],
		ConfigurationValue: data[5],
		ConfigurationIndex: data[6],
		Attributes:         data[7],
		MaxPower:           data[8],
	}, nil
}

// InterfaceDescriptor is a decoded interface descriptor.
type InterfaceDescriptor struct {
	InterfaceNumber   uint8
	AlternateSetting  uint8
	NumEndpoints      uint8
	InterfaceClass    uint8
	InterfaceSubClass uint8
	InterfaceProtocol uint8
	InterfaceIndex    uint8
}

// ParseInterfaceDescriptor decodes an interface descriptor.
func ParseInterfaceDescriptor(data []byte) (InterfaceDescriptor, error) {
	if len(data) < InterfaceDescriptorSize || data[1] != hal.DescriptorInterface {
		return InterfaceDescriptor{}, fmt.Errorf("%w: not an interface descriptor",
			pkg.ErrInvalidParameter)
	}
	return InterfaceDescriptor{
		InterfaceNumber:   data[2],
		AlternateSetting:  data[3],
		NumEndpoints:      data[4],
		InterfaceClass:    data[5],
		InterfaceSubClass: data[6],
		InterfaceProtocol: data[7],
		InterfaceIndex:    data[8],
	}, nil
}

// parseInterfaces returns every interface descriptor in a configuration,
// alternate settings included.
func parseInterfaces(config []byte) []InterfaceDescriptor {
	var ifaces []InterfaceDescriptor
	for off := 0; off+2 <= len(config); {
		n := int(config[off])
		if n < 2 || off+n > len(config) {
			break
		}
		if iface, err := ParseInterfaceDescriptor(config[off : off+n]); err == nil {
			ifaces = append(ifaces, iface)
		}
		off += n
	}
	return ifaces
}

// decodeString converts a string descriptor's UTF-16LE payload, keeping the
// characters of the Basic Multilingual Plane.
func decodeString(desc []byte) string {
	n := len(desc)
	if n >= 1 && int(desc[0]) < n {
		n = int(desc[0])
	}
	if n < 2 {
		return ""
	}
	r := make([]rune, 0, (n-2)/2)
	for i := 2; i+1 < n; i += 2 {
		r = append(r, rune(binary.LittleEndian.Uint16(desc[i:])))
	}
	return string(r)
}
