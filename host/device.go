package host

import (
	"context"
	"encoding/binary"
	"sync"

	"github.com/ardnew/xhci/host/hal"
)

// Device is an enumerated USB device as the host sees it. Descriptor fields
// are fixed once enumeration returns the device.
type Device struct {
	host    *Host
	address hal.DeviceAddress
	port    int
	speed   hal.Speed

	descriptor DeviceDescriptor
	config     ConfigurationDescriptor
	interfaces []InterfaceDescriptor
	endpoints  []hal.EndpointDescriptor // default alternate settings only
	strings    [MaxStringsPerDevice]string

	mutex              sync.RWMutex
	state              DeviceState
	configurationValue uint8
}

func newDevice(h *Host, port int, addr hal.DeviceAddress, speed hal.Speed) *Device {
	return &Device{
		host:    h,
		address: addr,
		port:    port,
		speed:   speed,
		state:   DeviceStateAddress,
	}
}

// Address returns the address the controller assigned.
func (d *Device) Address() hal.DeviceAddress { return d.address }

// Port returns the root hub port the device is attached to.
func (d *Device) Port() int { return d.port }

func (d *Device) Speed() hal.Speed { return d.speed }

func (d *Device) VendorID() uint16 { return d.descriptor.VendorID }

func (d *Device) ProductID() uint16 { return d.descriptor.ProductID }

// Descriptor returns the device descriptor.
func (d *Device) Descriptor() DeviceDescriptor { return d.descriptor }

// Configuration returns the header of the configuration the device was
// enumerated with.
func (d *Device) Configuration() ConfigurationDescriptor { return d.config }

// Interfaces returns every interface descriptor of the configuration. The
// slice must not be modified.
func (d *Device) Interfaces() []InterfaceDescriptor { return d.interfaces }

// Endpoints returns the endpoints of each interface's default alternate
// setting. The slice must not be modified.
func (d *Device) Endpoints() []hal.EndpointDescriptor { return d.endpoints }

// GetInterface returns the default alternate setting of interface num.
func (d *Device) GetInterface(num uint8) *InterfaceDescriptor {
	for i := range d.interfaces {
		if d.interfaces[i].InterfaceNumber == num && d.interfaces[i].AlternateSetting == 0 {
			return &d.interfaces[i]
		}
	}
	return nil
}

// GetEndpoint returns the endpoint descriptor with address epAddr.
func (d *Device) GetEndpoint(epAddr uint8) *hal.EndpointDescriptor {
	for i := range d.endpoints {
		if d.endpoints[i].Address == epAddr {
			return &d.endpoints[i]
		}
	}
	return nil
}

// GetString returns a cached string descriptor, or "" when the device has
// none at index.
func (d *Device) GetString(index uint8) string {
	if int(index) >= len(d.strings) {
		return ""
	}
	return d.strings[index]
}

func (d *Device) Manufacturer() string { return d.GetString(d.descriptor.ManufacturerIndex) }

func (d *Device) Product() string { return d.GetString(d.descriptor.ProductIndex) }

func (d *Device) SerialNumber() string { return d.GetString(d.descriptor.SerialNumberIndex) }

// State returns the device state.
func (d *Device) State() DeviceState {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	return d.state
}

// SetConfiguration selects configuration value; zero returns the device to
// the addressed state.
func (d *Device) SetConfiguration(ctx context.Context, value uint8) error {
	setup := hal.SetupPacket{
		RequestType: RequestTypeOut | RequestTypeStandard | RequestTypeDevice,
		Request:     hal.RequestSetConfiguration,
		Value:       uint16(value),
	}
	if _, err := d.ControlTransfer(ctx, &setup, nil); err != nil {
		return err
	}

	d.mutex.Lock()
	d.configurationValue = value
	if value > 0 {
		d.state = DeviceStateConfigured
	} else {
		d.state = DeviceStateAddress
	}
	d.mutex.Unlock()
	return nil
}

// GetConfiguration returns the value of the selected configuration.
func (d *Device) GetConfiguration() uint8 {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	return d.configurationValue
}

// ControlTransfer runs setup on the device's default control endpoint.
func (d *Device) ControlTransfer(ctx context.Context, setup *hal.SetupPacket, data []byte) (int, error) {
	return d.host.hal.ControlTransfer(ctx, d.address, setup, data)
}

// BulkTransfer moves data through the bulk endpoint epAddr.
func (d *Device) BulkTransfer(ctx context.Context, epAddr uint8, data []byte) (int, error) {
	return d.host.hal.BulkTransfer(ctx, d.address, epAddr, data)
}

// InterruptTransfer moves data through the interrupt endpoint epAddr.
func (d *Device) InterruptTransfer(ctx context.Context, epAddr uint8, data []byte) (int, error) {
	return d.host.hal.InterruptTransfer(ctx, d.address, epAddr, data)
}

// GetDescriptor issues a standard GET_DESCRIPTOR for descType and index
// into data.
func (d *Device) GetDescriptor(ctx context.Context, descType, index uint8, langID uint16, data []byte) (int, error) {
	setup := hal.DescriptorRequest(descType, index, uint16(len(data)))
	setup.Index = langID
	return d.ControlTransfer(ctx, setup, data)
}

// GetStatus returns the device status word.
func (d *Device) GetStatus(ctx context.Context) (uint16, error) {
	var buf [2]byte
	setup := hal.SetupPacket{
		RequestType: RequestTypeIn | RequestTypeStandard | RequestTypeDevice,
		Request:     hal.RequestGetStatus,
		Length:      2,
	}
	if _, err := d.ControlTransfer(ctx, &setup, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(buf[:]), nil
}

// ClearEndpointHalt clears the device side of a stalled endpoint. The
// controller side is reset when the stall is reported.
func (d *Device) ClearEndpointHalt(ctx context.Context, epAddr uint8) error {
	setup := hal.SetupPacket{
		RequestType: RequestTypeOut | RequestTypeStandard | RequestTypeEndpoint,
		Request:     hal.RequestClearFeature,
		Value:       hal.FeatureEndpointHalt,
		Index:       uint16(epAddr),
	}
	_, err := d.ControlTransfer(ctx, &setup, nil)
	return err
}

// Close releases the device's controller resources. The device cannot be
// used afterward.
func (d *Device) Close(ctx context.Context) error {
	d.mutex.Lock()
	if d.state == DeviceStateDetached {
		d.mutex.Unlock()
		return nil
	}
	d.state = DeviceStateDetached
	d.mutex.Unlock()
	return d.host.hal.ReleaseDevice(ctx, d.address)
}
