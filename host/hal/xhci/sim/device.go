package sim

import (
	"sync"

	"github.com/ardnew/xhci/host/hal"
	"github.com/ardnew/xhci/host/hal/xhci"
)

// Standard and vendor requests the model answers.
const (
	reqGetStatus        = hal.RequestGetStatus
	reqClearFeature     = hal.RequestClearFeature
	reqSetAddress       = hal.RequestSetAddress
	reqGetDescriptor    = hal.RequestGetDescriptor
	reqGetConfiguration = hal.RequestGetConfiguration
	reqSetConfiguration = hal.RequestSetConfiguration

	// ReqVendorStore stores the OUT data stage; ReqVendorLoad returns it.
	ReqVendorStore = 0x01
	ReqVendorLoad  = 0x02

	descDevice = hal.DescriptorDevice
	descConfig = hal.DescriptorConfiguration

	featureEndpointHalt = hal.FeatureEndpointHalt
)

// Device is a model of a USB device with a default control endpoint and a
// set of bulk and interrupt endpoints. Data written to an OUT endpoint is
// returned on the IN endpoint with the same number.
type Device struct {
	Speed      hal.Speed
	MaxPacket0 uint8 // bMaxPacketSize0 (an exponent for SuperSpeed)
	VendorID   uint16
	ProductID  uint16
	Endpoints  []hal.EndpointDescriptor

	mu            sync.Mutex
	address       uint8
	configuration uint8
	vendor        []byte
	queues        map[uint8][][]byte // by endpoint number
	stalls        map[int]bool       // by DCI
}

// NewDevice returns a loopback device at speed with bulk endpoints 0x81 and
// 0x01 and an interrupt IN endpoint 0x82.
func NewDevice(speed hal.Speed) *Device {
	var bulk uint16
	mps0 := uint8(64)
	switch speed {
	case hal.SpeedSuper:
		bulk, mps0 = 1024, 9
	case hal.SpeedHigh:
		bulk = 512
	case hal.SpeedLow:
		bulk, mps0 = 8, 8
	default:
		bulk = 64
	}
	return &Device{
		Speed:      speed,
		MaxPacket0: mps0,
		VendorID:   0x1d6b,
		ProductID:  0x0104,
		Endpoints: []hal.EndpointDescriptor{
			{Address: 0x81, Attributes: 0x02, MaxPacketSize: bulk},
			{Address: 0x01, Attributes: 0x02, MaxPacketSize: bulk},
			{Address: 0x82, Attributes: 0x03, MaxPacketSize: 8, Interval: 4},
		},
	}
}

// Address returns the address the controller assigned.
func (d *Device) Address() uint8 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.address
}

// Configuration returns the value of the last SET_CONFIGURATION.
func (d *Device) Configuration() uint8 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.configuration
}

// Stall makes the endpoint epAddr answer every transaction with STALL until
// the host clears the halt feature.
func (d *Device) Stall(epAddr uint8) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stalls == nil {
		d.stalls = make(map[int]bool)
	}
	d.stalls[xhci.DCI(epAddr)] = true
}

// Queue makes data available on the IN endpoint epAddr.
func (d *Device) Queue(epAddr uint8, data []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.queue(epAddr&0x0f, append([]byte(nil), data...))
}

func (d *Device) queue(num uint8, data []byte) {
	if d.queues == nil {
		d.queues = make(map[uint8][][]byte)
	}
	d.queues[num] = append(d.queues[num], data)
}

func (d *Device) setAddress(addr uint8) {
	d.mu.Lock()
	d.address = addr
	d.mu.Unlock()
}

func (d *Device) stalled(dci int) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stalls[dci]
}

// read returns up to n bytes queued for the IN endpoint at dci.
func (d *Device) read(dci int, n int) ([]byte, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	num := uint8(dci / 2)
	q := d.queues[num]
	if len(q) == 0 {
		return nil, false
	}
	data := q[0]
	if len(data) > n {
		q[0] = data[n:]
		return data[:n], true
	}
	d.queues[num] = q[1:]
	return data, true
}

// write loops OUT data back to the IN endpoint with the same number.
func (d *Device) write(dci int, data []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.queue(uint8(dci/2), append([]byte(nil), data...))
}

// control answers a control request. For OUT requests data holds the data
// stage. It reports false to STALL.
func (d *Device) control(setup *hal.SetupPacket, data []byte) ([]byte, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var resp []byte
	switch {
	case setup.RequestType == 0x80 && setup.Request == reqGetDescriptor:
		switch setup.Value >> 8 {
		case descDevice:
			resp = d.deviceDescriptor()
		case descConfig:
			resp = d.configDescriptor()
		default:
			return nil, false
		}
	case setup.RequestType == 0x80 && setup.Request == reqGetStatus:
		resp = []byte{0, 0}
	case setup.RequestType == 0x80 && setup.Request == reqGetConfiguration:
		resp = []byte{d.configuration}
	case setup.RequestType == 0x00 && setup.Request == reqSetConfiguration:
		d.configuration = uint8(setup.Value)
	case setup.RequestType == 0x02 && setup.Request == reqClearFeature &&
		setup.Value == featureEndpointHalt:
		delete(d.stalls, xhci.DCI(uint8(setup.Index)))
	case setup.RequestType == 0x40 && setup.Request == ReqVendorStore:
		d.vendor = append(d.vendor[:0], data...)
	case setup.RequestType == 0xc0 && setup.Request == ReqVendorLoad:
		resp = append([]byte(nil), d.vendor...)
	default:
		// Includes SET_ADDRESS, which the controller issues itself.
		return nil, false
	}
	if len(resp) > int(setup.Length) {
		resp = resp[:setup.Length]
	}
	return resp, true
}

func (d *Device) deviceDescriptor() []byte {
	bcd := uint16(0x0200)
	if d.Speed == hal.SpeedSuper {
		bcd = 0x0320
	}
	return []byte{
		18, descDevice,
		byte(bcd), byte(bcd >> 8),
		0, 0, 0,
		d.MaxPacket0,
		byte(d.VendorID), byte(d.VendorID >> 8),
		byte(d.ProductID), byte(d.ProductID >> 8),
		0x00, 0x01,
		0, 0, 0,
		1,
	}
}

func (d *Device) configDescriptor() []byte {
	total := 9 + 9 + 7*len(d.Endpoints)
	b := []byte{
		9, descConfig, byte(total), byte(total >> 8), 1, 1, 0, 0x80, 50,
		9, hal.DescriptorInterface, 0, 0, byte(len(d.Endpoints)), 0xff, 0, 0, 0,
	}
	for _, ep := range d.Endpoints {
		b = append(b, 7, hal.DescriptorEndpoint, ep.Address, ep.Attributes,
			byte(ep.MaxPacketSize), byte(ep.MaxPacketSize>>8), ep.Interval)
	}
	return b
}
