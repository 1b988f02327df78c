package host

import (
	"context"
	"errors"
	"fmt"

	"github.com/ardnew/xhci/host/hal"
	"github.com/ardnew/xhci/pkg"
)

// ErrEnumerationFailed is returned when a device answers enumeration with
// short or malformed descriptors.
var ErrEnumerationFailed = errors.New("enumeration failed")

// enumerateDevice brings up the device on port: reset, address, read its
// descriptors, add the endpoints of its first configuration and select it.
// The controller slot is released again if any step fails.
func (h *Host) enumerateDevice(ctx context.Context, port int) (*Device, error) {
	pkg.LogDebug(pkg.ComponentHost, "starting enumeration", "port", port)

	if err := h.hal.ResetPort(port); err != nil {
		return nil, fmt.Errorf("reset port %d: %w", port, err)
	}
	speed := h.hal.PortSpeed(port)

	addr, err := h.hal.AddressDevice(ctx, port)
	if err != nil {
		return nil, fmt.Errorf("address device on port %d: %w", port, err)
	}
	dev := newDevice(h, port, addr, speed)
	pkg.LogDebug(pkg.ComponentHost, "device addressed",
		"port", port,
		"address", addr,
		"speed", speed.String())

	if err := h.describe(ctx, dev); err != nil {
		if rerr := h.hal.ReleaseDevice(ctx, addr); rerr != nil {
			pkg.LogWarn(pkg.ComponentHost, "release after failed enumeration",
				"address", addr,
				"error", rerr)
		}
		return nil, err
	}
	return dev, nil
}

// describe reads the descriptors of an addressed device and configures it.
func (h *Host) describe(ctx context.Context, dev *Device) error {
	var buf [DeviceDescriptorSize]byte
	n, err := dev.GetDescriptor(ctx, hal.DescriptorDevice, 0, 0, buf[:])
	if err != nil {
		return fmt.Errorf("device descriptor: %w", err)
	}
	if dev.descriptor, err = ParseDeviceDescriptor(buf[:n]); err != nil {
		return fmt.Errorf("%w: %w", ErrEnumerationFailed, err)
	}
	pkg.LogDebug(pkg.ComponentHost, "device descriptor",
		"vendorID", dev.descriptor.VendorID,
		"productID", dev.descriptor.ProductID,
		"class", dev.descriptor.DeviceClass)

	config, err := h.readConfiguration(ctx, dev)
	if err != nil {
		return err
	}
	if dev.endpoints, err = hal.ParseEndpoints(config); err != nil {
		return fmt.Errorf("%w: %w", ErrEnumerationFailed, err)
	}
	dev.interfaces = parseInterfaces(config)

	h.readStrings(ctx, dev)

	if err := h.configureEndpoints(ctx, dev); err != nil {
		return err
	}
	if v := dev.config.ConfigurationValue; v > 0 {
		if err := dev.SetConfiguration(ctx, v); err != nil {
			return fmt.Errorf("set configuration %d: %w", v, err)
		}
	}
	return nil
}

// readConfiguration reads the header of the first configuration, then the
// whole descriptor.
func (h *Host) readConfiguration(ctx context.Context, dev *Device) ([]byte, error) {
	var head [ConfigurationDescriptorSize]byte
	n, err := dev.GetDescriptor(ctx, hal.DescriptorConfiguration, 0, 0, head[:])
	if err != nil {
		return nil, fmt.Errorf("configuration header: %w", err)
	}
	if dev.config, err = ParseConfigurationDescriptor(head[:n]); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEnumerationFailed, err)
	}

	total := int(dev.config.TotalLength)
	if total < ConfigurationDescriptorSize {
		return nil, fmt.Errorf("%w: configuration length %d", ErrEnumerationFailed, total)
	}
	total = min(total, MaxConfigurationSize)
	config := make([]byte, total)
	n, err = dev.GetDescriptor(ctx, hal.DescriptorConfiguration, 0, 0, config)
	if err != nil {
		return nil, fmt.Errorf("configuration descriptor: %w", err)
	}
	pkg.LogDebug(pkg.ComponentHost, "configuration descriptor",
		"numInterfaces", dev.config.NumInterfaces,
		"configValue", dev.config.ConfigurationValue,
		"length", n)
	return config[:n], nil
}

// configureEndpoints adds the device's bulk and interrupt endpoints to its
// controller slot. Isochronous endpoints are left out.
func (h *Host) configureEndpoints(ctx context.Context, dev *Device) error {
	eps := make([]hal.EndpointDescriptor, 0, len(dev.endpoints))
	for _, ep := range dev.endpoints {
		switch ep.TransferType() {
		case hal.TransferBulk, hal.TransferInterrupt:
			eps = append(eps, ep)
		default:
			pkg.LogDebug(pkg.ComponentHost, "endpoint not configured",
				"address", dev.address,
				"endpoint", fmt.Sprintf("%#02x", ep.Address),
				"type", ep.TransferType().String())
		}
	}
	if len(eps) == 0 {
		return nil
	}
	if err := h.hal.ConfigureEndpoints(ctx, dev.address, eps); err != nil {
		return fmt.Errorf("configure endpoints: %w", err)
	}
	return nil
}

// readStrings caches the manufacturer, product and serial number strings.
// Devices that stall string requests are left without them.
func (h *Host) readStrings(ctx context.Context, dev *Device) {
	buf := make([]byte, maxStringSize)
	for _, index := range []uint8{
		dev.descriptor.ManufacturerIndex,
		dev.descriptor.ProductIndex,
		dev.descriptor.SerialNumberIndex,
	} {
		if index == 0 || int(index) >= len(dev.strings) || dev.strings[index] != "" {
			continue
		}
		n, err := dev.GetDescriptor(ctx, hal.DescriptorString, index, LangIDUSEnglish, buf)
		if err != nil {
			pkg.LogDebug(pkg.ComponentHost, "string descriptor read failed",
				"address", dev.address,
				"index", index,
				"error", err)
			continue
		}
		if n >= 2 && buf[1] == hal.DescriptorString {
			dev.strings[index] = decodeString(buf[:n])
		}
	}
}
