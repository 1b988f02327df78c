// Package host enumerates USB devices over a [hal.HostHAL].
//
// A [Host] starts the controller, brings up every device already attached
// and then follows connect and disconnect events. Enumeration leans on the
// controller for addressing: the port is reset, [hal.HostHAL.AddressDevice]
// assigns the address, the device and configuration descriptors are read,
// the bulk and interrupt endpoints of each interface's default alternate
// setting are added with [hal.HostHAL.ConfigureEndpoints], and the first
// configuration is selected.
//
//	h := host.New(controller)
//	if err := h.Start(ctx); err != nil {
//	    return err
//	}
//	defer h.Close()
//
//	dev, err := h.WaitDevice(ctx)
//	if err != nil {
//	    return err
//	}
//	pipe, err := host.NewPipe(dev, 0x81, 0x01)
//
// Class drivers are not part of this package; they use [Device] transfers
// directly.
package host
