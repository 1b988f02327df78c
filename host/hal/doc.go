// Package hal is the boundary between USB host software and a controller
// driver.
//
// [HostHAL] is written for controllers that own device addressing and
// endpoint scheduling. The controller picks the address in
// [HostHAL.AddressDevice], and endpoints exist only after
// [HostHAL.ConfigureEndpoints]. Everything above that (descriptor parsing
// policy, configuration selection, class drivers) belongs to the caller.
//
// The package also carries the small wire types both sides share:
// [SetupPacket] in its immediate-data encoding, [EndpointDescriptor], and
// [ParseEndpoints] for pulling endpoints out of a configuration descriptor.
//
// Bringing up a device:
//
//	port, err := h.WaitForConnection(ctx)
//	if err != nil {
//	    return err
//	}
//	if err := h.ResetPort(port); err != nil {
//	    return err
//	}
//	addr, err := h.AddressDevice(ctx, port)
//	if err != nil {
//	    return err
//	}
//	var desc [18]byte
//	_, err = h.ControlTransfer(ctx, addr, hal.DescriptorRequest(hal.DescriptorDevice, 0, 18), desc[:])
package hal
