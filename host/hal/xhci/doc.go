// Package xhci implements a USB 3.1 host controller driver for xHCI
// hardware.
//
// The driver owns the controller's shared-memory data structures: the
// command ring, one transfer ring per endpoint, the event ring and its
// segment table, the Device Context Base Address Array and the input and
// output device contexts. Software produces TRBs on the command and transfer
// rings and consumes TRBs from the event ring. Ownership of each TRB is
// decided by its cycle bit, and the Link TRB at the end of each producer
// ring toggles the cycle state on wraparound.
//
// # Collaborators
//
// A Controller is built from three platform collaborators:
//
//   - Registers, the memory-mapped register window
//   - dma.Allocator, coherent memory with physical addresses
//   - InterruptController, the controller's interrupt line
//
// Package uio provides all three for Linux UIO devices. Package sim provides
// a software model of a controller and device for tests.
//
// # Usage
//
//	c := xhci.New(regs, alloc, irq, xhci.DefaultConfig())
//	if err := c.Init(ctx); err != nil {
//	    return err
//	}
//	if err := c.Start(); err != nil {
//	    return err
//	}
//	defer c.Close()
//
//	port, _ := c.WaitForConnection(ctx)
//	addr, err := c.AddressDevice(ctx, port)
//	if err != nil {
//	    return err
//	}
//	err = c.ConfigureEndpoints(ctx, addr, []hal.EndpointDescriptor{
//	    {Address: 0x81, Attributes: 0x02, MaxPacketSize: 512},
//	    {Address: 0x01, Attributes: 0x02, MaxPacketSize: 512},
//	})
//	n, err := c.BulkTransfer(ctx, addr, 0x01, payload)
//
// Controller implements hal.HostHAL.
//
// # Concurrency
//
// Commands may be issued from any goroutine; the command ring has a single
// producer lock. Transfers on one endpoint are serialized by a per-endpoint
// lock while their TRBs are written, and may be waited on concurrently.
// HandleInterrupt runs on the interrupt path and never takes a producer
// lock. Fatal host errors are recovered on a separate goroutine.
package xhci
