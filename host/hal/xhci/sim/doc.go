// Package sim models an xHCI controller in software.
//
// A Controller exposes the capability, operational, runtime and doorbell
// registers through xhci.Registers, owns a heap-backed coherent memory arena
// that it hands out through dma.Allocator, and raises its interrupt through
// xhci.InterruptController. A goroutine services doorbells: it consumes the
// command ring and the endpoint transfer rings by cycle bit, follows Link
// TRBs, executes slot and endpoint commands against the contexts the driver
// placed in memory, and posts completion events on the event ring.
//
// Devices are attached to root ports with Attach. NewDevice returns a
// loopback device whose bulk OUT data is returned on the matching IN
// endpoint.
//
//	ctrl, _ := sim.New(sim.DefaultConfig())
//	defer ctrl.Close()
//	c := xhci.New(ctrl, ctrl, ctrl, xhci.DefaultConfig())
//	ctrl.Attach(1, sim.NewDevice(hal.SpeedHigh))
package sim
