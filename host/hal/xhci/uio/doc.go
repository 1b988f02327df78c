// Package uio binds the xHCI engine to a controller exported by the Linux
// userspace I/O framework.
//
// The UIO driver must export two maps: the controller's MMIO register window
// and a physically contiguous, cache-coherent buffer the controller can
// master (for example from uio_dmem_genirq). Map attributes are read from
// sysfs and both maps are mmap'd from /dev/uioN. The interrupt is delivered
// by a goroutine that blocks reading the device node and re-arms the line
// through irqcontrol after each handler run.
//
//	dev, err := uio.Open(uio.DefaultConfig())
//	if err != nil {
//		return err
//	}
//	defer dev.Close()
//	c := xhci.New(dev, dev, dev, xhci.DefaultConfig())
package uio
