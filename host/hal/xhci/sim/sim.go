package sim

import (
	"fmt"
	"sync"

	"github.com/ardnew/xhci/host/hal"
	"github.com/ardnew/xhci/host/hal/xhci"
	"github.com/ardnew/xhci/host/hal/xhci/dma"
	"github.com/ardnew/xhci/pkg"
)

// Register layout of the model.
const (
	capLength = 0x20
	rtsOff    = 0x600
	dbOff     = 0x800
	hciVer    = 0x0110

	regUSBCmd   = capLength + 0x00
	regUSBSts   = capLength + 0x04
	regPageSize = capLength + 0x08
	regCRCR     = capLength + 0x18
	regDCBAAP   = capLength + 0x30
	regConfig   = capLength + 0x38
	regPortBase = capLength + 0x400

	regIMAN   = rtsOff + 0x20
	regIMOD   = rtsOff + 0x24
	regERSTSZ = rtsOff + 0x28
	regERSTBA = rtsOff + 0x30
	regERDP   = rtsOff + 0x38
)

// Register bits, as the controller sees them.
const (
	cmdRun   = 1 << 0
	cmdReset = 1 << 1
	cmdINTE  = 1 << 2

	stsHalted = 1 << 0
	stsHSE    = 1 << 2
	stsEINT   = 1 << 3
	stsPCD    = 1 << 4
	stsHCE    = 1 << 12

	imanIP = 1 << 0
	imanIE = 1 << 1

	erdpEHB = 1 << 3

	portCCS   = 1 << 0
	portPED   = 1 << 1
	portPR    = 1 << 4
	portPP    = 1 << 9
	portCSC   = 1 << 17
	portPEC   = 1 << 18
	portPRC   = 1 << 21
	portRW1C  = 0x7f << 17
	portSpeed = 10
)

// TRB control bits the model interprets.
const (
	trbCycle = 1 << 0
	trbTC    = 1 << 1
	trbISP   = 1 << 2
	trbChain = 1 << 4
	trbIOC   = 1 << 5
	trbIDT   = 1 << 6
	trbBSR   = 1 << 9
	trbDC    = 1 << 9
	trbED    = 1 << 2
)

// Config describes the modeled controller.
type Config struct {
	Ports       int
	MaxSlots    int
	ContextSize int // 32 or 64
	Scratchpads int
	MemoryBase  uint64
	MemorySize  int
}

// DefaultConfig returns a two-port, eight-slot controller with 8 MiB of
// coherent memory.
func DefaultConfig() Config {
	return Config{
		Ports:       2,
		MaxSlots:    8,
		ContextSize: 32,
		Scratchpads: 2,
		MemoryBase:  0x4000_0000,
		MemorySize:  8 << 20,
	}
}

// Controller is a software model of an xHCI controller. It implements
// xhci.Registers, dma.Allocator (through its embedded arena) and
// xhci.InterruptController, and services its rings on its own goroutine.
type Controller struct {
	*dma.Arena
	cfg Config

	mu   sync.Mutex
	cmd  uint32
	sts  uint32
	conf uint32

	crcr   [2]uint32
	cmdDeq uint64
	cmdCCS uint32

	dcbaap [2]uint32

	iman   uint32
	imod   uint32
	erstsz uint32
	erstba [2]uint32
	erdp   [2]uint32
	evBase uint64
	evSize int
	evEnq  int
	evCCS  uint32

	ports []*port
	slots []*slot

	doorbells map[doorbell]bool
	kick      chan struct{}

	line    chan struct{}
	handler func()
	enabled bool

	done chan struct{}
	wg   sync.WaitGroup
}

type port struct {
	sc  uint32
	dev *Device
}

type doorbell struct {
	slot   uint8
	target uint32
}

var (
	_ xhci.Registers           = (*Controller)(nil)
	_ xhci.InterruptController = (*Controller)(nil)
	_ dma.Allocator            = (*Controller)(nil)
)

// New starts a controller model.
func New(cfg Config) (*Controller, error) {
	def := DefaultConfig()
	if cfg.Ports == 0 {
		cfg.Ports = def.Ports
	}
	if cfg.MaxSlots == 0 {
		cfg.MaxSlots = def.MaxSlots
	}
	if cfg.ContextSize == 0 {
		cfg.ContextSize = def.ContextSize
	}
	if cfg.MemoryBase == 0 {
		cfg.MemoryBase = def.MemoryBase
	}
	if cfg.MemorySize == 0 {
		cfg.MemorySize = def.MemorySize
	}
	if cfg.ContextSize != 32 && cfg.ContextSize != 64 {
		return nil, fmt.Errorf("sim: %w: context size %d", pkg.ErrInvalidParameter, cfg.ContextSize)
	}
	if cfg.Ports > 255 || cfg.MaxSlots > 255 {
		return nil, fmt.Errorf("sim: %w: too many ports or slots", pkg.ErrInvalidParameter)
	}

	arena, err := dma.NewHeapArena(cfg.MemoryBase, cfg.MemorySize)
	if err != nil {
		return nil, err
	}
	c := &Controller{
		Arena:     arena,
		cfg:       cfg,
		sts:       stsHalted,
		ports:     make([]*port, cfg.Ports),
		slots:     make([]*slot, cfg.MaxSlots+1),
		doorbells: make(map[doorbell]bool),
		kick:      make(chan struct{}, 1),
		line:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	for i := range c.ports {
		c.ports[i] = &port{sc: portPP}
	}

	c.wg.Add(2)
	go c.serve()
	go c.deliver()
	return c, nil
}

// Close stops the model's goroutines.
func (c *Controller) Close() error {
	select {
	case <-c.done:
		return nil
	default:
	}
	close(c.done)
	c.wg.Wait()
	return nil
}

// Read32 implements xhci.Registers.
func (c *Controller) Read32(off uint32) uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch off {
	case 0x00:
		return capLength | hciVer<<16
	case 0x04:
		return uint32(c.cfg.MaxSlots) | 1<<8 | uint32(c.cfg.Ports)<<24
	case 0x08:
		sp := uint32(c.cfg.Scratchpads)
		return 1<<4 | (sp>>5)&0x1f<<21 | sp&0x1f<<27
	case 0x0c:
		return 0
	case 0x10:
		v := uint32(1) // AC64
		if c.cfg.ContextSize == 64 {
			v |= 1 << 2
		}
		return v
	case 0x14:
		return dbOff
	case 0x18:
		return rtsOff
	case regUSBCmd:
		return c.cmd
	case regUSBSts:
		return c.sts
	case regPageSize:
		return 1
	case regCRCR:
		return 0 // CRR is the only readable bit; reads as not running
	case regCRCR + 4:
		return 0
	case regDCBAAP:
		return c.dcbaap[0]
	case regDCBAAP + 4:
		return c.dcbaap[1]
	case regConfig:
		return c.conf
	case regIMAN:
		return c.iman
	case regIMOD:
		return c.imod
	case regERSTSZ:
		return c.erstsz
	case regERSTBA:
		return c.erstba[0]
	case regERSTBA + 4:
		return c.erstba[1]
	case regERDP:
		return c.erdp[0]
	case regERDP + 4:
		return c.erdp[1]
	}
	if p, ok := c.portAt(off); ok {
		return p.sc
	}
	return 0
}

// Write32 implements xhci.Registers.
func (c *Controller) Write32(off uint32, v uint32) {
	c.mu.Lock()
	raise := c.write(off, v)
	c.mu.Unlock()
	if raise {
		c.assert()
	}
}

// write applies a register write and reports whether the interrupt line
// should be asserted.
func (c *Controller) write(off uint32, v uint32) bool {
	switch off {
	case regUSBCmd:
		if v&cmdReset != 0 {
			c.reset()
			return false
		}
		if c.sts&(stsHSE|stsHCE) != 0 {
			v &^= cmdRun
		}
		c.cmd = v
		if v&cmdRun != 0 {
			c.sts &^= stsHalted
		} else {
			c.sts |= stsHalted
		}
		return false
	case regUSBSts:
		c.sts &^= v & (stsHSE | stsEINT | stsPCD)
		return false
	case regCRCR:
		c.crcr[0] = v
		return false
	case regCRCR + 4:
		c.crcr[1] = v
		c.cmdDeq = (uint64(c.crcr[1])<<32 | uint64(c.crcr[0])) &^ 0x3f
		c.cmdCCS = c.crcr[0] & 1
		return false
	case regDCBAAP:
		c.dcbaap[0] = v
		return false
	case regDCBAAP + 4:
		c.dcbaap[1] = v
		return false
	case regConfig:
		c.conf = v
		return false
	case regIMAN:
		c.iman = c.iman&^imanIE | v&imanIE
		if v&imanIP != 0 {
			c.iman &^= imanIP
		}
		return false
	case regIMOD:
		c.imod = v
		return false
	case regERSTSZ:
		c.erstsz = v & 0xffff
		return false
	case regERSTBA:
		c.erstba[0] = v
		return false
	case regERSTBA + 4:
		c.erstba[1] = v
		c.loadERST()
		return false
	case regERDP:
		c.erdp[0] = c.erdp[0]&erdpEHB | v&^erdpEHB
		if v&erdpEHB != 0 {
			c.erdp[0] &^= erdpEHB
		}
		return false
	case regERDP + 4:
		c.erdp[1] = v
		// More events than the handler consumed: interrupt again.
		return c.evPending() && c.iman&imanIE != 0
	}
	if off >= dbOff && off < dbOff+4*uint32(len(c.slots)) {
		c.ring(uint8((off-dbOff)/4), v&0xff)
		return false
	}
	if p, ok := c.portAt(off); ok {
		return c.writePort(int((off-regPortBase)/0x10)+1, p, v)
	}
	return false
}

func (c *Controller) portAt(off uint32) (*port, bool) {
	if off < regPortBase || off >= regPortBase+uint32(len(c.ports))*0x10 || (off-regPortBase)%0x10 != 0 {
		return nil, false
	}
	return c.ports[(off-regPortBase)/0x10], true
}

// reset returns the controller to its power-on state. Attached devices stay
// attached; slots are lost.
func (c *Controller) reset() {
	c.cmd = 0
	c.sts = stsHalted
	c.conf = 0
	c.crcr = [2]uint32{}
	c.cmdDeq, c.cmdCCS = 0, 0
	c.dcbaap = [2]uint32{}
	c.iman, c.imod, c.erstsz = 0, 0, 0
	c.erstba = [2]uint32{}
	c.erdp = [2]uint32{}
	c.evBase, c.evSize, c.evEnq, c.evCCS = 0, 0, 0, 0
	for i := range c.slots {
		c.slots[i] = nil
	}
	clear(c.doorbells)
	for _, p := range c.ports {
		p.sc &^= portPED | portPR | portRW1C
	}
	pkg.LogDebug(pkg.ComponentPlatform, "sim controller reset")
}

func (c *Controller) loadERST() {
	base := uint64(c.erstba[1])<<32 | uint64(c.erstba[0])
	entry, ok := c.Resolve(base, 16)
	if !ok || c.erstsz == 0 {
		c.sts |= stsHCE
		return
	}
	c.evBase = entry.Load64(0)
	c.evSize = int(entry.Load32(8) & 0xffff)
	c.evEnq = 0
	c.evCCS = 1
}

func (c *Controller) erdpPhys() uint64 {
	return (uint64(c.erdp[1])<<32 | uint64(c.erdp[0])) &^ 0xf
}

// evPending reports whether the controller has produced events beyond the
// software dequeue pointer.
func (c *Controller) evPending() bool {
	if c.evSize == 0 {
		return false
	}
	return c.erdpPhys() != c.evBase+uint64(c.evEnq*xhci.TRBSize)
}

// post writes an event TRB to the event ring. The caller holds mu.
func (c *Controller) post(evt xhci.TRB) {
	if c.evSize == 0 {
		return
	}
	next := (c.evEnq + 1) % c.evSize
	if c.evBase+uint64(next*xhci.TRBSize) == c.erdpPhys() {
		pkg.LogWarn(pkg.ComponentPlatform, "sim event ring full, event dropped",
			"event", evt.String())
		return
	}
	seg, ok := c.Resolve(c.evBase+uint64(c.evEnq*xhci.TRBSize), xhci.TRBSize)
	if !ok {
		c.sts |= stsHCE
		return
	}
	seg.Store64(0, evt.Parameter)
	seg.Store32(8, evt.Status)
	seg.Store32(12, evt.Control&^trbCycle|c.evCCS)

	c.evEnq = next
	if c.evEnq == 0 {
		c.evCCS ^= 1
	}
	c.iman |= imanIP
	c.sts |= stsEINT
}

// interruptible reports whether a pending event should assert the line.
func (c *Controller) interruptible() bool {
	return c.iman&imanIP != 0 && c.iman&imanIE != 0 && c.cmd&cmdINTE != 0
}

// assert signals the interrupt goroutine.
func (c *Controller) assert() {
	select {
	case c.line <- struct{}{}:
	default:
	}
}

// deliver calls the registered handler whenever the line is asserted.
func (c *Controller) deliver() {
	defer c.wg.Done()
	for {
		select {
		case <-c.done:
			return
		case <-c.line:
		}
		c.mu.Lock()
		h, on := c.handler, c.enabled
		c.mu.Unlock()
		if h != nil && on {
			h()
		}
	}
}

// Register implements xhci.InterruptController.
func (c *Controller) Register(line int, handler func()) error {
	if line != 0 {
		return fmt.Errorf("sim: %w: interrupt line %d", pkg.ErrInvalidParameter, line)
	}
	c.mu.Lock()
	c.handler = handler
	c.mu.Unlock()
	return nil
}

// Enable implements xhci.InterruptController.
func (c *Controller) Enable(line, priority int) error {
	if line != 0 {
		return fmt.Errorf("sim: %w: interrupt line %d", pkg.ErrInvalidParameter, line)
	}
	c.mu.Lock()
	c.enabled = true
	c.mu.Unlock()
	return nil
}

// Disable implements xhci.InterruptController.
func (c *Controller) Disable(line int) error {
	c.mu.Lock()
	c.enabled = false
	c.mu.Unlock()
	return nil
}

// Attach connects dev to port (1-indexed) and reports a port status change.
func (c *Controller) Attach(portNum int, dev *Device) error {
	c.mu.Lock()
	if portNum < 1 || portNum > len(c.ports) {
		c.mu.Unlock()
		return fmt.Errorf("sim: %w: port %d", pkg.ErrInvalidParameter, portNum)
	}
	p := c.ports[portNum-1]
	p.dev = dev
	p.sc = p.sc&^(0xf<<portSpeed) | portCCS | portCSC | speedID(dev.Speed)<<portSpeed
	raise := c.portEvent(portNum)
	c.mu.Unlock()
	if raise {
		c.assert()
	}
	return nil
}

// Detach disconnects the device on port.
func (c *Controller) Detach(portNum int) error {
	c.mu.Lock()
	if portNum < 1 || portNum > len(c.ports) {
		c.mu.Unlock()
		return fmt.Errorf("sim: %w: port %d", pkg.ErrInvalidParameter, portNum)
	}
	p := c.ports[portNum-1]
	p.dev = nil
	p.sc = p.sc&^(portCCS|portPED|0xf<<portSpeed) | portCSC
	raise := c.portEvent(portNum)
	c.mu.Unlock()
	if raise {
		c.assert()
	}
	return nil
}

func (c *Controller) writePort(n int, p *port, v uint32) bool {
	p.sc &^= v & portRW1C
	if v&portPED != 0 {
		p.sc &^= portPED
	}
	if v&portPR != 0 && p.sc&portCCS != 0 {
		p.sc |= portPED | portPRC
		return c.portEvent(n)
	}
	return false
}

// portEvent posts a Port Status Change Event while the controller runs.
func (c *Controller) portEvent(n int) bool {
	c.sts |= stsPCD
	if c.cmd&cmdRun == 0 {
		return false
	}
	c.post(xhci.TRB{
		Parameter: uint64(n) << 24,
		Status:    uint32(xhci.CompletionSuccess) << 24,
		Control:   uint32(xhci.TRBPortStatusChange) << 10,
	})
	return c.interruptible()
}

// InjectHostSystemError sets USBSTS.HSE, halts the controller and asserts the
// interrupt line.
func (c *Controller) InjectHostSystemError() {
	c.mu.Lock()
	c.sts |= stsHSE | stsHalted
	c.cmd &^= cmdRun
	c.mu.Unlock()
	c.assert()
}

func speedID(s hal.Speed) uint32 {
	switch s {
	case hal.SpeedFull:
		return 1
	case hal.SpeedLow:
		return 2
	case hal.SpeedHigh:
		return 3
	case hal.SpeedSuper:
		return 4
	default:
		return 0
	}
}
