package xhci

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jpillora/backoff"

	"github.com/ardnew/xhci/host/hal"
	"github.com/ardnew/xhci/host/hal/xhci/dma"
	"github.com/ardnew/xhci/pkg"
)

// Config holds controller tuning parameters.
type Config struct {
	Line     int // interrupt line
	Priority int // interrupt priority

	CommandRingSize  int // TRBs, including the Link TRB
	EventRingSize    int
	TransferRingSize int

	CommandTimeout time.Duration // per command completion
	ReadyTimeout   time.Duration // per halt, reset and port reset poll
	PollMin        time.Duration // register poll backoff bounds
	PollMax        time.Duration

	MaxSlots uint8 // 0 enables every slot the controller supports
	IMOD     uint32

	// PHYInit brings up the platform PHY before the controller is touched.
	PHYInit func(ctx context.Context) error
}

// DefaultConfig returns the default controller configuration.
func DefaultConfig() Config {
	return Config{
		CommandRingSize:  64,
		EventRingSize:    64,
		TransferRingSize: 64,
		CommandTimeout:   5 * time.Second,
		ReadyTimeout:     time.Second,
		PollMin:          10 * time.Microsecond,
		PollMax:          10 * time.Millisecond,
		IMOD:             4000, // 1ms in 250ns units
	}
}

// State is the controller lifecycle state.
type State int32

// Controller lifecycle states.
const (
	StateUninitialized State = iota
	StateInitialized
	StateRunning
	StateStopped
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitialized:
		return "initialized"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state %d", int32(s))
	}
}

// Controller drives one xHCI host controller through its registers, coherent
// memory and interrupt line.
type Controller struct {
	raw   Registers
	alloc dma.Allocator
	irq   InterruptController
	cfg   Config

	caps     capabilities
	regs     regs
	maxSlots uint8
	state    atomic.Int32
	life     sync.Mutex // serializes lifecycle transitions

	dcbaa    *DCBAA
	scratch  *dma.Region   // scratchpad buffer array
	pages    []*dma.Region // scratchpad buffers
	cmdRing  *Ring
	events   *EventRing
	cmdMu    sync.Mutex // command ring producer
	intrMu   sync.Mutex // event ring consumer
	commands *commandTracker

	xferMu     sync.Mutex // pending TD queues of every endpoint
	nextCookie atomic.Uint64

	devMu   sync.RWMutex
	devices [dcbaaEntries]*Device
	byAddr  map[hal.DeviceAddress]*Device
	orphans []*Device

	listenMu  sync.RWMutex
	listeners []func(TRB)

	connects    chan int
	disconnects chan int

	fatal      chan uint32
	stop       context.CancelFunc
	supervised chan struct{}
}

// New returns a controller for the register window r. Memory shared with the
// controller comes from alloc; irq delivers its interrupt.
func New(r Registers, alloc dma.Allocator, irq InterruptController, cfg Config) *Controller {
	def := DefaultConfig()
	if cfg.CommandRingSize == 0 {
		cfg.CommandRingSize = def.CommandRingSize
	}
	if cfg.EventRingSize == 0 {
		cfg.EventRingSize = def.EventRingSize
	}
	if cfg.TransferRingSize == 0 {
		cfg.TransferRingSize = def.TransferRingSize
	}
	if cfg.CommandTimeout == 0 {
		cfg.CommandTimeout = def.CommandTimeout
	}
	if cfg.ReadyTimeout == 0 {
		cfg.ReadyTimeout = def.ReadyTimeout
	}
	if cfg.PollMin == 0 {
		cfg.PollMin = def.PollMin
	}
	if cfg.PollMax == 0 {
		cfg.PollMax = def.PollMax
	}

	return &Controller{
		raw:         r,
		alloc:       alloc,
		irq:         irq,
		cfg:         cfg,
		commands:    newCommandTracker(),
		byAddr:      make(map[hal.DeviceAddress]*Device),
		connects:    make(chan int, 16),
		disconnects: make(chan int, 16),
		fatal:       make(chan uint32, 1),
	}
}

// State returns the lifecycle state.
func (c *Controller) State() State {
	return State(c.state.Load())
}

func (c *Controller) setState(s State) {
	old := State(c.state.Swap(int32(s)))
	if old != s {
		pkg.LogDebug(pkg.ComponentController, "state change",
			"from", old.String(),
			"to", s.String())
	}
}

func (c *Controller) backoff() *backoff.Backoff {
	return &backoff.Backoff{Min: c.cfg.PollMin, Max: c.cfg.PollMax, Factor: 2}
}

func (c *Controller) waitFor(ctx context.Context, off, mask, want uint32) error {
	return c.regs.waitFor(ctx, off, mask, want, c.cfg.ReadyTimeout, c.backoff())
}

// Capabilities reports what Init discovered.
type Capabilities struct {
	Version     uint16
	MaxSlots    int
	MaxPorts    int
	Interrupts  int
	Scratchpads int
	ContextSize int
	AC64        bool
}

// Capabilities returns the controller parameters read at Init.
func (c *Controller) Capabilities() Capabilities {
	return Capabilities{
		Version:     c.caps.hciVersion,
		MaxSlots:    int(c.caps.maxSlots),
		MaxPorts:    int(c.caps.maxPorts),
		Interrupts:  int(c.caps.maxIntrs),
		Scratchpads: c.caps.scratchpads,
		ContextSize: c.caps.contextSize,
		AC64:        c.caps.ac64,
	}
}

// Init brings the PHY up, discovers the controller, resets it and programs
// the DCBAA, command ring and event ring. The controller is left halted with
// its interrupt handler registered and enabled.
func (c *Controller) Init(ctx context.Context) error {
	c.life.Lock()
	defer c.life.Unlock()

	if s := c.State(); s != StateUninitialized {
		return fmt.Errorf("%w: init from %s", pkg.ErrInvalidState, s)
	}

	if c.cfg.PHYInit != nil {
		if err := c.cfg.PHYInit(ctx); err != nil {
			return fmt.Errorf("PHY init: %w", err)
		}
	}

	c.caps = readCapabilities(c.raw)
	c.regs = newRegs(c.raw, c.caps)
	if c.caps.maxSlots == 0 || c.caps.maxPorts == 0 {
		return fmt.Errorf("%w: no slots or ports (HCSPARAMS1 %#x)",
			pkg.ErrNotSupported, c.raw.Read32(capHCSParams1))
	}
	c.maxSlots = c.caps.maxSlots
	if c.cfg.MaxSlots != 0 && c.cfg.MaxSlots < c.maxSlots {
		c.maxSlots = c.cfg.MaxSlots
	}

	pkg.LogInfo(pkg.ComponentController, "controller found",
		"version", fmt.Sprintf("%x.%02x", c.caps.hciVersion>>8, c.caps.hciVersion&0xff),
		"slots", c.caps.maxSlots,
		"ports", c.caps.maxPorts,
		"contextSize", c.caps.contextSize,
		"scratchpads", c.caps.scratchpads)

	if err := c.allocate(); err != nil {
		c.release()
		return err
	}
	if err := c.reset(ctx); err != nil {
		c.release()
		return err
	}
	if err := c.irq.Register(c.cfg.Line, c.HandleInterrupt); err != nil {
		c.release()
		return fmt.Errorf("register interrupt: %w", err)
	}
	if err := c.irq.Enable(c.cfg.Line, c.cfg.Priority); err != nil {
		c.release()
		return fmt.Errorf("enable interrupt: %w", err)
	}

	c.setState(StateInitialized)
	return nil
}

// allocate creates the DCBAA, scratchpad buffers, command ring and event
// ring.
func (c *Controller) allocate() error {
	var err error
	if c.dcbaa, err = allocDCBAA(c.alloc); err != nil {
		return err
	}
	if err = c.allocScratchpads(); err != nil {
		return err
	}
	if c.cmdRing, err = NewRing(c.alloc, 64, c.cfg.CommandRingSize); err != nil {
		return fmt.Errorf("command %w", err)
	}
	if c.events, err = NewEventRing(c.alloc, c.cfg.EventRingSize); err != nil {
		return err
	}
	return nil
}

// allocScratchpads gives the controller the private pages it asked for in
// HCSPARAMS2 and installs the array in DCBAA entry 0.
func (c *Controller) allocScratchpads() error {
	n := c.caps.scratchpads
	if n == 0 {
		return nil
	}
	page := c.pageSize()
	arr, err := c.alloc.Alloc(64, n*8)
	if err != nil {
		return fmt.Errorf("scratchpad array: %w", err)
	}
	c.scratch = arr
	for i := 0; i < n; i++ {
		buf, err := c.alloc.Alloc(page, page)
		if err != nil {
			return fmt.Errorf("scratchpad buffer %d: %w", i, err)
		}
		c.pages = append(c.pages, buf)
		arr.Store64(i*8, buf.Phys())
	}
	c.alloc.Flush(arr.Phys(), arr.Len())
	c.dcbaa.update(0, arr.Phys())
	return nil
}

// pageSize returns the controller page size from the PAGESIZE register.
func (c *Controller) pageSize() int {
	v := c.regs.readOp(opPageSize) & 0xffff
	for i := 0; i < 16; i++ {
		if v&(1<<i) != 0 {
			return 4096 << i
		}
	}
	return 4096
}

// release frees everything allocate created.
func (c *Controller) release() {
	c.events.Free()
	c.events = nil
	c.cmdRing.Free()
	c.cmdRing = nil
	for _, p := range c.pages {
		c.alloc.Free(p)
	}
	c.pages = nil
	if c.scratch != nil {
		c.alloc.Free(c.scratch)
		c.scratch = nil
	}
	c.dcbaa.Free()
	c.dcbaa = nil
}

// halt clears Run/Stop and waits for HCHalted.
func (c *Controller) halt(ctx context.Context) error {
	c.regs.writeOp(opUSBCmd, c.regs.readOp(opUSBCmd)&^cmdRun)
	if err := c.waitFor(ctx, opUSBSts, stsHalted, stsHalted); err != nil {
		return fmt.Errorf("halt: %w", err)
	}
	return nil
}

// reset halts and resets the controller, then programs every register that
// points at driver memory. Rings are rewound and slot entries cleared.
func (c *Controller) reset(ctx context.Context) error {
	if err := c.halt(ctx); err != nil {
		return err
	}
	c.regs.writeOp(opUSBCmd, cmdReset)
	if err := c.waitFor(ctx, opUSBCmd, cmdReset, 0); err != nil {
		return fmt.Errorf("reset: %w", err)
	}
	if err := c.waitFor(ctx, opUSBSts, stsCNR, 0); err != nil {
		return fmt.Errorf("reset: %w", err)
	}

	c.regs.writeOp(opConfig, c.regs.readOp(opConfig)&^0xff|uint32(c.maxSlots))

	for slot := 1; slot < dcbaaEntries; slot++ {
		c.dcbaa.mem.Store64(slot*8, 0)
	}
	c.dcbaa.flush()
	c.regs.write64(c.regs.op+opDCBAAP, c.dcbaa.Phys())

	c.cmdRing.Reset()
	c.regs.write64(c.regs.op+opCRCR, c.cmdRing.Phys()|uint64(c.cmdRing.Cycle()&crcrRCS))

	c.events.Reset()
	c.regs.writeIR(irERSTSZ, c.events.SegmentCount())
	c.regs.write64(c.regs.ir0+irERDP, c.events.DequeuePointer())
	c.regs.write64(c.regs.ir0+irERSTBA, c.events.SegmentTable())
	c.regs.writeIR(irIMOD, c.cfg.IMOD)

	pkg.LogDebug(pkg.ComponentController, "controller reset",
		"dcbaa", fmt.Sprintf("%#x", c.dcbaa.Phys()),
		"cmdRing", fmt.Sprintf("%#x", c.cmdRing.Phys()),
		"erst", fmt.Sprintf("%#x", c.events.SegmentTable()))
	return nil
}

// run enables interrupts, sets Run/Stop and waits for the controller to
// leave the halted state.
func (c *Controller) run(ctx context.Context) error {
	c.enableInterrupts()
	c.regs.writeOp(opUSBCmd, c.regs.readOp(opUSBCmd)|cmdRun|cmdHSEE)
	if err := c.waitFor(ctx, opUSBSts, stsHalted, 0); err != nil {
		return fmt.Errorf("start: %w", err)
	}
	c.setState(StateRunning)
	metricRunning.Set(1)
	return nil
}

// Start runs the controller.
func (c *Controller) Start() error {
	c.life.Lock()
	defer c.life.Unlock()

	if s := c.State(); s != StateInitialized && s != StateStopped {
		return fmt.Errorf("%w: start from %s", pkg.ErrInvalidState, s)
	}
	c.stopSupervisor()
	if err := c.run(context.Background()); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.stop = cancel
	c.supervised = make(chan struct{})
	go c.supervise(ctx)

	pkg.LogInfo(pkg.ComponentController, "controller running")
	return nil
}

// Stop halts the controller. Outstanding requests are failed.
func (c *Controller) Stop() error {
	c.life.Lock()
	defer c.life.Unlock()
	return c.stopLocked()
}

// stopSupervisor cancels the fatal-error supervisor and waits for it to exit.
// The supervisor may already have exited after a failed recovery.
func (c *Controller) stopSupervisor() {
	if c.stop != nil {
		c.stop()
		<-c.supervised
		c.stop = nil
	}
}

func (c *Controller) stopLocked() error {
	if s := c.State(); s != StateRunning {
		return fmt.Errorf("%w: stop from %s", pkg.ErrInvalidState, s)
	}
	c.stopSupervisor()

	c.setState(StateStopped)
	metricRunning.Set(0)

	c.intrMu.Lock()
	c.disableInterrupts()
	c.intrMu.Unlock()
	err := c.halt(context.Background())

	c.commands.failAll(pkg.ErrNotRunning)
	c.devMu.RLock()
	for _, dev := range c.devices {
		if dev == nil {
			continue
		}
		for _, ep := range dev.endpoints {
			if ep != nil {
				c.failPending(ep, pkg.ErrNotRunning)
			}
		}
	}
	c.devMu.RUnlock()

	pkg.LogInfo(pkg.ComponentController, "controller stopped")
	return err
}

// Close stops the controller if it is running, disables its interrupt and
// frees every ring and context.
func (c *Controller) Close() error {
	c.life.Lock()
	defer c.life.Unlock()

	s := c.State()
	if s == StateClosed {
		return nil
	}
	if s == StateRunning {
		if err := c.stopLocked(); err != nil {
			pkg.LogWarn(pkg.ComponentController, "stop on close", "error", err)
		}
	}
	c.stopSupervisor()
	if s != StateUninitialized {
		if err := c.irq.Disable(c.cfg.Line); err != nil {
			pkg.LogWarn(pkg.ComponentController, "disable interrupt", "error", err)
		}
	}

	c.devMu.Lock()
	for slot, dev := range c.devices {
		if dev != nil {
			dev.release(c.alloc)
			c.devices[slot] = nil
		}
	}
	for _, dev := range c.orphans {
		dev.release(c.alloc)
	}
	c.orphans = nil
	clear(c.byAddr)
	c.devMu.Unlock()

	c.release()
	c.setState(StateClosed)
	return nil
}

// device returns the device in slot, or nil.
func (c *Controller) device(slot uint8) *Device {
	c.devMu.RLock()
	defer c.devMu.RUnlock()
	return c.devices[slot]
}

// lookup returns the device with the given USB address.
func (c *Controller) lookup(addr hal.DeviceAddress) (*Device, error) {
	c.devMu.RLock()
	defer c.devMu.RUnlock()
	dev, ok := c.byAddr[addr]
	if !ok {
		return nil, fmt.Errorf("%w: address %d", pkg.ErrNoDevice, addr)
	}
	return dev, nil
}

// Device returns the device with the given USB address.
func (c *Controller) Device(addr hal.DeviceAddress) (*Device, error) {
	return c.lookup(addr)
}

// DCBAA returns the device context base address array.
func (c *Controller) DCBAA() *DCBAA {
	return c.dcbaa
}

// CommandRing returns the command ring.
func (c *Controller) CommandRing() *Ring {
	return c.cmdRing
}
