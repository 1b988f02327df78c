package uio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/spf13/afero"
	"golang.org/x/sys/unix"

	"github.com/ardnew/xhci/host/hal/xhci"
	"github.com/ardnew/xhci/host/hal/xhci/dma"
	"github.com/ardnew/xhci/pkg"
)

// Default locations of the UIO sysfs class and device nodes.
const (
	DefaultSysfsRoot = "/sys/class/uio"
	DefaultDevRoot   = "/dev"
)

// Config selects a UIO device and the maps it exports.
type Config struct {
	Index       int    // N in /dev/uioN
	RegisterMap int    // map holding the xHCI register window
	DMAMap      int    // map holding coherent memory for rings and contexts
	SysfsRoot   string // defaults to DefaultSysfsRoot
	DevRoot     string // defaults to DefaultDevRoot

	// Fs reads the sysfs attributes. Defaults to the OS filesystem.
	Fs afero.Fs
}

// DefaultConfig returns the configuration for /dev/uio0 with registers in
// map0 and DMA memory in map1.
func DefaultConfig() Config {
	return Config{
		Index:       0,
		RegisterMap: 0,
		DMAMap:      1,
		SysfsRoot:   DefaultSysfsRoot,
		DevRoot:     DefaultDevRoot,
	}
}

func (c *Config) fill() {
	if c.SysfsRoot == "" {
		c.SysfsRoot = DefaultSysfsRoot
	}
	if c.DevRoot == "" {
		c.DevRoot = DefaultDevRoot
	}
	if c.Fs == nil {
		c.Fs = afero.NewOsFs()
	}
}

// Map describes one memory region a UIO driver exports.
type Map struct {
	Index  int
	Name   string
	Addr   uint64 // physical address
	Size   int
	Offset int // offset of Addr within the first mapped page
}

// ReadMaps lists the maps of uio device index under root.
func ReadMaps(fs afero.Fs, root string, index int) ([]Map, error) {
	dir := path.Join(root, fmt.Sprintf("uio%d", index), "maps")
	entries, err := afero.ReadDir(fs, dir)
	if err != nil {
		return nil, fmt.Errorf("uio: %w", err)
	}
	var maps []Map
	for _, e := range entries {
		var k int
		if _, err := fmt.Sscanf(e.Name(), "map%d", &k); err != nil {
			continue
		}
		m, err := readMap(fs, path.Join(dir, e.Name()), k)
		if err != nil {
			return nil, err
		}
		maps = append(maps, m)
	}
	if len(maps) == 0 {
		return nil, fmt.Errorf("uio: %w: no maps in %s", pkg.ErrNotSupported, dir)
	}
	return maps, nil
}

func readMap(fs afero.Fs, dir string, k int) (Map, error) {
	m := Map{Index: k}
	addr, err := readValue(fs, path.Join(dir, "addr"))
	if err != nil {
		return m, err
	}
	size, err := readValue(fs, path.Join(dir, "size"))
	if err != nil {
		return m, err
	}
	if size == 0 {
		return m, fmt.Errorf("uio: %w: %s has zero size", pkg.ErrInvalidParameter, dir)
	}
	m.Addr, m.Size = addr, int(size)

	// offset and name are absent on older kernels.
	if off, err := readValue(fs, path.Join(dir, "offset")); err == nil {
		m.Offset = int(off)
	}
	if b, err := afero.ReadFile(fs, path.Join(dir, "name")); err == nil {
		m.Name = strings.TrimSpace(string(b))
	}
	return m, nil
}

// readValue parses a sysfs attribute holding a decimal or 0x-prefixed number.
func readValue(fs afero.Fs, file string) (uint64, error) {
	b, err := afero.ReadFile(fs, file)
	if err != nil {
		return 0, fmt.Errorf("uio: %w", err)
	}
	v, err := strconv.ParseUint(strings.TrimSpace(string(b)), 0, 64)
	if err != nil {
		return 0, fmt.Errorf("uio: %s: %w", file, err)
	}
	return v, nil
}

func findMap(maps []Map, k int) (Map, bool) {
	for _, m := range maps {
		if m.Index == k {
			return m, true
		}
	}
	return Map{}, false
}

// Device is an xHCI controller bound to the UIO framework. It provides the
// register window, a coherent memory arena, and the interrupt line.
type Device struct {
	*dma.Arena

	cfg  Config
	file *os.File
	regs []byte // register map, page aligned
	mem  []byte // DMA map, page aligned
	base int    // offset of the register window within regs

	mu      sync.Mutex
	handler func()
	enabled bool
	started bool
	done    chan struct{}
	wg      sync.WaitGroup

	closeOnce sync.Once
	closeErr  error
}

var (
	_ xhci.Registers           = (*Device)(nil)
	_ xhci.InterruptController = (*Device)(nil)
	_ dma.Allocator            = (*Device)(nil)
)

// Open maps the register and DMA regions of the UIO device cfg selects.
func Open(cfg Config) (*Device, error) {
	cfg.fill()
	if cfg.RegisterMap == cfg.DMAMap {
		return nil, fmt.Errorf("uio: %w: register and DMA maps must differ",
			pkg.ErrInvalidParameter)
	}
	maps, err := ReadMaps(cfg.Fs, cfg.SysfsRoot, cfg.Index)
	if err != nil {
		return nil, err
	}
	rm, ok := findMap(maps, cfg.RegisterMap)
	if !ok {
		return nil, fmt.Errorf("uio: %w: map%d", pkg.ErrNotSupported, cfg.RegisterMap)
	}
	dm, ok := findMap(maps, cfg.DMAMap)
	if !ok {
		return nil, fmt.Errorf("uio: %w: map%d", pkg.ErrNotSupported, cfg.DMAMap)
	}

	name := path.Join(cfg.DevRoot, fmt.Sprintf("uio%d", cfg.Index))
	f, err := os.OpenFile(name, os.O_RDWR|os.O_SYNC, 0)
	if err != nil {
		return nil, fmt.Errorf("uio: %w", err)
	}
	d := &Device{cfg: cfg, file: f, base: rm.Offset, done: make(chan struct{})}

	if d.regs, err = mapRegion(f, rm); err != nil {
		d.unmap()
		return nil, fmt.Errorf("uio: %s register map: %w", name, err)
	}
	if d.mem, err = mapRegion(f, dm); err != nil {
		d.unmap()
		return nil, fmt.Errorf("uio: %s DMA map: %w", name, err)
	}
	d.Arena, err = dma.NewArena(dm.Addr, d.mem[dm.Offset:dm.Offset+dm.Size], nil)
	if err != nil {
		d.unmap()
		return nil, err
	}

	pkg.LogInfo(pkg.ComponentPlatform, "uio device opened",
		"device", name,
		"regs", fmt.Sprintf("%#x+%#x", rm.Addr, rm.Size),
		"dma", fmt.Sprintf("%#x+%#x", dm.Addr, dm.Size))
	return d, nil
}

// mapRegion maps map m of the device. UIO selects map K by an mmap offset
// of K pages.
func mapRegion(f *os.File, m Map) ([]byte, error) {
	page := unix.Getpagesize()
	length := (m.Offset + m.Size + page - 1) &^ (page - 1)
	return unix.Mmap(int(f.Fd()), int64(m.Index*page), length,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
}

func (d *Device) unmap() {
	if d.regs != nil {
		unix.Munmap(d.regs)
		d.regs = nil
	}
	if d.mem != nil {
		unix.Munmap(d.mem)
		d.mem = nil
	}
	if d.file != nil {
		d.file.Close()
		d.file = nil
	}
}

// Read32 implements xhci.Registers.
func (d *Device) Read32(off uint32) uint32 {
	return atomic.LoadUint32((*uint32)(unsafe.Pointer(&d.regs[d.base+int(off)])))
}

// Write32 implements xhci.Registers.
func (d *Device) Write32(off uint32, v uint32) {
	atomic.StoreUint32((*uint32)(unsafe.Pointer(&d.regs[d.base+int(off)])), v)
}

// Register implements xhci.InterruptController. A UIO device has a single
// interrupt, line 0.
func (d *Device) Register(line int, handler func()) error {
	if line != 0 || handler == nil {
		return fmt.Errorf("uio: %w: line %d", pkg.ErrInvalidParameter, line)
	}
	d.mu.Lock()
	d.handler = handler
	d.mu.Unlock()
	return nil
}

// Enable implements xhci.InterruptController. The priority is ignored.
func (d *Device) Enable(line int, _ int) error {
	if line != 0 {
		return fmt.Errorf("uio: %w: line %d", pkg.ErrInvalidParameter, line)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.handler == nil {
		return fmt.Errorf("uio: %w: no handler registered", pkg.ErrInvalidState)
	}
	if err := d.unmask(true); err != nil {
		return err
	}
	d.enabled = true
	if !d.started {
		d.started = true
		d.wg.Add(1)
		go d.wait()
	}
	return nil
}

// Disable implements xhci.InterruptController.
func (d *Device) Disable(line int) error {
	if line != 0 {
		return fmt.Errorf("uio: %w: line %d", pkg.ErrInvalidParameter, line)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.enabled = false
	return d.unmask(false)
}

// unmask writes the UIO irqcontrol word. Drivers without irqcontrol reject
// the write, in which case the line is left as the driver manages it.
func (d *Device) unmask(on bool) error {
	if d.file == nil {
		return fmt.Errorf("uio: %w: device closed", pkg.ErrInvalidState)
	}
	var b [4]byte
	if on {
		binary.NativeEndian.PutUint32(b[:], 1)
	}
	if _, err := d.file.Write(b[:]); err != nil && !errors.Is(err, unix.EIO) {
		return fmt.Errorf("uio: irqcontrol: %w", err)
	}
	return nil
}

// wait reads interrupt counts from the device node and runs the handler for
// each one, re-arming the line afterwards.
func (d *Device) wait() {
	defer d.wg.Done()
	f := d.file
	var b [4]byte
	var last uint32
	for {
		n, err := f.Read(b[:])
		if err != nil {
			select {
			case <-d.done:
			default:
				pkg.LogError(pkg.ComponentPlatform, "interrupt read failed", "error", err)
			}
			return
		}
		if n != len(b) {
			continue
		}
		count := binary.NativeEndian.Uint32(b[:])
		if last != 0 && count-last > 1 {
			pkg.LogDebug(pkg.ComponentPlatform, "interrupts coalesced",
				"count", count-last)
		}
		last = count

		d.mu.Lock()
		handler, enabled := d.handler, d.enabled
		d.mu.Unlock()
		if !enabled {
			continue
		}
		handler()

		d.mu.Lock()
		if d.enabled {
			d.unmask(true)
		}
		d.mu.Unlock()
	}
}

// Close stops interrupt delivery and unmaps the device. Later calls return
// the result of the first.
func (d *Device) Close() error {
	d.closeOnce.Do(func() {
		d.mu.Lock()
		d.enabled = false
		d.mu.Unlock()
		close(d.done)

		// Closing the node unblocks the interrupt reader.
		d.closeErr = d.file.Close()
		d.wg.Wait()
		d.mu.Lock()
		d.file = nil
		d.mu.Unlock()
		d.unmap()
	})
	return d.closeErr
}

// Maps returns the maps the device exports.
func (d *Device) Maps() ([]Map, error) {
	return ReadMaps(d.cfg.Fs, d.cfg.SysfsRoot, d.cfg.Index)
}
