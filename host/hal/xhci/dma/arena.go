package dma

import (
	"fmt"
	"sort"
	"sync"
	"unsafe"

	"github.com/ardnew/xhci/pkg"
)

// span is a free extent [start, end) in arena offsets.
type span struct {
	start, end int
}

// Arena is a first-fit allocator over one physically contiguous buffer, such
// as a UIO DMA map or a reserved-memory carveout.
type Arena struct {
	base  *Region
	free  []span
	used  map[uint64]span
	flush func(phys uint64, length int)

	mu sync.Mutex
}

// NewArena creates an allocator over buf, which starts at physical address
// phys. flush is called for every Flush request; it may be nil when the
// mapping is uncached.
func NewArena(phys uint64, buf []byte, flush func(phys uint64, length int)) (*Arena, error) {
	if len(buf) == 0 {
		return nil, fmt.Errorf("arena: %w: empty buffer", pkg.ErrInvalidParameter)
	}
	if phys%8 != 0 || uintptr(unsafe.Pointer(&buf[0]))%8 != 0 {
		return nil, fmt.Errorf("arena: %w: base must be 8-byte aligned", pkg.ErrAlignment)
	}
	return &Arena{
		base:  NewRegion(phys, buf),
		free:  []span{{0, len(buf)}},
		used:  make(map[uint64]span),
		flush: flush,
	}, nil
}

// Alloc implements Allocator.
func (a *Arena) Alloc(align, size int) (*Region, error) {
	if size <= 0 || align <= 0 || align&(align-1) != 0 {
		return nil, fmt.Errorf("arena: %w: align=%d size=%d",
			pkg.ErrInvalidParameter, align, size)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	for i, s := range a.free {
		phys := a.base.phys + uint64(s.start)
		pad := int((uint64(align) - phys%uint64(align)) % uint64(align))
		start := s.start + pad
		end := start + size
		if end > s.end {
			continue
		}

		// Split the free span around the allocation.
		var rest []span
		if s.start < start {
			rest = append(rest, span{s.start, start})
		}
		if end < s.end {
			rest = append(rest, span{end, s.end})
		}
		a.free = append(a.free[:i], append(rest, a.free[i+1:]...)...)

		r := a.base.Slice(start, size)
		r.Zero()
		a.used[r.phys] = span{start, end}
		return r, nil
	}

	return nil, fmt.Errorf("arena: %w: %d bytes aligned to %d",
		pkg.ErrNoMemory, size, align)
}

// Free implements Allocator.
func (a *Arena) Free(r *Region) {
	if r == nil {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	s, ok := a.used[r.phys]
	if !ok {
		pkg.LogWarn(pkg.ComponentPlatform, "free of unknown region",
			"phys", fmt.Sprintf("%#x", r.phys))
		return
	}
	delete(a.used, r.phys)

	a.free = append(a.free, s)
	sort.Slice(a.free, func(i, j int) bool { return a.free[i].start < a.free[j].start })

	merged := a.free[:1]
	for _, f := range a.free[1:] {
		last := &merged[len(merged)-1]
		if f.start <= last.end {
			if f.end > last.end {
				last.end = f.end
			}
			continue
		}
		merged = append(merged, f)
	}
	a.free = merged
}

// Flush implements Allocator.
func (a *Arena) Flush(phys uint64, length int) {
	if a.flush != nil {
		a.flush(phys, length)
	}
}

// Resolve returns a view of length bytes at physical address phys, or false
// if the range is not inside the arena. It is how a bus master (or a model
// of one) dereferences addresses it finds in descriptors.
func (a *Arena) Resolve(phys uint64, length int) (*Region, bool) {
	if phys < a.base.phys || length < 0 {
		return nil, false
	}
	off := phys - a.base.phys
	if off+uint64(length) > uint64(a.base.Len()) {
		return nil, false
	}
	return a.base.Slice(int(off), length), true
}

// Available returns the number of free bytes, ignoring fragmentation.
func (a *Arena) Available() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	n := 0
	for _, s := range a.free {
		n += s.end - s.start
	}
	return n
}

// NewHeapArena allocates an arena of size bytes on the Go heap and assigns it
// the given fake physical base. It is intended for controller models and
// tests, where "physical" addresses are only identifiers.
func NewHeapArena(phys uint64, size int) (*Arena, error) {
	if size <= 0 {
		return nil, fmt.Errorf("arena: %w: size=%d", pkg.ErrInvalidParameter, size)
	}
	words := make([]uint64, (size+7)/8)
	buf := unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), size)
	return NewArena(phys, buf, nil)
}
