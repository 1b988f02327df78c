package xhci

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/ardnew/xhci/host/hal/xhci/dma"
	"github.com/ardnew/xhci/pkg"
)

// Slot is a producer position handed out by Ring.Reserve.
type Slot struct {
	Index int    // TRB index within the segment
	Cycle uint32 // producer cycle state when the slot was reserved
	Phys  uint64 // physical address of the TRB
}

// Ring is a single-segment producer ring (command or transfer ring) whose
// last TRB is a Link TRB pointing back to the start of the segment.
//
// Software owns the producer side. The consumer side is tracked by a shadow
// dequeue index that Retire advances as completion events arrive, which is
// what keeps the producer from overwriting TRBs the controller has not yet
// read. Reserve/Write must be called from one goroutine at a time; Retire may
// run concurrently with them.
type Ring struct {
	mem   *dma.Region
	alloc dma.Allocator
	size  int

	enq       int
	cycle     uint32
	lastChain bool

	live atomic.Int32 // TRBs written but not yet retired
	deq  int
	mu   sync.Mutex // guards deq
}

// NewRing allocates a zeroed ring of n TRBs aligned to align bytes, writes
// the Link TRB in the last slot and flushes the segment.
func NewRing(alloc dma.Allocator, align, n int) (*Ring, error) {
	if n < 2 {
		return nil, fmt.Errorf("ring: %w: %d TRBs", pkg.ErrInvalidParameter, n)
	}
	mem, err := alloc.Alloc(align, n*TRBSize)
	if err != nil {
		return nil, fmt.Errorf("ring: %w", err)
	}
	if align > 0 && mem.Phys()&uint64(align-1) != 0 {
		alloc.Free(mem)
		return nil, fmt.Errorf("ring: %w: %#x not aligned to %d",
			pkg.ErrAlignment, mem.Phys(), align)
	}

	r := &Ring{
		mem:   mem,
		alloc: alloc,
		size:  n,
	}
	r.init()

	pkg.LogDebug(pkg.ComponentRing, "ring allocated",
		"phys", fmt.Sprintf("%#x", mem.Phys()),
		"trbs", n)
	return r, nil
}

// init zeroes the segment, writes the Link TRB and resets both cursors.
func (r *Ring) init() {
	r.mem.Zero()
	storeTRB(r.mem, r.linkOffset(), TRB{
		Parameter: r.mem.Phys(),
		Control:   typeBits(TRBLink) | trbToggle,
	})
	r.enq = 0
	r.cycle = 1
	r.lastChain = false

	r.mu.Lock()
	r.deq = 0
	r.mu.Unlock()
	r.live.Store(0)

	r.Flush()
}

// Reset discards every TRB and returns the ring to its freshly allocated
// state. The controller must not be processing the ring.
func (r *Ring) Reset() {
	r.init()
}

// Free returns the ring memory to the allocator.
func (r *Ring) Free() {
	if r == nil || r.mem == nil {
		return
	}
	r.alloc.Free(r.mem)
	r.mem = nil
}

// Phys returns the physical address of the first TRB.
func (r *Ring) Phys() uint64 {
	return r.mem.Phys()
}

// Size returns the number of TRBs in the segment, including the Link TRB.
func (r *Ring) Size() int {
	return r.size
}

// Cycle returns the current producer cycle state.
func (r *Ring) Cycle() uint32 {
	return r.cycle
}

// Live returns the number of TRBs written and not yet retired.
func (r *Ring) Live() int {
	return int(r.live.Load())
}

// Available returns the number of slots Reserve can still hand out.
func (r *Ring) Available() int {
	return r.size - 1 - r.Live()
}

// EnqueuePointer returns the physical address and cycle state of the next
// TRB the producer will write, as used by Set TR Dequeue Pointer.
func (r *Ring) EnqueuePointer() (uint64, uint32) {
	return r.slotPhys(r.enq), r.cycle
}

// TRB returns the TRB stored at index i.
func (r *Ring) TRB(i int) TRB {
	return loadTRB(r.mem, i*TRBSize)
}

func (r *Ring) linkOffset() int {
	return (r.size - 1) * TRBSize
}

func (r *Ring) slotPhys(i int) uint64 {
	return r.mem.Phys() + uint64(i*TRBSize)
}

// Reserve advances the enqueue pointer and returns the next producer slot.
//
// When the enqueue pointer sits on the Link TRB, the link is handed to the
// consumer (its cycle bit stamped with the current state), the cycle state
// toggles if the link has Toggle Cycle set, and the pointer wraps. If the
// slot found there still holds a TRB the consumer has not retired,
// pkg.ErrRingFull is returned and nothing is overwritten.
func (r *Ring) Reserve() (Slot, error) {
	if r.enq == r.size-1 {
		r.followLink()
	}
	if r.Live() >= r.size-1 {
		metricRingFull.Inc()
		return Slot{}, pkg.ErrRingFull
	}

	s := Slot{Index: r.enq, Cycle: r.cycle, Phys: r.slotPhys(r.enq)}
	r.enq++
	r.live.Add(1)
	return s, nil
}

// followLink commits the Link TRB to the consumer and wraps the enqueue
// pointer to the start of the segment.
func (r *Ring) followLink() {
	off := r.linkOffset()
	link := loadTRB(r.mem, off)

	ctrl := link.Control &^ (trbCycle | trbChain)
	if r.lastChain {
		ctrl |= trbChain
	}
	ctrl |= r.cycle
	r.mem.Store32(off+12, ctrl)

	if link.Control&trbToggle != 0 {
		r.cycle ^= 1
	}
	r.enq = 0

	pkg.LogDebug(pkg.ComponentRing, "ring wrapped",
		"phys", fmt.Sprintf("%#x", r.mem.Phys()),
		"cycle", r.cycle)
}

// Write stores trb into a reserved slot. Parameter and status are written
// first; the control word carrying the slot's cycle bit is written last,
// which is the store that hands the TRB to the consumer.
func (r *Ring) Write(s Slot, trb TRB) {
	trb.Control = trb.Control&^trbCycle | s.Cycle
	storeTRB(r.mem, s.Index*TRBSize, trb)
	r.lastChain = trb.Control&trbChain != 0
}

// Enqueue reserves the next slot and writes trb into it.
func (r *Ring) Enqueue(trb TRB) (Slot, error) {
	s, err := r.Reserve()
	if err != nil {
		return Slot{}, err
	}
	r.Write(s, trb)
	return s, nil
}

// EnqueueTD writes a multi-TRB Transfer Descriptor. The first TRB is written
// with an inverted cycle bit and only flipped to the valid state after the
// rest of the TD is in place, so the consumer never starts on a partial TD.
// If the ring cannot hold the whole TD, nothing is written.
func (r *Ring) EnqueueTD(trbs []TRB) ([]Slot, error) {
	if len(trbs) == 0 {
		return nil, nil
	}
	if len(trbs) > r.Available() {
		metricRingFull.Inc()
		return nil, fmt.Errorf("%w: TD of %d TRBs, %d free",
			pkg.ErrRingFull, len(trbs), r.Available())
	}

	slots := make([]Slot, len(trbs))
	for i, trb := range trbs {
		s, err := r.Reserve()
		if err != nil {
			return nil, err
		}
		slots[i] = s
		if i == 0 {
			inverted := s
			inverted.Cycle ^= 1
			r.Write(inverted, trb)
			continue
		}
		r.Write(s, trb)
	}

	first := trbs[0].Control&^trbCycle | slots[0].Cycle
	r.mem.Store32(slots[0].Index*TRBSize+12, first)
	return slots, nil
}

// Flush writes the whole segment back to memory visible to the controller.
func (r *Ring) Flush() {
	r.alloc.Flush(r.mem.Phys(), r.mem.Len())
}

// Contains reports whether phys addresses a TRB in this ring.
func (r *Ring) Contains(phys uint64) bool {
	_, ok := r.index(phys)
	return ok
}

func (r *Ring) index(phys uint64) (int, bool) {
	base := r.mem.Phys()
	if phys < base || phys >= base+uint64(r.mem.Len()) || (phys-base)%TRBSize != 0 {
		return 0, false
	}
	return int((phys - base) / TRBSize), true
}

// Retire marks every TRB from the consumer shadow up to and including the
// TRB at phys as consumed. It reports false if phys is not a live TRB of this
// ring.
func (r *Ring) Retire(phys uint64) bool {
	idx, ok := r.index(phys)
	if !ok || idx == r.size-1 {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	usable := r.size - 1
	n := (idx-r.deq+usable)%usable + 1
	if n > r.Live() {
		return false
	}
	r.deq = (idx + 1) % usable
	r.live.Add(int32(-n))
	return true
}

// Discard marks every live TRB as consumed, after the controller has been
// pointed past them with Set TR Dequeue Pointer.
func (r *Ring) Discard() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deq = r.enq % (r.size - 1)
	r.live.Store(0)
}
