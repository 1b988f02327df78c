package xhci

import (
	"fmt"

	"github.com/ardnew/xhci/host/hal/xhci/dma"
	"github.com/ardnew/xhci/pkg"
)

// erstEntrySize is the size of one Event Ring Segment Table entry.
const erstEntrySize = 16

// EventRing is a single-segment event ring together with its segment table.
// The controller produces into it; software consumes, using the consumer
// cycle state to recognize TRBs the controller has written on this pass.
type EventRing struct {
	seg   *dma.Region
	erst  *dma.Region
	alloc dma.Allocator
	size  int

	deq   int
	cycle uint32
}

// NewEventRing allocates an event ring segment of n TRBs and a one-entry
// segment table describing it.
func NewEventRing(alloc dma.Allocator, n int) (*EventRing, error) {
	if n < 16 {
		return nil, fmt.Errorf("event ring: %w: %d TRBs, need at least 16",
			pkg.ErrInvalidParameter, n)
	}
	seg, err := alloc.Alloc(64, n*TRBSize)
	if err != nil {
		return nil, fmt.Errorf("event ring: %w", err)
	}
	erst, err := alloc.Alloc(64, erstEntrySize)
	if err != nil {
		alloc.Free(seg)
		return nil, fmt.Errorf("event ring segment table: %w", err)
	}
	if seg.Phys()&63 != 0 || erst.Phys()&63 != 0 {
		alloc.Free(seg)
		alloc.Free(erst)
		return nil, fmt.Errorf("event ring: %w", pkg.ErrAlignment)
	}

	e := &EventRing{seg: seg, erst: erst, alloc: alloc, size: n}
	e.Reset()
	return e, nil
}

// Reset clears the segment and rewinds the consumer to the first TRB with a
// cycle state of 1.
func (e *EventRing) Reset() {
	e.seg.Zero()
	e.erst.Zero()
	e.erst.Store64(0, e.seg.Phys())
	e.erst.Store32(8, uint32(e.size))
	e.deq = 0
	e.cycle = 1
	e.alloc.Flush(e.seg.Phys(), e.seg.Len())
	e.alloc.Flush(e.erst.Phys(), e.erst.Len())
}

// Free returns the ring memory to the allocator.
func (e *EventRing) Free() {
	if e == nil {
		return
	}
	e.alloc.Free(e.seg)
	e.alloc.Free(e.erst)
}

// SegmentTable returns the physical address of the segment table.
func (e *EventRing) SegmentTable() uint64 {
	return e.erst.Phys()
}

// SegmentCount returns the number of entries in the segment table.
func (e *EventRing) SegmentCount() uint32 {
	return 1
}

// DequeuePointer returns the physical address of the next TRB to consume.
func (e *EventRing) DequeuePointer() uint64 {
	return e.seg.Phys() + uint64(e.deq*TRBSize)
}

// Next returns the event at the dequeue pointer if the controller has
// written it on the current pass, and advances past it. The control word is
// read first; the remaining fields are only read once its cycle bit matches.
func (e *EventRing) Next() (TRB, bool) {
	off := e.deq * TRBSize
	if e.seg.Load32(off+12)&trbCycle != e.cycle {
		return TRB{}, false
	}
	trb := loadTRB(e.seg, off)

	e.deq++
	if e.deq == e.size {
		e.deq = 0
		e.cycle ^= 1
	}
	return trb, true
}
