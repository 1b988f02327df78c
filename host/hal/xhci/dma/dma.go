package dma

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"
	"unsafe"
)

// Allocator provides memory that both the CPU and a bus-mastering controller
// can access.
type Allocator interface {
	// Alloc returns a zeroed region of at least size bytes whose physical
	// address is a multiple of align (a power of two).
	Alloc(align, size int) (*Region, error)

	// Free returns a region to the allocator. The region must not be used
	// afterwards.
	Free(r *Region)

	// Flush forces CPU-cached writes in [phys, phys+length) out to memory the
	// controller reads.
	Flush(phys uint64, length int)
}

// Region is a physically contiguous block of coherent memory.
//
// All multi-byte accessors are little-endian. The 32-bit accessors are
// atomic so a store through Store32 is observed after every store that
// precedes it in program order.
type Region struct {
	phys uint64
	buf  []byte
}

// NewRegion wraps buf, located at physical address phys. buf must be 8-byte
// aligned in virtual memory.
func NewRegion(phys uint64, buf []byte) *Region {
	return &Region{phys: phys, buf: buf}
}

// Phys returns the physical address of the first byte.
func (r *Region) Phys() uint64 {
	return r.phys
}

// Len returns the size of the region in bytes.
func (r *Region) Len() int {
	return len(r.buf)
}

// Bytes returns the backing memory.
func (r *Region) Bytes() []byte {
	return r.buf
}

// Slice returns a view of n bytes starting at off.
func (r *Region) Slice(off, n int) *Region {
	return &Region{phys: r.phys + uint64(off), buf: r.buf[off : off+n : off+n]}
}

// Zero clears the region.
func (r *Region) Zero() {
	clear(r.buf)
}

// Load32 atomically reads the 32-bit word at off.
func (r *Region) Load32(off int) uint32 {
	return leToHost(atomic.LoadUint32(r.word(off)))
}

// Store32 atomically writes the 32-bit word at off.
func (r *Region) Store32(off int, v uint32) {
	atomic.StoreUint32(r.word(off), leToHost(v))
}

// word returns the address of the 32-bit word at off. The bounds check must
// not touch memory: the controller may be storing to the same word.
func (r *Region) word(off int) *uint32 {
	if off < 0 || off > len(r.buf)-4 {
		panic(fmt.Sprintf("dma: word at offset %d outside %d-byte region", off, len(r.buf)))
	}
	return (*uint32)(unsafe.Pointer(&r.buf[off]))
}

// Load64 reads the 64-bit value at off, low word first.
func (r *Region) Load64(off int) uint64 {
	return uint64(r.Load32(off)) | uint64(r.Load32(off+4))<<32
}

// Store64 writes the 64-bit value at off, low word first.
func (r *Region) Store64(off int, v uint64) {
	r.Store32(off, uint32(v))
	r.Store32(off+4, uint32(v>>32))
}

// Read copies len(p) bytes starting at off into p.
func (r *Region) Read(off int, p []byte) int {
	return copy(p, r.buf[off:])
}

// Write copies p into the region starting at off.
func (r *Region) Write(off int, p []byte) int {
	return copy(r.buf[off:], p)
}

var nativeLittle = func() bool {
	var x uint16 = 1
	return *(*byte)(unsafe.Pointer(&x)) == 1
}()

// leToHost converts between a little-endian memory word and the host's
// native representation; the conversion is its own inverse.
func leToHost(v uint32) uint32 {
	if nativeLittle {
		return v
	}
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return binary.LittleEndian.Uint32(b[:])
}
