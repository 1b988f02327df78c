package dma

import (
	"errors"
	"testing"

	"github.com/ardnew/xhci/pkg"
)

// =============================================================================
// Region Tests
// =============================================================================

func TestRegion_LittleEndian(t *testing.T) {
	a, err := NewHeapArena(0x1000, 64)
	if err != nil {
		t.Fatalf("NewHeapArena: %v", err)
	}
	r, err := a.Alloc(16, 16)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}

	r.Store32(0, 0x11223344)
	b := r.Bytes()
	if b[0] != 0x44 || b[1] != 0x33 || b[2] != 0x22 || b[3] != 0x11 {
		t.Errorf("Store32 bytes = % x, want 44 33 22 11", b[:4])
	}

	r.Store64(8, 0x0102030405060708)
	if got := r.Load64(8); got != 0x0102030405060708 {
		t.Errorf("Load64() = %#x, want 0x0102030405060708", got)
	}
	if got := r.Load32(8); got != 0x05060708 {
		t.Errorf("low word = %#x, want 0x05060708", got)
	}
}

func TestRegion_ConcurrentWords(t *testing.T) {
	a, _ := NewHeapArena(0x1000, 64)
	r, _ := a.Alloc(16, 16)

	// One side publishes words whose halves match; the other must never see
	// a mix of two stores.
	const n = 10000
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := uint32(1); i <= n; i++ {
			r.Store32(12, i<<16|i)
		}
	}()
	for i := 0; i < n; i++ {
		if v := r.Load32(12); v>>16 != v&0xffff {
			t.Fatalf("Load32 observed torn word %#08x", v)
		}
	}
	<-done
	if got := r.Load32(12); got != n<<16|n {
		t.Errorf("final word = %#08x, want %#08x", got, uint32(n<<16|n))
	}
}

func TestRegion_WordBounds(t *testing.T) {
	a, _ := NewHeapArena(0x1000, 64)
	r, _ := a.Alloc(16, 16)

	for _, off := range []int{-4, 13, 14, 16} {
		func() {
			defer func() {
				if recover() == nil {
					t.Errorf("Load32(%d) on 16-byte region did not panic", off)
				}
			}()
			r.Load32(off)
		}()
	}
	// A region carved from a larger buffer must not reach past its length.
	s := r.Slice(0, 8)
	defer func() {
		if recover() == nil {
			t.Error("Store32(6) on 8-byte slice did not panic")
		}
	}()
	s.Store32(6, 1)
}

func TestRegion_Slice(t *testing.T) {
	a, _ := NewHeapArena(0x2000, 256)
	r, _ := a.Alloc(64, 128)

	s := r.Slice(32, 32)
	if s.Phys() != r.Phys()+32 {
		t.Errorf("Slice phys = %#x, want %#x", s.Phys(), r.Phys()+32)
	}
	if s.Len() != 32 {
		t.Errorf("Slice len = %d, want 32", s.Len())
	}

	s.Store32(0, 0xdeadbeef)
	if got := r.Load32(32); got != 0xdeadbeef {
		t.Errorf("parent Load32(32) = %#x, want 0xdeadbeef", got)
	}
}

// =============================================================================
// Arena Tests
// =============================================================================

func TestArena_AllocAlignment(t *testing.T) {
	a, err := NewHeapArena(0x10008, 1<<16)
	if err != nil {
		t.Fatalf("NewHeapArena: %v", err)
	}

	for _, align := range []int{16, 64, 4096} {
		r, err := a.Alloc(align, 100)
		if err != nil {
			t.Fatalf("Alloc(%d): %v", align, err)
		}
		if r.Phys()&uint64(align-1) != 0 {
			t.Errorf("Alloc(%d) phys = %#x, misaligned", align, r.Phys())
		}
		if r.Len() != 100 {
			t.Errorf("Alloc(%d) len = %d, want 100", align, r.Len())
		}
	}
}

func TestArena_AllocZeroes(t *testing.T) {
	a, _ := NewHeapArena(0, 256)

	r, _ := a.Alloc(8, 64)
	for i := range r.Bytes() {
		r.Bytes()[i] = 0xff
	}
	a.Free(r)

	r, _ = a.Alloc(8, 64)
	for i, b := range r.Bytes() {
		if b != 0 {
			t.Fatalf("byte %d = %#x after realloc, want 0", i, b)
		}
	}
}

func TestArena_Exhaustion(t *testing.T) {
	a, _ := NewHeapArena(0, 128)

	if _, err := a.Alloc(8, 128); err != nil {
		t.Fatalf("Alloc(full): %v", err)
	}
	_, err := a.Alloc(8, 8)
	if !errors.Is(err, pkg.ErrNoMemory) {
		t.Errorf("Alloc on exhausted arena = %v, want ErrNoMemory", err)
	}
}

func TestArena_FreeMerges(t *testing.T) {
	a, _ := NewHeapArena(0, 256)

	r1, _ := a.Alloc(8, 64)
	r2, _ := a.Alloc(8, 64)
	r3, _ := a.Alloc(8, 128)
	if a.Available() != 0 {
		t.Fatalf("Available() = %d, want 0", a.Available())
	}

	a.Free(r2)
	a.Free(r1)
	a.Free(r3)
	if a.Available() != 256 {
		t.Errorf("Available() = %d, want 256", a.Available())
	}

	if _, err := a.Alloc(8, 256); err != nil {
		t.Errorf("Alloc(256) after merge: %v", err)
	}
}

func TestArena_InvalidParameters(t *testing.T) {
	a, _ := NewHeapArena(0, 256)

	tests := []struct {
		name        string
		align, size int
	}{
		{"zero size", 8, 0},
		{"zero align", 0, 8},
		{"non power of two", 24, 8},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := a.Alloc(tt.align, tt.size)
			if !errors.Is(err, pkg.ErrInvalidParameter) {
				t.Errorf("Alloc(%d, %d) = %v, want ErrInvalidParameter", tt.align, tt.size, err)
			}
		})
	}
}

func TestArena_Resolve(t *testing.T) {
	a, _ := NewHeapArena(0x4000, 512)
	r, _ := a.Alloc(16, 32)
	r.Store32(4, 0xcafef00d)

	v, ok := a.Resolve(r.Phys()+4, 4)
	if !ok {
		t.Fatal("Resolve returned false")
	}
	if got := v.Load32(0); got != 0xcafef00d {
		t.Errorf("resolved word = %#x, want 0xcafef00d", got)
	}

	if _, ok := a.Resolve(0x3ff0, 4); ok {
		t.Error("Resolve below base should fail")
	}
	if _, ok := a.Resolve(0x4000+510, 4); ok {
		t.Error("Resolve past end should fail")
	}
}

func TestArena_Flush(t *testing.T) {
	var gotPhys uint64
	var gotLen int
	a, err := NewHeapArena(0x8000, 64)
	if err != nil {
		t.Fatal(err)
	}
	a.flush = func(phys uint64, length int) {
		gotPhys, gotLen = phys, length
	}

	a.Flush(0x8010, 32)
	if gotPhys != 0x8010 || gotLen != 32 {
		t.Errorf("flush hook got (%#x, %d), want (0x8010, 32)", gotPhys, gotLen)
	}
}
