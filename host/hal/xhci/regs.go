package xhci

import (
	"context"
	"fmt"
	"time"

	"github.com/jpillora/backoff"

	"github.com/ardnew/xhci/pkg"
)

// Registers is the controller's memory-mapped register window. Offsets are
// bytes from the capability register base.
type Registers interface {
	Read32(off uint32) uint32
	Write32(off uint32, v uint32)
}

// InterruptController installs and arms the controller's interrupt line.
// The handler runs in interrupt context and must not block.
type InterruptController interface {
	Register(line int, handler func()) error
	Enable(line int, priority int) error
	Disable(line int) error
}

// capability registers

const (
	capLength     = 0x00 // CAPLENGTH (byte 0) and HCIVERSION (bytes 2-3)
	capHCSParams1 = 0x04 // structural parameters 1
	capHCSParams2 = 0x08 // structural parameters 2
	capHCSParams3 = 0x0c // structural parameters 3
	capHCCParams1 = 0x10 // capability parameters 1
	capDBOff      = 0x14 // doorbell array offset
	capRTSOff     = 0x18 // runtime register space offset
)

// operational registers, relative to CAPLENGTH

const (
	opUSBCmd   = 0x00 // USB command
	opUSBSts   = 0x04 // USB status
	opPageSize = 0x08 // page size
	opCRCR     = 0x18 // command ring control (64-bit)
	opDCBAAP   = 0x30 // device context base address array pointer (64-bit)
	opConfig   = 0x38 // configure
	opPortBase = 0x400
	opPortSize = 0x10
)

// runtime registers, relative to RTSOFF

const (
	rtIR0    = 0x20 // interrupter 0 register set
	rtIRSize = 0x20
	irIMAN   = 0x00 // interrupter management
	irIMOD   = 0x04 // interrupter moderation
	irERSTSZ = 0x08 // event ring segment table size
	irERSTBA = 0x10 // event ring segment table base address (64-bit)
	irERDP   = 0x18 // event ring dequeue pointer (64-bit)
)

// USBCMD bits

const (
	cmdRun   = 1 << 0 // run/stop
	cmdReset = 1 << 1 // host controller reset
	cmdINTE  = 1 << 2 // interrupter enable
	cmdHSEE  = 1 << 3 // host system error enable
)

// USBSTS bits

const (
	stsHalted = 1 << 0  // HCHalted
	stsHSE    = 1 << 2  // host system error
	stsEINT   = 1 << 3  // event interrupt (RW1C)
	stsPCD    = 1 << 4  // port change detect (RW1C)
	stsCNR    = 1 << 11 // controller not ready
	stsHCE    = 1 << 12 // host controller error
)

// IMAN bits

const (
	imanIP = 1 << 0 // interrupt pending (RW1C)
	imanIE = 1 << 1 // interrupt enable
)

// CRCR and ERDP low bits

const (
	crcrRCS = 1 << 0 // ring cycle state
	erdpEHB = 1 << 3 // event handler busy (RW1C)
)

// PORTSC bits

const (
	portCCS       = 1 << 0  // current connect status
	portPED       = 1 << 1  // port enabled (RW1C to disable)
	portOCA       = 1 << 3  // over-current active
	portPR        = 1 << 4  // port reset
	portPP        = 1 << 9  // port power
	portSpeedMask = 0xf << 10
	portCSC       = 1 << 17 // connect status change
	portPEC       = 1 << 18 // port enabled change
	portPRC       = 1 << 21 // port reset change
	portChangeMsk = 0x7f << 17
	portRW1CMask  = portPED | portChangeMsk
)

// capabilities holds the read-only parameters discovered at Init.
type capabilities struct {
	capLength   uint32
	hciVersion  uint16
	maxSlots    uint8
	maxIntrs    uint16
	maxPorts    uint8
	erstMax     uint8
	scratchpads int
	ac64        bool
	contextSize int
	dbOff       uint32
	rtsOff      uint32
}

// readCapabilities decodes the capability register block.
func readCapabilities(r Registers) capabilities {
	v := r.Read32(capLength)
	hcs1 := r.Read32(capHCSParams1)
	hcs2 := r.Read32(capHCSParams2)
	hcc1 := r.Read32(capHCCParams1)

	c := capabilities{
		capLength:  v & 0xff,
		hciVersion: uint16(v >> 16),
		maxSlots:   uint8(hcs1),
		maxIntrs:   uint16(hcs1>>8) & 0x7ff,
		maxPorts:   uint8(hcs1 >> 24),
		erstMax:    uint8(hcs2>>4) & 0xf,
		scratchpads: int((hcs2>>21)&0x1f)<<5 |
			int((hcs2>>27)&0x1f),
		ac64:        hcc1&1 != 0,
		contextSize: 32,
		dbOff:       r.Read32(capDBOff) &^ 0x3,
		rtsOff:      r.Read32(capRTSOff) &^ 0x1f,
	}
	if hcc1&(1<<2) != 0 {
		c.contextSize = 64
	}
	return c
}

// regs addresses the register blocks derived from the capability registers.
type regs struct {
	r   Registers
	op  uint32
	rt  uint32
	db  uint32
	ir0 uint32
}

func newRegs(r Registers, c capabilities) regs {
	return regs{
		r:   r,
		op:  c.capLength,
		rt:  c.rtsOff,
		db:  c.dbOff,
		ir0: c.rtsOff + rtIR0,
	}
}

func (g regs) readOp(off uint32) uint32     { return g.r.Read32(g.op + off) }
func (g regs) writeOp(off uint32, v uint32) { g.r.Write32(g.op+off, v) }
func (g regs) readIR(off uint32) uint32     { return g.r.Read32(g.ir0 + off) }
func (g regs) writeIR(off uint32, v uint32) { g.r.Write32(g.ir0+off, v) }

// write64 writes a 64-bit register as two dwords, low word first.
func (g regs) write64(off uint32, v uint64) {
	g.r.Write32(off, uint32(v))
	g.r.Write32(off+4, uint32(v>>32))
}

// ringDoorbell writes target to the doorbell register of slot (0 for the
// command ring).
func (g regs) ringDoorbell(slot uint8, target uint32) {
	g.r.Write32(g.db+uint32(slot)*4, target&0xff)
}

// portSC returns the operational offset of the PORTSC register of port
// (1-based).
func portSC(port int) uint32 {
	return opPortBase + uint32(port-1)*opPortSize
}

// portPreserve returns the PORTSC bits that can be written back unchanged:
// everything except the RW1C bits and the reset trigger.
func portPreserve(v uint32) uint32 {
	return v &^ (portRW1CMask | portPR)
}

// waitFor polls the operational register at off until (value & mask) == want
// or timeout elapses.
func (g regs) waitFor(ctx context.Context, off, mask, want uint32, timeout time.Duration, b *backoff.Backoff) error {
	b.Reset()
	deadline := time.Now().Add(timeout)
	for {
		v := g.readOp(off)
		if v&mask == want {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: reg %#x = %#x, mask %#x want %#x",
				pkg.ErrControllerNotReady, off, v, mask, want)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(b.Duration()):
		}
	}
}
