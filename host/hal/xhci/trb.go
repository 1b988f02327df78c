package xhci

import (
	"fmt"

	"github.com/ardnew/xhci/host/hal/xhci/dma"
	"github.com/ardnew/xhci/pkg"
)

// TRBSize is the size of a Transfer Request Block in bytes.
const TRBSize = 16

// MaxTRBTransfer is the largest buffer a single transfer TRB can describe.
const MaxTRBTransfer = 64 * 1024

// TRBType is the 6-bit type field at bits 10-15 of the control word.
type TRBType uint8

// Transfer TRB types.
const (
	TRBNormal    TRBType = 1
	TRBSetup     TRBType = 2
	TRBData      TRBType = 3
	TRBStatus    TRBType = 4
	TRBIsoch     TRBType = 5
	TRBLink      TRBType = 6
	TRBEventData TRBType = 7
	TRBNoOp      TRBType = 8
)

// Command TRB types.
const (
	TRBEnableSlot       TRBType = 9
	TRBDisableSlot      TRBType = 10
	TRBAddressDevice    TRBType = 11
	TRBConfigureEP      TRBType = 12
	TRBEvaluateContext  TRBType = 13
	TRBResetEP          TRBType = 14
	TRBStopEP           TRBType = 15
	TRBSetTRDequeue     TRBType = 16
	TRBResetDevice      TRBType = 17
	TRBNoOpCommand      TRBType = 23
	TRBTransferEvent    TRBType = 32
	TRBCommandComplete  TRBType = 33
	TRBPortStatusChange TRBType = 34
	TRBHostController   TRBType = 37
)

var trbTypeNames = map[TRBType]string{
	TRBNormal:           "Normal",
	TRBSetup:            "Setup Stage",
	TRBData:             "Data Stage",
	TRBStatus:           "Status Stage",
	TRBIsoch:            "Isoch",
	TRBLink:             "Link",
	TRBEventData:        "Event Data",
	TRBNoOp:             "No Op",
	TRBEnableSlot:       "Enable Slot",
	TRBDisableSlot:      "Disable Slot",
	TRBAddressDevice:    "Address Device",
	TRBConfigureEP:      "Configure Endpoint",
	TRBEvaluateContext:  "Evaluate Context",
	TRBResetEP:          "Reset Endpoint",
	TRBStopEP:           "Stop Endpoint",
	TRBSetTRDequeue:     "Set TR Dequeue Pointer",
	TRBResetDevice:      "Reset Device",
	TRBNoOpCommand:      "No Op Command",
	TRBTransferEvent:    "Transfer Event",
	TRBCommandComplete:  "Command Completion Event",
	TRBPortStatusChange: "Port Status Change Event",
	TRBHostController:   "Host Controller Event",
}

// String returns the TRB type name.
func (t TRBType) String() string {
	if s, ok := trbTypeNames[t]; ok {
		return s
	}
	return fmt.Sprintf("TRB type %d", uint8(t))
}

// Control word fields.
const (
	trbCycle     = 1 << 0 // C
	trbToggle    = 1 << 1 // TC (Link)
	trbENT       = 1 << 1 // evaluate next TRB
	trbISP       = 1 << 2 // interrupt on short packet
	trbEventData = 1 << 2 // ED (Transfer Event)
	trbChain     = 1 << 4 // CH
	trbIOC       = 1 << 5 // interrupt on completion
	trbIDT       = 1 << 6 // immediate data
	trbBSR       = 1 << 9 // block set address request (Address Device)
	trbDC        = 1 << 9 // deconfigure (Configure Endpoint)
	trbDirIn     = 1 << 16

	trbTypeShift = 10
	trbTypeMask  = 0x3f
	trbEPShift   = 16
	trbEPMask    = 0x1f
	trbSlotShift = 24
	trbTRTShift  = 16
)

// Setup Stage transfer type (TRT) values.
const (
	trtNoData = 0
	trtOut    = 2
	trtIn     = 3
)

// Status word fields for transfer TRBs.
const (
	trbLenMask     = 0x1ffff
	trbTDSizeShift = 17
	trbTDSizeMax   = 31
	trbIntrShift   = 22
)

// CompletionCode is reported in bits 24-31 of an event TRB's status word.
type CompletionCode uint8

// Completion codes.
const (
	CompletionInvalid            CompletionCode = 0
	CompletionSuccess            CompletionCode = 1
	CompletionDataBuffer         CompletionCode = 2
	CompletionBabble             CompletionCode = 3
	CompletionUSBTransaction     CompletionCode = 4
	CompletionTRB                CompletionCode = 5
	CompletionStall              CompletionCode = 6
	CompletionResource           CompletionCode = 7
	CompletionBandwidth          CompletionCode = 8
	CompletionNoSlots            CompletionCode = 9
	CompletionSlotNotEnabled     CompletionCode = 11
	CompletionEndpointNotEnabled CompletionCode = 12
	CompletionShortPacket        CompletionCode = 13
	CompletionParameter          CompletionCode = 17
	CompletionContextState       CompletionCode = 19
	CompletionEventRingFull      CompletionCode = 21
	CompletionCommandRingStopped CompletionCode = 24
	CompletionCommandAborted     CompletionCode = 25
	CompletionStopped            CompletionCode = 26
	CompletionStoppedLength      CompletionCode = 27
)

var completionNames = map[CompletionCode]string{
	CompletionInvalid:            "invalid",
	CompletionSuccess:            "success",
	CompletionDataBuffer:         "data buffer error",
	CompletionBabble:             "babble detected",
	CompletionUSBTransaction:     "USB transaction error",
	CompletionTRB:                "TRB error",
	CompletionStall:              "stall",
	CompletionResource:           "resource error",
	CompletionBandwidth:          "bandwidth error",
	CompletionNoSlots:            "no slots available",
	CompletionSlotNotEnabled:     "slot not enabled",
	CompletionEndpointNotEnabled: "endpoint not enabled",
	CompletionShortPacket:        "short packet",
	CompletionParameter:          "parameter error",
	CompletionContextState:       "context state error",
	CompletionEventRingFull:      "event ring full",
	CompletionCommandRingStopped: "command ring stopped",
	CompletionCommandAborted:     "command aborted",
	CompletionStopped:            "stopped",
	CompletionStoppedLength:      "stopped, length invalid",
}

// String returns a human-readable completion code.
func (c CompletionCode) String() string {
	if s, ok := completionNames[c]; ok {
		return s
	}
	return fmt.Sprintf("completion code %d", uint8(c))
}

// TransferStatus maps a transfer completion code onto the shared transfer
// status values.
func (c CompletionCode) TransferStatus() pkg.TransferStatus {
	switch c {
	case CompletionSuccess, CompletionShortPacket:
		return pkg.TransferStatusSuccess
	case CompletionStall:
		return pkg.TransferStatusStall
	case CompletionBabble:
		return pkg.TransferStatusOverrun
	case CompletionDataBuffer:
		return pkg.TransferStatusUnderrun
	case CompletionStopped, CompletionStoppedLength, CompletionCommandAborted:
		return pkg.TransferStatusCancelled
	default:
		return pkg.TransferStatusError
	}
}

// TRB is a Transfer Request Block as it appears in ring memory.
type TRB struct {
	Parameter uint64
	Status    uint32
	Control   uint32
}

// Type returns the TRB type.
func (t TRB) Type() TRBType {
	return TRBType((t.Control >> trbTypeShift) & trbTypeMask)
}

// Cycle returns the cycle bit.
func (t TRB) Cycle() uint32 {
	return t.Control & trbCycle
}

// SlotID returns the slot ID field (bits 24-31 of control).
func (t TRB) SlotID() uint8 {
	return uint8(t.Control >> trbSlotShift)
}

// EndpointID returns the endpoint ID / DCI field (bits 16-20 of control).
func (t TRB) EndpointID() uint8 {
	return uint8(t.Control>>trbEPShift) & trbEPMask
}

// CompletionCode returns the completion code of an event TRB.
func (t TRB) CompletionCode() CompletionCode {
	return CompletionCode(t.Status >> 24)
}

// TransferLength returns the transfer length field of a transfer TRB, or the
// residual length of a Transfer Event.
func (t TRB) TransferLength() uint32 {
	if t.Type() == TRBTransferEvent {
		return t.Status & 0xffffff
	}
	return t.Status & trbLenMask
}

// TDSize returns the TD size field of a transfer TRB.
func (t TRB) TDSize() uint32 {
	return (t.Status >> trbTDSizeShift) & trbTDSizeMax
}

// Flag reports whether the control word has all bits of f set.
func (t TRB) Flag(f uint32) bool {
	return t.Control&f == f
}

// IsEventData reports whether a Transfer Event was produced by an Event Data
// TRB, in which case Parameter holds that TRB's parameter.
func (t TRB) IsEventData() bool {
	return t.Type() == TRBTransferEvent && t.Control&trbEventData != 0
}

// String returns a compact description of the TRB.
func (t TRB) String() string {
	return fmt.Sprintf("%s{param=%#x status=%#x control=%#x}",
		t.Type(), t.Parameter, t.Status, t.Control)
}

// IsLink reports whether trb is a Link TRB.
func IsLink(trb TRB) bool {
	return trb.Type() == TRBLink
}

// typeBits encodes a TRB type into control word position.
func typeBits(t TRBType) uint32 {
	return uint32(t&trbTypeMask) << trbTypeShift
}

// transferStatus encodes the status word of a transfer TRB.
func transferStatus(length, tdSize uint32) uint32 {
	if tdSize > trbTDSizeMax {
		tdSize = trbTDSizeMax
	}
	return length&trbLenMask | tdSize<<trbTDSizeShift
}

// loadTRB reads the TRB at off. The control word is loaded first so the
// other fields are only trusted once ownership has been observed.
func loadTRB(r *dma.Region, off int) TRB {
	var t TRB
	t.Control = r.Load32(off + 12)
	t.Parameter = r.Load64(off)
	t.Status = r.Load32(off + 8)
	return t
}

// storeTRB writes the TRB at off. The control word, which carries the cycle
// bit, is stored last.
func storeTRB(r *dma.Region, off int, t TRB) {
	r.Store64(off, t.Parameter)
	r.Store32(off+8, t.Status)
	r.Store32(off+12, t.Control)
}
