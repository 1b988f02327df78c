package pkg

import "errors"

// Transfer errors, reported by the endpoint that carried the TD.
var (
	ErrStall     = errors.New("endpoint stalled")
	ErrCancelled = errors.New("transfer cancelled")
	ErrOverrun   = errors.New("data overrun")
	ErrUnderrun  = errors.New("data underrun")
	ErrProtocol  = errors.New("protocol error")
)

// Addressing and argument errors.
var (
	ErrNoDevice         = errors.New("device not present")
	ErrInvalidEndpoint  = errors.New("invalid endpoint")
	ErrInvalidSlot      = errors.New("invalid slot")
	ErrInvalidSpeed     = errors.New("invalid device speed")
	ErrInvalidParameter = errors.New("invalid parameter")
	ErrNotSupported     = errors.New("not supported")
)

// Memory and ring errors.
var (
	// ErrNoMemory is returned when a coherent allocation cannot be satisfied.
	ErrNoMemory = errors.New("insufficient memory")

	// ErrAlignment is returned when an allocation violates the controller's
	// alignment or boundary rules.
	ErrAlignment = errors.New("misaligned allocation")

	// ErrRingFull is returned when the next producer slot still holds a TRB
	// the controller has not consumed.
	ErrRingFull = errors.New("ring full")
)

// Command and controller errors.
var (
	ErrCommandTimeout = errors.New("command timeout")

	// ErrCommandFailed wraps every command completion other than success.
	ErrCommandFailed = errors.New("command failed")

	// ErrControllerFatal is returned to all outstanding work after a host
	// system error or host controller error.
	ErrControllerFatal = errors.New("host controller fatal error")

	ErrControllerNotReady = errors.New("host controller not ready")
	ErrInvalidState       = errors.New("invalid state")
	ErrNotRunning         = errors.New("not running")
)

// TransferStatus classifies how a transfer descriptor completed.
type TransferStatus int

// Transfer status values.
const (
	TransferStatusSuccess TransferStatus = iota
	TransferStatusError
	TransferStatusStall
	TransferStatusCancelled
	TransferStatusOverrun
	TransferStatusUnderrun
)

var transferStatusNames = [...]string{
	TransferStatusSuccess:   "success",
	TransferStatusError:     "error",
	TransferStatusStall:     "stall",
	TransferStatusCancelled: "cancelled",
	TransferStatusOverrun:   "overrun",
	TransferStatusUnderrun:  "underrun",
}

var transferStatusErrors = [...]error{
	TransferStatusError:     ErrProtocol,
	TransferStatusStall:     ErrStall,
	TransferStatusCancelled: ErrCancelled,
	TransferStatusOverrun:   ErrOverrun,
	TransferStatusUnderrun:  ErrUnderrun,
}

func (s TransferStatus) String() string {
	if s < 0 || int(s) >= len(transferStatusNames) {
		return "unknown"
	}
	return transferStatusNames[s]
}

// Err returns the sentinel error for s, or nil for success. Unknown values
// map to ErrProtocol.
func (s TransferStatus) Err() error {
	if s == TransferStatusSuccess {
		return nil
	}
	if s < 0 || int(s) >= len(transferStatusErrors) {
		return ErrProtocol
	}
	return transferStatusErrors[s]
}
