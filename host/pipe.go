package host

import (
	"context"
	"fmt"
	"sync"

	"github.com/ardnew/xhci/host/hal"
	"github.com/ardnew/xhci/pkg"
)

// Pipe is a byte stream over a pair of bulk endpoints of one device. Reads
// are buffered so a caller may read less than a packet at a time.
type Pipe struct {
	device *Device
	epIn   uint8
	epOut  uint8

	mu      sync.Mutex
	readBuf []byte
	readPos int
	readLen int
}

// NewPipe returns a pipe over the bulk endpoints epIn and epOut of dev.
func NewPipe(dev *Device, epIn, epOut uint8) (*Pipe, error) {
	in, out := dev.GetEndpoint(epIn), dev.GetEndpoint(epOut)
	switch {
	case in == nil || !in.IsIn() || in.TransferType() != hal.TransferBulk:
		return nil, fmt.Errorf("%w: %#02x is not a bulk IN endpoint", pkg.ErrInvalidEndpoint, epIn)
	case out == nil || out.IsIn() || out.TransferType() != hal.TransferBulk:
		return nil, fmt.Errorf("%w: %#02x is not a bulk OUT endpoint", pkg.ErrInvalidEndpoint, epOut)
	}
	return &Pipe{
		device:  dev,
		epIn:    epIn,
		epOut:   epOut,
		readBuf: make([]byte, max(int(in.MaxPacketSize), 1)),
	}, nil
}

// Read returns buffered data, or reads one transfer's worth from the IN
// endpoint when the buffer is empty.
func (p *Pipe) Read(ctx context.Context, data []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.readPos == p.readLen {
		n, err := p.device.BulkTransfer(ctx, p.epIn, p.readBuf)
		if err != nil {
			return 0, err
		}
		p.readPos, p.readLen = 0, n
	}
	n := copy(data, p.readBuf[p.readPos:p.readLen])
	p.readPos += n
	return n, nil
}

// Write sends data to the OUT endpoint as a single transfer.
func (p *Pipe) Write(ctx context.Context, data []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.device.BulkTransfer(ctx, p.epOut, data)
}

// Buffered returns the number of bytes read from the device but not yet
// returned by Read.
func (p *Pipe) Buffered() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.readLen - p.readPos
}

// Device returns the device the pipe runs over.
func (p *Pipe) Device() *Device { return p.device }
