package xds110

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/gousb"
	log "github.com/sirupsen/logrus"
)

const (
	// MaxPacketSize is the bulk packet size of every supported XDS110 variant.
	MaxPacketSize = 64

	// DefaultTimeout bounds control transfers on opened devices.
	DefaultTimeout = 5 * time.Second
)

// bulkIn is the device-to-host half of a claimed interface.
type bulkIn interface {
	ReadContext(ctx context.Context, buf []byte) (int, error)
}

// bulkOut is the host-to-device half of a claimed interface.
type bulkOut interface {
	WriteContext(ctx context.Context, buf []byte) (int, error)
}

// USBTransport owns a claimed XDS110 interface and its bulk endpoints.
type USBTransport struct {
	ctx  *gousb.Context
	dev  *gousb.Device
	cfg  *gousb.Config
	intf *gousb.Interface

	in  map[uint8]bulkIn
	out map[uint8]bulkOut

	log log.FieldLogger
}

func newTransport(in map[uint8]bulkIn, out map[uint8]bulkOut, logger log.FieldLogger) *USBTransport {
	if logger == nil {
		logger = discardLogger()
	}
	return &USBTransport{in: in, out: out, log: logger}
}

// Write issues a single bulk-OUT transfer and returns the length the device
// accepted. The transfer races a timer; if the timer fires first the call
// returns ErrTimedOut and the transfer is abandoned.
func (t *USBTransport) Write(endpoint uint8, data []byte, timeout time.Duration) (int, error) {
	ep, ok := t.out[endpoint]
	if !ok {
		return 0, fmt.Errorf("xds110: OUT endpoint 0x%02x is not open", endpoint)
	}

	payload := append([]byte(nil), data...)
	n, err := withDeadline(timeout, func(ctx context.Context) (int, error) {
		return ep.WriteContext(ctx, payload)
	})
	t.log.WithFields(log.Fields{"endpoint": fmt.Sprintf("0x%02x", endpoint), "len": len(data), "sent": n}).Debug("bulk out")
	if err != nil {
		if errors.Is(err, ErrTimedOut) {
			return 0, err
		}
		return 0, &TransferError{Op: "bulk write", Endpoint: endpoint, Err: err}
	}
	return n, nil
}

// Read fills buf from a bulk-IN endpoint. Buffers up to one packet are read
// with a single transfer; larger buffers use a pipelined queue of
// packet-sized requests that ends on a zero-length packet, a short packet or
// a full buffer.
func (t *USBTransport) Read(endpoint uint8, buf []byte, timeout time.Duration) (int, error) {
	ep, ok := t.in[endpoint]
	if !ok {
		return 0, fmt.Errorf("xds110: IN endpoint 0x%02x is not open", endpoint)
	}

	// The abandoned goroutine of a timed-out read must never touch buf.
	scratch := make([]byte, len(buf))
	n, err := withDeadline(timeout, func(ctx context.Context) (int, error) {
		if len(scratch) <= MaxPacketSize {
			return ep.ReadContext(ctx, scratch)
		}
		return readPipelined(ctx, ep, scratch)
	})
	t.log.WithFields(log.Fields{"endpoint": fmt.Sprintf("0x%02x", endpoint), "len": len(buf), "received": n}).Debug("bulk in")
	if err != nil {
		if errors.Is(err, ErrTimedOut) {
			return 0, err
		}
		return 0, &TransferError{Op: "bulk read", Endpoint: endpoint, Err: err}
	}
	return copy(buf, scratch[:n]), nil
}

// readPipelined keeps ceil((len(buf)+1)/MaxPacketSize) requests queued, the
// extra byte leaving room for the terminating zero-length packet.
func readPipelined(ctx context.Context, ep bulkIn, buf []byte) (int, error) {
	depth := (len(buf) + MaxPacketSize) / MaxPacketSize
	q := newRequestQueue(ctx, ep, depth)
	defer q.close()

	for q.pending() < depth {
		q.submit(MaxPacketSize)
	}

	offset := 0
	for {
		data, err := q.next(ctx)
		if err != nil {
			return offset, err
		}
		offset += copy(buf[offset:], data)
		if len(data) == 0 || len(data) != MaxPacketSize || offset == len(buf) {
			return offset, nil
		}
		q.submit(MaxPacketSize)
	}
}

type transferResult struct {
	n   int
	err error
}

// withDeadline runs fn concurrently with a timer and returns whichever
// resolves first. Cancelling the loser is best effort only.
func withDeadline(timeout time.Duration, fn func(ctx context.Context) (int, error)) (int, error) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan transferResult, 1)
	go func() {
		n, err := fn(ctx)
		done <- transferResult{n: n, err: err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case r := <-done:
		return r.n, r.err
	case <-timer.C:
		return 0, ErrTimedOut
	}
}

// Close releases the interface, configuration, device and USB context.
func (t *USBTransport) Close() error {
	if t.intf != nil {
		t.intf.Close()
		t.intf = nil
	}
	if t.cfg != nil {
		t.cfg.Close()
		t.cfg = nil
	}
	if t.dev != nil {
		t.dev.Close()
		t.dev = nil
	}
	if t.ctx != nil {
		t.ctx.Close()
		t.ctx = nil
	}
	return nil
}
