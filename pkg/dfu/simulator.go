package dfu

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrStall is what SimDevice returns for a request the bootloader would stall.
var ErrStall = errors.New("dfu: simulated pipe stall")

// Transfer records one control transfer seen by SimDevice.
type Transfer struct {
	RequestType uint8
	Request     uint8
	Value       uint16
	Index       uint16
	Data        []byte // OUT payload, or IN data returned
}

// In reports whether the transfer moved data device-to-host.
func (t Transfer) In() bool {
	return t.RequestType&0x80 != 0
}

// Counted reports whether the transfer carries the packet counter.
func (t Transfer) Counted() bool {
	return t.Request == reqDnload || t.Request == reqUpload
}

// TransferHook lets tests fail or observe a transfer before SimDevice
// handles it. A non-nil error is returned to the caller unchanged.
type TransferHook func(t Transfer) error

// SimDevice is an in-memory Tiva DFU bootloader holding one configuration
// image. It checks the packet counter on every DNLOAD/UPLOAD, refuses data
// blocks unless it reported download idle, and records every transfer.
// The first counted transfer sets the baseline for the counter check.
type SimDevice struct {
	Image []byte

	// BusyPolls is how many status queries report download busy after each
	// DNLOAD before the bootloader settles.
	BusyPolls int

	OnTransfer TransferHook

	Transfers []Transfer
	Resets    int
	Closed    bool

	state   State
	settled State
	busy    int

	lastSeq  int
	readArm  bool
	noPrefix bool

	writing bool
	pending []byte
}

// NewSimDevice creates a bootloader holding a copy of image.
func NewSimDevice(image []byte) *SimDevice {
	return &SimDevice{
		Image:   append([]byte(nil), image...),
		state:   StateIdle,
		settled: StateIdle,
		lastSeq: -1,
	}
}

// Control implements Controller.
func (d *SimDevice) Control(rType, request uint8, val, idx uint16, data []byte) (int, error) {
	t := Transfer{RequestType: rType, Request: request, Value: val, Index: idx}
	if rType&0x80 == 0 {
		t.Data = append([]byte(nil), data...)
	}
	if d.OnTransfer != nil {
		if err := d.OnTransfer(t); err != nil {
			d.Transfers = append(d.Transfers, t)
			return 0, err
		}
	}

	n, err := d.handle(&t, data)
	if t.In() && err == nil {
		t.Data = append([]byte(nil), data[:n]...)
	}
	d.Transfers = append(d.Transfers, t)
	return n, err
}

// Close implements io.Closer.
func (d *SimDevice) Close() error {
	d.Closed = true
	return nil
}

// State returns the state the next status query will settle towards.
func (d *SimDevice) State() State {
	if d.busy > 0 {
		return StateDnBusy
	}
	return d.settled
}

func (d *SimDevice) handle(t *Transfer, data []byte) (int, error) {
	// A status query only counts when it carries a non-zero packet number.
	if t.Counted() || (t.Request == reqGetStatus && t.Value != 0) {
		if d.lastSeq >= 0 && int(t.Value) != d.lastSeq+1 {
			return 0, fmt.Errorf("%w: packet %d, want %d", ErrStall, t.Value, d.lastSeq+1)
		}
		d.lastSeq = int(t.Value)
	}

	switch {
	case t.Request == reqTivaQuery && t.In():
		if t.Value != tivaQueryValue {
			return 0, ErrStall
		}
		// "LM" marker followed by the protocol version.
		return copy(data, []byte{0x4c, 0x4d, 0x01, 0x00}), nil

	case t.Request == reqGetStatus && t.In():
		return copy(data, encodeStatus(Status{State: d.poll()})), nil

	case t.Request == reqUpload && t.In():
		return d.upload(t, data)

	case t.Request == reqDnload && !t.In():
		return d.dnload(t.Data)
	}
	return 0, ErrStall
}

// poll advances the busy countdown and returns the state to report.
func (d *SimDevice) poll() State {
	if d.busy > 0 {
		d.busy--
		return StateDnBusy
	}
	d.state = d.settled
	return d.state
}

func (d *SimDevice) settle(next State) {
	d.busy = d.BusyPolls
	d.settled = next
	if d.busy > 0 {
		d.state = StateDnBusy
	} else {
		d.state = next
	}
}

func (d *SimDevice) upload(t *Transfer, data []byte) (int, error) {
	if !d.readArm || !d.noPrefix {
		return 0, ErrStall
	}
	off := int(t.Index)
	if off >= len(d.Image) {
		return 0, ErrStall
	}
	return copy(data, d.Image[off:]), nil
}

func (d *SimDevice) dnload(payload []byte) (int, error) {
	if d.writing {
		return d.block(payload)
	}
	if len(payload) == 0 || d.state != StateIdle {
		return 0, ErrStall
	}

	switch payload[0] {
	case cmdRead, cmdWrite:
		if len(payload) != cmdLength ||
			binary.LittleEndian.Uint16(payload[2:4]) != ConfigurationBlock ||
			binary.LittleEndian.Uint16(payload[4:6]) != ConfigurationSize {
			return 0, ErrStall
		}
		if payload[0] == cmdRead {
			d.readArm = true
			return len(payload), nil
		}
		d.writing = true
		d.pending = d.pending[:0]
		d.settle(StateDnloadIdle)
	case cmdBin:
		d.noPrefix = len(payload) > 1 && payload[1] == 1
	case cmdReset:
		if len(payload) != cmdLength || [7]byte(payload[1:]) != resetMagic {
			return 0, ErrStall
		}
		d.Resets++
		d.readArm = false
		d.settle(StateIdle)
	default:
		return 0, ErrStall
	}
	return len(payload), nil
}

// block accepts one data block, or finishes the download on a zero-length one.
func (d *SimDevice) block(payload []byte) (int, error) {
	if d.state != StateDnloadIdle {
		return 0, fmt.Errorf("%w: data block in %s", ErrStall, d.state)
	}
	if len(payload) == 0 {
		if len(d.pending) != ConfigurationSize {
			return 0, fmt.Errorf("%w: download ended after %d bytes", ErrStall, len(d.pending))
		}
		d.Image = append(d.Image[:0], d.pending...)
		d.writing = false
		d.settle(StateIdle)
		return 0, nil
	}
	if len(d.pending)+len(payload) > ConfigurationSize {
		return 0, ErrStall
	}
	d.pending = append(d.pending, payload...)
	d.settle(StateDnloadIdle)
	return len(payload), nil
}
