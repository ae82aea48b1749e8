package dfu

import (
	"bytes"
	"context"
	"errors"
	"testing"
)

func testImage() []byte {
	img := make([]byte, ConfigurationSize)
	for i := range img {
		img[i] = byte(i * 7)
	}
	img[16], img[17] = 0x02, 0x00
	img[18], img[19] = 0x55, 0xAA
	return img
}

// checkSequence verifies that counted transfers carry consecutive packet
// numbers starting at first.
func checkSequence(t *testing.T, transfers []Transfer, first uint16) uint16 {
	t.Helper()
	next := first
	for i, tr := range transfers {
		if !tr.Counted() {
			continue
		}
		if tr.Value != next {
			t.Fatalf("transfer %d (request %d): packet %d, want %d", i, tr.Request, tr.Value, next)
		}
		next++
	}
	return next
}

func TestReadConfiguration(t *testing.T) {
	img := testImage()
	sim := NewSimDevice(img)
	s := NewSession(sim)

	if err := s.EnsureBinaryProtocol(); err != nil {
		t.Fatalf("EnsureBinaryProtocol returned error: %v", err)
	}
	got, err := s.ReadConfiguration(context.Background())
	if err != nil {
		t.Fatalf("ReadConfiguration returned error: %v", err)
	}
	if !bytes.Equal(got, img) {
		t.Fatalf("image mismatch")
	}

	// query, status(packet), status, READ, status, BIN, status, 16 uploads, status
	if len(sim.Transfers) != 24 {
		t.Fatalf("got %d transfers, want 24", len(sim.Transfers))
	}

	query := sim.Transfers[0]
	if query.Request != reqTivaQuery || query.Value != 0x23 || query.RequestType != 0xa1 {
		t.Fatalf("unexpected query transfer: %+v", query)
	}

	first := sim.Transfers[1]
	if first.Request != reqGetStatus || first.Value != 0 {
		t.Fatalf("first status = %+v, want GETSTATUS carrying packet 0", first)
	}

	read := sim.Transfers[3]
	wantRead := []byte{0x02, 0x00, 0xf0, 0x03, 0x00, 0x40, 0x00, 0x00}
	if read.RequestType != 0x21 || read.Request != reqDnload || read.Value != 1 || !bytes.Equal(read.Data, wantRead) {
		t.Fatalf("READ command = %+v, want packet 1 with % x", read, wantRead)
	}

	bin := sim.Transfers[5]
	wantBin := []byte{0x06, 0x01, 0, 0, 0, 0, 0, 0, 0, 0, 0}
	if bin.Value != 2 || !bytes.Equal(bin.Data, wantBin) {
		t.Fatalf("BIN command = %+v, want packet 2 with % x", bin, wantBin)
	}

	for i := 0; i < ConfigurationSize/TransferSize; i++ {
		up := sim.Transfers[7+i]
		if up.Request != reqUpload || up.RequestType != 0xa1 {
			t.Fatalf("transfer %d is not an upload: %+v", 7+i, up)
		}
		if int(up.Index) != i*TransferSize {
			t.Errorf("upload %d index = %d, want %d", i, up.Index, i*TransferSize)
		}
		if up.Value != uint16(3+i) {
			t.Errorf("upload %d packet = %d, want %d", i, up.Value, 3+i)
		}
	}

	if last := sim.Transfers[23]; last.Request != reqGetStatus {
		t.Fatalf("last transfer = %+v, want GETSTATUS", last)
	}
	if s.Counter() != 19 {
		t.Fatalf("Counter = %d, want 19", s.Counter())
	}
}

func TestWriteConfiguration(t *testing.T) {
	tests := []struct {
		name      string
		busyPolls int
	}{
		{name: "ready immediately", busyPolls: 0},
		{name: "busy between blocks", busyPolls: 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sim := NewSimDevice(make([]byte, ConfigurationSize))
			sim.BusyPolls = tt.busyPolls
			s := NewSession(sim)

			img := testImage()
			if err := s.WriteConfiguration(context.Background(), img); err != nil {
				t.Fatalf("WriteConfiguration returned error: %v", err)
			}
			if !bytes.Equal(sim.Image, img) {
				t.Fatalf("device image was not updated")
			}

			wantWrite := []byte{0x01, 0x00, 0xf0, 0x03, 0x00, 0x40, 0x00, 0x00}
			if !bytes.Equal(sim.Transfers[0].Data, wantWrite) || sim.Transfers[0].Value != 0 {
				t.Fatalf("WRITE command = %+v, want packet 0 with % x", sim.Transfers[0], wantWrite)
			}

			// Every data block and the final zero-length block follow a
			// status that reported download idle.
			blocks := 0
			for i, tr := range sim.Transfers[1:] {
				if tr.Request != reqDnload {
					continue
				}
				prev := sim.Transfers[i]
				if prev.Request != reqGetStatus || State(prev.Data[4]) != StateDnloadIdle {
					t.Fatalf("block %d sent after %+v", blocks, prev)
				}
				if blocks < ConfigurationSize/TransferSize && len(tr.Data) != TransferSize {
					t.Fatalf("block %d is %d bytes", blocks, len(tr.Data))
				}
				blocks++
			}
			if blocks != ConfigurationSize/TransferSize+1 {
				t.Fatalf("sent %d blocks, want %d", blocks, ConfigurationSize/TransferSize+1)
			}
			var last Transfer
			for _, tr := range sim.Transfers {
				if tr.Request == reqDnload {
					last = tr
				}
			}
			if len(last.Data) != 0 {
				t.Fatalf("download not ended by a zero-length block: %+v", last)
			}

			next := checkSequence(t, sim.Transfers, 0)
			if s.Counter() != next || next != 18 {
				t.Fatalf("Counter = %d, sequence ended at %d, want 18", s.Counter(), next)
			}
			if sim.State() != StateIdle {
				t.Fatalf("device left in %s", sim.State())
			}
		})
	}
}

func TestWriteConfigurationRejectsWrongLength(t *testing.T) {
	sim := NewSimDevice(nil)
	s := NewSession(sim)

	err := s.WriteConfiguration(context.Background(), make([]byte, 100))
	if !errors.Is(err, ErrInvalidConfigurationLength) {
		t.Fatalf("err = %v, want ErrInvalidConfigurationLength", err)
	}
	if len(sim.Transfers) != 0 {
		t.Fatalf("%d transfers issued, want none", len(sim.Transfers))
	}
	if s.Counter() != 0 {
		t.Fatalf("Counter = %d, want 0", s.Counter())
	}
}

func TestReadWriteRoundTrip(t *testing.T) {
	sim := NewSimDevice(testImage())
	sim.BusyPolls = 1
	s := NewSession(sim)
	ctx := context.Background()

	img, err := s.ReadConfiguration(ctx)
	if err != nil {
		t.Fatalf("ReadConfiguration returned error: %v", err)
	}
	if err := s.WriteConfiguration(ctx, img); err != nil {
		t.Fatalf("WriteConfiguration returned error: %v", err)
	}
	again, err := s.ReadConfiguration(ctx)
	if err != nil {
		t.Fatalf("second ReadConfiguration returned error: %v", err)
	}
	if !bytes.Equal(img[16:18], again[16:18]) {
		t.Fatalf("mode changed from % x to % x", img[16:18], again[16:18])
	}
	if !bytes.Equal(img, again) {
		t.Fatalf("image changed across round trip")
	}
	// read 19 + write 18 + read 19
	if s.Counter() != 56 {
		t.Fatalf("Counter = %d, want 56", s.Counter())
	}
}

func TestResetConsumesSession(t *testing.T) {
	sim := NewSimDevice(testImage())
	s := NewSession(sim)
	ctx := context.Background()

	if _, err := s.ReadConfiguration(ctx); err != nil {
		t.Fatalf("ReadConfiguration returned error: %v", err)
	}
	if err := s.Reset(ctx); err != nil {
		t.Fatalf("Reset returned error: %v", err)
	}
	if sim.Resets != 1 {
		t.Fatalf("Resets = %d, want 1", sim.Resets)
	}
	if !sim.Closed {
		t.Fatalf("device not closed after reset")
	}

	var reset Transfer
	for _, tr := range sim.Transfers {
		if tr.Request == reqDnload {
			reset = tr
		}
	}
	want := []byte{0x07, 0x20, 0xdf, 0x00, 0x01, 0x00, 0x00, 0x00}
	if !bytes.Equal(reset.Data, want) || reset.Value != 19 {
		t.Fatalf("RESET = %+v, want packet 19 with % x", reset, want)
	}

	if _, err := s.ReadConfiguration(ctx); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("ReadConfiguration after reset: err = %v, want ErrSessionClosed", err)
	}
	if err := s.Reset(ctx); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("second Reset: err = %v, want ErrSessionClosed", err)
	}
}

func TestIndependentSessionsKeepOwnCounters(t *testing.T) {
	simA := NewSimDevice(testImage())
	simB := NewSimDevice(testImage())
	a, b := NewSession(simA), NewSession(simB)
	ctx := context.Background()

	if _, err := a.ReadConfiguration(ctx); err != nil {
		t.Fatalf("session A: %v", err)
	}
	if b.Counter() != 0 {
		t.Fatalf("session B counter moved to %d", b.Counter())
	}
	if _, err := b.ReadConfiguration(ctx); err != nil {
		t.Fatalf("session B: %v", err)
	}
	if err := a.WriteConfiguration(ctx, testImage()); err != nil {
		t.Fatalf("session A write: %v", err)
	}

	checkSequence(t, simA.Transfers, 1)
	checkSequence(t, simB.Transfers, 1)
	if a.Counter() != 37 || b.Counter() != 19 {
		t.Fatalf("counters = %d/%d, want 37/19", a.Counter(), b.Counter())
	}
}

func TestTransferFailureAborts(t *testing.T) {
	stall := errors.New("stall")
	sim := NewSimDevice(testImage())
	uploads := 0
	sim.OnTransfer = func(tr Transfer) error {
		if tr.Request == reqUpload {
			uploads++
			if uploads == 4 {
				return stall
			}
		}
		return nil
	}
	s := NewSession(sim)

	_, err := s.ReadConfiguration(context.Background())
	if !errors.Is(err, stall) {
		t.Fatalf("err = %v, want wrapped stall", err)
	}
	var dfuErr *Error
	if !errors.As(err, &dfuErr) || dfuErr.Op != "ReadConfiguration" {
		t.Fatalf("err = %v, want *Error for ReadConfiguration", err)
	}
	// The failed upload must not advance the counter.
	if s.Counter() != 6 {
		t.Fatalf("Counter = %d, want 6", s.Counter())
	}
	if len(sim.Transfers) != 10 {
		t.Fatalf("%d transfers issued, want 10 (no retries)", len(sim.Transfers))
	}
}

func TestEnsureBinaryProtocolFailure(t *testing.T) {
	sim := NewSimDevice(nil)
	sim.OnTransfer = func(tr Transfer) error {
		if tr.Request == reqTivaQuery {
			return ErrStall
		}
		return nil
	}
	s := NewSession(sim)
	if err := s.EnsureBinaryProtocol(); !errors.Is(err, ErrStall) {
		t.Fatalf("err = %v, want ErrStall", err)
	}
	if s.Counter() != 0 {
		t.Fatalf("Counter = %d, want 0", s.Counter())
	}
}

func TestPollLimit(t *testing.T) {
	sim := NewSimDevice(make([]byte, ConfigurationSize))
	sim.BusyPolls = 10
	s := NewSession(sim, WithPollLimit(4))

	err := s.WriteConfiguration(context.Background(), testImage())
	if !errors.Is(err, ErrDeviceUnresponsive) {
		t.Fatalf("err = %v, want ErrDeviceUnresponsive", err)
	}
	for _, tr := range sim.Transfers[1:] {
		if tr.Request == reqDnload {
			t.Fatalf("data block sent while device was busy")
		}
	}
}

func TestWaitHonoursContext(t *testing.T) {
	sim := NewSimDevice(nil)
	s := NewSession(sim)
	sim.BusyPolls = 1 << 30
	sim.settle(StateIdle)

	ctx, cancel := context.WithCancel(context.Background())
	polls := 0
	sim.OnTransfer = func(tr Transfer) error {
		if tr.Request == reqGetStatus {
			polls++
			if polls == 50 {
				cancel()
			}
		}
		return nil
	}

	if err := s.Reset(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if sim.Resets != 0 {
		t.Fatalf("reset sent while device was busy")
	}
}

func TestDecodeStatus(t *testing.T) {
	st, err := decodeStatus([]byte{0x00, 0x10, 0x00, 0x00, 0x05, 0x00})
	if err != nil {
		t.Fatalf("decodeStatus returned error: %v", err)
	}
	if st.State != StateDnloadIdle || st.PollTimeout.Milliseconds() != 16 {
		t.Fatalf("unexpected status: %+v", st)
	}
	if st.State.String() != "DFU download idle" {
		t.Fatalf("State.String() = %q", st.State.String())
	}
	if State(42).String() != "state 42" {
		t.Fatalf("unknown state String() = %q", State(42).String())
	}

	if _, err := decodeStatus([]byte{0, 0, 0}); err == nil {
		t.Fatalf("expected error for short status")
	}
}
