package dfu

import (
	"context"
	"fmt"
	"io"

	log "github.com/sirupsen/logrus"
)

// Controller issues USB control transfers. *gousb.Device satisfies it.
type Controller interface {
	Control(rType, request uint8, val, idx uint16, data []byte) (int, error)
}

// Session is an open Tiva DFU bootloader. Every DNLOAD and UPLOAD carries the
// session's packet counter in wValue; the counter advances exactly once per
// such transfer and never repeats, which is how the bootloader detects
// retransmissions. GETSTATUS probes carry zero and leave it alone, except
// the status query that opens a read, which carries and consumes it.
//
// A Session is not safe for concurrent use.
type Session struct {
	dev    Controller
	packet uint16
	closed bool
	cfg    config
}

// NewSession wraps an opened bootloader. If dev implements io.Closer it is
// closed together with the session.
func NewSession(dev Controller, opts ...Option) *Session {
	if dev == nil {
		panic("dfu: nil controller")
	}
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Session{dev: dev, cfg: cfg}
}

// Counter returns the packet counter the next counted transfer will carry.
func (s *Session) Counter() uint16 {
	return s.packet
}

// EnsureBinaryProtocol checks that the bootloader speaks the Tiva binary
// protocol. There is no fallback when it does not.
func (s *Session) EnsureBinaryProtocol() (err error) {
	defer wrapErr("EnsureBinaryProtocol", &err)
	if s.closed {
		return ErrSessionClosed
	}
	buf := make([]byte, queryLength)
	_, err = s.control(requestTypeIn, reqTivaQuery, tivaQueryValue, 0, buf)
	return err
}

// Status queries the bootloader status. The bootloader expects one after
// every command so it can latch pending conditions.
func (s *Session) Status() (st Status, err error) {
	defer wrapErr("GetStatus", &err)
	if s.closed {
		return Status{}, ErrSessionClosed
	}
	return s.status(0)
}

func (s *Session) status(val uint16) (Status, error) {
	buf := make([]byte, statusLength)
	n, err := s.control(requestTypeIn, reqGetStatus, val, 0, buf)
	if err != nil {
		return Status{}, err
	}
	return decodeStatus(buf[:n])
}

// ReadConfiguration uploads the whole configuration image.
func (s *Session) ReadConfiguration(ctx context.Context) (image []byte, err error) {
	defer wrapErr("ReadConfiguration", &err)
	if s.closed {
		return nil, ErrSessionClosed
	}

	// The first status query carries the counter and starts the cursor.
	st, err := s.status(s.packet)
	if err != nil {
		return nil, err
	}
	s.packet++
	s.cfg.log.WithField("state", st.State).Debug("bootloader status")
	if _, err = s.status(0); err != nil {
		return nil, err
	}

	if err = s.command(blockCommand(cmdRead)); err != nil {
		return nil, fmt.Errorf("set read address: %w", err)
	}
	if err = s.command(binCommand(true)); err != nil {
		return nil, fmt.Errorf("disable upload header: %w", err)
	}

	image = make([]byte, ConfigurationSize)
	for offset := 0; offset < ConfigurationSize; offset += TransferSize {
		if err = ctx.Err(); err != nil {
			return nil, err
		}
		block := image[offset : offset+TransferSize]
		n, err := s.counted(requestTypeIn, reqUpload, uint16(offset), block)
		if err != nil {
			return nil, fmt.Errorf("upload block at 0x%04x: %w", offset, err)
		}
		if n != TransferSize {
			return nil, fmt.Errorf("%w: %d bytes at 0x%04x", ErrShortBlock, n, offset)
		}
	}

	if _, err = s.status(0); err != nil {
		return nil, err
	}
	return image, nil
}

// WriteConfiguration downloads image into the configuration block. image
// must be exactly ConfigurationSize bytes.
func (s *Session) WriteConfiguration(ctx context.Context, image []byte) (err error) {
	defer wrapErr("WriteConfiguration", &err)
	if len(image) != ConfigurationSize {
		return fmt.Errorf("%w: got %d", ErrInvalidConfigurationLength, len(image))
	}
	if s.closed {
		return ErrSessionClosed
	}

	if err = s.command(blockCommand(cmdWrite)); err != nil {
		return fmt.Errorf("set write address: %w", err)
	}

	for offset := 0; offset < len(image); offset += TransferSize {
		if err = s.waitState(ctx, StateDnloadIdle); err != nil {
			return err
		}
		if _, err = s.counted(requestTypeOut, reqDnload, 0, image[offset:offset+TransferSize]); err != nil {
			return fmt.Errorf("download block at 0x%04x: %w", offset, err)
		}
	}

	// A zero-length DNLOAD ends the download.
	if err = s.waitState(ctx, StateDnloadIdle); err != nil {
		return err
	}
	if _, err = s.counted(requestTypeOut, reqDnload, 0, nil); err != nil {
		return fmt.Errorf("finish download: %w", err)
	}

	return s.waitState(ctx, StateIdle)
}

// Reset restarts the probe into its application firmware. The session is
// consumed: it is closed whatever the outcome.
func (s *Session) Reset(ctx context.Context) (err error) {
	defer wrapErr("Reset", &err)
	if s.closed {
		return ErrSessionClosed
	}
	defer s.Close()

	if err = s.waitState(ctx, StateIdle); err != nil {
		return err
	}
	if _, err = s.counted(requestTypeOut, reqDnload, 0, resetCommand()); err != nil {
		return err
	}
	return s.waitState(ctx, StateIdle)
}

// Close releases the device. It is safe to call more than once.
func (s *Session) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	if c, ok := s.dev.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// command sends a counted DNLOAD command and confirms it with a status query.
func (s *Session) command(payload []byte) error {
	if _, err := s.counted(requestTypeOut, reqDnload, 0, payload); err != nil {
		return err
	}
	_, err := s.status(0)
	return err
}

// counted issues a transfer carrying the packet counter and advances it.
func (s *Session) counted(rType, request uint8, idx uint16, data []byte) (int, error) {
	n, err := s.control(rType, request, s.packet, idx, data)
	if err != nil {
		return n, err
	}
	s.packet++
	return n, nil
}

// waitState polls status until the bootloader reports want. The poll is
// tight: the bootloader answers GETSTATUS only once it can.
func (s *Session) waitState(ctx context.Context, want State) error {
	for polls := 0; ; polls++ {
		if s.cfg.pollLimit > 0 && polls >= s.cfg.pollLimit {
			return fmt.Errorf("%w: %s after %d polls", ErrDeviceUnresponsive, want, polls)
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		st, err := s.status(0)
		if err != nil {
			return err
		}
		if st.State == want {
			return nil
		}
	}
}

func (s *Session) control(rType, request uint8, val, idx uint16, data []byte) (int, error) {
	n, err := s.dev.Control(rType, request, val, idx, data)
	s.cfg.log.WithFields(log.Fields{
		"type":    fmt.Sprintf("0x%02x", rType),
		"request": request,
		"value":   val,
		"index":   idx,
		"length":  len(data),
		"n":       n,
	}).Trace("control transfer")
	return n, err
}
