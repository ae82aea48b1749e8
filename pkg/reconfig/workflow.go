package reconfig

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/OpenTraceLab/OpenTraceXDS/pkg/xds110"
	log "github.com/sirupsen/logrus"
)

const (
	// MinimumFirmware is the oldest application firmware that can be switched.
	MinimumFirmware uint32 = 0x03000008

	// ReenumerationDelay is how long a rebooted probe gets to reappear as a
	// bootloader. There is exactly one attempt after it.
	ReenumerationDelay = time.Second
)

// Bootloader is an open bootloader session. *dfu.Session satisfies it.
type Bootloader interface {
	EnsureBinaryProtocol() error
	ReadConfiguration(ctx context.Context) ([]byte, error)
	WriteConfiguration(ctx context.Context, image []byte) error
	Reset(ctx context.Context) error
	Close() error
}

// Probe is an application-mode probe. *xds110.Probe satisfies it.
type Probe interface {
	FirmwareVersion() (uint32, error)
	RebootToBootloader() error
	Close() error
}

// Result summarizes a run.
type Result struct {
	Outcome

	// Firmware is the application firmware version, zero when the probe was
	// already in bootloader mode.
	Firmware uint32
	Rebooted bool
	Written  bool
	Reset    bool
}

// Workflow switches a single attached probe into TargetMode.
type Workflow struct {
	OpenBootloader func(ctx context.Context) (Bootloader, error)
	OpenProbe      func(ctx context.Context) (Probe, error)

	// Sleep waits for re-enumeration. Defaults to a context-aware timer.
	Sleep func(ctx context.Context, d time.Duration) error

	Log log.FieldLogger

	// DryRun stops after the decision: nothing is written and the probe is
	// not reset.
	DryRun bool
}

// New builds a workflow that locates devices through m.
func New(m *xds110.Matcher, logger log.FieldLogger) *Workflow {
	return &Workflow{
		OpenBootloader: func(ctx context.Context) (Bootloader, error) {
			s, err := m.OpenBootloader(ctx)
			if err != nil {
				return nil, err
			}
			return s, nil
		},
		OpenProbe: func(ctx context.Context) (Probe, error) {
			p, err := m.OpenProbe(ctx)
			if err != nil {
				return nil, err
			}
			return p, nil
		},
		Log: logger,
	}
}

// Run locates the probe, reads its configuration and, unless it is already
// in TargetMode, writes the patched image back and resets the probe.
func (w *Workflow) Run(ctx context.Context) (Result, error) {
	logger := w.Log
	if logger == nil {
		l := log.New()
		l.SetOutput(io.Discard)
		logger = l
	}

	var res Result
	bl, err := w.locate(ctx, logger, &res)
	if err != nil {
		return res, err
	}
	defer bl.Close()

	logger.Info("ensuring Tiva binary protocol")
	if err := bl.EnsureBinaryProtocol(); err != nil {
		return res, err
	}

	logger.Info("reading current configuration")
	image, err := bl.ReadConfiguration(ctx)
	if err != nil {
		return res, err
	}

	out, err := Decide(image)
	if err != nil {
		return res, err
	}
	res.Outcome = out
	if out.MagicRepaired {
		logger.WithField("found", fmt.Sprintf("% x", out.FoundMagic)).
			Warn("configuration magic not found, repairing image")
	}
	logger.WithField("mode", out.PreviousMode).Info("current mode")

	if out.Decision == NoChangeNeeded {
		logger.Infof("device already in mode %d", TargetMode)
		return res, nil
	}
	if w.DryRun {
		logger.Infof("dry run: would update device from mode %d to mode %d", out.PreviousMode, out.NewMode)
		return res, nil
	}

	logger.Infof("updating device from mode %d to mode %d", out.PreviousMode, TargetMode)
	if err := bl.WriteConfiguration(ctx, image); err != nil {
		return res, err
	}
	res.Written = true

	logger.Info("resetting into application mode")
	if err := bl.Reset(ctx); err != nil {
		return res, err
	}
	res.Reset = true
	return res, nil
}

// locate prefers a probe already in bootloader mode. Otherwise it gates the
// application-mode probe on its firmware version, reboots it and looks for
// the bootloader once more after ReenumerationDelay.
func (w *Workflow) locate(ctx context.Context, logger log.FieldLogger, res *Result) (Bootloader, error) {
	bl, err := w.OpenBootloader(ctx)
	if err == nil {
		logger.Debug("found probe in bootloader mode")
		return bl, nil
	}
	if errors.Is(err, xds110.ErrAmbiguousMatch) {
		return nil, err
	}
	logger.WithError(err).Debug("no bootloader-mode device, trying application mode")

	p, err := w.OpenProbe(ctx)
	if err != nil {
		return nil, err
	}
	version, err := p.FirmwareVersion()
	if err != nil {
		p.Close()
		return nil, err
	}
	res.Firmware = version
	logger.WithField("version", xds110.FormatVersion(version)).Info("found probe in application mode")

	if version < MinimumFirmware {
		p.Close()
		return nil, &UnsupportedFirmwareError{Found: version, Minimum: MinimumFirmware}
	}

	if err := p.RebootToBootloader(); err != nil {
		return nil, err
	}
	res.Rebooted = true

	sleep := w.Sleep
	if sleep == nil {
		sleep = sleepContext
	}
	if err := sleep(ctx, ReenumerationDelay); err != nil {
		return nil, err
	}

	bl, err = w.OpenBootloader(ctx)
	if err != nil {
		return nil, fmt.Errorf("bootloader did not appear after reboot: %w", err)
	}
	return bl, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
