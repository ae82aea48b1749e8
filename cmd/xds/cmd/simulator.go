package cmd

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/OpenTraceLab/OpenTraceXDS/pkg/dfu"
	"github.com/OpenTraceLab/OpenTraceXDS/pkg/reconfig"
	"github.com/OpenTraceLab/OpenTraceXDS/pkg/xds110"
	"github.com/spf13/pflag"
)

var (
	simMode     uint16
	simFirmware string
	simNoMagic  bool
	simBusy     int
)

func addSimulatorFlags(fs *pflag.FlagSet) {
	fs.Uint16Var(&simMode, "sim-mode", 2, "simulator: mode stored in the configuration block")
	fs.StringVar(&simFirmware, "sim-firmware", "",
		"simulator: start in application mode with this firmware version (hex, e.g. 0x03000008)")
	fs.BoolVar(&simNoMagic, "sim-no-magic", false, "simulator: clear the configuration marker")
	fs.IntVar(&simBusy, "sim-busy", 2, "simulator: busy status polls after each download")
}

func simulatedDevice() xds110.DeviceInfo {
	match := xds110.BootloaderDevices[0]
	info := xds110.DeviceInfo{
		Mode:        xds110.ModeBootloader,
		VendorID:    match.VendorID,
		ProductID:   match.ProductID,
		Description: match.Description + " (simulated)",
	}
	if simFirmware != "" {
		probe := xds110.ProbeDevices[0]
		info.Mode = xds110.ModeApplication
		info.VendorID, info.ProductID = probe.VendorID, probe.ProductID
		info.Description = probe.Description + " (simulated)"
	}
	return info
}

// simProbe stands in for an application-mode probe. Rebooting it makes the
// simulated bootloader visible.
type simProbe struct {
	version  uint32
	rebooted *bool
}

func (p *simProbe) FirmwareVersion() (uint32, error) {
	return p.version, nil
}

func (p *simProbe) RebootToBootloader() error {
	*p.rebooted = true
	logger.Debug("simulated probe rebooted into bootloader")
	return nil
}

func (p *simProbe) Close() error {
	return nil
}

func newSimulatedWorkflow(opts []dfu.Option) (*reconfig.Workflow, error) {
	image := reconfig.NewImage(simMode)
	if simNoMagic {
		image[18], image[19] = 0, 0
	}
	sim := dfu.NewSimDevice(image)
	sim.BusyPolls = simBusy

	inBootloader := simFirmware == ""
	var version uint32
	if !inBootloader {
		v, err := strconv.ParseUint(simFirmware, 0, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid --sim-firmware: %w", err)
		}
		version = uint32(v)
	}

	return &reconfig.Workflow{
		OpenBootloader: func(context.Context) (reconfig.Bootloader, error) {
			if !inBootloader {
				return nil, xds110.ErrNotFound
			}
			return dfu.NewSession(sim, opts...), nil
		},
		OpenProbe: func(context.Context) (reconfig.Probe, error) {
			if inBootloader {
				return nil, xds110.ErrNotFound
			}
			return &simProbe{version: version, rebooted: &inBootloader}, nil
		},
		Sleep: func(context.Context, time.Duration) error { return nil },
		Log:   logger,
	}, nil
}
