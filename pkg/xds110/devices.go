package xds110

import (
	"context"
	"fmt"
	"sort"

	"github.com/OpenTraceLab/OpenTraceXDS/pkg/dfu"
	"github.com/google/gousb"
	"github.com/google/gousb/usbid"
	log "github.com/sirupsen/logrus"
)

// Mode is the personality an XDS110 currently presents on the bus.
type Mode string

const (
	ModeApplication Mode = "application"
	ModeBootloader  Mode = "bootloader"
)

// enumerator is the part of *gousb.Context the matcher needs.
type enumerator interface {
	OpenDevices(opener func(desc *gousb.DeviceDesc) bool) ([]*gousb.Device, error)
}

// Matcher resolves exactly one attached XDS110 against a Table.
type Matcher struct {
	Table Table

	// SessionOptions are applied to every bootloader session it opens.
	SessionOptions []dfu.Option

	log        log.FieldLogger
	newContext func() *gousb.Context
}

// NewMatcher creates a matcher over table. A nil logger discards output.
func NewMatcher(table Table, logger log.FieldLogger) *Matcher {
	if logger == nil {
		logger = discardLogger()
	}
	return &Matcher{
		Table:      table,
		log:        logger,
		newContext: gousb.NewContext,
	}
}

// OpenProbe finds the single application-mode XDS110, checks that the
// declared interface and both bulk endpoints exist, and claims the interface.
func (m *Matcher) OpenProbe(ctx context.Context) (*Probe, error) {
	usb := m.newContext()

	var match ProbeMatch
	dev, err := m.openOne(ctx, usb, func(desc *gousb.DeviceDesc) bool {
		p, ok := m.Table.probeFor(uint16(desc.Vendor), uint16(desc.Product))
		if ok {
			match = p
		}
		return ok
	})
	if err != nil {
		usb.Close()
		return nil, err
	}

	cfgNum, err := verifyEndpoints(dev.Desc, match)
	if err != nil {
		dev.Close()
		usb.Close()
		return nil, err
	}

	t, err := m.claim(usb, dev, cfgNum, match)
	if err != nil {
		return nil, err
	}

	m.log.WithFields(log.Fields{
		"vid":       fmt.Sprintf("%04x", match.VendorID),
		"pid":       fmt.Sprintf("%04x", match.ProductID),
		"interface": match.Interface,
	}).Debug("claimed application-mode interface")

	return newProbe(t, match, m.log), nil
}

// claim takes ownership of usb and dev; on error both are released.
func (m *Matcher) claim(usb *gousb.Context, dev *gousb.Device, cfgNum int, match ProbeMatch) (*USBTransport, error) {
	t := newTransport(map[uint8]bulkIn{}, map[uint8]bulkOut{}, m.log)
	t.ctx, t.dev = usb, dev

	// Not fatal on all platforms
	if err := dev.SetAutoDetach(true); err != nil {
		m.log.WithError(err).Debug("kernel driver auto-detach unavailable")
	}

	cfg, err := dev.Config(cfgNum)
	if err != nil {
		t.Close()
		return nil, fmt.Errorf("failed to get config %d: %w", cfgNum, err)
	}
	t.cfg = cfg

	intf, err := cfg.Interface(int(match.Interface), 0)
	if err != nil {
		t.Close()
		return nil, fmt.Errorf("failed to claim interface %d: %w", match.Interface, err)
	}
	t.intf = intf

	epIn, err := intf.InEndpoint(int(match.EndpointIn & 0x0f))
	if err != nil {
		t.Close()
		return nil, fmt.Errorf("failed to open IN endpoint: %w", err)
	}
	epOut, err := intf.OutEndpoint(int(match.EndpointOut & 0x0f))
	if err != nil {
		t.Close()
		return nil, fmt.Errorf("failed to open OUT endpoint: %w", err)
	}
	t.in[match.EndpointIn] = epIn
	t.out[match.EndpointOut] = epOut

	return t, nil
}

// OpenBootloader finds the single bootloader-mode XDS110 and opens it
// without claiming an interface.
func (m *Matcher) OpenBootloader(ctx context.Context) (*dfu.Session, error) {
	usb := m.newContext()

	dev, err := m.openOne(ctx, usb, func(desc *gousb.DeviceDesc) bool {
		_, ok := m.Table.bootloaderFor(uint16(desc.Vendor), uint16(desc.Product))
		return ok
	})
	if err != nil {
		usb.Close()
		return nil, err
	}
	dev.ControlTimeout = DefaultTimeout

	m.log.WithFields(log.Fields{
		"vid": fmt.Sprintf("%04x", uint16(dev.Desc.Vendor)),
		"pid": fmt.Sprintf("%04x", uint16(dev.Desc.Product)),
	}).Debug("opened bootloader-mode device")

	opts := append([]dfu.Option{dfu.WithLogger(m.log)}, m.SessionOptions...)
	return dfu.NewSession(&bootloaderHandle{Device: dev, usb: usb}, opts...), nil
}

// bootloaderHandle lets a dfu.Session release the USB context together with
// the device.
type bootloaderHandle struct {
	*gousb.Device
	usb *gousb.Context
}

func (h *bootloaderHandle) Close() error {
	err := h.Device.Close()
	if cerr := h.usb.Close(); err == nil {
		err = cerr
	}
	return err
}

// openOne enumerates once and returns the only device accepted by match.
// Every device opened along the way is closed again on failure.
func (m *Matcher) openOne(ctx context.Context, usb enumerator, match func(*gousb.DeviceDesc) bool) (*gousb.Device, error) {
	matched := 0
	devs, err := usb.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		select {
		case <-ctx.Done():
			return false
		default:
		}
		if !match(desc) {
			return false
		}
		matched++
		return true
	})

	closeAll := func() {
		for _, d := range devs {
			d.Close()
		}
	}

	if cerr := ctx.Err(); cerr != nil {
		closeAll()
		return nil, cerr
	}

	switch {
	case matched > 1:
		closeAll()
		return nil, fmt.Errorf("%w (%d candidates)", ErrAmbiguousMatch, matched)
	case matched == 0:
		closeAll()
		if err != nil {
			return nil, fmt.Errorf("failed to enumerate devices: %w", err)
		}
		return nil, ErrNotFound
	case len(devs) == 0:
		if err == nil {
			err = ErrNotFound
		}
		return nil, fmt.Errorf("failed to open device: %w", err)
	}
	return devs[0], nil
}

// verifyEndpoints checks that the first configuration of desc carries the
// declared interface and that its default alternate setting exposes both
// bulk endpoints. It returns the configuration number to claim.
func verifyEndpoints(desc *gousb.DeviceDesc, match ProbeMatch) (int, error) {
	if len(desc.Configs) == 0 {
		return 0, fmt.Errorf("%w: device has no configurations", ErrNotFound)
	}

	nums := make([]int, 0, len(desc.Configs))
	for n := range desc.Configs {
		nums = append(nums, n)
	}
	sort.Ints(nums)
	cfg := desc.Configs[nums[0]]

	for _, intf := range cfg.Interfaces {
		if intf.Number != int(match.Interface) {
			continue
		}
		if len(intf.AltSettings) == 0 {
			return 0, fmt.Errorf("%w: interface %d has no settings", ErrNotFound, intf.Number)
		}
		eps := intf.AltSettings[0].Endpoints
		_, hasIn := eps[gousb.EndpointAddress(match.EndpointIn)]
		_, hasOut := eps[gousb.EndpointAddress(match.EndpointOut)]
		if !hasIn || !hasOut {
			return 0, fmt.Errorf("%w: interface %d lacks endpoints 0x%02x/0x%02x",
				ErrNotFound, intf.Number, match.EndpointIn, match.EndpointOut)
		}
		return cfg.Number, nil
	}

	return 0, fmt.Errorf("%w: interface %d not in configuration %d", ErrNotFound, match.Interface, cfg.Number)
}

// DeviceInfo describes an attached device that matches one of the tables.
type DeviceInfo struct {
	Mode        Mode
	VendorID    uint16
	ProductID   uint16
	Bus         int
	Address     int
	Description string
	Name        string // from the USB ID database
}

// Label returns a user-friendly description for the device.
func (i DeviceInfo) Label() string {
	if i.Description != "" {
		return i.Description
	}
	if i.Name != "" {
		return i.Name
	}
	return fmt.Sprintf("Device %04X:%04X", i.VendorID, i.ProductID)
}

// Discover lists every attached device matching either table without
// opening any of them.
func (m *Matcher) Discover(ctx context.Context) ([]DeviceInfo, error) {
	usb := m.newContext()
	defer usb.Close()
	return m.discover(ctx, usb)
}

func (m *Matcher) discover(ctx context.Context, usb enumerator) ([]DeviceInfo, error) {
	var results []DeviceInfo
	_, err := usb.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		select {
		case <-ctx.Done():
			return false
		default:
		}
		if info, ok := m.classify(desc); ok {
			results = append(results, info)
		}
		return false
	})
	if err != nil && err != gousb.ErrorAccess {
		return results, err
	}
	return results, ctx.Err()
}

func (m *Matcher) classify(desc *gousb.DeviceDesc) (DeviceInfo, bool) {
	vid, pid := uint16(desc.Vendor), uint16(desc.Product)
	info := DeviceInfo{
		VendorID:  vid,
		ProductID: pid,
		Bus:       desc.Bus,
		Address:   desc.Address,
		Name:      usbid.Describe(desc),
	}
	if b, ok := m.Table.bootloaderFor(vid, pid); ok {
		info.Mode = ModeBootloader
		info.Description = b.Description
		return info, true
	}
	if p, ok := m.Table.probeFor(vid, pid); ok {
		info.Mode = ModeApplication
		info.Description = p.Description
		return info, true
	}
	return DeviceInfo{}, false
}
