package xds110

import (
	"encoding/binary"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
)

// XDS110 debug-adapter commands, sent as fixed 4-byte packets.
var (
	cmdFirmwareVersion    = []byte{0x2a, 0x01, 0x00, 0x03}
	cmdRebootToBootloader = []byte{0x2a, 0x01, 0x00, 0x26}
)

const (
	versionTimeout = 100 * time.Millisecond
	rebootTimeout  = time.Second

	versionResponseLen = 13
	versionMinLen      = 11
	versionOffset      = 7
)

// Probe is an XDS110 in application mode with its interface claimed.
type Probe struct {
	transport *USBTransport
	match     ProbeMatch
	log       log.FieldLogger
}

func newProbe(t *USBTransport, match ProbeMatch, logger log.FieldLogger) *Probe {
	if logger == nil {
		logger = discardLogger()
	}
	return &Probe{transport: t, match: match, log: logger}
}

// Match returns the table row the probe was resolved with.
func (p *Probe) Match() ProbeMatch {
	return p.match
}

// FirmwareVersion queries the probe firmware version.
func (p *Probe) FirmwareVersion() (uint32, error) {
	if _, err := p.transport.Write(p.match.EndpointOut, cmdFirmwareVersion, versionTimeout); err != nil {
		return 0, fmt.Errorf("send version query: %w", err)
	}

	resp := make([]byte, versionResponseLen)
	n, err := p.transport.Read(p.match.EndpointIn, resp, versionTimeout)
	if err != nil {
		return 0, fmt.Errorf("read version response: %w", err)
	}
	if n < versionMinLen {
		return 0, fmt.Errorf("%w: version response is %d bytes, need %d", ErrInvalidData, n, versionMinLen)
	}

	version := binary.LittleEndian.Uint32(resp[versionOffset : versionOffset+4])
	p.log.WithField("version", FormatVersion(version)).Debug("firmware version")
	return version, nil
}

// RebootToBootloader asks the probe to restart into bootloader mode. The
// probe is consumed: its interface is released whatever the outcome, and the
// device re-enumerates with a different identity.
func (p *Probe) RebootToBootloader() error {
	defer p.Close()

	if _, err := p.transport.Write(p.match.EndpointOut, cmdRebootToBootloader, rebootTimeout); err != nil {
		return fmt.Errorf("send reboot command: %w", err)
	}
	return nil
}

// Close releases the claimed interface.
func (p *Probe) Close() error {
	return p.transport.Close()
}

// FormatVersion renders a firmware version as dotted hex bytes, most
// significant first, e.g. 03.00.00.08.
func FormatVersion(v uint32) string {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return fmt.Sprintf("%02x.%02x.%02x.%02x", b[0], b[1], b[2], b[3])
}
