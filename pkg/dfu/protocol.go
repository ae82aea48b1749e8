package dfu

import (
	"encoding/binary"

	"github.com/google/gousb"
)

// Control request types. The bootloader addresses everything to interface 0
// with class-specific requests.
const (
	requestTypeIn  = gousb.ControlIn | gousb.ControlClass | gousb.ControlInterface
	requestTypeOut = gousb.ControlOut | gousb.ControlClass | gousb.ControlInterface
)

// DFU requests
const (
	reqDnload    uint8 = 0x01
	reqUpload    uint8 = 0x02
	reqGetStatus uint8 = 0x03
	reqTivaQuery uint8 = 0x42
)

// tivaQueryValue selects the binary-protocol probe of the Tiva bootloader.
const tivaQueryValue uint16 = 0x23

// Tiva DFU commands, first byte of a DNLOAD payload.
const (
	cmdWrite  byte = 0x01
	cmdRead   byte = 0x02
	cmdBin    byte = 0x06
	cmdReset  byte = 0x07
	cmdLength      = 8
)

const (
	// ConfigurationSize is the size of the persistent configuration image.
	ConfigurationSize = 16384

	// ConfigurationBlock is the flash block the configuration image lives at.
	ConfigurationBlock uint16 = 0x03f0

	// TransferSize is the payload of every UPLOAD/DNLOAD data transfer.
	TransferSize = 1024

	statusLength = 6
	queryLength  = 4
)

// resetMagic follows cmdReset in the RESET command.
var resetMagic = [...]byte{0x20, 0xdf, 0x00, 0x01, 0x00, 0x00, 0x00}

// blockCommand encodes READ or WRITE for the configuration block.
func blockCommand(cmd byte) []byte {
	b := make([]byte, cmdLength)
	b[0] = cmd
	binary.LittleEndian.PutUint16(b[2:4], ConfigurationBlock)
	binary.LittleEndian.PutUint16(b[4:6], ConfigurationSize)
	return b
}

// binCommand encodes BIN; disablePrefix turns off the upload header.
func binCommand(disablePrefix bool) []byte {
	b := make([]byte, 11)
	b[0] = cmdBin
	if disablePrefix {
		b[1] = 1
	}
	return b
}

func resetCommand() []byte {
	b := make([]byte, cmdLength)
	b[0] = cmdReset
	copy(b[1:], resetMagic[:])
	return b
}
