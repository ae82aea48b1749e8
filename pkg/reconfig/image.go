package reconfig

import (
	"encoding/binary"
	"fmt"

	"github.com/OpenTraceLab/OpenTraceXDS/pkg/dfu"
)

// TargetMode is the operating mode the tool switches probes into.
const TargetMode uint16 = 4

const (
	modeOffset  = 16
	magicOffset = 18
)

// Magic marks an initialized configuration image.
var Magic = [2]byte{0x55, 0xAA}

// Decision is what the workflow does with a configuration image.
type Decision int

const (
	NoChangeNeeded Decision = iota
	PatchAndWrite
)

func (d Decision) String() string {
	switch d {
	case NoChangeNeeded:
		return "no change needed"
	case PatchAndWrite:
		return "patch and write"
	}
	return fmt.Sprintf("Decision(%d)", int(d))
}

// Outcome describes what Decide did to an image.
type Outcome struct {
	Decision      Decision
	PreviousMode  uint16
	NewMode       uint16
	MagicRepaired bool
	FoundMagic    [2]byte
}

// Mode returns the little-endian mode field of image.
func Mode(image []byte) uint16 {
	return binary.LittleEndian.Uint16(image[modeOffset : modeOffset+2])
}

// HasMagic reports whether image carries the initialized marker.
func HasMagic(image []byte) bool {
	return [2]byte(image[magicOffset:magicOffset+2]) == Magic
}

// Decide patches image in place. An image without the marker has byte 17
// cleared and the marker rewritten before the mode is read. Only the low
// byte of the mode is ever patched.
func Decide(image []byte) (Outcome, error) {
	if len(image) != dfu.ConfigurationSize {
		return Outcome{}, fmt.Errorf("%w: got %d", dfu.ErrInvalidConfigurationLength, len(image))
	}

	var out Outcome
	if !HasMagic(image) {
		out.MagicRepaired = true
		out.FoundMagic = [2]byte(image[magicOffset : magicOffset+2])
		image[modeOffset+1] = 0
		copy(image[magicOffset:], Magic[:])
	}

	out.PreviousMode = Mode(image)
	if out.PreviousMode == TargetMode {
		out.Decision = NoChangeNeeded
		out.NewMode = out.PreviousMode
		return out, nil
	}

	image[modeOffset] = byte(TargetMode)
	out.Decision = PatchAndWrite
	out.NewMode = Mode(image)
	return out, nil
}

// NewImage returns a blank initialized image in the given mode.
func NewImage(mode uint16) []byte {
	image := make([]byte, dfu.ConfigurationSize)
	binary.LittleEndian.PutUint16(image[modeOffset:], mode)
	copy(image[magicOffset:], Magic[:])
	return image
}
