package dfu

import (
	"fmt"
	"time"
)

// State is the bootloader state reported in byte 4 of a status response.
type State uint8

// DFU states
const (
	StateAppIdle           State = 0
	StateAppDetach         State = 1
	StateIdle              State = 2
	StateDnloadSync        State = 3
	StateDnBusy            State = 4
	StateDnloadIdle        State = 5
	StateManifestSync      State = 6
	StateManifest          State = 7
	StateManifestWaitReset State = 8
	StateUploadIdle        State = 9
	StateError             State = 10
)

var stateStr = [...]string{
	StateAppIdle:           "app idle",
	StateAppDetach:         "app detach",
	StateIdle:              "DFU idle",
	StateDnloadSync:        "DFU download sync",
	StateDnBusy:            "DFU download busy",
	StateDnloadIdle:        "DFU download idle",
	StateManifestSync:      "DFU manifest sync",
	StateManifest:          "DFU manifest",
	StateManifestWaitReset: "DFU manifest wait reset",
	StateUploadIdle:        "DFU upload idle",
	StateError:             "DFU error",
}

func (s State) String() string {
	if int(s) < len(stateStr) {
		return stateStr[s]
	}
	return fmt.Sprintf("state %d", uint8(s))
}

// Status is a decoded 6-byte GETSTATUS response.
type Status struct {
	Code        uint8
	PollTimeout time.Duration
	State       State
	StringIndex uint8
}

func decodeStatus(b []byte) (Status, error) {
	if len(b) < statusLength {
		return Status{}, fmt.Errorf("status response is %d bytes, want %d", len(b), statusLength)
	}
	ms := uint32(b[1]) | uint32(b[2])<<8 | uint32(b[3])<<16
	return Status{
		Code:        b[0],
		PollTimeout: time.Duration(ms) * time.Millisecond,
		State:       State(b[4]),
		StringIndex: b[5],
	}, nil
}

func encodeStatus(s Status) []byte {
	ms := uint32(s.PollTimeout / time.Millisecond)
	return []byte{s.Code, byte(ms), byte(ms >> 8), byte(ms >> 16), byte(s.State), s.StringIndex}
}
