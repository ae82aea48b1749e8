// Package dfu drives the Tiva DFU bootloader of an XDS110 debug probe to
// read and rewrite its 16 KiB persistent configuration block.
//
// The bootloader speaks the binary variant of the Tiva DFU protocol over
// class control transfers addressed to interface 0:
//
//	request 1 (DNLOAD)    commands and data blocks, host to device
//	request 2 (UPLOAD)    data blocks, device to host
//	request 3 (GETSTATUS) 6-byte status, byte 4 is the bootloader state
//	request 0x42          binary-protocol query
//
// Every DNLOAD and UPLOAD carries a per-session packet counter in wValue.
// A Session owns that counter; it starts at zero and advances exactly once
// per counted transfer.
//
// # Usage
//
//	s := dfu.NewSession(dev)
//	if err := s.EnsureBinaryProtocol(); err != nil {
//		return err
//	}
//	image, err := s.ReadConfiguration(ctx)
//	...
//	err = s.WriteConfiguration(ctx, image)
//	...
//	err = s.Reset(ctx) // consumes s
//
// # Waiting
//
// Between data blocks the session polls GETSTATUS until the bootloader
// reports download idle (5), and after a download or before a reset until
// it reports idle (2). Polls are unbounded unless WithPollLimit is given.
//
// # Simulation
//
// SimDevice implements the bootloader in memory and is used by the tests and
// by the command-line simulator adapter.
package dfu
