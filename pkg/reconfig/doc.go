// Package reconfig switches an XDS110 into CMSIS-DAP 2.0 operating mode.
//
// A run finds the probe in bootloader mode, or reboots it there from
// application mode, reads the 16 KiB configuration image, patches the mode
// field and writes the image back before resetting the probe:
//
//	m := xds110.NewMatcher(xds110.DefaultTable(), logger)
//	res, err := reconfig.New(m, logger).Run(ctx)
//
// An image already in TargetMode is left alone and the probe is not reset.
package reconfig
