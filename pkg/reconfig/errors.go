package reconfig

import (
	"fmt"

	"github.com/OpenTraceLab/OpenTraceXDS/pkg/xds110"
)

// UnsupportedFirmwareError is returned when an application-mode probe runs
// firmware too old to be switched. Nothing has been sent to the probe.
type UnsupportedFirmwareError struct {
	Found   uint32
	Minimum uint32
}

func (e *UnsupportedFirmwareError) Error() string {
	return fmt.Sprintf("CMSIS-DAP 2.0 is only supported on firmware versions >= %s -- your firmware is %s",
		xds110.FormatVersion(e.Minimum), xds110.FormatVersion(e.Found))
}
