package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/OpenTraceLab/OpenTraceXDS/pkg/xds110"
	"github.com/spf13/cobra"
)

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List attached XDS110 probes",
	Long: `Scan the host for XDS110 probes in application or bootloader mode and print
a summary of each. Use this to check that exactly one probe is attached before
running "xds mode".`,
	RunE: runDevices,
}

func init() {
	rootCmd.AddCommand(devicesCmd)
}

func runDevices(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var infos []xds110.DeviceInfo
	switch adapterType {
	case "simulator", "sim":
		infos = []xds110.DeviceInfo{simulatedDevice()}
	case "usb":
		table, err := loadTable()
		if err != nil {
			return err
		}
		infos, err = xds110.NewMatcher(table, logger).Discover(ctx)
		if err != nil {
			return fmt.Errorf("discover devices: %w", err)
		}
	default:
		return fmt.Errorf("unknown adapter type: %s", adapterType)
	}

	out := cmd.OutOrStdout()
	if len(infos) == 0 {
		fmt.Fprintln(out, "No probes found.")
		return nil
	}

	fmt.Fprintln(out, "Detected XDS110 probes:")
	for _, info := range infos {
		fmt.Fprintf(out, "  - %s [%s] (VID:PID %04X:%04X, bus %d address %d)\n",
			info.Label(), info.Mode, info.VendorID, info.ProductID, info.Bus, info.Address)
	}
	if len(infos) > 1 {
		fmt.Fprintln(out, "More than one probe attached: \"xds mode\" will refuse to run.")
	}
	return nil
}
