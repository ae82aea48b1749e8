package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/OpenTraceLab/OpenTraceXDS/pkg/dfu"
	"github.com/OpenTraceLab/OpenTraceXDS/pkg/reconfig"
	"github.com/OpenTraceLab/OpenTraceXDS/pkg/xds110"
	"github.com/spf13/cobra"
)

var (
	dryRun    bool
	pollLimit int
)

var modeCmd = &cobra.Command{
	Use:   "mode",
	Short: "Switch the attached probe into CMSIS-DAP 2.0 mode",
	Long: `Switch the single attached XDS110 into operating mode 4 (CMSIS-DAP 2.0).

The mode command will:
  1. Find the probe in bootloader mode, or reboot it there from application
     mode (firmware 03.00.00.08 or newer is required)
  2. Read the 16 KiB configuration block
  3. Patch the mode field, repairing the block if its marker is missing
  4. Write the block back and reset the probe

A probe already in mode 4 is left untouched. The command refuses to run when
more than one probe is attached.

Examples:
  # Switch the attached probe
  xds mode

  # Show what would change without writing
  xds mode --dry-run -v

  # Give up if the bootloader stays busy for 10000 status polls
  xds mode --poll-limit 10000

  # Run against the simulator, starting in application mode
  xds mode --adapter simulator --sim-firmware 0x03000008 -v`,
	RunE: runMode,
}

func init() {
	rootCmd.AddCommand(modeCmd)

	modeCmd.Flags().BoolVarP(&dryRun, "dry-run", "n", false,
		"read and report only; do not write or reset")
	modeCmd.Flags().IntVar(&pollLimit, "poll-limit", 0,
		"give up after this many busy status polls (0 waits forever)")
	addSimulatorFlags(modeCmd.Flags())
}

func runMode(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	wf, err := newWorkflow()
	if err != nil {
		return err
	}
	wf.DryRun = dryRun

	res, err := wf.Run(ctx)
	if err != nil {
		return err
	}

	if dryRun {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Current mode: %d\n", res.PreviousMode)
		if res.MagicRepaired {
			fmt.Fprintf(out, "Configuration marker missing (found % x); it would be repaired\n", res.FoundMagic)
		}
		if res.Decision == reconfig.NoChangeNeeded {
			fmt.Fprintf(out, "Already in mode %d, nothing to do\n", reconfig.TargetMode)
		} else {
			fmt.Fprintf(out, "Would switch to mode %d\n", res.NewMode)
		}
	}
	return nil
}

func newWorkflow() (*reconfig.Workflow, error) {
	var opts []dfu.Option
	if pollLimit > 0 {
		opts = append(opts, dfu.WithPollLimit(pollLimit))
	}

	switch adapterType {
	case "simulator", "sim":
		return newSimulatedWorkflow(append([]dfu.Option{dfu.WithLogger(logger)}, opts...))
	case "usb":
		table, err := loadTable()
		if err != nil {
			return nil, err
		}
		m := xds110.NewMatcher(table, logger)
		m.SessionOptions = opts
		return reconfig.New(m, logger), nil
	}
	return nil, fmt.Errorf("unknown adapter type: %s", adapterType)
}
