package cmd

import (
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	// Global flags
	verbosity   int
	logFormat   string
	devicesFile string
	adapterType string

	logger = log.New()
)

var rootCmd = &cobra.Command{
	Use:   "xds",
	Short: "XDS110 debug probe mode tool",
	Long: `Switch TI XDS110 debug probes into CMSIS-DAP 2.0 mode through the
Tiva DFU bootloader, and list the probes attached to this host.

Examples:
  xds devices                                   # List attached probes
  xds mode                                      # Switch the attached probe
  xds mode --dry-run -v                         # Report what would change
  xds mode --adapter simulator --sim-mode 2 -v  # Exercise the workflow without hardware`,
	Version:       "0.9.0",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return configureLogger(logger, cmd.ErrOrStderr(), verbosity, logFormat)
	},
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	addGlobalFlags(rootCmd.PersistentFlags())
}
