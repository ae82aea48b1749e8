package cmd

import (
	"fmt"
	"io"

	"github.com/OpenTraceLab/OpenTraceXDS/pkg/xds110"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
)

func addGlobalFlags(fs *pflag.FlagSet) {
	fs.CountVarP(&verbosity, "verbose", "v",
		"verbose output (-v progress, -vv USB transfers, -vvv control requests)")
	fs.StringVar(&logFormat, "log-format", "text", "log format (text, json)")
	fs.StringVar(&devicesFile, "devices", "",
		"YAML file with extra probe and bootloader VID/PID rows")
	fs.StringVarP(&adapterType, "adapter", "a", "usb", "adapter type (usb, simulator)")
}

// configureLogger points l at w with a level chosen by the -v count.
func configureLogger(l *log.Logger, w io.Writer, verbosity int, format string) error {
	l.SetOutput(w)

	switch format {
	case "text":
		l.SetFormatter(&log.TextFormatter{DisableTimestamp: true})
	case "json":
		l.SetFormatter(&log.JSONFormatter{})
	default:
		return fmt.Errorf("unknown --log-format %q (want text or json)", format)
	}

	switch {
	case verbosity >= 3:
		l.SetLevel(log.TraceLevel)
	case verbosity == 2:
		l.SetLevel(log.DebugLevel)
	case verbosity == 1:
		l.SetLevel(log.InfoLevel)
	default:
		l.SetLevel(log.WarnLevel)
	}
	return nil
}

func loadTable() (xds110.Table, error) {
	if devicesFile == "" {
		return xds110.DefaultTable(), nil
	}
	table, err := xds110.LoadTable(devicesFile)
	if err != nil {
		return xds110.Table{}, err
	}
	logger.WithField("file", devicesFile).Debug("loaded device table")
	return table, nil
}
