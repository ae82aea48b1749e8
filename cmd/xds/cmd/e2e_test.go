package cmd

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/OpenTraceLab/OpenTraceXDS/pkg/dfu"
	log "github.com/sirupsen/logrus"
)

// TestModeE2E drives the mode and devices commands against the simulator.
func TestModeE2E(t *testing.T) {
	tests := []struct {
		name          string
		args          []string
		wantErr       error
		wantErrText   string
		wantStdout    []string
		wantStderr    []string
		notWantStderr []string
	}{
		{
			name: "bootloader probe is switched",
			args: []string{"mode", "-v"},
			wantStderr: []string{
				"reading current configuration",
				"updating device from mode 2 to mode 4",
				"resetting into application mode",
			},
		},
		{
			name:          "already in mode 4",
			args:          []string{"mode", "-v", "--sim-mode", "4"},
			wantStderr:    []string{"device already in mode 4"},
			notWantStderr: []string{"updating device", "resetting"},
		},
		{
			name:          "silent without verbose",
			args:          []string{"mode"},
			notWantStderr: []string{"level="},
		},
		{
			name:          "dry run",
			args:          []string{"mode", "--dry-run"},
			wantStdout:    []string{"Current mode: 2", "Would switch to mode 4"},
			notWantStderr: []string{"resetting"},
		},
		{
			name:       "dry run with missing marker",
			args:       []string{"mode", "--dry-run", "--sim-no-magic", "--sim-mode", "0x0302"},
			wantStdout: []string{"marker missing", "Current mode: 2"},
			wantStderr: []string{"configuration magic not found"},
		},
		{
			name: "application probe is rebooted first",
			args: []string{"mode", "-v", "--sim-firmware", "0x03000008"},
			wantStderr: []string{
				"found probe in application mode",
				"version=03.00.00.08",
				"updating device from mode 2 to mode 4",
			},
		},
		{
			name:        "old firmware is refused",
			args:        []string{"mode", "--sim-firmware", "0x03000007"},
			wantErrText: "your firmware is 03.00.00.07",
		},
		{
			name:    "poll limit",
			args:    []string{"mode", "--sim-busy", "5", "--poll-limit", "3"},
			wantErr: dfu.ErrDeviceUnresponsive,
		},
		{
			name:       "json logs",
			args:       []string{"mode", "-v", "--log-format", "json"},
			wantStderr: []string{`"level":"info"`, `"msg":"updating device from mode 2 to mode 4"`},
		},
		{
			name:        "unknown log format",
			args:        []string{"mode", "--log-format", "xml"},
			wantErrText: "unknown --log-format",
		},
		{
			name:        "unknown adapter",
			args:        []string{"mode", "--adapter", "jlink"},
			wantErrText: "unknown adapter type",
		},
		{
			name:       "devices on simulator",
			args:       []string{"devices"},
			wantStdout: []string{"Detected XDS110 probes:", "Tiva DFU bootloader (simulated) [bootloader]", "1CBE:00FF"},
		},
		{
			name:       "devices on simulator in application mode",
			args:       []string{"devices", "--adapter", "sim", "--sim-firmware", "0x03000008"},
			wantStdout: []string{"TI XDS110 (simulated) [application]", "0451:BEF3"},
		},
		{
			name:        "missing device table",
			args:        []string{"devices", "--adapter", "usb", "--devices", "testdata/does-not-exist.yaml"},
			wantErrText: "read device table",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Reset flags to prevent accumulation between tests
			verbosity = 0
			logFormat = "text"
			devicesFile = ""
			adapterType = "simulator"
			dryRun = false
			pollLimit = 0
			simMode = 2
			simFirmware = ""
			simNoMagic = false
			simBusy = 2

			var stdout, stderr bytes.Buffer
			rootCmd.SetOut(&stdout)
			rootCmd.SetErr(&stderr)
			rootCmd.SetArgs(tt.args)

			err := rootCmd.Execute()

			switch {
			case tt.wantErr != nil:
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("err = %v, want %v", err, tt.wantErr)
				}
				return
			case tt.wantErrText != "":
				if err == nil || !strings.Contains(err.Error(), tt.wantErrText) {
					t.Fatalf("err = %v, want it to contain %q", err, tt.wantErrText)
				}
				return
			case err != nil:
				t.Fatalf("Unexpected error: %v\nStderr: %s", err, stderr.String())
			}

			for _, want := range tt.wantStdout {
				if !strings.Contains(stdout.String(), want) {
					t.Errorf("stdout missing %q\nStdout: %s", want, stdout.String())
				}
			}
			for _, want := range tt.wantStderr {
				if !strings.Contains(stderr.String(), want) {
					t.Errorf("stderr missing %q\nStderr: %s", want, stderr.String())
				}
			}
			for _, bad := range tt.notWantStderr {
				if strings.Contains(stderr.String(), bad) {
					t.Errorf("stderr unexpectedly contains %q\nStderr: %s", bad, stderr.String())
				}
			}
		})
	}
}

func TestConfigureLoggerLevels(t *testing.T) {
	tests := []struct {
		verbosity int
		want      string
	}{
		{0, "warning"},
		{1, "info"},
		{2, "debug"},
		{3, "trace"},
		{5, "trace"},
	}
	for _, tt := range tests {
		var buf bytes.Buffer
		l := log.New()
		if err := configureLogger(l, &buf, tt.verbosity, "text"); err != nil {
			t.Fatalf("configureLogger returned error: %v", err)
		}
		if got := l.GetLevel().String(); got != tt.want {
			t.Errorf("verbosity %d: level = %s, want %s", tt.verbosity, got, tt.want)
		}
	}
}
