package dfu

import (
	"io"

	log "github.com/sirupsen/logrus"
)

type config struct {
	log       log.FieldLogger
	pollLimit int
}

func defaultConfig() config {
	l := log.New()
	l.SetOutput(io.Discard)
	return config{log: l}
}

// Option configures a Session.
type Option func(*config)

// WithLogger routes per-transfer tracing to logger.
func WithLogger(logger log.FieldLogger) Option {
	return func(c *config) {
		if logger != nil {
			c.log = logger
		}
	}
}

// WithPollLimit bounds every wait for a bootloader state to n status
// queries; past that the operation fails with ErrDeviceUnresponsive.
// Zero, the default, polls until the state is reached.
func WithPollLimit(n int) Option {
	return func(c *config) {
		if n >= 0 {
			c.pollLimit = n
		}
	}
}
