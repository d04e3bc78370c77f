// Package jit holds switches shared by the trace compiler stack.
package jit

import (
	"github.com/ethereum/go-ethereum/log"
)

// Debug carries the verbose logs of the tracer, builder, optimiser and
// compiler. They are dropped unless the JIT runs with Config.Debug. A nil
// Debug drops everything.
type Debug struct {
	on     bool
	logger log.Logger
}

// NewDebug returns the debug logger for one meta-tracer. A nil logger
// writes to the root logger.
func NewDebug(on bool, logger log.Logger) *Debug {
	if logger == nil {
		logger = log.Root()
	}
	return &Debug{on: on, logger: logger}
}

// Enabled reports whether debug logs are written.
func (d *Debug) Enabled() bool { return d != nil && d.on }

// Warn emits a warning only if debug logging is enabled.
func (d *Debug) Warn(msg string, ctx ...interface{}) {
	if d.Enabled() {
		d.logger.Warn(msg, ctx...)
	}
}

// Info emits info only if debug logging is enabled.
func (d *Debug) Info(msg string, ctx ...interface{}) {
	if d.Enabled() {
		d.logger.Info(msg, ctx...)
	}
}

// Error emits an error only if debug logging is enabled.
func (d *Debug) Error(msg string, ctx ...interface{}) {
	if d.Enabled() {
		d.logger.Error(msg, ctx...)
	}
}
