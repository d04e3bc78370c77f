package vm

import "github.com/ethereum/go-ethereum/metrics"

type meters struct {
	externCalls   metrics.Counter
	rebuiltFrames metrics.Counter
}

// newMeters registers the interpreter's counters next to those of the
// meta-tracer, or in a registry of their own when there is none.
func newMeters(r metrics.Registry) *meters {
	if r == nil {
		r = metrics.NewRegistry()
	}
	return &meters{
		externCalls:   metrics.GetOrRegisterCounter("tracejit/vm/extern", r),
		rebuiltFrames: metrics.GetOrRegisterCounter("tracejit/vm/deopt/frames", r),
	}
}
