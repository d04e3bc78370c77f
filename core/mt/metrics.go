package mt

import "github.com/ethereum/go-ethereum/metrics"

// meters are the metrics of one meta-tracer. They only collect data when
// metrics.Enabled is set before the MT is created.
type meters struct {
	recorded     metrics.Counter
	recordedErr  metrics.Counter
	compiled     metrics.Counter
	compiledErr  metrics.Counter
	sideCompiled metrics.Counter
	executed     metrics.Counter
	deopt        metrics.Counter
	guardFailed  metrics.Counter

	compileTimer metrics.Timer
	recordTimer  metrics.Timer
}

func newMeters(r metrics.Registry) *meters {
	return &meters{
		recorded:     metrics.NewRegisteredCounter("tracejit/trace/recorded", r),
		recordedErr:  metrics.NewRegisteredCounter("tracejit/trace/recorded/err", r),
		compiled:     metrics.NewRegisteredCounter("tracejit/trace/compiled", r),
		compiledErr:  metrics.NewRegisteredCounter("tracejit/trace/compiled/err", r),
		sideCompiled: metrics.NewRegisteredCounter("tracejit/trace/compiled/side", r),
		executed:     metrics.NewRegisteredCounter("tracejit/trace/executed", r),
		deopt:        metrics.NewRegisteredCounter("tracejit/trace/deopt", r),
		guardFailed:  metrics.NewRegisteredCounter("tracejit/guard/failed", r),

		compileTimer: metrics.NewRegisteredTimer("tracejit/trace/compile", r),
		recordTimer:  metrics.NewRegisteredTimer("tracejit/trace/record", r),
	}
}
