// Package mt implements the meta-tracer: it counts how often each Location
// is reached, decides when to record a trace from it, hands recorded
// traces to the compiler and dispatches into compiled traces.
//
// Every Location has its own lock; there is no lock shared between
// Locations. Compilation happens on a worker pool owned by the MT.
package mt

import (
	"sync"
	"sync/atomic"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"
	"github.com/pkg/errors"

	"github.com/tracejit/tracejit/aot"
	"github.com/tracejit/tracejit/common/gopool"
	"github.com/tracejit/tracejit/config"
	"github.com/tracejit/tracejit/core/jit"
	"github.com/tracejit/tracejit/core/jit/codegen"
	"github.com/tracejit/tracejit/core/jit/deopt"
	"github.com/tracejit/tracejit/core/jit/tir"
	"github.com/tracejit/tracejit/core/jitlog"
	"github.com/tracejit/tracejit/core/trace"
)

var (
	ErrShutdown        = errors.New("meta-tracer is shut down")
	ErrLocationDropped = errors.New("location was dropped")
	ErrLocationBusy    = errors.New("location is in use")
	ErrNoLocation      = errors.New("unknown location")
)

// TransitionKind tells the interpreter what to do after a control point.
type TransitionKind uint8

const (
	NoAction TransitionKind = iota
	StartTracing
	StopTracing
	AbortTracing
	Execute
)

func (k TransitionKind) String() string {
	switch k {
	case NoAction:
		return "no-action"
	case StartTracing:
		return "start-tracing"
	case StopTracing:
		return "stop-tracing"
	case AbortTracing:
		return "abort-tracing"
	case Execute:
		return "execute"
	}
	return "unknown"
}

// AbortKind is the reason a recording was abandoned.
type AbortKind uint8

const (
	AbortNone AbortKind = iota
	AbortOutOfFrame
	AbortCompiledTrace
	AbortUnrolled
	AbortTooLong
	AbortDropped
)

func (k AbortKind) String() string {
	switch k {
	case AbortOutOfFrame:
		return "tracing went outside of starting frame"
	case AbortCompiledTrace:
		return "encountered compiled trace"
	case AbortUnrolled:
		return "tracing unrolled a loop"
	case AbortTooLong:
		return "trace too long"
	case AbortDropped:
		return "location dropped while tracing"
	}
	return "none"
}

// Transition is the result of a control point or a guard failure. An
// Execute transition holds a reference on the location that the following
// MT.Execute releases.
type Transition struct {
	Kind  TransitionKind
	Trace *codegen.CompiledTrace // set for Execute
	Abort AbortKind              // set for AbortTracing
}

// Thread is the tracing state of one mutator. A Thread must only be used
// by one goroutine at a time.
type Thread struct {
	id uint64

	loc     *Location // location being traced
	guard   *guardKey // set while recording a side trace
	depth   int
	rec     *trace.Recorder
	seen    mapset.Set[*Location]
	started time.Time
}

// ID returns the thread's identifier.
func (th *Thread) ID() uint64 { return th.id }

// Tracing reports whether the thread is recording a trace.
func (th *Thread) Tracing() bool { return th.loc != nil }

// TracingLocation reports whether the thread is recording a trace of l.
func (th *Thread) TracingLocation(l *Location) bool { return l != nil && th.loc == l }

// SideTracing reports whether the recording is a side trace.
func (th *Thread) SideTracing() bool { return th.guard != nil }

// Recorder returns the active recorder, or nil when not tracing.
func (th *Thread) Recorder() *trace.Recorder { return th.rec }

func (th *Thread) begin(loc *Location, depth int, rec *trace.Recorder) {
	th.loc, th.depth, th.rec = loc, depth, rec
	th.seen = mapset.NewThreadUnsafeSet[*Location]()
	th.started = time.Now()
}

func (th *Thread) end() time.Duration {
	d := time.Since(th.started)
	th.loc, th.guard, th.rec, th.seen = nil, nil, nil, nil
	return d
}

// Compiler turns a recorded trace into a compiled trace with the given id.
type Compiler func(tr *trace.Trace, id uint64) (*codegen.CompiledTrace, error)

// Option configures an MT.
type Option func(*MT)

// WithLog sets the diagnostic stream. The default discards everything.
func WithLog(l *jitlog.Log) Option { return func(mt *MT) { mt.jlog = l } }

// WithFatal replaces the handler of unrecoverable conditions, which
// defaults to log.Crit.
func WithFatal(fn func(msg string, ctx ...interface{})) Option {
	return func(mt *MT) { mt.fatal = fn }
}

// WithCompiler replaces the trace compilation pipeline.
func WithCompiler(fn Compiler) Option { return func(mt *MT) { mt.compiler = fn } }

// MT is a meta-tracer for one AOT module.
type MT struct {
	mod      *aot.Module
	cfg      config.Config
	jlog     *jitlog.Log
	logger   log.Logger
	dbg      *jit.Debug
	fatal    func(msg string, ctx ...interface{})
	compiler Compiler
	pool     *gopool.Pool
	registry metrics.Registry
	meters   *meters

	nextLoc    atomic.Uint64
	nextTrace  atomic.Uint64
	nextThread atomic.Uint64
	locs       sync.Map // uint64 -> *Location

	closeMu sync.RWMutex
	closed  bool

	stats stats
}

// New creates a meta-tracer for mod.
func New(mod *aot.Module, cfg config.Config, opts ...Option) (*MT, error) {
	cfg.Sanitize()
	pool, err := gopool.New(cfg.MaxWorkers)
	if err != nil {
		return nil, err
	}
	registry := metrics.NewRegistry()
	mt := &MT{
		mod:      mod,
		cfg:      cfg,
		jlog:     jitlog.Discard(),
		logger:   log.New("module", "mt"),
		fatal:    log.Crit,
		pool:     pool,
		registry: registry,
		meters:   newMeters(registry),
	}
	mt.dbg = jit.NewDebug(cfg.Debug, mt.logger)
	mt.compiler = mt.compile
	for _, opt := range opts {
		opt(mt)
	}
	return mt, nil
}

// Config returns the configuration in effect.
func (mt *MT) Config() config.Config { return mt.cfg }

// Log returns the diagnostic stream.
func (mt *MT) Log() *jitlog.Log { return mt.jlog }

// Metrics returns the registry the meta-tracer records into. It is empty
// of data unless metrics were enabled before New.
func (mt *MT) Metrics() metrics.Registry { return mt.registry }

// Fatal reports a condition the engine cannot recover from.
func (mt *MT) Fatal(msg string, ctx ...interface{}) { mt.fatal(msg, ctx...) }

// NewThread returns the tracing state for a new mutator.
func (mt *MT) NewThread() *Thread {
	return &Thread{id: mt.nextThread.Add(1)}
}

// NewLocation registers a new Location. Handles are never zero.
func (mt *MT) NewLocation() *Location {
	l := &Location{id: mt.nextLoc.Add(1)}
	mt.locs.Store(l.id, l)
	return l
}

// LookupLocation resolves a handle returned by Location.ID.
func (mt *MT) LookupLocation(id uint64) (*Location, bool) {
	v, ok := mt.locs.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*Location), true
}

// DropLocation unregisters l and frees its compiled traces. It fails while
// one of its traces is running. A recording or compilation in progress for
// l is discarded when it finishes.
func (mt *MT) DropLocation(l *Location) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.dropped {
		return errors.Wrapf(ErrLocationDropped, "location %d", l.id)
	}
	if n := l.running.Load(); n > 0 {
		return errors.Wrapf(ErrLocationBusy, "location %d is running %d times", l.id, n)
	}
	l.dropped = true
	l.state = StateDontTrace
	l.tracer = nil
	l.guards = nil
	l.compiled.Store(nil)
	mt.locs.Delete(l.id)
	return nil
}

// ControlPoint is called by the interpreter each time it reaches the
// control point of loc. depth is the interpreter's frame depth and pos the
// instruction following the control point.
func (mt *MT) ControlPoint(th *Thread, loc *Location, depth int, pos trace.Pos) Transition {
	if loc == nil || mt.cfg.Disabled {
		return Transition{}
	}
	if th.loc != nil && th.loc != loc {
		return mt.visitWhileTracing(th, loc)
	}

	loc.mu.Lock()
	if loc.dropped {
		loc.mu.Unlock()
		mt.fatal("Control point reached a dropped location", "loc", loc.id)
		return Transition{}
	}
	switch loc.state {
	case StateCounting:
		if loc.count < mt.cfg.HotThreshold {
			loc.count++
			loc.mu.Unlock()
			return Transition{}
		}
		if mt.isClosed() {
			loc.mu.Unlock()
			return Transition{}
		}
		loc.state, loc.tracer = StateTracing, th
		loc.mu.Unlock()
		th.begin(loc, depth, trace.NewRecorder(pos, mt.cfg.MaxTraceLength))
		mt.jlog.Event("start-tracing")
		return Transition{Kind: StartTracing}

	case StateTracing:
		if loc.tracer != th {
			loc.mu.Unlock()
			return Transition{}
		}
		if th.depth != depth {
			loc.mu.Unlock()
			mt.abort(th, AbortOutOfFrame)
			return Transition{Kind: AbortTracing, Abort: AbortOutOfFrame}
		}
		tr, err := th.rec.Finish()
		if err != nil {
			loc.mu.Unlock()
			mt.abort(th, AbortTooLong)
			return Transition{Kind: AbortTracing, Abort: AbortTooLong}
		}
		loc.state, loc.tracer = StateCompiling, nil
		loc.mu.Unlock()

		mt.recorded(th)
		mt.submit(loc, tr, nil)
		return Transition{Kind: StopTracing}

	case StateSideTracing:
		if loc.tracer == th {
			return mt.stopSideTracing(th, loc, depth)
		}
		return mt.enter(loc, pos)

	case StateCompiled:
		return mt.enter(loc, pos)
	}
	loc.mu.Unlock()
	return Transition{}
}

// enter hands out the root trace of loc. The caller holds loc.mu, which is
// released.
func (mt *MT) enter(loc *Location, pos trace.Pos) Transition {
	ct := loc.compiled.Load()
	if ct.Start != pos {
		loc.mu.Unlock()
		mt.fatal("Compiled trace entered at the wrong position", "trace", ct.ID, "start", ct.Start, "pos", pos)
		return Transition{}
	}
	loc.running.Add(1)
	loc.mu.Unlock()
	return Transition{Kind: Execute, Trace: ct}
}

// stopSideTracing closes the side trace th recorded when it got back to
// the control point of loc. The caller holds loc.mu, which is released.
func (mt *MT) stopSideTracing(th *Thread, loc *Location, depth int) Transition {
	if th.depth != depth {
		loc.mu.Unlock()
		mt.abort(th, AbortOutOfFrame)
		return Transition{Kind: AbortTracing, Abort: AbortOutOfFrame}
	}
	tr, err := th.rec.Finish()
	if err != nil {
		loc.mu.Unlock()
		mt.abort(th, AbortTooLong)
		return Transition{Kind: AbortTracing, Abort: AbortTooLong}
	}
	key := *th.guard
	loc.state, loc.tracer = StateCompiled, nil
	loc.guard(key).compiling = true
	loc.mu.Unlock()

	mt.recorded(th)
	mt.submit(loc, tr, &key)
	return Transition{Kind: StopTracing}
}

func (mt *MT) recorded(th *Thread) {
	elapsed := th.end()
	mt.meters.recordTimer.Update(elapsed)
	mt.stats.tracing.Add(int64(elapsed))
	mt.stats.recordedOK.Add(1)
	mt.meters.recorded.Inc(1)
	mt.jlog.Event("stop-tracing")
}

// GuardFailure is called once the interpreter rebuilt its frames after a
// guard of ct, entered from loc, failed. depth is the interpreter's frame
// depth. It returns Execute with the side trace of the guard when one is
// installed, and StartTracing once the guard failed often enough to record
// one.
func (mt *MT) GuardFailure(th *Thread, loc *Location, ct *codegen.CompiledTrace, exit *deopt.Exit, depth int) Transition {
	if mt.cfg.Disabled || th.loc != nil || exit.Layout.Kind == tir.GuardClose {
		return Transition{}
	}
	mt.stats.guardFails.Add(1)
	mt.meters.guardFailed.Inc(1)
	key := guardKey{trace: ct.ID, guard: exit.Layout.GuardIdx}

	loc.mu.Lock()
	if loc.dropped || (loc.state != StateCompiled && loc.state != StateSideTracing) {
		loc.mu.Unlock()
		return Transition{}
	}
	gs := loc.guard(key)
	if gs.side != nil {
		loc.running.Add(1)
		loc.mu.Unlock()
		return Transition{Kind: Execute, Trace: gs.side}
	}
	// side traces start in the frame the root trace was entered from
	if gs.dontTrace || gs.compiling || loc.state != StateCompiled || len(exit.Layout.Frames) != 1 {
		loc.mu.Unlock()
		return Transition{}
	}
	gs.failures++
	if gs.failures < mt.cfg.SideTraceThreshold || mt.isClosed() {
		loc.mu.Unlock()
		return Transition{}
	}
	gs.failures = 0
	root := loc.compiled.Load()
	loc.state, loc.tracer = StateSideTracing, th
	loc.mu.Unlock()

	fl := exit.Layout.Frames[0]
	start := trace.Pos{Func: fl.Func, BB: fl.BB, Inst: fl.Inst}
	th.begin(loc, depth, trace.NewSideRecorder(start, fl.Prev, root.Start, mt.cfg.MaxTraceLength))
	th.guard = &key
	mt.jlog.Event("start-side-tracing")
	mt.logger.Debug("Side tracing guard", "loc", loc.id, "trace", ct.ID, "guard", key.guard)
	return Transition{Kind: StartTracing}
}

// visitWhileTracing handles a control point of a location other than the
// one th is tracing.
func (mt *MT) visitWhileTracing(th *Thread, loc *Location) Transition {
	loc.mu.Lock()
	dropped, state := loc.dropped, loc.state
	loc.mu.Unlock()
	if dropped {
		mt.fatal("Control point reached a dropped location", "loc", loc.id)
		return Transition{}
	}
	var kind AbortKind
	switch {
	case state == StateCompiled || state == StateSideTracing:
		kind = AbortCompiledTrace
	case th.seen.Contains(loc):
		kind = AbortUnrolled
	default:
		th.seen.Add(loc)
		return Transition{}
	}
	mt.abort(th, kind)
	return Transition{Kind: AbortTracing, Abort: kind}
}

// AbortTracing abandons the recording of th, e.g. because the traced frame
// returned or the recorder ran out of budget.
func (mt *MT) AbortTracing(th *Thread, kind AbortKind) {
	if th.loc == nil {
		return
	}
	mt.abort(th, kind)
}

func (mt *MT) abort(th *Thread, kind AbortKind) {
	loc, key := th.loc, th.guard
	elapsed := th.end()
	mt.stats.tracing.Add(int64(elapsed))
	loc.mu.Lock()
	if loc.tracer == th && !loc.dropped {
		switch {
		case key == nil && loc.state == StateTracing:
			loc.failed(mt.cfg.TraceFailureThreshold)
		case key != nil && loc.state == StateSideTracing:
			loc.state, loc.tracer = StateCompiled, nil
			loc.guard(*key).failed(mt.cfg.TraceFailureThreshold)
		}
	}
	loc.mu.Unlock()
	mt.stats.recordedErr.Add(1)
	mt.meters.recordedErr.Inc(1)
	mt.jlog.Warn("tracing-aborted: %s", kind)
	mt.logger.Debug("Tracing aborted", "loc", loc.id, "reason", kind)
}

func (mt *MT) isClosed() bool {
	mt.closeMu.RLock()
	defer mt.closeMu.RUnlock()
	return mt.closed
}

// Execute runs ct, which was handed out by an Execute transition for loc,
// and returns the exit to deoptimise through. It releases the reference
// the transition took on loc.
func (mt *MT) Execute(loc *Location, ct *codegen.CompiledTrace, rt codegen.Runtime, inputs []uint64) (*deopt.Exit, error) {
	defer loc.running.Add(-1)

	mt.jlog.Event("enter-jit-code")
	mt.stats.executions.Add(1)
	mt.meters.executed.Inc(1)
	start := time.Now()
	exit, err := ct.Execute(rt, inputs)
	mt.stats.executing.Add(int64(time.Since(start)))
	if err != nil {
		return nil, err
	}
	// a side trace that ran to its end returns to the control point
	if exit.Layout.Kind == tir.GuardClose {
		return exit, nil
	}
	mt.jlog.Event("deoptimise")
	mt.stats.deopts.Add(1)
	mt.meters.deopt.Inc(1)
	return exit, nil
}

// Stats returns a snapshot of the counters.
func (mt *MT) Stats() Stats { return mt.stats.snapshot() }

// Wait blocks until all queued compilations finished.
func (mt *MT) Wait() { mt.pool.Wait() }

// Shutdown waits for in-flight compilations and stops accepting new ones.
// Calling it twice returns ErrShutdown.
func (mt *MT) Shutdown() error {
	mt.closeMu.Lock()
	if mt.closed {
		mt.closeMu.Unlock()
		return ErrShutdown
	}
	mt.closed = true
	mt.closeMu.Unlock()
	mt.pool.Release()
	return nil
}
