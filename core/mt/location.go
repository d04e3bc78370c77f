package mt

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/tracejit/tracejit/core/jit/codegen"
)

// State is the lifecycle stage of a Location.
type State uint8

const (
	// StateCounting counts visits until the location becomes hot.
	StateCounting State = iota
	// StateTracing means a thread is recording a trace from here.
	StateTracing
	// StateCompiling means a recorded trace is being compiled.
	StateCompiling
	// StateCompiled means a compiled trace is installed.
	StateCompiled
	// StateDontTrace means tracing failed too often and is not retried.
	StateDontTrace
	// StateSideTracing means a compiled trace is installed and a thread is
	// recording a side trace from one of its guards.
	StateSideTracing
)

func (s State) String() string {
	switch s {
	case StateCounting:
		return "counting"
	case StateTracing:
		return "tracing"
	case StateCompiling:
		return "compiling"
	case StateCompiled:
		return "compiled"
	case StateDontTrace:
		return "dont-trace"
	case StateSideTracing:
		return "side-tracing"
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

// Location is a program point at which a trace may start. Its identity is
// stable for the lifetime of the program; it is safe for concurrent use.
type Location struct {
	id uint64

	mu       sync.Mutex
	state    State
	count    uint32
	failures uint16
	tracer   *Thread // set while StateTracing or StateSideTracing
	dropped  bool
	guards   map[guardKey]*guardState

	compiled atomic.Pointer[codegen.CompiledTrace]
	running  atomic.Int32
}

// ID returns the handle under which the location is registered.
func (l *Location) ID() uint64 { return l.id }

// State returns the current lifecycle stage.
func (l *Location) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Count returns the current hot count.
func (l *Location) Count() uint32 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.count
}

// Compiled returns the installed trace, if any.
func (l *Location) Compiled() *codegen.CompiledTrace { return l.compiled.Load() }

// SideTrace returns the side trace compiled for guard idx of trace id.
func (l *Location) SideTrace(id uint64, idx int) *codegen.CompiledTrace {
	l.mu.Lock()
	defer l.mu.Unlock()
	if gs, ok := l.guards[guardKey{trace: id, guard: idx}]; ok {
		return gs.side
	}
	return nil
}

// failed records an unsuccessful tracing or compilation attempt and picks
// the next state. The caller holds l.mu.
func (l *Location) failed(threshold uint16) {
	l.failures++
	l.count = 0
	l.tracer = nil
	if l.failures >= threshold {
		l.state = StateDontTrace
	} else {
		l.state = StateCounting
	}
}

func (l *Location) install(ct *codegen.CompiledTrace) {
	l.compiled.Store(ct)
	l.state = StateCompiled
	l.tracer = nil
}

// guardKey names one guard of one of the location's compiled traces.
type guardKey struct {
	trace uint64
	guard int
}

// guardState tracks how often a guard failed and the side trace that
// replaces its deoptimisation.
type guardState struct {
	failures  uint32
	errors    uint16
	dontTrace bool
	compiling bool
	side      *codegen.CompiledTrace
}

// guard returns the state of k, creating it on first use. The caller holds
// l.mu.
func (l *Location) guard(k guardKey) *guardState {
	if l.guards == nil {
		l.guards = make(map[guardKey]*guardState)
	}
	gs, ok := l.guards[k]
	if !ok {
		gs = new(guardState)
		l.guards[k] = gs
	}
	return gs
}

// failed records an unsuccessful side trace attempt from the guard.
func (g *guardState) failed(threshold uint16) {
	g.errors++
	g.failures = 0
	g.compiling = false
	if g.errors >= threshold {
		g.dontTrace = true
	}
}
