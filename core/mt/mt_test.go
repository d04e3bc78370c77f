package mt

import (
	"bytes"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/tracejit/tracejit/aot"
	"github.com/tracejit/tracejit/config"
	"github.com/tracejit/tracejit/core/jit/codegen"
	"github.com/tracejit/tracejit/core/jitlog"
	"github.com/tracejit/tracejit/core/memory"
	"github.com/tracejit/tracejit/core/trace"
)

var pos = trace.Pos{Func: 0, BB: 1, Inst: 1}

func testConfig(threshold uint32) config.Config {
	cfg := config.Defaults
	cfg.HotThreshold = threshold
	cfg.SerialiseCompilation = true
	return cfg
}

// fakeCompiler returns empty traces; they must never be executed.
func fakeCompiler(tr *trace.Trace, id uint64) (*codegen.CompiledTrace, error) {
	return &codegen.CompiledTrace{ID: id, Start: tr.Start}, nil
}

func newMT(t *testing.T, cfg config.Config, opts ...Option) (*MT, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	l, err := jitlog.New(&buf, jitlog.LevelEvent, nil)
	require.NoError(t, err)
	opts = append([]Option{WithLog(l), WithCompiler(fakeCompiler), WithFatal(func(msg string, ctx ...interface{}) {
		t.Fatalf("unexpected fatal: %s %v", msg, ctx)
	})}, opts...)
	mt, err := New(aot.NewModule(), cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { mt.Shutdown() })
	return mt, &buf
}

func TestHotThreshold(t *testing.T) {
	mt, buf := newMT(t, testConfig(2))
	th, loc := mt.NewThread(), mt.NewLocation()

	require.Equal(t, NoAction, mt.ControlPoint(th, loc, 1, pos).Kind)
	require.Equal(t, uint32(1), loc.Count())
	require.Equal(t, NoAction, mt.ControlPoint(th, loc, 1, pos).Kind)
	require.Equal(t, StartTracing, mt.ControlPoint(th, loc, 1, pos).Kind)
	require.Equal(t, StateTracing, loc.State())
	require.True(t, th.Tracing())
	require.NotNil(t, th.Recorder())

	require.Equal(t, StopTracing, mt.ControlPoint(th, loc, 1, pos).Kind)
	require.False(t, th.Tracing())
	require.Equal(t, StateCompiled, loc.State())

	tr := mt.ControlPoint(th, loc, 1, pos)
	require.Equal(t, Execute, tr.Kind)
	require.Equal(t, uint64(1), tr.Trace.ID)
	require.Same(t, loc.Compiled(), tr.Trace)

	require.Equal(t, "jit-event: start-tracing\njit-event: stop-tracing\njit-state: compiled trace #1 (0 insts, 0 guards)\n", buf.String())
	st := mt.Stats()
	require.Equal(t, uint64(1), st.TracesRecordedOK)
	require.Equal(t, uint64(1), st.TracesCompiledOK)
}

func TestThresholdZero(t *testing.T) {
	mt, _ := newMT(t, testConfig(0))
	th, loc := mt.NewThread(), mt.NewLocation()
	require.Equal(t, StartTracing, mt.ControlPoint(th, loc, 0, pos).Kind)
	require.Equal(t, StopTracing, mt.ControlPoint(th, loc, 0, pos).Kind)
	require.Equal(t, Execute, mt.ControlPoint(th, loc, 0, pos).Kind)
	require.Equal(t, uint64(1), mt.Stats().TracesCompiledOK)
}

func TestDisabled(t *testing.T) {
	cfg := testConfig(0)
	cfg.Disabled = true
	mt, _ := newMT(t, cfg)
	th, loc := mt.NewThread(), mt.NewLocation()
	for i := 0; i < 3; i++ {
		require.Equal(t, NoAction, mt.ControlPoint(th, loc, 0, pos).Kind)
	}
	require.Equal(t, NoAction, mt.ControlPoint(th, nil, 0, pos).Kind)
}

func TestAbortOutOfFrame(t *testing.T) {
	mt, buf := newMT(t, testConfig(0))
	th, loc := mt.NewThread(), mt.NewLocation()
	require.Equal(t, StartTracing, mt.ControlPoint(th, loc, 1, pos).Kind)

	tr := mt.ControlPoint(th, loc, 2, pos)
	require.Equal(t, AbortTracing, tr.Kind)
	require.Equal(t, AbortOutOfFrame, tr.Abort)
	require.False(t, th.Tracing())
	require.Equal(t, StateCounting, loc.State())
	require.Contains(t, buf.String(), "tracing-aborted: tracing went outside of starting frame\n")
	require.Equal(t, uint64(1), mt.Stats().TracesRecordedErr)

	// the next visit tries again
	require.Equal(t, StartTracing, mt.ControlPoint(th, loc, 1, pos).Kind)
	mt.AbortTracing(th, AbortOutOfFrame)
	require.Equal(t, StateCounting, loc.State())
	// aborting without a recording is a no-op
	mt.AbortTracing(th, AbortOutOfFrame)
	require.Equal(t, uint64(2), mt.Stats().TracesRecordedErr)
}

func TestAbortTooLong(t *testing.T) {
	cfg := testConfig(0)
	cfg.MaxTraceLength = 1
	mt, buf := newMT(t, cfg)
	th, loc := mt.NewThread(), mt.NewLocation()
	require.Equal(t, StartTracing, mt.ControlPoint(th, loc, 0, pos).Kind)
	th.Recorder().EnterBlock(0, 1)
	th.Recorder().EnterBlock(0, 2)
	require.True(t, th.Recorder().TooLong())

	tr := mt.ControlPoint(th, loc, 0, pos)
	require.Equal(t, AbortTooLong, tr.Abort)
	require.Contains(t, buf.String(), "tracing-aborted: trace too long\n")
}

func TestAbortEncounteredCompiledTrace(t *testing.T) {
	mt, _ := newMT(t, testConfig(0))
	th := mt.NewThread()
	inner, outer := mt.NewLocation(), mt.NewLocation()
	mt.ControlPoint(th, inner, 0, pos)
	mt.ControlPoint(th, inner, 0, pos)
	require.Equal(t, StateCompiled, inner.State())

	require.Equal(t, StartTracing, mt.ControlPoint(th, outer, 0, pos).Kind)
	tr := mt.ControlPoint(th, inner, 0, pos)
	require.Equal(t, AbortTracing, tr.Kind)
	require.Equal(t, AbortCompiledTrace, tr.Abort)
	require.Equal(t, StateCounting, outer.State())
}

func TestAbortUnrolled(t *testing.T) {
	cfg := testConfig(0)
	mt, _ := newMT(t, cfg)
	th := mt.NewThread()
	outer, inner := mt.NewLocation(), mt.NewLocation()

	require.Equal(t, StartTracing, mt.ControlPoint(th, outer, 0, pos).Kind)
	require.Equal(t, NoAction, mt.ControlPoint(th, inner, 1, pos).Kind)
	// locations visited while tracing are not counted
	require.Zero(t, inner.Count())
	tr := mt.ControlPoint(th, inner, 1, pos)
	require.Equal(t, AbortUnrolled, tr.Abort)
}

func TestOtherThreadTracing(t *testing.T) {
	mt, _ := newMT(t, testConfig(0))
	th1, th2, loc := mt.NewThread(), mt.NewThread(), mt.NewLocation()
	require.Equal(t, StartTracing, mt.ControlPoint(th1, loc, 0, pos).Kind)
	require.Equal(t, NoAction, mt.ControlPoint(th2, loc, 0, pos).Kind)
	require.False(t, th2.Tracing())
	require.Equal(t, StopTracing, mt.ControlPoint(th1, loc, 0, pos).Kind)
}

func TestFailureThreshold(t *testing.T) {
	cfg := testConfig(0)
	cfg.TraceFailureThreshold = 2
	mt, buf := newMT(t, cfg, WithCompiler(func(*trace.Trace, uint64) (*codegen.CompiledTrace, error) {
		return nil, errors.New("boom")
	}))
	th, loc := mt.NewThread(), mt.NewLocation()

	for i := 0; i < 2; i++ {
		require.Equal(t, StartTracing, mt.ControlPoint(th, loc, 0, pos).Kind)
		require.Equal(t, StopTracing, mt.ControlPoint(th, loc, 0, pos).Kind)
	}
	require.Equal(t, StateDontTrace, loc.State())
	for i := 0; i < 3; i++ {
		require.Equal(t, NoAction, mt.ControlPoint(th, loc, 0, pos).Kind)
	}
	require.Equal(t, 2, strings.Count(buf.String(), "trace-compilation-aborted: boom\n"))
	require.Equal(t, uint64(2), mt.Stats().TracesCompiledErr)
}

func TestCompilerPanic(t *testing.T) {
	mt, buf := newMT(t, testConfig(0), WithCompiler(func(*trace.Trace, uint64) (*codegen.CompiledTrace, error) {
		panic("index out of range")
	}))
	th, loc := mt.NewThread(), mt.NewLocation()
	mt.ControlPoint(th, loc, 0, pos)
	mt.ControlPoint(th, loc, 0, pos)
	require.Equal(t, StateCounting, loc.State())
	require.Contains(t, buf.String(), "trace-compilation-aborted: compiler panic: index out of range\n")
}

func TestDropLocation(t *testing.T) {
	var fatals []string
	mt, buf := newMT(t, testConfig(0), WithFatal(func(msg string, ctx ...interface{}) {
		fatals = append(fatals, msg)
	}))
	th, loc := mt.NewThread(), mt.NewLocation()
	got, ok := mt.LookupLocation(loc.ID())
	require.True(t, ok)
	require.Same(t, loc, got)
	_, ok = mt.LookupLocation(0)
	require.False(t, ok)

	// a location may go away while it is being recorded
	require.Equal(t, StartTracing, mt.ControlPoint(th, loc, 0, pos).Kind)
	require.NoError(t, mt.DropLocation(loc))
	require.Equal(t, StateDontTrace, loc.State())
	require.True(t, th.TracingLocation(loc))
	mt.AbortTracing(th, AbortDropped)
	require.False(t, th.Tracing())
	require.Equal(t, StateDontTrace, loc.State())
	require.Contains(t, buf.String(), "tracing-aborted: location dropped while tracing\n")

	_, ok = mt.LookupLocation(loc.ID())
	require.False(t, ok)
	require.True(t, errors.Is(mt.DropLocation(loc), ErrLocationDropped))

	require.Equal(t, NoAction, mt.ControlPoint(th, loc, 0, pos).Kind)
	require.Len(t, fatals, 1)
}

func TestDropCompiledLocation(t *testing.T) {
	mt, _ := newMT(t, testConfig(0))
	th, loc := mt.NewThread(), mt.NewLocation()
	mt.ControlPoint(th, loc, 0, pos)
	mt.ControlPoint(th, loc, 0, pos)
	require.NotNil(t, loc.Compiled())

	require.NoError(t, mt.DropLocation(loc))
	require.Nil(t, loc.Compiled())
	require.Equal(t, StateDontTrace, loc.State())
}

func TestDropWhileCompiling(t *testing.T) {
	cfg := testConfig(0)
	cfg.SerialiseCompilation = false
	release := make(chan struct{})
	mt, buf := newMT(t, cfg, WithCompiler(func(tr *trace.Trace, id uint64) (*codegen.CompiledTrace, error) {
		<-release
		return fakeCompiler(tr, id)
	}))
	th, loc := mt.NewThread(), mt.NewLocation()
	require.Equal(t, StartTracing, mt.ControlPoint(th, loc, 0, pos).Kind)
	require.Equal(t, StopTracing, mt.ControlPoint(th, loc, 0, pos).Kind)
	require.NoError(t, mt.DropLocation(loc))
	close(release)
	mt.Wait()

	require.Nil(t, loc.Compiled())
	require.Equal(t, StateDontTrace, loc.State())
	require.Zero(t, mt.Stats().TracesCompiledOK)
	require.NotContains(t, buf.String(), "jit-state")
}

func TestEnterAtWrongPosition(t *testing.T) {
	var fatals []string
	mt, _ := newMT(t, testConfig(0), WithFatal(func(msg string, ctx ...interface{}) {
		fatals = append(fatals, msg)
	}))
	th, loc := mt.NewThread(), mt.NewLocation()
	mt.ControlPoint(th, loc, 0, pos)
	mt.ControlPoint(th, loc, 0, pos)

	other := trace.Pos{Func: 0, BB: 4, Inst: 1}
	require.Equal(t, NoAction, mt.ControlPoint(th, loc, 0, other).Kind)
	require.Equal(t, []string{"Compiled trace entered at the wrong position"}, fatals)
	require.NoError(t, mt.DropLocation(loc))
}

func TestShutdown(t *testing.T) {
	mt, _ := newMT(t, testConfig(0))
	require.NoError(t, mt.Shutdown())
	require.True(t, errors.Is(mt.Shutdown(), ErrShutdown))

	th, loc := mt.NewThread(), mt.NewLocation()
	require.Equal(t, NoAction, mt.ControlPoint(th, loc, 0, pos).Kind)
}

func TestConcurrentLocations(t *testing.T) {
	cfg := testConfig(3)
	cfg.SerialiseCompilation = false
	mt, _ := newMT(t, cfg)

	var (
		mu   sync.Mutex
		locs []*Location
	)
	var g errgroup.Group
	for i := 0; i < 8; i++ {
		g.Go(func() error {
			th, loc := mt.NewThread(), mt.NewLocation()
			mu.Lock()
			locs = append(locs, loc)
			mu.Unlock()
			var kinds []TransitionKind
			for j := 0; j < 5; j++ {
				kinds = append(kinds, mt.ControlPoint(th, loc, 0, pos).Kind)
			}
			want := []TransitionKind{NoAction, NoAction, NoAction, StartTracing, StopTracing}
			if fmt.Sprint(kinds) != fmt.Sprint(want) {
				return errors.Errorf("location %d: transitions %v", loc.ID(), kinds)
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	mt.Wait()

	ids := make(map[uint64]bool)
	for _, loc := range locs {
		require.Equal(t, StateCompiled, loc.State())
		ids[loc.Compiled().ID] = true
	}
	require.Len(t, ids, 8)
	require.Equal(t, uint64(8), mt.Stats().TracesCompiledOK)
}

const loopSrc = `
global @g: i64 = 1000
extern @sink(i64) -> void

func @main(%n: i32) -> i32 {
bb0:
  br bb1
bb1:
  %i: i32 = phi bb0: %n, bb2: %j
  %c: i1 = sgt %i, 0i32
  condbr %c, bb2, bb3
bb2:
  control_point 0i64
  %v: i64 = load @g
  %w: i64 = add %v, 5i64
  store %w, @g
  call @sink(%w)
  %j: i32 = sub %i, 1i32
  br bb1
bb3:
  ret 0i32
}
`

type sinkRuntime struct {
	mem     *memory.Memory
	globals []uint64
	seen    []uint64
}

func (rt *sinkRuntime) Memory() *memory.Memory   { return rt.mem }
func (rt *sinkRuntime) GlobalAddr(idx int) uint64 { return rt.globals[idx] }
func (rt *sinkRuntime) CallFunc(int, []uint64) (uint64, error) {
	return 0, errors.New("unexpected call")
}
func (rt *sinkRuntime) CallAddr(uint64, []uint64) (uint64, error) {
	return 0, errors.New("unexpected call")
}
func (rt *sinkRuntime) CallExtern(_ int, args []uint64) (uint64, error) {
	rt.seen = append(rt.seen, args[0])
	return 0, nil
}

func TestCompileAndExecute(t *testing.T) {
	mod, err := aot.ParseString(loopSrc)
	require.NoError(t, err)
	var buf bytes.Buffer
	l, err := jitlog.New(&buf, jitlog.LevelEvent, []string{jitlog.IRPostOpt})
	require.NoError(t, err)
	mt, err := New(mod, testConfig(0), WithLog(l))
	require.NoError(t, err)
	defer mt.Shutdown()

	main := mod.Func("main").Index
	start := trace.Pos{Func: main, BB: 2, Inst: 1}
	th, loc := mt.NewThread(), mt.NewLocation()
	require.Equal(t, StartTracing, mt.ControlPoint(th, loc, 0, start).Kind)
	th.Recorder().EnterBlock(main, 1)
	th.Recorder().EnterBlock(main, 2)
	require.Equal(t, StopTracing, mt.ControlPoint(th, loc, 0, start).Kind)

	tr := mt.ControlPoint(th, loc, 0, start)
	require.Equal(t, Execute, tr.Kind)
	require.Equal(t, []aot.Operand{aot.Local(1)}, tr.Trace.Inputs)
	// the trace is handed out, so the location cannot go away
	require.True(t, errors.Is(mt.DropLocation(loc), ErrLocationBusy))

	rt := &sinkRuntime{mem: memory.New(0)}
	addr, err := rt.mem.AllocGlobal(8, mod.Globals[0].Init)
	require.NoError(t, err)
	rt.globals = []uint64{addr}

	exit, err := mt.Execute(loc, tr.Trace, rt, []uint64{2})
	require.NoError(t, err)
	require.NotNil(t, exit)
	require.Equal(t, []uint64{1005, 1010}, rt.seen)

	out := buf.String()
	require.Contains(t, out, "--- Begin jit-post-opt ---\n")
	require.True(t, strings.HasSuffix(out, "jit-event: enter-jit-code\njit-event: deoptimise\n"), out)
	st := mt.Stats()
	require.Equal(t, uint64(1), st.TraceExecutions)
	require.Equal(t, uint64(1), st.Deopts)

	var table bytes.Buffer
	st.WriteTable(&table)
	require.Contains(t, table.String(), "deoptimisations")
	require.Contains(t, table.String(), "side traces compiled ok")

	require.NoError(t, mt.DropLocation(loc))
}
