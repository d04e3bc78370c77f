package vm

import (
	"bytes"
	"strings"
	"testing"

	"github.com/davecgh/go-spew/spew"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/tracejit/tracejit/aot"
	"github.com/tracejit/tracejit/config"
	"github.com/tracejit/tracejit/core/jit/deopt"
	"github.com/tracejit/tracejit/core/jitlog"
	"github.com/tracejit/tracejit/core/memory"
	"github.com/tracejit/tracejit/core/mt"
)

const countdownSrc = `
extern global @stderr: ptr
global @fmt = "%d\n"
global @tbl: [4 x i32] = [3, -1, 4, 1]

extern @fprintf(ptr, ptr, ...) -> i32
extern @location_new() -> i64

func @main() -> i32 {
bb0:
  %loc: i64 = call @location_new()
  br bb1
bb1:
  %i: i32 = phi bb0: 4i32, bb2: %next
  %c: i1 = sgt %i, 0i32
  condbr %c, bb2, bb3
bb2:
  control_point %loc
  %err: ptr = load @stderr
  %idx: i64 = sext %i
  %p: ptr = ptr_add @tbl, -4 + (%idx * 4)
  %v: i32 = load %p
  %r: i32 = call @fprintf(%err, @fmt, %v)
  %next: i32 = sub %i, 1i32
  br bb1
bb3:
  ret 0i32
}
`

const inlineSrc = `
global @fmt = "%d %d\n"

extern @printf(ptr, ...) -> i32
extern @location_new() -> i64

func @pick(%x: i32) -> i32 {
bb0:
  %buf: ptr = alloca [4 x i32]
  %c: i1 = sgt %x, 2i32
  condbr %c, bb1, bb2
bb1:
  ret 10i32
bb2:
  store %x, %buf
  %y: i32 = load %buf
  %z: i32 = add %y, 18i32
  ret %z
}

func @main() -> i32 {
bb0:
  %loc: i64 = call @location_new()
  br bb1
bb1:
  %i: i32 = phi bb0: 5i32, bb2: %next
  %acc: i32 = phi bb0: 0i32, bb2: %acc2
  %c: i1 = sgt %i, 0i32
  condbr %c, bb2, bb3
bb2:
  control_point %loc
  %v: i32 = call @pick(%i)
  %acc2: i32 = add %acc, %v
  %r: i32 = call @printf(@fmt, %i, %v)
  %next: i32 = sub %i, 1i32
  br bb1
bb3:
  ret %acc
}
`

type result struct {
	ret    uint64
	stdout string
	stderr string
	stats  mt.Stats
}

func run(t *testing.T, src string, threshold int, opts ...func(*config.Config)) result {
	t.Helper()
	mod, err := aot.ParseString(src)
	require.NoError(t, err)

	var stdout, stderr bytes.Buffer
	var m *mt.MT
	if threshold >= 0 {
		cfg := config.Defaults
		cfg.HotThreshold = uint32(threshold)
		cfg.SerialiseCompilation = true
		for _, opt := range opts {
			opt(&cfg)
		}
		l, err := jitlog.New(&stderr, jitlog.LevelEvent, nil)
		require.NoError(t, err)
		m, err = mt.New(mod, cfg, mt.WithLog(l), mt.WithFatal(func(msg string, ctx ...interface{}) {
			t.Fatalf("unexpected fatal: %s %v", msg, ctx)
		}))
		require.NoError(t, err)
		defer m.Shutdown()
	}
	vm, err := New(mod, Config{Stdout: &stdout, Stderr: &stderr}, m)
	require.NoError(t, err)
	ret, err := vm.Run("main")
	require.NoError(t, err)
	require.Empty(t, vm.frames, spew.Sdump(vm.frames))

	var lines []string
	for _, l := range strings.SplitAfter(stderr.String(), "\n") {
		if !strings.HasPrefix(l, "jit-state: ") {
			lines = append(lines, l)
		}
	}
	res := result{ret: ret, stdout: stdout.String(), stderr: strings.Join(lines, "")}
	if m != nil {
		res.stats = m.Stats()
	}
	return res
}

func TestInterpretCountdown(t *testing.T) {
	res := run(t, countdownSrc, -1)
	require.Equal(t, uint64(0), res.ret)
	require.Equal(t, "1\n4\n-1\n3\n", res.stderr)
	require.Empty(t, res.stdout)
}

func TestCountdownJIT(t *testing.T) {
	res := run(t, countdownSrc, 0)
	want := "jit-event: start-tracing\n" +
		"1\n" +
		"jit-event: stop-tracing\n" +
		"4\n" +
		"jit-event: enter-jit-code\n" +
		"-1\n3\n" +
		"jit-event: deoptimise\n"
	require.Equal(t, want, res.stderr)
	require.Equal(t, uint64(1), res.stats.TracesCompiledOK)
	require.Equal(t, uint64(1), res.stats.TraceExecutions)
	require.Equal(t, uint64(1), res.stats.Deopts)
}

func TestInlinedFrameDeopt(t *testing.T) {
	base := run(t, inlineSrc, -1)
	require.Equal(t, "5 10\n4 10\n3 10\n2 20\n1 19\n", base.stdout)
	require.Equal(t, uint64(69), base.ret)

	// the guard in @pick fails at i=2 and again on every later entry
	for threshold, deopts := range map[int]uint64{0: 2, 1: 2, 2: 1} {
		jit := run(t, inlineSrc, threshold)
		require.Equal(t, base.stdout, jit.stdout, "threshold %d", threshold)
		require.Equal(t, base.ret, jit.ret, "threshold %d", threshold)
		require.Equal(t, uint64(1), jit.stats.TracesCompiledOK, "threshold %d", threshold)
		require.Equal(t, deopts, jit.stats.Deopts, "threshold %d", threshold)
		require.Equal(t, deopts, jit.stats.TraceExecutions, "threshold %d", threshold)
	}
}

func TestRebuiltFrameReleasesStack(t *testing.T) {
	mod, err := aot.ParseString(inlineSrc)
	require.NoError(t, err)
	cfg := config.Defaults
	cfg.HotThreshold = 0
	cfg.SerialiseCompilation = true
	m, err := mt.New(mod, cfg, mt.WithLog(jitlog.Discard()))
	require.NoError(t, err)
	defer m.Shutdown()

	vm, err := New(mod, Config{}, m)
	require.NoError(t, err)
	mark := vm.mem.StackMark()
	_, err = vm.Run("main")
	require.NoError(t, err)
	require.Equal(t, mark, vm.mem.StackMark())
}

func TestExit(t *testing.T) {
	src := `
extern @exit(i32) -> void
extern @puts(ptr) -> i32
global @msg = "bye"

func @main() -> i32 {
bb0:
  %r: i32 = call @puts(@msg)
  call @exit(3i32)
  unreachable
}
`
	mod, err := aot.ParseString(src)
	require.NoError(t, err)
	var out bytes.Buffer
	vm, err := New(mod, Config{Stdout: &out}, nil)
	require.NoError(t, err)
	_, err = vm.Run("main")
	var exit *ExitError
	require.True(t, errors.As(err, &exit), "%v", err)
	require.Equal(t, 3, exit.Code)
	require.Equal(t, "bye\n", out.String())
}

func TestUnreachable(t *testing.T) {
	mod, err := aot.ParseString("func @main() -> i32 {\nbb0:\n  unreachable\n}\n")
	require.NoError(t, err)
	vm, err := New(mod, Config{}, nil)
	require.NoError(t, err)
	_, err = vm.Run("main")
	require.True(t, errors.Is(err, ErrUnreachable))
	require.Contains(t, err.Error(), "@main bb0:0")
}

func TestCallDepth(t *testing.T) {
	src := `
func @f(%n: i32) -> i32 {
bb0:
  %m: i32 = add %n, 1i32
  %r: i32 = call @f(%m)
  ret %r
}
`
	mod, err := aot.ParseString(src)
	require.NoError(t, err)
	vm, err := New(mod, Config{MaxDepth: 64}, nil)
	require.NoError(t, err)
	_, err = vm.Run("f", 0)
	require.True(t, errors.Is(err, ErrCallDepth))
	require.Empty(t, vm.frames)
}

func TestUnknownExtern(t *testing.T) {
	mod, err := aot.ParseString("extern @nope() -> void\n")
	require.NoError(t, err)
	_, err = New(mod, Config{}, nil)
	require.True(t, errors.Is(err, ErrUnknownExtern))
}

func TestLibc(t *testing.T) {
	src := `
global @s = "hello"
global @fmt = "%s %lu %c\n"

extern @printf(ptr, ...) -> i32
extern @strlen(ptr) -> i64
extern @malloc(i64) -> ptr
extern @memcpy(ptr, ptr, i64) -> ptr
extern @free(ptr) -> void
extern @abs(i32) -> i32

func @main() -> i32 {
bb0:
  %n: i64 = call @strlen(@s)
  %m: i64 = add %n, 1i64
  %p: ptr = call @malloc(%m)
  %q: ptr = call @memcpy(%p, @s, %m)
  %c: i8 = load %p
  %ci: i32 = zext %c
  %r: i32 = call @printf(@fmt, %q, %n, %ci)
  call @free(%p)
  %a: i32 = call @abs(-7i32)
  ret %a
}
`
	mod, err := aot.ParseString(src)
	require.NoError(t, err)
	var out bytes.Buffer
	vm, err := New(mod, Config{Stdout: &out}, nil)
	require.NoError(t, err)
	ret, err := vm.Run("main")
	require.NoError(t, err)
	require.Equal(t, uint64(7), ret)
	require.Equal(t, "hello 5 h\n", out.String())
	require.Zero(t, vm.mem.Live())
}

func TestIndirectCall(t *testing.T) {
	src := `
extern @strlen(ptr) -> i64
global @s = "abcd"

func @twice(%x: i64) -> i64 {
bb0:
  %y: i64 = mul %x, 2i64
  ret %y
}

func @main() -> i64 {
bb0:
  %n: i64 = icall @strlen(@s)
  %m: i64 = icall @twice(%n)
  ret %m
}
`
	mod, err := aot.ParseString(src)
	require.NoError(t, err)
	vm, err := New(mod, Config{}, nil)
	require.NoError(t, err)
	ret, err := vm.Run("main")
	require.NoError(t, err)
	require.Equal(t, uint64(8), ret)

	_, err = vm.CallAddr(memory.FuncAddr(len(mod.Funcs)), nil)
	require.True(t, errors.Is(err, ErrBadCall))
}

func TestLocationsWithoutJIT(t *testing.T) {
	src := `
extern @location_new() -> i64

func @main() -> i64 {
bb0:
  %a: i64 = call @location_new()
  %b: i64 = call @location_new()
  control_point %b
  ret %b
}
`
	mod, err := aot.ParseString(src)
	require.NoError(t, err)
	vm, err := New(mod, Config{}, nil)
	require.NoError(t, err)
	ret, err := vm.Run("main")
	require.NoError(t, err)
	require.Equal(t, uint64(2), ret)
}

const oddEvenSrc = `
global @fmt = "%d\n"

extern @printf(ptr, ...) -> i32
extern @location_new() -> i64

func @main() -> i32 {
bb0:
  %loc: i64 = call @location_new()
  br bb1
bb1:
  %i: i32 = phi bb0: 10i32, bb4: %next
  %c: i1 = sgt %i, 0i32
  condbr %c, bb2, bb5
bb2:
  control_point %loc
  %m: i32 = and %i, 1i32
  %odd: i1 = eq %m, 1i32
  condbr %odd, bb3, bb4
bb3:
  %r: i32 = call @printf(@fmt, %i)
  br bb4
bb4:
  %next: i32 = sub %i, 1i32
  br bb1
bb5:
  ret 0i32
}
`

func TestSideTrace(t *testing.T) {
	base := run(t, oddEvenSrc, -1)
	require.Equal(t, "9\n7\n5\n3\n1\n", base.stdout)

	jit := run(t, oddEvenSrc, 0, func(cfg *config.Config) { cfg.SideTraceThreshold = 1 })
	require.Equal(t, base.stdout, jit.stdout)
	require.Equal(t, base.ret, jit.ret)
	require.Equal(t, uint64(1), jit.stats.TracesCompiledOK)
	require.Equal(t, uint64(1), jit.stats.SideTracesOK)
	require.GreaterOrEqual(t, jit.stats.GuardFailures, uint64(4))
	require.Contains(t, jit.stderr, "jit-event: start-side-tracing\n")

	// below the threshold every odd iteration deoptimises
	cold := run(t, oddEvenSrc, 0, func(cfg *config.Config) { cfg.SideTraceThreshold = 100 })
	require.Equal(t, base.stdout, cold.stdout)
	require.Zero(t, cold.stats.SideTracesOK)
	require.NotContains(t, cold.stderr, "start-side-tracing")
}

const dropSrc = `
extern @location_new() -> i64
extern @location_drop(i64) -> void

func @main() -> i32 {
bb0:
  %loc: i64 = call @location_new()
  br bb1
bb1:
  %i: i32 = phi bb0: 3i32, bb2: %next
  %c: i1 = sgt %i, 0i32
  condbr %c, bb2, bb3
bb2:
  control_point %loc
  %next: i32 = sub %i, 1i32
  br bb1
bb3:
  call @location_drop(%loc)
  ret %i
}
`

func TestDropWhileTracing(t *testing.T) {
	// the last iteration starts a recording that never closes
	res := run(t, dropSrc, 2)
	require.Equal(t, uint64(0), res.ret)
	require.Equal(t, "jit-event: start-tracing\ntracing-aborted: location dropped while tracing\n", res.stderr)
	require.Equal(t, uint64(1), res.stats.TracesRecordedErr)
	require.Zero(t, res.stats.TracesCompiledOK)
}

func TestDeoptFatal(t *testing.T) {
	mod, err := aot.ParseString(countdownSrc)
	require.NoError(t, err)
	var fatals []string
	m, err := mt.New(mod, config.Defaults, mt.WithLog(jitlog.Discard()), mt.WithFatal(func(msg string, ctx ...interface{}) {
		fatals = append(fatals, msg)
	}))
	require.NoError(t, err)
	defer m.Shutdown()
	vm, err := New(mod, Config{}, m)
	require.NoError(t, err)
	entry := vm.newFrame(mod.Func("main"))
	vm.frames = append(vm.frames, entry)

	fprintf := mod.Func("fprintf").Index
	exit := &deopt.Exit{Layout: &deopt.Layout{GuardIdx: 2, Frames: []deopt.FrameLayout{
		{Func: entry.fn.Index, BB: 2, Inst: 4},
		{Func: fprintf},
	}}}
	err = vm.deoptimise(entry, exit)
	require.True(t, errors.Is(err, ErrDeopt), "%v", err)

	exit.Layout.Frames = []deopt.FrameLayout{{Func: entry.fn.Index, BB: 2, Inst: 4, Vars: []deopt.VarLayout{
		{Local: aot.GlobalAddr(0), Ty: aot.I64, Loc: deopt.Const(1)},
	}}}
	err = vm.deoptimise(entry, exit)
	require.True(t, errors.Is(err, ErrDeopt), "%v", err)

	vm.maxDepth = 1
	exit.Layout.Frames = []deopt.FrameLayout{{Func: entry.fn.Index, BB: 2, Inst: 4}, {Func: entry.fn.Index}}
	err = vm.deoptimise(entry, exit)
	require.True(t, errors.Is(err, ErrCallDepth), "%v", err)

	require.Equal(t, []string{
		"Guard rebuilds a frame for an extern",
		"Guard restores a bad value slot",
		"Deoptimisation exceeds the call depth",
	}, fatals)
}
