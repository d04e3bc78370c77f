package tir

import (
	"strings"
	"testing"

	"github.com/davecgh/go-spew/spew"
	"github.com/kylelemons/godebug/diff"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/tracejit/tracejit/aot"
	"github.com/tracejit/tracejit/core/memory"
	"github.com/tracejit/tracejit/core/trace"
)

const inlineSrc = `
extern global @stderr: ptr
global @fmt = "%d\n"
extern @fprintf(ptr, ptr, ...) -> i32
extern @location_new() -> i64

func @inc(%x: i32) -> i32 {
bb0:
  %r: i32 = add %x, 1i32
  ret %r
}

func @opaque(%x: i32) -> i32 outline {
bb0:
  %r: i32 = add %x, 2i32
  ret %r
}

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
  %a: i32 = call @inc(%i)
  %b: i32 = call @opaque(%a)
  %err: ptr = load @stderr
  %r: i32 = call @fprintf(%err, @fmt, %b)
  %next: i32 = sub %i, 1i32
  br bb1
bb3:
  ret 0i32
}
`

const inlineTIR = `%0: i32 = param 0
%1: i64 = param 1
header_start [%0, %1]
%2: i32 = add %0, 1i32
%3: i32 = call @opaque(%2)
%4: ptr = lookup_global @stderr
%5: ptr = load %4
%6: ptr = lookup_global @fmt
%7: i32 = call @fprintf(%5, %6, %3)
%8: i32 = sub %0, 1i32
%9: i1 = sgt %8, 0i32
guard true, %9, [main:bb1:2]
header_end [%8, %1]
`

func parse(t *testing.T, src string) *aot.Module {
	t.Helper()
	m, err := aot.ParseString(src)
	require.NoError(t, err)
	return m
}

func checkText(t *testing.T, got, want string) {
	t.Helper()
	if got != want {
		t.Fatalf("trace IR mismatch (-want +got):\n%s", diff.Diff(want, got))
	}
}

func TestBuildInlinesAndOutlines(t *testing.T) {
	m := parse(t, inlineSrc)
	main := m.Func("main")
	tr := &trace.Trace{
		Start:  trace.Pos{Func: main.Index, BB: 2, Inst: 1},
		Blocks: []trace.Block{{Func: m.Func("inc").Index, BB: 0}, {Func: main.Index, BB: 1}, {Func: main.Index, BB: 2}},
	}
	out, err := Build(m, tr)
	require.NoError(t, err)
	checkText(t, out.String(), inlineTIR)

	// %loc is only read by the control point but stays live across the loop
	require.Equal(t, []aot.Operand{aot.Local(2), aot.Local(0)}, out.Inputs)
	require.Equal(t, []Operand{V(8), V(1)}, out.Loop)

	gs := out.Guards()
	require.Len(t, gs, 1)
	g := gs[0].Guard
	require.Equal(t, GuardBranch, g.Kind)
	require.Len(t, g.Frames, 1, spew.Sdump(g))
	fr := g.Frames[0]
	require.Equal(t, 1, fr.BB)
	require.Equal(t, 2, fr.Inst)
	require.Equal(t, 2, fr.Prev)
	require.Equal(t, []Var{
		{Local: aot.Local(0), Val: V(1)},
		{Local: aot.Local(2), Val: V(8)},
		{Local: aot.Local(3), Val: V(9)},
	}, fr.Vars)
}

const mixedSrc = `
global @line: [4 x i64] = [10, 20, 30, 40]
global @s = "abc"
extern @strlen(ptr) -> i64

func @pick(%x: i32) -> i32 {
bb0:
  %c: i1 = slt %x, 2i32
  condbr %c, bb1, bb2
bb1:
  ret 1i32
bb2:
  ret 2i32
}

func @main(%n: i32) -> i32 {
bb0:
  br bb1
bb1:
  %i: i32 = phi bb0: %n, bb1: %j
  control_point 0i64
  %p: i32 = promote %n
  %k: i64 = sext %i
  %q: ptr = ptr_add @line, 4 + (%k * 8)
  %c0: i1 = eq %i, %i
  %fp: ptr = select %c0, @strlen, @strlen
  %len: i64 = icall %fp(@s)
  %w: i32 = call @pick(%i)
  %j: i32 = sub %i, %p
  %c: i1 = sgt %j, 0i32
  condbr %c, bb1, bb2
bb2:
  ret %j
}
`

const mixedTIR = `%0: i32 = param 0
%1: i32 = param 1
header_start [%0, %1]
%2: i1 = eq %0, 1i32
guard true, %2, [main:bb1:2]
%4: i64 = sext %1
%5: ptr = lookup_global @line
%6: ptr = ptr_add %5, 4
%7: ptr = dyn_ptr_add %6, %4, 8
%8: i1 = eq %1, %1
%9: ptr = %8 ? 0x7f0000000000 : 0x7f0000000000
%10: i1 = eq %9, 0x7f0000000000
guard true, %10, [main:bb1:7]
%12: ptr = lookup_global @s
%13: i64 = icall %9(%12)
%14: i1 = slt %1, 2i32
guard false, %14, [main:bb1:8, pick:bb0:1]
%16: i32 = sub %1, 1i32
%17: i1 = sgt %16, 0i32
guard true, %17, [main:bb1:11]
header_end [%0, %16]
`

func mixedTrace(m *aot.Module) *trace.Trace {
	main, pick := m.Func("main"), m.Func("pick")
	return &trace.Trace{
		Start:      trace.Pos{Func: main.Index, BB: 1, Inst: 2},
		Blocks:     []trace.Block{{Func: pick.Index, BB: 0}, {Func: pick.Index, BB: 2}, {Func: main.Index, BB: 1}},
		Promotions: []uint64{1},
		Targets:    []uint64{memory.FuncAddr(m.Func("strlen").Index)},
	}
}

func TestBuildPromoteDynPtrAddICall(t *testing.T) {
	m := parse(t, mixedSrc)
	out, err := Build(m, mixedTrace(m))
	require.NoError(t, err)
	checkText(t, out.String(), mixedTIR)
	require.Equal(t, []aot.Operand{aot.Arg(0), aot.Local(1)}, out.Inputs)

	gs := out.Guards()
	require.Len(t, gs, 4)
	require.Equal(t, GuardPromote, gs[0].Guard.Kind)
	require.Equal(t, []Var{{Local: aot.Local(1), Val: V(1)}, {Local: aot.Arg(0), Val: V(0)}}, gs[0].Guard.Frames[0].Vars)
	require.Equal(t, GuardTarget, gs[1].Guard.Kind)
	// %p was promoted, so the snapshot carries the constant
	require.Equal(t, []Var{
		{Local: aot.Local(1), Val: V(1)},
		{Local: aot.Local(3), Val: C(aot.IntConst(aot.I32, 1))},
		{Local: aot.Local(7), Val: V(9)},
	}, gs[1].Guard.Frames[0].Vars)

	// the guard inside the inlined callee rebuilds both frames
	inl := gs[2].Guard
	require.Len(t, inl.Frames, 2)
	require.Equal(t, m.Func("pick").Index, inl.Frames[1].Func)
	require.Equal(t, []Var{{Local: aot.Local(0), Val: V(14)}}, inl.Frames[1].Vars)
	require.Equal(t, 8, inl.Frames[0].Inst)
	require.Equal(t, []Var{{Local: aot.Local(1), Val: V(1)}, {Local: aot.Local(3), Val: C(aot.IntConst(aot.I32, 1))}}, inl.Frames[0].Vars)
}

func TestBuildMismatch(t *testing.T) {
	m := parse(t, mixedSrc)

	tr := mixedTrace(m)
	tr.Blocks = tr.Blocks[:2]
	_, err := Build(m, tr)
	require.True(t, errors.Is(err, ErrTraceMismatch), "%v", err)

	tr = mixedTrace(m)
	tr.Promotions = nil
	_, err = Build(m, tr)
	require.True(t, errors.Is(err, ErrTraceMismatch), "%v", err)

	tr = mixedTrace(m)
	tr.Targets = []uint64{memory.Base}
	_, err = Build(m, tr)
	require.True(t, errors.Is(err, ErrUnsupported), "%v", err)
	require.True(t, strings.Contains(err.Error(), "@main bb1:7"), "%v", err)
}

const sideSrc = `
extern @location_new() -> i64
extern @sink(i32) -> void

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
  call @sink(%i)
  br bb4
bb4:
  %next: i32 = sub %i, 1i32
  br bb1
bb5:
  ret 0i32
}
`

func TestBuildSideTrace(t *testing.T) {
	m := parse(t, sideSrc)
	main := m.Func("main")
	id := func(bb, idx int) aot.Operand { return aot.Local(main.Blocks[bb].Insts[idx].ID) }
	var (
		loc  = id(0, 0)
		i    = id(1, 0)
		odd  = id(2, 2)
		next = id(4, 0)
	)

	// the odd branch, recorded from the guard on %odd of the even path
	tr := &trace.Trace{
		Start:  trace.Pos{Func: main.Index, BB: 2, Inst: 3},
		Side:   true,
		Prev:   1,
		Close:  trace.Pos{Func: main.Index, BB: 2, Inst: 1},
		Blocks: []trace.Block{{Func: main.Index, BB: 3}, {Func: main.Index, BB: 4}, {Func: main.Index, BB: 1}, {Func: main.Index, BB: 2}},
	}
	out, err := Build(m, tr)
	require.NoError(t, err)
	require.True(t, out.IsSide())
	require.Nil(t, out.Loop)
	require.ElementsMatch(t, []aot.Operand{loc, i, odd}, out.Inputs)

	text := out.String()
	require.NotContains(t, text, "header_start")
	require.Contains(t, text, "call @sink(")
	require.True(t, strings.HasSuffix(text, "exit [main:bb2:0]\n"), text)

	// the branch taken at the start and the loop condition are both guarded
	gs := out.Guards()
	require.Len(t, gs, 2)
	require.Equal(t, 3, gs[0].Guard.Frames[0].Inst)
	require.Equal(t, 1, gs[0].Guard.Frames[0].Prev)
	require.True(t, gs[0].Expect)
	require.Equal(t, 2, gs[1].Guard.Frames[0].Inst)
	require.Equal(t, 4, gs[1].Guard.Frames[0].Prev)

	exit := out.Exit
	require.Equal(t, GuardClose, exit.Kind)
	require.Len(t, exit.Frames, 1)
	fr := exit.Frames[0]
	require.Equal(t, Frame{Func: main.Index, BB: 2, Inst: 0, Prev: 1, Vars: fr.Vars}, fr)
	vals := make(map[aot.Operand]Operand)
	for _, v := range fr.Vars {
		vals[v.Local] = v.Val
	}
	require.Contains(t, vals, loc)
	// %i at the control point is the %next of this iteration
	iv, ok := vals[i]
	require.True(t, ok, spew.Sdump(fr))
	require.False(t, iv.IsConst)
	require.Equal(t, OpBinary, out.Insts[iv.Var].Op)
	require.Equal(t, aot.OpSub, out.Insts[iv.Var].Bin)
	require.NotContains(t, vals, next)
}

func TestBuildSideTraceMismatch(t *testing.T) {
	m := parse(t, sideSrc)
	main := m.Func("main")
	tr := &trace.Trace{
		Start:  trace.Pos{Func: main.Index, BB: 2, Inst: 3},
		Side:   true,
		Prev:   1,
		Close:  trace.Pos{Func: main.Index, BB: 2, Inst: 1},
		Blocks: []trace.Block{{Func: main.Index, BB: 3}, {Func: main.Index, BB: 4}, {Func: main.Index, BB: 1}},
	}
	_, err := Build(m, tr)
	require.True(t, errors.Is(err, ErrTraceMismatch), "%v", err)

	// a root trace never starts at the head of a block
	_, err = Build(m, &trace.Trace{Start: trace.Pos{Func: main.Index, BB: 2, Inst: 0}})
	require.True(t, errors.Is(err, ErrTraceMismatch), "%v", err)
}
