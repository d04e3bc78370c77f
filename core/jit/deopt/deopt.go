// Package deopt describes how the state of a failed compiled trace maps back
// onto interpreter frames, and rebuilds those frames from a register file.
package deopt

import (
	"fmt"

	"github.com/tracejit/tracejit/aot"
	"github.com/tracejit/tracejit/core/jit/tir"
)

// Loc is where a value lives when a guard fails: a register of the
// compiled trace or a constant embedded at compile time.
type Loc struct {
	Reg     int
	IsConst bool
	Const   uint64
}

// Reg returns a register location.
func Reg(r int) Loc { return Loc{Reg: r} }

// Const returns a constant location.
func Const(v uint64) Loc { return Loc{Reg: -1, IsConst: true, Const: v} }

func (l Loc) String() string {
	if l.IsConst {
		return fmt.Sprintf("$%#x", l.Const)
	}
	return fmt.Sprintf("r%d", l.Reg)
}

func (l Loc) read(regs []uint64) uint64 {
	if l.IsConst {
		return l.Const
	}
	return regs[l.Reg]
}

// VarLayout maps one AOT value of a frame to its location.
type VarLayout struct {
	Local aot.Operand
	Ty    aot.Type
	Loc   Loc
}

// FrameLayout is the shape of one frame to rebuild.
type FrameLayout struct {
	Func int
	BB   int
	Inst int
	Prev int
	Vars []VarLayout

	HasMark bool
	Mark    Loc
}

// Layout is attached to every guard of a compiled trace.
type Layout struct {
	Kind     tir.GuardKind
	GuardIdx int
	Frames   []FrameLayout // outermost first
}

// Exit is returned by a compiled trace when a guard fails. Regs is a copy
// of the register file at the failing guard.
type Exit struct {
	TraceID uint64
	Layout  *Layout
	Regs    []uint64
}

// Value is a reconstructed AOT value.
type Value struct {
	Local aot.Operand
	Bits  uint64
}

// Frame is a reconstructed interpreter frame. Frames[0] of a reconstruction
// corresponds to the frame that entered the trace; the rest were inlined.
type Frame struct {
	Func int
	BB   int
	Inst int
	Prev int
	Vals []Value

	HasMark bool
	Mark    uint64
}

// Reconstruct evaluates the frame layouts of e against its registers.
func Reconstruct(e *Exit) []Frame {
	frames := make([]Frame, len(e.Layout.Frames))
	for i, fl := range e.Layout.Frames {
		fr := Frame{Func: fl.Func, BB: fl.BB, Inst: fl.Inst, Prev: fl.Prev, Vals: make([]Value, len(fl.Vars))}
		for j, v := range fl.Vars {
			fr.Vals[j] = Value{Local: v.Local, Bits: v.Ty.Trunc(v.Loc.read(e.Regs))}
		}
		if fl.HasMark {
			fr.HasMark, fr.Mark = true, fl.Mark.read(e.Regs)
		}
		frames[i] = fr
	}
	return frames
}

// FromGuard derives the layout of a guard, resolving trace operands through
// loc.
func FromGuard(t *tir.Trace, g *tir.Guard, idx int, loc func(tir.Operand) Loc) *Layout {
	l := &Layout{Kind: g.Kind, GuardIdx: idx, Frames: make([]FrameLayout, len(g.Frames))}
	for i, fr := range g.Frames {
		fl := FrameLayout{Func: fr.Func, BB: fr.BB, Inst: fr.Inst, Prev: fr.Prev, Vars: make([]VarLayout, len(fr.Vars))}
		for j, v := range fr.Vars {
			fl.Vars[j] = VarLayout{Local: v.Local, Ty: t.OperandType(v.Val), Loc: loc(v.Val)}
		}
		if fr.HasMark {
			fl.HasMark, fl.Mark = true, loc(fr.Mark)
		}
		l.Frames[i] = fl
	}
	return l
}
