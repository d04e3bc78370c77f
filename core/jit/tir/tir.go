// Package tir defines the trace IR: a linear, SSA form of one recorded loop
// iteration, and the builder that derives it from a recorded trace.
package tir

import (
	"fmt"

	"github.com/tracejit/tracejit/aot"
	"github.com/tracejit/tracejit/core/trace"
)

// Op is a trace IR operation.
type Op byte

const (
	OpNop          Op = iota // removed instruction, dropped on compaction
	OpParam                  // %n = param k; a loop-carried input
	OpBinary                 // %n = <bin> a, b
	OpCmp                    // %n: i1 = <pred> a, b
	OpCast                   // %n = <cast> v
	OpLoad                   // %n = load p
	OpStore                  // *p = v
	OpAlloca                 // %n = alloca size
	OpPtrAdd                 // %n = ptr_add p, off
	OpDynPtrAdd              // %n = dyn_ptr_add p, idx, scale
	OpLookupGlobal           // %n = lookup_global @g
	OpSelect                 // %n = c ? a : b
	OpCall                   // [%n =] call @f(args)
	OpICall                  // [%n =] icall %fp(args)
	OpGuard                  // guard true|false, c
	OpStackSave              // %n = stack_save
	OpStackRestore           // stack_restore %m
)

var opNames = [...]string{
	OpNop:          "nop",
	OpParam:        "param",
	OpBinary:       "binary",
	OpCmp:          "cmp",
	OpCast:         "cast",
	OpLoad:         "load",
	OpStore:        "store",
	OpAlloca:       "alloca",
	OpPtrAdd:       "ptr_add",
	OpDynPtrAdd:    "dyn_ptr_add",
	OpLookupGlobal: "lookup_global",
	OpSelect:       "select",
	OpCall:         "call",
	OpICall:        "icall",
	OpGuard:        "guard",
	OpStackSave:    "stack_save",
	OpStackRestore: "stack_restore",
}

func (op Op) String() string {
	if int(op) < len(opNames) {
		return opNames[op]
	}
	return fmt.Sprintf("op(%d)", byte(op))
}

// Pure reports whether an instruction with this op may be removed or
// merged when its result is unused or duplicated.
func (op Op) Pure() bool {
	switch op {
	case OpBinary, OpCmp, OpCast, OpPtrAdd, OpDynPtrAdd, OpLookupGlobal, OpSelect:
		return true
	}
	return false
}

// Operand is either a reference to an earlier instruction or a constant.
type Operand struct {
	Var     int
	IsConst bool
	Const   aot.Const
}

// V references the result of instruction i.
func V(i int) Operand { return Operand{Var: i} }

// C wraps a constant.
func C(c aot.Const) Operand { return Operand{Var: -1, IsConst: true, Const: c} }

func (o Operand) String() string {
	if o.IsConst {
		return o.Const.String()
	}
	return fmt.Sprintf("%%%d", o.Var)
}

// Inst is a trace IR instruction. Its index in Trace.Insts is its name.
type Inst struct {
	Op   Op
	Ty   aot.Type
	Args []Operand

	Bin    aot.Opcode // OpBinary, OpCast
	Pred   aot.Pred   // OpCmp
	Imm    int64      // param index, ptr_add offset, dyn_ptr_add scale, alloca size
	Sym    int        // global index (lookup_global), function index (call)
	Expect bool       // OpGuard
	Guard  *Guard     // OpGuard
}

// GuardKind says what a guard protects.
type GuardKind byte

const (
	GuardBranch  GuardKind = iota // a conditional branch went the recorded way
	GuardPromote                  // a promoted value equals the recorded one
	GuardTarget                   // an indirect call reached the recorded callee
	GuardClose                    // a side trace reached the root control point
)

func (k GuardKind) String() string {
	switch k {
	case GuardBranch:
		return "branch"
	case GuardPromote:
		return "promote"
	case GuardTarget:
		return "target"
	case GuardClose:
		return "close"
	}
	return "unknown"
}

// Var maps an AOT value of a frame to the trace operand holding it.
type Var struct {
	Local aot.Operand // OpdLocal or OpdArg
	Val   Operand
}

// Frame is the interpreter state to rebuild for one activation.
type Frame struct {
	Func int
	BB   int
	Inst int // resume here; for callers this is the pending call
	Prev int // previous block, -1 when unknown
	Vars []Var

	HasMark bool
	Mark    Operand // stack mark taken on inlined entry
}

// Guard is the deoptimisation metadata attached to a guard instruction.
type Guard struct {
	Kind   GuardKind
	Frames []Frame // outermost first
}

// Trace is a complete trace IR loop. Insts starts with one OpParam per
// input; Loop holds the values fed back into the params at the end of an
// iteration.
//
// A side trace does not loop. It runs once from a failed guard of another
// trace and leaves through Exit, which rebuilds the frame at the control
// point of the root trace.
type Trace struct {
	Mod    *aot.Module
	Start  trace.Pos
	Inputs []aot.Operand // AOT value of the entry frame loaded by each param
	Insts  []*Inst
	Loop   []Operand
	Exit   *Guard // side traces only
}

// IsSide reports whether t is a side trace.
func (t *Trace) IsSide() bool { return t.Exit != nil }

// Roots calls fn for every operand the trace hands back when it ends: the
// loop-back operands and the exit snapshot.
func (t *Trace) Roots(fn func(*Operand)) {
	for i := range t.Loop {
		fn(&t.Loop[i])
	}
	t.Exit.Uses(fn)
}

// NumParams returns the number of trace inputs.
func (t *Trace) NumParams() int { return len(t.Inputs) }

// OperandType returns the type of an operand.
func (t *Trace) OperandType(o Operand) aot.Type {
	if o.IsConst {
		return o.Const.Ty
	}
	return t.Insts[o.Var].Ty
}

// Guards returns the guard instructions in trace order.
func (t *Trace) Guards() []*Inst {
	var gs []*Inst
	for _, in := range t.Insts {
		if in.Op == OpGuard {
			gs = append(gs, in)
		}
	}
	return gs
}

// Uses calls fn for every operand slot of in, including deopt snapshots.
func (in *Inst) Uses(fn func(*Operand)) {
	for i := range in.Args {
		fn(&in.Args[i])
	}
	in.Guard.Uses(fn)
}

// Uses calls fn for every value the snapshot restores. A nil guard has none.
func (g *Guard) Uses(fn func(*Operand)) {
	if g == nil {
		return
	}
	for fi := range g.Frames {
		fr := &g.Frames[fi]
		for vi := range fr.Vars {
			fn(&fr.Vars[vi].Val)
		}
		if fr.HasMark {
			fn(&fr.Mark)
		}
	}
}
