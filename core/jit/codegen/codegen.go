// Package codegen turns optimised trace IR into an executable compiled
// trace. Every instruction is lowered to a Go closure specialised on its
// operands and types; the closures run over a flat register file in which
// instruction i writes register i.
package codegen

import (
	"github.com/pkg/errors"

	"github.com/tracejit/tracejit/aot"
	"github.com/tracejit/tracejit/core/jit/deopt"
	"github.com/tracejit/tracejit/core/jit/tir"
	"github.com/tracejit/tracejit/core/memory"
	"github.com/tracejit/tracejit/core/trace"
)

// ErrBadTrace is returned for trace IR that cannot be lowered.
var ErrBadTrace = errors.New("malformed trace IR")

// Runtime is what a compiled trace needs from the program it runs in.
// Calls are made in trace order, exactly once each.
type Runtime interface {
	Memory() *memory.Memory
	GlobalAddr(idx int) uint64
	// CallFunc runs an AOT function with IR to completion.
	CallFunc(fn int, args []uint64) (uint64, error)
	// CallExtern calls a function provided by the host.
	CallExtern(fn int, args []uint64) (uint64, error)
	// CallAddr calls through a function pointer.
	CallAddr(addr uint64, args []uint64) (uint64, error)
}

// noExit is returned by a step that completed without a guard failure.
const noExit = -1

type (
	reader func(r []uint64) uint64
	step   func(r []uint64, rt Runtime) (int, error)
)

// CompiledTrace is the executable form of one trace.
type CompiledTrace struct {
	ID     uint64
	Start  trace.Pos
	Inputs []aot.Operand
	Types  []aot.Type // type of each input
	Guards []*deopt.Layout

	nregs int
	steps []step
	loop  []reader
	exit  *deopt.Layout // side traces leave here after one pass
	insts int
}

// NumInsts returns the number of trace IR instructions that were lowered.
func (ct *CompiledTrace) NumInsts() int { return ct.insts }

// IsSide reports whether ct is a side trace.
func (ct *CompiledTrace) IsSide() bool { return ct.exit != nil }

type compiler struct {
	t   *tir.Trace
	mod *aot.Module
	ct  *CompiledTrace
}

// Compile lowers t. The trace must be in SSA order with its params first.
func Compile(t *tir.Trace, mod *aot.Module, id uint64) (*CompiledTrace, error) {
	c := &compiler{t: t, mod: mod, ct: &CompiledTrace{
		ID:     id,
		Start:  t.Start,
		Inputs: t.Inputs,
		nregs:  len(t.Insts),
		insts:  len(t.Insts),
	}}
	for i, in := range t.Insts {
		if i < t.NumParams() {
			if in.Op != tir.OpParam || in.Imm != int64(i) {
				return nil, errors.Wrapf(ErrBadTrace, "%%%d: expected param %d", i, i)
			}
			c.ct.Types = append(c.ct.Types, in.Ty)
			continue
		}
		if err := c.checkOperands(i, in); err != nil {
			return nil, err
		}
		s, err := c.lower(i, in)
		if err != nil {
			return nil, errors.Wrapf(err, "%%%d: %s", i, t.FormatInst(i))
		}
		if s != nil {
			c.ct.steps = append(c.ct.steps, s)
		}
	}
	if t.IsSide() {
		return c.ct, c.lowerExit()
	}
	if len(t.Loop) != t.NumParams() {
		return nil, errors.Wrapf(ErrBadTrace, "%d loop operands for %d params", len(t.Loop), t.NumParams())
	}
	for _, o := range t.Loop {
		if !o.IsConst && (o.Var < 0 || o.Var >= len(t.Insts)) {
			return nil, errors.Wrapf(ErrBadTrace, "loop operand %v out of range", o)
		}
		c.ct.loop = append(c.ct.loop, c.read(o))
	}
	return c.ct, nil
}

// lowerExit attaches the layout of a side trace's exit, which is taken
// instead of looping.
func (c *compiler) lowerExit() error {
	t := c.t
	if len(t.Loop) != 0 {
		return errors.Wrapf(ErrBadTrace, "side trace with %d loop operands", len(t.Loop))
	}
	if len(t.Exit.Frames) == 0 {
		return errors.Wrap(ErrBadTrace, "side trace exit without a snapshot")
	}
	var err error
	t.Exit.Uses(func(o *tir.Operand) {
		if err == nil && !o.IsConst && (o.Var < 0 || o.Var >= len(t.Insts)) {
			err = errors.Wrapf(ErrBadTrace, "exit operand %v out of range", *o)
		}
	})
	if err != nil {
		return err
	}
	c.ct.exit = deopt.FromGuard(t, t.Exit, -1, c.loc)
	return nil
}

func (c *compiler) checkOperands(i int, in *tir.Inst) error {
	var err error
	in.Uses(func(o *tir.Operand) {
		if err == nil && !o.IsConst && (o.Var < 0 || o.Var >= i) {
			err = errors.Wrapf(ErrBadTrace, "%%%d uses %v before its definition", i, *o)
		}
	})
	return err
}

func (c *compiler) read(o tir.Operand) reader {
	if o.IsConst {
		v := o.Const.Bits
		return func([]uint64) uint64 { return v }
	}
	idx := o.Var
	return func(r []uint64) uint64 { return r[idx] }
}

func (c *compiler) readAll(ops []tir.Operand) []reader {
	rs := make([]reader, len(ops))
	for i, o := range ops {
		rs[i] = c.read(o)
	}
	return rs
}

func (c *compiler) loc(o tir.Operand) deopt.Loc {
	if o.IsConst {
		return deopt.Const(o.Const.Bits)
	}
	return deopt.Reg(o.Var)
}

func gather(rs []reader, r []uint64) []uint64 {
	args := make([]uint64, len(rs))
	for i, rd := range rs {
		args[i] = rd(r)
	}
	return args
}

// Execute runs the trace loop from inputs until a guard fails, returning
// the exit for deoptimisation. A side trace runs once and returns its own
// exit when no guard failed. An error means the program faulted.
func (ct *CompiledTrace) Execute(rt Runtime, inputs []uint64) (*deopt.Exit, error) {
	if len(inputs) != len(ct.Inputs) {
		return nil, errors.Wrapf(ErrBadTrace, "trace %d takes %d inputs, got %d", ct.ID, len(ct.Inputs), len(inputs))
	}
	regs := make([]uint64, ct.nregs)
	for i, v := range inputs {
		regs[i] = ct.Types[i].Trunc(v)
	}
	next := make([]uint64, len(ct.loop))
	for {
		for _, s := range ct.steps {
			g, err := s(regs, rt)
			if err != nil {
				return nil, err
			}
			if g != noExit {
				snap := make([]uint64, len(regs))
				copy(snap, regs)
				return &deopt.Exit{TraceID: ct.ID, Layout: ct.Guards[g], Regs: snap}, nil
			}
		}
		if ct.exit != nil {
			return &deopt.Exit{TraceID: ct.ID, Layout: ct.exit, Regs: regs}, nil
		}
		// all loop values are read before any param is overwritten
		for i, rd := range ct.loop {
			next[i] = rd(regs)
		}
		copy(regs, next)
	}
}
