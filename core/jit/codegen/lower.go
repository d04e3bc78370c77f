package codegen

import (
	"github.com/pkg/errors"

	"github.com/tracejit/tracejit/aot"
	"github.com/tracejit/tracejit/core/jit/deopt"
	"github.com/tracejit/tracejit/core/jit/tir"
)

func (c *compiler) lower(i int, in *tir.Inst) (step, error) {
	switch in.Op {
	case tir.OpNop:
		return nil, nil
	case tir.OpParam:
		return nil, errors.Wrap(ErrBadTrace, "param after the header")
	case tir.OpBinary:
		return c.lowerBinary(i, in)
	case tir.OpCmp:
		a, b := c.read(in.Args[0]), c.read(in.Args[1])
		pred, ty := in.Pred, c.t.OperandType(in.Args[0])
		return func(r []uint64, _ Runtime) (int, error) {
			r[i] = aot.Bool(aot.EvalCmp(pred, ty, a(r), b(r)))
			return noExit, nil
		}, nil
	case tir.OpCast:
		v := c.read(in.Args[0])
		op, from, to := in.Bin, c.t.OperandType(in.Args[0]), in.Ty
		return func(r []uint64, _ Runtime) (int, error) {
			r[i] = aot.EvalCast(op, from, to, v(r))
			return noExit, nil
		}, nil
	case tir.OpLoad:
		p, ty := c.read(in.Args[0]), in.Ty
		return func(r []uint64, rt Runtime) (int, error) {
			v, err := rt.Memory().Load(p(r), ty)
			if err != nil {
				return noExit, err
			}
			r[i] = v
			return noExit, nil
		}, nil
	case tir.OpStore:
		v, p, ty := c.read(in.Args[0]), c.read(in.Args[1]), c.t.OperandType(in.Args[0])
		return func(r []uint64, rt Runtime) (int, error) {
			return noExit, rt.Memory().Store(p(r), ty, v(r))
		}, nil
	case tir.OpAlloca:
		size := int(in.Imm)
		return func(r []uint64, rt Runtime) (int, error) {
			addr, err := rt.Memory().Alloca(size)
			r[i] = addr
			return noExit, err
		}, nil
	case tir.OpPtrAdd:
		p, off := c.read(in.Args[0]), uint64(in.Imm)
		return func(r []uint64, _ Runtime) (int, error) {
			r[i] = p(r) + off
			return noExit, nil
		}, nil
	case tir.OpDynPtrAdd:
		p, idx, scale := c.read(in.Args[0]), c.read(in.Args[1]), in.Imm
		ity := c.t.OperandType(in.Args[1])
		return func(r []uint64, _ Runtime) (int, error) {
			r[i] = p(r) + uint64(ity.SignExtend(idx(r))*scale)
			return noExit, nil
		}, nil
	case tir.OpLookupGlobal:
		sym := in.Sym
		if sym < 0 || sym >= len(c.mod.Globals) {
			return nil, errors.Wrapf(ErrBadTrace, "no global %d", sym)
		}
		return func(r []uint64, rt Runtime) (int, error) {
			r[i] = rt.GlobalAddr(sym)
			return noExit, nil
		}, nil
	case tir.OpSelect:
		cond, a, b := c.read(in.Args[0]), c.read(in.Args[1]), c.read(in.Args[2])
		return func(r []uint64, _ Runtime) (int, error) {
			if cond(r)&1 != 0 {
				r[i] = a(r)
			} else {
				r[i] = b(r)
			}
			return noExit, nil
		}, nil
	case tir.OpCall:
		return c.lowerCall(i, in)
	case tir.OpICall:
		target, args := c.read(in.Args[0]), c.readAll(in.Args[1:])
		ty := in.Ty
		return func(r []uint64, rt Runtime) (int, error) {
			v, err := rt.CallAddr(target(r), gather(args, r))
			r[i] = ty.Trunc(v)
			return noExit, err
		}, nil
	case tir.OpGuard:
		return c.lowerGuard(in)
	case tir.OpStackSave:
		return func(r []uint64, rt Runtime) (int, error) {
			r[i] = rt.Memory().StackMark()
			return noExit, nil
		}, nil
	case tir.OpStackRestore:
		mark := c.read(in.Args[0])
		return func(r []uint64, rt Runtime) (int, error) {
			rt.Memory().Release(mark(r))
			return noExit, nil
		}, nil
	}
	return nil, errors.Wrapf(ErrBadTrace, "cannot lower %s", in.Op)
}

func (c *compiler) lowerBinary(i int, in *tir.Inst) (step, error) {
	a, b := c.read(in.Args[0]), c.read(in.Args[1])
	ty, mask := in.Ty, in.Ty.Mask()
	// the common integer forms skip the generic evaluator
	if ty.IsIntLike() {
		switch in.Bin {
		case aot.OpAdd:
			return func(r []uint64, _ Runtime) (int, error) {
				r[i] = (a(r) + b(r)) & mask
				return noExit, nil
			}, nil
		case aot.OpSub:
			return func(r []uint64, _ Runtime) (int, error) {
				r[i] = (a(r) - b(r)) & mask
				return noExit, nil
			}, nil
		case aot.OpMul:
			return func(r []uint64, _ Runtime) (int, error) {
				r[i] = (a(r) * b(r)) & mask
				return noExit, nil
			}, nil
		case aot.OpAnd:
			return func(r []uint64, _ Runtime) (int, error) {
				r[i] = a(r) & b(r)
				return noExit, nil
			}, nil
		case aot.OpOr:
			return func(r []uint64, _ Runtime) (int, error) {
				r[i] = a(r) | b(r)
				return noExit, nil
			}, nil
		case aot.OpXor:
			return func(r []uint64, _ Runtime) (int, error) {
				r[i] = (a(r) ^ b(r)) & mask
				return noExit, nil
			}, nil
		}
	}
	if !in.Bin.IsBinary() {
		return nil, errors.Wrapf(ErrBadTrace, "%s is not a binary operation", in.Bin)
	}
	op := in.Bin
	return func(r []uint64, _ Runtime) (int, error) {
		v, err := aot.EvalBinary(op, ty, a(r), b(r))
		if err != nil {
			return noExit, err
		}
		r[i] = v
		return noExit, nil
	}, nil
}

func (c *compiler) lowerCall(i int, in *tir.Inst) (step, error) {
	if in.Sym < 0 || in.Sym >= len(c.mod.Funcs) {
		return nil, errors.Wrapf(ErrBadTrace, "no function %d", in.Sym)
	}
	fn, args, ty := in.Sym, c.readAll(in.Args), in.Ty
	if c.mod.Funcs[fn].Extern {
		return func(r []uint64, rt Runtime) (int, error) {
			v, err := rt.CallExtern(fn, gather(args, r))
			r[i] = ty.Trunc(v)
			return noExit, err
		}, nil
	}
	return func(r []uint64, rt Runtime) (int, error) {
		v, err := rt.CallFunc(fn, gather(args, r))
		r[i] = ty.Trunc(v)
		return noExit, err
	}, nil
}

func (c *compiler) lowerGuard(in *tir.Inst) (step, error) {
	if in.Guard == nil || len(in.Guard.Frames) == 0 {
		return nil, errors.Wrap(ErrBadTrace, "guard without a snapshot")
	}
	idx := len(c.ct.Guards)
	c.ct.Guards = append(c.ct.Guards, deopt.FromGuard(c.t, in.Guard, idx, c.loc))
	cond := c.read(in.Args[0])
	want := aot.Bool(in.Expect)
	return func(r []uint64, _ Runtime) (int, error) {
		if cond(r)&1 != want {
			return idx, nil
		}
		return noExit, nil
	}, nil
}
