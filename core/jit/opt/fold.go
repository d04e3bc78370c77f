package opt

import (
	"github.com/tracejit/tracejit/aot"
	"github.com/tracejit/tracejit/core/jit/tir"
)

type action byte

const (
	keep      action = iota
	replaced         // the result equals another operand; instruction removed
	rewritten        // the instruction was simplified in place
	removed          // the instruction has no effect and no result
)

// fold runs constant folding and instruction combining in one forward
// sweep, substituting folded results into later operands as it goes.
func fold(t *tir.Trace) bool {
	repl := make(map[int]tir.Operand)
	resolve := func(o *tir.Operand) {
		for !o.IsConst {
			r, ok := repl[o.Var]
			if !ok {
				return
			}
			*o = r
		}
	}
	changed := false
	for i, in := range t.Insts {
		if in.Op == tir.OpNop {
			continue
		}
		in.Uses(resolve)
		r, act := foldInst(t, in)
		switch act {
		case replaced:
			repl[i] = r
			fallthrough
		case removed:
			in.Op, in.Args, in.Guard = tir.OpNop, nil, nil
			changed = true
		case rewritten:
			changed = true
		}
	}
	substitute(t, repl)
	return changed
}

func foldInst(t *tir.Trace, in *tir.Inst) (tir.Operand, action) {
	switch in.Op {
	case tir.OpBinary:
		return foldBinary(in)
	case tir.OpCmp:
		a, b := in.Args[0], in.Args[1]
		if a.IsConst && b.IsConst {
			return tir.C(aot.Const{Ty: aot.I1, Bits: aot.Bool(aot.EvalCmp(in.Pred, a.Const.Ty, a.Const.Bits, b.Const.Bits))}), replaced
		}
		if !a.IsConst && !b.IsConst && a.Var == b.Var && !in.Pred.IsFloat() {
			switch in.Pred {
			case aot.PredEq, aot.PredULe, aot.PredUGe, aot.PredSLe, aot.PredSGe:
				return tir.C(aot.Const{Ty: aot.I1, Bits: 1}), replaced
			default:
				return tir.C(aot.Const{Ty: aot.I1}), replaced
			}
		}
	case tir.OpCast:
		if v := in.Args[0]; v.IsConst {
			return tir.C(aot.Const{Ty: in.Ty, Bits: aot.EvalCast(in.Bin, v.Const.Ty, in.Ty, v.Const.Bits)}), replaced
		}
	case tir.OpSelect:
		c, x, y := in.Args[0], in.Args[1], in.Args[2]
		if c.IsConst {
			if c.Const.Bits != 0 {
				return x, replaced
			}
			return y, replaced
		}
		if x == y {
			return x, replaced
		}
	case tir.OpPtrAdd:
		base := in.Args[0]
		if in.Imm == 0 {
			return base, replaced
		}
		if base.IsConst {
			return tir.C(aot.Const{Ty: aot.Ptr, Bits: base.Const.Bits + uint64(in.Imm)}), replaced
		}
		if inner := t.Insts[base.Var]; inner.Op == tir.OpPtrAdd {
			in.Args[0] = inner.Args[0]
			in.Imm += inner.Imm
			return tir.Operand{}, rewritten
		}
	case tir.OpDynPtrAdd:
		// only a constant index may be folded; a varying one stays dynamic
		if idx := in.Args[1]; idx.IsConst {
			in.Op = tir.OpPtrAdd
			in.Imm = idx.Const.Ty.SignExtend(idx.Const.Bits) * in.Imm
			in.Args = in.Args[:1]
			return tir.Operand{}, rewritten
		}
	case tir.OpGuard:
		if c := in.Args[0]; c.IsConst && (c.Const.Bits != 0) == in.Expect {
			return tir.Operand{}, removed
		}
	}
	return tir.Operand{}, keep
}

func foldBinary(in *tir.Inst) (tir.Operand, action) {
	a, b := in.Args[0], in.Args[1]
	if a.IsConst && b.IsConst {
		v, err := aot.EvalBinary(in.Bin, in.Ty, a.Const.Bits, b.Const.Bits)
		if err != nil {
			// division by zero must still happen at run time
			return tir.Operand{}, keep
		}
		return tir.C(aot.Const{Ty: in.Ty, Bits: v}), replaced
	}
	if !in.Ty.IsIntLike() {
		return tir.Operand{}, keep
	}
	zero := tir.C(aot.Const{Ty: in.Ty})
	same := !a.IsConst && !b.IsConst && a.Var == b.Var
	switch in.Bin {
	case aot.OpAdd, aot.OpOr:
		if isZero(b) {
			return a, replaced
		}
		if isZero(a) {
			return b, replaced
		}
		if in.Bin == aot.OpOr && same {
			return a, replaced
		}
	case aot.OpSub:
		if isZero(b) {
			return a, replaced
		}
		if same {
			return zero, replaced
		}
	case aot.OpXor:
		if isZero(b) {
			return a, replaced
		}
		if isZero(a) {
			return b, replaced
		}
		if same {
			return zero, replaced
		}
	case aot.OpMul:
		if isOne(b) {
			return a, replaced
		}
		if isOne(a) {
			return b, replaced
		}
		if isZero(a) || isZero(b) {
			return zero, replaced
		}
	case aot.OpAnd:
		if isZero(a) || isZero(b) {
			return zero, replaced
		}
		if same {
			return a, replaced
		}
	case aot.OpShl, aot.OpLShr, aot.OpAShr, aot.OpSDiv, aot.OpUDiv:
		if (in.Bin == aot.OpSDiv || in.Bin == aot.OpUDiv) && isOne(b) {
			return a, replaced
		}
		if in.Bin != aot.OpSDiv && in.Bin != aot.OpUDiv && isZero(b) {
			return a, replaced
		}
	}
	return tir.Operand{}, keep
}
