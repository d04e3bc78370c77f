package aot

import (
	"sort"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/pkg/errors"
)

// Verify checks structural and type well-formedness of every function in m.
func Verify(m *Module) error {
	for _, f := range m.Funcs {
		if f.Extern {
			continue
		}
		if err := verifyFunc(m, f); err != nil {
			return errors.Wrapf(err, "@%s", f.Name)
		}
	}
	return nil
}

func verifyFunc(m *Module, f *Func) error {
	if len(f.Blocks) == 0 {
		return errors.New("function has no blocks")
	}
	if f.NumLocals() == 0 {
		return errors.New("function not finalized")
	}
	preds := predecessors(f)
	for bbi, bb := range f.Blocks {
		if len(bb.Insts) == 0 {
			return errors.Errorf("bb%d: empty block", bbi)
		}
		for i, in := range bb.Insts {
			last := i == len(bb.Insts)-1
			if in.Op.IsTerminator() != last {
				if last {
					return errors.Errorf("bb%d: block does not end in a terminator", bbi)
				}
				return errors.Errorf("bb%d: terminator %s in the middle of a block", bbi, in.Op)
			}
			if in.Op == OpPhi && i > 0 && bb.Insts[i-1].Op != OpPhi {
				return errors.Errorf("bb%d: phi after non-phi instruction", bbi)
			}
			if err := verifyInst(m, f, in); err != nil {
				return errors.Wrapf(err, "bb%d: %s", bbi, m.FormatInst(f, in))
			}
			if in.Op == OpPhi {
				if err := verifyPhiPreds(in, preds[bbi]); err != nil {
					return errors.Wrapf(err, "bb%d: %s", bbi, m.FormatInst(f, in))
				}
			}
		}
	}
	return nil
}

// predecessors returns the distinct CFG predecessors of every block.
func predecessors(f *Func) []mapset.Set[int] {
	preds := make([]mapset.Set[int], len(f.Blocks))
	for i := range preds {
		preds[i] = mapset.NewThreadUnsafeSet[int]()
	}
	for bbi, bb := range f.Blocks {
		for _, s := range bb.Successors() {
			if s >= 0 && s < len(preds) {
				preds[s].Add(bbi)
			}
		}
	}
	return preds
}

// verifyPhiPreds checks that a phi has exactly one incoming value per
// predecessor of its block.
func verifyPhiPreds(in *Inst, preds mapset.Set[int]) error {
	seen := mapset.NewThreadUnsafeSet[int]()
	for _, p := range in.Preds {
		if !preds.Contains(p) {
			return errors.Errorf("phi names bb%d, which is not a predecessor", p)
		}
		if !seen.Add(p) {
			return errors.Errorf("phi names bb%d twice", p)
		}
	}
	if diff := preds.Difference(seen); diff.Cardinality() > 0 {
		missing := diff.ToSlice()
		sort.Ints(missing)
		return errors.Errorf("phi has no incoming value for bb%d", missing[0])
	}
	return nil
}

func verifyOperand(m *Module, f *Func, op Operand) error {
	switch op.Kind {
	case OpdLocal:
		if op.Index < 0 || op.Index >= f.NumLocals() {
			return errors.Errorf("local slot %d out of range", op.Index)
		}
		if !f.Inst(op.Index).Defines() {
			return errors.Errorf("use of instruction without a result")
		}
	case OpdArg:
		if op.Index < 0 || op.Index >= len(f.Params) {
			return errors.Errorf("argument %d out of range", op.Index)
		}
	case OpdGlobal:
		if op.Index < 0 || op.Index >= len(m.Globals) {
			return errors.Errorf("global %d out of range", op.Index)
		}
	case OpdFunc:
		if op.Index < 0 || op.Index >= len(m.Funcs) {
			return errors.Errorf("function %d out of range", op.Index)
		}
	}
	return nil
}

func verifyInst(m *Module, f *Func, in *Inst) error {
	for _, op := range in.Args {
		if err := verifyOperand(m, f, op); err != nil {
			return err
		}
	}
	for _, d := range in.Dyn {
		if err := verifyOperand(m, f, d.Index); err != nil {
			return err
		}
	}
	for _, t := range in.Targets {
		if t < 0 || t >= len(f.Blocks) {
			return errors.Errorf("branch target bb%d does not exist", t)
		}
	}
	ty := func(i int) Type { return m.OperandType(f, in.Args[i]) }
	want := func(n int) error {
		if len(in.Args) != n {
			return errors.Errorf("want %d operands, have %d", n, len(in.Args))
		}
		return nil
	}
	switch {
	case in.Op.IsBinary():
		if err := want(2); err != nil {
			return err
		}
		if ty(0) != in.Ty || ty(1) != in.Ty {
			return errors.Errorf("operand types %s, %s do not match result %s", ty(0), ty(1), in.Ty)
		}
		if in.Op.IsFloatBinary() != in.Ty.IsFloat() {
			return errors.Errorf("%s cannot operate on %s", in.Op, in.Ty)
		}
	case in.Op == OpCmp:
		if err := want(2); err != nil {
			return err
		}
		if in.Ty != I1 {
			return errors.New("comparison must produce i1")
		}
		if ty(0) != ty(1) {
			return errors.Errorf("comparing %s with %s", ty(0), ty(1))
		}
		if in.Pred.IsFloat() != ty(0).IsFloat() {
			return errors.Errorf("predicate %s cannot compare %s", in.Pred, ty(0))
		}
	case in.Op == OpLoad:
		if err := want(1); err != nil {
			return err
		}
		if in.Ty == Void || ty(0) != Ptr {
			return errors.New("load needs a pointer operand and a result")
		}
	case in.Op == OpStore:
		if err := want(2); err != nil {
			return err
		}
		if ty(1) != Ptr {
			return errors.New("store address must be a pointer")
		}
	case in.Op == OpAlloca:
		if in.Ty != Ptr || in.Alloc.Count <= 0 {
			return errors.New("alloca must produce a pointer")
		}
	case in.Op == OpPtrAdd:
		if err := want(1); err != nil {
			return err
		}
		if in.Ty != Ptr || ty(0) != Ptr {
			return errors.New("ptr_add operates on pointers")
		}
		for _, d := range in.Dyn {
			if !m.OperandType(f, d.Index).IsInt() {
				return errors.New("ptr_add index must be an integer")
			}
		}
	case in.Op.IsCast():
		if err := want(1); err != nil {
			return err
		}
		return verifyCast(in.Op, ty(0), in.Ty)
	case in.Op == OpSelect:
		if err := want(3); err != nil {
			return err
		}
		if ty(0) != I1 || ty(1) != in.Ty || ty(2) != in.Ty {
			return errors.New("select operand types mismatch")
		}
	case in.Op == OpCall:
		callee := m.Funcs[in.Callee]
		return verifyCallArgs(m, f, callee, in.Args, in.Ty)
	case in.Op == OpICall:
		if len(in.Args) == 0 || ty(0) != Ptr {
			return errors.New("icall target must be a pointer")
		}
	case in.Op == OpPhi:
		if len(in.Args) == 0 || len(in.Args) != len(in.Preds) {
			return errors.New("malformed phi")
		}
		for i := range in.Args {
			if ty(i) != in.Ty {
				return errors.Errorf("phi incoming %s does not match %s", ty(i), in.Ty)
			}
			if in.Preds[i] < 0 || in.Preds[i] >= len(f.Blocks) {
				return errors.Errorf("phi predecessor bb%d does not exist", in.Preds[i])
			}
		}
	case in.Op == OpPromote:
		if err := want(1); err != nil {
			return err
		}
		if ty(0) != in.Ty {
			return errors.New("promote must preserve the type")
		}
	case in.Op == OpControlPoint:
		if err := want(1); err != nil {
			return err
		}
		if ty(0) != I64 {
			return errors.New("control point takes an i64 location")
		}
	case in.Op == OpCondBr:
		if err := want(1); err != nil {
			return err
		}
		if ty(0) != I1 {
			return errors.New("condbr condition must be i1")
		}
	case in.Op == OpRet:
		if f.Ret == Void && len(in.Args) != 0 {
			return errors.New("void function returns a value")
		}
		if f.Ret != Void && (len(in.Args) != 1 || ty(0) != f.Ret) {
			return errors.Errorf("function must return %s", f.Ret)
		}
	}
	return nil
}

func verifyCallArgs(m *Module, f *Func, callee *Func, args []Operand, ret Type) error {
	if len(args) < len(callee.Params) || (!callee.Variadic && len(args) != len(callee.Params)) {
		return errors.Errorf("@%s takes %d arguments, %d given", callee.Name, len(callee.Params), len(args))
	}
	for i, t := range callee.Params {
		if at := m.OperandType(f, args[i]); at != t {
			return errors.Errorf("argument %d of @%s is %s, want %s", i, callee.Name, at, t)
		}
	}
	if ret != Void && ret != callee.Ret {
		return errors.Errorf("@%s returns %s, not %s", callee.Name, callee.Ret, ret)
	}
	return nil
}

func verifyCast(op Opcode, from, to Type) error {
	ok := false
	switch op {
	case OpZExt, OpSExt:
		ok = from.IsInt() && to.IsInt() && to.Bits() >= from.Bits()
	case OpTrunc:
		ok = from.IsInt() && to.IsInt() && to.Bits() <= from.Bits()
	case OpSIToFP, OpUIToFP:
		ok = from.IsInt() && to.IsFloat()
	case OpFPToSI:
		ok = from.IsFloat() && to.IsInt()
	case OpFPExt:
		ok = from == Float && to == Double
	case OpFPTrunc:
		ok = from == Double && to == Float
	case OpPtrToInt:
		ok = from == Ptr && to.IsInt()
	case OpIntToPtr:
		ok = from.IsInt() && to == Ptr
	case OpBitcast:
		ok = from.Bits() == to.Bits() && from != Void
	}
	if !ok {
		return errors.Errorf("cannot %s %s to %s", op, from, to)
	}
	return nil
}
