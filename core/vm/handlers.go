package vm

import (
	"github.com/pkg/errors"

	"github.com/tracejit/tracejit/aot"
	"github.com/tracejit/tracejit/core/memory"
	"github.com/tracejit/tracejit/core/mt"
	"github.com/tracejit/tracejit/core/trace"
)

// handler executes in and moves fr to the next instruction to run.
type handler func(vm *VM, fr *frame, in *aot.Inst) error

var handlers [256]handler

func init() {
	for op := aot.OpAdd; op <= aot.OpFDiv; op++ {
		handlers[op] = opBinary
	}
	for op := aot.OpZExt; op <= aot.OpBitcast; op++ {
		handlers[op] = opCast
	}
	handlers[aot.OpNop] = opNop
	handlers[aot.OpCmp] = opCmp
	handlers[aot.OpLoad] = opLoad
	handlers[aot.OpStore] = opStore
	handlers[aot.OpAlloca] = opAlloca
	handlers[aot.OpPtrAdd] = opPtrAdd
	handlers[aot.OpSelect] = opSelect
	handlers[aot.OpCall] = opCall
	handlers[aot.OpICall] = opICall
	handlers[aot.OpPhi] = opPhi
	handlers[aot.OpPromote] = opPromote
	handlers[aot.OpControlPoint] = opControlPoint
	handlers[aot.OpBr] = opBr
	handlers[aot.OpCondBr] = opCondBr
	handlers[aot.OpRet] = opRet
	handlers[aot.OpUnreachable] = opUnreachable
}

func (fr *frame) set(in *aot.Inst, v uint64) {
	fr.locals[in.ID] = in.Ty.Trunc(v)
	fr.ip++
}

func opNop(vm *VM, fr *frame, in *aot.Inst) error {
	fr.ip++
	return nil
}

func opBinary(vm *VM, fr *frame, in *aot.Inst) error {
	v, err := aot.EvalBinary(in.Op, in.Ty, vm.operand(fr, in.Args[0]), vm.operand(fr, in.Args[1]))
	if err != nil {
		return err
	}
	fr.set(in, v)
	return nil
}

func opCmp(vm *VM, fr *frame, in *aot.Inst) error {
	ty := vm.typeOf(fr, in.Args[0])
	fr.set(in, aot.Bool(aot.EvalCmp(in.Pred, ty, vm.operand(fr, in.Args[0]), vm.operand(fr, in.Args[1]))))
	return nil
}

func opCast(vm *VM, fr *frame, in *aot.Inst) error {
	fr.set(in, aot.EvalCast(in.Op, vm.typeOf(fr, in.Args[0]), in.Ty, vm.operand(fr, in.Args[0])))
	return nil
}

func opLoad(vm *VM, fr *frame, in *aot.Inst) error {
	v, err := vm.mem.Load(vm.operand(fr, in.Args[0]), in.Ty)
	if err != nil {
		return err
	}
	fr.set(in, v)
	return nil
}

func opStore(vm *VM, fr *frame, in *aot.Inst) error {
	ty := vm.typeOf(fr, in.Args[0])
	if err := vm.mem.Store(vm.operand(fr, in.Args[1]), ty, vm.operand(fr, in.Args[0])); err != nil {
		return err
	}
	fr.ip++
	return nil
}

func opAlloca(vm *VM, fr *frame, in *aot.Inst) error {
	addr, err := vm.mem.Alloca(in.Alloc.Size())
	if err != nil {
		return err
	}
	fr.set(in, addr)
	return nil
}

func opPtrAdd(vm *VM, fr *frame, in *aot.Inst) error {
	p := vm.operand(fr, in.Args[0]) + uint64(in.Off)
	for _, d := range in.Dyn {
		idx := vm.typeOf(fr, d.Index).SignExtend(vm.operand(fr, d.Index))
		p += uint64(idx * d.Scale)
	}
	fr.set(in, p)
	return nil
}

func opSelect(vm *VM, fr *frame, in *aot.Inst) error {
	if vm.operand(fr, in.Args[0])&1 != 0 {
		fr.set(in, vm.operand(fr, in.Args[1]))
	} else {
		fr.set(in, vm.operand(fr, in.Args[2]))
	}
	return nil
}

// opPhi evaluates all phis at the head of the block at once.
func opPhi(vm *VM, fr *frame, in *aot.Inst) error {
	insts := fr.fn.Blocks[fr.bb].Insts
	n := fr.ip
	for n < len(insts) && insts[n].Op == aot.OpPhi {
		n++
	}
	vals := make([]uint64, n-fr.ip)
	for i := fr.ip; i < n; i++ {
		phi := insts[i]
		found := false
		for j, p := range phi.Preds {
			if p == fr.prev {
				vals[i-fr.ip], found = vm.operand(fr, phi.Args[j]), true
				break
			}
		}
		if !found {
			return errors.Wrapf(ErrUnreachable, "phi has no incoming value for bb%d", fr.prev)
		}
	}
	for i := fr.ip; i < n; i++ {
		fr.locals[insts[i].ID] = insts[i].Ty.Trunc(vals[i-fr.ip])
	}
	fr.ip = n
	return nil
}

func opPromote(vm *VM, fr *frame, in *aot.Inst) error {
	v := in.Ty.Trunc(vm.operand(fr, in.Args[0]))
	if rec := vm.recorder(); rec != nil {
		rec.Promote(v)
	}
	fr.set(in, v)
	return nil
}

func (vm *VM) jump(fr *frame, target int) {
	fr.prev, fr.bb, fr.ip = fr.bb, target, 0
	if rec := vm.recorder(); rec != nil {
		vm.enterBlock(rec, fr.fn.Index, target)
	}
}

func opBr(vm *VM, fr *frame, in *aot.Inst) error {
	vm.jump(fr, in.Targets[0])
	return nil
}

func opCondBr(vm *VM, fr *frame, in *aot.Inst) error {
	if vm.operand(fr, in.Args[0])&1 != 0 {
		vm.jump(fr, in.Targets[0])
	} else {
		vm.jump(fr, in.Targets[1])
	}
	return nil
}

func opUnreachable(vm *VM, fr *frame, in *aot.Inst) error {
	return ErrUnreachable
}

func opCall(vm *VM, fr *frame, in *aot.Inst) error {
	callee := vm.mod.Funcs[in.Callee]
	args := vm.operands(fr, in.Args)
	if callee.Extern {
		v, err := vm.CallExtern(callee.Index, args)
		if err != nil {
			return err
		}
		vm.callDone(fr, in, v)
		return nil
	}
	return vm.push(callee, args, false)
}

func opICall(vm *VM, fr *frame, in *aot.Inst) error {
	addr := vm.operand(fr, in.Args[0])
	if rec := vm.recorder(); rec != nil {
		rec.IndirectCall(addr)
	}
	fn, ok := memory.FuncIndex(addr)
	if !ok || fn >= len(vm.mod.Funcs) {
		return errors.Wrapf(ErrBadCall, "call through 0x%x", addr)
	}
	callee := vm.mod.Funcs[fn]
	args := vm.operands(fr, in.Args[1:])
	if callee.Extern {
		v, err := vm.CallExtern(fn, args)
		if err != nil {
			return err
		}
		vm.callDone(fr, in, v)
		return nil
	}
	return vm.push(callee, args, false)
}

func (vm *VM) callDone(fr *frame, call *aot.Inst, v uint64) {
	if call.Defines() {
		fr.set(call, v)
	} else {
		fr.ip++
	}
}

func opRet(vm *VM, fr *frame, in *aot.Inst) error {
	var v uint64
	if len(in.Args) > 0 {
		v = vm.operand(fr, in.Args[0])
	}
	if rec := vm.recorder(); rec != nil {
		if rec.OutlineDepth() == 0 && len(vm.frames) == vm.traceDepth {
			vm.mt.AbortTracing(vm.th, mt.AbortOutOfFrame)
		} else {
			rec.Return()
		}
	}
	vm.frames = vm.frames[:len(vm.frames)-1]
	vm.mem.Release(fr.mark)
	if fr.base {
		vm.retval = v
		return nil
	}
	caller := vm.frames[len(vm.frames)-1]
	vm.callDone(caller, caller.fn.Blocks[caller.bb].Insts[caller.ip], v)
	return nil
}

func opControlPoint(vm *VM, fr *frame, in *aot.Inst) error {
	fr.ip++
	if vm.mt == nil || vm.nested > 0 {
		return nil
	}
	// control points inside an outlined call are not part of the trace
	if rec := vm.recorder(); rec != nil && rec.OutlineDepth() > 0 {
		return nil
	}
	id := vm.operand(fr, in.Args[0])
	if id == 0 {
		return nil
	}
	loc, ok := vm.mt.LookupLocation(id)
	if !ok {
		vm.mt.Fatal("Control point on unknown location", "loc", id)
		return errors.Wrapf(mt.ErrNoLocation, "location %d", id)
	}
	pos := trace.Pos{Func: fr.fn.Index, BB: fr.bb, Inst: fr.ip}
	tr := vm.mt.ControlPoint(vm.th, loc, len(vm.frames), pos)
	switch tr.Kind {
	case mt.StartTracing:
		vm.traceDepth = len(vm.frames)
	case mt.Execute:
		return vm.execute(fr, loc, tr.Trace)
	}
	return nil
}
