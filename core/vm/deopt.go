package vm

import (
	"github.com/pkg/errors"

	"github.com/tracejit/tracejit/aot"
	"github.com/tracejit/tracejit/core/jit/codegen"
	"github.com/tracejit/tracejit/core/jit/deopt"
	"github.com/tracejit/tracejit/core/jit/tir"
	"github.com/tracejit/tracejit/core/mt"
)

// execute runs ct from the entry frame fr and, once it exits, rebuilds the
// interpreter frames the exit describes. A failing guard with a side trace
// continues in the side trace; one that became hot starts recording it.
func (vm *VM) execute(fr *frame, loc *mt.Location, ct *codegen.CompiledTrace) error {
	for {
		inputs := make([]uint64, len(ct.Inputs))
		for i, op := range ct.Inputs {
			inputs[i] = vm.operand(fr, op)
		}
		exit, err := vm.mt.Execute(loc, ct, vm, inputs)
		if err != nil {
			return err
		}
		if err := vm.deoptimise(fr, exit); err != nil {
			return err
		}
		if exit.Layout.Kind == tir.GuardClose {
			return nil
		}
		tr := vm.mt.GuardFailure(vm.th, loc, ct, exit, len(vm.frames))
		switch tr.Kind {
		case mt.Execute:
			ct = tr.Trace
			continue
		case mt.StartTracing:
			vm.traceDepth = len(vm.frames)
		}
		return nil
	}
}

func (vm *VM) deoptimise(entry *frame, exit *deopt.Exit) error {
	frames := deopt.Reconstruct(exit)
	if len(frames) == 0 || frames[0].Func != entry.fn.Index {
		vm.mt.Fatal("Guard does not describe the entry frame", "trace", exit.TraceID, "guard", exit.Layout.GuardIdx)
		return errors.Wrapf(ErrDeopt, "trace %d guard %d", exit.TraceID, exit.Layout.GuardIdx)
	}
	rebuilt := make([]*frame, len(frames))
	for i, df := range frames {
		fr := entry
		if i > 0 {
			f := vm.mod.Funcs[df.Func]
			if f.Extern {
				vm.mt.Fatal("Guard rebuilds a frame for an extern", "trace", exit.TraceID, "guard", exit.Layout.GuardIdx, "func", f.Name)
				return errors.Wrapf(ErrDeopt, "inlined frame for extern @%s", f.Name)
			}
			fr = vm.newFrame(f)
		}
		fr.bb, fr.ip, fr.prev = df.BB, df.Inst, df.Prev
		for _, v := range df.Vals {
			switch v.Local.Kind {
			case aot.OpdLocal:
				fr.locals[v.Local.Index] = v.Bits
			case aot.OpdArg:
				fr.args[v.Local.Index] = v.Bits
			default:
				vm.mt.Fatal("Guard restores a bad value slot", "trace", exit.TraceID, "guard", exit.Layout.GuardIdx, "slot", v.Local)
				return errors.Wrapf(ErrDeopt, "bad value slot %v", v.Local)
			}
		}
		rebuilt[i] = fr
	}
	// An inlined frame without its own mark was entered at the stack
	// pointer of the frame it called into.
	cur := vm.mem.StackMark()
	for i := len(frames) - 1; i > 0; i-- {
		if frames[i].HasMark {
			cur = frames[i].Mark
		}
		rebuilt[i].mark = cur
	}
	if len(vm.frames)+len(rebuilt)-1 > vm.maxDepth {
		vm.mt.Fatal("Deoptimisation exceeds the call depth", "trace", exit.TraceID, "frames", len(rebuilt))
		return errors.Wrapf(ErrCallDepth, "rebuilding %d frames", len(rebuilt)-1)
	}
	vm.frames = append(vm.frames, rebuilt[1:]...)
	vm.meters.rebuiltFrames.Inc(int64(len(rebuilt) - 1))
	vm.logger.Trace("Deoptimised", "trace", exit.TraceID, "guard", exit.Layout.GuardIdx, "frames", len(rebuilt))
	return nil
}
