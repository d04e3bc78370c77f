package opt

import "github.com/tracejit/tracejit/core/jit/tir"

// dce removes pure instructions whose results are not used by any live
// instruction, deopt snapshot, loop-back operand or side trace exit. Params
// are positional and always stay.
func dce(t *tir.Trace) bool {
	live := make([]bool, len(t.Insts))
	var work []int
	mark := func(o *tir.Operand) {
		if !o.IsConst && !live[o.Var] {
			live[o.Var] = true
			work = append(work, o.Var)
		}
	}
	for i, in := range t.Insts {
		if in.Op == tir.OpNop {
			continue
		}
		if in.Op == tir.OpParam || !in.Op.Pure() {
			live[i] = true
			work = append(work, i)
		}
	}
	t.Roots(mark)
	for len(work) > 0 {
		i := work[len(work)-1]
		work = work[:len(work)-1]
		t.Insts[i].Uses(mark)
	}
	changed := false
	for i, in := range t.Insts {
		if in.Op != tir.OpNop && !live[i] {
			in.Op, in.Args = tir.OpNop, nil
			changed = true
		}
	}
	return changed
}
