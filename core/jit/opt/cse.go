package opt

import (
	"github.com/tracejit/tracejit/aot"
	"github.com/tracejit/tracejit/core/jit/tir"
)

type exprKey struct {
	op   tir.Op
	ty   aot.Type
	bin  aot.Opcode
	pred aot.Pred
	imm  int64
	sym  int
	a, b tir.Operand
	c    tir.Operand
}

func keyFor(in *tir.Inst) (exprKey, bool) {
	if !in.Op.Pure() || len(in.Args) > 3 {
		return exprKey{}, false
	}
	k := exprKey{op: in.Op, ty: in.Ty, bin: in.Bin, pred: in.Pred, imm: in.Imm, sym: in.Sym}
	slots := []*tir.Operand{&k.a, &k.b, &k.c}
	for i, a := range in.Args {
		*slots[i] = a
	}
	return k, true
}

// cse merges pure instructions that compute the same value. Loads are not
// merged since stores and calls between them may change memory.
func cse(t *tir.Trace) bool {
	seen := make(map[exprKey]int)
	repl := make(map[int]tir.Operand)
	resolve := func(o *tir.Operand) {
		if r, ok := repl[o.Var]; ok && !o.IsConst {
			*o = r
		}
	}
	for i, in := range t.Insts {
		if in.Op == tir.OpNop {
			continue
		}
		in.Uses(resolve)
		k, ok := keyFor(in)
		if !ok {
			continue
		}
		if j, dup := seen[k]; dup {
			repl[i] = tir.V(j)
			in.Op, in.Args = tir.OpNop, nil
			continue
		}
		seen[k] = i
	}
	substitute(t, repl)
	return len(repl) > 0
}
