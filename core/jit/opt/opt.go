// Package opt optimises trace IR in place: constant folding and instruction
// combining, common subexpression elimination and dead code elimination,
// iterated towards a fixed point.
package opt

import (
	"github.com/tracejit/tracejit/core/jit/tir"
)

// DefaultMaxIterations bounds the fixed point iteration.
const DefaultMaxIterations = 8

// Config selects the passes to run.
type Config struct {
	MaxIterations int
	NoFold        bool
	NoCSE         bool
	NoDCE         bool
}

// Result summarises an optimisation run.
type Result struct {
	Iterations int
	// FixedPoint is false when MaxIterations was reached while passes were
	// still making progress. The trace is valid either way.
	FixedPoint bool
	Removed    int
}

// Optimize rewrites t and compacts it. Calls, stores, loads, allocas and
// guards on non-constant conditions are never removed or reordered.
func Optimize(t *tir.Trace, cfg Config) Result {
	limit := cfg.MaxIterations
	if limit <= 0 {
		limit = DefaultMaxIterations
	}
	before := len(t.Insts)
	res := Result{}
	for res.Iterations < limit {
		res.Iterations++
		changed := false
		if !cfg.NoFold && fold(t) {
			changed = true
		}
		if !cfg.NoCSE && cse(t) {
			changed = true
		}
		if !cfg.NoDCE && dce(t) {
			changed = true
		}
		if !changed {
			res.FixedPoint = true
			break
		}
	}
	compact(t)
	res.Removed = before - len(t.Insts)
	return res
}

// substitute rewrites operands through repl, following chains.
func substitute(t *tir.Trace, repl map[int]tir.Operand) {
	if len(repl) == 0 {
		return
	}
	resolve := func(o *tir.Operand) {
		for !o.IsConst {
			r, ok := repl[o.Var]
			if !ok {
				return
			}
			*o = r
		}
	}
	for _, in := range t.Insts {
		in.Uses(resolve)
	}
	t.Roots(resolve)
}

// compact drops removed instructions and renumbers the rest.
func compact(t *tir.Trace) {
	remap := make([]int, len(t.Insts))
	kept := t.Insts[:0]
	for i, in := range t.Insts {
		if in.Op == tir.OpNop {
			remap[i] = -1
			continue
		}
		remap[i] = len(kept)
		kept = append(kept, in)
	}
	t.Insts = kept
	fix := func(o *tir.Operand) {
		if !o.IsConst {
			o.Var = remap[o.Var]
		}
	}
	for _, in := range t.Insts {
		in.Uses(fix)
	}
	t.Roots(fix)
}

func isZero(o tir.Operand) bool { return o.IsConst && o.Const.Bits == 0 }

func isOne(o tir.Operand) bool { return o.IsConst && o.Const.Bits == 1 }
