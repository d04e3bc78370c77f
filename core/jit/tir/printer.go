package tir

import (
	"fmt"
	"io"
	"strings"
)

func (t *Trace) joinOperands(ops []Operand) string {
	parts := make([]string, len(ops))
	for i, o := range ops {
		parts[i] = o.String()
	}
	return strings.Join(parts, ", ")
}

func (t *Trace) funcName(idx int) string {
	if t.Mod != nil && idx >= 0 && idx < len(t.Mod.Funcs) {
		return t.Mod.Funcs[idx].Name
	}
	return fmt.Sprintf("f%d", idx)
}

func (t *Trace) globalName(idx int) string {
	if t.Mod != nil && idx >= 0 && idx < len(t.Mod.Globals) {
		return t.Mod.Globals[idx].Name
	}
	return fmt.Sprintf("g%d", idx)
}

// FormatGuardFrames renders the resume positions of a guard, outermost first.
func (t *Trace) FormatGuardFrames(g *Guard) string {
	if g == nil {
		return "[]"
	}
	parts := make([]string, len(g.Frames))
	for i, fr := range g.Frames {
		parts[i] = fmt.Sprintf("%s:bb%d:%d", t.funcName(fr.Func), fr.BB, fr.Inst)
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

// FormatInst renders the instruction with index i.
func (t *Trace) FormatInst(i int) string {
	in := t.Insts[i]
	lhs := ""
	if in.Ty.Bits() > 0 {
		lhs = fmt.Sprintf("%%%d: %s = ", i, in.Ty)
	}
	a := func(k int) string { return in.Args[k].String() }
	switch in.Op {
	case OpParam:
		return fmt.Sprintf("%sparam %d", lhs, in.Imm)
	case OpBinary, OpCast:
		if in.Op == OpBinary {
			return fmt.Sprintf("%s%s %s, %s", lhs, in.Bin, a(0), a(1))
		}
		return fmt.Sprintf("%s%s %s", lhs, in.Bin, a(0))
	case OpCmp:
		return fmt.Sprintf("%s%s %s, %s", lhs, in.Pred, a(0), a(1))
	case OpLoad:
		return fmt.Sprintf("%sload %s", lhs, a(0))
	case OpStore:
		return fmt.Sprintf("*%s = %s", a(1), a(0))
	case OpAlloca:
		return fmt.Sprintf("%salloca %d", lhs, in.Imm)
	case OpPtrAdd:
		return fmt.Sprintf("%sptr_add %s, %d", lhs, a(0), in.Imm)
	case OpDynPtrAdd:
		return fmt.Sprintf("%sdyn_ptr_add %s, %s, %d", lhs, a(0), a(1), in.Imm)
	case OpLookupGlobal:
		return fmt.Sprintf("%slookup_global @%s", lhs, t.globalName(in.Sym))
	case OpSelect:
		return fmt.Sprintf("%s%s ? %s : %s", lhs, a(0), a(1), a(2))
	case OpCall:
		return fmt.Sprintf("%scall @%s(%s)", lhs, t.funcName(in.Sym), t.joinOperands(in.Args))
	case OpICall:
		return fmt.Sprintf("%sicall %s(%s)", lhs, a(0), t.joinOperands(in.Args[1:]))
	case OpGuard:
		return fmt.Sprintf("guard %t, %s, %s", in.Expect, a(0), t.FormatGuardFrames(in.Guard))
	case OpStackSave:
		return lhs + "stack_save"
	case OpStackRestore:
		return "stack_restore " + a(0)
	}
	return in.Op.String()
}

// Write prints the trace in its textual form. A side trace has no loop
// header; it ends with the frames its exit rebuilds.
func (t *Trace) Write(w io.Writer) {
	params := make([]Operand, t.NumParams())
	for i := range params {
		params[i] = V(i)
		fmt.Fprintln(w, t.FormatInst(i))
	}
	if !t.IsSide() {
		fmt.Fprintf(w, "header_start [%s]\n", t.joinOperands(params))
	}
	for i := t.NumParams(); i < len(t.Insts); i++ {
		if t.Insts[i].Op == OpNop {
			continue
		}
		fmt.Fprintln(w, t.FormatInst(i))
	}
	if t.IsSide() {
		fmt.Fprintf(w, "exit %s\n", t.FormatGuardFrames(t.Exit))
		return
	}
	fmt.Fprintf(w, "header_end [%s]\n", t.joinOperands(t.Loop))
}

func (t *Trace) String() string {
	var b strings.Builder
	t.Write(&b)
	return b.String()
}
