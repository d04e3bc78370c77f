package aot

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
)

// LocalName returns the canonical textual name of the value in slot id.
func (f *Func) LocalName(id int) string {
	in := f.Inst(id)
	return fmt.Sprintf("%%%d_%d", in.BB, in.Idx)
}

// FormatOperand renders an operand as it appears inside f.
func (m *Module) FormatOperand(f *Func, op Operand) string {
	switch op.Kind {
	case OpdLocal:
		return f.LocalName(op.Index)
	case OpdArg:
		return "%arg" + strconv.Itoa(op.Index)
	case OpdConst:
		return op.Const.String()
	case OpdGlobal:
		return "@" + m.Globals[op.Index].Name
	case OpdFunc:
		return "@" + m.Funcs[op.Index].Name
	}
	return "?"
}

func (m *Module) formatArgs(f *Func, ops []Operand) string {
	parts := make([]string, len(ops))
	for i, op := range ops {
		parts[i] = m.FormatOperand(f, op)
	}
	return strings.Join(parts, ", ")
}

// FormatInst renders a single instruction of f.
func (m *Module) FormatInst(f *Func, in *Inst) string {
	var b strings.Builder
	if in.Defines() {
		fmt.Fprintf(&b, "%s: %s = ", f.LocalName(in.ID), in.Ty)
	}
	opd := func(i int) string { return m.FormatOperand(f, in.Args[i]) }
	switch {
	case in.Op.IsBinary():
		fmt.Fprintf(&b, "%s %s, %s", in.Op, opd(0), opd(1))
	case in.Op == OpCmp:
		fmt.Fprintf(&b, "%s %s, %s", in.Pred, opd(0), opd(1))
	case in.Op.IsCast(), in.Op == OpLoad, in.Op == OpPromote, in.Op == OpControlPoint:
		fmt.Fprintf(&b, "%s %s", in.Op, opd(0))
	case in.Op == OpStore:
		fmt.Fprintf(&b, "store %s, %s", opd(0), opd(1))
	case in.Op == OpAlloca:
		fmt.Fprintf(&b, "alloca %s", in.Alloc)
	case in.Op == OpPtrAdd:
		fmt.Fprintf(&b, "ptr_add %s, %d", opd(0), in.Off)
		for _, d := range in.Dyn {
			fmt.Fprintf(&b, " + (%s * %d)", m.FormatOperand(f, d.Index), d.Scale)
		}
	case in.Op == OpSelect:
		fmt.Fprintf(&b, "select %s, %s, %s", opd(0), opd(1), opd(2))
	case in.Op == OpCall:
		fmt.Fprintf(&b, "call @%s(%s)", m.Funcs[in.Callee].Name, m.formatArgs(f, in.Args))
	case in.Op == OpICall:
		fmt.Fprintf(&b, "icall %s(%s)", opd(0), m.formatArgs(f, in.Args[1:]))
	case in.Op == OpPhi:
		b.WriteString("phi ")
		for i := range in.Args {
			if i > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "bb%d: %s", in.Preds[i], opd(i))
		}
	case in.Op == OpBr:
		fmt.Fprintf(&b, "br bb%d", in.Targets[0])
	case in.Op == OpCondBr:
		fmt.Fprintf(&b, "condbr %s, bb%d, bb%d", opd(0), in.Targets[0], in.Targets[1])
	case in.Op == OpRet:
		if len(in.Args) == 0 {
			b.WriteString("ret")
		} else {
			fmt.Fprintf(&b, "ret %s", opd(0))
		}
	default:
		b.WriteString(in.Op.String())
	}
	return b.String()
}

func formatSig(params []Type, named bool, variadic bool) string {
	parts := make([]string, 0, len(params)+1)
	for i, t := range params {
		if named {
			parts = append(parts, fmt.Sprintf("%%arg%d: %s", i, t))
		} else {
			parts = append(parts, t.String())
		}
	}
	if variadic {
		parts = append(parts, "...")
	}
	return "(" + strings.Join(parts, ", ") + ")"
}

func formatElem(t Type, raw []byte) string {
	var v uint64
	switch t.Size() {
	case 1:
		v = uint64(raw[0])
	case 2:
		v = uint64(binary.LittleEndian.Uint16(raw))
	case 4:
		v = uint64(binary.LittleEndian.Uint32(raw))
	case 8:
		v = binary.LittleEndian.Uint64(raw)
	}
	switch {
	case t == Float:
		return strconv.FormatFloat(float64(math.Float32frombits(uint32(v))), 'g', -1, 32)
	case t == Double:
		return strconv.FormatFloat(math.Float64frombits(v), 'g', -1, 64)
	case t == Ptr:
		return "0x" + strconv.FormatUint(v, 16)
	}
	return strconv.FormatInt(t.SignExtend(v), 10)
}

func (g *Global) String() string {
	switch {
	case g.Extern:
		return fmt.Sprintf("extern global @%s: %s", g.Name, g.Shape)
	case g.Str:
		return fmt.Sprintf("global @%s = %s", g.Name, strconv.Quote(string(g.Init[:len(g.Init)-1])))
	case g.Init == nil:
		return fmt.Sprintf("global @%s: %s", g.Name, g.Shape)
	}
	sz := g.Shape.Elem.Size()
	elems := make([]string, g.Shape.Count)
	for i := range elems {
		elems[i] = formatElem(g.Shape.Elem, g.Init[i*sz:(i+1)*sz])
	}
	if g.Shape.Count == 1 {
		return fmt.Sprintf("global @%s: %s = %s", g.Name, g.Shape, elems[0])
	}
	return fmt.Sprintf("global @%s: %s = [%s]", g.Name, g.Shape, strings.Join(elems, ", "))
}

// WriteFunc writes the textual form of a single function.
func (m *Module) WriteFunc(w io.Writer, f *Func) {
	if f.Extern {
		fmt.Fprintf(w, "extern @%s%s -> %s\n", f.Name, formatSig(f.Params, false, f.Variadic), f.Ret)
		return
	}
	attrs := ""
	if f.Attrs&AttrOutline != 0 {
		attrs += " outline"
	}
	if f.Attrs&AttrNoInline != 0 {
		attrs += " noinline"
	}
	fmt.Fprintf(w, "func @%s%s -> %s%s {\n", f.Name, formatSig(f.Params, true, f.Variadic), f.Ret, attrs)
	for bbi, bb := range f.Blocks {
		fmt.Fprintf(w, "bb%d:\n", bbi)
		for _, in := range bb.Insts {
			fmt.Fprintf(w, "  %s\n", m.FormatInst(f, in))
		}
	}
	fmt.Fprintln(w, "}")
}

// Write writes the textual form of the whole module. The output parses
// back into an equivalent module.
func (m *Module) Write(w io.Writer) {
	for _, g := range m.Globals {
		fmt.Fprintln(w, g.String())
	}
	for _, f := range m.Funcs {
		if len(m.Globals) > 0 || f.Index > 0 {
			fmt.Fprintln(w)
		}
		m.WriteFunc(w, f)
	}
}

func (m *Module) String() string {
	var b strings.Builder
	m.Write(&b)
	return b.String()
}
