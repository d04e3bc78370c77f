// Package aot defines the ahead-of-time IR that the baseline interpreter
// executes and the tracer replays: SSA functions made of basic blocks,
// typed instructions, globals and externally provided functions.
package aot

import (
	"math"
	"strconv"
)

// Const is a typed immediate. Integers are stored truncated to their width,
// floats as their IEEE bit pattern.
type Const struct {
	Ty   Type
	Bits uint64
}

// IntConst returns an integer (or pointer) constant of type t.
func IntConst(t Type, v int64) Const { return Const{Ty: t, Bits: t.Trunc(uint64(v))} }

// FloatConst returns a float or double constant.
func FloatConst(t Type, v float64) Const {
	if t == Float {
		return Const{Ty: t, Bits: uint64(math.Float32bits(float32(v)))}
	}
	return Const{Ty: Double, Bits: math.Float64bits(v)}
}

// Float returns the floating point value of a float constant.
func (c Const) Float() float64 {
	if c.Ty == Float {
		return float64(math.Float32frombits(uint32(c.Bits)))
	}
	return math.Float64frombits(c.Bits)
}

func (c Const) String() string {
	switch {
	case c.Ty == Ptr:
		if c.Bits == 0 {
			return "null"
		}
		return "0x" + strconv.FormatUint(c.Bits, 16)
	case c.Ty.IsFloat():
		s := strconv.FormatFloat(c.Float(), 'g', -1, 64)
		if !containsAny(s, ".eEnN") {
			s += ".0"
		}
		return s + c.Ty.String()
	case c.Ty == I1:
		return strconv.FormatUint(c.Bits, 10) + "i1"
	default:
		return strconv.FormatInt(c.Ty.SignExtend(c.Bits), 10) + c.Ty.String()
	}
}

func containsAny(s, chars string) bool {
	for i := 0; i < len(s); i++ {
		for j := 0; j < len(chars); j++ {
			if s[i] == chars[j] {
				return true
			}
		}
	}
	return false
}

// OperandKind discriminates the Operand union.
type OperandKind byte

const (
	OpdLocal  OperandKind = iota // result of an instruction in the same function
	OpdArg                       // function argument
	OpdConst                     // immediate
	OpdGlobal                    // address of a global
	OpdFunc                      // address of a function
)

// Operand is an instruction input.
type Operand struct {
	Kind  OperandKind
	Index int // local id, argument index, global index or function index
	Const Const
}

func Local(id int) Operand { return Operand{Kind: OpdLocal, Index: id} }
func Arg(i int) Operand { return Operand{Kind: OpdArg, Index: i} }
func Imm(c Const) Operand { return Operand{Kind: OpdConst, Const: c} }
func GlobalAddr(idx int) Operand { return Operand{Kind: OpdGlobal, Index: idx} }
func FuncAddr(idx int) Operand { return Operand{Kind: OpdFunc, Index: idx} }
func IntImm(t Type, v int64) Operand { return Imm(IntConst(t, v)) }

// DynOffset is one "(%i * scale)" term of a ptr_add.
type DynOffset struct {
	Index Operand
	Scale int64
}

// Inst is a single AOT instruction. Only the fields relevant to Op are set.
type Inst struct {
	Op   Opcode
	Ty   Type // result type, Void when the instruction defines nothing
	ID   int  // function-local slot of the result
	Args []Operand

	Pred    Pred        // OpCmp
	Off     int64       // OpPtrAdd constant part
	Dyn     []DynOffset // OpPtrAdd dynamic part
	Alloc   Agg         // OpAlloca
	Callee  int         // OpCall: function index
	Preds   []int       // OpPhi: incoming block per Args entry
	Targets []int       // OpBr, OpCondBr: successor blocks

	// position, filled by Func.Finalize
	BB  int
	Idx int
}

// Defines reports whether the instruction produces a value.
func (in *Inst) Defines() bool { return in.Ty != Void }

// Block is a basic block. The last instruction is its terminator.
type Block struct {
	Insts []*Inst
}

// Terminator returns the last instruction of the block.
func (b *Block) Terminator() *Inst {
	if len(b.Insts) == 0 {
		return nil
	}
	return b.Insts[len(b.Insts)-1]
}

// Attr is a set of function attributes.
type Attr uint8

const (
	AttrOutline  Attr = 1 << iota // never trace through; calls are opaque
	AttrNoInline                  // accepted for compatibility, no tracing effect
)

// Func is either a function with IR or an extern provided by the runtime.
type Func struct {
	Name     string
	Index    int
	Params   []Type
	Ret      Type
	Variadic bool
	Attrs    Attr
	Extern   bool
	Blocks   []*Block

	// ParamNames are the names used in textual form; optional.
	ParamNames []string

	numLocals int
	insts     []*Inst
}

// HasIR reports whether the function body is available to the tracer.
func (f *Func) HasIR() bool { return !f.Extern }

// IsOutline reports whether calls to f must not be traced through.
func (f *Func) IsOutline() bool { return f.Attrs&AttrOutline != 0 }

// NumLocals is the number of value slots a frame of f needs.
func (f *Func) NumLocals() int { return f.numLocals }

// Inst returns the instruction whose result lives in slot id.
func (f *Func) Inst(id int) *Inst { return f.insts[id] }

// Finalize numbers the instructions of f and records their positions.
// It must be called after the body is complete and before execution.
func (f *Func) Finalize() {
	f.insts = f.insts[:0]
	for bbi, bb := range f.Blocks {
		for i, in := range bb.Insts {
			in.BB, in.Idx = bbi, i
			in.ID = len(f.insts)
			f.insts = append(f.insts, in)
		}
	}
	f.numLocals = len(f.insts)
}

// Global is a module-level variable. Extern globals are supplied by the
// runtime (for example the stdio streams).
type Global struct {
	Name   string
	Index  int
	Shape  Agg
	Init   []byte // nil means zero initialised
	Str    bool   // initialised from a string literal
	Extern bool
}

// Module is a complete AOT program.
type Module struct {
	Globals []*Global
	Funcs   []*Func

	globalIdx map[string]int
	funcIdx   map[string]int
}

// NewModule returns an empty module.
func NewModule() *Module {
	return &Module{globalIdx: make(map[string]int), funcIdx: make(map[string]int)}
}

// Func looks up a function or extern by name.
func (m *Module) Func(name string) *Func {
	if i, ok := m.funcIdx[name]; ok {
		return m.Funcs[i]
	}
	return nil
}

// Global looks up a global by name.
func (m *Module) Global(name string) *Global {
	if i, ok := m.globalIdx[name]; ok {
		return m.Globals[i]
	}
	return nil
}

// AddFunc appends f to the module and assigns its index.
func (m *Module) AddFunc(f *Func) *Func {
	f.Index = len(m.Funcs)
	m.Funcs = append(m.Funcs, f)
	m.funcIdx[f.Name] = f.Index
	return f
}

// AddGlobal appends g to the module and assigns its index.
func (m *Module) AddGlobal(g *Global) *Global {
	g.Index = len(m.Globals)
	m.Globals = append(m.Globals, g)
	m.globalIdx[g.Name] = g.Index
	return g
}

// OperandType returns the type of op when used inside f.
func (m *Module) OperandType(f *Func, op Operand) Type {
	switch op.Kind {
	case OpdLocal:
		return f.Inst(op.Index).Ty
	case OpdArg:
		return f.Params[op.Index]
	case OpdConst:
		return op.Const.Ty
	default:
		return Ptr
	}
}
