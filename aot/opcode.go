package aot

import "fmt"

// Opcode identifies an AOT instruction.
type Opcode byte

const (
	OpNop Opcode = iota

	// integer and float arithmetic: %r = op a, b
	OpAdd
	OpSub
	OpMul
	OpSDiv
	OpUDiv
	OpSRem
	OpURem
	OpAnd
	OpOr
	OpXor
	OpShl
	OpLShr
	OpAShr
	OpFAdd
	OpFSub
	OpFMul
	OpFDiv

	OpCmp // %r: i1 = <pred> a, b

	OpLoad    // %r = load p
	OpStore   // store v, p
	OpAlloca  // %r: ptr = alloca T
	OpPtrAdd  // %r: ptr = ptr_add p, C + (%i * S)...
	OpZExt    // casts: %r: T = op v
	OpSExt
	OpTrunc
	OpSIToFP
	OpUIToFP
	OpFPToSI
	OpFPExt
	OpFPTrunc
	OpPtrToInt
	OpIntToPtr
	OpBitcast

	OpSelect       // %r = select c, a, b
	OpCall         // [%r =] call @f(args)
	OpICall        // [%r =] icall %fp(args)
	OpPhi          // %r = phi bbN: v, ...
	OpPromote      // %r = promote v
	OpControlPoint // control_point %loc

	// terminators
	OpBr
	OpCondBr
	OpRet
	OpUnreachable
)

var opcodeNames = map[Opcode]string{
	OpNop:          "nop",
	OpAdd:          "add",
	OpSub:          "sub",
	OpMul:          "mul",
	OpSDiv:         "sdiv",
	OpUDiv:         "udiv",
	OpSRem:         "srem",
	OpURem:         "urem",
	OpAnd:          "and",
	OpOr:           "or",
	OpXor:          "xor",
	OpShl:          "shl",
	OpLShr:         "lshr",
	OpAShr:         "ashr",
	OpFAdd:         "fadd",
	OpFSub:         "fsub",
	OpFMul:         "fmul",
	OpFDiv:         "fdiv",
	OpCmp:          "cmp",
	OpLoad:         "load",
	OpStore:        "store",
	OpAlloca:       "alloca",
	OpPtrAdd:       "ptr_add",
	OpZExt:         "zext",
	OpSExt:         "sext",
	OpTrunc:        "trunc",
	OpSIToFP:       "si_to_fp",
	OpUIToFP:       "ui_to_fp",
	OpFPToSI:       "fp_to_si",
	OpFPExt:        "fp_ext",
	OpFPTrunc:      "fp_trunc",
	OpPtrToInt:     "ptr_to_int",
	OpIntToPtr:     "int_to_ptr",
	OpBitcast:      "bitcast",
	OpSelect:       "select",
	OpCall:         "call",
	OpICall:        "icall",
	OpPhi:          "phi",
	OpPromote:      "promote",
	OpControlPoint: "control_point",
	OpBr:           "br",
	OpCondBr:       "condbr",
	OpRet:          "ret",
	OpUnreachable:  "unreachable",
}

var opcodeByName map[string]Opcode

func init() {
	opcodeByName = make(map[string]Opcode, len(opcodeNames))
	for op, name := range opcodeNames {
		if op != OpCmp {
			opcodeByName[name] = op
		}
	}
}

func (op Opcode) String() string {
	if s, ok := opcodeNames[op]; ok {
		return s
	}
	return fmt.Sprintf("opcode(%d)", byte(op))
}

// IsBinary reports whether op is a two-operand arithmetic instruction.
func (op Opcode) IsBinary() bool { return op >= OpAdd && op <= OpFDiv }

// IsFloatBinary reports whether op is float arithmetic.
func (op Opcode) IsFloatBinary() bool { return op >= OpFAdd && op <= OpFDiv }

// IsCast reports whether op converts a single value between types.
func (op Opcode) IsCast() bool { return op >= OpZExt && op <= OpBitcast }

// IsTerminator reports whether op ends a basic block.
func (op Opcode) IsTerminator() bool { return op >= OpBr && op <= OpUnreachable }

// Pred is a comparison predicate.
type Pred byte

const (
	PredEq Pred = iota
	PredNe
	PredUGt
	PredUGe
	PredULt
	PredULe
	PredSGt
	PredSGe
	PredSLt
	PredSLe
	PredFEq
	PredFNe
	PredFGt
	PredFGe
	PredFLt
	PredFLe
)

var predNames = [...]string{
	PredEq:  "eq",
	PredNe:  "ne",
	PredUGt: "ugt",
	PredUGe: "uge",
	PredULt: "ult",
	PredULe: "ule",
	PredSGt: "sgt",
	PredSGe: "sge",
	PredSLt: "slt",
	PredSLe: "sle",
	PredFEq: "f_eq",
	PredFNe: "f_ne",
	PredFGt: "f_gt",
	PredFGe: "f_ge",
	PredFLt: "f_lt",
	PredFLe: "f_le",
}

func (p Pred) String() string {
	if int(p) < len(predNames) {
		return predNames[p]
	}
	return fmt.Sprintf("pred(%d)", byte(p))
}

// IsFloat reports whether the predicate compares floating point values.
func (p Pred) IsFloat() bool { return p >= PredFEq }

// ParsePred resolves a predicate mnemonic.
func ParsePred(s string) (Pred, bool) {
	for i, name := range predNames {
		if name == s {
			return Pred(i), true
		}
	}
	return 0, false
}
