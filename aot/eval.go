package aot

import (
	"math"

	"github.com/pkg/errors"
)

// ErrDivByZero is returned for integer division or remainder by zero.
var ErrDivByZero = errors.New("integer division by zero")

// The evaluation helpers below define the value semantics shared by the
// interpreter, the optimiser's constant folder and compiled traces. Values
// are raw bit patterns: integers truncated to their width, floats as IEEE
// bits in the low bits of the word.

func toFloat(t Type, v uint64) float64 {
	if t == Float {
		return float64(math.Float32frombits(uint32(v)))
	}
	return math.Float64frombits(v)
}

func fromFloat(t Type, f float64) uint64 {
	if t == Float {
		return uint64(math.Float32bits(float32(f)))
	}
	return math.Float64bits(f)
}

// EvalBinary computes a op b for values of type t.
func EvalBinary(op Opcode, t Type, a, b uint64) (uint64, error) {
	if op.IsFloatBinary() {
		x, y := toFloat(t, a), toFloat(t, b)
		var r float64
		switch op {
		case OpFAdd:
			r = x + y
		case OpFSub:
			r = x - y
		case OpFMul:
			r = x * y
		case OpFDiv:
			r = x / y
		}
		return fromFloat(t, r), nil
	}
	a, b = t.Trunc(a), t.Trunc(b)
	bits := uint64(t.Bits())
	var r uint64
	switch op {
	case OpAdd:
		r = a + b
	case OpSub:
		r = a - b
	case OpMul:
		r = a * b
	case OpUDiv:
		if b == 0 {
			return 0, ErrDivByZero
		}
		r = a / b
	case OpURem:
		if b == 0 {
			return 0, ErrDivByZero
		}
		r = a % b
	case OpSDiv:
		if b == 0 {
			return 0, ErrDivByZero
		}
		r = uint64(t.SignExtend(a) / t.SignExtend(b))
	case OpSRem:
		if b == 0 {
			return 0, ErrDivByZero
		}
		r = uint64(t.SignExtend(a) % t.SignExtend(b))
	case OpAnd:
		r = a & b
	case OpOr:
		r = a | b
	case OpXor:
		r = a ^ b
	case OpShl:
		if b >= bits {
			r = 0
		} else {
			r = a << b
		}
	case OpLShr:
		if b >= bits {
			r = 0
		} else {
			r = a >> b
		}
	case OpAShr:
		s := b
		if s >= bits {
			s = bits - 1
		}
		r = uint64(t.SignExtend(a) >> s)
	default:
		return 0, errors.Errorf("not a binary opcode: %v", op)
	}
	return t.Trunc(r), nil
}

// EvalCmp evaluates a comparison of two values of type t.
func EvalCmp(p Pred, t Type, a, b uint64) bool {
	if p.IsFloat() {
		x, y := toFloat(t, a), toFloat(t, b)
		switch p {
		case PredFEq:
			return x == y
		case PredFNe:
			return x != y
		case PredFGt:
			return x > y
		case PredFGe:
			return x >= y
		case PredFLt:
			return x < y
		case PredFLe:
			return x <= y
		}
		return false
	}
	a, b = t.Trunc(a), t.Trunc(b)
	switch p {
	case PredEq:
		return a == b
	case PredNe:
		return a != b
	case PredUGt:
		return a > b
	case PredUGe:
		return a >= b
	case PredULt:
		return a < b
	case PredULe:
		return a <= b
	case PredSGt:
		return t.SignExtend(a) > t.SignExtend(b)
	case PredSGe:
		return t.SignExtend(a) >= t.SignExtend(b)
	case PredSLt:
		return t.SignExtend(a) < t.SignExtend(b)
	case PredSLe:
		return t.SignExtend(a) <= t.SignExtend(b)
	}
	return false
}

// EvalCast converts v from type from to type to.
func EvalCast(op Opcode, from, to Type, v uint64) uint64 {
	switch op {
	case OpZExt, OpIntToPtr, OpPtrToInt:
		return to.Trunc(from.Trunc(v))
	case OpSExt:
		return to.Trunc(uint64(from.SignExtend(v)))
	case OpTrunc:
		return to.Trunc(v)
	case OpSIToFP:
		return fromFloat(to, float64(from.SignExtend(v)))
	case OpUIToFP:
		return fromFloat(to, float64(from.Trunc(v)))
	case OpFPToSI:
		return to.Trunc(uint64(int64(toFloat(from, v))))
	case OpFPExt, OpFPTrunc:
		return fromFloat(to, toFloat(from, v))
	case OpBitcast:
		return to.Trunc(v)
	}
	return v
}

// Bool converts a Go boolean to an i1 value.
func Bool(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}
