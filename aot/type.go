package aot

import (
	"fmt"
	"strconv"
	"strings"
)

// Type is a first-class value type of the AOT IR.
type Type byte

const (
	Void   Type = iota // no value
	I1                 // boolean
	I8                 // 8-bit integer
	I16                // 16-bit integer
	I32                // 32-bit integer
	I64                // 64-bit integer
	Ptr                // 64-bit pointer
	Float              // IEEE-754 binary32
	Double             // IEEE-754 binary64
)

var typeNames = [...]string{
	Void:   "void",
	I1:     "i1",
	I8:     "i8",
	I16:    "i16",
	I32:    "i32",
	I64:    "i64",
	Ptr:    "ptr",
	Float:  "float",
	Double: "double",
}

func (t Type) String() string {
	if int(t) < len(typeNames) {
		return typeNames[t]
	}
	return fmt.Sprintf("type(%d)", byte(t))
}

// ParseType resolves a scalar type name.
func ParseType(s string) (Type, bool) {
	for i, name := range typeNames {
		if name == s {
			return Type(i), true
		}
	}
	return Void, false
}

// Bits returns the width of the type in bits.
func (t Type) Bits() int {
	switch t {
	case I1:
		return 1
	case I8:
		return 8
	case I16:
		return 16
	case I32, Float:
		return 32
	case I64, Ptr, Double:
		return 64
	}
	return 0
}

// Size returns the number of bytes the type occupies in memory.
func (t Type) Size() int {
	switch t {
	case I1, I8:
		return 1
	case I16:
		return 2
	case I32, Float:
		return 4
	case I64, Ptr, Double:
		return 8
	}
	return 0
}

func (t Type) IsInt() bool   { return t >= I1 && t <= I64 }
func (t Type) IsFloat() bool { return t == Float || t == Double }

// IsIntLike reports whether values of the type are plain bit patterns that
// integer operations may act on (pointers included).
func (t Type) IsIntLike() bool { return t.IsInt() || t == Ptr }

// Mask returns the bit mask of the integer part of the type.
func (t Type) Mask() uint64 {
	b := t.Bits()
	if b >= 64 {
		return ^uint64(0)
	}
	return (uint64(1) << uint(b)) - 1
}

// Trunc clears all bits outside the type's width.
func (t Type) Trunc(v uint64) uint64 { return v & t.Mask() }

// SignExtend interprets the low bits of v as a signed value of type t.
func (t Type) SignExtend(v uint64) int64 {
	b := t.Bits()
	if b == 0 || b >= 64 {
		return int64(v)
	}
	shift := uint(64 - b)
	return int64(v<<shift) >> shift
}

// Agg describes the in-memory shape of an alloca or a global: Count
// elements of Elem. A scalar has Count 1.
type Agg struct {
	Elem  Type
	Count int
}

// Size returns the total size in bytes.
func (a Agg) Size() int { return a.Elem.Size() * a.Count }

func (a Agg) String() string {
	if a.Count == 1 {
		return a.Elem.String()
	}
	return "[" + strconv.Itoa(a.Count) + " x " + a.Elem.String() + "]"
}

// ParseAgg parses either a scalar type or "[N x T]".
func ParseAgg(s string) (Agg, error) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "[") {
		t, ok := ParseType(s)
		if !ok || t == Void {
			return Agg{}, fmt.Errorf("unknown type %q", s)
		}
		return Agg{Elem: t, Count: 1}, nil
	}
	if !strings.HasSuffix(s, "]") {
		return Agg{}, fmt.Errorf("malformed array type %q", s)
	}
	parts := strings.Fields(s[1 : len(s)-1])
	if len(parts) != 3 || parts[1] != "x" {
		return Agg{}, fmt.Errorf("malformed array type %q", s)
	}
	n, err := strconv.Atoi(parts[0])
	if err != nil || n <= 0 {
		return Agg{}, fmt.Errorf("bad array length in %q", s)
	}
	t, ok := ParseType(parts[2])
	if !ok || t == Void {
		return Agg{}, fmt.Errorf("unknown element type in %q", s)
	}
	return Agg{Elem: t, Count: n}, nil
}
