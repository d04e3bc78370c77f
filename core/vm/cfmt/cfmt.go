// Package cfmt implements C printf formatting over raw argument words as
// they are passed to variadic externs.
package cfmt

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common/lru"
	"github.com/pkg/errors"
)

// ErrBadFormat is returned for conversions cfmt does not understand.
var ErrBadFormat = errors.New("bad format string")

// ErrMissingArg is returned when the format consumes more arguments than
// were passed.
var ErrMissingArg = errors.New("missing printf argument")

type length byte

const (
	lenDefault length = iota
	lenChar           // hh
	lenShort          // h
	lenLong           // l, ll, j, z, t, L
)

// conv is one parsed conversion; lit is the literal text preceding it.
type conv struct {
	lit   string
	flags string
	width int // -1 none, -2 from argument
	prec  int // -1 none, -2 from argument
	size  length
	conv  byte // 0 for the trailing literal
}

// Format is a parsed format string.
type Format []conv

var formats = lru.NewCache[string, Format](256)

// Parse parses a format string. Results are cached.
func Parse(s string) (Format, error) {
	if f, ok := formats.Get(s); ok {
		return f, nil
	}
	f, err := parse(s)
	if err != nil {
		return nil, err
	}
	formats.Add(s, f)
	return f, nil
}

func parse(s string) (Format, error) {
	var (
		f   Format
		lit strings.Builder
	)
	for i := 0; i < len(s); i++ {
		if s[i] != '%' {
			lit.WriteByte(s[i])
			continue
		}
		i++
		if i < len(s) && s[i] == '%' {
			lit.WriteByte('%')
			continue
		}
		sp := conv{lit: lit.String(), width: -1, prec: -1}
		lit.Reset()

		start := i
		for i < len(s) && strings.IndexByte("-+ #0", s[i]) >= 0 {
			i++
		}
		sp.flags = s[start:i]

		sp.width, i = number(s, i)
		if i < len(s) && s[i] == '.' {
			i++
			sp.prec, i = number(s, i)
			if sp.prec == -1 {
				sp.prec = 0
			}
		}
		for i < len(s) && strings.IndexByte("hljztL", s[i]) >= 0 {
			switch s[i] {
			case 'h':
				if sp.size == lenShort {
					sp.size = lenChar
				} else {
					sp.size = lenShort
				}
			default:
				sp.size = lenLong
			}
			i++
		}
		if i >= len(s) {
			return nil, errors.Wrapf(ErrBadFormat, "%q ends inside a conversion", s)
		}
		switch c := s[i]; c {
		case 'd', 'i', 'u', 'x', 'X', 'o', 'c', 's', 'p', 'f', 'F', 'e', 'E', 'g', 'G':
			sp.conv = c
		default:
			return nil, errors.Wrapf(ErrBadFormat, "unsupported conversion %%%c", c)
		}
		f = append(f, sp)
	}
	if lit.Len() > 0 {
		f = append(f, conv{lit: lit.String()})
	}
	return f, nil
}

// number parses a decimal or '*' at s[i:].
func number(s string, i int) (int, int) {
	if i < len(s) && s[i] == '*' {
		return -2, i + 1
	}
	start := i
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		i++
	}
	if start == i {
		return -1, i
	}
	n, _ := strconv.Atoi(s[start:i])
	return n, i
}

// StringReader resolves a char* argument.
type StringReader func(addr uint64) (string, error)

type argList struct {
	words []uint64
	next  int
}

func (a *argList) pop() (uint64, error) {
	if a.next >= len(a.words) {
		return 0, ErrMissingArg
	}
	v := a.words[a.next]
	a.next++
	return v, nil
}

// Sprint formats args according to f.
func (f Format) Sprint(args []uint64, str StringReader) (string, error) {
	var (
		b  strings.Builder
		al = argList{words: args}
	)
	for _, sp := range f {
		b.WriteString(sp.lit)
		if sp.conv == 0 {
			continue
		}
		flags, width, prec := sp.flags, sp.width, sp.prec
		if width == -2 {
			v, err := al.pop()
			if err != nil {
				return "", err
			}
			if w := int32(v); w < 0 {
				flags += "-"
				width = int(-w)
			} else {
				width = int(w)
			}
		}
		if prec == -2 {
			v, err := al.pop()
			if err != nil {
				return "", err
			}
			if prec = int(int32(v)); prec < 0 {
				prec = -1
			}
		}
		v, err := al.pop()
		if err != nil {
			return "", err
		}
		s, err := sp.render(flags, width, prec, v, str)
		if err != nil {
			return "", err
		}
		b.WriteString(s)
	}
	return b.String(), nil
}

func goVerb(flags string, width, prec int, conv byte) string {
	var b strings.Builder
	b.WriteByte('%')
	b.WriteString(flags)
	if width >= 0 {
		b.WriteString(strconv.Itoa(width))
	}
	if prec >= 0 {
		b.WriteByte('.')
		b.WriteString(strconv.Itoa(prec))
	}
	b.WriteByte(conv)
	return b.String()
}

func (sp *conv) signed(v uint64) int64 {
	switch sp.size {
	case lenChar:
		return int64(int8(v))
	case lenShort:
		return int64(int16(v))
	case lenLong:
		return int64(v)
	}
	return int64(int32(v))
}

func (sp *conv) unsigned(v uint64) uint64 {
	switch sp.size {
	case lenChar:
		return uint64(uint8(v))
	case lenShort:
		return uint64(uint16(v))
	case lenLong:
		return v
	}
	return uint64(uint32(v))
}

func (sp *conv) render(flags string, width, prec int, v uint64, str StringReader) (string, error) {
	switch sp.conv {
	case 'd', 'i':
		return fmt.Sprintf(goVerb(flags, width, prec, 'd'), sp.signed(v)), nil
	case 'u':
		return fmt.Sprintf(goVerb(flags, width, prec, 'd'), sp.unsigned(v)), nil
	case 'x', 'X', 'o':
		return fmt.Sprintf(goVerb(flags, width, prec, sp.conv), sp.unsigned(v)), nil
	case 'c':
		return fmt.Sprintf(goVerb(strings.ReplaceAll(flags, "0", ""), width, -1, 's'), string([]byte{byte(v)})), nil
	case 's':
		s, err := str(v)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf(goVerb(flags, width, prec, 's'), s), nil
	case 'p':
		pf := ""
		if strings.Contains(flags, "-") {
			pf = "-"
		}
		if v == 0 {
			return fmt.Sprintf(goVerb(pf, width, -1, 's'), "(nil)"), nil
		}
		return fmt.Sprintf(goVerb(pf, width, -1, 's'), "0x"+strconv.FormatUint(v, 16)), nil
	}
	// floating point conversions take a double
	x := math.Float64frombits(v)
	if math.IsNaN(x) || math.IsInf(x, 0) {
		s := "inf"
		switch {
		case math.IsNaN(x):
			s = "nan"
		case x < 0:
			s = "-inf"
		case strings.Contains(flags, "+"):
			s = "+inf"
		}
		if sp.conv >= 'A' && sp.conv <= 'Z' {
			s = strings.ToUpper(s)
		}
		return fmt.Sprintf(goVerb(strings.ReplaceAll(flags, "0", ""), width, -1, 's'), s), nil
	}
	conv := sp.conv
	if conv == 'F' {
		conv = 'f'
	}
	if prec < 0 {
		prec = 6
	}
	if (conv == 'g' || conv == 'G') && prec == 0 {
		prec = 1
	}
	return fmt.Sprintf(goVerb(flags, width, prec, conv), x), nil
}

// Sprintf parses format and formats args with it.
func Sprintf(format string, args []uint64, str StringReader) (string, error) {
	f, err := Parse(format)
	if err != nil {
		return "", err
	}
	return f.Sprint(args, str)
}
