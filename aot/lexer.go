package aot

import (
	"fmt"
	"strconv"
	"strings"
)

type tokKind byte

const (
	tIdent  tokKind = iota // bare word: opcodes, types, labels, keywords
	tLocal                 // %name
	tSym                   // @name
	tNum                   // numeric literal, possibly typed
	tStr                   // quoted string
	tPunct                 // ( ) [ ] { } , : = * + -> ...
)

type token struct {
	kind tokKind
	text string
}

func (t token) String() string {
	if t.kind == tStr {
		return strconv.Quote(t.text)
	}
	return t.text
}

func isWordByte(c byte) bool {
	return c == '_' || c == '.' || c == '$' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

// stripComment removes a trailing ';' comment that is not inside a string.
func stripComment(line string) string {
	inStr := false
	for i := 0; i < len(line); i++ {
		switch c := line[i]; {
		case c == '\\' && inStr:
			i++
		case c == '"':
			inStr = !inStr
		case c == ';' && !inStr:
			return line[:i]
		}
	}
	return line
}

// tokenize splits a comment-free line into tokens.
func tokenize(line string) ([]token, error) {
	var toks []token
	for i := 0; i < len(line); {
		c := line[i]
		switch {
		case c == ' ' || c == '\t' || c == '\r':
			i++
		case c == '%' || c == '@':
			j := i + 1
			for j < len(line) && isWordByte(line[j]) {
				j++
			}
			if j == i+1 {
				return nil, fmt.Errorf("empty name after %q", c)
			}
			kind := tLocal
			if c == '@' {
				kind = tSym
			}
			toks = append(toks, token{kind, line[i+1 : j]})
			i = j
		case isDigit(c) || (c == '-' && i+1 < len(line) && isDigit(line[i+1])):
			j := i + 1
			for j < len(line) {
				if isWordByte(line[j]) {
					j++
					continue
				}
				if (line[j] == '-' || line[j] == '+') && (line[j-1] == 'e' || line[j-1] == 'E') && !strings.HasPrefix(line[i:], "0x") {
					j++
					continue
				}
				break
			}
			toks = append(toks, token{tNum, line[i:j]})
			i = j
		case c == '"':
			j := i + 1
			for j < len(line) && line[j] != '"' {
				if line[j] == '\\' {
					j++
				}
				j++
			}
			if j >= len(line) {
				return nil, fmt.Errorf("unterminated string")
			}
			s, err := strconv.Unquote(line[i : j+1])
			if err != nil {
				return nil, fmt.Errorf("bad string literal: %v", err)
			}
			toks = append(toks, token{tStr, s})
			i = j + 1
		case strings.HasPrefix(line[i:], "->"):
			toks = append(toks, token{tPunct, "->"})
			i += 2
		case strings.HasPrefix(line[i:], "..."):
			toks = append(toks, token{tPunct, "..."})
			i += 3
		case strings.ContainsRune("()[]{},:=*+?", rune(c)):
			toks = append(toks, token{tPunct, string(c)})
			i++
		case isWordByte(c):
			j := i
			for j < len(line) && isWordByte(line[j]) {
				j++
			}
			toks = append(toks, token{tIdent, line[i:j]})
			i = j
		default:
			return nil, fmt.Errorf("unexpected character %q", c)
		}
	}
	return toks, nil
}

var constSuffixes = []string{"double", "float", "i16", "i32", "i64", "i8", "i1"}

// parseConst parses a typed literal such as 5i32, -1i64, 2.5double, 0x1000,
// true, false or null.
func parseConst(tok token) (Const, error) {
	switch tok.text {
	case "true":
		return Const{Ty: I1, Bits: 1}, nil
	case "false":
		return Const{Ty: I1}, nil
	case "null":
		return Const{Ty: Ptr}, nil
	}
	if tok.kind != tNum {
		return Const{}, fmt.Errorf("expected constant, got %v", tok)
	}
	s := tok.text
	if strings.HasPrefix(s, "0x") {
		v, err := strconv.ParseUint(s[2:], 16, 64)
		if err != nil {
			return Const{}, fmt.Errorf("bad pointer literal %q", s)
		}
		return Const{Ty: Ptr, Bits: v}, nil
	}
	for _, suf := range constSuffixes {
		if !strings.HasSuffix(s, suf) {
			continue
		}
		t, _ := ParseType(suf)
		num := strings.TrimSuffix(s, suf)
		if t.IsFloat() {
			f, err := strconv.ParseFloat(num, 64)
			if err != nil {
				return Const{}, fmt.Errorf("bad float literal %q", s)
			}
			return FloatConst(t, f), nil
		}
		v, err := strconv.ParseInt(num, 10, 64)
		if err != nil {
			u, uerr := strconv.ParseUint(num, 10, 64)
			if uerr != nil {
				return Const{}, fmt.Errorf("bad integer literal %q", s)
			}
			v = int64(u)
		}
		return IntConst(t, v), nil
	}
	return Const{}, fmt.Errorf("constant %q lacks a type suffix", s)
}
