// Package fixture loads end-to-end test programs and checks their output.
//
// A fixture is an AOT source file whose leading ";;" comment lines describe
// how to run it and what it must print:
//
//	;; Run-time:
//	;;   env-var: TRACEJIT_HOT_THRESHOLD=0
//	;;   exit-code: 0
//	;;   stderr:
//	;;     jit-event: start-tracing
//	;;     ...
//	;;   stdout:
//	;;     4
//
// In expected output a line consisting of "..." matches any number of
// lines, "..." inside a line matches any text, and {{name}} matches text
// that must be identical at every use of name.
package fixture

import (
	"bufio"
	"bytes"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/kylelemons/godebug/diff"
	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
)

// ErrMismatch is returned when output does not match a pattern.
var ErrMismatch = errors.New("output mismatch")

// Env is an ordered list of KEY=VALUE settings.
type Env [][2]string

// Lookup returns the value of key.
func (e Env) Lookup(key string) (string, bool) {
	for _, kv := range e {
		if kv[0] == key {
			return kv[1], true
		}
	}
	return "", false
}

// Fixture is one parsed test program.
type Fixture struct {
	Name     string
	Src      []byte
	Env      Env
	ExitCode int
	Stdout   *Pattern // nil when not checked
	Stderr   *Pattern
}

// Load reads the fixture at path.
func Load(path string) (*Fixture, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	f, err := Parse(src)
	if err != nil {
		return nil, errors.Wrap(err, path)
	}
	f.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	return f, nil
}

// Parse extracts the expectations of a fixture from its source.
func Parse(src []byte) (*Fixture, error) {
	f := &Fixture{Src: src}
	var (
		header []string
		sc     = bufio.NewScanner(bytes.NewReader(src))
	)
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, ";;") {
			break
		}
		header = append(header, strings.TrimPrefix(strings.TrimPrefix(line, ";;"), " "))
	}
	if len(header) == 0 || strings.TrimSpace(header[0]) != "Run-time:" {
		return nil, errors.New("fixture does not start with a Run-time: header")
	}
	var (
		section *[]string
		stdout  []string
		stderr  []string
		hasOut  bool
		hasErr  bool
	)
	for _, line := range header[1:] {
		if section != nil && strings.HasPrefix(line, "    ") {
			*section = append(*section, line[4:])
			continue
		}
		key, val, _ := strings.Cut(strings.TrimSpace(line), ":")
		val = strings.TrimSpace(val)
		section = nil
		switch key {
		case "env-var":
			k, v, ok := strings.Cut(val, "=")
			if !ok {
				return nil, errors.Errorf("bad env-var %q", val)
			}
			f.Env = append(f.Env, [2]string{k, v})
		case "exit-code":
			n, err := strconv.Atoi(val)
			if err != nil {
				return nil, errors.Wrap(err, "exit-code")
			}
			f.ExitCode = n
		case "stdout":
			section, hasOut = &stdout, true
		case "stderr":
			section, hasErr = &stderr, true
		case "":
		default:
			return nil, errors.Errorf("unknown fixture key %q", key)
		}
	}
	var err error
	if hasOut {
		if f.Stdout, err = Compile(stdout); err != nil {
			return nil, errors.Wrap(err, "stdout")
		}
	}
	if hasErr {
		if f.Stderr, err = Compile(stderr); err != nil {
			return nil, errors.Wrap(err, "stderr")
		}
	}
	return f, nil
}

type patLine struct {
	text  string
	any   bool // "..." on its own
	re    *regexp.Regexp
	names []string
}

// Pattern matches program output line by line.
type Pattern struct {
	lines []patLine
}

var placeholder = regexp.MustCompile(`\.\.\.|\{\{[A-Za-z0-9_]+\}\}`)

// Compile builds a pattern from its lines.
func Compile(lines []string) (*Pattern, error) {
	p := &Pattern{lines: make([]patLine, len(lines))}
	for i, l := range lines {
		pl := patLine{text: l}
		if strings.TrimSpace(l) == "..." {
			pl.any = true
			p.lines[i] = pl
			continue
		}
		var (
			expr strings.Builder
			last int
		)
		expr.WriteByte('^')
		for _, m := range placeholder.FindAllStringIndex(l, -1) {
			expr.WriteString(regexp.QuoteMeta(l[last:m[0]]))
			if tok := l[m[0]:m[1]]; tok == "..." {
				expr.WriteString(".*?")
			} else {
				pl.names = append(pl.names, tok[2:len(tok)-2])
				expr.WriteString("(.+?)")
			}
			last = m[1]
		}
		expr.WriteString(regexp.QuoteMeta(l[last:]))
		expr.WriteByte('$')
		re, err := regexp.Compile(expr.String())
		if err != nil {
			return nil, err
		}
		pl.re = re
		p.lines[i] = pl
	}
	return p, nil
}

// String returns the pattern as written.
func (p *Pattern) String() string {
	texts := make([]string, len(p.lines))
	for i, l := range p.lines {
		texts[i] = l.text
	}
	return strings.Join(texts, "\n")
}

func splitLines(s string) []string {
	s = strings.TrimSuffix(s, "\n")
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}

// Match checks out against p and returns the bound names on success. The
// error on failure carries a diff of the pattern against out.
func (p *Pattern) Match(out string) (map[string]string, error) {
	text := splitLines(out)
	if binds, ok := p.match(0, text, map[string]string{}); ok {
		return binds, nil
	}
	return nil, errors.Wrapf(ErrMismatch, "\n%s", diff.Diff(p.String(), strings.Join(text, "\n")))
}

func (p *Pattern) match(i int, text []string, binds map[string]string) (map[string]string, bool) {
	if i == len(p.lines) {
		return binds, len(text) == 0
	}
	pl := p.lines[i]
	if pl.any {
		for k := 0; k <= len(text); k++ {
			if b, ok := p.match(i+1, text[k:], binds); ok {
				return b, true
			}
		}
		return nil, false
	}
	if len(text) == 0 {
		return nil, false
	}
	m := pl.re.FindStringSubmatch(text[0])
	if m == nil {
		return nil, false
	}
	next := binds
	if len(pl.names) > 0 {
		next = make(map[string]string, len(binds)+len(pl.names))
		maps.Copy(next, binds)
		for j, name := range pl.names {
			if v, ok := next[name]; ok && v != m[j+1] {
				return nil, false
			}
			next[name] = m[j+1]
		}
	}
	return p.match(i+1, text[1:], next)
}
