package aot

import (
	"bufio"
	"encoding/binary"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// ParseError reports a syntax or resolution error with its source line.
type ParseError struct {
	File string
	Line int
	Msg  string
}

func (e *ParseError) Error() string {
	if e.File != "" {
		return e.File + ":" + strconv.Itoa(e.Line) + ": " + e.Msg
	}
	return "line " + strconv.Itoa(e.Line) + ": " + e.Msg
}

// LoadFile parses and verifies the module stored in path.
func LoadFile(path string) (*Module, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	m, err := Parse(f)
	if perr, ok := err.(*ParseError); ok {
		perr.File = path
	}
	return m, err
}

// ParseString is a convenience wrapper around Parse.
func ParseString(src string) (*Module, error) {
	return Parse(strings.NewReader(src))
}

// Parse reads the textual form of a module, resolves all names, numbers the
// instructions and verifies the result.
func Parse(r io.Reader) (*Module, error) {
	p := &parser{mod: NewModule()}
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		p.line++
		toks, err := tokenize(stripComment(sc.Text()))
		if err != nil {
			return nil, p.errorf("%v", err)
		}
		if len(toks) == 0 {
			continue
		}
		if err := p.statement(toks); err != nil {
			return nil, err
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if p.fn != nil {
		return nil, p.errorf("unterminated function @%s", p.fn.Name)
	}
	if err := p.resolveSyms(); err != nil {
		return nil, err
	}
	for _, f := range p.mod.Funcs {
		f.Finalize()
	}
	if err := Verify(p.mod); err != nil {
		return nil, err
	}
	return p.mod, nil
}

type symFixup struct {
	op   *Operand
	name string
	line int
}

type callFixup struct {
	in   *Inst
	name string
	line int
}

type localFixup struct {
	op   *Operand
	name string
	line int
}

type labelFixup struct {
	slot *int
	name string
	line int
}

type parser struct {
	mod  *Module
	line int

	syms  []symFixup
	calls []callFixup

	// per-function state
	fn      *Func
	bb      *Block
	params  map[string]int
	locals  map[string]*Inst
	labels  map[string]int
	lfix    []localFixup
	bfix    []labelFixup

	phiLabels []string
}

func (p *parser) errorf(format string, args ...interface{}) error {
	return &ParseError{Line: p.line, Msg: errors.Errorf(format, args...).Error()}
}

func (p *parser) statement(toks []token) error {
	if p.fn != nil {
		return p.bodyStatement(toks)
	}
	if toks[0].kind != tIdent {
		return p.errorf("unexpected %v at top level", toks[0])
	}
	switch toks[0].text {
	case "global":
		return p.global(toks[1:], false)
	case "extern":
		if len(toks) > 1 && toks[1].kind == tIdent && toks[1].text == "global" {
			return p.global(toks[2:], true)
		}
		return p.extern(toks[1:])
	case "func":
		return p.funcHeader(toks[1:])
	}
	return p.errorf("unexpected %q at top level", toks[0].text)
}

// cursor is a small helper for walking a token slice.
type cursor struct {
	p    *parser
	toks []token
	pos  int
}

func (c *cursor) done() bool { return c.pos >= len(c.toks) }

func (c *cursor) peek() token {
	if c.done() {
		return token{kind: tPunct, text: "<eol>"}
	}
	return c.toks[c.pos]
}

func (c *cursor) next() token {
	t := c.peek()
	c.pos++
	return t
}

func (c *cursor) accept(text string) bool {
	if !c.done() && c.toks[c.pos].kind != tStr && c.toks[c.pos].text == text {
		c.pos++
		return true
	}
	return false
}

func (c *cursor) expect(text string) error {
	if !c.accept(text) {
		return c.p.errorf("expected %q, got %v", text, c.peek())
	}
	return nil
}

func (c *cursor) expectKind(k tokKind, what string) (token, error) {
	t := c.next()
	if t.kind != k {
		return t, c.p.errorf("expected %s, got %v", what, t)
	}
	return t, nil
}

// rest returns the remaining tokens joined back into text.
func (c *cursor) rest() string {
	parts := make([]string, 0, len(c.toks)-c.pos)
	for _, t := range c.toks[c.pos:] {
		parts = append(parts, t.text)
	}
	c.pos = len(c.toks)
	return strings.Join(parts, " ")
}

func (c *cursor) scalarType() (Type, error) {
	t := c.next()
	ty, ok := ParseType(t.text)
	if !ok || t.kind != tIdent {
		return Void, c.p.errorf("expected type, got %v", t)
	}
	return ty, nil
}

func (c *cursor) aggType() (Agg, error) {
	if c.peek().text != "[" {
		t, err := c.scalarType()
		if err != nil {
			return Agg{}, err
		}
		if t == Void {
			return Agg{}, c.p.errorf("void is not a storage type")
		}
		return Agg{Elem: t, Count: 1}, nil
	}
	var parts []string
	for !c.done() {
		t := c.next()
		parts = append(parts, t.text)
		if t.text == "]" {
			break
		}
	}
	a, err := ParseAgg(strings.Join(parts, " "))
	if err != nil {
		return Agg{}, c.p.errorf("%v", err)
	}
	return a, nil
}

func (p *parser) global(toks []token, extern bool) error {
	c := &cursor{p: p, toks: toks}
	name, err := c.expectKind(tSym, "global name")
	if err != nil {
		return err
	}
	if p.mod.Global(name.text) != nil {
		return p.errorf("global @%s redefined", name.text)
	}
	g := &Global{Name: name.text, Extern: extern}
	if c.accept("=") {
		s, err := c.expectKind(tStr, "string literal")
		if err != nil {
			return err
		}
		g.Str = true
		g.Init = append([]byte(s.text), 0)
		g.Shape = Agg{Elem: I8, Count: len(g.Init)}
		p.mod.AddGlobal(g)
		return p.eol(c)
	}
	if err := c.expect(":"); err != nil {
		return err
	}
	if g.Shape, err = c.aggType(); err != nil {
		return err
	}
	if !extern && c.accept("=") {
		if g.Init, err = p.globalInit(c, g.Shape); err != nil {
			return err
		}
	}
	p.mod.AddGlobal(g)
	return p.eol(c)
}

func (p *parser) globalInit(c *cursor, shape Agg) ([]byte, error) {
	var elems []token
	if c.accept("[") {
		for !c.accept("]") {
			if c.done() {
				return nil, p.errorf("unterminated initialiser")
			}
			elems = append(elems, c.next())
			c.accept(",")
		}
	} else {
		elems = append(elems, c.next())
	}
	if len(elems) != shape.Count {
		return nil, p.errorf("initialiser has %d elements, type has %d", len(elems), shape.Count)
	}
	sz := shape.Elem.Size()
	buf := make([]byte, shape.Size())
	for i, e := range elems {
		var v uint64
		switch {
		case shape.Elem.IsFloat():
			f, err := strconv.ParseFloat(e.text, 64)
			if err != nil {
				return nil, p.errorf("bad float %q", e.text)
			}
			if shape.Elem == Float {
				v = uint64(math.Float32bits(float32(f)))
			} else {
				v = math.Float64bits(f)
			}
		case strings.HasPrefix(e.text, "0x"):
			u, err := strconv.ParseUint(e.text[2:], 16, 64)
			if err != nil {
				return nil, p.errorf("bad hex %q", e.text)
			}
			v = u
		default:
			n, err := strconv.ParseInt(e.text, 10, 64)
			if err != nil {
				return nil, p.errorf("bad integer %q", e.text)
			}
			v = uint64(n)
		}
		out := buf[i*sz : (i+1)*sz]
		switch sz {
		case 1:
			out[0] = byte(v)
		case 2:
			binary.LittleEndian.PutUint16(out, uint16(v))
		case 4:
			binary.LittleEndian.PutUint32(out, uint32(v))
		case 8:
			binary.LittleEndian.PutUint64(out, v)
		}
	}
	return buf, nil
}

func (p *parser) eol(c *cursor) error {
	if !c.done() {
		return p.errorf("trailing tokens: %s", c.rest())
	}
	return nil
}

func (p *parser) signature(c *cursor, named bool) (params []Type, names []string, variadic bool, ret Type, err error) {
	if err = c.expect("("); err != nil {
		return
	}
	for !c.accept(")") {
		if c.accept("...") {
			variadic = true
			continue
		}
		if named {
			var n token
			if n, err = c.expectKind(tLocal, "parameter name"); err != nil {
				return
			}
			names = append(names, n.text)
			if err = c.expect(":"); err != nil {
				return
			}
		}
		var t Type
		if t, err = c.scalarType(); err != nil {
			return
		}
		params = append(params, t)
		if !c.accept(",") && c.peek().text != ")" {
			err = p.errorf("expected ',' or ')' in signature, got %v", c.peek())
			return
		}
	}
	if err = c.expect("->"); err != nil {
		return
	}
	ret, err = c.scalarType()
	return
}

func (p *parser) extern(toks []token) error {
	c := &cursor{p: p, toks: toks}
	name, err := c.expectKind(tSym, "extern name")
	if err != nil {
		return err
	}
	if p.mod.Func(name.text) != nil {
		return p.errorf("function @%s redefined", name.text)
	}
	params, _, variadic, ret, err := p.signature(c, false)
	if err != nil {
		return err
	}
	p.mod.AddFunc(&Func{Name: name.text, Params: params, Variadic: variadic, Ret: ret, Extern: true})
	return p.eol(c)
}

func (p *parser) funcHeader(toks []token) error {
	c := &cursor{p: p, toks: toks}
	name, err := c.expectKind(tSym, "function name")
	if err != nil {
		return err
	}
	if p.mod.Func(name.text) != nil {
		return p.errorf("function @%s redefined", name.text)
	}
	params, names, variadic, ret, err := p.signature(c, true)
	if err != nil {
		return err
	}
	f := &Func{Name: name.text, Params: params, ParamNames: names, Variadic: variadic, Ret: ret}
	for !c.accept("{") {
		switch t := c.next(); t.text {
		case "outline":
			f.Attrs |= AttrOutline
		case "noinline":
			f.Attrs |= AttrNoInline
		default:
			return p.errorf("unknown function attribute %v", t)
		}
	}
	if err := p.eol(c); err != nil {
		return err
	}
	p.mod.AddFunc(f)
	p.fn, p.bb = f, nil
	p.params = make(map[string]int, len(names))
	for i, n := range names {
		p.params[n] = i
	}
	p.locals = make(map[string]*Inst)
	p.labels = make(map[string]int)
	p.lfix, p.bfix = nil, nil
	return nil
}

type resolvedLocal struct {
	op *Operand
	in *Inst
}

func (p *parser) endFunc() error {
	var resolved []resolvedLocal
	for _, fx := range p.lfix {
		if i, ok := p.params[fx.name]; ok {
			*fx.op = Arg(i)
			continue
		}
		in, ok := p.locals[fx.name]
		if !ok {
			return &ParseError{Line: fx.line, Msg: "undefined local %" + fx.name}
		}
		fx.op.Kind = OpdLocal
		resolved = append(resolved, resolvedLocal{op: fx.op, in: in})
	}
	for _, fx := range p.bfix {
		i, ok := p.labels[fx.name]
		if !ok {
			return &ParseError{Line: fx.line, Msg: "undefined block " + fx.name}
		}
		*fx.slot = i
	}
	if len(p.fn.Blocks) == 0 {
		return p.errorf("function @%s has no blocks", p.fn.Name)
	}
	p.fn.Finalize()
	for _, r := range resolved {
		r.op.Index = r.in.ID
	}
	p.fn = nil
	return nil
}

func (p *parser) bodyStatement(toks []token) error {
	if len(toks) == 1 && toks[0].text == "}" && toks[0].kind == tPunct {
		return p.endFunc()
	}
	// block label
	if len(toks) == 2 && toks[0].kind == tIdent && toks[1].text == ":" {
		if _, dup := p.labels[toks[0].text]; dup {
			return p.errorf("block %s redefined", toks[0].text)
		}
		p.labels[toks[0].text] = len(p.fn.Blocks)
		p.bb = &Block{}
		p.fn.Blocks = append(p.fn.Blocks, p.bb)
		return nil
	}
	if p.bb == nil {
		return p.errorf("instruction outside of a block")
	}
	c := &cursor{p: p, toks: toks}
	in := &Inst{}
	var name string
	if c.peek().kind == tLocal {
		name = c.next().text
		if err := c.expect(":"); err != nil {
			return err
		}
		t, err := c.scalarType()
		if err != nil {
			return err
		}
		if t == Void {
			return p.errorf("%%%s cannot have type void", name)
		}
		in.Ty = t
		if err := c.expect("="); err != nil {
			return err
		}
		if _, dup := p.locals[name]; dup {
			return p.errorf("local %%%s redefined", name)
		}
		if _, dup := p.params[name]; dup {
			return p.errorf("local %%%s shadows a parameter", name)
		}
		p.locals[name] = in
	}
	if err := p.instBody(c, in); err != nil {
		return err
	}
	if err := p.eol(c); err != nil {
		return err
	}
	p.bb.Insts = append(p.bb.Insts, in)
	return nil
}

// pendingOperand is an operand whose referent is resolved once the function
// or module is complete.
type pendingOperand struct {
	op    Operand
	local string
	sym   string
}

func (p *parser) operand(c *cursor) (pendingOperand, error) {
	t := c.peek()
	switch t.kind {
	case tLocal:
		c.next()
		return pendingOperand{local: t.text}, nil
	case tSym:
		c.next()
		return pendingOperand{sym: t.text}, nil
	}
	c.next()
	k, err := parseConst(t)
	if err != nil {
		return pendingOperand{}, p.errorf("%v", err)
	}
	return pendingOperand{op: Imm(k)}, nil
}

func (p *parser) operands(c *cursor, n int) ([]pendingOperand, error) {
	ops := make([]pendingOperand, 0, n)
	for i := 0; i < n; i++ {
		if i > 0 {
			if err := c.expect(","); err != nil {
				return nil, err
			}
		}
		op, err := p.operand(c)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	return ops, nil
}

// bind stores the operands into in.Args and registers their fixups.
func (p *parser) bind(in *Inst, ops []pendingOperand) {
	in.Args = make([]Operand, len(ops))
	for i, op := range ops {
		in.Args[i] = op.op
		p.fixup(&in.Args[i], op)
	}
}

func (p *parser) fixup(slot *Operand, op pendingOperand) {
	switch {
	case op.local != "":
		p.lfix = append(p.lfix, localFixup{op: slot, name: op.local, line: p.line})
	case op.sym != "":
		p.syms = append(p.syms, symFixup{op: slot, name: op.sym, line: p.line})
	}
}

func (p *parser) label(c *cursor, slot *int) error {
	t, err := c.expectKind(tIdent, "block label")
	if err != nil {
		return err
	}
	p.bfix = append(p.bfix, labelFixup{slot: slot, name: t.text, line: p.line})
	return nil
}

func (p *parser) callArgs(c *cursor) ([]pendingOperand, error) {
	if err := c.expect("("); err != nil {
		return nil, err
	}
	var ops []pendingOperand
	for !c.accept(")") {
		if len(ops) > 0 {
			if err := c.expect(","); err != nil {
				return nil, err
			}
		}
		op, err := p.operand(c)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	return ops, nil
}

func (p *parser) instBody(c *cursor, in *Inst) error {
	mn, err := c.expectKind(tIdent, "opcode")
	if err != nil {
		return err
	}
	if pred, ok := ParsePred(mn.text); ok {
		in.Op, in.Pred = OpCmp, pred
		ops, err := p.operands(c, 2)
		if err != nil {
			return err
		}
		p.bind(in, ops)
		return nil
	}
	op, ok := opcodeByName[mn.text]
	if !ok || op == OpNop {
		return p.errorf("unknown opcode %q", mn.text)
	}
	in.Op = op
	switch {
	case op.IsBinary():
		ops, err := p.operands(c, 2)
		if err != nil {
			return err
		}
		p.bind(in, ops)
	case op.IsCast(), op == OpLoad, op == OpPromote, op == OpControlPoint:
		ops, err := p.operands(c, 1)
		if err != nil {
			return err
		}
		p.bind(in, ops)
	case op == OpStore:
		ops, err := p.operands(c, 2)
		if err != nil {
			return err
		}
		p.bind(in, ops)
	case op == OpSelect:
		ops, err := p.operands(c, 3)
		if err != nil {
			return err
		}
		p.bind(in, ops)
	case op == OpAlloca:
		if in.Alloc, err = c.aggType(); err != nil {
			return err
		}
	case op == OpPtrAdd:
		return p.ptrAdd(c, in)
	case op == OpCall:
		callee, err := c.expectKind(tSym, "callee")
		if err != nil {
			return err
		}
		ops, err := p.callArgs(c)
		if err != nil {
			return err
		}
		p.bind(in, ops)
		p.calls = append(p.calls, callFixup{in: in, name: callee.text, line: p.line})
	case op == OpICall:
		target, err := p.operand(c)
		if err != nil {
			return err
		}
		ops, err := p.callArgs(c)
		if err != nil {
			return err
		}
		p.bind(in, append([]pendingOperand{target}, ops...))
	case op == OpPhi:
		var ops []pendingOperand
		for !c.done() {
			if len(ops) > 0 {
				if err := c.expect(","); err != nil {
					return err
				}
			}
			in.Preds = append(in.Preds, 0)
			lbl, err := c.expectKind(tIdent, "incoming block")
			if err != nil {
				return err
			}
			if err := c.expect(":"); err != nil {
				return err
			}
			op, err := p.operand(c)
			if err != nil {
				return err
			}
			ops = append(ops, op)
			p.phiLabels = append(p.phiLabels, lbl.text)
		}
		p.bind(in, ops)
		// Preds is complete, so slot pointers stay valid
		for i, lbl := range p.phiLabels {
			p.bfix = append(p.bfix, labelFixup{slot: &in.Preds[i], name: lbl, line: p.line})
		}
		p.phiLabels = p.phiLabels[:0]
	case op == OpBr:
		in.Targets = make([]int, 1)
		return p.label(c, &in.Targets[0])
	case op == OpCondBr:
		ops, err := p.operands(c, 1)
		if err != nil {
			return err
		}
		p.bind(in, ops)
		in.Targets = make([]int, 2)
		if err := c.expect(","); err != nil {
			return err
		}
		if err := p.label(c, &in.Targets[0]); err != nil {
			return err
		}
		if err := c.expect(","); err != nil {
			return err
		}
		return p.label(c, &in.Targets[1])
	case op == OpRet:
		if !c.done() {
			ops, err := p.operands(c, 1)
			if err != nil {
				return err
			}
			p.bind(in, ops)
		}
	case op == OpUnreachable:
	default:
		return p.errorf("opcode %q cannot appear in source", mn.text)
	}
	return nil
}

// ptrAdd parses "ptr_add p, C [+ (%i * S)]...".
func (p *parser) ptrAdd(c *cursor, in *Inst) error {
	base, err := p.operand(c)
	if err != nil {
		return err
	}
	if err := c.expect(","); err != nil {
		return err
	}
	off, err := c.expectKind(tNum, "offset")
	if err != nil {
		return err
	}
	if in.Off, err = strconv.ParseInt(off.text, 10, 64); err != nil {
		return p.errorf("bad offset %q", off.text)
	}
	var idx []pendingOperand
	var scales []int64
	for c.accept("+") {
		if err := c.expect("("); err != nil {
			return err
		}
		op, err := p.operand(c)
		if err != nil {
			return err
		}
		if err := c.expect("*"); err != nil {
			return err
		}
		s, err := c.expectKind(tNum, "scale")
		if err != nil {
			return err
		}
		scale, err := strconv.ParseInt(s.text, 10, 64)
		if err != nil {
			return p.errorf("bad scale %q", s.text)
		}
		if err := c.expect(")"); err != nil {
			return err
		}
		idx = append(idx, op)
		scales = append(scales, scale)
	}
	p.bind(in, []pendingOperand{base})
	in.Dyn = make([]DynOffset, len(idx))
	for i := range idx {
		in.Dyn[i] = DynOffset{Index: idx[i].op, Scale: scales[i]}
		p.fixup(&in.Dyn[i].Index, idx[i])
	}
	return nil
}

func (p *parser) resolveSyms() error {
	for _, fx := range p.syms {
		if g := p.mod.Global(fx.name); g != nil {
			*fx.op = GlobalAddr(g.Index)
			continue
		}
		if f := p.mod.Func(fx.name); f != nil {
			*fx.op = FuncAddr(f.Index)
			continue
		}
		return &ParseError{Line: fx.line, Msg: "undefined symbol @" + fx.name}
	}
	for _, fx := range p.calls {
		f := p.mod.Func(fx.name)
		if f == nil {
			return &ParseError{Line: fx.line, Msg: "call to undefined function @" + fx.name}
		}
		fx.in.Callee = f.Index
	}
	return nil
}
