package tir

import (
	"github.com/ethereum/go-ethereum/common/lru"
	"github.com/pkg/errors"

	"github.com/tracejit/tracejit/aot"
	"github.com/tracejit/tracejit/core/memory"
	"github.com/tracejit/tracejit/core/trace"
)

var (
	// ErrTraceMismatch means the recorded events cannot be replayed over
	// the AOT IR.
	ErrTraceMismatch = errors.New("trace does not match the AOT IR")
	// ErrUnsupported means the trace contains a construct the trace IR
	// cannot express.
	ErrUnsupported = errors.New("unsupported construct in trace")
)

type localKey struct {
	arg bool
	idx int
}

func keyOf(op aot.Operand) localKey { return localKey{arg: op.Kind == aot.OpdArg, idx: op.Index} }

// bframe is the builder's view of one activation: where replay is in the
// AOT IR and which trace operand holds each AOT value.
type bframe struct {
	fn   *aot.Func
	bb   int
	ip   int
	prev int
	vals map[localKey]Operand

	hasMark bool
	mark    Operand
}

type builder struct {
	mod *aot.Module
	tr  *trace.Trace
	out *Trace

	frames []*bframe
	ev     int // next recorded block
	pi     int // next promoted value
	ti     int // next indirect call target

	missing []aot.Operand
}

// Build replays tr over mod and returns the trace IR of one loop iteration.
// Values of the entry frame that are read before the trace defines them
// become params; their final values form the loop-back operands. A side
// trace instead ends with an exit snapshot taken at the control point it
// closes on.
func Build(mod *aot.Module, tr *trace.Trace) (*Trace, error) {
	// The first pass discovers the inputs, the second emits them up front.
	first := newBuilder(mod, tr, nil)
	if err := first.run(); err != nil {
		return nil, err
	}
	if len(first.missing) == 0 {
		return first.out, nil
	}
	second := newBuilder(mod, tr, first.missing)
	if err := second.run(); err != nil {
		return nil, err
	}
	if len(second.missing) != 0 {
		return nil, errors.Wrap(ErrTraceMismatch, "trace inputs are not stable")
	}
	return second.out, nil
}

func newBuilder(mod *aot.Module, tr *trace.Trace, inputs []aot.Operand) *builder {
	b := &builder{mod: mod, tr: tr, out: &Trace{Mod: mod, Start: tr.Start, Inputs: inputs}}
	return b
}

func (b *builder) emit(in *Inst) int {
	b.out.Insts = append(b.out.Insts, in)
	return len(b.out.Insts) - 1
}

func (b *builder) mismatch(format string, args ...interface{}) error {
	return errors.Wrapf(ErrTraceMismatch, format, args...)
}

func (b *builder) run() error {
	start := b.tr.Start
	if start.Func < 0 || start.Func >= len(b.mod.Funcs) || !b.mod.Funcs[start.Func].HasIR() {
		return b.mismatch("bad start function %d", start.Func)
	}
	entry := &bframe{
		fn:   b.mod.Funcs[start.Func],
		bb:   start.BB,
		ip:   start.Inst,
		prev: -1,
		vals: make(map[localKey]Operand),
	}
	if b.tr.Side {
		entry.prev = b.tr.Prev
	}
	if entry.bb < 0 || entry.bb >= len(entry.fn.Blocks) || entry.ip < 0 || entry.ip > len(entry.fn.Blocks[entry.bb].Insts) {
		return b.mismatch("bad start position %v", start)
	}
	if entry.ip == 0 && !b.tr.Side {
		return b.mismatch("bad start position %v", start)
	}
	for i, op := range b.out.Inputs {
		b.emit(&Inst{Op: OpParam, Ty: b.mod.OperandType(entry.fn, op), Imm: int64(i)})
		entry.vals[keyOf(op)] = V(i)
	}
	b.frames = []*bframe{entry}
	for {
		fr := b.frames[len(b.frames)-1]
		insts := fr.fn.Blocks[fr.bb].Insts
		if fr.ip >= len(insts) {
			return b.mismatch("fell off the end of @%s bb%d", fr.fn.Name, fr.bb)
		}
		in := insts[fr.ip]
		done, err := b.step(fr, in)
		if err != nil {
			return errors.Wrapf(err, "@%s bb%d:%d", fr.fn.Name, fr.bb, fr.ip)
		}
		if done {
			break
		}
	}
	if len(b.missing) == 0 && !b.tr.Side {
		b.out.Loop = make([]Operand, len(b.out.Inputs))
		for i, op := range b.out.Inputs {
			b.out.Loop[i] = entry.vals[keyOf(op)]
		}
	}
	return nil
}

// value returns the trace operand for an AOT operand used in frame fr.
func (b *builder) value(fr *bframe, op aot.Operand) (Operand, error) {
	switch op.Kind {
	case aot.OpdConst:
		return C(op.Const), nil
	case aot.OpdFunc:
		return C(aot.Const{Ty: aot.Ptr, Bits: memory.FuncAddr(op.Index)}), nil
	case aot.OpdGlobal:
		return V(b.emit(&Inst{Op: OpLookupGlobal, Ty: aot.Ptr, Sym: op.Index})), nil
	}
	k := keyOf(op)
	if v, ok := fr.vals[k]; ok {
		return v, nil
	}
	if fr != b.frames[0] {
		return Operand{}, b.mismatch("use of undefined value in inlined @%s", fr.fn.Name)
	}
	// read before written in this iteration: a trace input
	idx := b.emit(&Inst{Op: OpParam, Ty: b.mod.OperandType(fr.fn, op), Imm: int64(len(b.missing))})
	b.missing = append(b.missing, op)
	fr.vals[k] = V(idx)
	return V(idx), nil
}

func (b *builder) values(fr *bframe, ops []aot.Operand) ([]Operand, error) {
	out := make([]Operand, len(ops))
	for i, op := range ops {
		v, err := b.value(fr, op)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (b *builder) define(fr *bframe, in *aot.Inst, v Operand) {
	fr.vals[localKey{idx: in.ID}] = v
}

func (b *builder) next() (trace.Block, error) {
	if b.ev >= len(b.tr.Blocks) {
		return trace.Block{}, b.mismatch("recorded blocks exhausted")
	}
	e := b.tr.Blocks[b.ev]
	b.ev++
	return e, nil
}

var livenessCache = lru.NewCache[*aot.Func, *aot.Liveness](256)

func liveness(f *aot.Func) *aot.Liveness {
	if lv, ok := livenessCache.Get(f); ok {
		return lv
	}
	lv := aot.ComputeLiveness(f)
	livenessCache.Add(f, lv)
	return lv
}

// snapshot captures the frame stack as it is before the current
// instruction executes. Only values the interpreter may still read are
// kept; a live value of the entry frame the trace has not touched yet
// becomes a trace input.
func (b *builder) snapshot(kind GuardKind) (*Guard, error) {
	g := &Guard{Kind: kind, Frames: make([]Frame, 0, len(b.frames))}
	for i, fr := range b.frames {
		lv := liveness(fr.fn)
		var live []aot.Operand
		if i == len(b.frames)-1 {
			live = lv.LiveBefore(fr.bb, fr.ip)
		} else {
			live = lv.LiveAfter(fr.bb, fr.ip)
		}
		f := Frame{Func: fr.fn.Index, BB: fr.bb, Inst: fr.ip, Prev: fr.prev, HasMark: fr.hasMark, Mark: fr.mark}
		for _, op := range live {
			v, ok := fr.vals[keyOf(op)]
			if !ok {
				if i != 0 {
					continue
				}
				var err error
				if v, err = b.value(fr, op); err != nil {
					return nil, err
				}
			}
			f.Vars = append(f.Vars, Var{Local: op, Val: v})
		}
		g.Frames = append(g.Frames, f)
	}
	return g, nil
}

func (b *builder) guard(cond Operand, expect bool, kind GuardKind) error {
	g, err := b.snapshot(kind)
	if err != nil {
		return err
	}
	b.emit(&Inst{Op: OpGuard, Args: []Operand{cond}, Expect: expect, Guard: g})
	return nil
}

func (b *builder) jump(fr *bframe, target int) {
	fr.prev, fr.bb, fr.ip = fr.bb, target, 0
}

func (b *builder) inline(fr *bframe, callee *aot.Func, args []Operand) error {
	e, err := b.next()
	if err != nil {
		return err
	}
	if e.Func != callee.Index || e.BB != 0 {
		return b.mismatch("expected entry of @%s, recorded f%d:bb%d", callee.Name, e.Func, e.BB)
	}
	nf := &bframe{fn: callee, prev: -1, vals: make(map[localKey]Operand, len(callee.Params))}
	for i := range callee.Params {
		nf.vals[localKey{arg: true, idx: i}] = args[i]
	}
	b.frames = append(b.frames, nf)
	return nil
}

func castOp(in *aot.Inst, from aot.Type) aot.Opcode {
	switch in.Op {
	case aot.OpPtrToInt:
		if in.Ty.Bits() < 64 {
			return aot.OpTrunc
		}
		return aot.OpZExt
	case aot.OpIntToPtr:
		return aot.OpZExt
	}
	return in.Op
}

// step replays one AOT instruction. It reports true once the trace has
// returned to its starting control point.
func (b *builder) step(fr *bframe, in *aot.Inst) (bool, error) {
	switch {
	case in.Op == aot.OpPhi:
		return false, b.phis(fr)

	case in.Op.IsBinary(), in.Op == aot.OpCmp:
		args, err := b.values(fr, in.Args)
		if err != nil {
			return false, err
		}
		ti := &Inst{Op: OpBinary, Ty: in.Ty, Args: args, Bin: in.Op}
		if in.Op == aot.OpCmp {
			ti.Op, ti.Bin, ti.Pred = OpCmp, 0, in.Pred
		}
		b.define(fr, in, V(b.emit(ti)))

	case in.Op.IsCast():
		v, err := b.value(fr, in.Args[0])
		if err != nil {
			return false, err
		}
		from := b.mod.OperandType(fr.fn, in.Args[0])
		b.define(fr, in, V(b.emit(&Inst{Op: OpCast, Ty: in.Ty, Args: []Operand{v}, Bin: castOp(in, from)})))

	case in.Op == aot.OpLoad:
		p, err := b.value(fr, in.Args[0])
		if err != nil {
			return false, err
		}
		b.define(fr, in, V(b.emit(&Inst{Op: OpLoad, Ty: in.Ty, Args: []Operand{p}})))

	case in.Op == aot.OpStore:
		args, err := b.values(fr, in.Args)
		if err != nil {
			return false, err
		}
		b.emit(&Inst{Op: OpStore, Args: args})

	case in.Op == aot.OpAlloca:
		if fr != b.frames[0] && !fr.hasMark {
			fr.hasMark, fr.mark = true, V(b.emit(&Inst{Op: OpStackSave, Ty: aot.Ptr}))
		}
		b.define(fr, in, V(b.emit(&Inst{Op: OpAlloca, Ty: aot.Ptr, Imm: int64(in.Alloc.Size())})))

	case in.Op == aot.OpPtrAdd:
		cur, err := b.value(fr, in.Args[0])
		if err != nil {
			return false, err
		}
		if in.Off != 0 || len(in.Dyn) == 0 {
			cur = V(b.emit(&Inst{Op: OpPtrAdd, Ty: aot.Ptr, Args: []Operand{cur}, Imm: in.Off}))
		}
		for _, d := range in.Dyn {
			idx, err := b.value(fr, d.Index)
			if err != nil {
				return false, err
			}
			cur = V(b.emit(&Inst{Op: OpDynPtrAdd, Ty: aot.Ptr, Args: []Operand{cur, idx}, Imm: d.Scale}))
		}
		b.define(fr, in, cur)

	case in.Op == aot.OpSelect:
		args, err := b.values(fr, in.Args)
		if err != nil {
			return false, err
		}
		b.define(fr, in, V(b.emit(&Inst{Op: OpSelect, Ty: in.Ty, Args: args})))

	case in.Op == aot.OpPromote:
		if b.pi >= len(b.tr.Promotions) {
			return false, b.mismatch("promoted values exhausted")
		}
		c := aot.Const{Ty: in.Ty, Bits: in.Ty.Trunc(b.tr.Promotions[b.pi])}
		b.pi++
		v, err := b.value(fr, in.Args[0])
		if err != nil {
			return false, err
		}
		if v.IsConst {
			if v.Const != c {
				return false, b.mismatch("promoted constant %v recorded as %v", v.Const, c)
			}
		} else {
			cmp := b.emit(&Inst{Op: OpCmp, Ty: aot.I1, Pred: aot.PredEq, Args: []Operand{v, C(c)}})
			if err := b.guard(V(cmp), true, GuardPromote); err != nil {
				return false, err
			}
		}
		b.define(fr, in, C(c))

	case in.Op == aot.OpControlPoint:
		end := b.tr.End()
		if len(b.frames) == 1 && fr.fn.Index == end.Func && fr.bb == end.BB && fr.ip == end.Inst-1 {
			if b.ev != len(b.tr.Blocks) {
				return false, b.mismatch("returned to the control point with %d blocks left", len(b.tr.Blocks)-b.ev)
			}
			if b.tr.Side {
				g, err := b.snapshot(GuardClose)
				if err != nil {
					return false, err
				}
				b.out.Exit = g
			}
			return true, nil
		}

	case in.Op == aot.OpCall:
		callee := b.mod.Funcs[in.Callee]
		args, err := b.values(fr, in.Args)
		if err != nil {
			return false, err
		}
		if callee.HasIR() && !callee.IsOutline() {
			return false, b.inline(fr, callee, args)
		}
		idx := b.emit(&Inst{Op: OpCall, Ty: in.Ty, Sym: callee.Index, Args: args})
		if in.Defines() {
			b.define(fr, in, V(idx))
		}

	case in.Op == aot.OpICall:
		return false, b.icall(fr, in)

	case in.Op == aot.OpBr:
		e, err := b.next()
		if err != nil {
			return false, err
		}
		if e.Func != fr.fn.Index || e.BB != in.Targets[0] {
			return false, b.mismatch("br to bb%d recorded as f%d:bb%d", in.Targets[0], e.Func, e.BB)
		}
		b.jump(fr, e.BB)
		return false, nil

	case in.Op == aot.OpCondBr:
		c, err := b.value(fr, in.Args[0])
		if err != nil {
			return false, err
		}
		e, err := b.next()
		if err != nil {
			return false, err
		}
		if e.Func != fr.fn.Index || (e.BB != in.Targets[0] && e.BB != in.Targets[1]) {
			return false, b.mismatch("condbr recorded as f%d:bb%d", e.Func, e.BB)
		}
		taken := e.BB == in.Targets[0]
		if in.Targets[0] != in.Targets[1] {
			if c.IsConst {
				if (c.Const.Bits != 0) != taken {
					return false, b.mismatch("constant condition contradicts recorded branch")
				}
			} else {
				if err := b.guard(c, taken, GuardBranch); err != nil {
					return false, err
				}
			}
		}
		b.jump(fr, e.BB)
		return false, nil

	case in.Op == aot.OpRet:
		return false, b.ret(fr, in)

	case in.Op == aot.OpNop:

	default:
		return false, errors.Wrapf(ErrUnsupported, "%s", in.Op)
	}
	fr.ip++
	return false, nil
}

// phis resolves all phi nodes at the head of the current block at once,
// reading every incoming value before defining any result.
func (b *builder) phis(fr *bframe) error {
	if fr.prev < 0 {
		return b.mismatch("phi reached without a predecessor")
	}
	insts := fr.fn.Blocks[fr.bb].Insts
	n := 0
	for n < len(insts) && insts[n].Op == aot.OpPhi {
		n++
	}
	vals := make([]Operand, n)
	for i := 0; i < n; i++ {
		in := insts[i]
		found := false
		for j, p := range in.Preds {
			if p == fr.prev {
				v, err := b.value(fr, in.Args[j])
				if err != nil {
					return err
				}
				vals[i], found = v, true
				break
			}
		}
		if !found {
			return b.mismatch("phi has no incoming value for bb%d", fr.prev)
		}
	}
	for i := 0; i < n; i++ {
		b.define(fr, insts[i], vals[i])
	}
	fr.ip = n
	return nil
}

func (b *builder) icall(fr *bframe, in *aot.Inst) error {
	target, err := b.value(fr, in.Args[0])
	if err != nil {
		return err
	}
	if b.ti >= len(b.tr.Targets) {
		return b.mismatch("indirect call targets exhausted")
	}
	addr := b.tr.Targets[b.ti]
	b.ti++
	fidx, ok := memory.FuncIndex(addr)
	if !ok || fidx >= len(b.mod.Funcs) {
		return errors.Wrapf(ErrUnsupported, "indirect call to 0x%x", addr)
	}
	callee := b.mod.Funcs[fidx]
	if target.IsConst {
		if target.Const.Bits != addr {
			return b.mismatch("constant call target contradicts recorded target")
		}
	} else {
		cmp := b.emit(&Inst{Op: OpCmp, Ty: aot.I1, Pred: aot.PredEq, Args: []Operand{target, C(aot.Const{Ty: aot.Ptr, Bits: addr})}})
		if err := b.guard(V(cmp), true, GuardTarget); err != nil {
			return err
		}
	}
	args, err := b.values(fr, in.Args[1:])
	if err != nil {
		return err
	}
	if len(args) < len(callee.Params) {
		return b.mismatch("indirect call to @%s passes %d arguments", callee.Name, len(args))
	}
	if callee.HasIR() && !callee.IsOutline() {
		return b.inline(fr, callee, args)
	}
	idx := b.emit(&Inst{Op: OpICall, Ty: in.Ty, Args: append([]Operand{target}, args...)})
	if in.Defines() {
		b.define(fr, in, V(idx))
	}
	fr.ip++
	return nil
}

func (b *builder) ret(fr *bframe, in *aot.Inst) error {
	if len(b.frames) == 1 {
		return b.mismatch("return from the traced frame")
	}
	var rv Operand
	if len(in.Args) > 0 {
		v, err := b.value(fr, in.Args[0])
		if err != nil {
			return err
		}
		rv = v
	}
	if fr.hasMark {
		b.emit(&Inst{Op: OpStackRestore, Args: []Operand{fr.mark}})
	}
	b.frames = b.frames[:len(b.frames)-1]
	caller := b.frames[len(b.frames)-1]
	call := caller.fn.Blocks[caller.bb].Insts[caller.ip]
	if call.Defines() {
		if len(in.Args) == 0 {
			return b.mismatch("void return to a call expecting a value")
		}
		b.define(caller, call, rv)
	}
	caller.ip++
	return nil
}
