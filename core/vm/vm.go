// Package vm is the baseline interpreter for AOT IR. It keeps its frames
// on an explicit stack so that frames can be rebuilt after a compiled trace
// fails a guard, records traces for the meta-tracer and dispatches into
// compiled traces at control points.
package vm

import (
	"io"
	"strconv"

	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"
	"github.com/pkg/errors"

	"github.com/tracejit/tracejit/aot"
	"github.com/tracejit/tracejit/core/memory"
	"github.com/tracejit/tracejit/core/mt"
	"github.com/tracejit/tracejit/core/trace"
)

var (
	ErrUnreachable   = errors.New("reached unreachable")
	ErrNoEntry       = errors.New("no such function")
	ErrUnknownExtern = errors.New("unknown extern")
	ErrCallDepth     = errors.New("call depth exceeded")
	ErrBadCall       = errors.New("bad call")
	ErrDeopt         = errors.New("deoptimisation failed")
)

// ExitError is returned when the program calls exit.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string { return "exit status " + strconv.Itoa(e.Code) }

// DefaultMaxDepth bounds the interpreter call stack.
const DefaultMaxDepth = 10000

// Config holds the interpreter's host environment.
type Config struct {
	Stdout    io.Writer
	Stderr    io.Writer
	StackSize int
	MaxDepth  int
}

// frame is one activation. ip indexes the next instruction of block bb;
// for a caller it stays on the pending call until the callee returns.
type frame struct {
	fn     *aot.Func
	bb     int
	ip     int
	prev   int
	locals []uint64
	args   []uint64
	mark   uint64 // stack pointer at entry, restored on return
	base   bool   // first frame of a run
}

// VM interprets one module. It is not safe for concurrent use; every
// mutator needs its own VM.
type VM struct {
	mod     *aot.Module
	mem     *memory.Memory
	globals []uint64
	externs []externFunc
	streams map[uint64]io.Writer
	stdout  io.Writer
	stderr  io.Writer

	mt         *mt.MT
	th         *mt.Thread
	traceDepth int
	locs       uint64 // location handles issued without a meta-tracer

	frames   []*frame
	maxDepth int
	nested   int
	retval   uint64

	logger log.Logger
	meters *meters
}

// New prepares mod for execution: globals are placed in memory and externs
// are bound to their host implementations. A nil meta-tracer runs the
// program without tracing.
func New(mod *aot.Module, cfg Config, m *mt.MT) (*VM, error) {
	if cfg.Stdout == nil {
		cfg.Stdout = io.Discard
	}
	if cfg.Stderr == nil {
		cfg.Stderr = io.Discard
	}
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = DefaultMaxDepth
	}
	vm := &VM{
		mod:      mod,
		mem:      memory.New(cfg.StackSize),
		streams:  make(map[uint64]io.Writer),
		stdout:   cfg.Stdout,
		stderr:   cfg.Stderr,
		mt:       m,
		maxDepth: cfg.MaxDepth,
		logger:   log.New("module", "vm"),
	}
	var registry metrics.Registry
	if m != nil {
		vm.th = m.NewThread()
		registry = m.Metrics()
	}
	vm.meters = newMeters(registry)
	if err := vm.placeGlobals(); err != nil {
		return nil, err
	}
	vm.externs = make([]externFunc, len(mod.Funcs))
	for _, f := range mod.Funcs {
		if !f.Extern {
			continue
		}
		fn, ok := libc[f.Name]
		if !ok {
			return nil, errors.Wrapf(ErrUnknownExtern, "@%s", f.Name)
		}
		vm.externs[f.Index] = fn
	}
	return vm, nil
}

func (vm *VM) placeGlobals() error {
	vm.globals = make([]uint64, len(vm.mod.Globals))
	for _, g := range vm.mod.Globals {
		if g.Extern {
			continue
		}
		addr, err := vm.mem.AllocGlobal(g.Shape.Size(), g.Init)
		if err != nil {
			return err
		}
		vm.globals[g.Index] = addr
	}
	for _, g := range vm.mod.Globals {
		if !g.Extern {
			continue
		}
		var w io.Writer
		switch g.Name {
		case "stdout":
			w = vm.stdout
		case "stderr":
			w = vm.stderr
		default:
			return errors.Wrapf(ErrUnknownExtern, "global @%s", g.Name)
		}
		file, err := vm.mem.AllocGlobal(8, nil)
		if err != nil {
			return err
		}
		vm.streams[file] = w
		slot, err := vm.mem.AllocGlobal(8, nil)
		if err != nil {
			return err
		}
		if err := vm.mem.Store(slot, aot.Ptr, file); err != nil {
			return err
		}
		vm.globals[g.Index] = slot
	}
	return nil
}

// Memory returns the program's address space.
func (vm *VM) Memory() *memory.Memory { return vm.mem }

// GlobalAddr returns the address of global idx.
func (vm *VM) GlobalAddr(idx int) uint64 { return vm.globals[idx] }

// Run calls the named function and runs it to completion.
func (vm *VM) Run(name string, args ...uint64) (uint64, error) {
	f := vm.mod.Func(name)
	if f == nil || f.Extern {
		return 0, errors.Wrapf(ErrNoEntry, "@%s", name)
	}
	return vm.call(f, args)
}

// CallFunc runs an AOT function on behalf of a compiled trace. Control
// points reached inside it are ignored.
func (vm *VM) CallFunc(fn int, args []uint64) (uint64, error) {
	if fn < 0 || fn >= len(vm.mod.Funcs) {
		return 0, errors.Wrapf(ErrBadCall, "function %d", fn)
	}
	f := vm.mod.Funcs[fn]
	if f.Extern {
		return vm.CallExtern(fn, args)
	}
	vm.nested++
	defer func() { vm.nested-- }()
	return vm.call(f, args)
}

// CallExtern calls a host function.
func (vm *VM) CallExtern(fn int, args []uint64) (uint64, error) {
	if fn < 0 || fn >= len(vm.externs) || vm.externs[fn] == nil {
		return 0, errors.Wrapf(ErrBadCall, "extern %d", fn)
	}
	vm.meters.externCalls.Inc(1)
	v, err := vm.externs[fn](vm, args)
	if err != nil {
		return 0, err
	}
	return vm.mod.Funcs[fn].Ret.Trunc(v), nil
}

// CallAddr calls through a function pointer.
func (vm *VM) CallAddr(addr uint64, args []uint64) (uint64, error) {
	fn, ok := memory.FuncIndex(addr)
	if !ok || fn >= len(vm.mod.Funcs) {
		return 0, errors.Wrapf(ErrBadCall, "call through 0x%x", addr)
	}
	return vm.CallFunc(fn, args)
}

func (vm *VM) call(f *aot.Func, args []uint64) (uint64, error) {
	stop := len(vm.frames)
	if err := vm.push(f, args, true); err != nil {
		return 0, err
	}
	if err := vm.loop(stop); err != nil {
		vm.frames = vm.frames[:stop]
		return 0, err
	}
	return vm.retval, nil
}

func (vm *VM) newFrame(f *aot.Func) *frame {
	return &frame{
		fn:     f,
		prev:   -1,
		locals: make([]uint64, f.NumLocals()),
		args:   make([]uint64, len(f.Params)),
	}
}

func (vm *VM) push(f *aot.Func, args []uint64, base bool) error {
	if len(vm.frames) >= vm.maxDepth {
		return errors.Wrapf(ErrCallDepth, "calling @%s", f.Name)
	}
	if len(args) < len(f.Params) {
		return errors.Wrapf(ErrBadCall, "@%s takes %d arguments, got %d", f.Name, len(f.Params), len(args))
	}
	fr := vm.newFrame(f)
	for i, t := range f.Params {
		fr.args[i] = t.Trunc(args[i])
	}
	fr.mark = vm.mem.StackMark()
	fr.base = base
	vm.frames = append(vm.frames, fr)
	if rec := vm.recorder(); rec != nil && !base {
		rec.EnterCall(f.IsOutline())
		vm.enterBlock(rec, f.Index, 0)
	}
	return nil
}

// loop runs until the frame stack shrinks back to stop.
func (vm *VM) loop(stop int) error {
	for len(vm.frames) > stop {
		fr := vm.frames[len(vm.frames)-1]
		insts := fr.fn.Blocks[fr.bb].Insts
		if fr.ip >= len(insts) {
			return errors.Wrapf(ErrUnreachable, "fell off @%s bb%d", fr.fn.Name, fr.bb)
		}
		in := insts[fr.ip]
		h := handlers[in.Op]
		if h == nil {
			return errors.Errorf("@%s bb%d:%d: no handler for %s", fr.fn.Name, fr.bb, fr.ip, in.Op)
		}
		bb, ip := fr.bb, fr.ip
		if err := h(vm, fr, in); err != nil {
			return errors.Wrapf(err, "@%s bb%d:%d", fr.fn.Name, bb, ip)
		}
	}
	return nil
}

// recorder returns the active trace recorder, if any.
func (vm *VM) recorder() *trace.Recorder {
	if vm.th == nil || vm.nested > 0 {
		return nil
	}
	return vm.th.Recorder()
}

func (vm *VM) enterBlock(rec *trace.Recorder, fn, bb int) {
	rec.EnterBlock(fn, bb)
	if rec.TooLong() {
		vm.mt.AbortTracing(vm.th, mt.AbortTooLong)
	}
}

func (vm *VM) operand(fr *frame, op aot.Operand) uint64 {
	switch op.Kind {
	case aot.OpdLocal:
		return fr.locals[op.Index]
	case aot.OpdArg:
		return fr.args[op.Index]
	case aot.OpdConst:
		return op.Const.Bits
	case aot.OpdGlobal:
		return vm.globals[op.Index]
	case aot.OpdFunc:
		return memory.FuncAddr(op.Index)
	}
	return 0
}

func (vm *VM) operands(fr *frame, ops []aot.Operand) []uint64 {
	vs := make([]uint64, len(ops))
	for i, op := range ops {
		vs[i] = vm.operand(fr, op)
	}
	return vs
}

func (vm *VM) typeOf(fr *frame, op aot.Operand) aot.Type {
	return vm.mod.OperandType(fr.fn, op)
}
