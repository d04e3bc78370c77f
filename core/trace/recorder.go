// Package trace records the path the baseline interpreter takes through the
// AOT IR while a Location is being traced.
package trace

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrTooLong is returned when a recording exceeds its block budget.
var ErrTooLong = errors.New("trace too long")

// Pos identifies an instruction: function index, block and instruction index.
type Pos struct {
	Func int
	BB   int
	Inst int
}

func (p Pos) String() string { return fmt.Sprintf("f%d:bb%d:%d", p.Func, p.BB, p.Inst) }

// Block is one recorded basic block entry.
type Block struct {
	Func int
	BB   int
}

// Trace is the raw output of a recording. It is consumed by the trace IR
// builder and not retained afterwards.
type Trace struct {
	// Start is the instruction following the control point that began the
	// recording. For a side trace it is the instruction whose guard failed.
	Start Pos
	// Side marks a trace recorded from a failing guard of a compiled trace.
	// Prev is then the block the guard's frame came from, or -1, and Close
	// is the position following the control point at which it ends.
	Side  bool
	Prev  int
	Close Pos
	// Blocks are the blocks entered, in order, while not inside an outlined
	// call.
	Blocks []Block
	// Promotions are the values seen by promote instructions, in order.
	Promotions []uint64
	// Targets are the resolved addresses of indirect calls, in order.
	Targets []uint64
}

// End is the position after the control point at which the recording
// stops.
func (t *Trace) End() Pos {
	if t.Side {
		return t.Close
	}
	return t.Start
}

// Recorder accumulates a Trace. It is driven by a single interpreter
// goroutine and is not safe for concurrent use.
type Recorder struct {
	trace   Trace
	depth   int
	maxLen  int
	tooLong bool
}

// NewRecorder starts a recording at start. A maxLen of zero means unbounded.
func NewRecorder(start Pos, maxLen int) *Recorder {
	return &Recorder{trace: Trace{Start: start, Prev: -1}, maxLen: maxLen}
}

// NewSideRecorder starts a side trace at the guard position start, reached
// from block prev, that runs until the control point before close.
func NewSideRecorder(start Pos, prev int, close Pos, maxLen int) *Recorder {
	return &Recorder{trace: Trace{Start: start, Side: true, Prev: prev, Close: close}, maxLen: maxLen}
}

// Recording reports whether events are currently captured, i.e. execution
// is not inside an outlined call.
func (r *Recorder) Recording() bool { return r.depth == 0 }

// OutlineDepth returns the number of active frames below the outermost
// outlined call.
func (r *Recorder) OutlineDepth() int { return r.depth }

// TooLong reports whether the recording exceeded its budget. The caller is
// expected to abort the recording.
func (r *Recorder) TooLong() bool { return r.tooLong }

// Len returns the number of recorded blocks.
func (r *Recorder) Len() int { return len(r.trace.Blocks) }

// EnterBlock records entry into a basic block.
func (r *Recorder) EnterBlock(fn, bb int) {
	if r.depth > 0 || r.tooLong {
		return
	}
	if r.maxLen > 0 && len(r.trace.Blocks) >= r.maxLen {
		r.tooLong = true
		return
	}
	r.trace.Blocks = append(r.trace.Blocks, Block{Func: fn, BB: bb})
}

// EnterCall is invoked whenever the interpreter pushes a frame. Calls to
// outlined functions suspend recording until the matching return.
func (r *Recorder) EnterCall(outline bool) {
	switch {
	case r.depth > 0:
		r.depth++
	case outline:
		r.depth = 1
	}
}

// Return is invoked whenever the interpreter pops a frame.
func (r *Recorder) Return() {
	if r.depth > 0 {
		r.depth--
	}
}

// Promote records the value of a promote instruction.
func (r *Recorder) Promote(v uint64) {
	if r.depth == 0 {
		r.trace.Promotions = append(r.trace.Promotions, v)
	}
}

// IndirectCall records the resolved target of an icall.
func (r *Recorder) IndirectCall(addr uint64) {
	if r.depth == 0 {
		r.trace.Targets = append(r.trace.Targets, addr)
	}
}

// Finish ends the recording and returns the trace.
func (r *Recorder) Finish() (*Trace, error) {
	if r.tooLong {
		return nil, errors.Wrapf(ErrTooLong, "exceeded %d blocks", r.maxLen)
	}
	t := r.trace
	return &t, nil
}
