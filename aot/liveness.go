package aot

import (
	"github.com/willf/bitset"
)

// Liveness holds the result of a backward live-variable analysis of one
// function. Values are numbered by local slot; argument i is slot
// NumLocals()+i.
type Liveness struct {
	f   *Func
	in  []*bitset.BitSet
	out []*bitset.BitSet
}

func (f *Func) slotOf(op Operand) (uint, bool) {
	switch op.Kind {
	case OpdLocal:
		return uint(op.Index), true
	case OpdArg:
		return uint(f.numLocals + op.Index), true
	}
	return 0, false
}

func (f *Func) uses(in *Inst, fn func(uint)) {
	for _, op := range in.Args {
		if s, ok := f.slotOf(op); ok {
			fn(s)
		}
	}
	for _, d := range in.Dyn {
		if s, ok := f.slotOf(d.Index); ok {
			fn(s)
		}
	}
}

// transfer applies instruction in backwards to live.
func (f *Func) transfer(in *Inst, live *bitset.BitSet) {
	if in.Defines() {
		live.Clear(uint(in.ID))
	}
	if in.Op != OpPhi {
		f.uses(in, func(s uint) { live.Set(s) })
	}
}

// ComputeLiveness runs the analysis to a fixed point.
func ComputeLiveness(f *Func) *Liveness {
	n := uint(f.numLocals + len(f.Params))
	lv := &Liveness{f: f, in: make([]*bitset.BitSet, len(f.Blocks)), out: make([]*bitset.BitSet, len(f.Blocks))}
	for i := range f.Blocks {
		lv.in[i] = bitset.New(n)
		lv.out[i] = bitset.New(n)
	}
	for changed := true; changed; {
		changed = false
		for bbi := len(f.Blocks) - 1; bbi >= 0; bbi-- {
			bb := f.Blocks[bbi]
			out := bitset.New(n)
			for _, s := range bb.Successors() {
				out.InPlaceUnion(lv.in[s])
				// phi operands are used on the incoming edge
				for _, in := range f.Blocks[s].Insts {
					if in.Op != OpPhi {
						break
					}
					for j, p := range in.Preds {
						if p != bbi {
							continue
						}
						if slot, ok := f.slotOf(in.Args[j]); ok {
							out.Set(slot)
						}
					}
				}
			}
			live := out.Clone()
			for i := len(bb.Insts) - 1; i >= 0; i-- {
				f.transfer(bb.Insts[i], live)
			}
			if !out.Equal(lv.out[bbi]) || !live.Equal(lv.in[bbi]) {
				lv.out[bbi], lv.in[bbi] = out, live
				changed = true
			}
		}
	}
	return lv
}

func (lv *Liveness) walk(bb, stop int) *bitset.BitSet {
	insts := lv.f.Blocks[bb].Insts
	live := lv.out[bb].Clone()
	for i := len(insts) - 1; i >= stop; i-- {
		lv.f.transfer(insts[i], live)
	}
	return live
}

func (lv *Liveness) operands(live *bitset.BitSet) []Operand {
	var ops []Operand
	for s, ok := live.NextSet(0); ok; s, ok = live.NextSet(s + 1) {
		if int(s) < lv.f.numLocals {
			ops = append(ops, Local(int(s)))
		} else {
			ops = append(ops, Arg(int(s)-lv.f.numLocals))
		}
	}
	return ops
}

// LiveBefore returns the values that may be read by instruction ip of block
// bb or anything executed after it.
func (lv *Liveness) LiveBefore(bb, ip int) []Operand {
	return lv.operands(lv.walk(bb, ip))
}

// LiveAfter returns the values that may be read once instruction ip of
// block bb has completed, excluding its own result.
func (lv *Liveness) LiveAfter(bb, ip int) []Operand {
	live := lv.walk(bb, ip+1)
	if in := lv.f.Blocks[bb].Insts[ip]; in.Defines() {
		live.Clear(uint(in.ID))
	}
	return lv.operands(live)
}
