package aot

import (
	mapset "github.com/deckarep/golang-set/v2"
)

// InferOutline marks every function that contains a loop, or that takes part
// in direct recursion, as outline. Tracing through such functions would
// either unroll their loops into the trace or never terminate. The names of
// the newly marked functions are returned in module order.
func InferOutline(m *Module) []string {
	marked := mapset.NewThreadUnsafeSet[int]()
	for _, f := range m.Funcs {
		if f.HasIR() && hasLoop(f) {
			marked.Add(f.Index)
		}
	}
	marked = marked.Union(recursiveFuncs(m))

	var names []string
	for _, f := range m.Funcs {
		if marked.Contains(f.Index) && !f.IsOutline() {
			f.Attrs |= AttrOutline
			names = append(names, f.Name)
		}
	}
	return names
}

// Successors returns the successor blocks of bb.
func (b *Block) Successors() []int {
	if t := b.Terminator(); t != nil {
		return t.Targets
	}
	return nil
}

// hasLoop reports whether the CFG of f reachable from the entry block has a
// back edge.
func hasLoop(f *Func) bool {
	const (
		white = iota
		grey
		black
	)
	colour := make([]byte, len(f.Blocks))
	var visit func(int) bool
	visit = func(bb int) bool {
		colour[bb] = grey
		for _, s := range f.Blocks[bb].Successors() {
			switch colour[s] {
			case grey:
				return true
			case white:
				if visit(s) {
					return true
				}
			}
		}
		colour[bb] = black
		return false
	}
	return visit(0)
}

// callees returns the functions f calls directly.
func callees(f *Func) mapset.Set[int] {
	out := mapset.NewThreadUnsafeSet[int]()
	for _, bb := range f.Blocks {
		for _, in := range bb.Insts {
			if in.Op == OpCall {
				out.Add(in.Callee)
			}
		}
	}
	return out
}

// recursiveFuncs finds the functions on a cycle of the direct call graph
// using Tarjan's strongly connected components algorithm.
func recursiveFuncs(m *Module) mapset.Set[int] {
	var (
		index   = make([]int, len(m.Funcs))
		low     = make([]int, len(m.Funcs))
		onStack = make([]bool, len(m.Funcs))
		stack   []int
		next    = 1
		edges   = make([]mapset.Set[int], len(m.Funcs))
		result  = mapset.NewThreadUnsafeSet[int]()
	)
	for _, f := range m.Funcs {
		edges[f.Index] = callees(f)
	}
	var strong func(v int)
	strong = func(v int) {
		index[v], low[v] = next, next
		next++
		stack = append(stack, v)
		onStack[v] = true
		for _, w := range edges[v].ToSlice() {
			if index[w] == 0 {
				strong(w)
				low[v] = min(low[v], low[w])
			} else if onStack[w] {
				low[v] = min(low[v], index[w])
			}
		}
		if low[v] != index[v] {
			return
		}
		var scc []int
		for {
			w := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			onStack[w] = false
			scc = append(scc, w)
			if w == v {
				break
			}
		}
		if len(scc) > 1 || edges[v].Contains(v) {
			for _, w := range scc {
				result.Add(w)
			}
		}
	}
	for _, f := range m.Funcs {
		if index[f.Index] == 0 {
			strong(f.Index)
		}
	}
	return result
}
