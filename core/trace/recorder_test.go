package trace

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestOutlineDepth(t *testing.T) {
	r := NewRecorder(Pos{Func: 0, BB: 2, Inst: 1}, 0)
	r.EnterBlock(0, 1)
	r.EnterCall(false) // inlined callee
	r.EnterBlock(1, 0)
	r.EnterCall(true) // outlined callee
	r.EnterBlock(2, 0)
	r.EnterCall(false) // nested inside the outlined call
	r.EnterBlock(3, 0)
	r.Promote(99)
	r.IndirectCall(0x10)
	if r.OutlineDepth() != 2 {
		t.Fatalf("depth = %d, want 2", r.OutlineDepth())
	}
	r.Return()
	r.EnterBlock(2, 1)
	r.Return()
	if !r.Recording() {
		t.Fatalf("recording not resumed after the outlined call returned")
	}
	r.Promote(7)
	r.Return() // leaves the inlined callee
	r.EnterBlock(0, 2)

	tr, err := r.Finish()
	if err != nil {
		t.Fatal(err)
	}
	want := []Block{{0, 1}, {1, 0}, {0, 2}}
	if len(tr.Blocks) != len(want) {
		t.Fatalf("blocks = %v, want %v", tr.Blocks, want)
	}
	for i := range want {
		if tr.Blocks[i] != want[i] {
			t.Errorf("block %d = %v, want %v", i, tr.Blocks[i], want[i])
		}
	}
	if len(tr.Promotions) != 1 || tr.Promotions[0] != 7 {
		t.Errorf("promotions = %v, want [7]", tr.Promotions)
	}
	if len(tr.Targets) != 0 {
		t.Errorf("targets inside outlined code were recorded: %v", tr.Targets)
	}
	if tr.Start.String() != "f0:bb2:1" {
		t.Errorf("start = %v", tr.Start)
	}
}

func TestTooLong(t *testing.T) {
	r := NewRecorder(Pos{}, 3)
	for i := 0; i < 3; i++ {
		r.EnterBlock(0, i)
	}
	if r.TooLong() {
		t.Fatal("budget hit early")
	}
	r.EnterBlock(0, 3)
	if !r.TooLong() {
		t.Fatal("budget not enforced")
	}
	if _, err := r.Finish(); !errors.Is(err, ErrTooLong) {
		t.Fatalf("err = %v, want ErrTooLong", err)
	}
}

func TestSideRecorder(t *testing.T) {
	root := NewRecorder(Pos{Func: 0, BB: 2, Inst: 1}, 0)
	tr, err := root.Finish()
	require.NoError(t, err)
	require.False(t, tr.Side)
	require.Equal(t, -1, tr.Prev)
	require.Equal(t, tr.Start, tr.End())

	guard := Pos{Func: 0, BB: 2, Inst: 3}
	r := NewSideRecorder(guard, 1, Pos{Func: 0, BB: 2, Inst: 1}, 0)
	r.EnterBlock(0, 4)
	r.EnterBlock(0, 1)
	r.EnterBlock(0, 2)
	tr, err = r.Finish()
	require.NoError(t, err)
	require.True(t, tr.Side)
	require.Equal(t, guard, tr.Start)
	require.Equal(t, 1, tr.Prev)
	require.Equal(t, Pos{Func: 0, BB: 2, Inst: 1}, tr.End())
	require.Equal(t, []Block{{0, 4}, {0, 1}, {0, 2}}, tr.Blocks)
}
