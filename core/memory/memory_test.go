package memory

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/tracejit/tracejit/aot"
)

func TestGlobalsAndLoads(t *testing.T) {
	m := New(0)
	g, err := m.AllocGlobal(4, []byte{0xe8, 0x03, 0, 0})
	require.NoError(t, err)
	require.Equal(t, Base, g)

	v, err := m.Load(g, aot.I32)
	require.NoError(t, err)
	require.Equal(t, uint64(1000), v)

	require.NoError(t, m.Store(g, aot.I32, 1005))
	v, _ = m.Load(g, aot.I32)
	require.Equal(t, uint64(1005), v)

	// globals cannot be added once the stack is in use
	m.StackMark()
	_, err = m.AllocGlobal(8, nil)
	require.True(t, errors.Is(err, ErrSealed))
}

func TestNullAndOutOfBounds(t *testing.T) {
	m := New(64)
	_, err := m.Load(0, aot.I64)
	require.True(t, errors.Is(err, ErrOutOfBounds))

	p := m.Malloc(8)
	require.NoError(t, m.Store(p, aot.I64, 7))
	_, err = m.Load(p+1<<30, aot.I8)
	require.True(t, errors.Is(err, ErrOutOfBounds))
}

func TestStackDiscipline(t *testing.T) {
	m := New(64)
	mark := m.StackMark()
	a, err := m.Alloca(12)
	require.NoError(t, err)
	b, err := m.Alloca(8)
	require.NoError(t, err)
	require.Equal(t, a+16, b)

	_, err = m.Alloca(64)
	require.True(t, errors.Is(err, ErrStackOverflow))

	m.Release(mark)
	c, err := m.Alloca(8)
	require.NoError(t, err)
	require.Equal(t, a, c)
}

func TestHeap(t *testing.T) {
	m := New(0)
	p := m.Malloc(5)
	require.NoError(t, m.Copy(p, p, 5))
	require.NoError(t, m.Set(p, 'a', 4))
	s, err := m.CString(p)
	require.NoError(t, err)
	require.Equal(t, "aaaa", s)

	require.Equal(t, 1, m.Live())
	require.NoError(t, m.Free(p))
	require.True(t, errors.Is(m.Free(p), ErrBadFree))
	require.NoError(t, m.Free(0))
}

func TestFuncAddrs(t *testing.T) {
	for _, idx := range []int{0, 1, 17} {
		got, ok := FuncIndex(FuncAddr(idx))
		require.True(t, ok)
		require.Equal(t, idx, got)
	}
	_, ok := FuncIndex(FuncAddr(1) + 1)
	require.False(t, ok)
	_, ok = FuncIndex(Base)
	require.False(t, ok)
}
