package gopool

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPoolWait(t *testing.T) {
	p, err := New(2)
	require.NoError(t, err)

	var n atomic.Int32
	for i := 0; i < 20; i++ {
		require.NoError(t, p.Submit(func() { n.Add(1) }))
	}
	p.Wait()
	require.Equal(t, int32(20), n.Load())

	p.Release()
	require.Error(t, p.Submit(func() {}))
	// a rejected task must not leave Wait hanging
	p.Wait()
}
