package tir

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tracejit/tracejit/aot"
)

func TestFormatGuardWithoutSnapshot(t *testing.T) {
	tr := &Trace{Insts: []*Inst{
		{Op: OpParam, Ty: aot.I1},
		{Op: OpGuard, Args: []Operand{V(0)}},
	}}
	require.Equal(t, "guard false, %0, []", tr.FormatInst(1))
	require.Equal(t, "[]", tr.FormatGuardFrames(nil))
	require.NotPanics(t, func() { _ = tr.String() })
}
