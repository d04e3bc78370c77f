package jit

import (
	"bytes"
	"testing"

	"github.com/ethereum/go-ethereum/log"
	"github.com/stretchr/testify/require"
)

func TestDebugGated(t *testing.T) {
	var buf bytes.Buffer
	logger := log.NewLogger(log.NewTerminalHandler(&buf, false))

	off := NewDebug(false, logger)
	require.False(t, off.Enabled())
	off.Warn("Trace compilation failed", "trace", 1)
	off.Info("Optimised trace", "trace", 1)
	off.Error("Trace compiler panicked", "trace", 1)
	require.Zero(t, buf.Len())

	on := NewDebug(true, logger)
	require.True(t, on.Enabled())
	on.Warn("Trace compilation failed", "trace", 7)
	on.Info("Optimised trace", "removed", 3)
	on.Error("Trace compiler panicked", "panic", "boom")
	out := buf.String()
	require.Contains(t, out, "Trace compilation failed")
	require.Contains(t, out, "trace=7")
	require.Contains(t, out, "removed=3")
	require.Contains(t, out, "panic=boom")

	var nilDebug *Debug
	require.False(t, nilDebug.Enabled())
	require.NotPanics(t, func() { nilDebug.Warn("dropped") })
}
