package mt

import (
	"bytes"
	"testing"

	"github.com/ethereum/go-ethereum/metrics"
	"github.com/stretchr/testify/require"
)

func enableMetrics(t *testing.T) {
	t.Helper()
	was := metrics.Enabled
	metrics.Enabled = true
	t.Cleanup(func() { metrics.Enabled = was })
}

func counter(t *testing.T, r metrics.Registry, name string) int64 {
	t.Helper()
	c, ok := r.Get(name).(metrics.Counter)
	require.True(t, ok, name)
	return c.Snapshot().Count()
}

func TestMetricsRegistry(t *testing.T) {
	enableMetrics(t)
	cfg := testConfig(0)
	cfg.SideTraceThreshold = 1
	mt, _ := newMT(t, cfg)
	th := mt.NewThread()
	loc, root := compiledLocation(t, mt, th)
	mt.GuardFailure(th, loc, root, guardExit(root, 0, 1), 1)
	mt.ControlPoint(th, loc, 1, pos)

	r := mt.Metrics()
	require.Equal(t, int64(2), counter(t, r, "tracejit/trace/recorded"))
	require.Equal(t, int64(1), counter(t, r, "tracejit/trace/compiled"))
	require.Equal(t, int64(1), counter(t, r, "tracejit/trace/compiled/side"))
	require.Equal(t, int64(1), counter(t, r, "tracejit/guard/failed"))
	require.Zero(t, counter(t, r, "tracejit/trace/compiled/err"))

	var out bytes.Buffer
	metrics.WriteOnce(r, &out)
	require.Contains(t, out.String(), "counter tracejit/trace/compiled/side\n")
	require.Contains(t, out.String(), "timer tracejit/trace/compile\n")

	// each meta-tracer counts on its own
	other, _ := newMT(t, cfg)
	require.Zero(t, counter(t, other.Metrics(), "tracejit/trace/recorded"))
}

func TestMetricsDisabled(t *testing.T) {
	was := metrics.Enabled
	metrics.Enabled = false
	t.Cleanup(func() { metrics.Enabled = was })

	mt, _ := newMT(t, testConfig(0))
	th, loc := mt.NewThread(), mt.NewLocation()
	mt.ControlPoint(th, loc, 0, pos)
	mt.ControlPoint(th, loc, 0, pos)
	require.Zero(t, counter(t, mt.Metrics(), "tracejit/trace/recorded"))
	require.Equal(t, uint64(1), mt.Stats().TracesRecordedOK)
}
