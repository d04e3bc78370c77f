package mt

import (
	"io"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/olekukonko/tablewriter"
)

// Stats is a snapshot of what a meta-tracer did.
type Stats struct {
	TracesRecordedOK  uint64
	TracesRecordedErr uint64
	TracesCompiledOK  uint64
	TracesCompiledErr uint64
	SideTracesOK      uint64
	TraceExecutions   uint64
	Deopts            uint64
	GuardFailures     uint64

	Tracing   time.Duration
	Compiling time.Duration
	Executing time.Duration
}

type stats struct {
	recordedOK  atomic.Uint64
	recordedErr atomic.Uint64
	compiledOK  atomic.Uint64
	compiledErr atomic.Uint64
	sideOK      atomic.Uint64
	executions  atomic.Uint64
	deopts      atomic.Uint64
	guardFails  atomic.Uint64

	tracing   atomic.Int64
	compiling atomic.Int64
	executing atomic.Int64
}

func (s *stats) snapshot() Stats {
	return Stats{
		TracesRecordedOK:  s.recordedOK.Load(),
		TracesRecordedErr: s.recordedErr.Load(),
		TracesCompiledOK:  s.compiledOK.Load(),
		TracesCompiledErr: s.compiledErr.Load(),
		SideTracesOK:      s.sideOK.Load(),
		TraceExecutions:   s.executions.Load(),
		Deopts:            s.deopts.Load(),
		GuardFailures:     s.guardFails.Load(),
		Tracing:           time.Duration(s.tracing.Load()),
		Compiling:         time.Duration(s.compiling.Load()),
		Executing:         time.Duration(s.executing.Load()),
	}
}

// WriteTable renders the statistics as a two column table.
func (s Stats) WriteTable(w io.Writer) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Stat", "Value"})
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	u := func(v uint64) string { return strconv.FormatUint(v, 10) }
	d := func(v time.Duration) string { return common.PrettyDuration(v).String() }
	table.AppendBulk([][]string{
		{"traces recorded ok", u(s.TracesRecordedOK)},
		{"traces recorded err", u(s.TracesRecordedErr)},
		{"traces compiled ok", u(s.TracesCompiledOK)},
		{"traces compiled err", u(s.TracesCompiledErr)},
		{"side traces compiled ok", u(s.SideTracesOK)},
		{"trace executions", u(s.TraceExecutions)},
		{"deoptimisations", u(s.Deopts)},
		{"guard failures", u(s.GuardFailures)},
		{"time tracing", d(s.Tracing)},
		{"time compiling", d(s.Compiling)},
		{"time executing", d(s.Executing)},
	})
	table.Render()
}
