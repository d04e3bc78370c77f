package mt

import (
	"fmt"
	"io"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"

	"github.com/tracejit/tracejit/core/jit/codegen"
	"github.com/tracejit/tracejit/core/jit/opt"
	"github.com/tracejit/tracejit/core/jit/tir"
	"github.com/tracejit/tracejit/core/jitlog"
	"github.com/tracejit/tracejit/core/trace"
)

// submit queues the compilation of tr for loc. key names the guard a side
// trace belongs to and is nil for a root trace. With SerialiseCompilation
// it also waits for the result.
func (mt *MT) submit(loc *Location, tr *trace.Trace, key *guardKey) {
	id := mt.nextTrace.Add(1)
	done := make(chan struct{})
	job := func() {
		defer close(done)
		mt.compileJob(loc, tr, id, key)
	}

	mt.closeMu.RLock()
	var err error
	if mt.closed {
		err = ErrShutdown
	} else {
		err = mt.pool.Submit(job)
	}
	mt.closeMu.RUnlock()
	if err != nil {
		mt.compileFailed(loc, id, key, errors.Wrap(err, "cannot queue compilation"))
		return
	}
	if mt.cfg.SerialiseCompilation {
		<-done
	}
}

func (mt *MT) compileJob(loc *Location, tr *trace.Trace, id uint64, key *guardKey) {
	start := time.Now()
	ct, err := mt.safeCompile(tr, id)
	elapsed := time.Since(start)
	mt.meters.compileTimer.Update(elapsed)
	mt.stats.compiling.Add(int64(elapsed))
	if err != nil {
		mt.compileFailed(loc, id, key, err)
		return
	}

	loc.mu.Lock()
	if loc.dropped {
		loc.mu.Unlock()
		mt.logger.Debug("Discarding trace of dropped location", "loc", loc.id, "trace", id)
		return
	}
	if key != nil {
		gs := loc.guard(*key)
		gs.side, gs.compiling = ct, false
		loc.mu.Unlock()

		mt.stats.sideOK.Add(1)
		mt.meters.sideCompiled.Inc(1)
		mt.jlog.State("compiled side trace #%d (%d insts, %d guards)", id, ct.NumInsts(), len(ct.Guards))
		mt.logger.Debug("Installed side trace", "loc", loc.id, "trace", id, "parent", key.trace, "guard", key.guard, "elapsed", common.PrettyDuration(elapsed))
		return
	}
	loc.install(ct)
	loc.mu.Unlock()

	mt.stats.compiledOK.Add(1)
	mt.meters.compiled.Inc(1)
	mt.jlog.State("compiled trace #%d (%d insts, %d guards)", id, ct.NumInsts(), len(ct.Guards))
	mt.logger.Debug("Installed compiled trace", "loc", loc.id, "trace", id, "elapsed", common.PrettyDuration(elapsed))
}

func (mt *MT) compileFailed(loc *Location, id uint64, key *guardKey, err error) {
	loc.mu.Lock()
	if !loc.dropped {
		if key != nil {
			loc.guard(*key).failed(mt.cfg.TraceFailureThreshold)
		} else {
			loc.failed(mt.cfg.TraceFailureThreshold)
		}
	}
	loc.mu.Unlock()
	mt.stats.compiledErr.Add(1)
	mt.meters.compiledErr.Inc(1)
	mt.jlog.Warn("trace-compilation-aborted: %v", err)
	mt.dbg.Warn("Trace compilation failed", "loc", loc.id, "trace", id, "err", err)
}

// safeCompile turns a panic of the compiler into an error so that a bad
// trace only costs the location its trace.
func (mt *MT) safeCompile(tr *trace.Trace, id uint64) (ct *codegen.CompiledTrace, err error) {
	defer func() {
		if r := recover(); r != nil {
			mt.dbg.Error("Trace compiler panicked", "trace", id, "panic", r)
			ct, err = nil, fmt.Errorf("compiler panic: %v", r)
		}
	}()
	return mt.compiler(tr, id)
}

// compile is the default pipeline: build the trace IR, optimise it and
// lower it, dumping the IR at each stage when requested.
func (mt *MT) compile(tr *trace.Trace, id uint64) (*codegen.CompiledTrace, error) {
	mt.jlog.IR(jitlog.IRAot, func(w io.Writer) { mt.mod.Write(w) })

	t, err := tir.Build(mt.mod, tr)
	if err != nil {
		return nil, err
	}
	mt.jlog.IR(jitlog.IRPreOpt, func(w io.Writer) { t.Write(w) })

	if mt.cfg.Opt.Enabled {
		res := opt.Optimize(t, opt.Config{
			MaxIterations: mt.cfg.Opt.MaxIterations,
			NoFold:        mt.cfg.Opt.NoFold,
			NoCSE:         mt.cfg.Opt.NoCSE,
			NoDCE:         mt.cfg.Opt.NoDCE,
		})
		mt.dbg.Info("Optimised trace", "trace", id, "iterations", res.Iterations, "removed", res.Removed, "fixpoint", res.FixedPoint)
	}
	mt.jlog.IR(jitlog.IRPostOpt, func(w io.Writer) { t.Write(w) })

	return codegen.Compile(t, mt.mod, id)
}
