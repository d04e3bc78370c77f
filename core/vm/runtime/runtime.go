// Package runtime runs a whole AOT program under the meta-tracer, wiring the
// interpreter, the JIT log and the compile pool together the way the
// command line tool does.
package runtime

import (
	"io"
	"os"

	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"
	"github.com/pkg/errors"

	"github.com/tracejit/tracejit/aot"
	"github.com/tracejit/tracejit/config"
	"github.com/tracejit/tracejit/core/jitlog"
	"github.com/tracejit/tracejit/core/memory"
	"github.com/tracejit/tracejit/core/mt"
	"github.com/tracejit/tracejit/core/vm"
)

// Config is a basic type specifying certain configuration flags for running
// a program.
type Config struct {
	JIT    config.Config
	Stdout io.Writer
	Stderr io.Writer
	Entry  string
	Args   []string // argv, including the program name

	// Fatal overrides the meta-tracer's handler for unrecoverable errors.
	Fatal func(msg string, ctx ...interface{})
}

// Result is the outcome of a finished program.
type Result struct {
	ExitCode int
	Return   uint64
	Stats    mt.Stats
	Outlined []string
}

// sets defaults on the config
func setDefaults(cfg *Config) {
	if cfg.Stdout == nil {
		cfg.Stdout = os.Stdout
	}
	if cfg.Stderr == nil {
		cfg.Stderr = os.Stderr
	}
	if cfg.Entry == "" {
		cfg.Entry = "main"
	}
	if len(cfg.Args) == 0 {
		cfg.Args = []string{cfg.Entry}
	}
}

// Execute runs mod from its entry function until it returns or exits.
//
// Program faults are returned as errors; a call to exit is not an error and
// is reported through Result.ExitCode.
func Execute(mod *aot.Module, cfg *Config) (*Result, error) {
	if cfg == nil {
		cfg = new(Config)
	}
	setDefaults(cfg)

	res := &Result{Outlined: aot.InferOutline(mod)}
	if len(res.Outlined) > 0 {
		log.Debug("Inferred outline functions", "funcs", res.Outlined)
	}
	jlog, err := jitlog.New(cfg.Stderr, jitlog.Level(cfg.JIT.LogLevel), cfg.JIT.LogIR)
	if err != nil {
		return nil, err
	}
	opts := []mt.Option{mt.WithLog(jlog)}
	if cfg.Fatal != nil {
		opts = append(opts, mt.WithFatal(cfg.Fatal))
	}
	m, err := mt.New(mod, cfg.JIT, opts...)
	if err != nil {
		return nil, err
	}
	defer m.Shutdown()

	// compile workers log while the program writes to stderr
	stderr := jlog.Writer()
	interp, err := vm.New(mod, vm.Config{Stdout: cfg.Stdout, Stderr: stderr, StackSize: cfg.JIT.StackSize}, m)
	if err != nil {
		return nil, err
	}
	entry := mod.Func(cfg.Entry)
	if entry == nil || entry.Extern {
		return nil, errors.Wrapf(vm.ErrNoEntry, "@%s", cfg.Entry)
	}
	args, err := entryArgs(interp.Memory(), entry, cfg.Args)
	if err != nil {
		return nil, err
	}

	ret, err := interp.Run(cfg.Entry, args...)
	var exit *vm.ExitError
	switch {
	case errors.As(err, &exit):
		res.ExitCode = exit.Code
	case err != nil:
		return nil, err
	default:
		res.Return = ret
		if entry.Ret.IsInt() {
			res.ExitCode = int(int32(entry.Ret.SignExtend(ret)))
		}
	}

	m.Wait()
	res.Stats = m.Stats()
	if cfg.JIT.PrintStats {
		res.Stats.WriteTable(stderr)
		if cfg.JIT.Metrics {
			metrics.WriteOnce(m.Metrics(), stderr)
		}
	}
	return res, nil
}

// entryArgs builds argc and argv for an entry function that takes them.
func entryArgs(mem *memory.Memory, entry *aot.Func, argv []string) ([]uint64, error) {
	switch len(entry.Params) {
	case 0:
		return nil, nil
	case 2:
		if entry.Params[0].IsInt() && entry.Params[1] == aot.Ptr {
			break
		}
		fallthrough
	default:
		return nil, errors.Errorf("entry @%s must take no arguments or (argc, argv)", entry.Name)
	}
	arr := mem.Malloc(8 * (len(argv) + 1))
	for i, a := range argv {
		s := mem.Malloc(len(a) + 1)
		b, err := mem.Bytes(s, len(a))
		if err != nil {
			return nil, err
		}
		copy(b, a)
		if err := mem.Store(arr+uint64(8*i), aot.Ptr, s); err != nil {
			return nil, err
		}
	}
	return []uint64{uint64(len(argv)), arr}, nil
}
