// tracejit runs AOT programs under the meta-tracing JIT.
package main

import (
	"fmt"
	"os"

	"github.com/ethereum/go-ethereum/log"
	"github.com/urfave/cli/v2"
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/tracejit/tracejit/aot"
	"github.com/tracejit/tracejit/core/vm/runtime"
)

var (
	// Git SHA1 commit hash of the release (set via linker flags)
	gitCommit = ""
	gitDate   = ""

	app *cli.App
)

var runCommand = &cli.Command{
	Action:    run,
	Name:      "run",
	Usage:     "Run a program, tracing and compiling its hot loops",
	ArgsUsage: "<file.aot> [args...]",
	Flags:     append([]cli.Flag{funcFlag}, jitFlags...),
	Description: `
The program's stdout and stderr are the tool's own. JIT events selected with
--jit.log (or TRACEJIT_LOG) are interleaved with the program's stderr.`,
}

func init() {
	app = cli.NewApp()
	app.Name = "tracejit"
	app.Usage = "a meta-tracing JIT for AOT IR programs"
	app.Version = versionString()
	app.Copyright = "Copyright 2024 The tracejit Authors"
	app.Flags = logFlags
	app.Before = setupLogging
	app.Commands = []*cli.Command{
		runCommand,
		dumpCommand,
		dotCommand,
		dumpConfigCommand,
	}
}

func versionString() string {
	v := "0.1.0"
	if gitCommit != "" {
		n := len(gitCommit)
		if n > 8 {
			n = 8
		}
		v += "-" + gitCommit[:n]
	}
	if gitDate != "" {
		v += "-" + gitDate
	}
	return v
}

func main() {
	// Match GOMAXPROCS to the container's CPU quota.
	undo, err := maxprocs.Set(maxprocs.Logger(func(format string, args ...interface{}) {
		log.Debug(fmt.Sprintf(format, args...))
	}))
	if err != nil {
		log.Warn("Failed to set GOMAXPROCS", "err", err)
	}
	defer undo()

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadModule parses the program named by the first argument and marks the
// functions that must not be traced through.
func loadModule(ctx *cli.Context) (*aot.Module, error) {
	if ctx.NArg() < 1 {
		return nil, cli.Exit("missing program file", 2)
	}
	mod, err := aot.LoadFile(ctx.Args().First())
	if err != nil {
		return nil, err
	}
	aot.InferOutline(mod)
	return mod, nil
}

func run(ctx *cli.Context) error {
	cfg, err := makeConfig(ctx, os.LookupEnv)
	if err != nil {
		return err
	}
	setupMetrics(&cfg)
	mod, err := loadModule(ctx)
	if err != nil {
		return err
	}
	res, err := runtime.Execute(mod, &runtime.Config{
		JIT:   cfg,
		Entry: ctx.String(funcFlag.Name),
		Args:  ctx.Args().Slice(),
	})
	if err != nil {
		return cli.Exit(err, 1)
	}
	log.Debug("Program finished", "code", res.ExitCode, "traces", res.Stats.TracesCompiledOK)
	if res.ExitCode != 0 {
		return cli.Exit("", res.ExitCode)
	}
	return nil
}
