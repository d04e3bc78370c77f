package main

import (
	"github.com/urfave/cli/v2"

	"github.com/tracejit/tracejit/config"
)

const (
	jitCategory     = "JIT"
	loggingCategory = "LOGGING AND DEBUGGING"
	metricsCategory = "METRICS AND STATS"
)

var (
	configFileFlag = &cli.StringFlag{
		Name:     "config",
		Usage:    "TOML configuration file",
		Category: jitCategory,
	}
	disableFlag = &cli.BoolFlag{
		Name:     "jit.disable",
		Usage:    "Run the program in the interpreter only",
		Category: jitCategory,
	}
	hotThresholdFlag = &cli.UintFlag{
		Name:     "jit.threshold",
		Usage:    "Number of visits before a location is traced",
		Value:    uint(config.Defaults.HotThreshold),
		Category: jitCategory,
	}
	failureThresholdFlag = &cli.UintFlag{
		Name:     "jit.failures",
		Usage:    "Failed tracing attempts after which a location is never traced again",
		Value:    uint(config.Defaults.TraceFailureThreshold),
		Category: jitCategory,
	}
	maxTraceLengthFlag = &cli.IntFlag{
		Name:     "jit.maxlength",
		Usage:    "Maximum number of blocks in a trace",
		Value:    config.Defaults.MaxTraceLength,
		Category: jitCategory,
	}
	serialiseFlag = &cli.BoolFlag{
		Name:     "jit.serialise",
		Usage:    "Compile traces synchronously at the control point that finished them",
		Category: jitCategory,
	}
	workersFlag = &cli.IntFlag{
		Name:     "jit.workers",
		Usage:    "Number of background compilation workers",
		Value:    config.Defaults.MaxWorkers,
		Category: jitCategory,
	}
	noOptFlag = &cli.BoolFlag{
		Name:     "jit.noopt",
		Usage:    "Disable the trace optimiser",
		Category: jitCategory,
	}
	stackSizeFlag = &cli.IntFlag{
		Name:     "stack",
		Usage:    "Size of the program's alloca stack in bytes",
		Value:    config.Defaults.StackSize,
		Category: jitCategory,
	}
	statsFlag = &cli.BoolFlag{
		Name:     "stats",
		Usage:    "Print JIT statistics when the program ends",
		Category: jitCategory,
	}
	sideThresholdFlag = &cli.UintFlag{
		Name:     "jit.sidethreshold",
		Usage:    "Number of failures of a guard before a side trace is recorded from it",
		Value:    uint(config.Defaults.SideTraceThreshold),
		Category: jitCategory,
	}
	debugFlag = &cli.BoolFlag{
		Name:     "jit.debug",
		Usage:    "Log the internals of the tracer and compiler",
		Category: jitCategory,
	}

	metricsEnabledFlag = &cli.BoolFlag{
		Name:     "metrics",
		Usage:    "Enable metrics collection and reporting",
		Category: metricsCategory,
	}

	jitLogFlag = &cli.UintFlag{
		Name:     "jit.log",
		Usage:    "JIT log level: 0=off, 1=error, 2=warning, 3=jit-state, 4=jit-event",
		Value:    uint(config.Defaults.LogLevel),
		Category: loggingCategory,
	}
	jitLogIRFlag = &cli.StringFlag{
		Name:     "jit.log.ir",
		Usage:    "Comma separated IR dumps: aot, jit-pre-opt, jit-post-opt",
		Category: loggingCategory,
	}
	verbosityFlag = &cli.IntFlag{
		Name:     "verbosity",
		Usage:    "Logging verbosity: 0=silent, 1=error, 2=warn, 3=info, 4=debug, 5=detail",
		Value:    2,
		Category: loggingCategory,
	}
	logFileFlag = &cli.StringFlag{
		Name:     "log.file",
		Usage:    "Write engine logs to a rotated file instead of stderr",
		Category: loggingCategory,
	}
	logMaxSizeFlag = &cli.IntFlag{
		Name:     "log.maxsize",
		Usage:    "Maximum size in megabytes of the log file before it is rotated",
		Value:    100,
		Category: loggingCategory,
	}
	logMaxBackupsFlag = &cli.IntFlag{
		Name:     "log.maxbackups",
		Usage:    "Maximum number of rotated log files to keep",
		Value:    10,
		Category: loggingCategory,
	}
	logCompressFlag = &cli.BoolFlag{
		Name:     "log.compress",
		Usage:    "Compress rotated log files",
		Category: loggingCategory,
	}

	colorFlag = &cli.BoolFlag{
		Name:  "color",
		Usage: "Highlight the output (default when writing to a terminal)",
	}
	funcFlag = &cli.StringFlag{
		Name:  "func",
		Usage: "Function to run or draw",
		Value: "main",
	}
	outFlag = &cli.StringFlag{
		Name:  "out",
		Usage: "Output file path (.dot or .svg). If empty, write DOT to stdout",
	}
	titleFlag = &cli.StringFlag{
		Name:  "title",
		Usage: "Graph title",
	}
)

var (
	jitFlags = []cli.Flag{
		configFileFlag,
		disableFlag,
		hotThresholdFlag,
		sideThresholdFlag,
		failureThresholdFlag,
		maxTraceLengthFlag,
		serialiseFlag,
		workersFlag,
		noOptFlag,
		stackSizeFlag,
		statsFlag,
		debugFlag,
		metricsEnabledFlag,
		jitLogFlag,
		jitLogIRFlag,
	}
	logFlags = []cli.Flag{
		verbosityFlag,
		logFileFlag,
		logMaxSizeFlag,
		logMaxBackupsFlag,
		logCompressFlag,
	}
)
