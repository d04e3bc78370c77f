// Package config holds the tunables of the JIT and loads them from TOML
// files and the environment.
package config

import (
	"bufio"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"unicode"

	"github.com/ethereum/go-ethereum/log"
	"github.com/naoina/toml"
	"github.com/pkg/errors"

	"github.com/tracejit/tracejit/core/jitlog"
)

// Environment variables consulted by ApplyEnv.
const (
	EnvHotThreshold         = "TRACEJIT_HOT_THRESHOLD"
	EnvLog                  = "TRACEJIT_LOG"
	EnvLogIR                = "TRACEJIT_LOG_IR"
	EnvSerialiseCompilation = "TRACEJIT_SERIALISE_COMPILATION"
	EnvOpt                  = "TRACEJIT_OPT"
	EnvMaxWorkers           = "TRACEJIT_MAX_WORKERS"
	EnvSideTraceThreshold   = "TRACEJIT_SIDETRACE_THRESHOLD"
	EnvDebug                = "TRACEJIT_DEBUG"
	EnvMetrics              = "TRACEJIT_METRICS"
)

// OptConfig selects optimiser passes.
type OptConfig struct {
	Enabled       bool
	MaxIterations int
	NoFold        bool `toml:",omitempty"`
	NoCSE         bool `toml:",omitempty"`
	NoDCE         bool `toml:",omitempty"`
}

// Config contains the tunables of a meta-tracer and its program runner.
type Config struct {
	// Disabled turns the JIT off: control points never change state.
	Disabled bool

	// HotThreshold is the number of visits a location is counted before it
	// is traced. Zero traces on the first visit.
	HotThreshold uint32

	// SideTraceThreshold is the number of times a guard of a compiled trace
	// fails before a side trace is recorded from it.
	SideTraceThreshold uint32

	// TraceFailureThreshold is the number of failed attempts at tracing or
	// compiling a location after which it is never traced again.
	TraceFailureThreshold uint16

	// MaxTraceLength bounds the number of recorded blocks.
	MaxTraceLength int

	// SerialiseCompilation compiles traces before the control point that
	// finished recording returns.
	SerialiseCompilation bool

	// MaxWorkers bounds the background compilation pool.
	MaxWorkers int

	LogLevel uint8
	LogIR    []string `toml:",omitempty"`

	Opt OptConfig

	// StackSize is the alloca stack of the program, in bytes.
	StackSize int

	PrintStats bool

	// Debug enables the verbose logs of the tracer and compiler.
	Debug bool `toml:",omitempty"`

	// Metrics collects counters and timers into the meta-tracer's registry.
	Metrics bool `toml:",omitempty"`
}

// Defaults contains default settings.
var Defaults = Config{
	HotThreshold:          131,
	SideTraceThreshold:    5,
	TraceFailureThreshold: 5,
	MaxTraceLength:        20000,
	MaxWorkers:            4,
	LogLevel:              uint8(jitlog.LevelError),
	Opt: OptConfig{
		Enabled:       true,
		MaxIterations: 8,
	},
	StackSize: 1 << 20,
}

// These settings ensure that TOML keys use the same names as Go struct fields.
var tomlSettings = toml.Config{
	NormFieldName: func(rt reflect.Type, key string) string {
		return key
	},
	FieldToKey: func(rt reflect.Type, field string) string {
		return field
	},
	MissingField: func(rt reflect.Type, field string) error {
		var link string
		if unicode.IsUpper(rune(rt.Name()[0])) && rt.PkgPath() != "main" {
			link = fmt.Sprintf(", see https://godoc.org/%s#%s for available fields", rt.PkgPath(), rt.Name())
		}
		return fmt.Errorf("field '%s' is not defined in %s%s", field, rt.String(), link)
	},
}

// Load decodes the TOML file into cfg. Fields absent from the file keep
// their current values.
func Load(file string, cfg *Config) error {
	f, err := os.Open(file)
	if err != nil {
		return err
	}
	defer f.Close()

	err = tomlSettings.NewDecoder(bufio.NewReader(f)).Decode(cfg)
	// Add file name to errors that have a line number.
	if _, ok := err.(*toml.LineError); ok {
		err = errors.New(file + ", " + err.Error())
	}
	return err
}

// Marshal renders cfg as TOML.
func Marshal(cfg *Config) ([]byte, error) {
	return tomlSettings.Marshal(cfg)
}

func parseBool(s string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "true", "yes", "on":
		return true, nil
	case "0", "false", "no", "off", "":
		return false, nil
	}
	return false, errors.Errorf("not a boolean: %q", s)
}

// ApplyEnv overrides cfg from environment variables found by lookup,
// usually os.LookupEnv.
func (cfg *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup(EnvHotThreshold); ok {
		n, err := strconv.ParseUint(strings.TrimSpace(v), 10, 32)
		if err != nil {
			return errors.Wrapf(err, "%s", EnvHotThreshold)
		}
		cfg.HotThreshold = uint32(n)
	}
	if v, ok := lookup(EnvSideTraceThreshold); ok {
		n, err := strconv.ParseUint(strings.TrimSpace(v), 10, 32)
		if err != nil {
			return errors.Wrapf(err, "%s", EnvSideTraceThreshold)
		}
		cfg.SideTraceThreshold = uint32(n)
	}
	if v, ok := lookup(EnvLog); ok {
		lv, err := jitlog.ParseLevel(v)
		if err != nil {
			return errors.Wrapf(err, "%s", EnvLog)
		}
		cfg.LogLevel = uint8(lv)
	}
	if v, ok := lookup(EnvLogIR); ok {
		kinds, err := jitlog.ParseIR(v)
		if err != nil {
			return errors.Wrapf(err, "%s", EnvLogIR)
		}
		cfg.LogIR = kinds
	}
	if v, ok := lookup(EnvSerialiseCompilation); ok {
		b, err := parseBool(v)
		if err != nil {
			return errors.Wrapf(err, "%s", EnvSerialiseCompilation)
		}
		cfg.SerialiseCompilation = b
	}
	if v, ok := lookup(EnvOpt); ok {
		b, err := parseBool(v)
		if err != nil {
			return errors.Wrapf(err, "%s", EnvOpt)
		}
		cfg.Opt.Enabled = b
	}
	if v, ok := lookup(EnvDebug); ok {
		b, err := parseBool(v)
		if err != nil {
			return errors.Wrapf(err, "%s", EnvDebug)
		}
		cfg.Debug = b
	}
	if v, ok := lookup(EnvMetrics); ok {
		b, err := parseBool(v)
		if err != nil {
			return errors.Wrapf(err, "%s", EnvMetrics)
		}
		cfg.Metrics = b
	}
	if v, ok := lookup(EnvMaxWorkers); ok {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil || n <= 0 {
			return errors.Errorf("%s: invalid worker count %q", EnvMaxWorkers, v)
		}
		cfg.MaxWorkers = n
	}
	return nil
}

// Sanitize clamps out of range values to their defaults.
func (cfg *Config) Sanitize() {
	if cfg.MaxTraceLength <= 0 {
		log.Warn("Sanitizing invalid max trace length", "provided", cfg.MaxTraceLength, "updated", Defaults.MaxTraceLength)
		cfg.MaxTraceLength = Defaults.MaxTraceLength
	}
	if cfg.MaxWorkers <= 0 {
		log.Warn("Sanitizing invalid compile workers", "provided", cfg.MaxWorkers, "updated", Defaults.MaxWorkers)
		cfg.MaxWorkers = Defaults.MaxWorkers
	}
	if cfg.StackSize <= 0 {
		log.Warn("Sanitizing invalid stack size", "provided", cfg.StackSize, "updated", Defaults.StackSize)
		cfg.StackSize = Defaults.StackSize
	}
	if cfg.LogLevel > uint8(jitlog.LevelEvent) {
		log.Warn("Sanitizing invalid log level", "provided", cfg.LogLevel, "updated", jitlog.LevelEvent)
		cfg.LogLevel = uint8(jitlog.LevelEvent)
	}
}
