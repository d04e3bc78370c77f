// Package jitlog writes the JIT's user visible diagnostic stream: lifecycle
// events, warnings about aborted traces and IR dumps. Lines are written
// verbatim so that program output and JIT events interleave in the order
// they happened.
package jitlog

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/pkg/errors"
)

// Level is the verbosity of the stream. Each level includes the ones below.
type Level uint8

const (
	LevelOff Level = iota
	LevelError
	LevelWarning
	LevelState
	LevelEvent
)

// IR dump kinds.
const (
	IRAot     = "aot"
	IRPreOpt  = "jit-pre-opt"
	IRPostOpt = "jit-post-opt"
)

var irKinds = mapset.NewSet(IRAot, IRPreOpt, IRPostOpt)

// Log is safe for concurrent use.
type Log struct {
	mu    sync.Mutex
	w     io.Writer
	level Level
	ir    mapset.Set[string]
}

// New returns a log writing to w.
func New(w io.Writer, level Level, ir []string) (*Log, error) {
	if level > LevelEvent {
		return nil, errors.Errorf("log level %d out of range", level)
	}
	l := &Log{w: w, level: level, ir: mapset.NewThreadUnsafeSet[string]()}
	for _, k := range ir {
		if !irKinds.Contains(k) {
			return nil, errors.Errorf("unknown IR kind %q", k)
		}
		l.ir.Add(k)
	}
	return l, nil
}

// Discard returns a log that drops everything.
func Discard() *Log {
	return &Log{w: io.Discard, ir: mapset.NewThreadUnsafeSet[string]()}
}

// ParseLevel parses a numeric level.
func ParseLevel(s string) (Level, error) {
	n, err := strconv.ParseUint(strings.TrimSpace(s), 10, 8)
	if err != nil || Level(n) > LevelEvent {
		return 0, errors.Errorf("invalid log level %q", s)
	}
	return Level(n), nil
}

// ParseIR parses a comma separated list of IR kinds.
func ParseIR(s string) ([]string, error) {
	var kinds []string
	for _, k := range strings.Split(s, ",") {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		if !irKinds.Contains(k) {
			return nil, errors.Errorf("unknown IR kind %q", k)
		}
		kinds = append(kinds, k)
	}
	return kinds, nil
}

func (l *Log) Level() Level { return l.level }

func (l *Log) enabled(lv Level) bool { return lv != LevelOff && lv <= l.level }

func (l *Log) line(lv Level, prefix, msg string) {
	if !l.enabled(lv) {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintf(l.w, "%s%s\n", prefix, msg)
}

// Writer returns a writer to the log's stream that is serialised with the
// log's own lines. Output that shares the stream must go through it.
func (l *Log) Writer() io.Writer { return lockedWriter{l} }

type lockedWriter struct{ l *Log }

func (w lockedWriter) Write(p []byte) (int, error) {
	w.l.mu.Lock()
	defer w.l.mu.Unlock()
	return w.l.w.Write(p)
}

// Error logs a condition the engine could not recover from cleanly.
func (l *Log) Error(format string, args ...interface{}) {
	l.line(LevelError, "jit-error: ", fmt.Sprintf(format, args...))
}

// Warn logs a contained failure, e.g. an aborted trace.
func (l *Log) Warn(format string, args ...interface{}) {
	l.line(LevelWarning, "", fmt.Sprintf(format, args...))
}

// State logs a change to what the engine holds, e.g. an installed trace.
func (l *Log) State(format string, args ...interface{}) {
	l.line(LevelState, "jit-state: ", fmt.Sprintf(format, args...))
}

// Event logs a lifecycle event.
func (l *Log) Event(name string) {
	l.line(LevelEvent, "jit-event: ", name)
}

// WantIR reports whether dumps of kind are requested.
func (l *Log) WantIR(kind string) bool {
	return l.ir.Contains(kind)
}

// IR writes a framed IR dump of kind if it was requested.
func (l *Log) IR(kind string, dump func(w io.Writer)) {
	if !l.WantIR(kind) {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintf(l.w, "--- Begin %s ---\n", kind)
	dump(l.w)
	fmt.Fprintf(l.w, "--- End %s ---\n", kind)
}
