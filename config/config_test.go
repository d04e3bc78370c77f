package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func env(vars map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := vars[k]
		return v, ok
	}
}

func TestLoad(t *testing.T) {
	file := filepath.Join(t.TempDir(), "tracejit.toml")
	data := `
HotThreshold = 0
SerialiseCompilation = true
LogIR = ["aot", "jit-post-opt"]

[Opt]
Enabled = true
MaxIterations = 2
NoCSE = true
`
	require.NoError(t, os.WriteFile(file, []byte(data), 0o644))

	cfg := Defaults
	require.NoError(t, Load(file, &cfg))
	require.Zero(t, cfg.HotThreshold)
	require.True(t, cfg.SerialiseCompilation)
	require.Equal(t, []string{"aot", "jit-post-opt"}, cfg.LogIR)
	require.Equal(t, 2, cfg.Opt.MaxIterations)
	require.True(t, cfg.Opt.NoCSE)
	// untouched keys keep their defaults
	require.Equal(t, Defaults.MaxTraceLength, cfg.MaxTraceLength)
	require.Equal(t, Defaults.TraceFailureThreshold, cfg.TraceFailureThreshold)
}

func TestLoadUnknownField(t *testing.T) {
	file := filepath.Join(t.TempDir(), "bad.toml")
	require.NoError(t, os.WriteFile(file, []byte("HotTreshold = 3\n"), 0o644))

	cfg := Defaults
	err := Load(file, &cfg)
	require.Error(t, err)
	require.True(t, strings.HasPrefix(err.Error(), file+", "), err.Error())
	require.Contains(t, err.Error(), "HotTreshold")
}

func TestMarshalRoundTrip(t *testing.T) {
	out, err := Marshal(&Defaults)
	require.NoError(t, err)
	require.Contains(t, string(out), "HotThreshold = 131")

	file := filepath.Join(t.TempDir(), "dump.toml")
	require.NoError(t, os.WriteFile(file, out, 0o644))
	var cfg Config
	require.NoError(t, Load(file, &cfg))
	require.Equal(t, Defaults, cfg)
}

func TestApplyEnv(t *testing.T) {
	cfg := Defaults
	err := cfg.ApplyEnv(env(map[string]string{
		EnvHotThreshold:         "0",
		EnvLog:                  "4",
		EnvLogIR:                "jit-pre-opt",
		EnvSerialiseCompilation: "1",
		EnvOpt:                  "false",
		EnvMaxWorkers:           "2",
		EnvSideTraceThreshold:   "1",
		EnvDebug:                "on",
		EnvMetrics:              "true",
	}))
	require.NoError(t, err)
	require.Zero(t, cfg.HotThreshold)
	require.Equal(t, uint8(4), cfg.LogLevel)
	require.Equal(t, []string{"jit-pre-opt"}, cfg.LogIR)
	require.True(t, cfg.SerialiseCompilation)
	require.False(t, cfg.Opt.Enabled)
	require.Equal(t, 2, cfg.MaxWorkers)
	require.Equal(t, uint32(1), cfg.SideTraceThreshold)
	require.True(t, cfg.Debug)
	require.True(t, cfg.Metrics)

	for _, bad := range []map[string]string{
		{EnvHotThreshold: "-1"},
		{EnvLog: "9"},
		{EnvLogIR: "asm"},
		{EnvSerialiseCompilation: "maybe"},
		{EnvMaxWorkers: "0"},
		{EnvSideTraceThreshold: "x"},
		{EnvDebug: "loud"},
		{EnvMetrics: "2"},
	} {
		cfg := Defaults
		require.Error(t, cfg.ApplyEnv(env(bad)), "%v", bad)
	}
}

func TestSanitize(t *testing.T) {
	cfg := Config{LogLevel: 7}
	cfg.Sanitize()
	require.Equal(t, Defaults.MaxTraceLength, cfg.MaxTraceLength)
	require.Equal(t, Defaults.MaxWorkers, cfg.MaxWorkers)
	require.Equal(t, Defaults.StackSize, cfg.StackSize)
	require.Equal(t, uint8(4), cfg.LogLevel)
}
