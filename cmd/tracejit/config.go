package main

import (
	"os"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"

	"github.com/tracejit/tracejit/config"
	"github.com/tracejit/tracejit/core/jitlog"
)

var dumpConfigCommand = &cli.Command{
	Action:      dumpConfig,
	Name:        "dumpconfig",
	Usage:       "Export configuration values in a TOML format",
	ArgsUsage:   "<dumpfile (optional)>",
	Flags:       jitFlags,
	Description: `Export configuration values in TOML format (to stdout by default).`,
}

// makeConfig layers the configuration: defaults, then the config file, then
// the environment and finally command line flags.
func makeConfig(ctx *cli.Context, lookup func(string) (string, bool)) (config.Config, error) {
	cfg := config.Defaults
	if file := ctx.String(configFileFlag.Name); file != "" {
		if err := config.Load(file, &cfg); err != nil {
			return cfg, err
		}
	}
	if err := cfg.ApplyEnv(lookup); err != nil {
		return cfg, err
	}
	if ctx.IsSet(disableFlag.Name) {
		cfg.Disabled = ctx.Bool(disableFlag.Name)
	}
	if ctx.IsSet(hotThresholdFlag.Name) {
		cfg.HotThreshold = uint32(ctx.Uint(hotThresholdFlag.Name))
	}
	if ctx.IsSet(sideThresholdFlag.Name) {
		cfg.SideTraceThreshold = uint32(ctx.Uint(sideThresholdFlag.Name))
	}
	if ctx.IsSet(failureThresholdFlag.Name) {
		cfg.TraceFailureThreshold = uint16(ctx.Uint(failureThresholdFlag.Name))
	}
	if ctx.IsSet(maxTraceLengthFlag.Name) {
		cfg.MaxTraceLength = ctx.Int(maxTraceLengthFlag.Name)
	}
	if ctx.IsSet(serialiseFlag.Name) {
		cfg.SerialiseCompilation = ctx.Bool(serialiseFlag.Name)
	}
	if ctx.IsSet(workersFlag.Name) {
		cfg.MaxWorkers = ctx.Int(workersFlag.Name)
	}
	if ctx.IsSet(noOptFlag.Name) {
		cfg.Opt.Enabled = !ctx.Bool(noOptFlag.Name)
	}
	if ctx.IsSet(stackSizeFlag.Name) {
		cfg.StackSize = ctx.Int(stackSizeFlag.Name)
	}
	if ctx.IsSet(statsFlag.Name) {
		cfg.PrintStats = ctx.Bool(statsFlag.Name)
	}
	if ctx.IsSet(debugFlag.Name) {
		cfg.Debug = ctx.Bool(debugFlag.Name)
	}
	if ctx.IsSet(metricsEnabledFlag.Name) {
		cfg.Metrics = ctx.Bool(metricsEnabledFlag.Name)
	}
	if ctx.IsSet(jitLogFlag.Name) {
		lv := ctx.Uint(jitLogFlag.Name)
		if lv > uint(jitlog.LevelEvent) {
			return cfg, errors.Errorf("invalid --%s %d", jitLogFlag.Name, lv)
		}
		cfg.LogLevel = uint8(lv)
	}
	if ctx.IsSet(jitLogIRFlag.Name) {
		kinds, err := jitlog.ParseIR(ctx.String(jitLogIRFlag.Name))
		if err != nil {
			return cfg, errors.Wrapf(err, "--%s", jitLogIRFlag.Name)
		}
		cfg.LogIR = kinds
	}
	return cfg, nil
}

// dumpConfig is the dumpconfig command.
func dumpConfig(ctx *cli.Context) error {
	cfg, err := makeConfig(ctx, os.LookupEnv)
	if err != nil {
		return err
	}
	out, err := config.Marshal(&cfg)
	if err != nil {
		return err
	}

	dump := os.Stdout
	if ctx.NArg() > 0 {
		dump, err = os.OpenFile(ctx.Args().Get(0), os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
		if err != nil {
			return err
		}
		defer dump.Close()
	}
	dump.Write(out)
	return nil
}
