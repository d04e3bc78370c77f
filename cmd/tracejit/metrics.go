package main

import (
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"

	"github.com/tracejit/tracejit/config"
)

// setupMetrics turns on metrics collection. It must run before the
// meta-tracer builds its registry, otherwise every meter is a no-op.
func setupMetrics(cfg *config.Config) {
	if !cfg.Metrics {
		return
	}
	log.Info("Enabling metrics collection")
	metrics.Enabled = true
}
