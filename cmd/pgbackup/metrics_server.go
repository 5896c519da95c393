package main

import (
	"net/http"

	"github.com/cuemby/pgbackup/internal/log"
	"github.com/cuemby/pgbackup/internal/metrics"
)

// startMetricsServer serves the Prometheus and health endpoints in the
// background, grounded on cmd/warren/main.go's metrics HTTP wiring.
func startMetricsServer(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/health", metrics.HealthHandler())
	mux.Handle("/ready", metrics.ReadyHandler())
	mux.Handle("/live", metrics.LivenessHandler())
	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil {
			log.Logger.Warn().Err(err).Str("addr", addr).Msg("metrics server exited")
		}
	}()
	log.Logger.Info().Str("addr", addr).Msg("metrics endpoint listening")
}
