// Package metrics registers and serves Prometheus collectors for backup
// and restore runs, plus the HTTP health/readiness/liveness endpoints
// served alongside them. No code in this module increments, sets or
// observes the collectors, so they report zero values.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Dispatch metrics.
	JobsDispatchedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pgbackup_jobs_dispatched_total",
			Help: "Total number of copy jobs dispatched by stanza and operation",
		},
		[]string{"stanza", "operation"},
	)

	JobsFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pgbackup_jobs_failed_total",
			Help: "Total number of copy jobs that failed by stanza and operation",
		},
		[]string{"stanza", "operation"},
	)

	JobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pgbackup_job_duration_seconds",
			Help:    "Time taken to complete a single copy job",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"stanza", "operation"},
	)

	DispatchQueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pgbackup_dispatch_queue_depth",
			Help: "Number of jobs currently queued or in flight, by stanza",
		},
		[]string{"stanza"},
	)

	// File/byte throughput.
	BytesCopiedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pgbackup_bytes_copied_total",
			Help: "Total bytes copied to the repository by stanza",
		},
		[]string{"stanza"},
	)

	FilesCopiedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pgbackup_files_copied_total",
			Help: "Total files copied (not referenced) by stanza",
		},
		[]string{"stanza"},
	)

	FilesReferencedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pgbackup_files_referenced_total",
			Help: "Total files satisfied by reference to a prior backup, by stanza",
		},
		[]string{"stanza"},
	)

	// Manifest build.
	ManifestBuildDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pgbackup_manifest_build_duration_seconds",
			Help:    "Time taken to build the manifest before dispatch, by stanza",
			Buckets: []float64{0.5, 1, 5, 10, 30, 60, 300, 900, 1800},
		},
		[]string{"stanza"},
	)

	// Storage driver metrics (S3 in particular, but labeled generically).
	DriverRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pgbackup_driver_requests_total",
			Help: "Total storage driver requests by driver, operation and status",
		},
		[]string{"driver", "operation", "status"},
	)

	DriverRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pgbackup_driver_request_duration_seconds",
			Help:    "Storage driver request duration by driver and operation",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"driver", "operation"},
	)

	RetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pgbackup_retries_total",
			Help: "Total retry attempts by operation",
		},
		[]string{"operation"},
	)

	CredentialRefreshesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pgbackup_credential_refreshes_total",
			Help: "Total number of storage credential refreshes (IMDSv2/web-identity)",
		},
	)

	// Protocol.
	ProtocolSessionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pgbackup_protocol_sessions_total",
			Help: "Total protocol sessions opened by peer",
		},
		[]string{"peer"},
	)

	ProtocolRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pgbackup_protocol_request_duration_seconds",
			Help:    "Protocol request round-trip duration by command",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"command"},
	)
)

func init() {
	prometheus.MustRegister(
		JobsDispatchedTotal,
		JobsFailedTotal,
		JobDuration,
		DispatchQueueDepth,
		BytesCopiedTotal,
		FilesCopiedTotal,
		FilesReferencedTotal,
		ManifestBuildDuration,
		DriverRequestsTotal,
		DriverRequestDuration,
		RetriesTotal,
		CredentialRefreshesTotal,
		ProtocolSessionsTotal,
		ProtocolRequestDuration,
	)
}

// Handler returns the Prometheus scrape HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a small helper for timing an operation and recording it to
// a histogram once it completes.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time to histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the elapsed time to a histogram vec under
// the given label values.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
