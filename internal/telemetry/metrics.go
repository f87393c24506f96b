// Package telemetry defines the bridge's Prometheus metrics and the
// /metrics endpoint.
package telemetry

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// FramesSent counts frames handed to the runner, by kind (record, timer).
	FramesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ferry",
		Name:      "frames_sent_total",
		Help:      "Frames handed to the runner.",
	}, []string{"task", "kind"})

	// ResultsEmitted counts decoded results forwarded to the collector.
	ResultsEmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ferry",
		Name:      "results_emitted_total",
		Help:      "Decoded results forwarded to the host collector.",
	}, []string{"task"})

	// Sentinels counts end-of-input markers consumed from the runner.
	Sentinels = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ferry",
		Name:      "end_of_input_total",
		Help:      "End-of-input markers consumed from the runner.",
	}, []string{"task"})

	// BundlesFlushed counts completed flushes by trigger
	// (size, deadline, watermark, close).
	BundlesFlushed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ferry",
		Name:      "bundles_flushed_total",
		Help:      "Completed bundle flushes.",
	}, []string{"task", "trigger"})

	// FlushDuration observes the wall time of a finish-bundle plus drain.
	FlushDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "ferry",
		Name:      "flush_duration_seconds",
		Help:      "Wall time of a bundle flush including the drain.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"task"})

	// PendingDepth tracks frames sent and not yet acknowledged.
	PendingDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "ferry",
		Name:      "pending_inputs",
		Help:      "Frames sent and not yet acknowledged by the runner.",
	}, []string{"task"})
)

func Expose(port int) {
	go func() {
		http.Handle("/metrics", promhttp.Handler())
		_ = http.ListenAndServe(fmt.Sprintf(":%d", port), nil)
	}()
}
