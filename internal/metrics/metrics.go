// Package metrics exposes the prometheus vectors this pipeline tracks,
// constructed the same way the teacher's metrics package does: one struct
// of promauto-built collectors, instantiated once and held for the life of
// the process.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ClientMetrics mirrors the teacher's per-dependency retry/failure/latency
// trio, reused here for each outbound integration (encoder, vector store,
// object store).
type ClientMetrics struct {
	RetryCount      *prometheus.GaugeVec
	FailureCount    *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
}

// PipelineMetrics tracks the C7 per-video phase durations and the C8 batch
// driver's job/item counters.
type PipelineMetrics struct {
	JobsInFlight       prometheus.Gauge
	ItemsProcessed     *prometheus.CounterVec
	ItemsFailed        *prometheus.CounterVec
	ItemsSkipped       prometheus.Counter
	ItemRetries        prometheus.Counter
	PhaseDurationSec   *prometheus.HistogramVec
	FramesExtracted    prometheus.Histogram
	FramesAfterDedupe  prometheus.Histogram
	UploadFailureCount prometheus.Counter
}

// Metrics bundles everything this process publishes on /metrics.
type Metrics struct {
	Pipeline      PipelineMetrics
	EncoderClient ClientMetrics
	VectorStore   ClientMetrics
	ObjectStore   ClientMetrics

	HTTPRequestsInFlight prometheus.Gauge
	Version              *prometheus.CounterVec
}

var durationBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60}

// New constructs and registers every collector. Called once at process
// startup, the same way the teacher builds its package-level Metrics var.
func New(appVersion string) *Metrics {
	m := &Metrics{
		Version: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "version",
			Help: "Current version running, incremented once on app startup.",
		}, []string{"app", "version"}),
		HTTPRequestsInFlight: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "http_requests_in_flight",
			Help: "Count of the HTTP requests currently being handled.",
		}),
		Pipeline: PipelineMetrics{
			JobsInFlight: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "jobs_in_flight",
				Help: "Count of batch jobs currently RUNNING.",
			}),
			ItemsProcessed: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "items_processed_total",
				Help: "WorkItems that reached a terminal state, by final state.",
			}, []string{"state"}),
			ItemsFailed: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "items_failed_total",
				Help: "WorkItems that failed permanently, by error kind.",
			}, []string{"error_kind"}),
			ItemsSkipped: promauto.NewCounter(prometheus.CounterOpts{
				Name: "items_skipped_total",
				Help: "WorkItems skipped because the source video was not found.",
			}),
			ItemRetries: promauto.NewCounter(prometheus.CounterOpts{
				Name: "item_retries_total",
				Help: "Number of times an item was re-queued for a retry attempt.",
			}),
			PhaseDurationSec: promauto.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "phase_duration_seconds",
				Help:    "Time spent in each C7 phase per item.",
				Buckets: durationBuckets,
			}, []string{"phase"}),
			FramesExtracted: promauto.NewHistogram(prometheus.HistogramOpts{
				Name:    "frames_extracted",
				Help:    "Number of scene-change frames extracted per video, before dedup.",
				Buckets: []float64{1, 2, 3, 5, 8, 13, 21, 34, 55},
			}),
			FramesAfterDedupe: promauto.NewHistogram(prometheus.HistogramOpts{
				Name:    "frames_after_dedupe",
				Help:    "Number of frames remaining per video after perceptual dedup.",
				Buckets: []float64{1, 2, 3, 5, 8, 13, 21, 34, 55},
			}),
			UploadFailureCount: promauto.NewCounter(prometheus.CounterOpts{
				Name: "frame_upload_failures_total",
				Help: "Number of individual frame uploads that failed (fire-and-forget, does not fail the job).",
			}),
		},
		EncoderClient: newClientMetrics("encoder_client"),
		VectorStore:   newClientMetrics("vector_store_client"),
		ObjectStore:   newClientMetrics("object_store_client"),
	}

	m.Version.WithLabelValues("frameforge-pipeline", appVersion).Inc()
	return m
}

func newClientMetrics(prefix string) ClientMetrics {
	return ClientMetrics{
		RetryCount: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: prefix + "_retry_count",
			Help: "Number of retried requests to this dependency.",
		}, []string{"host"}),
		FailureCount: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: prefix + "_failure_count",
			Help: "Total number of failed requests to this dependency.",
		}, []string{"host", "status_code"}),
		RequestDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    prefix + "_request_duration_seconds",
			Help:    "Latency of requests to this dependency.",
			Buckets: durationBuckets,
		}, []string{"host"}),
	}
}
