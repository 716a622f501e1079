// Package metrics holds the process-wide prometheus recorder. It is
// constructed once at startup and passed by reference to every component.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder aggregates the counters, gauges and histograms of the
// verification core.
type Recorder struct {
	registry *prometheus.Registry

	VerificationsTotal   *prometheus.CounterVec
	VerificationDuration prometheus.Histogram
	VerificationScore    prometheus.Histogram

	DiscoveryFailures  prometheus.Counter
	SSHSessionsActive  prometheus.Gauge
	SSHAcquireRejected prometheus.Counter

	BinaryRuns        *prometheus.CounterVec
	BinaryKills       prometheus.Counter
	ParseFallbackUsed *prometheus.CounterVec

	GPURejections     prometheus.Counter
	EndpointConflicts prometheus.Counter

	ReaperDeletedExecutors   prometheus.Counter
	ReaperDeletedAssignments prometheus.Counter
}

// NewRecorder builds a recorder backed by a fresh registry.
func NewRecorder() *Recorder {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Recorder{
		registry: reg,
		VerificationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "basilica",
			Subsystem: "verification",
			Name:      "tasks_total",
			Help:      "Verification tasks by result.",
		}, []string{"result"}),
		VerificationDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "basilica",
			Subsystem: "verification",
			Name:      "task_duration_seconds",
			Help:      "Wall-clock duration of verification tasks.",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 12),
		}),
		VerificationScore: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "basilica",
			Subsystem: "verification",
			Name:      "score",
			Help:      "Per-task overall verification scores.",
			Buckets:   prometheus.LinearBuckets(0, 0.1, 11),
		}),
		DiscoveryFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "basilica",
			Subsystem: "discovery",
			Name:      "failures_total",
			Help:      "Discovery calls that fell back to the registry roster.",
		}),
		SSHSessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "basilica",
			Subsystem: "ssh",
			Name:      "sessions_active",
			Help:      "Currently held executor session leases.",
		}),
		SSHAcquireRejected: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "basilica",
			Subsystem: "ssh",
			Name:      "acquire_rejected_total",
			Help:      "Lease acquisitions rejected because a holder exists.",
		}),
		BinaryRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "basilica",
			Subsystem: "binary",
			Name:      "runs_total",
			Help:      "Validator binary runs by outcome.",
		}, []string{"outcome"}),
		BinaryKills: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "basilica",
			Subsystem: "binary",
			Name:      "kills_total",
			Help:      "Validator binary runs terminated by the hard deadline.",
		}),
		ParseFallbackUsed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "basilica",
			Subsystem: "binary",
			Name:      "parse_fallback_total",
			Help:      "Output extraction attempts by strategy tier.",
		}, []string{"tier"}),
		GPURejections: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "basilica",
			Subsystem: "registry",
			Name:      "gpu_claims_rejected_total",
			Help:      "GPU-UUID claims rejected because the owner is active.",
		}),
		EndpointConflicts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "basilica",
			Subsystem: "registry",
			Name:      "endpoint_conflicts_total",
			Help:      "Executor upserts rejected for a foreign grpc address.",
		}),
		ReaperDeletedExecutors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "basilica",
			Subsystem: "reaper",
			Name:      "deleted_executors_total",
			Help:      "Executors removed by the reaper.",
		}),
		ReaperDeletedAssignments: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "basilica",
			Subsystem: "reaper",
			Name:      "deleted_assignments_total",
			Help:      "GPU assignments removed by the reaper.",
		}),
	}
}

// ObserveTask records one finished verification task.
func (r *Recorder) ObserveTask(result string, score float64, elapsed time.Duration) {
	r.VerificationsTotal.WithLabelValues(result).Inc()
	r.VerificationDuration.Observe(elapsed.Seconds())
	r.VerificationScore.Observe(score)
}

// Handler exposes the registry over HTTP for scraping.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}
