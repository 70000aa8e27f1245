package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Registry holds every devicekit collector plus the Go runtime and process collectors.
var Registry = prometheus.NewRegistry()

var (
	// RestoreTotal counts finished restore runs by overall status (success/failure).
	RestoreTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dkit_restore_total",
			Help: "Total number of restore runs by final status.",
		},
		[]string{"status"},
	)

	// RestoreDuration observes wall time from preflight to finalization.
	RestoreDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name: "dkit_restore_duration_seconds",
			Help: "Duration of restore runs.",
			// a full restore takes 5-20 minutes; preflight and dry runs land in the first buckets
			Buckets: []float64{1, 10, 60, 300, 600, 1200, 1800, 3600, 7200},
		},
	)

	// RestoreSteps counts recorded steps by name and outcome.
	RestoreSteps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dkit_restore_steps_total",
			Help: "Total number of restore steps recorded.",
		},
		[]string{"step", "ok"},
	)

	// TransitionTotal counts mode transition attempts by event and result
	// (confirmed, noop, timeout, invalid, unreachable, error).
	TransitionTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dkit_transition_total",
			Help: "Total number of mode transitions by event and result.",
		},
		[]string{"event", "result"},
	)

	// ModeDetectTotal counts confident detections by the provider that answered.
	ModeDetectTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dkit_mode_detect_total",
			Help: "Total number of mode detections by answering provider and mode.",
		},
		[]string{"provider", "mode"},
	)
)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		RestoreTotal,
		RestoreDuration,
		RestoreSteps,
		TransitionTotal,
		ModeDetectTotal,
	)
}
