// Package metrics holds the prometheus collectors of the twin client.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// Event loop
	LoopEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "twinclient",
			Subsystem: "loop",
			Name:      "events_total",
			Help:      "Events handled by the event loop by kind",
		},
		[]string{"kind"},
	)

	LoopErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "twinclient",
			Subsystem: "loop",
			Name:      "errors_total",
			Help:      "Component errors observed by the event loop by kind and fatality",
		},
		[]string{"kind", "fatal"},
	)

	// Direct methods
	DirectMethods = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "twinclient",
			Subsystem: "direct",
			Name:      "methods_total",
			Help:      "Direct-method invocations by method and outcome",
		},
		[]string{"method", "outcome"},
	)

	DeferredInflight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "twinclient",
			Name:      "deferred_methods_inflight",
			Help:      "Direct-method handlers still running after their caller was answered",
		},
	)

	// Cloud round-trips
	SubmitDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "twinclient",
			Name:      "submit_duration_seconds",
			Help:      "Duration of cloud submissions in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 11), // 5ms to ~5s
		},
		[]string{"op", "result"},
	)

	// Journal
	JournalDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "twinclient",
			Subsystem: "journal",
			Name:      "dropped_total",
			Help:      "Submission records dropped because the journal queue was full",
		},
	)

	LivenessPulses = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "twinclient",
			Name:      "liveness_pulses_total",
			Help:      "Liveness pulses sent to the process supervisor",
		},
	)
)

var registerOnce sync.Once

// Register adds all collectors to reg. Subsequent calls are no-ops.
func Register(reg prometheus.Registerer) {
	registerOnce.Do(func() {
		reg.MustRegister(
			LoopEvents,
			LoopErrors,
			DirectMethods,
			DeferredInflight,
			SubmitDuration,
			JournalDropped,
			LivenessPulses,
		)
	})
}
