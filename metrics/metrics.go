// Package metrics exposes approval engine activity as Prometheus counters.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "approvals"

// Recorder implements the engine's metrics hooks.
type Recorder struct {
	transitions *prometheus.CounterVec
	sweeps      *prometheus.CounterVec
	conflicts   prometheus.Counter
}

// NewRecorder registers the approval metrics with reg. A nil reg uses the
// default registerer.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Recorder{
		transitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "transitions_total",
				Help:      "Committed approval request transitions by event type",
			},
			[]string{"event"},
		),
		sweeps: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sweep_actions_total",
				Help:      "Requests visited by the escalation sweep by outcome",
			},
			[]string{"action"},
		),
		conflicts: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "concurrent_modifications_total",
				Help:      "Updates rejected by the optimistic version check",
			},
		),
	}
}

func (r *Recorder) ObserveTransition(eventType string) {
	r.transitions.WithLabelValues(eventType).Inc()
}

func (r *Recorder) ObserveSweep(action string) {
	r.sweeps.WithLabelValues(action).Inc()
}

func (r *Recorder) ObserveConflict() {
	r.conflicts.Inc()
}
