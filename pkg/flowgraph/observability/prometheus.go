package observability

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusSink is a Sink that exports node events as Prometheus metrics.
type PrometheusSink struct {
	events   *prometheus.CounterVec
	duration *prometheus.HistogramVec
	active   *prometheus.GaugeVec
}

// NewPrometheusSink registers the sink's collectors with reg.
func NewPrometheusSink(reg prometheus.Registerer, namespace string) (*PrometheusSink, error) {
	s := &PrometheusSink{
		events: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "node_events_total",
				Help:      "Node exits by flow, node and outcome",
			},
			[]string{"flow", "node", "outcome"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "node_duration_seconds",
				Help:      "Node execution duration in seconds",
				Buckets:   []float64{0.001, 0.01, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"flow", "node"},
		),
		active: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "nodes_in_flight",
				Help:      "Nodes currently executing",
			},
			[]string{"flow"},
		),
	}

	for _, c := range []prometheus.Collector{s.events, s.duration, s.active} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Emit implements Sink.
func (s *PrometheusSink) Emit(_ context.Context, ev NodeEvent) error {
	switch ev.Phase {
	case PhaseEnter:
		s.active.WithLabelValues(ev.Flow).Inc()
	case PhaseExit:
		s.active.WithLabelValues(ev.Flow).Dec()
		outcome := "ok"
		if ev.Err != nil {
			outcome = "error"
		}
		s.events.WithLabelValues(ev.Flow, ev.Node, outcome).Inc()
		s.duration.WithLabelValues(ev.Flow, ev.Node).Observe(ev.Duration.Seconds())
	}
	return nil
}
