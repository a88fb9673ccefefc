package events

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"

	"blindescrow/internal/escrow"
)

// Metrics counts committed events by name.
type Metrics struct {
	total *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	total := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "escrow_events_total",
		Help: "Committed escrow events by name",
	}, []string{"event"})
	reg.MustRegister(total)
	return &Metrics{total: total}
}

func (m *Metrics) Emit(_ context.Context, ev escrow.Event) error {
	m.total.WithLabelValues(ev.EventName()).Inc()
	return nil
}
