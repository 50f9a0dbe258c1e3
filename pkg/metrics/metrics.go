// Package metrics exports call lifecycle counters to Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "peercall"

var states = []string{"idle", "outgoing-ringing", "incoming-pending", "connecting", "active", "ending"}

type Metrics struct {
	callsStarted *prometheus.CounterVec
	callsEnded   *prometheus.CounterVec
	autoRejected prometheus.Counter
	state        *prometheus.GaugeVec

	registry *prometheus.Registry
}

// New registers the collectors on a fresh registry, together with the Go
// runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		callsStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "calls_started_total",
				Help:      "Calls started, by direction",
			},
			[]string{"direction"},
		),
		callsEnded: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "calls_ended_total",
				Help:      "Calls ended, by reason",
			},
			[]string{"reason"},
		),
		autoRejected: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "invites_auto_rejected_total",
				Help:      "Invites rejected because another call was in progress",
			},
		),
		state: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "call_state",
				Help:      "1 for the current call state, 0 otherwise",
			},
			[]string{"state"},
		),
		registry: prometheus.NewRegistry(),
	}

	m.registry.MustRegister(
		m.callsStarted,
		m.callsEnded,
		m.autoRejected,
		m.state,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m.StateChanged("idle")

	return m
}

func (m *Metrics) CallStarted(direction string) {
	m.callsStarted.WithLabelValues(direction).Inc()
}

func (m *Metrics) CallEnded(reason string) {
	m.callsEnded.WithLabelValues(reason).Inc()
}

func (m *Metrics) InviteAutoRejected() {
	m.autoRejected.Inc()
}

func (m *Metrics) StateChanged(state string) {
	for _, s := range states {
		v := 0.0
		if s == state {
			v = 1
		}
		m.state.WithLabelValues(s).Set(v)
	}
}

// Handler serves the registry the collectors were registered on.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
