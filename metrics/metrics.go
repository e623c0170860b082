// Package metrics exposes prometheus counters for the relay pipeline.
// A nil *Metrics is valid and records nothing.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Publish outcomes.
const (
	OutcomeOK       = "ok"
	OutcomeSkipped  = "skipped"
	OutcomeDisabled = "disabled"
	OutcomeFailed   = "failed"
)

type Metrics struct {
	passes     *prometheus.CounterVec
	publishes  *prometheus.CounterVec
	updates    *prometheus.CounterVec
	exchanges  *prometheus.CounterVec
	inProgress prometheus.Gauge
}

// New registers the relay collectors on registry. A nil registry yields nil.
func New(registry *prometheus.Registry) *Metrics {
	if registry == nil {
		return nil
	}

	m := &Metrics{
		passes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kdsrelay_extraction_passes_total",
				Help: "Extraction passes by the strategy that produced the in-progress count",
			},
			[]string{"strategy"},
		),
		publishes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kdsrelay_publish_total",
				Help: "Publish attempts by channel and outcome",
			},
			[]string{"channel", "outcome"},
		),
		updates: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kdsrelay_update_total",
				Help: "Self-update download attempts by outcome",
			},
			[]string{"outcome"},
		),
		exchanges: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kdsrelay_token_exchanges_total",
				Help: "Push-channel token exchanges by outcome",
			},
			[]string{"outcome"},
		),
		inProgress: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "kdsrelay_in_progress_count",
				Help: "Last confident in-progress order count",
			},
		),
	}

	registry.MustRegister(m.passes, m.publishes, m.updates, m.exchanges, m.inProgress)
	return m
}

func (m *Metrics) ObservePass(strategy string) {
	if m != nil {
		m.passes.WithLabelValues(strategy).Inc()
	}
}

func (m *Metrics) ObservePublish(channel, outcome string) {
	if m != nil {
		m.publishes.WithLabelValues(channel, outcome).Inc()
	}
}

func (m *Metrics) ObserveUpdate(outcome string) {
	if m != nil {
		m.updates.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) ObserveTokenExchange(outcome string) {
	if m != nil {
		m.exchanges.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) SetInProgress(count int) {
	if m != nil {
		m.inProgress.Set(float64(count))
	}
}
