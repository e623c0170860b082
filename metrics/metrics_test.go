package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	assert.Nil(t, New(nil))
	assert.NotPanics(t, func() {
		m.ObservePass("direct")
		m.ObservePublish("primary", OutcomeOK)
		m.ObserveUpdate(OutcomeFailed)
		m.ObserveTokenExchange(OutcomeOK)
		m.SetInProgress(3)
	})
}

func TestCounters(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.ObservePublish("push", OutcomeOK)
	m.ObservePublish("push", OutcomeOK)
	m.ObservePublish("push", OutcomeSkipped)
	m.SetInProgress(4)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.publishes.WithLabelValues("push", OutcomeOK)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.publishes.WithLabelValues("push", OutcomeSkipped)))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.inProgress))
}
