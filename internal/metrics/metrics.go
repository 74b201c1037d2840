// Package metrics exports call and softphone counters to Prometheus.
//
// Every method is safe on a nil *Metrics so components can run without metrics.
package metrics

import (
	"time"

	"github.com/dkeye/callconsole/internal/domain"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "callconsole"

type Metrics struct {
	callsPlaced          prometheus.Counter
	callsFailed          *prometheus.CounterVec
	callsEnded           prometheus.Counter
	talkTime             prometheus.Histogram
	registrationAttempts prometheus.Counter
	registrationState    prometheus.Gauge
	tokenRenewals        *prometheus.CounterVec
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		callsPlaced: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "call",
			Name:      "placed_total",
			Help:      "Calls started by the agent.",
		}),
		callsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "call",
			Name:      "failed_total",
			Help:      "Calls that ended in the failed state, by failure kind.",
		}, []string{"kind"}),
		callsEnded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "call",
			Name:      "ended_total",
			Help:      "Calls that ended normally.",
		}),
		talkTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "call",
			Name:      "talk_seconds",
			Help:      "Time spent connected per call.",
			Buckets:   []float64{5, 15, 30, 60, 120, 300, 600, 1800},
		}),
		registrationAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "softphone",
			Name:      "registration_attempts_total",
			Help:      "Registration attempts against the signaling backend.",
		}),
		registrationState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "softphone",
			Name:      "registration_state",
			Help:      "0 unregistered, 1 registering, 2 registered, 3 degraded.",
		}),
		tokenRenewals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "credential",
			Name:      "renewals_total",
			Help:      "Credential renewals by outcome.",
		}, []string{"outcome"}),
	}
	if reg != nil {
		reg.MustRegister(
			m.callsPlaced, m.callsFailed, m.callsEnded, m.talkTime,
			m.registrationAttempts, m.registrationState, m.tokenRenewals,
		)
	}
	return m
}

func (m *Metrics) CallPlaced() {
	if m == nil {
		return
	}
	m.callsPlaced.Inc()
}

func (m *Metrics) CallFinished(state domain.CallState, kind domain.ErrorKind, talk time.Duration) {
	if m == nil {
		return
	}
	if state == domain.CallFailed {
		m.callsFailed.WithLabelValues(string(kind)).Inc()
	} else {
		m.callsEnded.Inc()
	}
	if talk > 0 {
		m.talkTime.Observe(talk.Seconds())
	}
}

func (m *Metrics) RegistrationAttempt() {
	if m == nil {
		return
	}
	m.registrationAttempts.Inc()
}

func (m *Metrics) RegistrationState(s domain.RegistrationState) {
	if m == nil {
		return
	}
	m.registrationState.Set(float64(s))
}

func (m *Metrics) TokenRenewal(err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.tokenRenewals.WithLabelValues(outcome).Inc()
}
