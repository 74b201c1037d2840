package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/dkeye/callconsole/internal/domain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestNilMetricsAreNoops(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.CallPlaced()
		m.CallFinished(domain.CallFailed, domain.Timeout, 0)
		m.RegistrationAttempt()
		m.RegistrationState(domain.Registered)
		m.TokenRenewal(nil)
	})
}

func TestCallCounters(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.CallPlaced()
	m.CallPlaced()
	m.CallFinished(domain.CallFailed, domain.Timeout, 0)
	m.CallFinished(domain.CallEnded, "", 42*time.Second)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.callsPlaced))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.callsFailed.WithLabelValues("timeout")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.callsEnded))
}

func TestSoftphoneAndCredentialCounters(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.RegistrationAttempt()
	m.RegistrationState(domain.Degraded)
	m.TokenRenewal(nil)
	m.TokenRenewal(errors.New("offline"))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.registrationAttempts))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.registrationState))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.tokenRenewals.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.tokenRenewals.WithLabelValues("error")))
}
