package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"audittrail/internal/audit/models"
)

func TestMetrics(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.IncEventsWritten()
	m.IncEventsWritten()
	m.IncWriteFailure(ReasonValidation)
	m.IncVerification(true)
	m.IncVerification(false)
	m.IncVerification(false)
	m.AddRetentionDeleted(models.KindEvents, 7)
	m.AddRetentionDeleted(models.KindEvents, 0)
	m.IncRetentionSkipped(models.KindRequests)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.EventsWritten))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.WriteFailures.WithLabelValues(ReasonValidation)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Verifications.WithLabelValues("valid")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Verifications.WithLabelValues("invalid")))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.RetentionDeleted.WithLabelValues("events")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RetentionSkipped.WithLabelValues("requests")))
}

func TestNilMetricsAreNoOps(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.IncEventsWritten()
		m.IncWriteFailure(ReasonPersistence)
		m.ObserveWriteDuration(0.1)
		m.IncVerification(true)
		m.IncRequestLogged(models.KindRequests)
		m.IncRequestLogError(models.KindOutgoingRequests)
		m.AddRetentionDeleted(models.KindEvents, 1)
		m.IncRetentionSkipped(models.KindEvents)
		m.ObserveRetentionDuration(models.KindEvents, 1)
	})
}
