// Package metrics holds the Prometheus collectors of the audit engine.
//
// All methods are safe on a nil *Metrics so components can run without
// instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"audittrail/internal/audit/models"
)

// Failure reasons used as the "reason" label.
const (
	ReasonConfiguration = "configuration"
	ReasonValidation    = "validation"
	ReasonPersistence   = "persistence"
	ReasonInternal      = "internal"
)

type Metrics struct {
	EventsWritten     prometheus.Counter
	WriteFailures     *prometheus.CounterVec
	WriteDuration     prometheus.Histogram
	Verifications     *prometheus.CounterVec
	RequestsLogged    *prometheus.CounterVec
	RequestLogErrors  *prometheus.CounterVec
	RetentionDeleted  *prometheus.CounterVec
	RetentionSkipped  *prometheus.CounterVec
	RetentionDuration *prometheus.HistogramVec
}

// New registers the audit collectors with reg. Pass a fresh registry in tests.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		EventsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "audit_events_written_total",
			Help: "Total number of audit events committed",
		}),
		WriteFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "audit_event_write_failures_total",
			Help: "Total number of audit event writes that failed, by reason",
		}, []string{"reason"}),
		WriteDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "audit_event_write_duration_seconds",
			Help:    "Time spent redacting, checksumming and persisting one audit event",
			Buckets: prometheus.DefBuckets,
		}),
		Verifications: f.NewCounterVec(prometheus.CounterOpts{
			Name: "audit_event_verifications_total",
			Help: "Total number of checksum verifications, by result",
		}, []string{"result"}),
		RequestsLogged: f.NewCounterVec(prometheus.CounterOpts{
			Name: "audit_request_logs_total",
			Help: "Total number of request log rows written, by kind",
		}, []string{"kind"}),
		RequestLogErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "audit_request_log_errors_total",
			Help: "Total number of request log rows that could not be written, by kind",
		}, []string{"kind"}),
		RetentionDeleted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "audit_retention_deleted_total",
			Help: "Total number of rows removed by retention sweeps, by kind",
		}, []string{"kind"}),
		RetentionSkipped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "audit_retention_skipped_total",
			Help: "Total number of sweeps skipped because another instance held the lock",
		}, []string{"kind"}),
		RetentionDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "audit_retention_sweep_duration_seconds",
			Help:    "Duration of one retention sweep, by kind",
			Buckets: prometheus.DefBuckets,
		}, []string{"kind"}),
	}
}

// IncEventsWritten increments the committed events counter.
func (m *Metrics) IncEventsWritten() {
	if m == nil {
		return
	}
	m.EventsWritten.Inc()
}

// IncWriteFailure counts a failed write with one of the Reason constants.
func (m *Metrics) IncWriteFailure(reason string) {
	if m == nil {
		return
	}
	m.WriteFailures.WithLabelValues(reason).Inc()
}

func (m *Metrics) ObserveWriteDuration(seconds float64) {
	if m == nil {
		return
	}
	m.WriteDuration.Observe(seconds)
}

// IncVerification counts a verification outcome.
func (m *Metrics) IncVerification(valid bool) {
	if m == nil {
		return
	}
	result := "invalid"
	if valid {
		result = "valid"
	}
	m.Verifications.WithLabelValues(result).Inc()
}

func (m *Metrics) IncRequestLogged(kind models.Kind) {
	if m == nil {
		return
	}
	m.RequestsLogged.WithLabelValues(string(kind)).Inc()
}

func (m *Metrics) IncRequestLogError(kind models.Kind) {
	if m == nil {
		return
	}
	m.RequestLogErrors.WithLabelValues(string(kind)).Inc()
}

// AddRetentionDeleted adds the rows removed by a sweep.
func (m *Metrics) AddRetentionDeleted(kind models.Kind, n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.RetentionDeleted.WithLabelValues(string(kind)).Add(float64(n))
}

func (m *Metrics) IncRetentionSkipped(kind models.Kind) {
	if m == nil {
		return
	}
	m.RetentionSkipped.WithLabelValues(string(kind)).Inc()
}

func (m *Metrics) ObserveRetentionDuration(kind models.Kind, seconds float64) {
	if m == nil {
		return
	}
	m.RetentionDuration.WithLabelValues(string(kind)).Observe(seconds)
}
