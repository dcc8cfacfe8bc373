// Package metrics holds the Prometheus collectors for Vigil.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the service.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Ledger
	AuditAppends        *prometheus.CounterVec
	AuditAppendFailures prometheus.Counter
	AuditAppendDuration prometheus.Histogram
	ChainVerifications  *prometheus.CounterVec
	ChainViolations     prometheus.Counter

	// Verification
	VerificationAttempts *prometheus.CounterVec
	SessionsClosed       *prometheus.CounterVec

	// Scoring
	FraudDecisions  *prometheus.CounterVec
	ScoringDuration prometheus.Histogram

	// Alerts and signatures
	AlertsRaised          *prometheus.CounterVec
	AlertsResolved        prometheus.Counter
	AlertResolveConflicts prometheus.Counter
	SignaturesCreated     prometheus.Counter

	// HTTP
	EndpointLatency *prometheus.HistogramVec
}

// New creates all metrics and registers them with reg.
// Pass prometheus.DefaultRegisterer in production and a fresh registry in tests.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		AuditAppends: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vigil_audit_appends_total",
			Help: "Total number of audit entries appended, by event type",
		}, []string{"event_type"}),
		AuditAppendFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "vigil_audit_append_failures_total",
			Help: "Total number of audit appends that failed to persist",
		}),
		AuditAppendDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "vigil_audit_append_duration_seconds",
			Help:    "Time taken to hash and persist one audit entry",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}),
		ChainVerifications: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vigil_chain_verifications_total",
			Help: "Total number of chain integrity verifications, by result",
		}, []string{"result"}),
		ChainViolations: f.NewCounter(prometheus.CounterOpts{
			Name: "vigil_chain_violations_total",
			Help: "Total number of detected audit chain integrity violations",
		}),
		VerificationAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vigil_verification_attempts_total",
			Help: "Total number of verification attempts, by outcome",
		}, []string{"outcome"}),
		SessionsClosed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vigil_sessions_closed_total",
			Help: "Total number of verification sessions closed, by final state",
		}, []string{"state"}),
		FraudDecisions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vigil_fraud_decisions_total",
			Help: "Total number of fraud decisions, by verdict",
		}, []string{"verdict"}),
		ScoringDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "vigil_scoring_duration_seconds",
			Help:    "Time taken to evaluate the fraud rules for one session",
			Buckets: prometheus.DefBuckets,
		}),
		AlertsRaised: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vigil_alerts_raised_total",
			Help: "Total number of fraud alerts raised, by severity",
		}, []string{"severity"}),
		AlertsResolved: f.NewCounter(prometheus.CounterOpts{
			Name: "vigil_alerts_resolved_total",
			Help: "Total number of fraud alerts resolved",
		}),
		AlertResolveConflicts: f.NewCounter(prometheus.CounterOpts{
			Name: "vigil_alert_resolve_conflicts_total",
			Help: "Total number of resolve calls that lost to an earlier resolution",
		}),
		SignaturesCreated: f.NewCounter(prometheus.CounterOpts{
			Name: "vigil_signatures_created_total",
			Help: "Total number of biometric signatures created",
		}),
		EndpointLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "vigil_endpoint_latency_seconds",
			Help:    "Latency of endpoints in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"endpoint"}),
	}
}

// ObserveAppend records one audit append.
func (m *Metrics) ObserveAppend(eventType string, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.AuditAppendDuration.Observe(d.Seconds())
	if err != nil {
		m.AuditAppendFailures.Inc()
		return
	}
	m.AuditAppends.WithLabelValues(eventType).Inc()
}

// ObserveVerification records a chain verification result.
func (m *Metrics) ObserveVerification(valid bool) {
	if m == nil {
		return
	}
	if valid {
		m.ChainVerifications.WithLabelValues("valid").Inc()
		return
	}
	m.ChainVerifications.WithLabelValues("broken").Inc()
	m.ChainViolations.Inc()
}

// IncAttempt counts a verification attempt.
func (m *Metrics) IncAttempt(outcome string) {
	if m == nil {
		return
	}
	m.VerificationAttempts.WithLabelValues(outcome).Inc()
}

// IncSessionClosed counts a session reaching a terminal state.
func (m *Metrics) IncSessionClosed(state string) {
	if m == nil {
		return
	}
	m.SessionsClosed.WithLabelValues(state).Inc()
}

// ObserveDecision records a fraud decision.
func (m *Metrics) ObserveDecision(verdict string, d time.Duration) {
	if m == nil {
		return
	}
	m.FraudDecisions.WithLabelValues(verdict).Inc()
	m.ScoringDuration.Observe(d.Seconds())
}

// IncAlertRaised counts a new alert.
func (m *Metrics) IncAlertRaised(severity string) {
	if m == nil {
		return
	}
	m.AlertsRaised.WithLabelValues(severity).Inc()
}

// IncAlertResolved counts a resolution, or a lost race when conflict is true.
func (m *Metrics) IncAlertResolved(conflict bool) {
	if m == nil {
		return
	}
	if conflict {
		m.AlertResolveConflicts.Inc()
		return
	}
	m.AlertsResolved.Inc()
}

// IncSignature counts a created signature.
func (m *Metrics) IncSignature() {
	if m == nil {
		return
	}
	m.SignaturesCreated.Inc()
}

// ObserveEndpoint records request latency for a route pattern.
func (m *Metrics) ObserveEndpoint(endpoint string, d time.Duration) {
	if m == nil {
		return
	}
	m.EndpointLatency.WithLabelValues(endpoint).Observe(d.Seconds())
}
