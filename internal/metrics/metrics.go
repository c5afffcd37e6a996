// Package metrics holds the domain counters shared by the vault components.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "consentvault"

type Metrics struct {
	auditEntries       *prometheus.CounterVec
	notarizations      *prometheus.CounterVec
	notaryQueueDropped prometheus.Counter
	emergencyAccess    prometheus.Counter
	grantsExpired      *prometheus.CounterVec
	integrityFailures  prometheus.Counter
	authzDecisions     *prometheus.CounterVec
	sweepRuns          *prometheus.CounterVec
}

// New registers the domain metrics with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		auditEntries: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "audit",
				Name:      "entries_total",
				Help:      "Audit entries durably appended, by action.",
			},
			[]string{"action"},
		),
		notarizations: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "audit",
				Name:      "notarizations_total",
				Help:      "Notarization attempts partitioned by result.",
			},
			[]string{"result"},
		),
		notaryQueueDropped: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "audit",
				Name:      "notary_queue_dropped_total",
				Help:      "Entries not enqueued for notarization because the queue was full.",
			},
		),
		emergencyAccess: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "gateway",
				Name:      "emergency_access_total",
				Help:      "Records released through the emergency override.",
			},
		),
		grantsExpired: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "consent",
				Name:      "grants_expired_total",
				Help:      "Grants transitioned to expired, by path (lazy or sweep).",
			},
			[]string{"via"},
		),
		integrityFailures: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "vault",
				Name:      "integrity_failures_total",
				Help:      "Reads that failed digest or proof verification.",
			},
		),
		authzDecisions: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "gateway",
				Name:      "authorization_decisions_total",
				Help:      "Access decisions by outcome (owner, grant, emergency, denied).",
			},
			[]string{"outcome"},
		),
		sweepRuns: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "consent",
				Name:      "sweep_runs_total",
				Help:      "Expiry sweep runs partitioned by result.",
			},
			[]string{"result"},
		),
	}
}

func (m *Metrics) AuditAppended(action string) {
	if m == nil {
		return
	}
	m.auditEntries.WithLabelValues(action).Inc()
}

func (m *Metrics) Notarized(result string) {
	if m == nil {
		return
	}
	m.notarizations.WithLabelValues(result).Inc()
}

func (m *Metrics) NotaryDropped() {
	if m == nil {
		return
	}
	m.notaryQueueDropped.Inc()
}

func (m *Metrics) EmergencyAccess() {
	if m == nil {
		return
	}
	m.emergencyAccess.Inc()
}

func (m *Metrics) GrantExpired(via string) {
	if m == nil {
		return
	}
	m.grantsExpired.WithLabelValues(via).Inc()
}

func (m *Metrics) IntegrityFailure() {
	if m == nil {
		return
	}
	m.integrityFailures.Inc()
}

func (m *Metrics) Decision(outcome string) {
	if m == nil {
		return
	}
	m.authzDecisions.WithLabelValues(outcome).Inc()
}

func (m *Metrics) SweepRun(result string) {
	if m == nil {
		return
	}
	m.sweepRuns.WithLabelValues(result).Inc()
}
