package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCountersRecord(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.AuditAppended("record-read")
	m.AuditAppended("record-read")
	m.GrantExpired("lazy")
	m.GrantExpired("sweep")
	m.GrantExpired("sweep")
	m.EmergencyAccess()

	if got := testutil.ToFloat64(m.auditEntries.WithLabelValues("record-read")); got != 2 {
		t.Errorf("audit entries = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.grantsExpired.WithLabelValues("sweep")); got != 2 {
		t.Errorf("sweep expiries = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.emergencyAccess); got != 1 {
		t.Errorf("emergency access = %v, want 1", got)
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.AuditAppended("x")
	m.Notarized("ok")
	m.NotaryDropped()
	m.EmergencyAccess()
	m.GrantExpired("lazy")
	m.IntegrityFailure()
	m.Decision("denied")
	m.SweepRun("ok")
}
