package metrics_test

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/remittance-engine/metrics"
	"github.com/warp/remittance-engine/remittance"
)

var _ remittance.Recorder = (*metrics.Metrics)(nil)

func TestMetrics_Record(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	m.ObserveOperation("process", "applied", 0.2)
	m.ObserveOperation("process", "applied", 0.3)
	m.ObserveOperation("undo", "blocked_by_contention", 0.01)
	m.IncInvariantViolation("R-SUM-1")
	m.IncLockContention("undo")
	m.AddChildrenCreated(120)
	m.AddChildrenArchived(50)
	m.AddPendingDeleted(3)
	m.AddChildrenCreated(0)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Operations.WithLabelValues("process", "applied")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Operations.WithLabelValues("undo", "blocked_by_contention")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.InvariantViolations.WithLabelValues("R-SUM-1")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.LockContention.WithLabelValues("undo")))
	assert.Equal(t, 120.0, testutil.ToFloat64(m.ChildrenCreated))
	assert.Equal(t, 50.0, testutil.ToFloat64(m.ChildrenArchived))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.PendingDeleted))

	expected := `
		# HELP remittance_invariant_violations_total Financial invariant violations detected by code
		# TYPE remittance_invariant_violations_total counter
		remittance_invariant_violations_total{code="R-SUM-1"} 1
	`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "remittance_invariant_violations_total"))
	assert.Equal(t, 2, testutil.CollectAndCount(m.OperationDuration))
}

func TestMetrics_NilIsSafe(t *testing.T) {
	var m *metrics.Metrics
	assert.NotPanics(t, func() {
		m.ObserveOperation("process", "applied", 1)
		m.IncInvariantViolation("R-COUNT-1")
		m.IncLockContention("process")
		m.AddChildrenCreated(1)
		m.AddChildrenArchived(1)
		m.AddPendingDeleted(1)
	})
}
