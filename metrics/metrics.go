// Package metrics exposes Prometheus instrumentation for remittance operations.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics implements remittance.Recorder. A nil *Metrics records nothing.
type Metrics struct {
	// Operation latency by operation and outcome
	OperationDuration *prometheus.HistogramVec

	// Operation outcomes by operation and outcome
	Operations *prometheus.CounterVec

	// Invariant violations by code (R-SUM-1, R-COUNT-1)
	InvariantViolations *prometheus.CounterVec

	// Failed lease acquisitions by operation
	LockContention *prometheus.CounterVec

	ChildrenCreated  prometheus.Counter
	ChildrenArchived prometheus.Counter
	PendingDeleted   prometheus.Counter
}

// New registers all remittance metrics on reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		OperationDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "remittance_operation_duration_seconds",
			Help:    "Duration of remittance operations including lease wait and batch writes",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"operation", "outcome"}),

		Operations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "remittance_operations_total",
			Help: "Total remittance operations by operation and outcome",
		}, []string{"operation", "outcome"}), // outcome: applied, idempotent_noop, blocked_by_invariant, blocked_by_contention, failed

		InvariantViolations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "remittance_invariant_violations_total",
			Help: "Financial invariant violations detected by code",
		}, []string{"code"}),

		LockContention: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "remittance_lock_contention_total",
			Help: "Lease acquisitions that failed because another operation held the remittance",
		}, []string{"operation"}),

		ChildrenCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "remittance_children_created_total",
			Help: "Child transactions created",
		}),

		ChildrenArchived: factory.NewCounter(prometheus.CounterOpts{
			Name: "remittance_children_archived_total",
			Help: "Child transactions soft-archived",
		}),

		PendingDeleted: factory.NewCounter(prometheus.CounterOpts{
			Name: "remittance_pending_deleted_total",
			Help: "Pending staging rows deleted after consumption",
		}),
	}
}

// ObserveOperation records one finished operation.
func (m *Metrics) ObserveOperation(op, outcome string, elapsedSeconds float64) {
	if m != nil {
		m.Operations.WithLabelValues(op, outcome).Inc()
		m.OperationDuration.WithLabelValues(op, outcome).Observe(elapsedSeconds)
	}
}

func (m *Metrics) IncInvariantViolation(code string) {
	if m != nil {
		m.InvariantViolations.WithLabelValues(code).Inc()
	}
}

func (m *Metrics) IncLockContention(op string) {
	if m != nil {
		m.LockContention.WithLabelValues(op).Inc()
	}
}

func (m *Metrics) AddChildrenCreated(n int) {
	if m != nil && n > 0 {
		m.ChildrenCreated.Add(float64(n))
	}
}

func (m *Metrics) AddChildrenArchived(n int) {
	if m != nil && n > 0 {
		m.ChildrenArchived.Add(float64(n))
	}
}

func (m *Metrics) AddPendingDeleted(n int) {
	if m != nil && n > 0 {
		m.PendingDeleted.Add(float64(n))
	}
}
