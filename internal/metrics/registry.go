package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	registryOperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mrv_registry",
		Subsystem: "service",
		Name:      "operations_total",
		Help:      "Count of registry operations.",
	}, []string{"operation", "status"})
	registryOperationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "mrv_registry",
		Subsystem: "service",
		Name:      "operation_duration_seconds",
		Help:      "Duration of registry operations.",
		Buckets:   []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
	}, []string{"operation", "status"})
	creditsIssuedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "mrv_registry",
		Subsystem: "ledger",
		Name:      "credits_issued_total",
		Help:      "Credit units issued since start.",
	})
	creditsRetiredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "mrv_registry",
		Subsystem: "ledger",
		Name:      "credits_retired_total",
		Help:      "Credit units retired since start.",
	})
)

// Registry tracks metrics for registry service operations.
type Registry struct{}

// NewRegistry creates a Registry metrics collector.
func NewRegistry() *Registry {
	return &Registry{}
}

// Observe records duration and status of an operation. The status label is the
// error kind, or "success".
func (m Registry) Observe(operation, errKind string, started time.Time) {
	status := "success"
	if errKind != "" {
		status = errKind
	}
	registryOperationsTotal.WithLabelValues(operation, status).Inc()
	registryOperationDuration.WithLabelValues(operation, status).Observe(time.Since(started).Seconds())
}

// CreditsIssued counts newly issued units.
func (m Registry) CreditsIssued(amount int64) {
	creditsIssuedTotal.Add(float64(amount))
}

// CreditsRetired counts newly retired units.
func (m Registry) CreditsRetired(amount int64) {
	creditsRetiredTotal.Add(float64(amount))
}
