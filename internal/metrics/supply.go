package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	supplyIssued = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "mrv_registry",
		Subsystem: "supply",
		Name:      "issued_units",
		Help:      "Total credit units ever issued.",
	})
	supplyRetired = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "mrv_registry",
		Subsystem: "supply",
		Name:      "retired_units",
		Help:      "Total credit units retired.",
	})
	supplyOutstanding = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "mrv_registry",
		Subsystem: "supply",
		Name:      "outstanding_units",
		Help:      "Credit units held in balances.",
	})
	supplyBatches = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "mrv_registry",
		Subsystem: "supply",
		Name:      "batches",
		Help:      "Number of credit batches.",
	})
	recordsByStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "mrv_registry",
		Subsystem: "mrv",
		Name:      "records",
		Help:      "MRV records by status.",
	}, []string{"status"})
	conservationViolations = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "mrv_registry",
		Subsystem: "supply",
		Name:      "conservation_violations_total",
		Help:      "Audits that found issued != outstanding + retired.",
	})
	aggregationRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mrv_registry",
		Subsystem: "aggregation_worker",
		Name:      "runs_total",
		Help:      "Count of aggregation worker runs.",
	}, []string{"status"})
	aggregationRunDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "mrv_registry",
		Subsystem: "aggregation_worker",
		Name:      "run_duration_seconds",
		Help:      "Duration of aggregation worker runs.",
		Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
	})
)

// Supply publishes registry-wide supply figures.
type Supply struct{}

// NewSupply creates a Supply metrics collector.
func NewSupply() *Supply {
	return &Supply{}
}

// Set updates the supply gauges.
func (m Supply) Set(issued, retired, outstanding int64, batches int) {
	supplyIssued.Set(float64(issued))
	supplyRetired.Set(float64(retired))
	supplyOutstanding.Set(float64(outstanding))
	supplyBatches.Set(float64(batches))
}

// SetRecords updates the record gauge for one status.
func (m Supply) SetRecords(status string, count int) {
	recordsByStatus.WithLabelValues(status).Set(float64(count))
}

// ConservationViolation counts a failed conservation audit.
func (m Supply) ConservationViolation() {
	conservationViolations.Inc()
}

// ObserveRun records duration and status of an aggregation run.
func (m Supply) ObserveRun(err error, started time.Time) {
	status := "success"
	if err != nil {
		status = "error"
	}
	aggregationRunsTotal.WithLabelValues(status).Inc()
	aggregationRunDuration.Observe(time.Since(started).Seconds())
}
