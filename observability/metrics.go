package observability

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type treeMetrics struct {
	ops     *prometheus.CounterVec
	errors  *prometheus.CounterVec
	latency *prometheus.HistogramVec
}

var (
	treeMetricsOnce sync.Once
	treeRegistry    *treeMetrics

	accumulatorOnce sync.Once
	accumulatorReg  *AccumulatorMetrics
)

// Tree returns the lazily-initialised registry tracking tree store calls
// segmented by backend and operation.
func Tree() *treeMetrics {
	treeMetricsOnce.Do(func() {
		treeRegistry = &treeMetrics{
			ops: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "sumtree",
				Subsystem: "store",
				Name:      "ops_total",
				Help:      "Total tree store calls segmented by backend, operation, and outcome.",
			}, []string{"backend", "op", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "sumtree",
				Subsystem: "store",
				Name:      "errors_total",
				Help:      "Total tree store failures segmented by backend and operation.",
			}, []string{"backend", "op"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "sumtree",
				Subsystem: "store",
				Name:      "op_duration_seconds",
				Help:      "Latency distribution for tree store calls.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"backend", "op"}),
		}
		prometheus.MustRegister(
			treeRegistry.ops,
			treeRegistry.errors,
			treeRegistry.latency,
		)
	})
	return treeRegistry
}

// Observe records one tree store call.
func (m *treeMetrics) Observe(backend, op string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	if backend == "" {
		backend = "unknown"
	}
	if op == "" {
		op = "unknown"
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
		m.errors.WithLabelValues(backend, op).Inc()
	}
	m.ops.WithLabelValues(backend, op, outcome).Inc()
	m.latency.WithLabelValues(backend, op).Observe(duration.Seconds())
}

// AccumulatorMetrics captures metrics for the liability accumulator.
type AccumulatorMetrics struct {
	events         *prometheus.CounterVec
	errors         *prometheus.CounterVec
	latency        *prometheus.HistogramVec
	outstanding    *prometheus.GaugeVec
	capUtilization *prometheus.GaugeVec
}

// Accumulator returns the singleton metrics registry for issue and redeem
// flows.
func Accumulator() *AccumulatorMetrics {
	accumulatorOnce.Do(func() {
		accumulatorReg = &AccumulatorMetrics{
			events: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "sumtree",
				Subsystem: "accumulator",
				Name:      "events_total",
				Help:      "Count of accumulator operations segmented by unit, operation, and outcome.",
			}, []string{"unit", "op", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "sumtree",
				Subsystem: "accumulator",
				Name:      "errors_total",
				Help:      "Count of accumulator failures segmented by unit, operation, and reason.",
			}, []string{"unit", "op", "reason"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "sumtree",
				Subsystem: "accumulator",
				Name:      "op_duration_seconds",
				Help:      "Latency distribution for accumulator operations.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"unit", "op"}),
			outstanding: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "sumtree",
				Subsystem: "accumulator",
				Name:      "outstanding_sum",
				Help:      "Outstanding liability sum committed by the current root, per unit.",
			}, []string{"unit"}),
			capUtilization: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "sumtree",
				Subsystem: "accumulator",
				Name:      "cap_utilization",
				Help:      "Ratio of the configured issuance cap consumed per unit (0-1).",
			}, []string{"unit"}),
		}
		prometheus.MustRegister(
			accumulatorReg.events,
			accumulatorReg.errors,
			accumulatorReg.latency,
			accumulatorReg.outstanding,
			accumulatorReg.capUtilization,
		)
	})
	return accumulatorReg
}

// Observe records the execution of one accumulator operation. A non-empty
// reason marks the operation as failed; callers must keep the reason set
// small and stable since it becomes a label value.
func (m *AccumulatorMetrics) Observe(unit, op string, duration time.Duration, reason string) {
	if m == nil {
		return
	}
	unit = labelUnit(unit)
	if op == "" {
		op = "unknown"
	}
	outcome := "success"
	if reason = strings.TrimSpace(reason); reason != "" {
		outcome = "error"
		m.errors.WithLabelValues(unit, op, reason).Inc()
	}
	m.events.WithLabelValues(unit, op, outcome).Inc()
	m.latency.WithLabelValues(unit, op).Observe(duration.Seconds())
}

// SetOutstanding updates the outstanding-sum gauge for a unit.
func (m *AccumulatorMetrics) SetOutstanding(unit string, sum uint64) {
	if m == nil {
		return
	}
	m.outstanding.WithLabelValues(labelUnit(unit)).Set(float64(sum))
}

// RecordCap updates the cap utilisation gauge. A zero cap means the unit is
// uncapped and reads as zero utilisation.
func (m *AccumulatorMetrics) RecordCap(unit string, outstanding, cap uint64) {
	if m == nil {
		return
	}
	utilisation := 0.0
	if cap > 0 {
		utilisation = float64(outstanding) / float64(cap)
		if utilisation > 1 {
			utilisation = 1
		}
	}
	m.capUtilization.WithLabelValues(labelUnit(unit)).Set(utilisation)
}

func labelUnit(unit string) string {
	trimmed := strings.ToLower(strings.TrimSpace(unit))
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
