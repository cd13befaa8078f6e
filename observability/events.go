package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type proofMetrics struct {
	served *prometheus.CounterVec
}

var (
	proofMetricsOnce sync.Once
	proofRegistry    *proofMetrics
)

// Proofs returns the metrics registry tracking served merkle proofs.
func Proofs() *proofMetrics {
	proofMetricsOnce.Do(func() {
		proofRegistry = &proofMetrics{
			served: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "sumtree",
				Subsystem: "proofs",
				Name:      "served_total",
				Help:      "Count of merkle proofs served segmented by unit and membership result.",
			}, []string{"unit", "result"}),
		}
		prometheus.MustRegister(proofRegistry.served)
	})
	return proofRegistry
}

// RecordServed increments the proof counter for the supplied unit.
func (m *proofMetrics) RecordServed(unit string, present bool) {
	if m == nil {
		return
	}
	result := "absent"
	if present {
		result = "present"
	}
	m.served.WithLabelValues(labelUnit(unit), result).Inc()
}
