package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// JournalMetrics bundles collectors tracking the tamper-evident audit
// journal.
type JournalMetrics struct {
	appends       *prometheus.CounterVec
	verifications *prometheus.CounterVec
	chainHead     prometheus.Gauge
}

var (
	journalOnce     sync.Once
	journalRegistry *JournalMetrics
)

func Journal() *JournalMetrics {
	journalOnce.Do(func() {
		journalRegistry = &JournalMetrics{
			appends: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "sumtree",
				Subsystem: "journal",
				Name:      "appends_total",
				Help:      "Count of journal entries appended by operation.",
			}, []string{"op"}),
			verifications: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "sumtree",
				Subsystem: "journal",
				Name:      "verifications_total",
				Help:      "Count of journal chain verifications by outcome.",
			}, []string{"outcome"}),
			chainHead: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "sumtree",
				Subsystem: "journal",
				Name:      "chain_head",
				Help:      "Sequence number of the newest journal entry.",
			}),
		}
		prometheus.MustRegister(
			journalRegistry.appends,
			journalRegistry.verifications,
			journalRegistry.chainHead,
		)
	})
	return journalRegistry
}

func (m *JournalMetrics) RecordAppend(op string) {
	if m == nil {
		return
	}
	if op == "" {
		op = "unknown"
	}
	m.appends.WithLabelValues(op).Inc()
}

func (m *JournalMetrics) SetChainHead(seq uint64) {
	if m == nil {
		return
	}
	m.chainHead.Set(float64(seq))
}

func (m *JournalMetrics) RecordVerification(err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "failed"
	}
	m.verifications.WithLabelValues(outcome).Inc()
}
