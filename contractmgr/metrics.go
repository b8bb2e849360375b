package contractmgr

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/dlcd-io/dlcd/dlc"
)

// metrics collects the manager's prometheus instrumentation. It is
// constructed once per Manager and registered on NewManager against
// Config.MetricsRegisterer, or prometheus's default registry when that is
// nil, the same registration pattern the teacher's
// monitoring package uses for its own per-subsystem collectors.
type metrics struct {
	contractsByState *prometheus.GaugeVec
	messagesHandled  *prometheus.CounterVec
	periodicDuration prometheus.Histogram
	watchedOutpoints prometheus.Gauge
	reorgsObserved   prometheus.Counter
}

func newMetrics() *metrics {
	m := &metrics{
		contractsByState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "dlcd",
			Subsystem: "contractmgr",
			Name:      "contracts",
			Help:      "Number of contracts currently in each state.",
		}, []string{"state"}),
		messagesHandled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dlcd",
			Subsystem: "contractmgr",
			Name:      "messages_handled_total",
			Help:      "Number of wire messages handled, by type.",
		}, []string{"type"}),
		periodicDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "dlcd",
			Subsystem: "contractmgr",
			Name:      "periodic_check_duration_seconds",
			Help:      "Time taken by a single periodic_check pass.",
			Buckets:   prometheus.DefBuckets,
		}),
		watchedOutpoints: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "dlcd",
			Subsystem: "contractmgr",
			Name:      "watched_outpoints",
			Help:      "Number of outpoints/txids currently tracked by periodic_check.",
		}),
		reorgsObserved: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dlcd",
			Subsystem: "contractmgr",
			Name:      "reorgs_observed_total",
			Help:      "Number of times a previously-confirmed funding or CET was reorged out.",
		}),
	}
	return m
}

// register adds every collector to reg, logging rather than failing if one
// is already registered (harmless on repeated Manager construction in
// tests).
func (m *metrics) register(reg prometheus.Registerer) {
	collectors := []prometheus.Collector{
		m.contractsByState, m.messagesHandled, m.periodicDuration,
		m.watchedOutpoints, m.reorgsObserved,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				log.Warnf("unable to register metric: %v", err)
			}
		}
	}
}

func (m *metrics) setStateCounts(counts map[dlc.State]int) {
	for s := dlc.StateOffered; s <= dlc.StateRejected; s++ {
		m.contractsByState.WithLabelValues(s.String()).Set(float64(counts[s]))
	}
}
