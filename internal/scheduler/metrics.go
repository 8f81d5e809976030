package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	sweeps        prometheus.Counter
	compactions   prometheus.Counter
	releases      *prometheus.CounterVec
	pendingTimers prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer) *metrics {
	factory := promauto.With(reg)
	return &metrics{
		sweeps: factory.NewCounter(prometheus.CounterOpts{
			Name: "loadzone_scheduler_sweeps_total",
			Help: "Completed periodic expiry sweeps.",
		}),
		compactions: factory.NewCounter(prometheus.CounterOpts{
			Name: "loadzone_scheduler_compactions_total",
			Help: "Completed history compaction runs.",
		}),
		releases: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "loadzone_scheduler_releases_total",
			Help: "Forced lease releases by trigger.",
		}, []string{"trigger"}),
		pendingTimers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "loadzone_scheduler_pending_timers",
			Help: "Resources with scheduled notify/release timers.",
		}),
	}
}
