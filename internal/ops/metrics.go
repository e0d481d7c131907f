package ops

import "github.com/prometheus/client_golang/prometheus"

var (
	metricOutcomesLogged = prometheus.NewGauge(prometheus.GaugeOpts{Name: "adapt_outcomes_logged", Help: "Completed-trade outcomes ingested this session"})
	metricCyclesRun      = prometheus.NewCounter(prometheus.CounterOpts{Name: "adapt_cycles_total", Help: "Adaptation cycles completed"})
	metricDriftEvents    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "adapt_drift_events_total", Help: "Drift events by metric"}, []string{"metric"})
	metricCooldownHits   = prometheus.NewCounter(prometheus.CounterOpts{Name: "adapt_cooldown_rejections_total", Help: "Signals rejected by an active cooldown"})
	metricStorageErrors  = prometheus.NewCounter(prometheus.CounterOpts{Name: "adapt_storage_errors_total", Help: "Storage-layer failures absorbed by the core"})
	metricGlobalTau      = prometheus.NewGauge(prometheus.GaugeOpts{Name: "adapt_global_threshold", Help: "Current global acceptance threshold"})
	metricPrudentMode    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "adapt_prudent_mode", Help: "1 while prudent mode is active"})
)

func init() {
	prometheus.MustRegister(
		metricOutcomesLogged, metricCyclesRun, metricDriftEvents,
		metricCooldownHits, metricStorageErrors, metricGlobalTau, metricPrudentMode,
	)
}
