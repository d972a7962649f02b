package realtime

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	messagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dashboard_realtime_messages_total",
		Help: "Push frames accepted, by channel.",
	}, []string{"channel"})

	frameErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dashboard_realtime_frame_errors_total",
		Help: "Push frames dropped as unknown or malformed, by channel.",
	}, []string{"channel"})

	reconnectsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dashboard_realtime_reconnects_total",
		Help: "Reconnect attempts, by channel.",
	}, []string{"channel"})

	// healthGauge reflects the most recently updated session; one session per process is assumed.
	healthGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "dashboard_realtime_health",
		Help: "1 for the current consolidated connection health, 0 otherwise.",
	}, []string{"health"})

	healthTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dashboard_realtime_health_transitions_total",
		Help: "Consolidated health transitions, by new health.",
	}, []string{"health"})
)

// setHealthGauge marks current with 1 and every other health with 0.
func setHealthGauge(current Health) {
	for _, h := range []Health{HealthHealthy, HealthDegraded, HealthDisconnected} {
		v := 0.0
		if h == current {
			v = 1
		}
		healthGauge.WithLabelValues(string(h)).Set(v)
	}
}
