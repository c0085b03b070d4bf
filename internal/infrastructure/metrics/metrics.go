package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exposes the control-plane gauges and counters.
type Metrics struct {
	HealthCycles   prometheus.Counter
	StaleAgents    prometheus.Gauge
	HealthyPercent *prometheus.GaugeVec

	HealingActions *prometheus.CounterVec

	ScalingDecisions *prometheus.CounterVec
	ActiveAgents     prometheus.Gauge

	QueueDepth    *prometheus.GaugeVec
	JobsCompleted *prometheus.CounterVec
	JobsFailed    *prometheus.CounterVec
	JobRetries    *prometheus.CounterVec

	ProvisionerErrors *prometheus.CounterVec
}

// NewMetrics registers the fleet metrics on reg. A nil registerer gets a
// private registry so tests can construct components without wiring one.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	return &Metrics{
		HealthCycles: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "fleet_health_cycles_total",
			Help: "Total number of completed health monitor cycles.",
		}),
		StaleAgents: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "fleet_stale_agents",
			Help: "Stale agents found by the most recent health cycle.",
		}),
		HealthyPercent: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "fleet_healthy_percent",
			Help: "Healthy agent percentage per zone.",
		}, []string{"zone"}),
		HealingActions: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "fleet_healing_actions_total",
			Help: "Healing actions by action and outcome.",
		}, []string{"action", "outcome"}),
		ScalingDecisions: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "fleet_scaling_decisions_total",
			Help: "Scaling decisions by action.",
		}, []string{"action"}),
		ActiveAgents: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "fleet_active_agents",
			Help: "Active agents at the most recent scaling evaluation.",
		}),
		QueueDepth: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "fleet_queue_depth",
			Help: "Waiting plus delayed jobs per zone.",
		}, []string{"zone"}),
		JobsCompleted: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "fleet_jobs_completed_total",
			Help: "Successfully completed jobs per zone.",
		}, []string{"zone"}),
		JobsFailed: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "fleet_jobs_failed_total",
			Help: "Terminally failed jobs per zone.",
		}, []string{"zone"}),
		JobRetries: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "fleet_job_retries_total",
			Help: "Retry re-enqueues per zone.",
		}, []string{"zone"}),
		ProvisionerErrors: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "fleet_provisioner_errors_total",
			Help: "Provisioning call failures by operation.",
		}, []string{"op"}),
	}
}
