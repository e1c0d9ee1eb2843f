// Package metrics exposes AgentCom's Prometheus surface, grounded on the
// teacher's internal/metrics singleton-registry pattern (sync.Once +
// promauto-registered collectors) and its PrometheusMiddleware/
// BusinessMetricsCollector pair — adapted from the teacher's HTTP/AI/
// billing domain to AgentCom's task/agent/hub domain.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once     sync.Once
	instance *Metrics
)

// Metrics holds every registered Prometheus collector.
type Metrics struct {
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge

	WSConnectionsGauge prometheus.Gauge
	WSFramesTotal      *prometheus.CounterVec

	TaskQueueDepth    *prometheus.GaugeVec
	TaskLifecycleTotal *prometheus.CounterVec

	AgentsByState *prometheus.GaugeVec

	HubStateGauge *prometheus.GaugeVec

	RateLimitDeniedTotal *prometheus.CounterVec
	RateLimitTrackedAgents prometheus.Gauge

	CostDeniedTotal    *prometheus.CounterVec
	CostInvocationsTotal *prometheus.CounterVec

	ReaperSweepAgentsEvicted   prometheus.Counter
	ReaperSweepMessagesExpired prometheus.Counter

	BackupsTotal    *prometheus.CounterVec
	BackupLastSuccess *prometheus.GaugeVec
}

// Get returns the process-wide Metrics singleton, registering every
// collector with the default registry on first use.
func Get() *Metrics {
	once.Do(func() {
		instance = newMetrics()
	})
	return instance
}

func newMetrics() *Metrics {
	return &Metrics{
		HTTPRequestsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "agentcom_http_requests_total",
			Help: "Total HTTP requests by route, method, and status.",
		}, []string{"route", "method", "status"}),

		HTTPRequestDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "agentcom_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route", "method"}),

		HTTPRequestsInFlight: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "agentcom_http_requests_in_flight",
			Help: "Current in-flight HTTP requests.",
		}),

		WSConnectionsGauge: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "agentcom_ws_connections",
			Help: "Current connected agent sidecar sockets.",
		}),

		WSFramesTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "agentcom_ws_frames_total",
			Help: "WebSocket frames by type and direction.",
		}, []string{"type", "direction"}),

		TaskQueueDepth: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "agentcom_taskqueue_depth",
			Help: "Current task count by status.",
		}, []string{"status"}),

		TaskLifecycleTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "agentcom_task_lifecycle_total",
			Help: "Task lifecycle transitions by event type.",
		}, []string{"event"}),

		AgentsByState: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "agentcom_agents_by_state",
			Help: "Current connected agent count by FSM state.",
		}, []string{"state"}),

		HubStateGauge: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "agentcom_hub_state",
			Help: "1 for the hub's current HubFSM state, 0 otherwise.",
		}, []string{"state"}),

		RateLimitDeniedTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "agentcom_rate_limit_denied_total",
			Help: "Rate-limit denials by channel and tier.",
		}, []string{"channel", "tier"}),

		RateLimitTrackedAgents: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "agentcom_rate_limit_tracked_agents",
			Help: "Agents with at least one tracked violation record.",
		}),

		CostDeniedTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "agentcom_cost_budget_denied_total",
			Help: "CheckBudget denials by hub state.",
		}, []string{"state"}),

		CostInvocationsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "agentcom_cost_invocations_total",
			Help: "Recorded invocations by hub state.",
		}, []string{"state"}),

		ReaperSweepAgentsEvicted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "agentcom_reaper_agents_evicted_total",
			Help: "Agents evicted for being stale-offline across all sweeps.",
		}),

		ReaperSweepMessagesExpired: promauto.NewCounter(prometheus.CounterOpts{
			Name: "agentcom_reaper_messages_expired_total",
			Help: "Mailbox messages expired past TTL across all sweeps.",
		}),

		BackupsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "agentcom_backups_total",
			Help: "Backup jobs by table and outcome.",
		}, []string{"table", "outcome"}),

		BackupLastSuccess: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "agentcom_backup_last_success_unixtime",
			Help: "Unix timestamp of the last successful backup per table.",
		}, []string{"table"}),
	}
}
