package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ServersByStatus tracks the fleet composition by server status.
	ServersByStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "fleet_servers_by_status",
		Help: "Current number of servers per status",
	}, []string{"status"})

	// PollFailures counts failed telemetry polls by failure class.
	PollFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleet_poll_failures_total",
		Help: "Total failed telemetry polls",
	}, []string{"class"}) // auth, timeout, protocol, backoff

	// PollDuration tracks the duration of one poll round-trip.
	PollDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "fleet_poll_duration_seconds",
		Help:    "Telemetry poll round-trip duration",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 10), // 10ms to ~10s
	})

	// StaleSnapshotsDropped counts snapshots discarded by the
	// poll-sequence guard (late result from an earlier tick).
	StaleSnapshotsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleet_stale_snapshots_dropped_total",
		Help: "Snapshots dropped because a newer sequence was already applied",
	})

	// BroadcastClients tracks currently connected dashboard clients.
	BroadcastClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fleet_broadcast_clients",
		Help: "Current number of connected telemetry stream clients",
	})

	// SlowConsumerDrops counts clients disconnected because their send
	// queue overflowed. Silent to the client, visible here.
	SlowConsumerDrops = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleet_slow_consumer_drops_total",
		Help: "Stream clients dropped for not keeping up with broadcasts",
	})

	// TerminalSessions tracks currently open interactive sessions.
	TerminalSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fleet_terminal_sessions",
		Help: "Current number of open terminal sessions",
	})

	// TaskDecisions counts policy gate outcomes.
	TaskDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleet_task_decisions_total",
		Help: "Policy gate decisions by outcome",
	}, []string{"decision"}) // approved, denied

	// TaskResults counts terminal task outcomes.
	TaskResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleet_task_results_total",
		Help: "Task execution results",
	}, []string{"status"}) // executed, failed

	// ExecRejections counts exec calls rejected at the per-server
	// concurrency limit.
	ExecRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleet_exec_rejections_total",
		Help: "Exec calls rejected because the per-server lease queue was full",
	})

	// WebhookDeliveries counts delivery attempts by outcome.
	WebhookDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleet_webhook_deliveries_total",
		Help: "Webhook delivery attempts by outcome",
	}, []string{"outcome"}) // delivered, retry, exhausted, rejected

	// WebhookQueueDepth tracks per-subscription queue depth.
	WebhookQueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "fleet_webhook_queue_depth",
		Help: "Pending events per webhook subscription",
	}, []string{"subscription"})

	// APIRateLimited counts requests rejected by the API rate limiters.
	APIRateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleet_api_rate_limited_total",
		Help: "API requests rejected by rate limiter",
	}, []string{"endpoint"})
)
