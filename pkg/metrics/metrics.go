package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Mail plane metrics
	MailRoutedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "apiary_mail_routed_total",
			Help: "Total number of mails delivered to an inbox",
		},
	)

	MailBouncedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "apiary_mail_bounced_total",
			Help: "Total number of mails rejected by the topology",
		},
	)

	MailFailedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "apiary_mail_failed_total",
			Help: "Total number of mails that exhausted delivery retries",
		},
	)

	MailDeadLetteredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "apiary_mail_deadlettered_total",
			Help: "Total number of bounces dropped to the dead-letter store",
		},
	)

	MailPoisonedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "apiary_mail_poisoned_total",
			Help: "Total number of unparseable mail files quarantined",
		},
	)

	RouteDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "apiary_route_duration_seconds",
			Help:    "Time taken to route one mail in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Agent metrics
	AgentsRunning = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "apiary_agents_running",
			Help: "Number of agents with a running container",
		},
	)

	InboxDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "apiary_inbox_depth",
			Help: "Current inbox queue depth per node",
		},
		[]string{"node"},
	)

	OutboxDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "apiary_outbox_depth",
			Help: "Current outbox queue depth per node",
		},
		[]string{"node"},
	)

	// Event bus metrics
	EventSubscribers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "apiary_event_subscribers",
			Help: "Number of active event stream subscribers",
		},
	)

	EventsDroppedSubscribers = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "apiary_event_subscribers_dropped_total",
			Help: "Total number of subscribers evicted for falling behind",
		},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "apiary_api_requests_total",
			Help: "Total number of API requests by method, route, and status",
		},
		[]string{"method", "route", "status"},
	)

	// Reconciler metrics
	ReconcileCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "apiary_reconcile_cycles_total",
			Help: "Total number of reconciliation cycles completed",
		},
	)

	AgentRestartsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "apiary_agent_restarts_total",
			Help: "Total number of agents restarted after their container died",
		},
	)
)

func init() {
	prometheus.MustRegister(MailRoutedTotal)
	prometheus.MustRegister(MailBouncedTotal)
	prometheus.MustRegister(MailFailedTotal)
	prometheus.MustRegister(MailDeadLetteredTotal)
	prometheus.MustRegister(MailPoisonedTotal)
	prometheus.MustRegister(RouteDuration)
	prometheus.MustRegister(AgentsRunning)
	prometheus.MustRegister(InboxDepth)
	prometheus.MustRegister(OutboxDepth)
	prometheus.MustRegister(EventSubscribers)
	prometheus.MustRegister(EventsDroppedSubscribers)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(ReconcileCyclesTotal)
	prometheus.MustRegister(AgentRestartsTotal)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
