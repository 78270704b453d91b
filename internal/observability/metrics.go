package observability

import "github.com/prometheus/client_golang/prometheus"

var (
	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "smsbridge_http_requests_total", Help: "HTTP requests"},
		[]string{"endpoint", "status"},
	)
	JobsEnqueued = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "smsbridge_jobs_enqueued_total", Help: "Jobs accepted by the dispatch entry point"},
		[]string{"result"},
	)
	JobsClaimed = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "smsbridge_jobs_claimed_total", Help: "Jobs leased by the dispatch worker"},
	)
	JobsReaped = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "smsbridge_jobs_reaped_total", Help: "Crashed leases recovered by the reaper"},
	)
	GatewaySend = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "smsbridge_gateway_send_total", Help: "SMS gateway send outcomes"},
		[]string{"result", "http_status"},
	)
	GatewayLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{Name: "smsbridge_gateway_send_latency_seconds", Help: "SMS gateway send latency"},
	)
	WebhookEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "smsbridge_webhook_events_total", Help: "Gateway webhook events by kind"},
		[]string{"kind"},
	)
	ReconcileOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "smsbridge_reconcile_total", Help: "Reconciler outcomes"},
		[]string{"kind", "outcome"},
	)
	FeederRows = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "smsbridge_feeder_rows_total", Help: "Rows delivered by the feeder drain"},
		[]string{"feeder_type"},
	)
	DownstreamWrites = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "smsbridge_downstream_writes_total", Help: "Custom object write outcomes"},
		[]string{"result"},
	)
)

func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		HTTPRequests, JobsEnqueued, JobsClaimed, JobsReaped,
		GatewaySend, GatewayLatency, WebhookEvents, ReconcileOutcomes,
		FeederRows, DownstreamWrites,
	)
}
