package observability

import "github.com/prometheus/client_golang/prometheus"

var (
	APIRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "mailsched_api_requests_total", Help: "API requests"},
		[]string{"endpoint", "status"},
	)
	CampaignStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "mailsched_campaign_starts_total", Help: "Start campaign outcomes"},
		[]string{"result"},
	)
	RecordsMaterialized = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "mailsched_dispatch_records_total", Help: "Dispatch records created"},
	)
	Enqueues = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "mailsched_enqueue_total", Help: "Task enqueue results"},
		[]string{"backend", "result"},
	)
	Dispatches = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "mailsched_dispatch_outcomes_total", Help: "Send worker outcomes"},
		[]string{"outcome"},
	)
	TransportSend = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "mailsched_transport_send_total", Help: "Mail transport send outcomes"},
		[]string{"transport", "result"},
	)
	TransportLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "mailsched_transport_send_latency_seconds", Help: "Mail transport send latency"},
		[]string{"transport"},
	)
	SourceMarks = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "mailsched_source_marks_total", Help: "Recipient source status write-backs"},
		[]string{"result"},
	)
	ScheduleDegraded = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "mailsched_schedule_degraded_total", Help: "Schedules computed with a degradation"},
		[]string{"kind"},
	)
	WebhookEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "mailsched_webhook_events_total", Help: "Provider delivery events received"},
		[]string{"provider", "event"},
	)
	Reconciled = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "mailsched_reconciled_total", Help: "Reconciliation sweep findings"},
		[]string{"kind"},
	)
	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: "mailsched_queue_depth", Help: "Dispatch tasks waiting or leased"},
		[]string{"queue", "state"},
	)
)

func Register(reg prometheus.Registerer) {
	reg.MustRegister(APIRequests, CampaignStarts, RecordsMaterialized, Enqueues, Dispatches,
		TransportSend, TransportLatency, SourceMarks, ScheduleDegraded, WebhookEvents, Reconciled, QueueDepth)
}
