package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics stores Prometheus collectors used across the service.
type Metrics struct {
	WebhooksReceived *prometheus.CounterVec
	WebhooksRejected *prometheus.CounterVec
	InboundMessages  *prometheus.CounterVec
	OutboundSends    *prometheus.CounterVec
	SendLatency      *prometheus.HistogramVec
	AdapterErrors    *prometheus.CounterVec
	QueueRetries     *prometheus.CounterVec
	SLAEvents        *prometheus.CounterVec
	Errors           *prometheus.CounterVec
}

var (
	regOnce         sync.Once
	metricsInstance *Metrics
)

// Registry builds and registers the metrics singleton with optional namespace.
func Registry(namespace string) *Metrics {
	regOnce.Do(func() {
		metricsInstance = &Metrics{
			WebhooksReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "webhooks_received_total",
				Help:      "Total inbound webhook requests by platform and outcome.",
			}, []string{"platform", "outcome"}),
			WebhooksRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "webhooks_rejected_total",
				Help:      "Total webhook requests rejected before ingestion.",
			}, []string{"platform", "reason"}),
			InboundMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "inbound_messages_total",
				Help:      "Total normalized inbound messages persisted.",
			}, []string{"platform"}),
			OutboundSends: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "outbound_sends_total",
				Help:      "Total outbound send attempts by platform and outcome.",
			}, []string{"platform", "outcome"}),
			SendLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "outbound_send_duration_seconds",
				Help:      "Latency distribution for platform send API calls.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"platform", "outcome"}),
			AdapterErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "adapter_errors_total",
				Help:      "Total classified adapter errors by platform and type.",
			}, []string{"platform", "type"}),
			QueueRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "queue_retries_total",
				Help:      "Total outbound jobs routed to the retry queue.",
			}, []string{"queue"}),
			SLAEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sla_events_total",
				Help:      "Total SLA warning/expired notifications emitted.",
			}, []string{"kind"}),
			Errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_total",
				Help:      "Total errors grouped by component.",
			}, []string{"component"}),
		}

		prometheus.MustRegister(
			metricsInstance.WebhooksReceived,
			metricsInstance.WebhooksRejected,
			metricsInstance.InboundMessages,
			metricsInstance.OutboundSends,
			metricsInstance.SendLatency,
			metricsInstance.AdapterErrors,
			metricsInstance.QueueRetries,
			metricsInstance.SLAEvents,
			metricsInstance.Errors,
		)
	})
	return metricsInstance
}
