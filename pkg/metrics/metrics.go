package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registry     *prometheus.Registry
	registryOnce sync.Once

	// Webhook ingestion
	WebhooksReceived     *prometheus.CounterVec
	WebhooksDuplicate    *prometheus.CounterVec
	WebhooksUnauthorized *prometheus.CounterVec

	// Call lifecycle
	CallsCreated        *prometheus.CounterVec
	StatusTransitions   *prometheus.CounterVec
	TranscriptsRecorded prometheus.Counter
	ExtractionsRecorded prometheus.Counter

	// Retention
	SweepRuns      *prometheus.CounterVec
	CallersDeleted prometheus.Counter

	// Upstream clients
	VocodeRequests   *prometheus.CounterVec
	VocodeLatency    prometheus.Histogram
	ProviderRequests *prometheus.CounterVec
	BreakerFailures  *prometheus.GaugeVec

	// Live streams
	StreamClients prometheus.Gauge
)

// Init registers all collectors exactly once. Safe to call from tests.
func Init() {
	registryOnce.Do(func() {
		registry = prometheus.NewRegistry()

		WebhooksReceived = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "voicebridge_webhooks_received_total",
				Help: "Provider webhooks accepted for processing",
			},
			[]string{"provider", "kind"},
		)

		WebhooksDuplicate = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "voicebridge_webhooks_duplicate_total",
				Help: "Webhooks short-circuited by the delivery dedup cache",
			},
			[]string{"provider"},
		)

		WebhooksUnauthorized = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "voicebridge_webhooks_unauthorized_total",
				Help: "Webhooks rejected for a bad or missing signature",
			},
			[]string{"provider"},
		)

		CallsCreated = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "voicebridge_calls_created_total",
				Help: "Call records created",
			},
			[]string{"provider", "direction"},
		)

		StatusTransitions = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "voicebridge_call_status_transitions_total",
				Help: "Call status transitions applied",
			},
			[]string{"status"},
		)

		TranscriptsRecorded = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "voicebridge_transcripts_recorded_total",
				Help: "Transcript utterances appended",
			},
		)

		ExtractionsRecorded = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "voicebridge_extractions_recorded_total",
				Help: "Structured extractions appended",
			},
		)

		SweepRuns = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "voicebridge_retention_sweeps_total",
				Help: "Retention sweeper runs by mode",
			},
			[]string{"mode"},
		)

		CallersDeleted = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "voicebridge_retention_callers_deleted_total",
				Help: "Expired callers removed by the retention sweeper",
			},
		)

		VocodeRequests = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "voicebridge_vocode_requests_total",
				Help: "Requests issued to the voice-AI process",
			},
			[]string{"outcome"},
		)

		VocodeLatency = prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "voicebridge_vocode_latency_seconds",
				Help:    "Latency of conversation-creation requests",
				Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
			},
		)

		ProviderRequests = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "voicebridge_provider_requests_total",
				Help: "Telephony provider REST calls by action and outcome",
			},
			[]string{"provider", "action", "outcome"},
		)

		BreakerFailures = prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "voicebridge_breaker_consecutive_failures",
				Help: "Consecutive failures tracked per upstream breaker",
			},
			[]string{"service"},
		)

		StreamClients = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "voicebridge_stream_clients",
				Help: "Connected live call event stream clients",
			},
		)

		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
			WebhooksReceived,
			WebhooksDuplicate,
			WebhooksUnauthorized,
			CallsCreated,
			StatusTransitions,
			TranscriptsRecorded,
			ExtractionsRecorded,
			SweepRuns,
			CallersDeleted,
			VocodeRequests,
			VocodeLatency,
			ProviderRequests,
			BreakerFailures,
			StreamClients,
		)
	})
}

// Handler exposes the registry for the /metrics route.
func Handler() http.Handler {
	Init()
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// ObserveVocode records one voice-AI request outcome with latency.
func ObserveVocode(err error, elapsed time.Duration) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	VocodeRequests.WithLabelValues(outcome).Inc()
	VocodeLatency.Observe(elapsed.Seconds())
}

// ObserveProvider records one provider REST call outcome.
func ObserveProvider(provider, action string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	ProviderRequests.WithLabelValues(provider, action, outcome).Inc()
}
