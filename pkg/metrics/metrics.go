// Package metrics provides Prometheus metrics instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestDuration tracks HTTP request duration.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "api_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path", "status"},
	)

	// RequestsTotal tracks total HTTP requests.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// WebhookEventsTotal tracks normalized inbound events.
	WebhookEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webhook_events_total",
			Help: "Total normalized inbound channel events",
		},
		[]string{"channel", "kind"},
	)

	// WebhookRejectedTotal tracks rejected webhook deliveries.
	WebhookRejectedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webhook_rejected_total",
			Help: "Webhook deliveries rejected before processing",
		},
		[]string{"channel", "reason"},
	)

	// CompletionRequestsTotal counts completion calls by outcome.
	CompletionRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "completion_requests_total",
			Help: "Total completion service calls",
		},
		[]string{"channel", "outcome"},
	)

	// CompletionDuration tracks completion service latency.
	CompletionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "completion_duration_seconds",
			Help:    "Completion service call duration",
			Buckets: []float64{.25, .5, 1, 2, 4, 8, 12, 16, 25, 40},
		},
		[]string{"channel", "outcome"},
	)

	// CompletionTokensTotal tracks tokens consumed by the completion service.
	CompletionTokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "completion_tokens_total",
			Help: "Total completion tokens processed",
		},
		[]string{"model", "direction"},
	)

	// GuardrailFlagsTotal tracks quality flags raised on outgoing replies.
	GuardrailFlagsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guardrail_flags_total",
			Help: "Quality flags raised by the reply guardrails",
		},
		[]string{"channel", "flag"},
	)

	// LeadsTotal tracks lead capture outcomes.
	LeadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "leads_total",
			Help: "Lead capture outcomes",
		},
		[]string{"channel", "outcome"},
	)

	// FollowUpsTotal tracks follow-up nudge outcomes.
	FollowUpsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "followups_total",
			Help: "Follow-up nudge outcomes",
		},
		[]string{"outcome"},
	)

	// RateLimitedTotal tracks requests rejected by the rate limiter.
	RateLimitedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rate_limited_total",
			Help: "Requests rejected by the rate limiter",
		},
		[]string{"scope"},
	)

	// MessagesTotal tracks conversation messages appended.
	MessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messages_total",
			Help: "Total conversation messages appended",
		},
		[]string{"channel", "role"},
	)
)

// RecordRequest records metrics for an HTTP request.
func RecordRequest(method, path, status string, duration float64) {
	RequestDuration.WithLabelValues(method, path, status).Observe(duration)
	RequestsTotal.WithLabelValues(method, path, status).Inc()
}

// RecordCompletion records metrics for a completion call.
func RecordCompletion(channel, outcome, model string, duration float64, tokensIn, tokensOut int) {
	CompletionRequestsTotal.WithLabelValues(channel, outcome).Inc()
	CompletionDuration.WithLabelValues(channel, outcome).Observe(duration)
	if model == "" {
		return
	}
	CompletionTokensTotal.WithLabelValues(model, "in").Add(float64(tokensIn))
	CompletionTokensTotal.WithLabelValues(model, "out").Add(float64(tokensOut))
}
