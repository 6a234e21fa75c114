// Package metrics exposes Prometheus collectors for the conversation engine.
//
// Collectors are registered on the default registry at init and served by
// the API server on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TurnsProcessed counts completed ProcessTurn calls by outcome.
	TurnsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "botflow",
		Name:      "turns_processed_total",
		Help:      "Conversation turns processed, labeled by outcome.",
	}, []string{"outcome"})

	// TurnDuration observes end-to-end turn processing time.
	TurnDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "botflow",
		Name:      "turn_duration_seconds",
		Help:      "End-to-end conversation turn duration.",
		Buckets:   prometheus.DefBuckets,
	})

	// WebhookFailures counts api_webhook calls that failed or timed out.
	WebhookFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "botflow",
		Name:      "webhook_failures_total",
		Help:      "api_webhook node calls that failed or timed out.",
	})

	// AIFallbacks counts ai_response generations replaced by fallback text.
	AIFallbacks = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "botflow",
		Name:      "ai_fallbacks_total",
		Help:      "ai_response generations that degraded to the fallback message.",
	})

	// FlowErrors counts flow-definition errors (cycles, dangling nodes).
	FlowErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "botflow",
		Name:      "flow_errors_total",
		Help:      "Flow authoring errors detected during navigation.",
	})

	// Handoffs counts conversations flagged for a human agent.
	Handoffs = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "botflow",
		Name:      "handoffs_total",
		Help:      "Conversations flagged for human handoff.",
	})
)
