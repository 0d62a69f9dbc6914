package conversation

import (
	"errors"

	"github.com/HerbHall/azurechat/pkg/chat"
	"github.com/prometheus/client_golang/prometheus"
)

// Prometheus conversation metrics.
var (
	completionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "azurechat_completions_total",
			Help: "Total number of completion calls by mode and outcome.",
		},
		[]string{"mode", "outcome"},
	)
	completionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "azurechat_completion_duration_seconds",
			Help:    "Completion call duration in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"mode"},
	)
	promptTokens = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "azurechat_prompt_tokens",
			Help:    "Measured token cost of assembled prompts.",
			Buckets: prometheus.ExponentialBuckets(16, 2, 10),
		},
	)
)

func init() {
	prometheus.MustRegister(completionsTotal)
	prometheus.MustRegister(completionDuration)
	prometheus.MustRegister(promptTokens)
}

func modeLabel(stream bool) string {
	if stream {
		return "stream"
	}
	return "batch"
}

// outcomeLabel maps an error to a low-cardinality label value.
func outcomeLabel(err error) string {
	if err == nil {
		return "success"
	}
	var ce *chat.Error
	if errors.As(err, &ce) {
		return ce.Code
	}
	return "error"
}
