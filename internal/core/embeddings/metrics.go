package embeddings

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	meterRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "percept_embedding_requests_total",
		Help: "Embedding requests by provider, model, and status",
	}, []string{"provider", "model", "status"})

	meterTokens = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "percept_embedding_tokens_total",
		Help: "Estimated tokens sent to embedding providers",
	}, []string{"provider", "model"})

	meterCost = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "percept_embedding_cost_millicents_total",
		Help: "Estimated embedding cost in millicents",
	}, []string{"provider", "model"})

	meterLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "percept_embedding_latency_seconds",
		Help:    "Embedding request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"provider", "model"})

	meterFallbacks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "percept_embedding_fallbacks_total",
		Help: "Embedding fallback events by source and target provider",
	}, []string{"from", "to"})

	meterAvailability = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "percept_embedding_provider_available",
		Help: "Embedding provider availability (1 = available)",
	}, []string{"provider"})
)

// meterAttempt records one provider call: its latency and its outcome.
func meterAttempt(provider, model string, took time.Duration, err error) {
	meterLatency.WithLabelValues(provider, model).Observe(took.Seconds())

	status := "success"
	if err != nil {
		status = "error"
	}

	meterRequests.WithLabelValues(provider, model, status).Inc()
}

// meterUsage records token spend and the matching cost estimate.
func meterUsage(provider, model string, tokens int) {
	if tokens <= 0 {
		return
	}

	meterTokens.WithLabelValues(provider, model).Add(float64(tokens))

	if usd := embeddingCostUSD(provider, model, tokens); usd > 0 {
		meterCost.WithLabelValues(provider, model).Add(usd * 100_000) // millicents
	}
}

func meterFallback(from, to string) {
	meterFallbacks.WithLabelValues(from, to).Inc()
}

func markAvailable(provider string, up bool) {
	v := 0.0
	if up {
		v = 1.0
	}

	meterAvailability.WithLabelValues(provider).Set(v)
}

// embeddingCostUSD estimates spend from published per-million-token prices.
// The local provider is free by construction.
func embeddingCostUSD(provider, model string, tokens int) float64 {
	if provider != string(ProviderOpenAI) {
		return 0
	}

	perMillion := 0.02 // text-embedding-3-small
	if model == ModelTextEmbedding3Large {
		perMillion = 0.13
	}

	return float64(tokens) / 1e6 * perMillion
}

// estimateTokens approximates token count at ~4 characters per token,
// rounding up.
func estimateTokens(text string) int {
	const charsPerToken = 4

	return (len(text) + charsPerToken - 1) / charsPerToken
}
