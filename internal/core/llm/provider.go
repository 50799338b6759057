package llm

import "context"

// ProviderName identifies a completion backend in config, metrics, and
// usage records.
type ProviderName string

// Completion backends, in fallback order.
const (
	ProviderOpenAI     ProviderName = "openai"
	ProviderAnthropic  ProviderName = "anthropic"
	ProviderOpenRouter ProviderName = "openrouter"
	ProviderMock       ProviderName = "mock"
)

// Registry rank: higher wins, the rest are fallbacks in descending order.
const (
	PriorityPrimary        = 100 // OpenAI
	PriorityFallback       = 50  // Anthropic
	PrioritySecondFallback = 25  // OpenRouter
	PriorityMock           = 0
)

// CompletionRequest is a single prompt/completion exchange. The composed
// personalization prompt travels in System; the user's question in Prompt.
type CompletionRequest struct {
	Model       string
	System      string
	Prompt      string
	MaxTokens   int
	Temperature float32
}

// CompletionResult carries the model output and the usage accounting the
// gateway needs for billing.
type CompletionResult struct {
	Text             string
	Provider         ProviderName
	Model            string
	PromptTokens     int
	CompletionTokens int
	LatencyMs        int64
}

// Provider is one completion backend. The registry walks providers by
// Priority, skipping those whose IsAvailable is false or whose breaker
// is open.
type Provider interface {
	Name() ProviderName
	IsAvailable() bool
	Priority() int

	// DefaultModel is used when the request does not pin one.
	DefaultModel() string

	Complete(ctx context.Context, req CompletionRequest) (CompletionResult, error)
}
