package llm

import (
	"context"
	"fmt"

	"github.com/sashabaranov/go-openai"
	xrate "golang.org/x/time/rate"

	"github.com/perceptlab/percept/internal/core/errors"
)

// OpenAI model constants.
const (
	ModelGPT4OMini = "gpt-4o-mini"

	// Default model for OpenAI.
	defaultOpenAIModel = ModelGPT4OMini

	// Rate limiter burst shared by all providers.
	rateLimiterBurst = 5
)

// OpenAIConfig configures the OpenAI provider. BaseURL is optional and
// points the client at an OpenAI-compatible endpoint when set.
type OpenAIConfig struct {
	APIKey    string
	BaseURL   string
	Model     string
	RateLimit int
}

type openaiProvider struct {
	client      *openai.Client
	model       string
	rateLimiter *xrate.Limiter
}

// NewOpenAIProvider creates a new OpenAI completion provider.
func NewOpenAIProvider(cfg OpenAIConfig) Provider {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}

	model := cfg.Model
	if model == "" {
		model = defaultOpenAIModel
	}

	rateLimit := cfg.RateLimit
	if rateLimit <= 0 {
		rateLimit = defaultRateLimit
	}

	return &openaiProvider{
		client:      openai.NewClientWithConfig(clientCfg),
		model:       model,
		rateLimiter: xrate.NewLimiter(xrate.Limit(float64(rateLimit)), rateLimiterBurst),
	}
}

func (p *openaiProvider) Name() ProviderName { return ProviderOpenAI }

func (p *openaiProvider) IsAvailable() bool { return true }

func (p *openaiProvider) Priority() int { return PriorityPrimary }

func (p *openaiProvider) DefaultModel() string { return p.model }

func (p *openaiProvider) Complete(ctx context.Context, req CompletionRequest) (CompletionResult, error) {
	if err := p.rateLimiter.Wait(ctx); err != nil {
		return CompletionResult{}, fmt.Errorf("rate limiter: %w", err)
	}

	model := req.Model
	if model == "" {
		model = p.model
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	messages := make([]openai.ChatCompletionMessage, 0, 2)
	if req.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.System,
		})
	}

	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: req.Prompt,
	})

	resp, err := p.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       model,
		Messages:    messages,
		MaxTokens:   maxTokens,
		Temperature: req.Temperature,
	})
	if err != nil {
		return CompletionResult{}, fmt.Errorf("openai chat completion: %w", err)
	}

	if len(resp.Choices) == 0 {
		return CompletionResult{}, fmt.Errorf("openai chat completion: %w", errors.ErrEmptyModelResponse)
	}

	return CompletionResult{
		Text:             resp.Choices[0].Message.Content,
		Provider:         ProviderOpenAI,
		Model:            model,
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
	}, nil
}

// Ensure openaiProvider implements Provider interface.
var _ Provider = (*openaiProvider)(nil)
