package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	xrate "golang.org/x/time/rate"
)

// Anthropic model constants.
const (
	ModelClaudeHaiku = "claude-haiku-4.5"

	// Default model for Anthropic.
	defaultAnthropicModel = ModelClaudeHaiku

	contentTypeText = "text"
)

// AnthropicConfig configures the Anthropic provider.
type AnthropicConfig struct {
	APIKey    string
	Model     string
	RateLimit int
}

type anthropicProvider struct {
	client      anthropic.Client
	model       string
	rateLimiter *xrate.Limiter
}

// NewAnthropicProvider creates a new Anthropic completion provider.
func NewAnthropicProvider(cfg AnthropicConfig) Provider {
	model := cfg.Model
	if model == "" {
		model = defaultAnthropicModel
	}

	rateLimit := cfg.RateLimit
	if rateLimit <= 0 {
		rateLimit = defaultRateLimit
	}

	return &anthropicProvider{
		client:      anthropic.NewClient(option.WithAPIKey(cfg.APIKey)),
		model:       model,
		rateLimiter: xrate.NewLimiter(xrate.Limit(float64(rateLimit)), rateLimiterBurst),
	}
}

func (p *anthropicProvider) Name() ProviderName { return ProviderAnthropic }

func (p *anthropicProvider) IsAvailable() bool { return true }

func (p *anthropicProvider) Priority() int { return PriorityFallback }

func (p *anthropicProvider) DefaultModel() string { return p.model }

func (p *anthropicProvider) Complete(ctx context.Context, req CompletionRequest) (CompletionResult, error) {
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

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: int64(maxTokens),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
	}

	if req.System != "" {
		params.System = []anthropic.TextBlockParam{
			{Text: req.System},
		}
	}

	resp, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return CompletionResult{}, fmt.Errorf("anthropic completion: %w", err)
	}

	return CompletionResult{
		Text:             extractTextFromResponse(resp),
		Provider:         ProviderAnthropic,
		Model:            model,
		PromptTokens:     int(resp.Usage.InputTokens),
		CompletionTokens: int(resp.Usage.OutputTokens),
	}, nil
}

// extractTextFromResponse extracts text content from Anthropic response.
func extractTextFromResponse(resp *anthropic.Message) string {
	var result strings.Builder

	for _, block := range resp.Content {
		if block.Type == contentTypeText {
			result.WriteString(block.Text)
		}
	}

	return result.String()
}

// Ensure anthropicProvider implements Provider interface.
var _ Provider = (*anthropicProvider)(nil)
