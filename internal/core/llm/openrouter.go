package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	xrate "golang.org/x/time/rate"

	"github.com/perceptlab/percept/internal/core/errors"
)

const (
	openRouterEndpoint = "https://openrouter.ai/api/v1/chat/completions"

	// ModelMistral7BInstruct is the cheap second-fallback completion model.
	ModelMistral7BInstruct = "mistralai/mistral-7b-instruct"

	openRouterTimeout = 60 * time.Second
)

// ErrOpenRouterAPIFailure indicates a non-200 response from OpenRouter.
var ErrOpenRouterAPIFailure = fmt.Errorf("openrouter API error: %w", errors.ErrExternalModel)

// OpenRouterConfig configures the OpenRouter provider.
type OpenRouterConfig struct {
	APIKey    string
	Model     string
	RateLimit int
	Timeout   time.Duration
}

// openRouterProvider talks to the OpenRouter Chat API (OpenAI-compatible)
// over raw HTTP. It sits last in the fallback chain.
type openRouterProvider struct {
	key     string
	model   string
	client  *http.Client
	limiter *xrate.Limiter
}

// Wire types mirror the OpenRouter chat-completions payloads; only the
// fields the gateway reads are declared.
type (
	orMessage struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}

	orRequest struct {
		Model     string      `json:"model"`
		Messages  []orMessage `json:"messages"`
		MaxTokens int         `json:"max_tokens,omitempty"`
	}

	orResponse struct {
		Choices []struct {
			Message      orMessage `json:"message"`
			FinishReason string    `json:"finish_reason"`
		} `json:"choices"`
		Usage struct {
			PromptTokens     int `json:"prompt_tokens"`
			CompletionTokens int `json:"completion_tokens"`
		} `json:"usage"`
	}

	orErrBody struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
)

// NewOpenRouterProvider creates a new OpenRouter completion provider.
func NewOpenRouterProvider(cfg OpenRouterConfig) Provider {
	p := &openRouterProvider{
		key:    cfg.APIKey,
		model:  cfg.Model,
		client: &http.Client{Timeout: cfg.Timeout},
	}
	if p.model == "" {
		p.model = ModelMistral7BInstruct
	}
	if p.client.Timeout <= 0 {
		p.client.Timeout = openRouterTimeout
	}

	rps := cfg.RateLimit
	if rps <= 0 {
		rps = defaultRateLimit
	}
	p.limiter = xrate.NewLimiter(xrate.Limit(float64(rps)), rateLimiterBurst)

	return p
}

func (p *openRouterProvider) Name() ProviderName { return ProviderOpenRouter }

func (p *openRouterProvider) IsAvailable() bool { return p.key != "" }

func (p *openRouterProvider) Priority() int { return PrioritySecondFallback }

func (p *openRouterProvider) DefaultModel() string { return p.model }

func (p *openRouterProvider) Complete(ctx context.Context, req CompletionRequest) (CompletionResult, error) {
	if err := p.limiter.Wait(ctx); err != nil {
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

	var messages []orMessage
	if req.System != "" {
		messages = append(messages, orMessage{Role: "system", Content: req.System})
	}
	messages = append(messages, orMessage{Role: "user", Content: req.Prompt})

	payload, err := json.Marshal(orRequest{Model: model, Messages: messages, MaxTokens: maxTokens})
	if err != nil {
		return CompletionResult{}, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, openRouterEndpoint, bytes.NewReader(payload))
	if err != nil {
		return CompletionResult{}, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+p.key)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return CompletionResult{}, fmt.Errorf("openrouter request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return CompletionResult{}, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var detail orErrBody
		if json.Unmarshal(body, &detail) == nil && detail.Error.Message != "" {
			return CompletionResult{}, fmt.Errorf("%w: status %d: %s",
				ErrOpenRouterAPIFailure, resp.StatusCode, detail.Error.Message)
		}

		return CompletionResult{}, fmt.Errorf("%w: status %d", ErrOpenRouterAPIFailure, resp.StatusCode)
	}

	var parsed orResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return CompletionResult{}, fmt.Errorf("decode response: %w", err)
	}

	if len(parsed.Choices) == 0 {
		return CompletionResult{}, fmt.Errorf("openrouter: %w", errors.ErrEmptyModelResponse)
	}

	return CompletionResult{
		Text:             parsed.Choices[0].Message.Content,
		Provider:         ProviderOpenRouter,
		Model:            model,
		PromptTokens:     parsed.Usage.PromptTokens,
		CompletionTokens: parsed.Usage.CompletionTokens,
	}, nil
}

var _ Provider = (*openRouterProvider)(nil)
