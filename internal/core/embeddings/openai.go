package embeddings

import (
	"context"
	"errors"
	"fmt"

	"github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"
)

// OpenAI embedding models.
const (
	ModelTextEmbedding3Large = "text-embedding-3-large"
	ModelTextEmbedding3Small = "text-embedding-3-small"
)

const (
	openaiBurst = 5

	// largeNativeWidth is the full output width of text-embedding-3-large;
	// requests below it use the API's dimension-reduction parameter.
	largeNativeWidth = 3072
)

// ErrOpenAIEmptyResponse indicates the API answered without any vectors.
var ErrOpenAIEmptyResponse = errors.New("empty embedding response from OpenAI")

// OpenAIProvider serves embeddings from the OpenAI API under a local rate
// limiter.
type OpenAIProvider struct {
	client  *openai.Client
	model   string
	width   int
	limiter *rate.Limiter
	enabled bool
}

// OpenAIConfig configures the OpenAI embedding provider.
type OpenAIConfig struct {
	APIKey     string
	Model      string // defaults to text-embedding-3-small
	Dimensions int    // requested output width
	RateLimit  int    // requests per second
}

// NewOpenAIProvider creates the provider. A missing key leaves it
// registered but unavailable, so the registry falls through to local.
func NewOpenAIProvider(cfg OpenAIConfig) *OpenAIProvider {
	if cfg.Model == "" {
		cfg.Model = ModelTextEmbedding3Small
	}

	if cfg.Dimensions == 0 {
		cfg.Dimensions = DefaultDimensions
	}

	if cfg.RateLimit == 0 {
		cfg.RateLimit = 1
	}

	return &OpenAIProvider{
		client:  openai.NewClient(cfg.APIKey),
		model:   cfg.Model,
		width:   cfg.Dimensions,
		limiter: rate.NewLimiter(rate.Limit(cfg.RateLimit), openaiBurst),
		enabled: cfg.APIKey != "" && cfg.APIKey != mockAPIKey,
	}
}

func (p *OpenAIProvider) Name() ProviderName { return ProviderOpenAI }

func (p *OpenAIProvider) Priority() int { return PriorityPrimary }

func (p *OpenAIProvider) Dimensions() int { return p.width }

func (p *OpenAIProvider) ModelVersion() string { return p.model }

func (p *OpenAIProvider) IsAvailable() bool { return p.enabled }

// GetEmbedding requests one embedding for text.
func (p *OpenAIProvider) GetEmbedding(ctx context.Context, text string) (EmbeddingResult, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return EmbeddingResult{}, fmt.Errorf(errRateLimiterFmt, err)
	}

	req := openai.EmbeddingRequest{
		Input: []string{text},
		Model: openai.EmbeddingModel(p.model),
	}

	// Only the large model supports server-side dimension reduction; the
	// registry width-fits everything else.
	if p.model == ModelTextEmbedding3Large && p.width > 0 && p.width < largeNativeWidth {
		req.Dimensions = p.width
	}

	resp, err := p.client.CreateEmbeddings(ctx, req)
	if err != nil {
		return EmbeddingResult{}, fmt.Errorf("openai embeddings: %w", err)
	}

	if len(resp.Data) == 0 {
		return EmbeddingResult{}, ErrOpenAIEmptyResponse
	}

	vec := resp.Data[0].Embedding

	return EmbeddingResult{Vector: vec, Dimensions: len(vec), Provider: ProviderOpenAI}, nil
}
