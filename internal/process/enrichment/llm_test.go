package enrichment

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perceptlab/percept/internal/core/domain"
	perrors "github.com/perceptlab/percept/internal/core/errors"
	"github.com/perceptlab/percept/internal/core/llm"
)

type fakeCompletionClient struct {
	text string
	err  error

	lastReq llm.CompletionRequest
}

func (f *fakeCompletionClient) Complete(_ context.Context, req llm.CompletionRequest) (llm.CompletionResult, error) {
	f.lastReq = req

	if f.err != nil {
		return llm.CompletionResult{}, f.err
	}

	return llm.CompletionResult{Text: f.text}, nil
}

func (f *fakeCompletionClient) CompleteWith(ctx context.Context, _ llm.ProviderName, req llm.CompletionRequest) (llm.CompletionResult, error) {
	return f.Complete(ctx, req)
}

func (f *fakeCompletionClient) Route() (llm.RoutingDecision, error) {
	return llm.RoutingDecision{}, nil
}

func (f *fakeCompletionClient) ProviderStatuses() []llm.ProviderStatus { return nil }

func (f *fakeCompletionClient) BudgetStatus() (int64, int64, float64) { return 0, 0, 0 }

func TestLLMAnalyzerParsesResponse(t *testing.T) {
	client := &fakeCompletionClient{
		text: `Here is the analysis:
{"tags": ["concurrency", "atomics"], "highlights": ["Acquire pairs with release."],
 "topics": ["systems"], "sentiment": "positive", "complexity": "high"}`,
	}

	a := NewLLMAnalyzer(client, "gpt-4o-mini")

	obs := &domain.Observation{
		Highlight: "memory ordering",
		Note:      "Acquire pairs with release.",
		Tags:      []string{"cpu"},
	}

	analysis, err := a.Analyze(context.Background(), obs)
	require.NoError(t, err)

	assert.Equal(t, []string{"concurrency", "atomics"}, analysis.EnhancedTags)
	assert.Equal(t, []string{"Acquire pairs with release."}, analysis.RecommendedHighlights)
	assert.Equal(t, []string{"systems"}, analysis.Semantics.Topics)
	assert.Equal(t, domain.SentimentPositive, analysis.Semantics.Sentiment)
	assert.Equal(t, domain.ComplexityHigh, analysis.Semantics.Complexity)

	assert.Contains(t, client.lastReq.Prompt, "memory ordering")
	assert.Contains(t, client.lastReq.Prompt, "cpu")
	assert.NotEmpty(t, client.lastReq.System)
}

func TestLLMAnalyzerUnknownEnumsDefault(t *testing.T) {
	client := &fakeCompletionClient{
		text: `{"tags": [], "highlights": [], "sentiment": "ecstatic", "complexity": "extreme"}`,
	}

	a := NewLLMAnalyzer(client, "")

	analysis, err := a.Analyze(context.Background(), &domain.Observation{Highlight: "x"})
	require.NoError(t, err)

	assert.Equal(t, domain.SentimentNeutral, analysis.Semantics.Sentiment)
	assert.Equal(t, domain.ComplexityMedium, analysis.Semantics.Complexity)
}

func TestLLMAnalyzerCapsListLengths(t *testing.T) {
	client := &fakeCompletionClient{
		text: `{"tags": ["a","b","c","d","e","f","g","h","i","j"],
 "highlights": ["1","2","3","4"], "topics": ["t1","t2","t3","t4"],
 "sentiment": "neutral", "complexity": "low"}`,
	}

	a := NewLLMAnalyzer(client, "gpt-4o-mini")

	analysis, err := a.Analyze(context.Background(), &domain.Observation{Highlight: "x"})
	require.NoError(t, err)

	assert.Len(t, analysis.EnhancedTags, maxEnhancedTags)
	assert.Len(t, analysis.RecommendedHighlights, maxHighlights)
	assert.Len(t, analysis.Semantics.Topics, 3)
}

func TestLLMAnalyzerMalformedResponse(t *testing.T) {
	client := &fakeCompletionClient{text: "I could not produce the analysis, sorry."}

	a := NewLLMAnalyzer(client, "gpt-4o-mini")

	_, err := a.Analyze(context.Background(), &domain.Observation{Highlight: "x"})
	assert.ErrorIs(t, err, perrors.ErrEnrichmentDegraded)
}

func TestLLMAnalyzerPropagatesClientError(t *testing.T) {
	client := &fakeCompletionClient{err: errors.New("all providers failed")}

	a := NewLLMAnalyzer(client, "gpt-4o-mini")

	_, err := a.Analyze(context.Background(), &domain.Observation{Highlight: "x"})
	assert.Error(t, err)
}

func TestLLMAnalyzerModelVersion(t *testing.T) {
	assert.Equal(t, "llm:gpt-4o-mini", NewLLMAnalyzer(nil, "gpt-4o-mini").ModelVersion())
	assert.Equal(t, "llm", NewLLMAnalyzer(nil, "").ModelVersion())
}
