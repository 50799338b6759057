package enrichment

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/perceptlab/percept/internal/core/domain"
	perrors "github.com/perceptlab/percept/internal/core/errors"
	"github.com/perceptlab/percept/internal/core/llm"
)

const llmAnalyzerMaxTokens = 512

const llmAnalyzerSystem = `You analyze a user's saved observation and return only JSON, no prose.
Schema:
{"tags": [up to 8 lowercase topic tags],
 "highlights": [up to 3 verbatim sentences from the note worth resurfacing],
 "topics": [up to 3 broad topics],
 "sentiment": "positive"|"neutral"|"negative",
 "complexity": "low"|"medium"|"high"}`

type llmAnalysisPayload struct {
	Tags       []string `json:"tags"`
	Highlights []string `json:"highlights"`
	Topics     []string `json:"topics"`
	Sentiment  string   `json:"sentiment"`
	Complexity string   `json:"complexity"`
}

// LLMAnalyzer asks the completion registry for a structured analysis. It
// degrades to the heuristic analyzer's field rules only at the worker
// level; here a malformed response is an error.
type LLMAnalyzer struct {
	client llm.Client
	model  string
}

func NewLLMAnalyzer(client llm.Client, model string) *LLMAnalyzer {
	return &LLMAnalyzer{client: client, model: model}
}

func (a *LLMAnalyzer) ModelVersion() string {
	if a.model == "" {
		return "llm"
	}

	return "llm:" + a.model
}

func (a *LLMAnalyzer) Analyze(ctx context.Context, obs *domain.Observation) (*Analysis, error) {
	prompt := fmt.Sprintf("Highlight: %s\nNote: %s\nUser tags: %s",
		obs.Highlight, obs.Note, strings.Join(obs.Tags, ", "))

	result, err := a.client.Complete(ctx, llm.CompletionRequest{
		Model:     a.model,
		System:    llmAnalyzerSystem,
		Prompt:    prompt,
		MaxTokens: llmAnalyzerMaxTokens,
	})
	if err != nil {
		return nil, err
	}

	var payload llmAnalysisPayload
	if err := json.Unmarshal([]byte(llm.ExtractJSON(result.Text)), &payload); err != nil {
		return nil, fmt.Errorf("unparseable analysis response: %w", perrors.ErrEnrichmentDegraded)
	}

	return &Analysis{
		EnhancedTags:          capStrings(payload.Tags, maxEnhancedTags),
		RecommendedHighlights: capStrings(payload.Highlights, maxHighlights),
		Semantics: domain.SemanticAnalysis{
			Topics:     capStrings(payload.Topics, 3),
			Sentiment:  parseSentiment(payload.Sentiment),
			Complexity: parseComplexity(payload.Complexity),
		},
	}, nil
}

func capStrings(values []string, limit int) []string {
	out := make([]string, 0, limit)

	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}

		out = append(out, v)
		if len(out) == limit {
			break
		}
	}

	return out
}

func parseSentiment(raw string) domain.Sentiment {
	switch domain.Sentiment(strings.ToLower(strings.TrimSpace(raw))) {
	case domain.SentimentPositive:
		return domain.SentimentPositive
	case domain.SentimentNegative:
		return domain.SentimentNegative
	default:
		return domain.SentimentNeutral
	}
}

func parseComplexity(raw string) domain.Complexity {
	switch domain.Complexity(strings.ToLower(strings.TrimSpace(raw))) {
	case domain.ComplexityLow:
		return domain.ComplexityLow
	case domain.ComplexityHigh:
		return domain.ComplexityHigh
	default:
		return domain.ComplexityMedium
	}
}
