package enrichment

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perceptlab/percept/internal/core/domain"
)

func TestHeuristicTagsRankedByFrequency(t *testing.T) {
	a := NewHeuristicAnalyzer()

	obs := &domain.Observation{
		Highlight: "compilers translate source code",
		Note:      "compilers parse source code into tokens, then compilers lower code to machine instructions",
	}

	analysis, err := a.Analyze(context.Background(), obs)
	require.NoError(t, err)

	require.NotEmpty(t, analysis.EnhancedTags)
	assert.Equal(t, "code", analysis.EnhancedTags[0])
	assert.Contains(t, analysis.EnhancedTags, "compilers")
	assert.LessOrEqual(t, len(analysis.EnhancedTags), maxEnhancedTags)
}

func TestHeuristicTagsExcludeUserTags(t *testing.T) {
	a := NewHeuristicAnalyzer()

	obs := &domain.Observation{
		Highlight: "compilers compilers compilers",
		Tags:      []string{"compilers"},
	}

	analysis, err := a.Analyze(context.Background(), obs)
	require.NoError(t, err)

	assert.NotContains(t, analysis.EnhancedTags, "compilers")
}

func TestHeuristicShortNoteBecomesHighlight(t *testing.T) {
	a := NewHeuristicAnalyzer()

	obs := &domain.Observation{
		Highlight: "a headline",
		Note:      "short but memorable remark",
	}

	analysis, err := a.Analyze(context.Background(), obs)
	require.NoError(t, err)

	assert.Equal(t, []string{"short but memorable remark"}, analysis.RecommendedHighlights)
}

func TestHeuristicEmptyNoteFallsBackToHighlight(t *testing.T) {
	a := NewHeuristicAnalyzer()

	obs := &domain.Observation{Highlight: "only a highlight"}

	analysis, err := a.Analyze(context.Background(), obs)
	require.NoError(t, err)

	assert.Equal(t, []string{"only a highlight"}, analysis.RecommendedHighlights)
}

func TestHeuristicLongNotePicksNovelSentences(t *testing.T) {
	a := NewHeuristicAnalyzer()

	note := strings.Join([]string{
		"The compiler frontend builds an abstract syntax tree from raw tokens produced by the lexer.",
		"ab.",
		"Register allocation by graph coloring assigns machine registers while minimizing spills to memory.",
		"The compiler frontend builds the tree.",
	}, " ")

	obs := &domain.Observation{
		Highlight: "compiler frontend builds tree",
		Note:      note,
	}

	analysis, err := a.Analyze(context.Background(), obs)
	require.NoError(t, err)

	require.NotEmpty(t, analysis.RecommendedHighlights)
	assert.LessOrEqual(t, len(analysis.RecommendedHighlights), maxHighlights)
	assert.Contains(t, analysis.RecommendedHighlights[0], "Register allocation")
}

func TestHeuristicDeterministic(t *testing.T) {
	a := NewHeuristicAnalyzer()

	obs := &domain.Observation{
		Highlight: "garbage collection pauses",
		Note:      "Generational collectors exploit the weak generational hypothesis. Most objects die young and the survivors are promoted to tenured space.",
	}

	first, err := a.Analyze(context.Background(), obs)
	require.NoError(t, err)

	second, err := a.Analyze(context.Background(), obs)
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestKeywordSentiment(t *testing.T) {
	tests := []struct {
		name string
		text string
		want domain.Sentiment
	}{
		{"positive", "this was a great and insightful read, love it", domain.SentimentPositive},
		{"negative", "terrible explanation, confusing and misleading", domain.SentimentNegative},
		{"neutral", "the chapter covers parsing techniques", domain.SentimentNeutral},
		{"balanced", "great idea but terrible execution", domain.SentimentNeutral},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, keywordSentiment(tt.text))
		})
	}
}

func TestSentenceComplexity(t *testing.T) {
	tests := []struct {
		name string
		note string
		want domain.Complexity
	}{
		{"empty", "", domain.ComplexityMedium},
		{"short sentences", "Short one. Tiny note. Done now.", domain.ComplexityLow},
		{
			"long sentences",
			"The borrow checker enforces aliasing discipline statically by tracking region lifetimes through every function signature in the whole crate graph without any runtime support at all.",
			domain.ComplexityHigh,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, sentenceComplexity(tt.note))
		})
	}
}

func TestSplitSentences(t *testing.T) {
	got := splitSentences("First sentence. Second one! Third?\nFourth line")
	assert.Equal(t, []string{"First sentence", "Second one", "Third", "Fourth line"}, got)
}
