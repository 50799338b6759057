package enrichment

import (
	"context"
	"sort"
	"strings"

	"github.com/perceptlab/percept/internal/core/domain"
	"github.com/perceptlab/percept/internal/core/fulltext"
)

const (
	heuristicModelVersion = "heuristic-v1"

	maxEnhancedTags       = 8
	maxHighlights         = 3
	shortNoteLimit        = 100
	minHighlightSentence  = 20
	complexityHighAvgLen  = 18.0
	complexityLowAvgLen   = 9.0
	idealSentenceWordsMin = 12
	idealSentenceWordsMax = 40
)

var stopwords = map[string]bool{
	"the": true, "and": true, "for": true, "that": true, "this": true,
	"with": true, "from": true, "are": true, "was": true, "were": true,
	"has": true, "have": true, "had": true, "not": true, "but": true,
	"you": true, "your": true, "its": true, "his": true, "her": true,
	"they": true, "them": true, "their": true, "what": true, "when": true,
	"where": true, "which": true, "who": true, "how": true, "why": true,
	"all": true, "any": true, "can": true, "will": true, "just": true,
	"about": true, "into": true, "over": true, "than": true, "then": true,
	"there": true, "here": true, "very": true, "some": true, "more": true,
	"also": true, "been": true, "being": true, "would": true, "could": true,
	"should": true, "out": true, "our": true, "one": true, "two": true,
}

var positiveWords = map[string]bool{
	"good": true, "great": true, "excellent": true, "love": true,
	"useful": true, "helpful": true, "interesting": true, "amazing": true,
	"best": true, "enjoy": true, "enjoyed": true, "like": true,
	"liked": true, "wonderful": true, "insightful": true, "clear": true,
	"brilliant": true, "elegant": true, "favorite": true, "valuable": true,
}

var negativeWords = map[string]bool{
	"bad": true, "poor": true, "terrible": true, "hate": true,
	"useless": true, "confusing": true, "boring": true, "worst": true,
	"dislike": true, "awful": true, "broken": true, "wrong": true,
	"frustrating": true, "disappointing": true, "unclear": true,
	"misleading": true, "waste": true, "annoying": true, "buggy": true,
}

// HeuristicAnalyzer is a deterministic, dependency-free analyzer for the
// small-model deployment mode. Word frequency drives the tags, a novelty
// score vs the highlight drives the recommended sentences, keyword counts
// drive the sentiment, and average sentence length drives the complexity.
type HeuristicAnalyzer struct{}

func NewHeuristicAnalyzer() *HeuristicAnalyzer {
	return &HeuristicAnalyzer{}
}

func (a *HeuristicAnalyzer) ModelVersion() string {
	return heuristicModelVersion
}

func (a *HeuristicAnalyzer) Analyze(ctx context.Context, obs *domain.Observation) (*Analysis, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	text := strings.TrimSpace(obs.Highlight + " " + obs.Note)

	return &Analysis{
		EnhancedTags:          frequencyTags(text, obs.Tags),
		RecommendedHighlights: recommendHighlights(obs.Highlight, obs.Note),
		Semantics: domain.SemanticAnalysis{
			Topics:     topicTokens(text),
			Sentiment:  keywordSentiment(text),
			Complexity: sentenceComplexity(obs.Note),
		},
	}, nil
}

// frequencyTags ranks content words by frequency and returns the top ones
// that are not already user tags. Ties break alphabetically so the result
// is stable across runs.
func frequencyTags(text string, existing []string) []string {
	existingSet := make(map[string]bool, len(existing))
	for _, tag := range existing {
		existingSet[fulltext.FoldText(tag)] = true
	}

	counts := make(map[string]int)

	for _, token := range fulltext.Tokenize(fulltext.FoldText(text)) {
		if len(token) < 3 || stopwords[token] || existingSet[token] {
			continue
		}

		counts[token]++
	}

	words := make([]string, 0, len(counts))
	for word := range counts {
		words = append(words, word)
	}

	sort.Slice(words, func(i, j int) bool {
		if counts[words[i]] != counts[words[j]] {
			return counts[words[i]] > counts[words[j]]
		}

		return words[i] < words[j]
	})

	if len(words) > maxEnhancedTags {
		words = words[:maxEnhancedTags]
	}

	return words
}

// topicTokens is the coarse topic set: the top three frequency tags.
func topicTokens(text string) []string {
	tags := frequencyTags(text, nil)
	if len(tags) > 3 {
		tags = tags[:3]
	}

	return tags
}

// recommendHighlights picks the sentences worth surfacing. Short notes are
// returned whole; longer notes are scored sentence by sentence for novelty
// against the highlight.
func recommendHighlights(highlight, note string) []string {
	note = strings.TrimSpace(note)

	if note == "" {
		if highlight == "" {
			return nil
		}

		return []string{highlight}
	}

	if len(note) < shortNoteLimit {
		return []string{note}
	}

	known := make(map[string]bool)
	for _, token := range fulltext.Tokenize(fulltext.FoldText(highlight)) {
		known[token] = true
	}

	sentences := splitSentences(note)

	type scored struct {
		text  string
		score float64
		pos   int
	}

	candidates := make([]scored, 0, len(sentences))

	for i, sentence := range sentences {
		if len(sentence) < minHighlightSentence {
			continue
		}

		tokens := fulltext.Tokenize(fulltext.FoldText(sentence))
		if len(tokens) == 0 {
			continue
		}

		novel := 0

		for _, token := range tokens {
			if !stopwords[token] && !known[token] {
				novel++
			}
		}

		score := float64(novel) / float64(len(tokens))

		if len(tokens) >= idealSentenceWordsMin && len(tokens) <= idealSentenceWordsMax {
			score += 0.2
		}

		candidates = append(candidates, scored{text: sentence, score: score, pos: i})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}

		return candidates[i].pos < candidates[j].pos
	})

	if len(candidates) > maxHighlights {
		candidates = candidates[:maxHighlights]
	}

	out := make([]string, 0, len(candidates))
	for _, c := range candidates {
		out = append(out, c.text)
	}

	if len(out) == 0 {
		return []string{note[:shortNoteLimit]}
	}

	return out
}

func keywordSentiment(text string) domain.Sentiment {
	positive, negative := 0, 0

	for _, token := range fulltext.Tokenize(fulltext.FoldText(text)) {
		if positiveWords[token] {
			positive++
		}

		if negativeWords[token] {
			negative++
		}
	}

	switch {
	case positive > negative:
		return domain.SentimentPositive
	case negative > positive:
		return domain.SentimentNegative
	default:
		return domain.SentimentNeutral
	}
}

func sentenceComplexity(note string) domain.Complexity {
	sentences := splitSentences(note)
	if len(sentences) == 0 {
		return domain.ComplexityMedium
	}

	totalWords := 0
	for _, sentence := range sentences {
		totalWords += len(strings.Fields(sentence))
	}

	avg := float64(totalWords) / float64(len(sentences))

	switch {
	case avg >= complexityHighAvgLen:
		return domain.ComplexityHigh
	case avg < complexityLowAvgLen:
		return domain.ComplexityLow
	default:
		return domain.ComplexityMedium
	}
}

// splitSentences breaks text on terminal punctuation, trimming whitespace
// and dropping empties.
func splitSentences(text string) []string {
	parts := strings.FieldsFunc(text, func(r rune) bool {
		return r == '.' || r == '!' || r == '?' || r == '\n'
	})

	out := make([]string, 0, len(parts))

	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}

	return out
}
