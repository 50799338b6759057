package compose

import (
	"sort"
	"strings"

	"github.com/perceptlab/percept/internal/core/fulltext"
)

const (
	summaryMaxSentences = 3

	idealSentenceWordsMin = 12
	idealSentenceWordsMax = 40

	lengthBonus  = 0.2
	keywordBonus = 0.5
)

// summarize reduces note to its ≤3 best sentences: a length bonus for
// well-formed sentences plus a bonus per query keyword hit. Sentence
// order is preserved in the output.
func summarize(note string, queryTokens map[string]bool) string {
	sentences := splitSentences(note)
	if len(sentences) <= summaryMaxSentences {
		return note
	}

	type scored struct {
		position int
		text     string
		score    float64
	}

	ranked := make([]scored, 0, len(sentences))

	for i, sentence := range sentences {
		words := strings.Fields(sentence)
		score := 0.0

		if len(words) >= idealSentenceWordsMin && len(words) <= idealSentenceWordsMax {
			score += lengthBonus
		}

		for _, token := range fulltext.Tokenize(fulltext.FoldText(sentence)) {
			if queryTokens[token] {
				score += keywordBonus
			}
		}

		ranked = append(ranked, scored{position: i, text: sentence, score: score})
	}

	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].score > ranked[j].score })

	picked := ranked[:summaryMaxSentences]
	sort.Slice(picked, func(i, j int) bool { return picked[i].position < picked[j].position })

	parts := make([]string, 0, len(picked))
	for _, s := range picked {
		parts = append(parts, s.text)
	}

	return strings.Join(parts, " ")
}

func tokenSet(text string) map[string]bool {
	set := make(map[string]bool)

	for _, token := range fulltext.Tokenize(fulltext.FoldText(text)) {
		set[token] = true
	}

	return set
}

func splitSentences(text string) []string {
	raw := strings.FieldsFunc(text, func(r rune) bool {
		return r == '.' || r == '!' || r == '?' || r == '\n'
	})

	sentences := make([]string, 0, len(raw))

	for _, s := range raw {
		if s = strings.TrimSpace(s); s != "" {
			sentences = append(sentences, s)
		}
	}

	return sentences
}
