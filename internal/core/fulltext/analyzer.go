package fulltext

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// foldChain decomposes, strips combining marks, and recomposes, so accented
// and unaccented spellings of the same term match.
var foldChain = transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

var caseFolder = cases.Fold()

// FoldText normalizes text for indexing and querying: case folding plus
// diacritic removal. Returns the input unchanged when the transform fails
// on malformed input.
func FoldText(text string) string {
	folded, _, err := transform.String(foldChain, caseFolder.String(text))
	if err != nil {
		return caseFolder.String(text)
	}

	return folded
}

// Tokenize splits folded text into terms on non-letter, non-digit runes.
// The enrichment heuristics and the attention scorer share it so word bags
// stay comparable across components.
func Tokenize(text string) []string {
	return strings.FieldsFunc(FoldText(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
