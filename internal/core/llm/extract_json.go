package llm

import (
	"encoding/json"
	"strings"
)

// ExtractJSON tries to extract JSON from a response that might have extra
// text around it, like markdown fences or a preamble. Whichever structure
// opens first in the text wins. Returns the input unchanged when no valid
// JSON span is found.
func ExtractJSON(text string) string {
	objStart := strings.Index(text, "{")
	arrStart := strings.Index(text, "[")

	spans := make([]string, 0, 2)

	if arrStart != -1 && (objStart == -1 || arrStart < objStart) {
		spans = append(spans, spanOf(text, arrStart, "]"), spanOf(text, objStart, "}"))
	} else {
		spans = append(spans, spanOf(text, objStart, "}"), spanOf(text, arrStart, "]"))
	}

	for _, span := range spans {
		if span != "" && json.Valid([]byte(span)) {
			return span
		}
	}

	return text
}

// spanOf cuts the candidate between start and the last closing delimiter.
func spanOf(text string, start int, closer string) string {
	if start == -1 {
		return ""
	}

	end := strings.LastIndex(text, closer)
	if end <= start {
		return ""
	}

	return text[start : end+1]
}
