// Package privacy implements the user-facing privacy surface: PII
// redaction, policy-driven data minimization, and the export / erase
// service behind the admin CLI.
package privacy

import "regexp"

// PII patterns and their placeholder tokens. Order matters: the card
// pattern must run before the generic phone pattern or 16-digit numbers
// get tagged as phones.
var piiPatterns = []struct {
	placeholder string
	re          *regexp.Regexp
}{
	{"[EMAIL]", regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)},
	{"[SSN]", regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)},
	{"[CARD]", regexp.MustCompile(`\b(?:\d[ \-]?){13,16}\b`)},
	{"[PHONE]", regexp.MustCompile(`(?:\+?\d{1,3}[ \-.]?)?\(?\d{3}\)?[ \-.]?\d{3}[ \-.]?\d{4}\b`)},
	{"[IP]", regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`)},
	{"[ADDRESS]", regexp.MustCompile(`(?i)\b\d{1,5}\s+[A-Za-z0-9.\- ]+\s(?:street|st|avenue|ave|road|rd|boulevard|blvd|lane|ln|drive|dr|court|ct|way)\b\.?`)},
}

// Redact replaces every detected PII span with its placeholder token.
func Redact(text string) string {
	for _, p := range piiPatterns {
		text = p.re.ReplaceAllString(text, p.placeholder)
	}

	return text
}

// ContainsPII reports whether any pattern matches.
func ContainsPII(text string) bool {
	for _, p := range piiPatterns {
		if p.re.MatchString(text) {
			return true
		}
	}

	return false
}
