package privacy

import "github.com/perceptlab/percept/internal/core/domain"

// MinimizeForApp returns a copy of obs shaped for an app read under the
// user's policy. Strict policy drops the note body entirely; balanced
// redacts PII in free text; permissive passes through unchanged.
func MinimizeForApp(obs *domain.Observation, prefs *domain.PrivacyPreferences) *domain.Observation {
	out := *obs

	switch prefs.PolicyLevel {
	case domain.PolicyStrict:
		out.Note = ""
		out.Highlight = Redact(out.Highlight)
		out.Address = ""
	case domain.PolicyPermissive:
	default:
		out.Note = Redact(out.Note)
		out.Highlight = Redact(out.Highlight)
	}

	return &out
}

// AllowedForExternal reports whether an observation may appear in content
// that leaves the process boundary. Only private observations of a user
// who consented to external model calls qualify; restricted content never
// leaves.
func AllowedForExternal(obs *domain.Observation, prefs *domain.PrivacyPreferences) bool {
	if !prefs.ExternalConsent {
		return false
	}

	switch obs.Access {
	case domain.AccessPrivate, domain.AccessPublic:
		return true
	default:
		return false
	}
}

// SanitizeForExternal redacts PII from text bound for an external model.
func SanitizeForExternal(text string) string {
	return Redact(text)
}
