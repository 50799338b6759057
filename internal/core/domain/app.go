package domain

import "time"

// Capability is a named permission an app must hold to invoke an operation.
type Capability string

// Capabilities.
const (
	CapObservationRead  Capability = "observation:read"
	CapObservationWrite Capability = "observation:write"
	CapProfileRead      Capability = "profile:read"
	CapProfileWrite     Capability = "profile:write"
	CapChatInvoke       Capability = "chat:invoke"
	CapAnalyticsRead    Capability = "analytics:read"
	CapAdminAll         Capability = "admin:*"

	// CapObservationWriteAlias is the historical spelling still accepted on
	// registration input.
	CapObservationWriteAlias Capability = "hinata:write"
)

// baseCapabilities are granted automatically on registration; anything else
// requires manual review.
var baseCapabilities = map[Capability]struct{}{
	CapObservationRead:  {},
	CapObservationWrite: {},
	CapProfileRead:      {},
	CapChatInvoke:       {},
}

// NormalizeCapability resolves aliases to their canonical spelling.
func NormalizeCapability(c Capability) Capability {
	if c == CapObservationWriteAlias {
		return CapObservationWrite
	}

	return c
}

// GrantableOnRegistration reports whether c is auto-granted at registration.
func GrantableOnRegistration(c Capability) bool {
	_, ok := baseCapabilities[NormalizeCapability(c)]
	return ok
}

// AppRegistration describes an application allowed to call the API. The API
// key is stored only as a SHA-256 hash.
type AppRegistration struct {
	AppID      string       `json:"app_id"`
	Name       string       `json:"name"`
	Developer  string       `json:"developer"`
	APIKeyHash string       `json:"-"`
	Caps       []Capability `json:"capabilities"`
	RateLimit  int          `json:"rate_limit"`
	CreatedAt  time.Time    `json:"created_at"`
	LastActive time.Time    `json:"last_active"`
	IsActive   bool         `json:"is_active"`
}

// HasCapability reports whether the app holds c (or admin:*).
func (a *AppRegistration) HasCapability(c Capability) bool {
	c = NormalizeCapability(c)

	for _, have := range a.Caps {
		if have == c || have == CapAdminAll {
			return true
		}
	}

	return false
}

// PolicyLevel is the strictness of a user's privacy policy.
type PolicyLevel string

// Policy levels.
const (
	PolicyStrict     PolicyLevel = "strict"
	PolicyBalanced   PolicyLevel = "balanced"
	PolicyPermissive PolicyLevel = "permissive"
)

// PrivacyPreferences hold a user's consent and retention settings.
type PrivacyPreferences struct {
	UserID                 string      `json:"user_id"`
	PolicyLevel            PolicyLevel `json:"policy_level"`
	DataSharingConsent     bool        `json:"data_sharing_consent"`
	AnalyticsConsent       bool        `json:"analytics_consent"`
	PersonalizationConsent bool        `json:"personalization_consent"`
	ExternalConsent        bool        `json:"external_consent"`
	RetentionDays          int         `json:"retention_days"`
	AllowedApps            []string    `json:"allowed_apps"`
	BlockedApps            []string    `json:"blocked_apps"`
	UpdatedAt              time.Time   `json:"updated_at"`
}

// DefaultPrivacyPreferences are applied to users who never saved any.
func DefaultPrivacyPreferences(userID string) PrivacyPreferences {
	return PrivacyPreferences{
		UserID:                 userID,
		PolicyLevel:            PolicyBalanced,
		DataSharingConsent:     false,
		AnalyticsConsent:       true,
		PersonalizationConsent: true,
		ExternalConsent:        true,
		RetentionDays:          365,
	}
}

// AppAllowed reports whether the given app may touch this user's data.
// A non-empty allow list is exclusive; the block list always wins.
func (p *PrivacyPreferences) AppAllowed(appID string) bool {
	for _, blocked := range p.BlockedApps {
		if blocked == appID {
			return false
		}
	}

	if len(p.AllowedApps) == 0 {
		return true
	}

	for _, allowed := range p.AllowedApps {
		if allowed == appID {
			return true
		}
	}

	return false
}

// AuditRecord is one append-only row in the access audit trail.
type AuditRecord struct {
	ID           int64     `json:"id"`
	UserID       string    `json:"user_id"`
	AccessorID   string    `json:"accessor_id"`
	AccessorKind string    `json:"accessor_kind"`
	DataKind     string    `json:"data_kind"`
	DataID       string    `json:"data_id"`
	AccessKind   string    `json:"access_kind"`
	Timestamp    time.Time `json:"timestamp"`
	IP           string    `json:"ip,omitempty"`
	Purpose      string    `json:"purpose,omitempty"`
	Result       string    `json:"result"`
}

// Audit accessor kinds.
const (
	AccessorApp    = "app"
	AccessorUser   = "user"
	AccessorSystem = "system"
)

// Audit data kinds.
const (
	AuditDataObservation = "observation"
	AuditDataProfile     = "profile"
	AuditDataUsage       = "usage"
	AuditDataPrivacy     = "privacy"
)

// Audit access kinds.
const (
	AuditAccessRead   = "read"
	AuditAccessWrite  = "write"
	AuditAccessDelete = "delete"
)

// Audit results.
const (
	AuditResultSuccess = "success"
	AuditResultDenied  = "denied"
	AuditResultError   = "error"
)

// UsageRecord aggregates model usage for one (day, user, app, provider,
// model) tuple.
type UsageRecord struct {
	Date             string  `json:"date"`
	UserID           string  `json:"user_id"`
	AppID            string  `json:"app_id"`
	Provider         string  `json:"provider"`
	Model            string  `json:"model"`
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	RequestCount     int     `json:"request_count"`
	FailedCount      int     `json:"failed_count"`
	CostUSD          float64 `json:"cost_usd"`
}
