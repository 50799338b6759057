// Package domain defines the core types shared across the percept backend:
// observations, profile components, app registrations, and the enums that
// classify them. Types here are storage- and transport-agnostic.
package domain

import "time"

// Access controls who may read an observation.
type Access string

// Access levels.
const (
	AccessPrivate    Access = "private"
	AccessPublic     Access = "public"
	AccessRestricted Access = "restricted"
)

// Valid reports whether a is a known access level.
func (a Access) Valid() bool {
	switch a {
	case AccessPrivate, AccessPublic, AccessRestricted:
		return true
	default:
		return false
	}
}

// Tier identifies the storage tier an observation lives in.
type Tier string

// Storage tiers.
const (
	TierHot  Tier = "hot"
	TierWarm Tier = "warm"
	TierCold Tier = "cold"
)

// Valid reports whether t names a known tier.
func (t Tier) Valid() bool {
	switch t {
	case TierHot, TierWarm, TierCold:
		return true
	default:
		return false
	}
}

// Sentiment is the coarse sentiment classification of an observation.
type Sentiment string

// Sentiment values.
const (
	SentimentPositive Sentiment = "positive"
	SentimentNeutral  Sentiment = "neutral"
	SentimentNegative Sentiment = "negative"
)

// Complexity is the coarse complexity classification of an observation.
type Complexity string

// Complexity values.
const (
	ComplexityLow    Complexity = "low"
	ComplexityMedium Complexity = "medium"
	ComplexityHigh   Complexity = "high"
)

// InteractionDepth classifies how deeply the user engaged with a topic.
type InteractionDepth string

// Interaction depth values.
const (
	DepthLow    InteractionDepth = "low"
	DepthMedium InteractionDepth = "medium"
	DepthHigh   InteractionDepth = "high"
)

// SemanticAnalysis holds the semantic enrichment of an observation.
type SemanticAnalysis struct {
	Topics     []string   `json:"topics"`
	Sentiment  Sentiment  `json:"sentiment"`
	Complexity Complexity `json:"complexity"`
}

// AttentionMetrics are the raw signals behind an attention weight.
type AttentionMetrics struct {
	HighlightFrequency int              `json:"highlight_frequency"`
	NoteCount          int              `json:"note_count"`
	AddressRevisit     int              `json:"address_revisit"`
	TimeInvestmentSec  int              `json:"time_investment_sec"`
	InteractionDepth   InteractionDepth `json:"interaction_depth"`
}

// ProcessingMeta records how an observation was enriched.
type ProcessingMeta struct {
	ModelVersion       string    `json:"model_version"`
	EnrichmentDegraded bool      `json:"enrichment_degraded"`
	EnrichedAt         time.Time `json:"enriched_at"`
}

// Observation is one user-meaningful act captured by an app. Input fields
// are set by the submitting client; enriched fields are populated exactly
// once by the processing pipeline and immutable afterwards. Only Tier,
// InfluenceWeight and the soft-delete flag may change later.
type Observation struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	AppID     string    `json:"app_id"`
	Source    string    `json:"source"`
	Highlight string    `json:"highlight"`
	Note      string    `json:"note"`
	Address   string    `json:"address"`
	Tags      []string  `json:"tags"`
	Access    Access    `json:"access"`
	Timestamp time.Time `json:"timestamp"`

	EnhancedTags          []string         `json:"enhanced_tags,omitempty"`
	RecommendedHighlights []string         `json:"recommended_highlights,omitempty"`
	Semantics             SemanticAnalysis `json:"semantics"`
	Embedding             []float32        `json:"embedding,omitempty"`
	QualityScore          float32          `json:"quality_score"`
	AttentionWeight       float32          `json:"attention_weight"`
	Attention             AttentionMetrics `json:"attention"`
	InfluenceWeight       float32          `json:"influence_weight"`
	Tier                  Tier             `json:"tier"`
	ContentHash           string           `json:"content_hash"`
	Processing            ProcessingMeta   `json:"processing"`

	Deleted   bool      `json:"deleted,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// AgeDays returns the observation age in fractional days at now.
func (o *Observation) AgeDays(now time.Time) float64 {
	return now.Sub(o.Timestamp).Hours() / 24
}

// ChatSource marks observations generated from the chat feedback loop.
const ChatSource = "__chat"

// DetermineTier returns the tier for an observation of the given age and
// influence weight: hot requires recency and high influence, warm requires
// moderate recency and influence, everything else is cold.
func DetermineTier(ageDays float64, influenceWeight float32) Tier {
	switch {
	case ageDays < 7 && influenceWeight >= 0.7:
		return TierHot
	case ageDays < 30 && influenceWeight >= 0.3:
		return TierWarm
	default:
		return TierCold
	}
}
