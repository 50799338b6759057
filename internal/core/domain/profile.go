package domain

import "time"

// ComponentType classifies a profile component by the kind of durable
// preference it captures.
type ComponentType string

// Component types.
const (
	ComponentCommunicationStyle ComponentType = "communicationStyle"
	ComponentDomainExpertise    ComponentType = "domainExpertise"
	ComponentPriorityFocus      ComponentType = "priorityFocus"
	ComponentCognitivePattern   ComponentType = "cognitivePattern"
	ComponentValueSystem        ComponentType = "valueSystem"
	ComponentContextPreference  ComponentType = "contextPreference"
	ComponentLearningPattern    ComponentType = "learningPattern"
)

// ComponentTypes lists all component types in a stable order.
var ComponentTypes = []ComponentType{
	ComponentCommunicationStyle,
	ComponentDomainExpertise,
	ComponentPriorityFocus,
	ComponentCognitivePattern,
	ComponentValueSystem,
	ComponentContextPreference,
	ComponentLearningPattern,
}

// Priority buckets a component by its normalized weight.
type Priority string

// Priority values.
const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// Priority thresholds over normalized weight.
const (
	priorityHighThreshold   = 0.15
	priorityMediumThreshold = 0.08
)

// PriorityForWeight maps a normalized weight to its priority bucket.
func PriorityForWeight(normalizedWeight float32) Priority {
	switch {
	case normalizedWeight > priorityHighThreshold:
		return PriorityHigh
	case normalizedWeight > priorityMediumThreshold:
		return PriorityMedium
	default:
		return PriorityLow
	}
}

// Evidence is one observation that contributed to a component.
type Evidence struct {
	ObservationID   string    `json:"observation_id"`
	AttentionWeight float32   `json:"attention_weight"`
	Timestamp       time.Time `json:"timestamp"`
	Summary         string    `json:"summary"`
}

// MaxEvidence bounds the supporting evidence list per component; the oldest
// entry is dropped first on overflow.
const MaxEvidence = 50

// ProfileComponent is a typed, weighted, embedding-bearing summary of one
// recurring user preference. The set of components for a user collectively
// summarizes their durable preferences; normalized weights across the set
// sum to 1.
type ProfileComponent struct {
	ID                   string        `json:"id"`
	UserID               string        `json:"user_id"`
	Type                 ComponentType `json:"type"`
	Description          string        `json:"description"`
	Embedding            []float32     `json:"embedding"`
	Confidence           float32       `json:"confidence"`
	TotalAttentionWeight float32       `json:"total_attention_weight"`
	NormalizedWeight     float32       `json:"normalized_weight"`
	Priority             Priority      `json:"priority"`
	ActivationThreshold  float32       `json:"activation_threshold"`
	SupportingEvidence   []Evidence    `json:"supporting_evidence"`
	BelowFloorSince      time.Time     `json:"below_floor_since,omitempty"`
	CreatedAt            time.Time     `json:"created_at"`
	LastUpdated          time.Time     `json:"last_updated"`
	LastActivated        time.Time     `json:"last_activated"`
}

// AppendEvidence appends e and enforces the MaxEvidence bound FIFO.
func (c *ProfileComponent) AppendEvidence(e Evidence) {
	c.SupportingEvidence = append(c.SupportingEvidence, e)
	if len(c.SupportingEvidence) > MaxEvidence {
		c.SupportingEvidence = c.SupportingEvidence[len(c.SupportingEvidence)-MaxEvidence:]
	}
}

// UserProfile is the per-user aggregate over profile components.
type UserProfile struct {
	UserID             string    `json:"user_id"`
	TotalComponents    int       `json:"total_components"`
	ActiveComponentIDs []string  `json:"active_component_ids"`
	LastUpdated        time.Time `json:"last_updated"`
}
