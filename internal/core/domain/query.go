package domain

// QueryFilters narrow a retrieval query. Zero values mean "no constraint".
type QueryFilters struct {
	MinInfluenceWeight float32  `json:"min_influence_weight,omitempty"`
	MinQualityScore    float32  `json:"min_quality_score,omitempty"`
	Tiers              []Tier   `json:"tiers,omitempty"`
	RequiredTags       []string `json:"required_tags,omitempty"`
	ExcludedTags       []string `json:"excluded_tags,omitempty"`
	Sources            []string `json:"sources,omitempty"`
}

// TierAllowed reports whether t passes the tier filter.
func (f *QueryFilters) TierAllowed(t Tier) bool {
	if len(f.Tiers) == 0 {
		return true
	}

	for _, allowed := range f.Tiers {
		if allowed == t {
			return true
		}
	}

	return false
}

// Matches reports whether o passes every filter.
func (f *QueryFilters) Matches(o *Observation) bool {
	if o.InfluenceWeight < f.MinInfluenceWeight || o.QualityScore < f.MinQualityScore {
		return false
	}

	if !f.TierAllowed(o.Tier) {
		return false
	}

	if len(f.Sources) > 0 {
		found := false

		for _, source := range f.Sources {
			if o.Source == source {
				found = true
				break
			}
		}

		if !found {
			return false
		}
	}

	tags := make(map[string]bool, len(o.Tags)+len(o.EnhancedTags))
	for _, tag := range o.Tags {
		tags[tag] = true
	}

	for _, tag := range o.EnhancedTags {
		tags[tag] = true
	}

	for _, required := range f.RequiredTags {
		if !tags[required] {
			return false
		}
	}

	for _, excluded := range f.ExcludedTags {
		if tags[excluded] {
			return false
		}
	}

	return true
}

// RankedObservation pairs an observation with its fused retrieval score.
type RankedObservation struct {
	Observation *Observation `json:"observation"`
	Score       float64      `json:"score"`
}
