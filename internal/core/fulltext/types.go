package fulltext

import (
	"time"

	"github.com/perceptlab/percept/internal/core/domain"
)

// Config holds configuration for the full-text client.
type Config struct {
	// BaseURL is the Solr collection URL, e.g., "http://solr:8983/solr/observations".
	BaseURL string
	// Timeout is the HTTP request timeout.
	Timeout time.Duration
	// MaxResults is the default maximum number of search results.
	MaxResults int
}

// SearchResponse represents the index search response.
type SearchResponse struct {
	Response ResponseBody `json:"response"`
}

// ResponseBody contains the main response data.
type ResponseBody struct {
	NumFound int        `json:"numFound"` //nolint:tagliatelle // Solr API field name
	Start    int        `json:"start"`
	Docs     []Document `json:"docs"`
}

// Document represents an indexed observation. Highlight, note, and tags are
// indexed as separate fields so field boosts can favor the user's own words
// over captured page content.
type Document struct {
	ID              string    `json:"id"`
	UserID          string    `json:"user_id,omitempty"`
	Highlight       string    `json:"highlight,omitempty"`
	Note            string    `json:"note,omitempty"`
	Address         string    `json:"address,omitempty"`
	Tags            []string  `json:"tags,omitempty"`
	EnhancedTags    []string  `json:"enhanced_tags,omitempty"`
	Source          string    `json:"source,omitempty"`
	Tier            string    `json:"tier,omitempty"`
	InfluenceWeight float64   `json:"influence_weight,omitempty"`
	QualityScore    float64   `json:"quality_score,omitempty"`
	ObservedAt      time.Time `json:"observed_at,omitempty"`
	IndexedAt       time.Time `json:"indexed_at,omitempty"`
	Score           float64   `json:"score,omitempty"`
}

// DocumentFor builds the index document for an observation.
func DocumentFor(obs *domain.Observation) Document {
	return Document{
		ID:              obs.ID,
		UserID:          obs.UserID,
		Highlight:       obs.Highlight,
		Note:            obs.Note,
		Address:         obs.Address,
		Tags:            obs.Tags,
		EnhancedTags:    obs.EnhancedTags,
		Source:          obs.Source,
		Tier:            string(obs.Tier),
		InfluenceWeight: float64(obs.InfluenceWeight),
		QualityScore:    float64(obs.QualityScore),
		ObservedAt:      obs.Timestamp.UTC(),
		IndexedAt:       time.Now().UTC(),
	}
}
