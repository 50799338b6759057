// Package enrichment turns validated raw observations into enriched ones:
// semantic tags, recommended highlights, sentiment and complexity, and an
// embedding vector. Analysis is pluggable; a deterministic heuristic
// analyzer backs the small-model mode and an LLM analyzer the full mode.
package enrichment

import (
	"context"

	"github.com/perceptlab/percept/internal/core/domain"
)

// Analysis is the semantic output of one analyzer pass.
type Analysis struct {
	EnhancedTags          []string
	RecommendedHighlights []string
	Semantics             domain.SemanticAnalysis
}

// Analyzer produces the semantic enrichment for an observation. Given the
// same input and the same ModelVersion, the output must be identical.
type Analyzer interface {
	Analyze(ctx context.Context, obs *domain.Observation) (*Analysis, error)
	ModelVersion() string
}
