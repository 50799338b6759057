package embeddings

import (
	"context"
	"hash/fnv"
)

// LCG constants for deterministic pseudo-random generation, standard
// PCG/LCG multiplier and increment.
const (
	lcgMultiplier = 6364136223846793005
	lcgIncrement  = 1442695040888963407

	seedShift      = 33
	floatScale     = 0x40000000
	sqrtDivisor    = 2
	sqrtIterations = 10
)

// localModelVersion is recorded in processing metadata for vectors produced
// by the deterministic fallback.
const localModelVersion = "local-hash/v1"

// LocalProvider generates deterministic embeddings from a content hash. It
// backs small-model mode and the enrichment degradation path: the same text
// always maps to the same unit vector, without any network dependency. The
// vectors carry no semantics beyond equality, which is exactly what the
// attention scorer's similarity counting needs as a floor.
type LocalProvider struct {
	name       ProviderName
	priority   int
	dimensions int
}

// NewLocalProvider creates the deterministic fallback provider.
func NewLocalProvider(dims int) *LocalProvider {
	if dims <= 0 {
		dims = DefaultDimensions
	}

	return &LocalProvider{name: ProviderLocal, priority: PriorityFallback, dimensions: dims}
}

// NewMockProvider creates a mock provider for tests. Same vectors as the
// local provider, registered at mock priority under the mock name.
func NewMockProvider() *LocalProvider {
	return &LocalProvider{name: ProviderMock, priority: PriorityMock, dimensions: DefaultDimensions}
}

// NewMockProviderWithDimensions creates a mock provider with custom dimensions.
func NewMockProviderWithDimensions(dims int) *LocalProvider {
	return &LocalProvider{name: ProviderMock, priority: PriorityMock, dimensions: dims}
}

// Name returns the provider identifier.
func (p *LocalProvider) Name() ProviderName {
	return p.name
}

// Priority returns the provider priority.
func (p *LocalProvider) Priority() int {
	return p.priority
}

// Dimensions returns the output dimensions.
func (p *LocalProvider) Dimensions() int {
	return p.dimensions
}

// ModelVersion returns the deterministic model identifier.
func (p *LocalProvider) ModelVersion() string {
	return localModelVersion
}

// IsAvailable returns true; the local provider has no failure modes.
func (p *LocalProvider) IsAvailable() bool {
	return true
}

// GetEmbedding produces an L2-normalized vector seeded by the FNV-1a hash
// of the text.
func (p *LocalProvider) GetEmbedding(_ context.Context, text string) (EmbeddingResult, error) {
	return EmbeddingResult{
		Vector:     DeterministicVector(text, p.dimensions),
		Dimensions: p.dimensions,
		Provider:   p.name,
	}, nil
}

// DeterministicVector generates the unit vector for text at the given
// dimensionality. Exposed so the enrichment worker can compute the degraded
// fallback embedding without going through a registry.
func DeterministicVector(text string, dims int) []float32 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(text)) // fnv.Write never returns an error
	seed := h.Sum64()

	vec := make([]float32, dims)
	for i := range vec {
		// Pseudo-random values between -1 and 1 via LCG steps off the seed.
		seed = seed*lcgMultiplier + lcgIncrement
		//nolint:gosec // intentional uint64->int64 conversion for pseudo-random generation
		vec[i] = float32(int64(seed>>seedShift)-floatScale) / float32(floatScale)
	}

	return NormalizeVector(vec)
}

// NormalizeVector normalizes a vector to unit length in place.
func NormalizeVector(vec []float32) []float32 {
	var sum float32
	for _, v := range vec {
		sum += v * v
	}

	if sum == 0 {
		return vec
	}

	norm := sqrt32(sum)
	for i := range vec {
		vec[i] /= norm
	}

	return vec
}

// sqrt32 computes square root for float32 via Newton's method.
func sqrt32(x float32) float32 {
	if x <= 0 {
		return 0
	}

	z := x
	for i := 0; i < sqrtIterations; i++ {
		z = (z + x/z) / sqrtDivisor
	}

	return z
}
