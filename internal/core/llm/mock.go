package llm

import (
	"context"
	"fmt"
	"hash/fnv"
)

const mockModelName = "mock-completion-v1"

// mockProvider returns deterministic canned completions so the rest of the
// system stays testable without any provider credentials.
type mockProvider struct{}

// NewMockProvider creates a provider that answers every request locally.
func NewMockProvider() Provider {
	return &mockProvider{}
}

func (m *mockProvider) Name() ProviderName { return ProviderMock }

func (m *mockProvider) IsAvailable() bool { return true }

func (m *mockProvider) Priority() int { return PriorityMock }

func (m *mockProvider) DefaultModel() string { return mockModelName }

func (m *mockProvider) Complete(ctx context.Context, req CompletionRequest) (CompletionResult, error) {
	if err := ctx.Err(); err != nil {
		return CompletionResult{}, err
	}

	h := fnv.New32a()
	h.Write([]byte(req.System))
	h.Write([]byte(req.Prompt))

	text := fmt.Sprintf("mock response %08x", h.Sum32())

	return CompletionResult{
		Text:             text,
		Provider:         ProviderMock,
		Model:            mockModelName,
		PromptTokens:     estimateTokenCount(req.System) + estimateTokenCount(req.Prompt),
		CompletionTokens: estimateTokenCount(text),
	}, nil
}

// estimateTokenCount approximates token usage as one token per four characters.
func estimateTokenCount(text string) int {
	return (len(text) + 3) / 4
}

// Ensure mockProvider implements Provider interface.
var _ Provider = (*mockProvider)(nil)
