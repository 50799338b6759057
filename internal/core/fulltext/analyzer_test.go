package fulltext

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFoldText(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{name: "lowercases", input: "Distributed SYSTEMS", want: "distributed systems"},
		{name: "strips_diacritics", input: "Café Résumé", want: "cafe resume"},
		{name: "empty", input: "", want: ""},
		{name: "digits_untouched", input: "HTTP2 H2", want: "http2 h2"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, FoldText(tt.input))
		})
	}
}

func TestTokenize(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  []string
	}{
		{
			name:  "splits_on_punctuation",
			input: "Raft: consensus, explained!",
			want:  []string{"raft", "consensus", "explained"},
		},
		{
			name:  "folds_before_splitting",
			input: "Café-Culture",
			want:  []string{"cafe", "culture"},
		},
		{
			name:  "empty",
			input: "   ",
			want:  nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Tokenize(tt.input)
			if tt.want == nil {
				assert.Empty(t, got)
				return
			}

			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSearchDisabledClient(t *testing.T) {
	c := New(Config{})

	assert.False(t, c.Enabled())

	_, err := c.Search(context.Background(), "anything")
	assert.ErrorIs(t, err, ErrClientDisabled)

	err = c.Index(context.Background(), Document{ID: "x"})
	assert.ErrorIs(t, err, ErrClientDisabled)
}
