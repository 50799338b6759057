// Package compose packs profile components and relevant observations
// into a bounded, layered prompt for one (user, query) pair. Layers are
// ordered by volatility: durable rules first, a short raw buffer of the
// newest activity last.
package compose

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/perceptlab/percept/internal/core/domain"
	"github.com/perceptlab/percept/internal/platform/observability"
	"github.com/perceptlab/percept/internal/privacy"
)

// DefaultBudgetTokens is the target-model token budget when the caller
// does not set one.
const DefaultBudgetTokens = 50000

// Layer budget shares.
const (
	coreShare    = 0.20
	workingShare = 0.40
	contextShare = 0.30
	bufferShare  = 0.10
)

// Candidate scoring weights.
const (
	importanceWeight = 0.30
	relevanceWeight  = 0.35
	freshnessWeight  = 0.20
	frequencyWeight  = 0.15

	freshnessBase = 0.95
)

const (
	workingWindow   = 24 * time.Hour
	bufferWindow    = 10 * time.Minute
	frequencyWindow = 7 * 24 * time.Hour

	contextLimit        = 10
	recentFetchLimit    = 100
	workingMinInfluence = 0.5
	contextMinInfluence = 0.3
)

// Section headers, in output order.
const (
	SectionCoreRules       = "CorePersonalRules"
	SectionCurrentFocus    = "CurrentFocus"
	SectionRelevantContext = "RelevantContext"
	SectionRecentActivity  = "RecentActivity"
)

// Repo is the warm-store slice the composer reads.
type Repo interface {
	GetProfileComponents(ctx context.Context, userID string) ([]*domain.ProfileComponent, error)
	ListRecentObservations(ctx context.Context, userID string, since time.Time, limit int) ([]*domain.Observation, error)
	AccessCountsByUser(ctx context.Context, userID string, since time.Time) (map[string]int, error)
}

// Retriever supplies the query-relevant observation set.
type Retriever interface {
	Query(ctx context.Context, userID, qText string, qEmbedding []float32, filters domain.QueryFilters, limit int) ([]domain.RankedObservation, error)
}

// Embedder turns the query text into a vector for relevance scoring.
type Embedder interface {
	GetEmbedding(ctx context.Context, text string) ([]float32, error)
}

// Request describes one composition.
type Request struct {
	UserID       string
	Query        string
	BudgetTokens int

	// External marks prompts that leave the process boundary; content is
	// then access-filtered and PII-redacted.
	External bool
	Prefs    *domain.PrivacyPreferences
}

// Result is the composed prompt plus its packing statistics.
type Result struct {
	Prompt           string
	TokensUsed       int
	Budget           int
	Truncated        bool
	ComponentsUsed   int
	ObservationsUsed int
}

type Composer struct {
	repo      Repo
	retriever Retriever
	embedder  Embedder
	logger    *zerolog.Logger
}

func New(repo Repo, retriever Retriever, embedder Embedder, logger *zerolog.Logger) *Composer {
	return &Composer{repo: repo, retriever: retriever, embedder: embedder, logger: logger}
}

// candidate is one packable item with its score and rendered body.
type candidate struct {
	id          string
	body        string
	note        string
	score       float64
	isComponent bool
}

// Compose builds the prompt. It never exceeds the budget; when scored
// content had to be dropped the Truncated flag is set.
func (c *Composer) Compose(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()
	defer func() {
		observability.ComposeDuration.Observe(time.Since(start).Seconds())
	}()

	budget := req.BudgetTokens
	if budget <= 0 {
		budget = DefaultBudgetTokens
	}

	now := time.Now().UTC()

	qEmbedding, err := c.embedder.GetEmbedding(ctx, req.Query)
	if err != nil {
		// Relevance degrades to zero for every candidate; the composition
		// still proceeds on importance, freshness, and frequency.
		c.logger.Warn().Err(err).Msg("query embedding unavailable")

		qEmbedding = nil
	}

	components, err := c.repo.GetProfileComponents(ctx, req.UserID)
	if err != nil {
		return nil, err
	}

	recent, err := c.repo.ListRecentObservations(ctx, req.UserID, now.Add(-workingWindow), recentFetchLimit)
	if err != nil {
		return nil, err
	}

	retrieved, err := c.retriever.Query(ctx, req.UserID, req.Query, qEmbedding,
		domain.QueryFilters{MinInfluenceWeight: contextMinInfluence}, contextLimit)
	if err != nil {
		c.logger.Warn().Err(err).Msg("retrieval failed during composition")

		retrieved = nil
	}

	frequency, err := c.repo.AccessCountsByUser(ctx, req.UserID, now.Add(-frequencyWindow))
	if err != nil {
		c.logger.Warn().Err(err).Msg("access counts unavailable")

		frequency = nil
	}

	maxFrequency := 0
	for _, n := range frequency {
		if n > maxFrequency {
			maxFrequency = n
		}
	}

	scorer := func(importance float64, embedding []float32, age time.Duration, id string) float64 {
		relevance := cosine(embedding, qEmbedding)
		freshness := timeDecay(age)

		freq := 0.0
		if maxFrequency > 0 {
			freq = float64(frequency[id]) / float64(maxFrequency)
		}

		return importanceWeight*importance + relevanceWeight*relevance +
			freshnessWeight*freshness + frequencyWeight*freq
	}

	componentCandidate := func(comp *domain.ProfileComponent) candidate {
		return candidate{
			id:          comp.ID,
			body:        renderComponent(comp),
			score:       scorer(float64(comp.Confidence), comp.Embedding, now.Sub(comp.LastActivated), comp.ID),
			isComponent: true,
		}
	}

	observationCandidate := func(obs *domain.Observation) candidate {
		body, note := renderObservation(obs, req)

		return candidate{
			id:    obs.ID,
			body:  body,
			note:  note,
			score: scorer(float64(obs.InfluenceWeight), obs.Embedding, now.Sub(obs.Timestamp), obs.ID),
		}
	}

	used := make(map[string]bool)
	queryTokens := tokenSet(req.Query)

	// Core: high-priority components only.
	var core []candidate

	for _, comp := range components {
		if comp.Priority == domain.PriorityHigh {
			core = append(core, componentCandidate(comp))
		}
	}

	// Working: remaining high/medium components plus recent
	// highly-weighted observations.
	var working []candidate

	for _, comp := range components {
		if comp.Priority == domain.PriorityMedium {
			working = append(working, componentCandidate(comp))
		}
	}

	for _, obs := range recent {
		if obs.InfluenceWeight >= workingMinInfluence && c.admissible(obs, req) {
			working = append(working, observationCandidate(obs))
		}
	}

	// Context: retrieval results for the query.
	var contextual []candidate

	for _, ranked := range retrieved {
		if c.admissible(ranked.Observation, req) {
			contextual = append(contextual, observationCandidate(ranked.Observation))
		}
	}

	// Buffer: the raw last few minutes, newest first.
	var buffer []candidate

	for _, obs := range recent {
		if obs.Timestamp.After(now.Add(-bufferWindow)) && c.admissible(obs, req) {
			buffer = append(buffer, observationCandidate(obs))
		}
	}

	result := &Result{Budget: budget}

	var sections []string

	layers := []struct {
		header string
		items  []candidate
		quota  int
	}{
		{SectionCoreRules, core, int(float64(budget) * coreShare)},
		{SectionCurrentFocus, working, int(float64(budget) * workingShare)},
		{SectionRelevantContext, contextual, int(float64(budget) * contextShare)},
		{SectionRecentActivity, buffer, int(float64(budget) * bufferShare)},
	}

	for _, layer := range layers {
		section, truncated := packLayer(layer.header, layer.items, layer.quota, used, queryTokens, result)
		if truncated {
			result.Truncated = true
		}

		if section != "" {
			sections = append(sections, section)
		}
	}

	result.Prompt = strings.Join(sections, "\n\n")
	result.TokensUsed = estimateTokens(result.Prompt)

	observability.ComposeTokens.Observe(float64(result.TokensUsed))

	if result.Truncated {
		observability.ComposeTruncated.Inc()
	}

	return result, nil
}

// admissible applies the external-egress access filter.
func (c *Composer) admissible(obs *domain.Observation, req Request) bool {
	if !req.External {
		return true
	}

	prefs := req.Prefs
	if prefs == nil {
		defaults := domain.DefaultPrivacyPreferences(req.UserID)
		prefs = &defaults
	}

	return privacy.AllowedForExternal(obs, prefs)
}

// packLayer greedily packs the highest-scoring candidates into the
// layer's quota. Oversized items get one summarization attempt before
// being dropped. The section header and joiner are charged against the
// quota up front, so the sum of packed layers never exceeds the budget.
func packLayer(header string, items []candidate, quota int, used map[string]bool, queryTokens map[string]bool, result *Result) (string, bool) {
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].score != items[j].score {
			return items[i].score > items[j].score
		}

		return items[i].id < items[j].id
	})

	var (
		lines     []string
		truncated bool
	)

	remaining := quota - sectionOverhead(header)
	if remaining < 0 {
		remaining = 0
	}

	for _, item := range items {
		if used[item.id] {
			continue
		}

		body := item.body
		cost := estimateTokens(body) + 1

		if cost > remaining && item.note != "" {
			body = strings.TrimSpace(strings.TrimSuffix(item.body, item.note)) + " " + summarize(item.note, queryTokens)
			cost = estimateTokens(body) + 1
		}

		if cost > remaining {
			truncated = true
			continue
		}

		used[item.id] = true
		remaining -= cost

		lines = append(lines, "- "+body)

		if item.isComponent {
			result.ComponentsUsed++
		} else {
			result.ObservationsUsed++
		}
	}

	if len(lines) == 0 {
		return "", truncated
	}

	return "## " + header + "\n" + strings.Join(lines, "\n"), truncated
}

// renderComponent serializes a component as a one-line rule.
func renderComponent(comp *domain.ProfileComponent) string {
	return fmt.Sprintf("[%s] %s (confidence %.2f)", comp.Type, comp.Description, comp.Confidence)
}

// renderObservation returns the rendered body and the note part of it,
// so packing can re-render with a summarized note.
func renderObservation(obs *domain.Observation, req Request) (body, note string) {
	highlight := obs.Highlight
	note = obs.Note

	if req.External {
		highlight = privacy.SanitizeForExternal(highlight)
		note = privacy.SanitizeForExternal(note)
	}

	if note == "" {
		return highlight, ""
	}

	return highlight + " " + note, note
}

func estimateTokens(s string) int {
	return (len(s) + 3) / 4
}

// sectionOverhead is the token cost of a layer's "## Header" line plus the
// blank-line joiner before the next section.
func sectionOverhead(header string) int {
	return estimateTokens("## "+header) + 1
}

func timeDecay(age time.Duration) float64 {
	days := age.Hours() / 24
	if days < 0 {
		days = 0
	}

	return math.Pow(freshnessBase, days)
}

func cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}

	var dot, normA, normB float64

	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}

	if normA == 0 || normB == 0 {
		return 0
	}

	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
