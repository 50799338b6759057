// Package profile maintains the per-user set of weighted profile
// components. It consumes the durable profile event queue, matches each new
// observation against the existing components of the same type, merges or
// creates, rebalances the normalized weights, and evicts components that
// stayed below the weight floor.
package profile

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/perceptlab/percept/internal/core/domain"
	"github.com/perceptlab/percept/internal/platform/keyedmutex"
	"github.com/perceptlab/percept/internal/platform/observability"
	db "github.com/perceptlab/percept/internal/storage"
)

const (
	matchThreshold = 0.7
	timeDecayBase  = 0.95

	evictionFloor = 0.01
	evictionAge   = 14 * 24 * time.Hour

	mergeFactorMin = 0.1
	mergeFactorMax = 1.0

	activationMin = 0.3
	activationMax = 0.8

	descriptionTagLimit = 3

	// DefaultClaimLimit bounds one queue pass.
	DefaultClaimLimit = 256

	staleClaimAge = 5 * time.Minute
)

// componentNamespace seeds deterministic component ids: the same user,
// type, and founding observation always produce the same component id, so
// replaying an event sequence reproduces the profile byte for byte.
var componentNamespace = uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")

// Repo is the storage surface the engine consumes: the event queue, the
// observations behind the events, and the component rows.
type Repo interface {
	ClaimPendingEvents(ctx context.Context, limit int) ([]*db.ProfileEvent, error)
	MarkEventsProcessed(ctx context.Context, ids []int64) error
	MarkEventsFailed(ctx context.Context, ids []int64, cause string) error
	ReleaseStaleClaims(ctx context.Context, olderThan time.Duration) (int64, error)
	PendingEventCount(ctx context.Context) (int64, error)
	ListObservationsByIDs(ctx context.Context, ids []string) ([]*domain.Observation, error)
	GetProfileComponents(ctx context.Context, userID string) ([]*domain.ProfileComponent, error)
	ApplyProfileUpdate(ctx context.Context, userID string, upserts []*domain.ProfileComponent, evictIDs, activeIDs []string) (int64, error)
}

// Engine processes profile events. Mutations for one user are serialized;
// users proceed in parallel across engine instances through the queue's
// per-user claim.
type Engine struct {
	repo   Repo
	locks  *keyedmutex.Mutex
	logger *zerolog.Logger

	// onCommit is notified after every persisted update, with the new
	// profile epoch. The retriever hangs its cache invalidation here.
	onCommit func(userID string, epoch int64)
}

func NewEngine(repo Repo, logger *zerolog.Logger) *Engine {
	return &Engine{
		repo:   repo,
		locks:  keyedmutex.New(),
		logger: logger,
	}
}

// OnCommit registers the post-commit hook. Must be called before Run.
func (e *Engine) OnCommit(fn func(userID string, epoch int64)) {
	e.onCommit = fn
}

// ProcessPending claims and applies one batch of events. Returns the number
// of events handled. Intended to run inside a worker loop.
func (e *Engine) ProcessPending(ctx context.Context) (int, error) {
	if _, err := e.repo.ReleaseStaleClaims(ctx, staleClaimAge); err != nil {
		e.logger.Warn().Err(err).Msg("stale claim release failed")
	}

	events, err := e.repo.ClaimPendingEvents(ctx, DefaultClaimLimit)
	if err != nil {
		return 0, err
	}

	if len(events) == 0 {
		return 0, nil
	}

	byUser := groupByUser(events)

	handled := 0

	for userID, userEvents := range byUser {
		if err := e.processUser(ctx, userID, userEvents); err != nil {
			e.logger.Error().Err(err).Str("user_id", userID).Msg("profile update failed")

			if failErr := e.repo.MarkEventsFailed(ctx, eventIDs(userEvents), err.Error()); failErr != nil {
				e.logger.Error().Err(failErr).Str("user_id", userID).Msg("event failure mark failed")
			}

			observability.ProfileEventsProcessed.WithLabelValues("failed").Add(float64(len(userEvents)))

			continue
		}

		handled += len(userEvents)
		observability.ProfileEventsProcessed.WithLabelValues("ok").Add(float64(len(userEvents)))
	}

	if pending, err := e.repo.PendingEventCount(ctx); err == nil {
		observability.ProfileEventBacklog.Set(float64(pending))
	}

	return handled, nil
}

// processUser applies one user's events in seq order against an in-memory
// component set, then persists the whole pass atomically.
func (e *Engine) processUser(ctx context.Context, userID string, events []*db.ProfileEvent) error {
	e.locks.Lock(userID)
	defer e.locks.Unlock(userID)

	observations, err := e.loadObservations(ctx, events)
	if err != nil {
		return err
	}

	components, err := e.repo.GetProfileComponents(ctx, userID)
	if err != nil {
		return err
	}

	state := newProfileState(components)

	for _, event := range events {
		obs := observations[event.ObservationID]

		switch event.Kind {
		case db.EventObservationCreated:
			if obs == nil {
				// The observation vanished between enqueue and processing
				// (purged or rolled back); nothing to apply.
				e.logger.Debug().Str("observation_id", event.ObservationID).Msg("event observation missing, skipping")
				continue
			}

			state.applyObservation(obs, event.AttentionWeight)

		case db.EventObservationDeleted:
			state.retractObservation(event.ObservationID)

		default:
			e.logger.Warn().Str("kind", event.Kind).Msg("unknown profile event kind")
		}
	}

	state.rebalance()
	state.evict()

	upserts, evictIDs, activeIDs := state.diff()

	observability.ProfileComponents.Observe(float64(len(activeIDs)))

	epoch, err := e.repo.ApplyProfileUpdate(ctx, userID, upserts, evictIDs, activeIDs)
	if err != nil {
		return fmt.Errorf("apply profile update: %w", err)
	}

	if err := e.repo.MarkEventsProcessed(ctx, eventIDs(events)); err != nil {
		return err
	}

	if e.onCommit != nil {
		e.onCommit(userID, epoch)
	}

	return nil
}

func (e *Engine) loadObservations(ctx context.Context, events []*db.ProfileEvent) (map[string]*domain.Observation, error) {
	ids := make([]string, 0, len(events))
	seen := make(map[string]bool, len(events))

	for _, event := range events {
		if event.ObservationID == "" || seen[event.ObservationID] {
			continue
		}

		seen[event.ObservationID] = true
		ids = append(ids, event.ObservationID)
	}

	observations, err := e.repo.ListObservationsByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}

	byID := make(map[string]*domain.Observation, len(observations))
	for _, obs := range observations {
		byID[obs.ID] = obs
	}

	return byID, nil
}

// profileState is the in-memory component set one pass mutates before the
// atomic persist.
type profileState struct {
	components map[string]*domain.ProfileComponent
	dirty      map[string]bool
	evicted    []string
	latestTime time.Time
}

func newProfileState(components []*domain.ProfileComponent) *profileState {
	state := &profileState{
		components: make(map[string]*domain.ProfileComponent, len(components)),
		dirty:      make(map[string]bool),
	}

	for _, c := range components {
		state.components[c.ID] = c

		if c.LastActivated.After(state.latestTime) {
			state.latestTime = c.LastActivated
		}
	}

	return state
}

// applyObservation merges the observation into its best-matching component
// of the same type, or creates a new component. Event time is the
// observation timestamp, never the wall clock, so replays are identical.
func (s *profileState) applyObservation(obs *domain.Observation, attentionWeight float32) {
	eventTime := obs.Timestamp

	if eventTime.After(s.latestTime) {
		s.latestTime = eventTime
	}

	componentType := classifyComponentType(obs)
	intent := obs.Embedding

	best := s.bestMatch(componentType, intent, eventTime)
	if best != nil {
		s.merge(best, obs, intent, attentionWeight, eventTime)
		return
	}

	s.create(obs, componentType, intent, attentionWeight, eventTime)
}

// bestMatch finds the closest same-type component by decayed embedding
// similarity. Attention weight plays no part in the match; a faint signal
// about a known interest still belongs to that interest. It only shapes
// how hard the merge pulls.
func (s *profileState) bestMatch(componentType domain.ComponentType, intent []float32, eventTime time.Time) *domain.ProfileComponent {
	var (
		best      *domain.ProfileComponent
		bestScore float64
	)

	ids := make([]string, 0, len(s.components))
	for id := range s.components {
		ids = append(ids, id)
	}

	sort.Strings(ids)

	for _, id := range ids {
		c := s.components[id]
		if c.Type != componentType {
			continue
		}

		score := cosine(intent, c.Embedding) * timeDecay(eventTime.Sub(c.LastUpdated))
		if score > bestScore {
			best = c
			bestScore = score
		}
	}

	if bestScore > matchThreshold {
		return best
	}

	return nil
}

func (s *profileState) merge(c *domain.ProfileComponent, obs *domain.Observation, intent []float32, attentionWeight float32, eventTime time.Time) {
	m := attentionWeight * mergeStrength(attentionWeight)
	if m < mergeFactorMin {
		m = mergeFactorMin
	}

	if m > mergeFactorMax {
		m = mergeFactorMax
	}

	c.Embedding = normalizeBlend(c.Embedding, intent, m)
	c.TotalAttentionWeight += attentionWeight

	if attentionWeight > c.Confidence {
		c.Confidence = attentionWeight
	}

	c.AppendEvidence(domain.Evidence{
		ObservationID:   obs.ID,
		AttentionWeight: attentionWeight,
		Timestamp:       eventTime,
		Summary:         obs.Highlight,
	})

	c.LastUpdated = eventTime
	c.LastActivated = eventTime

	s.dirty[c.ID] = true
}

func (s *profileState) create(obs *domain.Observation, componentType domain.ComponentType, intent []float32, attentionWeight float32, eventTime time.Time) {
	id := componentID(obs.UserID, componentType, obs.ID)

	c := &domain.ProfileComponent{
		ID:                   id,
		UserID:               obs.UserID,
		Type:                 componentType,
		Description:          describeComponent(componentType, obs),
		Embedding:            append([]float32(nil), intent...),
		Confidence:           attentionWeight,
		TotalAttentionWeight: attentionWeight,
		ActivationThreshold:  activationMin + (activationMax-activationMin)*attentionWeight,
		CreatedAt:            eventTime,
		LastUpdated:          eventTime,
		LastActivated:        eventTime,
	}

	c.AppendEvidence(domain.Evidence{
		ObservationID:   obs.ID,
		AttentionWeight: attentionWeight,
		Timestamp:       eventTime,
		Summary:         obs.Highlight,
	})

	s.components[id] = c
	s.dirty[id] = true
}

// retractObservation removes a deleted observation's evidence and weight
// contribution from whichever component carries it.
func (s *profileState) retractObservation(observationID string) {
	for _, c := range s.components {
		kept := c.SupportingEvidence[:0]
		removed := float32(0)

		for _, evidence := range c.SupportingEvidence {
			if evidence.ObservationID == observationID {
				removed += evidence.AttentionWeight
				continue
			}

			kept = append(kept, evidence)
		}

		if removed == 0 {
			continue
		}

		c.SupportingEvidence = kept
		c.TotalAttentionWeight -= removed

		if c.TotalAttentionWeight < 0 {
			c.TotalAttentionWeight = 0
		}

		s.dirty[c.ID] = true
	}
}

// rebalance recomputes normalized weights so they sum to 1, and the
// priority buckets with them.
func (s *profileState) rebalance() {
	var total float32

	for _, c := range s.components {
		total += c.TotalAttentionWeight
	}

	for _, c := range s.components {
		normalized := float32(0)
		if total > 0 {
			normalized = c.TotalAttentionWeight / total
		}

		if normalized != c.NormalizedWeight {
			c.NormalizedWeight = normalized
			s.dirty[c.ID] = true
		}

		priority := domain.PriorityForWeight(c.NormalizedWeight)
		if priority != c.Priority {
			c.Priority = priority
			s.dirty[c.ID] = true
		}
	}
}

// evict drops components below the weight floor that have not activated
// within the eviction window, measured against the latest event time.
func (s *profileState) evict() {
	if s.latestTime.IsZero() {
		return
	}

	cutoff := s.latestTime.Add(-evictionAge)

	for id, c := range s.components {
		if c.NormalizedWeight < evictionFloor && c.LastActivated.Before(cutoff) {
			delete(s.components, id)
			delete(s.dirty, id)
			s.evicted = append(s.evicted, id)
		}
	}

	if len(s.evicted) > 0 {
		sort.Strings(s.evicted)
		s.rebalance()
	}
}

// diff returns the persistence sets: changed components, evicted ids, and
// the surviving active ids, all in stable order.
func (s *profileState) diff() (upserts []*domain.ProfileComponent, evictIDs, activeIDs []string) {
	dirtyIDs := make([]string, 0, len(s.dirty))
	for id := range s.dirty {
		dirtyIDs = append(dirtyIDs, id)
	}

	sort.Strings(dirtyIDs)

	for _, id := range dirtyIDs {
		upserts = append(upserts, s.components[id])
	}

	activeIDs = make([]string, 0, len(s.components))
	for id := range s.components {
		activeIDs = append(activeIDs, id)
	}

	sort.Strings(activeIDs)

	return upserts, s.evicted, activeIDs
}

// mergeStrength scales how hard an observation pulls a component toward
// itself: strong attention rewrites, weak attention nudges.
func mergeStrength(attentionWeight float32) float32 {
	switch {
	case attentionWeight > 0.8:
		return 1.0
	case attentionWeight > 0.6:
		return 0.8
	case attentionWeight > 0.4:
		return 0.6
	default:
		return 0.3
	}
}

func timeDecay(age time.Duration) float64 {
	if age <= 0 {
		return 1
	}

	days := age.Hours() / 24

	return math.Pow(timeDecayBase, days)
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

// normalizeBlend returns L2-normalize((1-m)·base + m·intent).
func normalizeBlend(base, intent []float32, m float32) []float32 {
	if len(base) == 0 {
		return append([]float32(nil), intent...)
	}

	if len(intent) != len(base) {
		return base
	}

	blended := make([]float32, len(base))

	var norm float64

	for i := range base {
		blended[i] = (1-m)*base[i] + m*intent[i]
		norm += float64(blended[i]) * float64(blended[i])
	}

	norm = math.Sqrt(norm)
	if norm == 0 {
		return blended
	}

	for i := range blended {
		blended[i] = float32(float64(blended[i]) / norm)
	}

	return blended
}

func componentID(userID string, componentType domain.ComponentType, observationID string) string {
	return uuid.NewSHA1(componentNamespace, []byte(userID+"|"+string(componentType)+"|"+observationID)).String()
}

func describeComponent(componentType domain.ComponentType, obs *domain.Observation) string {
	tags := make([]string, 0, descriptionTagLimit)

	for _, tag := range append(append([]string{}, obs.Tags...), obs.EnhancedTags...) {
		tags = append(tags, tag)
		if len(tags) == descriptionTagLimit {
			break
		}
	}

	if len(tags) == 0 {
		return string(componentType)
	}

	return string(componentType) + ": " + strings.Join(tags, ", ")
}

func groupByUser(events []*db.ProfileEvent) map[string][]*db.ProfileEvent {
	byUser := make(map[string][]*db.ProfileEvent)

	for _, event := range events {
		byUser[event.UserID] = append(byUser[event.UserID], event)
	}

	for _, userEvents := range byUser {
		sort.Slice(userEvents, func(i, j int) bool { return userEvents[i].Seq < userEvents[j].Seq })
	}

	return byUser
}

func eventIDs(events []*db.ProfileEvent) []int64 {
	ids := make([]int64, 0, len(events))
	for _, event := range events {
		ids = append(ids, event.ID)
	}

	return ids
}
