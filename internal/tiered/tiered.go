// Package tiered implements the three-tier observation store: Redis hot
// tier, Postgres warm tier (the record of truth and composite index), and
// filesystem cold segments, with the vector and full-text indexes kept
// consistent through a write-ahead index journal.
package tiered

import (
	"context"
	"hash/fnv"
	"time"

	"github.com/rs/zerolog"

	"github.com/perceptlab/percept/internal/core/domain"
	perrors "github.com/perceptlab/percept/internal/core/errors"
	"github.com/perceptlab/percept/internal/core/fulltext"
	"github.com/perceptlab/percept/internal/platform/keyedmutex"
	"github.com/perceptlab/percept/internal/platform/observability"
	"github.com/perceptlab/percept/internal/platform/retry"
	db "github.com/perceptlab/percept/internal/storage"
	"github.com/perceptlab/percept/internal/storage/cold"
	"github.com/perceptlab/percept/internal/storage/hot"
)

const (
	// Reads within PromoteWindow at or above PromoteThreshold pull an
	// observation back into the hot tier.
	PromoteThreshold = 3
	PromoteWindow    = 24 * time.Hour

	maxRetryAttempts = 3

	statusOK     = "ok"
	statusFailed = "failed"
)

// Mutation is the narrow update surface of the store. Everything else on an
// observation is immutable after enrichment.
type Mutation struct {
	Tier            *domain.Tier
	InfluenceWeight *float32
	SoftDelete      bool
}

// WarmStore is the slice of the Postgres layer the tiered store uses: the
// record-of-truth rows, the index journal, the dead-letter partition, the
// access log, and the embedding index.
type WarmStore interface {
	GetObservation(ctx context.Context, id string) (*domain.Observation, error)
	SaveObservation(ctx context.Context, o *domain.Observation) error
	DeleteObservationRow(ctx context.Context, id string) error
	SoftDeleteObservation(ctx context.Context, id string) error
	UpdateObservationScores(ctx context.Context, id string, attention, quality, influence float32, tier domain.Tier) error
	ListTierMismatches(ctx context.Context, limit int) ([]*domain.Observation, error)
	DeleteAllUserObservations(ctx context.Context, userID string) ([]string, error)
	AppendJournal(ctx context.Context, observationID, userID, op string, indexes []string) (int64, error)
	MarkJournalCommitted(ctx context.Context, id int64) error
	DeleteJournal(ctx context.Context, id int64) error
	ListPendingJournal(ctx context.Context, age time.Duration, limit int) ([]*db.JournalEntry, error)
	CountPendingJournal(ctx context.Context) (int64, error)
	InsertDeadLetter(ctx context.Context, o *domain.Observation, failure string, attempts int) error
	RecordAccess(ctx context.Context, observationID, userID string) error
	CountAccessSince(ctx context.Context, observationID string, since time.Time) (int, error)
	SaveEmbedding(ctx context.Context, observationID, userID string, embedding []float32) error
	DeleteEmbedding(ctx context.Context, observationID string) error
	WithAdvisoryLock(ctx context.Context, lockID int64, fn func(ctx context.Context) error) (bool, error)
}

// HotCache is the Redis hot tier.
type HotCache interface {
	PutObservation(ctx context.Context, o *domain.Observation) error
	GetObservation(ctx context.Context, id string) (*domain.Observation, error)
	DeleteObservation(ctx context.Context, o *domain.Observation) error
}

// ColdStore is the filesystem cold tier.
type ColdStore interface {
	Put(ctx context.Context, obs *domain.Observation) error
	Get(ctx context.Context, userID, id string) (*domain.Observation, error)
	MarkDeleted(ctx context.Context, userID, id string) error
	DeleteUser(ctx context.Context, userID string) error
}

// TextIndex is the full-text search index.
type TextIndex interface {
	Index(ctx context.Context, docs ...fulltext.Document) error
	Delete(ctx context.Context, ids ...string) error
	DeleteByUser(ctx context.Context, userID string) error
}

var (
	_ WarmStore = (*db.DB)(nil)
	_ HotCache  = (*hot.Store)(nil)
	_ ColdStore = (*cold.Store)(nil)
	_ TextIndex = (*fulltext.Client)(nil)
)

// Store coordinates the tiers and indexes behind a single put/get/update
// surface. Writes for one user serialize on a keyed mutex.
type Store struct {
	warm   WarmStore
	hot    HotCache
	cold   ColdStore
	index  TextIndex
	locks  *keyedmutex.Mutex
	retry  retry.Config
	logger *zerolog.Logger
}

// New creates a tiered store over the given backends.
func New(warm WarmStore, hotStore HotCache, coldStore ColdStore, index TextIndex, logger *zerolog.Logger) *Store {
	return &Store{
		warm:   warm,
		hot:    hotStore,
		cold:   coldStore,
		index:  index,
		locks:  keyedmutex.New(),
		retry:  retry.DefaultConfig(),
		logger: logger,
	}
}

// transient reports whether an index or tier failure is worth retrying.
// Permanent storage errors and validation failures are not.
func transient(err error) bool {
	switch perrors.KindOf(err) {
	case perrors.KindStoragePermanent, perrors.KindValidation, perrors.KindNotFound, perrors.KindCancelled:
		return false
	default:
		return true
	}
}

// Put writes the observation to its tier and all indexes, all-or-nothing
// per observation. The sequence is journal → warm row → tier + secondary
// indexes → commit; a crash in the middle leaves a pending journal entry
// the recovery worker rolls forward. After retries are exhausted the
// partial writes are rolled back and the observation lands in the
// dead-letter partition. It is never silently dropped.
func (s *Store) Put(ctx context.Context, obs *domain.Observation) error {
	s.locks.Lock(obs.UserID)
	defer s.locks.Unlock(obs.UserID)

	// Same-id conflict rule: the equal-or-higher influence weight wins.
	if existing, err := s.warm.GetObservation(ctx, obs.ID); err == nil {
		if existing.InfluenceWeight > obs.InfluenceWeight {
			s.logger.Warn().
				Str("observation_id", obs.ID).
				Float32("existing_weight", existing.InfluenceWeight).
				Float32("incoming_weight", obs.InfluenceWeight).
				Msg("dropping conflicting put with lower influence weight")

			return nil
		}
	} else if !perrors.Is(err, perrors.ErrNotFound) {
		return err
	}

	journalID, err := s.warm.AppendJournal(ctx, obs.ID, obs.UserID, db.JournalOpPut, indexesFor(obs))
	if err != nil {
		observability.StoreWrites.WithLabelValues(string(obs.Tier), statusFailed).Inc()
		return err
	}

	err = retry.Do(ctx, s.retry, func(ctx context.Context) error {
		return s.applyPut(ctx, obs)
	}, transient)
	if err != nil {
		s.rollbackPut(ctx, obs)

		if dlErr := s.warm.InsertDeadLetter(ctx, obs, err.Error(), maxRetryAttempts); dlErr != nil {
			s.logger.Error().Err(dlErr).Str("observation_id", obs.ID).Msg("dead-letter insert failed")
		} else {
			observability.DeadLetterTotal.Inc()
		}

		observability.StoreWrites.WithLabelValues(string(obs.Tier), statusFailed).Inc()

		return err
	}

	if err = s.warm.MarkJournalCommitted(ctx, journalID); err != nil {
		// The write is fully applied; recovery will re-commit the entry.
		s.logger.Warn().Err(err).Int64("journal_id", journalID).Msg("journal commit failed")
	}

	observability.StoreWrites.WithLabelValues(string(obs.Tier), statusOK).Inc()

	return nil
}

// applyPut writes the warm row and every index. Each step is idempotent so
// the whole function can re-run after a partial failure.
func (s *Store) applyPut(ctx context.Context, obs *domain.Observation) error {
	if _, err := s.warm.GetObservation(ctx, obs.ID); perrors.Is(err, perrors.ErrNotFound) {
		if saveErr := s.warm.SaveObservation(ctx, obs); saveErr != nil {
			observability.IndexWrites.WithLabelValues(db.IndexComposite, statusFailed).Inc()
			return saveErr
		}
	} else if err != nil {
		return err
	}

	observability.IndexWrites.WithLabelValues(db.IndexComposite, statusOK).Inc()

	if obs.Tier == domain.TierHot {
		if err := s.hot.PutObservation(ctx, obs); err != nil {
			observability.IndexWrites.WithLabelValues(db.IndexHot, statusFailed).Inc()
			return err
		}

		observability.IndexWrites.WithLabelValues(db.IndexHot, statusOK).Inc()
	}

	if obs.Tier == domain.TierCold {
		if err := s.cold.Put(ctx, obs); err != nil {
			return err
		}
	}

	if len(obs.Embedding) > 0 {
		if err := s.warm.SaveEmbedding(ctx, obs.ID, obs.UserID, obs.Embedding); err != nil {
			observability.IndexWrites.WithLabelValues(db.IndexVector, statusFailed).Inc()
			return err
		}

		observability.IndexWrites.WithLabelValues(db.IndexVector, statusOK).Inc()
	}

	if err := s.index.Index(ctx, fulltext.DocumentFor(obs)); err != nil {
		if perrors.Is(err, fulltext.ErrClientDisabled) {
			return nil
		}

		observability.IndexWrites.WithLabelValues(db.IndexFullText, statusFailed).Inc()

		return err
	}

	observability.IndexWrites.WithLabelValues(db.IndexFullText, statusOK).Inc()

	return nil
}

// rollbackPut removes whatever applyPut managed to write.
func (s *Store) rollbackPut(ctx context.Context, obs *domain.Observation) {
	if err := s.hot.DeleteObservation(ctx, obs); err != nil {
		s.logger.Warn().Err(err).Str("observation_id", obs.ID).Msg("rollback hot delete failed")
	}

	if err := s.warm.DeleteEmbedding(ctx, obs.ID); err != nil {
		s.logger.Warn().Err(err).Str("observation_id", obs.ID).Msg("rollback embedding delete failed")
	}

	if err := s.index.Delete(ctx, obs.ID); err != nil && !perrors.Is(err, fulltext.ErrClientDisabled) {
		s.logger.Warn().Err(err).Str("observation_id", obs.ID).Msg("rollback fulltext delete failed")
	}

	if err := s.warm.DeleteObservationRow(ctx, obs.ID); err != nil {
		s.logger.Warn().Err(err).Str("observation_id", obs.ID).Msg("rollback warm delete failed")
	}
}

// Get reads through hot → warm → cold and promotes frequently read
// observations back to hot. Soft-deleted observations are not found.
func (s *Store) Get(ctx context.Context, userID, id string) (*domain.Observation, error) {
	if obs, err := s.hot.GetObservation(ctx, id); err == nil && obs.UserID == userID {
		observability.StoreReads.WithLabelValues(string(domain.TierHot)).Inc()
		s.recordAccess(ctx, obs, false)

		return obs, nil
	}

	obs, err := s.warm.GetObservation(ctx, id)
	if err == nil {
		if obs.Deleted || obs.UserID != userID {
			return nil, perrors.ErrNotFound
		}

		observability.StoreReads.WithLabelValues(string(domain.TierWarm)).Inc()
		s.recordAccess(ctx, obs, true)

		return obs, nil
	}

	if !perrors.Is(err, perrors.ErrNotFound) {
		return nil, err
	}

	obs, err = s.cold.Get(ctx, userID, id)
	if err != nil {
		return nil, err
	}

	observability.StoreReads.WithLabelValues(string(domain.TierCold)).Inc()
	s.recordAccess(ctx, obs, true)

	return obs, nil
}

// recordAccess counts the read and promotes the observation to hot when it
// crossed the promotion threshold inside the window. Failures here only
// cost a promotion, never the read.
func (s *Store) recordAccess(ctx context.Context, obs *domain.Observation, promotable bool) {
	if err := s.warm.RecordAccess(ctx, obs.ID, obs.UserID); err != nil {
		s.logger.Warn().Err(err).Str("observation_id", obs.ID).Msg("access record failed")
		return
	}

	if !promotable {
		return
	}

	count, err := s.warm.CountAccessSince(ctx, obs.ID, time.Now().Add(-PromoteWindow))
	if err != nil || count < PromoteThreshold {
		return
	}

	if err := s.hot.PutObservation(ctx, obs); err != nil {
		s.logger.Warn().Err(err).Str("observation_id", obs.ID).Msg("promotion failed")
		return
	}

	observability.StorePromotions.Inc()
}

// Update applies the permitted mutations: tier moves, influence re-scoring,
// and the soft-delete flag. Soft-deleted observations leave every index and
// the hot tier but are retained in cold for the audit window.
func (s *Store) Update(ctx context.Context, userID, id string, m Mutation) error {
	s.locks.Lock(userID)
	defer s.locks.Unlock(userID)

	obs, err := s.warm.GetObservation(ctx, id)
	if err != nil {
		return err
	}

	if obs.UserID != userID || obs.Deleted {
		return perrors.ErrNotFound
	}

	if m.SoftDelete {
		return s.softDelete(ctx, obs)
	}

	fromTier := obs.Tier

	if m.InfluenceWeight != nil {
		obs.InfluenceWeight = *m.InfluenceWeight
	}

	if m.Tier != nil {
		obs.Tier = *m.Tier
	}

	journalID, err := s.warm.AppendJournal(ctx, obs.ID, obs.UserID, db.JournalOpUpdate, indexesFor(obs))
	if err != nil {
		return err
	}

	err = retry.Do(ctx, s.retry, func(ctx context.Context) error {
		if uErr := s.warm.UpdateObservationScores(ctx, obs.ID, obs.AttentionWeight, obs.QualityScore, obs.InfluenceWeight, obs.Tier); uErr != nil {
			return uErr
		}

		return s.moveTier(ctx, obs, fromTier)
	}, transient)
	if err != nil {
		return err
	}

	if fromTier != obs.Tier {
		observability.TierMigrations.WithLabelValues(string(fromTier), string(obs.Tier)).Inc()
	}

	if err = s.warm.MarkJournalCommitted(ctx, journalID); err != nil {
		s.logger.Warn().Err(err).Int64("journal_id", journalID).Msg("journal commit failed")
	}

	return nil
}

// softDelete flags the warm row, removes the observation from hot and the
// secondary indexes, and records an audit copy in cold.
func (s *Store) softDelete(ctx context.Context, obs *domain.Observation) error {
	journalID, err := s.warm.AppendJournal(ctx, obs.ID, obs.UserID, db.JournalOpDelete, indexesFor(obs))
	if err != nil {
		return err
	}

	err = retry.Do(ctx, s.retry, func(ctx context.Context) error {
		if dErr := s.warm.SoftDeleteObservation(ctx, obs.ID); dErr != nil {
			return dErr
		}

		// Cold keeps an audit copy for the retention window, hidden from
		// reads by the manifest flag.
		audit := *obs
		audit.Deleted = true

		if cErr := s.cold.Put(ctx, &audit); cErr != nil {
			return cErr
		}

		if cErr := s.cold.MarkDeleted(ctx, obs.UserID, obs.ID); cErr != nil {
			return cErr
		}

		if hErr := s.hot.DeleteObservation(ctx, obs); hErr != nil {
			return hErr
		}

		if eErr := s.warm.DeleteEmbedding(ctx, obs.ID); eErr != nil {
			return eErr
		}

		if fErr := s.index.Delete(ctx, obs.ID); fErr != nil && !perrors.Is(fErr, fulltext.ErrClientDisabled) {
			return fErr
		}

		return nil
	}, transient)
	if err != nil {
		return err
	}

	if err = s.warm.MarkJournalCommitted(ctx, journalID); err != nil {
		s.logger.Warn().Err(err).Int64("journal_id", journalID).Msg("journal commit failed")
	}

	return nil
}

// moveTier reconciles tier membership after a tier change: the hot cache
// and cold segments gain or keep the observation per its new tier.
func (s *Store) moveTier(ctx context.Context, obs *domain.Observation, fromTier domain.Tier) error {
	if obs.Tier == fromTier {
		return nil
	}

	if obs.Tier == domain.TierHot {
		if err := s.hot.PutObservation(ctx, obs); err != nil {
			return err
		}
	} else if fromTier == domain.TierHot {
		if err := s.hot.DeleteObservation(ctx, obs); err != nil {
			return err
		}
	}

	if obs.Tier == domain.TierCold {
		if err := s.cold.Put(ctx, obs); err != nil {
			return err
		}
	}

	// The full-text document carries the tier for retrieval filters.
	if err := s.index.Index(ctx, fulltext.DocumentFor(obs)); err != nil && !perrors.Is(err, fulltext.ErrClientDisabled) {
		return err
	}

	return nil
}

// Migrate scans the warm tier for observations whose age or weight crossed
// a tier boundary and moves them, serialized per user by an advisory lock.
// Returns the number of observations moved.
func (s *Store) Migrate(ctx context.Context, limit int) (int, error) {
	candidates, err := s.warm.ListTierMismatches(ctx, limit)
	if err != nil {
		return 0, err
	}

	byUser := make(map[string][]*domain.Observation)
	for _, obs := range candidates {
		byUser[obs.UserID] = append(byUser[obs.UserID], obs)
	}

	moved := 0

	for userID, batch := range byUser {
		acquired, lockErr := s.warm.WithAdvisoryLock(ctx, userLockID(userID), func(ctx context.Context) error {
			for _, obs := range batch {
				target := domain.DetermineTier(obs.AgeDays(time.Now().UTC()), obs.InfluenceWeight)
				if target == obs.Tier {
					continue
				}

				if mErr := s.Update(ctx, userID, obs.ID, Mutation{Tier: &target}); mErr != nil {
					return mErr
				}

				moved++
			}

			return nil
		})
		if lockErr != nil {
			s.logger.Error().Err(lockErr).Str("user_id", userID).Msg("tier migration failed for user")
			continue
		}

		if !acquired {
			s.logger.Debug().Str("user_id", userID).Msg("tier migration skipped, user locked elsewhere")
		}
	}

	return moved, nil
}

// RecoverJournal rolls pending journal entries forward: entries whose warm
// row exists are re-applied and committed; entries whose row vanished have
// their partial index writes removed. Returns the number of recovered
// entries.
func (s *Store) RecoverJournal(ctx context.Context, olderThan time.Duration, limit int) (int, error) {
	entries, err := s.warm.ListPendingJournal(ctx, olderThan, limit)
	if err != nil {
		return 0, err
	}

	recovered := 0

	for _, entry := range entries {
		obs, getErr := s.warm.GetObservation(ctx, entry.ObservationID)

		switch {
		case getErr == nil && !obs.Deleted:
			if applyErr := s.applyPut(ctx, obs); applyErr != nil {
				s.logger.Warn().Err(applyErr).Str("observation_id", entry.ObservationID).Msg("journal roll-forward failed")
				continue
			}

			if commitErr := s.warm.MarkJournalCommitted(ctx, entry.ID); commitErr != nil {
				continue
			}

		case perrors.Is(getErr, perrors.ErrNotFound) || (getErr == nil && obs.Deleted):
			// The warm row never landed or was deleted; sweep any partial
			// index writes and drop the entry.
			if delErr := s.warm.DeleteEmbedding(ctx, entry.ObservationID); delErr != nil {
				s.logger.Warn().Err(delErr).Str("observation_id", entry.ObservationID).Msg("journal rollback embedding delete failed")
			}

			if idxErr := s.index.Delete(ctx, entry.ObservationID); idxErr != nil && !perrors.Is(idxErr, fulltext.ErrClientDisabled) {
				s.logger.Warn().Err(idxErr).Str("observation_id", entry.ObservationID).Msg("journal rollback fulltext delete failed")
			}

			if delErr := s.warm.DeleteJournal(ctx, entry.ID); delErr != nil {
				continue
			}

		default:
			s.logger.Warn().Err(getErr).Str("observation_id", entry.ObservationID).Msg("journal recovery read failed")
			continue
		}

		recovered++
	}

	if pending, countErr := s.warm.CountPendingJournal(ctx); countErr == nil {
		observability.JournalPending.Set(float64(pending))
	}

	return recovered, nil
}

// PurgeUser removes every trace of a user from all tiers and indexes.
// Privacy hard-delete path; returns the removed observation ids.
func (s *Store) PurgeUser(ctx context.Context, userID string) ([]string, error) {
	s.locks.Lock(userID)
	defer s.locks.Unlock(userID)

	ids, err := s.warm.DeleteAllUserObservations(ctx, userID)
	if err != nil {
		return nil, err
	}

	for _, id := range ids {
		if err := s.hot.DeleteObservation(ctx, &domain.Observation{ID: id, UserID: userID}); err != nil {
			s.logger.Warn().Err(err).Str("observation_id", id).Msg("hot purge failed")
		}
	}

	if err := s.index.DeleteByUser(ctx, userID); err != nil && !perrors.Is(err, fulltext.ErrClientDisabled) {
		return ids, err
	}

	if err := s.cold.DeleteUser(ctx, userID); err != nil {
		return ids, err
	}

	return ids, nil
}

// indexesFor lists the journal index set an observation's put touches.
func indexesFor(obs *domain.Observation) []string {
	indexes := []string{db.IndexComposite}

	if obs.Tier == domain.TierHot {
		indexes = append(indexes, db.IndexHot)
	}

	if len(obs.Embedding) > 0 {
		indexes = append(indexes, db.IndexVector)
	}

	indexes = append(indexes, db.IndexFullText)

	return indexes
}

// userLockID maps a user id onto the advisory lock space, away from the
// reserved maintenance lock ids.
func userLockID(userID string) int64 {
	h := fnv.New64a()
	h.Write([]byte(userID))

	id := int64(h.Sum64() & (1<<63 - 1))
	if id < 4096 {
		id += 4096
	}

	return id
}
