package privacy

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/perceptlab/percept/internal/core/domain"
	perrors "github.com/perceptlab/percept/internal/core/errors"
	"github.com/perceptlab/percept/internal/tiered"
)

const (
	exportPageSize  = 500
	exportAuditRows = 10000
)

// Repo is the warm-store slice the privacy service reads and erases
// through.
type Repo interface {
	GetPrivacyPreferences(ctx context.Context, userID string) (*domain.PrivacyPreferences, error)
	SavePrivacyPreferences(ctx context.Context, p *domain.PrivacyPreferences) error
	DeletePrivacyPreferences(ctx context.Context, userID string) error
	RetentionDaysByUser(ctx context.Context) (map[string]int, error)
	ListUserObservations(ctx context.Context, userID, afterID string, limit int) ([]*domain.Observation, error)
	ListRecentObservations(ctx context.Context, userID string, since time.Time, limit int) ([]*domain.Observation, error)
	GetUserProfile(ctx context.Context, userID string) (*domain.UserProfile, error)
	GetProfileComponents(ctx context.Context, userID string) ([]*domain.ProfileComponent, error)
	DeleteUserProfile(ctx context.Context, userID string) error
	GetUsageDetails(ctx context.Context, userID string, since time.Time) ([]domain.UsageRecord, error)
	ListAuditRecords(ctx context.Context, userID string, limit int) ([]*domain.AuditRecord, error)
	PurgeAuditBefore(ctx context.Context, userID string, days int) (int64, error)
	ListActiveUsers(ctx context.Context) ([]string, error)
}

// Tiers erases and soft-deletes across all storage tiers.
type Tiers interface {
	Update(ctx context.Context, userID, id string, m tiered.Mutation) error
	PurgeUser(ctx context.Context, userID string) ([]string, error)
}

// Service implements preference management, data export, the right to
// erasure, and the retention sweep.
type Service struct {
	repo   Repo
	tiers  Tiers
	logger *zerolog.Logger
}

func NewService(repo Repo, tiers Tiers, logger *zerolog.Logger) *Service {
	return &Service{repo: repo, tiers: tiers, logger: logger}
}

// Preferences returns the user's saved preferences, or the balanced
// defaults when none exist.
func (s *Service) Preferences(ctx context.Context, userID string) (*domain.PrivacyPreferences, error) {
	prefs, err := s.repo.GetPrivacyPreferences(ctx, userID)
	if err != nil {
		if perrors.Is(err, perrors.ErrNotFound) {
			defaults := domain.DefaultPrivacyPreferences(userID)
			return &defaults, nil
		}

		return nil, err
	}

	return prefs, nil
}

// UpdatePreferences validates and persists new preferences.
func (s *Service) UpdatePreferences(ctx context.Context, prefs *domain.PrivacyPreferences) error {
	switch prefs.PolicyLevel {
	case domain.PolicyStrict, domain.PolicyBalanced, domain.PolicyPermissive:
	default:
		return perrors.ErrValidation
	}

	if prefs.RetentionDays <= 0 {
		prefs.RetentionDays = domain.DefaultPrivacyPreferences(prefs.UserID).RetentionDays
	}

	prefs.UpdatedAt = time.Now().UTC()

	return s.repo.SavePrivacyPreferences(ctx, prefs)
}

// Export is the complete portable bundle of one user's data.
type Export struct {
	UserID       string                     `json:"user_id"`
	ExportedAt   time.Time                  `json:"exported_at"`
	Preferences  *domain.PrivacyPreferences `json:"preferences"`
	Observations []*domain.Observation      `json:"observations"`
	Profile      *domain.UserProfile        `json:"profile,omitempty"`
	Components   []*domain.ProfileComponent `json:"components"`
	Usage        []domain.UsageRecord       `json:"usage"`
	AuditTrail   []*domain.AuditRecord      `json:"audit_trail"`
}

// ExportUser collects everything stored about the user into one bundle.
// Soft-deleted observations are excluded; they are pending erasure, not
// user data to hand back.
func (s *Service) ExportUser(ctx context.Context, userID string) (*Export, error) {
	prefs, err := s.Preferences(ctx, userID)
	if err != nil {
		return nil, err
	}

	var observations []*domain.Observation

	afterID := ""

	for {
		page, err := s.repo.ListUserObservations(ctx, userID, afterID, exportPageSize)
		if err != nil {
			return nil, err
		}

		observations = append(observations, page...)
		if len(page) < exportPageSize {
			break
		}

		afterID = page[len(page)-1].ID
	}

	profile, err := s.repo.GetUserProfile(ctx, userID)
	if err != nil && !perrors.Is(err, perrors.ErrNotFound) {
		return nil, err
	}

	components, err := s.repo.GetProfileComponents(ctx, userID)
	if err != nil {
		return nil, err
	}

	usage, err := s.repo.GetUsageDetails(ctx, userID, time.Time{})
	if err != nil {
		return nil, err
	}

	audit, err := s.repo.ListAuditRecords(ctx, userID, exportAuditRows)
	if err != nil {
		return nil, err
	}

	return &Export{
		UserID:       userID,
		ExportedAt:   time.Now().UTC(),
		Preferences:  prefs,
		Observations: observations,
		Profile:      profile,
		Components:   components,
		Usage:        usage,
		AuditTrail:   audit,
	}, nil
}

// EraseUser hard-deletes the user across every tier and index, then the
// profile and the preferences. The audit trail of the erasure itself is
// written by the caller. Returns the number of observations removed.
func (s *Service) EraseUser(ctx context.Context, userID string) (int, error) {
	ids, err := s.tiers.PurgeUser(ctx, userID)
	if err != nil {
		return 0, err
	}

	if err := s.repo.DeleteUserProfile(ctx, userID); err != nil && !perrors.Is(err, perrors.ErrNotFound) {
		return len(ids), err
	}

	if err := s.repo.DeletePrivacyPreferences(ctx, userID); err != nil && !perrors.Is(err, perrors.ErrNotFound) {
		return len(ids), err
	}

	s.logger.Info().Str("user_id", userID).Int("observations", len(ids)).Msg("user data erased")

	return len(ids), nil
}

// RetentionSweep soft-deletes observations older than each user's
// retention window. Hard deletion happens later, after the audit window,
// via the cold-tier compaction and warm hard-delete job.
func (s *Service) RetentionSweep(ctx context.Context) (int, error) {
	retention, err := s.repo.RetentionDaysByUser(ctx)
	if err != nil {
		return 0, err
	}

	users, err := s.repo.ListActiveUsers(ctx)
	if err != nil {
		return 0, err
	}

	defaultDays := domain.DefaultPrivacyPreferences("").RetentionDays
	swept := 0

	for _, userID := range users {
		days, ok := retention[userID]
		if !ok {
			days = defaultDays
		}

		if days <= 0 {
			continue
		}

		cutoff := time.Now().UTC().AddDate(0, 0, -days)

		n, err := s.sweepUser(ctx, userID, cutoff)
		swept += n

		if err != nil {
			s.logger.Warn().Err(err).Str("user_id", userID).Msg("retention sweep incomplete for user")
		}
	}

	return swept, nil
}

func (s *Service) sweepUser(ctx context.Context, userID string, cutoff time.Time) (int, error) {
	swept := 0
	afterID := ""

	for {
		page, err := s.repo.ListUserObservations(ctx, userID, afterID, exportPageSize)
		if err != nil {
			return swept, err
		}

		for _, obs := range page {
			if !obs.Timestamp.Before(cutoff) || obs.Deleted {
				continue
			}

			if err := s.tiers.Update(ctx, userID, obs.ID, tiered.Mutation{SoftDelete: true}); err != nil {
				return swept, err
			}

			swept++
		}

		if len(page) < exportPageSize {
			return swept, nil
		}

		afterID = page[len(page)-1].ID
	}
}
