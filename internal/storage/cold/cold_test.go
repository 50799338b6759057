package cold

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perceptlab/percept/internal/core/domain"
	perrors "github.com/perceptlab/percept/internal/core/errors"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	logger := zerolog.Nop()

	store, err := NewStore(t.TempDir(), &logger)
	require.NoError(t, err)

	return store
}

func testObservation(id, userID string, ts time.Time) *domain.Observation {
	return &domain.Observation{
		ID:          id,
		UserID:      userID,
		Source:      "browser",
		Highlight:   "consensus notes",
		Tags:        []string{"distributed"},
		Timestamp:   ts,
		ContentHash: "hash-" + id,
		Tier:        domain.TierCold,
		CreatedAt:   ts,
	}
}

func TestPutGetRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	ts := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	obs := testObservation("obs-1", "user-1", ts)

	require.NoError(t, store.Put(ctx, obs))

	got, err := store.Get(ctx, "user-1", "obs-1")
	require.NoError(t, err)
	assert.Equal(t, "consensus notes", got.Highlight)
	assert.Equal(t, "hash-obs-1", got.ContentHash)

	_, err = store.Get(ctx, "user-1", "missing")
	assert.ErrorIs(t, err, perrors.ErrNotFound)

	_, err = store.Get(ctx, "other-user", "obs-1")
	assert.ErrorIs(t, err, perrors.ErrNotFound)
}

func TestLaterPutSupersedes(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	ts := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	obs := testObservation("obs-1", "user-1", ts)
	require.NoError(t, store.Put(ctx, obs))

	updated := *obs
	updated.InfluenceWeight = 0.9
	require.NoError(t, store.Put(ctx, &updated))

	got, err := store.Get(ctx, "user-1", "obs-1")
	require.NoError(t, err)
	assert.InDelta(t, 0.9, got.InfluenceWeight, 0.001)
}

func TestMarkDeletedHidesObservation(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	ts := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	require.NoError(t, store.Put(ctx, testObservation("obs-1", "user-1", ts)))

	require.NoError(t, store.MarkDeleted(ctx, "user-1", "obs-1"))

	_, err := store.Get(ctx, "user-1", "obs-1")
	assert.ErrorIs(t, err, perrors.ErrNotFound)

	err = store.MarkDeleted(ctx, "user-1", "missing")
	assert.ErrorIs(t, err, perrors.ErrNotFound)
}

func TestCompactSealsPastMonths(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	past := time.Now().UTC().AddDate(0, -2, 0)
	require.NoError(t, store.Put(ctx, testObservation("obs-old", "user-1", past)))
	require.NoError(t, store.Put(ctx, testObservation("obs-gone", "user-1", past)))
	require.NoError(t, store.MarkDeleted(ctx, "user-1", "obs-gone"))

	current := time.Now().UTC()
	require.NoError(t, store.Put(ctx, testObservation("obs-new", "user-1", current)))

	require.NoError(t, store.Compact(ctx))

	segment := past.Format(segmentLayout)
	userDir := filepath.Join(store.dir, "user-1")

	_, err := os.Stat(filepath.Join(userDir, segment+sealedSuffix))
	require.NoError(t, err, "sealed segment should exist")

	_, err = os.Stat(filepath.Join(userDir, segment+openSuffix))
	assert.True(t, os.IsNotExist(err), "open part should be removed")

	// Current month stays unsealed.
	_, err = os.Stat(filepath.Join(userDir, current.Format(segmentLayout)+openSuffix))
	require.NoError(t, err)

	// Sealed data still readable; deleted line dropped for good.
	got, err := store.Get(ctx, "user-1", "obs-old")
	require.NoError(t, err)
	assert.Equal(t, "obs-old", got.ID)

	_, err = store.Get(ctx, "user-1", "obs-gone")
	assert.ErrorIs(t, err, perrors.ErrNotFound)

	manifest, err := store.loadManifest(userDir, segment)
	require.NoError(t, err)
	assert.True(t, manifest.Sealed)
	require.Len(t, manifest.Entries, 1)
	assert.Equal(t, "obs-old", manifest.Entries[0].ID)
}

func TestForEachStreamsLiveObservations(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	older := time.Date(2025, 1, 5, 0, 0, 0, 0, time.UTC)
	newer := time.Date(2025, 2, 5, 0, 0, 0, 0, time.UTC)

	require.NoError(t, store.Put(ctx, testObservation("obs-a", "user-1", older)))
	require.NoError(t, store.Put(ctx, testObservation("obs-b", "user-1", newer)))
	require.NoError(t, store.Put(ctx, testObservation("obs-c", "user-1", newer)))
	require.NoError(t, store.MarkDeleted(ctx, "user-1", "obs-c"))

	var ids []string

	err := store.ForEach(ctx, "user-1", func(obs *domain.Observation) error {
		ids = append(ids, obs.ID)
		return nil
	})
	require.NoError(t, err)

	// Oldest segment first, deleted entries skipped.
	assert.Equal(t, []string{"obs-a", "obs-b"}, ids)
}

func TestDeleteUserRemovesEverything(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	ts := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	require.NoError(t, store.Put(ctx, testObservation("obs-1", "user-1", ts)))

	require.NoError(t, store.DeleteUser(ctx, "user-1"))

	_, err := store.Get(ctx, "user-1", "obs-1")
	assert.ErrorIs(t, err, perrors.ErrNotFound)

	_, err = os.Stat(filepath.Join(store.dir, "user-1"))
	assert.True(t, os.IsNotExist(err))
}
