package hot

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perceptlab/percept/internal/core/domain"
	perrors "github.com/perceptlab/percept/internal/core/errors"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()

	mini := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mini.Addr()})
	logger := zerolog.Nop()

	store := NewWithClient(client, time.Hour, &logger)
	t.Cleanup(func() { _ = store.Close() })

	return store, mini
}

func testObservation(id, userID string, influence float32, tags ...string) *domain.Observation {
	return &domain.Observation{
		ID:              id,
		UserID:          userID,
		Source:          "notes",
		Highlight:       "highlight " + id,
		InfluenceWeight: influence,
		Tier:            domain.TierHot,
		EnhancedTags:    tags,
		Timestamp:       time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestPutGetObservation(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	obs := testObservation("obs-1", "user-1", 0.9, "cooking")
	require.NoError(t, store.PutObservation(ctx, obs))

	got, err := store.GetObservation(ctx, "obs-1")
	require.NoError(t, err)

	assert.Equal(t, obs.ID, got.ID)
	assert.Equal(t, obs.Highlight, got.Highlight)
	assert.Equal(t, obs.InfluenceWeight, got.InfluenceWeight)
}

func TestGetObservationMiss(t *testing.T) {
	store, _ := newTestStore(t)

	_, err := store.GetObservation(context.Background(), "nope")
	assert.ErrorIs(t, err, perrors.ErrNotFound)
}

func TestObservationExpires(t *testing.T) {
	store, mini := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.PutObservation(ctx, testObservation("obs-1", "user-1", 0.9)))

	mini.FastForward(2 * time.Hour)

	_, err := store.GetObservation(ctx, "obs-1")
	assert.ErrorIs(t, err, perrors.ErrNotFound)
}

func TestUserTopIDsRankedByInfluence(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.PutObservation(ctx, testObservation("obs-low", "user-1", 0.2)))
	require.NoError(t, store.PutObservation(ctx, testObservation("obs-high", "user-1", 0.9)))
	require.NoError(t, store.PutObservation(ctx, testObservation("obs-mid", "user-1", 0.5)))

	ids, err := store.UserTopIDs(ctx, "user-1", 2)
	require.NoError(t, err)

	assert.Equal(t, []string{"obs-high", "obs-mid"}, ids)
}

func TestTopicTopIDs(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.PutObservation(ctx, testObservation("obs-1", "user-1", 0.4, "cooking")))
	require.NoError(t, store.PutObservation(ctx, testObservation("obs-2", "user-2", 0.8, "cooking")))
	require.NoError(t, store.PutObservation(ctx, testObservation("obs-3", "user-3", 0.6, "travel")))

	ids, err := store.TopicTopIDs(ctx, "cooking", 10)
	require.NoError(t, err)

	assert.Equal(t, []string{"obs-2", "obs-1"}, ids)
}

func TestDeleteObservationRemovesRankings(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	obs := testObservation("obs-1", "user-1", 0.9, "cooking")
	require.NoError(t, store.PutObservation(ctx, obs))
	require.NoError(t, store.DeleteObservation(ctx, obs))

	_, err := store.GetObservation(ctx, "obs-1")
	assert.ErrorIs(t, err, perrors.ErrNotFound)

	ids, err := store.UserTopIDs(ctx, "user-1", 10)
	require.NoError(t, err)
	assert.Empty(t, ids)

	ids, err = store.TopicTopIDs(ctx, "cooking", 10)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestAppCacheRoundTrip(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	app := &domain.AppRegistration{
		AppID:     "app-1",
		Name:      "notes",
		Caps:      []domain.Capability{domain.CapObservationWrite},
		RateLimit: 100,
		IsActive:  true,
	}

	require.NoError(t, store.CacheApp(ctx, "hash-1", app))

	got, err := store.GetCachedApp(ctx, "hash-1")
	require.NoError(t, err)
	assert.Equal(t, app.AppID, got.AppID)
	assert.Equal(t, app.Caps, got.Caps)

	require.NoError(t, store.InvalidateApp(ctx, "hash-1"))

	_, err = store.GetCachedApp(ctx, "hash-1")
	assert.ErrorIs(t, err, perrors.ErrNotFound)
}

func TestIncrementRateFixedWindow(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	now := time.Date(2026, 8, 1, 10, 30, 0, 0, time.UTC)

	for i := int64(1); i <= 3; i++ {
		count, err := store.IncrementRate(ctx, "app-1", "user-1", now)
		require.NoError(t, err)
		assert.Equal(t, i, count)
	}

	count, err := store.RateCount(ctx, "app-1", "user-1", now)
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)

	// The next hour is a fresh window.
	count, err = store.IncrementRate(ctx, "app-1", "user-1", now.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestRateCountEmptyWindow(t *testing.T) {
	store, _ := newTestStore(t)

	count, err := store.RateCount(context.Background(), "app-1", "user-1", time.Now())
	require.NoError(t, err)
	assert.Zero(t, count)
}
