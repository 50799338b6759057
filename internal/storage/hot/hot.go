// Package hot implements the Redis-backed hot tier: a full-observation cache
// with per-user and per-topic influence rankings, plus the auth cache and
// rate-limit counters that want the same low-latency store.
package hot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/perceptlab/percept/internal/core/domain"
	perrors "github.com/perceptlab/percept/internal/core/errors"
)

const (
	keyObservation = "obs:full:%s"  // observation id
	keyUserHot     = "user:hot:%s"  // user id
	keyTopicHot    = "topic:hot:%s" // tag
	keyAuthApp     = "auth:app:%s"  // api key hash
	keyRate        = "rate:%s:%s:%s" // app id, user id, hour bucket

	// zsetCap bounds the per-user and per-topic rankings.
	zsetCap = 1000

	// authCacheTTL is how long resolved app registrations stay cached.
	authCacheTTL = time.Hour

	// rateBucketLayout formats the fixed hourly rate-limit window.
	rateBucketLayout = "2006010215"
)

// Store wraps a Redis client with the hot-tier key layout.
type Store struct {
	client *redis.Client
	ttl    time.Duration
	logger *zerolog.Logger
}

// New connects to Redis. ttl is the hot observation lifetime.
func New(addr, password string, db int, ttl time.Duration, logger *zerolog.Logger) *Store {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	return NewWithClient(client, ttl, logger)
}

// NewWithClient wraps an existing client. Tests pass a miniredis-backed one.
func NewWithClient(client *redis.Client, ttl time.Duration, logger *zerolog.Logger) *Store {
	return &Store{client: client, ttl: ttl, logger: logger}
}

// Ping reports whether Redis is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close releases the client.
func (s *Store) Close() error {
	return s.client.Close()
}

// PutObservation caches the full observation and ranks it in the user and
// topic zsets by influence weight. All writes share one pipeline round trip.
func (s *Store) PutObservation(ctx context.Context, o *domain.Observation) error {
	payload, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("marshal hot observation: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, fmt.Sprintf(keyObservation, o.ID), payload, s.ttl)

	member := redis.Z{Score: float64(o.InfluenceWeight), Member: o.ID}
	userKey := fmt.Sprintf(keyUserHot, o.UserID)
	pipe.ZAdd(ctx, userKey, member)
	pipe.ZRemRangeByRank(ctx, userKey, 0, -(zsetCap + 1))
	pipe.Expire(ctx, userKey, s.ttl)

	for _, tag := range o.EnhancedTags {
		topicKey := fmt.Sprintf(keyTopicHot, tag)
		pipe.ZAdd(ctx, topicKey, member)
		pipe.ZRemRangeByRank(ctx, topicKey, 0, -(zsetCap + 1))
		pipe.Expire(ctx, topicKey, s.ttl)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("put hot observation: %w", err)
	}

	return nil
}

// GetObservation returns a cached observation, or ErrNotFound after expiry.
func (s *Store) GetObservation(ctx context.Context, id string) (*domain.Observation, error) {
	payload, err := s.client.Get(ctx, fmt.Sprintf(keyObservation, id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("hot observation %s: %w", id, perrors.ErrNotFound)
		}

		return nil, fmt.Errorf("get hot observation: %w", err)
	}

	var o domain.Observation
	if err := json.Unmarshal(payload, &o); err != nil {
		return nil, fmt.Errorf("unmarshal hot observation: %w", err)
	}

	return &o, nil
}

// DeleteObservation evicts an observation and its ranking entries.
func (s *Store) DeleteObservation(ctx context.Context, o *domain.Observation) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, fmt.Sprintf(keyObservation, o.ID))
	pipe.ZRem(ctx, fmt.Sprintf(keyUserHot, o.UserID), o.ID)

	for _, tag := range o.EnhancedTags {
		pipe.ZRem(ctx, fmt.Sprintf(keyTopicHot, tag), o.ID)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete hot observation: %w", err)
	}

	return nil
}

// UserTopIDs returns the user's highest-influence hot observation ids.
func (s *Store) UserTopIDs(ctx context.Context, userID string, limit int) ([]string, error) {
	ids, err := s.client.ZRevRange(ctx, fmt.Sprintf(keyUserHot, userID), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("user top ids: %w", err)
	}

	return ids, nil
}

// TopicTopIDs returns the highest-influence hot observation ids for a tag.
func (s *Store) TopicTopIDs(ctx context.Context, tag string, limit int) ([]string, error) {
	ids, err := s.client.ZRevRange(ctx, fmt.Sprintf(keyTopicHot, tag), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("topic top ids: %w", err)
	}

	return ids, nil
}

// CacheApp stores a resolved registration under its key hash.
func (s *Store) CacheApp(ctx context.Context, keyHash string, app *domain.AppRegistration) error {
	payload, err := json.Marshal(app)
	if err != nil {
		return fmt.Errorf("marshal cached app: %w", err)
	}

	if err := s.client.Set(ctx, fmt.Sprintf(keyAuthApp, keyHash), payload, authCacheTTL).Err(); err != nil {
		return fmt.Errorf("cache app: %w", err)
	}

	return nil
}

// GetCachedApp returns a cached registration, ErrNotFound on miss.
func (s *Store) GetCachedApp(ctx context.Context, keyHash string) (*domain.AppRegistration, error) {
	payload, err := s.client.Get(ctx, fmt.Sprintf(keyAuthApp, keyHash)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, perrors.ErrNotFound
		}

		return nil, fmt.Errorf("get cached app: %w", err)
	}

	var app domain.AppRegistration
	if err := json.Unmarshal(payload, &app); err != nil {
		return nil, fmt.Errorf("unmarshal cached app: %w", err)
	}

	return &app, nil
}

// InvalidateApp drops the cache entry, forcing re-resolution on next use.
// Key rotation and deactivation call this.
func (s *Store) InvalidateApp(ctx context.Context, keyHash string) error {
	if err := s.client.Del(ctx, fmt.Sprintf(keyAuthApp, keyHash)).Err(); err != nil {
		return fmt.Errorf("invalidate app: %w", err)
	}

	return nil
}

// IncrementRate bumps the fixed hourly window counter for (app, user) and
// returns the new count. The first hit in a window sets its expiry.
func (s *Store) IncrementRate(ctx context.Context, appID, userID string, now time.Time) (int64, error) {
	key := fmt.Sprintf(keyRate, appID, userID, now.UTC().Format(rateBucketLayout))

	count, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("increment rate: %w", err)
	}

	if count == 1 {
		if err := s.client.Expire(ctx, key, 2*time.Hour).Err(); err != nil {
			return 0, fmt.Errorf("expire rate key: %w", err)
		}
	}

	return count, nil
}

// RateCount reads the current hourly window counter without bumping it.
func (s *Store) RateCount(ctx context.Context, appID, userID string, now time.Time) (int64, error) {
	key := fmt.Sprintf(keyRate, appID, userID, now.UTC().Format(rateBucketLayout))

	count, err := s.client.Get(ctx, key).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}

		return 0, fmt.Errorf("rate count: %w", err)
	}

	return count, nil
}
