package api

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/perceptlab/percept/internal/core/domain"
	perrors "github.com/perceptlab/percept/internal/core/errors"
)

const (
	apiKeyPrefix    = "pk_"
	sessionTokenTTL = 24 * time.Hour
)

// NewAPIKey mints a fresh app API key. Only its hash is stored.
func NewAPIKey() string {
	return apiKeyPrefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// HashAPIKey is the at-rest and cache-key form of an API key.
func HashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// NewAppID derives a short stable app id from the registration.
func NewAppID(name string) string {
	sum := sha256.Sum256([]byte(name + "|" + time.Now().UTC().Format(time.RFC3339Nano) + "|" + uuid.NewString()))
	return hex.EncodeToString(sum[:])[:16]
}

// sessionClaims are the JWT claims of a user session token.
type sessionClaims struct {
	UserID string `json:"uid"`
	AppID  string `json:"app"`
	jwt.RegisteredClaims
}

// IssueSessionToken signs a 24h HS256 user-session token bound to the
// issuing app.
func IssueSessionToken(secret, userID, appID string) (string, error) {
	if secret == "" {
		return "", fmt.Errorf("%w: session tokens disabled, no signing secret configured", perrors.ErrUnauthorized)
	}

	now := time.Now().UTC()

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, sessionClaims{
		UserID: userID,
		AppID:  appID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(sessionTokenTTL)),
		},
	})

	return token.SignedString([]byte(secret))
}

// ParseSessionToken validates a session token and returns its claims.
func ParseSessionToken(secret, raw string) (userID, appID string, err error) {
	var claims sessionClaims

	token, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}

		return []byte(secret), nil
	})
	if err != nil || !token.Valid {
		return "", "", fmt.Errorf("%w: invalid session token", perrors.ErrUnauthorized)
	}

	return claims.UserID, claims.AppID, nil
}

// AppCache is the Redis-backed auth cache in front of the warm store.
type AppCache interface {
	GetCachedApp(ctx context.Context, keyHash string) (*domain.AppRegistration, error)
	CacheApp(ctx context.Context, keyHash string, app *domain.AppRegistration) error
	InvalidateApp(ctx context.Context, keyHash string) error
}

// AppRepo is the warm-store app registry.
type AppRepo interface {
	CreateAppRegistration(ctx context.Context, app *domain.AppRegistration) error
	GetAppByKeyHash(ctx context.Context, keyHash string) (*domain.AppRegistration, error)
	GetApp(ctx context.Context, appID string) (*domain.AppRegistration, error)
	TouchAppLastActive(ctx context.Context, appID string) error
	RotateAppKey(ctx context.Context, appID, newKeyHash string) error
	SetAppActive(ctx context.Context, appID string, active bool) error
}

// authenticator resolves bearer credentials to an app (and optionally a
// session user).
type authenticator struct {
	repo      AppRepo
	cache     AppCache
	jwtSecret string
}

// resolveKey authenticates an API key, reading through the cache.
func (a *authenticator) resolveKey(ctx context.Context, key string) (*domain.AppRegistration, error) {
	keyHash := HashAPIKey(key)

	if app, err := a.cache.GetCachedApp(ctx, keyHash); err == nil && app != nil {
		if !app.IsActive {
			return nil, perrors.ErrUnauthorized
		}

		return app, nil
	}

	app, err := a.repo.GetAppByKeyHash(ctx, keyHash)
	if err != nil {
		if perrors.Is(err, perrors.ErrNotFound) {
			return nil, perrors.ErrUnauthorized
		}

		return nil, err
	}

	if !app.IsActive {
		return nil, perrors.ErrUnauthorized
	}

	_ = a.cache.CacheApp(ctx, keyHash, app)

	return app, nil
}

// resolve authenticates a bearer credential: an API key or a session
// token. Session tokens additionally bind the request to a user.
func (a *authenticator) resolve(ctx context.Context, bearer string) (*domain.AppRegistration, string, error) {
	if strings.HasPrefix(bearer, apiKeyPrefix) {
		app, err := a.resolveKey(ctx, bearer)
		return app, "", err
	}

	if a.jwtSecret == "" {
		return nil, "", perrors.ErrUnauthorized
	}

	userID, appID, err := ParseSessionToken(a.jwtSecret, bearer)
	if err != nil {
		return nil, "", err
	}

	app, err := a.repo.GetApp(ctx, appID)
	if err != nil {
		if perrors.Is(err, perrors.ErrNotFound) {
			return nil, "", perrors.ErrUnauthorized
		}

		return nil, "", err
	}

	if !app.IsActive {
		return nil, "", perrors.ErrUnauthorized
	}

	return app, userID, nil
}
