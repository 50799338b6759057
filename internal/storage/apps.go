package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/perceptlab/percept/internal/core/domain"
	perrors "github.com/perceptlab/percept/internal/core/errors"
)

const appColumns = `app_id, name, developer, api_key_hash, capabilities, rate_limit, is_active, created_at, last_active`

// CreateAppRegistration stores a new app. The API key never touches the
// database; only its SHA-256 hash does.
func (db *DB) CreateAppRegistration(ctx context.Context, app *domain.AppRegistration) error {
	caps := make([]string, len(app.Caps))
	for i, c := range app.Caps {
		caps[i] = string(c)
	}

	_, err := db.Pool.Exec(ctx, `
		INSERT INTO app_registrations (app_id, name, developer, api_key_hash, capabilities, rate_limit, is_active)
		VALUES ($1, $2, $3, $4, $5, $6, TRUE)
	`, app.AppID, SanitizeUTF8(app.Name), SanitizeUTF8(app.Developer), app.APIKeyHash, caps, app.RateLimit)
	if err != nil {
		return fmt.Errorf("create app registration: %w", err)
	}

	return nil
}

// GetAppByKeyHash resolves an API key hash to its registration. This is the
// hot auth path; results are cached in Redis by the caller.
func (db *DB) GetAppByKeyHash(ctx context.Context, keyHash string) (*domain.AppRegistration, error) {
	row := db.Pool.QueryRow(ctx,
		`SELECT `+appColumns+` FROM app_registrations WHERE api_key_hash = $1`, keyHash)

	app, err := scanApp(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("app by key hash: %w", perrors.ErrUnauthorized)
		}

		return nil, fmt.Errorf("get app by key hash: %w", err)
	}

	return app, nil
}

// GetApp returns one registration by app id.
func (db *DB) GetApp(ctx context.Context, appID string) (*domain.AppRegistration, error) {
	row := db.Pool.QueryRow(ctx,
		`SELECT `+appColumns+` FROM app_registrations WHERE app_id = $1`, appID)

	app, err := scanApp(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("get app %s: %w", appID, perrors.ErrNotFound)
		}

		return nil, fmt.Errorf("get app: %w", err)
	}

	return app, nil
}

// TouchAppLastActive bumps the app's last-active timestamp.
func (db *DB) TouchAppLastActive(ctx context.Context, appID string) error {
	if _, err := db.Pool.Exec(ctx,
		`UPDATE app_registrations SET last_active = now() WHERE app_id = $1`, appID); err != nil {
		return fmt.Errorf("touch app last active: %w", err)
	}

	return nil
}

// RotateAppKey replaces the stored key hash. The old key stops working as
// soon as the auth cache entry expires.
func (db *DB) RotateAppKey(ctx context.Context, appID, newKeyHash string) error {
	tag, err := db.Pool.Exec(ctx,
		`UPDATE app_registrations SET api_key_hash = $2 WHERE app_id = $1`, appID, newKeyHash)
	if err != nil {
		return fmt.Errorf("rotate app key: %w", err)
	}

	if tag.RowsAffected() == 0 {
		return fmt.Errorf("rotate app key %s: %w", appID, perrors.ErrNotFound)
	}

	return nil
}

// SetAppActive activates or deactivates an app.
func (db *DB) SetAppActive(ctx context.Context, appID string, active bool) error {
	tag, err := db.Pool.Exec(ctx,
		`UPDATE app_registrations SET is_active = $2 WHERE app_id = $1`, appID, active)
	if err != nil {
		return fmt.Errorf("set app active: %w", err)
	}

	if tag.RowsAffected() == 0 {
		return fmt.Errorf("set app active %s: %w", appID, perrors.ErrNotFound)
	}

	return nil
}

// ListApps returns all registrations, newest first.
func (db *DB) ListApps(ctx context.Context) ([]*domain.AppRegistration, error) {
	rows, err := db.Pool.Query(ctx,
		`SELECT `+appColumns+` FROM app_registrations ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list apps: %w", err)
	}

	defer rows.Close()

	var apps []*domain.AppRegistration

	for rows.Next() {
		app, err := scanApp(rows)
		if err != nil {
			return nil, fmt.Errorf("scan app: %w", err)
		}

		apps = append(apps, app)
	}

	return apps, rows.Err()
}

func scanApp(row rowScanner) (*domain.AppRegistration, error) {
	var (
		app  domain.AppRegistration
		caps []string
	)

	err := row.Scan(&app.AppID, &app.Name, &app.Developer, &app.APIKeyHash, &caps,
		&app.RateLimit, &app.IsActive, &app.CreatedAt, &app.LastActive)
	if err != nil {
		return nil, err
	}

	app.Caps = make([]domain.Capability, len(caps))
	for i, c := range caps {
		app.Caps[i] = domain.Capability(c)
	}

	return &app, nil
}
