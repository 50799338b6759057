// Package db is the warm tier: pgxpool access to PostgreSQL with one file
// per persisted concern (observations, embeddings, profiles, components,
// events, apps, privacy, usage, audit, journal, dead letter). Queries are
// hand-written SQL with pgtype conversions; schema changes ship as goose
// migrations embedded in the binary.
package db

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/rs/zerolog"

	"github.com/perceptlab/percept/migrations"
)

// DB wraps the connection pool. All repository methods hang off it.
type DB struct {
	Pool   *pgxpool.Pool
	Logger *zerolog.Logger
}

// New parses dsn, tunes the pool for a single service instance, and
// connects, retrying while the database comes up (container starts race
// the service otherwise).
func New(ctx context.Context, dsn string, logger *zerolog.Logger) (*DB, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse db config: %w", err)
	}

	poolCfg.MaxConns = poolMaxConns
	poolCfg.MinConns = poolMinConns
	poolCfg.MaxConnIdleTime = poolMaxIdleTime
	poolCfg.MaxConnLifetime = poolMaxLifetime
	poolCfg.HealthCheckPeriod = poolHealthInterval

	var lastErr error

	for attempt := 1; attempt <= connectAttempts; attempt++ {
		var pool *pgxpool.Pool

		pool, lastErr = pgxpool.NewWithConfig(ctx, poolCfg)
		if lastErr == nil {
			if lastErr = pool.Ping(ctx); lastErr == nil {
				return &DB{Pool: pool, Logger: logger}, nil
			}

			pool.Close()
		}

		logger.Warn().Err(lastErr).Int("attempt", attempt).Msg("database not ready")
		time.Sleep(connectRetryDelay)
	}

	return nil, fmt.Errorf("connect to database: %w", lastErr)
}

// Close releases the pool.
func (db *DB) Close() {
	db.Pool.Close()
}

// Ping reports whether the database is reachable; the readiness check uses it.
func (db *DB) Ping(ctx context.Context) error {
	return db.Pool.Ping(ctx)
}

// Migrate applies pending goose migrations under an advisory lock, so
// concurrently starting replicas serialize instead of racing DDL.
func (db *DB) Migrate(ctx context.Context) error {
	conn, err := db.Pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "SELECT pg_advisory_lock($1)", LockIDMigration); err != nil {
		return fmt.Errorf("acquire advisory lock: %w", err)
	}

	defer func() {
		// The lock also falls away with the connection.
		_, _ = conn.Exec(ctx, "SELECT pg_advisory_unlock($1)", LockIDMigration)
	}()

	// goose wants database/sql; open a second connection off the pool config.
	plainDB := stdlib.OpenDB(*db.Pool.Config().ConnConfig)

	defer func() {
		_ = plainDB.Close()
	}()

	goose.SetBaseFS(migrations.FS)
	goose.SetLogger(migrationLog{db.Logger})

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set goose dialect: %w", err)
	}

	if err := goose.Up(plainDB, "."); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

// migrationLog routes goose output into zerolog.
type migrationLog struct {
	z *zerolog.Logger
}

func (m migrationLog) Fatalf(format string, v ...interface{}) { m.z.Fatal().Msgf(format, v...) }
func (m migrationLog) Printf(format string, v ...interface{}) { m.z.Info().Msgf(format, v...) }

// pgtype conversion helpers shared by the repository files.

// toUUID maps an ID string to a pgtype value; unparsable IDs become NULL
// so the insert fails on the NOT NULL constraint rather than a parse panic.
func toUUID(id string) pgtype.UUID {
	parsed, err := uuid.Parse(id)

	return pgtype.UUID{Bytes: parsed, Valid: err == nil}
}

func fromUUID(uid pgtype.UUID) string {
	if !uid.Valid {
		return ""
	}

	return uuid.UUID(uid.Bytes).String()
}

func toText(s string) pgtype.Text {
	return pgtype.Text{String: SanitizeUTF8(s), Valid: true}
}

// SanitizeUTF8 strips invalid byte sequences; Postgres rejects them and
// client apps do send broken text.
func SanitizeUTF8(s string) string {
	if s == "" || utf8.ValidString(s) {
		return s
	}

	return strings.ToValidUTF8(s, "")
}

// sanitizeAll sanitizes a slice, mapping nil to an empty slice so array
// columns never see NULL.
func sanitizeAll(ss []string) []string {
	out := make([]string, 0, len(ss))
	for _, s := range ss {
		out = append(out, SanitizeUTF8(s))
	}

	return out
}

func toTimestamptz(t time.Time) pgtype.Timestamptz {
	return pgtype.Timestamptz{Time: t, Valid: !t.IsZero()}
}

func toTimestamptzPtr(t *time.Time) pgtype.Timestamptz {
	if t == nil {
		return pgtype.Timestamptz{Valid: false}
	}

	return toTimestamptz(*t)
}

func fromTimestamptz(t pgtype.Timestamptz) time.Time {
	if !t.Valid {
		return time.Time{}
	}

	return t.Time
}

// safeIntToInt32 clamps instead of truncating on overflow.
func safeIntToInt32(i int) int32 {
	switch {
	case i > math.MaxInt32:
		return math.MaxInt32
	case i < math.MinInt32:
		return math.MinInt32
	default:
		return int32(i)
	}
}
