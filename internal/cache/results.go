// Package cache persists processed-photo results in PostgreSQL so a
// photo submitted twice is not re-run through detection and resolution.
package cache

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrResultMiss is returned when no result is cached for a photo
	ErrResultMiss = errors.New("result cache miss")
	// ErrResultExpired is returned when the cached result has expired
	ErrResultExpired = errors.New("result cache expired")
)

// DB is the subset of *pgxpool.Pool the cache uses. pgxmock implements
// it, which keeps the SQL layer testable.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// ResultCache stores serialized photo processing results keyed by photo
// ID, with a TTL. Expired rows are dropped lazily on read and in bulk by
// CleanupExpired.
type ResultCache struct {
	db DB
}

func New(db *pgxpool.Pool) *ResultCache {
	return &ResultCache{db: db}
}

// NewWithDB wires a custom DB implementation. Used in tests.
func NewWithDB(db DB) *ResultCache {
	return &ResultCache{db: db}
}

// Get returns the cached result payload for a photo.
func (c *ResultCache) Get(ctx context.Context, photoID uuid.UUID) ([]byte, error) {
	query := `
		SELECT result, expires_at
		FROM photo_results
		WHERE photo_id = $1
	`

	var result []byte
	var expiresAt time.Time

	err := c.db.QueryRow(ctx, query, photoID).Scan(&result, &expiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrResultMiss
		}
		return nil, err
	}

	if time.Now().After(expiresAt) {
		_ = c.Forget(ctx, photoID)
		return nil, ErrResultExpired
	}

	return result, nil
}

// Put stores a result payload for a photo, replacing any previous one.
func (c *ResultCache) Put(ctx context.Context, photoID uuid.UUID, result []byte, ttl time.Duration) error {
	query := `
		INSERT INTO photo_results (photo_id, result, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (photo_id) DO UPDATE
		SET result = EXCLUDED.result,
		    expires_at = EXCLUDED.expires_at,
		    created_at = NOW()
	`

	_, err := c.db.Exec(ctx, query, photoID, result, time.Now().Add(ttl))
	return err
}

// Forget removes the cached result for a photo. Call it when stored
// associations change so the next submission reprocesses the photo.
func (c *ResultCache) Forget(ctx context.Context, photoID uuid.UUID) error {
	query := `DELETE FROM photo_results WHERE photo_id = $1`
	_, err := c.db.Exec(ctx, query, photoID)
	return err
}

// CleanupExpired removes all expired results and reports how many rows
// were dropped.
func (c *ResultCache) CleanupExpired(ctx context.Context) (int64, error) {
	query := `DELETE FROM photo_results WHERE expires_at < NOW()`
	tag, err := c.db.Exec(ctx, query)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
