package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/eventpix/facematch/internal/domain"
)

type IdentityRepository struct {
	pool PgxPool
}

func NewIdentityRepository(pool PgxPool) *IdentityRepository {
	return &IdentityRepository{pool: pool}
}

func (r *IdentityRepository) Create(ctx context.Context, identity *domain.Identity) error {
	query := `
		INSERT INTO identities (id, name, confidence, last_seen_at, created_at, updated_at)
		VALUES ($1, $2, $3, NOW(), NOW(), NOW())
		RETURNING last_seen_at, created_at, updated_at
	`

	if identity.ID == uuid.Nil {
		identity.ID = uuid.New()
	}

	err := r.pool.QueryRow(ctx, query,
		identity.ID,
		identity.Name,
		identity.Confidence,
	).Scan(&identity.LastSeenAt, &identity.CreatedAt, &identity.UpdatedAt)

	if err != nil {
		return fmt.Errorf("create identity: %w", err)
	}

	return nil
}

func (r *IdentityRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.Identity, error) {
	query := `
		SELECT id, name, confidence, last_seen_at, created_at, updated_at
		FROM identities
		WHERE id = $1
	`

	var identity domain.Identity
	err := r.pool.QueryRow(ctx, query, id).Scan(
		&identity.ID,
		&identity.Name,
		&identity.Confidence,
		&identity.LastSeenAt,
		&identity.CreatedAt,
		&identity.UpdatedAt,
	)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrIdentityNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get identity: %w", err)
	}

	return &identity, nil
}

func (r *IdentityRepository) List(ctx context.Context) ([]domain.Identity, error) {
	query := `
		SELECT id, name, confidence, last_seen_at, created_at, updated_at
		FROM identities
		ORDER BY created_at
	`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list identities: %w", err)
	}
	defer rows.Close()

	var identities []domain.Identity
	for rows.Next() {
		var identity domain.Identity
		if err := rows.Scan(
			&identity.ID,
			&identity.Name,
			&identity.Confidence,
			&identity.LastSeenAt,
			&identity.CreatedAt,
			&identity.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan identity: %w", err)
		}
		identities = append(identities, identity)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list identities: %w", err)
	}

	return identities, nil
}

// Touch updates last-seen and the rolling confidence after a match.
func (r *IdentityRepository) Touch(ctx context.Context, id uuid.UUID, confidence float64) error {
	query := `
		UPDATE identities
		SET last_seen_at = NOW(), confidence = $2, updated_at = NOW()
		WHERE id = $1
	`

	result, err := r.pool.Exec(ctx, query, id, confidence)
	if err != nil {
		return fmt.Errorf("touch identity: %w", err)
	}

	if result.RowsAffected() == 0 {
		return domain.ErrIdentityNotFound
	}

	return nil
}

func (r *IdentityRepository) SetName(ctx context.Context, id uuid.UUID, name string) error {
	query := `
		UPDATE identities
		SET name = $2, updated_at = NOW()
		WHERE id = $1
	`

	result, err := r.pool.Exec(ctx, query, id, name)
	if err != nil {
		return fmt.Errorf("set identity name: %w", err)
	}

	if result.RowsAffected() == 0 {
		return domain.ErrIdentityNotFound
	}

	return nil
}

// Delete removes the identity. Embeddings and associations cascade.
func (r *IdentityRepository) Delete(ctx context.Context, id uuid.UUID) error {
	query := `
		DELETE FROM identities
		WHERE id = $1
	`

	result, err := r.pool.Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("delete identity: %w", err)
	}

	if result.RowsAffected() == 0 {
		return domain.ErrIdentityNotFound
	}

	return nil
}

func (r *IdentityRepository) Count(ctx context.Context) (int, error) {
	query := `
		SELECT COUNT(*) FROM identities
	`

	var count int
	if err := r.pool.QueryRow(ctx, query).Scan(&count); err != nil {
		return 0, fmt.Errorf("count identities: %w", err)
	}

	return count, nil
}

var _ IdentityRepositoryInterface = (*IdentityRepository)(nil)
