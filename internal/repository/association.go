package repository

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/eventpix/facematch/internal/domain"
)

type AssociationRepository struct {
	pool PgxPool
}

func NewAssociationRepository(pool PgxPool) *AssociationRepository {
	return &AssociationRepository{pool: pool}
}

// Upsert records an identity-photo link. Seeing the same identity in the
// same photo again refreshes confidence and grouping instead of failing
// on the unique constraint.
func (r *AssociationRepository) Upsert(ctx context.Context, assoc *domain.PhotoAssociation) error {
	query := `
		INSERT INTO photo_associations (id, identity_id, photo_id, is_group, face_count, confidence, detection_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
		ON CONFLICT (identity_id, photo_id) DO UPDATE
		SET is_group = EXCLUDED.is_group,
		    face_count = EXCLUDED.face_count,
		    confidence = EXCLUDED.confidence,
		    detection_id = EXCLUDED.detection_id
		RETURNING id, created_at
	`

	if assoc.ID == uuid.Nil {
		assoc.ID = uuid.New()
	}

	err := r.pool.QueryRow(ctx, query,
		assoc.ID,
		assoc.IdentityID,
		assoc.PhotoID,
		assoc.IsGroup,
		assoc.FaceCount,
		assoc.Confidence,
		assoc.DetectionID,
	).Scan(&assoc.ID, &assoc.CreatedAt)

	if err != nil {
		return fmt.Errorf("upsert association: %w", err)
	}

	return nil
}

func (r *AssociationRepository) ListByIdentity(ctx context.Context, identityID uuid.UUID) ([]domain.PhotoAssociation, error) {
	query := `
		SELECT id, identity_id, photo_id, is_group, face_count, confidence, detection_id, created_at
		FROM photo_associations
		WHERE identity_id = $1
		ORDER BY created_at DESC
	`

	rows, err := r.pool.Query(ctx, query, identityID)
	if err != nil {
		return nil, fmt.Errorf("list associations by identity: %w", err)
	}
	defer rows.Close()

	return scanAssociations(rows)
}

func (r *AssociationRepository) ListByPhoto(ctx context.Context, photoID uuid.UUID) ([]domain.PhotoAssociation, error) {
	query := `
		SELECT id, identity_id, photo_id, is_group, face_count, confidence, detection_id, created_at
		FROM photo_associations
		WHERE photo_id = $1
		ORDER BY confidence DESC
	`

	rows, err := r.pool.Query(ctx, query, photoID)
	if err != nil {
		return nil, fmt.Errorf("list associations by photo: %w", err)
	}
	defer rows.Close()

	return scanAssociations(rows)
}

func (r *AssociationRepository) DeleteByPhoto(ctx context.Context, photoID uuid.UUID) error {
	query := `
		DELETE FROM photo_associations
		WHERE photo_id = $1
	`

	if _, err := r.pool.Exec(ctx, query, photoID); err != nil {
		return fmt.Errorf("delete associations by photo: %w", err)
	}

	return nil
}

func scanAssociations(rows pgx.Rows) ([]domain.PhotoAssociation, error) {
	var assocs []domain.PhotoAssociation
	for rows.Next() {
		var assoc domain.PhotoAssociation
		if err := rows.Scan(
			&assoc.ID,
			&assoc.IdentityID,
			&assoc.PhotoID,
			&assoc.IsGroup,
			&assoc.FaceCount,
			&assoc.Confidence,
			&assoc.DetectionID,
			&assoc.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan association: %w", err)
		}
		assocs = append(assocs, assoc)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate associations: %w", err)
	}

	return assocs, nil
}

var _ AssociationRepositoryInterface = (*AssociationRepository)(nil)
