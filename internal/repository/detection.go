package repository

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/eventpix/facematch/internal/domain"
)

type DetectionRepository struct {
	pool PgxPool
}

func NewDetectionRepository(pool PgxPool) *DetectionRepository {
	return &DetectionRepository{pool: pool}
}

func (r *DetectionRepository) Create(ctx context.Context, detection *domain.Detection) error {
	query := `
		INSERT INTO face_detections (id, photo_id, identity_id, box, orientation, quality, method, confidence, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
		RETURNING created_at
	`

	if detection.ID == uuid.Nil {
		detection.ID = uuid.New()
	}

	err := r.pool.QueryRow(ctx, query,
		detection.ID,
		detection.PhotoID,
		detection.IdentityID,
		detection.Box,
		detection.Orientation,
		detection.Quality,
		detection.Method,
		detection.Confidence,
	).Scan(&detection.CreatedAt)

	if err != nil {
		return fmt.Errorf("create detection: %w", err)
	}

	return nil
}

func (r *DetectionRepository) ListByPhoto(ctx context.Context, photoID uuid.UUID) ([]domain.Detection, error) {
	query := `
		SELECT id, photo_id, identity_id, box, orientation, quality, method, confidence, created_at
		FROM face_detections
		WHERE photo_id = $1
		ORDER BY created_at
	`

	rows, err := r.pool.Query(ctx, query, photoID)
	if err != nil {
		return nil, fmt.Errorf("list detections by photo: %w", err)
	}
	defer rows.Close()

	return scanDetections(rows)
}

// ListUnassigned returns detections that never resolved to an identity.
// These feed later re-matching passes once more embeddings accumulate.
func (r *DetectionRepository) ListUnassigned(ctx context.Context) ([]domain.Detection, error) {
	query := `
		SELECT id, photo_id, identity_id, box, orientation, quality, method, confidence, created_at
		FROM face_detections
		WHERE identity_id IS NULL
		ORDER BY created_at
	`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list unassigned detections: %w", err)
	}
	defer rows.Close()

	return scanDetections(rows)
}

func (r *DetectionRepository) AssignIdentity(ctx context.Context, id, identityID uuid.UUID) error {
	query := `
		UPDATE face_detections
		SET identity_id = $2
		WHERE id = $1
	`

	result, err := r.pool.Exec(ctx, query, id, identityID)
	if err != nil {
		return fmt.Errorf("assign detection identity: %w", err)
	}

	if result.RowsAffected() == 0 {
		return domain.ErrNotFound
	}

	return nil
}

func scanDetections(rows pgx.Rows) ([]domain.Detection, error) {
	var detections []domain.Detection
	for rows.Next() {
		var detection domain.Detection
		if err := rows.Scan(
			&detection.ID,
			&detection.PhotoID,
			&detection.IdentityID,
			&detection.Box,
			&detection.Orientation,
			&detection.Quality,
			&detection.Method,
			&detection.Confidence,
			&detection.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan detection: %w", err)
		}
		detections = append(detections, detection)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate detections: %w", err)
	}

	return detections, nil
}

var _ DetectionRepositoryInterface = (*DetectionRepository)(nil)
