package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"

	"github.com/eventpix/facematch/internal/domain"
)

const embeddingColumns = `id, identity_id, embedding, orientation, quality, is_primary, detection_id, created_at`

type EmbeddingRepository struct {
	pool PgxPool
}

func NewEmbeddingRepository(pool PgxPool) *EmbeddingRepository {
	return &EmbeddingRepository{pool: pool}
}

func (r *EmbeddingRepository) Insert(ctx context.Context, record *domain.EmbeddingRecord) error {
	query := `
		INSERT INTO face_embeddings (id, identity_id, embedding, orientation, quality, is_primary, detection_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
		RETURNING created_at
	`

	if record.ID == uuid.Nil {
		record.ID = uuid.New()
	}

	err := r.pool.QueryRow(ctx, query,
		record.ID,
		record.IdentityID,
		toVector(record.Embedding),
		record.Orientation,
		record.Quality,
		record.IsPrimary,
		record.DetectionID,
	).Scan(&record.CreatedAt)

	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrEmbeddingRejected.WithError(err)
		}
		return fmt.Errorf("insert embedding: %w", err)
	}

	return nil
}

func (r *EmbeddingRepository) ListByIdentity(ctx context.Context, identityID uuid.UUID) ([]domain.EmbeddingRecord, error) {
	query := `
		SELECT ` + embeddingColumns + `
		FROM face_embeddings
		WHERE identity_id = $1
		ORDER BY is_primary DESC, quality DESC
	`

	rows, err := r.pool.Query(ctx, query, identityID)
	if err != nil {
		return nil, fmt.Errorf("list embeddings: %w", err)
	}
	defer rows.Close()

	return scanEmbeddings(rows)
}

func (r *EmbeddingRepository) ListByOrientation(ctx context.Context, identityID uuid.UUID, orientation domain.Orientation) ([]domain.EmbeddingRecord, error) {
	query := `
		SELECT ` + embeddingColumns + `
		FROM face_embeddings
		WHERE identity_id = $1 AND orientation = $2
		ORDER BY quality DESC
	`

	rows, err := r.pool.Query(ctx, query, identityID, orientation)
	if err != nil {
		return nil, fmt.Errorf("list embeddings by orientation: %w", err)
	}
	defer rows.Close()

	return scanEmbeddings(rows)
}

func (r *EmbeddingRepository) ListAll(ctx context.Context) ([]domain.EmbeddingRecord, error) {
	query := `
		SELECT ` + embeddingColumns + `
		FROM face_embeddings
		ORDER BY identity_id, is_primary DESC, quality DESC
	`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list all embeddings: %w", err)
	}
	defer rows.Close()

	return scanEmbeddings(rows)
}

func (r *EmbeddingRepository) CountByIdentity(ctx context.Context, identityID uuid.UUID) (int, error) {
	query := `
		SELECT COUNT(*) FROM face_embeddings WHERE identity_id = $1
	`

	var count int
	if err := r.pool.QueryRow(ctx, query, identityID).Scan(&count); err != nil {
		return 0, fmt.Errorf("count embeddings: %w", err)
	}

	return count, nil
}

// LowestQuality returns the weakest stored record for an identity, the
// replacement candidate when the identity is at capacity.
func (r *EmbeddingRepository) LowestQuality(ctx context.Context, identityID uuid.UUID) (*domain.EmbeddingRecord, error) {
	query := `
		SELECT ` + embeddingColumns + `
		FROM face_embeddings
		WHERE identity_id = $1
		ORDER BY quality ASC, created_at ASC
		LIMIT 1
	`

	record, err := r.scanOne(ctx, query, identityID)
	if err != nil {
		return nil, fmt.Errorf("lowest quality embedding: %w", err)
	}

	return record, nil
}

func (r *EmbeddingRepository) GetPrimary(ctx context.Context, identityID uuid.UUID) (*domain.EmbeddingRecord, error) {
	query := `
		SELECT ` + embeddingColumns + `
		FROM face_embeddings
		WHERE identity_id = $1 AND is_primary
		LIMIT 1
	`

	record, err := r.scanOne(ctx, query, identityID)
	if err != nil {
		return nil, fmt.Errorf("get primary embedding: %w", err)
	}

	return record, nil
}

// SetPrimary marks one record as primary for the identity. The flag is
// cleared and re-set in two statements inside one transaction: the partial
// unique index on (identity_id) WHERE is_primary is checked per row, so a
// single UPDATE that flips both rows can trip it depending on row order.
func (r *EmbeddingRepository) SetPrimary(ctx context.Context, identityID, embeddingID uuid.UUID) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("set primary embedding: %w", err)
	}
	defer tx.Rollback(ctx)

	clear := `
		UPDATE face_embeddings
		SET is_primary = FALSE
		WHERE identity_id = $1 AND is_primary
	`
	if _, err := tx.Exec(ctx, clear, identityID); err != nil {
		return fmt.Errorf("set primary embedding: clear: %w", err)
	}

	set := `
		UPDATE face_embeddings
		SET is_primary = TRUE
		WHERE id = $1 AND identity_id = $2
	`
	result, err := tx.Exec(ctx, set, embeddingID, identityID)
	if err != nil {
		return fmt.Errorf("set primary embedding: %w", err)
	}
	if result.RowsAffected() == 0 {
		return domain.ErrEmbeddingNotFound
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("set primary embedding: %w", err)
	}

	return nil
}

func (r *EmbeddingRepository) Delete(ctx context.Context, id uuid.UUID) error {
	query := `
		DELETE FROM face_embeddings
		WHERE id = $1
	`

	result, err := r.pool.Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("delete embedding: %w", err)
	}

	if result.RowsAffected() == 0 {
		return domain.ErrEmbeddingNotFound
	}

	return nil
}

// SearchNearest runs an L2 nearest-neighbour query over the stored
// population, optionally restricted to one orientation bucket.
func (r *EmbeddingRepository) SearchNearest(ctx context.Context, embedding []float64, orientation *domain.Orientation, limit int) ([]EmbeddingMatch, error) {
	query := `
		SELECT ` + embeddingColumns + `, embedding <-> $1 AS distance
		FROM face_embeddings
		ORDER BY distance
		LIMIT $2
	`
	args := []any{toVector(embedding), limit}

	if orientation != nil {
		query = `
		SELECT ` + embeddingColumns + `, embedding <-> $1 AS distance
		FROM face_embeddings
		WHERE orientation = $2
		ORDER BY distance
		LIMIT $3
	`
		args = []any{toVector(embedding), *orientation, limit}
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("search nearest embeddings: %w", err)
	}
	defer rows.Close()

	var matches []EmbeddingMatch
	for rows.Next() {
		var match EmbeddingMatch
		var vec pgvector.Vector
		if err := rows.Scan(
			&match.Record.ID,
			&match.Record.IdentityID,
			&vec,
			&match.Record.Orientation,
			&match.Record.Quality,
			&match.Record.IsPrimary,
			&match.Record.DetectionID,
			&match.Record.CreatedAt,
			&match.Distance,
		); err != nil {
			return nil, fmt.Errorf("scan embedding match: %w", err)
		}
		match.Record.Embedding = fromVector(vec)
		matches = append(matches, match)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("search nearest embeddings: %w", err)
	}

	return matches, nil
}

func (r *EmbeddingRepository) scanOne(ctx context.Context, query string, args ...any) (*domain.EmbeddingRecord, error) {
	var record domain.EmbeddingRecord
	var vec pgvector.Vector

	err := r.pool.QueryRow(ctx, query, args...).Scan(
		&record.ID,
		&record.IdentityID,
		&vec,
		&record.Orientation,
		&record.Quality,
		&record.IsPrimary,
		&record.DetectionID,
		&record.CreatedAt,
	)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrEmbeddingNotFound
	}
	if err != nil {
		return nil, err
	}

	record.Embedding = fromVector(vec)
	return &record, nil
}

func scanEmbeddings(rows pgx.Rows) ([]domain.EmbeddingRecord, error) {
	var records []domain.EmbeddingRecord
	for rows.Next() {
		var record domain.EmbeddingRecord
		var vec pgvector.Vector
		if err := rows.Scan(
			&record.ID,
			&record.IdentityID,
			&vec,
			&record.Orientation,
			&record.Quality,
			&record.IsPrimary,
			&record.DetectionID,
			&record.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan embedding: %w", err)
		}
		record.Embedding = fromVector(vec)
		records = append(records, record)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate embeddings: %w", err)
	}

	return records, nil
}

var _ EmbeddingRepositoryInterface = (*EmbeddingRepository)(nil)
