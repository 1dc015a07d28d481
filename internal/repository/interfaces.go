package repository

import (
	"context"

	"github.com/google/uuid"

	"github.com/eventpix/facematch/internal/domain"
)

// IdentityRepositoryInterface defines operations for identity data access
type IdentityRepositoryInterface interface {
	Create(ctx context.Context, identity *domain.Identity) error
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Identity, error)
	List(ctx context.Context) ([]domain.Identity, error)
	Touch(ctx context.Context, id uuid.UUID, confidence float64) error
	SetName(ctx context.Context, id uuid.UUID, name string) error
	Delete(ctx context.Context, id uuid.UUID) error
	Count(ctx context.Context) (int, error)
}

// EmbeddingRepositoryInterface defines operations for embedding data access
type EmbeddingRepositoryInterface interface {
	Insert(ctx context.Context, record *domain.EmbeddingRecord) error
	ListByIdentity(ctx context.Context, identityID uuid.UUID) ([]domain.EmbeddingRecord, error)
	ListByOrientation(ctx context.Context, identityID uuid.UUID, orientation domain.Orientation) ([]domain.EmbeddingRecord, error)
	ListAll(ctx context.Context) ([]domain.EmbeddingRecord, error)
	CountByIdentity(ctx context.Context, identityID uuid.UUID) (int, error)
	LowestQuality(ctx context.Context, identityID uuid.UUID) (*domain.EmbeddingRecord, error)
	GetPrimary(ctx context.Context, identityID uuid.UUID) (*domain.EmbeddingRecord, error)
	SetPrimary(ctx context.Context, identityID, embeddingID uuid.UUID) error
	Delete(ctx context.Context, id uuid.UUID) error
	SearchNearest(ctx context.Context, embedding []float64, orientation *domain.Orientation, limit int) ([]EmbeddingMatch, error)
}

// AssociationRepositoryInterface defines operations for photo associations
type AssociationRepositoryInterface interface {
	Upsert(ctx context.Context, assoc *domain.PhotoAssociation) error
	ListByIdentity(ctx context.Context, identityID uuid.UUID) ([]domain.PhotoAssociation, error)
	ListByPhoto(ctx context.Context, photoID uuid.UUID) ([]domain.PhotoAssociation, error)
	DeleteByPhoto(ctx context.Context, photoID uuid.UUID) error
}

// DetectionRepositoryInterface defines operations for face detections
type DetectionRepositoryInterface interface {
	Create(ctx context.Context, detection *domain.Detection) error
	ListByPhoto(ctx context.Context, photoID uuid.UUID) ([]domain.Detection, error)
	ListUnassigned(ctx context.Context) ([]domain.Detection, error)
	AssignIdentity(ctx context.Context, id, identityID uuid.UUID) error
}

// EmbeddingMatch pairs a stored record with its distance to a query vector
type EmbeddingMatch struct {
	Record   domain.EmbeddingRecord
	Distance float64
}
