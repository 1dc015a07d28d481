package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eventpix/facematch/internal/domain"
)

// IdentityRepository Tests

func TestIdentityRepository_Create(t *testing.T) {
	now := time.Now()

	tests := []struct {
		name      string
		identity  *domain.Identity
		mockSetup func(mock pgxmock.PgxPoolIface)
		wantErr   bool
	}{
		{
			name:     "successful creation",
			identity: &domain.Identity{Confidence: 0.9},
			mockSetup: func(mock pgxmock.PgxPoolIface) {
				rows := pgxmock.NewRows([]string{"last_seen_at", "created_at", "updated_at"}).
					AddRow(now, now, now)
				mock.ExpectQuery(`INSERT INTO identities`).
					WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), 0.9).
					WillReturnRows(rows)
			},
			wantErr: false,
		},
		{
			name:     "database error",
			identity: &domain.Identity{},
			mockSetup: func(mock pgxmock.PgxPoolIface) {
				mock.ExpectQuery(`INSERT INTO identities`).
					WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), 0.0).
					WillReturnError(errors.New("connection refused"))
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock, err := pgxmock.NewPool()
			require.NoError(t, err)
			defer mock.Close()

			tt.mockSetup(mock)

			repo := NewIdentityRepository(mock)
			err = repo.Create(context.Background(), tt.identity)

			if tt.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
				assert.NotEqual(t, uuid.Nil, tt.identity.ID, "ID should be generated")
				assert.Equal(t, now, tt.identity.CreatedAt)
			}

			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestIdentityRepository_GetByID(t *testing.T) {
	identityID := uuid.New()
	now := time.Now()

	tests := []struct {
		name      string
		mockSetup func(mock pgxmock.PgxPoolIface)
		wantErr   error
	}{
		{
			name: "successful retrieval",
			mockSetup: func(mock pgxmock.PgxPoolIface) {
				rows := pgxmock.NewRows([]string{
					"id", "name", "confidence", "last_seen_at", "created_at", "updated_at",
				}).AddRow(identityID, nil, 0.85, now, now, now)

				mock.ExpectQuery(`SELECT id, name, confidence, last_seen_at, created_at, updated_at FROM identities WHERE id = \$1`).
					WithArgs(identityID).
					WillReturnRows(rows)
			},
			wantErr: nil,
		},
		{
			name: "identity not found",
			mockSetup: func(mock pgxmock.PgxPoolIface) {
				mock.ExpectQuery(`SELECT id, name, confidence, last_seen_at, created_at, updated_at FROM identities WHERE id = \$1`).
					WithArgs(identityID).
					WillReturnError(pgx.ErrNoRows)
			},
			wantErr: domain.ErrIdentityNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock, err := pgxmock.NewPool()
			require.NoError(t, err)
			defer mock.Close()

			tt.mockSetup(mock)

			repo := NewIdentityRepository(mock)
			got, err := repo.GetByID(context.Background(), identityID)

			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				require.NoError(t, err)
				require.NotNil(t, got)
				assert.Equal(t, identityID, got.ID)
				assert.Equal(t, 0.85, got.Confidence)
			}

			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestIdentityRepository_Touch(t *testing.T) {
	identityID := uuid.New()

	t.Run("successful touch", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		mock.ExpectExec(`UPDATE identities SET last_seen_at = NOW\(\), confidence = \$2, updated_at = NOW\(\) WHERE id = \$1`).
			WithArgs(identityID, 0.92).
			WillReturnResult(pgxmock.NewResult("UPDATE", 1))

		repo := NewIdentityRepository(mock)
		require.NoError(t, repo.Touch(context.Background(), identityID, 0.92))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unknown identity", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		mock.ExpectExec(`UPDATE identities`).
			WithArgs(identityID, 0.92).
			WillReturnResult(pgxmock.NewResult("UPDATE", 0))

		repo := NewIdentityRepository(mock)
		err = repo.Touch(context.Background(), identityID, 0.92)
		assert.ErrorIs(t, err, domain.ErrIdentityNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestIdentityRepository_Delete(t *testing.T) {
	identityID := uuid.New()

	tests := []struct {
		name         string
		rowsAffected int64
		wantErr      error
	}{
		{"successful delete", 1, nil},
		{"identity not found", 0, domain.ErrIdentityNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock, err := pgxmock.NewPool()
			require.NoError(t, err)
			defer mock.Close()

			mock.ExpectExec(`DELETE FROM identities WHERE id = \$1`).
				WithArgs(identityID).
				WillReturnResult(pgxmock.NewResult("DELETE", tt.rowsAffected))

			repo := NewIdentityRepository(mock)
			err = repo.Delete(context.Background(), identityID)

			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				assert.NoError(t, err)
			}

			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestIdentityRepository_Count(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM identities`).
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(42))

	repo := NewIdentityRepository(mock)
	count, err := repo.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 42, count)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// EmbeddingRepository Tests

func testEmbedding(dim int, fill float64) []float64 {
	embedding := make([]float64, dim)
	for i := range embedding {
		embedding[i] = fill
	}
	return embedding
}

func TestEmbeddingRepository_Insert(t *testing.T) {
	identityID := uuid.New()
	now := time.Now()

	tests := []struct {
		name      string
		record    *domain.EmbeddingRecord
		mockSetup func(mock pgxmock.PgxPoolIface)
		wantErr   error
	}{
		{
			name: "successful insert",
			record: &domain.EmbeddingRecord{
				IdentityID:  identityID,
				Embedding:   testEmbedding(128, 0.1),
				Orientation: domain.OrientationCenter,
				Quality:     0.8,
				IsPrimary:   true,
			},
			mockSetup: func(mock pgxmock.PgxPoolIface) {
				rows := pgxmock.NewRows([]string{"created_at"}).AddRow(now)
				mock.ExpectQuery(`INSERT INTO face_embeddings`).
					WithArgs(pgxmock.AnyArg(), identityID, pgxmock.AnyArg(), domain.OrientationCenter, 0.8, true, pgxmock.AnyArg()).
					WillReturnRows(rows)
			},
			wantErr: nil,
		},
		{
			name: "duplicate primary rejected",
			record: &domain.EmbeddingRecord{
				IdentityID:  identityID,
				Embedding:   testEmbedding(128, 0.1),
				Orientation: domain.OrientationCenter,
				IsPrimary:   true,
			},
			mockSetup: func(mock pgxmock.PgxPoolIface) {
				mock.ExpectQuery(`INSERT INTO face_embeddings`).
					WithArgs(pgxmock.AnyArg(), identityID, pgxmock.AnyArg(), domain.OrientationCenter, 0.0, true, pgxmock.AnyArg()).
					WillReturnError(errors.New(`duplicate key value violates unique constraint "idx_face_embeddings_primary" (SQLSTATE 23505)`))
			},
			wantErr: domain.ErrEmbeddingRejected,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock, err := pgxmock.NewPool()
			require.NoError(t, err)
			defer mock.Close()

			tt.mockSetup(mock)

			repo := NewEmbeddingRepository(mock)
			err = repo.Insert(context.Background(), tt.record)

			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				require.NoError(t, err)
				assert.NotEqual(t, uuid.Nil, tt.record.ID)
				assert.Equal(t, now, tt.record.CreatedAt)
			}

			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func embeddingRows(records ...domain.EmbeddingRecord) *pgxmock.Rows {
	rows := pgxmock.NewRows([]string{
		"id", "identity_id", "embedding", "orientation", "quality", "is_primary", "detection_id", "created_at",
	})
	for _, r := range records {
		rows.AddRow(r.ID, r.IdentityID, toVector(r.Embedding), r.Orientation, r.Quality, r.IsPrimary, r.DetectionID, r.CreatedAt)
	}
	return rows
}

func TestEmbeddingRepository_ListByIdentity(t *testing.T) {
	identityID := uuid.New()
	now := time.Now()

	records := []domain.EmbeddingRecord{
		{
			ID:          uuid.New(),
			IdentityID:  identityID,
			Embedding:   testEmbedding(4, 0.5),
			Orientation: domain.OrientationCenter,
			Quality:     0.9,
			IsPrimary:   true,
			CreatedAt:   now,
		},
		{
			ID:          uuid.New(),
			IdentityID:  identityID,
			Embedding:   testEmbedding(4, 0.2),
			Orientation: domain.OrientationLeft,
			Quality:     0.6,
			CreatedAt:   now,
		},
	}

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery(`SELECT .+ FROM face_embeddings WHERE identity_id = \$1 ORDER BY is_primary DESC, quality DESC`).
		WithArgs(identityID).
		WillReturnRows(embeddingRows(records...))

	repo := NewEmbeddingRepository(mock)
	got, err := repo.ListByIdentity(context.Background(), identityID)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.True(t, got[0].IsPrimary)
	assert.Equal(t, []float64{0.5, 0.5, 0.5, 0.5}, got[0].Embedding)
	assert.Equal(t, domain.OrientationLeft, got[1].Orientation)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEmbeddingRepository_CountByIdentity(t *testing.T) {
	identityID := uuid.New()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM face_embeddings WHERE identity_id = \$1`).
		WithArgs(identityID).
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(5))

	repo := NewEmbeddingRepository(mock)
	count, err := repo.CountByIdentity(context.Background(), identityID)
	require.NoError(t, err)
	assert.Equal(t, 5, count)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEmbeddingRepository_LowestQuality(t *testing.T) {
	identityID := uuid.New()

	t.Run("returns weakest record", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		record := domain.EmbeddingRecord{
			ID:          uuid.New(),
			IdentityID:  identityID,
			Embedding:   testEmbedding(4, 0.3),
			Orientation: domain.OrientationRight,
			Quality:     0.4,
			CreatedAt:   time.Now(),
		}

		mock.ExpectQuery(`SELECT .+ FROM face_embeddings WHERE identity_id = \$1 ORDER BY quality ASC, created_at ASC LIMIT 1`).
			WithArgs(identityID).
			WillReturnRows(embeddingRows(record))

		repo := NewEmbeddingRepository(mock)
		got, err := repo.LowestQuality(context.Background(), identityID)
		require.NoError(t, err)
		assert.Equal(t, record.ID, got.ID)
		assert.Equal(t, 0.4, got.Quality)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("no embeddings", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		mock.ExpectQuery(`SELECT .+ FROM face_embeddings WHERE identity_id = \$1 ORDER BY quality ASC`).
			WithArgs(identityID).
			WillReturnError(pgx.ErrNoRows)

		repo := NewEmbeddingRepository(mock)
		_, err = repo.LowestQuality(context.Background(), identityID)
		assert.ErrorIs(t, err, domain.ErrEmbeddingNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestEmbeddingRepository_SetPrimary(t *testing.T) {
	identityID := uuid.New()
	embeddingID := uuid.New()

	// The partial unique index on (identity_id) WHERE is_primary is checked
	// per updated row, so the old flag must be cleared before the new one is
	// set, and both statements must share a transaction.
	t.Run("clears then sets inside one transaction", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		mock.ExpectBegin()
		mock.ExpectExec(`UPDATE face_embeddings SET is_primary = FALSE WHERE identity_id = \$1 AND is_primary`).
			WithArgs(identityID).
			WillReturnResult(pgxmock.NewResult("UPDATE", 1))
		mock.ExpectExec(`UPDATE face_embeddings SET is_primary = TRUE WHERE id = \$1 AND identity_id = \$2`).
			WithArgs(embeddingID, identityID).
			WillReturnResult(pgxmock.NewResult("UPDATE", 1))
		mock.ExpectCommit()

		repo := NewEmbeddingRepository(mock)
		require.NoError(t, repo.SetPrimary(context.Background(), identityID, embeddingID))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("no previous primary", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		mock.ExpectBegin()
		mock.ExpectExec(`UPDATE face_embeddings SET is_primary = FALSE`).
			WithArgs(identityID).
			WillReturnResult(pgxmock.NewResult("UPDATE", 0))
		mock.ExpectExec(`UPDATE face_embeddings SET is_primary = TRUE`).
			WithArgs(embeddingID, identityID).
			WillReturnResult(pgxmock.NewResult("UPDATE", 1))
		mock.ExpectCommit()

		repo := NewEmbeddingRepository(mock)
		require.NoError(t, repo.SetPrimary(context.Background(), identityID, embeddingID))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("no matching record rolls back", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		mock.ExpectBegin()
		mock.ExpectExec(`UPDATE face_embeddings SET is_primary = FALSE`).
			WithArgs(identityID).
			WillReturnResult(pgxmock.NewResult("UPDATE", 1))
		mock.ExpectExec(`UPDATE face_embeddings SET is_primary = TRUE`).
			WithArgs(embeddingID, identityID).
			WillReturnResult(pgxmock.NewResult("UPDATE", 0))
		mock.ExpectRollback()

		repo := NewEmbeddingRepository(mock)
		err = repo.SetPrimary(context.Background(), identityID, embeddingID)
		assert.ErrorIs(t, err, domain.ErrEmbeddingNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestEmbeddingRepository_SearchNearest(t *testing.T) {
	identityID := uuid.New()
	now := time.Now()
	query := testEmbedding(4, 0.1)

	t.Run("unfiltered search", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		rows := pgxmock.NewRows([]string{
			"id", "identity_id", "embedding", "orientation", "quality", "is_primary", "detection_id", "created_at", "distance",
		}).AddRow(uuid.New(), identityID, toVector(testEmbedding(4, 0.1)), domain.OrientationCenter, 0.9, true, nil, now, 0.05)

		mock.ExpectQuery(`SELECT .+, embedding <-> \$1 AS distance FROM face_embeddings ORDER BY distance LIMIT \$2`).
			WithArgs(pgxmock.AnyArg(), 10).
			WillReturnRows(rows)

		repo := NewEmbeddingRepository(mock)
		matches, err := repo.SearchNearest(context.Background(), query, nil, 10)
		require.NoError(t, err)
		require.Len(t, matches, 1)
		assert.Equal(t, identityID, matches[0].Record.IdentityID)
		assert.Equal(t, 0.05, matches[0].Distance)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("orientation filtered", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		orientation := domain.OrientationCenter
		rows := pgxmock.NewRows([]string{
			"id", "identity_id", "embedding", "orientation", "quality", "is_primary", "detection_id", "created_at", "distance",
		})

		mock.ExpectQuery(`SELECT .+ FROM face_embeddings WHERE orientation = \$2 ORDER BY distance LIMIT \$3`).
			WithArgs(pgxmock.AnyArg(), orientation, 1).
			WillReturnRows(rows)

		repo := NewEmbeddingRepository(mock)
		matches, err := repo.SearchNearest(context.Background(), query, &orientation, 1)
		require.NoError(t, err)
		assert.Empty(t, matches)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

// AssociationRepository Tests

func TestAssociationRepository_Upsert(t *testing.T) {
	identityID := uuid.New()
	photoID := uuid.New()
	now := time.Now()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	assocID := uuid.New()
	assoc := &domain.PhotoAssociation{
		ID:         assocID,
		IdentityID: identityID,
		PhotoID:    photoID,
		IsGroup:    true,
		FaceCount:  3,
		Confidence: 88.5,
	}

	rows := pgxmock.NewRows([]string{"id", "created_at"}).AddRow(assocID, now)
	mock.ExpectQuery(`INSERT INTO photo_associations .+ ON CONFLICT \(identity_id, photo_id\) DO UPDATE`).
		WithArgs(assocID, identityID, photoID, true, 3, 88.5, pgxmock.AnyArg()).
		WillReturnRows(rows)

	repo := NewAssociationRepository(mock)
	require.NoError(t, repo.Upsert(context.Background(), assoc))
	assert.Equal(t, now, assoc.CreatedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAssociationRepository_ListByPhoto(t *testing.T) {
	photoID := uuid.New()
	now := time.Now()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	rows := pgxmock.NewRows([]string{
		"id", "identity_id", "photo_id", "is_group", "face_count", "confidence", "detection_id", "created_at",
	}).
		AddRow(uuid.New(), uuid.New(), photoID, false, 1, 95.0, nil, now).
		AddRow(uuid.New(), uuid.New(), photoID, false, 1, 80.0, nil, now)

	mock.ExpectQuery(`SELECT .+ FROM photo_associations WHERE photo_id = \$1 ORDER BY confidence DESC`).
		WithArgs(photoID).
		WillReturnRows(rows)

	repo := NewAssociationRepository(mock)
	got, err := repo.ListByPhoto(context.Background(), photoID)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, 95.0, got[0].Confidence)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// DetectionRepository Tests

func TestDetectionRepository_Create(t *testing.T) {
	photoID := uuid.New()
	now := time.Now()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	detection := &domain.Detection{
		PhotoID:     photoID,
		Box:         domain.BoundingBox{X: 10, Y: 20, Width: 100, Height: 120},
		Orientation: domain.OrientationAngleLeft,
		Quality:     0.7,
		Method:      "rekognition",
		Confidence:  0.97,
	}

	rows := pgxmock.NewRows([]string{"created_at"}).AddRow(now)
	mock.ExpectQuery(`INSERT INTO face_detections`).
		WithArgs(pgxmock.AnyArg(), photoID, pgxmock.AnyArg(), detection.Box, domain.OrientationAngleLeft, 0.7, "rekognition", 0.97).
		WillReturnRows(rows)

	repo := NewDetectionRepository(mock)
	require.NoError(t, repo.Create(context.Background(), detection))
	assert.NotEqual(t, uuid.Nil, detection.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDetectionRepository_AssignIdentity(t *testing.T) {
	detectionID := uuid.New()
	identityID := uuid.New()

	tests := []struct {
		name         string
		rowsAffected int64
		wantErr      error
	}{
		{"successful assignment", 1, nil},
		{"detection missing", 0, domain.ErrNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock, err := pgxmock.NewPool()
			require.NoError(t, err)
			defer mock.Close()

			mock.ExpectExec(`UPDATE face_detections SET identity_id = \$2 WHERE id = \$1`).
				WithArgs(detectionID, identityID).
				WillReturnResult(pgxmock.NewResult("UPDATE", tt.rowsAffected))

			repo := NewDetectionRepository(mock)
			err = repo.AssignIdentity(context.Background(), detectionID, identityID)

			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				assert.NoError(t, err)
			}

			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

// helpers

func TestIsUniqueViolation(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil error", nil, false},
		{"sqlstate code", errors.New("ERROR: duplicate key value (SQLSTATE 23505)"), true},
		{"unique wording", errors.New("violates UNIQUE constraint"), true},
		{"unrelated error", errors.New("connection reset"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isUniqueViolation(tt.err))
		})
	}
}

func TestVectorRoundTrip(t *testing.T) {
	embedding := []float64{0.25, -0.5, 1.0}
	vec := toVector(embedding)
	assert.Equal(t, embedding, fromVector(vec))
}
