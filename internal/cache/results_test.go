package cache

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockCache(t *testing.T) (*ResultCache, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return NewWithDB(mock), mock
}

func TestResultCache_Get(t *testing.T) {
	photoID := uuid.New()
	payload := []byte(`{"face_count":2}`)

	t.Run("hit", func(t *testing.T) {
		cache, mock := newMockCache(t)

		rows := pgxmock.NewRows([]string{"result", "expires_at"}).
			AddRow(payload, time.Now().Add(time.Hour))
		mock.ExpectQuery(`SELECT result, expires_at`).
			WithArgs(photoID).
			WillReturnRows(rows)

		got, err := cache.Get(context.Background(), photoID)
		require.NoError(t, err)
		assert.Equal(t, payload, got)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("miss", func(t *testing.T) {
		cache, mock := newMockCache(t)

		mock.ExpectQuery(`SELECT result, expires_at`).
			WithArgs(photoID).
			WillReturnError(pgx.ErrNoRows)

		_, err := cache.Get(context.Background(), photoID)
		assert.ErrorIs(t, err, ErrResultMiss)
	})

	t.Run("expired row is dropped", func(t *testing.T) {
		cache, mock := newMockCache(t)

		rows := pgxmock.NewRows([]string{"result", "expires_at"}).
			AddRow(payload, time.Now().Add(-time.Minute))
		mock.ExpectQuery(`SELECT result, expires_at`).
			WithArgs(photoID).
			WillReturnRows(rows)
		mock.ExpectExec(`DELETE FROM photo_results`).
			WithArgs(photoID).
			WillReturnResult(pgxmock.NewResult("DELETE", 1))

		_, err := cache.Get(context.Background(), photoID)
		assert.ErrorIs(t, err, ErrResultExpired)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestResultCache_Put(t *testing.T) {
	cache, mock := newMockCache(t)
	photoID := uuid.New()
	payload := []byte(`{"face_count":1}`)

	mock.ExpectExec(`INSERT INTO photo_results`).
		WithArgs(photoID, payload, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := cache.Put(context.Background(), photoID, payload, time.Hour)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestResultCache_Forget(t *testing.T) {
	cache, mock := newMockCache(t)
	photoID := uuid.New()

	mock.ExpectExec(`DELETE FROM photo_results`).
		WithArgs(photoID).
		WillReturnResult(pgxmock.NewResult("DELETE", 1))

	require.NoError(t, cache.Forget(context.Background(), photoID))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestResultCache_CleanupExpired(t *testing.T) {
	cache, mock := newMockCache(t)

	mock.ExpectExec(`DELETE FROM photo_results WHERE expires_at`).
		WillReturnResult(pgxmock.NewResult("DELETE", 7))

	dropped, err := cache.CleanupExpired(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(7), dropped)
}
