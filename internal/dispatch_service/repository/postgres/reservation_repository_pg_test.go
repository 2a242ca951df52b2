package postgres

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lumamail/dispatcher/internal/dispatch_service/domain"
)

func TestPgReservationRepository_TryReserve(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	channelID := uuid.New()
	holder := "dispatcher@host[123]"
	ttl := 90 * time.Second

	t.Run("AcquiresFreeChannel", func(t *testing.T) {
		mockPool, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mockPool.Close()
		repo := NewPgReservationRepository(mockPool, logger)

		mockPool.ExpectExec(`UPDATE reservations SET status = 'expired'\s+WHERE channel_id = \$1`).
			WithArgs(channelID, pgxmock.AnyArg()).
			WillReturnResult(pgxmock.NewResult("UPDATE", 0))

		mockPool.ExpectQuery(`INSERT INTO reservations`).
			WithArgs(pgxmock.AnyArg(), channelID, holder, pgxmock.AnyArg(), pgxmock.AnyArg()).
			WillReturnRows(mockPool.NewRows([]string{"id"}).AddRow(uuid.New()))

		res, err := repo.TryReserve(context.Background(), channelID, holder, ttl)
		assert.NoError(t, err)
		require.NotNil(t, res)
		assert.Equal(t, channelID, res.ChannelID)
		assert.Equal(t, holder, res.Holder)
		assert.Equal(t, domain.ReservationStatusActive, res.Status)
		assert.WithinDuration(t, res.ReservedAt.Add(ttl), res.ExpiresAt, time.Second)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("HeldChannelIsNotAvailable", func(t *testing.T) {
		mockPool, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mockPool.Close()
		repo := NewPgReservationRepository(mockPool, logger)

		mockPool.ExpectExec(`UPDATE reservations SET status = 'expired'\s+WHERE channel_id = \$1`).
			WithArgs(channelID, pgxmock.AnyArg()).
			WillReturnResult(pgxmock.NewResult("UPDATE", 0))

		// ON CONFLICT DO NOTHING inserts no row, so RETURNING yields none.
		mockPool.ExpectQuery(`INSERT INTO reservations`).
			WithArgs(pgxmock.AnyArg(), channelID, holder, pgxmock.AnyArg(), pgxmock.AnyArg()).
			WillReturnError(pgx.ErrNoRows)

		res, err := repo.TryReserve(context.Background(), channelID, holder, ttl)
		assert.ErrorIs(t, err, domain.ErrChannelNotAvailable)
		assert.Nil(t, res)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("StaleLeaseIsExpiredFirst", func(t *testing.T) {
		mockPool, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mockPool.Close()
		repo := NewPgReservationRepository(mockPool, logger)

		mockPool.ExpectExec(`UPDATE reservations SET status = 'expired'\s+WHERE channel_id = \$1`).
			WithArgs(channelID, pgxmock.AnyArg()).
			WillReturnResult(pgxmock.NewResult("UPDATE", 1))

		mockPool.ExpectQuery(`INSERT INTO reservations`).
			WithArgs(pgxmock.AnyArg(), channelID, holder, pgxmock.AnyArg(), pgxmock.AnyArg()).
			WillReturnRows(mockPool.NewRows([]string{"id"}).AddRow(uuid.New()))

		res, err := repo.TryReserve(context.Background(), channelID, holder, ttl)
		assert.NoError(t, err)
		assert.NotNil(t, res)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
}

func TestPgReservationRepository_Release(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reservationID := uuid.New()

	t.Run("ReleasesActiveLease", func(t *testing.T) {
		mockPool, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mockPool.Close()
		repo := NewPgReservationRepository(mockPool, logger)

		mockPool.ExpectExec(`UPDATE reservations SET status = 'released' WHERE id = \$1 AND status = 'active'`).
			WithArgs(reservationID).
			WillReturnResult(pgxmock.NewResult("UPDATE", 1))

		assert.NoError(t, repo.Release(context.Background(), reservationID))
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("AlreadyReleasedIsNoOp", func(t *testing.T) {
		mockPool, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mockPool.Close()
		repo := NewPgReservationRepository(mockPool, logger)

		mockPool.ExpectExec(`UPDATE reservations SET status = 'released' WHERE id = \$1 AND status = 'active'`).
			WithArgs(reservationID).
			WillReturnResult(pgxmock.NewResult("UPDATE", 0))

		assert.NoError(t, repo.Release(context.Background(), reservationID))
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
}

func TestPgReservationRepository_SweepExpired(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	mockPool, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mockPool.Close()
	repo := NewPgReservationRepository(mockPool, logger)

	mockPool.ExpectExec(`UPDATE reservations SET status = 'expired' WHERE status = 'active' AND expires_at <= \$1`).
		WithArgs(pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 3))

	n, err := repo.SweepExpired(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, int64(3), n)
	assert.NoError(t, mockPool.ExpectationsWereMet())
}
