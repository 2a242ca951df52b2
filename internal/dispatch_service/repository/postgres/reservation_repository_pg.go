package postgres

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/lumamail/dispatcher/internal/dispatch_service/domain"
)

// PgReservationRepository implements domain.ReservationRepository. The
// reservation row is the lock: a partial unique index on
// (channel_id) WHERE status = 'active' makes double-booking impossible no
// matter how many scheduler processes run, and expiry-based reclamation
// replaces unlock-on-crash logic.
type PgReservationRepository struct {
	db     DB
	logger *slog.Logger
}

func NewPgReservationRepository(db DB, logger *slog.Logger) *PgReservationRepository {
	return &PgReservationRepository{db: db, logger: logger.With("component", "reservation_repository_pg")}
}

// TryReserve lazily expires a stale lease for the channel, then attempts the
// insert. ON CONFLICT DO NOTHING against the partial unique index turns a
// lost race into ErrChannelNotAvailable instead of an error.
func (r *PgReservationRepository) TryReserve(ctx context.Context, channelID uuid.UUID, holder string, ttl time.Duration) (*domain.Reservation, error) {
	now := time.Now().UTC()

	expireQuery := `
		UPDATE reservations SET status = 'expired'
		WHERE channel_id = $1 AND status = 'active' AND expires_at <= $2
	`
	if _, err := r.db.Exec(ctx, expireQuery, channelID, now); err != nil {
		r.logger.ErrorContext(ctx, "Error expiring stale reservation", "error", err, "channel_id", channelID)
		return nil, err
	}

	res := &domain.Reservation{
		ID:         uuid.New(),
		ChannelID:  channelID,
		Holder:     holder,
		Status:     domain.ReservationStatusActive,
		ReservedAt: now,
		ExpiresAt:  now.Add(ttl),
	}
	insertQuery := `
		INSERT INTO reservations (id, channel_id, holder, status, reserved_at, expires_at)
		VALUES ($1, $2, $3, 'active', $4, $5)
		ON CONFLICT (channel_id) WHERE status = 'active' DO NOTHING
		RETURNING id
	`
	var insertedID uuid.UUID
	err := r.db.QueryRow(ctx, insertQuery, res.ID, res.ChannelID, res.Holder, res.ReservedAt, res.ExpiresAt).Scan(&insertedID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Another worker holds the channel; not an error, just unavailable.
			return nil, domain.ErrChannelNotAvailable
		}
		r.logger.ErrorContext(ctx, "Error creating reservation", "error", err, "channel_id", channelID)
		return nil, err
	}
	return res, nil
}

// Release is idempotent: releasing a lease that was already released or
// reclaimed by the sweeper is a no-op.
func (r *PgReservationRepository) Release(ctx context.Context, reservationID uuid.UUID) error {
	query := `UPDATE reservations SET status = 'released' WHERE id = $1 AND status = 'active'`
	if _, err := r.db.Exec(ctx, query, reservationID); err != nil {
		r.logger.ErrorContext(ctx, "Error releasing reservation", "error", err, "reservation_id", reservationID)
		return err
	}
	return nil
}

// SweepExpired reclaims every active lease past its expiry, regardless of
// holder. Any observer may run this; it is the crash-recovery path.
func (r *PgReservationRepository) SweepExpired(ctx context.Context) (int64, error) {
	query := `UPDATE reservations SET status = 'expired' WHERE status = 'active' AND expires_at <= $1`
	tag, err := r.db.Exec(ctx, query, time.Now().UTC())
	if err != nil {
		r.logger.ErrorContext(ctx, "Error sweeping expired reservations", "error", err)
		return 0, err
	}
	if n := tag.RowsAffected(); n > 0 {
		r.logger.InfoContext(ctx, "Reclaimed expired reservations", "count", n)
		return n, nil
	}
	return 0, nil
}
