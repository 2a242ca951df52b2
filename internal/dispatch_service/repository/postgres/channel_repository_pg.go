package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/lumamail/dispatcher/internal/dispatch_service/domain"
)

const channelColumns = `id, name, provider_name, enabled, daily_quota, used_quota, sending_rate,
       last_sent_at, next_available_at, consecutive_failures, success_rate, avg_response_time_ms,
       disabled_reason, created_at, updated_at`

// PgChannelRepository implements domain.ChannelRepository on PostgreSQL. All
// counter updates are single statements so concurrent workers cannot lose
// updates or push used_quota past daily_quota.
type PgChannelRepository struct {
	db               DB
	logger           *slog.Logger
	emaAlpha         float64
	failureThreshold int
}

func NewPgChannelRepository(db DB, logger *slog.Logger, emaAlpha float64, failureThreshold int) *PgChannelRepository {
	return &PgChannelRepository{
		db:               db,
		logger:           logger.With("component", "channel_repository_pg"),
		emaAlpha:         emaAlpha,
		failureThreshold: failureThreshold,
	}
}

func (r *PgChannelRepository) Create(ctx context.Context, ch *domain.Channel) error {
	if ch.ID == uuid.Nil {
		ch.ID = uuid.New()
	}
	now := time.Now().UTC()
	ch.CreatedAt = now
	ch.UpdatedAt = now
	query := `
		INSERT INTO channels (id, name, provider_name, enabled, daily_quota, used_quota, sending_rate,
		                      last_sent_at, next_available_at, consecutive_failures, success_rate,
		                      avg_response_time_ms, disabled_reason, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`
	_, err := r.db.Exec(ctx, query,
		ch.ID, ch.Name, ch.ProviderName, ch.Enabled, ch.DailyQuota, ch.UsedQuota, ch.SendingRate,
		ch.LastSentAt, ch.NextAvailableAt, ch.ConsecutiveFailures, ch.SuccessRate,
		ch.AvgResponseTimeMs, ch.DisabledReason, ch.CreatedAt, ch.UpdatedAt,
	)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error creating channel", "error", err, "channel_id", ch.ID)
		return err
	}
	return nil
}

// Update applies admin-editable fields. Health counters stay owned by
// RecordOutcome, with two exceptions handled in the same statement: manually
// re-enabling a disabled channel clears its failure streak (otherwise the
// stored counter sits at the threshold and the first failure re-disables it),
// and lowering daily_quota clamps used_quota so the table CHECK holds.
func (r *PgChannelRepository) Update(ctx context.Context, ch *domain.Channel) error {
	query := `
		UPDATE channels
		SET name = $2, provider_name = $3, enabled = $4, daily_quota = $5, sending_rate = $6,
		    used_quota = LEAST(used_quota, $5),
		    consecutive_failures = CASE WHEN $4 AND NOT enabled THEN 0 ELSE consecutive_failures END,
		    disabled_reason = CASE WHEN $4 THEN NULL ELSE disabled_reason END, updated_at = $7
		WHERE id = $1
	`
	tag, err := r.db.Exec(ctx, query,
		ch.ID, ch.Name, ch.ProviderName, ch.Enabled, ch.DailyQuota, ch.SendingRate, time.Now().UTC(),
	)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error updating channel", "error", err, "channel_id", ch.ID)
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *PgChannelRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.Channel, error) {
	query := `SELECT ` + channelColumns + ` FROM channels WHERE id = $1`
	ch, err := scanChannel(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		r.logger.ErrorContext(ctx, "Error getting channel", "error", err, "channel_id", id)
		return nil, err
	}
	return ch, nil
}

func (r *PgChannelRepository) List(ctx context.Context) ([]*domain.Channel, error) {
	query := `SELECT ` + channelColumns + ` FROM channels ORDER BY created_at ASC`
	rows, err := r.db.Query(ctx, query)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error listing channels", "error", err)
		return nil, err
	}
	defer rows.Close()
	return scanChannels(rows)
}

// ListReady returns channels eligible for a send right now, favoring
// underused, historically reliable, fast channels.
func (r *PgChannelRepository) ListReady(ctx context.Context, now time.Time, limit int) ([]*domain.Channel, error) {
	query := `
		SELECT ` + channelColumns + `
		FROM channels
		WHERE enabled = TRUE
		  AND used_quota < daily_quota
		  AND (next_available_at IS NULL OR next_available_at <= $1)
		ORDER BY used_quota ASC, success_rate DESC, avg_response_time_ms ASC
		LIMIT $2
	`
	rows, err := r.db.Query(ctx, query, now, limit)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error listing ready channels", "error", err)
		return nil, err
	}
	defer rows.Close()
	return scanChannels(rows)
}

// RecordOutcome folds one send attempt into the channel counters in a single
// UPDATE. next_available_at only moves forward (GREATEST guard) and
// used_quota is capped at daily_quota in the same statement. Crossing the
// consecutive-failure threshold disables the channel as a side effect;
// re-enabling is an admin action.
func (r *PgChannelRepository) RecordOutcome(ctx context.Context, channelID uuid.UUID, success bool, responseTimeMs int64) (*domain.ChannelOutcome, error) {
	now := time.Now().UTC()
	query := `
		UPDATE channels
		SET used_quota = LEAST(daily_quota, used_quota + CASE WHEN $2 THEN 1 ELSE 0 END),
		    last_sent_at = $3,
		    next_available_at = GREATEST(COALESCE(next_available_at, $3), $3 + make_interval(secs => sending_rate)),
		    consecutive_failures = CASE WHEN $2 THEN 0 ELSE consecutive_failures + 1 END,
		    success_rate = success_rate * (1 - $4) + CASE WHEN $2 THEN $4 ELSE 0 END,
		    avg_response_time_ms = CASE WHEN avg_response_time_ms = 0 THEN $5
		                                ELSE avg_response_time_ms * (1 - $4) + $5 * $4 END,
		    enabled = CASE WHEN NOT $2 AND consecutive_failures + 1 >= $6 THEN FALSE ELSE enabled END,
		    disabled_reason = CASE WHEN NOT $2 AND consecutive_failures + 1 >= $6
		                           THEN 'auto_disabled_consecutive_failures' ELSE disabled_reason END,
		    updated_at = $3
		WHERE id = $1 AND enabled = TRUE
		RETURNING enabled, consecutive_failures
	`
	var enabled bool
	var consecutiveFailures int
	err := r.db.QueryRow(ctx, query,
		channelID, success, now, r.emaAlpha, float64(responseTimeMs), r.failureThreshold,
	).Scan(&enabled, &consecutiveFailures)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Channel deleted or already disabled: report, do not retry.
			r.logger.WarnContext(ctx, "RecordOutcome on missing or disabled channel", "channel_id", channelID)
			return nil, domain.ErrChannelNotAvailable
		}
		r.logger.ErrorContext(ctx, "Error recording channel outcome", "error", err, "channel_id", channelID)
		return nil, err
	}

	outcome := &domain.ChannelOutcome{Disabled: !enabled, ConsecutiveFailures: consecutiveFailures}
	if outcome.Disabled {
		r.logger.WarnContext(ctx, "Channel auto-disabled after consecutive failures",
			"channel_id", channelID, "consecutive_failures", consecutiveFailures)
	}
	return outcome, nil
}

// ForceQuotaExhausted makes the channel immediately ineligible when the
// provider reports quota exhaustion; the provider's view wins over the local
// counter.
func (r *PgChannelRepository) ForceQuotaExhausted(ctx context.Context, channelID uuid.UUID) error {
	query := `UPDATE channels SET used_quota = daily_quota, updated_at = $2 WHERE id = $1`
	tag, err := r.db.Exec(ctx, query, channelID, time.Now().UTC())
	if err != nil {
		r.logger.ErrorContext(ctx, "Error forcing quota exhaustion", "error", err, "channel_id", channelID)
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	r.logger.InfoContext(ctx, "Channel quota forced to exhausted", "channel_id", channelID)
	return nil
}

func (r *PgChannelRepository) ResetDailyQuotas(ctx context.Context) (int64, error) {
	query := `UPDATE channels SET used_quota = 0, updated_at = $1 WHERE used_quota <> 0`
	tag, err := r.db.Exec(ctx, query, time.Now().UTC())
	if err != nil {
		r.logger.ErrorContext(ctx, "Error resetting daily quotas", "error", err)
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func scanChannel(row pgx.Row) (*domain.Channel, error) {
	ch := &domain.Channel{}
	err := row.Scan(
		&ch.ID, &ch.Name, &ch.ProviderName, &ch.Enabled, &ch.DailyQuota, &ch.UsedQuota, &ch.SendingRate,
		&ch.LastSentAt, &ch.NextAvailableAt, &ch.ConsecutiveFailures, &ch.SuccessRate, &ch.AvgResponseTimeMs,
		&ch.DisabledReason, &ch.CreatedAt, &ch.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return ch, nil
}

func scanChannels(rows pgx.Rows) ([]*domain.Channel, error) {
	var channels []*domain.Channel
	for rows.Next() {
		ch, err := scanChannel(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning channel row: %w", err)
		}
		channels = append(channels, ch)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return channels, nil
}
