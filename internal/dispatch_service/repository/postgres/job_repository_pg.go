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

const jobColumns = `id, task_id, priority, recipient, subject, body, tracking_id, status, channel_id,
       retry_count, next_retry_at, sent_at, delivered_at, opened_at, clicked_at, last_error,
       created_at, updated_at`

// PgJobRepository implements domain.JobRepository on PostgreSQL. Claims use
// FOR UPDATE SKIP LOCKED so concurrent scheduler instances never hand the
// same job to two workers, and every transition is a conditional UPDATE that
// refuses states the job state machine does not permit.
type PgJobRepository struct {
	db     DB
	logger *slog.Logger
}

func NewPgJobRepository(db DB, logger *slog.Logger) *PgJobRepository {
	return &PgJobRepository{db: db, logger: logger.With("component", "job_repository_pg")}
}

// CreateBatch inserts the jobs and their wait-metric rows in one transaction
// so a job can never exist without its queue-entry timestamp.
func (r *PgJobRepository) CreateBatch(ctx context.Context, jobs []*domain.SendJob) error {
	if len(jobs) == 0 {
		return nil
	}
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning job batch transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	jobQuery := `
		INSERT INTO send_jobs (id, task_id, priority, recipient, subject, body, tracking_id, status,
		                       retry_count, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	metricQuery := `
		INSERT INTO wait_metrics (job_id, task_id, queue_entry_time)
		VALUES ($1, $2, $3)
	`
	for _, job := range jobs {
		if _, err := tx.Exec(ctx, jobQuery,
			job.ID, job.TaskID, job.Priority, job.Recipient, job.Subject, job.Body, job.TrackingID,
			job.Status, job.RetryCount, job.CreatedAt, job.UpdatedAt,
		); err != nil {
			r.logger.ErrorContext(ctx, "Error inserting send job", "error", err, "job_id", job.ID)
			return err
		}
		if _, err := tx.Exec(ctx, metricQuery, job.ID, job.TaskID, job.CreatedAt); err != nil {
			r.logger.ErrorContext(ctx, "Error inserting wait metric", "error", err, "job_id", job.ID)
			return err
		}
	}
	return tx.Commit(ctx)
}

func (r *PgJobRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.SendJob, error) {
	query := `SELECT ` + jobColumns + ` FROM send_jobs WHERE id = $1`
	job, err := scanJob(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return job, nil
}

func (r *PgJobRepository) GetByTrackingID(ctx context.Context, trackingID uuid.UUID) (*domain.SendJob, error) {
	query := `SELECT ` + jobColumns + ` FROM send_jobs WHERE tracking_id = $1`
	job, err := scanJob(r.db.QueryRow(ctx, query, trackingID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return job, nil
}

// ClaimNext selects the best eligible job in the same atomic step that flips
// it to processing: waiting, retry due, parent task sending. The join on
// tasks makes a pause or close visible to the very next claim. The wait
// metric's first_send_time is stamped in the same transaction, set-once.
func (r *PgJobRepository) ClaimNext(ctx context.Context, channelID uuid.UUID) (*domain.SendJob, error) {
	now := time.Now().UTC()
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("beginning claim transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	claimQuery := `
		WITH next_job AS (
			SELECT j.id
			FROM send_jobs j
			JOIN tasks t ON t.id = j.task_id
			WHERE j.status = 'waiting'
			  AND (j.next_retry_at IS NULL OR j.next_retry_at <= $2)
			  AND t.status = 'sending'
			ORDER BY j.priority DESC, j.created_at ASC, j.id ASC
			LIMIT 1
			FOR UPDATE OF j SKIP LOCKED
		)
		UPDATE send_jobs sj
		SET status = 'processing', channel_id = $1, updated_at = $2
		FROM next_job
		WHERE sj.id = next_job.id
		RETURNING sj.id, sj.task_id, sj.priority, sj.recipient, sj.subject, sj.body, sj.tracking_id,
		          sj.status, sj.channel_id, sj.retry_count, sj.next_retry_at, sj.sent_at,
		          sj.delivered_at, sj.opened_at, sj.clicked_at, sj.last_error, sj.created_at, sj.updated_at
	`
	job, err := scanJob(tx.QueryRow(ctx, claimQuery, channelID, now))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNoClaimableJob
		}
		r.logger.ErrorContext(ctx, "Error claiming next job", "error", err, "channel_id", channelID)
		return nil, err
	}

	metricQuery := `UPDATE wait_metrics SET first_send_time = $2 WHERE job_id = $1 AND first_send_time IS NULL`
	if _, err := tx.Exec(ctx, metricQuery, job.ID, now); err != nil {
		r.logger.ErrorContext(ctx, "Error stamping first send time", "error", err, "job_id", job.ID)
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("committing claim transaction: %w", err)
	}
	return job, nil
}

func (r *PgJobRepository) Complete(ctx context.Context, jobID uuid.UUID, sentAt time.Time) error {
	query := `
		UPDATE send_jobs
		SET status = 'sent', sent_at = $2, last_error = NULL, updated_at = $2
		WHERE id = $1 AND status = 'processing'
	`
	return r.execTransition(ctx, "complete", jobID, query, jobID, sentAt)
}

func (r *PgJobRepository) Requeue(ctx context.Context, jobID uuid.UUID) error {
	query := `
		UPDATE send_jobs
		SET status = 'waiting', channel_id = NULL, updated_at = $2
		WHERE id = $1 AND status = 'processing'
	`
	return r.execTransition(ctx, "requeue", jobID, query, jobID, time.Now().UTC())
}

func (r *PgJobRepository) FailTransient(ctx context.Context, jobID uuid.UUID, nextRetryAt time.Time, lastError string) error {
	query := `
		UPDATE send_jobs
		SET status = 'waiting', channel_id = NULL, next_retry_at = $2,
		    retry_count = retry_count + 1, last_error = $3, updated_at = $4
		WHERE id = $1 AND status = 'processing'
	`
	return r.execTransition(ctx, "fail_transient", jobID, query, jobID, nextRetryAt, lastError, time.Now().UTC())
}

func (r *PgJobRepository) FailTerminal(ctx context.Context, jobID uuid.UUID, lastError string) error {
	query := `
		UPDATE send_jobs
		SET status = 'failed', last_error = $2, updated_at = $3
		WHERE id = $1 AND status IN ('processing', 'sent')
	`
	return r.execTransition(ctx, "fail_terminal", jobID, query, jobID, lastError, time.Now().UTC())
}

// AdvanceDeliveryState applies the monotonic post-send ladder. Earlier
// timestamps are backfilled (an opened event implies delivered) but an
// already-equal-or-later status stays put, which makes replays idempotent.
func (r *PgJobRepository) AdvanceDeliveryState(ctx context.Context, jobID uuid.UUID, to domain.JobStatus, at time.Time) (bool, error) {
	var query string
	switch to {
	case domain.JobStatusDelivered:
		query = `
			UPDATE send_jobs
			SET status = 'delivered', delivered_at = COALESCE(delivered_at, $2), updated_at = $2
			WHERE id = $1 AND status = 'sent'
		`
	case domain.JobStatusOpened:
		query = `
			UPDATE send_jobs
			SET status = 'opened', opened_at = COALESCE(opened_at, $2),
			    delivered_at = COALESCE(delivered_at, $2), updated_at = $2
			WHERE id = $1 AND status IN ('sent', 'delivered')
		`
	case domain.JobStatusClicked:
		query = `
			UPDATE send_jobs
			SET status = 'clicked', clicked_at = COALESCE(clicked_at, $2),
			    opened_at = COALESCE(opened_at, $2), delivered_at = COALESCE(delivered_at, $2),
			    updated_at = $2
			WHERE id = $1 AND status IN ('sent', 'delivered', 'opened')
		`
	default:
		return false, fmt.Errorf("%w: %s is not a delivery state", domain.ErrInvalidTransition, to)
	}

	tag, err := r.db.Exec(ctx, query, jobID, at)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error advancing delivery state", "error", err, "job_id", jobID, "to", to)
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *PgJobRepository) CancelForTask(ctx context.Context, taskID uuid.UUID) (int64, error) {
	query := `UPDATE send_jobs SET status = 'cancelled', updated_at = $2 WHERE task_id = $1 AND status = 'waiting'`
	tag, err := r.db.Exec(ctx, query, taskID, time.Now().UTC())
	if err != nil {
		r.logger.ErrorContext(ctx, "Error cancelling task jobs", "error", err, "task_id", taskID)
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// RequeueStuck reclaims processing jobs abandoned by a dead worker. Complete,
// FailTransient and FailTerminal all bump updated_at, so a processing row
// whose updated_at is far older than the dispatch timeout can only mean the
// claim's worker never settled it.
func (r *PgJobRepository) RequeueStuck(ctx context.Context, olderThan time.Duration) (int64, error) {
	now := time.Now().UTC()
	query := `
		UPDATE send_jobs
		SET status = 'waiting', channel_id = NULL, updated_at = $1
		WHERE status = 'processing' AND updated_at < $2
	`
	tag, err := r.db.Exec(ctx, query, now, now.Add(-olderThan))
	if err != nil {
		r.logger.ErrorContext(ctx, "Error requeueing stuck jobs", "error", err)
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (r *PgJobRepository) CountsByTask(ctx context.Context, taskID uuid.UUID) (*domain.TaskCounts, error) {
	query := `SELECT status, COUNT(*) FROM send_jobs WHERE task_id = $1 GROUP BY status`
	rows, err := r.db.Query(ctx, query, taskID)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error counting task jobs", "error", err, "task_id", taskID)
		return nil, err
	}
	defer rows.Close()

	counts := &domain.TaskCounts{}
	for rows.Next() {
		var status domain.JobStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scanning task count row: %w", err)
		}
		switch status {
		case domain.JobStatusWaiting:
			counts.Waiting += n
		case domain.JobStatusProcessing:
			counts.Processing += n
		case domain.JobStatusSent, domain.JobStatusDelivered, domain.JobStatusOpened, domain.JobStatusClicked:
			counts.Sent += n
		case domain.JobStatusFailed:
			counts.Failed += n
		case domain.JobStatusCancelled:
			counts.Cancelled += n
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return counts, nil
}

// execTransition runs a conditional state-change UPDATE; zero rows means the
// job is missing or not in a state the transition allows.
func (r *PgJobRepository) execTransition(ctx context.Context, name string, jobID uuid.UUID, query string, args ...any) error {
	tag, err := r.db.Exec(ctx, query, args...)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error applying job transition", "error", err, "transition", name, "job_id", jobID)
		return err
	}
	if tag.RowsAffected() == 0 {
		r.logger.WarnContext(ctx, "Job transition rejected", "transition", name, "job_id", jobID)
		return domain.ErrInvalidTransition
	}
	return nil
}

func scanJob(row pgx.Row) (*domain.SendJob, error) {
	job := &domain.SendJob{}
	err := row.Scan(
		&job.ID, &job.TaskID, &job.Priority, &job.Recipient, &job.Subject, &job.Body, &job.TrackingID,
		&job.Status, &job.ChannelID, &job.RetryCount, &job.NextRetryAt, &job.SentAt, &job.DeliveredAt,
		&job.OpenedAt, &job.ClickedAt, &job.LastError, &job.CreatedAt, &job.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return job, nil
}
