package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// ChannelRepository answers channel readiness and applies send outcomes. All
// counter mutations are single atomic statements so correctness holds across
// concurrent workers and processes.
type ChannelRepository interface {
	Create(ctx context.Context, channel *Channel) error
	Update(ctx context.Context, channel *Channel) error
	GetByID(ctx context.Context, id uuid.UUID) (*Channel, error)
	List(ctx context.Context) ([]*Channel, error)

	// ListReady returns channels passing the readiness predicate, ordered by
	// (used_quota ASC, success_rate DESC, avg_response_time ASC).
	ListReady(ctx context.Context, now time.Time, limit int) ([]*Channel, error)

	// RecordOutcome applies one send attempt: quota (+1 on success only),
	// last_sent_at, next_available_at, EMAs and the consecutive-failure
	// counter, auto-disabling the channel when the failure threshold is
	// crossed. Missing or disabled channels yield ErrChannelNotAvailable.
	RecordOutcome(ctx context.Context, channelID uuid.UUID, success bool, responseTimeMs int64) (*ChannelOutcome, error)

	// ForceQuotaExhausted sets used_quota = daily_quota so the channel stops
	// being offered, used when the provider reports exhaustion before local
	// counting catches up.
	ForceQuotaExhausted(ctx context.Context, channelID uuid.UUID) error

	// ResetDailyQuotas zeroes used_quota on all channels; runs once per day.
	ResetDailyQuotas(ctx context.Context) (int64, error)
}

// ReservationRepository grants exclusive, time-bounded leases on channels.
// Exclusivity is enforced in the store, independent of process count.
type ReservationRepository interface {
	// TryReserve creates an active lease iff no other active, non-expired
	// lease exists for the channel. Returns ErrChannelNotAvailable when the
	// channel is held; never blocks.
	TryReserve(ctx context.Context, channelID uuid.UUID, holder string, ttl time.Duration) (*Reservation, error)

	// Release marks the lease released. Releasing an already released or
	// expired lease is a no-op.
	Release(ctx context.Context, reservationID uuid.UUID) error

	// SweepExpired reclaims leases whose expiry has passed regardless of
	// which worker created them (crash recovery).
	SweepExpired(ctx context.Context) (int64, error)
}

// JobRepository persists SendJobs and applies their state machine.
type JobRepository interface {
	// CreateBatch inserts jobs and their wait-metric rows in one transaction.
	CreateBatch(ctx context.Context, jobs []*SendJob) error
	GetByID(ctx context.Context, id uuid.UUID) (*SendJob, error)
	GetByTrackingID(ctx context.Context, trackingID uuid.UUID) (*SendJob, error)

	// ClaimNext atomically selects the best waiting job whose parent task is
	// sending — priority DESC, then enqueue time — and flips it to
	// processing, stamping the channel and the job's first-send wait metric.
	// Returns ErrNoClaimableJob when nothing is eligible.
	ClaimNext(ctx context.Context, channelID uuid.UUID) (*SendJob, error)

	// Complete marks a processing job sent.
	Complete(ctx context.Context, jobID uuid.UUID, sentAt time.Time) error

	// Requeue returns a processing job to waiting without touching the retry
	// counter (used when a claimed job could not be handed to the pool).
	Requeue(ctx context.Context, jobID uuid.UUID) error

	// FailTransient returns a processing job to waiting with next_retry_at
	// set and the retry counter incremented.
	FailTransient(ctx context.Context, jobID uuid.UUID, nextRetryAt time.Time, lastError string) error

	// FailTerminal marks a processing or sent job failed.
	FailTerminal(ctx context.Context, jobID uuid.UUID, lastError string) error

	// AdvanceDeliveryState moves a job forward along
	// sent -> delivered -> opened -> clicked, stamping the corresponding
	// timestamp. Returns false without error when the job is already at or
	// past the target state (idempotent replay).
	AdvanceDeliveryState(ctx context.Context, jobID uuid.UUID, to JobStatus, at time.Time) (bool, error)

	// CancelForTask cancels all waiting jobs of a task.
	CancelForTask(ctx context.Context, taskID uuid.UUID) (int64, error)

	// RequeueStuck returns processing jobs untouched for longer than
	// olderThan to waiting (crash recovery; the worker that claimed them is
	// gone and will never write a result).
	RequeueStuck(ctx context.Context, olderThan time.Duration) (int64, error)

	CountsByTask(ctx context.Context, taskID uuid.UUID) (*TaskCounts, error)
}

// TaskRepository persists Tasks and enforces their state machine, including
// the terminal closed state.
type TaskRepository interface {
	Create(ctx context.Context, task *Task) error
	GetByID(ctx context.Context, id uuid.UUID) (*Task, error)

	// SetStatus applies a transition; pauseReason is recorded when the target
	// is paused. Returns ErrTaskClosed for any change on a closed task and
	// ErrInvalidTransition for other disallowed moves.
	SetStatus(ctx context.Context, id uuid.UUID, to TaskStatus, pauseReason *string) error
}

// WaitMetricRepository summarizes queue-to-first-send latencies.
type WaitMetricRepository interface {
	Summary(ctx context.Context, taskID uuid.UUID, threshold time.Duration) (*WaitSummary, error)
}

// OptOutRepository deduplicates opt-out signals so the contact-management
// collaborator is notified exactly once per recipient.
type OptOutRepository interface {
	// RecordOnce returns true when this call created the record, false when
	// the recipient was already opted out.
	RecordOnce(ctx context.Context, recipient, reason string) (bool, error)
}
