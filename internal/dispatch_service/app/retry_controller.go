package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"github.com/lumamail/dispatcher/internal/dispatch_service/adapters/mailprovider"
	"github.com/lumamail/dispatcher/internal/dispatch_service/domain"
	"github.com/lumamail/dispatcher/internal/platform/messagebroker"
)

const (
	optOutSubject      = "contacts.optout"
	terminalJobSubject = "jobs.status.terminal"
)

// RetryConfig carries the failure-handling tunables.
type RetryConfig struct {
	MaxRetries  int
	BackoffBase time.Duration
	BackoffMax  time.Duration
}

// optOutEvent notifies the contact-management collaborator that a recipient
// must not be mailed again.
type optOutEvent struct {
	Recipient string `json:"recipient"`
	Reason    string `json:"reason"`
}

// terminalJobEvent announces a job that will never be sent.
type terminalJobEvent struct {
	JobID     uuid.UUID `json:"job_id"`
	TaskID    uuid.UUID `json:"task_id"`
	Recipient string    `json:"recipient"`
	Status    string    `json:"status"`
	LastError string    `json:"last_error"`
}

// RetryController routes failed sends: transient failures back to the queue
// with exponential backoff, permanent recipient failures to terminal state
// plus a one-shot opt-out signal, quota exhaustion to channel accounting.
type RetryController struct {
	jobs      domain.JobRepository
	channels  domain.ChannelRepository
	optouts   domain.OptOutRepository
	publisher messagebroker.Publisher
	logger    *slog.Logger
	cfg       RetryConfig
}

func NewRetryController(
	jobs domain.JobRepository,
	channels domain.ChannelRepository,
	optouts domain.OptOutRepository,
	publisher messagebroker.Publisher,
	logger *slog.Logger,
	cfg RetryConfig,
) *RetryController {
	return &RetryController{
		jobs:      jobs,
		channels:  channels,
		optouts:   optouts,
		publisher: publisher,
		logger:    logger.With("component", "retry_controller"),
		cfg:       cfg,
	}
}

// OnFailure applies the failure policy for one send attempt.
func (c *RetryController) OnFailure(ctx context.Context, job *domain.SendJob, channelID uuid.UUID, sendErr error) error {
	logger := c.logger.With("job_id", job.ID, "channel_id", channelID, "retry_count", job.RetryCount)

	switch mailprovider.Classify(sendErr) {
	case mailprovider.KindQuotaExhausted:
		dispatchesCounter.WithLabelValues("quota_exhausted").Inc()
		// The provider's word beats local counters: stop offering the channel
		// until the daily reset.
		if err := c.channels.ForceQuotaExhausted(ctx, channelID); err != nil && !errors.Is(err, domain.ErrChannelNotAvailable) {
			logger.ErrorContext(ctx, "Failed to force quota exhaustion", "error", err)
		}
		// The job itself did nothing wrong; put it back without a retry
		// penalty so another channel can pick it up right away.
		if err := c.jobs.Requeue(ctx, job.ID); err != nil {
			return fmt.Errorf("failed to requeue job after quota exhaustion: %w", err)
		}
		logger.InfoContext(ctx, "Channel quota exhausted at provider, job requeued")
		return nil

	case mailprovider.KindPermanentRecipient:
		dispatchesCounter.WithLabelValues("permanent_failure").Inc()
		if err := c.jobs.FailTerminal(ctx, job.ID, sendErr.Error()); err != nil {
			return fmt.Errorf("failed to terminally fail job: %w", err)
		}
		c.signalOptOut(ctx, job.Recipient, "undeliverable")
		c.publishTerminal(ctx, job, sendErr.Error())
		logger.InfoContext(ctx, "Job failed permanently, recipient undeliverable")
		return nil

	default: // transient
		dispatchesCounter.WithLabelValues("transient_failure").Inc()
		if job.RetryCount >= c.cfg.MaxRetries {
			lastErr := fmt.Sprintf("retries exhausted after %d attempts: %s", job.RetryCount+1, sendErr.Error())
			if err := c.jobs.FailTerminal(ctx, job.ID, lastErr); err != nil {
				return fmt.Errorf("failed to terminally fail job: %w", err)
			}
			c.publishTerminal(ctx, job, lastErr)
			logger.WarnContext(ctx, "Job failed terminally, retries exhausted")
			return nil
		}
		next := time.Now().UTC().Add(c.backoff(job.RetryCount))
		if err := c.jobs.FailTransient(ctx, job.ID, next, sendErr.Error()); err != nil {
			return fmt.Errorf("failed to schedule retry: %w", err)
		}
		logger.InfoContext(ctx, "Job scheduled for retry", "next_retry_at", next)
		return nil
	}
}

// backoff computes base * 2^attempt with full jitter, capped at BackoffMax.
func (c *RetryController) backoff(attempt int) time.Duration {
	d := c.cfg.BackoffBase << uint(attempt)
	if d <= 0 || d > c.cfg.BackoffMax {
		d = c.cfg.BackoffMax
	}
	half := d / 2
	return half + time.Duration(rand.Int63n(int64(half)+1))
}

func (c *RetryController) signalOptOut(ctx context.Context, recipient, reason string) {
	created, err := c.optouts.RecordOnce(ctx, recipient, reason)
	if err != nil {
		c.logger.ErrorContext(ctx, "Failed to record opt-out", "error", err, "recipient", recipient)
		return
	}
	if !created {
		return
	}
	payload, err := json.Marshal(optOutEvent{Recipient: recipient, Reason: reason})
	if err != nil {
		c.logger.ErrorContext(ctx, "Failed to marshal opt-out event", "error", err)
		return
	}
	if err := c.publisher.Publish(ctx, optOutSubject, payload); err != nil {
		c.logger.ErrorContext(ctx, "Failed to publish opt-out event", "error", err, "recipient", recipient)
	}
}

func (c *RetryController) publishTerminal(ctx context.Context, job *domain.SendJob, lastError string) {
	payload, err := json.Marshal(terminalJobEvent{
		JobID:     job.ID,
		TaskID:    job.TaskID,
		Recipient: job.Recipient,
		Status:    string(domain.JobStatusFailed),
		LastError: lastError,
	})
	if err != nil {
		c.logger.ErrorContext(ctx, "Failed to marshal terminal job event", "error", err)
		return
	}
	if err := c.publisher.Publish(ctx, terminalJobSubject, payload); err != nil {
		c.logger.ErrorContext(ctx, "Failed to publish terminal job event", "error", err, "job_id", job.ID)
	}
}
