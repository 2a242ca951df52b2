package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	dispatchdomain "github.com/lumamail/dispatcher/internal/dispatch_service/domain"
	"github.com/lumamail/dispatcher/internal/ingestion_service/domain"
	"github.com/lumamail/dispatcher/internal/platform/messagebroker"
)

const (
	optOutSubject      = "contacts.optout"
	terminalJobSubject = "jobs.status.terminal"
)

type optOutEvent struct {
	Recipient string `json:"recipient"`
	Reason    string `json:"reason"`
}

type terminalJobEvent struct {
	JobID     uuid.UUID `json:"job_id"`
	TaskID    uuid.UUID `json:"task_id"`
	Recipient string    `json:"recipient"`
	Status    string    `json:"status"`
	LastError string    `json:"last_error"`
}

// Processor applies canonical delivery events to job state. All operations
// are idempotent: replayed events neither double-count nor move state
// backward, and opt-out signals fire once per recipient.
type Processor struct {
	jobs      dispatchdomain.JobRepository
	optouts   dispatchdomain.OptOutRepository
	publisher messagebroker.Publisher
	logger    *slog.Logger
}

func NewProcessor(
	jobs dispatchdomain.JobRepository,
	optouts dispatchdomain.OptOutRepository,
	publisher messagebroker.Publisher,
	logger *slog.Logger,
) *Processor {
	return &Processor{
		jobs:      jobs,
		optouts:   optouts,
		publisher: publisher,
		logger:    logger.With("component", "ingestion_processor"),
	}
}

// Process applies one event. A nil error means the event is fully handled and
// must not be redelivered; anomalies (unknown tracking ID, out-of-order
// engagement) are logged and swallowed, matching the acknowledge-and-discard
// policy for protocol-level problems.
func (p *Processor) Process(ctx context.Context, ev domain.CanonicalEvent) error {
	logger := p.logger.With("event_type", ev.Type, "tracking_id", ev.TrackingID, "provider", ev.Provider)

	job, err := p.jobs.GetByTrackingID(ctx, ev.TrackingID)
	if err != nil {
		if errors.Is(err, dispatchdomain.ErrNotFound) {
			eventsCounter.WithLabelValues(string(ev.Type), "unknown_job").Inc()
			logger.WarnContext(ctx, "Callback for unknown tracking ID, discarding")
			return nil
		}
		return fmt.Errorf("failed to load job for event: %w", err)
	}
	logger = logger.With("job_id", job.ID)

	switch ev.Type {
	case domain.EventDelivered:
		return p.advance(ctx, logger, ev, job, dispatchdomain.JobStatusDelivered)
	case domain.EventOpened:
		return p.advance(ctx, logger, ev, job, dispatchdomain.JobStatusOpened)
	case domain.EventClicked:
		return p.advance(ctx, logger, ev, job, dispatchdomain.JobStatusClicked)

	case domain.EventBouncedSoft:
		return p.failJob(ctx, logger, ev, job, "")
	case domain.EventBouncedHard:
		return p.failJob(ctx, logger, ev, job, "hard_bounce")
	case domain.EventInvalidEmail:
		return p.failJob(ctx, logger, ev, job, "invalid_email")

	case domain.EventUnsubscribed:
		p.signalOptOut(ctx, job.Recipient, "unsubscribed")
		eventsCounter.WithLabelValues(string(ev.Type), "applied").Inc()
		return nil
	case domain.EventSpamReported:
		p.signalOptOut(ctx, job.Recipient, "spam_reported")
		eventsCounter.WithLabelValues(string(ev.Type), "applied").Inc()
		return nil

	case domain.EventInboundReply:
		// Replies are not scheduling state; surface for operators and move on.
		eventsCounter.WithLabelValues(string(ev.Type), "applied").Inc()
		logger.InfoContext(ctx, "Inbound reply received", "recipient", job.Recipient)
		return nil

	default:
		eventsCounter.WithLabelValues(string(ev.Type), "unknown_type").Inc()
		logger.WarnContext(ctx, "Unhandled event type, discarding")
		return nil
	}
}

// advance moves the job forward along the engagement ladder. Engagement
// before the job is sent is an ordering anomaly: logged and dropped, never a
// backward transition.
func (p *Processor) advance(ctx context.Context, logger *slog.Logger, ev domain.CanonicalEvent, job *dispatchdomain.SendJob, to dispatchdomain.JobStatus) error {
	if dispatchdomain.DeliveryRank(job.Status) == 0 {
		eventsCounter.WithLabelValues(string(ev.Type), "anomaly").Inc()
		logger.WarnContext(ctx, "Engagement event before job was sent, discarding", "job_status", job.Status)
		return nil
	}
	applied, err := p.jobs.AdvanceDeliveryState(ctx, job.ID, to, ev.OccurredAt)
	if err != nil {
		return fmt.Errorf("failed to advance job state: %w", err)
	}
	if !applied {
		eventsCounter.WithLabelValues(string(ev.Type), "replay").Inc()
		logger.DebugContext(ctx, "Event replay or stale ordering, state unchanged", "job_status", job.Status)
		return nil
	}
	eventsCounter.WithLabelValues(string(ev.Type), "applied").Inc()
	return nil
}

// failJob marks the job failed after a post-send bounce. optOutReason, when
// non-empty, also flags the recipient undeliverable.
func (p *Processor) failJob(ctx context.Context, logger *slog.Logger, ev domain.CanonicalEvent, job *dispatchdomain.SendJob, optOutReason string) error {
	lastError := string(ev.Type)
	if ev.Detail != "" {
		lastError = fmt.Sprintf("%s: %s", ev.Type, ev.Detail)
	}
	if err := p.jobs.FailTerminal(ctx, job.ID, lastError); err != nil {
		if errors.Is(err, dispatchdomain.ErrInvalidTransition) {
			// Already failed or otherwise terminal; replay is fine.
			eventsCounter.WithLabelValues(string(ev.Type), "replay").Inc()
			logger.DebugContext(ctx, "Bounce replay, job already terminal", "job_status", job.Status)
			return nil
		}
		return fmt.Errorf("failed to fail job from bounce: %w", err)
	}
	eventsCounter.WithLabelValues(string(ev.Type), "applied").Inc()

	if optOutReason != "" {
		p.signalOptOut(ctx, job.Recipient, optOutReason)
	}
	p.publishTerminal(ctx, job, lastError)
	return nil
}

func (p *Processor) signalOptOut(ctx context.Context, recipient, reason string) {
	created, err := p.optouts.RecordOnce(ctx, recipient, reason)
	if err != nil {
		p.logger.ErrorContext(ctx, "Failed to record opt-out", "error", err, "recipient", recipient)
		return
	}
	if !created {
		return
	}
	optOutsCounter.WithLabelValues(reason).Inc()
	payload, err := json.Marshal(optOutEvent{Recipient: recipient, Reason: reason})
	if err != nil {
		p.logger.ErrorContext(ctx, "Failed to marshal opt-out event", "error", err)
		return
	}
	if err := p.publisher.Publish(ctx, optOutSubject, payload); err != nil {
		p.logger.ErrorContext(ctx, "Failed to publish opt-out event", "error", err, "recipient", recipient)
	}
}

func (p *Processor) publishTerminal(ctx context.Context, job *dispatchdomain.SendJob, lastError string) {
	payload, err := json.Marshal(terminalJobEvent{
		JobID:     job.ID,
		TaskID:    job.TaskID,
		Recipient: job.Recipient,
		Status:    string(dispatchdomain.JobStatusFailed),
		LastError: lastError,
	})
	if err != nil {
		p.logger.ErrorContext(ctx, "Failed to marshal terminal job event", "error", err)
		return
	}
	if err := p.publisher.Publish(ctx, terminalJobSubject, payload); err != nil {
		p.logger.ErrorContext(ctx, "Failed to publish terminal job event", "error", err, "job_id", job.ID)
	}
}
