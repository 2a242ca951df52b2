package app

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/lumamail/dispatcher/internal/dispatch_service/domain"
)

// Dispatch is one unit of work handed from the loop to the pool: a claimed job
// plus the channel lease it must send under.
type Dispatch struct {
	Job     *domain.SendJob
	Channel *domain.Channel
	Lease   *domain.Reservation
}

// Dispatcher accepts claimed work. Submit never blocks; false means the pool
// is full and the caller keeps ownership of the job and lease.
type Dispatcher interface {
	Submit(d Dispatch) bool
}

// LoopConfig carries the scheduler loop's tunables.
type LoopConfig struct {
	TickInterval   time.Duration
	ChannelBatch   int
	ReservationTTL time.Duration
	Holder         string // identifies this process in reservation rows
}

// SchedulerLoop pairs ready channels with waiting jobs on a fixed tick. Every
// failure inside a tick is logged and skipped; the loop itself only stops when
// its context is cancelled.
type SchedulerLoop struct {
	channels     domain.ChannelRepository
	reservations domain.ReservationRepository
	jobs         domain.JobRepository
	dispatcher   Dispatcher
	logger       *slog.Logger
	cfg          LoopConfig
}

func NewSchedulerLoop(
	channels domain.ChannelRepository,
	reservations domain.ReservationRepository,
	jobs domain.JobRepository,
	dispatcher Dispatcher,
	logger *slog.Logger,
	cfg LoopConfig,
) *SchedulerLoop {
	return &SchedulerLoop{
		channels:     channels,
		reservations: reservations,
		jobs:         jobs,
		dispatcher:   dispatcher,
		logger:       logger.With("component", "scheduler_loop"),
		cfg:          cfg,
	}
}

// Run ticks until ctx is cancelled.
func (l *SchedulerLoop) Run(ctx context.Context) {
	l.logger.InfoContext(ctx, "Scheduler loop starting",
		"tick_interval", l.cfg.TickInterval.String(), "channel_batch", l.cfg.ChannelBatch)
	ticker := time.NewTicker(l.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			l.logger.InfoContext(ctx, "Scheduler loop stopping")
			return
		case <-ticker.C:
			l.Tick(ctx)
		}
	}
}

// Tick runs one pass: list ready channels, lease each, claim a job for it and
// hand the pair to the pool. Returns the number of dispatches submitted.
func (l *SchedulerLoop) Tick(ctx context.Context) int {
	ticksCounter.Inc()

	channels, err := l.channels.ListReady(ctx, time.Now().UTC(), l.cfg.ChannelBatch)
	if err != nil {
		l.logger.ErrorContext(ctx, "Failed to list ready channels", "error", err)
		return 0
	}

	dispatched := 0
	for _, ch := range channels {
		lease, err := l.reservations.TryReserve(ctx, ch.ID, l.cfg.Holder, l.cfg.ReservationTTL)
		if err != nil {
			if errors.Is(err, domain.ErrChannelNotAvailable) {
				// Another worker holds the channel; normal under contention.
				reservationsCounter.WithLabelValues("contended").Inc()
				continue
			}
			reservationsCounter.WithLabelValues("error").Inc()
			l.logger.ErrorContext(ctx, "Failed to reserve channel", "error", err, "channel_id", ch.ID)
			continue
		}
		reservationsCounter.WithLabelValues("reserved").Inc()

		job, err := l.jobs.ClaimNext(ctx, ch.ID)
		if err != nil {
			if errors.Is(err, domain.ErrNoClaimableJob) {
				claimsCounter.WithLabelValues("empty").Inc()
			} else {
				claimsCounter.WithLabelValues("error").Inc()
				l.logger.ErrorContext(ctx, "Failed to claim job", "error", err, "channel_id", ch.ID)
			}
			l.release(ctx, lease)
			continue
		}
		claimsCounter.WithLabelValues("claimed").Inc()

		if !l.dispatcher.Submit(Dispatch{Job: job, Channel: ch, Lease: lease}) {
			// Pool is full: put the job back untouched and free the channel.
			// The rest of this batch would hit the same wall, so stop here.
			poolSaturatedCounter.Inc()
			l.logger.WarnContext(ctx, "Dispatch pool saturated, requeueing claimed job",
				"job_id", job.ID, "channel_id", ch.ID)
			if err := l.jobs.Requeue(ctx, job.ID); err != nil {
				l.logger.ErrorContext(ctx, "Failed to requeue job after pool rejection",
					"error", err, "job_id", job.ID)
			}
			l.release(ctx, lease)
			break
		}
		dispatched++
	}
	return dispatched
}

func (l *SchedulerLoop) release(ctx context.Context, lease *domain.Reservation) {
	if err := l.reservations.Release(ctx, lease.ID); err != nil {
		// Not fatal: the TTL sweeper reclaims it.
		l.logger.WarnContext(ctx, "Failed to release reservation", "error", err, "reservation_id", lease.ID)
	}
}
