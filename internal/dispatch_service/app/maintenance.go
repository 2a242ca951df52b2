package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/lumamail/dispatcher/internal/dispatch_service/domain"
)

// MaintenanceService runs the periodic housekeeping jobs: the daily quota
// reset, the expired-reservation sweep and the stuck-job sweep.
type MaintenanceService struct {
	channels     domain.ChannelRepository
	reservations domain.ReservationRepository
	jobs         domain.JobRepository
	logger       *slog.Logger
	stuckJobAge  time.Duration
}

func NewMaintenanceService(
	channels domain.ChannelRepository,
	reservations domain.ReservationRepository,
	jobs domain.JobRepository,
	logger *slog.Logger,
	stuckJobAge time.Duration,
) *MaintenanceService {
	return &MaintenanceService{
		channels:     channels,
		reservations: reservations,
		jobs:         jobs,
		logger:       logger.With("component", "maintenance"),
		stuckJobAge:  stuckJobAge,
	}
}

// Register adds the maintenance schedules to c. The quota reset runs at
// midnight UTC; the reservation and stuck-job sweeps run every minute so a
// crashed worker's channel and job are both back in rotation within a TTL
// plus one minute.
func (s *MaintenanceService) Register(c *cron.Cron) error {
	if _, err := c.AddFunc("0 0 * * *", func() { s.ResetDailyQuotas(context.Background()) }); err != nil {
		return err
	}
	if _, err := c.AddFunc("* * * * *", func() { s.SweepReservations(context.Background()) }); err != nil {
		return err
	}
	if _, err := c.AddFunc("* * * * *", func() { s.SweepStuckJobs(context.Background()) }); err != nil {
		return err
	}
	return nil
}

func (s *MaintenanceService) ResetDailyQuotas(ctx context.Context) {
	n, err := s.channels.ResetDailyQuotas(ctx)
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to reset daily quotas", "error", err)
		return
	}
	s.logger.InfoContext(ctx, "Daily quotas reset", "channels", n)
}

func (s *MaintenanceService) SweepReservations(ctx context.Context) {
	n, err := s.reservations.SweepExpired(ctx)
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to sweep expired reservations", "error", err)
		return
	}
	if n > 0 {
		reservationsSweptCounter.Add(float64(n))
		s.logger.WarnContext(ctx, "Reclaimed expired reservations", "count", n)
	}
}

// SweepStuckJobs requeues processing jobs whose worker died before settling
// them. The reservation sweeper frees the channel; this frees the job.
func (s *MaintenanceService) SweepStuckJobs(ctx context.Context) {
	n, err := s.jobs.RequeueStuck(ctx, s.stuckJobAge)
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to requeue stuck jobs", "error", err)
		return
	}
	if n > 0 {
		stuckJobsRequeuedCounter.Add(float64(n))
		s.logger.WarnContext(ctx, "Requeued stuck processing jobs", "count", n)
	}
}
