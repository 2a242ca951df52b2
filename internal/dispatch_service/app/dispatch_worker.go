package app

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lumamail/dispatcher/internal/dispatch_service/adapters/mailprovider"
	"github.com/lumamail/dispatcher/internal/dispatch_service/domain"
)

// FailureHandler decides what happens to a job after a failed send attempt.
type FailureHandler interface {
	OnFailure(ctx context.Context, job *domain.SendJob, channelID uuid.UUID, sendErr error) error
}

// PoolConfig carries the dispatch pool's tunables.
type PoolConfig struct {
	Size            int           // max concurrent sends
	DispatchTimeout time.Duration // per-send provider deadline
}

// DispatchPool executes dispatches on a bounded set of goroutines. Each
// dispatch releases its channel lease exactly once, on every path including
// panic, so a misbehaving provider can never wedge a channel until the
// sweeper runs.
type DispatchPool struct {
	providers       map[string]mailprovider.Adapter // keyed by channel provider name
	defaultProvider string
	channels        domain.ChannelRepository
	jobs            domain.JobRepository
	reservations    domain.ReservationRepository
	failures        FailureHandler
	logger          *slog.Logger
	cfg             PoolConfig

	sem chan struct{}
	wg  sync.WaitGroup
}

func NewDispatchPool(
	providers map[string]mailprovider.Adapter,
	defaultProvider string,
	channels domain.ChannelRepository,
	jobs domain.JobRepository,
	reservations domain.ReservationRepository,
	failures FailureHandler,
	logger *slog.Logger,
	cfg PoolConfig,
) *DispatchPool {
	if cfg.Size <= 0 {
		cfg.Size = 1
	}
	return &DispatchPool{
		providers:       providers,
		defaultProvider: defaultProvider,
		channels:        channels,
		jobs:            jobs,
		reservations:    reservations,
		failures:        failures,
		logger:          logger.With("component", "dispatch_pool"),
		cfg:             cfg,
		sem:             make(chan struct{}, cfg.Size),
	}
}

// Submit hands a dispatch to the pool. Returns false immediately when all
// workers are busy; the caller keeps ownership of the job and lease.
func (p *DispatchPool) Submit(d Dispatch) bool {
	select {
	case p.sem <- struct{}{}:
	default:
		return false
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer func() { <-p.sem }()
		p.dispatch(d)
	}()
	return true
}

// Shutdown waits for in-flight dispatches to finish or for ctx to expire.
func (p *DispatchPool) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("dispatch pool shutdown timed out: %w", ctx.Err())
	}
}

func (p *DispatchPool) dispatch(d Dispatch) {
	// Detached from the scheduler's context: an in-flight send finishes (or
	// times out) even while the process is shutting down.
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.DispatchTimeout+10*time.Second)
	defer cancel()

	logger := p.logger.With("job_id", d.Job.ID, "channel_id", d.Channel.ID, "tracking_id", d.Job.TrackingID)

	var releaseOnce sync.Once
	release := func() {
		releaseOnce.Do(func() {
			if err := p.reservations.Release(ctx, d.Lease.ID); err != nil {
				logger.WarnContext(ctx, "Failed to release reservation after dispatch",
					"error", err, "reservation_id", d.Lease.ID)
			}
		})
	}
	defer release()

	var settled bool
	defer func() {
		if r := recover(); r != nil {
			dispatchesCounter.WithLabelValues("panic").Inc()
			logger.ErrorContext(ctx, "Panic during dispatch", "panic", r)
			if !settled {
				if err := p.failures.OnFailure(ctx, d.Job, d.Channel.ID, fmt.Errorf("dispatch panic: %v", r)); err != nil {
					logger.ErrorContext(ctx, "Failed to record panic failure", "error", err)
				}
			}
			release()
		}
	}()

	provider, ok := p.providers[d.Channel.ProviderName]
	if !ok {
		provider, ok = p.providers[p.defaultProvider]
	}
	if !ok {
		settled = true
		logger.ErrorContext(ctx, "No adapter for channel provider", "provider_name", d.Channel.ProviderName)
		if err := p.failures.OnFailure(ctx, d.Job, d.Channel.ID,
			fmt.Errorf("no adapter configured for provider %q", d.Channel.ProviderName)); err != nil {
			logger.ErrorContext(ctx, "Failed to record failure", "error", err)
		}
		return
	}

	sendCtx, cancelSend := context.WithTimeout(ctx, p.cfg.DispatchTimeout)
	defer cancelSend()

	start := time.Now()
	resp, sendErr := provider.Send(sendCtx, mailprovider.SendRequest{
		JobID:      d.Job.ID.String(),
		TrackingID: d.Job.TrackingID.String(),
		Recipient:  d.Job.Recipient,
		Subject:    d.Job.Subject,
		Body:       d.Job.Body,
		FromName:   d.Channel.Name,
	})
	elapsed := time.Since(start)
	dispatchDurationHist.WithLabelValues(provider.Name()).Observe(elapsed.Seconds())

	outcome, recErr := p.channels.RecordOutcome(ctx, d.Channel.ID, sendErr == nil, elapsed.Milliseconds())
	if recErr != nil {
		logger.ErrorContext(ctx, "Failed to record channel outcome", "error", recErr)
	} else if outcome.Disabled {
		channelsDisabledCounter.Inc()
		logger.WarnContext(ctx, "Channel auto-disabled after consecutive failures",
			"consecutive_failures", outcome.ConsecutiveFailures)
	}

	settled = true
	if sendErr != nil {
		logger.WarnContext(ctx, "Send failed", "error", sendErr, "provider", provider.Name(),
			"duration_ms", elapsed.Milliseconds())
		if err := p.failures.OnFailure(ctx, d.Job, d.Channel.ID, sendErr); err != nil {
			logger.ErrorContext(ctx, "Failed to apply failure handling", "error", err)
		}
		return
	}

	if err := p.jobs.Complete(ctx, d.Job.ID, time.Now().UTC()); err != nil {
		logger.ErrorContext(ctx, "Failed to mark job sent", "error", err)
		return
	}
	dispatchesCounter.WithLabelValues("sent").Inc()
	logger.InfoContext(ctx, "Job dispatched", "provider", provider.Name(),
		"provider_message_id", resp.ProviderMessageID, "duration_ms", elapsed.Milliseconds())
}
