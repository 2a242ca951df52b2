package app

import (
	"context"
	"log/slog"
	"strings"

	"github.com/nats-io/nats.go"

	"github.com/lumamail/dispatcher/internal/platform/messagebroker"
)

const (
	rawEventSubjectPrefix = "events.raw."
	rawEventSubjects      = "events.raw.>"
	consumerQueueGroup    = "ingestion_workers"
)

// Consumer pulls raw provider callbacks off the broker, normalizes them and
// feeds them to the processor. The callback endpoint publishes the raw body
// under events.raw.<provider>, so the provider name rides in the subject.
type Consumer struct {
	broker    *messagebroker.NatsClient
	processor *Processor
	logger    *slog.Logger
}

func NewConsumer(broker *messagebroker.NatsClient, processor *Processor, logger *slog.Logger) *Consumer {
	return &Consumer{
		broker:    broker,
		processor: processor,
		logger:    logger.With("component", "ingestion_consumer"),
	}
}

// Start subscribes within a queue group so a raw callback is handled by
// exactly one ingestion instance. Returns the subscription for shutdown.
func (c *Consumer) Start(ctx context.Context) (*nats.Subscription, error) {
	sub, err := c.broker.QueueSubscribe(rawEventSubjects, consumerQueueGroup, func(msg *nats.Msg) {
		c.handle(ctx, msg)
	})
	if err != nil {
		return nil, err
	}
	c.logger.InfoContext(ctx, "Ingestion consumer started", "subject", rawEventSubjects, "queue_group", consumerQueueGroup)
	return sub, nil
}

func (c *Consumer) handle(ctx context.Context, msg *nats.Msg) {
	provider := strings.TrimPrefix(msg.Subject, rawEventSubjectPrefix)

	events, dropped, err := Normalize(provider, msg.Data)
	if err != nil {
		// Malformed payloads are acknowledged and discarded, never retried.
		malformedCounter.WithLabelValues(provider).Inc()
		c.logger.WarnContext(ctx, "Discarding malformed callback payload",
			"error", err, "provider", provider, "bytes", len(msg.Data))
		return
	}
	if dropped > 0 {
		c.logger.WarnContext(ctx, "Skipped unrecognized events in callback payload",
			"provider", provider, "dropped", dropped)
	}

	for _, ev := range events {
		if err := c.processor.Process(ctx, ev); err != nil {
			c.logger.ErrorContext(ctx, "Failed to process delivery event",
				"error", err, "event_type", ev.Type, "tracking_id", ev.TrackingID)
		}
	}
}
