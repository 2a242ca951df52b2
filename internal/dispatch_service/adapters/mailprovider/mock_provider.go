package mailprovider

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// MockProvider is a configurable in-memory adapter for tests and local runs.
type MockProvider struct {
	logger    *slog.Logger
	failWith  *SendError    // when set, every Send fails with this error
	sendDelay time.Duration // simulated provider latency
}

func NewMockProvider(logger *slog.Logger, failWith *SendError, sendDelay time.Duration) *MockProvider {
	return &MockProvider{
		logger:    logger.With("provider", "mock"),
		failWith:  failWith,
		sendDelay: sendDelay,
	}
}

func (p *MockProvider) Name() string { return "mock" }

func (p *MockProvider) Send(ctx context.Context, req SendRequest) (*SendResponse, error) {
	if p.sendDelay > 0 {
		select {
		case <-time.After(p.sendDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if p.failWith != nil {
		return nil, p.failWith
	}
	p.logger.DebugContext(ctx, "Mock send", "recipient", req.Recipient, "tracking_id", req.TrackingID)
	return &SendResponse{
		ProviderMessageID: "mock-" + uuid.NewString(),
		StatusCode:        http.StatusOK,
	}, nil
}
