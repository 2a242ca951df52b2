package app

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/lumamail/dispatcher/internal/dispatch_service/adapters/mailprovider"
	"github.com/lumamail/dispatcher/internal/dispatch_service/domain"
)

func testRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:  3,
		BackoffBase: time.Minute,
		BackoffMax:  30 * time.Minute,
	}
}

func newRetryController(jobs *MockJobRepository, channels *MockChannelRepository, optouts *MockOptOutRepository, publisher *MockPublisher) *RetryController {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewRetryController(jobs, channels, optouts, publisher, logger, testRetryConfig())
}

func TestRetryController_TransientFailure(t *testing.T) {
	t.Run("SchedulesRetryWithBackoff", func(t *testing.T) {
		jobs := new(MockJobRepository)
		channels := new(MockChannelRepository)
		optouts := new(MockOptOutRepository)
		publisher := new(MockPublisher)
		c := newRetryController(jobs, channels, optouts, publisher)

		job := domain.NewSendJob(uuid.New(), 1, "user@example.com", "Hi", "Body")
		job.RetryCount = 1
		channelID := uuid.New()
		before := time.Now().UTC()

		jobs.On("FailTransient", mock.Anything, job.ID, mock.MatchedBy(func(next time.Time) bool {
			// base << 1 = 2m, halved plus jitter: somewhere in (1m, 2m].
			delay := next.Sub(before)
			return delay > 30*time.Second && delay <= 2*time.Minute+time.Second
		}), "connection reset").Return(nil).Once()

		err := c.OnFailure(context.Background(), job, channelID, errors.New("connection reset"))
		assert.NoError(t, err)
		jobs.AssertExpectations(t)
		publisher.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("ExhaustedRetriesFailTerminally", func(t *testing.T) {
		jobs := new(MockJobRepository)
		channels := new(MockChannelRepository)
		optouts := new(MockOptOutRepository)
		publisher := new(MockPublisher)
		c := newRetryController(jobs, channels, optouts, publisher)

		job := domain.NewSendJob(uuid.New(), 1, "user@example.com", "Hi", "Body")
		job.RetryCount = 3
		channelID := uuid.New()

		jobs.On("FailTerminal", mock.Anything, job.ID, mock.MatchedBy(func(lastErr string) bool {
			return lastErr != ""
		})).Return(nil).Once()
		publisher.On("Publish", mock.Anything, "jobs.status.terminal", mock.MatchedBy(func(data []byte) bool {
			var ev struct {
				JobID  uuid.UUID `json:"job_id"`
				Status string    `json:"status"`
			}
			require.NoError(t, json.Unmarshal(data, &ev))
			return ev.JobID == job.ID && ev.Status == "failed"
		})).Return(nil).Once()

		err := c.OnFailure(context.Background(), job, channelID, errors.New("still timing out"))
		assert.NoError(t, err)
		jobs.AssertNotCalled(t, "FailTransient", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
		jobs.AssertExpectations(t)
		publisher.AssertExpectations(t)
	})
}

func TestRetryController_PermanentRecipientFailure(t *testing.T) {
	t.Run("FailsTerminallyAndSignalsOptOutOnce", func(t *testing.T) {
		jobs := new(MockJobRepository)
		channels := new(MockChannelRepository)
		optouts := new(MockOptOutRepository)
		publisher := new(MockPublisher)
		c := newRetryController(jobs, channels, optouts, publisher)

		job := domain.NewSendJob(uuid.New(), 1, "bad@example.com", "Hi", "Body")
		channelID := uuid.New()
		sendErr := &mailprovider.SendError{Kind: mailprovider.KindPermanentRecipient, StatusCode: 400, Message: "invalid recipient"}

		jobs.On("FailTerminal", mock.Anything, job.ID, sendErr.Error()).Return(nil).Once()
		optouts.On("RecordOnce", mock.Anything, "bad@example.com", "undeliverable").Return(true, nil).Once()
		publisher.On("Publish", mock.Anything, "contacts.optout", mock.Anything).Return(nil).Once()
		publisher.On("Publish", mock.Anything, "jobs.status.terminal", mock.Anything).Return(nil).Once()

		err := c.OnFailure(context.Background(), job, channelID, sendErr)
		assert.NoError(t, err)
		jobs.AssertExpectations(t)
		optouts.AssertExpectations(t)
		publisher.AssertExpectations(t)
	})

	t.Run("RepeatedBounceDoesNotRepublishOptOut", func(t *testing.T) {
		jobs := new(MockJobRepository)
		channels := new(MockChannelRepository)
		optouts := new(MockOptOutRepository)
		publisher := new(MockPublisher)
		c := newRetryController(jobs, channels, optouts, publisher)

		job := domain.NewSendJob(uuid.New(), 1, "bad@example.com", "Hi", "Body")
		sendErr := &mailprovider.SendError{Kind: mailprovider.KindPermanentRecipient, Message: "hard bounce"}

		jobs.On("FailTerminal", mock.Anything, job.ID, mock.Anything).Return(nil).Once()
		optouts.On("RecordOnce", mock.Anything, "bad@example.com", "undeliverable").Return(false, nil).Once()
		publisher.On("Publish", mock.Anything, "jobs.status.terminal", mock.Anything).Return(nil).Once()

		err := c.OnFailure(context.Background(), job, uuid.New(), sendErr)
		assert.NoError(t, err)
		publisher.AssertNotCalled(t, "Publish", mock.Anything, "contacts.optout", mock.Anything)
	})
}

func TestRetryController_QuotaExhausted(t *testing.T) {
	jobs := new(MockJobRepository)
	channels := new(MockChannelRepository)
	optouts := new(MockOptOutRepository)
	publisher := new(MockPublisher)
	c := newRetryController(jobs, channels, optouts, publisher)

	job := domain.NewSendJob(uuid.New(), 1, "user@example.com", "Hi", "Body")
	channelID := uuid.New()
	sendErr := &mailprovider.SendError{Kind: mailprovider.KindQuotaExhausted, StatusCode: 429, Message: "quota exceeded"}

	channels.On("ForceQuotaExhausted", mock.Anything, channelID).Return(nil).Once()
	jobs.On("Requeue", mock.Anything, job.ID).Return(nil).Once()

	err := c.OnFailure(context.Background(), job, channelID, sendErr)
	assert.NoError(t, err)
	// The job is not penalized for the channel running dry.
	jobs.AssertNotCalled(t, "FailTransient", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	jobs.AssertNotCalled(t, "FailTerminal", mock.Anything, mock.Anything, mock.Anything)
	channels.AssertExpectations(t)
	jobs.AssertExpectations(t)
}

func TestRetryController_BackoffIsCappedAndJittered(t *testing.T) {
	jobs := new(MockJobRepository)
	channels := new(MockChannelRepository)
	optouts := new(MockOptOutRepository)
	publisher := new(MockPublisher)
	c := newRetryController(jobs, channels, optouts, publisher)

	for attempt := 0; attempt < 10; attempt++ {
		d := c.backoff(attempt)
		assert.Greater(t, d, time.Duration(0), "attempt %d", attempt)
		assert.LessOrEqual(t, d, c.cfg.BackoffMax, "attempt %d", attempt)
	}
}
