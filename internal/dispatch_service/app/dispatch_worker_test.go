package app

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/lumamail/dispatcher/internal/dispatch_service/adapters/mailprovider"
	"github.com/lumamail/dispatcher/internal/dispatch_service/domain"
)

func testPoolConfig() PoolConfig {
	return PoolConfig{Size: 2, DispatchTimeout: time.Second}
}

func testDispatch() Dispatch {
	ch := readyChannel()
	ch.ProviderName = "mock"
	return Dispatch{
		Job:     domain.NewSendJob(uuid.New(), 1, "user@example.com", "Hello", "<p>Hi</p>"),
		Channel: ch,
		Lease:   activeLease(ch.ID),
	}
}

// releaseTracker counts Release calls for one lease across goroutines.
type releaseTracker struct {
	mu    sync.Mutex
	count int
	done  chan struct{}
}

func newReleaseTracker() *releaseTracker {
	return &releaseTracker{done: make(chan struct{}, 4)}
}

func (rt *releaseTracker) record(mock.Arguments) {
	rt.mu.Lock()
	rt.count++
	rt.mu.Unlock()
	rt.done <- struct{}{}
}

func (rt *releaseTracker) wait(t *testing.T) {
	t.Helper()
	select {
	case <-rt.done:
	case <-time.After(2 * time.Second):
		t.Fatal("lease was never released")
	}
}

func (rt *releaseTracker) releases() int {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.count
}

func TestDispatchPool_SuccessfulSend(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	channels := new(MockChannelRepository)
	jobs := new(MockJobRepository)
	reservations := new(MockReservationRepository)
	failures := new(MockFailureHandler)
	adapter := &MockAdapter{AdapterName: "mock"}

	d := testDispatch()
	tracker := newReleaseTracker()

	adapter.On("Send", mock.Anything, mock.MatchedBy(func(req mailprovider.SendRequest) bool {
		return req.Recipient == d.Job.Recipient && req.TrackingID == d.Job.TrackingID.String()
	})).Return(&mailprovider.SendResponse{ProviderMessageID: "msg-1", StatusCode: 200}, nil).Once()
	channels.On("RecordOutcome", mock.Anything, d.Channel.ID, true, mock.Anything).
		Return(&domain.ChannelOutcome{}, nil).Once()
	jobs.On("Complete", mock.Anything, d.Job.ID, mock.Anything).Return(nil).Once()
	reservations.On("Release", mock.Anything, d.Lease.ID).Run(tracker.record).Return(nil)

	pool := NewDispatchPool(map[string]mailprovider.Adapter{"mock": adapter}, "mock",
		channels, jobs, reservations, failures, logger, testPoolConfig())

	require.True(t, pool.Submit(d))
	tracker.wait(t)
	require.NoError(t, pool.Shutdown(contextWithTimeout(t)))

	assert.Equal(t, 1, tracker.releases())
	adapter.AssertExpectations(t)
	channels.AssertExpectations(t)
	jobs.AssertExpectations(t)
	failures.AssertNotCalled(t, "OnFailure", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestDispatchPool_FailedSendGoesToFailureHandler(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	channels := new(MockChannelRepository)
	jobs := new(MockJobRepository)
	reservations := new(MockReservationRepository)
	failures := new(MockFailureHandler)
	adapter := &MockAdapter{AdapterName: "mock"}

	d := testDispatch()
	tracker := newReleaseTracker()
	sendErr := &mailprovider.SendError{Kind: mailprovider.KindTransient, StatusCode: 503, Message: "upstream busy"}

	adapter.On("Send", mock.Anything, mock.Anything).Return(nil, sendErr).Once()
	channels.On("RecordOutcome", mock.Anything, d.Channel.ID, false, mock.Anything).
		Return(&domain.ChannelOutcome{ConsecutiveFailures: 1}, nil).Once()
	failures.On("OnFailure", mock.Anything, d.Job, d.Channel.ID, sendErr).Return(nil).Once()
	reservations.On("Release", mock.Anything, d.Lease.ID).Run(tracker.record).Return(nil)

	pool := NewDispatchPool(map[string]mailprovider.Adapter{"mock": adapter}, "mock",
		channels, jobs, reservations, failures, logger, testPoolConfig())

	require.True(t, pool.Submit(d))
	tracker.wait(t)
	require.NoError(t, pool.Shutdown(contextWithTimeout(t)))

	assert.Equal(t, 1, tracker.releases())
	failures.AssertExpectations(t)
	jobs.AssertNotCalled(t, "Complete", mock.Anything, mock.Anything, mock.Anything)
}

func TestDispatchPool_PanickingProviderStillReleasesLease(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	channels := new(MockChannelRepository)
	jobs := new(MockJobRepository)
	reservations := new(MockReservationRepository)
	failures := new(MockFailureHandler)
	adapter := &MockAdapter{AdapterName: "mock"}

	d := testDispatch()
	tracker := newReleaseTracker()

	adapter.On("Send", mock.Anything, mock.Anything).Run(func(mock.Arguments) {
		panic("provider blew up")
	}).Return(nil, errors.New("unreachable")).Once()
	failures.On("OnFailure", mock.Anything, d.Job, d.Channel.ID, mock.Anything).Return(nil).Once()
	reservations.On("Release", mock.Anything, d.Lease.ID).Run(tracker.record).Return(nil)

	pool := NewDispatchPool(map[string]mailprovider.Adapter{"mock": adapter}, "mock",
		channels, jobs, reservations, failures, logger, testPoolConfig())

	require.True(t, pool.Submit(d))
	tracker.wait(t)
	require.NoError(t, pool.Shutdown(contextWithTimeout(t)))

	// Exactly one release even on the panic path.
	assert.Equal(t, 1, tracker.releases())
	failures.AssertExpectations(t)
}

func TestDispatchPool_UnknownProviderFallsBackToDefault(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	channels := new(MockChannelRepository)
	jobs := new(MockJobRepository)
	reservations := new(MockReservationRepository)
	failures := new(MockFailureHandler)
	adapter := &MockAdapter{AdapterName: "mock"}

	d := testDispatch()
	d.Channel.ProviderName = "unconfigured-provider"
	tracker := newReleaseTracker()

	adapter.On("Send", mock.Anything, mock.Anything).
		Return(&mailprovider.SendResponse{ProviderMessageID: "msg-2"}, nil).Once()
	channels.On("RecordOutcome", mock.Anything, d.Channel.ID, true, mock.Anything).
		Return(&domain.ChannelOutcome{}, nil).Once()
	jobs.On("Complete", mock.Anything, d.Job.ID, mock.Anything).Return(nil).Once()
	reservations.On("Release", mock.Anything, d.Lease.ID).Run(tracker.record).Return(nil)

	pool := NewDispatchPool(map[string]mailprovider.Adapter{"mock": adapter}, "mock",
		channels, jobs, reservations, failures, logger, testPoolConfig())

	require.True(t, pool.Submit(d))
	tracker.wait(t)
	require.NoError(t, pool.Shutdown(contextWithTimeout(t)))
	adapter.AssertExpectations(t)
}

func TestDispatchPool_SubmitRejectsWhenFull(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	channels := new(MockChannelRepository)
	jobs := new(MockJobRepository)
	reservations := new(MockReservationRepository)
	failures := new(MockFailureHandler)
	adapter := &MockAdapter{AdapterName: "mock"}

	block := make(chan struct{})
	adapter.On("Send", mock.Anything, mock.Anything).Run(func(mock.Arguments) {
		<-block
	}).Return(&mailprovider.SendResponse{}, nil)
	channels.On("RecordOutcome", mock.Anything, mock.Anything, true, mock.Anything).
		Return(&domain.ChannelOutcome{}, nil)
	jobs.On("Complete", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	reservations.On("Release", mock.Anything, mock.Anything).Return(nil)

	cfg := PoolConfig{Size: 1, DispatchTimeout: time.Second}
	pool := NewDispatchPool(map[string]mailprovider.Adapter{"mock": adapter}, "mock",
		channels, jobs, reservations, failures, logger, cfg)

	require.True(t, pool.Submit(testDispatch()))
	// One worker, already busy.
	assert.False(t, pool.Submit(testDispatch()))

	close(block)
	require.NoError(t, pool.Shutdown(contextWithTimeout(t)))
}
