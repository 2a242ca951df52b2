package app

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"

	"github.com/lumamail/dispatcher/internal/dispatch_service/adapters/mailprovider"
	"github.com/lumamail/dispatcher/internal/dispatch_service/domain"
)

func contextWithTimeout(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// --- Mocks ---

type MockChannelRepository struct {
	mock.Mock
}

func (m *MockChannelRepository) Create(ctx context.Context, channel *domain.Channel) error {
	args := m.Called(ctx, channel)
	return args.Error(0)
}

func (m *MockChannelRepository) Update(ctx context.Context, channel *domain.Channel) error {
	args := m.Called(ctx, channel)
	return args.Error(0)
}

func (m *MockChannelRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.Channel, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Channel), args.Error(1)
}

func (m *MockChannelRepository) List(ctx context.Context) ([]*domain.Channel, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.Channel), args.Error(1)
}

func (m *MockChannelRepository) ListReady(ctx context.Context, now time.Time, limit int) ([]*domain.Channel, error) {
	args := m.Called(ctx, now, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.Channel), args.Error(1)
}

func (m *MockChannelRepository) RecordOutcome(ctx context.Context, channelID uuid.UUID, success bool, responseTimeMs int64) (*domain.ChannelOutcome, error) {
	args := m.Called(ctx, channelID, success, responseTimeMs)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.ChannelOutcome), args.Error(1)
}

func (m *MockChannelRepository) ForceQuotaExhausted(ctx context.Context, channelID uuid.UUID) error {
	args := m.Called(ctx, channelID)
	return args.Error(0)
}

func (m *MockChannelRepository) ResetDailyQuotas(ctx context.Context) (int64, error) {
	args := m.Called(ctx)
	return args.Get(0).(int64), args.Error(1)
}

type MockReservationRepository struct {
	mock.Mock
}

func (m *MockReservationRepository) TryReserve(ctx context.Context, channelID uuid.UUID, holder string, ttl time.Duration) (*domain.Reservation, error) {
	args := m.Called(ctx, channelID, holder, ttl)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Reservation), args.Error(1)
}

func (m *MockReservationRepository) Release(ctx context.Context, reservationID uuid.UUID) error {
	args := m.Called(ctx, reservationID)
	return args.Error(0)
}

func (m *MockReservationRepository) SweepExpired(ctx context.Context) (int64, error) {
	args := m.Called(ctx)
	return args.Get(0).(int64), args.Error(1)
}

type MockJobRepository struct {
	mock.Mock
}

func (m *MockJobRepository) CreateBatch(ctx context.Context, jobs []*domain.SendJob) error {
	args := m.Called(ctx, jobs)
	return args.Error(0)
}

func (m *MockJobRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.SendJob, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.SendJob), args.Error(1)
}

func (m *MockJobRepository) GetByTrackingID(ctx context.Context, trackingID uuid.UUID) (*domain.SendJob, error) {
	args := m.Called(ctx, trackingID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.SendJob), args.Error(1)
}

func (m *MockJobRepository) ClaimNext(ctx context.Context, channelID uuid.UUID) (*domain.SendJob, error) {
	args := m.Called(ctx, channelID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.SendJob), args.Error(1)
}

func (m *MockJobRepository) Complete(ctx context.Context, jobID uuid.UUID, sentAt time.Time) error {
	args := m.Called(ctx, jobID, sentAt)
	return args.Error(0)
}

func (m *MockJobRepository) Requeue(ctx context.Context, jobID uuid.UUID) error {
	args := m.Called(ctx, jobID)
	return args.Error(0)
}

func (m *MockJobRepository) FailTransient(ctx context.Context, jobID uuid.UUID, nextRetryAt time.Time, lastError string) error {
	args := m.Called(ctx, jobID, nextRetryAt, lastError)
	return args.Error(0)
}

func (m *MockJobRepository) FailTerminal(ctx context.Context, jobID uuid.UUID, lastError string) error {
	args := m.Called(ctx, jobID, lastError)
	return args.Error(0)
}

func (m *MockJobRepository) AdvanceDeliveryState(ctx context.Context, jobID uuid.UUID, to domain.JobStatus, at time.Time) (bool, error) {
	args := m.Called(ctx, jobID, to, at)
	return args.Bool(0), args.Error(1)
}

func (m *MockJobRepository) CancelForTask(ctx context.Context, taskID uuid.UUID) (int64, error) {
	args := m.Called(ctx, taskID)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockJobRepository) RequeueStuck(ctx context.Context, olderThan time.Duration) (int64, error) {
	args := m.Called(ctx, olderThan)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockJobRepository) CountsByTask(ctx context.Context, taskID uuid.UUID) (*domain.TaskCounts, error) {
	args := m.Called(ctx, taskID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.TaskCounts), args.Error(1)
}

type MockOptOutRepository struct {
	mock.Mock
}

func (m *MockOptOutRepository) RecordOnce(ctx context.Context, recipient, reason string) (bool, error) {
	args := m.Called(ctx, recipient, reason)
	return args.Bool(0), args.Error(1)
}

type MockPublisher struct {
	mock.Mock
}

func (m *MockPublisher) Publish(ctx context.Context, subject string, data []byte) error {
	args := m.Called(ctx, subject, data)
	return args.Error(0)
}

type MockDispatcher struct {
	mock.Mock
}

func (m *MockDispatcher) Submit(d Dispatch) bool {
	args := m.Called(d)
	return args.Bool(0)
}

type MockFailureHandler struct {
	mock.Mock
}

func (m *MockFailureHandler) OnFailure(ctx context.Context, job *domain.SendJob, channelID uuid.UUID, sendErr error) error {
	args := m.Called(ctx, job, channelID, sendErr)
	return args.Error(0)
}

type MockAdapter struct {
	mock.Mock
	AdapterName string
}

func (m *MockAdapter) Send(ctx context.Context, req mailprovider.SendRequest) (*mailprovider.SendResponse, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*mailprovider.SendResponse), args.Error(1)
}

func (m *MockAdapter) Name() string {
	return m.AdapterName
}
