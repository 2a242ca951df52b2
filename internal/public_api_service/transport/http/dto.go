package http

import (
	"time"

	"github.com/google/uuid"

	"github.com/lumamail/dispatcher/internal/dispatch_service/domain"
)

// --- Task DTOs ---

type CreateTaskRequestDTO struct {
	Name string `json:"name" validate:"required,min=1,max=200"`
}

type TaskDTO struct {
	ID          uuid.UUID `json:"id"`
	Name        string    `json:"name"`
	Status      string    `json:"status"`
	PauseReason string    `json:"pause_reason,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func taskToDTO(t *domain.Task) TaskDTO {
	dto := TaskDTO{
		ID:        t.ID,
		Name:      t.Name,
		Status:    string(t.Status),
		CreatedAt: t.CreatedAt,
		UpdatedAt: t.UpdatedAt,
	}
	if t.PauseReason.Valid {
		dto.PauseReason = t.PauseReason.String
	}
	return dto
}

type SetTaskStatusRequestDTO struct {
	Status      string `json:"status" validate:"required,oneof=draft scheduled sending paused closed"`
	PauseReason string `json:"pause_reason,omitempty" validate:"omitempty,oneof=manual insufficient_balance"`
}

// --- SendJob DTOs ---

type CreateJobsRequestDTO struct {
	Jobs []JobItemDTO `json:"jobs" validate:"required,min=1,max=10000,dive"`
}

type JobItemDTO struct {
	Recipient string `json:"recipient" validate:"required,email"`
	Subject   string `json:"subject" validate:"required,min=1,max=998"`
	Body      string `json:"body" validate:"required"`
	Priority  int    `json:"priority" validate:"gte=0,lte=100"`
}

type CreateJobsResponseDTO struct {
	TaskID  uuid.UUID `json:"task_id"`
	Created int       `json:"created"`
}

type TaskStatsResponseDTO struct {
	TaskID      uuid.UUID         `json:"task_id"`
	Counts      domain.TaskCounts `json:"counts"`
	WaitMetrics WaitSummaryDTO    `json:"wait_metrics"`
}

type WaitSummaryDTO struct {
	AvgWaitSeconds float64 `json:"avg_wait_seconds"`
	P95WaitSeconds float64 `json:"p95_wait_seconds"`
	OverThreshold  int     `json:"over_threshold"`
	Measured       int     `json:"measured"`
}

// --- Channel DTOs ---

type CreateChannelRequestDTO struct {
	Name         string `json:"name" validate:"required,min=1,max=200"`
	ProviderName string `json:"provider_name" validate:"required,min=1,max=100"`
	Enabled      bool   `json:"enabled"`
	DailyQuota   int    `json:"daily_quota" validate:"required,gt=0"`
	SendingRate  int    `json:"sending_rate" validate:"gte=0"`
}

type UpdateChannelRequestDTO struct {
	Name        *string `json:"name,omitempty" validate:"omitempty,min=1,max=200"`
	Enabled     *bool   `json:"enabled,omitempty"`
	DailyQuota  *int    `json:"daily_quota,omitempty" validate:"omitempty,gt=0"`
	SendingRate *int    `json:"sending_rate,omitempty" validate:"omitempty,gte=0"`
}

type ChannelDTO struct {
	ID                  uuid.UUID  `json:"id"`
	Name                string     `json:"name"`
	ProviderName        string     `json:"provider_name"`
	Enabled             bool       `json:"enabled"`
	DailyQuota          int        `json:"daily_quota"`
	UsedQuota           int        `json:"used_quota"`
	SendingRate         int        `json:"sending_rate"`
	NextAvailableAt     *time.Time `json:"next_available_at,omitempty"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	SuccessRate         float64    `json:"success_rate"`
	AvgResponseTimeMs   float64    `json:"avg_response_time_ms"`
	DisabledReason      string     `json:"disabled_reason,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

func channelToDTO(c *domain.Channel) ChannelDTO {
	dto := ChannelDTO{
		ID:                  c.ID,
		Name:                c.Name,
		ProviderName:        c.ProviderName,
		Enabled:             c.Enabled,
		DailyQuota:          c.DailyQuota,
		UsedQuota:           c.UsedQuota,
		SendingRate:         c.SendingRate,
		ConsecutiveFailures: c.ConsecutiveFailures,
		SuccessRate:         c.SuccessRate,
		AvgResponseTimeMs:   c.AvgResponseTimeMs,
		CreatedAt:           c.CreatedAt,
		UpdatedAt:           c.UpdatedAt,
	}
	if c.NextAvailableAt.Valid {
		t := c.NextAvailableAt.Time
		dto.NextAvailableAt = &t
	}
	if c.DisabledReason.Valid {
		dto.DisabledReason = c.DisabledReason.String
	}
	return dto
}
