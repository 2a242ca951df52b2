package domain

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// Channel is a sending identity with a provider account, its own daily quota
// and a minimum interval between sends.
type Channel struct {
	ID                  uuid.UUID      `json:"id"`
	Name                string         `json:"name"`
	ProviderName        string         `json:"provider_name"` // which mail provider adapter handles sends on this channel
	Enabled             bool           `json:"enabled"`
	DailyQuota          int            `json:"daily_quota"`
	UsedQuota           int            `json:"used_quota"` // resets daily; never exceeds DailyQuota
	SendingRate         int            `json:"sending_rate"` // minimum seconds between sends
	LastSentAt          sql.NullTime   `json:"last_sent_at,omitempty"`
	NextAvailableAt     sql.NullTime   `json:"next_available_at,omitempty"`
	ConsecutiveFailures int            `json:"consecutive_failures"`
	SuccessRate         float64        `json:"success_rate"`          // exponential moving average in [0,1]
	AvgResponseTimeMs   float64        `json:"avg_response_time_ms"`  // exponential moving average
	DisabledReason      sql.NullString `json:"disabled_reason,omitempty"`
	CreatedAt           time.Time      `json:"created_at"`
	UpdatedAt           time.Time      `json:"updated_at"`
}

// IsReady reports whether the channel may receive a new send right now:
// enabled, quota remaining, and past its rate window.
func (c *Channel) IsReady(now time.Time) bool {
	if !c.Enabled {
		return false
	}
	if c.UsedQuota >= c.DailyQuota {
		return false
	}
	if c.NextAvailableAt.Valid && c.NextAvailableAt.Time.After(now) {
		return false
	}
	return true
}

// ChannelOutcome is the result of applying a send attempt to a channel's
// counters. Disabled is true when this attempt crossed the consecutive-failure
// threshold and the channel was auto-disabled as a side effect.
type ChannelOutcome struct {
	Disabled            bool
	ConsecutiveFailures int
}
