package domain

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// WaitMetric records, per SendJob, how long the job sat in the queue before
// its first dispatch attempt. FirstSendTime is set exactly once, on the job's
// first waiting -> processing transition; retries do not move it.
type WaitMetric struct {
	JobID          uuid.UUID    `json:"job_id"`
	TaskID         uuid.UUID    `json:"task_id"`
	QueueEntryTime time.Time    `json:"queue_entry_time"`
	FirstSendTime  sql.NullTime `json:"first_send_time,omitempty"`
}

// WaitSummary aggregates wait durations for operational alerting.
type WaitSummary struct {
	AvgWait       time.Duration `json:"avg_wait"`
	P95Wait       time.Duration `json:"p95_wait"`
	OverThreshold int           `json:"over_threshold"` // jobs waiting longer than the alert threshold
	Measured      int           `json:"measured"`       // jobs with a first send recorded
}
