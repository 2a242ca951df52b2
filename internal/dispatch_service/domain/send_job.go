package domain

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// JobStatus represents the lifecycle state of a SendJob.
type JobStatus string

const (
	JobStatusWaiting    JobStatus = "waiting"
	JobStatusProcessing JobStatus = "processing"
	JobStatusSent       JobStatus = "sent"
	JobStatusDelivered  JobStatus = "delivered"
	JobStatusOpened     JobStatus = "opened"
	JobStatusClicked    JobStatus = "clicked"
	JobStatusFailed     JobStatus = "failed" // terminal; retryable failures go back to waiting
	JobStatusCancelled  JobStatus = "cancelled"
)

// jobTransitions encodes the forward-only state machine. The only backward
// edge is processing -> waiting (retry re-enqueue).
var jobTransitions = map[JobStatus][]JobStatus{
	JobStatusWaiting:    {JobStatusProcessing, JobStatusCancelled},
	JobStatusProcessing: {JobStatusSent, JobStatusWaiting, JobStatusFailed, JobStatusCancelled},
	JobStatusSent:       {JobStatusDelivered, JobStatusOpened, JobStatusClicked, JobStatusFailed},
	JobStatusDelivered:  {JobStatusOpened, JobStatusClicked},
	JobStatusOpened:     {JobStatusClicked},
}

// CanTransition reports whether from -> to is a valid SendJob transition.
func CanTransition(from, to JobStatus) bool {
	for _, next := range jobTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// deliveryRank orders the post-send engagement states so ingestion can refuse
// backward moves on replayed callbacks.
var deliveryRank = map[JobStatus]int{
	JobStatusSent:      1,
	JobStatusDelivered: 2,
	JobStatusOpened:    3,
	JobStatusClicked:   4,
}

// DeliveryRank returns the engagement rank of a status, or 0 when the status
// is not at or past sent.
func DeliveryRank(s JobStatus) int {
	return deliveryRank[s]
}

// SendJob is one outbound email for one recipient, belonging to a parent Task.
// Subject and body arrive already rendered; the scheduler never templates.
type SendJob struct {
	ID          uuid.UUID      `json:"id"`
	TaskID      uuid.UUID      `json:"task_id"`
	Priority    int            `json:"priority"` // higher is more urgent
	Recipient   string         `json:"recipient"`
	Subject     string         `json:"subject"`
	Body        string         `json:"body"`
	TrackingID  uuid.UUID      `json:"tracking_id"` // unique, assigned once at creation
	Status      JobStatus      `json:"status"`
	ChannelID   uuid.NullUUID  `json:"channel_id,omitempty"` // stamped on claim
	RetryCount  int            `json:"retry_count"`
	NextRetryAt sql.NullTime   `json:"next_retry_at,omitempty"`
	SentAt      sql.NullTime   `json:"sent_at,omitempty"`
	DeliveredAt sql.NullTime   `json:"delivered_at,omitempty"`
	OpenedAt    sql.NullTime   `json:"opened_at,omitempty"`
	ClickedAt   sql.NullTime   `json:"clicked_at,omitempty"`
	LastError   sql.NullString `json:"last_error,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// NewSendJob builds a waiting job with a fresh tracking ID.
func NewSendJob(taskID uuid.UUID, priority int, recipient, subject, body string) *SendJob {
	now := time.Now().UTC()
	return &SendJob{
		ID:         uuid.New(),
		TaskID:     taskID,
		Priority:   priority,
		Recipient:  recipient,
		Subject:    subject,
		Body:       body,
		TrackingID: uuid.New(),
		Status:     JobStatusWaiting,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// TaskCounts aggregates job states for one task, surfaced to collaborators.
type TaskCounts struct {
	Waiting    int `json:"waiting"`
	Processing int `json:"processing"`
	Sent       int `json:"sent"` // includes delivered/opened/clicked
	Failed     int `json:"failed"`
	Cancelled  int `json:"cancelled"`
}
