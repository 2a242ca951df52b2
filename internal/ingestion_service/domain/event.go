package domain

import (
	"time"

	"github.com/google/uuid"
)

// EventType is the canonical delivery-event vocabulary. Every provider wire
// shape is mapped onto this set before any state-machine logic runs.
type EventType string

const (
	EventDelivered    EventType = "delivered"
	EventBouncedSoft  EventType = "bounced_soft"
	EventBouncedHard  EventType = "bounced_hard"
	EventInvalidEmail EventType = "invalid_email"
	EventOpened       EventType = "opened"
	EventClicked      EventType = "clicked"
	EventUnsubscribed EventType = "unsubscribed"
	EventSpamReported EventType = "spam_reported"
	EventInboundReply EventType = "inbound_reply"
)

// CanonicalEvent is one normalized delivery event, correlated to a SendJob by
// its tracking ID.
type CanonicalEvent struct {
	Type       EventType
	TrackingID uuid.UUID
	Recipient  string // may be empty; the job record is authoritative
	Provider   string
	OccurredAt time.Time
	Detail     string // provider-supplied diagnostic, e.g. bounce reason
}
