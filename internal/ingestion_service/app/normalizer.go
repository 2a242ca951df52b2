package app

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/lumamail/dispatcher/internal/ingestion_service/domain"
)

// Providers deliver callbacks in one of two wire shapes. The batch shape is a
// JSON object with an "events" array of typed records; the flat shape is a
// single JSON object with terse field names and its own type vocabulary.
// Normalize maps both onto the canonical event set so the processor has one
// input type.

// batchPayload is the batch webhook shape.
type batchPayload struct {
	Events []batchEvent `json:"events"`
}

type batchEvent struct {
	Type       string `json:"type"`
	TrackingID string `json:"tracking_id"`
	Email      string `json:"email,omitempty"`
	Timestamp  string `json:"timestamp,omitempty"` // RFC 3339
	Reason     string `json:"reason,omitempty"`
}

// flatPayload is the single-event shape.
type flatPayload struct {
	Event      string `json:"event"`
	MessageID  string `json:"message_id"`
	Recipient  string `json:"recipient,omitempty"`
	BounceType string `json:"bounce_type,omitempty"` // "hard" or "soft"
	TS         int64  `json:"ts,omitempty"`          // unix seconds
	Detail     string `json:"detail,omitempty"`
}

var batchEventTypes = map[string]domain.EventType{
	"delivered":     domain.EventDelivered,
	"soft_bounce":   domain.EventBouncedSoft,
	"hard_bounce":   domain.EventBouncedHard,
	"invalid_email": domain.EventInvalidEmail,
	"opened":        domain.EventOpened,
	"clicked":       domain.EventClicked,
	"unsubscribed":  domain.EventUnsubscribed,
	"spam_report":   domain.EventSpamReported,
	"reply":         domain.EventInboundReply,
}

var flatEventTypes = map[string]domain.EventType{
	"delivery": domain.EventDelivered,
	"open":     domain.EventOpened,
	"click":    domain.EventClicked,
	"unsub":    domain.EventUnsubscribed,
	"spam":     domain.EventSpamReported,
	"reply":    domain.EventInboundReply,
	// "bounce" is resolved via BounceType below.
}

// Normalize parses one raw callback payload from the named provider into
// canonical events. Unknown event types within an otherwise valid payload are
// skipped with a count of how many were dropped; a payload matching neither
// shape is an error.
func Normalize(provider string, payload []byte) ([]domain.CanonicalEvent, int, error) {
	// Shape detection looks at the decoded structure, not the raw text: a
	// flat payload whose detail string mentions "events" must still route
	// flat.
	var probe struct {
		Events json.RawMessage `json:"events"`
	}
	if err := json.Unmarshal(payload, &probe); err != nil {
		return nil, 0, fmt.Errorf("failed to parse callback payload: %w", err)
	}
	if len(probe.Events) > 0 {
		return normalizeBatch(provider, payload)
	}
	return normalizeFlat(provider, payload)
}

func normalizeBatch(provider string, payload []byte) ([]domain.CanonicalEvent, int, error) {
	var batch batchPayload
	if err := json.Unmarshal(payload, &batch); err != nil {
		return nil, 0, fmt.Errorf("failed to parse batch callback payload: %w", err)
	}

	events := make([]domain.CanonicalEvent, 0, len(batch.Events))
	dropped := 0
	for _, raw := range batch.Events {
		eventType, ok := batchEventTypes[raw.Type]
		if !ok {
			dropped++
			continue
		}
		trackingID, err := uuid.Parse(raw.TrackingID)
		if err != nil {
			dropped++
			continue
		}
		occurredAt := time.Now().UTC()
		if raw.Timestamp != "" {
			if t, err := time.Parse(time.RFC3339, raw.Timestamp); err == nil {
				occurredAt = t.UTC()
			}
		}
		events = append(events, domain.CanonicalEvent{
			Type:       eventType,
			TrackingID: trackingID,
			Recipient:  raw.Email,
			Provider:   provider,
			OccurredAt: occurredAt,
			Detail:     raw.Reason,
		})
	}
	return events, dropped, nil
}

func normalizeFlat(provider string, payload []byte) ([]domain.CanonicalEvent, int, error) {
	var flat flatPayload
	if err := json.Unmarshal(payload, &flat); err != nil {
		return nil, 0, fmt.Errorf("failed to parse flat callback payload: %w", err)
	}
	if flat.Event == "" || flat.MessageID == "" {
		return nil, 0, fmt.Errorf("flat callback payload missing event or message_id")
	}

	var eventType domain.EventType
	if flat.Event == "bounce" {
		switch flat.BounceType {
		case "hard":
			eventType = domain.EventBouncedHard
		default:
			eventType = domain.EventBouncedSoft
		}
	} else {
		var ok bool
		eventType, ok = flatEventTypes[flat.Event]
		if !ok {
			return nil, 1, nil
		}
	}

	trackingID, err := uuid.Parse(flat.MessageID)
	if err != nil {
		return nil, 0, fmt.Errorf("flat callback payload has invalid message_id: %w", err)
	}
	occurredAt := time.Now().UTC()
	if flat.TS > 0 {
		occurredAt = time.Unix(flat.TS, 0).UTC()
	}
	return []domain.CanonicalEvent{{
		Type:       eventType,
		TrackingID: trackingID,
		Recipient:  flat.Recipient,
		Provider:   provider,
		OccurredAt: occurredAt,
		Detail:     flat.Detail,
	}}, 0, nil
}
