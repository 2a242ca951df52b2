package domain

import (
	"time"

	"github.com/google/uuid"
)

// ReservationStatus is the state of a channel lease.
type ReservationStatus string

const (
	ReservationStatusActive   ReservationStatus = "active"
	ReservationStatusReleased ReservationStatus = "released"
	ReservationStatusExpired  ReservationStatus = "expired"
)

// Reservation is a short-lived exclusive lease on a Channel held by one
// scheduler worker. At most one active reservation may exist per channel;
// a reservation past its ExpiresAt is treated as released by any observer,
// which is the crash-recovery path when a worker dies mid-dispatch.
type Reservation struct {
	ID         uuid.UUID         `json:"id"`
	ChannelID  uuid.UUID         `json:"channel_id"`
	Holder     string            `json:"holder"` // worker identity, for diagnostics only
	Status     ReservationStatus `json:"status"`
	ReservedAt time.Time         `json:"reserved_at"`
	ExpiresAt  time.Time         `json:"expires_at"`
}
