package domain

import "errors"

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrChannelNotAvailable is returned by TryReserve when another worker
	// holds an active, non-expired lease, and by RecordOutcome when the
	// channel row is missing or already disabled.
	ErrChannelNotAvailable = errors.New("channel not available")
	// ErrNoClaimableJob is returned by ClaimNext when no waiting job with a
	// sending parent task exists for the channel to take.
	ErrNoClaimableJob = errors.New("no claimable job")
	// ErrTaskClosed is returned when any status change is attempted on a
	// closed task.
	ErrTaskClosed = errors.New("task is closed")
	// ErrInvalidTransition is returned for a state change the job or task
	// state machine does not permit.
	ErrInvalidTransition = errors.New("invalid state transition")
)
