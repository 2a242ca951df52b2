package mailprovider

import (
	"context"
	"errors"
	"fmt"
)

// SendRequest holds the data for one outbound email. Subject and body arrive
// already rendered.
type SendRequest struct {
	JobID      string // our send job ID, for provider-side correlation
	TrackingID string // correlation ID echoed back in delivery callbacks
	Recipient  string
	Subject    string
	Body       string
	FromName   string // channel identity
}

// SendResponse is the outcome of a successful submission to the provider.
type SendResponse struct {
	ProviderMessageID string
	StatusCode        int
}

// Adapter is the interface a mail provider integration implements.
type Adapter interface {
	Send(ctx context.Context, req SendRequest) (*SendResponse, error)
	Name() string
}

// ErrorKind classifies a failed send for the retry controller.
type ErrorKind int

const (
	// KindTransient covers timeouts, network errors and provider 5xx; the
	// job goes back to waiting with backoff.
	KindTransient ErrorKind = iota
	// KindQuotaExhausted means the provider rejected the send because the
	// account is out of quota, regardless of what local counters say.
	KindQuotaExhausted
	// KindPermanentRecipient means the address itself is undeliverable
	// (invalid syntax, hard bounce at submit); no retry will help.
	KindPermanentRecipient
)

// SendError is the typed error adapters return on failure.
type SendError struct {
	Kind       ErrorKind
	StatusCode int
	Message    string
}

func (e *SendError) Error() string {
	return fmt.Sprintf("provider send failed (status %d): %s", e.StatusCode, e.Message)
}

// Classify extracts the error kind from a send failure. Anything that is not
// a SendError — context deadlines, dial failures — is treated as transient,
// the safe default.
func Classify(err error) ErrorKind {
	var sendErr *SendError
	if errors.As(err, &sendErr) {
		return sendErr.Kind
	}
	return KindTransient
}
