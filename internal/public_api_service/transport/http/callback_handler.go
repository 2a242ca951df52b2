package http

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log/slog"
	"net/http"
	"regexp"

	"github.com/go-chi/chi/v5"

	"github.com/lumamail/dispatcher/internal/platform/messagebroker"
)

const (
	signatureHeader    = "X-Callback-Signature"
	rawEventSubjectPfx = "events.raw."
	maxCallbackBody    = 1 << 20 // 1 MiB
)

var providerNamePattern = regexp.MustCompile(`^[a-z0-9_-]{1,64}$`)

// CallbackHandler receives asynchronous delivery-event callbacks from mail
// providers. It verifies the source, acknowledges fast and hands the raw
// payload to the broker; all parsing and state-machine work happens in the
// ingestion consumer.
type CallbackHandler struct {
	publisher  messagebroker.Publisher
	hmacSecret []byte
	logger     *slog.Logger
}

func NewCallbackHandler(publisher messagebroker.Publisher, hmacSecret string, logger *slog.Logger) *CallbackHandler {
	return &CallbackHandler{
		publisher:  publisher,
		hmacSecret: []byte(hmacSecret),
		logger:     logger,
	}
}

func (h *CallbackHandler) ReceiveEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	provider := chi.URLParam(r, "provider_name")
	if !providerNamePattern.MatchString(provider) {
		h.logger.WarnContext(ctx, "Callback with invalid provider name", "provider", provider)
		http.Error(w, "Invalid provider name", http.StatusBadRequest)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxCallbackBody+1))
	if err != nil {
		h.logger.WarnContext(ctx, "Failed to read callback body", "error", err, "provider", provider)
		http.Error(w, "Failed to read body", http.StatusBadRequest)
		return
	}
	if len(body) > maxCallbackBody {
		http.Error(w, "Payload too large", http.StatusRequestEntityTooLarge)
		return
	}
	if len(body) == 0 {
		http.Error(w, "Empty payload", http.StatusBadRequest)
		return
	}

	if !h.verifySignature(r.Header.Get(signatureHeader), body) {
		h.logger.WarnContext(ctx, "Callback signature verification failed", "provider", provider)
		http.Error(w, "Invalid signature", http.StatusUnauthorized)
		return
	}

	if err := h.publisher.Publish(ctx, rawEventSubjectPfx+provider, body); err != nil {
		h.logger.ErrorContext(ctx, "Failed to publish raw callback", "error", err, "provider", provider)
		// 5xx so the provider retries later.
		http.Error(w, "Temporarily unavailable", http.StatusServiceUnavailable)
		return
	}

	h.logger.DebugContext(ctx, "Callback accepted", "provider", provider, "bytes", len(body))
	w.WriteHeader(http.StatusAccepted)
}

// verifySignature checks the hex-encoded HMAC-SHA256 of the body in constant
// time.
func (h *CallbackHandler) verifySignature(signature string, body []byte) bool {
	if signature == "" {
		return false
	}
	provided, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, h.hmacSecret)
	mac.Write(body)
	return hmac.Equal(provided, mac.Sum(nil))
}

// RegisterRoutes registers the callback route on a Chi router.
func (h *CallbackHandler) RegisterRoutes(r chi.Router) {
	r.Post("/{provider_name}/events", h.ReceiveEvents)
}
