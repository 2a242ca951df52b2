package http

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockPublisher struct {
	mock.Mock
}

func (m *mockPublisher) Publish(ctx context.Context, subject string, data []byte) error {
	args := m.Called(ctx, subject, data)
	return args.Error(0)
}

const testHMACSecret = "callback-test-secret"

func signBody(body []byte) string {
	mac := hmac.New(sha256.New, []byte(testHMACSecret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func newCallbackTestServer(publisher *mockPublisher) *httptest.Server {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	handler := NewCallbackHandler(publisher, testHMACSecret, logger)
	r := chi.NewRouter()
	r.Route("/callbacks", handler.RegisterRoutes)
	return httptest.NewServer(r)
}

func postCallback(t *testing.T, url string, body []byte, signature string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if signature != "" {
		req.Header.Set("X-Callback-Signature", signature)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func TestCallbackHandler_ReceiveEvents(t *testing.T) {
	body := []byte(`{"event": "delivery", "message_id": "6a9c4e9e-0000-4000-8000-000000000001"}`)

	t.Run("ValidSignatureIsAcceptedAndPublished", func(t *testing.T) {
		publisher := new(mockPublisher)
		server := newCallbackTestServer(publisher)
		defer server.Close()

		publisher.On("Publish", mock.Anything, "events.raw.sendwave", body).Return(nil).Once()

		resp := postCallback(t, server.URL+"/callbacks/sendwave/events", body, signBody(body))
		defer resp.Body.Close()

		assert.Equal(t, http.StatusAccepted, resp.StatusCode)
		publisher.AssertExpectations(t)
	})

	t.Run("MissingSignatureIsRejected", func(t *testing.T) {
		publisher := new(mockPublisher)
		server := newCallbackTestServer(publisher)
		defer server.Close()

		resp := postCallback(t, server.URL+"/callbacks/sendwave/events", body, "")
		defer resp.Body.Close()

		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		publisher.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("TamperedBodyIsRejected", func(t *testing.T) {
		publisher := new(mockPublisher)
		server := newCallbackTestServer(publisher)
		defer server.Close()

		tampered := []byte(`{"event": "delivery", "message_id": "6a9c4e9e-0000-4000-8000-00000000dead"}`)
		resp := postCallback(t, server.URL+"/callbacks/sendwave/events", tampered, signBody(body))
		defer resp.Body.Close()

		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("NonHexSignatureIsRejected", func(t *testing.T) {
		publisher := new(mockPublisher)
		server := newCallbackTestServer(publisher)
		defer server.Close()

		resp := postCallback(t, server.URL+"/callbacks/sendwave/events", body, "not-hex-at-all")
		defer resp.Body.Close()

		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("InvalidProviderNameIsRejected", func(t *testing.T) {
		publisher := new(mockPublisher)
		server := newCallbackTestServer(publisher)
		defer server.Close()

		resp := postCallback(t, server.URL+"/callbacks/Send%20Wave/events", body, signBody(body))
		defer resp.Body.Close()

		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("EmptyBodyIsRejected", func(t *testing.T) {
		publisher := new(mockPublisher)
		server := newCallbackTestServer(publisher)
		defer server.Close()

		resp := postCallback(t, server.URL+"/callbacks/sendwave/events", nil, signBody(nil))
		defer resp.Body.Close()

		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("BrokerOutageReturns503", func(t *testing.T) {
		publisher := new(mockPublisher)
		server := newCallbackTestServer(publisher)
		defer server.Close()

		publisher.On("Publish", mock.Anything, "events.raw.sendwave", body).
			Return(assert.AnError).Once()

		resp := postCallback(t, server.URL+"/callbacks/sendwave/events", body, signBody(body))
		defer resp.Body.Close()

		// 5xx so the provider retries instead of dropping the events.
		assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	})
}
