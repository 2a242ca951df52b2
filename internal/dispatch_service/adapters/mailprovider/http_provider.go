package mailprovider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// HTTPProvider submits email over a provider's JSON REST API.
type HTTPProvider struct {
	name       string
	logger     *slog.Logger
	httpClient *http.Client
	apiURL     string
	apiKey     string
}

func NewHTTPProvider(name string, logger *slog.Logger, apiURL, apiKey string, httpClient *http.Client) *HTTPProvider {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPProvider{
		name:       name,
		logger:     logger.With("provider", name),
		httpClient: httpClient,
		apiURL:     apiURL,
		apiKey:     apiKey,
	}
}

func (p *HTTPProvider) Name() string { return p.name }

type httpSendRequestBody struct {
	To         string `json:"to"`
	FromName   string `json:"from_name,omitempty"`
	Subject    string `json:"subject"`
	HTMLBody   string `json:"html_body"`
	TrackingID string `json:"tracking_id"`
	Reference  string `json:"reference,omitempty"`
}

type httpSendSuccessResponse struct {
	MessageID string `json:"message_id"`
	Status    string `json:"status"`
}

type httpSendErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (p *HTTPProvider) Send(ctx context.Context, req SendRequest) (*SendResponse, error) {
	body := httpSendRequestBody{
		To:         req.Recipient,
		FromName:   req.FromName,
		Subject:    req.Subject,
		HTMLBody:   req.Body,
		TrackingID: req.TrackingID,
		Reference:  req.JobID,
	}
	reqBytes, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal provider request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.apiURL, bytes.NewBuffer(reqBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to create provider request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		// Dial/timeout errors: transient by Classify's default.
		return nil, fmt.Errorf("provider request failed: %w", err)
	}
	defer resp.Body.Close()

	respBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read provider response: %w", err)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		var success httpSendSuccessResponse
		if err := json.Unmarshal(respBytes, &success); err != nil {
			p.logger.WarnContext(ctx, "Provider returned success with unparseable body",
				"status_code", resp.StatusCode, "body", string(respBytes))
			return &SendResponse{StatusCode: resp.StatusCode}, nil
		}
		return &SendResponse{ProviderMessageID: success.MessageID, StatusCode: resp.StatusCode}, nil
	}

	var provErr httpSendErrorResponse
	_ = json.Unmarshal(respBytes, &provErr)
	msg := provErr.Message
	if msg == "" {
		msg = string(respBytes)
	}
	p.logger.WarnContext(ctx, "Provider rejected send",
		"status_code", resp.StatusCode, "code", provErr.Code, "message", msg, "tracking_id", req.TrackingID)

	return nil, &SendError{
		Kind:       classifyHTTP(resp.StatusCode, provErr.Code),
		StatusCode: resp.StatusCode,
		Message:    msg,
	}
}

// classifyHTTP maps provider status codes into the retry taxonomy.
func classifyHTTP(statusCode int, providerCode string) ErrorKind {
	switch providerCode {
	case "quota_exceeded", "daily_limit_reached":
		return KindQuotaExhausted
	case "invalid_recipient", "hard_bounce", "suppressed_address":
		return KindPermanentRecipient
	}
	switch {
	case statusCode == http.StatusTooManyRequests:
		return KindQuotaExhausted
	case statusCode == http.StatusBadRequest || statusCode == http.StatusUnprocessableEntity:
		return KindPermanentRecipient
	default:
		return KindTransient
	}
}
