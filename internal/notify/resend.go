package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ResendEndpoint is the Resend send email API.
const ResendEndpoint = "https://api.resend.com/emails"

// ResendConfig configures the Resend mailer.
type ResendConfig struct {
	APIKey   string
	Endpoint string
	Timeout  time.Duration
	Client   *http.Client
}

// ResendMailer sends emails through the Resend HTTP API.
type ResendMailer struct {
	apiKey   string
	endpoint string
	client   *http.Client
}

// NewResendMailer returns a Resend mailer. An API key is required.
func NewResendMailer(cfg ResendConfig) (*ResendMailer, error) {
	key := strings.TrimSpace(cfg.APIKey)
	if key == "" {
		return nil, errors.New("resend api key is required")
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = ResendEndpoint
	}
	hc := cfg.Client
	if hc == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		hc = &http.Client{Timeout: timeout}
	}
	return &ResendMailer{apiKey: key, endpoint: endpoint, client: hc}, nil
}

type resendRequest struct {
	From    string   `json:"from"`
	To      []string `json:"to"`
	Subject string   `json:"subject"`
	HTML    string   `json:"html"`
}

// Send implements Mailer.
func (m *ResendMailer) Send(ctx context.Context, email Email) (string, error) {
	body, err := json.Marshal(resendRequest{
		From:    email.From,
		To:      []string{email.To},
		Subject: email.Subject,
		HTML:    email.HTML,
	})
	if err != nil {
		return "", fmt.Errorf("encode resend payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create resend request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+m.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", uuid.NewString())

	resp, err := m.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("resend request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr struct {
			Message string `json:"message"`
		}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.Message != "" {
			return "", fmt.Errorf("resend api %s: %s", resp.Status, apiErr.Message)
		}
		return "", fmt.Errorf("resend api %s: %s", resp.Status, strings.TrimSpace(string(raw)))
	}

	var out struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode resend response: %w", err)
	}
	return out.ID, nil
}
