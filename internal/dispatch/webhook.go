package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

const webhookUserAgent = "intake-guard/v1"

// WebhookEnvelope is the JSON body POSTed for every recipient.
type WebhookEnvelope struct {
	Type          string  `json:"type"`
	SchemaVersion string  `json:"schemaVersion"`
	Timestamp     string  `json:"timestamp"`
	Data          Message `json:"data"`
}

// WebhookConfig configures WebhookTransport.
type WebhookConfig struct {
	URL       string
	AuthToken string
	Timeout   time.Duration
}

// WebhookTransport delivers messages to an HTTP endpoint that takes care of
// the actual email. Sessions share one http.Client.
type WebhookTransport struct {
	client *http.Client
	url    string
	token  string
}

// NewWebhookTransport validates cfg.URL.
func NewWebhookTransport(cfg WebhookConfig) (*WebhookTransport, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("webhook URL is required")
	}
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid webhook URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("webhook URL must use http or https scheme, got %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("webhook URL must include a host")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookTransport{
		client: &http.Client{Timeout: timeout, Transport: http.DefaultTransport.(*http.Transport).Clone()},
		url:    cfg.URL,
		token:  cfg.AuthToken,
	}, nil
}

func (t *WebhookTransport) Name() string { return "webhook" }

func (t *WebhookTransport) Open(ctx context.Context) (Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return webhookSession{t}, nil
}

// Verify checks the endpoint answers at all. Any HTTP status counts.
func (t *WebhookTransport) Verify(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, t.url, nil)
	if err != nil {
		return err
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook unreachable: %w", err)
	}
	return resp.Body.Close()
}

type webhookSession struct{ t *WebhookTransport }

func (s webhookSession) Send(ctx context.Context, m Message) error {
	body, err := json.Marshal(WebhookEnvelope{
		Type:          "group.batch.notification",
		SchemaVersion: "v1",
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		Data:          m,
	})
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.t.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", webhookUserAgent)
	if s.t.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.t.token)
	}
	resp, err := s.t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned %d", resp.StatusCode)
	}
	return nil
}

func (webhookSession) Close() error { return nil }
