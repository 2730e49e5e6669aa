package alerts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// WebhookClient sends alerts to a generic HTTP endpoint
type WebhookClient struct {
	URL        string
	Method     string
	Headers    map[string]string
	HTTPClient *http.Client
}

// NewWebhookClient creates a new webhook client
func NewWebhookClient(url, method string, headers map[string]string) *WebhookClient {
	if method == "" {
		method = http.MethodPost
	}
	return &WebhookClient{
		URL:     url,
		Method:  method,
		Headers: headers,
		HTTPClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// WebhookPayload is the standard payload sent to webhooks
type WebhookPayload struct {
	Event     string         `json:"event"`
	Severity  string         `json:"severity"`
	Title     string         `json:"title"`
	Timestamp string         `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

func (w *WebhookClient) Name() string { return "webhook" }

// Payload renders an alert as a webhook payload.
func (w *WebhookClient) Payload(a Alert) WebhookPayload {
	ts := a.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	data := a.Data
	if data == nil {
		data = map[string]any{}
	}
	return WebhookPayload{
		Event:     a.Event,
		Severity:  a.Severity,
		Title:     a.Title,
		Timestamp: ts.UTC().Format(time.RFC3339),
		Data:      data,
	}
}

// Send delivers the alert. Any 2xx response counts as success.
func (w *WebhookClient) Send(ctx context.Context, a Alert) error {
	if w.URL == "" {
		return fmt.Errorf("webhook URL not configured")
	}

	data, err := json.Marshal(w.Payload(a))
	if err != nil {
		return fmt.Errorf("marshaling payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, w.Method, w.URL, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "dbguard")
	for key, value := range w.Headers {
		req.Header.Set(key, value)
	}

	resp, err := w.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}

	return nil
}
