package alerts

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/v0xg/dbguard/internal/poolmon"
	"github.com/v0xg/dbguard/internal/timeout"
)

func TestNewWebhookClient(t *testing.T) {
	tests := []struct {
		name           string
		method         string
		expectedMethod string
	}{
		{"defaults to POST", "", "POST"},
		{"uses provided method", "PUT", "PUT"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := NewWebhookClient("https://example.com/webhook", tt.method, nil)
			if client.Method != tt.expectedMethod {
				t.Errorf("Method = %q, want %q", client.Method, tt.expectedMethod)
			}
			if client.HTTPClient == nil {
				t.Error("HTTPClient should not be nil")
			}
		})
	}
}

func webhookServer(t *testing.T, payload *WebhookPayload, headers *http.Header) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if headers != nil {
			*headers = r.Header
		}
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, payload); err != nil {
			t.Errorf("failed to unmarshal payload: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(server.Close)
	return server
}

func TestWebhookClient_LeakAlert(t *testing.T) {
	var payload WebhookPayload
	var headers http.Header
	server := webhookServer(t, &payload, &headers)

	client := NewWebhookClient(server.URL, "POST", map[string]string{
		"X-Custom-Header": "test-value",
	})

	leak := poolmon.LeakCandidate{ID: "op-7", Label: "findMany", StartedAt: time.Now(), Elapsed: 45 * time.Second}
	if err := client.Send(context.Background(), LeakAlert(leak)); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	if payload.Event != EventLeak {
		t.Errorf("Event = %q, want %q", payload.Event, EventLeak)
	}
	if payload.Severity != SeverityCritical {
		t.Errorf("Severity = %q, want %q", payload.Severity, SeverityCritical)
	}
	if id, ok := payload.Data["id"].(string); !ok || id != "op-7" {
		t.Errorf("id = %v, want op-7", payload.Data["id"])
	}
	if secs, ok := payload.Data["elapsed_seconds"].(float64); !ok || secs != 45 {
		t.Errorf("elapsed_seconds = %v, want 45", payload.Data["elapsed_seconds"])
	}

	if headers.Get("Content-Type") != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", headers.Get("Content-Type"))
	}
	if headers.Get("X-Custom-Header") != "test-value" {
		t.Errorf("X-Custom-Header = %q, want test-value", headers.Get("X-Custom-Header"))
	}
	if headers.Get("User-Agent") != "dbguard" {
		t.Errorf("User-Agent = %q, want dbguard", headers.Get("User-Agent"))
	}
}

func TestWebhookClient_PoolAlert(t *testing.T) {
	var payload WebhookPayload
	server := webhookServer(t, &payload, nil)

	client := NewWebhookClient(server.URL, "POST", nil)
	h := poolmon.HealthStatus{
		Status:  poolmon.StatusCritical,
		Issues:  []string{"No idle connections available"},
		Metrics: poolmon.PoolMetrics{Active: 10, Idle: 0, Max: 10, UtilizationPercent: 100},
	}
	if err := client.Send(context.Background(), PoolAlert(h)); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	if payload.Event != EventPool {
		t.Errorf("Event = %q, want %q", payload.Event, EventPool)
	}
	if payload.Severity != SeverityCritical {
		t.Errorf("Severity = %q, want %q", payload.Severity, SeverityCritical)
	}
	if active, ok := payload.Data["active"].(float64); !ok || active != 10 {
		t.Errorf("active = %v, want 10", payload.Data["active"])
	}
	if util, ok := payload.Data["utilization_percent"].(float64); !ok || util != 100 {
		t.Errorf("utilization_percent = %v, want 100", payload.Data["utilization_percent"])
	}
}

func TestWebhookClient_TimeoutAlert(t *testing.T) {
	var payload WebhookPayload
	server := webhookServer(t, &payload, nil)

	client := NewWebhookClient(server.URL, "POST", nil)
	ev := timeout.Event{Kind: "aggregate", Timeout: 30 * time.Second, Elapsed: 30 * time.Second, Degraded: true}
	if err := client.Send(context.Background(), TimeoutAlert(ev)); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	if payload.Severity != SeverityInfo {
		t.Errorf("degraded timeouts should be info, got %q", payload.Severity)
	}
	if deg, ok := payload.Data["degraded"].(bool); !ok || !deg {
		t.Errorf("degraded = %v, want true", payload.Data["degraded"])
	}
}

func TestWebhookClient_TestAlert(t *testing.T) {
	var payload WebhookPayload
	server := webhookServer(t, &payload, nil)

	client := NewWebhookClient(server.URL, "POST", nil)
	if err := client.Send(context.Background(), TestAlert()); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	if payload.Event != EventTest {
		t.Errorf("Event = %q, want %q", payload.Event, EventTest)
	}
	if msg, ok := payload.Data["message"].(string); !ok || msg != "dbguard alerts configured successfully" {
		t.Errorf("message = %v", payload.Data["message"])
	}
}

func TestWebhookClient_ErrorHandling(t *testing.T) {
	tests := []struct {
		name       string
		statusCode int
		wantErr    bool
	}{
		{"success 200", 200, false},
		{"success 201", 201, false},
		{"success 204", 204, false},
		{"error 400", 400, true},
		{"error 401", 401, true},
		{"error 404", 404, true},
		{"error 500", 500, true},
		{"error 503", 503, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.statusCode)
			}))
			defer server.Close()

			client := NewWebhookClient(server.URL, "POST", nil)
			err := client.Send(context.Background(), TestAlert())

			if (err != nil) != tt.wantErr {
				t.Errorf("Send() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestWebhookClient_EmptyURL(t *testing.T) {
	client := NewWebhookClient("", "POST", nil)
	if err := client.Send(context.Background(), TestAlert()); err == nil {
		t.Error("expected error for empty URL")
	}
}

func TestWebhookClient_GETMethod(t *testing.T) {
	var receivedMethod string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		receivedMethod = r.Method
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := NewWebhookClient(server.URL, "GET", nil)
	if err := client.Send(context.Background(), TestAlert()); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	if receivedMethod != "GET" {
		t.Errorf("Method = %q, want %q", receivedMethod, "GET")
	}
}
