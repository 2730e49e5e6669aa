package alerts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// SlackClient sends alerts to a Slack incoming webhook
type SlackClient struct {
	WebhookURL string
	Channel    string
	Mentions   []string
	HTTPClient *http.Client
}

// NewSlackClient creates a new Slack client
func NewSlackClient(webhookURL, channel string, mentions []string) *SlackClient {
	return &SlackClient{
		WebhookURL: webhookURL,
		Channel:    channel,
		Mentions:   mentions,
		HTTPClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// SlackMessage represents a Slack webhook message
type SlackMessage struct {
	Channel     string            `json:"channel,omitempty"`
	Text        string            `json:"text,omitempty"`
	Attachments []SlackAttachment `json:"attachments,omitempty"`
}

// SlackAttachment represents a Slack message attachment
type SlackAttachment struct {
	Color     string       `json:"color,omitempty"`
	Title     string       `json:"title,omitempty"`
	Text      string       `json:"text,omitempty"`
	Fields    []SlackField `json:"fields,omitempty"`
	Footer    string       `json:"footer,omitempty"`
	Timestamp int64        `json:"ts,omitempty"`
}

// SlackField represents a field in a Slack attachment
type SlackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short,omitempty"`
}

var severityColors = map[string]string{
	SeverityWarning:  "#FFA500",
	SeverityCritical: "#FF0000",
	SeverityInfo:     "#0000FF",
	SeverityResolved: "#00FF00",
}

func (s *SlackClient) Name() string { return "slack" }

// mentionText returns the mention prefix; only critical alerts page people.
func (s *SlackClient) mentionText(severity string) string {
	if severity != SeverityCritical || len(s.Mentions) == 0 {
		return ""
	}
	return strings.Join(s.Mentions, " ") + " "
}

// Message renders an alert as a Slack message.
func (s *SlackClient) Message(a Alert) SlackMessage {
	color := severityColors[a.Severity]
	if color == "" {
		color = "#808080"
	}

	fields := make([]SlackField, 0, len(a.Fields))
	for _, f := range a.Fields {
		if f.Value == "" {
			continue
		}
		fields = append(fields, SlackField{Title: f.Title, Value: f.Value, Short: f.Short})
	}

	ts := a.Time
	if ts.IsZero() {
		ts = time.Now()
	}

	return SlackMessage{
		Channel: s.Channel,
		Text:    s.mentionText(a.Severity),
		Attachments: []SlackAttachment{
			{
				Color:     color,
				Title:     a.Title,
				Text:      a.Text,
				Fields:    fields,
				Footer:    "dbguard",
				Timestamp: ts.Unix(),
			},
		},
	}
}

// Send posts the alert to the webhook.
func (s *SlackClient) Send(ctx context.Context, a Alert) error {
	if s.WebhookURL == "" {
		return fmt.Errorf("slack webhook URL not configured")
	}

	payload, err := json.Marshal(s.Message(a))
	if err != nil {
		return fmt.Errorf("marshaling message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("slack returned status %d", resp.StatusCode)
	}

	return nil
}
