// Package alerts delivers pool and timeout events to Slack and generic
// webhooks.
package alerts

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/v0xg/dbguard/internal/poolmon"
	"github.com/v0xg/dbguard/internal/timeout"
	"github.com/v0xg/dbguard/internal/util"
)

// Alert severity levels
const (
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
	SeverityInfo     = "info"
	SeverityResolved = "resolved"
)

// Event names carried in webhook payloads.
const (
	EventLeak         = "connection_leak"
	EventLeakResolved = "connection_leak_resolved"
	EventPool         = "pool_health"
	EventTimeout      = "operation_timeout"
	EventTest         = "test"
)

// Field is one labelled value. Slack renders fields in order; webhooks
// get them through Data.
type Field struct {
	Title string
	Value string
	Short bool
}

// Alert is a notifier-agnostic message.
type Alert struct {
	Event    string
	Severity string
	Title    string
	Text     string
	Fields   []Field
	Data     map[string]any
	Time     time.Time
}

// Notifier delivers alerts to one destination.
type Notifier interface {
	Name() string
	Send(ctx context.Context, a Alert) error
}

// LeakAlert describes an operation that has outlived the leak threshold.
func LeakAlert(l poolmon.LeakCandidate) Alert {
	return Alert{
		Event:    EventLeak,
		Severity: SeverityCritical,
		Title:    "Potential Connection Leak",
		Fields: []Field{
			{Title: "Operation", Value: l.Label, Short: true},
			{Title: "Running For", Value: util.FormatDuration(l.Elapsed), Short: true},
			{Title: "Started", Value: l.StartedAt.UTC().Format(time.RFC3339), Short: true},
			{Title: "ID", Value: l.ID, Short: true},
		},
		Data: map[string]any{
			"id":              l.ID,
			"label":           l.Label,
			"started_at":      l.StartedAt.UTC().Format(time.RFC3339),
			"elapsed_seconds": l.Elapsed.Seconds(),
			"elapsed_human":   util.FormatDuration(l.Elapsed),
		},
		Time: time.Now(),
	}
}

// LeakResolvedAlert reports that a previously flagged operation finished.
func LeakResolvedAlert(id, label string) Alert {
	return Alert{
		Event:    EventLeakResolved,
		Severity: SeverityResolved,
		Title:    "Connection Leak Resolved",
		Fields: []Field{
			{Title: "Operation", Value: label, Short: true},
			{Title: "ID", Value: id, Short: true},
		},
		Data: map[string]any{"id": id, "label": label},
		Time: time.Now(),
	}
}

// PoolAlert describes a non-healthy pool classification.
func PoolAlert(h poolmon.HealthStatus) Alert {
	pm := h.Metrics
	return Alert{
		Event:    EventPool,
		Severity: string(h.Status),
		Title:    fmt.Sprintf("Connection Pool [%s]", h.Status),
		Text:     strings.Join(h.Issues, "\n"),
		Fields: []Field{
			{Title: "Usage", Value: util.FormatPercent(pm.UtilizationPercent), Short: true},
			{Title: "Operations", Value: fmt.Sprintf("%d / %d", pm.Active, pm.Max), Short: true},
			{Title: "Idle", Value: fmt.Sprintf("%d", pm.Idle), Short: true},
			{Title: "Leaks", Value: fmt.Sprintf("%d", h.LeakCount), Short: true},
			{Title: "Recommendations", Value: strings.Join(h.Recommendations, "\n")},
		},
		Data: map[string]any{
			"active":              pm.Active,
			"idle":                pm.Idle,
			"max":                 pm.Max,
			"utilization_percent": pm.UtilizationPercent,
			"leak_count":          h.LeakCount,
			"issues":              h.Issues,
			"recommendations":     h.Recommendations,
		},
		Time: time.Now(),
	}
}

// TimeoutAlert describes a fired deadline.
func TimeoutAlert(ev timeout.Event) Alert {
	severity := SeverityWarning
	outcome := "failed"
	if ev.Degraded {
		severity = SeverityInfo
		outcome = "fallback returned"
	}
	return Alert{
		Event:    EventTimeout,
		Severity: severity,
		Title:    fmt.Sprintf("Operation Timeout [%s]", ev.Kind),
		Fields: []Field{
			{Title: "Kind", Value: ev.Kind, Short: true},
			{Title: "Timeout", Value: util.FormatDuration(ev.Timeout), Short: true},
			{Title: "Elapsed", Value: util.FormatDuration(ev.Elapsed), Short: true},
			{Title: "Outcome", Value: outcome, Short: true},
		},
		Data: map[string]any{
			"kind":            ev.Kind,
			"timeout_seconds": ev.Timeout.Seconds(),
			"elapsed_seconds": ev.Elapsed.Seconds(),
			"degraded":        ev.Degraded,
		},
		Time: time.Now(),
	}
}

// TestAlert verifies a destination is reachable.
func TestAlert() Alert {
	return Alert{
		Event:    EventTest,
		Severity: SeverityInfo,
		Title:    "dbguard Connected",
		Text:     "Alerts are configured correctly.",
		Data:     map[string]any{"message": "dbguard alerts configured successfully"},
		Time:     time.Now(),
	}
}
