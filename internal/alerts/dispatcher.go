package alerts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/v0xg/dbguard/internal/config"
	"github.com/v0xg/dbguard/internal/logger"
)

// Dispatcher fans alerts out to every configured notifier and suppresses
// repeats of the same key within the cooldown.
type Dispatcher struct {
	notifiers []Notifier
	cooldown  time.Duration
	log       *slog.Logger
	now       func() time.Time

	mu   sync.Mutex
	last map[string]time.Time
}

// NewDispatcher creates a dispatcher over notifiers.
func NewDispatcher(cooldown time.Duration, log *slog.Logger, notifiers ...Notifier) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{
		notifiers: notifiers,
		cooldown:  cooldown,
		log:       log.With(logger.Scope("alerts")),
		now:       time.Now,
		last:      make(map[string]time.Time),
	}
}

// FromConfig builds the notifiers enabled in cfg. slackURL is the resolved
// Slack webhook URL, which may come from a secret.
func FromConfig(cfg config.AlertsConfig, slackURL string, log *slog.Logger) *Dispatcher {
	var notifiers []Notifier
	if cfg.Slack.Enabled && slackURL != "" {
		notifiers = append(notifiers, NewSlackClient(slackURL, cfg.Slack.Channel, cfg.Slack.MentionUsers))
	}
	if cfg.Webhook.Enabled && cfg.Webhook.URL != "" {
		notifiers = append(notifiers, NewWebhookClient(cfg.Webhook.URL, cfg.Webhook.Method, cfg.Webhook.Headers))
	}
	return NewDispatcher(cfg.Cooldown, log, notifiers...)
}

// Enabled reports whether any notifier is configured.
func (d *Dispatcher) Enabled() bool {
	return len(d.notifiers) > 0
}

// Notifiers returns the configured notifiers.
func (d *Dispatcher) Notifiers() []Notifier {
	return d.notifiers
}

// Dispatch sends a to every notifier unless key was sent within the
// cooldown. An empty key is never suppressed. It reports whether the alert
// went out; delivery failures are logged, not returned.
func (d *Dispatcher) Dispatch(ctx context.Context, key string, a Alert) bool {
	if !d.Enabled() {
		return false
	}

	if key != "" {
		now := d.now()
		d.mu.Lock()
		if last, ok := d.last[key]; ok && now.Sub(last) < d.cooldown {
			d.mu.Unlock()
			d.log.Debug("alert suppressed by cooldown", "key", key, "event", a.Event)
			return false
		}
		d.last[key] = now
		d.mu.Unlock()
	}

	for _, n := range d.notifiers {
		if err := n.Send(ctx, a); err != nil {
			d.log.Error("failed to send alert",
				"notifier", n.Name(),
				"event", a.Event,
				logger.Error(err))
		}
	}
	return true
}

// Clear forgets the cooldown for key, so the next alert for it goes out
// immediately.
func (d *Dispatcher) Clear(key string) {
	d.mu.Lock()
	delete(d.last, key)
	d.mu.Unlock()
}

// Test sends a test alert through every notifier and returns all failures.
func (d *Dispatcher) Test(ctx context.Context) error {
	if !d.Enabled() {
		return fmt.Errorf("no alert destinations configured")
	}

	var errs []error
	for _, n := range d.notifiers {
		if err := n.Send(ctx, TestAlert()); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", n.Name(), err))
		}
	}
	return errors.Join(errs...)
}
