// Package notify delivers escalation notifications to the user.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/kalambet/scene/internal/activity"
	"github.com/kalambet/scene/internal/escalation"
	"github.com/kalambet/scene/internal/metrics"
)

// Channel names accepted by notify.channel.
const (
	ChannelAuto    = "auto"
	ChannelWebhook = "webhook"
	ChannelDesktop = "desktop"
	ChannelConsole = "console"
)

// Channel delivers a notification. Background channels reach the user when
// nothing of scene is in the foreground.
type Channel interface {
	Name() string
	Background() bool
	Send(ctx context.Context, n escalation.Notification) error
}

// Options configures a Dispatcher.
type Options struct {
	Enabled    bool
	Channel    string
	WebhookURL string
	Metrics    *metrics.Metrics
	Logger     *slog.Logger
}

// Dispatcher tries background channels first, then foreground ones, and
// falls back to the console channel when none of them succeed.
type Dispatcher struct {
	enabled  bool
	channels []Channel
	fallback Channel
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// New builds a Dispatcher from opts.
func New(opts Options) (*Dispatcher, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	console := NewConsole(logger)

	mode := strings.ToLower(strings.TrimSpace(opts.Channel))
	if mode == "" {
		mode = ChannelAuto
	}

	var channels []Channel
	switch mode {
	case ChannelAuto:
		if opts.WebhookURL != "" {
			channels = append(channels, NewWebhook(opts.WebhookURL, nil))
		}
		channels = append(channels, NewDesktop())
	case ChannelWebhook:
		if opts.WebhookURL == "" {
			return nil, errors.New("notify.channel is webhook but notify.webhook_url is empty")
		}
		channels = append(channels, NewWebhook(opts.WebhookURL, nil))
	case ChannelDesktop:
		channels = append(channels, NewDesktop())
	case ChannelConsole:
	default:
		return nil, fmt.Errorf("unknown notification channel %q (want auto, webhook, desktop or console)", opts.Channel)
	}

	return &Dispatcher{
		enabled:  opts.Enabled,
		channels: backgroundFirst(channels),
		fallback: console,
		metrics:  opts.Metrics,
		logger:   logger,
	}, nil
}

// NewWithChannels builds an enabled Dispatcher over explicit channels.
func NewWithChannels(fallback Channel, channels ...Channel) *Dispatcher {
	return &Dispatcher{
		enabled:  true,
		channels: backgroundFirst(channels),
		fallback: fallback,
		logger:   slog.Default(),
	}
}

// backgroundFirst orders channels so background ones are tried before
// foreground ones, keeping the given order within each group.
func backgroundFirst(channels []Channel) []Channel {
	out := make([]Channel, 0, len(channels))
	for _, ch := range channels {
		if ch.Background() {
			out = append(out, ch)
		}
	}
	for _, ch := range channels {
		if !ch.Background() {
			out = append(out, ch)
		}
	}
	return out
}

// RequestPermission reports whether notifications may be shown.
func (d *Dispatcher) RequestPermission(ctx context.Context) bool {
	return d.permission(ctx) == nil
}

func (d *Dispatcher) permission(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !d.enabled {
		return activity.ErrPermissionDenied
	}
	return nil
}

// Dispatch delivers n on the first channel that accepts it. A denied
// permission is a silent no-op.
func (d *Dispatcher) Dispatch(ctx context.Context, n escalation.Notification) error {
	if err := d.permission(ctx); err != nil {
		if errors.Is(err, activity.ErrPermissionDenied) {
			d.logger.Debug("notification suppressed", "rule", n.RuleID, "venue_id", n.VenueID)
			return nil
		}
		return err
	}

	for _, ch := range d.channels {
		err := ch.Send(ctx, n)
		if err == nil {
			d.metrics.NotificationSent(n.RuleID, ch.Name())
			return nil
		}
		d.metrics.ChannelFailed(ch.Name())
		d.logger.Warn("notification channel failed", "channel", ch.Name(), "rule", n.RuleID, "error", err)
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}

	if d.fallback == nil {
		return errors.New("no notification channel available")
	}
	if err := d.fallback.Send(ctx, n); err != nil {
		d.metrics.ChannelFailed(d.fallback.Name())
		return fmt.Errorf("sending notification on %s: %w", d.fallback.Name(), err)
	}
	d.metrics.NotificationSent(n.RuleID, d.fallback.Name())
	return nil
}

// Channels returns the names of the configured channels, fallback last.
func (d *Dispatcher) Channels() []string {
	names := make([]string, 0, len(d.channels)+1)
	for _, ch := range d.channels {
		names = append(names, ch.Name())
	}
	if d.fallback != nil {
		names = append(names, d.fallback.Name())
	}
	return names
}
