package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gen2brain/beeep"

	"github.com/kalambet/scene/internal/escalation"
)

// Webhook POSTs {title, body, url} as JSON. Failed deliveries are retried
// with exponential backoff; 4xx responses other than 429 are not retried.
type Webhook struct {
	url        string
	client     *http.Client
	maxElapsed time.Duration
}

// NewWebhook creates a webhook channel. A nil client gets a 10s timeout.
func NewWebhook(url string, client *http.Client) *Webhook {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Webhook{url: url, client: client, maxElapsed: 30 * time.Second}
}

func (w *Webhook) Name() string     { return ChannelWebhook }
func (w *Webhook) Background() bool { return true }

type webhookPayload struct {
	RuleID  string `json:"rule_id"`
	VenueID string `json:"venue_id"`
	Title   string `json:"title"`
	Body    string `json:"body"`
	URL     string `json:"url"`
}

func (w *Webhook) Send(ctx context.Context, n escalation.Notification) error {
	payload, err := json.Marshal(webhookPayload{
		RuleID:  n.RuleID,
		VenueID: n.VenueID,
		Title:   n.Title,
		Body:    n.Body,
		URL:     n.TargetURL,
	})
	if err != nil {
		return fmt.Errorf("marshalling webhook payload: %w", err)
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 250 * time.Millisecond
	eb.MaxElapsedTime = w.maxElapsed
	bkoff := backoff.WithContext(eb, ctx)

	return backoff.Retry(func() error {
		return w.post(ctx, payload)
	}, bkoff)
}

func (w *Webhook) post(ctx context.Context, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(payload))
	if err != nil {
		return backoff.Permanent(fmt.Errorf("creating webhook request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("posting webhook: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	default:
		return backoff.Permanent(fmt.Errorf("webhook returned status %d", resp.StatusCode))
	}
}

// Desktop shows a native system notification.
type Desktop struct {
	notify func(title, message string) error
}

// NewDesktop creates a desktop channel backed by the OS notifier.
func NewDesktop() *Desktop {
	return &Desktop{notify: func(title, message string) error {
		return beeep.Notify(title, message, "")
	}}
}

func (d *Desktop) Name() string     { return ChannelDesktop }
func (d *Desktop) Background() bool { return true }

func (d *Desktop) Send(_ context.Context, n escalation.Notification) error {
	body := n.Body
	if n.TargetURL != "" {
		body += "\n" + n.TargetURL
	}
	if err := d.notify(n.Title, body); err != nil {
		return fmt.Errorf("desktop notification: %w", err)
	}
	return nil
}

// Console writes notifications to the log. It only reaches someone
// watching the daemon, so it is the foreground fallback.
type Console struct {
	logger *slog.Logger
}

// NewConsole creates a console channel. A nil logger means slog.Default().
func NewConsole(logger *slog.Logger) *Console {
	if logger == nil {
		logger = slog.Default()
	}
	return &Console{logger: logger}
}

func (c *Console) Name() string     { return ChannelConsole }
func (c *Console) Background() bool { return false }

func (c *Console) Send(_ context.Context, n escalation.Notification) error {
	c.logger.Info(n.Title, "body", n.Body, "url", n.TargetURL, "rule", n.RuleID, "venue_id", n.VenueID)
	return nil
}
