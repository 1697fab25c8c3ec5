package notify

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	json "github.com/goccy/go-json"

	"github.com/coachpo/livecore/errs"
)

// Webhook payload formats.
const (
	FormatGeneric = "generic"
	FormatDiscord = "discord"
	FormatSlack   = "slack"
)

// WebhookConfig configures a webhook channel.
type WebhookConfig struct {
	URL      string
	Format   string
	Timeout  time.Duration
	MaxTries uint
}

func (c WebhookConfig) normalize() WebhookConfig {
	c.URL = strings.TrimSpace(c.URL)
	c.Format = strings.ToLower(strings.TrimSpace(c.Format))
	if c.Format == "" {
		c.Format = FormatGeneric
	}
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
	if c.MaxTries == 0 {
		c.MaxTries = 3
	}
	return c
}

// WebhookNotifier posts alerts as JSON.
type WebhookNotifier struct {
	cfg    WebhookConfig
	client *http.Client
}

// NewWebhookNotifier validates cfg and returns a notifier.
func NewWebhookNotifier(cfg WebhookConfig, client *http.Client) (*WebhookNotifier, error) {
	cfg = cfg.normalize()
	if cfg.URL == "" {
		return nil, errs.Invalid("notify.webhook", "webhook url required")
	}
	switch cfg.Format {
	case FormatGeneric, FormatDiscord, FormatSlack:
	default:
		return nil, errs.Invalid("notify.webhook", fmt.Sprintf("unsupported webhook format %q", cfg.Format))
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &WebhookNotifier{cfg: cfg, client: client}, nil
}

func (w *WebhookNotifier) Notify(ctx context.Context, alert Alert) error {
	body, err := json.Marshal(w.payload(alert))
	if err != nil {
		return errs.New("notify.webhook", errs.CodeInvalid, errs.WithCause(err))
	}
	attempt := func() (struct{}, error) {
		err := w.post(ctx, body)
		if err != nil && !errs.Transient(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	_, err = backoff.Retry(ctx, attempt, backoff.WithBackOff(bo), backoff.WithMaxTries(w.cfg.MaxTries))
	return err
}

func (w *WebhookNotifier) post(ctx context.Context, body []byte) error {
	const op = "notify.webhook"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return errs.New(op, errs.CodeInvalid, errs.WithCause(err))
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := w.client.Do(req)
	if err != nil {
		return errs.Connectivity(op, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	switch {
	case resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return errs.New(op, errs.CodeUnavailable, errs.WithHTTP(resp.StatusCode))
	default:
		return errs.New(op, errs.CodeInvalid, errs.WithHTTP(resp.StatusCode))
	}
}

func (w *WebhookNotifier) payload(alert Alert) any {
	label := strings.ToUpper(string(alert.Severity))
	switch w.cfg.Format {
	case FormatDiscord:
		return map[string]any{
			"embeds": []map[string]any{{
				"title":       label + ": " + alert.Title,
				"description": alert.Message,
				"color":       discordColor(alert.Severity),
				"timestamp":   alert.Timestamp.Format(time.RFC3339),
				"fields": []map[string]any{
					{"name": "Source", "value": alert.Source, "inline": true},
					{"name": "Time", "value": alert.Timestamp.Format("15:04:05"), "inline": true},
				},
			}},
		}
	case FormatSlack:
		return map[string]string{
			"text": fmt.Sprintf("%s *%s*\n%s\n_Source: %s_", slackEmoji(alert.Severity), alert.Title, alert.Message, alert.Source),
		}
	default:
		return alert
	}
}

func discordColor(s Severity) int {
	switch s {
	case SeverityInfo:
		return 0x00FF00
	case SeverityWarning:
		return 0xFFFF00
	case SeverityError:
		return 0xFF9900
	case SeverityCritical:
		return 0xFF0000
	default:
		return 0x808080
	}
}

func slackEmoji(s Severity) string {
	switch s {
	case SeverityInfo:
		return ":information_source:"
	case SeverityWarning:
		return ":warning:"
	case SeverityError:
		return ":x:"
	case SeverityCritical:
		return ":rotating_light:"
	default:
		return ":bell:"
	}
}
