// Package alerts delivers operator notifications to chat webhooks and
// Telegram.
package alerts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// WebhookFormat selects the payload shape a webhook expects.
type WebhookFormat string

const (
	FormatFeishu  WebhookFormat = "feishu"
	FormatDiscord WebhookFormat = "discord"
)

// WebhookNotifier posts alerts to a chat bot webhook.
type WebhookNotifier struct {
	url    string
	format WebhookFormat
	client *http.Client
	logger *zap.Logger
}

// NewWebhookNotifier posts alerts to url in the given format.
func NewWebhookNotifier(url string, format WebhookFormat, logger *zap.Logger) *WebhookNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	if format == "" {
		format = FormatFeishu
	}
	return &WebhookNotifier{
		url:    url,
		format: format,
		client: &http.Client{Timeout: 10 * time.Second},
		logger: logger.Named("webhook"),
	}
}

// Notify posts msg and waits for the webhook to accept it.
func (n *WebhookNotifier) Notify(ctx context.Context, msg string) error {
	if n.url == "" {
		return fmt.Errorf("webhook URL is not configured")
	}

	body, err := n.payload(msg, time.Now())
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send webhook: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}

	n.logger.Debug("alert delivered", zap.String("format", string(n.format)))
	return nil
}

func (n *WebhookNotifier) payload(msg string, at time.Time) ([]byte, error) {
	switch n.format {
	case FormatDiscord:
		return buildDiscordPayload(msg, at)
	default:
		return json.Marshal(map[string]interface{}{
			"msg_type": "text",
			"content": map[string]string{
				"text": msg,
			},
		})
	}
}

// buildDiscordPayload wraps msg in a single red embed.
func buildDiscordPayload(msg string, at time.Time) ([]byte, error) {
	payload := map[string]interface{}{
		"embeds": []map[string]interface{}{
			{
				"title":       "🔴 Device Unreachable",
				"description": msg,
				"color":       0xFF4444,
				"timestamp":   at.Format(time.RFC3339),
				"footer": map[string]string{
					"text": "lcd fleet alerts",
				},
			},
		},
	}
	return json.Marshal(payload)
}

// LogNotifier writes alerts to the log. It stands in when no sink is
// configured.
type LogNotifier struct {
	logger *zap.Logger
}

func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogNotifier{logger: logger.Named("alerts")}
}

func (n *LogNotifier) Notify(ctx context.Context, msg string) error {
	n.logger.Warn("alert", zap.String("message", msg))
	return nil
}

// Notifier is the interface every sink implements.
type Notifier interface {
	Notify(ctx context.Context, msg string) error
}

// MultiNotifier fans an alert out to every sink and reports all failures.
type MultiNotifier struct {
	sinks []Notifier
}

func NewMultiNotifier(sinks ...Notifier) *MultiNotifier {
	out := make([]Notifier, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return &MultiNotifier{sinks: out}
}

func (m *MultiNotifier) Notify(ctx context.Context, msg string) error {
	var err error
	for _, s := range m.sinks {
		err = multierr.Append(err, s.Notify(ctx, msg))
	}
	return err
}

// Len is the number of configured sinks.
func (m *MultiNotifier) Len() int {
	return len(m.sinks)
}
