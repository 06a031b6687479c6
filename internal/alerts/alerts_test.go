package alerts

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

type capturedRequest struct {
	contentType string
	body        map[string]interface{}
}

func webhookServer(t *testing.T, status int) (*httptest.Server, func() []capturedRequest) {
	t.Helper()
	var mu sync.Mutex
	var got []capturedRequest

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("webhook body is not JSON: %v", err)
		}
		mu.Lock()
		got = append(got, capturedRequest{contentType: r.Header.Get("Content-Type"), body: body})
		mu.Unlock()
		w.WriteHeader(status)
	}))
	t.Cleanup(server.Close)

	return server, func() []capturedRequest {
		mu.Lock()
		defer mu.Unlock()
		return append([]capturedRequest(nil), got...)
	}
}

func TestWebhookNotifier(t *testing.T) {
	tests := []struct {
		name   string
		format WebhookFormat
		check  func(t *testing.T, body map[string]interface{})
	}{
		{
			name:   "feishu text message",
			format: FormatFeishu,
			check: func(t *testing.T, body map[string]interface{}) {
				if body["msg_type"] != "text" {
					t.Errorf("msg_type = %v", body["msg_type"])
				}
				content := body["content"].(map[string]interface{})
				if content["text"] != "10:30:00 device unreachable: [10.0.0.9-A3]" {
					t.Errorf("text = %v", content["text"])
				}
			},
		},
		{
			name:   "discord embed",
			format: FormatDiscord,
			check: func(t *testing.T, body map[string]interface{}) {
				embeds := body["embeds"].([]interface{})
				embed := embeds[0].(map[string]interface{})
				if !strings.Contains(embed["description"].(string), "[10.0.0.9-A3]") {
					t.Errorf("description = %v", embed["description"])
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server, requests := webhookServer(t, http.StatusOK)
			n := NewWebhookNotifier(server.URL, tt.format, zap.NewNop())

			if err := n.Notify(context.Background(), "10:30:00 device unreachable: [10.0.0.9-A3]"); err != nil {
				t.Fatalf("notify: %v", err)
			}

			got := requests()
			if len(got) != 1 {
				t.Fatalf("webhook received %d requests", len(got))
			}
			if got[0].contentType != "application/json" {
				t.Errorf("content type = %q", got[0].contentType)
			}
			tt.check(t, got[0].body)
		})
	}
}

func TestWebhookNotifierErrors(t *testing.T) {
	server, _ := webhookServer(t, http.StatusInternalServerError)
	if err := NewWebhookNotifier(server.URL, FormatFeishu, zap.NewNop()).Notify(context.Background(), "x"); err == nil {
		t.Error("expected error for 500 response")
	}
	if err := NewWebhookNotifier("", FormatFeishu, zap.NewNop()).Notify(context.Background(), "x"); err == nil {
		t.Error("expected error for missing URL")
	}
}

type fakeBot struct {
	sent []tgbotapi.MessageConfig
	err  error
}

func (b *fakeBot) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	if b.err != nil {
		return tgbotapi.Message{}, b.err
	}
	b.sent = append(b.sent, c.(tgbotapi.MessageConfig))
	return tgbotapi.Message{MessageID: len(b.sent)}, nil
}

func TestTelegramNotifier(t *testing.T) {
	bot := &fakeBot{}
	n := NewTelegramNotifierWithSender(bot, 4242, zap.NewNop())

	if err := n.Notify(context.Background(), "rack down"); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if len(bot.sent) != 1 || bot.sent[0].ChatID != 4242 || bot.sent[0].Text != "rack down" {
		t.Errorf("sent = %+v", bot.sent)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := n.Notify(ctx, "late"); !errors.Is(err, context.Canceled) {
		t.Errorf("cancelled notify error = %v", err)
	}
}

func TestNotifiersAcceptNilLogger(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	sinks := []Notifier{
		NewWebhookNotifier(server.URL, FormatFeishu, nil),
		NewTelegramNotifierWithSender(&fakeBot{}, 1, nil),
		NewLogNotifier(nil),
	}
	for _, n := range sinks {
		if err := n.Notify(context.Background(), "rack down"); err != nil {
			t.Errorf("%T: %v", n, err)
		}
	}
}

func TestMultiNotifier(t *testing.T) {
	server, requests := webhookServer(t, http.StatusOK)
	failing := NewTelegramNotifierWithSender(&fakeBot{err: errors.New("bot blocked")}, 1, zap.NewNop())
	good := NewWebhookNotifier(server.URL, FormatFeishu, zap.NewNop())

	m := NewMultiNotifier(good, nil, failing, NewLogNotifier(zap.NewNop()))
	if m.Len() != 3 {
		t.Errorf("len = %d, want nil sink dropped", m.Len())
	}

	err := m.Notify(context.Background(), "alert")
	if len(multierr.Errors(err)) != 1 {
		t.Errorf("expected exactly one failure, got %v", err)
	}
	if len(requests()) != 1 {
		t.Error("working sink should still receive the alert")
	}
}
