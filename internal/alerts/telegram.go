package alerts

import (
	"context"
	"fmt"
	"strconv"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
)

// MessageSender is the part of the bot API used for alerts.
type MessageSender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// TelegramNotifier sends alerts to a single chat.
type TelegramNotifier struct {
	bot    MessageSender
	chatID int64
	logger *zap.Logger
}

// NewTelegramNotifier authorizes the bot token against the Telegram API.
func NewTelegramNotifier(token, chatID string, logger *zap.Logger) (*TelegramNotifier, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("error creating telegram bot: %w", err)
	}

	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("error parsing chat ID: %w", err)
	}

	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Info("Telegram bot authorized", zap.String("username", bot.Self.UserName))
	return NewTelegramNotifierWithSender(bot, id, logger), nil
}

// NewTelegramNotifierWithSender wraps an already authorized bot.
func NewTelegramNotifierWithSender(bot MessageSender, chatID int64, logger *zap.Logger) *TelegramNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TelegramNotifier{bot: bot, chatID: chatID, logger: logger.Named("telegram")}
}

func (n *TelegramNotifier) Notify(ctx context.Context, msg string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m := tgbotapi.NewMessage(n.chatID, msg)
	m.DisableWebPagePreview = true

	if _, err := n.bot.Send(m); err != nil {
		return fmt.Errorf("error sending telegram message: %w", err)
	}
	return nil
}
