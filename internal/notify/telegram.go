package notify

import (
	"context"
	"fmt"
	"log"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"credex/internal/model"
)

// Telegram pages operators about exchange states that need a human: failed
// settlements, reconciliation outcomes and money-moved-no-record anomalies.
type Telegram struct {
	bot    *tgbotapi.BotAPI
	chatID int64
	logger *log.Logger
}

func NewTelegram(cfg model.TelegramConfig, logger *log.Logger) (*Telegram, error) {
	bot, err := tgbotapi.NewBotAPI(cfg.BotToken)
	if err != nil {
		return nil, fmt.Errorf("failed to connect operator bot: %w", err)
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Telegram{bot: bot, chatID: cfg.ChatID, logger: logger}, nil
}

// Alert delivers the message to the operator channel. Delivery failures are
// logged and swallowed: alerting must never take a pipeline down.
func (t *Telegram) Alert(_ context.Context, message string) {
	msg := tgbotapi.NewMessage(t.chatID, message)
	if _, err := t.bot.Send(msg); err != nil {
		t.logger.Printf("failed to deliver operator alert: %v (message: %s)", err, message)
	}
}
