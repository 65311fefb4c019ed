// Package alerts delivers operator alerts for exhausted callbacks and
// reconciliation mismatches.
package alerts

import (
	"context"
	"fmt"
	"sync"
	"time"

	"bookpay/internal/domain"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
)

// telegram messages are capped at 4096 characters
const maxMessageLen = 4000

type messageSender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Telegram posts alerts into a single operator chat.
type Telegram struct {
	bot    messageSender
	chatID int64
	logger *zerolog.Logger

	mu       sync.Mutex
	lastText string
	lastSent time.Time
	// identical alerts inside this window are dropped
	dedupWindow time.Duration
}

func NewTelegram(token string, chatID int64, logger *zerolog.Logger) (*Telegram, error) {
	botAPI, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram bot: %w", err)
	}
	logger.Info().Str("bot", botAPI.Self.UserName).Int64("chat_id", chatID).Msg("Telegram alerts enabled")
	return newTelegram(botAPI, chatID, logger), nil
}

func newTelegram(bot messageSender, chatID int64, logger *zerolog.Logger) *Telegram {
	return &Telegram{bot: bot, chatID: chatID, logger: logger, dedupWindow: time.Minute}
}

func (t *Telegram) SendAlert(ctx context.Context, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	t.mu.Lock()
	if text == t.lastText && time.Since(t.lastSent) < t.dedupWindow {
		t.mu.Unlock()
		t.logger.Debug().Msg("Duplicate alert suppressed")
		return nil
	}
	t.lastText = text
	t.lastSent = time.Now()
	t.mu.Unlock()

	if len(text) > maxMessageLen {
		text = text[:maxMessageLen] + "\n…"
	}
	msg := tgbotapi.NewMessage(t.chatID, text)
	msg.DisableWebPagePreview = true
	if _, err := t.bot.Send(msg); err != nil {
		t.logger.Error().Err(err).Int64("chat_id", t.chatID).Msg("Failed to send alert")
		return fmt.Errorf("send telegram alert: %w", err)
	}
	return nil
}

// Log is the fallback sender when no chat is configured.
type Log struct {
	logger *zerolog.Logger
}

func NewLog(logger *zerolog.Logger) *Log {
	return &Log{logger: logger}
}

func (l *Log) SendAlert(_ context.Context, text string) error {
	l.logger.Warn().Str("alert", text).Msg("Operator alert")
	return nil
}

var (
	_ domain.AlertSender = (*Telegram)(nil)
	_ domain.AlertSender = (*Log)(nil)
)
