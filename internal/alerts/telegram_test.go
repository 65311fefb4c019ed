package alerts

import (
	"context"
	"errors"
	"strings"
	"testing"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSender struct {
	sent []tgbotapi.MessageConfig
	err  error
}

func (f *fakeSender) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	if f.err != nil {
		return tgbotapi.Message{}, f.err
	}
	if msg, ok := c.(tgbotapi.MessageConfig); ok {
		f.sent = append(f.sent, msg)
	}
	return tgbotapi.Message{}, nil
}

func TestTelegramSendAlert(t *testing.T) {
	logger := zerolog.Nop()
	sender := &fakeSender{}
	tg := newTelegram(sender, 555, &logger)

	require.NoError(t, tg.SendAlert(context.Background(), "webhook evt_1 exhausted"))
	require.Len(t, sender.sent, 1)
	assert.Equal(t, int64(555), sender.sent[0].ChatID)
	assert.Equal(t, "webhook evt_1 exhausted", sender.sent[0].Text)

	// same text inside the window is dropped
	require.NoError(t, tg.SendAlert(context.Background(), "webhook evt_1 exhausted"))
	assert.Len(t, sender.sent, 1)

	require.NoError(t, tg.SendAlert(context.Background(), "webhook evt_2 exhausted"))
	assert.Len(t, sender.sent, 2)
}

func TestTelegramTruncatesLongAlerts(t *testing.T) {
	logger := zerolog.Nop()
	sender := &fakeSender{}
	tg := newTelegram(sender, 1, &logger)

	require.NoError(t, tg.SendAlert(context.Background(), strings.Repeat("x", 5000)))
	require.Len(t, sender.sent, 1)
	assert.LessOrEqual(t, len(sender.sent[0].Text), maxMessageLen+8)
}

func TestTelegramSendError(t *testing.T) {
	logger := zerolog.Nop()
	tg := newTelegram(&fakeSender{err: errors.New("boom")}, 1, &logger)
	assert.Error(t, tg.SendAlert(context.Background(), "x"))
}
