package notify

import (
	"context"
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
)

// messageSender часть tgbotapi.BotAPI, нужная для оповещений
type messageSender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// TelegramAlerter отправляет операторам оповещения о сбоях в чат Telegram
type TelegramAlerter struct {
	bot    messageSender
	chatID int64
	logger *zap.Logger
}

// NewTelegramAlerter подключается к Bot API и создает отправителя оповещений
func NewTelegramAlerter(token string, chatID int64, logger *zap.Logger) (*TelegramAlerter, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("ошибка создания Telegram бота: %w", err)
	}

	logger.Info("Telegram бот для оповещений подключен", zap.String("username", bot.Self.UserName))
	return newTelegramAlerter(bot, chatID, logger), nil
}

func newTelegramAlerter(bot messageSender, chatID int64, logger *zap.Logger) *TelegramAlerter {
	return &TelegramAlerter{
		bot:    bot,
		chatID: chatID,
		logger: logger,
	}
}

// Alert отправляет текст в чат операторов
func (a *TelegramAlerter) Alert(ctx context.Context, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	msg := tgbotapi.NewMessage(a.chatID, "⚠️ "+text)
	msg.DisableWebPagePreview = true

	if _, err := a.bot.Send(msg); err != nil {
		return fmt.Errorf("ошибка отправки оповещения в Telegram: %w", err)
	}

	a.logger.Debug("оповещение отправлено в Telegram", zap.Int64("chat_id", a.chatID))
	return nil
}
