package transport

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"zonemonitor/internal/config"
)

// telegramMaxLength Telegram 单条消息最大字符数
const telegramMaxLength = 4096

// Telegram Telegram Bot 通道，收件人为 chat id
type Telegram struct {
	bot *tgbotapi.BotAPI
}

// NewTelegram 创建 Telegram 通道（会调用 getMe 校验 token）
func NewTelegram(cfg config.TelegramConfig) (*Telegram, error) {
	endpoint := cfg.APIEndpoint
	if endpoint == "" {
		endpoint = tgbotapi.APIEndpoint
	}
	bot, err := tgbotapi.NewBotAPIWithAPIEndpoint(cfg.BotToken, endpoint)
	if err != nil {
		return nil, fmt.Errorf("创建 Telegram Bot 失败: %w", err)
	}
	return &Telegram{bot: bot}, nil
}

func (t *Telegram) Name() string { return string(config.ChannelTelegram) }

// Send 发送消息
func (t *Telegram) Send(ctx context.Context, msg Message, recipients []string) error {
	text := msg.Title + "\n" + msg.Body
	if msg.URL != "" && !strings.Contains(msg.Body, msg.URL) {
		text += "\n" + msg.URL
	}
	text = truncate(text, telegramMaxLength)

	return sendAll(t.Name(), recipients, func(recipient string) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		chatID, err := strconv.ParseInt(strings.TrimSpace(recipient), 10, 64)
		if err != nil {
			return &SendError{Channel: t.Name(), Message: "无效的 chat id: " + recipient, Err: err}
		}
		out := tgbotapi.NewMessage(chatID, text)
		out.DisableWebPagePreview = true
		if _, err := t.bot.Send(out); err != nil {
			return &SendError{Channel: t.Name(), Message: "发送失败", Err: err}
		}
		return nil
	})
}
