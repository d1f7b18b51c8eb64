package notification

import (
	"context"
	"fmt"
	"time"

	"github.com/kashyap2306/dlxtrade-ws-sub001/config"
	"github.com/kashyap2306/dlxtrade-ws-sub001/internal/database"

	"github.com/go-resty/resty/v2"
)

// TelegramChannel sends notifications via the Telegram bot API
type TelegramChannel struct {
	botToken string
	chatID   string
	enabled  bool
	client   *resty.Client
}

// NewTelegramChannel creates a Telegram channel
func NewTelegramChannel(cfg config.TelegramConfig) *TelegramChannel {
	return &TelegramChannel{
		botToken: cfg.BotToken,
		chatID:   cfg.ChatID,
		enabled:  cfg.Enabled && cfg.BotToken != "" && cfg.ChatID != "",
		client: resty.New().
			SetBaseURL("https://api.telegram.org").
			SetTimeout(10 * time.Second),
	}
}

func (t *TelegramChannel) Name() string { return "telegram" }

func (t *TelegramChannel) IsEnabled() bool { return t.enabled }

func (t *TelegramChannel) Send(ctx context.Context, n *database.Notification) error {
	if !t.enabled {
		return nil
	}
	title := n.Title
	if isFailure(n) {
		title = "⚠️ " + title
	}
	resp, err := t.client.R().
		SetContext(ctx).
		SetBody(map[string]interface{}{
			"chat_id":    t.chatID,
			"text":       fmt.Sprintf("*%s*\n\n%s", title, n.Message),
			"parse_mode": "Markdown",
		}).
		Post(fmt.Sprintf("/bot%s/sendMessage", t.botToken))
	if err != nil {
		return fmt.Errorf("failed to send telegram message: %w", err)
	}
	if resp.StatusCode() != 200 {
		return fmt.Errorf("telegram API returned status %d", resp.StatusCode())
	}
	return nil
}
