package alert

import (
	"context"
	"fmt"
	"strings"

	"dca_engine/internal/core"
	"dca_engine/pkg/httpclient"
)

const telegramAPIBase = "https://api.telegram.org"

var telegramIcons = map[core.AlertLevel]string{
	core.AlertInfo:     "ℹ️",
	core.AlertWarning:  "⚠️",
	core.AlertCritical: "🚨",
}

// TelegramChannel sends alerts through the Bot API to one chat. Like the
// Slack channel it goes through the resilient HTTP client, so a flaky
// Telegram edge retries before failing the delivery.
type TelegramChannel struct {
	chatID string
	path   string
	client *httpclient.Client
}

func NewTelegramChannel(botToken, chatID string) *TelegramChannel {
	return newTelegramChannel(telegramAPIBase, botToken, chatID)
}

// newTelegramChannel exists so tests can point the channel at a fake API.
func newTelegramChannel(apiBase, botToken, chatID string) *TelegramChannel {
	if botToken == "" || chatID == "" {
		return &TelegramChannel{}
	}
	return &TelegramChannel{
		chatID: chatID,
		path:   "/bot" + botToken + "/sendMessage",
		client: httpclient.NewClient(apiBase, channelTimeout, nil),
	}
}

func (t *TelegramChannel) Name() string {
	return "telegram"
}

func (t *TelegramChannel) Send(ctx context.Context, alert Payload) error {
	if t.client == nil {
		return nil
	}

	body := map[string]interface{}{
		"chat_id":    t.chatID,
		"text":       telegramText(alert),
		"parse_mode": "Markdown",
	}
	if _, err := t.client.Post(ctx, t.path, nil, body); err != nil {
		return fmt.Errorf("telegram api: %w", err)
	}
	return nil
}

// telegramText renders the payload as a Markdown message, fields in key
// order.
func telegramText(alert Payload) string {
	icon, ok := telegramIcons[alert.Level]
	if !ok {
		icon = telegramIcons[core.AlertInfo]
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s *[%s] %s*\n\n%s", icon, alert.Level, alert.Title, alert.Message)
	if len(alert.Fields) > 0 {
		b.WriteString("\n")
		for _, key := range sortedFieldKeys(alert.Fields) {
			fmt.Fprintf(&b, "\n- *%s*: %s", key, alert.Fields[key])
		}
	}
	return b.String()
}
