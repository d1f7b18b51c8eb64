package notification

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/kashyap2306/dlxtrade-ws-sub001/config"
	"github.com/kashyap2306/dlxtrade-ws-sub001/internal/database"

	"github.com/go-resty/resty/v2"
)

const (
	colorGreen = 0x00FF00
	colorRed   = 0xFF0000
)

// DiscordChannel posts notifications to a Discord webhook
type DiscordChannel struct {
	webhookURL string
	enabled    bool
	client     *resty.Client
}

// NewDiscordChannel creates a Discord channel
func NewDiscordChannel(cfg config.DiscordConfig) *DiscordChannel {
	return &DiscordChannel{
		webhookURL: cfg.WebhookURL,
		enabled:    cfg.Enabled && cfg.WebhookURL != "",
		client:     resty.New().SetTimeout(10 * time.Second),
	}
}

func (d *DiscordChannel) Name() string { return "discord" }

func (d *DiscordChannel) IsEnabled() bool { return d.enabled }

func (d *DiscordChannel) Send(ctx context.Context, n *database.Notification) error {
	if !d.enabled {
		return nil
	}

	color := colorGreen
	if isFailure(n) {
		color = colorRed
	}
	embed := map[string]interface{}{
		"title":       n.Title,
		"description": n.Message,
		"color":       color,
		"timestamp":   n.CreatedAt.Format(time.RFC3339),
	}
	if symbol, _ := n.Payload["symbol"].(string); symbol != "" {
		embed["fields"] = []map[string]interface{}{
			{"name": "Symbol", "value": symbol, "inline": true},
		}
	}

	resp, err := d.client.R().
		SetContext(ctx).
		SetBody(map[string]interface{}{"embeds": []map[string]interface{}{embed}}).
		Post(d.webhookURL)
	if err != nil {
		return fmt.Errorf("failed to send discord message: %w", err)
	}
	if resp.StatusCode() != http.StatusOK && resp.StatusCode() != http.StatusNoContent {
		return fmt.Errorf("discord API returned status %d", resp.StatusCode())
	}
	return nil
}
