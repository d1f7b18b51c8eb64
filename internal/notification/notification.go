// Package notification delivers trade notifications to the user's inbox, the
// live event stream and any configured chat channels.
package notification

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/kashyap2306/dlxtrade-ws-sub001/config"
	"github.com/kashyap2306/dlxtrade-ws-sub001/internal/autotrade"
	"github.com/kashyap2306/dlxtrade-ws-sub001/internal/database"
	"github.com/kashyap2306/dlxtrade-ws-sub001/internal/events"
	"github.com/kashyap2306/dlxtrade-ws-sub001/internal/logging"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Channel is an external delivery provider
type Channel interface {
	Send(ctx context.Context, n *database.Notification) error
	Name() string
	IsEnabled() bool
}

// Store persists notifications for the in-app inbox
type Store interface {
	SaveNotification(ctx context.Context, n *database.Notification) error
}

// Manager fans notifications out without blocking the trading path
type Manager struct {
	channels []Channel
	store    Store
	bus      *events.EventBus
	logger   *logging.Logger
	timeout  time.Duration
	now      func() time.Time
	wg       sync.WaitGroup
}

var _ autotrade.Notifier = (*Manager)(nil)

// NewManager creates a manager. Chat channels are only attached when
// notifications are enabled in cfg; store and bus may be nil.
func NewManager(cfg config.NotificationConfig, store Store, bus *events.EventBus, logger *logging.Logger) *Manager {
	if logger == nil {
		logger = logging.Default()
	}
	m := &Manager{
		store:   store,
		bus:     bus,
		logger:  logger.WithComponent("notification"),
		timeout: 10 * time.Second,
		now:     time.Now,
	}
	if cfg.Enabled {
		m.AddChannel(NewTelegramChannel(cfg.Telegram))
		m.AddChannel(NewDiscordChannel(cfg.Discord))
	}
	return m
}

// AddChannel attaches a provider; disabled providers are ignored
func (m *Manager) AddChannel(c Channel) {
	if c == nil || !c.IsEnabled() {
		return
	}
	m.channels = append(m.channels, c)
}

// Channels returns the names of the attached providers
func (m *Manager) Channels() []string {
	names := make([]string, 0, len(m.channels))
	for _, c := range m.channels {
		names = append(names, c.Name())
	}
	return names
}

// Notify implements autotrade.Notifier. Delivery happens in the background.
func (m *Manager) Notify(ctx context.Context, userID string, tn autotrade.TradeNotification) {
	n := Build(userID, tn, m.now())
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.deliver(context.WithoutCancel(ctx), n)
	}()
}

// Wait blocks until queued deliveries finish
func (m *Manager) Wait() {
	m.wg.Wait()
}

func (m *Manager) deliver(ctx context.Context, n *database.Notification) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("notification delivery panicked", "panic", fmt.Sprint(r), "user_id", n.UserID)
		}
	}()
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	if m.store != nil {
		if err := m.store.SaveNotification(ctx, n); err != nil {
			m.logger.WithError(err).Warn("failed to persist notification", "user_id", n.UserID, "type", n.Type)
		}
	}
	if m.bus != nil {
		m.bus.PublishUser(n.UserID, events.EventNotification, map[string]interface{}{
			"id":      n.ID,
			"type":    n.Type,
			"title":   n.Title,
			"message": n.Message,
			"payload": n.Payload,
		})
	}
	for _, c := range m.channels {
		if err := c.Send(ctx, n); err != nil {
			m.logger.WithError(err).Warn("notification channel failed", "channel", c.Name(), "user_id", n.UserID)
		}
	}
}

// Build renders a trade notification into a stored message
func Build(userID string, tn autotrade.TradeNotification, at time.Time) *database.Notification {
	n := &database.Notification{
		ID:        uuid.NewString(),
		UserID:    userID,
		Type:      tn.Type,
		CreatedAt: at.UTC(),
		Payload: map[string]interface{}{
			"symbol":   tn.Symbol,
			"side":     tn.Side,
			"quantity": tn.Quantity,
			"price":    tn.Price,
			"orderId":  tn.OrderID,
			"tradeId":  tn.TradeID,
			"reason":   string(tn.Reason),
			"error":    tn.Error,
		},
	}

	order := strings.TrimSpace(fmt.Sprintf("%s %s %s", tn.Side, qty(tn.Quantity), tn.Symbol))
	if tn.Price > 0 {
		order += " @ " + decimal.NewFromFloat(tn.Price).StringFixed(2)
	}

	switch tn.Type {
	case autotrade.EventTradeExecuted:
		n.Title = "Trade Executed: " + tn.Symbol
		n.Message = order
	case autotrade.EventTradeClosed:
		n.Title = "Trade Closed: " + tn.Symbol
		n.Message = order
	case autotrade.EventTradeCancelled:
		n.Title = "Trade Cancelled: " + tn.Symbol
		n.Message = fmt.Sprintf("%s %s blocked: %s", tn.Side, tn.Symbol, tn.Reason)
	case autotrade.EventTradeRejected, autotrade.EventTradeFailed:
		n.Title = "Trade Failed: " + tn.Symbol
		n.Message = fmt.Sprintf("%s rejected (%s)", order, tn.Reason)
		if tn.Error != "" {
			n.Message += ": " + tn.Error
		}
	case autotrade.EventCircuitBreakerTrip:
		n.Title = "Circuit Breaker Tripped"
		n.Message = "Auto-trading halted for today"
		if tn.Error != "" {
			n.Message += ": " + tn.Error
		}
	case autotrade.EventCircuitBreakerRst:
		n.Title = "Circuit Breaker Reset"
		n.Message = "Auto-trading may resume"
	default:
		n.Title = strings.ReplaceAll(tn.Type, "_", " ")
		n.Message = order
	}
	return n
}

func qty(q float64) string {
	if q == 0 {
		return ""
	}
	return decimal.NewFromFloat(q).String()
}

// isFailure reports whether the notification should be rendered as an alert
func isFailure(n *database.Notification) bool {
	switch n.Type {
	case autotrade.EventTradeRejected, autotrade.EventTradeFailed, autotrade.EventCircuitBreakerTrip:
		return true
	}
	return false
}
