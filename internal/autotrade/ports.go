package autotrade

import (
	"context"
	"time"
)

// Store is the durable per-user state the engine depends on.
// Load*/Get* return ErrNotFound for missing rows; Find* return nil, nil.
type Store interface {
	LoadConfig(ctx context.Context, userID string) (*Config, error)
	// EnsureConfig inserts cfg if the user has no configuration yet and
	// returns whatever is stored afterwards.
	EnsureConfig(ctx context.Context, cfg Config) (*Config, error)
	SaveConfig(ctx context.Context, userID string, patch ConfigPatch) (*Config, error)
	LoadTradingSettings(ctx context.Context, userID string) (*TradingSettings, error)
	ListEnabledUsers(ctx context.Context) ([]string, error)

	// RolloverDay zeroes the daily counters and closes the breaker when the
	// stored stats day differs from day. It reports whether a reset happened;
	// concurrent callers see true at most once per day.
	RolloverDay(ctx context.Context, userID, day string) (bool, error)
	SetCircuitBreaker(ctx context.Context, userID string, open bool, reason string, at time.Time) error
	UpdateEquitySnapshot(ctx context.Context, userID string, equity float64) error
	// IncrementTradeStats adds one trade to the total and daily counters.
	IncrementTradeStats(ctx context.Context, userID string, at time.Time) error
	// RecordRealizedPnL adds pnl to the total and daily PnL and counts a win or loss.
	RecordRealizedPnL(ctx context.Context, userID string, pnl float64) error

	// CreateExecution inserts a new record keyed by (user, request id). It
	// returns false without error when the request id already exists.
	CreateExecution(ctx context.Context, exec *TradeExecution) (bool, error)
	// FinalizeExecution moves a PENDING record to its terminal state.
	FinalizeExecution(ctx context.Context, exec *TradeExecution) error
	FindExecutionByRequestID(ctx context.Context, userID, requestID string) (*TradeExecution, error)
	GetExecution(ctx context.Context, userID, tradeID string) (*TradeExecution, error)
	ListOpenExecutions(ctx context.Context, userID string) ([]*TradeExecution, error)
	ListExecutions(ctx context.Context, userID string, limit int) ([]*TradeExecution, error)
	CloseExecution(ctx context.Context, userID, tradeID string, pnl float64, at time.Time) (*TradeExecution, error)

	AppendAuditEvent(ctx context.Context, ev *AuditEvent) error
}

// RequestLock collapses concurrent submissions of one request id before the
// durable claim is attempted.
type RequestLock interface {
	ClaimOnce(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// Notifier delivers user notifications. Implementations must not block the caller.
type Notifier interface {
	Notify(ctx context.Context, userID string, n TradeNotification)
}
