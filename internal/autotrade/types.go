package autotrade

import (
	"time"
)

// Mode decides whether accepted signals reach the exchange
type Mode string

const (
	ModeAuto   Mode = "AUTO"
	ModeManual Mode = "MANUAL"
)

// Direction of a research signal
type Direction string

const (
	DirectionBuy  Direction = "BUY"
	DirectionSell Direction = "SELL"
	DirectionHold Direction = "HOLD"
)

// ExecutionStatus is the lifecycle state of a trade record
type ExecutionStatus string

const (
	StatusPending   ExecutionStatus = "PENDING"
	StatusFilled    ExecutionStatus = "FILLED"
	StatusCancelled ExecutionStatus = "CANCELLED"
	StatusRejected  ExecutionStatus = "REJECTED"
)

// Terminal reports whether no further transition is allowed
func (s ExecutionStatus) Terminal() bool {
	return s == StatusFilled || s == StatusCancelled || s == StatusRejected
}

// Stats are the running counters kept on a user's configuration.
// Daily fields belong to Day and are zeroed when the local date moves on.
type Stats struct {
	TotalTrades   int     `json:"totalTrades"`
	WinningTrades int     `json:"winningTrades"`
	LosingTrades  int     `json:"losingTrades"`
	TotalPnL      float64 `json:"totalPnL"`
	DailyPnL      float64 `json:"dailyPnL"`
	DailyTrades   int     `json:"dailyTrades"`
	Day           string  `json:"day"`
}

// Config is one user's auto-trade configuration
type Config struct {
	UserID              string  `json:"userId"`
	Enabled             bool    `json:"enabled"`
	Mode                Mode    `json:"mode"`
	ManualOverride      bool    `json:"manualOverride"`
	PerTradeRiskPct     float64 `json:"perTradeRiskPct"`
	MaxConcurrentTrades int     `json:"maxConcurrentTrades"`
	MaxDailyLossPct     float64 `json:"maxDailyLossPct"`
	StopLossPct         float64 `json:"stopLossPct"`
	TakeProfitPct       float64 `json:"takeProfitPct"`
	MaxTradesPerDay     int     `json:"maxTradesPerDay"`
	CooldownSeconds     int     `json:"cooldownSeconds"`
	EquitySnapshot      float64 `json:"equitySnapshot"`

	CircuitBreakerOpen      bool       `json:"circuitBreakerOpen"`
	CircuitBreakerReason    string     `json:"circuitBreakerReason,omitempty"`
	CircuitBreakerTrippedAt *time.Time `json:"circuitBreakerTrippedAt,omitempty"`
	LastTradeAt             *time.Time `json:"lastTradeAt,omitempty"`

	Stats     Stats     `json:"stats"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// ConfigPatch carries the user-editable fields of Config. Nil fields are left unchanged.
type ConfigPatch struct {
	Enabled             *bool    `json:"enabled,omitempty"`
	Mode                *Mode    `json:"mode,omitempty"`
	ManualOverride      *bool    `json:"manualOverride,omitempty"`
	PerTradeRiskPct     *float64 `json:"perTradeRiskPct,omitempty"`
	MaxConcurrentTrades *int     `json:"maxConcurrentTrades,omitempty"`
	MaxDailyLossPct     *float64 `json:"maxDailyLossPct,omitempty"`
	StopLossPct         *float64 `json:"stopLossPct,omitempty"`
	TakeProfitPct       *float64 `json:"takeProfitPct,omitempty"`
	MaxTradesPerDay     *int     `json:"maxTradesPerDay,omitempty"`
	CooldownSeconds     *int     `json:"cooldownSeconds,omitempty"`
}

// Empty reports whether the patch changes nothing
func (p ConfigPatch) Empty() bool {
	return p == ConfigPatch{}
}

// SizingBand maps a confidence range to a capital percentage
type SizingBand struct {
	Min     float64 `json:"min"`
	Max     float64 `json:"max"`
	Percent float64 `json:"percent"`
}

// TradingSettings is the per-user sizing table and limits
type TradingSettings struct {
	AccuracyTrigger     float64      `json:"accuracyTrigger"`
	MaxPositionPerTrade float64      `json:"maxPositionPerTrade"`
	MaxDailyLoss        float64      `json:"maxDailyLoss"`
	MaxTradesPerDay     int          `json:"maxTradesPerDay"`
	PositionSizingMap   []SizingBand `json:"positionSizingMap"`
}

// TradeSignal is a research result for one symbol
type TradeSignal struct {
	Symbol      string    `json:"symbol"`
	Direction   Direction `json:"direction"`
	EntryPrice  float64   `json:"entryPrice"`
	Confidence  float64   `json:"confidence"`
	RequestID   string    `json:"requestId"`
	GeneratedAt time.Time `json:"generatedAt,omitempty"`
	Source      string    `json:"source,omitempty"`
}

// TradeExecution is the durable record of one accepted signal
type TradeExecution struct {
	TradeID           string          `json:"tradeId"`
	UserID            string          `json:"userId"`
	RequestID         string          `json:"requestId"`
	Symbol            string          `json:"symbol"`
	Side              Direction       `json:"side"`
	Quantity          float64         `json:"quantity"`
	EntryPrice        float64         `json:"entryPrice"`
	StopLoss          float64         `json:"stopLoss"`
	TakeProfit        float64         `json:"takeProfit"`
	Status            ExecutionStatus `json:"status"`
	OrderID           string          `json:"orderId,omitempty"`
	TakeProfitOrderID string          `json:"takeProfitOrderId,omitempty"`
	StopLossOrderID   string          `json:"stopLossOrderId,omitempty"`
	PositionPercent   float64         `json:"positionPercent"`
	Equity            float64         `json:"equity"`
	Confidence        float64         `json:"confidence"`
	Reason            Reason          `json:"reason,omitempty"`
	PnL               *float64        `json:"pnl,omitempty"`
	ClosedAt          *time.Time      `json:"closedAt,omitempty"`
	CreatedAt         time.Time       `json:"createdAt"`
	UpdatedAt         time.Time       `json:"updatedAt"`
}

// Open reports whether the trade holds an active position slot
func (t *TradeExecution) Open() bool {
	return t.Status == StatusFilled && t.ClosedAt == nil
}

// Audit event types
const (
	EventTradeExecuted      = "TRADE_EXECUTED"
	EventTradeRejected      = "TRADE_REJECTED"
	EventTradeFailed        = "TRADE_FAILED"
	EventTradeCancelled     = "TRADE_CANCELLED"
	EventTradeClosed        = "TRADE_CLOSED"
	EventBracketOrderFailed = "BRACKET_ORDER_FAILED"
	EventCircuitBreakerTrip = "CIRCUIT_BREAKER_TRIPPED"
	EventCircuitBreakerRst  = "CIRCUIT_BREAKER_RESET"
	EventDailyRollover      = "DAILY_STATS_ROLLOVER"
	EventAutoTradeStarted   = "AUTO_TRADE_STARTED"
	EventAutoTradeStopped   = "AUTO_TRADE_STOPPED"
	EventConfigUpdated      = "CONFIG_UPDATED"
)

// AuditEvent is an append-only log entry
type AuditEvent struct {
	ID        string                 `json:"id"`
	UserID    string                 `json:"userId"`
	Type      string                 `json:"type"`
	Reason    Reason                 `json:"reason,omitempty"`
	RequestID string                 `json:"requestId,omitempty"`
	TradeID   string                 `json:"tradeId,omitempty"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
	CreatedAt time.Time              `json:"createdAt"`
}

// TradeNotification is what the engine tells the user about
type TradeNotification struct {
	Type     string  `json:"type"`
	Symbol   string  `json:"symbol,omitempty"`
	Side     string  `json:"side,omitempty"`
	Quantity float64 `json:"quantity,omitempty"`
	Price    float64 `json:"price,omitempty"`
	OrderID  string  `json:"orderId,omitempty"`
	TradeID  string  `json:"tradeId,omitempty"`
	Reason   Reason  `json:"reason,omitempty"`
	Error    string  `json:"error,omitempty"`
}

// Status is the admin view of one user's engine
type Status struct {
	UserID             string     `json:"userId"`
	Enabled            bool       `json:"enabled"`
	Mode               Mode       `json:"mode"`
	ActiveTrades       int        `json:"activeTrades"`
	DailyPnL           float64    `json:"dailyPnL"`
	DailyTrades        int        `json:"dailyTrades"`
	CircuitBreakerOpen bool       `json:"circuitBreakerOpen"`
	ManualOverride     bool       `json:"manualOverride"`
	Equity             float64    `json:"equity"`
	Running            bool       `json:"running"`
	ResearchInProgress bool       `json:"researchInProgress"`
	LastResearchTime   *time.Time `json:"lastResearchTime,omitempty"`
	LastReason         Reason     `json:"lastReason,omitempty"`
}
