package autotrade

import (
	"errors"
	"fmt"
)

// Reason is a stable, machine-parsable rejection code
type Reason string

const (
	ReasonSettingsInvalid      Reason = "SETTINGS_INVALID"
	ReasonInvalidSignal        Reason = "INVALID_SIGNAL"
	ReasonAccuracyTrigger      Reason = "ACCURACY_TRIGGER"
	ReasonDailyLossLimit       Reason = "DAILY_LOSS_LIMIT"
	ReasonMaxTradesPerDay      Reason = "MAX_TRADES_PER_DAY"
	ReasonInvalidPositionSize  Reason = "INVALID_POSITION_SIZE"
	ReasonCircuitBreakerActive Reason = "CIRCUIT_BREAKER_ACTIVE"
	ReasonManualOverride       Reason = "MANUAL_OVERRIDE"
	ReasonManualMode           Reason = "MANUAL_MODE"
	ReasonAutoTradeDisabled    Reason = "AUTO_TRADE_DISABLED"
	ReasonMaxConcurrentTrades  Reason = "MAX_CONCURRENT_TRADES"
	ReasonDuplicateSymbol      Reason = "DUPLICATE_SYMBOL"
	ReasonCooldownActive       Reason = "COOLDOWN_ACTIVE"
	ReasonInsufficientLiquid   Reason = "INSUFFICIENT_LIQUIDITY"
	ReasonMinNotional          Reason = "MIN_NOTIONAL"
	ReasonExchangeError        Reason = "EXCHANGE_ERROR"
	ReasonNoSignal             Reason = "NO_SIGNAL"
	ReasonDuplicateRequest     Reason = "DUPLICATE_REQUEST"
	ReasonResearchFailed       Reason = "RESEARCH_FAILED"
	ReasonInternalError        Reason = "INTERNAL_ERROR"
	ReasonExecuted             Reason = "EXECUTED"
)

// Manual reports whether r comes from manual mode or override. Those end in a
// CANCELLED record rather than a plain rejection.
func (r Reason) Manual() bool {
	return r == ReasonManualOverride || r == ReasonManualMode
}

var (
	// ErrDuplicateRequest means the request id was already executed or claimed.
	// Callers skip it silently.
	ErrDuplicateRequest = errors.New("duplicate request id")
	// ErrNotFound is returned by stores for missing rows
	ErrNotFound = errors.New("not found")
	// ErrTradeNotOpen is returned when closing a trade that holds no position
	ErrTradeNotOpen = errors.New("trade is not open")
)

// ConfigError marks missing or malformed configuration. It stops the user's loop.
type ConfigError struct {
	Field string
	Msg   string
}

func (e *ConfigError) Error() string {
	if e.Field == "" {
		return "invalid configuration: " + e.Msg
	}
	return fmt.Sprintf("invalid configuration: %s: %s", e.Field, e.Msg)
}

// IsConfigError reports whether err is or wraps a *ConfigError
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}

// ExecutionError is returned when a signal does not result in a filled trade
type ExecutionError struct {
	Reason Reason
	Detail string
	Trade  *TradeExecution
	Err    error
}

func (e *ExecutionError) Error() string {
	msg := string(e.Reason)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// ReasonOf extracts the reason code carried by err, if any
func ReasonOf(err error) Reason {
	if err == nil {
		return ""
	}
	var ee *ExecutionError
	if errors.As(err, &ee) {
		return ee.Reason
	}
	if IsConfigError(err) {
		return ReasonSettingsInvalid
	}
	if errors.Is(err, ErrDuplicateRequest) {
		return ReasonDuplicateRequest
	}
	return ReasonInternalError
}
