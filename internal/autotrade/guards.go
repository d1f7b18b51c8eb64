package autotrade

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// GuardInput is everything the guard pipeline looks at
type GuardInput struct {
	Config        Config
	Settings      *TradingSettings
	Signal        TradeSignal
	Equity        float64
	ActiveTrades  int
	ActiveSymbols map[string]bool
	Now           time.Time
}

// Decision is the result of the guard pipeline
type Decision struct {
	Allowed     bool         `json:"allowed"`
	Reason      Reason       `json:"reason,omitempty"`
	Detail      string       `json:"detail,omitempty"`
	TripBreaker bool         `json:"tripBreaker,omitempty"`
	Sizing      SizingResult `json:"sizing"`
	Err         error        `json:"-"`
}

func reject(reason Reason, format string, args ...interface{}) Decision {
	return Decision{Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

// EvaluateGuards runs the risk checks in order and stops at the first failure.
// A latched breaker is reported before anything else so that an open breaker
// always reads CIRCUIT_BREAKER_ACTIVE.
func EvaluateGuards(in GuardInput) Decision {
	cfg := in.Config

	if cfg.CircuitBreakerOpen {
		return reject(ReasonCircuitBreakerActive, "circuit breaker open: %s", cfg.CircuitBreakerReason)
	}

	// 1. configuration and settings integrity
	if err := cfg.Validate(); err != nil {
		d := reject(ReasonSettingsInvalid, "%v", err)
		d.Err = err
		return d
	}
	if err := in.Settings.Validate(); err != nil {
		d := reject(ReasonSettingsInvalid, "%v", err)
		d.Err = err
		return d
	}
	settings := *in.Settings

	if d, ok := checkSignal(in.Signal); !ok {
		return d
	}

	// 2. accuracy trigger
	if in.Signal.Confidence < settings.AccuracyTrigger {
		return reject(ReasonAccuracyTrigger, "confidence %.2f below trigger %.2f", in.Signal.Confidence, settings.AccuracyTrigger)
	}

	// 3. daily loss limit
	limit := DailyLossLimit(cfg, &settings, in.Equity)
	if cfg.Stats.DailyPnL < 0 && math.Abs(cfg.Stats.DailyPnL) >= limit {
		d := reject(ReasonDailyLossLimit, "daily loss %.2f reached limit %.2f", math.Abs(cfg.Stats.DailyPnL), limit)
		d.TripBreaker = true
		return d
	}

	// 4. trades per day
	if maxTrades := MaxTradesPerDay(cfg, &settings); cfg.Stats.DailyTrades >= maxTrades {
		return reject(ReasonMaxTradesPerDay, "%d trades today, limit %d", cfg.Stats.DailyTrades, maxTrades)
	}

	// 5. position size
	sizing := Size(in.Signal.Confidence, settings)
	if sizing.Percent > cfg.PerTradeRiskPct {
		sizing.Percent = cfg.PerTradeRiskPct
		sizing.Reason += fmt.Sprintf(", capped at per-trade risk %.2f%%", cfg.PerTradeRiskPct)
	}
	if sizing.Percent <= 0 {
		d := reject(ReasonInvalidPositionSize, "%s", sizing.Reason)
		d.Sizing = sizing
		return d
	}

	// 6. is covered by the latch check at the top.

	// 7. manual override / manual mode
	if cfg.ManualOverride {
		return withSizing(reject(ReasonManualOverride, "manual override is active"), sizing)
	}
	if cfg.Mode == ModeManual {
		return withSizing(reject(ReasonManualMode, "auto-trade is in manual mode"), sizing)
	}

	// 8. enabled flag
	if !cfg.Enabled {
		return withSizing(reject(ReasonAutoTradeDisabled, "auto-trade is disabled"), sizing)
	}

	// 9. concurrency cap
	if in.ActiveTrades >= cfg.MaxConcurrentTrades {
		return withSizing(reject(ReasonMaxConcurrentTrades, "%d active trades, limit %d", in.ActiveTrades, cfg.MaxConcurrentTrades), sizing)
	}

	// 10. one open position per symbol
	if in.ActiveSymbols[in.Signal.Symbol] {
		return withSizing(reject(ReasonDuplicateSymbol, "active trade already open on %s", in.Signal.Symbol), sizing)
	}

	if cfg.CooldownSeconds > 0 && cfg.LastTradeAt != nil {
		cooldown := time.Duration(cfg.CooldownSeconds) * time.Second
		if elapsed := in.Now.Sub(*cfg.LastTradeAt); elapsed < cooldown {
			return withSizing(reject(ReasonCooldownActive, "last trade %s ago, cooldown %s", elapsed.Truncate(time.Second), cooldown), sizing)
		}
	}

	return Decision{Allowed: true, Sizing: sizing}
}

func withSizing(d Decision, s SizingResult) Decision {
	d.Sizing = s
	return d
}

func checkSignal(sig TradeSignal) (Decision, bool) {
	switch {
	case strings.TrimSpace(sig.Symbol) == "":
		return reject(ReasonInvalidSignal, "symbol is empty"), false
	case sig.Direction != DirectionBuy && sig.Direction != DirectionSell:
		return reject(ReasonInvalidSignal, "direction %q is not tradable", sig.Direction), false
	case !finite(sig.Confidence) || sig.Confidence < 0 || sig.Confidence > 100:
		return reject(ReasonInvalidSignal, "confidence %v out of range", sig.Confidence), false
	case !finite(sig.EntryPrice) || sig.EntryPrice < 0:
		return reject(ReasonInvalidSignal, "entry price %v is invalid", sig.EntryPrice), false
	case strings.TrimSpace(sig.RequestID) == "":
		return reject(ReasonInvalidSignal, "request id is empty"), false
	}
	return Decision{}, true
}
