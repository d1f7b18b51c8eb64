package autotrade

import "time"

const dayLayout = "2006-01-02"

// DayKey returns the calendar date of t in loc. Daily counters belong to one key.
func DayKey(t time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.Local
	}
	return t.In(loc).Format(dayLayout)
}

// NeedsRollover reports whether stats were last touched on a different day
func NeedsRollover(stats Stats, today string) bool {
	return stats.Day != today
}

// RolledOver returns cfg as it looks after a day rollover: daily counters
// zeroed and the breaker closed.
func RolledOver(cfg Config, today string) Config {
	cfg.Stats.DailyPnL = 0
	cfg.Stats.DailyTrades = 0
	cfg.Stats.Day = today
	cfg.CircuitBreakerOpen = false
	cfg.CircuitBreakerReason = ""
	cfg.CircuitBreakerTrippedAt = nil
	return cfg
}

// DailyLossLimit returns the stricter of the configured daily loss limits
// applied to equity.
func DailyLossLimit(cfg Config, settings *TradingSettings, equity float64) float64 {
	pct := cfg.MaxDailyLossPct
	if settings != nil && settings.MaxDailyLoss > 0 && (pct <= 0 || settings.MaxDailyLoss < pct) {
		pct = settings.MaxDailyLoss
	}
	return equity * pct / 100
}

// MaxTradesPerDay returns the stricter of the two daily trade caps
func MaxTradesPerDay(cfg Config, settings *TradingSettings) int {
	n := cfg.MaxTradesPerDay
	if settings != nil && settings.MaxTradesPerDay > 0 && (n <= 0 || settings.MaxTradesPerDay < n) {
		n = settings.MaxTradesPerDay
	}
	return n
}
