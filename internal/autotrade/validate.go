package autotrade

import (
	"fmt"
	"math"
	"strings"
)

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func validPercent(v float64) bool {
	return finite(v) && v > 0 && v <= 100
}

// Validate checks the user-editable fields of a configuration
func (c Config) Validate() error {
	if c.Mode != ModeAuto && c.Mode != ModeManual {
		return &ConfigError{Field: "mode", Msg: fmt.Sprintf("must be %s or %s", ModeAuto, ModeManual)}
	}
	percents := []struct {
		name string
		v    float64
	}{
		{"perTradeRiskPct", c.PerTradeRiskPct},
		{"maxDailyLossPct", c.MaxDailyLossPct},
		{"stopLossPct", c.StopLossPct},
		{"takeProfitPct", c.TakeProfitPct},
	}
	for _, p := range percents {
		if !validPercent(p.v) {
			return &ConfigError{Field: p.name, Msg: "must be in (0, 100]"}
		}
	}
	if c.MaxConcurrentTrades <= 0 {
		return &ConfigError{Field: "maxConcurrentTrades", Msg: "must be positive"}
	}
	if c.MaxTradesPerDay <= 0 {
		return &ConfigError{Field: "maxTradesPerDay", Msg: "must be positive"}
	}
	if c.CooldownSeconds < 0 {
		return &ConfigError{Field: "cooldownSeconds", Msg: "must not be negative"}
	}
	return nil
}

// Validate checks that the settings are fully populated and the sizing map is
// well-formed: numeric bands, min <= max, percent >= 0, ascending and disjoint.
func (s *TradingSettings) Validate() error {
	if s == nil {
		return &ConfigError{Field: "tradingSettings", Msg: "missing"}
	}
	if !finite(s.AccuracyTrigger) || s.AccuracyTrigger < 0 || s.AccuracyTrigger > 100 {
		return &ConfigError{Field: "accuracyTrigger", Msg: "must be in [0, 100]"}
	}
	if !validPercent(s.MaxPositionPerTrade) {
		return &ConfigError{Field: "maxPositionPerTrade", Msg: "must be in (0, 100]"}
	}
	if !validPercent(s.MaxDailyLoss) {
		return &ConfigError{Field: "maxDailyLoss", Msg: "must be in (0, 100]"}
	}
	if s.MaxTradesPerDay <= 0 {
		return &ConfigError{Field: "maxTradesPerDay", Msg: "must be positive"}
	}
	if len(s.PositionSizingMap) == 0 {
		return &ConfigError{Field: "positionSizingMap", Msg: "must contain at least one band"}
	}

	var problems []string
	for i, b := range s.PositionSizingMap {
		switch {
		case !finite(b.Min) || !finite(b.Max) || !finite(b.Percent):
			problems = append(problems, fmt.Sprintf("band %d is not numeric", i))
		case b.Min > b.Max:
			problems = append(problems, fmt.Sprintf("band %d has min %.2f > max %.2f", i, b.Min, b.Max))
		case b.Percent < 0:
			problems = append(problems, fmt.Sprintf("band %d has negative percent", i))
		case i > 0 && b.Min <= s.PositionSizingMap[i-1].Max:
			problems = append(problems, fmt.Sprintf("band %d overlaps or precedes band %d", i, i-1))
		}
	}
	if len(problems) > 0 {
		return &ConfigError{Field: "positionSizingMap", Msg: strings.Join(problems, "; ")}
	}
	return nil
}
