package autotrade

import (
	"errors"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/kashyap2306/dlxtrade-ws-sub001/config"
	"github.com/kashyap2306/dlxtrade-ws-sub001/internal/exchange"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveEquity(t *testing.T) {
	down := errors.New("exchange down")

	res := ResolveEquity(1200, nil, 1000)
	assert.Equal(t, EquityLive, res.Source)
	assert.Equal(t, 1200.0, res.Value)
	assert.NoError(t, res.Err)

	res = ResolveEquity(0, down, 1000)
	assert.Equal(t, EquitySnapshot, res.Source)
	assert.Equal(t, 1000.0, res.Value)
	assert.ErrorIs(t, res.Err, down)

	res = ResolveEquity(math.NaN(), nil, 1000)
	assert.Equal(t, EquitySnapshot, res.Source)

	res = ResolveEquity(0, down, 0)
	assert.Equal(t, EquityNone, res.Source)
	assert.Zero(t, res.Value)
	assert.ErrorIs(t, res.Err, down)
}

func TestResolveEntryPrice(t *testing.T) {
	p, src := ResolveEntryPrice(100, 99)
	assert.Equal(t, 100.0, p)
	assert.Equal(t, PriceSignal, src)

	p, src = ResolveEntryPrice(0, 99)
	assert.Equal(t, 99.0, p)
	assert.Equal(t, PriceTicker, src)

	p, src = ResolveEntryPrice(math.Inf(1), 0)
	assert.Zero(t, p)
	assert.Equal(t, PriceNone, src)
}

func TestQuantity(t *testing.T) {
	assert.Equal(t, 0.012, Quantity(10000, 6, 50000))
	assert.Equal(t, 0.00333333, Quantity(100, 1, 300))
	assert.Zero(t, Quantity(0, 6, 50000))
	assert.Zero(t, Quantity(10000, 0, 50000))
	assert.Zero(t, Quantity(10000, 6, 0))
	assert.Zero(t, Quantity(math.NaN(), 6, 50000))
}

func TestBracketPrices(t *testing.T) {
	tp, sl := BracketPrices(exchange.SideBuy, 50000, 3, 1.5)
	assert.InDelta(t, 51500, tp, 1e-9)
	assert.InDelta(t, 49250, sl, 1e-9)

	tp, sl = BracketPrices(exchange.SideSell, 50000, 3, 1.5)
	assert.InDelta(t, 48500, tp, 1e-9)
	assert.InDelta(t, 50750, sl, 1e-9)
}

func TestStopLimitPrice(t *testing.T) {
	assert.InDelta(t, 49200.75, StopLimitPrice(exchange.SideSell, 49250), 1e-9)
	assert.InDelta(t, 50800.75, StopLimitPrice(exchange.SideBuy, 50750), 1e-9)
}

func TestDayKey(t *testing.T) {
	ts := time.Date(2024, 3, 10, 23, 30, 0, 0, time.UTC)
	assert.Equal(t, "2024-03-10", DayKey(ts, time.UTC))

	tokyo := time.FixedZone("JST", 9*3600)
	assert.Equal(t, "2024-03-11", DayKey(ts, tokyo))
}

func TestRolledOver(t *testing.T) {
	at := time.Now()
	cfg := Config{
		CircuitBreakerOpen:      true,
		CircuitBreakerReason:    "daily loss",
		CircuitBreakerTrippedAt: &at,
		Stats: Stats{
			TotalTrades: 12,
			TotalPnL:    -300,
			DailyPnL:    -520,
			DailyTrades: 4,
			Day:         "2024-03-09",
		},
	}
	a := assert.New(t)
	a.True(NeedsRollover(cfg.Stats, "2024-03-10"))

	next := RolledOver(cfg, "2024-03-10")
	a.Zero(next.Stats.DailyPnL)
	a.Zero(next.Stats.DailyTrades)
	a.Equal("2024-03-10", next.Stats.Day)
	a.Equal(12, next.Stats.TotalTrades)
	a.Equal(-300.0, next.Stats.TotalPnL)
	a.False(next.CircuitBreakerOpen)
	a.Nil(next.CircuitBreakerTrippedAt)
	a.False(NeedsRollover(next.Stats, "2024-03-10"))
}

func TestReasonOf(t *testing.T) {
	assert.Equal(t, Reason(""), ReasonOf(nil))
	assert.Equal(t, ReasonCooldownActive, ReasonOf(fmt.Errorf("wrapped: %w", &ExecutionError{Reason: ReasonCooldownActive})))
	assert.Equal(t, ReasonSettingsInvalid, ReasonOf(&ConfigError{Field: "x", Msg: "bad"}))
	assert.Equal(t, ReasonDuplicateRequest, ReasonOf(ErrDuplicateRequest))
	assert.Equal(t, ReasonInternalError, ReasonOf(errors.New("boom")))
}

func TestApplyPatch(t *testing.T) {
	cfg := DefaultOptions().NewUserConfig("u1", "2024-03-10")
	mode := ModeManual
	risk := 2.5
	next := ApplyPatch(cfg, ConfigPatch{Mode: &mode, PerTradeRiskPct: &risk})

	assert.Equal(t, ModeManual, next.Mode)
	assert.Equal(t, 2.5, next.PerTradeRiskPct)
	assert.Equal(t, cfg.MaxConcurrentTrades, next.MaxConcurrentTrades)
	assert.True(t, ConfigPatch{}.Empty())
}

func TestOptionsFromConfig(t *testing.T) {
	opts := OptionsFromConfig(config.AutoTradeConfig{
		Timezone:    "UTC",
		MinNotional: 5,
		Defaults: config.UserDefaults{
			PerTradeRiskPct:     2,
			MaxConcurrentTrades: 1,
			CooldownSeconds:     30,
		},
		DefaultSettings: &config.SettingsDefault{
			AccuracyTrigger:     80,
			MaxPositionPerTrade: 5,
			MaxDailyLoss:        3,
			MaxTradesPerDay:     4,
			PositionSizingMap:   []config.BandDefault{{Min: 80, Max: 100, Percent: 2}},
		},
	})

	assert.Equal(t, ModeAuto, opts.Defaults.Mode)
	assert.False(t, opts.Defaults.Enabled)
	assert.Equal(t, 2.0, opts.Defaults.PerTradeRiskPct)
	assert.Equal(t, 1, opts.Defaults.MaxConcurrentTrades)
	assert.Equal(t, 30, opts.Defaults.CooldownSeconds)
	assert.Equal(t, 5.0, opts.Defaults.MaxDailyLossPct, "unset fields take the stock default")
	assert.Equal(t, "USDT", opts.QuoteAsset)
	assert.Equal(t, 5.0, opts.MinNotional)
	assert.Equal(t, time.UTC, opts.Location)

	if assert.NotNil(t, opts.DefaultSettings) {
		assert.Equal(t, 80.0, opts.DefaultSettings.AccuracyTrigger)
		assert.Equal(t, []SizingBand{{Min: 80, Max: 100, Percent: 2}}, opts.DefaultSettings.PositionSizingMap)
		assert.NoError(t, opts.DefaultSettings.Validate())
	}

	assert.Nil(t, OptionsFromConfig(config.AutoTradeConfig{}).DefaultSettings)
}

func TestOptionsValidate(t *testing.T) {
	require.NoError(t, DefaultOptions().Validate())

	opts := DefaultOptions()
	opts.Defaults.StopLossPct = 150
	var ce *ConfigError
	require.ErrorAs(t, opts.Validate(), &ce)
	assert.Equal(t, "stopLossPct", ce.Field)

	opts = DefaultOptions()
	opts.DefaultSettings = &TradingSettings{AccuracyTrigger: 85, MaxPositionPerTrade: 10, MaxDailyLoss: 5, MaxTradesPerDay: 5}
	require.ErrorAs(t, opts.Validate(), &ce)
	assert.Equal(t, "positionSizingMap", ce.Field)
}
