package autotrade

import (
	"fmt"
	"time"

	"github.com/kashyap2306/dlxtrade-ws-sub001/config"
)

// Options are the engine-wide defaults every user engine is built from.
// They are copied into each engine and never mutated afterwards.
type Options struct {
	Defaults        Config
	DefaultSettings *TradingSettings
	QuoteAsset      string
	MinNotional     float64
	OrderbookDepth  int
	SkipBrackets    bool
	Location        *time.Location
	RequestLockTTL  time.Duration
	Now             func() time.Time
}

// DefaultOptions returns the stock defaults
func DefaultOptions() Options {
	return Options{
		Defaults: Config{
			Enabled:             false,
			Mode:                ModeAuto,
			PerTradeRiskPct:     10,
			MaxConcurrentTrades: 3,
			MaxDailyLossPct:     5,
			StopLossPct:         1.5,
			TakeProfitPct:       3,
			MaxTradesPerDay:     10,
			CooldownSeconds:     60,
		},
		QuoteAsset:     "USDT",
		MinNotional:    10,
		OrderbookDepth: 5,
		Location:       time.Local,
		RequestLockTTL: 10 * time.Minute,
		Now:            time.Now,
	}
}

// OptionsFromConfig maps the process configuration onto engine options.
// Zero values fall back to DefaultOptions.
func OptionsFromConfig(cfg config.AutoTradeConfig) Options {
	d := cfg.Defaults
	opts := Options{
		Defaults: Config{
			Mode:                ModeAuto,
			PerTradeRiskPct:     d.PerTradeRiskPct,
			MaxConcurrentTrades: d.MaxConcurrentTrades,
			MaxDailyLossPct:     d.MaxDailyLossPct,
			StopLossPct:         d.StopLossPct,
			TakeProfitPct:       d.TakeProfitPct,
			MaxTradesPerDay:     d.MaxTradesPerDay,
			CooldownSeconds:     d.CooldownSeconds,
		},
		QuoteAsset:     cfg.QuoteAsset,
		MinNotional:    cfg.MinNotional,
		OrderbookDepth: cfg.OrderbookDepth,
		SkipBrackets:   cfg.SkipBrackets,
		Location:       cfg.Location(),
	}
	if cfg.DefaultSettings != nil {
		s := TradingSettings{
			AccuracyTrigger:     cfg.DefaultSettings.AccuracyTrigger,
			MaxPositionPerTrade: cfg.DefaultSettings.MaxPositionPerTrade,
			MaxDailyLoss:        cfg.DefaultSettings.MaxDailyLoss,
			MaxTradesPerDay:     cfg.DefaultSettings.MaxTradesPerDay,
		}
		for _, b := range cfg.DefaultSettings.PositionSizingMap {
			s.PositionSizingMap = append(s.PositionSizingMap, SizingBand{Min: b.Min, Max: b.Max, Percent: b.Percent})
		}
		opts.DefaultSettings = &s
	}
	return opts.withDefaults()
}

// withDefaults fills zero fields from DefaultOptions and returns the result.
func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.Defaults.Mode == "" {
		o.Defaults.Mode = d.Defaults.Mode
	}
	if o.Defaults.PerTradeRiskPct <= 0 {
		o.Defaults.PerTradeRiskPct = d.Defaults.PerTradeRiskPct
	}
	if o.Defaults.MaxConcurrentTrades <= 0 {
		o.Defaults.MaxConcurrentTrades = d.Defaults.MaxConcurrentTrades
	}
	if o.Defaults.MaxDailyLossPct <= 0 {
		o.Defaults.MaxDailyLossPct = d.Defaults.MaxDailyLossPct
	}
	if o.Defaults.StopLossPct <= 0 {
		o.Defaults.StopLossPct = d.Defaults.StopLossPct
	}
	if o.Defaults.TakeProfitPct <= 0 {
		o.Defaults.TakeProfitPct = d.Defaults.TakeProfitPct
	}
	if o.Defaults.MaxTradesPerDay <= 0 {
		o.Defaults.MaxTradesPerDay = d.Defaults.MaxTradesPerDay
	}
	if o.Defaults.CooldownSeconds < 0 {
		o.Defaults.CooldownSeconds = 0
	}
	if o.QuoteAsset == "" {
		o.QuoteAsset = d.QuoteAsset
	}
	if o.MinNotional <= 0 {
		o.MinNotional = d.MinNotional
	}
	if o.OrderbookDepth <= 0 {
		o.OrderbookDepth = d.OrderbookDepth
	}
	if o.Location == nil {
		o.Location = d.Location
	}
	if o.RequestLockTTL <= 0 {
		o.RequestLockTTL = d.RequestLockTTL
	}
	if o.Now == nil {
		o.Now = d.Now
	}
	if o.DefaultSettings != nil {
		s := cloneSettings(*o.DefaultSettings)
		o.DefaultSettings = &s
	}
	return o
}

// Validate checks the defaults new users are created with
func (o Options) Validate() error {
	if err := o.Defaults.Validate(); err != nil {
		return fmt.Errorf("default config: %w", err)
	}
	if o.DefaultSettings != nil {
		if err := o.DefaultSettings.Validate(); err != nil {
			return fmt.Errorf("default trading settings: %w", err)
		}
	}
	return nil
}

// NewUserConfig returns the configuration a user starts with
func (o Options) NewUserConfig(userID string, day string) Config {
	cfg := o.Defaults
	cfg.UserID = userID
	cfg.Stats = Stats{Day: day}
	cfg.CircuitBreakerTrippedAt = nil
	cfg.LastTradeAt = nil
	return cfg
}

// ApplyPatch returns cfg with the non-nil fields of patch applied.
func ApplyPatch(cfg Config, patch ConfigPatch) Config {
	if patch.Enabled != nil {
		cfg.Enabled = *patch.Enabled
	}
	if patch.Mode != nil {
		cfg.Mode = *patch.Mode
	}
	if patch.ManualOverride != nil {
		cfg.ManualOverride = *patch.ManualOverride
	}
	if patch.PerTradeRiskPct != nil {
		cfg.PerTradeRiskPct = *patch.PerTradeRiskPct
	}
	if patch.MaxConcurrentTrades != nil {
		cfg.MaxConcurrentTrades = *patch.MaxConcurrentTrades
	}
	if patch.MaxDailyLossPct != nil {
		cfg.MaxDailyLossPct = *patch.MaxDailyLossPct
	}
	if patch.StopLossPct != nil {
		cfg.StopLossPct = *patch.StopLossPct
	}
	if patch.TakeProfitPct != nil {
		cfg.TakeProfitPct = *patch.TakeProfitPct
	}
	if patch.MaxTradesPerDay != nil {
		cfg.MaxTradesPerDay = *patch.MaxTradesPerDay
	}
	if patch.CooldownSeconds != nil {
		cfg.CooldownSeconds = *patch.CooldownSeconds
	}
	return cfg
}

func cloneSettings(s TradingSettings) TradingSettings {
	bands := make([]SizingBand, len(s.PositionSizingMap))
	copy(bands, s.PositionSizingMap)
	s.PositionSizingMap = bands
	return s
}
