package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/kashyap2306/dlxtrade-ws-sub001/internal/autotrade"

	"github.com/jackc/pgx/v5"
)

// =====================================================
// AUTO-TRADE CONFIG
// =====================================================

const configColumns = `
	user_id, enabled, mode, manual_override, per_trade_risk_pct, max_concurrent_trades,
	max_daily_loss_pct, stop_loss_pct, take_profit_pct, max_trades_per_day, cooldown_seconds,
	equity_snapshot, circuit_breaker_open, circuit_breaker_reason, circuit_breaker_tripped_at,
	last_trade_at, total_trades, winning_trades, losing_trades, total_pnl, daily_pnl,
	daily_trades, stats_day, updated_at`

func scanConfig(row rowScanner) (*autotrade.Config, error) {
	cfg := &autotrade.Config{}
	var mode string
	err := row.Scan(
		&cfg.UserID,
		&cfg.Enabled,
		&mode,
		&cfg.ManualOverride,
		&cfg.PerTradeRiskPct,
		&cfg.MaxConcurrentTrades,
		&cfg.MaxDailyLossPct,
		&cfg.StopLossPct,
		&cfg.TakeProfitPct,
		&cfg.MaxTradesPerDay,
		&cfg.CooldownSeconds,
		&cfg.EquitySnapshot,
		&cfg.CircuitBreakerOpen,
		&cfg.CircuitBreakerReason,
		&cfg.CircuitBreakerTrippedAt,
		&cfg.LastTradeAt,
		&cfg.Stats.TotalTrades,
		&cfg.Stats.WinningTrades,
		&cfg.Stats.LosingTrades,
		&cfg.Stats.TotalPnL,
		&cfg.Stats.DailyPnL,
		&cfg.Stats.DailyTrades,
		&cfg.Stats.Day,
		&cfg.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	cfg.Mode = autotrade.Mode(mode)
	return cfg, nil
}

// LoadConfig returns the stored configuration or autotrade.ErrNotFound
func (r *Repository) LoadConfig(ctx context.Context, userID string) (*autotrade.Config, error) {
	query := `SELECT ` + configColumns + ` FROM autotrade_configs WHERE user_id = $1`
	cfg, err := scanConfig(r.db.Pool.QueryRow(ctx, query, userID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, autotrade.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get autotrade config: %w", err)
	}
	return cfg, nil
}

// EnsureConfig inserts cfg unless a row already exists and returns the stored row
func (r *Repository) EnsureConfig(ctx context.Context, cfg autotrade.Config) (*autotrade.Config, error) {
	query := `
		INSERT INTO autotrade_configs (
			user_id, enabled, mode, manual_override, per_trade_risk_pct, max_concurrent_trades,
			max_daily_loss_pct, stop_loss_pct, take_profit_pct, max_trades_per_day,
			cooldown_seconds, equity_snapshot, stats_day
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (user_id) DO NOTHING
	`
	_, err := r.db.Pool.Exec(ctx, query,
		cfg.UserID,
		cfg.Enabled,
		string(cfg.Mode),
		cfg.ManualOverride,
		cfg.PerTradeRiskPct,
		cfg.MaxConcurrentTrades,
		cfg.MaxDailyLossPct,
		cfg.StopLossPct,
		cfg.TakeProfitPct,
		cfg.MaxTradesPerDay,
		cfg.CooldownSeconds,
		cfg.EquitySnapshot,
		cfg.Stats.Day,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create autotrade config: %w", err)
	}
	return r.LoadConfig(ctx, cfg.UserID)
}

// SaveConfig applies the non-nil fields of patch
func (r *Repository) SaveConfig(ctx context.Context, userID string, patch autotrade.ConfigPatch) (*autotrade.Config, error) {
	sets, args := patchAssignments(patch)
	if sets == "" {
		return r.LoadConfig(ctx, userID)
	}
	query := `UPDATE autotrade_configs SET ` + sets + `, updated_at = NOW() WHERE user_id = $1 RETURNING ` + configColumns
	cfg, err := scanConfig(r.db.Pool.QueryRow(ctx, query, append([]interface{}{userID}, args...)...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, autotrade.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update autotrade config: %w", err)
	}
	return cfg, nil
}

// ListEnabledUsers returns users with auto-trade switched on
func (r *Repository) ListEnabledUsers(ctx context.Context) ([]string, error) {
	rows, err := r.db.Pool.Query(ctx, `SELECT user_id FROM autotrade_configs WHERE enabled ORDER BY user_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list enabled users: %w", err)
	}
	defer rows.Close()

	var users []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		users = append(users, id)
	}
	return users, rows.Err()
}

// RolloverDay zeroes the daily counters and closes the breaker when the stored
// day differs from day. It reports whether this call performed the rollover.
func (r *Repository) RolloverDay(ctx context.Context, userID, day string) (bool, error) {
	query := `
		UPDATE autotrade_configs
		SET daily_pnl = 0,
			daily_trades = 0,
			stats_day = $2,
			circuit_breaker_open = FALSE,
			circuit_breaker_reason = '',
			circuit_breaker_tripped_at = NULL,
			updated_at = NOW()
		WHERE user_id = $1 AND stats_day IS DISTINCT FROM $2
	`
	tag, err := r.db.Pool.Exec(ctx, query, userID, day)
	if err != nil {
		return false, fmt.Errorf("failed to roll over daily stats: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// SetCircuitBreaker persists the breaker latch
func (r *Repository) SetCircuitBreaker(ctx context.Context, userID string, open bool, reason string, at time.Time) error {
	var trippedAt *time.Time
	if open {
		trippedAt = &at
	} else {
		reason = ""
	}
	query := `
		UPDATE autotrade_configs
		SET circuit_breaker_open = $2, circuit_breaker_reason = $3, circuit_breaker_tripped_at = $4, updated_at = NOW()
		WHERE user_id = $1
	`
	tag, err := r.db.Pool.Exec(ctx, query, userID, open, reason, trippedAt)
	if err != nil {
		return fmt.Errorf("failed to save circuit breaker: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return autotrade.ErrNotFound
	}
	return nil
}

// UpdateEquitySnapshot stores the last known equity
func (r *Repository) UpdateEquitySnapshot(ctx context.Context, userID string, equity float64) error {
	_, err := r.db.Pool.Exec(ctx,
		`UPDATE autotrade_configs SET equity_snapshot = $2, updated_at = NOW() WHERE user_id = $1`,
		userID, equity)
	if err != nil {
		return fmt.Errorf("failed to update equity snapshot: %w", err)
	}
	return nil
}

// IncrementTradeStats counts one filled trade atomically
func (r *Repository) IncrementTradeStats(ctx context.Context, userID string, at time.Time) error {
	query := `
		UPDATE autotrade_configs
		SET total_trades = total_trades + 1,
			daily_trades = daily_trades + 1,
			last_trade_at = $2,
			updated_at = NOW()
		WHERE user_id = $1
	`
	if _, err := r.db.Pool.Exec(ctx, query, userID, at); err != nil {
		return fmt.Errorf("failed to increment trade stats: %w", err)
	}
	return nil
}

// RecordRealizedPnL adds pnl to the running totals atomically
func (r *Repository) RecordRealizedPnL(ctx context.Context, userID string, pnl float64) error {
	win, loss := outcome(pnl)
	query := `
		UPDATE autotrade_configs
		SET total_pnl = total_pnl + $2,
			daily_pnl = daily_pnl + $2,
			winning_trades = winning_trades + $3,
			losing_trades = losing_trades + $4,
			updated_at = NOW()
		WHERE user_id = $1
	`
	if _, err := r.db.Pool.Exec(ctx, query, userID, pnl, win, loss); err != nil {
		return fmt.Errorf("failed to record pnl: %w", err)
	}
	return nil
}

// =====================================================
// TRADING SETTINGS
// =====================================================

// LoadTradingSettings returns the user's sizing table or autotrade.ErrNotFound
func (r *Repository) LoadTradingSettings(ctx context.Context, userID string) (*autotrade.TradingSettings, error) {
	query := `
		SELECT accuracy_trigger, max_position_per_trade, max_daily_loss, max_trades_per_day, position_sizing_map
		FROM trading_settings
		WHERE user_id = $1
	`
	s := &autotrade.TradingSettings{}
	var bands []byte
	err := r.db.Pool.QueryRow(ctx, query, userID).Scan(
		&s.AccuracyTrigger,
		&s.MaxPositionPerTrade,
		&s.MaxDailyLoss,
		&s.MaxTradesPerDay,
		&bands,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, autotrade.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get trading settings: %w", err)
	}
	if s.PositionSizingMap, err = decodeSizingMap(bands); err != nil {
		return nil, err
	}
	return s, nil
}

// decodeSizingMap parses the stored position_sizing_map column. A value that
// is not a list of numeric bands is a configuration error.
func decodeSizingMap(raw []byte) ([]autotrade.SizingBand, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var bands []autotrade.SizingBand
	if err := json.Unmarshal(raw, &bands); err != nil {
		return nil, &autotrade.ConfigError{Field: "positionSizingMap", Msg: "malformed: " + err.Error()}
	}
	return bands, nil
}

// SaveTradingSettings upserts the user's sizing table
func (r *Repository) SaveTradingSettings(ctx context.Context, userID string, s autotrade.TradingSettings) error {
	bands, err := json.Marshal(s.PositionSizingMap)
	if err != nil {
		return fmt.Errorf("failed to encode sizing map: %w", err)
	}
	query := `
		INSERT INTO trading_settings (user_id, accuracy_trigger, max_position_per_trade, max_daily_loss, max_trades_per_day, position_sizing_map)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (user_id) DO UPDATE SET
			accuracy_trigger = EXCLUDED.accuracy_trigger,
			max_position_per_trade = EXCLUDED.max_position_per_trade,
			max_daily_loss = EXCLUDED.max_daily_loss,
			max_trades_per_day = EXCLUDED.max_trades_per_day,
			position_sizing_map = EXCLUDED.position_sizing_map,
			updated_at = NOW()
	`
	_, err = r.db.Pool.Exec(ctx, query, userID, s.AccuracyTrigger, s.MaxPositionPerTrade, s.MaxDailyLoss, s.MaxTradesPerDay, bands)
	if err != nil {
		return fmt.Errorf("failed to save trading settings: %w", err)
	}
	return nil
}
