package database

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kashyap2306/dlxtrade-ws-sub001/internal/autotrade"

	"github.com/jackc/pgx/v5"
)

// Repository provides data access methods
type Repository struct {
	db *DB
}

// NewRepository creates a new repository
func NewRepository(db *DB) *Repository {
	return &Repository{db: db}
}

// HealthCheck performs a database health check
func (r *Repository) HealthCheck(ctx context.Context) error {
	return r.db.Pool.Ping(ctx)
}

var _ autotrade.Store = (*Repository)(nil)

// rowScanner is satisfied by pgx.Row and pgx.Rows
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func marshalJSON(v interface{}) ([]byte, error) {
	if v == nil {
		return []byte("{}"), nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}
	if string(b) == "null" {
		return []byte("{}"), nil
	}
	return b, nil
}

// collect scans every row with scan and closes rows
func collect[T any](rows pgx.Rows, scan func(rowScanner) (*T, error)) ([]*T, error) {
	defer rows.Close()
	var out []*T
	for rows.Next() {
		item, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

// patchAssignments renders the SET list for a config patch. Placeholders start
// at $2; $1 is the user id.
func patchAssignments(p autotrade.ConfigPatch) (string, []interface{}) {
	var (
		sets []string
		args []interface{}
	)
	add := func(col string, v interface{}) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)+1))
	}
	if p.Enabled != nil {
		add("enabled", *p.Enabled)
	}
	if p.Mode != nil {
		add("mode", string(*p.Mode))
	}
	if p.ManualOverride != nil {
		add("manual_override", *p.ManualOverride)
	}
	if p.PerTradeRiskPct != nil {
		add("per_trade_risk_pct", *p.PerTradeRiskPct)
	}
	if p.MaxConcurrentTrades != nil {
		add("max_concurrent_trades", *p.MaxConcurrentTrades)
	}
	if p.MaxDailyLossPct != nil {
		add("max_daily_loss_pct", *p.MaxDailyLossPct)
	}
	if p.StopLossPct != nil {
		add("stop_loss_pct", *p.StopLossPct)
	}
	if p.TakeProfitPct != nil {
		add("take_profit_pct", *p.TakeProfitPct)
	}
	if p.MaxTradesPerDay != nil {
		add("max_trades_per_day", *p.MaxTradesPerDay)
	}
	if p.CooldownSeconds != nil {
		add("cooldown_seconds", *p.CooldownSeconds)
	}
	return strings.Join(sets, ", "), args
}

// outcome classifies a realised pnl as a win or a loss
func outcome(pnl float64) (win, loss int) {
	switch {
	case pnl > 0:
		return 1, 0
	case pnl < 0:
		return 0, 1
	}
	return 0, 0
}
