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
// TRADE EXECUTIONS
// =====================================================

const executionColumns = `
	trade_id, user_id, request_id, symbol, side, quantity, entry_price, stop_loss, take_profit,
	status, order_id, take_profit_order_id, stop_loss_order_id, position_percent, equity,
	confidence, reason, pnl, closed_at, created_at, updated_at`

func scanExecution(row rowScanner) (*autotrade.TradeExecution, error) {
	t := &autotrade.TradeExecution{}
	var side, status, reason string
	err := row.Scan(
		&t.TradeID,
		&t.UserID,
		&t.RequestID,
		&t.Symbol,
		&side,
		&t.Quantity,
		&t.EntryPrice,
		&t.StopLoss,
		&t.TakeProfit,
		&status,
		&t.OrderID,
		&t.TakeProfitOrderID,
		&t.StopLossOrderID,
		&t.PositionPercent,
		&t.Equity,
		&t.Confidence,
		&reason,
		&t.PnL,
		&t.ClosedAt,
		&t.CreatedAt,
		&t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	t.Side = autotrade.Direction(side)
	t.Status = autotrade.ExecutionStatus(status)
	t.Reason = autotrade.Reason(reason)
	return t, nil
}

// CreateExecution inserts exec unless its (user, request id) pair exists.
// It reports whether the row was inserted.
func (r *Repository) CreateExecution(ctx context.Context, exec *autotrade.TradeExecution) (bool, error) {
	query := `
		INSERT INTO trade_executions (
			trade_id, user_id, request_id, symbol, side, quantity, entry_price, stop_loss,
			take_profit, status, position_percent, equity, confidence, reason, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (user_id, request_id) DO NOTHING
	`
	tag, err := r.db.Pool.Exec(ctx, query,
		exec.TradeID,
		exec.UserID,
		exec.RequestID,
		exec.Symbol,
		string(exec.Side),
		exec.Quantity,
		exec.EntryPrice,
		exec.StopLoss,
		exec.TakeProfit,
		string(exec.Status),
		exec.PositionPercent,
		exec.Equity,
		exec.Confidence,
		string(exec.Reason),
		exec.CreatedAt,
		exec.UpdatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("failed to create trade execution: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// FinalizeExecution moves a PENDING record to its terminal state
func (r *Repository) FinalizeExecution(ctx context.Context, exec *autotrade.TradeExecution) error {
	query := `
		UPDATE trade_executions
		SET status = $2,
			quantity = $3,
			entry_price = $4,
			stop_loss = $5,
			take_profit = $6,
			order_id = $7,
			take_profit_order_id = $8,
			stop_loss_order_id = $9,
			reason = $10,
			updated_at = $11
		WHERE trade_id = $1 AND status = 'PENDING'
	`
	tag, err := r.db.Pool.Exec(ctx, query,
		exec.TradeID,
		string(exec.Status),
		exec.Quantity,
		exec.EntryPrice,
		exec.StopLoss,
		exec.TakeProfit,
		exec.OrderID,
		exec.TakeProfitOrderID,
		exec.StopLossOrderID,
		string(exec.Reason),
		exec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to finalize trade execution: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("trade %s is not pending: %w", exec.TradeID, autotrade.ErrNotFound)
	}
	return nil
}

// FindExecutionByRequestID returns nil, nil when the request id is unknown
func (r *Repository) FindExecutionByRequestID(ctx context.Context, userID, requestID string) (*autotrade.TradeExecution, error) {
	query := `SELECT ` + executionColumns + ` FROM trade_executions WHERE user_id = $1 AND request_id = $2`
	t, err := scanExecution(r.db.Pool.QueryRow(ctx, query, userID, requestID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find trade execution: %w", err)
	}
	return t, nil
}

// GetExecution returns one of the user's trades or autotrade.ErrNotFound
func (r *Repository) GetExecution(ctx context.Context, userID, tradeID string) (*autotrade.TradeExecution, error) {
	query := `SELECT ` + executionColumns + ` FROM trade_executions WHERE user_id = $1 AND trade_id = $2`
	t, err := scanExecution(r.db.Pool.QueryRow(ctx, query, userID, tradeID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, autotrade.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get trade execution: %w", err)
	}
	return t, nil
}

// ListOpenExecutions returns filled trades that have not been closed
func (r *Repository) ListOpenExecutions(ctx context.Context, userID string) ([]*autotrade.TradeExecution, error) {
	query := `SELECT ` + executionColumns + `
		FROM trade_executions
		WHERE user_id = $1 AND status = 'FILLED' AND closed_at IS NULL
		ORDER BY created_at`
	rows, err := r.db.Pool.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list open trades: %w", err)
	}
	return collect(rows, scanExecution)
}

// ListExecutions returns the user's most recent trades
func (r *Repository) ListExecutions(ctx context.Context, userID string, limit int) ([]*autotrade.TradeExecution, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + executionColumns + `
		FROM trade_executions
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2`
	rows, err := r.db.Pool.Query(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list trades: %w", err)
	}
	return collect(rows, scanExecution)
}

// CloseExecution records the realised pnl on an open trade
func (r *Repository) CloseExecution(ctx context.Context, userID, tradeID string, pnl float64, at time.Time) (*autotrade.TradeExecution, error) {
	query := `
		UPDATE trade_executions
		SET pnl = $3, closed_at = $4, updated_at = $4
		WHERE user_id = $1 AND trade_id = $2 AND status = 'FILLED' AND closed_at IS NULL
		RETURNING ` + executionColumns
	t, err := scanExecution(r.db.Pool.QueryRow(ctx, query, userID, tradeID, pnl, at))
	if errors.Is(err, pgx.ErrNoRows) {
		if _, getErr := r.GetExecution(ctx, userID, tradeID); getErr != nil {
			return nil, getErr
		}
		return nil, autotrade.ErrTradeNotOpen
	}
	if err != nil {
		return nil, fmt.Errorf("failed to close trade: %w", err)
	}
	return t, nil
}

// =====================================================
// AUDIT LOG
// =====================================================

// AppendAuditEvent stores an audit entry
func (r *Repository) AppendAuditEvent(ctx context.Context, ev *autotrade.AuditEvent) error {
	payload, err := marshalJSON(ev.Payload)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO autotrade_audit_events (id, user_id, event_type, reason, request_id, trade_id, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err = r.db.Pool.Exec(ctx, query,
		ev.ID, ev.UserID, ev.Type, string(ev.Reason), ev.RequestID, ev.TradeID, payload, ev.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to append audit event: %w", err)
	}
	return nil
}

// ListAuditEvents returns the user's most recent audit entries
func (r *Repository) ListAuditEvents(ctx context.Context, userID string, limit int) ([]*autotrade.AuditEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT id, user_id, event_type, reason, request_id, trade_id, payload, created_at
		FROM autotrade_audit_events
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`
	rows, err := r.db.Pool.Query(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit events: %w", err)
	}
	return collect(rows, func(row rowScanner) (*autotrade.AuditEvent, error) {
		ev := &autotrade.AuditEvent{}
		var reason string
		var payload []byte
		if err := row.Scan(&ev.ID, &ev.UserID, &ev.Type, &reason, &ev.RequestID, &ev.TradeID, &payload, &ev.CreatedAt); err != nil {
			return nil, err
		}
		ev.Reason = autotrade.Reason(reason)
		if len(payload) > 0 {
			_ = json.Unmarshal(payload, &ev.Payload)
		}
		return ev, nil
	})
}
