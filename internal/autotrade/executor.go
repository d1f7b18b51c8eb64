package autotrade

import (
	"context"
	"fmt"

	"github.com/kashyap2306/dlxtrade-ws-sub001/internal/exchange"
	"github.com/kashyap2306/dlxtrade-ws-sub001/internal/logging"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// quantityPlaces bounds the precision of computed order quantities. The
// connector rounds further to the symbol's lot size.
const quantityPlaces = 8

// stopLimitSlippage places the limit leg of a stop-loss this fraction beyond
// the stop price so it still fills on a fast move.
var stopLimitSlippage = decimal.RequireFromString("0.001")

// Execute turns an accepted signal into an order. Configuration and guards are
// re-checked first. Every outcome is audited; a duplicate request id returns
// ErrDuplicateRequest and touches nothing.
func (e *Engine) Execute(ctx context.Context, sig TradeSignal) (*TradeExecution, error) {
	log := logging.TradeContext(e.logger, e.userID, sig.RequestID, sig.Symbol, string(sig.Direction))

	if d, ok := checkSignal(sig); !ok {
		e.auditRejection(ctx, sig, d, 0)
		return nil, &ExecutionError{Reason: d.Reason, Detail: d.Detail}
	}

	// Claim before the durable lookup: a concurrent twin either sees the claim
	// or, once the claim is gone, the record it left behind.
	if !e.claimRequest(sig.RequestID) {
		log.Debug("request already in flight, skipping")
		return nil, ErrDuplicateRequest
	}
	defer e.releaseRequest(sig.RequestID)

	seen, err := e.Seen(ctx, sig.RequestID)
	if err != nil {
		return nil, err
	}
	if seen {
		log.Debug("request already executed, skipping")
		return nil, ErrDuplicateRequest
	}

	cfg, err := e.Prepare(ctx)
	if err != nil {
		return nil, err
	}
	settings, err := e.loadSettings(ctx)
	if err != nil {
		return nil, err
	}

	conn, connErr := e.svc.deps.Connectors.ForUser(ctx, e.userID)
	equity := e.resolveEquity(ctx, conn, connErr, cfg)

	d := e.evaluate(ctx, cfg, settings, sig, equity.Value)
	if !d.Allowed {
		if d.Reason.Manual() {
			return e.cancel(ctx, sig, d, equity.Value)
		}
		e.auditRejection(ctx, sig, d, equity.Value)
		if d.Reason == ReasonSettingsInvalid {
			return nil, d.Err
		}
		return nil, &ExecutionError{Reason: d.Reason, Detail: d.Detail}
	}

	if connErr != nil {
		e.audit(ctx, EventTradeFailed, ReasonExchangeError, sig.RequestID, "", map[string]interface{}{
			"signal": sig,
			"error":  connErr.Error(),
		})
		return nil, &ExecutionError{Reason: ReasonExchangeError, Detail: "exchange connector unavailable", Err: connErr}
	}

	var tickerPrice float64
	if sig.EntryPrice <= 0 {
		if t, err := conn.GetTicker(ctx, sig.Symbol); err == nil {
			tickerPrice = t.LastPrice
		} else {
			log.Warn("ticker unavailable", "error", err)
		}
	}
	price, _ := ResolveEntryPrice(sig.EntryPrice, tickerPrice)

	qty := Quantity(equity.Value, d.Sizing.Percent, price)
	if qty <= 0 {
		d = withSizing(reject(ReasonInvalidPositionSize, "quantity %.8f from equity %.2f at %.2f%% and price %.8f",
			qty, equity.Value, d.Sizing.Percent, price), d.Sizing)
		e.auditRejection(ctx, sig, d, equity.Value)
		return nil, &ExecutionError{Reason: d.Reason, Detail: d.Detail}
	}

	if reason, ok := e.reserve(sig.RequestID, sig.Symbol, cfg.MaxConcurrentTrades); !ok {
		d = withSizing(reject(reason, "slot taken by a trade in flight"), d.Sizing)
		e.auditRejection(ctx, sig, d, equity.Value)
		return nil, &ExecutionError{Reason: reason, Detail: d.Detail}
	}
	defer e.release(sig.RequestID)

	if lock := e.svc.deps.Lock; lock != nil {
		claimed, err := lock.ClaimOnce(ctx, requestLockKey(e.userID, sig.RequestID), e.svc.opts.RequestLockTTL)
		switch {
		case err != nil:
			// the durable claim below still protects the request
			log.Warn("request lock unavailable", "error", err)
		case !claimed:
			log.Debug("request claimed elsewhere, skipping")
			return nil, ErrDuplicateRequest
		}
	}

	now := e.now()
	side := exchange.Side(sig.Direction)
	tp, sl := BracketPrices(side, price, cfg.TakeProfitPct, cfg.StopLossPct)
	trade := &TradeExecution{
		TradeID:         uuid.NewString(),
		UserID:          e.userID,
		RequestID:       sig.RequestID,
		Symbol:          sig.Symbol,
		Side:            sig.Direction,
		Quantity:        qty,
		EntryPrice:      price,
		StopLoss:        sl,
		TakeProfit:      tp,
		Status:          StatusPending,
		PositionPercent: d.Sizing.Percent,
		Equity:          equity.Value,
		Confidence:      sig.Confidence,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	created, err := e.svc.deps.Store.CreateExecution(ctx, trade)
	if err != nil {
		return nil, fmt.Errorf("failed to create execution record: %w", err)
	}
	if !created {
		log.Debug("request recorded by another worker, skipping")
		return nil, ErrDuplicateRequest
	}

	// The record exists now; it must reach a terminal state even if the caller goes away.
	ctx = context.WithoutCancel(ctx)
	return e.submit(ctx, log, conn, cfg, sig, d, trade)
}

func (e *Engine) submit(ctx context.Context, log *logging.Logger, conn exchange.Connector, cfg *Config, sig TradeSignal, d Decision, trade *TradeExecution) (*TradeExecution, error) {
	opts := e.svc.opts

	book, err := conn.GetOrderbook(ctx, trade.Symbol, opts.OrderbookDepth)
	if err != nil {
		return e.fail(ctx, sig, d, trade, EventTradeFailed, ReasonExchangeError, "order book unavailable", err)
	}
	bid, hasBid := book.BestBid()
	ask, hasAsk := book.BestAsk()
	if !hasBid || !hasAsk {
		return e.fail(ctx, sig, d, trade, EventTradeRejected, ReasonInsufficientLiquid,
			fmt.Sprintf("empty book side (bids=%d asks=%d)", len(book.Bids), len(book.Asks)), nil)
	}
	notional := decimal.NewFromFloat(trade.Quantity).Mul(decimal.NewFromFloat(trade.EntryPrice))
	if notional.LessThan(decimal.NewFromFloat(opts.MinNotional)) {
		return e.fail(ctx, sig, d, trade, EventTradeRejected, ReasonMinNotional,
			fmt.Sprintf("notional %s below minimum %.2f", notional.StringFixed(2), opts.MinNotional), nil)
	}

	side := exchange.Side(trade.Side)
	res, err := conn.PlaceOrder(ctx, exchange.OrderRequest{
		Symbol:        trade.Symbol,
		Side:          side,
		Type:          exchange.OrderTypeMarket,
		Quantity:      trade.Quantity,
		ClientOrderID: exchange.ClientOrderID(trade.TradeID, "P"),
	})
	if err != nil {
		return e.fail(ctx, sig, d, trade, EventTradeFailed, ReasonExchangeError, "primary order failed", err)
	}

	trade.OrderID = res.OrderID
	if res.FillPrice > 0 {
		trade.EntryPrice = res.FillPrice
	}
	if res.Quantity > 0 {
		trade.Quantity = res.Quantity
	}
	trade.TakeProfit, trade.StopLoss = BracketPrices(side, trade.EntryPrice, cfg.TakeProfitPct, cfg.StopLossPct)

	var bracketErrs []string
	if !opts.SkipBrackets {
		bracketErrs = e.placeBrackets(ctx, log, conn, trade)
	}

	trade.Status = StatusFilled
	trade.Reason = ReasonExecuted
	trade.UpdatedAt = e.now()
	if err := e.svc.deps.Store.FinalizeExecution(ctx, trade); err != nil {
		log.Error("failed to finalize filled execution", "trade_id", trade.TradeID, "error", err)
	}
	if err := e.svc.deps.Store.IncrementTradeStats(ctx, e.userID, trade.UpdatedAt); err != nil {
		log.Error("failed to update trade stats", "error", err)
	}
	e.addActive(trade)

	e.audit(ctx, EventTradeExecuted, ReasonExecuted, trade.RequestID, trade.TradeID, map[string]interface{}{
		"signal":        sig,
		"sizing":        d.Sizing,
		"equity":        trade.Equity,
		"quantity":      trade.Quantity,
		"fillPrice":     trade.EntryPrice,
		"response":      res.Raw,
		"bracketErrors": bracketErrs,
		"bid":           bid.Price,
		"ask":           ask.Price,
	})
	e.svc.deps.Notifier.Notify(ctx, e.userID, TradeNotification{
		Type:     EventTradeExecuted,
		Symbol:   trade.Symbol,
		Side:     string(trade.Side),
		Quantity: trade.Quantity,
		Price:    trade.EntryPrice,
		OrderID:  trade.OrderID,
		TradeID:  trade.TradeID,
	})

	log.Info("trade executed",
		"trade_id", trade.TradeID,
		"order_id", trade.OrderID,
		"quantity", trade.Quantity,
		"price", trade.EntryPrice,
		"percent", trade.PositionPercent,
	)
	return trade, nil
}

// placeBrackets submits take-profit and stop-loss orders on the opposite side.
// Failures are logged and audited; the primary fill stands.
func (e *Engine) placeBrackets(ctx context.Context, log *logging.Logger, conn exchange.Connector, trade *TradeExecution) []string {
	exit := exchange.Side(trade.Side).Opposite()
	var failures []string

	tpRes, err := conn.PlaceOrder(ctx, exchange.OrderRequest{
		Symbol:        trade.Symbol,
		Side:          exit,
		Type:          exchange.OrderTypeLimit,
		Quantity:      trade.Quantity,
		Price:         trade.TakeProfit,
		ClientOrderID: exchange.ClientOrderID(trade.TradeID, "TP"),
	})
	if err != nil {
		failures = append(failures, "take_profit: "+err.Error())
		e.bracketFailed(ctx, log, trade, "take_profit", err)
	} else {
		trade.TakeProfitOrderID = tpRes.OrderID
	}

	stopLimit := StopLimitPrice(exit, trade.StopLoss)
	slRes, err := conn.PlaceOrder(ctx, exchange.OrderRequest{
		Symbol:        trade.Symbol,
		Side:          exit,
		Type:          exchange.OrderTypeStopLossLimit,
		Quantity:      trade.Quantity,
		Price:         stopLimit,
		StopPrice:     trade.StopLoss,
		ClientOrderID: exchange.ClientOrderID(trade.TradeID, "SL"),
	})
	if err != nil {
		failures = append(failures, "stop_loss: "+err.Error())
		e.bracketFailed(ctx, log, trade, "stop_loss", err)
	} else {
		trade.StopLossOrderID = slRes.OrderID
	}
	return failures
}

func (e *Engine) bracketFailed(ctx context.Context, log *logging.Logger, trade *TradeExecution, leg string, err error) {
	log.Warn("bracket order failed, position left open", "leg", leg, "trade_id", trade.TradeID, "error", err)
	e.audit(ctx, EventBracketOrderFailed, ReasonExchangeError, trade.RequestID, trade.TradeID, map[string]interface{}{
		"leg":   leg,
		"error": err.Error(),
	})
}

// fail finalizes a PENDING record as REJECTED
func (e *Engine) fail(ctx context.Context, sig TradeSignal, d Decision, trade *TradeExecution, event string, reason Reason, detail string, cause error) (*TradeExecution, error) {
	trade.Status = StatusRejected
	trade.Reason = reason
	trade.UpdatedAt = e.now()
	if err := e.svc.deps.Store.FinalizeExecution(ctx, trade); err != nil {
		e.logger.Error("failed to finalize rejected execution", "trade_id", trade.TradeID, "error", err)
	}

	payload := map[string]interface{}{
		"signal": sig,
		"sizing": d.Sizing,
		"detail": detail,
	}
	if cause != nil {
		payload["error"] = cause.Error()
	}
	e.audit(ctx, event, reason, trade.RequestID, trade.TradeID, payload)

	n := TradeNotification{
		Type:     event,
		Symbol:   trade.Symbol,
		Side:     string(trade.Side),
		Quantity: trade.Quantity,
		Price:    trade.EntryPrice,
		TradeID:  trade.TradeID,
		Reason:   reason,
	}
	if cause != nil {
		n.Error = cause.Error()
	}
	e.svc.deps.Notifier.Notify(ctx, e.userID, n)

	return trade, &ExecutionError{Reason: reason, Detail: detail, Trade: trade, Err: cause}
}

// cancel records a CANCELLED execution for a signal blocked by manual mode or override
func (e *Engine) cancel(ctx context.Context, sig TradeSignal, d Decision, equity float64) (*TradeExecution, error) {
	now := e.now()
	trade := &TradeExecution{
		TradeID:         uuid.NewString(),
		UserID:          e.userID,
		RequestID:       sig.RequestID,
		Symbol:          sig.Symbol,
		Side:            sig.Direction,
		EntryPrice:      sig.EntryPrice,
		Status:          StatusCancelled,
		PositionPercent: d.Sizing.Percent,
		Equity:          equity,
		Confidence:      sig.Confidence,
		Reason:          d.Reason,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if sig.EntryPrice > 0 {
		trade.Quantity = Quantity(equity, d.Sizing.Percent, sig.EntryPrice)
	}

	created, err := e.svc.deps.Store.CreateExecution(ctx, trade)
	if err != nil {
		return nil, fmt.Errorf("failed to record cancelled execution: %w", err)
	}
	if !created {
		return nil, ErrDuplicateRequest
	}

	e.audit(ctx, EventTradeCancelled, d.Reason, trade.RequestID, trade.TradeID, map[string]interface{}{
		"signal": sig,
		"sizing": d.Sizing,
		"detail": d.Detail,
	})
	e.svc.deps.Notifier.Notify(ctx, e.userID, TradeNotification{
		Type:    EventTradeCancelled,
		Symbol:  trade.Symbol,
		Side:    string(trade.Side),
		TradeID: trade.TradeID,
		Reason:  d.Reason,
	})
	return trade, &ExecutionError{Reason: d.Reason, Detail: d.Detail, Trade: trade}
}

// resolveEquity queries the live balance and applies ResolveEquity. A fresh
// live value is written back as the snapshot.
func (e *Engine) resolveEquity(ctx context.Context, conn exchange.Connector, connErr error, cfg *Config) EquityResolution {
	var (
		live    float64
		liveErr = connErr
	)
	if conn != nil && connErr == nil {
		acct, err := conn.GetAccount(ctx)
		if err != nil {
			liveErr = err
		} else if total, ok := acct.Total(e.svc.opts.QuoteAsset); ok {
			live = total
		} else {
			liveErr = fmt.Errorf("no %s balance", e.svc.opts.QuoteAsset)
		}
	}

	res := ResolveEquity(live, liveErr, cfg.EquitySnapshot)
	switch res.Source {
	case EquityLive:
		if res.Value != cfg.EquitySnapshot {
			if err := e.svc.deps.Store.UpdateEquitySnapshot(ctx, e.userID, res.Value); err != nil {
				e.logger.Warn("failed to persist equity snapshot", "error", err)
			} else {
				cfg.EquitySnapshot = res.Value
			}
		}
	case EquitySnapshot:
		e.logger.Warn("live equity unavailable, using snapshot", "snapshot", cfg.EquitySnapshot, "error", res.Err)
	default:
		e.logger.Warn("no usable equity", "error", res.Err)
	}
	return res
}

// Quantity returns equity * percent / 100 / price, rounded down.
func Quantity(equity, percent, price float64) float64 {
	if !finite(equity) || !finite(percent) || !finite(price) || equity <= 0 || percent <= 0 || price <= 0 {
		return 0
	}
	q := decimal.NewFromFloat(equity).
		Mul(decimal.NewFromFloat(percent)).
		Div(decimal.NewFromInt(100)).
		Div(decimal.NewFromFloat(price)).
		RoundDown(quantityPlaces)
	return q.InexactFloat64()
}

// BracketPrices returns take-profit and stop-loss prices for a position
// opened on side at price.
func BracketPrices(side exchange.Side, price, takeProfitPct, stopLossPct float64) (float64, float64) {
	p := decimal.NewFromFloat(price)
	hundred := decimal.NewFromInt(100)
	tp := decimal.NewFromFloat(takeProfitPct).Div(hundred)
	sl := decimal.NewFromFloat(stopLossPct).Div(hundred)
	one := decimal.NewFromInt(1)

	if side == exchange.SideSell {
		return p.Mul(one.Sub(tp)).InexactFloat64(), p.Mul(one.Add(sl)).InexactFloat64()
	}
	return p.Mul(one.Add(tp)).InexactFloat64(), p.Mul(one.Sub(sl)).InexactFloat64()
}

// StopLimitPrice returns the limit price for a stop-loss order exiting on side.
func StopLimitPrice(exit exchange.Side, stop float64) float64 {
	s := decimal.NewFromFloat(stop)
	one := decimal.NewFromInt(1)
	if exit == exchange.SideSell {
		return s.Mul(one.Sub(stopLimitSlippage)).InexactFloat64()
	}
	return s.Mul(one.Add(stopLimitSlippage)).InexactFloat64()
}

func requestLockKey(userID, requestID string) string {
	return "autotrade:request:" + userID + ":" + requestID
}
