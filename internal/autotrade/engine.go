package autotrade

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/kashyap2306/dlxtrade-ws-sub001/internal/circuit"
	"github.com/kashyap2306/dlxtrade-ws-sub001/internal/logging"

	"github.com/google/uuid"
)

// Engine holds one user's in-memory trading state: the open trades, the
// in-flight reservations and the circuit breaker mirror.
type Engine struct {
	userID  string
	svc     *Service
	logger  *logging.Logger
	breaker *circuit.CircuitBreaker

	mu       sync.Mutex
	hydrated bool
	active   map[string]*TradeExecution // tradeID -> open trade
	reserved map[string]string          // requestID -> symbol, executions in flight
	claims   map[string]struct{}        // requestIDs being processed
}

func newEngine(userID string, svc *Service) *Engine {
	e := &Engine{
		userID:   userID,
		svc:      svc,
		logger:   svc.logger.WithField("user_id", userID),
		breaker:  circuit.NewCircuitBreaker(userID),
		active:   make(map[string]*TradeExecution),
		reserved: make(map[string]string),
		claims:   make(map[string]struct{}),
	}
	e.breaker.OnTrip(func(userID, reason string) {
		e.logger.Warn("circuit breaker tripped", "reason", reason)
		e.svc.deps.Notifier.Notify(context.Background(), userID, TradeNotification{
			Type:   EventCircuitBreakerTrip,
			Reason: ReasonDailyLossLimit,
			Error:  reason,
		})
	})
	e.breaker.OnReset(func(userID string, cause circuit.ResetCause) {
		e.logger.Info("circuit breaker reset", "cause", string(cause))
		e.svc.deps.Notifier.Notify(context.Background(), userID, TradeNotification{Type: EventCircuitBreakerRst})
	})
	return e
}

// UserID returns the owner of this engine
func (e *Engine) UserID() string { return e.userID }

func (e *Engine) now() time.Time { return e.svc.opts.Now() }

func (e *Engine) today() string { return DayKey(e.now(), e.svc.opts.Location) }

// Prepare loads the user's configuration, creating it with defaults on first
// use, applies the day rollover and syncs the in-memory breaker and open trades.
func (e *Engine) Prepare(ctx context.Context) (*Config, error) {
	store := e.svc.deps.Store
	today := e.today()

	cfg, err := store.LoadConfig(ctx, e.userID)
	if errors.Is(err, ErrNotFound) {
		fresh := e.svc.opts.NewUserConfig(e.userID, today)
		if verr := fresh.Validate(); verr != nil {
			return nil, fmt.Errorf("default config: %w", verr)
		}
		cfg, err = store.EnsureConfig(ctx, fresh)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	e.restoreBreaker(cfg)

	if NeedsRollover(cfg.Stats, today) {
		rolled, err := store.RolloverDay(ctx, e.userID, today)
		if err != nil {
			return nil, fmt.Errorf("failed to roll over daily stats: %w", err)
		}
		prev := *cfg
		next := RolledOver(*cfg, today)
		cfg = &next
		if rolled {
			e.logger.Info("daily stats rolled over", "previous_day", prev.Stats.Day, "day", today)
			e.audit(ctx, EventDailyRollover, "", "", "", map[string]interface{}{
				"previousDay":    prev.Stats.Day,
				"day":            today,
				"dailyPnL":       prev.Stats.DailyPnL,
				"dailyTrades":    prev.Stats.DailyTrades,
				"breakerWasOpen": prev.CircuitBreakerOpen,
			})
			e.breaker.Reset(circuit.ResetRollover)
		} else {
			// rolled by another caller, sync without notifying
			e.breaker.Restore(false, "", time.Time{})
		}
	}

	if err := e.hydrate(ctx); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (e *Engine) restoreBreaker(cfg *Config) {
	var trippedAt time.Time
	if cfg.CircuitBreakerTrippedAt != nil {
		trippedAt = *cfg.CircuitBreakerTrippedAt
	}
	e.breaker.Restore(cfg.CircuitBreakerOpen, cfg.CircuitBreakerReason, trippedAt)
}

// hydrate loads open trades from the store once per engine lifetime
func (e *Engine) hydrate(ctx context.Context) error {
	e.mu.Lock()
	done := e.hydrated
	e.mu.Unlock()
	if done {
		return nil
	}

	open, err := e.svc.deps.Store.ListOpenExecutions(ctx, e.userID)
	if err != nil {
		return fmt.Errorf("failed to load open trades: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.hydrated {
		return nil
	}
	for _, t := range open {
		e.active[t.TradeID] = t
	}
	e.hydrated = true
	return nil
}

// loadSettings returns the user's trading settings. A user without settings
// gets Options.DefaultSettings when configured, otherwise nil, which the guard
// pipeline rejects as SETTINGS_INVALID.
func (e *Engine) loadSettings(ctx context.Context) (*TradingSettings, error) {
	s, err := e.svc.deps.Store.LoadTradingSettings(ctx, e.userID)
	if errors.Is(err, ErrNotFound) {
		if def := e.svc.opts.DefaultSettings; def != nil {
			cp := cloneSettings(*def)
			return &cp, nil
		}
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load trading settings: %w", err)
	}
	return s, nil
}

// Settings loads and validates the trading settings
func (e *Engine) Settings(ctx context.Context) (*TradingSettings, error) {
	s, err := e.loadSettings(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Evaluate runs the guard pipeline against the stored equity snapshot. It is
// the cheap pre-check before research results are handed to Execute, which
// evaluates again with live equity. A ConfigError is returned as err, and a
// request id that already produced an execution returns ErrDuplicateRequest
// without an audit record.
func (e *Engine) Evaluate(ctx context.Context, sig TradeSignal) (Decision, error) {
	if _, ok := checkSignal(sig); ok {
		seen, err := e.Seen(ctx, sig.RequestID)
		if err != nil {
			return Decision{Reason: ReasonInternalError}, err
		}
		if seen {
			return Decision{Reason: ReasonDuplicateRequest, Detail: "request already executed"}, ErrDuplicateRequest
		}
	}

	cfg, err := e.Prepare(ctx)
	if err != nil {
		return Decision{Reason: ReasonInternalError}, err
	}
	settings, err := e.loadSettings(ctx)
	if err != nil {
		return Decision{Reason: ReasonInternalError}, err
	}

	d := e.evaluate(ctx, cfg, settings, sig, cfg.EquitySnapshot)
	if !d.Allowed && !d.Reason.Manual() {
		e.auditRejection(ctx, sig, d, cfg.EquitySnapshot)
	}
	if d.Reason == ReasonSettingsInvalid {
		return d, d.Err
	}
	return d, nil
}

// evaluate runs the guards and applies a breaker trip if one is requested
func (e *Engine) evaluate(ctx context.Context, cfg *Config, settings *TradingSettings, sig TradeSignal, equity float64) Decision {
	activeCount, symbols := e.activeSnapshot()
	d := EvaluateGuards(GuardInput{
		Config:        *cfg,
		Settings:      settings,
		Signal:        sig,
		Equity:        equity,
		ActiveTrades:  activeCount,
		ActiveSymbols: symbols,
		Now:           e.now(),
	})
	if d.TripBreaker {
		e.tripBreaker(ctx, cfg, d.Detail)
	}
	return d
}

func (e *Engine) tripBreaker(ctx context.Context, cfg *Config, reason string) {
	at := e.now()
	if err := e.svc.deps.Store.SetCircuitBreaker(ctx, e.userID, true, reason, at); err != nil {
		e.logger.Error("failed to persist circuit breaker trip", "error", err)
	}
	cfg.CircuitBreakerOpen = true
	cfg.CircuitBreakerReason = reason
	cfg.CircuitBreakerTrippedAt = &at

	if e.breaker.Trip(reason, at) {
		e.audit(ctx, EventCircuitBreakerTrip, ReasonDailyLossLimit, "", "", map[string]interface{}{
			"reason":   reason,
			"dailyPnL": cfg.Stats.DailyPnL,
		})
	}
}

// ResetCircuitBreaker closes the breaker on administrative request
func (e *Engine) ResetCircuitBreaker(ctx context.Context, actor string) error {
	if _, err := e.Prepare(ctx); err != nil {
		return err
	}
	if err := e.svc.deps.Store.SetCircuitBreaker(ctx, e.userID, false, "", e.now()); err != nil {
		return fmt.Errorf("failed to reset circuit breaker: %w", err)
	}
	wasOpen := e.breaker.Reset(circuit.ResetAdmin)
	e.audit(ctx, EventCircuitBreakerRst, "", "", "", map[string]interface{}{
		"actor":   actor,
		"wasOpen": wasOpen,
		"cause":   string(circuit.ResetAdmin),
	})
	return nil
}

// CircuitBreakerOpen reports the in-memory breaker state
func (e *Engine) CircuitBreakerOpen() bool {
	return e.breaker.IsOpen()
}

// Seen reports whether requestID already produced an execution record
func (e *Engine) Seen(ctx context.Context, requestID string) (bool, error) {
	existing, err := e.svc.deps.Store.FindExecutionByRequestID(ctx, e.userID, requestID)
	if err != nil {
		return false, fmt.Errorf("failed to look up request %s: %w", requestID, err)
	}
	return existing != nil, nil
}

// CloseTrade records the realised PnL of an open trade and frees its slot
func (e *Engine) CloseTrade(ctx context.Context, tradeID string, pnl float64) (*TradeExecution, error) {
	if !finite(pnl) {
		return nil, fmt.Errorf("pnl must be a finite number")
	}
	if _, err := e.Prepare(ctx); err != nil {
		return nil, err
	}

	store := e.svc.deps.Store
	trade, err := store.CloseExecution(ctx, e.userID, tradeID, pnl, e.now())
	if err != nil {
		return nil, err
	}
	if err := store.RecordRealizedPnL(ctx, e.userID, pnl); err != nil {
		return nil, fmt.Errorf("failed to record pnl: %w", err)
	}

	e.mu.Lock()
	delete(e.active, tradeID)
	e.mu.Unlock()

	e.audit(ctx, EventTradeClosed, "", trade.RequestID, trade.TradeID, map[string]interface{}{
		"symbol": trade.Symbol,
		"pnl":    pnl,
	})
	e.svc.deps.Notifier.Notify(ctx, e.userID, TradeNotification{
		Type:     EventTradeClosed,
		Symbol:   trade.Symbol,
		Side:     string(trade.Side),
		Quantity: trade.Quantity,
		Price:    trade.EntryPrice,
		TradeID:  trade.TradeID,
	})
	return trade, nil
}

// ActiveTrades returns the open trades sorted by creation time
func (e *Engine) ActiveTrades() []*TradeExecution {
	e.mu.Lock()
	out := make([]*TradeExecution, 0, len(e.active))
	for _, t := range e.active {
		cp := *t
		out = append(out, &cp)
	}
	e.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Status returns the admin view of this engine. Scheduler fields are left zero.
func (e *Engine) Status(ctx context.Context) (*Status, error) {
	cfg, err := e.Prepare(ctx)
	if err != nil {
		return nil, err
	}
	activeCount, _ := e.activeSnapshot()
	return &Status{
		UserID:             e.userID,
		Enabled:            cfg.Enabled,
		Mode:               cfg.Mode,
		ActiveTrades:       activeCount,
		DailyPnL:           cfg.Stats.DailyPnL,
		DailyTrades:        cfg.Stats.DailyTrades,
		CircuitBreakerOpen: cfg.CircuitBreakerOpen,
		ManualOverride:     cfg.ManualOverride,
		Equity:             cfg.EquitySnapshot,
	}, nil
}

// activeSnapshot counts open trades plus in-flight reservations and lists
// the symbols they hold.
func (e *Engine) activeSnapshot() (int, map[string]bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	symbols := make(map[string]bool, len(e.active)+len(e.reserved))
	for _, t := range e.active {
		symbols[t.Symbol] = true
	}
	for _, sym := range e.reserved {
		symbols[sym] = true
	}
	return len(e.active) + len(e.reserved), symbols
}

// claimRequest marks requestID as being processed by this engine
func (e *Engine) claimRequest(requestID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.claims[requestID]; ok {
		return false
	}
	e.claims[requestID] = struct{}{}
	return true
}

func (e *Engine) releaseRequest(requestID string) {
	e.mu.Lock()
	delete(e.claims, requestID)
	e.mu.Unlock()
}

// reserve holds a concurrency slot for an execution in flight
func (e *Engine) reserve(requestID, symbol string, maxConcurrent int) (Reason, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.active)+len(e.reserved) >= maxConcurrent {
		return ReasonMaxConcurrentTrades, false
	}
	for _, t := range e.active {
		if t.Symbol == symbol {
			return ReasonDuplicateSymbol, false
		}
	}
	for _, sym := range e.reserved {
		if sym == symbol {
			return ReasonDuplicateSymbol, false
		}
	}
	e.reserved[requestID] = symbol
	return "", true
}

func (e *Engine) release(requestID string) {
	e.mu.Lock()
	delete(e.reserved, requestID)
	e.mu.Unlock()
}

func (e *Engine) addActive(t *TradeExecution) {
	cp := *t
	e.mu.Lock()
	e.active[t.TradeID] = &cp
	e.mu.Unlock()
}

// audit appends an event. Failures are logged and never affect the trade.
func (e *Engine) audit(ctx context.Context, typ string, reason Reason, requestID, tradeID string, payload map[string]interface{}) {
	ev := &AuditEvent{
		ID:        uuid.NewString(),
		UserID:    e.userID,
		Type:      typ,
		Reason:    reason,
		RequestID: requestID,
		TradeID:   tradeID,
		Payload:   payload,
		CreatedAt: e.now(),
	}
	if err := e.svc.deps.Store.AppendAuditEvent(context.WithoutCancel(ctx), ev); err != nil {
		e.logger.Error("failed to append audit event", "type", typ, "error", err)
	}
}

func (e *Engine) auditRejection(ctx context.Context, sig TradeSignal, d Decision, equity float64) {
	e.audit(ctx, EventTradeRejected, d.Reason, sig.RequestID, "", map[string]interface{}{
		"signal": sig,
		"detail": d.Detail,
		"sizing": d.Sizing,
		"equity": equity,
	})
}

// RecordEvent appends an audit event on behalf of the scheduler or admin surface
func (e *Engine) RecordEvent(ctx context.Context, typ string, reason Reason, payload map[string]interface{}) {
	e.audit(ctx, typ, reason, "", "", payload)
}
