// Package autotradetest provides in-memory collaborators for packages that
// drive the auto-trade engine in their tests.
package autotradetest

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/kashyap2306/dlxtrade-ws-sub001/internal/autotrade"
	"github.com/kashyap2306/dlxtrade-ws-sub001/internal/exchange"
)

var _ autotrade.Store = (*MemStore)(nil)

// MemStore is an in-memory autotrade.Store with the repository's
// conditional-update semantics.
type MemStore struct {
	mu         sync.Mutex
	configs    map[string]*autotrade.Config
	settings   map[string]*autotrade.TradingSettings
	executions map[string]*autotrade.TradeExecution
	byRequest  map[string]string
	audits     []*autotrade.AuditEvent
}

func NewMemStore() *MemStore {
	return &MemStore{
		configs:    make(map[string]*autotrade.Config),
		settings:   make(map[string]*autotrade.TradingSettings),
		executions: make(map[string]*autotrade.TradeExecution),
		byRequest:  make(map[string]string),
	}
}

func (m *MemStore) LoadConfig(_ context.Context, userID string) (*autotrade.Config, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.configs[userID]
	if !ok {
		return nil, autotrade.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *MemStore) EnsureConfig(_ context.Context, cfg autotrade.Config) (*autotrade.Config, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.configs[cfg.UserID]; !ok {
		c := cfg
		m.configs[cfg.UserID] = &c
	}
	cp := *m.configs[cfg.UserID]
	return &cp, nil
}

func (m *MemStore) SaveConfig(_ context.Context, userID string, patch autotrade.ConfigPatch) (*autotrade.Config, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.configs[userID]
	if !ok {
		return nil, autotrade.ErrNotFound
	}
	next := autotrade.ApplyPatch(*c, patch)
	m.configs[userID] = &next
	cp := next
	return &cp, nil
}

func (m *MemStore) LoadTradingSettings(_ context.Context, userID string) (*autotrade.TradingSettings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.settings[userID]
	if !ok {
		return nil, autotrade.ErrNotFound
	}
	cp := clone(*s)
	return &cp, nil
}

func (m *MemStore) ListEnabledUsers(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for id, c := range m.configs {
		if c.Enabled {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (m *MemStore) RolloverDay(_ context.Context, userID, day string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.configs[userID]
	if !ok {
		return false, autotrade.ErrNotFound
	}
	if c.Stats.Day == day {
		return false, nil
	}
	next := autotrade.RolledOver(*c, day)
	m.configs[userID] = &next
	return true, nil
}

func (m *MemStore) SetCircuitBreaker(_ context.Context, userID string, open bool, reason string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.configs[userID]
	if !ok {
		return autotrade.ErrNotFound
	}
	c.CircuitBreakerOpen = open
	c.CircuitBreakerReason = reason
	if open {
		t := at
		c.CircuitBreakerTrippedAt = &t
	} else {
		c.CircuitBreakerTrippedAt = nil
	}
	return nil
}

func (m *MemStore) UpdateEquitySnapshot(_ context.Context, userID string, equity float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.configs[userID]; ok {
		c.EquitySnapshot = equity
	}
	return nil
}

func (m *MemStore) IncrementTradeStats(_ context.Context, userID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.configs[userID]
	c.Stats.TotalTrades++
	c.Stats.DailyTrades++
	t := at
	c.LastTradeAt = &t
	return nil
}

func (m *MemStore) RecordRealizedPnL(_ context.Context, userID string, pnl float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.configs[userID]
	c.Stats.TotalPnL += pnl
	c.Stats.DailyPnL += pnl
	if pnl > 0 {
		c.Stats.WinningTrades++
	} else if pnl < 0 {
		c.Stats.LosingTrades++
	}
	return nil
}

func (m *MemStore) CreateExecution(_ context.Context, exec *autotrade.TradeExecution) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := exec.UserID + "/" + exec.RequestID
	if _, ok := m.byRequest[key]; ok {
		return false, nil
	}
	cp := *exec
	m.executions[exec.TradeID] = &cp
	m.byRequest[key] = exec.TradeID
	return true, nil
}

func (m *MemStore) FinalizeExecution(_ context.Context, exec *autotrade.TradeExecution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.executions[exec.TradeID]
	if !ok || cur.Status != autotrade.StatusPending {
		return autotrade.ErrNotFound
	}
	cp := *exec
	m.executions[exec.TradeID] = &cp
	return nil
}

func (m *MemStore) FindExecutionByRequestID(_ context.Context, userID, requestID string) (*autotrade.TradeExecution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byRequest[userID+"/"+requestID]
	if !ok {
		return nil, nil
	}
	cp := *m.executions[id]
	return &cp, nil
}

func (m *MemStore) GetExecution(_ context.Context, userID, tradeID string) (*autotrade.TradeExecution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.executions[tradeID]
	if !ok || t.UserID != userID {
		return nil, autotrade.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *MemStore) ListOpenExecutions(_ context.Context, userID string) ([]*autotrade.TradeExecution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*autotrade.TradeExecution
	for _, t := range m.executions {
		if t.UserID == userID && t.Open() {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemStore) ListExecutions(_ context.Context, userID string, limit int) ([]*autotrade.TradeExecution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*autotrade.TradeExecution
	for _, t := range m.executions {
		if t.UserID == userID {
			cp := *t
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemStore) CloseExecution(_ context.Context, userID, tradeID string, pnl float64, at time.Time) (*autotrade.TradeExecution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.executions[tradeID]
	if !ok || t.UserID != userID {
		return nil, autotrade.ErrNotFound
	}
	if !t.Open() {
		return nil, autotrade.ErrTradeNotOpen
	}
	p, c := pnl, at
	t.PnL = &p
	t.ClosedAt = &c
	cp := *t
	return &cp, nil
}

func (m *MemStore) AppendAuditEvent(_ context.Context, ev *autotrade.AuditEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audits = append(m.audits, ev)
	return nil
}

func (m *MemStore) SetConfig(c autotrade.Config) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.configs[c.UserID] = &c
}

func (m *MemStore) SetSettings(userID string, s autotrade.TradingSettings) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settings[userID] = &s
}

func (m *MemStore) Config(userID string) autotrade.Config {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.configs[userID]
}

func (m *MemStore) Executions(userID string) []*autotrade.TradeExecution {
	out, _ := m.ListExecutions(context.Background(), userID, 0)
	return out
}

func (m *MemStore) AuditTypes() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.audits))
	for _, a := range m.audits {
		out = append(out, a.Type)
	}
	return out
}

// Rejections returns the reasons of the TRADE_REJECTED audit events
func (m *MemStore) Rejections() []autotrade.Reason {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []autotrade.Reason
	for _, a := range m.audits {
		if a.Type == autotrade.EventTradeRejected {
			out = append(out, a.Reason)
		}
	}
	return out
}

func clone(s autotrade.TradingSettings) autotrade.TradingSettings {
	bands := make([]autotrade.SizingBand, len(s.PositionSizingMap))
	copy(bands, s.PositionSizingMap)
	s.PositionSizingMap = bands
	return s
}

// Provider hands out one connector to every user
type Provider struct {
	Conn exchange.Connector
	Err  error
}

func (p Provider) ForUser(context.Context, string) (exchange.Connector, error) {
	if p.Err != nil {
		return nil, p.Err
	}
	return p.Conn, nil
}

// PaperExchange returns a paper connector with BTCUSDT and ETHUSDT prices set
func PaperExchange(equity float64) *exchange.PaperConnector {
	p := exchange.NewPaperConnector("USDT", equity)
	p.SetPrice("BTCUSDT", 50000)
	p.SetPrice("ETHUSDT", 2500)
	return p
}

// Settings returns a valid sizing table: trigger 85, 6% at 90-94 confidence
func Settings() autotrade.TradingSettings {
	return autotrade.TradingSettings{
		AccuracyTrigger:     85,
		MaxPositionPerTrade: 10,
		MaxDailyLoss:        5,
		MaxTradesPerDay:     50,
		PositionSizingMap: []autotrade.SizingBand{
			{Min: 0, Max: 84, Percent: 0},
			{Min: 85, Max: 89, Percent: 3},
			{Min: 90, Max: 94, Percent: 6},
			{Min: 95, Max: 99, Percent: 8.5},
			{Min: 100, Max: 100, Percent: 10},
		},
	}
}
