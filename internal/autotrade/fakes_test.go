package autotrade

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/kashyap2306/dlxtrade-ws-sub001/internal/exchange"
	"github.com/kashyap2306/dlxtrade-ws-sub001/internal/logging"
)

// memStore is an in-memory Store with the same conditional-update semantics
// as the postgres repository.
type memStore struct {
	mu         sync.Mutex
	configs    map[string]*Config
	settings   map[string]*TradingSettings
	executions map[string]*TradeExecution
	byRequest  map[string]string
	audits     []*AuditEvent
	rollovers  int
}

func newMemStore() *memStore {
	return &memStore{
		configs:    make(map[string]*Config),
		settings:   make(map[string]*TradingSettings),
		executions: make(map[string]*TradeExecution),
		byRequest:  make(map[string]string),
	}
}

func (m *memStore) LoadConfig(_ context.Context, userID string) (*Config, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.configs[userID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *memStore) EnsureConfig(_ context.Context, cfg Config) (*Config, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.configs[cfg.UserID]; !ok {
		c := cfg
		m.configs[cfg.UserID] = &c
	}
	cp := *m.configs[cfg.UserID]
	return &cp, nil
}

func (m *memStore) SaveConfig(_ context.Context, userID string, patch ConfigPatch) (*Config, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.configs[userID]
	if !ok {
		return nil, ErrNotFound
	}
	next := ApplyPatch(*c, patch)
	m.configs[userID] = &next
	cp := next
	return &cp, nil
}

func (m *memStore) LoadTradingSettings(_ context.Context, userID string) (*TradingSettings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.settings[userID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := cloneSettings(*s)
	return &cp, nil
}

func (m *memStore) ListEnabledUsers(_ context.Context) ([]string, error) {
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

func (m *memStore) RolloverDay(_ context.Context, userID, day string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.configs[userID]
	if !ok {
		return false, ErrNotFound
	}
	if c.Stats.Day == day {
		return false, nil
	}
	next := RolledOver(*c, day)
	m.configs[userID] = &next
	m.rollovers++
	return true, nil
}

func (m *memStore) SetCircuitBreaker(_ context.Context, userID string, open bool, reason string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.configs[userID]
	if !ok {
		return ErrNotFound
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

func (m *memStore) UpdateEquitySnapshot(_ context.Context, userID string, equity float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.configs[userID]; ok {
		c.EquitySnapshot = equity
	}
	return nil
}

func (m *memStore) IncrementTradeStats(_ context.Context, userID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.configs[userID]
	c.Stats.TotalTrades++
	c.Stats.DailyTrades++
	t := at
	c.LastTradeAt = &t
	return nil
}

func (m *memStore) RecordRealizedPnL(_ context.Context, userID string, pnl float64) error {
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

func (m *memStore) CreateExecution(_ context.Context, exec *TradeExecution) (bool, error) {
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

func (m *memStore) FinalizeExecution(_ context.Context, exec *TradeExecution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.executions[exec.TradeID]
	if !ok || cur.Status != StatusPending {
		return ErrNotFound
	}
	cp := *exec
	m.executions[exec.TradeID] = &cp
	return nil
}

func (m *memStore) FindExecutionByRequestID(_ context.Context, userID, requestID string) (*TradeExecution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byRequest[userID+"/"+requestID]
	if !ok {
		return nil, nil
	}
	cp := *m.executions[id]
	return &cp, nil
}

func (m *memStore) GetExecution(_ context.Context, userID, tradeID string) (*TradeExecution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.executions[tradeID]
	if !ok || t.UserID != userID {
		return nil, ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *memStore) ListOpenExecutions(_ context.Context, userID string) ([]*TradeExecution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*TradeExecution
	for _, t := range m.executions {
		if t.UserID == userID && t.Open() {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memStore) ListExecutions(_ context.Context, userID string, limit int) ([]*TradeExecution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*TradeExecution
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

func (m *memStore) CloseExecution(_ context.Context, userID, tradeID string, pnl float64, at time.Time) (*TradeExecution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.executions[tradeID]
	if !ok || t.UserID != userID {
		return nil, ErrNotFound
	}
	if !t.Open() {
		return nil, ErrTradeNotOpen
	}
	p, c := pnl, at
	t.PnL = &p
	t.ClosedAt = &c
	cp := *t
	return &cp, nil
}

func (m *memStore) AppendAuditEvent(_ context.Context, ev *AuditEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audits = append(m.audits, ev)
	return nil
}

func (m *memStore) setConfig(c Config) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.configs[c.UserID] = &c
}

func (m *memStore) setSettings(userID string, s TradingSettings) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settings[userID] = &s
}

func (m *memStore) config(userID string) Config {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.configs[userID]
}

func (m *memStore) executionsFor(userID string) []*TradeExecution {
	out, _ := m.ListExecutions(context.Background(), userID, 0)
	return out
}

func (m *memStore) auditTypes() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.audits))
	for _, a := range m.audits {
		out = append(out, a.Type)
	}
	return out
}

// flakyConnector wraps the paper exchange with injectable failures
type flakyConnector struct {
	*exchange.PaperConnector
	mu         sync.Mutex
	accountErr error
	orderErrs  map[exchange.OrderType]error
	delay      time.Duration
}

func newFlakyConnector(equity float64) *flakyConnector {
	p := exchange.NewPaperConnector("USDT", equity)
	p.SetPrice("BTCUSDT", 50000)
	p.SetPrice("ETHUSDT", 2500)
	return &flakyConnector{PaperConnector: p, orderErrs: make(map[exchange.OrderType]error)}
}

func (f *flakyConnector) failOrders(t exchange.OrderType, err error) {
	f.mu.Lock()
	f.orderErrs[t] = err
	f.mu.Unlock()
}

func (f *flakyConnector) GetAccount(ctx context.Context) (*exchange.Account, error) {
	f.mu.Lock()
	err := f.accountErr
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return f.PaperConnector.GetAccount(ctx)
}

func (f *flakyConnector) PlaceOrder(ctx context.Context, req exchange.OrderRequest) (*exchange.OrderResult, error) {
	f.mu.Lock()
	err := f.orderErrs[req.Type]
	delay := f.delay
	f.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}
	if err != nil {
		return nil, err
	}
	return f.PaperConnector.PlaceOrder(ctx, req)
}

type staticProvider struct {
	conn exchange.Connector
	err  error
}

func (p staticProvider) ForUser(context.Context, string) (exchange.Connector, error) {
	if p.err != nil {
		return nil, p.err
	}
	return p.conn, nil
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []TradeNotification
}

func (r *recordingNotifier) Notify(_ context.Context, _ string, n TradeNotification) {
	r.mu.Lock()
	r.sent = append(r.sent, n)
	r.mu.Unlock()
}

func (r *recordingNotifier) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.sent))
	for _, n := range r.sent {
		out = append(out, n.Type)
	}
	return out
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// scenarioSettings is the sizing table used throughout the tests
func scenarioSettings() TradingSettings {
	return TradingSettings{
		AccuracyTrigger:     85,
		MaxPositionPerTrade: 10,
		MaxDailyLoss:        5,
		MaxTradesPerDay:     50,
		PositionSizingMap: []SizingBand{
			{Min: 0, Max: 84, Percent: 0},
			{Min: 85, Max: 89, Percent: 3},
			{Min: 90, Max: 94, Percent: 6},
			{Min: 95, Max: 99, Percent: 8.5},
			{Min: 100, Max: 100, Percent: 10},
		},
	}
}

type harness struct {
	store    *memStore
	conn     *flakyConnector
	notifier *recordingNotifier
	clock    *clock
	svc      *Service
	engine   *Engine
}

const testUser = "user-1"

func newHarness(mutate func(*Config)) *harness {
	return newHarnessWithEquity(10000, mutate)
}

func newHarnessWithEquity(equity float64, mutate func(*Config)) *harness {
	h := &harness{
		store:    newMemStore(),
		conn:     newFlakyConnector(equity),
		notifier: &recordingNotifier{},
		clock:    &clock{now: time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)},
	}
	opts := DefaultOptions()
	opts.Location = time.UTC
	opts.Now = h.clock.Now
	opts.Defaults.CooldownSeconds = 0

	cfg := opts.withDefaults().NewUserConfig(testUser, DayKey(h.clock.Now(), time.UTC))
	cfg.Enabled = true
	cfg.MaxConcurrentTrades = 5
	cfg.EquitySnapshot = equity
	if mutate != nil {
		mutate(&cfg)
	}
	h.store.setConfig(cfg)
	h.store.setSettings(testUser, scenarioSettings())

	h.svc = NewService(Deps{
		Store:      h.store,
		Connectors: staticProvider{conn: h.conn},
		Notifier:   h.notifier,
		Logger:     logging.Nop(),
	}, opts)
	h.engine = h.svc.Engine(testUser)
	return h
}

// withLock rebuilds the service with a request lock
func (h *harness) withLock(lock RequestLock) *harness {
	h.svc = NewService(Deps{
		Store:      h.store,
		Connectors: staticProvider{conn: h.conn},
		Lock:       lock,
		Notifier:   h.notifier,
		Logger:     logging.Nop(),
	}, h.svc.Options())
	h.engine = h.svc.Engine(testUser)
	return h
}

type stubLock struct {
	mu      sync.Mutex
	claimed map[string]bool
	err     error
	deny    bool
}

func (l *stubLock) ClaimOnce(_ context.Context, key string, _ time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return false, l.err
	}
	if l.deny || l.claimed[key] {
		return false, nil
	}
	if l.claimed == nil {
		l.claimed = make(map[string]bool)
	}
	l.claimed[key] = true
	return true, nil
}

func (m *memStore) dropSettings(userID string) {
	m.mu.Lock()
	delete(m.settings, userID)
	m.mu.Unlock()
}

func (m *memStore) countAudits(typ string) int {
	n := 0
	for _, t := range m.auditTypes() {
		if t == typ {
			n++
		}
	}
	return n
}

func signal(requestID, symbol string, confidence float64) TradeSignal {
	return TradeSignal{
		Symbol:     symbol,
		Direction:  DirectionBuy,
		Confidence: confidence,
		RequestID:  requestID,
	}
}

func btcSignal(requestID string) TradeSignal {
	sig := signal(requestID, "BTCUSDT", 90)
	sig.EntryPrice = 50000
	return sig
}
