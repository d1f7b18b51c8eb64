package autopilot

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kashyap2306/dlxtrade-ws-sub001/internal/autotrade"
	"github.com/kashyap2306/dlxtrade-ws-sub001/internal/autotrade/autotradetest"
	"github.com/kashyap2306/dlxtrade-ws-sub001/internal/events"
	"github.com/kashyap2306/dlxtrade-ws-sub001/internal/logging"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const user = "user-1"

// fakeResearch returns whatever next produces; calls are counted
type fakeResearch struct {
	calls atomic.Int32
	next  func(call int32) (*autotrade.TradeSignal, error)
}

func (f *fakeResearch) RunCycle(_ context.Context, _ string) (*autotrade.TradeSignal, error) {
	n := f.calls.Add(1)
	if f.next == nil {
		return nil, nil
	}
	return f.next(n)
}

func fixed(sig *autotrade.TradeSignal) *fakeResearch {
	return &fakeResearch{next: func(int32) (*autotrade.TradeSignal, error) {
		if sig == nil {
			return nil, nil
		}
		cp := *sig
		return &cp, nil
	}}
}

func btc(requestID string, confidence float64) *autotrade.TradeSignal {
	return &autotrade.TradeSignal{
		Symbol:     "BTCUSDT",
		Direction:  autotrade.DirectionBuy,
		EntryPrice: 50000,
		Confidence: confidence,
		RequestID:  requestID,
	}
}

type stubLock struct {
	mu       sync.Mutex
	deny     bool
	err      error
	released []string
}

func (l *stubLock) ClaimOnce(context.Context, string, time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return !l.deny, l.err
}

func (l *stubLock) Release(_ context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.released = append(l.released, key)
	return nil
}

type harness struct {
	store *autotradetest.MemStore
	svc   *autotrade.Service
	mgr   *Manager
	bus   *events.EventBus
}

func newHarness(t *testing.T, research Researcher, lock CycleLock, mutate func(*autotrade.Config)) *harness {
	t.Helper()
	store := autotradetest.NewMemStore()

	opts := autotrade.DefaultOptions()
	opts.Location = time.UTC
	opts.Defaults.CooldownSeconds = 0

	addUser(store, opts, user, mutate)

	svc := autotrade.NewService(autotrade.Deps{
		Store:      store,
		Connectors: autotradetest.Provider{Conn: autotradetest.PaperExchange(10000)},
		Logger:     logging.Nop(),
	}, opts)

	bus := events.NewEventBus()
	mgr := NewManager(svc, research, lock, bus, Options{
		Interval:     20 * time.Millisecond,
		InitialDelay: 5 * time.Millisecond,
		CycleTimeout: time.Second,
	}, logging.Nop())

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = mgr.Shutdown(ctx)
	})
	return &harness{store: store, svc: svc, mgr: mgr, bus: bus}
}

func addUser(store *autotradetest.MemStore, opts autotrade.Options, userID string, mutate func(*autotrade.Config)) {
	cfg := opts.NewUserConfig(userID, autotrade.DayKey(time.Now(), time.UTC))
	cfg.Enabled = true
	cfg.EquitySnapshot = 10000
	if mutate != nil {
		mutate(&cfg)
	}
	store.SetConfig(cfg)
	store.SetSettings(userID, autotradetest.Settings())
}

func TestRunOnce_ExecutesSignal(t *testing.T) {
	h := newHarness(t, fixed(btc("req-1", 90)), nil, nil)

	res := h.mgr.RunOnce(context.Background(), user)
	assert.Equal(t, autotrade.ReasonExecuted, res.Reason)
	require.NotNil(t, res.Trade)
	assert.Equal(t, autotrade.StatusFilled, res.Trade.Status)
	assert.InDelta(t, 0.012, res.Trade.Quantity, 1e-9)

	execs := h.store.Executions(user)
	require.Len(t, execs, 1)
	assert.Equal(t, "req-1", execs[0].RequestID)

	ls := h.mgr.LoopStatus(user)
	assert.Equal(t, autotrade.ReasonExecuted, ls.LastReason)
	assert.Equal(t, int64(1), ls.Cycles)
	assert.NotNil(t, ls.LastResearchTime)
	assert.False(t, ls.ResearchInProgress)
}

func TestRunOnce_Outcomes(t *testing.T) {
	tests := []struct {
		name     string
		research *fakeResearch
		mutate   func(*autotrade.Config)
		want     autotrade.Reason
		trades   int
	}{
		{"no signal", fixed(nil), nil, autotrade.ReasonNoSignal, 0},
		{"research error", &fakeResearch{next: func(int32) (*autotrade.TradeSignal, error) {
			return nil, errors.New("model not ready")
		}}, nil, autotrade.ReasonResearchFailed, 0},
		{"below trigger", fixed(btc("req-low", 80)), nil, autotrade.ReasonAccuracyTrigger, 0},
		{"disabled", fixed(btc("req-off", 90)), func(c *autotrade.Config) { c.Enabled = false }, autotrade.ReasonAutoTradeDisabled, 0},
		{"manual mode", fixed(btc("req-manual", 90)), func(c *autotrade.Config) { c.Mode = autotrade.ModeManual }, autotrade.ReasonManualMode, 1},
		{"panic", &fakeResearch{next: func(int32) (*autotrade.TradeSignal, error) {
			panic("boom")
		}}, nil, autotrade.ReasonInternalError, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, tt.research, nil, tt.mutate)
			res := h.mgr.RunOnce(context.Background(), user)
			assert.Equal(t, tt.want, res.Reason)
			assert.Len(t, h.store.Executions(user), tt.trades)
			assert.Equal(t, tt.want, h.mgr.LoopStatus(user).LastReason)
		})
	}
}

func TestRunOnce_ManualModeRecordsCancellation(t *testing.T) {
	h := newHarness(t, fixed(btc("req-manual", 90)), nil, func(c *autotrade.Config) { c.Mode = autotrade.ModeManual })

	h.mgr.RunOnce(context.Background(), user)
	execs := h.store.Executions(user)
	require.Len(t, execs, 1)
	assert.Equal(t, autotrade.StatusCancelled, execs[0].Status)
}

func TestRunOnce_RepeatedRequestIDIsSkipped(t *testing.T) {
	h := newHarness(t, fixed(btc("req-same", 90)), nil, nil)

	assert.Equal(t, autotrade.ReasonExecuted, h.mgr.RunOnce(context.Background(), user).Reason)
	assert.Equal(t, autotrade.ReasonDuplicateRequest, h.mgr.RunOnce(context.Background(), user).Reason)
	assert.Len(t, h.store.Executions(user), 1)
	assert.NotContains(t, h.store.AuditTypes(), autotrade.EventTradeRejected)
}

func TestRunOnce_NoOverlap(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{})
	research := &fakeResearch{next: func(int32) (*autotrade.TradeSignal, error) {
		close(entered)
		<-release
		return nil, nil
	}}
	h := newHarness(t, research, nil, nil)

	done := make(chan CycleResult)
	go func() { done <- h.mgr.RunOnce(context.Background(), user) }()
	<-entered

	assert.True(t, h.mgr.LoopStatus(user).ResearchInProgress)
	second := h.mgr.RunOnce(context.Background(), user)
	assert.True(t, second.Skipped)

	close(release)
	first := <-done
	assert.False(t, first.Skipped)
	assert.Equal(t, int32(1), research.calls.Load())
	assert.Equal(t, int64(1), h.mgr.LoopStatus(user).Cycles)
}

func TestRunOnce_CycleLock(t *testing.T) {
	t.Run("held elsewhere", func(t *testing.T) {
		research := fixed(btc("req-1", 90))
		h := newHarness(t, research, &stubLock{deny: true}, nil)

		res := h.mgr.RunOnce(context.Background(), user)
		assert.True(t, res.Skipped)
		assert.Zero(t, research.calls.Load())
	})

	t.Run("released after cycle", func(t *testing.T) {
		lock := &stubLock{}
		h := newHarness(t, fixed(nil), lock, nil)

		h.mgr.RunOnce(context.Background(), user)
		assert.Equal(t, []string{"autotrade:cycle:" + user}, lock.released)
	})

	t.Run("outage falls back to local guard", func(t *testing.T) {
		lock := &stubLock{err: errors.New("redis down")}
		h := newHarness(t, fixed(btc("req-1", 90)), lock, nil)

		assert.Equal(t, autotrade.ReasonExecuted, h.mgr.RunOnce(context.Background(), user).Reason)
		assert.Empty(t, lock.released)
	})
}

func TestStartStop(t *testing.T) {
	research := fixed(nil)
	h := newHarness(t, research, nil, nil)

	require.NoError(t, h.mgr.Start(context.Background(), user))
	assert.True(t, h.mgr.Running(user))
	assert.Equal(t, []string{user}, h.mgr.RunningUsers())

	require.Eventually(t, func() bool { return research.calls.Load() >= 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, StateRunning, h.mgr.LoopStatus(user).State)

	status, err := h.mgr.Status(context.Background(), user)
	require.NoError(t, err)
	assert.True(t, status.Running)
	assert.Equal(t, autotrade.ReasonNoSignal, status.LastReason)

	assert.True(t, h.mgr.Stop(user))
	assert.False(t, h.mgr.Stop(user))
	assert.False(t, h.mgr.Running(user))
	assert.Equal(t, StateStopped, h.mgr.LoopStatus(user).State)

	time.Sleep(30 * time.Millisecond)
	calls := research.calls.Load()
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, calls, research.calls.Load())
	assert.Contains(t, h.store.AuditTypes(), autotrade.EventAutoTradeStarted)
}

func TestStart_ReplacesExistingLoop(t *testing.T) {
	h := newHarness(t, fixed(nil), nil, nil)

	require.NoError(t, h.mgr.Start(context.Background(), user))
	require.NoError(t, h.mgr.Start(context.Background(), user))
	assert.Equal(t, []string{user}, h.mgr.RunningUsers())
	assert.Error(t, h.mgr.Start(context.Background(), ""))
}

func TestLoop_StopsOnConfigError(t *testing.T) {
	h := newHarness(t, fixed(btc("req-1", 90)), nil, nil)
	// a user without trading settings cannot be sized
	opts := h.svc.Options()
	addUser(h.store, opts, "user-2", nil)
	h.store.SetSettings("user-2", autotrade.TradingSettings{})

	require.NoError(t, h.mgr.Start(context.Background(), "user-2"))
	require.Eventually(t, func() bool {
		for _, typ := range h.store.AuditTypes() {
			if typ == autotrade.EventAutoTradeStopped {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)

	assert.False(t, h.mgr.Running("user-2"))
	assert.Equal(t, autotrade.ReasonSettingsInvalid, h.mgr.LoopStatus("user-2").LastReason)
	assert.Empty(t, h.store.Executions("user-2"))
}

func TestRestoreFromStore(t *testing.T) {
	h := newHarness(t, fixed(nil), nil, nil)
	opts := h.svc.Options()
	addUser(h.store, opts, "manual", func(c *autotrade.Config) { c.Mode = autotrade.ModeManual })
	addUser(h.store, opts, "off", func(c *autotrade.Config) { c.Enabled = false })

	started, err := h.mgr.RestoreFromStore(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{user}, started)
	assert.Equal(t, []string{user}, h.mgr.RunningUsers())
}

func TestShutdown(t *testing.T) {
	h := newHarness(t, fixed(nil), nil, nil)
	require.NoError(t, h.mgr.Start(context.Background(), user))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, h.mgr.Shutdown(ctx))
	assert.Empty(t, h.mgr.RunningUsers())
}

func TestCyclePublishesEvents(t *testing.T) {
	h := newHarness(t, fixed(btc("req-1", 90)), nil, nil)
	got := make(chan events.Event, 8)
	h.bus.Subscribe(events.EventResearchCompleted, func(e events.Event) { got <- e })

	h.mgr.RunOnce(context.Background(), user)

	select {
	case ev := <-got:
		assert.Equal(t, user, ev.UserID)
		assert.Equal(t, string(autotrade.ReasonExecuted), ev.Data["reason"])
		assert.Equal(t, "BTCUSDT", ev.Data["symbol"])
	case <-time.After(time.Second):
		t.Fatal("cycle result was not published")
	}
}

// idleManager never fires on its own, so cycles run only through RunOnce
func idleManager(t *testing.T, h *harness, research Researcher) *Manager {
	t.Helper()
	mgr := NewManager(h.svc, research, nil, h.bus, Options{
		Interval:     time.Hour,
		InitialDelay: time.Hour,
		CycleTimeout: time.Second,
	}, logging.Nop())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = mgr.Shutdown(ctx)
	})
	return mgr
}

func TestLoop_StopsOnInvalidStoredConfig(t *testing.T) {
	h := newHarness(t, fixed(btc("req-1", 90)), nil, nil)
	addUser(h.store, h.svc.Options(), "user-2", func(c *autotrade.Config) {
		c.StopLossPct = 0
		c.MaxConcurrentTrades = 0
	})

	require.NoError(t, h.mgr.Start(context.Background(), "user-2"))
	require.Eventually(t, func() bool { return !h.mgr.Running("user-2") }, time.Second, 5*time.Millisecond)

	assert.Equal(t, autotrade.ReasonSettingsInvalid, h.mgr.LoopStatus("user-2").LastReason)
	assert.Contains(t, h.store.AuditTypes(), autotrade.EventAutoTradeStopped)
	assert.Empty(t, h.store.Executions("user-2"))
}

func TestRunOnce_ConfigErrorHaltsRunningLoop(t *testing.T) {
	h := newHarness(t, nil, nil, nil)
	addUser(h.store, h.svc.Options(), "user-2", nil)
	h.store.SetSettings("user-2", autotrade.TradingSettings{})
	mgr := idleManager(t, h, fixed(btc("req-1", 90)))

	require.NoError(t, mgr.Start(context.Background(), "user-2"))
	require.True(t, mgr.Running("user-2"))

	res := mgr.RunOnce(context.Background(), "user-2")
	assert.Equal(t, autotrade.ReasonSettingsInvalid, res.Reason)
	assert.False(t, mgr.Running("user-2"))
	assert.Contains(t, h.store.AuditTypes(), autotrade.EventAutoTradeStopped)
	assert.Equal(t, autotrade.ReasonSettingsInvalid, mgr.LoopStatus("user-2").LastReason)
}

func TestStop_ClearsUserState(t *testing.T) {
	h := newHarness(t, nil, nil, nil)
	mgr := idleManager(t, h, fixed(nil))
	ctx := context.Background()

	assert.Equal(t, autotrade.ReasonNoSignal, mgr.RunOnce(ctx, user).Reason)
	require.NoError(t, mgr.Start(ctx, user))
	require.Contains(t, h.svc.Users(), user)

	require.True(t, mgr.Stop(user))
	ls := mgr.LoopStatus(user)
	assert.Equal(t, StateStopped, ls.State)
	assert.Empty(t, ls.LastReason)
	assert.Zero(t, ls.Cycles)
	assert.Nil(t, ls.LastResearchTime)
	assert.NotContains(t, h.svc.Users(), user)
}

func TestStop_KeepsGuardOfRunningCycle(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{})
	research := &fakeResearch{next: func(int32) (*autotrade.TradeSignal, error) {
		close(entered)
		<-release
		return nil, nil
	}}
	h := newHarness(t, nil, nil, nil)
	mgr := idleManager(t, h, research)
	ctx := context.Background()

	require.NoError(t, mgr.Start(ctx, user))
	done := make(chan CycleResult)
	go func() { done <- mgr.RunOnce(ctx, user) }()
	<-entered

	require.True(t, mgr.Stop(user))
	require.NoError(t, mgr.Start(ctx, user))
	assert.True(t, mgr.RunOnce(ctx, user).Skipped)

	close(release)
	assert.Equal(t, autotrade.ReasonNoSignal, (<-done).Reason)
}
