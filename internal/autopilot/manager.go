package autopilot

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kashyap2306/dlxtrade-ws-sub001/config"
	"github.com/kashyap2306/dlxtrade-ws-sub001/internal/autotrade"
	"github.com/kashyap2306/dlxtrade-ws-sub001/internal/cache"
	"github.com/kashyap2306/dlxtrade-ws-sub001/internal/events"
	"github.com/kashyap2306/dlxtrade-ws-sub001/internal/logging"
)

// State of a user's scheduling loop
type State string

const (
	StateStopped  State = "STOPPED"
	StateStarting State = "STARTING"
	StateRunning  State = "RUNNING"
)

// Researcher produces the next signal for a user. A nil signal means there is
// nothing to trade this cycle.
type Researcher interface {
	RunCycle(ctx context.Context, userID string) (*autotrade.TradeSignal, error)
}

// CycleLock keeps two processes from running the same user's cycle at once
type CycleLock interface {
	ClaimOnce(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

// Options control loop timing
type Options struct {
	Interval     time.Duration
	InitialDelay time.Duration
	CycleTimeout time.Duration
}

// OptionsFromConfig maps the auto-trade config section onto loop options
func OptionsFromConfig(cfg config.AutoTradeConfig) Options {
	return Options{
		Interval:     cfg.Interval,
		InitialDelay: cfg.InitialDelay,
		CycleTimeout: cfg.CycleTimeout,
	}
}

func (o Options) withDefaults() Options {
	if o.Interval <= 0 {
		o.Interval = 5 * time.Minute
	}
	if o.InitialDelay <= 0 {
		o.InitialDelay = 2 * time.Second
	}
	if o.CycleTimeout <= 0 {
		o.CycleTimeout = 2 * time.Minute
	}
	return o
}

// CycleResult summarises one research-and-execute cycle
type CycleResult struct {
	UserID   string                    `json:"userId"`
	Reason   autotrade.Reason          `json:"reason,omitempty"`
	Signal   *autotrade.TradeSignal    `json:"signal,omitempty"`
	Trade    *autotrade.TradeExecution `json:"trade,omitempty"`
	Skipped  bool                      `json:"skipped,omitempty"`
	Duration time.Duration             `json:"duration"`
}

// LoopStatus is the scheduler's view of one user
type LoopStatus struct {
	UserID             string           `json:"userId"`
	State              State            `json:"state"`
	StartedAt          *time.Time       `json:"startedAt,omitempty"`
	ResearchInProgress bool             `json:"researchInProgress"`
	LastResearchTime   *time.Time       `json:"lastResearchTime,omitempty"`
	LastReason         autotrade.Reason `json:"lastReason,omitempty"`
	Cycles             int64            `json:"cycles"`
}

type loop struct {
	userID    string
	state     State
	startedAt time.Time
	cancel    context.CancelFunc
	done      chan struct{}
}

// userState outlives individual loops so a restarted loop cannot overlap a
// cycle that is still running from the previous one.
type userState struct {
	inFlight atomic.Bool
	cycles   atomic.Int64

	mu           sync.Mutex
	lastResearch time.Time
	lastReason   autotrade.Reason
}

func (s *userState) record(reason autotrade.Reason) {
	s.mu.Lock()
	s.lastReason = reason
	s.mu.Unlock()
}

// Manager runs one auto-trade loop per active user
type Manager struct {
	svc      *autotrade.Service
	research Researcher
	lock     CycleLock
	bus      *events.EventBus
	opts     Options
	logger   *logging.Logger
	now      func() time.Time

	mu     sync.Mutex
	loops  map[string]*loop
	states sync.Map // userID -> *userState
	cycles sync.WaitGroup
}

// NewManager creates a scheduler. lock and bus may be nil.
func NewManager(svc *autotrade.Service, research Researcher, lock CycleLock, bus *events.EventBus, opts Options, logger *logging.Logger) *Manager {
	if logger == nil {
		logger = logging.Default()
	}
	return &Manager{
		svc:      svc,
		research: research,
		lock:     lock,
		bus:      bus,
		opts:     opts.withDefaults(),
		logger:   logger.WithComponent("autopilot"),
		now:      time.Now,
		loops:    make(map[string]*loop),
	}
}

func (m *Manager) state(userID string) *userState {
	if v, ok := m.states.Load(userID); ok {
		return v.(*userState)
	}
	v, _ := m.states.LoadOrStore(userID, &userState{})
	return v.(*userState)
}

// Start (re)starts the loop for userID. An existing loop is stopped first.
func (m *Manager) Start(ctx context.Context, userID string) error {
	if userID == "" {
		return errors.New("user id is required")
	}
	engine := m.svc.Engine(userID)
	if _, err := engine.Prepare(ctx); err != nil {
		return fmt.Errorf("failed to prepare auto-trade for %s: %w", userID, err)
	}

	m.mu.Lock()
	if existing, ok := m.loops[userID]; ok {
		m.stopLocked(existing)
	}
	loopCtx, cancel := context.WithCancel(context.Background())
	l := &loop{
		userID:    userID,
		state:     StateStarting,
		startedAt: m.now(),
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	m.loops[userID] = l
	m.mu.Unlock()

	go m.run(loopCtx, l)

	m.logger.Info("auto-trade loop started", "user_id", userID, "interval", m.opts.Interval.String())
	engine.RecordEvent(ctx, autotrade.EventAutoTradeStarted, "", map[string]interface{}{
		"interval": m.opts.Interval.String(),
	})
	m.publishState(userID, StateStarting, "")
	return nil
}

// Stop cancels the user's loop and clears its in-memory state. A cycle
// already running is left to finish. Stopping a user without a loop is a no-op.
func (m *Manager) Stop(userID string) bool {
	m.mu.Lock()
	l, ok := m.loops[userID]
	if ok {
		m.stopLocked(l)
	}
	m.mu.Unlock()

	if ok {
		m.forget(userID)
		m.logger.Info("auto-trade loop stopped", "user_id", userID)
		m.publishState(userID, StateStopped, "")
	}
	return ok
}

// forget drops the user's scheduler state and engine. While a cycle is in
// flight both are kept so a restarted loop cannot overlap it.
func (m *Manager) forget(userID string) {
	v, ok := m.states.Load(userID)
	if ok {
		// the retired state stays claimed for anyone still holding it
		if !v.(*userState).inFlight.CompareAndSwap(false, true) {
			return
		}
		m.states.Delete(userID)
	}
	m.svc.Drop(userID)
}

func (m *Manager) stopLocked(l *loop) {
	l.cancel()
	l.state = StateStopped
	delete(m.loops, l.userID)
}

// stopIfCurrent stops l only if it is still the user's active loop
func (m *Manager) stopIfCurrent(l *loop) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.loops[l.userID]; ok && cur == l {
		m.stopLocked(l)
		return true
	}
	return false
}

func (m *Manager) run(ctx context.Context, l *loop) {
	defer close(l.done)

	timer := time.NewTimer(m.opts.InitialDelay)
	select {
	case <-ctx.Done():
		timer.Stop()
		return
	case <-timer.C:
	}

	m.mu.Lock()
	if ctx.Err() == nil {
		l.state = StateRunning
	}
	m.mu.Unlock()
	m.publishState(l.userID, StateRunning, "")

	m.fire(l)

	ticker := time.NewTicker(m.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.fire(l)
		}
	}
}

// fire starts a cycle unless one is still running for the user
func (m *Manager) fire(l *loop) {
	st := m.state(l.userID)
	if !st.inFlight.CompareAndSwap(false, true) {
		m.logger.Debug("previous cycle still running, skipping tick", "user_id", l.userID)
		return
	}
	m.cycles.Add(1)
	go func() {
		defer m.cycles.Done()
		defer st.inFlight.Store(false)
		res := m.cycle(context.Background(), l.userID)
		if res.Reason == autotrade.ReasonSettingsInvalid {
			m.haltLoop(l, res.Reason)
		}
	}()
}

// RunOnce runs a single cycle for userID in the caller's goroutine. It returns
// a skipped result when a cycle is already in progress. A configuration error
// also halts the user's running loop.
func (m *Manager) RunOnce(ctx context.Context, userID string) CycleResult {
	st := m.state(userID)
	if !st.inFlight.CompareAndSwap(false, true) {
		return CycleResult{UserID: userID, Skipped: true}
	}
	defer st.inFlight.Store(false)

	res := m.cycle(ctx, userID)
	if res.Reason == autotrade.ReasonSettingsInvalid {
		m.mu.Lock()
		l, running := m.loops[userID]
		m.mu.Unlock()
		if running {
			m.haltLoop(l, res.Reason)
		}
	}
	return res
}

func (m *Manager) cycle(parent context.Context, userID string) (res CycleResult) {
	start := m.now()
	res.UserID = userID
	log := logging.CycleContext(m.logger, userID)
	st := m.state(userID)

	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), m.opts.CycleTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			log.Error("auto-trade cycle panicked", "panic", fmt.Sprint(r))
			res.Reason = autotrade.ReasonInternalError
		}
		res.Duration = m.now().Sub(start)
		if !res.Skipped {
			st.cycles.Add(1)
			st.record(res.Reason)
			m.publishCycle(res)
		}
	}()

	if m.lock != nil {
		key := cache.CycleLockKey(userID)
		claimed, err := m.lock.ClaimOnce(ctx, key, m.opts.CycleTimeout)
		switch {
		case err != nil:
			log.Debug("cycle lock unavailable, relying on local guard", "error", err)
		case !claimed:
			log.Debug("cycle already running elsewhere, skipping")
			res.Skipped = true
			return res
		default:
			defer func() {
				if err := m.lock.Release(context.WithoutCancel(ctx), key); err != nil {
					log.Debug("failed to release cycle lock", "error", err)
				}
			}()
		}
	}

	engine := m.svc.Engine(userID)

	st.mu.Lock()
	st.lastResearch = m.now()
	st.mu.Unlock()

	sig, err := m.research.RunCycle(ctx, userID)
	if err != nil {
		log.Warn("research failed", "error", err)
		res.Reason = autotrade.ReasonResearchFailed
		return res
	}
	if sig == nil {
		res.Reason = autotrade.ReasonNoSignal
		return res
	}
	res.Signal = sig

	d, err := engine.Evaluate(ctx, *sig)
	if err != nil {
		res.Reason = m.classify(log, err)
		return res
	}
	if !d.Allowed && !d.Reason.Manual() {
		log.Info("signal rejected", "reason", string(d.Reason), "symbol", sig.Symbol, "detail", d.Detail)
		res.Reason = d.Reason
		return res
	}

	trade, err := engine.Execute(ctx, *sig)
	res.Trade = trade
	if err != nil {
		res.Reason = m.classify(log, err)
		return res
	}
	res.Reason = autotrade.ReasonExecuted
	return res
}

// classify maps a cycle error to the reason recorded in status
func (m *Manager) classify(log *logging.Logger, err error) autotrade.Reason {
	switch {
	case errors.Is(err, autotrade.ErrDuplicateRequest):
		return autotrade.ReasonDuplicateRequest
	case autotrade.IsConfigError(err):
		log.Error("invalid trading configuration, stopping loop", "error", err)
		return autotrade.ReasonSettingsInvalid
	}
	if reason := autotrade.ReasonOf(err); reason != "" {
		log.Info("trade not executed", "reason", string(reason), "error", err)
		return reason
	}
	log.Error("auto-trade cycle failed", "error", err)
	return autotrade.ReasonInternalError
}

// haltLoop stops the loop after a configuration error
func (m *Manager) haltLoop(l *loop, reason autotrade.Reason) {
	if !m.stopIfCurrent(l) {
		return
	}
	m.logger.Warn("auto-trade loop halted", "user_id", l.userID, "reason", string(reason))
	m.svc.Engine(l.userID).RecordEvent(context.Background(), autotrade.EventAutoTradeStopped, reason, map[string]interface{}{
		"cause": "configuration",
	})
	m.publishState(l.userID, StateStopped, reason)
}

// Running reports whether userID has an active loop
func (m *Manager) Running(userID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.loops[userID]
	return ok
}

// RunningUsers lists users with an active loop
func (m *Manager) RunningUsers() []string {
	m.mu.Lock()
	users := make([]string, 0, len(m.loops))
	for id := range m.loops {
		users = append(users, id)
	}
	m.mu.Unlock()
	sort.Strings(users)
	return users
}

// LoopStatus returns the scheduler state of userID
func (m *Manager) LoopStatus(userID string) LoopStatus {
	out := LoopStatus{UserID: userID, State: StateStopped}

	m.mu.Lock()
	if l, ok := m.loops[userID]; ok {
		out.State = l.state
		started := l.startedAt
		out.StartedAt = &started
	}
	m.mu.Unlock()

	if v, ok := m.states.Load(userID); ok {
		st := v.(*userState)
		out.ResearchInProgress = st.inFlight.Load()
		out.Cycles = st.cycles.Load()
		st.mu.Lock()
		if !st.lastResearch.IsZero() {
			t := st.lastResearch
			out.LastResearchTime = &t
		}
		out.LastReason = st.lastReason
		st.mu.Unlock()
	}
	return out
}

// Status combines the engine's status with the scheduler's view
func (m *Manager) Status(ctx context.Context, userID string) (*autotrade.Status, error) {
	s, err := m.svc.Engine(userID).Status(ctx)
	if err != nil {
		return nil, err
	}
	ls := m.LoopStatus(userID)
	s.Running = ls.State != StateStopped
	s.ResearchInProgress = ls.ResearchInProgress
	s.LastResearchTime = ls.LastResearchTime
	s.LastReason = ls.LastReason
	return s, nil
}

// RestoreFromStore starts loops for every user whose stored config is enabled
// in AUTO mode. It returns the users started.
func (m *Manager) RestoreFromStore(ctx context.Context) ([]string, error) {
	users, err := m.svc.EnabledUsers(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list enabled users: %w", err)
	}

	var started []string
	for _, userID := range users {
		cfg, err := m.svc.Engine(userID).Prepare(ctx)
		if err != nil {
			m.logger.WithError(err).Warn("failed to restore auto-trade", "user_id", userID)
			continue
		}
		if !cfg.Enabled || cfg.Mode != autotrade.ModeAuto {
			continue
		}
		if err := m.Start(ctx, userID); err != nil {
			m.logger.WithError(err).Warn("failed to restart auto-trade loop", "user_id", userID)
			continue
		}
		started = append(started, userID)
	}
	m.logger.Info("auto-trade loops restored", "count", len(started))
	return started, nil
}

// Shutdown stops every loop and waits for running cycles until ctx expires
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	for _, l := range m.loops {
		m.stopLocked(l)
	}
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.cycles.Wait()
		close(done)
	}()
	select {
	case <-done:
		m.logger.Info("auto-trade manager shut down")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("timed out waiting for running cycles: %w", ctx.Err())
	}
}

func (m *Manager) publishState(userID string, state State, reason autotrade.Reason) {
	if m.bus == nil {
		return
	}
	m.bus.PublishUser(userID, events.EventAutoTradeStatus, map[string]interface{}{
		"state":  string(state),
		"reason": string(reason),
	})
}

func (m *Manager) publishCycle(res CycleResult) {
	if m.bus == nil {
		return
	}
	data := map[string]interface{}{
		"reason":     string(res.Reason),
		"durationMs": res.Duration.Milliseconds(),
	}
	if res.Signal != nil {
		data["symbol"] = res.Signal.Symbol
		data["direction"] = string(res.Signal.Direction)
		data["confidence"] = res.Signal.Confidence
	}
	if res.Trade != nil {
		data["tradeId"] = res.Trade.TradeID
		data["status"] = string(res.Trade.Status)
	}
	m.bus.PublishUser(res.UserID, events.EventResearchCompleted, data)
}
