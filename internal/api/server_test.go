package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/kashyap2306/dlxtrade-ws-sub001/config"
	"github.com/kashyap2306/dlxtrade-ws-sub001/internal/auth"
	"github.com/kashyap2306/dlxtrade-ws-sub001/internal/autopilot"
	"github.com/kashyap2306/dlxtrade-ws-sub001/internal/autotrade"
	"github.com/kashyap2306/dlxtrade-ws-sub001/internal/autotrade/autotradetest"
	"github.com/kashyap2306/dlxtrade-ws-sub001/internal/events"
	"github.com/kashyap2306/dlxtrade-ws-sub001/internal/logging"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testUser = "user-1"

func init() {
	gin.SetMode(gin.TestMode)
}

type stubResearch struct {
	sig *autotrade.TradeSignal
}

func (s stubResearch) RunCycle(context.Context, string) (*autotrade.TradeSignal, error) {
	if s.sig == nil {
		return nil, nil
	}
	cp := *s.sig
	return &cp, nil
}

type testEnv struct {
	store  *autotradetest.MemStore
	svc    *autotrade.Service
	mgr    *autopilot.Manager
	bus    *events.EventBus
	server *Server
}

type envOption func(*Deps)

func newTestEnv(t *testing.T, research autopilot.Researcher, opts ...envOption) *testEnv {
	t.Helper()
	store := autotradetest.NewMemStore()

	engineOpts := autotrade.DefaultOptions()
	engineOpts.Location = time.UTC
	engineOpts.Defaults.CooldownSeconds = 0

	cfg := engineOpts.NewUserConfig(testUser, autotrade.DayKey(time.Now(), time.UTC))
	cfg.EquitySnapshot = 10000
	store.SetConfig(cfg)
	store.SetSettings(testUser, autotradetest.Settings())

	svc := autotrade.NewService(autotrade.Deps{
		Store:      store,
		Connectors: autotradetest.Provider{Conn: autotradetest.PaperExchange(10000)},
		Logger:     logging.Nop(),
	}, engineOpts)

	bus := events.NewEventBus()
	mgr := autopilot.NewManager(svc, research, nil, bus, autopilot.Options{
		Interval:     time.Hour,
		InitialDelay: time.Hour,
		CycleTimeout: time.Second,
	}, logging.Nop())

	deps := Deps{
		Service: svc,
		Manager: mgr,
		Bus:     bus,
		Logger:  logging.Nop(),
	}
	for _, o := range opts {
		o(&deps)
	}
	server := NewServer(config.ServerConfig{Host: "127.0.0.1", Port: 0}, deps)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = mgr.Shutdown(ctx)
		_ = server.Shutdown(ctx)
	})
	return &testEnv{store: store, svc: svc, mgr: mgr, bus: bus, server: server}
}

type apiResponse struct {
	Success bool            `json:"success"`
	Error   interface{}     `json:"error"`
	Message string          `json:"message"`
	Field   string          `json:"field"`
	Data    json.RawMessage `json:"data"`
}

func (e *testEnv) do(t *testing.T, method, path string, body interface{}, header http.Header) (int, apiResponse) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	w := httptest.NewRecorder()
	e.server.Router().ServeHTTP(w, req)

	var resp apiResponse
	if w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp), w.Body.String())
	}
	return w.Code, resp
}

func asUser(id string) http.Header {
	h := http.Header{}
	h.Add(auth.HeaderDevUser, id)
	return h
}

func bearer(token string) http.Header {
	h := http.Header{}
	h.Add("Authorization", "Bearer "+token)
	return h
}

func decode[T any](t *testing.T, raw json.RawMessage) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(raw, &v))
	return v
}

func signal(requestID string, confidence float64) *autotrade.TradeSignal {
	return &autotrade.TradeSignal{
		Symbol:     "BTCUSDT",
		Direction:  autotrade.DirectionBuy,
		EntryPrice: 50000,
		Confidence: confidence,
		RequestID:  requestID,
	}
}

func TestHealth(t *testing.T) {
	t.Run("healthy", func(t *testing.T) {
		env := newTestEnv(t, stubResearch{}, func(d *Deps) {
			d.Health = map[string]HealthFunc{"database": func(context.Context) error { return nil }}
		})
		code, _ := env.do(t, http.MethodGet, "/api/health", nil, nil)
		assert.Equal(t, http.StatusOK, code)
	})

	t.Run("dependency down", func(t *testing.T) {
		env := newTestEnv(t, stubResearch{}, func(d *Deps) {
			d.Health = map[string]HealthFunc{"redis": func(context.Context) error { return errors.New("refused") }}
		})
		req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
		w := httptest.NewRecorder()
		env.server.Router().ServeHTTP(w, req)
		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
		assert.Contains(t, w.Body.String(), `"redis":"unhealthy"`)
	})
}

func TestRequiresUser(t *testing.T) {
	env := newTestEnv(t, stubResearch{})
	code, _ := env.do(t, http.MethodGet, "/api/autotrade/status", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, code)
}

func TestStartAndStop(t *testing.T) {
	env := newTestEnv(t, stubResearch{})

	code, resp := env.do(t, http.MethodPost, "/api/autotrade/start", nil, asUser(testUser))
	require.Equal(t, http.StatusOK, code)
	status := decode[autotrade.Status](t, resp.Data)
	assert.True(t, status.Enabled)
	assert.True(t, status.Running)
	assert.True(t, env.store.Config(testUser).Enabled)
	assert.Equal(t, []string{testUser}, env.mgr.RunningUsers())

	code, resp = env.do(t, http.MethodPost, "/api/autotrade/stop", nil, asUser(testUser))
	require.Equal(t, http.StatusOK, code)
	status = decode[autotrade.Status](t, resp.Data)
	assert.False(t, status.Enabled)
	assert.False(t, status.Running)
	assert.False(t, env.store.Config(testUser).Enabled)
	assert.Contains(t, env.store.AuditTypes(), autotrade.EventAutoTradeStopped)
}

func TestUpdateConfig(t *testing.T) {
	env := newTestEnv(t, stubResearch{})

	code, resp := env.do(t, http.MethodPatch, "/api/autotrade/config", map[string]interface{}{
		"perTradeRiskPct": 150,
	}, asUser(testUser))
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "perTradeRiskPct", resp.Field)

	code, resp = env.do(t, http.MethodPatch, "/api/autotrade/config", map[string]interface{}{
		"maxConcurrentTrades": 2,
		"mode":                "MANUAL",
	}, asUser(testUser))
	require.Equal(t, http.StatusOK, code)
	cfg := decode[autotrade.Config](t, resp.Data)
	assert.Equal(t, 2, cfg.MaxConcurrentTrades)
	assert.Equal(t, autotrade.ModeManual, cfg.Mode)

	code, _ = env.do(t, http.MethodPatch, "/api/autotrade/config", "not an object", asUser(testUser))
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestDisablingViaConfigStopsLoop(t *testing.T) {
	env := newTestEnv(t, stubResearch{})
	code, _ := env.do(t, http.MethodPost, "/api/autotrade/start", nil, asUser(testUser))
	require.Equal(t, http.StatusOK, code)
	require.True(t, env.mgr.Running(testUser))

	code, _ = env.do(t, http.MethodPatch, "/api/autotrade/config", map[string]interface{}{"enabled": false}, asUser(testUser))
	require.Equal(t, http.StatusOK, code)
	assert.False(t, env.mgr.Running(testUser))
}

func TestRunOnceAndTrades(t *testing.T) {
	env := newTestEnv(t, stubResearch{sig: signal("req-1", 92)}, func(d *Deps) {
		d.History = nil
	})

	code, _ := env.do(t, http.MethodGet, "/api/autotrade/trades", nil, asUser(testUser))
	assert.Equal(t, http.StatusNotImplemented, code)

	code, _ = env.do(t, http.MethodPatch, "/api/autotrade/config", map[string]interface{}{"enabled": true}, asUser(testUser))
	require.Equal(t, http.StatusOK, code)

	code, resp := env.do(t, http.MethodPost, "/api/autotrade/run", nil, asUser(testUser))
	require.Equal(t, http.StatusOK, code)
	res := decode[autopilot.CycleResult](t, resp.Data)
	assert.Equal(t, autotrade.ReasonExecuted, res.Reason)
	require.NotNil(t, res.Trade)

	code, resp = env.do(t, http.MethodGet, "/api/autotrade/trades/active", nil, asUser(testUser))
	require.Equal(t, http.StatusOK, code)
	active := decode[[]autotrade.TradeExecution](t, resp.Data)
	require.Len(t, active, 1)
	assert.Equal(t, "req-1", active[0].RequestID)
}

func TestListTradesWithHistory(t *testing.T) {
	env := newTestEnv(t, stubResearch{sig: signal("req-h", 92)})
	env.server.deps.History = env.store

	enabled := true
	_, err := env.svc.UpdateConfig(context.Background(), testUser, autotrade.ConfigPatch{Enabled: &enabled})
	require.NoError(t, err)
	require.Equal(t, autotrade.ReasonExecuted, env.mgr.RunOnce(context.Background(), testUser).Reason)

	code, resp := env.do(t, http.MethodGet, "/api/autotrade/trades?limit=10", nil, asUser(testUser))
	require.Equal(t, http.StatusOK, code)
	trades := decode[[]autotrade.TradeExecution](t, resp.Data)
	require.Len(t, trades, 1)
	assert.Equal(t, "req-h", trades[0].RequestID)
}

func TestCloseTrade(t *testing.T) {
	env := newTestEnv(t, stubResearch{sig: signal("req-c", 92)})
	enabled := true
	_, err := env.svc.UpdateConfig(context.Background(), testUser, autotrade.ConfigPatch{Enabled: &enabled})
	require.NoError(t, err)
	res := env.mgr.RunOnce(context.Background(), testUser)
	require.NotNil(t, res.Trade)
	path := "/api/autotrade/trades/" + res.Trade.TradeID + "/close"

	code, _ := env.do(t, http.MethodPost, path, map[string]interface{}{}, asUser(testUser))
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = env.do(t, http.MethodPost, "/api/autotrade/trades/missing/close", map[string]interface{}{"pnl": 1}, asUser(testUser))
	assert.Equal(t, http.StatusNotFound, code)

	code, resp := env.do(t, http.MethodPost, path, map[string]interface{}{"pnl": -12.5}, asUser(testUser))
	require.Equal(t, http.StatusOK, code)
	closed := decode[autotrade.TradeExecution](t, resp.Data)
	require.NotNil(t, closed.PnL)
	assert.InDelta(t, -12.5, *closed.PnL, 1e-9)
	assert.Empty(t, env.svc.Engine(testUser).ActiveTrades())

	code, _ = env.do(t, http.MethodPost, path, map[string]interface{}{"pnl": 1}, asUser(testUser))
	assert.Equal(t, http.StatusConflict, code)
}

func TestAdminRoutes(t *testing.T) {
	jwtManager, err := auth.NewJWTManager(config.AuthConfig{
		JWTSecret:           strings.Repeat("s", 32),
		AccessTokenDuration: time.Minute,
	})
	require.NoError(t, err)

	env := newTestEnv(t, stubResearch{}, func(d *Deps) { d.JWT = jwtManager })

	userToken, err := jwtManager.GenerateAccessToken(auth.UserClaims{UserID: testUser})
	require.NoError(t, err)
	adminToken, err := jwtManager.GenerateAccessToken(auth.UserClaims{UserID: "ops", IsAdmin: true})
	require.NoError(t, err)

	code, _ := env.do(t, http.MethodGet, "/api/admin/autotrade/running", nil, bearer(userToken))
	assert.Equal(t, http.StatusForbidden, code)

	code, _ = env.do(t, http.MethodGet, "/api/autotrade/status", nil, asUser(testUser))
	assert.Equal(t, http.StatusUnauthorized, code, "dev header must be ignored when JWT is configured")

	code, _ = env.do(t, http.MethodPost, "/api/autotrade/start", nil, bearer(userToken))
	require.Equal(t, http.StatusOK, code)

	code, resp := env.do(t, http.MethodGet, "/api/admin/autotrade/running", nil, bearer(adminToken))
	require.Equal(t, http.StatusOK, code)
	running := decode[struct {
		Count int                    `json:"count"`
		Users []autopilot.LoopStatus `json:"users"`
	}](t, resp.Data)
	assert.Equal(t, 1, running.Count)
	require.Len(t, running.Users, 1)
	assert.Equal(t, testUser, running.Users[0].UserID)

	code, resp = env.do(t, http.MethodPost, "/api/admin/autotrade/users/"+testUser+"/stop", nil, bearer(adminToken))
	require.Equal(t, http.StatusOK, code)
	assert.False(t, decode[autotrade.Status](t, resp.Data).Running)
	assert.Empty(t, env.mgr.RunningUsers())
}

func TestAdminResetCircuitBreaker(t *testing.T) {
	env := newTestEnv(t, stubResearch{})
	cfg := env.store.Config(testUser)
	cfg.CircuitBreakerOpen = true
	cfg.CircuitBreakerReason = "daily loss limit reached"
	env.store.SetConfig(cfg)

	code, resp := env.do(t, http.MethodGet, "/api/admin/autotrade/users/"+testUser+"/status", nil, asUser("ops"))
	require.Equal(t, http.StatusOK, code)
	assert.True(t, decode[autotrade.Status](t, resp.Data).CircuitBreakerOpen)

	code, resp = env.do(t, http.MethodPost, "/api/admin/autotrade/users/"+testUser+"/circuit-breaker/reset", nil, asUser("ops"))
	require.Equal(t, http.StatusOK, code)
	assert.False(t, decode[autotrade.Status](t, resp.Data).CircuitBreakerOpen)
	assert.False(t, env.store.Config(testUser).CircuitBreakerOpen)
}

func TestRateLimitAppliesToWrites(t *testing.T) {
	env := newTestEnv(t, stubResearch{})

	var limited bool
	for i := 0; i < 20; i++ {
		code, _ := env.do(t, http.MethodPatch, "/api/autotrade/config", map[string]interface{}{"cooldownSeconds": 5}, asUser(testUser))
		if code == http.StatusTooManyRequests {
			limited = true
			break
		}
	}
	assert.True(t, limited)

	code, _ := env.do(t, http.MethodGet, "/api/autotrade/config", nil, asUser(testUser))
	assert.Equal(t, http.StatusOK, code)
}

func TestWebSocketReceivesUserEvents(t *testing.T) {
	env := newTestEnv(t, stubResearch{})
	srv := httptest.NewServer(env.server.Router())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/autotrade/ws?user_id=" + testUser
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var welcome map[string]interface{}
	require.NoError(t, conn.ReadJSON(&welcome))
	assert.Equal(t, "CONNECTED", welcome["type"])
	assert.Equal(t, 1, env.server.Hub().UserClientCount(testUser))

	env.bus.PublishUser("someone-else", events.EventNotification, map[string]interface{}{"title": "not for you"})
	env.bus.PublishUser(testUser, events.EventNotification, map[string]interface{}{"title": "hello"})

	var ev events.Event
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, events.EventNotification, ev.Type)
	assert.Equal(t, testUser, ev.UserID)
	assert.Equal(t, "hello", ev.Data["title"])
}

func TestHubDropsUnknownUsers(t *testing.T) {
	hub := NewHub(logging.Nop())
	hub.Dispatch(events.Event{Type: events.EventNotification})
	hub.Dispatch(events.Event{Type: events.EventNotification, UserID: "nobody"})
	assert.Equal(t, 0, hub.ClientCount())
	hub.CloseAll()
}

func TestQueryLimit(t *testing.T) {
	tests := map[string]int{
		"":     50,
		"10":   10,
		"0":    50,
		"-3":   50,
		"abc":  50,
		"500":  500,
		"9999": 50,
	}
	for raw, want := range tests {
		c, _ := gin.CreateTestContext(httptest.NewRecorder())
		c.Request = httptest.NewRequest(http.MethodGet, "/?limit="+raw, nil)
		assert.Equal(t, want, queryLimit(c), raw)
	}
}
