// Package api exposes the auto-trade engine over HTTP and websocket.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/kashyap2306/dlxtrade-ws-sub001/config"
	"github.com/kashyap2306/dlxtrade-ws-sub001/internal/auth"
	"github.com/kashyap2306/dlxtrade-ws-sub001/internal/autopilot"
	"github.com/kashyap2306/dlxtrade-ws-sub001/internal/autotrade"
	"github.com/kashyap2306/dlxtrade-ws-sub001/internal/database"
	"github.com/kashyap2306/dlxtrade-ws-sub001/internal/events"
	"github.com/kashyap2306/dlxtrade-ws-sub001/internal/logging"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// HealthFunc probes one dependency
type HealthFunc func(ctx context.Context) error

// History lists a user's executions
type History interface {
	ListExecutions(ctx context.Context, userID string, limit int) ([]*autotrade.TradeExecution, error)
}

// Inbox serves stored notifications
type Inbox interface {
	ListNotifications(ctx context.Context, userID string, limit int) ([]*database.Notification, error)
	MarkNotificationRead(ctx context.Context, userID, id string) error
}

// Deps are the collaborators behind the HTTP surface. JWT nil switches the
// server to header-based development auth; History, Inbox and Bus are optional.
type Deps struct {
	Service *autotrade.Service
	Manager *autopilot.Manager
	Bus     *events.EventBus
	JWT     *auth.JWTManager
	History History
	Inbox   Inbox
	Health  map[string]HealthFunc
	Logger  *logging.Logger
}

// Server represents the HTTP API server
type Server struct {
	router     *gin.Engine
	httpServer *http.Server
	deps       Deps
	config     config.ServerConfig
	hub        *Hub
	limiter    *userLimiter
	logger     *logging.Logger
}

// NewServer creates a new API server
func NewServer(cfg config.ServerConfig, deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = logging.Default()
	}
	logger := deps.Logger.WithComponent("api")

	router := gin.New()
	router.Use(requestLogger(logger))
	router.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = splitOrigins(cfg.AllowedOrigins)
	corsConfig.AllowMethods = []string{"GET", "POST", "PATCH", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", auth.HeaderDevUser}
	corsConfig.ExposeHeaders = []string{"Content-Length"}
	corsConfig.AllowCredentials = true
	router.Use(cors.New(corsConfig))

	s := &Server{
		router:  router,
		deps:    deps,
		config:  cfg,
		hub:     NewHub(logger),
		limiter: newUserLimiter(rate.Every(time.Second), 10),
		logger:  logger,
	}
	if deps.Bus != nil {
		deps.Bus.SubscribeAll(s.hub.Dispatch)
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.GET("/api/health", s.handleHealth)

	authMW := auth.DevMiddleware()
	if s.deps.JWT != nil {
		authMW = auth.Middleware(s.deps.JWT)
	} else {
		s.logger.Warn("authentication disabled, trusting " + auth.HeaderDevUser + " header")
	}

	user := s.router.Group("/api/autotrade", authMW, s.rateLimit())
	{
		user.GET("/status", s.handleStatus)
		user.POST("/start", s.handleStart)
		user.POST("/stop", s.handleStop)
		user.GET("/config", s.handleGetConfig)
		user.PATCH("/config", s.handleUpdateConfig)
		user.POST("/run", s.handleRunOnce)
		user.GET("/trades", s.handleListTrades)
		user.GET("/trades/active", s.handleActiveTrades)
		user.POST("/trades/:id/close", s.handleCloseTrade)
		user.GET("/notifications", s.handleListNotifications)
		user.POST("/notifications/:id/read", s.handleMarkNotificationRead)
		user.GET("/ws", s.handleWebSocket)
	}

	admin := s.router.Group("/api/admin/autotrade", authMW, auth.RequireAdmin())
	{
		admin.GET("/running", s.handleAdminRunning)
		admin.GET("/users/:userId/status", s.handleAdminStatus)
		admin.POST("/users/:userId/stop", s.handleAdminStop)
		admin.POST("/users/:userId/circuit-breaker/reset", s.handleAdminResetBreaker)
	}
}

// Router exposes the handler for tests and embedding
func (s *Server) Router() http.Handler {
	return s.router
}

// Hub returns the websocket hub
func (s *Server) Hub() *Hub {
	return s.hub
}

// Start starts the HTTP server and blocks until it stops
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  seconds(s.config.ReadTimeout, 15),
		WriteTimeout: seconds(s.config.WriteTimeout, 15),
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("starting HTTP server", "addr", addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	s.hub.CloseAll()
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

// handleHealth reports the state of every registered dependency
func (s *Server) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	checks := make(map[string]string, len(s.deps.Health))
	healthy := true
	for name, probe := range s.deps.Health {
		if err := probe(ctx); err != nil {
			checks[name] = "unhealthy"
			healthy = false
			continue
		}
		checks[name] = "healthy"
	}

	status, code := "healthy", http.StatusOK
	if !healthy {
		status, code = "unhealthy", http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{
		"status":      status,
		"checks":      checks,
		"running":     len(s.deps.Manager.RunningUsers()),
		"connections": s.hub.ClientCount(),
	})
}

// errorResponse is a helper to send error responses
func errorResponse(c *gin.Context, statusCode int, message string) {
	c.JSON(statusCode, gin.H{
		"error":   true,
		"message": message,
	})
}

// successResponse is a helper to send success responses
func successResponse(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    data,
	})
}

// writeError maps engine errors onto HTTP statuses
func (s *Server) writeError(c *gin.Context, err error) {
	var ce *autotrade.ConfigError
	switch {
	case errors.As(err, &ce):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   true,
			"message": ce.Msg,
			"field":   ce.Field,
			"reason":  autotrade.ReasonSettingsInvalid,
		})
	case errors.Is(err, autotrade.ErrNotFound):
		errorResponse(c, http.StatusNotFound, "not found")
	case errors.Is(err, autotrade.ErrTradeNotOpen):
		errorResponse(c, http.StatusConflict, "trade is not open")
	default:
		s.logger.WithError(err).Error("request failed", "path", c.FullPath(), "user_id", auth.GetUserID(c))
		errorResponse(c, http.StatusInternalServerError, "internal error")
	}
}

func requestLogger(logger *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"user_id", auth.GetUserID(c),
		)
	}
}

// userLimiter keeps one token bucket per authenticated user
type userLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	every    rate.Limit
	burst    int
}

func newUserLimiter(every rate.Limit, burst int) *userLimiter {
	return &userLimiter{limiters: make(map[string]*rate.Limiter), every: every, burst: burst}
}

func (l *userLimiter) allow(key string) bool {
	l.mu.Lock()
	lim, ok := l.limiters[key]
	if !ok {
		lim = rate.NewLimiter(l.every, l.burst)
		l.limiters[key] = lim
	}
	l.mu.Unlock()
	return lim.Allow()
}

func (s *Server) rateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Method == http.MethodGet {
			c.Next()
			return
		}
		if !s.limiter.allow(auth.GetUserID(c)) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":   true,
				"message": "too many requests, please try again later",
			})
			return
		}
		c.Next()
	}
}

func splitOrigins(raw string) []string {
	var out []string
	for _, o := range strings.Split(raw, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	if len(out) == 0 {
		return []string{"http://localhost:5173"}
	}
	return out
}

func seconds(v, def int) time.Duration {
	if v <= 0 {
		v = def
	}
	return time.Duration(v) * time.Second
}
