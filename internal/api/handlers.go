package api

import (
	"net/http"
	"strconv"

	"github.com/kashyap2306/dlxtrade-ws-sub001/internal/auth"
	"github.com/kashyap2306/dlxtrade-ws-sub001/internal/autotrade"

	"github.com/gin-gonic/gin"
)

type closeTradeRequest struct {
	PnL *float64 `json:"pnl" binding:"required"`
}

func (s *Server) handleStatus(c *gin.Context) {
	status, err := s.deps.Manager.Status(c.Request.Context(), auth.GetUserID(c))
	if err != nil {
		s.writeError(c, err)
		return
	}
	successResponse(c, status)
}

// handleStart enables auto-trading and (re)starts the user's loop
func (s *Server) handleStart(c *gin.Context) {
	ctx := c.Request.Context()
	userID := auth.GetUserID(c)

	enabled := true
	if _, err := s.deps.Service.UpdateConfig(ctx, userID, autotrade.ConfigPatch{Enabled: &enabled}); err != nil {
		s.writeError(c, err)
		return
	}
	if err := s.deps.Manager.Start(ctx, userID); err != nil {
		s.writeError(c, err)
		return
	}
	s.respondStatus(c, userID)
}

func (s *Server) handleStop(c *gin.Context) {
	s.disable(c, auth.GetUserID(c), "user")
}

// disable stops the loop and persists enabled=false so a restart does not resume it
func (s *Server) disable(c *gin.Context, userID, actor string) {
	ctx := c.Request.Context()

	s.deps.Manager.Stop(userID)
	enabled := false
	if _, err := s.deps.Service.UpdateConfig(ctx, userID, autotrade.ConfigPatch{Enabled: &enabled}); err != nil {
		s.writeError(c, err)
		return
	}
	s.deps.Service.Engine(userID).RecordEvent(ctx, autotrade.EventAutoTradeStopped, "", map[string]interface{}{
		"actor": actor,
	})
	s.respondStatus(c, userID)
}

func (s *Server) respondStatus(c *gin.Context, userID string) {
	status, err := s.deps.Manager.Status(c.Request.Context(), userID)
	if err != nil {
		s.writeError(c, err)
		return
	}
	successResponse(c, status)
}

func (s *Server) handleGetConfig(c *gin.Context) {
	cfg, err := s.deps.Service.Engine(auth.GetUserID(c)).Prepare(c.Request.Context())
	if err != nil {
		s.writeError(c, err)
		return
	}
	successResponse(c, cfg)
}

func (s *Server) handleUpdateConfig(c *gin.Context) {
	var patch autotrade.ConfigPatch
	if err := c.ShouldBindJSON(&patch); err != nil {
		errorResponse(c, http.StatusBadRequest, "invalid request body")
		return
	}

	ctx := c.Request.Context()
	userID := auth.GetUserID(c)
	cfg, err := s.deps.Service.UpdateConfig(ctx, userID, patch)
	if err != nil {
		s.writeError(c, err)
		return
	}
	if patch.Enabled != nil && !*patch.Enabled {
		s.deps.Manager.Stop(userID)
	}
	successResponse(c, cfg)
}

// handleRunOnce runs one research cycle immediately
func (s *Server) handleRunOnce(c *gin.Context) {
	res := s.deps.Manager.RunOnce(c.Request.Context(), auth.GetUserID(c))
	if res.Skipped {
		c.JSON(http.StatusConflict, gin.H{
			"error":   true,
			"message": "a cycle is already running",
		})
		return
	}
	successResponse(c, res)
}

func (s *Server) handleListTrades(c *gin.Context) {
	if s.deps.History == nil {
		errorResponse(c, http.StatusNotImplemented, "trade history unavailable")
		return
	}
	trades, err := s.deps.History.ListExecutions(c.Request.Context(), auth.GetUserID(c), queryLimit(c))
	if err != nil {
		s.writeError(c, err)
		return
	}
	successResponse(c, trades)
}

func (s *Server) handleActiveTrades(c *gin.Context) {
	engine := s.deps.Service.Engine(auth.GetUserID(c))
	if _, err := engine.Prepare(c.Request.Context()); err != nil {
		s.writeError(c, err)
		return
	}
	successResponse(c, engine.ActiveTrades())
}

func (s *Server) handleCloseTrade(c *gin.Context) {
	var req closeTradeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, "pnl is required")
		return
	}
	trade, err := s.deps.Service.Engine(auth.GetUserID(c)).CloseTrade(c.Request.Context(), c.Param("id"), *req.PnL)
	if err != nil {
		s.writeError(c, err)
		return
	}
	successResponse(c, trade)
}

func (s *Server) handleListNotifications(c *gin.Context) {
	if s.deps.Inbox == nil {
		errorResponse(c, http.StatusNotImplemented, "notifications unavailable")
		return
	}
	list, err := s.deps.Inbox.ListNotifications(c.Request.Context(), auth.GetUserID(c), queryLimit(c))
	if err != nil {
		s.writeError(c, err)
		return
	}
	successResponse(c, list)
}

func (s *Server) handleMarkNotificationRead(c *gin.Context) {
	if s.deps.Inbox == nil {
		errorResponse(c, http.StatusNotImplemented, "notifications unavailable")
		return
	}
	if err := s.deps.Inbox.MarkNotificationRead(c.Request.Context(), auth.GetUserID(c), c.Param("id")); err != nil {
		s.writeError(c, err)
		return
	}
	successResponse(c, gin.H{"id": c.Param("id"), "read": true})
}

// Admin

func (s *Server) handleAdminRunning(c *gin.Context) {
	users := s.deps.Manager.RunningUsers()
	out := make([]interface{}, 0, len(users))
	for _, id := range users {
		out = append(out, s.deps.Manager.LoopStatus(id))
	}
	successResponse(c, gin.H{"count": len(users), "users": out})
}

func (s *Server) handleAdminStatus(c *gin.Context) {
	s.respondStatus(c, c.Param("userId"))
}

func (s *Server) handleAdminStop(c *gin.Context) {
	s.disable(c, c.Param("userId"), "admin:"+auth.GetUserID(c))
}

func (s *Server) handleAdminResetBreaker(c *gin.Context) {
	userID := c.Param("userId")
	if err := s.deps.Service.Engine(userID).ResetCircuitBreaker(c.Request.Context(), auth.GetUserID(c)); err != nil {
		s.writeError(c, err)
		return
	}
	s.respondStatus(c, userID)
}

func queryLimit(c *gin.Context) int {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit <= 0 || limit > 500 {
		return 50
	}
	return limit
}
