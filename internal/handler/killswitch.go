package handler

import (
	"net/http"
	"strconv"

	"github.com/dbtune/backend/internal/ctxutil"
	"github.com/dbtune/backend/internal/model"
	"github.com/dbtune/backend/internal/service"
	"github.com/gin-gonic/gin"
)

// KillSwitchHandler exposes the execution gate and its audit trail.
type KillSwitchHandler struct {
	svc *service.KillSwitchService
}

// NewKillSwitchHandler creates a new KillSwitchHandler
func NewKillSwitchHandler(svc *service.KillSwitchService) *KillSwitchHandler {
	return &KillSwitchHandler{svc: svc}
}

// RegisterRoutes registers kill-switch routes
func (h *KillSwitchHandler) RegisterRoutes(r *gin.RouterGroup) {
	ks := r.Group("/kill-switch")
	{
		ks.GET("", h.Status)
		ks.GET("/global", h.GlobalStatus)
		ks.GET("/connections", h.ConnectionStatuses)
		ks.POST("/toggle", h.Toggle)
		ks.GET("/audit", h.Audit)
	}
}

// Status handles GET /kill-switch
func (h *KillSwitchHandler) Status(c *gin.Context) {
	c.JSON(http.StatusOK, model.KillSwitchStatusResponse{
		Global:      h.svc.GlobalStatus(),
		Connections: h.svc.ConnectionStatuses(),
	})
}

// GlobalStatus handles GET /kill-switch/global
func (h *KillSwitchHandler) GlobalStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.svc.GlobalStatus())
}

// ConnectionStatuses handles GET /kill-switch/connections
func (h *KillSwitchHandler) ConnectionStatuses(c *gin.Context) {
	c.JSON(http.StatusOK, h.svc.ConnectionStatuses())
}

// Toggle handles POST /kill-switch/toggle
func (h *KillSwitchHandler) Toggle(c *gin.Context) {
	var req model.ToggleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody("INVALID_REQUEST", err.Error()))
		return
	}

	actor := ctxutil.ActorFromContext(c.Request.Context())
	entry, err := h.svc.Toggle(c.Request.Context(), req.ConnectionID, req.Enabled, req.Reason, actor)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, entry)
}

// Audit handles GET /kill-switch/audit
func (h *KillSwitchHandler) Audit(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	beforeID, _ := strconv.ParseInt(c.DefaultQuery("before_id", "0"), 10, 64)

	items, err := h.svc.AuditLog(c.Request.Context(), limit, beforeID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, model.AuditLogResponse{Items: items})
}
