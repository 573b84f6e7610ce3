package handler

import (
	"net/http"
	"strconv"

	"github.com/dbtune/backend/internal/lifecycle"
	"github.com/dbtune/backend/internal/model"
	"github.com/dbtune/backend/internal/service"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// ExecutionHandler exposes apply-one, apply-all with live progress, run
// cancel and execution history.
type ExecutionHandler struct {
	orchestrator *service.OrchestratorService
	drainState   *lifecycle.DrainManager
}

// NewExecutionHandler creates a new ExecutionHandler
func NewExecutionHandler(orchestrator *service.OrchestratorService, drainState *lifecycle.DrainManager) *ExecutionHandler {
	return &ExecutionHandler{orchestrator: orchestrator, drainState: drainState}
}

// RegisterRoutes registers execution routes
func (h *ExecutionHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/execute", h.ApplyOne)
	r.POST("/execute-all", h.ApplyAll)

	executions := r.Group("/executions")
	{
		executions.GET("", h.History)
		executions.GET("/runs/:id", h.GetRun)
		executions.GET("/runs/:id/stream", h.StreamRun)
		executions.POST("/runs/:id/cancel", h.CancelRun)
	}
}

// ApplyOne handles POST /execute
func (h *ExecutionHandler) ApplyOne(c *gin.Context) {
	var req model.ApplyOneRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody("INVALID_REQUEST", err.Error()))
		return
	}

	outcome, err := h.orchestrator.ApplyOne(c.Request.Context(), &req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": outcome.OK, "outcome": outcome})
}

// ApplyAll handles POST /execute-all
func (h *ExecutionHandler) ApplyAll(c *gin.Context) {
	var req model.ApplyAllRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody("INVALID_REQUEST", err.Error()))
		return
	}

	runID, err := h.orchestrator.ApplyAll(c.Request.Context(), req.PackID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, model.ApplyAllResponse{RunID: runID})
}

// GetRun handles GET /executions/runs/:id (polling)
func (h *ExecutionHandler) GetRun(c *gin.Context) {
	progress, err := h.orchestrator.Run(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, progress)
}

// CancelRun handles POST /executions/runs/:id/cancel
func (h *ExecutionHandler) CancelRun(c *gin.Context) {
	if err := h.orchestrator.CancelRun(c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "cancelling"})
}

// History handles GET /executions
func (h *ExecutionHandler) History(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))

	resp, err := h.orchestrator.History(c.Request.Context(), c.Query("connection_id"), limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// WebSocket upgrader for batch progress streams
var wsUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // CORS is handled by middleware
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// StreamRun handles GET /executions/runs/:id/stream, pushing one JSON
// progress snapshot per update until the run finishes.
func (h *ExecutionHandler) StreamRun(c *gin.Context) {
	if h.drainState != nil && h.drainState.IsDraining() {
		c.JSON(http.StatusServiceUnavailable, errorBody("DRAINING", "service is draining"))
		return
	}

	updates, unsubscribe, err := h.orchestrator.Subscribe(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	defer unsubscribe()

	ws, err := wsUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		c.JSON(http.StatusInternalServerError, errorBody("INTERNAL_ERROR", "failed to upgrade to websocket: "+err.Error()))
		return
	}
	defer ws.Close()

	release := func() {}
	if h.drainState != nil {
		release = h.drainState.Track()
	}
	defer release()

	for progress := range updates {
		if err := ws.WriteJSON(progress); err != nil {
			return
		}
	}
	ws.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "run finished"))
}
