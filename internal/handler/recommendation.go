package handler

import (
	"net/http"
	"strconv"

	"github.com/dbtune/backend/internal/model"
	"github.com/dbtune/backend/internal/service"
	"github.com/gin-gonic/gin"
)

// RecommendationHandler exposes pack ingest, review transitions and roadmap
// step control.
type RecommendationHandler struct {
	recSvc  *service.RecommendationService
	execSvc *service.ExecutorService
}

// NewRecommendationHandler creates a new RecommendationHandler
func NewRecommendationHandler(recSvc *service.RecommendationService, execSvc *service.ExecutorService) *RecommendationHandler {
	return &RecommendationHandler{recSvc: recSvc, execSvc: execSvc}
}

// RegisterRoutes registers recommendation routes
func (h *RecommendationHandler) RegisterRoutes(r *gin.RouterGroup) {
	recs := r.Group("/recommendations")
	{
		recs.POST("", h.Create)
		recs.GET("", h.List)
		recs.GET("/:id", h.Get)
		recs.POST("/:id/approve", h.Approve)
		recs.POST("/:id/reject", h.Reject)
		recs.POST("/:id/schedule", h.Schedule)
		recs.POST("/:id/recommendations/:rec/fixes/:fix/steps/:step/execute", h.ExecuteStep)
		recs.POST("/:id/recommendations/:rec/fixes/:fix/steps/:step/skip", h.SkipStep)
	}
}

// Create handles POST /recommendations (scan agent ingest)
func (h *RecommendationHandler) Create(c *gin.Context) {
	var req model.CreatePackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody("INVALID_REQUEST", err.Error()))
		return
	}

	pack, err := h.recSvc.CreatePack(c.Request.Context(), &req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, pack)
}

// List handles GET /recommendations
func (h *RecommendationHandler) List(c *gin.Context) {
	resp, err := h.recSvc.List(c.Request.Context(), c.Query("status"), c.Query("connection_id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// Get handles GET /recommendations/:id
func (h *RecommendationHandler) Get(c *gin.Context) {
	pack, err := h.recSvc.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, pack)
}

// Approve handles POST /recommendations/:id/approve
func (h *RecommendationHandler) Approve(c *gin.Context) {
	status, err := h.recSvc.Approve(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": status})
}

// Reject handles POST /recommendations/:id/reject
func (h *RecommendationHandler) Reject(c *gin.Context) {
	status, err := h.recSvc.Reject(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": status})
}

// Schedule handles POST /recommendations/:id/schedule
func (h *RecommendationHandler) Schedule(c *gin.Context) {
	var req model.ScheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody("INVALID_REQUEST", err.Error()))
		return
	}

	status, err := h.recSvc.Schedule(c.Request.Context(), c.Param("id"), req.ScheduledAt)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": status, "scheduledAt": req.ScheduledAt})
}

func (h *RecommendationHandler) stepParams(c *gin.Context) (packID string, recIdx, fixIdx, stepNumber int, ok bool) {
	packID = c.Param("id")
	var err error
	recIdx, err = strconv.Atoi(c.Param("rec"))
	if err != nil || recIdx < 0 {
		c.JSON(http.StatusBadRequest, errorBody("INVALID_REQUEST", "invalid recommendation index"))
		return "", 0, 0, 0, false
	}
	fixIdx, err = strconv.Atoi(c.Param("fix"))
	if err != nil || fixIdx < 0 {
		c.JSON(http.StatusBadRequest, errorBody("INVALID_REQUEST", "invalid fix index"))
		return "", 0, 0, 0, false
	}
	stepNumber, err = strconv.Atoi(c.Param("step"))
	if err != nil || stepNumber < 1 {
		c.JSON(http.StatusBadRequest, errorBody("INVALID_REQUEST", "invalid step number"))
		return "", 0, 0, 0, false
	}
	return packID, recIdx, fixIdx, stepNumber, true
}

// ExecuteStep handles POST .../steps/:step/execute
func (h *RecommendationHandler) ExecuteStep(c *gin.Context) {
	packID, recIdx, fixIdx, stepNumber, ok := h.stepParams(c)
	if !ok {
		return
	}

	pack, err := h.recSvc.Get(c.Request.Context(), packID)
	if err != nil {
		respondError(c, err)
		return
	}

	step, err := h.execSvc.ExecuteStep(c.Request.Context(), pack.ConnectionID, packID, recIdx, fixIdx, stepNumber)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, step)
}

// SkipStep handles POST .../steps/:step/skip
func (h *RecommendationHandler) SkipStep(c *gin.Context) {
	packID, recIdx, fixIdx, stepNumber, ok := h.stepParams(c)
	if !ok {
		return
	}

	step, err := h.execSvc.SkipStep(c.Request.Context(), packID, recIdx, fixIdx, stepNumber)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, step)
}
