package handler

import (
	"net/http"

	"github.com/dbtune/backend/internal/model"
	"github.com/dbtune/backend/internal/service"
	"github.com/gin-gonic/gin"
)

// ConnectionHandler exposes connection profile CRUD and connectivity tests.
type ConnectionHandler struct {
	svc *service.ConnectionService
}

// NewConnectionHandler creates a new ConnectionHandler
func NewConnectionHandler(svc *service.ConnectionService) *ConnectionHandler {
	return &ConnectionHandler{svc: svc}
}

// RegisterRoutes registers connection routes
func (h *ConnectionHandler) RegisterRoutes(r *gin.RouterGroup) {
	conns := r.Group("/connections")
	{
		conns.POST("", h.Create)
		conns.GET("", h.List)
		conns.GET("/:id", h.Get)
		conns.PUT("/:id", h.Update)
		conns.DELETE("/:id", h.Delete)
		conns.POST("/:id/test", h.Test)
	}
}

// Create handles POST /connections
func (h *ConnectionHandler) Create(c *gin.Context) {
	var req model.CreateConnectionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody("INVALID_REQUEST", err.Error()))
		return
	}

	conn, err := h.svc.Create(c.Request.Context(), &req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, conn)
}

// List handles GET /connections
func (h *ConnectionHandler) List(c *gin.Context) {
	resp, err := h.svc.List(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// Get handles GET /connections/:id
func (h *ConnectionHandler) Get(c *gin.Context) {
	conn, err := h.svc.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, conn)
}

// Update handles PUT /connections/:id
func (h *ConnectionHandler) Update(c *gin.Context) {
	var req model.UpdateConnectionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody("INVALID_REQUEST", err.Error()))
		return
	}

	conn, err := h.svc.Update(c.Request.Context(), c.Param("id"), &req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, conn)
}

// Delete handles DELETE /connections/:id
func (h *ConnectionHandler) Delete(c *gin.Context) {
	if err := h.svc.Delete(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Test handles POST /connections/:id/test
func (h *ConnectionHandler) Test(c *gin.Context) {
	c.JSON(http.StatusOK, h.svc.Test(c.Request.Context(), c.Param("id")))
}
