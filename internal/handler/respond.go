package handler

import (
	"errors"
	"net/http"

	"github.com/dbtune/backend/internal/apperr"
	"github.com/gin-gonic/gin"
)

// errorBody builds the standard error envelope.
func errorBody(code, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}

// respondError maps the error taxonomy to HTTP status codes. Anything outside
// the taxonomy is an internal error.
func respondError(c *gin.Context, err error) {
	var validationErr *apperr.ValidationError
	var notFoundErr *apperr.NotFoundError
	var blockedErr *apperr.KillSwitchBlockedError
	var execErr *apperr.ExecutionError
	var stateErr *apperr.InvalidStateError

	switch {
	case errors.As(err, &validationErr):
		c.JSON(http.StatusBadRequest, errorBody("INVALID_REQUEST", validationErr.Error()))
	case errors.As(err, &notFoundErr):
		c.JSON(http.StatusNotFound, errorBody("NOT_FOUND", notFoundErr.Error()))
	case errors.As(err, &blockedErr):
		c.JSON(http.StatusConflict, errorBody("KILL_SWITCH_ACTIVE", blockedErr.Error()))
	case errors.As(err, &stateErr):
		c.JSON(http.StatusConflict, errorBody("INVALID_STATE", stateErr.Error()))
	case errors.As(err, &execErr):
		c.JSON(http.StatusBadGateway, errorBody("EXECUTION_FAILED", execErr.Error()))
	default:
		c.JSON(http.StatusInternalServerError, errorBody("INTERNAL_ERROR", err.Error()))
	}
}
