package logx

import (
	"log/slog"
	"time"

	"github.com/dbtune/backend/internal/ctxutil"
	"github.com/gin-gonic/gin"
)

const (
	requestIDHeader = "X-Request-ID"
	actorHeader     = "X-Actor"
)

// RequestIDMiddleware assigns every request a request id, echoes it in the
// response header and stores it in both gin and the request context.
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := NormalizeRequestID(c.GetHeader(requestIDHeader))
		c.Set("request_id", requestID)
		c.Writer.Header().Set(requestIDHeader, requestID)
		c.Request = c.Request.WithContext(WithRequestID(c.Request.Context(), requestID))
		c.Next()
	}
}

// ActorMiddleware propagates the operator identity from the X-Actor header
// into the request context. Identity verification is the reverse proxy's job;
// the backend only records who it was told is acting.
func ActorMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if actor := c.GetHeader(actorHeader); actor != "" {
			c.Request = c.Request.WithContext(ctxutil.WithActor(c.Request.Context(), actor))
		}
		c.Next()
	}
}

// AccessLogMiddleware emits one structured log line per completed request.
func AccessLogMiddleware(component string) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		level := slog.LevelInfo
		if status >= 500 {
			level = slog.LevelError
		} else if status >= 400 {
			level = slog.LevelWarn
		}

		slog.Log(
			c.Request.Context(),
			level,
			"http request completed",
			"component", component,
			"request_id", c.GetString("request_id"),
			"method", c.Request.Method,
			"path", c.FullPath(),
			"raw_path", c.Request.URL.Path,
			"status", status,
			"latency_ms", time.Since(start).Milliseconds(),
			"client_ip", c.ClientIP(),
		)
	}
}
