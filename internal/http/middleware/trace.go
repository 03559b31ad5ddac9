package middleware

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Trace writes one access log line per request, tagged with the job id when the
// route addresses a job. Health probes log at debug.
func Trace(logger *zap.SugaredLogger) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		status := c.Writer.Status()
		fields := []any{
			"request_id", GetRequestID(c),
			"method", c.Request.Method,
			"path", path,
			"status", status,
			"bytes", max(c.Writer.Size(), 0),
			"duration_ms", time.Since(start).Milliseconds(),
		}
		if jobID := c.Param("id"); jobID != "" {
			fields = append(fields, "job_id", jobID)
		}
		switch {
		case path == "/health":
			logger.Debugw("request", fields...)
		case status >= http.StatusInternalServerError:
			logger.Errorw("request", fields...)
		case status >= http.StatusBadRequest:
			logger.Warnw("request", fields...)
		default:
			logger.Infow("request", fields...)
		}
	}
}
