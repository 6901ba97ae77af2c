package middleware

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/yungbote/contentforge-backend/internal/platform/ctxutil"
	"github.com/yungbote/contentforge-backend/internal/platform/logger"
)

// RequestLogger writes one line per request. Job streams log when the client disconnects.
func RequestLogger(log *logger.Logger) gin.HandlerFunc {
	if log == nil {
		return func(c *gin.Context) { c.Next() }
	}
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}
		status := c.Writer.Status()
		kv := []interface{}{
			"method", c.Request.Method,
			"route", route,
			"status", status,
			"duration_ms", time.Since(start).Milliseconds(),
		}
		if td := ctxutil.GetTraceData(c.Request.Context()); td != nil {
			kv = append(kv, "request_id", td.RequestID, "trace_id", td.TraceID)
			if td.Resource != "" {
				kv = append(kv, td.Resource+"_id", td.ResourceID)
			}
		}
		if len(c.Errors) > 0 {
			kv = append(kv, "error", c.Errors.String())
		}

		switch {
		case status >= 500:
			log.Error("request failed", kv...)
		case status >= 400:
			log.Warn("request rejected", kv...)
		case c.Request.Method == "GET":
			log.Debug("request", kv...)
		default:
			log.Info("request", kv...)
		}
	}
}
