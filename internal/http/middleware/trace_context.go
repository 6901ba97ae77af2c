package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/yungbote/contentforge-backend/internal/platform/ctxutil"
)

const (
	headerTraceID   = "X-Trace-Id"
	headerRequestID = "X-Request-Id"
)

// AttachTraceContext stores request and trace ids on the request context so job events
// created by the request can be correlated with it. Routes are matched before middleware
// runs, so the addressed job or document id is recorded too.
func AttachTraceContext() gin.HandlerFunc {
	return func(c *gin.Context) {
		td := &ctxutil.TraceData{
			RequestID: strings.TrimSpace(c.GetHeader(headerRequestID)),
			TraceID:   strings.TrimSpace(c.GetHeader(headerTraceID)),
		}
		if td.RequestID == "" {
			td.RequestID = uuid.NewString()
		}
		if td.TraceID == "" {
			if sc := trace.SpanContextFromContext(c.Request.Context()); sc.HasTraceID() {
				td.TraceID = sc.TraceID().String()
			} else {
				td.TraceID = td.RequestID
			}
		}
		td.Resource, td.ResourceID = resourceOf(c)

		c.Request = c.Request.WithContext(ctxutil.WithTraceData(c.Request.Context(), td))
		c.Writer.Header().Set(headerTraceID, td.TraceID)
		c.Writer.Header().Set(headerRequestID, td.RequestID)
		c.Next()
	}
}

func resourceOf(c *gin.Context) (string, string) {
	id := c.Param("id")
	if id == "" {
		return "", ""
	}
	switch route := c.FullPath(); {
	case strings.HasPrefix(route, "/api/jobs/"):
		return "job", id
	case strings.HasPrefix(route, "/api/documents/"):
		return "document", id
	}
	return "", ""
}
