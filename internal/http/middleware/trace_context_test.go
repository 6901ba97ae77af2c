package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yungbote/contentforge-backend/internal/platform/ctxutil"
)

func TestAttachTraceContextPropagatesIDs(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(AttachTraceContext())
	var seen *ctxutil.TraceData
	r.GET("/x", func(c *gin.Context) {
		seen = ctxutil.GetTraceData(c.Request.Context())
		c.Status(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set(headerRequestID, "req-1")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	require.NotNil(t, seen)
	assert.Equal(t, "req-1", seen.RequestID)
	assert.NotEmpty(t, seen.TraceID)
	assert.Equal(t, "req-1", rec.Header().Get(headerRequestID))
	assert.Equal(t, seen.TraceID, rec.Header().Get(headerTraceID))
}

func TestAttachTraceContextRecordsResource(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(AttachTraceContext())
	var seen *ctxutil.TraceData
	capture := func(c *gin.Context) {
		seen = ctxutil.GetTraceData(c.Request.Context())
		c.Status(http.StatusOK)
	}
	r.GET("/api/jobs/:id", capture)
	r.GET("/api/documents/:id", capture)
	r.GET("/healthcheck", capture)

	cases := []struct {
		path, resource, id string
	}{
		{"/api/jobs/j-1", "job", "j-1"},
		{"/api/documents/d-1", "document", "d-1"},
		{"/healthcheck", "", ""},
	}
	for _, tc := range cases {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tc.path, nil))
		require.NotNil(t, seen, tc.path)
		assert.Equal(t, tc.resource, seen.Resource, tc.path)
		assert.Equal(t, tc.id, seen.ResourceID, tc.path)
		assert.Equal(t, seen.RequestID, seen.TraceID, "trace id falls back to the request id without a span")
	}
}
