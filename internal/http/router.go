package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	httpH "github.com/yungbote/contentforge-backend/internal/http/handlers"
	httpMW "github.com/yungbote/contentforge-backend/internal/http/middleware"
	"github.com/yungbote/contentforge-backend/internal/observability"
	"github.com/yungbote/contentforge-backend/internal/platform/logger"
)

type RouterConfig struct {
	Log         *logger.Logger
	ServiceName string
	CORSOrigins []string
	Metrics     *observability.Metrics

	JobHandler      *httpH.JobHandler
	DocumentHandler *httpH.DocumentHandler
	RealtimeHandler *httpH.RealtimeHandler
	HealthHandler   *httpH.HealthHandler
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	if cfg.ServiceName != "" {
		r.Use(otelgin.Middleware(cfg.ServiceName))
	}
	r.Use(httpMW.AttachTraceContext())
	r.Use(httpMW.RequestLogger(cfg.Log))
	r.Use(httpMW.Metrics(cfg.Metrics))
	r.Use(httpMW.CORS(cfg.CORSOrigins))

	// Health
	if cfg.HealthHandler != nil {
		r.GET("/healthcheck", cfg.HealthHandler.HealthCheck)
	}
	if cfg.Metrics != nil {
		r.GET("/metrics", gin.WrapH(cfg.Metrics.Handler()))
	}

	api := r.Group("/api")
	{
		// Jobs
		if cfg.JobHandler != nil {
			api.POST("/jobs", cfg.JobHandler.CreateJob)
			api.GET("/jobs", cfg.JobHandler.ListJobs)
			api.GET("/jobs/:id", cfg.JobHandler.GetJob)
			api.GET("/jobs/:id/outputs/:stage", cfg.JobHandler.GetOutput)
			api.GET("/jobs/:id/events", cfg.JobHandler.ListEvents)
			api.POST("/jobs/:id/cancel", cfg.JobHandler.CancelJob)
			api.POST("/jobs/:id/retry", cfg.JobHandler.RetryJob)
			api.POST("/jobs/:id/rewrite", cfg.JobHandler.RewriteJob)
		}

		// Realtime (SSE)
		if cfg.RealtimeHandler != nil {
			api.GET("/jobs/:id/stream", cfg.RealtimeHandler.JobStream)
		}

		// Context documents
		if cfg.DocumentHandler != nil {
			api.POST("/documents", cfg.DocumentHandler.CreateDocument)
			api.GET("/documents", cfg.DocumentHandler.ListDocuments)
			api.GET("/documents/:id", cfg.DocumentHandler.GetDocument)
			api.DELETE("/documents/:id", cfg.DocumentHandler.DeleteDocument)
			api.POST("/documents/:id/pin", cfg.DocumentHandler.PinDocument)
			api.POST("/context/preview", cfg.DocumentHandler.PreviewContext)
		}
	}

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": gin.H{"message": "route not found", "code": "not_found"}})
	})
	return r
}
