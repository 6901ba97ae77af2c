package app

import (
	"gorm.io/gorm"

	"github.com/yungbote/contentforge-backend/internal/http"
	httpH "github.com/yungbote/contentforge-backend/internal/http/handlers"
	"github.com/yungbote/contentforge-backend/internal/observability"
	"github.com/yungbote/contentforge-backend/internal/platform/logger"
	"github.com/yungbote/contentforge-backend/internal/realtime"
)

type Handlers struct {
	Health   *httpH.HealthHandler
	Realtime *httpH.RealtimeHandler
	Job      *httpH.JobHandler
	Document *httpH.DocumentHandler
}

func wireHandlers(log *logger.Logger, db *gorm.DB, services Services, sseHub *realtime.SSEHub) Handlers {
	log.Info("Wiring handlers...")
	return Handlers{
		Health:   httpH.NewHealthHandler(db),
		Realtime: httpH.NewRealtimeHandler(log, sseHub, services.JobService),
		Job:      httpH.NewJobHandler(services.JobService),
		Document: httpH.NewDocumentHandler(services.Documents),
	}
}

func wireServer(log *logger.Logger, cfg Config, handlers Handlers, metrics *observability.Metrics) *http.Server {
	serviceName := ""
	if cfg.Otel.Enabled {
		serviceName = cfg.Otel.ServiceName
	}
	return http.NewServer(http.RouterConfig{
		Log:             log,
		ServiceName:     serviceName,
		CORSOrigins:     cfg.CORSOrigins,
		Metrics:         metrics,
		JobHandler:      handlers.Job,
		DocumentHandler: handlers.Document,
		RealtimeHandler: handlers.Realtime,
		HealthHandler:   handlers.Health,
	})
}
