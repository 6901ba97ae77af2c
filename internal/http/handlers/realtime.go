package handlers

import (
	"github.com/gin-gonic/gin"

	"github.com/yungbote/contentforge-backend/internal/platform/dbctx"
	"github.com/yungbote/contentforge-backend/internal/platform/logger"
	"github.com/yungbote/contentforge-backend/internal/realtime"
	"github.com/yungbote/contentforge-backend/internal/services"
)

type RealtimeHandler struct {
	Log  *logger.Logger
	Hub  *realtime.SSEHub
	jobs services.JobService
}

func NewRealtimeHandler(log *logger.Logger, hub *realtime.SSEHub, jobs services.JobService) *RealtimeHandler {
	return &RealtimeHandler{
		Log:  log.With("handler", "RealtimeHandler"),
		Hub:  hub,
		jobs: jobs,
	}
}

// GET /api/jobs/:id/stream
// Each connection is its own session: it gets its own failure debouncer and is closed when
// the request ends.
func (h *RealtimeHandler) JobStream(c *gin.Context) {
	id, ok := pathUUID(c, "id", "invalid_job_id")
	if !ok {
		return
	}
	if _, err := h.jobs.Get(dbctx.Context{Ctx: c.Request.Context()}, id); err != nil {
		respondErr(c, err)
		return
	}

	client := h.Hub.NewSSEClient()
	h.Hub.AddChannel(client, realtime.JobChannel(id.String()))
	h.Log.Debug("job stream open", "job_id", id, "client_id", client.ID)

	h.Hub.ServeHTTP(c.Writer, c.Request, client)

	h.Hub.CloseClient(client)
	h.Log.Debug("job stream closed", "job_id", id, "client_id", client.ID)
}
