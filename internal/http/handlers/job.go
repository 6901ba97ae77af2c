package handlers

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	jobrepo "github.com/yungbote/contentforge-backend/internal/data/repos/jobs"
	"github.com/yungbote/contentforge-backend/internal/domain/jobs"
	"github.com/yungbote/contentforge-backend/internal/http/response"
	"github.com/yungbote/contentforge-backend/internal/platform/dbctx"
	"github.com/yungbote/contentforge-backend/internal/services"
)

type JobHandler struct {
	jobs services.JobService
}

func NewJobHandler(jobs services.JobService) *JobHandler {
	return &JobHandler{jobs: jobs}
}

type createJobRequest struct {
	Kind  jobs.Kind       `json:"kind" binding:"required"`
	Input json.RawMessage `json:"input"`
}

// POST /api/jobs
func (h *JobHandler) CreateJob(c *gin.Context) {
	var req createJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadBody(c, err)
		return
	}
	job, err := h.jobs.Create(dbctx.Context{Ctx: c.Request.Context()}, req.Kind, req.Input)
	if err != nil {
		respondErr(c, err)
		return
	}
	response.RespondCreated(c, gin.H{"job": job})
}

// GET /api/jobs
func (h *JobHandler) ListJobs(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	out, err := h.jobs.List(dbctx.Context{Ctx: c.Request.Context()}, jobrepo.ListFilter{
		Kind:   jobs.Kind(strings.TrimSpace(c.Query("kind"))),
		Status: jobs.Status(strings.TrimSpace(c.Query("status"))),
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		respondErr(c, err)
		return
	}
	response.RespondOK(c, gin.H{"jobs": out})
}

// GET /api/jobs/:id
func (h *JobHandler) GetJob(c *gin.Context) {
	id, ok := pathUUID(c, "id", "invalid_job_id")
	if !ok {
		return
	}
	st, err := h.jobs.GetStatus(dbctx.Context{Ctx: c.Request.Context()}, id)
	if err != nil {
		respondErr(c, err)
		return
	}
	response.RespondOK(c, st)
}

// GET /api/jobs/:id/outputs/:stage
func (h *JobHandler) GetOutput(c *gin.Context) {
	id, ok := pathUUID(c, "id", "invalid_job_id")
	if !ok {
		return
	}
	stage := strings.TrimSpace(c.Param("stage"))
	out, err := h.jobs.Output(dbctx.Context{Ctx: c.Request.Context()}, id, stage)
	if err != nil {
		respondErr(c, err)
		return
	}
	response.RespondOK(c, gin.H{"stage": stage, "output": out})
}

// GET /api/jobs/:id/events
func (h *JobHandler) ListEvents(c *gin.Context) {
	id, ok := pathUUID(c, "id", "invalid_job_id")
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "500"))
	evs, err := h.jobs.Events(dbctx.Context{Ctx: c.Request.Context()}, id, limit)
	if err != nil {
		respondErr(c, err)
		return
	}
	response.RespondOK(c, gin.H{"events": evs})
}

// POST /api/jobs/:id/cancel
func (h *JobHandler) CancelJob(c *gin.Context) {
	id, ok := pathUUID(c, "id", "invalid_job_id")
	if !ok {
		return
	}
	job, err := h.jobs.Cancel(dbctx.Context{Ctx: c.Request.Context()}, id)
	if err != nil {
		respondErr(c, err)
		return
	}
	response.RespondOK(c, gin.H{"job": job})
}

// POST /api/jobs/:id/retry
func (h *JobHandler) RetryJob(c *gin.Context) {
	id, ok := pathUUID(c, "id", "invalid_job_id")
	if !ok {
		return
	}
	opts := services.RetryOptions{FromStart: strings.EqualFold(c.Query("from"), "start")}
	job, err := h.jobs.Retry(dbctx.Context{Ctx: c.Request.Context()}, id, opts)
	if err != nil {
		respondErr(c, err)
		return
	}
	response.RespondOK(c, gin.H{"job": job})
}

// POST /api/jobs/:id/rewrite
func (h *JobHandler) RewriteJob(c *gin.Context) {
	id, ok := pathUUID(c, "id", "invalid_job_id")
	if !ok {
		return
	}
	job, err := h.jobs.Rewrite(dbctx.Context{Ctx: c.Request.Context()}, id)
	if err != nil {
		respondErr(c, err)
		return
	}
	response.RespondOK(c, gin.H{"job": job})
}
