package services

import (
	"context"
	"time"

	"github.com/yungbote/contentforge-backend/internal/domain/jobs"
	jobrt "github.com/yungbote/contentforge-backend/internal/jobs/runtime"
	"github.com/yungbote/contentforge-backend/internal/platform/logger"
	"github.com/yungbote/contentforge-backend/internal/realtime"
	"github.com/yungbote/contentforge-backend/internal/realtime/bus"
)

const publishTimeout = 2 * time.Second

// JobNotifier fans job lifecycle changes out on the job's channel. With a bus every API
// instance receives the message through its forwarder; without one the local hub is used.
type JobNotifier interface {
	jobrt.Notifier
}

type jobNotifier struct {
	log *logger.Logger
	hub *realtime.SSEHub
	bus bus.Bus
}

// NewJobNotifier accepts a nil bus for single-instance deployments.
func NewJobNotifier(baseLog *logger.Logger, hub *realtime.SSEHub, b bus.Bus) JobNotifier {
	return &jobNotifier{
		log: baseLog.With("service", "JobNotifier"),
		hub: hub,
		bus: b,
	}
}

func (n *jobNotifier) JobCreated(job *jobs.Job) {
	n.publish(job, realtime.SSEEventJobCreated, map[string]any{"job": snapshot(job)})
}

func (n *jobNotifier) JobProgress(job *jobs.Job) {
	n.publish(job, realtime.SSEEventJobProgress, map[string]any{
		"job_id":   job.ID.String(),
		"kind":     string(job.Kind),
		"status":   string(job.Status),
		"stage":    job.StageName,
		"progress": job.Progress,
		"message":  job.Detail,
	})
}

func (n *jobNotifier) JobFailed(job *jobs.Job) {
	n.publish(job, realtime.SSEEventJobFailed, map[string]any{
		"job_id": job.ID.String(),
		"kind":   string(job.Kind),
		"stage":  job.StageName,
		"error":  job.Error,
	})
}

func (n *jobNotifier) JobCompleted(job *jobs.Job) {
	n.publish(job, realtime.SSEEventJobCompleted, map[string]any{"job": snapshot(job)})
}

func (n *jobNotifier) JobCancelled(job *jobs.Job) {
	n.publish(job, realtime.SSEEventJobCancelled, map[string]any{
		"job_id": job.ID.String(),
		"kind":   string(job.Kind),
		"stage":  job.StageName,
	})
}

func (n *jobNotifier) publish(job *jobs.Job, event realtime.SSEEvent, data map[string]any) {
	if job == nil {
		return
	}
	msg := realtime.SSEMessage{Channel: realtime.JobChannel(job.ID.String()), Event: event, Data: data}
	if n.bus != nil {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		defer cancel()
		err := n.bus.Publish(ctx, msg)
		if err == nil {
			return
		}
		n.log.Warn("bus publish failed; broadcasting locally", "job_id", job.ID, "event", event, "error", err)
	}
	if n.hub != nil {
		n.hub.Broadcast(msg)
	}
}

// snapshot is the job without its input and quality blobs, which clients fetch on demand.
func snapshot(job *jobs.Job) map[string]any {
	out := map[string]any{
		"id":            job.ID.String(),
		"kind":          string(job.Kind),
		"status":        string(job.Status),
		"current_stage": job.CurrentStage,
		"stage_name":    job.StageName,
		"progress":      job.Progress,
		"detail":        job.Detail,
		"created_at":    job.CreatedAt,
	}
	if job.CompletedAt != nil {
		out["completed_at"] = *job.CompletedAt
	}
	return out
}
