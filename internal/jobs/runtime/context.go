package runtime

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/yungbote/contentforge-backend/internal/data/repos"
	"github.com/yungbote/contentforge-backend/internal/domain/jobs"
	"github.com/yungbote/contentforge-backend/internal/observability"
	"github.com/yungbote/contentforge-backend/internal/platform/ctxutil"
	"github.com/yungbote/contentforge-backend/internal/platform/dbctx"
	"github.com/yungbote/contentforge-backend/internal/platform/logger"
)

// Notifier receives job lifecycle side effects (SSE fan-out). Implementations must not block.
type Notifier interface {
	JobCreated(job *jobs.Job)
	JobProgress(job *jobs.Job)
	JobFailed(job *jobs.Job)
	JobCompleted(job *jobs.Job)
	JobCancelled(job *jobs.Job)
}

/*
Context is the execution handle for one claimed job run.
Pipelines never write generation_job directly: every lifecycle write goes through
Progress, Fail, Complete or Cancel, each of which is a single guarded UPDATE that refuses
to touch a job that is already terminal.

Sub-item fan-out calls Progress and Event from many goroutines. Copies of a Context share
one lock, and every read or write of Job inside these methods holds it.
*/
type Context struct {
	Ctx     context.Context
	DB      *gorm.DB
	Job     *jobs.Job
	Repo    repos.JobRepo
	Outputs repos.StageOutputRepo
	Events  repos.EventRepo
	Notify  Notifier
	Log     *logger.Logger
	Metrics *observability.Metrics

	mu *sync.Mutex
}

func NewContext(ctx context.Context, db *gorm.DB, job *jobs.Job, rs repos.Set, notify Notifier, log *logger.Logger) *Context {
	if log == nil {
		log = logger.Nop()
	}
	c := &Context{
		Ctx:     ctxutil.Default(ctx),
		DB:      db,
		Job:     job,
		Repo:    rs.Jobs,
		Outputs: rs.StageOutputs,
		Events:  rs.Events,
		Notify:  notify,
		Log:     log,
		Metrics: observability.Current(),
		mu:      &sync.Mutex{},
	}
	if job != nil {
		c.Log = log.With("job_id", job.ID, "kind", job.Kind)
	}
	return c
}

func (c *Context) lock() func() {
	if c.mu == nil {
		return func() {}
	}
	c.mu.Lock()
	return c.mu.Unlock
}

// notifyCopy hands the notifier a copy so later writes never race with its reads.
func (c *Context) notifyCopy(fn func(Notifier, *jobs.Job)) {
	if c.Notify == nil {
		return
	}
	snap := *c.Job
	fn(c.Notify, &snap)
}

func (c *Context) dbc() dbctx.Context {
	return dbctx.Context{Ctx: ctxutil.Default(c.Ctx)}
}

// Input decodes the immutable submission parameters into v.
func (c *Context) Input(v any) error {
	if c.Job == nil || len(c.Job.Input) == 0 {
		return nil
	}
	return json.Unmarshal(c.Job.Input, v)
}

// Refresh reloads the job row. It returns nil when the row no longer exists.
func (c *Context) Refresh() (*jobs.Job, error) {
	if c.Job == nil || c.Repo == nil {
		return c.Job, nil
	}
	fresh, err := c.Repo.GetByID(c.dbc(), c.JobID())
	if err != nil {
		return nil, err
	}
	if fresh != nil {
		defer c.lock()()
		c.Job = fresh
		snap := *fresh
		return &snap, nil
	}
	return nil, nil
}

// Event appends to the job ledger. Ledger failures are logged, never fatal.
func (c *Context) Event(kind jobs.EventKind, stage, msg string, data any) {
	if c.Job == nil || c.Events == nil {
		return
	}
	defer c.lock()()
	c.event(kind, stage, msg, data)
}

func (c *Context) event(kind jobs.EventKind, stage, msg string, data any) {
	if c.Events == nil {
		return
	}
	ev := &jobs.Event{
		JobID:    c.Job.ID,
		Kind:     kind,
		Status:   c.Job.Status,
		Stage:    stage,
		Progress: c.Job.Progress,
		Message:  msg,
	}
	if data != nil {
		if b, err := json.Marshal(data); err == nil {
			ev.Data = datatypes.JSON(b)
		}
	}
	if err := c.Events.Append(c.dbc(), ev); err != nil {
		c.Log.Warn("job event append failed", "event", kind, "stage", stage, "error", err)
	}
}

// MarkProcessing moves a pending job to processing.
func (c *Context) MarkProcessing() (bool, error) {
	if c.Job == nil {
		return false, nil
	}
	defer c.lock()()
	now := time.Now().UTC()
	ok, err := c.Repo.UpdateFieldsIfStatus(c.dbc(), c.Job.ID, []string{string(jobs.StatusPending)}, map[string]interface{}{
		"status":       jobs.StatusProcessing,
		"heartbeat_at": now,
	})
	if err != nil || !ok {
		return ok, err
	}
	c.Job.Status = jobs.StatusProcessing
	c.Job.HeartbeatAt = &now
	c.event(jobs.EventProcessing, "", "", nil)
	return true, nil
}

// Progress records a non-terminal status update. Progress never moves backwards: the
// stored value is only raised.
func (c *Context) Progress(stage string, pct int, msg string) {
	if c == nil || c.Job == nil || c.Repo == nil {
		return
	}
	if pct < 0 {
		pct = 0
	}
	if pct > 99 {
		pct = 99
	}
	defer c.lock()()
	now := time.Now().UTC()
	ok, err := c.Repo.UpdateFieldsUnlessStatus(c.dbc(), c.Job.ID, jobs.TerminalStatuses, map[string]interface{}{
		"stage_name":   stage,
		"progress":     gorm.Expr("CASE WHEN progress < ? THEN ? ELSE progress END", pct, pct),
		"detail":       msg,
		"heartbeat_at": now,
	})
	if err != nil {
		c.Log.Warn("job progress update failed", "stage", stage, "error", err)
		return
	}
	if !ok {
		return
	}
	c.Job.StageName = stage
	if pct > c.Job.Progress {
		c.Job.Progress = pct
	}
	c.Job.Detail = msg
	c.Job.HeartbeatAt = &now
	c.notifyCopy(Notifier.JobProgress)
}

// StageCommitted mirrors a committed stage advance onto the in-memory job and notifies.
func (c *Context) StageCommitted(next int, stage string, pct int, msg string, at time.Time) {
	if c == nil || c.Job == nil {
		return
	}
	defer c.lock()()
	c.Job.CurrentStage = next
	c.Job.StageName = stage
	if pct > c.Job.Progress {
		c.Job.Progress = pct
	}
	c.Job.Detail = msg
	c.Job.HeartbeatAt = &at
	c.event(jobs.EventStageCompleted, stage, msg, nil)
	c.notifyCopy(Notifier.JobProgress)
}

// Fail marks the job failed. CurrentStage is left pointing at the stage that failed so a
// retry resumes there.
func (c *Context) Fail(stage string, err error, detail jobs.ErrorDetailInfo) {
	if c == nil || c.Job == nil || c.Repo == nil {
		return
	}
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	detail.Stage = stage
	if detail.Cause == "" {
		detail.Cause = msg
	}
	rawDetail, _ := json.Marshal(detail)
	defer c.lock()()
	ok, uerr := c.Repo.UpdateFieldsUnlessStatus(c.dbc(), c.Job.ID, jobs.TerminalStatuses, map[string]interface{}{
		"status":       jobs.StatusFailed,
		"stage_name":   stage,
		"detail":       "",
		"error":        msg,
		"error_detail": datatypes.JSON(rawDetail),
		"locked_at":    nil,
		"heartbeat_at": nil,
	})
	if uerr != nil {
		c.Log.Error("job fail update failed", "stage", stage, "error", uerr)
		return
	}
	if !ok {
		return
	}
	c.Job.Status = jobs.StatusFailed
	c.Job.StageName = stage
	c.Job.Detail = ""
	c.Job.Error = msg
	c.Job.ErrorDetail = datatypes.JSON(rawDetail)
	c.Job.LockedAt = nil
	c.Log.Error("job failed", "stage", stage, "error", msg)
	c.event(jobs.EventFailed, stage, msg, detail)
	c.Metrics.IncJobTerminal(string(c.Job.Kind), string(jobs.StatusFailed))
	c.notifyCopy(Notifier.JobFailed)
}

// Complete marks the job completed with an optional quality result.
func (c *Context) Complete(quality any) bool {
	if c == nil || c.Job == nil || c.Repo == nil {
		return false
	}
	now := time.Now().UTC()
	var q datatypes.JSON
	if quality != nil {
		b, _ := json.Marshal(quality)
		q = datatypes.JSON(b)
	}
	defer c.lock()()
	ok, err := c.Repo.UpdateFieldsUnlessStatus(c.dbc(), c.Job.ID, jobs.TerminalStatuses, map[string]interface{}{
		"status":           jobs.StatusCompleted,
		"progress":         100,
		"detail":           "",
		"error":            "",
		"error_detail":     nil,
		"quality":          q,
		"rewrite_feedback": nil,
		"completed_at":     now,
		"locked_at":        nil,
		"heartbeat_at":     nil,
	})
	if err != nil {
		c.Log.Error("job complete update failed", "error", err)
		return false
	}
	if !ok {
		return false
	}
	c.Job.Status = jobs.StatusCompleted
	c.Job.Progress = 100
	c.Job.Detail = ""
	c.Job.Error = ""
	c.Job.ErrorDetail = nil
	c.Job.Quality = q
	c.Job.RewriteFeedback = nil
	c.Job.CompletedAt = &now
	c.Job.LockedAt = nil
	c.Log.Info("job completed")
	c.event(jobs.EventCompleted, c.Job.StageName, "", nil)
	c.Metrics.IncJobTerminal(string(c.Job.Kind), string(jobs.StatusCompleted))
	c.notifyCopy(Notifier.JobCompleted)
	return true
}

// Cancel honours a cancellation request at a stage boundary.
func (c *Context) Cancel(stage string) bool {
	if c == nil || c.Job == nil || c.Repo == nil {
		return false
	}
	defer c.lock()()
	ok, err := c.Repo.UpdateFieldsUnlessStatus(c.dbc(), c.Job.ID, jobs.TerminalStatuses, map[string]interface{}{
		"status":       jobs.StatusCancelled,
		"detail":       "",
		"locked_at":    nil,
		"heartbeat_at": nil,
	})
	if err != nil {
		c.Log.Error("job cancel update failed", "stage", stage, "error", err)
		return false
	}
	if !ok {
		return false
	}
	c.Job.Status = jobs.StatusCancelled
	c.Job.Detail = ""
	c.Job.LockedAt = nil
	c.Log.Info("job cancelled", "next_stage", stage)
	c.event(jobs.EventCancelled, stage, "", nil)
	c.Metrics.IncJobTerminal(string(c.Job.Kind), string(jobs.StatusCancelled))
	c.notifyCopy(Notifier.JobCancelled)
	return true
}

// Snapshot copies the in-memory job under the lock.
func (c *Context) Snapshot() jobs.Job {
	if c == nil || c.Job == nil {
		return jobs.Job{}
	}
	defer c.lock()()
	return *c.Job
}

func (c *Context) JobID() uuid.UUID {
	if c == nil || c.Job == nil {
		return uuid.Nil
	}
	return c.Job.ID
}
