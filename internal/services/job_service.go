package services

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/yungbote/contentforge-backend/internal/data/repos"
	jobrepo "github.com/yungbote/contentforge-backend/internal/data/repos/jobs"
	"github.com/yungbote/contentforge-backend/internal/domain/jobs"
	"github.com/yungbote/contentforge-backend/internal/jobs/orchestrator"
	jobrt "github.com/yungbote/contentforge-backend/internal/jobs/runtime"
	"github.com/yungbote/contentforge-backend/internal/platform/ctxutil"
	"github.com/yungbote/contentforge-backend/internal/platform/dbctx"
	"github.com/yungbote/contentforge-backend/internal/platform/logger"
	"github.com/yungbote/contentforge-backend/internal/quality"
)

// JobStatus is the poller view of a job. It is assembled from committed rows only.
type JobStatus struct {
	ID              uuid.UUID                  `json:"id"`
	Kind            jobs.Kind                  `json:"kind"`
	Status          jobs.Status                `json:"status"`
	CurrentStage    int                        `json:"current_stage"`
	StageName       string                     `json:"stage_name,omitempty"`
	Progress        int                        `json:"progress"`
	Detail          string                     `json:"detail,omitempty"`
	CancelRequested bool                       `json:"cancel_requested"`
	PartialOutputs  map[string]json.RawMessage `json:"partial_outputs"`
	Error           string                     `json:"error,omitempty"`
	ErrorDetail     json.RawMessage            `json:"error_detail,omitempty"`
	Quality         json.RawMessage            `json:"quality,omitempty"`
	RetryCount      int                        `json:"retry_count"`
	RewriteCount    int                        `json:"rewrite_count"`
	CreatedAt       time.Time                  `json:"created_at"`
	CompletedAt     *time.Time                 `json:"completed_at,omitempty"`
}

type RetryOptions struct {
	// FromStart discards every stage output and restarts at stage 0.
	FromStart bool
}

type JobService interface {
	Create(dbc dbctx.Context, kind jobs.Kind, input json.RawMessage) (*jobs.Job, error)
	Get(dbc dbctx.Context, id uuid.UUID) (*jobs.Job, error)
	List(dbc dbctx.Context, filter jobrepo.ListFilter) ([]*jobs.Job, error)
	GetStatus(dbc dbctx.Context, id uuid.UUID) (*JobStatus, error)
	Output(dbc dbctx.Context, id uuid.UUID, stage string) (json.RawMessage, error)
	Events(dbc dbctx.Context, id uuid.UUID, limit int) ([]*jobs.Event, error)
	Cancel(dbc dbctx.Context, id uuid.UUID) (*jobs.Job, error)
	Retry(dbc dbctx.Context, id uuid.UUID, opts RetryOptions) (*jobs.Job, error)
	Rewrite(dbc dbctx.Context, id uuid.UUID) (*jobs.Job, error)
}

type jobService struct {
	db      *gorm.DB
	log     *logger.Logger
	repos   repos.Set
	catalog *orchestrator.Catalog
	notify  jobrt.Notifier
}

func NewJobService(
	db *gorm.DB,
	baseLog *logger.Logger,
	rs repos.Set,
	catalog *orchestrator.Catalog,
	notify jobrt.Notifier,
) JobService {
	return &jobService{
		db:      db,
		log:     baseLog.With("service", "JobService"),
		repos:   rs,
		catalog: catalog,
		notify:  notify,
	}
}

func (s *jobService) Create(dbc dbctx.Context, kind jobs.Kind, input json.RawMessage) (*jobs.Job, error) {
	if !kind.Valid() {
		return nil, &ValidationError{Field: "kind", Reason: fmt.Sprintf("%q is not a job kind", kind)}
	}
	normalized, err := s.catalog.NormalizeInput(kind, input)
	if err != nil {
		return nil, validationFrom(err)
	}
	job := &jobs.Job{
		ID:     uuid.New(),
		Kind:   kind,
		Status: jobs.StatusPending,
		Input:  datatypes.JSON(normalized),
		Detail: "Queued",
	}
	if _, err := s.repos.Jobs.Create(dbc, job); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}

	data := map[string]any{}
	if td := ctxutil.GetTraceData(dbc.Ctx); td != nil {
		if td.TraceID != "" {
			data["trace_id"] = td.TraceID
		}
		if td.RequestID != "" {
			data["request_id"] = td.RequestID
		}
	}
	s.event(dbc, job, jobs.EventCreated, "", data)
	s.log.Info("job created", "job_id", job.ID, "kind", kind)
	if s.notify != nil {
		s.notify.JobCreated(job)
	}
	return job, nil
}

func (s *jobService) Get(dbc dbctx.Context, id uuid.UUID) (*jobs.Job, error) {
	job, err := s.repos.Jobs.GetByID(dbc, id)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, ErrJobNotFound
	}
	return job, nil
}

func (s *jobService) List(dbc dbctx.Context, filter jobrepo.ListFilter) ([]*jobs.Job, error) {
	if filter.Kind != "" && !filter.Kind.Valid() {
		return nil, &ValidationError{Field: "kind", Reason: fmt.Sprintf("%q is not a job kind", filter.Kind)}
	}
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, &ValidationError{Field: "status", Reason: fmt.Sprintf("%q is not a job status", filter.Status)}
	}
	return s.repos.Jobs.List(dbc, filter)
}

func (s *jobService) GetStatus(dbc dbctx.Context, id uuid.UUID) (*JobStatus, error) {
	job, err := s.Get(dbc, id)
	if err != nil {
		return nil, err
	}
	outs, err := s.repos.StageOutputs.ListByJob(dbc, id)
	if err != nil {
		return nil, fmt.Errorf("list stage outputs: %w", err)
	}
	st := &JobStatus{
		ID:              job.ID,
		Kind:            job.Kind,
		Status:          job.Status,
		CurrentStage:    job.CurrentStage,
		StageName:       job.StageName,
		Progress:        job.Progress,
		Detail:          job.Detail,
		CancelRequested: job.CancelRequested,
		PartialOutputs:  make(map[string]json.RawMessage, len(outs)),
		RetryCount:      job.RetryCount,
		RewriteCount:    job.RewriteCount,
		CreatedAt:       job.CreatedAt,
		CompletedAt:     job.CompletedAt,
	}
	for _, o := range outs {
		st.PartialOutputs[o.Stage] = json.RawMessage(o.Data)
	}
	if job.Status == jobs.StatusFailed {
		st.Error = job.Error
		if len(job.ErrorDetail) > 0 {
			st.ErrorDetail = json.RawMessage(job.ErrorDetail)
		}
	}
	if len(job.Quality) > 0 && string(job.Quality) != "null" {
		st.Quality = json.RawMessage(job.Quality)
	}
	return st, nil
}

func (s *jobService) Output(dbc dbctx.Context, id uuid.UUID, stage string) (json.RawMessage, error) {
	if _, err := s.Get(dbc, id); err != nil {
		return nil, err
	}
	out, err := s.repos.StageOutputs.Get(dbc, id, stage)
	if err != nil {
		return nil, err
	}
	if out == nil {
		return nil, ErrStageOutputNotFound
	}
	return json.RawMessage(out.Data), nil
}

func (s *jobService) Events(dbc dbctx.Context, id uuid.UUID, limit int) ([]*jobs.Event, error) {
	if _, err := s.Get(dbc, id); err != nil {
		return nil, err
	}
	return s.repos.Events.ListByJob(dbc, id, limit)
}

// Cancel stops a pending job outright. A processing job only gets its flag raised; the
// engine honours it at the next stage boundary.
func (s *jobService) Cancel(dbc dbctx.Context, id uuid.UUID) (*jobs.Job, error) {
	job, err := s.Get(dbc, id)
	if err != nil {
		return nil, err
	}

	ok, err := s.repos.Jobs.UpdateFieldsIfStatus(dbc, id, []string{string(jobs.StatusPending)}, map[string]interface{}{
		"status":           jobs.StatusCancelled,
		"cancel_requested": true,
		"detail":           "",
	})
	if err != nil {
		return nil, err
	}
	if ok {
		job, err = s.Get(dbc, id)
		if err != nil {
			return nil, err
		}
		s.event(dbc, job, jobs.EventCancelled, "", nil)
		s.log.Info("pending job cancelled", "job_id", id)
		if s.notify != nil {
			s.notify.JobCancelled(job)
		}
		return job, nil
	}

	ok, err = s.repos.Jobs.UpdateFieldsIfStatus(dbc, id, []string{string(jobs.StatusProcessing)}, map[string]interface{}{
		"cancel_requested": true,
	})
	if err != nil {
		return nil, err
	}
	if !ok {
		// the row moved on between the read and the writes
		if fresh, gerr := s.Get(dbc, id); gerr == nil {
			job = fresh
		}
		return nil, &TransitionError{Op: "cancel", Status: job.Status}
	}
	job, err = s.Get(dbc, id)
	if err != nil {
		return nil, err
	}
	s.event(dbc, job, jobs.EventCancelRequested, job.StageName, nil)
	s.log.Info("cancel requested", "job_id", id, "stage", job.StageName)
	return job, nil
}

// Retry re-queues a failed job at the stage that failed, reusing every committed output.
// With FromStart the outputs are discarded and the job starts over.
func (s *jobService) Retry(dbc dbctx.Context, id uuid.UUID, opts RetryOptions) (*jobs.Job, error) {
	job, err := s.Get(dbc, id)
	if err != nil {
		return nil, err
	}
	if job.Status != jobs.StatusFailed {
		return nil, &TransitionError{Op: "retry", Status: job.Status}
	}

	updates := map[string]interface{}{
		"status":           jobs.StatusProcessing,
		"error":            "",
		"error_detail":     nil,
		"detail":           "Queued for retry",
		"cancel_requested": false,
		"retry_count":      gorm.Expr("retry_count + 1"),
		"locked_at":        nil,
		"heartbeat_at":     nil,
	}
	if opts.FromStart {
		updates["current_stage"] = 0
		updates["stage_name"] = ""
		updates["progress"] = 0
		updates["quality"] = nil
		updates["rewrite_feedback"] = nil
	}

	err = dbc.DB(s.db).Transaction(func(txx *gorm.DB) error {
		inner := dbctx.Context{Ctx: dbc.Ctx, Tx: txx}
		ok, err := s.repos.Jobs.UpdateFieldsIfStatus(inner, id, []string{string(jobs.StatusFailed)}, updates)
		if err != nil {
			return err
		}
		if !ok {
			return &TransitionError{Op: "retry", Status: job.Status, Reason: "status changed concurrently"}
		}
		if opts.FromStart {
			return s.repos.StageOutputs.DeleteByJob(inner, id)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	job, err = s.Get(dbc, id)
	if err != nil {
		return nil, err
	}
	s.event(dbc, job, jobs.EventRetried, job.StageName, map[string]any{"from_start": opts.FromStart, "stage_index": job.CurrentStage})
	s.log.Info("job retried", "job_id", id, "stage_index", job.CurrentStage, "from_start", opts.FromStart)
	if s.notify != nil {
		s.notify.JobProgress(job)
	}
	return job, nil
}

// Rewrite sends a completed job whose quality check failed back to its final assembly
// stage with the unmet criteria attached. Earlier stages are not run again.
func (s *jobService) Rewrite(dbc dbctx.Context, id uuid.UUID) (*jobs.Job, error) {
	job, err := s.Get(dbc, id)
	if err != nil {
		return nil, err
	}
	if job.Status != jobs.StatusCompleted {
		return nil, &TransitionError{Op: "rewrite", Status: job.Status}
	}
	p, ok := s.catalog.Get(job.Kind)
	if !ok || p.FinalAssemblyIndex() < 0 || !p.HasGate() {
		return nil, &TransitionError{Op: "rewrite", Status: job.Status, Reason: fmt.Sprintf("%s jobs have no quality check", job.Kind)}
	}
	var res quality.Result
	if len(job.Quality) == 0 || json.Unmarshal(job.Quality, &res) != nil {
		return nil, &TransitionError{Op: "rewrite", Status: job.Status, Reason: "no quality result recorded"}
	}
	if res.Passed {
		return nil, &TransitionError{Op: "rewrite", Status: job.Status, Reason: "quality check already passed"}
	}

	idx := p.FinalAssemblyIndex()
	stage := p.Stages[idx]
	fb, err := json.Marshal(orchestrator.RewriteFeedback{
		Stage:        stage.Name,
		Attempt:      job.RewriteCount + 1,
		Instructions: res.Feedback(),
		Unmet:        res.Unmet,
	})
	if err != nil {
		return nil, err
	}
	ok, err = s.repos.Jobs.UpdateFieldsIfStatus(dbc, id, []string{string(jobs.StatusCompleted)}, map[string]interface{}{
		"status":           jobs.StatusProcessing,
		"current_stage":    idx,
		"stage_name":       stage.Name,
		"progress":         stage.StartPct,
		"detail":           "Queued for rewrite",
		"rewrite_feedback": datatypes.JSON(fb),
		"rewrite_count":    gorm.Expr("rewrite_count + 1"),
		"cancel_requested": false,
		"completed_at":     nil,
		"locked_at":        nil,
		"heartbeat_at":     nil,
	})
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &TransitionError{Op: "rewrite", Status: job.Status, Reason: "status changed concurrently"}
	}

	job, err = s.Get(dbc, id)
	if err != nil {
		return nil, err
	}
	s.event(dbc, job, jobs.EventRewriteRequested, stage.Name, map[string]any{"attempt": job.RewriteCount, "unmet": len(res.Unmet)})
	s.log.Info("rewrite requested", "job_id", id, "stage", stage.Name, "attempt", job.RewriteCount)
	if s.notify != nil {
		s.notify.JobProgress(job)
	}
	return job, nil
}

// event appends to the ledger. A ledger failure never fails the transition it records.
func (s *jobService) event(dbc dbctx.Context, job *jobs.Job, kind jobs.EventKind, stage string, data map[string]any) {
	ev := &jobs.Event{
		JobID:    job.ID,
		Kind:     kind,
		Status:   job.Status,
		Stage:    stage,
		Progress: job.Progress,
	}
	if len(data) > 0 {
		if b, err := json.Marshal(data); err == nil {
			ev.Data = datatypes.JSON(b)
		}
	}
	if err := s.repos.Events.Append(dbctx.Context{Ctx: dbc.Ctx}, ev); err != nil {
		s.log.Warn("job event append failed", "job_id", job.ID, "event", kind, "error", err)
	}
}

// IsNotFound reports whether err is one of the service not-found errors.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrJobNotFound) || errors.Is(err, ErrDocumentNotFound) || errors.Is(err, ErrStageOutputNotFound)
}
