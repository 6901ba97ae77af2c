package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/yungbote/contentforge-backend/internal/data/repos"
	"github.com/yungbote/contentforge-backend/internal/domain/jobs"
	"github.com/yungbote/contentforge-backend/internal/jobs/runtime"
	"github.com/yungbote/contentforge-backend/internal/platform/dbctx"
	"github.com/yungbote/contentforge-backend/internal/platform/logger"
	"github.com/yungbote/contentforge-backend/internal/platform/redislock"
)

type Config struct {
	Concurrency       int           `envconfig:"WORKER_CONCURRENCY" default:"4"`
	PollInterval      time.Duration `envconfig:"WORKER_POLL_INTERVAL" default:"1s"`
	StaleAfter        time.Duration `envconfig:"WORKER_STALE_AFTER" default:"15m"`
	HeartbeatInterval time.Duration `envconfig:"WORKER_HEARTBEAT_INTERVAL" default:"20s"`
}

type Worker struct {
	db       *gorm.DB
	log      *logger.Logger
	repos    repos.Set
	registry *runtime.Registry
	notify   runtime.Notifier
	locks    *redislock.Locker
	cfg      Config

	wg sync.WaitGroup
}

func NewWorker(db *gorm.DB, baseLog *logger.Logger, rs repos.Set, registry *runtime.Registry, notify runtime.Notifier, locks *redislock.Locker, cfg Config) *Worker {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 15 * time.Minute
	}
	if cfg.HeartbeatInterval <= 0 || cfg.HeartbeatInterval >= cfg.StaleAfter {
		cfg.HeartbeatInterval = cfg.StaleAfter / 3
	}
	return &Worker{
		db:       db,
		log:      baseLog.With("component", "JobWorker"),
		repos:    rs,
		registry: registry,
		notify:   notify,
		locks:    locks,
		cfg:      cfg,
	}
}

func (w *Worker) Start(ctx context.Context) {
	w.log.Info("Starting job worker pool", "concurrency", w.cfg.Concurrency, "kinds", w.registry.Types())
	for i := 0; i < w.cfg.Concurrency; i++ {
		workerID := i + 1
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			w.runLoop(ctx, workerID)
		}()
	}
}

// Wait blocks until every loop has returned after its context ended.
func (w *Worker) Wait() {
	w.wg.Wait()
}

func (w *Worker) runLoop(ctx context.Context, workerID int) {
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.log.Info("Worker loop stopped", "worker_id", workerID)
			return
		case <-ticker.C:
			// drain: keep claiming while there is work so a backlog is not paced by the ticker
			for ctx.Err() == nil {
				ran, err := w.RunOnce(ctx)
				if err != nil {
					w.log.Warn("job claim failed", "worker_id", workerID, "error", err)
					break
				}
				if !ran {
					break
				}
			}
		}
	}
}

// RunOnce claims at most one runnable job and drives it. It reports whether a job was
// claimed.
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.repos.Jobs.ClaimNextRunnable(dbctx.Context{Ctx: ctx}, w.cfg.StaleAfter)
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}
	w.execute(ctx, job)
	return true, nil
}

func (w *Worker) execute(ctx context.Context, job *jobs.Job) {
	log := w.log.With("job_id", job.ID, "kind", job.Kind)

	lock, err := w.locks.Obtain(ctx, job.ID.String())
	if err != nil || lock == nil {
		// another process is driving it; give the row back and let the lock holder finish
		log.Warn("job lock unavailable; releasing claim", "error", err)
		w.release(job)
		return
	}
	defer func() {
		if err := lock.Release(context.Background()); err != nil && !errors.Is(err, redislock.ErrNotHeld) {
			log.Warn("job lock release failed", "error", err)
		}
	}()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		w.heartbeat(runCtx, cancel, job, lock, log)
	}()

	jc := runtime.NewContext(runCtx, w.db, job, w.repos, w.notify, w.log)
	// the claim already moved the row to processing, so the run never reaches MarkProcessing
	jc.Event(jobs.EventProcessing, job.StageName, "", map[string]any{
		"attempt":      job.Attempts,
		"resume_stage": job.CurrentStage,
	})
	h, ok := w.registry.Get(string(job.Kind))
	if !ok {
		log.Warn("No handler registered for kind")
		jc.Fail("dispatch", &missingHandlerError{Kind: string(job.Kind)}, jobs.ErrorDetailInfo{StageIndex: job.CurrentStage})
		cancel()
		<-hbDone
		return
	}

	runErr := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				log.Error("Job handler panic", "panic", r)
				jc.Ctx = ctx
				cur := jc.Snapshot()
				jc.Fail(cur.StageName, &panicError{Val: r}, jobs.ErrorDetailInfo{StageIndex: cur.CurrentStage, Panic: true})
			}
		}()
		return h.Run(jc)
	}()
	cancel()
	<-hbDone

	if runErr != nil {
		// interrupted (shutdown or lost lock): leave the job resumable for the next claim
		log.Warn("job run interrupted; releasing claim", "stage", jc.Snapshot().StageName, "error", runErr)
		w.release(job)
	}
}

func (w *Worker) heartbeat(ctx context.Context, cancel context.CancelFunc, job *jobs.Job, lock *redislock.Lock, log *logger.Logger) {
	t := time.NewTicker(w.cfg.HeartbeatInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := w.repos.Jobs.Heartbeat(dbctx.Context{Ctx: ctx}, job.ID); err != nil && ctx.Err() == nil {
				log.Warn("job heartbeat failed", "error", err)
			}
			if err := lock.Refresh(ctx); err != nil && ctx.Err() == nil {
				if errors.Is(err, redislock.ErrNotHeld) {
					log.Error("job lock lost; stopping run")
					cancel()
					return
				}
				log.Warn("job lock refresh failed", "error", err)
			}
		}
	}
}

func (w *Worker) release(job *jobs.Job) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := w.repos.Jobs.Release(dbctx.Context{Ctx: ctx}, job.ID); err != nil {
		w.log.Warn("job release failed", "job_id", job.ID, "error", err)
	}
}

type missingHandlerError struct{ Kind string }

func (e *missingHandlerError) Error() string { return "no handler registered for kind=" + e.Kind }

type panicError struct{ Val any }

func (e *panicError) Error() string { return fmt.Sprintf("panic: %v", e.Val) }
