package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/yungbote/contentforge-backend/internal/domain/jobs"
	jobrt "github.com/yungbote/contentforge-backend/internal/jobs/runtime"
	"github.com/yungbote/contentforge-backend/internal/observability"
	"github.com/yungbote/contentforge-backend/internal/platform/dbctx"
	"github.com/yungbote/contentforge-backend/internal/platform/httpx"
	"github.com/yungbote/contentforge-backend/internal/quality"
)

// -------------------- Public API --------------------

type RetryPolicy struct {
	MaxAttempts int
	Retryable   func(err error) bool

	MinBackoff time.Duration // default 1s
	MaxBackoff time.Duration // default 30s
	JitterFrac float64       // default 0.20
}

type StageFunc func(ctx *jobrt.Context, st *State) (Output, error)

type Stage struct {
	Name     string
	Timeout  time.Duration
	StartPct int
	EndPct   int
	StartMsg string
	DoneMsg  string
	Retry    RetryPolicy
	Run      StageFunc
}

// GateFunc evaluates the finished artifact. A nil result means the kind has no gate.
type GateFunc func(ctx *jobrt.Context, st *State) (*quality.Result, error)

// CompleteFunc runs side effects after the gate and before the job is marked completed.
// It must be idempotent: a rewrite runs it again.
type CompleteFunc func(ctx *jobrt.Context, st *State, res *quality.Result) error

type Pipeline struct {
	Kind          jobs.Kind
	Stages        []Stage
	FinalAssembly string
	Gate          GateFunc
	OnComplete    CompleteFunc
	Input         InputFunc
}

func (p *Pipeline) StageIndex(name string) int {
	for i := range p.Stages {
		if p.Stages[i].Name == name {
			return i
		}
	}
	return -1
}

// StageName returns the name at idx, or the gate step name past the last stage.
func (p *Pipeline) StageName(idx int) string {
	if idx >= 0 && idx < len(p.Stages) {
		return p.Stages[idx].Name
	}
	return stepFinalize
}

const stepFinalize = "finalize"

type Engine struct {
	Sleep func(ctx context.Context, d time.Duration) error
	// TimeoutGrace is how long a timed-out stage attempt gets to return before the next
	// attempt starts. Default 5s.
	TimeoutGrace time.Duration
}

func (e *Engine) grace() time.Duration {
	if e.TimeoutGrace <= 0 {
		return 5 * time.Second
	}
	return e.TimeoutGrace
}

func NewEngine() *Engine {
	return &Engine{Sleep: httpx.Sleep}
}

var (
	errCancelRequested = errors.New("cancel requested")
	errJobTerminal     = errors.New("job is terminal")
)

// Run drives one job from its current stage to a terminal state. Calling Run again on the
// same job resumes at CurrentStage; stages before it are never executed again. A non-nil
// error means the run was interrupted (worker shutdown) and the job is still resumable.
func (e *Engine) Run(jc *jobrt.Context, p *Pipeline) error {
	if jc == nil || jc.Job == nil || p == nil {
		return nil
	}
	job, err := jc.Refresh()
	if err != nil {
		return err
	}
	if job == nil || job.Status.Terminal() {
		return nil
	}
	if job.Status == jobs.StatusPending {
		if _, err := jc.MarkProcessing(); err != nil {
			return err
		}
	}

	outs, err := jc.Outputs.ListByJob(dbctx.Context{Ctx: jc.Ctx}, job.ID)
	if err != nil {
		return err
	}
	st, err := newState(jc, outs)
	if err != nil {
		jc.Fail(p.StageName(job.CurrentStage), Permanent(err), jobs.ErrorDetailInfo{StageIndex: job.CurrentStage})
		return nil
	}

	ctx, span := observability.Tracer().Start(jc.Ctx, "job.run")
	span.SetAttributes(
		attribute.String("job.id", job.ID.String()),
		attribute.String("job.kind", string(job.Kind)),
		attribute.Int("job.start_stage", job.CurrentStage),
	)
	defer span.End()
	parent := jc.Ctx
	jc.Ctx = ctx
	defer func() { jc.Ctx = parent }()

	for i := job.CurrentStage; i < len(p.Stages); i++ {
		def := p.Stages[i]
		if e.boundary(jc, def.Name) {
			return nil
		}
		out, attempts, runErr := e.runStage(jc, st, def)
		if runErr != nil {
			if errors.Is(runErr, errCancelRequested) {
				jc.Cancel(def.Name)
				return nil
			}
			if interrupted(jc, runErr) {
				span.SetStatus(codes.Error, "interrupted")
				return runErr
			}
			span.RecordError(runErr)
			span.SetStatus(codes.Error, def.Name)
			jc.Fail(def.Name, runErr, jobs.ErrorDetailInfo{
				StageIndex: i,
				Attempts:   attempts,
				Panic:      isPanic(runErr),
				Upstream:   upstreamOf(runErr),
			})
			return nil
		}
		if err := e.commit(jc, st, i, def, out); err != nil {
			if errors.Is(err, errJobTerminal) {
				return nil
			}
			if interrupted(jc, err) {
				return err
			}
			jc.Fail(def.Name, fmt.Errorf("persist output: %w", err), jobs.ErrorDetailInfo{StageIndex: i})
			return nil
		}
	}

	if e.boundary(jc, stepFinalize) {
		return nil
	}
	return e.finish(jc, st, p)
}

// -------------------- tight helpers --------------------

// boundary is the one cancellation point: it re-reads the job and stops the run if the
// job became terminal or a cancel was requested.
func (e *Engine) boundary(jc *jobrt.Context, next string) bool {
	job, err := jc.Refresh()
	if err != nil {
		jc.Log.Warn("job refresh failed at stage boundary", "stage", next, "error", err)
		return false
	}
	if job == nil || job.Status.Terminal() {
		return true
	}
	if job.CancelRequested {
		jc.Cancel(next)
		return true
	}
	return false
}

func (e *Engine) startStage(jc *jobrt.Context, st *State, def Stage) {
	st.beginStage(def, msgOr(def.StartMsg, "Starting "+def.Name))
	jc.Event(jobs.EventStageStarted, def.Name, "", nil)
	jc.Log.Info("stage started", "stage", def.Name)
}

func (e *Engine) runStage(jc *jobrt.Context, st *State, def Stage) (Output, int, error) {
	e.startStage(jc, st, def)
	ctx, span := observability.Tracer().Start(jc.Ctx, "job.stage."+def.Name)
	defer span.End()
	stageCtx := *jc
	stageCtx.Ctx = ctx

	started := time.Now()
	attempts := 0
	for {
		attempts++
		out, err := safeRunInline(def, &stageCtx, st.beginAttempt(), e.grace())
		if err == nil {
			if out == nil {
				err = Permanent(fmt.Errorf("stage %q returned no output", def.Name))
			} else if verr := out.Validate(); verr != nil {
				err = Permanent(fmt.Errorf("stage %q produced invalid output: %w", def.Name, verr))
			}
		}
		if err == nil {
			jc.Metrics.ObserveStage(string(st.Kind), def.Name, "succeeded", time.Since(started))
			return out, attempts, nil
		}
		if interrupted(jc, err) || !shouldRetry(def.Retry, attempts, err) {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			st.endStage(0)
			jc.Metrics.ObserveStage(string(st.Kind), def.Name, "failed", time.Since(started))
			jc.Log.Warn("stage failed", "stage", def.Name, "attempts", attempts, "error", err)
			return nil, attempts, err
		}

		delay := computeBackoff(def.Retry, attempts)
		jc.Log.Warn("stage attempt failed; retrying", "stage", def.Name, "attempt", attempts, "backoff", delay.String(), "error", err)
		jc.Metrics.IncStageRetry(string(st.Kind), def.Name)
		jc.Event(jobs.EventStageRetry, def.Name, err.Error(), map[string]any{"attempt": attempts, "backoff_ms": delay.Milliseconds()})
		if serr := e.sleep(jc.Ctx, delay); serr != nil {
			st.endStage(0)
			return nil, attempts, serr
		}
		if job, rerr := jc.Refresh(); rerr == nil && job != nil && job.CancelRequested {
			st.endStage(0)
			return nil, attempts, errCancelRequested
		}
	}
}

func (e *Engine) sleep(ctx context.Context, d time.Duration) error {
	if e.Sleep == nil {
		return httpx.Sleep(ctx, d)
	}
	return e.Sleep(ctx, d)
}

// commit stores the stage output and advances the job in one transaction, so a poller
// never sees an advanced stage without its output or the reverse.
func (e *Engine) commit(jc *jobrt.Context, st *State, idx int, def Stage, out Output) error {
	raw, err := json.Marshal(out)
	if err != nil {
		return Permanent(fmt.Errorf("encode output: %w", err))
	}
	pct := def.EndPct
	if pct > 99 {
		pct = 99
	}
	pct = st.endStage(pct)

	msg := msgOr(def.DoneMsg, "Done "+def.Name)
	now := time.Now().UTC()
	jobID := jc.JobID()
	err = jc.DB.WithContext(jc.Ctx).Transaction(func(tx *gorm.DB) error {
		dbc := dbctx.Context{Ctx: jc.Ctx, Tx: tx}
		ok, uerr := jc.Repo.UpdateFieldsUnlessStatus(dbc, jobID, jobs.TerminalStatuses, map[string]interface{}{
			"current_stage": idx + 1,
			"stage_name":    def.Name,
			"progress":      gorm.Expr("CASE WHEN progress < ? THEN ? ELSE progress END", pct, pct),
			"detail":        msg,
			"heartbeat_at":  now,
		})
		if uerr != nil {
			return uerr
		}
		if !ok {
			return errJobTerminal
		}
		return jc.Outputs.Upsert(dbc, &jobs.StageOutput{
			JobID:      jobID,
			Stage:      def.Name,
			StageIndex: idx,
			Data:       datatypes.JSON(raw),
		})
	})
	if err != nil {
		return err
	}

	st.put(def.Name, datatypes.JSON(raw))
	jc.StageCommitted(idx+1, def.Name, pct, msg, now)
	jc.Log.Info("stage completed", "stage", def.Name, "progress", pct)
	return nil
}

func (e *Engine) finish(jc *jobrt.Context, st *State, p *Pipeline) error {
	var res *quality.Result
	if p.Gate != nil {
		r, err := p.Gate(jc, st)
		if err != nil {
			if interrupted(jc, err) {
				return err
			}
			jc.Fail(stepFinalize, fmt.Errorf("quality gate: %w", err), jobs.ErrorDetailInfo{StageIndex: len(p.Stages)})
			return nil
		}
		res = r
		if res != nil {
			jc.Metrics.IncQualityCheck(string(p.Kind), res.Passed)
			jc.Log.Info("quality gate evaluated", "passed", res.Passed, "unmet", len(res.Unmet))
		}
	}
	if p.OnComplete != nil {
		if err := p.OnComplete(jc, st, res); err != nil {
			if interrupted(jc, err) {
				return err
			}
			jc.Fail(stepFinalize, fmt.Errorf("completion hook: %w", err), jobs.ErrorDetailInfo{StageIndex: len(p.Stages)})
			return nil
		}
	}
	if res != nil {
		jc.Complete(res)
	} else {
		jc.Complete(nil)
	}
	return nil
}

// -------------------- safety + validation --------------------

func validateStages(stages []Stage) error {
	seen := map[string]bool{}
	lastEnd := -1
	for _, s := range stages {
		if strings.TrimSpace(s.Name) == "" {
			return fmt.Errorf("stage missing Name")
		}
		if s.Name == stepFinalize {
			return fmt.Errorf("stage name %q is reserved", s.Name)
		}
		if seen[s.Name] {
			return fmt.Errorf("duplicate stage name %q", s.Name)
		}
		seen[s.Name] = true
		if s.StartPct < 0 || s.StartPct > 100 || s.EndPct < 0 || s.EndPct > 100 {
			return fmt.Errorf("stage %q: progress must be 0..100", s.Name)
		}
		if s.EndPct < s.StartPct {
			return fmt.Errorf("stage %q: EndPct must be >= StartPct", s.Name)
		}
		if s.StartPct < lastEnd {
			return fmt.Errorf("stage %q: StartPct must be >= previous stage EndPct", s.Name)
		}
		lastEnd = s.EndPct
	}
	return nil
}

type panicError struct{ val any }

func (e *panicError) Error() string   { return fmt.Sprintf("panic: %v", e.val) }
func (e *panicError) Permanent() bool { return true }

func isPanic(err error) bool {
	var p *panicError
	return errors.As(err, &p)
}

// safeRunInline runs one attempt. On timeout it waits up to grace for the attempt to
// return; st is that attempt's view, so anything it reports afterwards is dropped.
func safeRunInline(def Stage, ctx *jobrt.Context, st *State, grace time.Duration) (out Output, err error) {
	if def.Run == nil {
		return nil, Permanent(fmt.Errorf("stage %q: Run is nil", def.Name))
	}
	run := func(c *jobrt.Context) (o Output, e error) {
		defer func() {
			if r := recover(); r != nil {
				o, e = nil, &panicError{val: r}
			}
		}()
		return def.Run(c, st)
	}
	if def.Timeout <= 0 {
		return run(ctx)
	}
	tctx, cancel := context.WithTimeout(ctx.Ctx, def.Timeout)
	defer cancel()
	tmp := *ctx
	tmp.Ctx = tctx
	type result struct {
		o Output
		e error
	}
	ch := make(chan result, 1)
	go func() {
		o, e := run(&tmp)
		ch <- result{o: o, e: e}
	}()
	select {
	case <-tctx.Done():
		t := time.NewTimer(grace)
		defer t.Stop()
		select {
		case <-ch:
		case <-t.C:
		}
		if ctx.Ctx.Err() != nil {
			return nil, ctx.Ctx.Err()
		}
		return nil, fmt.Errorf("stage %q timed out after %s: %w", def.Name, def.Timeout, tctx.Err())
	case r := <-ch:
		return r.o, r.e
	}
}

// interrupted reports whether err comes from the worker's own context ending rather than
// from the stage.
func interrupted(jc *jobrt.Context, err error) bool {
	return jc.Ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded))
}

func upstreamOf(err error) string {
	var sc httpx.HTTPStatusCoder
	if errors.As(err, &sc) {
		return fmt.Sprintf("status %d", sc.HTTPStatusCode())
	}
	return ""
}

// -------------------- retry/backoff --------------------

func shouldRetry(r RetryPolicy, attempts int, err error) bool {
	if r.MaxAttempts <= 0 || attempts >= r.MaxAttempts {
		return false
	}
	if IsPermanent(err) || errors.Is(err, errCancelRequested) {
		return false
	}
	if r.Retryable == nil {
		return true
	}
	return r.Retryable(err)
}

func computeBackoff(r RetryPolicy, attempts int) time.Duration {
	minB := r.MinBackoff
	maxB := r.MaxBackoff
	j := r.JitterFrac
	if minB <= 0 {
		minB = 1 * time.Second
	}
	if maxB <= 0 {
		maxB = 30 * time.Second
	}
	if j <= 0 {
		j = 0.20
	}
	if attempts < 1 {
		attempts = 1
	}
	d := time.Duration(float64(minB) * math.Pow(2, float64(attempts-1)))
	if d > maxB {
		d = maxB
	}
	delta := float64(d) * j
	low := float64(d) - delta
	high := float64(d) + delta
	if low < 0 {
		low = 0
	}
	return time.Duration(low + rand.Float64()*(high-low))
}

// -------------------- misc --------------------

func msgOr(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}
