package services

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/yungbote/contentforge-backend/internal/data/repos"
	jobrepo "github.com/yungbote/contentforge-backend/internal/data/repos/jobs"
	"github.com/yungbote/contentforge-backend/internal/data/repos/testutil"
	"github.com/yungbote/contentforge-backend/internal/domain/jobs"
	"github.com/yungbote/contentforge-backend/internal/jobs/orchestrator"
	jobrt "github.com/yungbote/contentforge-backend/internal/jobs/runtime"
	"github.com/yungbote/contentforge-backend/internal/platform/dbctx"
	"github.com/yungbote/contentforge-backend/internal/quality"
)

type articleInput struct {
	Topic        string `json:"topic" validate:"required"`
	TargetLength int    `json:"target_length" validate:"min=0,max=100000"`
}

func articleDefaults(in *articleInput) {
	if in.TargetLength == 0 {
		in.TargetLength = 40
	}
}

type notified struct {
	mu     sync.Mutex
	events []string
}

func (n *notified) add(ev string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
}

func (n *notified) list() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.events...)
}

func (n *notified) JobCreated(*jobs.Job)   { n.add("created") }
func (n *notified) JobProgress(*jobs.Job)  { n.add("progress") }
func (n *notified) JobFailed(*jobs.Job)    { n.add("failed") }
func (n *notified) JobCompleted(*jobs.Job) { n.add("completed") }
func (n *notified) JobCancelled(*jobs.Job) { n.add("cancelled") }

type fixture struct {
	t       *testing.T
	db      *gorm.DB
	rs      repos.Set
	notify  *notified
	svc     JobService
	catalog *orchestrator.Catalog
	engine  *orchestrator.Engine
	calls   map[string]int
	// failDraft makes the draft stage fail permanently while set.
	failDraft bool
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := testutil.DB(t)
	log := testutil.Logger(t)
	f := &fixture{
		t:       t,
		db:      db,
		rs:      repos.NewSet(db, log),
		notify:  &notified{},
		catalog: orchestrator.NewCatalog(),
		engine:  &orchestrator.Engine{Sleep: func(context.Context, time.Duration) error { return nil }},
		calls:   map[string]int{},
	}
	require.NoError(t, f.catalog.Add(f.articlePipeline()))
	f.svc = NewJobService(db, log, f.rs, f.catalog, f.notify)
	return f
}

func (f *fixture) articlePipeline() *orchestrator.Pipeline {
	gate := quality.NewGate(quality.Config{PhraseGap: 10, LengthRatio: 1.0})
	stage := func(name string, start, end int, run orchestrator.StageFunc) orchestrator.Stage {
		return orchestrator.Stage{Name: name, StartPct: start, EndPct: end, Run: run}
	}
	return &orchestrator.Pipeline{
		Kind: jobs.KindSEOArticle,
		Stages: []orchestrator.Stage{
			stage("outline", 0, 30, func(*jobrt.Context, *orchestrator.State) (orchestrator.Output, error) {
				f.calls["outline"]++
				return orchestrator.Text{Text: "outline"}, nil
			}),
			stage("draft", 30, 70, func(*jobrt.Context, *orchestrator.State) (orchestrator.Output, error) {
				f.calls["draft"]++
				if f.failDraft {
					return nil, orchestrator.Permanent(errors.New("model refused"))
				}
				return orchestrator.Text{Text: "draft"}, nil
			}),
			stage("article", 70, 95, func(_ *jobrt.Context, st *orchestrator.State) (orchestrator.Output, error) {
				f.calls["article"]++
				if st.Rewrite("article") != nil {
					return orchestrator.Text{Text: "a much longer article body that now meets the length target"}, nil
				}
				return orchestrator.Text{Text: "too short"}, nil
			}),
		},
		FinalAssembly: "article",
		Gate: func(_ *jobrt.Context, st *orchestrator.State) (*quality.Result, error) {
			art, err := orchestrator.Load[orchestrator.Text](st, "article")
			if err != nil {
				return nil, err
			}
			var in articleInput
			if err := st.Input(&in); err != nil {
				return nil, err
			}
			res := gate.Evaluate(art.Text, quality.Criteria{TargetLength: in.TargetLength})
			return &res, nil
		},
		Input: orchestrator.DecodeInput(articleDefaults),
	}
}

func (f *fixture) dbc() dbctx.Context { return dbctx.Context{Ctx: context.Background()} }

func (f *fixture) run(id uuid.UUID) {
	f.t.Helper()
	job, err := f.rs.Jobs.GetByID(f.dbc(), id)
	require.NoError(f.t, err)
	p, ok := f.catalog.Get(job.Kind)
	require.True(f.t, ok)
	jc := jobrt.NewContext(context.Background(), f.db, job, f.rs, f.notify, testutil.Logger(f.t))
	require.NoError(f.t, f.engine.Run(jc, p))
}

func (f *fixture) submit(input string) *jobs.Job {
	f.t.Helper()
	job, err := f.svc.Create(f.dbc(), jobs.KindSEOArticle, json.RawMessage(input))
	require.NoError(f.t, err)
	return job
}

func (f *fixture) eventKinds(id uuid.UUID) []jobs.EventKind {
	f.t.Helper()
	evs, err := f.svc.Events(f.dbc(), id, 0)
	require.NoError(f.t, err)
	out := make([]jobs.EventKind, 0, len(evs))
	for _, ev := range evs {
		out = append(out, ev.Kind)
	}
	return out
}

func TestCreateValidatesKindAndInput(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Create(f.dbc(), jobs.Kind("poem"), json.RawMessage(`{}`))
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "kind", ve.Field)

	_, err = f.svc.Create(f.dbc(), jobs.KindLongContent, json.RawMessage(`{}`))
	require.ErrorAs(t, err, &ve, "kind without a registered pipeline")

	_, err = f.svc.Create(f.dbc(), jobs.KindSEOArticle, json.RawMessage(`{}`))
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "topic", ve.Field)

	job := f.submit(`{"topic":"go generics"}`)
	assert.Equal(t, jobs.StatusPending, job.Status)
	assert.Equal(t, 0, job.CurrentStage)
	var in articleInput
	require.NoError(t, json.Unmarshal(job.Input, &in))
	assert.Equal(t, 40, in.TargetLength)
	assert.Equal(t, []string{"created"}, f.notify.list())
	assert.Equal(t, []jobs.EventKind{jobs.EventCreated}, f.eventKinds(job.ID))
}

func TestGetStatusReportsPartialOutputsAndErrors(t *testing.T) {
	f := newFixture(t)
	f.failDraft = true
	job := f.submit(`{"topic":"go"}`)

	st, err := f.svc.GetStatus(f.dbc(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusPending, st.Status)
	assert.Empty(t, st.PartialOutputs)
	assert.Empty(t, st.Error)

	f.run(job.ID)

	st, err = f.svc.GetStatus(f.dbc(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusFailed, st.Status)
	assert.Equal(t, 1, st.CurrentStage)
	assert.Equal(t, "draft", st.StageName)
	assert.Contains(t, st.Error, "model refused")
	require.Contains(t, st.PartialOutputs, "outline")
	assert.NotContains(t, st.PartialOutputs, "draft")

	out, err := f.svc.Output(f.dbc(), job.ID, "outline")
	require.NoError(t, err)
	assert.JSONEq(t, `{"text":"outline"}`, string(out))

	_, err = f.svc.Output(f.dbc(), job.ID, "draft")
	assert.ErrorIs(t, err, ErrStageOutputNotFound)

	_, err = f.svc.GetStatus(f.dbc(), uuid.New())
	assert.ErrorIs(t, err, ErrJobNotFound)
	assert.True(t, IsNotFound(err))
}

func TestCancelPendingJob(t *testing.T) {
	f := newFixture(t)
	job := f.submit(`{"topic":"go"}`)

	got, err := f.svc.Cancel(f.dbc(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusCancelled, got.Status)
	assert.True(t, got.CancelRequested)
	assert.Contains(t, f.notify.list(), "cancelled")

	f.run(job.ID)
	assert.Zero(t, f.calls["outline"], "cancelled job must not run")

	_, err = f.svc.Cancel(f.dbc(), job.ID)
	var te *TransitionError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, jobs.StatusCancelled, te.Status)
}

func TestCancelProcessingJobStopsAtStageBoundary(t *testing.T) {
	f := newFixture(t)
	job := f.submit(`{"topic":"go"}`)
	require.NoError(t, f.rs.Jobs.UpdateFields(f.dbc(), job.ID, map[string]interface{}{"status": jobs.StatusProcessing}))

	got, err := f.svc.Cancel(f.dbc(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusProcessing, got.Status)
	assert.True(t, got.CancelRequested)

	f.run(job.ID)
	final, err := f.svc.Get(f.dbc(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusCancelled, final.Status)
	assert.Zero(t, f.calls["outline"])
	assert.Contains(t, f.eventKinds(job.ID), jobs.EventCancelRequested)
}

func TestRetryResumesAtFailedStage(t *testing.T) {
	f := newFixture(t)
	f.failDraft = true
	job := f.submit(`{"topic":"go","target_length":1}`)
	f.run(job.ID)

	_, err := f.svc.Retry(f.dbc(), uuid.New(), RetryOptions{})
	assert.ErrorIs(t, err, ErrJobNotFound)

	f.failDraft = false
	got, err := f.svc.Retry(f.dbc(), job.ID, RetryOptions{})
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusProcessing, got.Status)
	assert.Equal(t, 1, got.CurrentStage)
	assert.Empty(t, got.Error)
	assert.Equal(t, 1, got.RetryCount)

	f.run(job.ID)
	final, err := f.svc.Get(f.dbc(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusCompleted, final.Status)
	assert.Equal(t, 1, f.calls["outline"])
	assert.Equal(t, 2, f.calls["draft"])
	assert.Contains(t, f.eventKinds(job.ID), jobs.EventRetried)

	_, err = f.svc.Retry(f.dbc(), job.ID, RetryOptions{})
	var te *TransitionError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "retry", te.Op)
}

func TestRetryFromStartDiscardsOutputs(t *testing.T) {
	f := newFixture(t)
	f.failDraft = true
	job := f.submit(`{"topic":"go","target_length":1}`)
	f.run(job.ID)

	f.failDraft = false
	got, err := f.svc.Retry(f.dbc(), job.ID, RetryOptions{FromStart: true})
	require.NoError(t, err)
	assert.Equal(t, 0, got.CurrentStage)
	assert.Equal(t, 0, got.Progress)

	outs, err := f.rs.StageOutputs.ListByJob(f.dbc(), job.ID)
	require.NoError(t, err)
	assert.Empty(t, outs)

	f.run(job.ID)
	assert.Equal(t, 2, f.calls["outline"])
}

func TestRewriteReRunsFinalAssemblyOnly(t *testing.T) {
	f := newFixture(t)
	job := f.submit(`{"topic":"go"}`)
	f.run(job.ID)

	st, err := f.svc.GetStatus(f.dbc(), job.ID)
	require.NoError(t, err)
	require.Equal(t, jobs.StatusCompleted, st.Status)
	var q quality.Result
	require.NoError(t, json.Unmarshal(st.Quality, &q))
	require.False(t, q.Passed)

	got, err := f.svc.Rewrite(f.dbc(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusProcessing, got.Status)
	assert.Equal(t, 2, got.CurrentStage)
	assert.Equal(t, 70, got.Progress)
	assert.Equal(t, 1, got.RewriteCount)
	var fb orchestrator.RewriteFeedback
	require.NoError(t, json.Unmarshal(got.RewriteFeedback, &fb))
	assert.Equal(t, "article", fb.Stage)
	assert.Equal(t, 1, fb.Attempt)
	assert.NotEmpty(t, fb.Instructions)

	f.run(job.ID)
	st, err = f.svc.GetStatus(f.dbc(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusCompleted, st.Status)
	require.NoError(t, json.Unmarshal(st.Quality, &q))
	assert.True(t, q.Passed)
	assert.Equal(t, 1, f.calls["outline"])
	assert.Equal(t, 1, f.calls["draft"])
	assert.Equal(t, 2, f.calls["article"])

	_, err = f.svc.Rewrite(f.dbc(), job.ID)
	var te *TransitionError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "rewrite", te.Op)
}

func TestRewriteRejectsUnfinishedJob(t *testing.T) {
	f := newFixture(t)
	job := f.submit(`{"topic":"go"}`)
	_, err := f.svc.Rewrite(f.dbc(), job.ID)
	var te *TransitionError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, jobs.StatusPending, te.Status)
}

func TestListFiltersByKindAndStatus(t *testing.T) {
	f := newFixture(t)
	a := f.submit(`{"topic":"a"}`)
	f.submit(`{"topic":"b"}`)
	_, err := f.svc.Cancel(f.dbc(), a.ID)
	require.NoError(t, err)

	out, err := f.svc.List(f.dbc(), jobrepo.ListFilter{Status: jobs.StatusPending})
	require.NoError(t, err)
	assert.Len(t, out, 1)

	_, err = f.svc.List(f.dbc(), jobrepo.ListFilter{Status: jobs.Status("lost")})
	var ve *ValidationError
	assert.ErrorAs(t, err, &ve)
}
