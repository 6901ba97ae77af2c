package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yungbote/contentforge-backend/internal/data/repos"
	"github.com/yungbote/contentforge-backend/internal/data/repos/testutil"
	"github.com/yungbote/contentforge-backend/internal/domain/jobs"
	"github.com/yungbote/contentforge-backend/internal/jobs/runtime"
	"github.com/yungbote/contentforge-backend/internal/platform/dbctx"
)

type fakeHandler struct {
	kind jobs.Kind
	run  func(jc *runtime.Context) error
	runs int
}

func (h *fakeHandler) Type() string { return string(h.kind) }
func (h *fakeHandler) Run(jc *runtime.Context) error {
	h.runs++
	return h.run(jc)
}

func newTestWorker(t *testing.T, handlers ...runtime.Handler) (*Worker, repos.Set) {
	db := testutil.DB(t)
	rs := repos.NewSet(db, testutil.Logger(t))
	reg := runtime.NewRegistry()
	for _, h := range handlers {
		require.NoError(t, reg.Register(h))
	}
	return NewWorker(db, testutil.Logger(t), rs, reg, nil, nil, Config{StaleAfter: time.Minute, HeartbeatInterval: 10 * time.Millisecond}), rs
}

func TestWorkerRunOnceDispatchesByKind(t *testing.T) {
	h := &fakeHandler{kind: jobs.KindSEOArticle, run: func(jc *runtime.Context) error {
		jc.Complete(nil)
		return nil
	}}
	w, rs := newTestWorker(t, h)
	job := testutil.SeedJob(t, context.Background(), w.db, jobs.KindSEOArticle, jobs.StatusPending, map[string]any{"theme": "go"})

	ran, err := w.RunOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, ran)
	assert.Equal(t, 1, h.runs)

	got, err := rs.Jobs.GetByID(dbc(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusCompleted, got.Status)
	assert.Nil(t, got.LockedAt)

	ran, err = w.RunOnce(context.Background())
	require.NoError(t, err)
	assert.False(t, ran)
}

func TestWorkerFailsJobsWithoutHandler(t *testing.T) {
	w, rs := newTestWorker(t)
	job := testutil.SeedJob(t, context.Background(), w.db, jobs.KindLongContent, jobs.StatusPending, map[string]any{})

	ran, err := w.RunOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, ran)

	got, err := rs.Jobs.GetByID(dbc(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusFailed, got.Status)
	assert.Contains(t, got.Error, "no handler registered")
}

func TestWorkerReleasesInterruptedJobs(t *testing.T) {
	h := &fakeHandler{kind: jobs.KindSEOArticle, run: func(jc *runtime.Context) error {
		return context.Canceled
	}}
	w, rs := newTestWorker(t, h)
	job := testutil.SeedJob(t, context.Background(), w.db, jobs.KindSEOArticle, jobs.StatusPending, map[string]any{})

	_, err := w.RunOnce(context.Background())
	require.NoError(t, err)

	got, err := rs.Jobs.GetByID(dbc(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusProcessing, got.Status)
	assert.Nil(t, got.LockedAt)

	// the released job is claimable again
	h.run = func(jc *runtime.Context) error {
		jc.Complete(nil)
		return nil
	}
	ran, err := w.RunOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, ran)
	assert.Equal(t, 2, h.runs)
}

func TestWorkerRecoversHandlerPanic(t *testing.T) {
	h := &fakeHandler{kind: jobs.KindSEOArticle, run: func(jc *runtime.Context) error {
		panic(errors.New("boom"))
	}}
	w, rs := newTestWorker(t, h)
	job := testutil.SeedJob(t, context.Background(), w.db, jobs.KindSEOArticle, jobs.StatusPending, map[string]any{})

	_, err := w.RunOnce(context.Background())
	require.NoError(t, err)

	got, err := rs.Jobs.GetByID(dbc(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusFailed, got.Status)
	assert.Contains(t, got.Error, "boom")
}

func dbc() dbctx.Context { return dbctx.Context{Ctx: context.Background()} }

func TestWorkerRecordsProcessingEventOnClaim(t *testing.T) {
	h := &fakeHandler{kind: jobs.KindSEOArticle, run: func(jc *runtime.Context) error {
		jc.Complete(nil)
		return nil
	}}
	w, rs := newTestWorker(t, h)
	job := testutil.SeedJob(t, context.Background(), w.db, jobs.KindSEOArticle, jobs.StatusPending, map[string]any{"theme": "go"})

	ran, err := w.RunOnce(context.Background())
	require.NoError(t, err)
	require.True(t, ran)

	n, err := rs.Events.CountByKind(dbc(), job.ID, jobs.EventProcessing)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	evs, err := rs.Events.ListByJob(dbc(), job.ID, 0)
	require.NoError(t, err)
	require.NotEmpty(t, evs)
	kinds := make([]jobs.EventKind, 0, len(evs))
	for _, ev := range evs {
		kinds = append(kinds, ev.Kind)
	}
	assert.Contains(t, kinds, jobs.EventProcessing)
	assert.Contains(t, kinds, jobs.EventCompleted)
}
