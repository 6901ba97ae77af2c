package jobs

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"

	"github.com/yungbote/contentforge-backend/internal/data/repos/testutil"
	types "github.com/yungbote/contentforge-backend/internal/domain/jobs"
	"github.com/yungbote/contentforge-backend/internal/platform/dbctx"
)

func TestJobRepoClaimNextRunnable(t *testing.T) {
	db := testutil.DB(t)
	ctx := context.Background()
	dbc := dbctx.Context{Ctx: ctx}
	repo := NewJobRepo(db, testutil.Logger(t))

	now := time.Now().UTC()
	pending := &types.Job{Kind: types.KindSEOArticle, Status: types.StatusPending, Input: datatypes.JSON([]byte(`{}`)), CreatedAt: now.Add(-3 * time.Hour)}
	live := &types.Job{Kind: types.KindSEOArticle, Status: types.StatusProcessing, LockedAt: testutil.Ptr(now), HeartbeatAt: testutil.Ptr(now), CreatedAt: now.Add(-4 * time.Hour)}
	stale := &types.Job{Kind: types.KindSEOArticle, Status: types.StatusProcessing, LockedAt: testutil.Ptr(now.Add(-2 * time.Hour)), HeartbeatAt: testutil.Ptr(now.Add(-2 * time.Hour)), CreatedAt: now.Add(-2 * time.Hour)}
	done := &types.Job{Kind: types.KindSEOArticle, Status: types.StatusCompleted, CreatedAt: now.Add(-5 * time.Hour)}
	for _, j := range []*types.Job{pending, live, stale, done} {
		_, err := repo.Create(dbc, j)
		require.NoError(t, err)
	}

	first, err := repo.ClaimNextRunnable(dbc, 15*time.Minute)
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, pending.ID, first.ID)
	assert.Equal(t, types.StatusProcessing, first.Status)
	assert.Equal(t, 1, first.Attempts)

	second, err := repo.ClaimNextRunnable(dbc, 15*time.Minute)
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, stale.ID, second.ID)

	third, err := repo.ClaimNextRunnable(dbc, 15*time.Minute)
	require.NoError(t, err)
	assert.Nil(t, third)

	require.NoError(t, repo.Release(dbc, live.ID))
	fourth, err := repo.ClaimNextRunnable(dbc, 15*time.Minute)
	require.NoError(t, err)
	require.NotNil(t, fourth)
	assert.Equal(t, live.ID, fourth.ID)
}

func TestJobRepoGuardedUpdates(t *testing.T) {
	db := testutil.DB(t)
	dbc := dbctx.Context{Ctx: context.Background()}
	repo := NewJobRepo(db, testutil.Logger(t))

	job, err := repo.Create(dbc, &types.Job{Kind: types.KindLongContent})
	require.NoError(t, err)
	assert.Equal(t, types.StatusPending, job.Status)

	ok, err := repo.UpdateFieldsUnlessStatus(dbc, job.ID, types.TerminalStatuses, map[string]interface{}{"status": types.StatusCompleted})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.UpdateFieldsUnlessStatus(dbc, job.ID, types.TerminalStatuses, map[string]interface{}{"status": types.StatusFailed})
	require.NoError(t, err)
	assert.False(t, ok, "terminal job must not change")

	ok, err = repo.UpdateFieldsIfStatus(dbc, job.ID, []string{string(types.StatusFailed)}, map[string]interface{}{"status": types.StatusProcessing})
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := repo.GetByID(dbc, job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, got.Status)

	missing, err := repo.GetByID(dbc, uuid.New())
	require.NoError(t, err)
	assert.Nil(t, missing)

	list, err := repo.List(dbc, ListFilter{Kind: types.KindLongContent})
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestStageOutputRepoUpsertReplacesOneRow(t *testing.T) {
	db := testutil.DB(t)
	dbc := dbctx.Context{Ctx: context.Background()}
	jobsRepo := NewJobRepo(db, testutil.Logger(t))
	repo := NewStageOutputRepo(db, testutil.Logger(t))

	job, err := jobsRepo.Create(dbc, &types.Job{Kind: types.KindSEOArticle})
	require.NoError(t, err)

	require.NoError(t, repo.Upsert(dbc, &types.StageOutput{JobID: job.ID, Stage: "keywords", StageIndex: 0, Data: datatypes.JSON([]byte(`{"a":1}`))}))
	require.NoError(t, repo.Upsert(dbc, &types.StageOutput{JobID: job.ID, Stage: "article", StageIndex: 8, Data: datatypes.JSON([]byte(`{"v":1}`))}))
	require.NoError(t, repo.Upsert(dbc, &types.StageOutput{JobID: job.ID, Stage: "article", StageIndex: 8, Data: datatypes.JSON([]byte(`{"v":2}`))}))

	outs, err := repo.ListByJob(dbc, job.ID)
	require.NoError(t, err)
	require.Len(t, outs, 2)
	assert.Equal(t, "keywords", outs[0].Stage)
	assert.JSONEq(t, `{"a":1}`, string(outs[0].Data))
	assert.JSONEq(t, `{"v":2}`, string(outs[1].Data))

	one, err := repo.Get(dbc, job.ID, "article")
	require.NoError(t, err)
	require.NotNil(t, one)
	assert.Equal(t, 8, one.StageIndex)

	require.NoError(t, repo.DeleteByJob(dbc, job.ID))
	outs, err = repo.ListByJob(dbc, job.ID)
	require.NoError(t, err)
	assert.Empty(t, outs)
}

func TestEventRepoAppendAndList(t *testing.T) {
	db := testutil.DB(t)
	dbc := dbctx.Context{Ctx: context.Background()}
	jobsRepo := NewJobRepo(db, testutil.Logger(t))
	repo := NewEventRepo(db, testutil.Logger(t))

	job, err := jobsRepo.Create(dbc, &types.Job{Kind: types.KindSEOArticle})
	require.NoError(t, err)

	base := time.Now().UTC()
	require.NoError(t, repo.Append(dbc, &types.Event{JobID: job.ID, Kind: types.EventCreated, Status: types.StatusPending, CreatedAt: base}))
	require.NoError(t, repo.Append(dbc, &types.Event{JobID: job.ID, Kind: types.EventStageStarted, Status: types.StatusProcessing, Stage: "keywords", CreatedAt: base.Add(time.Millisecond)}))

	evs, err := repo.ListByJob(dbc, job.ID, 0)
	require.NoError(t, err)
	require.Len(t, evs, 2)
	assert.Equal(t, types.EventCreated, evs[0].Kind)

	n, err := repo.CountByKind(dbc, job.ID, types.EventStageStarted)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}
