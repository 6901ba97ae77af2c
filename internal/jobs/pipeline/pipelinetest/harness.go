package pipelinetest

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/yungbote/contentforge-backend/internal/data/repos"
	"github.com/yungbote/contentforge-backend/internal/data/repos/testutil"
	"github.com/yungbote/contentforge-backend/internal/domain/documents"
	"github.com/yungbote/contentforge-backend/internal/domain/jobs"
	"github.com/yungbote/contentforge-backend/internal/jobs/orchestrator"
	jobrt "github.com/yungbote/contentforge-backend/internal/jobs/runtime"
	"github.com/yungbote/contentforge-backend/internal/platform/dbctx"
	"github.com/yungbote/contentforge-backend/internal/platform/logger"
	"github.com/yungbote/contentforge-backend/internal/quality"
	"github.com/yungbote/contentforge-backend/internal/retrieval"
)

// Harness runs a pipeline against a private test database with retries that never sleep.
type Harness struct {
	T         *testing.T
	DB        *gorm.DB
	Log       *logger.Logger
	Repos     repos.Set
	AI        *FakeAI
	Assembler *retrieval.Assembler
	Gate      *quality.Gate
	Engine    *orchestrator.Engine
}

func New(t *testing.T) *Harness {
	t.Helper()
	db := testutil.DB(t)
	log := testutil.Logger(t)
	rs := repos.NewSet(db, log)
	return &Harness{
		T:         t,
		DB:        db,
		Log:       log,
		Repos:     rs,
		AI:        NewFakeAI(),
		Assembler: retrieval.NewAssembler(log, rs.Documents, retrieval.LexicalScorer{}, retrieval.Config{Limit: 5, UsageCap: 1000000}),
		Gate:      quality.NewGate(quality.Config{PhraseGap: 10, LengthRatio: 1.0}),
		Engine:    &orchestrator.Engine{Sleep: func(context.Context, time.Duration) error { return nil }},
	}
}

// Submit normalizes input through the pipeline's validator and stores a pending job.
func (h *Harness) Submit(p *orchestrator.Pipeline, input any) *jobs.Job {
	h.T.Helper()
	job := testutil.SeedJob(h.T, context.Background(), h.DB, p.Kind, jobs.StatusPending, input)
	if p.Input != nil {
		raw, err := p.Input(job.Input)
		require.NoError(h.T, err)
		require.NoError(h.T, h.DB.Model(&jobs.Job{}).Where("id = ?", job.ID).Update("input", raw).Error)
		job.Input = raw
	}
	return job
}

func (h *Harness) Run(p *orchestrator.Pipeline, job *jobs.Job) error {
	h.T.Helper()
	fresh := h.Reload(job.ID)
	jc := jobrt.NewContext(context.Background(), h.DB, fresh, h.Repos, nil, h.Log)
	return h.Engine.Run(jc, p)
}

func (h *Harness) Reload(id uuid.UUID) *jobs.Job {
	h.T.Helper()
	var j jobs.Job
	require.NoError(h.T, h.DB.Where("id = ?", id).First(&j).Error)
	return &j
}

// Output decodes the committed output of stage into T.
func Output[T any](h *Harness, jobID uuid.UUID, stage string) T {
	h.T.Helper()
	o, err := h.Repos.StageOutputs.Get(dbctx.Context{Ctx: context.Background()}, jobID, stage)
	require.NoError(h.T, err)
	require.NotNil(h.T, o, "missing output for stage %s", stage)
	var out T
	require.NoError(h.T, json.Unmarshal(o.Data, &out))
	return out
}

func (h *Harness) Document(sourceID string) *documents.Document {
	h.T.Helper()
	var d documents.Document
	err := h.DB.Preload("Tags").Where("source_id = ?", sourceID).First(&d).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	require.NoError(h.T, err)
	return &d
}

func (h *Harness) SeedDocument(title, content string, level documents.SuccessLevel, tags ...string) *documents.Document {
	h.T.Helper()
	return testutil.SeedDocument(h.T, context.Background(), h.DB, title, content, level, tags...)
}
