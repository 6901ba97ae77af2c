package jobs

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	types "github.com/yungbote/contentforge-backend/internal/domain/jobs"
	"github.com/yungbote/contentforge-backend/internal/platform/dbctx"
	"github.com/yungbote/contentforge-backend/internal/platform/logger"
)

type StageOutputRepo interface {
	Upsert(dbc dbctx.Context, out *types.StageOutput) error
	Get(dbc dbctx.Context, jobID uuid.UUID, stage string) (*types.StageOutput, error)
	ListByJob(dbc dbctx.Context, jobID uuid.UUID) ([]*types.StageOutput, error)
	DeleteByJob(dbc dbctx.Context, jobID uuid.UUID) error
}

type stageOutputRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewStageOutputRepo(db *gorm.DB, baseLog *logger.Logger) StageOutputRepo {
	return &stageOutputRepo{db: db, log: baseLog.With("repo", "StageOutputRepo")}
}

// Upsert writes the single row owned by (job_id, stage), replacing any previous artifact.
func (r *stageOutputRepo) Upsert(dbc dbctx.Context, out *types.StageOutput) error {
	if out == nil || out.JobID == uuid.Nil || out.Stage == "" {
		return nil
	}
	now := time.Now().UTC()
	if out.CreatedAt.IsZero() {
		out.CreatedAt = now
	}
	out.UpdatedAt = now
	return dbc.DB(r.db).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "job_id"}, {Name: "stage"}},
			DoUpdates: clause.AssignmentColumns([]string{"stage_index", "data", "updated_at"}),
		}).
		Create(out).Error
}

func (r *stageOutputRepo) Get(dbc dbctx.Context, jobID uuid.UUID, stage string) (*types.StageOutput, error) {
	if jobID == uuid.Nil || stage == "" {
		return nil, nil
	}
	var out types.StageOutput
	if err := dbc.DB(r.db).
		Where("job_id = ? AND stage = ?", jobID, stage).
		Limit(1).
		Find(&out).Error; err != nil {
		return nil, err
	}
	if out.ID == uuid.Nil {
		return nil, nil
	}
	return &out, nil
}

func (r *stageOutputRepo) ListByJob(dbc dbctx.Context, jobID uuid.UUID) ([]*types.StageOutput, error) {
	var out []*types.StageOutput
	if jobID == uuid.Nil {
		return out, nil
	}
	if err := dbc.DB(r.db).
		Where("job_id = ?", jobID).
		Order("stage_index ASC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *stageOutputRepo) DeleteByJob(dbc dbctx.Context, jobID uuid.UUID) error {
	if jobID == uuid.Nil {
		return nil
	}
	return dbc.DB(r.db).
		Where("job_id = ?", jobID).
		Delete(&types.StageOutput{}).Error
}
