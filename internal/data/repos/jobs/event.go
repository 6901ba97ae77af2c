package jobs

import (
	"github.com/google/uuid"
	"gorm.io/gorm"

	types "github.com/yungbote/contentforge-backend/internal/domain/jobs"
	"github.com/yungbote/contentforge-backend/internal/platform/dbctx"
	"github.com/yungbote/contentforge-backend/internal/platform/logger"
)

type EventRepo interface {
	Append(dbc dbctx.Context, ev *types.Event) error
	ListByJob(dbc dbctx.Context, jobID uuid.UUID, limit int) ([]*types.Event, error)
	CountByKind(dbc dbctx.Context, jobID uuid.UUID, kind types.EventKind) (int64, error)
}

type eventRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewEventRepo(db *gorm.DB, baseLog *logger.Logger) EventRepo {
	return &eventRepo{db: db, log: baseLog.With("repo", "EventRepo")}
}

func (r *eventRepo) Append(dbc dbctx.Context, ev *types.Event) error {
	if ev == nil || ev.JobID == uuid.Nil {
		return nil
	}
	return dbc.DB(r.db).Create(ev).Error
}

func (r *eventRepo) ListByJob(dbc dbctx.Context, jobID uuid.UUID, limit int) ([]*types.Event, error) {
	var out []*types.Event
	if jobID == uuid.Nil {
		return out, nil
	}
	if limit <= 0 || limit > 1000 {
		limit = 500
	}
	if err := dbc.DB(r.db).
		Where("job_id = ?", jobID).
		Order("created_at ASC").
		Limit(limit).
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *eventRepo) CountByKind(dbc dbctx.Context, jobID uuid.UUID, kind types.EventKind) (int64, error) {
	var n int64
	err := dbc.DB(r.db).
		Model(&types.Event{}).
		Where("job_id = ? AND kind = ?", jobID, kind).
		Count(&n).Error
	return n, err
}
