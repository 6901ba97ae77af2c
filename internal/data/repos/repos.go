package repos

import (
	"gorm.io/gorm"

	"github.com/yungbote/contentforge-backend/internal/data/repos/documents"
	"github.com/yungbote/contentforge-backend/internal/data/repos/jobs"
	"github.com/yungbote/contentforge-backend/internal/platform/logger"
)

type JobRepo = jobs.JobRepo
type StageOutputRepo = jobs.StageOutputRepo
type EventRepo = jobs.EventRepo
type DocumentRepo = documents.DocumentRepo

// Set bundles every repository the application wires.
type Set struct {
	Jobs         JobRepo
	StageOutputs StageOutputRepo
	Events       EventRepo
	Documents    DocumentRepo
}

func NewSet(db *gorm.DB, baseLog *logger.Logger) Set {
	return Set{
		Jobs:         jobs.NewJobRepo(db, baseLog),
		StageOutputs: jobs.NewStageOutputRepo(db, baseLog),
		Events:       jobs.NewEventRepo(db, baseLog),
		Documents:    documents.NewDocumentRepo(db, baseLog),
	}
}
