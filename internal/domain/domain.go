package domain

import (
	"github.com/yungbote/contentforge-backend/internal/domain/documents"
	"github.com/yungbote/contentforge-backend/internal/domain/jobs"
)

type (
	Job         = jobs.Job
	JobStatus   = jobs.Status
	JobKind     = jobs.Kind
	StageOutput = jobs.StageOutput
	JobEvent    = jobs.Event

	Document = documents.Document
	Tag      = documents.Tag
)

// Models lists every persisted model in migration order.
func Models() []interface{} {
	return []interface{}{
		&jobs.Job{},
		&jobs.StageOutput{},
		&jobs.Event{},
		&documents.Document{},
		&documents.Tag{},
	}
}
