package jobs

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// StageOutput is the artifact a single named stage produced for a job. Each stage owns
// exactly one row so a rewrite can replace one output without touching the others.
type StageOutput struct {
	ID         uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	JobID      uuid.UUID      `gorm:"type:uuid;not null;uniqueIndex:idx_stage_output_job_stage" json:"job_id"`
	Stage      string         `gorm:"column:stage;not null;uniqueIndex:idx_stage_output_job_stage" json:"stage"`
	StageIndex int            `gorm:"column:stage_index;not null" json:"stage_index"`
	Data       datatypes.JSON `gorm:"column:data" json:"data"`
	CreatedAt  time.Time      `gorm:"not null" json:"created_at"`
	UpdatedAt  time.Time      `gorm:"not null" json:"updated_at"`
}

func (StageOutput) TableName() string { return "job_stage_output" }

func (o *StageOutput) BeforeCreate(tx *gorm.DB) error {
	if o.ID == uuid.Nil {
		o.ID = uuid.New()
	}
	return nil
}
