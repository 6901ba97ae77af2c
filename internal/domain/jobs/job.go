package jobs

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Job is one end-to-end invocation of a generation pipeline.
type Job struct {
	ID              uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	Kind            Kind           `gorm:"column:kind;not null;index" json:"kind"`
	Status          Status         `gorm:"column:status;not null;index" json:"status"`
	CurrentStage    int            `gorm:"column:current_stage;not null;default:0" json:"current_stage"`
	StageName       string         `gorm:"column:stage_name" json:"stage_name,omitempty"`
	Progress        int            `gorm:"column:progress;not null;default:0" json:"progress"`
	Detail          string         `gorm:"column:detail" json:"detail,omitempty"`
	Input           datatypes.JSON `gorm:"column:input" json:"input"`
	Error           string         `gorm:"column:error" json:"error,omitempty"`
	ErrorDetail     datatypes.JSON `gorm:"column:error_detail" json:"error_detail,omitempty"`
	CancelRequested bool           `gorm:"column:cancel_requested;not null;default:false" json:"cancel_requested"`
	Quality         datatypes.JSON `gorm:"column:quality" json:"quality,omitempty"`
	RewriteFeedback datatypes.JSON `gorm:"column:rewrite_feedback" json:"rewrite_feedback,omitempty"`
	Attempts        int            `gorm:"column:attempts;not null;default:0" json:"attempts"`
	RetryCount      int            `gorm:"column:retry_count;not null;default:0" json:"retry_count"`
	RewriteCount    int            `gorm:"column:rewrite_count;not null;default:0" json:"rewrite_count"`
	LockedAt        *time.Time     `gorm:"column:locked_at;index" json:"locked_at,omitempty"`
	HeartbeatAt     *time.Time     `gorm:"column:heartbeat_at;index" json:"heartbeat_at,omitempty"`
	CreatedAt       time.Time      `gorm:"not null;index" json:"created_at"`
	UpdatedAt       time.Time      `gorm:"not null" json:"updated_at"`
	CompletedAt     *time.Time     `gorm:"column:completed_at" json:"completed_at,omitempty"`
}

func (Job) TableName() string { return "generation_job" }

func (j *Job) BeforeCreate(tx *gorm.DB) error {
	if j.ID == uuid.Nil {
		j.ID = uuid.New()
	}
	return nil
}

// ErrorDetailInfo is the structured companion of Job.Error.
type ErrorDetailInfo struct {
	Stage      string `json:"stage"`
	StageIndex int    `json:"stage_index"`
	Attempts   int    `json:"attempts,omitempty"`
	Cause      string `json:"cause,omitempty"`
	Upstream   string `json:"upstream,omitempty"`
	Panic      bool   `json:"panic,omitempty"`
}
