package jobs

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type EventKind string

const (
	EventCreated          EventKind = "created"
	EventProcessing       EventKind = "processing"
	EventStageStarted     EventKind = "stage_started"
	EventStageCompleted   EventKind = "stage_completed"
	EventStageRetry       EventKind = "stage_retry"
	EventSubItemFailed    EventKind = "sub_item_failed"
	EventFailed           EventKind = "failed"
	EventCompleted        EventKind = "completed"
	EventCancelRequested  EventKind = "cancel_requested"
	EventCancelled        EventKind = "cancelled"
	EventRetried          EventKind = "retried"
	EventRewriteRequested EventKind = "rewrite_requested"
)

// Event is an append-only ledger of job transitions. It is the timeline clients replay.
type Event struct {
	ID        uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	JobID     uuid.UUID      `gorm:"type:uuid;not null;index" json:"job_id"`
	Kind      EventKind      `gorm:"column:kind;not null;index" json:"kind"`
	Status    Status         `gorm:"column:status;not null" json:"status"`
	Stage     string         `gorm:"column:stage" json:"stage,omitempty"`
	Progress  int            `gorm:"column:progress;not null;default:0" json:"progress"`
	Message   string         `gorm:"column:message" json:"message,omitempty"`
	Data      datatypes.JSON `gorm:"column:data" json:"data,omitempty"`
	CreatedAt time.Time      `gorm:"not null;index" json:"created_at"`
}

func (Event) TableName() string { return "job_event" }

func (e *Event) BeforeCreate(tx *gorm.DB) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	return nil
}
