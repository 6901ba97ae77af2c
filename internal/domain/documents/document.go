package documents

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type SuccessLevel string

const (
	SuccessHigh   SuccessLevel = "high"
	SuccessMedium SuccessLevel = "medium"
	SuccessLow    SuccessLevel = "low"
)

func (s SuccessLevel) Valid() bool {
	return s == SuccessHigh || s == SuccessMedium || s == SuccessLow
}

// Document is a piece of previously stored material that the context assembler can
// select into a stage prompt.
type Document struct {
	ID           uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	Type         string         `gorm:"column:type;not null;index" json:"type"`
	Title        string         `gorm:"column:title" json:"title"`
	Content      string         `gorm:"column:content;not null" json:"content"`
	SuccessLevel SuccessLevel   `gorm:"column:success_level;not null;default:medium;index" json:"success_level"`
	Pinned       bool           `gorm:"column:pinned;not null;default:false;index" json:"pinned"`
	UsageCount   int64          `gorm:"column:usage_count;not null;default:0" json:"usage_count"`
	SourceID     *string        `gorm:"column:source_id;uniqueIndex" json:"source_id,omitempty"`
	Metadata     datatypes.JSON `gorm:"column:metadata" json:"metadata,omitempty"`
	Embedding    datatypes.JSON `gorm:"column:embedding" json:"-"`
	Tags         []Tag          `gorm:"foreignKey:DocumentID;constraint:OnDelete:CASCADE" json:"tags"`
	CreatedAt    time.Time      `gorm:"not null;index" json:"created_at"`
	UpdatedAt    time.Time      `gorm:"not null" json:"updated_at"`
}

func (Document) TableName() string { return "context_document" }

func (d *Document) BeforeCreate(tx *gorm.DB) error {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	return nil
}

// TagsByCategory groups tag values by category, preserving insertion order within a category.
func (d *Document) TagsByCategory() map[string][]string {
	out := map[string][]string{}
	for _, t := range d.Tags {
		out[t.Category] = append(out[t.Category], t.Value)
	}
	return out
}

// Tag is one (category, value) pair. A value always lives in exactly one category.
type Tag struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey" json:"-"`
	DocumentID uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:idx_document_tag_unique" json:"-"`
	Category   string    `gorm:"column:category;not null;uniqueIndex:idx_document_tag_unique;index:idx_document_tag_lookup" json:"category"`
	Value      string    `gorm:"column:value;not null;uniqueIndex:idx_document_tag_unique;index:idx_document_tag_lookup" json:"value"`
}

func (Tag) TableName() string { return "document_tag" }

func (t *Tag) BeforeCreate(tx *gorm.DB) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	return nil
}

// Well-known tag categories. Callers may use others.
const (
	CategoryAuthor      = "author"
	CategoryGenre       = "genre"
	CategoryContentType = "content_type"
	CategoryTheme       = "theme"
	CategoryKind        = "kind"
)

// Document types written by the pipelines.
const (
	TypeArticle            = "article"
	TypeSEOArticle         = "seo_article"
	TypeCompetitorAnalysis = "competitor_analysis"
	TypeLongContent        = "long_content"
	TypeVideoAnalysis      = "video_analysis"
	TypeVideoScript        = "video_script"
)
