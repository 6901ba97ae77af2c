package testutil

import (
	"context"
	"encoding/json"
	"testing"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/yungbote/contentforge-backend/internal/domain/documents"
	"github.com/yungbote/contentforge-backend/internal/domain/jobs"
)

func SeedJob(tb testing.TB, ctx context.Context, tx *gorm.DB, kind jobs.Kind, status jobs.Status, input any) *jobs.Job {
	tb.Helper()
	raw, err := json.Marshal(input)
	if err != nil {
		tb.Fatalf("marshal input: %v", err)
	}
	j := &jobs.Job{
		Kind:   kind,
		Status: status,
		Input:  datatypes.JSON(raw),
	}
	if err := tx.WithContext(ctx).Create(j).Error; err != nil {
		tb.Fatalf("seed job: %v", err)
	}
	return j
}

// SeedDocument stores a document with tags given as alternating category, value pairs.
func SeedDocument(tb testing.TB, ctx context.Context, tx *gorm.DB, title, content string, level documents.SuccessLevel, tags ...string) *documents.Document {
	tb.Helper()
	if len(tags)%2 != 0 {
		tb.Fatalf("seed document: odd tag list")
	}
	d := &documents.Document{
		Type:         "article",
		Title:        title,
		Content:      content,
		SuccessLevel: level,
	}
	for i := 0; i < len(tags); i += 2 {
		d.Tags = append(d.Tags, documents.Tag{Category: tags[i], Value: tags[i+1]})
	}
	if err := tx.WithContext(ctx).Create(d).Error; err != nil {
		tb.Fatalf("seed document: %v", err)
	}
	return d
}

func Ptr[T any](v T) *T { return &v }
