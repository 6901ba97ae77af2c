package db

import (
	"fmt"

	"gorm.io/gorm"

	"github.com/yungbote/contentforge-backend/internal/domain"
)

func AutoMigrateAll(db *gorm.DB) error {
	return db.AutoMigrate(domain.Models()...)
}

// EnsureIndexes adds the indexes gorm tags cannot express.
func EnsureIndexes(db *gorm.DB) error {
	stmts := []struct {
		name string
		sql  string
	}{
		{"idx_generation_job_claim", `CREATE INDEX IF NOT EXISTS idx_generation_job_claim ON generation_job (status, created_at)`},
		{"idx_job_event_job_created", `CREATE INDEX IF NOT EXISTS idx_job_event_job_created ON job_event (job_id, created_at)`},
		{"idx_job_stage_output_job_index", `CREATE INDEX IF NOT EXISTS idx_job_stage_output_job_index ON job_stage_output (job_id, stage_index)`},
		{"idx_context_document_rank", `CREATE INDEX IF NOT EXISTS idx_context_document_rank ON context_document (success_level, usage_count)`},
	}
	for _, s := range stmts {
		if err := db.Exec(s.sql).Error; err != nil {
			return fmt.Errorf("create %s: %w", s.name, err)
		}
	}
	return nil
}

func Migrate(db *gorm.DB) error {
	if err := AutoMigrateAll(db); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return EnsureIndexes(db)
}
