package documents

import (
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	types "github.com/yungbote/contentforge-backend/internal/domain/documents"
	"github.com/yungbote/contentforge-backend/internal/platform/dbctx"
	"github.com/yungbote/contentforge-backend/internal/platform/logger"
)

// CandidateQuery restricts documents by already-resolved tag filters. Categories are
// intersected, values within a category are unioned.
type CandidateQuery struct {
	Tags          map[string][]string
	SuccessLevels []types.SuccessLevel
	Types         []string
	ExcludeIDs    []uuid.UUID
}

type ListQuery struct {
	CandidateQuery
	PinnedOnly bool
	Limit      int
	Offset     int
}

type DocumentRepo interface {
	Create(dbc dbctx.Context, doc *types.Document) (*types.Document, error)
	UpsertBySourceID(dbc dbctx.Context, doc *types.Document) (*types.Document, error)
	GetByID(dbc dbctx.Context, id uuid.UUID) (*types.Document, error)
	GetByIDs(dbc dbctx.Context, ids []uuid.UUID) ([]*types.Document, error)
	List(dbc dbctx.Context, q ListQuery) ([]*types.Document, error)
	FindCandidates(dbc dbctx.Context, q CandidateQuery) ([]*types.Document, error)
	ListPinned(dbc dbctx.Context, limit int) ([]*types.Document, error)
	KnownTagValues(dbc dbctx.Context, category string, values []string) ([]string, error)
	SetPinned(dbc dbctx.Context, id uuid.UUID, pinned bool) (bool, error)
	SetEmbedding(dbc dbctx.Context, id uuid.UUID, embedding []float32) error
	IncrementUsage(dbc dbctx.Context, ids []uuid.UUID, maxCount int64) error
	Delete(dbc dbctx.Context, id uuid.UUID) (bool, error)
}

type documentRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewDocumentRepo(db *gorm.DB, baseLog *logger.Logger) DocumentRepo {
	return &documentRepo{
		db:  db,
		log: baseLog.With("repo", "DocumentRepo"),
	}
}

func normalizeTags(tags []types.Tag) []types.Tag {
	seen := map[string]bool{}
	out := make([]types.Tag, 0, len(tags))
	for _, t := range tags {
		cat := strings.TrimSpace(t.Category)
		val := strings.TrimSpace(t.Value)
		if cat == "" || val == "" {
			continue
		}
		key := cat + "\x00" + val
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, types.Tag{Category: cat, Value: val})
	}
	return out
}

func (r *documentRepo) Create(dbc dbctx.Context, doc *types.Document) (*types.Document, error) {
	if doc == nil {
		return nil, errors.New("nil document")
	}
	if doc.SuccessLevel == "" {
		doc.SuccessLevel = types.SuccessMedium
	}
	doc.Tags = normalizeTags(doc.Tags)
	if err := dbc.DB(r.db).Create(doc).Error; err != nil {
		return nil, err
	}
	return doc, nil
}

// UpsertBySourceID stores doc, replacing content and tags of an existing document with the
// same source id. Repeated saves of the same artifact therefore leave one row.
func (r *documentRepo) UpsertBySourceID(dbc dbctx.Context, doc *types.Document) (*types.Document, error) {
	if doc == nil {
		return nil, errors.New("nil document")
	}
	if doc.SourceID == nil || strings.TrimSpace(*doc.SourceID) == "" {
		return r.Create(dbc, doc)
	}
	if doc.SuccessLevel == "" {
		doc.SuccessLevel = types.SuccessMedium
	}
	doc.Tags = normalizeTags(doc.Tags)

	var saved *types.Document
	err := dbc.DB(r.db).Transaction(func(txx *gorm.DB) error {
		var existing types.Document
		if err := txx.Where("source_id = ?", *doc.SourceID).Limit(1).Find(&existing).Error; err != nil {
			return err
		}
		if existing.ID == uuid.Nil {
			if err := txx.Create(doc).Error; err != nil {
				return err
			}
			saved = doc
			return nil
		}
		if err := txx.Model(&types.Document{}).
			Where("id = ?", existing.ID).
			Updates(map[string]interface{}{
				"type":          doc.Type,
				"title":         doc.Title,
				"content":       doc.Content,
				"success_level": doc.SuccessLevel,
				"metadata":      doc.Metadata,
				"embedding":     nil,
				"updated_at":    time.Now().UTC(),
			}).Error; err != nil {
			return err
		}
		if err := txx.Where("document_id = ?", existing.ID).Delete(&types.Tag{}).Error; err != nil {
			return err
		}
		for i := range doc.Tags {
			doc.Tags[i].ID = uuid.Nil
			doc.Tags[i].DocumentID = existing.ID
		}
		if len(doc.Tags) > 0 {
			if err := txx.Create(&doc.Tags).Error; err != nil {
				return err
			}
		}
		doc.ID = existing.ID
		doc.Pinned = existing.Pinned
		doc.UsageCount = existing.UsageCount
		doc.CreatedAt = existing.CreatedAt
		saved = doc
		return nil
	})
	if err != nil {
		return nil, err
	}
	return saved, nil
}

// GetByID returns nil, nil when the document does not exist.
func (r *documentRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*types.Document, error) {
	if id == uuid.Nil {
		return nil, nil
	}
	var doc types.Document
	if err := dbc.DB(r.db).Preload("Tags").Where("id = ?", id).Limit(1).Find(&doc).Error; err != nil {
		return nil, err
	}
	if doc.ID == uuid.Nil {
		return nil, nil
	}
	return &doc, nil
}

// GetByIDs returns the documents in the order of ids, silently dropping unknown ids.
func (r *documentRepo) GetByIDs(dbc dbctx.Context, ids []uuid.UUID) ([]*types.Document, error) {
	out := []*types.Document{}
	if len(ids) == 0 {
		return out, nil
	}
	var rows []*types.Document
	if err := dbc.DB(r.db).Preload("Tags").Where("id IN ?", ids).Find(&rows).Error; err != nil {
		return nil, err
	}
	byID := make(map[uuid.UUID]*types.Document, len(rows))
	for _, d := range rows {
		byID[d.ID] = d
	}
	seen := map[uuid.UUID]bool{}
	for _, id := range ids {
		if d, ok := byID[id]; ok && !seen[id] {
			seen[id] = true
			out = append(out, d)
		}
	}
	return out, nil
}

func (r *documentRepo) scoped(q *gorm.DB, cq CandidateQuery) *gorm.DB {
	categories := make([]string, 0, len(cq.Tags))
	for cat := range cq.Tags {
		categories = append(categories, cat)
	}
	sort.Strings(categories)
	for _, cat := range categories {
		values := cq.Tags[cat]
		if len(values) == 0 {
			continue
		}
		q = q.Where("context_document.id IN (?)",
			r.db.Session(&gorm.Session{NewDB: true}).
				Model(&types.Tag{}).
				Select("document_id").
				Where("category = ? AND value IN ?", cat, values),
		)
	}
	if len(cq.SuccessLevels) > 0 {
		q = q.Where("success_level IN ?", cq.SuccessLevels)
	}
	if len(cq.Types) > 0 {
		q = q.Where("type IN ?", cq.Types)
	}
	if len(cq.ExcludeIDs) > 0 {
		q = q.Where("context_document.id NOT IN ?", cq.ExcludeIDs)
	}
	return q
}

func (r *documentRepo) List(dbc dbctx.Context, lq ListQuery) ([]*types.Document, error) {
	limit := lq.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	q := r.scoped(dbc.DB(r.db).Model(&types.Document{}), lq.CandidateQuery)
	if lq.PinnedOnly {
		q = q.Where("pinned = ?", true)
	}
	var out []*types.Document
	if err := q.Preload("Tags").
		Order("created_at DESC").
		Limit(limit).
		Offset(lq.Offset).
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// FindCandidates returns every document passing the query ordered by id.
func (r *documentRepo) FindCandidates(dbc dbctx.Context, cq CandidateQuery) ([]*types.Document, error) {
	var out []*types.Document
	q := r.scoped(dbc.DB(r.db).Model(&types.Document{}), cq)
	if err := q.Preload("Tags").Order("context_document.id ASC").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *documentRepo) ListPinned(dbc dbctx.Context, limit int) ([]*types.Document, error) {
	if limit <= 0 || limit > 50 {
		limit = 10
	}
	var out []*types.Document
	if err := dbc.DB(r.db).
		Preload("Tags").
		Where("pinned = ?", true).
		Order("updated_at DESC").
		Limit(limit).
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// KnownTagValues returns the subset of values that exist as tags of category.
func (r *documentRepo) KnownTagValues(dbc dbctx.Context, category string, values []string) ([]string, error) {
	out := []string{}
	if strings.TrimSpace(category) == "" || len(values) == 0 {
		return out, nil
	}
	if err := dbc.DB(r.db).
		Model(&types.Tag{}).
		Distinct("value").
		Where("category = ? AND value IN ?", category, values).
		Order("value ASC").
		Pluck("value", &out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *documentRepo) SetPinned(dbc dbctx.Context, id uuid.UUID, pinned bool) (bool, error) {
	if id == uuid.Nil {
		return false, nil
	}
	res := dbc.DB(r.db).
		Model(&types.Document{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{"pinned": pinned, "updated_at": time.Now().UTC()})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *documentRepo) SetEmbedding(dbc dbctx.Context, id uuid.UUID, embedding []float32) error {
	if id == uuid.Nil {
		return nil
	}
	raw, err := json.Marshal(embedding)
	if err != nil {
		return err
	}
	return dbc.DB(r.db).
		Model(&types.Document{}).
		Where("id = ?", id).
		UpdateColumn("embedding", raw).Error
}

// IncrementUsage bumps usage_count atomically per row, saturating at maxCount.
func (r *documentRepo) IncrementUsage(dbc dbctx.Context, ids []uuid.UUID, maxCount int64) error {
	if len(ids) == 0 {
		return nil
	}
	if maxCount <= 0 {
		maxCount = 1_000_000
	}
	return dbc.DB(r.db).
		Model(&types.Document{}).
		Where("id IN ?", ids).
		UpdateColumn("usage_count", gorm.Expr("CASE WHEN usage_count < ? THEN usage_count + 1 ELSE usage_count END", maxCount)).Error
}

func (r *documentRepo) Delete(dbc dbctx.Context, id uuid.UUID) (bool, error) {
	if id == uuid.Nil {
		return false, nil
	}
	var deleted bool
	err := dbc.DB(r.db).Transaction(func(txx *gorm.DB) error {
		if err := txx.Where("document_id = ?", id).Delete(&types.Tag{}).Error; err != nil {
			return err
		}
		res := txx.Where("id = ?", id).Delete(&types.Document{})
		if res.Error != nil {
			return res.Error
		}
		deleted = res.RowsAffected > 0
		return nil
	})
	return deleted, err
}
