package services

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/yungbote/contentforge-backend/internal/data/repos"
	docrepo "github.com/yungbote/contentforge-backend/internal/data/repos/documents"
	"github.com/yungbote/contentforge-backend/internal/domain/documents"
	"github.com/yungbote/contentforge-backend/internal/platform/dbctx"
	"github.com/yungbote/contentforge-backend/internal/platform/logger"
	"github.com/yungbote/contentforge-backend/internal/retrieval"
)

type TagInput struct {
	Category string `json:"category" validate:"required,max=100"`
	Value    string `json:"value" validate:"required,max=200"`
}

type CreateDocumentInput struct {
	Type         string          `json:"type" validate:"required,max=100"`
	Title        string          `json:"title" validate:"max=500"`
	Content      string          `json:"content" validate:"required"`
	SuccessLevel string          `json:"success_level" validate:"omitempty,oneof=high medium low"`
	Pinned       bool            `json:"pinned"`
	SourceID     string          `json:"source_id,omitempty" validate:"max=300"`
	Metadata     json.RawMessage `json:"metadata,omitempty"`
	Tags         []TagInput      `json:"tags" validate:"dive"`
}

type DocumentFilter struct {
	// Tags are "category:value" pairs.
	Tags       []string
	Types      []string
	PinnedOnly bool
	Limit      int
	Offset     int
}

type PreviewInput struct {
	Query             string              `json:"query" validate:"max=5000"`
	TagFilters        map[string][]string `json:"tag_filters"`
	Types             []string            `json:"types"`
	SuccessLevels     []string            `json:"success_levels"`
	Limit             int                 `json:"limit" validate:"min=0,max=50"`
	PinnedDocumentIDs []uuid.UUID         `json:"pinned_document_ids"`
	IncludeStorePins  bool                `json:"include_store_pinned"`
}

type DocumentService interface {
	Create(dbc dbctx.Context, in CreateDocumentInput) (*documents.Document, error)
	Get(dbc dbctx.Context, id uuid.UUID) (*documents.Document, error)
	List(dbc dbctx.Context, filter DocumentFilter) ([]*documents.Document, error)
	Delete(dbc dbctx.Context, id uuid.UUID) error
	SetPinned(dbc dbctx.Context, id uuid.UUID, pinned bool) (*documents.Document, error)
	Preview(dbc dbctx.Context, in PreviewInput) (*retrieval.Result, error)
}

type documentService struct {
	log       *logger.Logger
	docs      repos.DocumentRepo
	assembler *retrieval.Assembler
}

func NewDocumentService(baseLog *logger.Logger, docs repos.DocumentRepo, assembler *retrieval.Assembler) DocumentService {
	return &documentService{
		log:       baseLog.With("service", "DocumentService"),
		docs:      docs,
		assembler: assembler,
	}
}

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func structValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		validate.RegisterTagNameFunc(func(f reflect.StructField) string {
			name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
			if name == "" || name == "-" {
				return f.Name
			}
			return name
		})
	})
	return validate
}

func validateStruct(v any) error {
	err := structValidator().Struct(v)
	if err == nil {
		return nil
	}
	var ves validator.ValidationErrors
	if errors.As(err, &ves) && len(ves) > 0 {
		fe := ves[0]
		return &ValidationError{Field: fe.Field(), Reason: fmt.Sprintf("failed %s", fe.Tag())}
	}
	return &ValidationError{Reason: err.Error()}
}

func (s *documentService) Create(dbc dbctx.Context, in CreateDocumentInput) (*documents.Document, error) {
	in.Type = strings.TrimSpace(in.Type)
	in.Content = strings.TrimSpace(in.Content)
	if err := validateStruct(in); err != nil {
		return nil, err
	}
	level := documents.SuccessLevel(in.SuccessLevel)
	if level == "" {
		level = documents.SuccessMedium
	}
	doc := &documents.Document{
		Type:         in.Type,
		Title:        strings.TrimSpace(in.Title),
		Content:      in.Content,
		SuccessLevel: level,
		Pinned:       in.Pinned,
	}
	if len(in.Metadata) > 0 {
		if !json.Valid(in.Metadata) {
			return nil, &ValidationError{Field: "metadata", Reason: "is not valid JSON"}
		}
		doc.Metadata = datatypes.JSON(in.Metadata)
	}
	for _, t := range in.Tags {
		doc.Tags = append(doc.Tags, documents.Tag{Category: t.Category, Value: t.Value})
	}

	var (
		out *documents.Document
		err error
	)
	if src := strings.TrimSpace(in.SourceID); src != "" {
		doc.SourceID = &src
		out, err = s.docs.UpsertBySourceID(dbc, doc)
	} else {
		out, err = s.docs.Create(dbc, doc)
	}
	if err != nil {
		return nil, fmt.Errorf("save document: %w", err)
	}
	s.log.Info("document saved", "document_id", out.ID, "type", out.Type, "tags", len(out.Tags))
	return out, nil
}

func (s *documentService) Get(dbc dbctx.Context, id uuid.UUID) (*documents.Document, error) {
	doc, err := s.docs.GetByID(dbc, id)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, ErrDocumentNotFound
	}
	return doc, nil
}

func (s *documentService) List(dbc dbctx.Context, filter DocumentFilter) ([]*documents.Document, error) {
	tags, err := ParseTagFilters(filter.Tags)
	if err != nil {
		return nil, err
	}
	return s.docs.List(dbc, docrepo.ListQuery{
		CandidateQuery: docrepo.CandidateQuery{Tags: tags, Types: filter.Types},
		PinnedOnly:     filter.PinnedOnly,
		Limit:          filter.Limit,
		Offset:         filter.Offset,
	})
}

// ParseTagFilters turns "category:value" pairs into a filter map.
func ParseTagFilters(pairs []string) (map[string][]string, error) {
	out := map[string][]string{}
	for _, p := range pairs {
		cat, val, ok := strings.Cut(p, ":")
		cat, val = strings.TrimSpace(cat), strings.TrimSpace(val)
		if !ok || cat == "" || val == "" {
			return nil, &ValidationError{Field: "tag", Reason: fmt.Sprintf("%q is not category:value", p)}
		}
		out[cat] = append(out[cat], val)
	}
	return out, nil
}

func (s *documentService) Delete(dbc dbctx.Context, id uuid.UUID) error {
	ok, err := s.docs.Delete(dbc, id)
	if err != nil {
		return err
	}
	if !ok {
		return ErrDocumentNotFound
	}
	s.log.Info("document deleted", "document_id", id)
	return nil
}

func (s *documentService) SetPinned(dbc dbctx.Context, id uuid.UUID, pinned bool) (*documents.Document, error) {
	ok, err := s.docs.SetPinned(dbc, id, pinned)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrDocumentNotFound
	}
	return s.Get(dbc, id)
}

// Preview runs the assembler exactly as a stage would, minus the usage count side effect.
func (s *documentService) Preview(dbc dbctx.Context, in PreviewInput) (*retrieval.Result, error) {
	if err := validateStruct(in); err != nil {
		return nil, err
	}
	levels := make([]documents.SuccessLevel, 0, len(in.SuccessLevels))
	for _, l := range in.SuccessLevels {
		lvl := documents.SuccessLevel(strings.TrimSpace(l))
		if !lvl.Valid() {
			return nil, &ValidationError{Field: "success_levels", Reason: fmt.Sprintf("%q is not a success level", l)}
		}
		levels = append(levels, lvl)
	}
	pinned, err := s.assembler.ResolvePinned(dbc.Ctx, in.PinnedDocumentIDs, in.IncludeStorePins)
	if err != nil {
		return nil, err
	}
	return s.assembler.Preview(dbc.Ctx, retrieval.Request{
		Query:         in.Query,
		TagFilters:    in.TagFilters,
		Types:         in.Types,
		SuccessLevels: levels,
		Limit:         in.Limit,
		Pinned:        pinned,
	})
}
