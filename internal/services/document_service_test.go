package services

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yungbote/contentforge-backend/internal/data/repos"
	"github.com/yungbote/contentforge-backend/internal/data/repos/testutil"
	"github.com/yungbote/contentforge-backend/internal/domain/documents"
	"github.com/yungbote/contentforge-backend/internal/platform/dbctx"
	"github.com/yungbote/contentforge-backend/internal/retrieval"
)

func newDocumentService(t *testing.T) (DocumentService, repos.Set) {
	t.Helper()
	db := testutil.DB(t)
	log := testutil.Logger(t)
	rs := repos.NewSet(db, log)
	asm := retrieval.NewAssembler(log, rs.Documents, retrieval.LexicalScorer{}, retrieval.Config{Limit: 5, UsageCap: 100})
	return NewDocumentService(log, rs.Documents, asm), rs
}

func bg() dbctx.Context { return dbctx.Context{Ctx: context.Background()} }

func TestCreateDocumentValidates(t *testing.T) {
	svc, _ := newDocumentService(t)
	cases := map[string]struct {
		in    CreateDocumentInput
		field string
	}{
		"missing type":    {CreateDocumentInput{Content: "x"}, "type"},
		"blank content":   {CreateDocumentInput{Type: "article", Content: "   "}, "content"},
		"bad level":       {CreateDocumentInput{Type: "article", Content: "x", SuccessLevel: "great"}, "success_level"},
		"tag without val": {CreateDocumentInput{Type: "article", Content: "x", Tags: []TagInput{{Category: "author"}}}, "value"},
		"bad metadata":    {CreateDocumentInput{Type: "article", Content: "x", Metadata: json.RawMessage(`{`)}, "metadata"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := svc.Create(bg(), tc.in)
			var ve *ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tc.field, ve.Field)
		})
	}
}

func TestCreateDocumentUpsertsBySourceID(t *testing.T) {
	svc, _ := newDocumentService(t)
	first, err := svc.Create(bg(), CreateDocumentInput{
		Type:     documents.TypeArticle,
		Title:    "Go channels",
		Content:  "v1",
		SourceID: "cms-42",
		Tags:     []TagInput{{Category: documents.CategoryAuthor, Value: "ana"}},
	})
	require.NoError(t, err)
	assert.Equal(t, documents.SuccessMedium, first.SuccessLevel)

	second, err := svc.Create(bg(), CreateDocumentInput{
		Type:         documents.TypeArticle,
		Title:        "Go channels",
		Content:      "v2",
		SuccessLevel: "high",
		SourceID:     "cms-42",
		Tags:         []TagInput{{Category: documents.CategoryAuthor, Value: "ben"}},
	})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	got, err := svc.Get(bg(), first.ID)
	require.NoError(t, err)
	assert.Equal(t, "v2", got.Content)
	assert.Equal(t, documents.SuccessHigh, got.SuccessLevel)
	assert.Equal(t, []string{"ben"}, got.TagsByCategory()[documents.CategoryAuthor])
}

func TestListDocumentsByTag(t *testing.T) {
	svc, _ := newDocumentService(t)
	for _, author := range []string{"ana", "ben"} {
		_, err := svc.Create(bg(), CreateDocumentInput{
			Type:    documents.TypeArticle,
			Title:   "by " + author,
			Content: "body",
			Tags:    []TagInput{{Category: documents.CategoryAuthor, Value: author}},
		})
		require.NoError(t, err)
	}

	out, err := svc.List(bg(), DocumentFilter{Tags: []string{"author:ana"}})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "by ana", out[0].Title)

	out, err = svc.List(bg(), DocumentFilter{Tags: []string{"author:ana", "author:ben"}})
	require.NoError(t, err)
	assert.Len(t, out, 2)

	_, err = svc.List(bg(), DocumentFilter{Tags: []string{"author"}})
	var ve *ValidationError
	assert.ErrorAs(t, err, &ve)
}

func TestPinAndDeleteDocument(t *testing.T) {
	svc, _ := newDocumentService(t)
	doc, err := svc.Create(bg(), CreateDocumentInput{Type: documents.TypeArticle, Content: "body"})
	require.NoError(t, err)

	pinned, err := svc.SetPinned(bg(), doc.ID, true)
	require.NoError(t, err)
	assert.True(t, pinned.Pinned)

	out, err := svc.List(bg(), DocumentFilter{PinnedOnly: true})
	require.NoError(t, err)
	assert.Len(t, out, 1)

	_, err = svc.SetPinned(bg(), uuid.New(), true)
	assert.ErrorIs(t, err, ErrDocumentNotFound)

	require.NoError(t, svc.Delete(bg(), doc.ID))
	assert.ErrorIs(t, svc.Delete(bg(), doc.ID), ErrDocumentNotFound)
	_, err = svc.Get(bg(), doc.ID)
	assert.ErrorIs(t, err, ErrDocumentNotFound)
}

func TestPreviewHasNoUsageSideEffect(t *testing.T) {
	svc, rs := newDocumentService(t)
	doc, err := svc.Create(bg(), CreateDocumentInput{
		Type:         documents.TypeArticle,
		Title:        "Goroutine leaks",
		Content:      "how to find goroutine leaks",
		SuccessLevel: "high",
		Tags:         []TagInput{{Category: documents.CategoryAuthor, Value: "ana"}},
	})
	require.NoError(t, err)
	pin, err := svc.Create(bg(), CreateDocumentInput{Type: documents.TypeArticle, Title: "House style", Content: "short sentences"})
	require.NoError(t, err)

	res, err := svc.Preview(bg(), PreviewInput{
		Query:             "goroutine leaks",
		TagFilters:        map[string][]string{documents.CategoryAuthor: {"ana"}},
		PinnedDocumentIDs: []uuid.UUID{pin.ID},
	})
	require.NoError(t, err)
	assert.Contains(t, res.Text, "Goroutine leaks")
	assert.Contains(t, res.Text, "House style")

	after, err := rs.Documents.GetByID(bg(), doc.ID)
	require.NoError(t, err)
	assert.Zero(t, after.UsageCount)

	_, err = svc.Preview(bg(), PreviewInput{SuccessLevels: []string{"stellar"}})
	var ve *ValidationError
	assert.ErrorAs(t, err, &ve)
}

func TestParseTagFilters(t *testing.T) {
	got, err := ParseTagFilters([]string{"author: ana", "theme:go", "author:ben"})
	require.NoError(t, err)
	assert.Equal(t, map[string][]string{"author": {"ana", "ben"}, "theme": {"go"}}, got)

	_, err = ParseTagFilters([]string{":go"})
	assert.Error(t, err)
}
