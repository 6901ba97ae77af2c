package seo_article

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yungbote/contentforge-backend/internal/domain/documents"
	"github.com/yungbote/contentforge-backend/internal/domain/jobs"
	"github.com/yungbote/contentforge-backend/internal/jobs/orchestrator"
	"github.com/yungbote/contentforge-backend/internal/jobs/pipeline/pipelinetest"
	"github.com/yungbote/contentforge-backend/internal/platform/gcp"
	"github.com/yungbote/contentforge-backend/internal/platform/webpage"
	"github.com/yungbote/contentforge-backend/internal/quality"
	"github.com/yungbote/contentforge-backend/internal/retrieval"
)

func scriptedAI(ai *pipelinetest.FakeAI, article func(rewrite bool) string) {
	ai.On("seo_keywords", Keywords{Conclusion: []string{"structured concurrency"}, Traffic: []string{"goroutines", "channels"}})
	ai.On("seo_search_queries", Queries{Queries: []string{"go goroutines", "go channels", "GO Goroutines", "broken query"}})
	ai.On("seo_article_strategy", map[string]any{"strategy": "beginner friendly"})
	ai.On("seo_reader_insights", ReaderInsights{Personas: []string{"backend developer"}, PainPoints: []string{"deadlocks"}})
	ai.On("seo_enhancement", Enhancement{MetaDescription: "Goroutines and channels explained.", JSONLD: `{"@type":"FAQPage"}`})
	ai.Text = func(system, user string) (string, error) {
		if strings.Contains(system, "Under each heading") {
			return "## Intro\n### Why\n## Conclusion", nil
		}
		return article(strings.Contains(system, "Revise")), nil
	}
}

const (
	tourURL     = "https://example.com/tour"
	missingURL  = "https://example.com/missing"
	channelsURL = "https://example.com/channels"
)

type fakeSearch struct{}

func (fakeSearch) Search(ctx context.Context, query string, limit int) ([]gcp.SearchResult, error) {
	switch query {
	case "go goroutines":
		return []gcp.SearchResult{{Title: "Tour", URL: tourURL}, {URL: missingURL}}, nil
	case "go channels":
		return []gcp.SearchResult{{URL: tourURL}, {Title: "Channels", URL: channelsURL}, {URL: channelsURL}}, nil
	}
	return nil, errors.New("upstream timeout")
}

type fakePages struct {
	mu    sync.Mutex
	calls map[string]int
}

func (f *fakePages) Fetch(ctx context.Context, pageURL string) (*webpage.Page, error) {
	f.mu.Lock()
	if f.calls == nil {
		f.calls = map[string]int{}
	}
	f.calls[pageURL]++
	f.mu.Unlock()
	switch pageURL {
	case tourURL:
		return &webpage.Page{URL: pageURL, Title: "A tour of goroutines", Text: competitorText(1000, 4, 8, "goroutines", 4)}, nil
	case channelsURL:
		return &webpage.Page{URL: pageURL, Text: competitorText(600, 2, 3, "channels", 2)}, nil
	}
	return nil, fmt.Errorf("fetch page: http %d", 404)
}

// competitorText builds page text with exactly length measured runes.
func competitorText(length, h2, h3 int, keyword string, uses int) string {
	var b strings.Builder
	for i := 0; i < h2; i++ {
		fmt.Fprintf(&b, "## Topic %d\n", i)
	}
	for i := 0; i < h3; i++ {
		fmt.Fprintf(&b, "### Detail %d\n", i)
	}
	for i := 0; i < uses; i++ {
		fmt.Fprintf(&b, "All about %s.\n", keyword)
	}
	pad := length - quality.Length(b.String())
	b.WriteString(strings.Repeat("text ", pad/4))
	b.WriteString(strings.Repeat("x", pad%4))
	return b.String()
}

// passingArticle satisfies the criteria built from the scripted competitors.
func passingArticle() string {
	var b strings.Builder
	for i := 0; i < 5; i++ {
		fmt.Fprintf(&b, "## Section %d\n\n", i)
		for j := 0; j < 3; j++ {
			fmt.Fprintf(&b, "### Part %d.%d\n\nGoroutines and channels lead to %s. %s\n\n", i, j, ConclusionPlaceholder, strings.Repeat("detail ", 20))
		}
	}
	b.WriteString("---\n\n(RAG: source 2) closing words")
	return b.String()
}

func build(t *testing.T, h *pipelinetest.Harness) *orchestrator.Pipeline {
	t.Helper()
	pl, _ := buildWithPages(t, h)
	return pl
}

func buildWithPages(t *testing.T, h *pipelinetest.Harness) (*orchestrator.Pipeline, *fakePages) {
	t.Helper()
	pages := &fakePages{}
	pl, err := New(h.Log, h.AI, h.Repos.Documents, h.Assembler, h.Gate, fakeSearch{}, pages).Build()
	require.NoError(t, err)
	return pl, pages
}

func TestSEOArticleRunsEndToEnd(t *testing.T) {
	h := pipelinetest.New(t)
	scriptedAI(h.AI, func(bool) string { return passingArticle() })
	pinned := h.SeedDocument("House style", "Write plainly about goroutines.", documents.SuccessHigh, documents.CategoryAuthor, "ana")
	pl, pages := buildWithPages(t, h)

	job := h.Submit(pl, map[string]any{
		"theme":               "Go concurrency",
		"author":              "ana",
		"target_length":       1000,
		"content_type":        "tutorial",
		"pinned_document_ids": []string{pinned.ID.String()},
		"auto_enhance":        true,
	})
	require.NoError(t, h.Run(pl, job))

	got := h.Reload(job.ID)
	require.Equal(t, jobs.StatusCompleted, got.Status, got.Error)
	assert.Equal(t, 100, got.Progress)
	assert.Equal(t, len(pl.Stages), got.CurrentStage)

	var res quality.Result
	require.NoError(t, json.Unmarshal(got.Quality, &res))
	assert.True(t, res.Passed, "unmet: %+v", res.Unmet)

	qs := pipelinetest.Output[Queries](h, job.ID, StageQueries)
	assert.Equal(t, []string{"go goroutines", "go channels", "broken query"}, qs.Queries)

	comp := pipelinetest.Output[Competitors](h, job.ID, StageCompetitors)
	require.Len(t, comp.Analyses, 2)
	assert.Equal(t, "go goroutines", comp.Analyses[0].Query)
	require.Len(t, comp.Analyses[0].Articles, 1)
	tour := comp.Analyses[0].Articles[0]
	assert.Equal(t, tourURL, tour.URL)
	assert.Equal(t, "A tour of goroutines", tour.Title)
	assert.Equal(t, 1000, tour.Length)
	assert.Equal(t, 4, tour.H2)
	assert.Equal(t, 8, tour.H3)
	assert.Len(t, tour.Headings, 12)
	assert.Equal(t, []KeywordCount{{Keyword: "goroutines", Count: 4}, {Keyword: "channels", Count: 0}}, tour.KeywordCounts)
	assert.Equal(t, "beginner friendly", tour.Strategy)

	assert.Equal(t, "go channels", comp.Analyses[1].Query)
	require.Len(t, comp.Analyses[1].Articles, 2)
	assert.Equal(t, tourURL, comp.Analyses[1].Articles[0].URL)
	assert.Equal(t, "Channels", comp.Analyses[1].Articles[1].Title)
	assert.Equal(t, 600, comp.Analyses[1].Articles[1].Length)

	require.Len(t, comp.Failures, 2)
	assert.Equal(t, orchestrator.SubItemFailure{Index: 2, Label: "query", Error: "upstream timeout"}, comp.Failures[0])
	assert.Equal(t, 1, comp.Failures[1].Index)
	assert.Equal(t, "url", comp.Failures[1].Label)

	assert.Equal(t, 1, pages.calls[tourURL])
	assert.Equal(t, 2, h.AI.Calls("seo_article_strategy"))

	saved := pipelinetest.Output[SavedCompetitors](h, job.ID, StageSave)
	assert.Len(t, saved.DocumentIDs, 2)
	assert.NotNil(t, h.Document(competitorSourceID(job.ID, "go goroutines")))

	block := pipelinetest.Output[retrieval.Block](h, job.ID, StageContext)
	require.NotEmpty(t, block.DocumentIDs)
	assert.Equal(t, pinned.ID, block.DocumentIDs[0])

	crit := pipelinetest.Output[quality.Criteria](h, job.ID, StageCriteria)
	assert.Equal(t, 1500, crit.TargetLength)
	assert.Equal(t, 5, crit.TargetH2)
	assert.Equal(t, 15, crit.TargetH3)
	assert.Equal(t, []quality.Phrase{{Text: "goroutines", Min: 8}, {Text: "channels", Min: 5}}, crit.Phrases)

	post := pipelinetest.Output[orchestrator.Text](h, job.ID, StagePostprocess)
	assert.NotContains(t, post.Text, ConclusionPlaceholder)
	assert.Contains(t, post.Text, "structured concurrency")
	assert.NotContains(t, post.Text, "RAG")
	assert.NotContains(t, post.Text, "\n---")

	enh := pipelinetest.Output[Enhancement](h, job.ID, StageEnhance)
	assert.Equal(t, "Goroutines and channels explained.", enh.MetaDescription)

	doc := h.Document("seo_job_" + job.ID.String())
	require.NotNil(t, doc)
	assert.Equal(t, documents.TypeSEOArticle, doc.Type)
	assert.Equal(t, documents.SuccessHigh, doc.SuccessLevel)
	assert.True(t, strings.HasPrefix(doc.Content, "Theme: Go concurrency\n\nStructure:\n"))
	tags := doc.TagsByCategory()
	assert.Equal(t, []string{"SEO"}, tags[documents.CategoryGenre])
	assert.Equal(t, []string{"ana"}, tags[documents.CategoryAuthor])
}

func TestSEOArticleSkipsEnhancementWhenDisabled(t *testing.T) {
	h := pipelinetest.New(t)
	scriptedAI(h.AI, func(bool) string { return passingArticle() })
	pl := build(t, h)

	job := h.Submit(pl, map[string]any{"theme": "Go concurrency", "target_length": 1000})
	require.NoError(t, h.Run(pl, job))

	require.Equal(t, jobs.StatusCompleted, h.Reload(job.ID).Status)
	skipped := pipelinetest.Output[orchestrator.Skipped](h, job.ID, StageEnhance)
	assert.True(t, skipped.Skipped)
	assert.Equal(t, 0, h.AI.Calls("seo_enhancement"))
}

func TestSEOArticleRewriteRerunsFromFinalAssembly(t *testing.T) {
	h := pipelinetest.New(t)
	scriptedAI(h.AI, func(rewrite bool) string {
		if rewrite {
			return passingArticle()
		}
		return "## Only\n\ngoroutines"
	})
	pl := build(t, h)

	job := h.Submit(pl, map[string]any{"theme": "Go concurrency", "target_length": 1000})
	require.NoError(t, h.Run(pl, job))

	first := h.Reload(job.ID)
	require.Equal(t, jobs.StatusCompleted, first.Status)
	var res quality.Result
	require.NoError(t, json.Unmarshal(first.Quality, &res))
	require.False(t, res.Passed)
	assert.Equal(t, documents.SuccessMedium, h.Document("seo_job_"+job.ID.String()).SuccessLevel)

	fb, err := json.Marshal(orchestrator.RewriteFeedback{Stage: StageArticle, Attempt: 1, Instructions: res.Feedback(), Unmet: res.Unmet})
	require.NoError(t, err)
	require.NoError(t, h.DB.Model(&jobs.Job{}).Where("id = ?", job.ID).Updates(map[string]interface{}{
		"status":           jobs.StatusPending,
		"current_stage":    pl.FinalAssemblyIndex(),
		"rewrite_feedback": fb,
		"rewrite_count":    1,
		"completed_at":     nil,
	}).Error)
	keywordCalls := h.AI.Calls("seo_keywords")

	require.NoError(t, h.Run(pl, job))

	second := h.Reload(job.ID)
	require.Equal(t, jobs.StatusCompleted, second.Status)
	require.NoError(t, json.Unmarshal(second.Quality, &res))
	assert.True(t, res.Passed)
	assert.Equal(t, keywordCalls, h.AI.Calls("seo_keywords"))

	prompts := h.AI.Prompts("text")
	last := prompts[len(prompts)-1]
	assert.Contains(t, last, "rewrite attempt 1")
	assert.Contains(t, last, "## Only")
	assert.Equal(t, documents.SuccessHigh, h.Document("seo_job_"+job.ID.String()).SuccessLevel)
}

func TestSEOArticleInputValidation(t *testing.T) {
	h := pipelinetest.New(t)
	pl := build(t, h)

	raw, err := pl.Input([]byte(`{"theme":"  Go  "}`))
	require.NoError(t, err)
	var in Input
	require.NoError(t, json.Unmarshal(raw, &in))
	assert.Equal(t, "Go", in.Theme)
	assert.Equal(t, defaultTargetLength, in.TargetLength)

	_, err = pl.Input([]byte(`{"author":"ana"}`))
	var ie *orchestrator.InputError
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, "theme", ie.Field)

	_, err = pl.Input([]byte(`{"theme":"x","target_length":10}`))
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, "target_length", ie.Field)
}

func TestCleanStripsRulesAndPlaceholder(t *testing.T) {
	in := "## A\n\nUse " + ConclusionPlaceholder + " daily.\n\n---\n\n***\n\n\n\n## B【RAG 3】\ntext"
	out := Clean(in, "go")
	assert.Equal(t, "## A\n\nUse go daily.\n\n## B\ntext", out)
}

func TestBuildCriteriaWithoutCompetitorLength(t *testing.T) {
	c := buildCriteria(Input{TargetLength: 20000}, Keywords{Traffic: []string{"go"}}, Competitors{})
	assert.Equal(t, 20000, c.TargetLength)
	assert.Equal(t, 7, c.TargetH2)
	assert.Equal(t, 20, c.TargetH3)
	assert.Equal(t, []quality.Phrase{{Text: "go", Min: 5}}, c.Phrases)
	assert.True(t, c.ForbidHorizontalRules)
}

func TestMeasureCountsPageText(t *testing.T) {
	h := pipelinetest.New(t)
	p := New(h.Log, h.AI, h.Repos.Documents, h.Assembler, h.Gate, fakeSearch{}, &fakePages{})
	page := &webpage.Page{URL: "u", Title: "T", Text: "# Title\n## Go channels\nUse channels, then more Channels.\n### Select"}

	a := p.measure(page, []string{"channels", " ", "select"})
	assert.Equal(t, quality.Length(page.Text), a.Length)
	assert.Equal(t, 1, a.H2)
	assert.Equal(t, 1, a.H3)
	assert.Equal(t, []string{"Go channels", "Select"}, a.Headings)
	assert.Equal(t, []KeywordCount{{Keyword: "channels", Count: 3}, {Keyword: "select", Count: 1}}, a.KeywordCounts)
}

func TestModelSearcherKeepsOnlyHTTPURLs(t *testing.T) {
	h := pipelinetest.New(t)
	h.AI.On("seo_search_results", map[string]any{"results": []map[string]any{
		{"title": "A", "url": " https://example.com/a "},
		{"title": "B", "url": "not a url"},
		{"title": "C", "url": "http://example.com/c"},
		{"title": "D", "url": "https://example.com/d"},
	}})
	p := New(h.Log, h.AI, h.Repos.Documents, h.Assembler, h.Gate, nil, &fakePages{})
	require.IsType(t, modelSearcher{}, p.search)

	got, err := p.search.Search(context.Background(), "go channels", 2)
	require.NoError(t, err)
	assert.Equal(t, []gcp.SearchResult{{Title: "A", URL: "https://example.com/a"}, {Title: "C", URL: "http://example.com/c"}}, got)
	assert.Contains(t, h.AI.Prompts("seo_search_results")[0], "go channels")

	h.AI.On("seo_search_results", map[string]any{"results": []map[string]any{{"url": "ftp://x"}}})
	_, err = p.search.Search(context.Background(), "go channels", 2)
	assert.Error(t, err)
}
