package seo_article

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/yungbote/contentforge-backend/internal/domain/documents"
	"github.com/yungbote/contentforge-backend/internal/jobs/orchestrator"
	"github.com/yungbote/contentforge-backend/internal/jobs/pipeline/stagekit"
	jobrt "github.com/yungbote/contentforge-backend/internal/jobs/runtime"
	"github.com/yungbote/contentforge-backend/internal/platform/dbctx"
	"github.com/yungbote/contentforge-backend/internal/platform/gcp"
	"github.com/yungbote/contentforge-backend/internal/platform/openai"
	"github.com/yungbote/contentforge-backend/internal/platform/promptstyle"
	"github.com/yungbote/contentforge-backend/internal/platform/webpage"
	"github.com/yungbote/contentforge-backend/internal/quality"
)

// -------------------- outputs --------------------

type Keywords struct {
	Conclusion []string `json:"conclusion"`
	Traffic    []string `json:"traffic"`
}

func (k Keywords) Validate() error {
	if len(stagekit.NonEmpty(k.Traffic)) == 0 {
		return errors.New("no traffic keywords")
	}
	return nil
}

// Primary is the keyword that stands in for the conclusion placeholder.
func (k Keywords) Primary() string {
	if c := stagekit.NonEmpty(k.Conclusion); len(c) > 0 {
		return c[0]
	}
	if t := stagekit.NonEmpty(k.Traffic); len(t) > 0 {
		return t[0]
	}
	return ""
}

type Queries struct {
	Queries []string `json:"queries"`
}

func (q Queries) Validate() error {
	if len(stagekit.NonEmpty(q.Queries)) == 0 {
		return errors.New("no search queries")
	}
	return nil
}

type KeywordCount struct {
	Keyword string `json:"keyword"`
	Count   int    `json:"count"`
}

type ArticleAnalysis struct {
	Title         string         `json:"title"`
	URL           string         `json:"url"`
	Length        int            `json:"length"`
	H2            int            `json:"h2"`
	H3            int            `json:"h3"`
	Headings      []string       `json:"headings"`
	KeywordCounts []KeywordCount `json:"keyword_counts"`
	Strategy      string         `json:"strategy"`
}

type QueryAnalysis struct {
	Query    string            `json:"query"`
	Articles []ArticleAnalysis `json:"articles"`
}

type Competitors struct {
	Analyses []QueryAnalysis               `json:"analyses"`
	Failures []orchestrator.SubItemFailure `json:"failures,omitempty"`
}

func (c Competitors) Validate() error {
	if len(c.Analyses) == 0 {
		return errors.New("no competitor analyses")
	}
	return nil
}

// MaxLength is the longest competing article.
func (c Competitors) MaxLength() int {
	n := 0
	for _, qa := range c.Analyses {
		for _, a := range qa.Articles {
			if a.Length > n {
				n = a.Length
			}
		}
	}
	return n
}

// MaxKeywordCount is the highest occurrence of keyword in any competing article.
func (c Competitors) MaxKeywordCount(keyword string) int {
	n := 0
	for _, qa := range c.Analyses {
		for _, a := range qa.Articles {
			for _, kc := range a.KeywordCounts {
				if strings.EqualFold(strings.TrimSpace(kc.Keyword), strings.TrimSpace(keyword)) && kc.Count > n {
					n = kc.Count
				}
			}
		}
	}
	return n
}

type SavedCompetitors struct {
	DocumentIDs []uuid.UUID `json:"document_ids"`
}

func (SavedCompetitors) Validate() error { return nil }

type ReaderInsights struct {
	Personas      []string `json:"personas"`
	PainPoints    []string `json:"pain_points"`
	StoryKeywords []string `json:"story_keywords"`
	OfferBridge   string   `json:"offer_bridge"`
}

func (r ReaderInsights) Validate() error {
	if len(stagekit.NonEmpty(r.Personas)) == 0 {
		return errors.New("no reader personas")
	}
	return nil
}

// -------------------- schemas --------------------

var (
	keywordsSchema = stagekit.Object(map[string]any{
		"conclusion": stagekit.StringArray(),
		"traffic":    stagekit.StringArray(),
	})
	queriesSchema = stagekit.Object(map[string]any{
		"queries": stagekit.StringArray(),
	})
	searchResultsSchema = stagekit.Object(map[string]any{
		"results": stagekit.Array(stagekit.Object(map[string]any{
			"title": stagekit.String(),
			"url":   stagekit.String(),
		})),
	})
	strategySchema = stagekit.Object(map[string]any{
		"strategy": stagekit.String(),
	})
	insightsSchema = stagekit.Object(map[string]any{
		"personas":       stagekit.StringArray(),
		"pain_points":    stagekit.StringArray(),
		"story_keywords": stagekit.StringArray(),
		"offer_bridge":   stagekit.String(),
	})
)

// -------------------- stages --------------------

func (p *Pipeline) keywords(jc *jobrt.Context, st *orchestrator.State) (orchestrator.Output, error) {
	var in Input
	if err := st.Input(&in); err != nil {
		return nil, err
	}
	system := promptstyle.ApplySystem(`Split an article theme into SEO keywords.
"conclusion" holds the one to three phrases the article must conclude with.
"traffic" holds three to eight search phrases readers type to find this topic.`, "json")
	user := fmt.Sprintf("Theme: %s\nContent type: %s\nNotes: %s", in.Theme, in.ContentType, in.Remarks)

	var out Keywords
	if err := p.ai.GenerateJSON(jc.Ctx, system, user, "seo_keywords", keywordsSchema, &out); err != nil {
		return nil, err
	}
	out.Conclusion = stagekit.NonEmpty(out.Conclusion)
	out.Traffic = stagekit.NonEmpty(out.Traffic)
	return out, nil
}

func (p *Pipeline) searchQueries(jc *jobrt.Context, st *orchestrator.State) (orchestrator.Output, error) {
	var in Input
	if err := st.Input(&in); err != nil {
		return nil, err
	}
	kw, err := orchestrator.Load[Keywords](st, StageKeywords)
	if err != nil {
		return nil, err
	}
	system := promptstyle.ApplySystem(fmt.Sprintf(`Expand SEO traffic keywords into distinct web search queries.
Return at most %d queries, most commercially relevant first.`, p.maxQueries), "json")
	user := fmt.Sprintf("Theme: %s\nTraffic keywords:\n%s", in.Theme, stagekit.Bullets(kw.Traffic))

	var out Queries
	if err := p.ai.GenerateJSON(jc.Ctx, system, user, "seo_search_queries", queriesSchema, &out); err != nil {
		return nil, err
	}
	out.Queries = dedupe(stagekit.NonEmpty(out.Queries))
	if len(out.Queries) > p.maxQueries {
		out.Queries = out.Queries[:p.maxQueries]
	}
	return out, nil
}

// competitors searches each query, then fetches and measures every result page once.
// Length, heading and keyword counts come from the page itself; the model only summarises
// each page's strategy.
func (p *Pipeline) competitors(jc *jobrt.Context, st *orchestrator.State) (orchestrator.Output, error) {
	var in Input
	if err := st.Input(&in); err != nil {
		return nil, err
	}
	kw, err := orchestrator.Load[Keywords](st, StageKeywords)
	if err != nil {
		return nil, err
	}
	qs, err := orchestrator.Load[Queries](st, StageQueries)
	if err != nil {
		return nil, err
	}

	var (
		failures []orchestrator.SubItemFailure
		urls     []string
		titles   = map[string]string{}
		perQuery = make([][]string, len(qs.Queries))
	)
	for i, query := range qs.Queries {
		results, err := p.search.Search(jc.Ctx, query, p.resultsPerQuery)
		if err != nil {
			if cerr := jc.Ctx.Err(); cerr != nil {
				return nil, cerr
			}
			p.log.Warn("competitor search failed", "job_id", jc.JobID(), "query", query, "error", err.Error())
			failures = append(failures, orchestrator.SubItemFailure{Index: i, Label: "query", Error: err.Error()})
			continue
		}
		for _, r := range results {
			u := strings.TrimSpace(r.URL)
			if u == "" || containsString(perQuery[i], u) {
				continue
			}
			perQuery[i] = append(perQuery[i], u)
			if _, ok := titles[u]; !ok {
				titles[u] = strings.TrimSpace(r.Title)
				urls = append(urls, u)
			}
		}
	}
	if len(urls) == 0 {
		return nil, orchestrator.Permanent(fmt.Errorf("no competitor pages found for %d queries", len(qs.Queries)))
	}

	measured, pageFailures, err := orchestrator.RunSubItems(jc, st, urls, orchestrator.SubItemOptions{
		Concurrency: p.concurrency,
		Label:       "url",
	}, func(ctx context.Context, idx int, u string) (ArticleAnalysis, error) {
		page, err := p.pages.Fetch(ctx, u)
		if err != nil {
			return ArticleAnalysis{}, err
		}
		a := p.measure(page, kw.Traffic)
		if a.Length == 0 {
			return ArticleAnalysis{}, fmt.Errorf("%s: no readable content", u)
		}
		a.URL = u
		if a.Title == "" {
			a.Title = titles[u]
		}
		a.Strategy = p.strategy(ctx, in, a, page)
		return a, nil
	})
	if err != nil {
		return nil, err
	}
	failures = append(failures, pageFailures...)

	byURL := make(map[string]ArticleAnalysis, len(measured))
	for _, a := range measured {
		byURL[a.URL] = a
	}
	out := Competitors{Failures: failures}
	for i, query := range qs.Queries {
		qa := QueryAnalysis{Query: query}
		for _, u := range perQuery[i] {
			if a, ok := byURL[u]; ok {
				qa.Articles = append(qa.Articles, a)
			}
		}
		if len(qa.Articles) > 0 {
			out.Analyses = append(out.Analyses, qa)
		}
	}
	return out, nil
}

// measure counts on the page text with the same rules the quality gate applies to drafts.
func (p *Pipeline) measure(page *webpage.Page, keywords []string) ArticleAnalysis {
	a := ArticleAnalysis{
		Title:    page.Title,
		URL:      page.URL,
		Length:   quality.Length(page.Text),
		H2:       quality.CountH2(page.Text),
		H3:       quality.CountH3(page.Text),
		Headings: page.Headings(),
	}
	for _, k := range stagekit.NonEmpty(keywords) {
		a.KeywordCounts = append(a.KeywordCounts, KeywordCount{Keyword: k, Count: p.gate.CountPhrase(page.Text, k)})
	}
	return a
}

// strategy is best effort: a failed summary leaves the measurements standing.
func (p *Pipeline) strategy(ctx context.Context, in Input, a ArticleAnalysis, page *webpage.Page) string {
	system := promptstyle.ApplySystem(`Summarise in two or three sentences how a competing article approaches its topic:
its angle, its audience and what makes it rank.`, "json")
	user := fmt.Sprintf("Theme: %s\nTitle: %s\nHeadings:\n%s\n\nText:\n%s",
		in.Theme, a.Title, stagekit.Bullets(a.Headings), stagekit.Excerpt(page.Text, 4000))
	var out struct {
		Strategy string `json:"strategy"`
	}
	if err := p.ai.GenerateJSON(ctx, system, user, "seo_article_strategy", strategySchema, &out); err != nil {
		p.log.Warn("competitor strategy summary failed", "url", a.URL, "error", err.Error())
		return ""
	}
	return strings.TrimSpace(out.Strategy)
}

// modelSearcher stands in for a search API when none is configured by asking the model
// for pages it knows rank for the query. Every URL is still fetched and measured.
type modelSearcher struct {
	ai openai.Client
}

func (m modelSearcher) Search(ctx context.Context, query string, limit int) ([]gcp.SearchResult, error) {
	if limit <= 0 {
		limit = defaultResultsPerQuery
	}
	system := promptstyle.ApplySystem(fmt.Sprintf(`List up to %d publicly reachable article URLs that rank for a web search query.
Only include pages you are confident exist.`, limit), "json")
	var out struct {
		Results []gcp.SearchResult `json:"results"`
	}
	if err := m.ai.GenerateJSON(ctx, system, "Search query: "+query, "seo_search_results", searchResultsSchema, &out); err != nil {
		return nil, err
	}
	results := make([]gcp.SearchResult, 0, len(out.Results))
	for _, r := range out.Results {
		u := strings.TrimSpace(r.URL)
		if !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
			continue
		}
		results = append(results, gcp.SearchResult{Title: strings.TrimSpace(r.Title), URL: u})
		if len(results) == limit {
			break
		}
	}
	if len(results) == 0 {
		return nil, fmt.Errorf("query %q: no result urls", query)
	}
	return results, nil
}

// saveCompetitors stores each analysis as a document keyed by (job, query), so a resumed
// run overwrites instead of duplicating.
func (p *Pipeline) saveCompetitors(jc *jobrt.Context, st *orchestrator.State) (orchestrator.Output, error) {
	var in Input
	if err := st.Input(&in); err != nil {
		return nil, err
	}
	comp, err := orchestrator.Load[Competitors](st, StageCompetitors)
	if err != nil {
		return nil, err
	}
	out := SavedCompetitors{DocumentIDs: []uuid.UUID{}}
	for _, qa := range comp.Analyses {
		sourceID := competitorSourceID(jc.Job.ID, qa.Query)
		doc := &documents.Document{
			Type:         documents.TypeCompetitorAnalysis,
			Title:        "Competitor analysis: " + qa.Query,
			Content:      formatAnalysis(qa),
			SuccessLevel: documents.SuccessMedium,
			SourceID:     &sourceID,
			Tags:         stagekit.Tags(documents.CategoryTheme, in.Theme, documents.CategoryContentType, in.ContentType),
		}
		saved, err := p.docs.UpsertBySourceID(dbctx.Context{Ctx: jc.Ctx}, doc)
		if err != nil {
			return nil, fmt.Errorf("save competitor analysis %q: %w", qa.Query, err)
		}
		out.DocumentIDs = append(out.DocumentIDs, saved.ID)
	}
	return out, nil
}

func competitorSourceID(jobID uuid.UUID, query string) string {
	return fmt.Sprintf("seo_competitor_%s_%s", jobID, uuid.NewSHA1(uuid.NameSpaceURL, []byte(strings.ToLower(strings.TrimSpace(query)))))
}

func formatAnalysis(qa QueryAnalysis) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Query: %s\n", qa.Query)
	for i, a := range qa.Articles {
		fmt.Fprintf(&b, "\n%d. %s (%s)\nLength: %d, H2: %d, H3: %d\n", i+1, a.Title, a.URL, a.Length, a.H2, a.H3)
		if len(a.Headings) > 0 {
			b.WriteString("Headings:\n")
			b.WriteString(stagekit.Bullets(a.Headings))
			b.WriteString("\n")
		}
		if len(a.KeywordCounts) > 0 {
			b.WriteString("Keyword counts:")
			for _, kc := range a.KeywordCounts {
				fmt.Fprintf(&b, " %s=%d", kc.Keyword, kc.Count)
			}
			b.WriteString("\n")
		}
		if s := strings.TrimSpace(a.Strategy); s != "" {
			b.WriteString("Strategy: " + s + "\n")
		}
	}
	return strings.TrimSpace(b.String())
}

func (p *Pipeline) readerInsights(jc *jobrt.Context, st *orchestrator.State) (orchestrator.Output, error) {
	var in Input
	if err := st.Input(&in); err != nil {
		return nil, err
	}
	kw, err := orchestrator.Load[Keywords](st, StageKeywords)
	if err != nil {
		return nil, err
	}
	comp, err := orchestrator.Load[Competitors](st, StageCompetitors)
	if err != nil {
		return nil, err
	}
	system := promptstyle.ApplySystem(`Describe who searches for this topic and why.
Give two to four reader personas, their pain points, emotionally resonant story keywords,
and one sentence bridging the article to the offer (empty when there is no offer).`, "json")
	user := fmt.Sprintf("Theme: %s\nKeywords:\n%s\nOffer: %s\n\nCompeting coverage:\n%s",
		in.Theme, stagekit.Bullets(kw.Traffic), in.Offer, stagekit.Excerpt(competitorDigest(comp), 6000))

	var out ReaderInsights
	if err := p.ai.GenerateJSON(jc.Ctx, system, user, "seo_reader_insights", insightsSchema, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (p *Pipeline) contextStage() orchestrator.StageFunc {
	return stagekit.ContextStage(p.assembler, func(st *orchestrator.State) (stagekit.ContextRequest, error) {
		var in Input
		if err := st.Input(&in); err != nil {
			return stagekit.ContextRequest{}, err
		}
		query := in.Theme
		if kw, err := orchestrator.Load[Keywords](st, StageKeywords); err == nil {
			query += " " + strings.Join(kw.Traffic, " ")
		}
		return stagekit.ContextRequest{
			Query: query,
			TagFilters: stagekit.Filters(
				documents.CategoryAuthor, in.Author,
				documents.CategoryGenre, in.Genre,
				documents.CategoryContentType, in.ContentType,
			),
			Types:              []string{documents.TypeArticle, documents.TypeSEOArticle, documents.TypeLongContent},
			PinnedIDs:          in.PinnedDocumentIDs,
			IncludeStorePinned: true,
		}, nil
	})
}

func competitorDigest(c Competitors) string {
	parts := make([]string, 0, len(c.Analyses))
	for _, qa := range c.Analyses {
		parts = append(parts, formatAnalysis(qa))
	}
	return strings.Join(parts, "\n\n")
}

// -------------------- helpers --------------------

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func dedupe(in []string) []string {
	seen := map[string]bool{}
	out := make([]string, 0, len(in))
	for _, s := range in {
		k := strings.ToLower(s)
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, s)
	}
	return out
}
