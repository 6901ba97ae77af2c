package retrieval

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/yungbote/contentforge-backend/internal/data/repos"
	docrepo "github.com/yungbote/contentforge-backend/internal/data/repos/documents"
	"github.com/yungbote/contentforge-backend/internal/domain/documents"
	"github.com/yungbote/contentforge-backend/internal/observability"
	"github.com/yungbote/contentforge-backend/internal/platform/dbctx"
	"github.com/yungbote/contentforge-backend/internal/platform/logger"
)

const (
	// NoResults is returned in place of a context block when nothing matched. Callers
	// treat it as an ordinary, empty context.
	NoResults = "No related past content was found."

	BlockDelimiter = "\n\n---\n\n"

	// PinnedScore is the score reported for pinned documents; it is never compared.
	PinnedScore = 1.0
)

type Config struct {
	Limit    int    `envconfig:"RETRIEVAL_LIMIT" default:"5"`
	UsageCap int64  `envconfig:"RETRIEVAL_USAGE_CAP" default:"1000000"`
	Scorer   string `envconfig:"RETRIEVAL_SCORER" default:"lexical"`
}

type Request struct {
	Query string
	// TagFilters intersect across categories and union within a category.
	TagFilters    map[string][]string
	SuccessLevels []documents.SuccessLevel
	Types         []string
	Limit         int
	Pinned        []*documents.Document
}

type Scored struct {
	Document *documents.Document `json:"document"`
	Score    float64             `json:"score"`
	Pinned   bool                `json:"pinned"`
}

type Result struct {
	Text              string   `json:"text"`
	Documents         []Scored `json:"documents"`
	IgnoredCategories []string `json:"ignored_categories,omitempty"`
	Candidates        int      `json:"candidates"`
}

// Empty reports whether nothing was selected.
func (r *Result) Empty() bool { return r == nil || len(r.Documents) == 0 }

func (r *Result) IDs() []uuid.UUID {
	if r == nil {
		return nil
	}
	out := make([]uuid.UUID, 0, len(r.Documents))
	for _, s := range r.Documents {
		out = append(out, s.Document.ID)
	}
	return out
}

type Assembler struct {
	log    *logger.Logger
	docs   repos.DocumentRepo
	scorer Scorer
	cfg    Config
}

func NewAssembler(log *logger.Logger, docs repos.DocumentRepo, scorer Scorer, cfg Config) *Assembler {
	if scorer == nil {
		scorer = LexicalScorer{}
	}
	if cfg.Limit <= 0 {
		cfg.Limit = 5
	}
	if cfg.UsageCap <= 0 {
		cfg.UsageCap = 1_000_000
	}
	return &Assembler{
		log:    log.With("service", "ContextAssembler", "scorer", scorer.Name()),
		docs:   docs,
		scorer: scorer,
		cfg:    cfg,
	}
}

// Assemble returns the formatted context block for query. Every document included has its
// usage count bumped.
func (a *Assembler) Assemble(ctx context.Context, query string, tagFilters map[string][]string, limit int, pinned []*documents.Document) (string, error) {
	res, err := a.Retrieve(ctx, Request{Query: query, TagFilters: tagFilters, Limit: limit, Pinned: pinned})
	if err != nil {
		return "", err
	}
	return res.Text, nil
}

// Retrieve is Assemble with the selection details.
func (a *Assembler) Retrieve(ctx context.Context, req Request) (*Result, error) {
	res, err := a.Preview(ctx, req)
	if err != nil {
		return nil, err
	}
	if ids := res.IDs(); len(ids) > 0 {
		if err := a.docs.IncrementUsage(dbctx.Context{Ctx: ctx}, ids, a.cfg.UsageCap); err != nil {
			a.log.Warn("usage count increment failed", "documents", len(ids), "error", err)
		}
	}
	return res, nil
}

// Preview selects and formats without touching usage counts.
func (a *Assembler) Preview(ctx context.Context, req Request) (*Result, error) {
	dbc := dbctx.Context{Ctx: ctx}
	limit := req.Limit
	if limit <= 0 {
		limit = a.cfg.Limit
	}

	pinned := dedupePinned(req.Pinned)
	exclude := make([]uuid.UUID, 0, len(pinned))
	for _, d := range pinned {
		exclude = append(exclude, d.ID)
	}

	tags, ignored, err := a.resolveFilters(dbc, req.TagFilters)
	if err != nil {
		return nil, err
	}
	candidates, err := a.docs.FindCandidates(dbc, docrepo.CandidateQuery{
		Tags:          tags,
		SuccessLevels: req.SuccessLevels,
		Types:         req.Types,
		ExcludeIDs:    exclude,
	})
	if err != nil {
		return nil, fmt.Errorf("find context candidates: %w", err)
	}

	scored, err := a.rank(ctx, req.Query, candidates)
	if err != nil {
		return nil, err
	}
	if len(scored) > limit {
		scored = scored[:limit]
	}

	res := &Result{IgnoredCategories: ignored, Candidates: len(candidates)}
	for _, d := range pinned {
		res.Documents = append(res.Documents, Scored{Document: d, Score: PinnedScore, Pinned: true})
	}
	res.Documents = append(res.Documents, scored...)
	res.Text = Format(res.Documents)

	observability.Current().ObserveContext(len(pinned), len(scored))
	a.log.Debug("context assembled", "pinned", len(pinned), "scored", len(scored), "candidates", len(candidates))
	return res, nil
}

// resolveFilters keeps, per category, only values that exist as tags. A category none of
// whose values exist imposes no restriction.
func (a *Assembler) resolveFilters(dbc dbctx.Context, filters map[string][]string) (map[string][]string, []string, error) {
	out := map[string][]string{}
	var ignored []string
	categories := make([]string, 0, len(filters))
	for c := range filters {
		categories = append(categories, c)
	}
	sort.Strings(categories)
	for _, cat := range categories {
		values := cleanValues(filters[cat])
		if strings.TrimSpace(cat) == "" || len(values) == 0 {
			continue
		}
		known, err := a.docs.KnownTagValues(dbc, cat, values)
		if err != nil {
			return nil, nil, fmt.Errorf("resolve tag filter %s: %w", cat, err)
		}
		if len(known) == 0 {
			a.log.Warn("tag filter matches no known tag; ignoring category", "category", cat, "values", values)
			ignored = append(ignored, cat)
			continue
		}
		out[cat] = known
	}
	return out, ignored, nil
}

func (a *Assembler) rank(ctx context.Context, query string, docs []*documents.Document) ([]Scored, error) {
	if len(docs) == 0 {
		return nil, nil
	}
	scores, err := a.scorer.Score(ctx, query, docs)
	if err != nil {
		return nil, fmt.Errorf("score context candidates: %w", err)
	}
	out := make([]Scored, 0, len(docs))
	for i, d := range docs {
		out = append(out, Scored{Document: d, Score: scores[i]})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Document.ID.String() < out[j].Document.ID.String()
	})
	return out, nil
}

// Format renders one block per document, or NoResults.
func Format(docs []Scored) string {
	if len(docs) == 0 {
		return NoResults
	}
	blocks := make([]string, 0, len(docs))
	for i, s := range docs {
		d := s.Document
		var b strings.Builder
		fmt.Fprintf(&b, "[Reference %d]\n", i+1)
		fmt.Fprintf(&b, "Type: %s\n", d.Type)
		if strings.TrimSpace(d.Title) != "" {
			fmt.Fprintf(&b, "Title: %s\n", d.Title)
		}
		fmt.Fprintf(&b, "Tags: %s\n", formatTags(d))
		level := string(d.SuccessLevel)
		if level == "" {
			level = "unset"
		}
		fmt.Fprintf(&b, "Success level: %s\n", level)
		b.WriteString("Content:\n")
		b.WriteString(strings.TrimSpace(d.Content))
		blocks = append(blocks, b.String())
	}
	return strings.Join(blocks, BlockDelimiter)
}

func formatTags(d *documents.Document) string {
	byCat := d.TagsByCategory()
	if len(byCat) == 0 {
		return "none"
	}
	cats := make([]string, 0, len(byCat))
	for c := range byCat {
		cats = append(cats, c)
	}
	sort.Strings(cats)
	parts := make([]string, 0, len(cats))
	for _, c := range cats {
		parts = append(parts, c+": "+strings.Join(byCat[c], ", "))
	}
	return strings.Join(parts, " | ")
}

func dedupePinned(in []*documents.Document) []*documents.Document {
	out := make([]*documents.Document, 0, len(in))
	seen := map[uuid.UUID]bool{}
	for _, d := range in {
		if d == nil || seen[d.ID] {
			continue
		}
		seen[d.ID] = true
		out = append(out, d)
	}
	return out
}

func cleanValues(in []string) []string {
	out := make([]string, 0, len(in))
	seen := map[string]bool{}
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}

// ResolvePinned loads the caller's pinned ids in order, followed by store-pinned documents
// when includeStore is set.
func (a *Assembler) ResolvePinned(ctx context.Context, ids []uuid.UUID, includeStore bool) ([]*documents.Document, error) {
	dbc := dbctx.Context{Ctx: ctx}
	out, err := a.docs.GetByIDs(dbc, ids)
	if err != nil {
		return nil, err
	}
	if includeStore {
		more, err := a.docs.ListPinned(dbc, 10)
		if err != nil {
			return nil, err
		}
		out = append(out, more...)
	}
	return dedupePinned(out), nil
}

// Block is the persisted form of an assembled context, as stored by a pipeline stage.
type Block struct {
	Text              string      `json:"text"`
	DocumentIDs       []uuid.UUID `json:"document_ids"`
	IgnoredCategories []string    `json:"ignored_categories,omitempty"`
}

func (b Block) Validate() error {
	if strings.TrimSpace(b.Text) == "" {
		return fmt.Errorf("empty context block")
	}
	return nil
}

func (r *Result) Block() Block {
	if r == nil {
		return Block{Text: NoResults, DocumentIDs: []uuid.UUID{}}
	}
	return Block{Text: r.Text, DocumentIDs: r.IDs(), IgnoredCategories: r.IgnoredCategories}
}
