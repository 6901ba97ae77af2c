package seo_article

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"gorm.io/datatypes"

	"github.com/yungbote/contentforge-backend/internal/domain/documents"
	"github.com/yungbote/contentforge-backend/internal/jobs/orchestrator"
	"github.com/yungbote/contentforge-backend/internal/jobs/pipeline/stagekit"
	jobrt "github.com/yungbote/contentforge-backend/internal/jobs/runtime"
	"github.com/yungbote/contentforge-backend/internal/platform/dbctx"
	"github.com/yungbote/contentforge-backend/internal/platform/promptstyle"
	"github.com/yungbote/contentforge-backend/internal/quality"
	"github.com/yungbote/contentforge-backend/internal/retrieval"
)

// ConclusionPlaceholder is written by the model wherever the conclusion keyword belongs and
// replaced during postprocessing.
const ConclusionPlaceholder = "[CONCLUSION_KEYWORD]"

const (
	lengthHeadroom  = 500
	charsPerH2      = 3000
	charsPerH3      = 1000
	minH2           = 5
	minH3           = 15
	minPhraseCount  = 5
	documentExcerpt = 5000
	defaultGenre    = "SEO"
)

// -------------------- criteria --------------------

func (p *Pipeline) criteria(jc *jobrt.Context, st *orchestrator.State) (orchestrator.Output, error) {
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
	return buildCriteria(in, kw, comp), nil
}

// buildCriteria targets the strongest competitor: beat the longest article by a margin and
// use each traffic keyword at least twice as often as anyone ranking for it.
func buildCriteria(in Input, kw Keywords, comp Competitors) quality.Criteria {
	target := in.TargetLength
	if l := comp.MaxLength() + lengthHeadroom; comp.MaxLength() > 0 && l > target {
		target = l
	}
	c := quality.Criteria{
		TargetLength:          target,
		TargetH2:              maxInt(ceilDiv(target, charsPerH2), minH2),
		TargetH3:              maxInt(ceilDiv(target, charsPerH3), minH3),
		Forbidden:             []string{ConclusionPlaceholder},
		ForbidHorizontalRules: true,
	}
	for _, t := range kw.Traffic {
		c.Phrases = append(c.Phrases, quality.Phrase{
			Text: t,
			Min:  maxInt(comp.MaxKeywordCount(t)*2, minPhraseCount),
		})
	}
	return c
}

func ceilDiv(a, b int) int { return (a + b - 1) / b }

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// -------------------- structure --------------------

func (p *Pipeline) structure(jc *jobrt.Context, st *orchestrator.State) (orchestrator.Output, error) {
	var in Input
	if err := st.Input(&in); err != nil {
		return nil, err
	}
	kw, err := orchestrator.Load[Keywords](st, StageKeywords)
	if err != nil {
		return nil, err
	}
	ins, err := orchestrator.Load[ReaderInsights](st, StageInsights)
	if err != nil {
		return nil, err
	}
	crit, err := orchestrator.Load[quality.Criteria](st, StageCriteria)
	if err != nil {
		return nil, err
	}
	comp, err := orchestrator.Load[Competitors](st, StageCompetitors)
	if err != nil {
		return nil, err
	}
	system := promptstyle.ApplySystem(fmt.Sprintf(`Write the outline of an SEO article in Markdown.
Use exactly %d H2 (##) sections and at least %d H3 (###) subsections in total.
Under each heading add one line describing what the section covers.
The final H2 section is the conclusion.`, crit.TargetH2, crit.TargetH3), "markdown")
	user := fmt.Sprintf("Theme: %s\nConclusion keywords:\n%s\nTraffic keywords:\n%s\nPersonas:\n%s\nPain points:\n%s\n\nCompeting headings:\n%s",
		in.Theme,
		stagekit.Bullets(kw.Conclusion),
		stagekit.Bullets(kw.Traffic),
		stagekit.Bullets(ins.Personas),
		stagekit.Bullets(ins.PainPoints),
		stagekit.Excerpt(competitorHeadings(comp), 4000),
	)
	text, err := p.ai.GenerateText(jc.Ctx, system, user)
	if err != nil {
		return nil, err
	}
	return orchestrator.Text{Text: strings.TrimSpace(text)}, nil
}

func competitorHeadings(c Competitors) string {
	var lines []string
	for _, qa := range c.Analyses {
		for _, a := range qa.Articles {
			lines = append(lines, a.Headings...)
		}
	}
	return stagekit.Bullets(dedupe(stagekit.NonEmpty(lines)))
}

// -------------------- article --------------------

// article is the final assembly stage. A rewrite pass revises the previous article against
// the unmet targets instead of starting over.
func (p *Pipeline) article(jc *jobrt.Context, st *orchestrator.State) (orchestrator.Output, error) {
	var in Input
	if err := st.Input(&in); err != nil {
		return nil, err
	}
	kw, err := orchestrator.Load[Keywords](st, StageKeywords)
	if err != nil {
		return nil, err
	}
	crit, err := orchestrator.Load[quality.Criteria](st, StageCriteria)
	if err != nil {
		return nil, err
	}
	outline, err := orchestrator.Load[orchestrator.Text](st, StageStructure)
	if err != nil {
		return nil, err
	}

	if fb := st.Rewrite(StageArticle); fb != nil {
		prev, err := previousArticle(st)
		if err != nil {
			return nil, err
		}
		system := promptstyle.ApplySystem(fmt.Sprintf(`Revise the Markdown article so it meets every listed target.
Keep its structure and voice; expand or adjust sections rather than starting over.
Where the conclusion keyword belongs write %s.
Never use horizontal rules.`, ConclusionPlaceholder), "markdown")
		user := fmt.Sprintf("%s\n\nTargets:\n%s\n\nArticle:\n%s", stagekit.Rewrite(fb), criteriaBrief(crit), prev)
		text, err := p.ai.GenerateText(jc.Ctx, system, user)
		if err != nil {
			return nil, err
		}
		return orchestrator.Text{Text: strings.TrimSpace(text)}, nil
	}

	ins, err := orchestrator.Load[ReaderInsights](st, StageInsights)
	if err != nil {
		return nil, err
	}
	block, err := orchestrator.Load[retrieval.Block](st, StageContext)
	if err != nil {
		return nil, err
	}
	comp, err := orchestrator.Load[Competitors](st, StageCompetitors)
	if err != nil {
		return nil, err
	}
	system := promptstyle.ApplySystem(fmt.Sprintf(`Write a complete SEO article in Markdown following the outline.
Meet every target below. Use reference material for tone and facts only; do not copy it.
Where the conclusion keyword belongs write %s.
Never use horizontal rules or decorative separators.`, ConclusionPlaceholder), "markdown")

	var user strings.Builder
	fmt.Fprintf(&user, "Theme: %s\n", in.Theme)
	if in.Author != "" {
		fmt.Fprintf(&user, "Author voice: %s\n", in.Author)
	}
	fmt.Fprintf(&user, "Conclusion keywords:\n%s\n", stagekit.Bullets(kw.Conclusion))
	fmt.Fprintf(&user, "\nTargets:\n%s\n", criteriaBrief(crit))
	fmt.Fprintf(&user, "\nReaders:\n%s\nPain points:\n%s\nStory keywords:\n%s\n",
		stagekit.Bullets(ins.Personas), stagekit.Bullets(ins.PainPoints), stagekit.Bullets(ins.StoryKeywords))
	if in.Offer != "" {
		fmt.Fprintf(&user, "\nOffer: %s\nBridge: %s\n", in.Offer, ins.OfferBridge)
	}
	if in.Remarks != "" {
		fmt.Fprintf(&user, "\nEditor remarks: %s\n", in.Remarks)
	}
	fmt.Fprintf(&user, "\nOutline:\n%s\n", outline.Text)
	fmt.Fprintf(&user, "\nReference material:\n%s\n", block.Text)
	fmt.Fprintf(&user, "\nCompetitor summaries:\n%s\n", stagekit.Excerpt(competitorDigest(comp), 4000))

	text, err := p.ai.GenerateText(jc.Ctx, system, user.String())
	if err != nil {
		return nil, err
	}
	return orchestrator.Text{Text: strings.TrimSpace(text)}, nil
}

// previousArticle prefers the cleaned text the gate measured.
func previousArticle(st *orchestrator.State) (string, error) {
	if st.Has(StagePostprocess) {
		t, err := orchestrator.Load[orchestrator.Text](st, StagePostprocess)
		if err != nil {
			return "", err
		}
		return t.Text, nil
	}
	t, err := orchestrator.Load[orchestrator.Text](st, StageArticle)
	if err != nil {
		return "", err
	}
	return t.Text, nil
}

func criteriaBrief(c quality.Criteria) string {
	lines := []string{
		fmt.Sprintf("at least %d characters", c.TargetLength),
		fmt.Sprintf("at least %d H2 sections", c.TargetH2),
		fmt.Sprintf("at least %d H3 subsections", c.TargetH3),
	}
	for _, ph := range c.Phrases {
		lines = append(lines, fmt.Sprintf("use %q at least %d times", ph.Text, ph.Min))
	}
	return stagekit.Bullets(lines)
}

// -------------------- postprocess --------------------

var (
	annotationRE = regexp.MustCompile(`[（(]RAG[^）)]*[）)]|[【\[]RAG[^】\]]*[】\]]`)
	ruleLineRE   = regexp.MustCompile(`(?m)^[ \t]*(?:-{3,}|\*{3,}|_{3,}|━+|＝+|・{3,})[ \t]*$`)
	blankRunRE   = regexp.MustCompile(`\n{3,}`)
)

func (p *Pipeline) postprocess(jc *jobrt.Context, st *orchestrator.State) (orchestrator.Output, error) {
	kw, err := orchestrator.Load[Keywords](st, StageKeywords)
	if err != nil {
		return nil, err
	}
	art, err := orchestrator.Load[orchestrator.Text](st, StageArticle)
	if err != nil {
		return nil, err
	}
	return orchestrator.Text{Text: Clean(art.Text, kw.Primary())}, nil
}

// Clean replaces the conclusion placeholder and strips working annotations and decorative
// rules.
func Clean(article, conclusion string) string {
	out := article
	if conclusion != "" {
		out = strings.ReplaceAll(out, ConclusionPlaceholder, conclusion)
	}
	out = annotationRE.ReplaceAllString(out, "")
	out = ruleLineRE.ReplaceAllString(out, "")
	out = blankRunRE.ReplaceAllString(out, "\n\n")
	return strings.TrimSpace(out)
}

// -------------------- enhance --------------------

type FAQ struct {
	Question string `json:"question"`
	Answer   string `json:"answer"`
}

type Enhancement struct {
	MetaDescription string `json:"meta_description"`
	FAQ             []FAQ  `json:"faq"`
	JSONLD          string `json:"json_ld"`
}

func (e Enhancement) Validate() error {
	if strings.TrimSpace(e.MetaDescription) == "" {
		return errors.New("empty meta description")
	}
	if e.JSONLD != "" && !json.Valid([]byte(e.JSONLD)) {
		return errors.New("json_ld is not valid JSON")
	}
	return nil
}

var enhancementSchema = stagekit.Object(map[string]any{
	"meta_description": stagekit.String(),
	"faq": stagekit.Array(stagekit.Object(map[string]any{
		"question": stagekit.String(),
		"answer":   stagekit.String(),
	})),
	"json_ld": stagekit.String(),
})

func (p *Pipeline) enhance(jc *jobrt.Context, st *orchestrator.State) (orchestrator.Output, error) {
	var in Input
	if err := st.Input(&in); err != nil {
		return nil, err
	}
	if !in.AutoEnhance {
		return orchestrator.Skip("auto_enhance is off"), nil
	}
	art, err := orchestrator.Load[orchestrator.Text](st, StagePostprocess)
	if err != nil {
		return nil, err
	}
	system := promptstyle.ApplySystem(`Produce search enhancements for the article:
a meta description under 160 characters, three to six FAQ entries answered from the article,
and a schema.org FAQPage JSON-LD document as a string.`, "json")
	user := fmt.Sprintf("Theme: %s\n\nArticle:\n%s", in.Theme, stagekit.Excerpt(art.Text, 12000))
	var out Enhancement
	if err := p.ai.GenerateJSON(jc.Ctx, system, user, "seo_enhancement", enhancementSchema, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// -------------------- gate + completion --------------------

func (p *Pipeline) evaluate(jc *jobrt.Context, st *orchestrator.State) (*quality.Result, error) {
	crit, err := orchestrator.Load[quality.Criteria](st, StageCriteria)
	if err != nil {
		return nil, err
	}
	art, err := orchestrator.Load[orchestrator.Text](st, StagePostprocess)
	if err != nil {
		return nil, err
	}
	res := p.gate.Evaluate(art.Text, crit)
	return &res, nil
}

// saveArticle stores the finished article for future retrieval. Rewrites replace the
// earlier version through the job-scoped source id.
func (p *Pipeline) saveArticle(jc *jobrt.Context, st *orchestrator.State, res *quality.Result) error {
	var in Input
	if err := st.Input(&in); err != nil {
		return err
	}
	art, err := orchestrator.Load[orchestrator.Text](st, StagePostprocess)
	if err != nil {
		return err
	}
	outline, err := orchestrator.Load[orchestrator.Text](st, StageStructure)
	if err != nil {
		return err
	}
	level := documents.SuccessMedium
	if res != nil && res.Passed {
		level = documents.SuccessHigh
	}

	meta := map[string]any{"job_id": jc.Job.ID.String(), "length": quality.Length(art.Text)}
	if res != nil {
		meta["quality_passed"] = res.Passed
	}
	if st.Has(StageEnhance) {
		if enh, err := orchestrator.Load[Enhancement](st, StageEnhance); err == nil && enh.MetaDescription != "" {
			meta["meta_description"] = enh.MetaDescription
		}
	}
	rawMeta, err := json.Marshal(meta)
	if err != nil {
		return err
	}

	genres := stagekit.NonEmpty(in.Genre)
	if len(genres) == 0 {
		genres = []string{defaultGenre}
	}
	var tags []documents.Tag
	for _, g := range genres {
		tags = append(tags, documents.Tag{Category: documents.CategoryGenre, Value: g})
	}
	tags = append(tags, stagekit.Tags(documents.CategoryContentType, in.ContentType, documents.CategoryAuthor, in.Author)...)

	sourceID := "seo_job_" + jc.Job.ID.String()
	doc := &documents.Document{
		Type:         documents.TypeSEOArticle,
		Title:        in.Theme,
		Content:      fmt.Sprintf("Theme: %s\n\nStructure:\n%s\n\nArticle:\n%s", in.Theme, outline.Text, stagekit.Excerpt(art.Text, documentExcerpt)),
		SuccessLevel: level,
		SourceID:     &sourceID,
		Metadata:     datatypes.JSON(rawMeta),
		Tags:         tags,
	}
	if _, err := p.docs.UpsertBySourceID(dbctx.Context{Ctx: jc.Ctx}, doc); err != nil {
		return fmt.Errorf("save article document: %w", err)
	}
	jc.Log.Info("article saved to document store", "source_id", sourceID, "success_level", level)
	return nil
}
