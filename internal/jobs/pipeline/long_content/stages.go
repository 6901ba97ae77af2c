package long_content

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
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

// tailRunes is how much of the previous chunk each chunk prompt carries.
const tailRunes = 1000

type Section struct {
	Heading string `json:"heading"`
	Summary string `json:"summary"`
}

type Outline struct {
	Sections []Section `json:"sections"`
}

func (o Outline) Validate() error {
	if len(o.Sections) == 0 {
		return errors.New("outline has no sections")
	}
	for i, s := range o.Sections {
		if strings.TrimSpace(s.Heading) == "" {
			return fmt.Errorf("section %d has no heading", i)
		}
	}
	return nil
}

type Chunk struct {
	Index   int    `json:"index"`
	Heading string `json:"heading"`
	Text    string `json:"text"`
}

type Chunks struct {
	Chunks   []Chunk                       `json:"chunks"`
	Failures []orchestrator.SubItemFailure `json:"failures,omitempty"`
}

func (c Chunks) Validate() error {
	if len(c.Chunks) == 0 {
		return errors.New("no chunks written")
	}
	return nil
}

var outlineSchema = stagekit.Object(map[string]any{
	"sections": stagekit.Array(stagekit.Object(map[string]any{
		"heading": stagekit.String(),
		"summary": stagekit.String(),
	})),
})

func (p *Pipeline) outline(jc *jobrt.Context, st *orchestrator.State) (orchestrator.Output, error) {
	var in Input
	if err := st.Input(&in); err != nil {
		return nil, err
	}
	n := in.Sections()
	system := promptstyle.ApplySystem(fmt.Sprintf(`Plan a long-form piece as exactly %d sections.
Each section has a heading and a two-sentence summary of what it covers.
Sections must read in order as one continuous piece.`, n), "json")
	user := fmt.Sprintf("Title: %s\nBrief: %s\nTotal length: about %d characters", in.Title, in.Brief, in.TargetLength)

	var out Outline
	if err := p.ai.GenerateJSON(jc.Ctx, system, user, "long_content_outline", outlineSchema, &out); err != nil {
		return nil, err
	}
	if len(out.Sections) > maxSections {
		out.Sections = out.Sections[:maxSections]
	}
	return out, nil
}

func (p *Pipeline) contextStage() orchestrator.StageFunc {
	return stagekit.ContextStage(p.assembler, func(st *orchestrator.State) (stagekit.ContextRequest, error) {
		var in Input
		if err := st.Input(&in); err != nil {
			return stagekit.ContextRequest{}, err
		}
		return stagekit.ContextRequest{
			Query: in.Title + " " + in.Brief,
			TagFilters: stagekit.Filters(
				documents.CategoryAuthor, in.Author,
				documents.CategoryContentType, in.ContentType,
			),
			Types:              []string{documents.TypeArticle, documents.TypeLongContent, documents.TypeSEOArticle},
			PinnedIDs:          in.PinnedDocumentIDs,
			IncludeStorePinned: true,
		}, nil
	})
}

// chunks writes one section at a time. Each prompt carries the tail of the last chunk that
// succeeded so the piece reads continuously across a skipped section.
func (p *Pipeline) chunks(jc *jobrt.Context, st *orchestrator.State) (orchestrator.Output, error) {
	var in Input
	if err := st.Input(&in); err != nil {
		return nil, err
	}
	outline, err := orchestrator.Load[Outline](st, StageOutline)
	if err != nil {
		return nil, err
	}
	block, err := orchestrator.Load[retrieval.Block](st, StageContext)
	if err != nil {
		return nil, err
	}
	total := len(outline.Sections)
	per := in.TargetLength / total
	system := promptstyle.ApplySystem(`Write one section of a long-form Markdown piece.
Start with the section heading as an H2 (##). Use H3 (###) subheadings where useful.
Continue seamlessly from the previous text; do not repeat it or summarise earlier sections.
Match the voice of the reference material without copying it.`, "markdown")

	prevTail := ""
	written, failures, err := orchestrator.RunSubItems(jc, st, outline.Sections, orchestrator.SubItemOptions{
		Concurrency: 1,
		Timeout:     p.chunkTimeout,
		Label:       "section",
	}, func(ctx context.Context, idx int, sec Section) (Chunk, error) {
		var user strings.Builder
		fmt.Fprintf(&user, "Title: %s\nBrief: %s\n", in.Title, in.Brief)
		fmt.Fprintf(&user, "Section %d of %d: %s\nCovers: %s\nLength: about %d characters\n", idx+1, total, sec.Heading, sec.Summary, per)
		if idx == total-1 {
			user.WriteString("This is the final section; bring the piece to a close.\n")
		}
		if prevTail != "" {
			fmt.Fprintf(&user, "\nPrevious text ends with:\n%s\n", prevTail)
		}
		fmt.Fprintf(&user, "\nReference material:\n%s\n", block.Text)

		text, err := p.ai.GenerateText(ctx, system, user.String())
		if err != nil {
			return Chunk{}, err
		}
		text = strings.TrimSpace(text)
		if text == "" {
			return Chunk{}, fmt.Errorf("section %d: empty text", idx)
		}
		if !strings.HasPrefix(text, "## ") {
			text = "## " + sec.Heading + "\n\n" + text
		}
		prevTail = stagekit.Tail(text, tailRunes)
		return Chunk{Index: idx, Heading: sec.Heading, Text: text}, nil
	})
	if err != nil {
		return nil, err
	}
	return Chunks{Chunks: written, Failures: failures}, nil
}

// assemble is the final assembly stage. A normal pass joins the chunks; a rewrite pass
// revises the assembled text against the unmet targets.
func (p *Pipeline) assemble(jc *jobrt.Context, st *orchestrator.State) (orchestrator.Output, error) {
	var in Input
	if err := st.Input(&in); err != nil {
		return nil, err
	}
	if fb := st.Rewrite(StageAssemble); fb != nil && st.Has(StageAssemble) {
		prev, err := orchestrator.Load[orchestrator.Text](st, StageAssemble)
		if err != nil {
			return nil, err
		}
		crit, err := p.criteria(st)
		if err != nil {
			return nil, err
		}
		system := promptstyle.ApplySystem(`Revise the Markdown manuscript so it meets every listed target.
Expand thin sections and keep every existing H2 heading. Return the whole manuscript.`, "markdown")
		user := fmt.Sprintf("%s\n\nTargets: at least %d characters and %d H2 sections.\n\nManuscript:\n%s",
			stagekit.Rewrite(fb), crit.TargetLength, crit.TargetH2, prev.Text)
		text, err := p.ai.GenerateText(jc.Ctx, system, user)
		if err != nil {
			return nil, err
		}
		return orchestrator.Text{Text: strings.TrimSpace(text)}, nil
	}

	chunks, err := orchestrator.Load[Chunks](st, StageChunks)
	if err != nil {
		return nil, err
	}
	parts := make([]string, 0, len(chunks.Chunks)+1)
	parts = append(parts, "# "+in.Title)
	for _, c := range chunks.Chunks {
		parts = append(parts, c.Text)
	}
	return orchestrator.Text{Text: strings.Join(parts, "\n\n")}, nil
}

// criteria asks for the requested length and one H2 per planned section.
func (p *Pipeline) criteria(st *orchestrator.State) (quality.Criteria, error) {
	var in Input
	if err := st.Input(&in); err != nil {
		return quality.Criteria{}, err
	}
	outline, err := orchestrator.Load[Outline](st, StageOutline)
	if err != nil {
		return quality.Criteria{}, err
	}
	return quality.Criteria{TargetLength: in.TargetLength, TargetH2: len(outline.Sections)}, nil
}

func (p *Pipeline) evaluate(jc *jobrt.Context, st *orchestrator.State) (*quality.Result, error) {
	crit, err := p.criteria(st)
	if err != nil {
		return nil, err
	}
	text, err := orchestrator.Load[orchestrator.Text](st, StageAssemble)
	if err != nil {
		return nil, err
	}
	res := p.gate.Evaluate(text.Text, crit)
	return &res, nil
}

func (p *Pipeline) save(jc *jobrt.Context, st *orchestrator.State, res *quality.Result) error {
	var in Input
	if err := st.Input(&in); err != nil {
		return err
	}
	text, err := orchestrator.Load[orchestrator.Text](st, StageAssemble)
	if err != nil {
		return err
	}
	var passed *bool
	meta := map[string]any{"job_id": jc.Job.ID.String(), "length": quality.Length(text.Text)}
	if res != nil {
		passed = &res.Passed
		meta["quality_passed"] = res.Passed
	}
	rawMeta, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	sourceID := "long_content_" + jc.Job.ID.String()
	doc := &documents.Document{
		Type:         documents.TypeLongContent,
		Title:        in.Title,
		Content:      text.Text,
		SuccessLevel: stagekit.SuccessFor(passed),
		SourceID:     &sourceID,
		Metadata:     datatypes.JSON(rawMeta),
		Tags:         stagekit.Tags(documents.CategoryAuthor, in.Author, documents.CategoryContentType, in.ContentType),
	}
	if _, err := p.docs.UpsertBySourceID(dbctx.Context{Ctx: jc.Ctx}, doc); err != nil {
		return fmt.Errorf("save long content document: %w", err)
	}
	return nil
}
