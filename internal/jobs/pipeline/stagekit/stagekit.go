// Package stagekit holds the pieces every generation pipeline shares: JSON schema
// builders for structured inference, the context stage, and text helpers.
package stagekit

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/yungbote/contentforge-backend/internal/domain/documents"
	"github.com/yungbote/contentforge-backend/internal/jobs/orchestrator"
	jobrt "github.com/yungbote/contentforge-backend/internal/jobs/runtime"
	"github.com/yungbote/contentforge-backend/internal/retrieval"
)

// -------------------- schemas --------------------

func String() map[string]any { return map[string]any{"type": "string"} }

func Integer() map[string]any { return map[string]any{"type": "integer"} }

func Array(items map[string]any) map[string]any {
	return map[string]any{"type": "array", "items": items}
}

func StringArray() map[string]any { return Array(String()) }

// Object builds a strict object schema. Every property is required, as strict structured
// output demands.
func Object(props map[string]any) map[string]any {
	required := make([]string, 0, len(props))
	for k := range props {
		required = append(required, k)
	}
	sort.Strings(required)
	return map[string]any{
		"type":                 "object",
		"properties":           props,
		"required":             required,
		"additionalProperties": false,
	}
}

// -------------------- context stage --------------------

// ContextRequest describes what a context stage retrieves. Pinned ids come first, in the
// order given; IncludeStorePinned appends documents pinned in the store.
type ContextRequest struct {
	Query              string
	TagFilters         map[string][]string
	Types              []string
	SuccessLevels      []documents.SuccessLevel
	Limit              int
	PinnedIDs          []uuid.UUID
	IncludeStorePinned bool
}

// ContextStage runs the assembler for the request built from the job state and stores the
// formatted block. An empty store yields the no-results text, not an error.
func ContextStage(asm *retrieval.Assembler, build func(st *orchestrator.State) (ContextRequest, error)) orchestrator.StageFunc {
	return func(jc *jobrt.Context, st *orchestrator.State) (orchestrator.Output, error) {
		req, err := build(st)
		if err != nil {
			return nil, err
		}
		if asm == nil {
			return retrieval.Block{Text: retrieval.NoResults, DocumentIDs: []uuid.UUID{}}, nil
		}
		res, err := Assemble(jc.Ctx, asm, req)
		if err != nil {
			return nil, err
		}
		if len(res.IgnoredCategories) > 0 {
			jc.Log.Warn("context filters ignored", "categories", res.IgnoredCategories)
		}
		return res.Block(), nil
	}
}

func Assemble(ctx context.Context, asm *retrieval.Assembler, req ContextRequest) (*retrieval.Result, error) {
	pinned, err := asm.ResolvePinned(ctx, req.PinnedIDs, req.IncludeStorePinned)
	if err != nil {
		return nil, err
	}
	return asm.Retrieve(ctx, retrieval.Request{
		Query:         req.Query,
		TagFilters:    req.TagFilters,
		Types:         req.Types,
		SuccessLevels: req.SuccessLevels,
		Limit:         req.Limit,
		Pinned:        pinned,
	})
}

// Filters builds a tag filter map, dropping empty categories.
func Filters(pairs ...any) map[string][]string {
	out := map[string][]string{}
	for i := 0; i+1 < len(pairs); i += 2 {
		cat, _ := pairs[i].(string)
		var vals []string
		switch v := pairs[i+1].(type) {
		case string:
			if strings.TrimSpace(v) != "" {
				vals = []string{v}
			}
		case []string:
			for _, s := range v {
				if strings.TrimSpace(s) != "" {
					vals = append(vals, s)
				}
			}
		}
		if cat != "" && len(vals) > 0 {
			out[cat] = vals
		}
	}
	return out
}

// -------------------- text helpers --------------------

// Excerpt cuts s to at most n runes.
func Excerpt(s string, n int) string {
	if n <= 0 || utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n])
}

// Tail returns the last n runes of s.
func Tail(s string, n int) string {
	if n <= 0 {
		return ""
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[len(r)-n:])
}

// Bullets renders items as a markdown list, or "(none)".
func Bullets(items []string) string {
	var b strings.Builder
	for _, it := range items {
		if it = strings.TrimSpace(it); it == "" {
			continue
		}
		b.WriteString("- ")
		b.WriteString(it)
		b.WriteString("\n")
	}
	if b.Len() == 0 {
		return "(none)"
	}
	return strings.TrimRight(b.String(), "\n")
}

// Rewrite renders the rewrite instructions for a final assembly prompt.
func Rewrite(fb *orchestrator.RewriteFeedback) string {
	if fb == nil {
		return ""
	}
	return "This is rewrite attempt " + strconv.Itoa(fb.Attempt) + ". The previous version missed these targets:\n" + Bullets(fb.Instructions)
}

// NonEmpty trims every item and drops blanks.
func NonEmpty(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Tags builds document tags from category, value pairs, skipping empty values.
func Tags(pairs ...string) []documents.Tag {
	var out []documents.Tag
	for i := 0; i+1 < len(pairs); i += 2 {
		if v := strings.TrimSpace(pairs[i+1]); v != "" {
			out = append(out, documents.Tag{Category: pairs[i], Value: v})
		}
	}
	return out
}

// SuccessFor maps a gate result to the success level a stored artifact is filed under.
func SuccessFor(passed *bool) documents.SuccessLevel {
	if passed != nil && *passed {
		return documents.SuccessHigh
	}
	return documents.SuccessMedium
}
