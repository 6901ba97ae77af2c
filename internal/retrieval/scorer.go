package retrieval

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"unicode"

	"github.com/google/uuid"

	"github.com/yungbote/contentforge-backend/internal/domain/documents"
	"github.com/yungbote/contentforge-backend/internal/platform/dbctx"
	"github.com/yungbote/contentforge-backend/internal/platform/logger"
)

// Scorer rates documents against a query. Scores must be deterministic for the same
// inputs; higher is more similar.
type Scorer interface {
	Name() string
	Score(ctx context.Context, query string, docs []*documents.Document) ([]float64, error)
}

// LexicalScorer is cosine similarity over term counts. Runs of CJK characters are split
// into overlapping bigrams since they carry no spaces.
type LexicalScorer struct{}

func (LexicalScorer) Name() string { return "lexical" }

func (LexicalScorer) Score(ctx context.Context, query string, docs []*documents.Document) ([]float64, error) {
	q := termCounts(query)
	out := make([]float64, len(docs))
	for i, d := range docs {
		if d == nil {
			continue
		}
		out[i] = cosineCounts(q, termCounts(d.Title+"\n"+d.Content))
	}
	return out, nil
}

func termCounts(s string) map[string]float64 {
	out := map[string]float64{}
	var word []rune
	var cjk []rune
	flushWord := func() {
		if len(word) > 0 {
			out[string(word)]++
			word = word[:0]
		}
	}
	flushCJK := func() {
		switch {
		case len(cjk) == 1:
			out[string(cjk)]++
		case len(cjk) > 1:
			for i := 0; i+1 < len(cjk); i++ {
				out[string(cjk[i:i+2])]++
			}
		}
		cjk = cjk[:0]
	}
	for _, r := range strings.ToLower(s) {
		switch {
		case isCJK(r):
			flushWord()
			cjk = append(cjk, r)
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			flushCJK()
			word = append(word, r)
		default:
			flushWord()
			flushCJK()
		}
	}
	flushWord()
	flushCJK()
	return out
}

func isCJK(r rune) bool {
	return unicode.Is(unicode.Han, r) || unicode.Is(unicode.Hiragana, r) || unicode.Is(unicode.Katakana, r) || unicode.Is(unicode.Hangul, r)
}

func cosineCounts(a, b map[string]float64) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	var dot, na, nb float64
	for k, v := range a {
		na += v * v
		if w, ok := b[k]; ok {
			dot += v * w
		}
	}
	for _, w := range b {
		nb += w * w
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// Embedder is the slice of the inference client the embedding scorer needs.
type Embedder interface {
	Embed(ctx context.Context, inputs []string) ([][]float32, error)
}

// EmbeddingStore persists computed document vectors so each document is embedded once.
type EmbeddingStore interface {
	SetEmbedding(dbc dbctx.Context, id uuid.UUID, embedding []float32) error
}

// EmbeddingScorer is cosine similarity over inference embeddings.
type EmbeddingScorer struct {
	Embedder Embedder
	Store    EmbeddingStore
	Log      *logger.Logger
}

func (s *EmbeddingScorer) Name() string { return "embedding" }

func (s *EmbeddingScorer) Score(ctx context.Context, query string, docs []*documents.Document) ([]float64, error) {
	out := make([]float64, len(docs))
	if strings.TrimSpace(query) == "" || len(docs) == 0 {
		return out, nil
	}
	vecs := make([][]float32, len(docs))
	var missing []int
	for i, d := range docs {
		if d == nil {
			continue
		}
		if len(d.Embedding) > 0 {
			var v []float32
			if err := json.Unmarshal(d.Embedding, &v); err == nil && len(v) > 0 {
				vecs[i] = v
				continue
			}
		}
		missing = append(missing, i)
	}

	inputs := make([]string, 0, len(missing)+1)
	inputs = append(inputs, query)
	for _, i := range missing {
		inputs = append(inputs, docs[i].Title+"\n"+docs[i].Content)
	}
	embs, err := s.Embedder.Embed(ctx, inputs)
	if err != nil {
		return nil, fmt.Errorf("embed context candidates: %w", err)
	}
	if len(embs) != len(inputs) {
		return nil, fmt.Errorf("embed context candidates: got %d vectors for %d inputs", len(embs), len(inputs))
	}
	qv := embs[0]
	for j, i := range missing {
		vecs[i] = embs[j+1]
		if s.Store != nil {
			if err := s.Store.SetEmbedding(dbctx.Context{Ctx: ctx}, docs[i].ID, vecs[i]); err != nil && s.Log != nil {
				s.Log.Warn("store document embedding failed", "document_id", docs[i].ID, "error", err)
			}
		}
	}
	for i := range docs {
		out[i] = cosine(qv, vecs[i])
	}
	return out, nil
}

func cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
