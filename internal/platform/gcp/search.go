package gcp

import (
	"context"
	"fmt"
	"strings"

	"google.golang.org/api/customsearch/v1"
	"google.golang.org/api/option"

	"github.com/yungbote/contentforge-backend/internal/platform/ctxutil"
	"github.com/yungbote/contentforge-backend/internal/platform/logger"
)

type SearchConfig struct {
	APIKey   string `envconfig:"SEARCH_API_KEY"`
	EngineID string `envconfig:"SEARCH_ENGINE_ID"`
	Results  int    `envconfig:"SEARCH_RESULTS" default:"5"`
}

func (c SearchConfig) Enabled() bool {
	return strings.TrimSpace(c.APIKey) != "" && strings.TrimSpace(c.EngineID) != ""
}

type SearchResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet,omitempty"`
}

// Searcher returns the top web results for a query.
type Searcher interface {
	Search(ctx context.Context, query string, limit int) ([]SearchResult, error)
}

type customSearch struct {
	log      *logger.Logger
	svc      *customsearch.Service
	engineID string
	results  int
}

// The Custom Search API serves at most ten results per call.
const maxSearchResults = 10

func NewSearch(ctx context.Context, log *logger.Logger, cfg SearchConfig, opts ...option.ClientOption) (Searcher, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	if !cfg.Enabled() {
		return nil, fmt.Errorf("SEARCH_API_KEY and SEARCH_ENGINE_ID required")
	}
	opts = append([]option.ClientOption{option.WithAPIKey(cfg.APIKey)}, opts...)
	svc, err := customsearch.NewService(ctxutil.Default(ctx), opts...)
	if err != nil {
		return nil, fmt.Errorf("custom search client: %w", err)
	}
	return &customSearch{
		log:      log.With("service", "gcp.CustomSearch"),
		svc:      svc,
		engineID: cfg.EngineID,
		results:  cfg.Results,
	}, nil
}

func (s *customSearch) Search(ctx context.Context, query string, limit int) ([]SearchResult, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, fmt.Errorf("search query required")
	}
	if limit <= 0 {
		limit = s.results
	}
	if limit <= 0 || limit > maxSearchResults {
		limit = maxSearchResults
	}
	res, err := s.svc.Cse.List().Cx(s.engineID).Q(query).Num(int64(limit)).Context(ctxutil.Default(ctx)).Do()
	if err != nil {
		return nil, fmt.Errorf("search %q: %w", query, err)
	}
	out := make([]SearchResult, 0, len(res.Items))
	for _, it := range res.Items {
		if it == nil || strings.TrimSpace(it.Link) == "" {
			continue
		}
		out = append(out, SearchResult{Title: it.Title, URL: it.Link, Snippet: it.Snippet})
	}
	s.log.Debug("search complete", "query", query, "results", len(out))
	return out, nil
}
