package seo_article

import (
	_ "embed"
	"fmt"

	"github.com/yungbote/contentforge-backend/internal/data/repos"
	"github.com/yungbote/contentforge-backend/internal/domain/jobs"
	"github.com/yungbote/contentforge-backend/internal/jobs/orchestrator"
	"github.com/yungbote/contentforge-backend/internal/platform/gcp"
	"github.com/yungbote/contentforge-backend/internal/platform/logger"
	"github.com/yungbote/contentforge-backend/internal/platform/openai"
	"github.com/yungbote/contentforge-backend/internal/platform/webpage"
	"github.com/yungbote/contentforge-backend/internal/quality"
	"github.com/yungbote/contentforge-backend/internal/retrieval"
)

//go:embed pipeline.yaml
var specYAML []byte

const (
	StageKeywords      = "keywords"
	StageQueries       = "search_queries"
	StageCompetitors   = "competitor_analysis"
	StageSave          = "save_competitors"
	StageInsights      = "reader_insights"
	StageContext       = "context"
	StageCriteria      = "criteria"
	StageStructure     = "structure"
	StageArticle       = "article"
	StagePostprocess   = "postprocess"
	StageEnhance       = "enhance"
	defaultMaxQueries  = 8
	defaultConcurrency = 3

	defaultResultsPerQuery = 3
)

type Pipeline struct {
	log       *logger.Logger
	ai        openai.Client
	docs      repos.DocumentRepo
	assembler *retrieval.Assembler
	gate      *quality.Gate
	search    gcp.Searcher
	pages     webpage.Fetcher

	maxQueries      int
	concurrency     int
	resultsPerQuery int
}

func New(
	baseLog *logger.Logger,
	ai openai.Client,
	docs repos.DocumentRepo,
	assembler *retrieval.Assembler,
	gate *quality.Gate,
	search gcp.Searcher,
	pages webpage.Fetcher,
) *Pipeline {
	if search == nil {
		search = modelSearcher{ai: ai}
	}
	return &Pipeline{
		log:             baseLog.With("pipeline", "seo_article"),
		ai:              ai,
		docs:            docs,
		assembler:       assembler,
		gate:            gate,
		search:          search,
		pages:           pages,
		maxQueries:      defaultMaxQueries,
		concurrency:     defaultConcurrency,
		resultsPerQuery: defaultResultsPerQuery,
	}
}

func (p *Pipeline) Build() (*orchestrator.Pipeline, error) {
	spec, err := orchestrator.ParseSpec(specYAML)
	if err != nil {
		return nil, err
	}
	pl, err := spec.Bind(jobs.KindSEOArticle, map[string]orchestrator.StageFunc{
		StageKeywords:    p.keywords,
		StageQueries:     p.searchQueries,
		StageCompetitors: p.competitors,
		StageSave:        p.saveCompetitors,
		StageInsights:    p.readerInsights,
		StageContext:     p.contextStage(),
		StageCriteria:    p.criteria,
		StageStructure:   p.structure,
		StageArticle:     p.article,
		StagePostprocess: p.postprocess,
		StageEnhance:     p.enhance,
	})
	if err != nil {
		return nil, fmt.Errorf("seo_article: %w", err)
	}
	pl.Gate = p.evaluate
	pl.OnComplete = p.saveArticle
	pl.Input = orchestrator.DecodeInput[Input](applyDefaults)
	return pl, nil
}
