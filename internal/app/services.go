package app

import (
	"fmt"
	"strings"

	"gorm.io/gorm"

	"github.com/yungbote/contentforge-backend/internal/data/repos"
	"github.com/yungbote/contentforge-backend/internal/jobs/orchestrator"
	"github.com/yungbote/contentforge-backend/internal/jobs/pipeline/long_content"
	"github.com/yungbote/contentforge-backend/internal/jobs/pipeline/seo_article"
	"github.com/yungbote/contentforge-backend/internal/jobs/pipeline/video_analysis"
	"github.com/yungbote/contentforge-backend/internal/jobs/pipeline/video_generation"
	jobruntime "github.com/yungbote/contentforge-backend/internal/jobs/runtime"
	"github.com/yungbote/contentforge-backend/internal/jobs/worker"
	"github.com/yungbote/contentforge-backend/internal/platform/logger"
	"github.com/yungbote/contentforge-backend/internal/quality"
	"github.com/yungbote/contentforge-backend/internal/realtime"
	"github.com/yungbote/contentforge-backend/internal/retrieval"
	"github.com/yungbote/contentforge-backend/internal/services"
)

type Services struct {
	// Content
	Assembler *retrieval.Assembler
	Gate      *quality.Gate
	Documents services.DocumentService

	// Jobs + notifications
	Catalog     *orchestrator.Catalog
	JobNotifier services.JobNotifier
	JobService  services.JobService

	// Job infra
	JobRegistry *jobruntime.Registry
	JobWorker   *worker.Worker
}

func wireServices(db *gorm.DB, log *logger.Logger, cfg Config, rs repos.Set, sseHub *realtime.SSEHub, clients Clients) (Services, error) {
	log.Info("Wiring services...")

	scorer, err := newScorer(log, cfg.Retrieval, rs, clients)
	if err != nil {
		return Services{}, err
	}
	assembler := retrieval.NewAssembler(log, rs.Documents, scorer, cfg.Retrieval)
	gate := quality.NewGate(cfg.Quality)

	catalog, err := wireCatalog(log, cfg, rs, clients, assembler, gate)
	if err != nil {
		return Services{}, err
	}

	jobNotifier := services.NewJobNotifier(log, sseHub, clients.Bus)
	jobService := services.NewJobService(db, log, rs, catalog, jobNotifier)
	documentService := services.NewDocumentService(log, rs.Documents, assembler)

	engine := orchestrator.NewEngine()
	jobRegistry := jobruntime.NewRegistry()
	for _, h := range catalog.Handlers(engine) {
		if err := jobRegistry.Register(h); err != nil {
			return Services{}, err
		}
	}
	jobWorker := worker.NewWorker(db, log, rs, jobRegistry, jobNotifier, clients.Locks, cfg.Worker)

	return Services{
		Assembler:   assembler,
		Gate:        gate,
		Documents:   documentService,
		Catalog:     catalog,
		JobNotifier: jobNotifier,
		JobService:  jobService,
		JobRegistry: jobRegistry,
		JobWorker:   jobWorker,
	}, nil
}

func newScorer(log *logger.Logger, cfg retrieval.Config, rs repos.Set, clients Clients) (retrieval.Scorer, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Scorer)) {
	case "", "lexical":
		return retrieval.LexicalScorer{}, nil
	case "embedding":
		return &retrieval.EmbeddingScorer{
			Embedder: clients.AI,
			Store:    rs.Documents,
			Log:      log,
		}, nil
	default:
		return nil, fmt.Errorf("unknown RETRIEVAL_SCORER %q (want lexical or embedding)", cfg.Scorer)
	}
}

// wireCatalog builds every content pipeline. The API uses the catalog to validate inputs and
// the worker uses it to run stages, so both sides must wire the same set.
func wireCatalog(
	log *logger.Logger,
	cfg Config,
	rs repos.Set,
	clients Clients,
	assembler *retrieval.Assembler,
	gate *quality.Gate,
) (*orchestrator.Catalog, error) {
	catalog := orchestrator.NewCatalog()

	seoArticle, err := seo_article.New(log, clients.AI, rs.Documents, assembler, gate, clients.Search, clients.Pages).Build()
	if err != nil {
		return nil, fmt.Errorf("build seo_article: %w", err)
	}
	if err := catalog.Add(seoArticle); err != nil {
		return nil, err
	}

	longContent, err := long_content.New(log, clients.AI, rs.Documents, assembler, gate).Build()
	if err != nil {
		return nil, fmt.Errorf("build long_content: %w", err)
	}
	if err := catalog.Add(longContent); err != nil {
		return nil, err
	}

	videoAnalysis, err := video_analysis.New(log, clients.AI, rs.Documents, clients.Media, clients.Speech, cfg.VideoAnalysis).Build()
	if err != nil {
		return nil, fmt.Errorf("build video_analysis: %w", err)
	}
	if err := catalog.Add(videoAnalysis); err != nil {
		return nil, err
	}

	videoGeneration, err := video_generation.New(
		log,
		clients.AI,
		rs.Documents,
		assembler,
		clients.Slides,
		clients.Media,
		clients.Store,
		cfg.VideoGeneration,
	).Build()
	if err != nil {
		return nil, fmt.Errorf("build video_generation: %w", err)
	}
	if err := catalog.Add(videoGeneration); err != nil {
		return nil, err
	}

	log.Info("Pipelines registered", "kinds", catalog.Kinds())
	return catalog, nil
}
