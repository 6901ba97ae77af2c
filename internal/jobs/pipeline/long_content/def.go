package long_content

import (
	_ "embed"
	"fmt"
	"time"

	"github.com/yungbote/contentforge-backend/internal/data/repos"
	"github.com/yungbote/contentforge-backend/internal/domain/jobs"
	"github.com/yungbote/contentforge-backend/internal/jobs/orchestrator"
	"github.com/yungbote/contentforge-backend/internal/platform/logger"
	"github.com/yungbote/contentforge-backend/internal/platform/openai"
	"github.com/yungbote/contentforge-backend/internal/quality"
	"github.com/yungbote/contentforge-backend/internal/retrieval"
)

//go:embed pipeline.yaml
var specYAML []byte

const (
	StageOutline  = "outline"
	StageContext  = "context"
	StageChunks   = "chunks"
	StageAssemble = "assemble"
)

type Pipeline struct {
	log       *logger.Logger
	ai        openai.Client
	docs      repos.DocumentRepo
	assembler *retrieval.Assembler
	gate      *quality.Gate

	chunkTimeout time.Duration
}

func New(
	baseLog *logger.Logger,
	ai openai.Client,
	docs repos.DocumentRepo,
	assembler *retrieval.Assembler,
	gate *quality.Gate,
) *Pipeline {
	return &Pipeline{
		log:          baseLog.With("pipeline", "long_content"),
		ai:           ai,
		docs:         docs,
		assembler:    assembler,
		gate:         gate,
		chunkTimeout: 8 * time.Minute,
	}
}

func (p *Pipeline) Build() (*orchestrator.Pipeline, error) {
	spec, err := orchestrator.ParseSpec(specYAML)
	if err != nil {
		return nil, err
	}
	pl, err := spec.Bind(jobs.KindLongContent, map[string]orchestrator.StageFunc{
		StageOutline:  p.outline,
		StageContext:  p.contextStage(),
		StageChunks:   p.chunks,
		StageAssemble: p.assemble,
	})
	if err != nil {
		return nil, fmt.Errorf("long_content: %w", err)
	}
	pl.Gate = p.evaluate
	pl.OnComplete = p.save
	pl.Input = orchestrator.DecodeInput[Input](applyDefaults)
	return pl, nil
}
