package video_generation

import (
	_ "embed"
	"fmt"

	"github.com/yungbote/contentforge-backend/internal/data/repos"
	"github.com/yungbote/contentforge-backend/internal/domain/jobs"
	"github.com/yungbote/contentforge-backend/internal/jobs/orchestrator"
	"github.com/yungbote/contentforge-backend/internal/platform/gcp"
	"github.com/yungbote/contentforge-backend/internal/platform/localmedia"
	"github.com/yungbote/contentforge-backend/internal/platform/logger"
	"github.com/yungbote/contentforge-backend/internal/platform/openai"
	"github.com/yungbote/contentforge-backend/internal/platform/slides"
	"github.com/yungbote/contentforge-backend/internal/retrieval"
)

//go:embed pipeline.yaml
var specYAML []byte

const (
	StageBenchmark = "benchmark"
	StageStrategy  = "strategy"
	StageScenario  = "scenario"
	StageSlides    = "slides"
	StageAudio     = "audio"
	StageCompose   = "compose"
	StageExport    = "export"
)

type Options struct {
	TTSEnabled  bool `envconfig:"TTS_ENABLED" default:"false"`
	Concurrency int  `envconfig:"VIDEO_SLIDE_CONCURRENCY" default:"4"`
	// CharsPerSecond paces silent slides when narration is not synthesized.
	CharsPerSecond float64 `envconfig:"VIDEO_NARRATION_CHARS_PER_SECOND" default:"15"`
}

type Pipeline struct {
	log       *logger.Logger
	ai        openai.Client
	docs      repos.DocumentRepo
	assembler *retrieval.Assembler
	renderer  *slides.Renderer
	media     localmedia.Tools
	store     gcp.ObjectStore
	opts      Options
}

// New wires the pipeline. store may be nil, in which case export keeps the local file.
func New(
	baseLog *logger.Logger,
	ai openai.Client,
	docs repos.DocumentRepo,
	assembler *retrieval.Assembler,
	renderer *slides.Renderer,
	media localmedia.Tools,
	store gcp.ObjectStore,
	opts Options,
) *Pipeline {
	if opts.CharsPerSecond <= 0 {
		opts.CharsPerSecond = 15
	}
	return &Pipeline{
		log:       baseLog.With("pipeline", "video_generation"),
		ai:        ai,
		docs:      docs,
		assembler: assembler,
		renderer:  renderer,
		media:     media,
		store:     store,
		opts:      opts,
	}
}

func (p *Pipeline) Build() (*orchestrator.Pipeline, error) {
	if p.renderer == nil {
		return nil, fmt.Errorf("video_generation: slide renderer is required")
	}
	spec, err := orchestrator.ParseSpec(specYAML)
	if err != nil {
		return nil, err
	}
	pl, err := spec.Bind(jobs.KindVideoGeneration, map[string]orchestrator.StageFunc{
		StageBenchmark: p.benchmark(),
		StageStrategy:  p.strategy,
		StageScenario:  p.scenario,
		StageSlides:    p.renderSlides,
		StageAudio:     p.audio,
		StageCompose:   p.compose,
		StageExport:    p.export,
	})
	if err != nil {
		return nil, fmt.Errorf("video_generation: %w", err)
	}
	pl.OnComplete = p.save
	pl.Input = orchestrator.DecodeInput[Input](applyDefaults)
	return pl, nil
}
