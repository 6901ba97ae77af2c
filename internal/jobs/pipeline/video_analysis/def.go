package video_analysis

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
)

//go:embed pipeline.yaml
var specYAML []byte

const (
	StageDownload      = "download"
	StageTranscribe    = "transcribe"
	StageFrames        = "frames"
	StageFrameAnalysis = "frame_analysis"
	StageSummary       = "summary"
)

type Options struct {
	FrameInterval  float64 `envconfig:"VIDEO_FRAME_INTERVAL_SECONDS" default:"5"`
	SceneThreshold float64 `envconfig:"VIDEO_SCENE_THRESHOLD" default:"0"`
	FrameWidth     int     `envconfig:"VIDEO_FRAME_WIDTH" default:"768"`
	MaxFrames      int     `envconfig:"VIDEO_MAX_FRAMES" default:"24"`
	Concurrency    int     `envconfig:"VIDEO_FRAME_CONCURRENCY" default:"4"`
}

type Pipeline struct {
	log    *logger.Logger
	ai     openai.Client
	docs   repos.DocumentRepo
	media  localmedia.Tools
	speech gcp.Transcriber
	opts   Options
}

// New wires the pipeline. speech may be nil, in which case transcripts are placeholders.
func New(
	baseLog *logger.Logger,
	ai openai.Client,
	docs repos.DocumentRepo,
	media localmedia.Tools,
	speech gcp.Transcriber,
	opts Options,
) *Pipeline {
	return &Pipeline{
		log:    baseLog.With("pipeline", "video_analysis"),
		ai:     ai,
		docs:   docs,
		media:  media,
		speech: speech,
		opts:   opts,
	}
}

func (p *Pipeline) Build() (*orchestrator.Pipeline, error) {
	spec, err := orchestrator.ParseSpec(specYAML)
	if err != nil {
		return nil, err
	}
	pl, err := spec.Bind(jobs.KindVideoAnalysis, map[string]orchestrator.StageFunc{
		StageDownload:      p.download,
		StageTranscribe:    p.transcribe,
		StageFrames:        p.frames,
		StageFrameAnalysis: p.analyseFrames,
		StageSummary:       p.summary,
	})
	if err != nil {
		return nil, fmt.Errorf("video_analysis: %w", err)
	}
	pl.OnComplete = p.save
	pl.Input = orchestrator.DecodeInput[Input](applyDefaults)
	return pl, nil
}
