package video_generation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/sync/errgroup"
	"gorm.io/datatypes"

	"github.com/yungbote/contentforge-backend/internal/domain/documents"
	"github.com/yungbote/contentforge-backend/internal/domain/jobs"
	"github.com/yungbote/contentforge-backend/internal/jobs/orchestrator"
	"github.com/yungbote/contentforge-backend/internal/jobs/pipeline/stagekit"
	jobrt "github.com/yungbote/contentforge-backend/internal/jobs/runtime"
	"github.com/yungbote/contentforge-backend/internal/platform/dbctx"
	"github.com/yungbote/contentforge-backend/internal/platform/localmedia"
	"github.com/yungbote/contentforge-backend/internal/platform/promptstyle"
	"github.com/yungbote/contentforge-backend/internal/platform/slides"
	"github.com/yungbote/contentforge-backend/internal/quality"
	"github.com/yungbote/contentforge-backend/internal/retrieval"
)

const (
	minSlideSeconds = 2.0
	ttsConcurrency  = 3
)

// -------------------- outputs --------------------

type Strategy struct {
	Audience string   `json:"audience"`
	Angle    string   `json:"angle"`
	Hook     string   `json:"hook"`
	Tone     string   `json:"tone"`
	Beats    []string `json:"beats"`
}

func (s Strategy) Validate() error {
	if strings.TrimSpace(s.Angle) == "" {
		return errors.New("strategy has no angle")
	}
	return nil
}

type SlideSpec struct {
	Title     string   `json:"title"`
	Bullets   []string `json:"bullets"`
	Narration string   `json:"narration"`
}

type Scenario struct {
	Title  string      `json:"title"`
	Slides []SlideSpec `json:"slides"`
}

func (s Scenario) Validate() error {
	if len(s.Slides) == 0 {
		return errors.New("scenario has no slides")
	}
	for i, sl := range s.Slides {
		if strings.TrimSpace(sl.Title) == "" {
			return fmt.Errorf("slide %d has no title", i)
		}
		if strings.TrimSpace(sl.Narration) == "" {
			return fmt.Errorf("slide %d has no narration", i)
		}
	}
	return nil
}

type RenderedSlide struct {
	Index     int    `json:"index"`
	Path      string `json:"path"`
	Narration string `json:"narration"`
}

type Rendered struct {
	Slides   []RenderedSlide               `json:"slides"`
	Failures []orchestrator.SubItemFailure `json:"failures,omitempty"`
}

func (r Rendered) Validate() error {
	if len(r.Slides) == 0 {
		return errors.New("no slides rendered")
	}
	return nil
}

type Clip struct {
	Index     int     `json:"index"`
	ImagePath string  `json:"image_path"`
	AudioPath string  `json:"audio_path,omitempty"`
	Seconds   float64 `json:"seconds"`
	Silent    bool    `json:"silent,omitempty"`
}

type Narration struct {
	Clips []Clip `json:"clips"`
}

func (n Narration) Validate() error {
	if len(n.Clips) == 0 {
		return errors.New("no narration clips")
	}
	return nil
}

// TotalSeconds is the playback length of all clips.
func (n Narration) TotalSeconds() float64 {
	var t float64
	for _, c := range n.Clips {
		t += c.Seconds
	}
	return t
}

type Composed struct {
	Path     string  `json:"path"`
	Manifest bool    `json:"manifest,omitempty"`
	Seconds  float64 `json:"seconds"`
}

func (c Composed) Validate() error {
	if c.Path == "" {
		return errors.New("nothing composed")
	}
	return nil
}

type Export struct {
	URL   string `json:"url"`
	Key   string `json:"key,omitempty"`
	Local bool   `json:"local,omitempty"`
}

func (e Export) Validate() error {
	if e.URL == "" {
		return errors.New("export has no url")
	}
	return nil
}

var strategySchema = stagekit.Object(map[string]any{
	"audience": stagekit.String(),
	"angle":    stagekit.String(),
	"hook":     stagekit.String(),
	"tone":     stagekit.String(),
	"beats":    stagekit.StringArray(),
})

var scenarioSchema = stagekit.Object(map[string]any{
	"title": stagekit.String(),
	"slides": stagekit.Array(stagekit.Object(map[string]any{
		"title":     stagekit.String(),
		"bullets":   stagekit.StringArray(),
		"narration": stagekit.String(),
	})),
})

// -------------------- stages --------------------

func (p *Pipeline) benchmark() orchestrator.StageFunc {
	return stagekit.ContextStage(p.assembler, func(st *orchestrator.State) (stagekit.ContextRequest, error) {
		var in Input
		if err := st.Input(&in); err != nil {
			return stagekit.ContextRequest{}, err
		}
		return stagekit.ContextRequest{
			Query:      in.Theme,
			TagFilters: stagekit.Filters(documents.CategoryAuthor, in.Author),
			Types:      []string{documents.TypeVideoAnalysis},
		}, nil
	})
}

func (p *Pipeline) strategy(jc *jobrt.Context, st *orchestrator.State) (orchestrator.Output, error) {
	var in Input
	if err := st.Input(&in); err != nil {
		return nil, err
	}
	block, err := orchestrator.Load[retrieval.Block](st, StageBenchmark)
	if err != nil {
		return nil, err
	}
	system := promptstyle.ApplySystem(`Plan a short explainer video.
Borrow the structure patterns and hooks that worked in the benchmark analyses, not their content.
Give the audience, the angle, the opening hook, the tone, and the ordered story beats.`, "json")
	user := fmt.Sprintf("Theme: %s\nLength: %d seconds\nNotes: %s\n\nBenchmark analyses:\n%s",
		in.Theme, in.DurationSeconds, in.Remarks, block.Text)

	var out Strategy
	if err := p.ai.GenerateJSON(jc.Ctx, system, user, "video_strategy", strategySchema, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (p *Pipeline) scenario(jc *jobrt.Context, st *orchestrator.State) (orchestrator.Output, error) {
	var in Input
	if err := st.Input(&in); err != nil {
		return nil, err
	}
	strat, err := orchestrator.Load[Strategy](st, StageStrategy)
	if err != nil {
		return nil, err
	}
	n := in.SlideCount()
	system := promptstyle.ApplySystem(fmt.Sprintf(`Write the scenario for a slideshow video of exactly %d slides.
Each slide has a short title, at most four bullets of a few words each, and the narration spoken over it.
Narration for all slides together should take about %d seconds to read aloud.`, n, in.DurationSeconds), "json")
	user := fmt.Sprintf("Theme: %s\nAudience: %s\nAngle: %s\nHook: %s\nTone: %s\nBeats:\n%s",
		in.Theme, strat.Audience, strat.Angle, strat.Hook, strat.Tone, stagekit.Bullets(strat.Beats))

	var out Scenario
	if err := p.ai.GenerateJSON(jc.Ctx, system, user, "video_scenario", scenarioSchema, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (p *Pipeline) renderSlides(jc *jobrt.Context, st *orchestrator.State) (orchestrator.Output, error) {
	sc, err := orchestrator.Load[Scenario](st, StageScenario)
	if err != nil {
		return nil, err
	}
	dir, err := p.media.WorkDir(jc.Job.ID.String())
	if err != nil {
		return nil, err
	}
	rendered, failures, err := orchestrator.RunSubItems(jc, st, sc.Slides, orchestrator.SubItemOptions{
		Concurrency: p.opts.Concurrency,
		Label:       "slide",
	}, func(ctx context.Context, idx int, s SlideSpec) (RenderedSlide, error) {
		path := slidePath(dir, idx)
		if err := p.renderer.RenderToFile(slides.Slide{Title: s.Title, Bullets: s.Bullets}, path); err != nil {
			return RenderedSlide{}, err
		}
		return RenderedSlide{Index: idx, Path: path, Narration: strings.TrimSpace(s.Narration)}, nil
	})
	if err != nil {
		return nil, err
	}
	return Rendered{Slides: rendered, Failures: failures}, nil
}

// audio narrates every rendered slide. Clips stay aligned with slides, so a failed
// synthesis fails the stage rather than dropping a clip.
func (p *Pipeline) audio(jc *jobrt.Context, st *orchestrator.State) (orchestrator.Output, error) {
	rendered, err := orchestrator.Load[Rendered](st, StageSlides)
	if err != nil {
		return nil, err
	}
	clips := make([]Clip, len(rendered.Slides))
	if !p.opts.TTSEnabled {
		for i, s := range rendered.Slides {
			clips[i] = Clip{Index: s.Index, ImagePath: s.Path, Seconds: p.estimate(s.Narration), Silent: true}
		}
		return Narration{Clips: clips}, nil
	}

	g, gctx := errgroup.WithContext(jc.Ctx)
	g.SetLimit(ttsConcurrency)
	for i, s := range rendered.Slides {
		i, s := i, s
		g.Go(func() error {
			sp, err := p.ai.Synthesize(gctx, s.Narration)
			if err != nil {
				return fmt.Errorf("slide %d narration: %w", s.Index, err)
			}
			path := filepath.Join(filepath.Dir(s.Path), fmt.Sprintf("narration_%03d.wav", s.Index))
			if err := os.WriteFile(path, sp.Audio, 0o644); err != nil {
				return err
			}
			secs := sp.Duration.Seconds()
			if secs <= 0 {
				secs = p.estimate(s.Narration)
			}
			clips[i] = Clip{Index: s.Index, ImagePath: s.Path, AudioPath: path, Seconds: math.Max(secs, minSlideSeconds)}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return Narration{Clips: clips}, nil
}

// estimate paces a silent slide by how long its narration would take to read.
func (p *Pipeline) estimate(narration string) float64 {
	secs := float64(utf8.RuneCountInString(narration)) / p.opts.CharsPerSecond
	return math.Round(math.Max(secs, minSlideSeconds)*10) / 10
}

func (p *Pipeline) compose(jc *jobrt.Context, st *orchestrator.State) (orchestrator.Output, error) {
	nar, err := orchestrator.Load[Narration](st, StageAudio)
	if err != nil {
		return nil, err
	}
	if err := p.ensureSlides(jc, st, nar.Clips); err != nil {
		return nil, err
	}
	dir, err := p.media.WorkDir(jc.Job.ID.String())
	if err != nil {
		return nil, err
	}
	if !p.media.Enabled() {
		path := filepath.Join(dir, "manifest.json")
		b, err := json.MarshalIndent(map[string]any{
			"clips":         nar.Clips,
			"total_seconds": nar.TotalSeconds(),
		}, "", "  ")
		if err != nil {
			return nil, err
		}
		if err := os.WriteFile(path, b, 0o644); err != nil {
			return nil, err
		}
		return Composed{Path: path, Manifest: true, Seconds: nar.TotalSeconds()}, nil
	}

	clips := make([]localmedia.Clip, 0, len(nar.Clips))
	for _, c := range nar.Clips {
		if c.AudioPath != "" {
			if _, err := os.Stat(c.AudioPath); err != nil {
				return nil, orchestrator.Permanent(fmt.Errorf("narration for slide %d is missing from the work dir: %w", c.Index, err))
			}
		}
		clips = append(clips, localmedia.Clip{
			ImagePath: c.ImagePath,
			AudioPath: c.AudioPath,
			Duration:  time.Duration(c.Seconds * float64(time.Second)),
		})
	}
	out, err := p.media.ComposeSlideshow(jc.Ctx, clips, filepath.Join(dir, "video.mp4"))
	if err != nil {
		return nil, err
	}
	return Composed{Path: out, Seconds: nar.TotalSeconds()}, nil
}

// ensureSlides re-renders slide images this worker never saw. Rendering is deterministic,
// so the file is identical to the one the slides stage produced.
func (p *Pipeline) ensureSlides(jc *jobrt.Context, st *orchestrator.State, clips []Clip) error {
	var sc *Scenario
	for _, c := range clips {
		if _, err := os.Stat(c.ImagePath); err == nil {
			continue
		}
		if sc == nil {
			loaded, err := orchestrator.Load[Scenario](st, StageScenario)
			if err != nil {
				return err
			}
			sc = &loaded
		}
		if c.Index < 0 || c.Index >= len(sc.Slides) {
			return orchestrator.Permanent(fmt.Errorf("slide %d not in scenario", c.Index))
		}
		s := sc.Slides[c.Index]
		jc.Log.Info("slide missing locally; rendering again", "slide", c.Index)
		if err := p.renderer.RenderToFile(slides.Slide{Title: s.Title, Bullets: s.Bullets}, c.ImagePath); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pipeline) export(jc *jobrt.Context, st *orchestrator.State) (orchestrator.Output, error) {
	comp, err := orchestrator.Load[Composed](st, StageCompose)
	if err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(comp.Path)
	if err != nil {
		return nil, err
	}
	if p.store == nil {
		if _, err := os.Stat(abs); err != nil {
			return nil, orchestrator.Permanent(fmt.Errorf("composed file missing: %w", err))
		}
		return Export{URL: "file://" + filepath.ToSlash(abs), Local: true}, nil
	}
	f, err := os.Open(abs)
	if err != nil {
		return nil, orchestrator.Permanent(fmt.Errorf("open composed file: %w", err))
	}
	defer f.Close()
	key := fmt.Sprintf("videos/%s/%s", jc.Job.ID.String(), filepath.Base(abs))
	url, err := p.store.Upload(jc.Ctx, key, f)
	if err != nil {
		return nil, err
	}
	return Export{URL: url, Key: key}, nil
}

func slidePath(dir string, idx int) string {
	return filepath.Join(dir, "slides", fmt.Sprintf("slide_%03d.png", idx))
}

// -------------------- completion --------------------

// save files the narration script as a video_script document.
func (p *Pipeline) save(jc *jobrt.Context, st *orchestrator.State, _ *quality.Result) error {
	var in Input
	if err := st.Input(&in); err != nil {
		return err
	}
	sc, err := orchestrator.Load[Scenario](st, StageScenario)
	if err != nil {
		return err
	}
	exp, err := orchestrator.Load[Export](st, StageExport)
	if err != nil {
		return err
	}
	nar, err := orchestrator.Load[Narration](st, StageAudio)
	if err != nil {
		return err
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Theme: %s\n", in.Theme)
	for i, s := range sc.Slides {
		fmt.Fprintf(&b, "\nSlide %d: %s\n%s\nNarration: %s\n", i+1, s.Title, stagekit.Bullets(s.Bullets), s.Narration)
	}
	meta, err := json.Marshal(map[string]any{
		"job_id":  jc.Job.ID.String(),
		"url":     exp.URL,
		"seconds": nar.TotalSeconds(),
		"slides":  len(nar.Clips),
	})
	if err != nil {
		return err
	}
	title := strings.TrimSpace(sc.Title)
	if title == "" {
		title = in.Theme
	}
	sourceID := "video_generation_" + jc.Job.ID.String()
	doc := &documents.Document{
		Type:         documents.TypeVideoScript,
		Title:        title,
		Content:      b.String(),
		SuccessLevel: documents.SuccessMedium,
		SourceID:     &sourceID,
		Metadata:     datatypes.JSON(meta),
		Tags: stagekit.Tags(
			documents.CategoryAuthor, in.Author,
			documents.CategoryTheme, in.Theme,
			documents.CategoryKind, string(jobs.KindVideoGeneration),
		),
	}
	if _, err := p.docs.UpsertBySourceID(dbctx.Context{Ctx: jc.Ctx}, doc); err != nil {
		return fmt.Errorf("save video script document: %w", err)
	}
	return nil
}
