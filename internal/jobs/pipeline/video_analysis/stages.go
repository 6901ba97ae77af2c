package video_analysis

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gorm.io/datatypes"

	"github.com/yungbote/contentforge-backend/internal/domain/documents"
	"github.com/yungbote/contentforge-backend/internal/domain/jobs"
	"github.com/yungbote/contentforge-backend/internal/jobs/orchestrator"
	"github.com/yungbote/contentforge-backend/internal/jobs/pipeline/stagekit"
	jobrt "github.com/yungbote/contentforge-backend/internal/jobs/runtime"
	"github.com/yungbote/contentforge-backend/internal/platform/dbctx"
	"github.com/yungbote/contentforge-backend/internal/platform/gcp"
	"github.com/yungbote/contentforge-backend/internal/platform/localmedia"
	"github.com/yungbote/contentforge-backend/internal/platform/openai"
	"github.com/yungbote/contentforge-backend/internal/platform/promptstyle"
	"github.com/yungbote/contentforge-backend/internal/quality"
)

// TranscriptUnavailable stands in for the transcript when speech recognition is off.
const TranscriptUnavailable = "Transcript unavailable: speech recognition is disabled."

// -------------------- outputs --------------------

type Download struct {
	Path  string `json:"path"`
	Bytes int64  `json:"bytes"`
}

func (d Download) Validate() error {
	if d.Path == "" {
		return errors.New("no download path")
	}
	return nil
}

type Transcript struct {
	gcp.Transcript
	Placeholder bool `json:"placeholder,omitempty"`
}

func (t Transcript) Validate() error {
	if strings.TrimSpace(t.Text) == "" && !t.Placeholder {
		return errors.New("empty transcript")
	}
	return nil
}

type Frames struct {
	Paths    []string `json:"paths"`
	Disabled bool     `json:"disabled,omitempty"`
}

func (Frames) Validate() error { return nil }

type FrameNote struct {
	Index int    `json:"index"`
	Path  string `json:"path"`
	Notes string `json:"notes"`
}

type FrameNotes struct {
	Frames   []FrameNote                   `json:"frames"`
	Failures []orchestrator.SubItemFailure `json:"failures,omitempty"`
}

func (FrameNotes) Validate() error { return nil }

type Summary struct {
	Title            string   `json:"title"`
	Summary          string   `json:"summary"`
	StructurePattern []string `json:"structure_pattern"`
	SuccessFactors   []string `json:"success_factors"`
	Hooks            []string `json:"hooks"`
}

func (s Summary) Validate() error {
	if strings.TrimSpace(s.Summary) == "" {
		return errors.New("empty summary")
	}
	return nil
}

var summarySchema = stagekit.Object(map[string]any{
	"title":             stagekit.String(),
	"summary":           stagekit.String(),
	"structure_pattern": stagekit.StringArray(),
	"success_factors":   stagekit.StringArray(),
	"hooks":             stagekit.StringArray(),
})

// -------------------- stages --------------------

func (p *Pipeline) download(jc *jobrt.Context, st *orchestrator.State) (orchestrator.Output, error) {
	var in Input
	if err := st.Input(&in); err != nil {
		return nil, err
	}
	path, err := p.fetch(jc.Ctx, jc.Job.ID.String(), in.SourceURL)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	return Download{Path: path, Bytes: info.Size()}, nil
}

func (p *Pipeline) fetch(ctx context.Context, jobID, sourceURL string) (string, error) {
	dir, err := p.media.WorkDir(jobID)
	if err != nil {
		return "", err
	}
	return p.media.Download(ctx, sourceURL, filepath.Join(dir, "source"+sourceExt(sourceURL)))
}

// localSource returns the downloaded file, fetching it again when this worker never saw it.
func (p *Pipeline) localSource(jc *jobrt.Context, st *orchestrator.State) (string, error) {
	dl, err := orchestrator.Load[Download](st, StageDownload)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(dl.Path); err == nil {
		return dl.Path, nil
	}
	var in Input
	if err := st.Input(&in); err != nil {
		return "", err
	}
	jc.Log.Info("downloaded source missing locally; fetching again", "path", dl.Path)
	return p.fetch(jc.Ctx, jc.Job.ID.String(), in.SourceURL)
}

func sourceExt(u string) string {
	if i := strings.IndexAny(u, "?#"); i >= 0 {
		u = u[:i]
	}
	ext := strings.ToLower(filepath.Ext(u))
	switch ext {
	case ".mp4", ".mov", ".webm", ".mkv", ".m4v", ".avi":
		return ext
	}
	return ".mp4"
}

func (p *Pipeline) transcribe(jc *jobrt.Context, st *orchestrator.State) (orchestrator.Output, error) {
	var in Input
	if err := st.Input(&in); err != nil {
		return nil, err
	}
	if !p.media.Enabled() || p.speech == nil {
		return Transcript{
			Transcript:  gcp.Transcript{Provider: "none", Language: in.Language, Text: TranscriptUnavailable},
			Placeholder: true,
		}, nil
	}
	src, err := p.localSource(jc, st)
	if err != nil {
		return nil, err
	}
	audioPath, err := p.media.ExtractAudio(jc.Ctx, src, filepath.Join(filepath.Dir(src), "audio.wav"))
	if err != nil {
		return nil, err
	}
	audio, err := os.ReadFile(audioPath)
	if err != nil {
		return nil, err
	}
	tr, err := p.speech.Transcribe(jc.Ctx, audio, "audio/wav", in.Language)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(tr.Text) == "" {
		// silent video
		return Transcript{Transcript: gcp.Transcript{Provider: tr.Provider, Language: in.Language, Text: "(no speech detected)"}}, nil
	}
	return Transcript{Transcript: *tr}, nil
}

func (p *Pipeline) frames(jc *jobrt.Context, st *orchestrator.State) (orchestrator.Output, error) {
	if !p.media.Enabled() {
		return Frames{Paths: []string{}, Disabled: true}, nil
	}
	src, err := p.localSource(jc, st)
	if err != nil {
		return nil, err
	}
	paths, err := p.media.ExtractKeyframes(jc.Ctx, src, filepath.Join(filepath.Dir(src), "frames"), localmediaOpts(p.opts))
	if err != nil {
		return nil, err
	}
	if paths == nil {
		paths = []string{}
	}
	return Frames{Paths: paths}, nil
}

// analyseFrames describes each frame. No frames is a valid outcome; frames that all fail
// are not.
func (p *Pipeline) analyseFrames(jc *jobrt.Context, st *orchestrator.State) (orchestrator.Output, error) {
	fr, err := orchestrator.Load[Frames](st, StageFrames)
	if err != nil {
		return nil, err
	}
	if len(fr.Paths) == 0 {
		return FrameNotes{Frames: []FrameNote{}}, nil
	}
	tr, err := orchestrator.Load[Transcript](st, StageTranscribe)
	if err != nil {
		return nil, err
	}
	system := promptstyle.ApplySystem(`Describe one key frame of a video for a content strategist.
Note on-screen text, composition, people, and what the frame is doing for the story.
Answer in at most five short sentences.`, "text")

	notes, failures, err := orchestrator.RunSubItems(jc, st, fr.Paths, orchestrator.SubItemOptions{
		Concurrency: p.opts.Concurrency,
		Label:       "frame",
	}, func(ctx context.Context, idx int, path string) (FrameNote, error) {
		img, err := os.ReadFile(path)
		if err != nil {
			return FrameNote{}, err
		}
		user := fmt.Sprintf("Frame %d of %d.\nTranscript excerpt:\n%s", idx+1, len(fr.Paths), stagekit.Excerpt(tr.Text, 1500))
		text, err := p.ai.GenerateTextWithImages(ctx, system, user, []openai.ImageInput{{
			ImageURL: "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(img),
			Detail:   "low",
		}})
		if err != nil {
			return FrameNote{}, err
		}
		return FrameNote{Index: idx, Path: path, Notes: strings.TrimSpace(text)}, nil
	})
	if err != nil {
		return nil, err
	}
	return FrameNotes{Frames: notes, Failures: failures}, nil
}

func (p *Pipeline) summary(jc *jobrt.Context, st *orchestrator.State) (orchestrator.Output, error) {
	var in Input
	if err := st.Input(&in); err != nil {
		return nil, err
	}
	tr, err := orchestrator.Load[Transcript](st, StageTranscribe)
	if err != nil {
		return nil, err
	}
	notes, err := orchestrator.Load[FrameNotes](st, StageFrameAnalysis)
	if err != nil {
		return nil, err
	}
	frames := make([]string, 0, len(notes.Frames))
	for _, f := range notes.Frames {
		frames = append(frames, fmt.Sprintf("Frame %d: %s", f.Index+1, f.Notes))
	}
	system := promptstyle.ApplySystem(`Summarise why this video works so its pattern can be reused.
Give a short title, a one-paragraph summary, the structure pattern as ordered beats,
the success factors, and the opening hooks.`, "json")
	user := fmt.Sprintf("Source: %s\nTitle hint: %s\n\nTranscript:\n%s\n\nKey frames:\n%s",
		in.SourceURL, in.Title, stagekit.Excerpt(tr.Text, 12000), stagekit.Bullets(frames))

	var out Summary
	if err := p.ai.GenerateJSON(jc.Ctx, system, user, "video_analysis_summary", summarySchema, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// -------------------- completion --------------------

func localmediaOpts(o Options) localmedia.KeyframeOptions {
	return localmedia.KeyframeOptions{
		IntervalSeconds: o.FrameInterval,
		SceneThreshold:  o.SceneThreshold,
		Width:           o.FrameWidth,
		MaxFrames:       o.MaxFrames,
	}
}

// save files the analysis as a video_analysis document, which video generation later
// retrieves as benchmark material.
func (p *Pipeline) save(jc *jobrt.Context, st *orchestrator.State, _ *quality.Result) error {
	var in Input
	if err := st.Input(&in); err != nil {
		return err
	}
	sum, err := orchestrator.Load[Summary](st, StageSummary)
	if err != nil {
		return err
	}
	tr, err := orchestrator.Load[Transcript](st, StageTranscribe)
	if err != nil {
		return err
	}
	notes, err := orchestrator.Load[FrameNotes](st, StageFrameAnalysis)
	if err != nil {
		return err
	}
	title := strings.TrimSpace(sum.Title)
	if title == "" {
		title = stagekit.Excerpt(in.SourceURL, 200)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Source: %s\n\nSummary:\n%s\n\nStructure pattern:\n%s\n\nSuccess factors:\n%s\n\nHooks:\n%s",
		in.SourceURL, sum.Summary, stagekit.Bullets(sum.StructurePattern), stagekit.Bullets(sum.SuccessFactors), stagekit.Bullets(sum.Hooks))
	if !tr.Placeholder {
		fmt.Fprintf(&b, "\n\nTranscript excerpt:\n%s", stagekit.Excerpt(tr.Text, 3000))
	}
	meta, err := json.Marshal(map[string]any{
		"job_id":     jc.Job.ID.String(),
		"source_url": in.SourceURL,
		"frames":     len(notes.Frames),
		"language":   in.Language,
	})
	if err != nil {
		return err
	}
	sourceID := "video_analysis_" + jc.Job.ID.String()
	doc := &documents.Document{
		Type:         documents.TypeVideoAnalysis,
		Title:        title,
		Content:      b.String(),
		SuccessLevel: documents.SuccessMedium,
		SourceID:     &sourceID,
		Metadata:     datatypes.JSON(meta),
		Tags:         stagekit.Tags(documents.CategoryAuthor, in.Author, documents.CategoryKind, string(jobs.KindVideoAnalysis)),
	}
	if _, err := p.docs.UpsertBySourceID(dbctx.Context{Ctx: jc.Ctx}, doc); err != nil {
		return fmt.Errorf("save video analysis document: %w", err)
	}
	return nil
}
