package video_analysis

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yungbote/contentforge-backend/internal/domain/documents"
	"github.com/yungbote/contentforge-backend/internal/domain/jobs"
	"github.com/yungbote/contentforge-backend/internal/jobs/orchestrator"
	"github.com/yungbote/contentforge-backend/internal/jobs/pipeline/pipelinetest"
	"github.com/yungbote/contentforge-backend/internal/platform/dbctx"
	"github.com/yungbote/contentforge-backend/internal/platform/gcp"
	"github.com/yungbote/contentforge-backend/internal/platform/localmedia"
	"github.com/yungbote/contentforge-backend/internal/platform/openai"
)

type fakeMedia struct {
	dir    string
	frames int
}

func (m *fakeMedia) Enabled() bool                     { return true }
func (m *fakeMedia) AssertReady(context.Context) error { return nil }
func (m *fakeMedia) WorkDir(jobID string) (string, error) {
	d := filepath.Join(m.dir, jobID)
	return d, os.MkdirAll(d, 0o755)
}
func (m *fakeMedia) Download(_ context.Context, _ string, out string) (string, error) {
	return out, os.WriteFile(out, []byte("video"), 0o644)
}
func (m *fakeMedia) ExtractAudio(_ context.Context, _ string, out string) (string, error) {
	return out, os.WriteFile(out, []byte("RIFF"), 0o644)
}
func (m *fakeMedia) ExtractKeyframes(_ context.Context, _ string, outDir string, _ localmedia.KeyframeOptions) ([]string, error) {
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, err
	}
	var out []string
	for i := 1; i <= m.frames; i++ {
		p := filepath.Join(outDir, fmt.Sprintf("frame_%06d.jpg", i))
		if err := os.WriteFile(p, []byte{0xff, 0xd8, byte(i)}, 0o644); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}
func (m *fakeMedia) ComposeSlideshow(context.Context, []localmedia.Clip, string) (string, error) {
	return "", localmedia.ErrDisabled
}

type fakeSpeech struct{ calls int }

func (s *fakeSpeech) Transcribe(_ context.Context, audio []byte, mime, lang string) (*gcp.Transcript, error) {
	s.calls++
	return &gcp.Transcript{Provider: "gcp_speech", Language: lang, Text: "welcome to the kitchen"}, nil
}
func (s *fakeSpeech) Close() error { return nil }

func scriptSummary(ai *pipelinetest.FakeAI) {
	ai.On("video_analysis_summary", Summary{
		Title:            "Kitchen tour",
		Summary:          "A fast tour with a strong hook.",
		StructurePattern: []string{"hook", "tour", "call to action"},
		SuccessFactors:   []string{"pacing"},
		Hooks:            []string{"you won't believe this sink"},
	})
}

func TestVideoAnalysisWithMediaDisabled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("fake mp4 bytes"))
	}))
	defer srv.Close()

	h := pipelinetest.New(t)
	scriptSummary(h.AI)
	media := localmedia.New(h.Log, localmedia.Config{WorkDir: t.TempDir(), Timeout: time.Minute, MaxDownload: 1 << 20})
	pl, err := New(h.Log, h.AI, h.Repos.Documents, media, nil, Options{Concurrency: 2}).Build()
	require.NoError(t, err)

	job := h.Submit(pl, map[string]any{"source_url": srv.URL + "/clip.mov", "author": "ana"})
	require.NoError(t, h.Run(pl, job))

	got := h.Reload(job.ID)
	require.Equal(t, jobs.StatusCompleted, got.Status, got.Error)
	assert.Empty(t, got.Quality)

	dl := pipelinetest.Output[Download](h, job.ID, StageDownload)
	assert.Equal(t, int64(len("fake mp4 bytes")), dl.Bytes)
	assert.Equal(t, ".mov", filepath.Ext(dl.Path))

	tr := pipelinetest.Output[Transcript](h, job.ID, StageTranscribe)
	assert.True(t, tr.Placeholder)
	assert.Equal(t, TranscriptUnavailable, tr.Text)
	assert.Equal(t, defaultLanguage, tr.Language)

	assert.True(t, pipelinetest.Output[Frames](h, job.ID, StageFrames).Disabled)
	assert.Empty(t, pipelinetest.Output[FrameNotes](h, job.ID, StageFrameAnalysis).Frames)
	assert.Equal(t, 0, h.AI.Calls("vision"))

	doc := h.Document("video_analysis_" + job.ID.String())
	require.NotNil(t, doc)
	assert.Equal(t, documents.TypeVideoAnalysis, doc.Type)
	assert.Equal(t, "Kitchen tour", doc.Title)
	assert.Contains(t, doc.Content, "- call to action")
	assert.NotContains(t, doc.Content, "Transcript excerpt")
	assert.Equal(t, []string{"ana"}, doc.TagsByCategory()[documents.CategoryAuthor])
}

func TestVideoAnalysisAnalysesFramesAndSkipsFailures(t *testing.T) {
	h := pipelinetest.New(t)
	scriptSummary(h.AI)
	h.AI.Vision = func(user string, images []openai.ImageInput) (string, error) {
		if strings.HasPrefix(user, "Frame 2 of") {
			return "", errors.New("image rejected")
		}
		if len(images) != 1 || !strings.HasPrefix(images[0].ImageURL, "data:image/jpeg;base64,") {
			return "", errors.New("not a data url")
		}
		return "a bright kitchen", nil
	}
	speech := &fakeSpeech{}
	pl, err := New(h.Log, h.AI, h.Repos.Documents, &fakeMedia{dir: t.TempDir(), frames: 3}, speech, Options{Concurrency: 2}).Build()
	require.NoError(t, err)

	job := h.Submit(pl, map[string]any{"source_url": "https://cdn.example.com/v.mp4", "language": "ja-JP"})
	require.NoError(t, h.Run(pl, job))

	got := h.Reload(job.ID)
	require.Equal(t, jobs.StatusCompleted, got.Status, got.Error)
	assert.Equal(t, 1, speech.calls)

	tr := pipelinetest.Output[Transcript](h, job.ID, StageTranscribe)
	assert.Equal(t, "welcome to the kitchen", tr.Text)
	assert.Equal(t, "ja-JP", tr.Language)

	notes := pipelinetest.Output[FrameNotes](h, job.ID, StageFrameAnalysis)
	require.Len(t, notes.Frames, 2)
	assert.Equal(t, []int{0, 2}, []int{notes.Frames[0].Index, notes.Frames[1].Index})
	require.Len(t, notes.Failures, 1)
	assert.Equal(t, 1, notes.Failures[0].Index)

	prompts := h.AI.Prompts("video_analysis_summary")
	require.Len(t, prompts, 1)
	assert.Contains(t, prompts[0], "Frame 3: a bright kitchen")

	doc := h.Document("video_analysis_" + job.ID.String())
	require.NotNil(t, doc)
	assert.Contains(t, doc.Content, "Transcript excerpt:\nwelcome to the kitchen")
}

func TestVideoAnalysisFailsWhenNoFrameIsAnalysed(t *testing.T) {
	h := pipelinetest.New(t)
	scriptSummary(h.AI)
	h.AI.Vision = func(string, []openai.ImageInput) (string, error) { return "", errors.New("image rejected") }
	pl, err := New(h.Log, h.AI, h.Repos.Documents, &fakeMedia{dir: t.TempDir(), frames: 2}, &fakeSpeech{}, Options{}).Build()
	require.NoError(t, err)

	job := h.Submit(pl, map[string]any{"source_url": "https://cdn.example.com/v.mp4"})
	require.NoError(t, h.Run(pl, job))

	got := h.Reload(job.ID)
	assert.Equal(t, jobs.StatusFailed, got.Status)
	assert.Equal(t, StageFrameAnalysis, got.StageName)
	assert.Nil(t, h.Document("video_analysis_"+job.ID.String()))
}

func TestVideoAnalysisRefetchesMissingSource(t *testing.T) {
	h := pipelinetest.New(t)
	scriptSummary(h.AI)
	h.AI.Vision = func(string, []openai.ImageInput) (string, error) { return "frame", nil }
	media := &fakeMedia{dir: t.TempDir(), frames: 1}
	pl, err := New(h.Log, h.AI, h.Repos.Documents, media, &fakeSpeech{}, Options{}).Build()
	require.NoError(t, err)

	job := h.Submit(pl, map[string]any{"source_url": "https://cdn.example.com/v.mp4"})
	require.NoError(t, h.DB.Model(&jobs.Job{}).Where("id = ?", job.ID).Update("current_stage", 1).Error)
	require.NoError(t, h.Repos.StageOutputs.Upsert(dbctx.Context{Ctx: context.Background()}, &jobs.StageOutput{
		JobID: job.ID, Stage: StageDownload, StageIndex: 0,
		Data: []byte(`{"path":"/nonexistent/source.mp4","bytes":5}`),
	}))
	require.NoError(t, h.Run(pl, job))

	got := h.Reload(job.ID)
	require.Equal(t, jobs.StatusCompleted, got.Status, got.Error)
	_, err = os.Stat(filepath.Join(media.dir, job.ID.String(), "source.mp4"))
	assert.NoError(t, err)
}

func TestInputRequiresURL(t *testing.T) {
	_, err := orchestrator.DecodeInput[Input](applyDefaults)([]byte(`{"source_url":"not a url"}`))
	var ie *orchestrator.InputError
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, "source_url", ie.Field)
}

func TestSourceExt(t *testing.T) {
	assert.Equal(t, ".webm", sourceExt("https://x/y/clip.WEBM?sig=1"))
	assert.Equal(t, ".mp4", sourceExt("https://x/watch?v=abc"))
}
