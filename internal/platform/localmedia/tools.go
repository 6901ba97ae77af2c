package localmedia

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/yungbote/contentforge-backend/internal/platform/ctxutil"
	"github.com/yungbote/contentforge-backend/internal/platform/httpx"
	"github.com/yungbote/contentforge-backend/internal/platform/logger"
)

// ErrDisabled is returned by the ffmpeg-backed operations when MEDIA_ENABLED is off.
var ErrDisabled = errors.New("media tools disabled")

type Config struct {
	Enabled     bool          `envconfig:"MEDIA_ENABLED" default:"false"`
	WorkDir     string        `envconfig:"MEDIA_WORK_DIR" default:"/tmp/contentforge-media"`
	FFmpegPath  string        `envconfig:"MEDIA_FFMPEG_PATH" default:"ffmpeg"`
	Timeout     time.Duration `envconfig:"MEDIA_TIMEOUT" default:"10m"`
	MaxDownload int64         `envconfig:"MEDIA_MAX_DOWNLOAD_BYTES" default:"524288000"`
}

// Tools wraps ffmpeg and plain HTTP downloads. Calls block; run them from workers.
type Tools interface {
	Enabled() bool
	AssertReady(ctx context.Context) error

	// WorkDir returns (and creates) a scratch directory for one job.
	WorkDir(jobID string) (string, error)

	Download(ctx context.Context, sourceURL string, outPath string) (string, error)
	ExtractAudio(ctx context.Context, videoPath string, outPath string) (string, error)
	ExtractKeyframes(ctx context.Context, videoPath string, outDir string, opts KeyframeOptions) ([]string, error)
	ComposeSlideshow(ctx context.Context, clips []Clip, outPath string) (string, error)
}

type KeyframeOptions struct {
	IntervalSeconds float64
	SceneThreshold  float64
	Width           int
	MaxFrames       int
}

// Clip is one still image shown for Duration, with optional narration.
type Clip struct {
	ImagePath string
	AudioPath string
	Duration  time.Duration
}

type tools struct {
	log  *logger.Logger
	cfg  Config
	http *http.Client
}

func New(log *logger.Logger, cfg Config) Tools {
	if strings.TrimSpace(cfg.WorkDir) == "" {
		cfg.WorkDir = filepath.Join(os.TempDir(), "contentforge-media")
	}
	if strings.TrimSpace(cfg.FFmpegPath) == "" {
		cfg.FFmpegPath = "ffmpeg"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Minute
	}
	if cfg.MaxDownload <= 0 {
		cfg.MaxDownload = 500 << 20
	}
	return &tools{
		log:  log.With("service", "MediaTools"),
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
	}
}

func (m *tools) Enabled() bool { return m.cfg.Enabled }

func (m *tools) AssertReady(ctx context.Context) error {
	if !m.cfg.Enabled {
		return ErrDisabled
	}
	if _, err := exec.LookPath(m.cfg.FFmpegPath); err != nil {
		return fmt.Errorf("missing required binary %q in PATH: %w", m.cfg.FFmpegPath, err)
	}
	if err := os.MkdirAll(m.cfg.WorkDir, 0o755); err != nil {
		return fmt.Errorf("create work dir: %w", err)
	}
	return nil
}

var unsafeName = regexp.MustCompile(`[^a-zA-Z0-9_-]+`)

func (m *tools) WorkDir(jobID string) (string, error) {
	name := unsafeName.ReplaceAllString(jobID, "_")
	if name == "" {
		return "", fmt.Errorf("job id required")
	}
	dir := filepath.Join(m.cfg.WorkDir, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("mkdir work dir: %w", err)
	}
	return dir, nil
}

type downloadError struct {
	StatusCode int
}

func (e *downloadError) Error() string       { return fmt.Sprintf("download failed: http %d", e.StatusCode) }
func (e *downloadError) HTTPStatusCode() int { return e.StatusCode }

func (m *tools) Download(ctx context.Context, sourceURL string, outPath string) (string, error) {
	ctx = ctxutil.Default(ctx)
	if !strings.HasPrefix(sourceURL, "http://") && !strings.HasPrefix(sourceURL, "https://") {
		return "", fmt.Errorf("unsupported source url %q", sourceURL)
	}
	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return "", fmt.Errorf("mkdir download dir: %w", err)
	}

	backoff := time.Second
	for attempt := 0; ; attempt++ {
		err := m.downloadOnce(ctx, sourceURL, outPath)
		if err == nil {
			return outPath, nil
		}
		if !httpx.IsRetryableError(err) || attempt >= 2 {
			return "", err
		}
		m.log.Warn("download retrying", "url", sourceURL, "attempt", attempt+1, "error", err.Error())
		if serr := httpx.Sleep(ctx, httpx.JitterSleep(backoff)); serr != nil {
			return "", serr
		}
		backoff *= 2
	}
}

func (m *tools) downloadOnce(ctx context.Context, sourceURL, outPath string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sourceURL, nil)
	if err != nil {
		return err
	}
	resp, err := m.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return &downloadError{StatusCode: resp.StatusCode}
	}
	f, err := os.Create(outPath)
	if err != nil {
		return fmt.Errorf("create download file: %w", err)
	}
	n, err := io.Copy(f, io.LimitReader(resp.Body, m.cfg.MaxDownload+1))
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(outPath)
		return fmt.Errorf("write download: %w", err)
	}
	if n > m.cfg.MaxDownload {
		_ = os.Remove(outPath)
		return fmt.Errorf("download exceeds %d bytes", m.cfg.MaxDownload)
	}
	return nil
}

func (m *tools) run(ctx context.Context, args []string) error {
	ctx, cancel := context.WithTimeout(ctxutil.Default(ctx), m.cfg.Timeout)
	defer cancel()
	out, err := exec.CommandContext(ctx, m.cfg.FFmpegPath, args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("ffmpeg failed: %w; out=%s", err, tail(string(out), 2000))
	}
	return nil
}

func (m *tools) ExtractAudio(ctx context.Context, videoPath string, outPath string) (string, error) {
	if err := m.AssertReady(ctx); err != nil {
		return "", err
	}
	if videoPath == "" || outPath == "" {
		return "", fmt.Errorf("videoPath and outPath required")
	}
	if err := m.run(ctx, audioArgs(videoPath, outPath)); err != nil {
		return "", err
	}
	if _, err := os.Stat(outPath); err != nil {
		return "", fmt.Errorf("audio output missing at %s", outPath)
	}
	return outPath, nil
}

// audioArgs extracts 16kHz mono wav, the format the transcriber expects.
func audioArgs(videoPath, outPath string) []string {
	return []string{"-y", "-i", videoPath, "-vn", "-ac", "1", "-ar", "16000", "-f", "wav", outPath}
}

func (m *tools) ExtractKeyframes(ctx context.Context, videoPath string, outDir string, opts KeyframeOptions) ([]string, error) {
	if err := m.AssertReady(ctx); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir frames dir: %w", err)
	}
	if err := m.run(ctx, keyframeArgs(videoPath, outDir, opts)); err != nil {
		return nil, err
	}
	frames, err := globSorted(outDir, `^frame_\d+\.jpg$`)
	if err != nil {
		return nil, err
	}
	max := opts.MaxFrames
	if max <= 0 {
		max = 30
	}
	if len(frames) > max {
		frames = frames[:max]
	}
	return frames, nil
}

func keyframeArgs(videoPath, outDir string, opts KeyframeOptions) []string {
	var vf string
	if opts.SceneThreshold > 0 {
		vf = fmt.Sprintf("select='gt(scene\\,%0.3f)'", opts.SceneThreshold)
	} else {
		interval := opts.IntervalSeconds
		if interval <= 0 {
			interval = 5
		}
		vf = fmt.Sprintf("fps=%0.6f", 1.0/interval)
	}
	if opts.Width > 0 {
		vf += fmt.Sprintf(",scale=%d:-1", opts.Width)
	}
	return []string{"-y", "-i", videoPath, "-vf", vf, "-vsync", "vfr", "-q:v", "3", filepath.Join(outDir, "frame_%06d.jpg")}
}

func (m *tools) ComposeSlideshow(ctx context.Context, clips []Clip, outPath string) (string, error) {
	if err := m.AssertReady(ctx); err != nil {
		return "", err
	}
	if len(clips) == 0 {
		return "", fmt.Errorf("no clips to compose")
	}
	dir := filepath.Dir(outPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("mkdir compose dir: %w", err)
	}
	images, audio := concatLists(clips)
	imgList := filepath.Join(dir, "images.txt")
	if err := os.WriteFile(imgList, []byte(images), 0o644); err != nil {
		return "", err
	}
	args := []string{"-y", "-f", "concat", "-safe", "0", "-i", imgList}
	if audio != "" {
		audList := filepath.Join(dir, "audio.txt")
		if err := os.WriteFile(audList, []byte(audio), 0o644); err != nil {
			return "", err
		}
		args = append(args, "-f", "concat", "-safe", "0", "-i", audList, "-c:a", "aac")
	}
	args = append(args, "-vf", "scale=trunc(iw/2)*2:trunc(ih/2)*2", "-c:v", "libx264", "-pix_fmt", "yuv420p", "-r", "30", outPath)
	if err := m.run(ctx, args); err != nil {
		return "", err
	}
	return outPath, nil
}

// concatLists renders ffmpeg concat-demuxer inputs. The last image is repeated so its
// duration is honoured. audio is empty when no clip carries narration.
func concatLists(clips []Clip) (images string, audio string) {
	var ib, ab strings.Builder
	hasAudio := false
	for _, c := range clips {
		fmt.Fprintf(&ib, "file '%s'\nduration %s\n", quote(c.ImagePath), strconv.FormatFloat(c.Duration.Seconds(), 'f', 3, 64))
		if c.AudioPath != "" {
			hasAudio = true
			fmt.Fprintf(&ab, "file '%s'\n", quote(c.AudioPath))
		}
	}
	fmt.Fprintf(&ib, "file '%s'\n", quote(clips[len(clips)-1].ImagePath))
	if !hasAudio {
		return ib.String(), ""
	}
	return ib.String(), ab.String()
}

func quote(p string) string {
	return strings.ReplaceAll(p, "'", `'\''`)
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

func globSorted(dir string, pattern string) ([]string, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	out := []string{}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if re.MatchString(strings.ToLower(e.Name())) {
			out = append(out, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(out)
	return out, nil
}
