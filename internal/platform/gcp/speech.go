package gcp

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	speech "cloud.google.com/go/speech/apiv1"
	speechpb "cloud.google.com/go/speech/apiv1/speechpb"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/durationpb"

	"github.com/yungbote/contentforge-backend/internal/platform/ctxutil"
	"github.com/yungbote/contentforge-backend/internal/platform/httpx"
	"github.com/yungbote/contentforge-backend/internal/platform/logger"
)

// Transcriber turns extracted audio into text.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte, mimeType string, language string) (*Transcript, error)
	Close() error
}

type TranscriptSegment struct {
	Text     string  `json:"text"`
	StartSec float64 `json:"start_sec"`
	EndSec   float64 `json:"end_sec"`
}

type Transcript struct {
	Provider string              `json:"provider"`
	Language string              `json:"language"`
	Text     string              `json:"text"`
	Segments []TranscriptSegment `json:"segments,omitempty"`
}

type speechService struct {
	log        *logger.Logger
	client     *speech.Client
	maxRetries int
	window     float64
}

func NewSpeech(ctx context.Context, log *logger.Logger) (Transcriber, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	c, err := speech.NewClient(ctxutil.Default(ctx), ClientOptionsFromEnv()...)
	if err != nil {
		return nil, fmt.Errorf("speech client: %w", err)
	}
	return &speechService{
		log:        log.With("service", "gcp.Speech"),
		client:     c,
		maxRetries: 3,
		window:     10,
	}, nil
}

func (s *speechService) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

func (s *speechService) Transcribe(ctx context.Context, audio []byte, mimeType string, language string) (*Transcript, error) {
	ctx = ctxutil.Default(ctx)
	ctx, cancel := context.WithTimeout(ctx, 10*time.Minute)
	defer cancel()

	if language == "" {
		language = "en-US"
	}
	if len(audio) == 0 {
		return &Transcript{Provider: "gcp_speech", Language: language}, nil
	}

	req := &speechpb.LongRunningRecognizeRequest{
		Config: &speechpb.RecognitionConfig{
			LanguageCode:               language,
			Encoding:                   inferSpeechEncoding(mimeType),
			EnableAutomaticPunctuation: true,
			EnableWordTimeOffsets:      true,
		},
		Audio: &speechpb.RecognitionAudio{AudioSource: &speechpb.RecognitionAudio_Content{Content: audio}},
	}

	var resp *speechpb.LongRunningRecognizeResponse
	backoff := 2 * time.Second
	for attempt := 0; ; attempt++ {
		op, err := s.client.LongRunningRecognize(ctx, req)
		if err == nil {
			resp, err = op.Wait(ctx)
		}
		if err == nil {
			break
		}
		if !isRetryableGRPC(err) || attempt >= s.maxRetries {
			return nil, fmt.Errorf("speech longrunningrecognize: %w", err)
		}
		s.log.Warn("speech retrying", "attempt", attempt+1, "error", err.Error())
		if serr := httpx.Sleep(ctx, httpx.JitterSleep(backoff)); serr != nil {
			return nil, serr
		}
		backoff *= 2
	}

	out := parseSpeechResponse(resp, s.window)
	out.Language = language
	return out, nil
}

func isRetryableGRPC(err error) bool {
	switch status.Code(err) {
	case codes.Unavailable, codes.ResourceExhausted, codes.DeadlineExceeded, codes.Internal, codes.Aborted:
		return true
	default:
		return false
	}
}

func inferSpeechEncoding(mimeType string) speechpb.RecognitionConfig_AudioEncoding {
	m := strings.ToLower(strings.TrimSpace(mimeType))
	ext := strings.ToLower(filepath.Ext(m))
	switch {
	case strings.Contains(m, "wav") || ext == ".wav":
		return speechpb.RecognitionConfig_LINEAR16
	case strings.Contains(m, "flac"):
		return speechpb.RecognitionConfig_FLAC
	case strings.Contains(m, "mp3") || strings.Contains(m, "mpeg"):
		return speechpb.RecognitionConfig_MP3
	case strings.Contains(m, "ogg") || strings.Contains(m, "opus"):
		return speechpb.RecognitionConfig_OGG_OPUS
	default:
		return speechpb.RecognitionConfig_ENCODING_UNSPECIFIED
	}
}

type speechWord struct {
	w string
	s float64
	e float64
}

// parseSpeechResponse joins the top alternatives and groups timed words into windowSec segments.
func parseSpeechResponse(resp *speechpb.LongRunningRecognizeResponse, windowSec float64) *Transcript {
	out := &Transcript{Provider: "gcp_speech"}
	if resp == nil {
		return out
	}
	var full strings.Builder
	words := []speechWord{}
	for _, r := range resp.Results {
		if r == nil || len(r.Alternatives) == 0 || r.Alternatives[0] == nil {
			continue
		}
		alt := r.Alternatives[0]
		t := strings.TrimSpace(alt.Transcript)
		if t == "" {
			continue
		}
		if full.Len() > 0 {
			full.WriteString(" ")
		}
		full.WriteString(t)
		for _, w := range alt.Words {
			if w == nil {
				continue
			}
			words = append(words, speechWord{w: w.Word, s: durToSec(w.StartTime), e: durToSec(w.EndTime)})
		}
	}
	out.Text = full.String()
	if len(words) > 0 {
		out.Segments = groupByTime(words, windowSec)
	} else if out.Text != "" {
		out.Segments = []TranscriptSegment{{Text: out.Text}}
	}
	return out
}

func groupByTime(words []speechWord, windowSec float64) []TranscriptSegment {
	if windowSec <= 0 {
		windowSec = 10
	}
	segs := []TranscriptSegment{}
	cur := TranscriptSegment{StartSec: words[0].s, EndSec: words[0].e}
	var buf strings.Builder
	flush := func() {
		if txt := strings.TrimSpace(buf.String()); txt != "" {
			cur.Text = txt
			segs = append(segs, cur)
		}
		buf.Reset()
	}
	for _, w := range words {
		if w.s-cur.StartSec >= windowSec && buf.Len() > 0 {
			flush()
			cur = TranscriptSegment{StartSec: w.s, EndSec: w.e}
		}
		if buf.Len() > 0 {
			buf.WriteString(" ")
		}
		buf.WriteString(w.w)
		if w.e > cur.EndSec {
			cur.EndSec = w.e
		}
	}
	flush()
	return segs
}

func durToSec(d *durationpb.Duration) float64 {
	if d == nil {
		return 0
	}
	return d.AsDuration().Seconds()
}
