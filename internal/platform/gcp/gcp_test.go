package gcp

import (
	"testing"
	"time"

	speechpb "cloud.google.com/go/speech/apiv1/speechpb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/durationpb"
)

func TestStorageConfigValidate(t *testing.T) {
	assert.Error(t, StorageConfig{}.Validate())
	assert.NoError(t, StorageConfig{Bucket: "exports"}.Validate())
	assert.Error(t, StorageConfig{Bucket: "exports", EmulatorHost: "fake-gcs:4443"}.Validate())
	assert.NoError(t, StorageConfig{Bucket: "exports", EmulatorHost: "http://fake-gcs:4443"}.Validate())
}

func TestPublicURL(t *testing.T) {
	assert.Equal(t,
		"https://storage.googleapis.com/exports/videos/a.mp4",
		PublicURL(StorageConfig{Bucket: "exports"}, "/videos/a.mp4"))
	assert.Equal(t,
		"http://localhost:4443/exports/videos/a.mp4",
		PublicURL(StorageConfig{Bucket: "exports", PublicBaseURL: "http://localhost:4443/"}, "videos/a.mp4"))
	assert.Equal(t,
		"http://fake-gcs:4443/storage/v1/b/exports/o/videos%2Fa.mp4?alt=media",
		PublicURL(StorageConfig{Bucket: "exports", EmulatorHost: "http://fake-gcs:4443"}, "videos/a.mp4"))
}

func TestContentTypeForKey(t *testing.T) {
	assert.Equal(t, "video/mp4", contentTypeForKey("jobs/1/out.MP4"))
	assert.Equal(t, "application/json", contentTypeForKey("jobs/1/manifest.json?x=1"))
	assert.Equal(t, "", contentTypeForKey("jobs/1/blob"))
}

func TestInferSpeechEncoding(t *testing.T) {
	assert.Equal(t, speechpb.RecognitionConfig_LINEAR16, inferSpeechEncoding("audio/wav"))
	assert.Equal(t, speechpb.RecognitionConfig_FLAC, inferSpeechEncoding("audio/flac"))
	assert.Equal(t, speechpb.RecognitionConfig_MP3, inferSpeechEncoding("audio/mpeg"))
	assert.Equal(t, speechpb.RecognitionConfig_ENCODING_UNSPECIFIED, inferSpeechEncoding(""))
}

func word(w string, s, e float64) *speechpb.WordInfo {
	return &speechpb.WordInfo{
		Word:      w,
		StartTime: durationpb.New(secs(s)),
		EndTime:   durationpb.New(secs(e)),
	}
}

func TestParseSpeechResponseGroupsByWindow(t *testing.T) {
	resp := &speechpb.LongRunningRecognizeResponse{
		Results: []*speechpb.SpeechRecognitionResult{
			{Alternatives: []*speechpb.SpeechRecognitionAlternative{{
				Transcript: "hello world",
				Words:      []*speechpb.WordInfo{word("hello", 0, 0.5), word("world", 0.5, 1)},
			}}},
			{Alternatives: []*speechpb.SpeechRecognitionAlternative{{
				Transcript: " later ",
				Words:      []*speechpb.WordInfo{word("later", 12, 12.5)},
			}}},
			{},
		},
	}
	out := parseSpeechResponse(resp, 10)
	assert.Equal(t, "hello world later", out.Text)
	require.Len(t, out.Segments, 2)
	assert.Equal(t, "hello world", out.Segments[0].Text)
	assert.InDelta(t, 1.0, out.Segments[0].EndSec, 1e-9)
	assert.Equal(t, "later", out.Segments[1].Text)
	assert.InDelta(t, 12.0, out.Segments[1].StartSec, 1e-9)
}

func TestParseSpeechResponseEmpty(t *testing.T) {
	out := parseSpeechResponse(nil, 10)
	assert.Empty(t, out.Text)
	assert.Empty(t, out.Segments)
}

func secs(f float64) time.Duration { return time.Duration(f * float64(time.Second)) }
