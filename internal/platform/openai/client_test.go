package openai

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yungbote/contentforge-backend/internal/platform/logger"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := NewClient(logger.Nop(), Config{
		APIKey:      "sk-test",
		BaseURL:     srv.URL,
		Model:       "test-model",
		MaxRetries:  2,
		Temperature: 0.2,
	})
	require.NoError(t, err)
	cl := c.(*client)
	cl.sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }
	return cl
}

func writeText(w http.ResponseWriter, text string) {
	_ = json.NewEncoder(w).Encode(map[string]any{
		"output": []map[string]any{{
			"type": "message",
			"role": "assistant",
			"content": []map[string]any{
				{"type": "output_text", "text": text},
			},
		}},
		"usage": map[string]any{"input_tokens": 10, "output_tokens": 5},
	})
}

func TestNewClientRequiresKey(t *testing.T) {
	_, err := NewClient(logger.Nop(), Config{})
	assert.Error(t, err)
}

func TestGenerateTextRetriesServerErrors(t *testing.T) {
	var calls int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/responses", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		writeText(w, "hello")
	})

	out, err := c.GenerateText(context.Background(), "sys", "user")
	require.NoError(t, err)
	assert.Equal(t, "hello", out)
	assert.EqualValues(t, 3, atomic.LoadInt32(&calls))
}

func TestGenerateTextGivesUpAfterMaxRetries(t *testing.T) {
	var calls int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusTooManyRequests)
	})

	_, err := c.GenerateText(context.Background(), "sys", "user")
	require.Error(t, err)
	var he *openAIHTTPError
	require.True(t, errors.As(err, &he))
	assert.Equal(t, http.StatusTooManyRequests, he.StatusCode)
	assert.EqualValues(t, 3, atomic.LoadInt32(&calls))
}

func TestBadRequestIsNotRetried(t *testing.T) {
	var calls int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"error":{"message":"bad input"}}`)
	})

	_, err := c.GenerateText(context.Background(), "sys", "user")
	require.Error(t, err)
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

func TestTemperatureFallback(t *testing.T) {
	var withTemp, withoutTemp int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		if _, ok := body["temperature"]; ok {
			atomic.AddInt32(&withTemp, 1)
			w.WriteHeader(http.StatusBadRequest)
			_, _ = io.WriteString(w, `{"error":{"message":"Unsupported parameter: 'temperature'"}}`)
			return
		}
		atomic.AddInt32(&withoutTemp, 1)
		writeText(w, "ok")
	})

	out, err := c.GenerateText(context.Background(), "sys", "a")
	require.NoError(t, err)
	assert.Equal(t, "ok", out)

	// the model is remembered; no second rejected request
	_, err = c.GenerateText(context.Background(), "sys", "b")
	require.NoError(t, err)
	assert.EqualValues(t, 1, atomic.LoadInt32(&withTemp))
	assert.EqualValues(t, 2, atomic.LoadInt32(&withoutTemp))
}

func TestGenerateJSONDecodes(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		format := body["text"].(map[string]any)["format"].(map[string]any)
		assert.Equal(t, "json_schema", format["type"])
		assert.Equal(t, "outline", format["name"])
		writeText(w, `{"title":"Go"}`)
	})

	var out struct {
		Title string `json:"title"`
	}
	err := c.GenerateJSON(context.Background(), "sys", "user", "outline", map[string]any{"type": "object"}, &out)
	require.NoError(t, err)
	assert.Equal(t, "Go", out.Title)
}

func TestGenerateJSONSchemaMismatchIsPermanent(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeText(w, `{"unexpected":1}`)
	})

	var out struct {
		Title string `json:"title"`
	}
	err := c.GenerateJSON(context.Background(), "sys", "user", "outline", map[string]any{"type": "object"}, &out)
	var se *SchemaError
	require.True(t, errors.As(err, &se))
	assert.True(t, se.Permanent())
	assert.Equal(t, "outline", se.Schema)
}

func TestRefusal(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"output": []map[string]any{{
				"type": "message", "role": "assistant",
				"content": []map[string]any{{"type": "refusal", "refusal": "no"}},
			}},
		})
	})
	_, err := c.GenerateText(context.Background(), "sys", "user")
	var re *RefusalError
	require.True(t, errors.As(err, &re))
	assert.Equal(t, "no", re.Reason)
}

func TestEmbedReordersByIndex(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/embeddings", r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{
				{"index": 1, "embedding": []float64{0, 1}},
				{"index": 0, "embedding": []float64{1, 0}},
			},
		})
	})

	vecs, err := c.Embed(context.Background(), []string{"a", ""})
	require.NoError(t, err)
	require.Len(t, vecs, 2)
	assert.Equal(t, []float32{1, 0}, vecs[0])
	assert.Equal(t, []float32{0, 1}, vecs[1])
}

func TestEmbedMissingIndex(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{{"index": 0, "embedding": []float64{1}}},
		})
	})
	_, err := c.Embed(context.Background(), []string{"a", "b"})
	assert.Error(t, err)
}

func wavBytes(t *testing.T, byteRate uint32, dataLen int) []byte {
	t.Helper()
	var b bytes.Buffer
	b.WriteString("RIFF")
	_ = binary.Write(&b, binary.LittleEndian, uint32(36+dataLen))
	b.WriteString("WAVE")
	b.WriteString("fmt ")
	_ = binary.Write(&b, binary.LittleEndian, uint32(16))
	_ = binary.Write(&b, binary.LittleEndian, uint16(1))          // PCM
	_ = binary.Write(&b, binary.LittleEndian, uint16(1))          // mono
	_ = binary.Write(&b, binary.LittleEndian, uint32(byteRate/2)) // sample rate
	_ = binary.Write(&b, binary.LittleEndian, byteRate)
	_ = binary.Write(&b, binary.LittleEndian, uint16(2))
	_ = binary.Write(&b, binary.LittleEndian, uint16(16))
	b.WriteString("data")
	_ = binary.Write(&b, binary.LittleEndian, uint32(dataLen))
	b.Write(make([]byte, dataLen))
	return b.Bytes()
}

func TestSynthesizeReportsDuration(t *testing.T) {
	audio := wavBytes(t, 48000, 96000)
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/audio/speech", r.URL.Path)
		var body speechRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "wav", body.ResponseFormat)
		assert.Equal(t, "hello there", body.Input)
		w.Header().Set("Content-Type", "audio/wav")
		_, _ = w.Write(audio)
	})

	sp, err := c.Synthesize(context.Background(), "  hello there ")
	require.NoError(t, err)
	assert.Equal(t, "audio/wav", sp.MimeType)
	assert.Equal(t, 2*time.Second, sp.Duration)
	assert.Len(t, sp.Audio, len(audio))

	_, err = c.Synthesize(context.Background(), "  ")
	assert.Error(t, err)
}

func TestWAVDurationRejectsGarbage(t *testing.T) {
	_, err := WAVDuration([]byte("not audio"))
	assert.Error(t, err)
}

func TestExtractUsageFromRaw(t *testing.T) {
	in, out := extractUsageFromRaw([]byte(`{"usage":{"prompt_tokens":7,"completion_tokens":3}}`))
	assert.Equal(t, 7, in)
	assert.Equal(t, 3, out)
	in, out = extractUsageFromRaw([]byte(`RIFF`))
	assert.Zero(t, in)
	assert.Zero(t, out)
}
