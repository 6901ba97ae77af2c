package openai

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/yungbote/contentforge-backend/internal/observability"
	"github.com/yungbote/contentforge-backend/internal/platform/httpx"
	"github.com/yungbote/contentforge-backend/internal/platform/logger"
	"github.com/yungbote/contentforge-backend/internal/platform/promptstyle"
)

type Config struct {
	APIKey             string        `envconfig:"OPENAI_API_KEY"`
	BaseURL            string        `envconfig:"OPENAI_BASE_URL" default:"https://api.openai.com"`
	Model              string        `envconfig:"OPENAI_MODEL" default:"gpt-4.1-mini"`
	EmbedModel         string        `envconfig:"OPENAI_EMBED_MODEL" default:"text-embedding-3-small"`
	TTSModel           string        `envconfig:"OPENAI_TTS_MODEL" default:"gpt-4o-mini-tts"`
	TTSVoice           string        `envconfig:"OPENAI_TTS_VOICE" default:"alloy"`
	Timeout            time.Duration `envconfig:"OPENAI_TIMEOUT" default:"180s"`
	MaxRetries         int           `envconfig:"OPENAI_MAX_RETRIES" default:"4"`
	Temperature        float64       `envconfig:"OPENAI_TEMPERATURE" default:"0.2"`
	DisableTemperature bool          `envconfig:"OPENAI_DISABLE_TEMPERATURE" default:"false"`
}

// ImageInput is one image attached to a multimodal prompt.
type ImageInput struct {
	// https://... or data:image/...;base64,...
	ImageURL string
	Detail   string // "low" | "high"
}

// Speech is synthesized narration.
type Speech struct {
	Audio    []byte
	MimeType string
	Duration time.Duration
}

// Client is the inference client used by the pipelines.
type Client interface {
	Embed(ctx context.Context, inputs []string) ([][]float32, error)

	// GenerateJSON requests a schema-constrained object and decodes it into out. A response
	// that does not decode is a *SchemaError.
	GenerateJSON(ctx context.Context, system string, user string, schemaName string, schema map[string]any, out any) error

	GenerateText(ctx context.Context, system string, user string) (string, error)

	GenerateTextWithImages(ctx context.Context, system string, user string, images []ImageInput) (string, error)

	Synthesize(ctx context.Context, text string) (Speech, error)
}

type client struct {
	log        *logger.Logger
	baseURL    string
	apiKey     string
	model      string
	embedModel string
	ttsModel   string
	ttsVoice   string
	httpClient *http.Client
	maxRetries int
	sleep      func(ctx context.Context, d time.Duration) error

	temperature *float64

	// models that rejected temperature; omitted for them afterwards
	noTempMu   sync.RWMutex
	noTempSeen map[string]bool
}

func NewClient(log *logger.Logger, cfg Config) (Client, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("missing OPENAI_API_KEY")
	}
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = "https://api.openai.com"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 180 * time.Second
	}
	maxRetries := cfg.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}
	var temp *float64
	if !cfg.DisableTemperature {
		t := cfg.Temperature
		temp = &t
	}
	return &client{
		log:         log.With("service", "OpenAIClient"),
		baseURL:     baseURL,
		apiKey:      strings.TrimSpace(cfg.APIKey),
		model:       orDefault(cfg.Model, "gpt-4.1-mini"),
		embedModel:  orDefault(cfg.EmbedModel, "text-embedding-3-small"),
		ttsModel:    orDefault(cfg.TTSModel, "gpt-4o-mini-tts"),
		ttsVoice:    orDefault(cfg.TTSVoice, "alloy"),
		httpClient:  &http.Client{Timeout: timeout},
		maxRetries:  maxRetries,
		sleep:       httpx.Sleep,
		temperature: temp,
		noTempSeen:  map[string]bool{},
	}, nil
}

func orDefault(s, def string) string {
	if s = strings.TrimSpace(s); s == "" {
		return def
	}
	return s
}

// -------------------- errors --------------------

type openAIHTTPError struct {
	StatusCode int
	Body       string
}

func (e *openAIHTTPError) Error() string {
	return fmt.Sprintf("openai http %d: %s", e.StatusCode, e.Body)
}

func (e *openAIHTTPError) HTTPStatusCode() int {
	if e == nil {
		return 0
	}
	return e.StatusCode
}

// SchemaError is a structured response that did not match its schema. Retrying the same
// request is not expected to help.
type SchemaError struct {
	Schema string
	Err    error
	Text   string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("openai %s response did not match schema: %v", e.Schema, e.Err)
}
func (e *SchemaError) Unwrap() error   { return e.Err }
func (e *SchemaError) Permanent() bool { return true }

// RefusalError is returned when the model declines the request.
type RefusalError struct{ Reason string }

func (e *RefusalError) Error() string   { return "model refused: " + e.Reason }
func (e *RefusalError) Permanent() bool { return true }

// -------------------- transport --------------------

func (c *client) doOnce(ctx context.Context, method, path string, body any) (*http.Response, []byte, error) {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return nil, nil, err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, &buf)
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, nil, err
	}
	raw, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return resp, nil, readErr
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp, raw, &openAIHTTPError{StatusCode: resp.StatusCode, Body: truncate(string(raw), 2000)}
	}
	return resp, raw, nil
}

// doRaw retries retryable failures with exponential backoff, honouring Retry-After.
func (c *client) doRaw(ctx context.Context, method, path string, body any, model string) ([]byte, http.Header, error) {
	backoff := 1 * time.Second
	start := time.Now()
	metrics := observability.Current()

	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		resp, raw, err := c.doOnce(ctx, method, path, body)
		if err == nil {
			in, out := extractUsageFromRaw(raw)
			metrics.ObserveLLMRequest(model, path, statusFromResp(resp), time.Since(start), in, out)
			return raw, resp.Header, nil
		}
		if !httpx.IsRetryableError(err) || attempt >= c.maxRetries {
			metrics.ObserveLLMRequest(model, path, statusFromRespErr(resp, err), time.Since(start), 0, 0)
			return nil, nil, err
		}

		sleepFor := httpx.JitterSleep(httpx.RetryAfterDuration(resp, backoff, 10*time.Second))
		c.log.Warn("OpenAI request retrying",
			"path", path,
			"attempt", attempt+1,
			"max_retries", c.maxRetries,
			"sleep", sleepFor.String(),
			"error", err.Error(),
		)
		if serr := c.sleep(ctx, sleepFor); serr != nil {
			return nil, nil, serr
		}
		backoff *= 2
	}
}

func (c *client) do(ctx context.Context, method, path string, body any, model string, out any) error {
	raw, _, err := c.doRaw(ctx, method, path, body, model)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("openai decode error: %w; raw=%s", err, truncate(string(raw), 500))
	}
	return nil
}

// -------------------- Embeddings --------------------

type embeddingsRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embeddingsResponse struct {
	Data []struct {
		Embedding []float64 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
}

func (c *client) Embed(ctx context.Context, inputs []string) ([][]float32, error) {
	if len(inputs) == 0 {
		return [][]float32{}, nil
	}
	clean := make([]string, len(inputs))
	for i := range inputs {
		s := strings.TrimSpace(inputs[i])
		if s == "" {
			s = " "
		}
		clean[i] = s
	}

	var resp embeddingsResponse
	if err := c.do(ctx, http.MethodPost, "/v1/embeddings", embeddingsRequest{Model: c.embedModel, Input: clean}, c.embedModel, &resp); err != nil {
		return nil, err
	}
	out := make([][]float32, len(clean))
	for pos, d := range resp.Data {
		idx := d.Index
		if idx < 0 || idx >= len(out) || out[idx] != nil {
			idx = pos
		}
		if idx >= len(out) {
			continue
		}
		vec := make([]float32, len(d.Embedding))
		for i, f := range d.Embedding {
			vec[i] = float32(f)
		}
		out[idx] = vec
	}
	for i := range out {
		if len(out[i]) == 0 {
			return nil, fmt.Errorf("openai embeddings missing index %d: requested=%d returned=%d model=%s", i, len(clean), len(resp.Data), c.embedModel)
		}
	}
	return out, nil
}

// -------------------- Responses API --------------------

type inputMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type responsesRequest struct {
	Model string         `json:"model"`
	Input []inputMessage `json:"input"`
	Text  *struct {
		Format map[string]any `json:"format,omitempty"`
	} `json:"text,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
}

type responsesResponse struct {
	Output []struct {
		Type    string `json:"type"`
		Role    string `json:"role,omitempty"`
		Content []struct {
			Type    string `json:"type"`
			Text    string `json:"text,omitempty"`
			Refusal string `json:"refusal,omitempty"`
		} `json:"content,omitempty"`
	} `json:"output"`
	Refusal string `json:"refusal,omitempty"`
}

func extractOutputText(resp responsesResponse) (string, string) {
	var out strings.Builder
	refusal := resp.Refusal
	for _, item := range resp.Output {
		if item.Type != "message" || item.Role != "assistant" {
			continue
		}
		for _, c := range item.Content {
			switch c.Type {
			case "output_text":
				out.WriteString(c.Text)
			case "refusal":
				if refusal == "" {
					refusal = c.Refusal
				}
			}
		}
	}
	return out.String(), refusal
}

func (c *client) newRequest(system string, user any, mode string) *responsesRequest {
	req := &responsesRequest{
		Model: c.model,
		Input: []inputMessage{
			{Role: "system", Content: promptstyle.ApplySystem(system, mode)},
			{Role: "user", Content: user},
		},
	}
	if c.temperature != nil && !c.modelIsNoTemp(req.Model) {
		req.Temperature = c.temperature
	}
	return req
}

func (c *client) modelIsNoTemp(model string) bool {
	c.noTempMu.RLock()
	defer c.noTempMu.RUnlock()
	return c.noTempSeen[strings.ToLower(strings.TrimSpace(model))]
}

func (c *client) noteNoTempModel(model string) {
	c.noTempMu.Lock()
	defer c.noTempMu.Unlock()
	c.noTempSeen[strings.ToLower(strings.TrimSpace(model))] = true
}

func isUnsupportedTemperatureParam(err error) bool {
	var he *openAIHTTPError
	if !errors.As(err, &he) || he.StatusCode != http.StatusBadRequest {
		return false
	}
	msg := strings.ToLower(he.Body)
	if !strings.Contains(msg, "temperature") {
		return false
	}
	for _, needle := range []string{"unsupported", "unknown parameter", "unrecognized", "not supported", "does not support", "only the default"} {
		if strings.Contains(msg, needle) {
			return true
		}
	}
	return false
}

// respond sends req, retrying once without temperature if the model rejects it.
func (c *client) respond(ctx context.Context, req *responsesRequest) (string, error) {
	var resp responsesResponse
	err := c.do(ctx, http.MethodPost, "/v1/responses", req, req.Model, &resp)
	if err != nil && req.Temperature != nil && isUnsupportedTemperatureParam(err) {
		c.noteNoTempModel(req.Model)
		req.Temperature = nil
		resp = responsesResponse{}
		err = c.do(ctx, http.MethodPost, "/v1/responses", req, req.Model, &resp)
	}
	if err != nil {
		return "", err
	}
	text, refusal := extractOutputText(resp)
	if refusal != "" {
		return "", &RefusalError{Reason: refusal}
	}
	if strings.TrimSpace(text) == "" {
		return "", fmt.Errorf("no output_text found in response")
	}
	return text, nil
}

func (c *client) GenerateText(ctx context.Context, system string, user string) (string, error) {
	return c.respond(ctx, c.newRequest(system, user, "markdown"))
}

func (c *client) GenerateJSON(ctx context.Context, system string, user string, schemaName string, schema map[string]any, out any) error {
	if schemaName == "" {
		return errors.New("schemaName required")
	}
	if schema == nil {
		return errors.New("schema required")
	}
	req := c.newRequest(system, user, "json")
	req.Text = &struct {
		Format map[string]any `json:"format,omitempty"`
	}{Format: map[string]any{
		"type":   "json_schema",
		"name":   schemaName,
		"schema": schema,
		"strict": true,
	}}
	text, err := c.respond(ctx, req)
	if err != nil {
		return err
	}
	dec := json.NewDecoder(strings.NewReader(text))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return &SchemaError{Schema: schemaName, Err: err, Text: truncate(text, 500)}
	}
	return nil
}

func (c *client) GenerateTextWithImages(ctx context.Context, system string, user string, images []ImageInput) (string, error) {
	content := make([]map[string]any, 0, 1+len(images))
	content = append(content, map[string]any{"type": "input_text", "text": user})
	for _, img := range images {
		u := strings.TrimSpace(img.ImageURL)
		if u == "" {
			continue
		}
		item := map[string]any{"type": "input_image", "image_url": u}
		if d := strings.TrimSpace(img.Detail); d != "" {
			item["detail"] = d
		}
		content = append(content, item)
	}
	if len(content) == 1 {
		return c.GenerateText(ctx, system, user)
	}
	return c.respond(ctx, c.newRequest(system, content, "text"))
}

// -------------------- Speech --------------------

type speechRequest struct {
	Model          string `json:"model"`
	Input          string `json:"input"`
	Voice          string `json:"voice"`
	ResponseFormat string `json:"response_format"`
}

func (c *client) Synthesize(ctx context.Context, text string) (Speech, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Speech{}, errors.New("empty narration")
	}
	raw, _, err := c.doRaw(ctx, http.MethodPost, "/v1/audio/speech", speechRequest{
		Model:          c.ttsModel,
		Input:          text,
		Voice:          c.ttsVoice,
		ResponseFormat: "wav",
	}, c.ttsModel)
	if err != nil {
		return Speech{}, err
	}
	dur, err := WAVDuration(raw)
	if err != nil {
		return Speech{}, fmt.Errorf("speech response: %w", err)
	}
	return Speech{Audio: raw, MimeType: "audio/wav", Duration: dur}, nil
}

// WAVDuration reads the playback length from a RIFF/WAVE header.
func WAVDuration(b []byte) (time.Duration, error) {
	if len(b) < 12 || string(b[0:4]) != "RIFF" || string(b[8:12]) != "WAVE" {
		return 0, errors.New("not a wav file")
	}
	var byteRate uint32
	for off := 12; off+8 <= len(b); {
		id := string(b[off : off+4])
		size := binary.LittleEndian.Uint32(b[off+4 : off+8])
		body := off + 8
		switch id {
		case "fmt ":
			if body+12 > len(b) {
				return 0, errors.New("truncated fmt chunk")
			}
			byteRate = binary.LittleEndian.Uint32(b[body+8 : body+12])
		case "data":
			if byteRate == 0 {
				return 0, errors.New("data chunk before fmt chunk")
			}
			n := uint64(size)
			// streamed wavs carry a placeholder size
			if size == 0 || size == math.MaxUint32 || uint64(body)+n > uint64(len(b)) {
				n = uint64(len(b) - body)
			}
			return time.Duration(float64(n) / float64(byteRate) * float64(time.Second)), nil
		}
		next := uint64(body) + uint64(size) + uint64(size&1)
		if next > uint64(len(b)) {
			break
		}
		off = int(next)
	}
	return 0, errors.New("wav data chunk not found")
}

// -------------------- helpers --------------------

func extractUsageFromRaw(raw []byte) (int, int) {
	if len(raw) == 0 || raw[0] != '{' {
		return 0, 0
	}
	var payload struct {
		Usage map[string]any `json:"usage"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil || payload.Usage == nil {
		return 0, 0
	}
	in := intFromAny(payload.Usage["input_tokens"])
	out := intFromAny(payload.Usage["output_tokens"])
	if in == 0 && out == 0 {
		in = intFromAny(payload.Usage["prompt_tokens"])
		out = intFromAny(payload.Usage["completion_tokens"])
	}
	if in == 0 && out == 0 {
		in = intFromAny(payload.Usage["total_tokens"])
	}
	return in, out
}

func intFromAny(v any) int {
	switch val := v.(type) {
	case float64:
		return int(val)
	case int:
		return val
	case json.Number:
		if i, err := val.Int64(); err == nil {
			return int(i)
		}
	case string:
		if i, err := strconv.Atoi(strings.TrimSpace(val)); err == nil {
			return i
		}
	}
	return 0
}

func statusFromResp(resp *http.Response) string {
	if resp == nil {
		return "unknown"
	}
	return strconv.Itoa(resp.StatusCode)
}

func statusFromRespErr(resp *http.Response, err error) string {
	if resp != nil {
		return strconv.Itoa(resp.StatusCode)
	}
	if errors.Is(err, context.Canceled) {
		return "canceled"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	return "error"
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
