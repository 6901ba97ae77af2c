// Package pipelinetest provides fakes and a database-backed harness for pipeline tests.
package pipelinetest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/yungbote/contentforge-backend/internal/platform/openai"
)

// FakeAI is a scripted openai.Client. JSON responses are keyed by schema name; a handler
// may return an error to simulate a failing call.
type FakeAI struct {
	mu sync.Mutex

	JSON   map[string]func(user string) (any, error)
	Text   func(system, user string) (string, error)
	Vision func(user string, images []openai.ImageInput) (string, error)
	Speech func(text string) (openai.Speech, error)
	Embeds func(inputs []string) ([][]float32, error)

	calls   map[string]int
	prompts map[string][]string
}

func NewFakeAI() *FakeAI {
	return &FakeAI{
		JSON:    map[string]func(string) (any, error){},
		calls:   map[string]int{},
		prompts: map[string][]string{},
	}
}

// On scripts a fixed JSON response for schemaName.
func (f *FakeAI) On(schemaName string, v any) *FakeAI {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.JSON[schemaName] = func(string) (any, error) { return v, nil }
	return f
}

func (f *FakeAI) OnFunc(schemaName string, fn func(user string) (any, error)) *FakeAI {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.JSON[schemaName] = fn
	return f
}

func (f *FakeAI) record(key, prompt string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[key]++
	f.prompts[key] = append(f.prompts[key], prompt)
	return f.calls[key]
}

// Calls reports how often key was requested. Keys are schema names, or "text", "vision",
// "speech" and "embed".
func (f *FakeAI) Calls(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[key]
}

// Prompts returns the user prompts sent under key, in call order.
func (f *FakeAI) Prompts(key string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.prompts[key]...)
}

func (f *FakeAI) Embed(ctx context.Context, inputs []string) ([][]float32, error) {
	f.record("embed", fmt.Sprint(len(inputs)))
	if f.Embeds != nil {
		return f.Embeds(inputs)
	}
	out := make([][]float32, len(inputs))
	for i := range inputs {
		out[i] = []float32{1, 0}
	}
	return out, nil
}

func (f *FakeAI) GenerateJSON(ctx context.Context, system, user, schemaName string, schema map[string]any, out any) error {
	f.record(schemaName, user)
	f.mu.Lock()
	fn := f.JSON[schemaName]
	f.mu.Unlock()
	if fn == nil {
		return fmt.Errorf("fake ai: no response scripted for schema %q", schemaName)
	}
	v, err := fn(user)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return &openai.SchemaError{Schema: schemaName, Err: err, Text: string(raw)}
	}
	return nil
}

func (f *FakeAI) GenerateText(ctx context.Context, system, user string) (string, error) {
	f.record("text", user)
	if f.Text == nil {
		return "", fmt.Errorf("fake ai: no text response scripted")
	}
	return f.Text(system, user)
}

func (f *FakeAI) GenerateTextWithImages(ctx context.Context, system, user string, images []openai.ImageInput) (string, error) {
	f.record("vision", user)
	if f.Vision == nil {
		return "", fmt.Errorf("fake ai: no vision response scripted")
	}
	return f.Vision(user, images)
}

func (f *FakeAI) Synthesize(ctx context.Context, text string) (openai.Speech, error) {
	f.record("speech", text)
	if f.Speech == nil {
		return openai.Speech{Audio: []byte("RIFF"), MimeType: "audio/wav", Duration: time.Second}, nil
	}
	return f.Speech(text)
}

var _ openai.Client = (*FakeAI)(nil)
