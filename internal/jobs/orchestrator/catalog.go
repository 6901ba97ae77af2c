package orchestrator

import (
	"fmt"
	"sort"
	"sync"

	"github.com/yungbote/contentforge-backend/internal/domain/jobs"
	jobrt "github.com/yungbote/contentforge-backend/internal/jobs/runtime"
)

// Catalog maps each job kind to its pipeline. The API uses it to answer questions about
// stage layout (where a rewrite restarts, whether a kind has a gate) without running
// anything.
type Catalog struct {
	mu        sync.RWMutex
	pipelines map[jobs.Kind]*Pipeline
}

func NewCatalog() *Catalog {
	return &Catalog{pipelines: map[jobs.Kind]*Pipeline{}}
}

func (c *Catalog) Add(p *Pipeline) error {
	if p == nil {
		return fmt.Errorf("nil pipeline")
	}
	if !p.Kind.Valid() {
		return fmt.Errorf("unknown job kind %q", p.Kind)
	}
	if err := validateStages(p.Stages); err != nil {
		return fmt.Errorf("pipeline %s: %w", p.Kind, err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.pipelines[p.Kind]; exists {
		return fmt.Errorf("pipeline already registered for kind=%s", p.Kind)
	}
	c.pipelines[p.Kind] = p
	return nil
}

func (c *Catalog) Get(kind jobs.Kind) (*Pipeline, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.pipelines[kind]
	return p, ok
}

func (c *Catalog) Kinds() []jobs.Kind {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]jobs.Kind, 0, len(c.pipelines))
	for k := range c.pipelines {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// FinalAssemblyIndex is the stage a rewrite resumes at, or -1 when the kind has none.
func (p *Pipeline) FinalAssemblyIndex() int {
	if p == nil || p.FinalAssembly == "" {
		return -1
	}
	return p.StageIndex(p.FinalAssembly)
}

func (p *Pipeline) HasGate() bool {
	return p != nil && p.Gate != nil
}

// Handlers adapts every pipeline in the catalog to the worker registry.
func (c *Catalog) Handlers(e *Engine) []jobrt.Handler {
	kinds := c.Kinds()
	out := make([]jobrt.Handler, 0, len(kinds))
	for _, k := range kinds {
		p, _ := c.Get(k)
		out = append(out, NewHandler(e, p))
	}
	return out
}

type handler struct {
	engine   *Engine
	pipeline *Pipeline
}

func NewHandler(e *Engine, p *Pipeline) jobrt.Handler {
	if e == nil {
		e = NewEngine()
	}
	return &handler{engine: e, pipeline: p}
}

func (h *handler) Type() string { return string(h.pipeline.Kind) }

func (h *handler) Run(jc *jobrt.Context) error {
	return h.engine.Run(jc, h.pipeline)
}

// NormalizeInput validates a submission for kind. Kinds without a registered pipeline are
// rejected.
func (c *Catalog) NormalizeInput(kind jobs.Kind, raw []byte) ([]byte, error) {
	p, ok := c.Get(kind)
	if !ok {
		return nil, &InputError{Field: "kind", Reason: fmt.Sprintf("%q is not supported", kind)}
	}
	if p.Input == nil {
		if len(raw) == 0 {
			return []byte("{}"), nil
		}
		return raw, nil
	}
	return p.Input(raw)
}
