package orchestrator

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/yungbote/contentforge-backend/internal/domain/jobs"
)

// PipelineSpec is the declarative half of a pipeline: stage order, progress bands,
// timeouts and retry budgets. Each pipeline package embeds one as pipeline.yaml.
type PipelineSpec struct {
	Pipeline      string      `yaml:"pipeline"`
	Version       int         `yaml:"version"`
	FinalAssembly string      `yaml:"final_assembly"`
	Stages        []StageSpec `yaml:"stages"`
}

type StageSpec struct {
	Name     string        `yaml:"name"`
	StartPct int           `yaml:"start_pct"`
	EndPct   int           `yaml:"end_pct"`
	Timeout  time.Duration `yaml:"timeout"`
	StartMsg string        `yaml:"start_msg"`
	DoneMsg  string        `yaml:"done_msg"`
	Retry    RetrySpec     `yaml:"retry"`
}

type RetrySpec struct {
	MaxAttempts int           `yaml:"max_attempts"`
	MinBackoff  time.Duration `yaml:"min_backoff"`
	MaxBackoff  time.Duration `yaml:"max_backoff"`
}

func ParseSpec(data []byte) (*PipelineSpec, error) {
	var spec PipelineSpec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("parse pipeline spec: %w", err)
	}
	if strings.TrimSpace(spec.Pipeline) == "" {
		return nil, errors.New("pipeline spec: missing pipeline name")
	}
	if len(spec.Stages) == 0 {
		return nil, fmt.Errorf("pipeline %s: no stages defined", spec.Pipeline)
	}
	return &spec, nil
}

// Bind joins the spec with stage implementations. A stage declared without an
// implementation, or implemented without a declaration, is an error.
func (s *PipelineSpec) Bind(kind jobs.Kind, impls map[string]StageFunc) (*Pipeline, error) {
	if s == nil {
		return nil, errors.New("nil pipeline spec")
	}
	if s.Pipeline != string(kind) {
		return nil, fmt.Errorf("pipeline spec %q does not describe kind %q", s.Pipeline, kind)
	}
	used := map[string]bool{}
	stages := make([]Stage, 0, len(s.Stages))
	for _, ss := range s.Stages {
		run, ok := impls[ss.Name]
		if !ok || run == nil {
			return nil, fmt.Errorf("pipeline %s: stage %q has no implementation", kind, ss.Name)
		}
		used[ss.Name] = true
		stages = append(stages, Stage{
			Name:     ss.Name,
			Timeout:  ss.Timeout,
			StartPct: ss.StartPct,
			EndPct:   ss.EndPct,
			StartMsg: ss.StartMsg,
			DoneMsg:  ss.DoneMsg,
			Retry: RetryPolicy{
				MaxAttempts: ss.Retry.MaxAttempts,
				MinBackoff:  ss.Retry.MinBackoff,
				MaxBackoff:  ss.Retry.MaxBackoff,
			},
			Run: run,
		})
	}
	for name := range impls {
		if !used[name] {
			return nil, fmt.Errorf("pipeline %s: implementation %q is not declared", kind, name)
		}
	}
	if err := validateStages(stages); err != nil {
		return nil, fmt.Errorf("pipeline %s: %w", kind, err)
	}
	p := &Pipeline{Kind: kind, Stages: stages, FinalAssembly: s.FinalAssembly}
	if s.FinalAssembly != "" && p.StageIndex(s.FinalAssembly) < 0 {
		return nil, fmt.Errorf("pipeline %s: final_assembly %q is not a stage", kind, s.FinalAssembly)
	}
	return p, nil
}
