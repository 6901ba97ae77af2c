package orchestrator

import (
	"encoding/json"
	"fmt"
	"sync"

	"gorm.io/datatypes"

	"github.com/yungbote/contentforge-backend/internal/domain/jobs"
	jobrt "github.com/yungbote/contentforge-backend/internal/jobs/runtime"
	"github.com/yungbote/contentforge-backend/internal/quality"
)

// RewriteFeedback is stored on the job by a rewrite request and handed to the final
// assembly stage on the next pass.
type RewriteFeedback struct {
	Stage        string                `json:"stage"`
	Attempt      int                   `json:"attempt"`
	Instructions []string              `json:"instructions"`
	Unmet        []quality.Measurement `json:"unmet"`
}

// State is the view a stage has of its job: the submission input plus every output
// committed by earlier stages. Outputs are only ever added by the engine after a stage
// commits. Each stage attempt gets its own copy of the view; reports from an attempt that
// has been superseded (timed out and retried) are dropped.
type State struct {
	Kind jobs.Kind

	input    datatypes.JSON
	feedback *RewriteFeedback
	attempt  int

	shared *stateShared
}

type stateShared struct {
	outMu   sync.RWMutex
	outputs map[string]datatypes.JSON

	// mu serializes progress reporting from concurrent sub-items.
	mu           sync.Mutex
	lastProgress int
	live         int
	jc           *jobrt.Context
	stage        *Stage
}

func newState(jc *jobrt.Context, outs []*jobs.StageOutput) (*State, error) {
	job := jc.Snapshot()
	st := &State{
		Kind:  job.Kind,
		input: job.Input,
		shared: &stateShared{
			outputs:      make(map[string]datatypes.JSON, len(outs)),
			lastProgress: job.Progress,
			jc:           jc,
		},
	}
	for _, o := range outs {
		if o != nil {
			st.shared.outputs[o.Stage] = o.Data
		}
	}
	if len(job.RewriteFeedback) > 0 && string(job.RewriteFeedback) != "null" {
		var fb RewriteFeedback
		if err := json.Unmarshal(job.RewriteFeedback, &fb); err != nil {
			return nil, fmt.Errorf("decode rewrite feedback: %w", err)
		}
		st.feedback = &fb
	}
	return st, nil
}

// Input decodes the job input into v.
func (s *State) Input(v any) error {
	if len(s.input) == 0 {
		return nil
	}
	if err := json.Unmarshal(s.input, v); err != nil {
		return Permanent(fmt.Errorf("decode input: %w", err))
	}
	return nil
}

func (s *State) Has(stage string) bool {
	_, ok := s.raw(stage)
	return ok
}

func (s *State) Raw(stage string) datatypes.JSON {
	raw, _ := s.raw(stage)
	return raw
}

func (s *State) raw(stage string) (datatypes.JSON, bool) {
	s.shared.outMu.RLock()
	defer s.shared.outMu.RUnlock()
	raw, ok := s.shared.outputs[stage]
	return raw, ok
}

// Rewrite returns the feedback addressed to stage, or nil on a normal pass.
func (s *State) Rewrite(stage string) *RewriteFeedback {
	if s.feedback == nil || s.feedback.Stage != stage {
		return nil
	}
	return s.feedback
}

// Report publishes intra-stage progress as a fraction of the running stage's band.
func (s *State) Report(done, total int, msg string) {
	if s.shared == nil || total <= 0 {
		return
	}
	sh := s.shared
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if sh.jc == nil || sh.stage == nil || s.attempt != sh.live {
		return
	}
	if done > total {
		done = total
	}
	pct := sh.stage.StartPct + (sh.stage.EndPct-sh.stage.StartPct)*done/total
	sh.progressLocked(sh.stage.Name, pct, msg)
}

// stageName is the stage currently running, or "" between stages.
func (s *State) stageName() string {
	s.shared.mu.Lock()
	defer s.shared.mu.Unlock()
	if s.shared.stage == nil {
		return ""
	}
	return s.shared.stage.Name
}

// beginStage makes def the running stage and publishes its start percentage.
func (s *State) beginStage(def Stage, msg string) {
	sh := s.shared
	sh.mu.Lock()
	defer sh.mu.Unlock()
	sh.stage = &def
	sh.progressLocked(def.Name, def.StartPct, msg)
}

// beginAttempt returns the view for the next attempt of the running stage. Views handed
// out earlier stop reporting.
func (s *State) beginAttempt() *State {
	s.shared.mu.Lock()
	defer s.shared.mu.Unlock()
	s.shared.live++
	view := *s
	view.attempt = s.shared.live
	return &view
}

// endStage retires every attempt view of the running stage and returns the band's end
// percentage, raised to what has already been reported.
func (s *State) endStage(pct int) int {
	sh := s.shared
	sh.mu.Lock()
	defer sh.mu.Unlock()
	sh.live++
	sh.stage = nil
	if pct < sh.lastProgress {
		pct = sh.lastProgress
	}
	sh.lastProgress = pct
	return pct
}

func (sh *stateShared) progressLocked(stage string, pct int, msg string) {
	if pct < sh.lastProgress {
		pct = sh.lastProgress
	} else {
		sh.lastProgress = pct
	}
	sh.jc.Progress(stage, pct, msg)
}

func (s *State) put(stage string, raw datatypes.JSON) {
	s.shared.outMu.Lock()
	defer s.shared.outMu.Unlock()
	s.shared.outputs[stage] = raw
}

// Load decodes the committed output of stage into T and validates it when T is an Output.
func Load[T any](s *State, stage string) (T, error) {
	var out T
	raw, ok := s.raw(stage)
	if !ok {
		return out, Permanent(fmt.Errorf("missing output of stage %q", stage))
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, Permanent(fmt.Errorf("decode output of stage %q: %w", stage, err))
	}
	if v, ok := any(&out).(Output); ok {
		if err := v.Validate(); err != nil {
			return out, Permanent(fmt.Errorf("output of stage %q: %w", stage, err))
		}
	} else if v, ok := any(out).(Output); ok {
		if err := v.Validate(); err != nil {
			return out, Permanent(fmt.Errorf("output of stage %q: %w", stage, err))
		}
	}
	return out, nil
}
