package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/yungbote/contentforge-backend/internal/domain/jobs"
	jobrt "github.com/yungbote/contentforge-backend/internal/jobs/runtime"
)

// ErrNoSurvivors is returned when every sub-item of a fan-out stage failed.
var ErrNoSurvivors = errors.New("all sub-items failed")

type SubItemOptions struct {
	Concurrency int
	Timeout     time.Duration
	// AllowEmpty lets a fan-out with zero survivors succeed with an empty result.
	AllowEmpty bool
	Label      string
}

type SubItemFailure struct {
	Index int    `json:"index"`
	Label string `json:"label,omitempty"`
	Error string `json:"error"`
}

// RunSubItems fans fn out over items. A failing item is logged and dropped; the stage
// continues with the survivors, returned in item order. Only the stage-wide context
// ending aborts the fan-out.
func RunSubItems[T any, R any](ctx *jobrt.Context, st *State, items []T, opts SubItemOptions, fn func(ctx context.Context, idx int, item T) (R, error)) ([]R, []SubItemFailure, error) {
	if len(items) == 0 {
		return nil, nil, nil
	}
	limit := opts.Concurrency
	if limit <= 0 {
		limit = 4
	}
	stage := ""
	if st != nil {
		stage = st.stageName()
	}

	results := make([]R, len(items))
	ok := make([]bool, len(items))
	var (
		mu       sync.Mutex
		done     int
		failures []SubItemFailure
	)

	g, gctx := errgroup.WithContext(ctx.Ctx)
	g.SetLimit(limit)
	for i := range items {
		i := i
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			ictx := gctx
			var cancel context.CancelFunc = func() {}
			if opts.Timeout > 0 {
				ictx, cancel = context.WithTimeout(gctx, opts.Timeout)
			}
			r, err := callItem(ictx, i, items[i], fn)
			cancel()
			if err != nil && ctx.Ctx.Err() != nil {
				return ctx.Ctx.Err()
			}

			mu.Lock()
			done++
			n := done
			if err != nil {
				failures = append(failures, SubItemFailure{Index: i, Label: opts.Label, Error: err.Error()})
			} else {
				results[i] = r
				ok[i] = true
			}
			mu.Unlock()

			if err != nil {
				ctx.Log.Warn("sub-item failed; continuing with the rest", "stage", stage, "index", i, "error", err)
				ctx.Event(jobs.EventSubItemFailed, stage, err.Error(), map[string]any{"index": i, "label": opts.Label})
				if st != nil {
					ctx.Metrics.IncSubItemFailure(string(st.Kind), stage)
				}
			}
			if st != nil {
				st.Report(n, len(items), fmt.Sprintf("%d of %d done", n, len(items)))
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, failures, err
	}

	out := make([]R, 0, len(items))
	for i := range items {
		if ok[i] {
			out = append(out, results[i])
		}
	}
	if len(out) == 0 && !opts.AllowEmpty {
		return nil, failures, Permanent(fmt.Errorf("%w (%d items)", ErrNoSurvivors, len(items)))
	}
	return out, failures, nil
}

func callItem[T any, R any](ctx context.Context, idx int, item T, fn func(ctx context.Context, idx int, item T) (R, error)) (r R, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v", rec)
		}
	}()
	return fn(ctx, idx, item)
}
