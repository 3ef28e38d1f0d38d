package profiler

import (
	"context"
	"fmt"

	"github.com/spindleworks/spindle/engine"
	"github.com/spindleworks/spindle/registry"
	"github.com/spindleworks/spindle/window"
)

// Plan is the window list of one (store, pipeline) job. Windows are ordered
// by ascending from_date and execute strictly in that order; a non-success
// outcome halts the remainder of the plan for this run.
type Plan struct {
	Store    registry.Store
	Pipeline engine.Pipeline
	Windows  []window.Span
}

// pipelineFor maps a store's sync group onto the pipeline that serves it.
func pipelineFor(g registry.Group) (engine.Pipeline, bool) {
	switch g {
	case registry.GroupTD:
		return engine.PipelineTD, true
	case registry.GroupUC:
		return engine.PipelineUC, true
	default:
		return "", false
	}
}

// buildPlan derives the windows one (store, pipeline) job must run.
//
// The store's successful history decides where to resume. With no history the
// plan starts at the store's start date. Otherwise it starts at the last
// successful to_date rewound by the overlap, so the most recent days are
// re-synced every run to pick up late order edits. Candidate windows chunk
// that range up to |today| in window_days pieces, and a (today, today)
// refresh is appended whenever no candidate covers today.
//
// A candidate is kept when the run is forced, when it overlaps the re-sync
// range, or when no identical window has already succeeded.
func (p *Profiler) buildPlan(ctx context.Context, store registry.Store, pipeline engine.Pipeline, today window.Date) (Plan, error) {
	var plan = Plan{Store: store, Pipeline: pipeline}

	successes, err := p.deps.Log.SuccessesFor(ctx, string(pipeline), store.StoreCode)
	if err != nil {
		return Plan{}, fmt.Errorf("loading success history of %s: %w", store.StoreCode, err)
	}

	var nextFrom = store.StartDate
	var overlap window.Span
	var haveOverlap bool

	if len(successes) != 0 {
		var lastTo = successes[0].To
		for _, s := range successes[1:] {
			lastTo = lastTo.Max(s.To)
		}
		overlap = window.Span{From: lastTo.AddDays(-(p.cfg.overlapDays() - 1)), To: lastTo}
		haveOverlap = true
		nextFrom = store.StartDate.Max(overlap.From)
	}

	var candidates = window.Chunks(nextFrom, today, p.cfg.windowDays())

	var coversToday bool
	for _, w := range candidates {
		if w.Contains(today) {
			coversToday = true
			break
		}
	}
	if !coversToday {
		candidates = append(candidates, window.Span{From: today, To: today})
	}

	for _, w := range candidates {
		var run = p.cfg.Force || (haveOverlap && w.Overlaps(overlap))
		if !run {
			covered, err := p.deps.Log.IsCovered(ctx, string(pipeline), store.StoreCode, w)
			if err != nil {
				return Plan{}, fmt.Errorf("checking coverage of %s: %w", w, err)
			}
			run = !covered
		}
		if run {
			plan.Windows = append(plan.Windows, w)
		}
	}
	return plan, nil
}

func totalWindows(plans []Plan) int {
	var n int
	for _, p := range plans {
		n += len(p.Windows)
	}
	return n
}
