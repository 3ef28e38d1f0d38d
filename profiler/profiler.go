// Package profiler plans and executes sync windows across every eligible
// store. It bounds execution with a worker pool, serializes jobs per store
// and per (store, pipeline) advisory lock, halts a job's remaining windows
// after a non-success outcome, and records the rolled-up result as one
// pipeline run summary row.
package profiler

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/spindleworks/spindle/engine"
	"github.com/spindleworks/spindle/registry"
	"github.com/spindleworks/spindle/synclog"
	"github.com/spindleworks/spindle/window"
)

// Planner defaults, exposed for the command layer's flag declarations.
const (
	DefaultWindowDays  = 7
	DefaultOverlapDays = 3
	DefaultMaxWorkers  = 4
)

// summaryCloseTimeout bounds the detached writes that finalize a run after
// its context has been cancelled.
const summaryCloseTimeout = 15 * time.Second

// Config is one profiler invocation.
type Config struct {
	Env       string
	Group     registry.Group
	StoreCode string

	WindowDays  int
	OverlapDays int
	MaxWorkers  int
	Force       bool

	// OrphanAge bounds how stale a running row must be before the
	// pre-plan reap finalizes it as failed.
	OrphanAge time.Duration
	// Grace bounds the drain wait after an external cancellation.
	Grace time.Duration
}

func (c Config) windowDays() int {
	if c.WindowDays > 0 {
		return c.WindowDays
	}
	return DefaultWindowDays
}

func (c Config) overlapDays() int {
	if c.OverlapDays > 0 {
		return c.OverlapDays
	}
	return DefaultOverlapDays
}

func (c Config) maxWorkers() int {
	if c.MaxWorkers > 0 {
		return c.MaxWorkers
	}
	return DefaultMaxWorkers
}

func (c Config) orphanAge() time.Duration {
	if c.OrphanAge > 0 {
		return c.OrphanAge
	}
	return 2 * time.Hour
}

func (c Config) grace() time.Duration {
	if c.Grace > 0 {
		return c.Grace
	}
	return 30 * time.Second
}

// Deps are the shared services a Profiler drives.
type Deps struct {
	Registry *registry.Registry
	Log      *synclog.Store
	Runs     *synclog.Runs
	Engines  map[engine.Pipeline]engine.Engine
	Locker   Locker
	Clock    *window.Clock
}

// Profiler orchestrates scheduler invocations.
type Profiler struct {
	deps Deps
	cfg  Config

	mu      sync.Mutex
	storeMu map[string]*sync.Mutex
}

// New assembles a Profiler from its dependencies and invocation config.
func New(deps Deps, cfg Config) *Profiler {
	return &Profiler{deps: deps, cfg: cfg, storeMu: make(map[string]*sync.Mutex)}
}

// Result is the terminal report of one profiler invocation.
type Result struct {
	RunID   string
	Status  synclog.RunStatus
	Phases  []synclog.Phase
	Metrics synclog.Metrics
	Summary string
}

// planReport is what one (store, pipeline) job produced.
type planReport struct {
	plan     Plan
	outcomes []engine.Outcome
	skipped  int    // planned windows that never executed
	note     string // set when the job was skipped or cut short
}

// Run executes one full scheduler invocation: reap orphans, plan windows for
// every eligible store, execute the plans under the worker pool, and close
// the run summary. Cancelling |ctx| stops new windows from starting, drains
// in-flight ones for a bounded grace, and still records the summary.
func (p *Profiler) Run(ctx context.Context) (Result, error) {
	var today = p.deps.Clock.Today()

	if reaped, err := p.deps.Log.ReapOrphans(ctx, p.cfg.orphanAge()); err != nil {
		return Result{}, fmt.Errorf("reaping orphaned windows: %w", err)
	} else if reaped > 0 {
		log.WithField("rows", reaped).Warn("finalized orphaned windows from earlier runs")
	}

	var planningStarted = time.Now().UTC()

	stores, err := p.deps.Registry.EligibleStores(ctx, p.cfg.Group, p.cfg.StoreCode)
	if err != nil {
		return Result{}, fmt.Errorf("loading eligible stores: %w", err)
	}

	var plans []Plan
	for _, store := range stores {
		var pipeline, ok = pipelineFor(store.SyncGroup)
		if !ok {
			log.WithFields(log.Fields{
				"store": store.StoreCode,
				"group": store.SyncGroup,
			}).Warn("no pipeline serves this sync group; skipping store")
			continue
		}
		plan, err := p.buildPlan(ctx, store, pipeline, today)
		if err != nil {
			return Result{}, err
		}
		windowsPlannedCounter.WithLabelValues(string(pipeline)).
			Add(float64(len(plan.Windows)))
		plans = append(plans, plan)
	}

	var planningFinished = time.Now().UTC()

	runID, err := p.deps.Runs.Open(ctx, runName(p.cfg.Group), p.cfg.Env, today)
	if err != nil {
		return Result{}, fmt.Errorf("opening run summary: %w", err)
	}

	log.WithFields(log.Fields{
		"run":     runID,
		"group":   p.cfg.Group,
		"jobs":    len(plans),
		"windows": totalWindows(plans),
		"workers": p.cfg.maxWorkers(),
	}).Info("starting sync run")

	var (
		reportMu sync.Mutex
		reports  []planReport
	)

	var pool = new(errgroup.Group)
	pool.SetLimit(p.cfg.maxWorkers())

	for _, plan := range plans {
		plan := plan
		pool.Go(func() error {
			var report = p.runPlan(ctx, runID, plan)
			reportMu.Lock()
			reports = append(reports, report)
			reportMu.Unlock()
			return nil
		})
	}

	var done = make(chan struct{})
	go func() {
		_ = pool.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		log.WithField("grace", p.cfg.grace()).
			Info("cancellation requested; draining in-flight windows")
		select {
		case <-done:
		case <-time.After(p.cfg.grace()):
			log.Warn("grace deadline expired with windows still in flight")
		}
	}
	var cancelled = ctx.Err() != nil

	// Detached context: the summary must close even though |ctx| is done.
	var closeCtx, cancel = context.WithTimeout(context.WithoutCancel(ctx), summaryCloseTimeout)
	defer cancel()

	if cancelled {
		if n, err := p.deps.Log.CancelRunning(closeCtx, runID); err != nil {
			log.WithField("error", err).Error("failed to finalize abandoned windows")
		} else if n > 0 {
			log.WithField("rows", n).Warn("finalized abandoned windows as failed")
		}
	}

	reportMu.Lock()
	var snapshot = append([]planReport(nil), reports...)
	reportMu.Unlock()

	var result = p.summarize(runID, plans, snapshot, cancelled)
	result.Phases = []synclog.Phase{
		{
			Name:       "plan",
			Status:     "ok",
			StartedAt:  planningStarted,
			FinishedAt: planningFinished,
			Detail:     fmt.Sprintf("%d jobs, %d windows", len(plans), totalWindows(plans)),
		},
		{
			Name:       "execute",
			Status:     string(result.Status),
			StartedAt:  planningFinished,
			FinishedAt: time.Now().UTC(),
			Detail: fmt.Sprintf("%d run, %d skipped",
				result.Metrics.WindowsRun, result.Metrics.Skipped),
		},
	}

	if err := p.deps.Runs.Close(closeCtx, runID, result.Status,
		result.Phases, result.Metrics, result.Summary); err != nil {
		return result, fmt.Errorf("closing run summary: %w", err)
	}
	runsFinishedCounter.WithLabelValues(string(result.Status)).Inc()

	log.WithFields(log.Fields{
		"run":       runID,
		"status":    result.Status,
		"succeeded": result.Metrics.Succeeded,
		"partial":   result.Metrics.Partial,
		"failed":    result.Metrics.Failed,
		"skipped":   result.Metrics.Skipped,
	}).Info("sync run finished")

	return result, nil
}

// runPlan executes one job's windows in order, holding the store mutex and
// the job's advisory lock throughout.
func (p *Profiler) runPlan(ctx context.Context, runID string, plan Plan) planReport {
	var report = planReport{plan: plan}
	if len(plan.Windows) == 0 {
		return report
	}

	var logger = log.WithFields(log.Fields{
		"store":    plan.Store.StoreCode,
		"pipeline": plan.Pipeline,
	})

	var storeMu = p.storeMutex(plan.Store.StoreCode)
	storeMu.Lock()
	defer storeMu.Unlock()

	var key = LockKey(plan.Pipeline, plan.Store.StoreCode)
	acquired, err := p.deps.Locker.TryLock(ctx, key)
	if err != nil {
		report.skipped = len(plan.Windows)
		report.note = fmt.Sprintf("advisory lock: %s", err)
		logger.WithField("error", err).Error("failed to acquire job lock")
		return report
	}
	if !acquired {
		report.skipped = len(plan.Windows)
		report.note = "skipped: another profiler holds this job"
		jobsSkippedCounter.WithLabelValues(string(plan.Pipeline)).Inc()
		logger.Info("another profiler holds this job; skipping")
		return report
	}
	defer func() {
		if err := p.deps.Locker.Unlock(context.WithoutCancel(ctx), key); err != nil {
			logger.WithField("error", err).Warn("failed to release job lock")
		}
	}()

	var eng = p.deps.Engines[plan.Pipeline]
	if eng == nil {
		report.skipped = len(plan.Windows)
		report.note = fmt.Sprintf("no engine bound for pipeline %s", plan.Pipeline)
		logger.Error("no engine bound for pipeline")
		return report
	}

	for i, w := range plan.Windows {
		if ctx.Err() != nil {
			report.skipped = len(plan.Windows) - i
			report.note = "cancelled before remaining windows ran"
			break
		}

		windowsInFlightGauge.Inc()
		var outcome = eng.Run(ctx, engine.Job{
			Store:  plan.Store,
			Window: w,
			RunID:  runID,
			RunEnv: p.cfg.Env,
		})
		windowsInFlightGauge.Dec()

		windowsRunCounter.WithLabelValues(string(plan.Pipeline), string(outcome.Status)).Inc()
		report.outcomes = append(report.outcomes, outcome)

		if outcome.Status != synclog.StatusSuccess {
			report.skipped = len(plan.Windows) - i - 1
			if report.skipped > 0 {
				report.note = fmt.Sprintf("halted after %s on %s", outcome.Status, w)
				logger.WithFields(log.Fields{
					"window": w,
					"status": outcome.Status,
				}).Warn("halting remaining windows of this job")
			}
			break
		}
	}
	return report
}

// storeMutex returns the mutex serializing every job of one store.
func (p *Profiler) storeMutex(storeCode string) *sync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()
	var m = p.storeMu[storeCode]
	if m == nil {
		m = new(sync.Mutex)
		p.storeMu[storeCode] = m
	}
	return m
}

// summarize folds the finished reports into run metrics and a rolled-up
// status. A cancelled run reports partial, or error when nothing succeeded.
func (p *Profiler) summarize(runID string, plans []Plan, reports []planReport, cancelled bool) Result {
	var metrics = synclog.Metrics{
		WindowsPlanned: totalWindows(plans),
		PerStore:       make(map[string]synclog.StoreMetrics),
	}
	var statuses []synclog.Status

	for _, r := range reports {
		var sm = metrics.PerStore[r.plan.Store.StoreCode]
		metrics.Skipped += r.skipped
		sm.Skipped += r.skipped
		if r.note != "" {
			sm.LastError = r.note
		}
		for _, o := range r.outcomes {
			metrics.WindowsRun++
			metrics.RowsStaged += o.Staged
			metrics.RowsMerged += o.Merged
			sm.RowsStaged += o.Staged
			statuses = append(statuses, o.Status)
			switch o.Status {
			case synclog.StatusSuccess:
				metrics.Succeeded++
				sm.Succeeded++
			case synclog.StatusPartial:
				metrics.Partial++
				sm.Partial++
			default:
				metrics.Failed++
				sm.Failed++
			}
			if o.Err != nil {
				sm.LastError = o.Err.Error()
			}
		}
		metrics.PerStore[r.plan.Store.StoreCode] = sm
	}

	var status = synclog.Rollup(statuses)
	if cancelled {
		if metrics.Succeeded > 0 {
			status = synclog.RunPartial
		} else {
			status = synclog.RunError
		}
	}

	return Result{
		RunID:   runID,
		Status:  status,
		Metrics: metrics,
		Summary: summaryText(reports),
	}
}

// summaryText renders the per-pipeline operator summary stored on the run
// row and reused verbatim in notification emails.
func summaryText(reports []planReport) string {
	type tally struct {
		succeeded, partial, failed, skipped int
		staged, merged                      int64
	}
	var byPipeline = make(map[string]*tally)
	for _, r := range reports {
		var t = byPipeline[string(r.plan.Pipeline)]
		if t == nil {
			t = new(tally)
			byPipeline[string(r.plan.Pipeline)] = t
		}
		t.skipped += r.skipped
		for _, o := range r.outcomes {
			switch o.Status {
			case synclog.StatusSuccess:
				t.succeeded++
			case synclog.StatusPartial:
				t.partial++
			default:
				t.failed++
			}
			t.staged += o.Staged
			t.merged += o.Merged
		}
	}
	if len(byPipeline) == 0 {
		return "no windows to run"
	}

	var names = make([]string, 0, len(byPipeline))
	for name := range byPipeline {
		names = append(names, name)
	}
	sort.Strings(names)

	var lines = make([]string, 0, len(names))
	for _, name := range names {
		var t = byPipeline[name]
		lines = append(lines, fmt.Sprintf(
			"%s: %d succeeded, %d partial, %d failed, %d skipped (staged %d, merged %d)",
			name, t.succeeded, t.partial, t.failed, t.skipped, t.staged, t.merged))
	}
	return strings.Join(lines, "\n")
}

// runName is the pipeline_name recorded on the run summary row.
func runName(g registry.Group) string {
	switch g {
	case registry.GroupTD:
		return "orders_sync_td"
	case registry.GroupUC:
		return "orders_sync_uc"
	default:
		return "orders_sync_all"
	}
}
