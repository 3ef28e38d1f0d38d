// Package engine executes sync windows. An Engine drives one pipeline kind
// end to end: it opens the sync-log row, runs the browser flow to fetch the
// window's artifacts, parses and ingests each artifact atomically, and
// finalizes the row with the terminal status the orchestrator plans from.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/spindleworks/spindle/browser"
	"github.com/spindleworks/spindle/fault"
	"github.com/spindleworks/spindle/ingest"
	"github.com/spindleworks/spindle/registry"
	"github.com/spindleworks/spindle/session"
	"github.com/spindleworks/spindle/synclog"
	"github.com/spindleworks/spindle/window"
	"github.com/spindleworks/spindle/workbook"
)

// Pipeline identifies one sync pipeline in sync-log rows and run summaries.
type Pipeline string

const (
	// PipelineTD is the TumbleDry orders and sales pipeline.
	PipelineTD Pipeline = "td_orders"
	// PipelineUC is the UClean GST invoice pipeline.
	PipelineUC Pipeline = "uc_gst"
)

// Job is one (store, window) execution order handed down by the profiler.
type Job struct {
	Store  registry.Store
	Window window.Span
	RunID  string
	RunEnv string
}

// Outcome reports one executed window back to the profiler.
type Outcome struct {
	Pipeline Pipeline
	Store    string
	Window   window.Span
	// LogID is the orders_sync_log row finalized by this execution,
	// zero if the row could not be opened.
	LogID  int64
	Status synclog.Status
	// Staged and Merged count rows written by the window's artifacts.
	Staged   int64
	Merged   int64
	Rejected int
	// Artifacts are the canonical filenames downloaded for the window.
	Artifacts []string
	Err       error
}

// Engine executes windows of one pipeline kind.
type Engine interface {
	Pipeline() Pipeline
	Run(ctx context.Context, job Job) Outcome
}

// Deps are the collaborators both engines compose.
type Deps struct {
	Log      *synclog.Store
	Loader   *ingest.Loader
	Sessions *session.Manager
	Launcher browser.Launcher
	Clock    *window.Clock
	// DownloadDir is the per-run directory artifacts are persisted under.
	DownloadDir string
}

// transportBackoff spaces the retry attempts a window gets after transient
// transport failures. Attempts beyond the initial execution are capped at
// its length; other fault kinds are not retried within a run.
var transportBackoff = []time.Duration{
	1 * time.Second,
	5 * time.Second,
	15 * time.Second,
}

type base struct {
	Deps
	backoff []time.Duration
}

// open inserts the window's running row, resuming the row this run already
// holds when the insert conflicts.
func (b *base) open(ctx context.Context, job Job, p Pipeline) (int64, error) {
	var w = synclog.OpenWindow{
		PipelineID: string(p),
		StoreCode:  job.Store.StoreCode,
		CostCenter: job.Store.CostCenter,
		RunID:      job.RunID,
		RunEnv:     job.RunEnv,
		Window:     job.Window,
	}
	var id, err = b.Log.Open(ctx, w)
	if fault.Is(err, fault.Conflict) {
		log.WithFields(log.Fields{
			"store":  w.StoreCode,
			"window": w.Window,
		}).Info("window already open for this run; resuming")
		return b.Log.Resume(ctx, w)
	}
	return id, err
}

// finalize writes the terminal row status. It runs on a detached context so
// the status lands even when the job's context has been cancelled.
func (b *base) finalize(ctx context.Context, logID int64, status synclog.Status, cause error) {
	var msg string
	if cause != nil {
		msg = cause.Error()
		if errors.Is(cause, context.Canceled) || fault.Is(cause, fault.Cancelled) {
			msg = "cancelled"
		}
	}
	var fctx, cancel = context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
	defer cancel()
	if err := b.Log.Finalize(fctx, logID, status, msg); err != nil {
		log.WithFields(log.Fields{
			"logID":  logID,
			"status": status,
			"err":    err,
		}).Error("failed to finalize sync-log row")
	}
}

// sessionOptions seeds the browser context from the store's saved session
// state when one is cached on disk. A state whose own bearer tokens prove it
// expired is not attached, sparing the flow a doomed reuse probe.
func (b *base) sessionOptions(ctx context.Context, storeCode string) browser.SessionOptions {
	var opts browser.SessionOptions
	var state, ok = b.Sessions.Load(storeCode)
	if !ok {
		return opts
	}
	if verdict, _ := session.Probe(ctx, state, b.Clock.Now(), nil); verdict == session.Expired {
		log.WithField("store", storeCode).Info("saved session is expired; starting clean")
		return opts
	}
	opts.StorageStatePath = b.Sessions.Path(storeCode)
	return opts
}

// saveState persists the live session's storage state for the next run.
// Failures are logged and swallowed: a stale session costs one re-login.
func (b *base) saveState(ctx context.Context, s browser.Session, storeCode string) {
	var raw, err = s.SaveState(ctx)
	if err == nil {
		err = b.Sessions.Save(storeCode, raw)
	}
	if err != nil {
		log.WithFields(log.Fields{"store": storeCode, "err": err}).
			Warn("failed to persist session state")
	}
}

// clearSessionOnAuthFailure drops cached credentials that the site rejected,
// forcing a fresh login on the store's next window.
func (b *base) clearSessionOnAuthFailure(storeCode string, err error) {
	if !fault.Is(err, fault.Auth) {
		return
	}
	if clearErr := b.Sessions.Clear(storeCode); clearErr != nil {
		log.WithFields(log.Fields{"store": storeCode, "err": clearErr}).
			Warn("failed to clear rejected session state")
	} else {
		log.WithField("store", storeCode).Info("cleared rejected session state")
	}
}

// ingestArtifact parses |a| and loads its rows through |route| in one
// transaction. The returned stats cover this artifact only.
func (b *base) ingestArtifact(ctx context.Context, job Job, a browser.Artifact,
	layout *workbook.Layout, route ingest.Route, system string) (ingest.Stats, int, error) {

	var parsed, err = workbook.Parse(a.Data, layout, workbook.Inject{
		CostCenter:   job.Store.CostCenter,
		StoreCode:    job.Store.StoreCode,
		RunID:        job.RunID,
		RunDate:      b.Clock.Today(),
		SourceSystem: system,
	}, b.Clock)
	if err != nil {
		return ingest.Stats{}, 0, fmt.Errorf("parsing %s: %w", a.Name, err)
	}
	if len(parsed.Warnings) > 0 {
		log.WithFields(log.Fields{
			"artifact": a.Name,
			"warnings": len(parsed.Warnings),
			"rejected": parsed.Rejected,
			"first":    parsed.Warnings[0],
		}).Warn("artifact parsed with warnings")
	}

	stats, err := b.Loader.Load(ctx, route, parsed.Rows, job.RunID, job.Store.StoreCode)
	if err != nil {
		return stats, parsed.Rejected, fmt.Errorf("ingesting %s: %w", a.Name, err)
	}
	return stats, parsed.Rejected, nil
}

// withTransportRetries runs |attempt| until it succeeds, fails with a
// non-transient fault, or exhausts the backoff schedule. Each retry executes
// on a freshly launched browser context; the failed one is never reused.
func withTransportRetries(ctx context.Context, backoff []time.Duration, attempt func() error) error {
	for retry := 0; ; retry++ {
		var err = attempt()
		if err == nil || !fault.Retryable(err) || retry == len(backoff) || ctx.Err() != nil {
			return err
		}
		log.WithFields(log.Fields{
			"retry":   retry + 1,
			"backoff": backoff[retry],
			"err":     err,
		}).Warn("transient transport failure; backing off")
		if sleepCtx(ctx, backoff[retry]) != nil {
			return err
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	var t = time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
