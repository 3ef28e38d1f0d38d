package engine

import (
	"context"

	"github.com/spindleworks/spindle/browser"
	"github.com/spindleworks/spindle/ingest"
	"github.com/spindleworks/spindle/registry"
	"github.com/spindleworks/spindle/synclog"
	"github.com/spindleworks/spindle/window"
	"github.com/spindleworks/spindle/workbook"
)

type ucFlow interface {
	EnsureSession(ctx context.Context, s browser.Session) error
	DownloadGST(ctx context.Context, s browser.Session, w window.Span) (browser.Artifact, bool, error)
}

// UC executes UClean windows: the GST invoice report. A window whose report
// shows no data is still a success; the store simply had no invoices.
type UC struct {
	base
	newFlow func(store registry.Store, dir string) ucFlow
}

// NewUC returns the UClean engine over |d|.
func NewUC(d Deps) *UC {
	return &UC{
		base: base{Deps: d, backoff: transportBackoff},
		newFlow: func(store registry.Store, dir string) ucFlow {
			return &browser.UCFlow{
				StoreCode:   store.StoreCode,
				Config:      store.Config,
				DownloadDir: dir,
			}
		},
	}
}

func (e *UC) Pipeline() Pipeline { return PipelineUC }

type ucAttempt struct {
	gstOK     bool
	noData    bool
	staged    int64
	merged    int64
	rejected  int
	artifacts []string
}

// Run executes one UClean window.
func (e *UC) Run(ctx context.Context, job Job) Outcome {
	var out = Outcome{
		Pipeline: PipelineUC,
		Store:    job.Store.StoreCode,
		Window:   job.Window,
		Status:   synclog.StatusFailed,
	}

	logID, err := e.open(ctx, job, PipelineUC)
	if err != nil {
		out.Err = err
		return out
	}
	out.LogID = logID

	var res ucAttempt
	err = withTransportRetries(ctx, e.backoff, func() error {
		var attemptErr error
		res, attemptErr = e.attempt(ctx, job, logID)
		return attemptErr
	})
	e.clearSessionOnAuthFailure(job.Store.StoreCode, err)

	if err == nil {
		out.Status = synclog.StatusSuccess
	} else {
		out.Err = err
	}
	out.Staged = res.staged
	out.Merged = res.merged
	out.Rejected = res.rejected
	out.Artifacts = res.artifacts

	e.finalize(ctx, logID, out.Status, err)
	return out
}

func (e *UC) attempt(ctx context.Context, job Job, logID int64) (ucAttempt, error) {
	var res ucAttempt
	var flow = e.newFlow(job.Store, e.DownloadDir)

	var err = browser.Run(ctx, e.Launcher, e.sessionOptions(ctx, job.Store.StoreCode), func(s browser.Session) error {
		if err := flow.EnsureSession(ctx, s); err != nil {
			return err
		}
		defer e.saveState(ctx, s, job.Store.StoreCode)

		gst, noData, err := flow.DownloadGST(ctx, s, job.Window)
		if err != nil {
			return err
		}
		if noData {
			// No invoices in the window. The window is satisfied with
			// zero rows and no artifact.
			res.noData = true
			res.gstOK = true
			return nil
		}
		if err = e.Log.MarkOrdersPulled(ctx, logID); err != nil {
			return err
		}
		stats, rejected, err := e.ingestArtifact(ctx, job, gst, workbook.UCGST, ingest.UCGSTRoute, "UClean")
		if err != nil {
			return err
		}
		res.staged += stats.Staged
		res.merged += stats.Merged
		res.rejected += rejected
		res.artifacts = append(res.artifacts, gst.Name)
		res.gstOK = true
		return nil
	})
	return res, err
}
