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

// tdFlow is the slice of browser.TDFlow the engine drives. Tests substitute
// stubs; production uses the real flow.
type tdFlow interface {
	EnsureSession(ctx context.Context, s browser.Session) error
	DownloadOrders(ctx context.Context, s browser.Session, w window.Span) (browser.Artifact, error)
	DownloadSales(ctx context.Context, s browser.Session, w window.Span) (browser.Artifact, error)
}

// TD executes TumbleDry windows: the Order Report and the Sales & Delivery
// Report, each parsed and merged in its own transaction. Both artifacts
// landing makes the window a success; orders alone make it partial.
type TD struct {
	base
	newFlow func(store registry.Store, dir string) tdFlow
}

// NewTD returns the TumbleDry engine over |d|.
func NewTD(d Deps) *TD {
	return &TD{
		base: base{Deps: d, backoff: transportBackoff},
		newFlow: func(store registry.Store, dir string) tdFlow {
			return &browser.TDFlow{
				StoreCode:   store.StoreCode,
				Config:      store.Config,
				DownloadDir: dir,
			}
		},
	}
}

func (e *TD) Pipeline() Pipeline { return PipelineTD }

// tdAttempt is the progress of one execution attempt. Retried attempts
// restage the same keys, so only the deciding attempt's counts are reported.
type tdAttempt struct {
	ordersOK  bool
	salesOK   bool
	staged    int64
	merged    int64
	rejected  int
	artifacts []string
}

// Run executes one TumbleDry window.
func (e *TD) Run(ctx context.Context, job Job) Outcome {
	var out = Outcome{
		Pipeline: PipelineTD,
		Store:    job.Store.StoreCode,
		Window:   job.Window,
		Status:   synclog.StatusFailed,
	}

	logID, err := e.open(ctx, job, PipelineTD)
	if err != nil {
		out.Err = err
		return out
	}
	out.LogID = logID

	var res tdAttempt
	err = withTransportRetries(ctx, e.backoff, func() error {
		var attemptErr error
		res, attemptErr = e.attempt(ctx, job, logID)
		return attemptErr
	})
	e.clearSessionOnAuthFailure(job.Store.StoreCode, err)

	switch {
	case err == nil:
		out.Status = synclog.StatusSuccess
	case res.ordersOK:
		out.Status = synclog.StatusPartial
		out.Err = err
	default:
		out.Err = err
	}
	out.Staged = res.staged
	out.Merged = res.merged
	out.Rejected = res.rejected
	out.Artifacts = res.artifacts

	e.finalize(ctx, logID, out.Status, err)
	return out
}

// attempt runs both artifact flows against a fresh browser session.
func (e *TD) attempt(ctx context.Context, job Job, logID int64) (tdAttempt, error) {
	var res tdAttempt
	var flow = e.newFlow(job.Store, e.DownloadDir)

	var err = browser.Run(ctx, e.Launcher, e.sessionOptions(ctx, job.Store.StoreCode), func(s browser.Session) error {
		if err := flow.EnsureSession(ctx, s); err != nil {
			return err
		}
		defer e.saveState(ctx, s, job.Store.StoreCode)

		orders, err := flow.DownloadOrders(ctx, s, job.Window)
		if err != nil {
			return err
		}
		if err = e.Log.MarkOrdersPulled(ctx, logID); err != nil {
			return err
		}
		stats, rejected, err := e.ingestArtifact(ctx, job, orders, workbook.TDOrders, ingest.TDOrdersRoute, "TumbleDry")
		if err != nil {
			return err
		}
		res.staged += stats.Staged
		res.merged += stats.Merged
		res.rejected += rejected
		res.artifacts = append(res.artifacts, orders.Name)
		res.ordersOK = true

		sales, err := flow.DownloadSales(ctx, s, job.Window)
		if err != nil {
			return err
		}
		if err = e.Log.MarkSalesPulled(ctx, logID); err != nil {
			return err
		}
		stats, rejected, err = e.ingestArtifact(ctx, job, sales, workbook.TDSales, ingest.TDSalesRoute, "TumbleDry")
		if err != nil {
			return err
		}
		res.staged += stats.Staged
		res.merged += stats.Merged
		res.rejected += rejected
		res.artifacts = append(res.artifacts, sales.Name)
		res.salesOK = true
		return nil
	})
	return res, err
}
